// Package message implements the collector's event queue (spec.md §3
// "Message", §6 "Messages"): finalization-posted, gc-start and gc-end
// records, each carrying a wall-clock timestamp, queryable and
// filterable by kind.
//
// Grounded on Manager.Stats (block/block_manager.go:60, mutated via
// atomic adds at block_manager.go:661-694) generalized from a flat
// atomic-counter struct into a typed, queryable queue, and on the
// "Index blocks downloaded." notice style (block_manager.go:508) for
// what counts as gc-end-worthy information.
package message

import (
	"sync"
	"time"
)

// Kind identifies what a Message reports.
type Kind int

const (
	KindFinalization Kind = iota
	KindGCStart
	KindGCEnd
)

func (k Kind) String() string {
	switch k {
	case KindFinalization:
		return "finalization"
	case KindGCStart:
		return "gc-start"
	case KindGCEnd:
		return "gc-end"
	default:
		return "unknown"
	}
}

// Message is one queued collector event.
type Message struct {
	Kind      Kind
	Timestamp time.Time

	// StartReason explains why a trace began (KindGCStart only).
	StartReason string

	// Condemned and Live are byte counts (KindGCEnd only): the total
	// size of segments condemned by the trace, and the bytes that
	// survived into the live set.
	Condemned uintptr
	Live      uintptr

	// FinalizedRef is the (opaque to this package) reference the client
	// asked to be notified about once it became unreachable
	// (KindFinalization only). The arena's barrier-safe poke (spec.md
	// §6) is how a client safely reads it back out.
	FinalizedRef uintptr
}

// Queue is a FIFO of Messages, filterable by kind and with an
// enable/disable gate per kind, matching spec.md §6's
// "Enable/disable by type" contract.
type Queue struct {
	mu      sync.Mutex
	enabled map[Kind]bool
	items   []Message
	now     func() time.Time
}

// NewQueue creates a Queue with every kind enabled, using time.Now for
// timestamps unless overridden via SetClock (tests use
// internal/testclock for deterministic sequencing).
func NewQueue() *Queue {
	return &Queue{
		enabled: map[Kind]bool{KindFinalization: true, KindGCStart: true, KindGCEnd: true},
		now:     time.Now,
	}
}

// SetClock overrides the queue's timestamp source.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Enable turns on delivery of messages of kind k.
func (q *Queue) Enable(k Kind) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enabled[k] = true
}

// Disable turns off delivery of messages of kind k; Post calls for
// that kind are silently dropped while disabled.
func (q *Queue) Disable(k Kind) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enabled[k] = false
}

// Post appends msg to the queue, stamping its Timestamp, unless its
// kind is currently disabled.
func (q *Queue) Post(msg Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.enabled[msg.Kind] {
		return
	}

	msg.Timestamp = q.now()
	q.items = append(q.items, msg)
}

// Poll reports whether any message is queued.
func (q *Queue) Poll() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) > 0
}

// Get removes and returns the oldest queued message, if any.
func (q *Queue) Get() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Message{}, false
	}

	m := q.items[0]
	q.items = q.items[1:]
	return m, true
}

// Discard drops the oldest queued message without returning it, a
// no-op if the queue is empty.
func (q *Queue) Discard() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return
	}
	q.items = q.items[1:]
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
