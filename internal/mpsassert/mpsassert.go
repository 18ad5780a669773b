// Package mpsassert implements the fatal, non-recoverable half of the
// error model described in spec.md §7.3: contract violations (e.g. fix
// receiving a reference outside the segment it claims) are bugs, not
// expected failures, and must crash rather than attempt recovery.
//
// Grounded on Manager.assertInvariant (block/block_manager.go:246),
// which panics with a formatted message when an invariant check fails.
package mpsassert

import "fmt"

// Require panics with a formatted message if ok is false. Use it for
// conditions that indicate a bug in the collector or a contract
// violation by the client, never for conditions that can arise from
// ordinary, recoverable resource exhaustion.
func Require(ok bool, format string, args ...interface{}) {
	if ok {
		return
	}

	panic(fmt.Sprintf(format, args...))
}

// Unreachable panics unconditionally; use it for switch defaults over
// closed enumerations.
func Unreachable(format string, args ...interface{}) {
	panic(fmt.Sprintf(format, args...))
}
