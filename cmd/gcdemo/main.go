// Command gcdemo drives an mps-go arena end to end for manual
// exercise: allocate a small object graph through an AMC pool, run
// collections against it, and optionally serve its Prometheus metrics.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ravenbrook/mps-go/arena"
	"github.com/ravenbrook/mps-go/format"
	"github.com/ravenbrook/mps-go/metrics"
	"github.com/ravenbrook/mps-go/mps"
	"github.com/ravenbrook/mps-go/pool/amc"
)

var (
	app = kingpin.New("gcdemo", "Drives an mps-go arena for manual exercise.")

	runCmd          = app.Command("run", "Allocate a synthetic object graph and collect it.").Default()
	runObjects      = runCmd.Flag("objects", "Number of objects to allocate.").Default("10000").Int()
	runRootFraction = runCmd.Flag("root-fraction", "Fraction of objects kept directly rooted.").Default("0.05").Float64()
	runFanout       = runCmd.Flag("fanout", "Maximum outgoing references per object.").Default("2").Int()
	runExtendBy     = runCmd.Flag("extend-by", "Segment size requested on buffer refill, in bytes.").Default("65536").Uint64()
	runSeed         = runCmd.Flag("seed", "Random seed (0 picks a time-derived seed).").Default("0").Int64()

	serveCmd    = app.Command("serve-metrics", "Run the allocation workload once, then serve its metrics until interrupted.")
	serveListen = serveCmd.Flag("listen", "Address to serve /metrics on.").Default(":8080").String()

	stressCmd       = app.Command("stress", "Allocate the same workload from several concurrent mutator goroutines, one allocation point each, to exercise the arena's single-lock discipline (spec.md §5).")
	stressWorkers   = stressCmd.Flag("workers", "Number of concurrent mutator goroutines.").Default("8").Int()
	stressExtendBy  = stressCmd.Flag("extend-by", "Segment size requested on buffer refill, in bytes.").Default("65536").Uint64()
	stressObjects   = stressCmd.Flag("objects", "Total number of objects to allocate, split evenly across workers.").Default("20000").Int()
	stressFanout    = stressCmd.Flag("fanout", "Maximum outgoing references per object.").Default("2").Int()
	stressRootFrac  = stressCmd.Flag("root-fraction", "Fraction of objects kept directly rooted.").Default("0.05").Float64()
	stressSeed      = stressCmd.Flag("seed", "Random seed (0 picks a time-derived seed).").Default("0").Int64()
)

func main() {
	selected := kingpin.MustParse(app.Parse(os.Args[1:]))

	ctx := context.Background()

	switch selected {
	case serveCmd.FullCommand():
		if err := runServeMetrics(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "gcdemo:", err)
			os.Exit(1)
		}
	case stressCmd.FullCommand():
		if err := runStress(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "gcdemo:", err)
			os.Exit(1)
		}
	default:
		if err := runOnce(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "gcdemo:", err)
			os.Exit(1)
		}
	}
}

// graph is a synthetic heap: every object is a node with a handful of
// outgoing references to other nodes, standing in for real client
// object bodies the way amc_test.go's testHeap does, but with enough
// connectivity to give the collector something nontrivial to trace.
//
// A graph is shared across mutator goroutines by the stress
// subcommand, so its node list and every format callback the
// collector invokes against it are guarded by mu: the arena's own
// lock only serialises the collector's bookkeeping (spec.md §5), not
// a client format's private data structures.
type graph struct {
	mu    sync.Mutex
	nodes []*node
}

type node struct {
	addr   mps.Ref
	fields []mps.Ref
	fwd    mps.Ref
}

func (g *graph) byAddrLocked(addr mps.Ref) *node {
	for _, n := range g.nodes {
		if n.addr == addr {
			return n
		}
	}
	return nil
}

func (g *graph) format() *format.Format {
	return &format.Format{
		Align: 8,
		Scan: func(ss format.ScanContext, base, limit mps.Ref) error {
			g.mu.Lock()
			n := g.byAddrLocked(base)
			fields := n.fields
			g.mu.Unlock()
			for i := range fields {
				if err := ss.Fix(&fields[i]); err != nil {
					return err
				}
			}
			return nil
		},
		Skip: func(ref mps.Ref) mps.Ref {
			g.mu.Lock()
			defer g.mu.Unlock()
			return ref.Add(8 * (1 + uintptr(len(g.byAddrLocked(ref).fields))))
		},
		Fwd: func(old, newRef mps.Ref) {
			g.mu.Lock()
			defer g.mu.Unlock()
			n := g.byAddrLocked(old)
			n.fwd = newRef
			moved := &node{addr: newRef, fields: n.fields}
			g.nodes = append(g.nodes, moved)
		},
		IsFwd: func(ref mps.Ref) (mps.Ref, bool) {
			g.mu.Lock()
			defer g.mu.Unlock()
			n := g.byAddrLocked(ref)
			if n == nil || n.fwd.IsZero() {
				return 0, false
			}
			return n.fwd, true
		},
		Pad: func(addr mps.Ref, size uintptr) {
			g.mu.Lock()
			defer g.mu.Unlock()
			for i, n := range g.nodes {
				if n.addr == addr {
					g.nodes = append(g.nodes[:i], g.nodes[i+1:]...)
					return
				}
			}
		},
	}
}

// buildGraph allocates count objects through ap, wiring up to fanout
// random back-references per object (only to already-allocated
// objects, so the graph is acyclic and Skip never has to chase
// forward) and returns the slots of the objects chosen to be rooted.
func buildGraph(ctx context.Context, g *graph, ap interface {
	Reserve(ctx context.Context, size uintptr) (mps.Ref, error)
	Commit(p mps.Ref, size uintptr) bool
}, count, fanout int, rootFraction float64, rng *rand.Rand) ([]*mps.Ref, error) {
	var roots []*mps.Ref

	for i := 0; i < count; i++ {
		n := rng.Intn(fanout + 1)
		var fields []mps.Ref
		g.mu.Lock()
		for j := 0; j < n && len(g.nodes) > 0; j++ {
			fields = append(fields, g.nodes[rng.Intn(len(g.nodes))].addr)
		}
		g.mu.Unlock()

		size := uintptr(8 * (1 + len(fields)))
		addr, err := ap.Reserve(ctx, size)
		if err != nil {
			return nil, err
		}
		g.mu.Lock()
		g.nodes = append(g.nodes, &node{addr: addr, fields: fields})
		g.mu.Unlock()
		if !ap.Commit(addr, size) {
			return nil, fmt.Errorf("gcdemo: commit failed for object %d", i)
		}

		if rng.Float64() < rootFraction {
			slot := addr
			roots = append(roots, &slot)
		}
	}

	return roots, nil
}

func buildArena(extendBy uint64) (*arena.Arena, *amc.Pool, *graph, error) {
	a := arena.New(arena.WithExtendBy(uintptr(extendBy)))
	g := &graph{}

	p, err := a.PoolCreate(amc.New, &amc.Args{
		Format:    g.format(),
		ExtendBy:  uintptr(extendBy),
		LargeSize: uintptr(extendBy) * 4,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return a, p.(*amc.Pool), g, nil
}

func runOnce(ctx context.Context) error {
	a, pool, g, err := buildArena(*runExtendBy)
	if err != nil {
		return err
	}

	seed := *runSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	ap := pool.NewAllocationPoint()
	roots, err := buildGraph(ctx, g, ap, *runObjects, *runFanout, *runRootFraction, rng)
	if err != nil {
		return err
	}
	for _, slot := range roots {
		a.RootCreateTable(mps.RankEXACT, []*mps.Ref{slot})
	}

	fmt.Printf("gcdemo: allocated %d objects (%d rooted), committed %d bytes\n",
		*runObjects, len(roots), a.Committed())

	if err := a.CollectAll(ctx, "gcdemo run"); err != nil {
		return err
	}

	stats := a.Stats()
	fmt.Printf("gcdemo: after collection: committed %d bytes, %d traces run, %d bytes condemned, %d bytes live\n",
		a.Committed(), stats.GCEnds, stats.Condemned, stats.Live)

	return nil
}

func runServeMetrics(ctx context.Context) error {
	a, pool, g, err := buildArena(*runExtendBy)
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ap := pool.NewAllocationPoint()
	roots, err := buildGraph(ctx, g, ap, *runObjects, *runFanout, *runRootFraction, rng)
	if err != nil {
		return err
	}
	for _, slot := range roots {
		a.RootCreateTable(mps.RankEXACT, []*mps.Ref{slot})
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.New(a))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	fmt.Printf("gcdemo: serving metrics on %s/metrics\n", *serveListen)
	return http.ListenAndServe(*serveListen, mux)
}

// runStress allocates the workload from several mutator goroutines at
// once, one allocation point per goroutine, to demonstrate that the
// arena's single lock (spec.md §5 "Scheduling model") is the only
// thing that needs to serialise them: each goroutine's Reserve/Commit
// runs against its own buffer and only takes the arena lock on a
// Fill, exactly as a real multi-threaded client would.
func runStress(ctx context.Context) error {
	a, pool, g, err := buildArena(*stressExtendBy)
	if err != nil {
		return err
	}

	seed := *stressSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	workers := *stressWorkers
	if workers < 1 {
		workers = 1
	}
	perWorker := *stressObjects / workers

	var rootsMu sync.Mutex
	var roots []*mps.Ref

	group, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		group.Go(func() error {
			rng := rand.New(rand.NewSource(seed + int64(w)))
			ap := pool.NewAllocationPoint()
			workerRoots, err := buildGraph(gctx, g, ap, perWorker, *stressFanout, *stressRootFrac, rng)
			if err != nil {
				return fmt.Errorf("worker %d: %w", w, err)
			}
			rootsMu.Lock()
			roots = append(roots, workerRoots...)
			rootsMu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	a.RootCreateTable(mps.RankEXACT, roots)

	fmt.Printf("gcdemo: %d workers allocated %d objects (%d rooted), committed %d bytes\n",
		workers, perWorker*workers, len(roots), a.Committed())

	if err := a.CollectAll(ctx, "gcdemo stress"); err != nil {
		return err
	}

	stats := a.Stats()
	fmt.Printf("gcdemo: after collection: committed %d bytes, %d traces run, %d bytes condemned, %d bytes live\n",
		a.Committed(), stats.GCEnds, stats.Condemned, stats.Live)

	return nil
}
