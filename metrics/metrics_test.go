package metrics_test

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/ravenbrook/mps-go/arena"
	"github.com/ravenbrook/mps-go/format"
	"github.com/ravenbrook/mps-go/metrics"
	"github.com/ravenbrook/mps-go/mps"
	"github.com/ravenbrook/mps-go/pool/amc"
)

func metricValue(t *testing.T, c *metrics.Collector, name string) float64 {
	t.Helper()

	ch := make(chan prometheus.Metric, 16)
	c.Collect(ch)
	close(ch)

	for m := range ch {
		if !nameMatches(m, name) {
			continue
		}
		var pb dto.Metric
		require.NoError(t, m.Write(&pb))
		if pb.Gauge != nil {
			return pb.Gauge.GetValue()
		}
		if pb.Counter != nil {
			return pb.Counter.GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func nameMatches(m prometheus.Metric, name string) bool {
	return strings.Contains(m.Desc().String(), `"`+name+`"`)
}

func TestCollectorReportsArenaState(t *testing.T) {
	ctx := context.Background()

	a := arena.New(arena.WithGrain(8), arena.WithZoneShift(4))
	fm := &format.Format{
		Align: 8,
		Scan:  func(format.ScanContext, mps.Ref, mps.Ref) error { return nil },
		Skip:  func(ref mps.Ref) mps.Ref { return ref.Add(8) },
		Fwd:   func(mps.Ref, mps.Ref) {},
		IsFwd: func(mps.Ref) (mps.Ref, bool) { return 0, false },
		Pad:   func(mps.Ref, uintptr) {},
	}
	_, err := a.PoolCreate(amc.New, &amc.Args{Format: fm, ExtendBy: 256, LargeSize: 1 << 30})
	require.NoError(t, err)

	c := metrics.New(a)

	require.Equal(t, float64(1), metricValue(t, c, "mps_arena_pools"))
	require.Equal(t, float64(0), metricValue(t, c, "mps_arena_active_traces"))

	require.NoError(t, a.CollectAll(ctx, "test"))

	require.Equal(t, float64(1), metricValue(t, c, "mps_trace_starts_total"))
	require.Equal(t, float64(1), metricValue(t, c, "mps_trace_ends_total"))
}
