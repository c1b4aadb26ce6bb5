package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/dswarbrick/ftlcore/internal/addr"
)

type fakeSource struct {
	dies  uint32
	free  []uint32
	usMB  uint64
	gcCnt uint64
}

func (f fakeSource) UsableCapacityMB() uint64        { return f.usMB }
func (f fakeSource) Dies() uint32                    { return f.dies }
func (f fakeSource) FreeBlockCnt(die addr.Die) uint32 { return f.free[die] }
func (f fakeSource) GCTriggerCount() uint64           { return f.gcCnt }
func (f fakeSource) BlockedReadCnt() uint32           { return 2 }
func (f fakeSource) BlockedEraseCnt() uint32          { return 1 }

func collect(t *testing.T, c *Collector) []prometheus.Metric {
	t.Helper()
	ch := make(chan prometheus.Metric, 16)
	c.Collect(ch)
	close(ch)
	var out []prometheus.Metric
	for m := range ch {
		out = append(out, m)
	}
	return out
}

func TestCollectorExportsOneMetricPerDiePlusScalars(t *testing.T) {
	src := fakeSource{dies: 3, free: []uint32{3, 5, 0}, usMB: 1024, gcCnt: 7}
	c := NewCollector("ftlcore_test", src)

	metrics := collect(t, c)

	// 1 usable-capacity + 3 per-die free-block + gc-trigger + blocked-read + blocked-erase
	require.Len(t, metrics, 6)
}

func TestCollectorDescribeEmitsFiveDescs(t *testing.T) {
	src := fakeSource{dies: 1, free: []uint32{0}}
	c := NewCollector("ftlcore_test", src)

	ch := make(chan *prometheus.Desc, 16)
	c.Describe(ch)
	close(ch)

	var n int
	for range ch {
		n++
	}
	require.Equal(t, 5, n)
}
