package bbt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dswarbrick/ftlcore/internal/addr"
	"github.com/dswarbrick/ftlcore/internal/config"
	"github.com/dswarbrick/ftlcore/internal/nandif/simnand"
)

func minimalGeometry() addr.Geometry {
	return addr.Geometry{
		Channels:          2,
		Ways:              2,
		UserBlocksPerDie:  4,
		TotalBlocksPerDie: 6,
		LUNsPerDie:        1,
		PagesPerBlock:     4,
		SlicesPerBlock:    4,
	}
}

func TestRecoverBuildsBbtWhenMissing(t *testing.T) {
	g := minimalGeometry()
	ctrl := simnand.New(g, 512)
	ctrl.MarkFactoryBad(1, 3) // die 1, user PBA 3

	tbl := New(g, ctrl, 512)
	require.NoError(t, tbl.Recover())

	assert.True(t, tbl.IsBad(1, 3))
	assert.False(t, tbl.IsBad(0, 0))
}

func TestSaveRecoverRoundTrip(t *testing.T) {
	g := minimalGeometry()
	ctrl := simnand.New(g, 512)
	ctrl.MarkFactoryBad(0, 2)

	tbl := New(g, ctrl, 512)
	require.NoError(t, tbl.Recover())

	// Second boot: a fresh Table reading the same simulated flash should
	// load identical bad-block state without rescanning (property 8).
	tbl2 := New(g, ctrl, 512)
	require.NoError(t, tbl2.Recover())

	for d := addr.Die(0); uint32(d) < g.Dies(); d++ {
		for pba := addr.PBA(0); uint32(pba) < g.TotalBlocksPerDie; pba++ {
			assert.Equal(t, tbl.IsBad(d, pba), tbl2.IsBad(d, pba), "die=%d pba=%d", d, pba)
		}
	}
}

func TestRemapClosure(t *testing.T) {
	g := minimalGeometry()
	ctrl := simnand.New(g, 512)
	ctrl.MarkFactoryBad(1, 3) // die 1, user PBA 3 is bad

	tbl := New(g, ctrl, 512)
	require.NoError(t, tbl.Recover())

	unmapped := tbl.Remap(g, nil)
	assert.Empty(t, unmapped)

	// Every non-bad VBN must resolve, transitively, to a non-bad PBA.
	for d := addr.Die(0); uint32(d) < g.Dies(); d++ {
		for vbn := addr.VBN(0); uint32(vbn) < g.UserBlocksPerDie; vbn++ {
			pba, bad := tbl.ResolvePBA(g, d, vbn)
			if !bad {
				assert.False(t, tbl.IsBad(d, pba))
			}
		}
	}

	// The bad user block (die 1, VBN 3) must remap to a good reserved PBA.
	pba, bad := tbl.ResolvePBA(g, 1, 3)
	require.False(t, bad)
	assert.GreaterOrEqual(t, uint32(pba), g.UserBlocksPerDie)
}

func TestRemapNoReservedLeftLeavesVbnBad(t *testing.T) {
	g := minimalGeometry() // 4 user + 2 reserved per LUN (1 lun/die)
	ctrl := simnand.New(g, 512)

	ctrl.MarkFactoryBad(0, 1)
	ctrl.MarkFactoryBad(0, 2)
	ctrl.MarkFactoryBad(0, 3)

	tbl := New(g, ctrl, 512)
	require.NoError(t, tbl.Recover())

	unmapped := tbl.Remap(g, func(string, ...interface{}) {})

	// Die 0's designated BBT block (PBA 0) is also forced bad by Remap,
	// so all 4 user blocks on die 0 are bad but only 2 reserved spares
	// exist; the two blocks that sort last are left unmapped.
	require.Len(t, unmapped, 2)
	for _, u := range unmapped {
		assert.Equal(t, addr.Die(0), u.Die)
	}
}

// TestSaveRecoverRoundTripAtDefaultScale exercises property 8 (BBT
// round-trip) at config.Default()'s scale, where TotalBlocksPerDie (4224)
// exceeds a naively page-sized simulator buffer: a bad PBA past that
// boundary must still survive a second boot unchanged.
func TestSaveRecoverRoundTripAtDefaultScale(t *testing.T) {
	cfg := config.Default()
	g := cfg.Geometry

	ctrl := simnand.New(g, cfg.DataBytesPerPage)
	ctrl.MarkFactoryBad(3, 4100) // LUN 1 user-range PBA, well past a 4096-byte page

	tbl := New(g, ctrl, cfg.DataBytesPerPage)
	require.NoError(t, tbl.Recover())
	require.True(t, tbl.IsBad(3, 4100))

	tbl2 := New(g, ctrl, cfg.DataBytesPerPage)
	require.NoError(t, tbl2.Recover())

	for pba := addr.PBA(0); uint32(pba) < g.TotalBlocksPerDie; pba++ {
		assert.Equal(t, tbl.IsBad(3, pba), tbl2.IsBad(3, pba), "pba=%d", pba)
	}
	assert.True(t, tbl2.IsBad(3, 4100))
}

func TestUsableCapacityShrinksWithBadBlocks(t *testing.T) {
	g := minimalGeometry()
	ctrl := simnand.New(g, 512)
	tbl := New(g, ctrl, 512)
	require.NoError(t, tbl.Recover())
	tbl.Remap(g, nil)

	full := tbl.UsableCapacityMB(4 * 1024 * 1024)

	ctrl2 := simnand.New(g, 512)
	ctrl2.MarkFactoryBad(0, 1)
	tbl2 := New(g, ctrl2, 512)
	require.NoError(t, tbl2.Recover())
	tbl2.Remap(g, nil)

	shrunk := tbl2.UsableCapacityMB(4 * 1024 * 1024)
	assert.Less(t, shrunk, full)
}
