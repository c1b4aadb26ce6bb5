package blockmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dswarbrick/ftlcore/internal/addr"
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

func fillFreeList(m *Map, die addr.Die, from, to addr.VBN) {
	for v := from; v < to; v++ {
		m.PutFreeBlock(die, v)
	}
}

func TestFreeListFIFOOrderAndLength(t *testing.T) {
	g := minimalGeometry()
	m := New(g, 1)
	fillFreeList(m, 0, 0, 4)

	assert.EqualValues(t, 4, m.FreeBlockCnt(0))
	assert.EqualValues(t, 4, m.FreeListLength(0))

	v, err := m.GetFreeBlock(0, ModeGC)
	require.NoError(t, err)
	assert.EqualValues(t, 0, v) // FIFO: head was enqueued first
	assert.EqualValues(t, 3, m.FreeBlockCnt(0))
}

func TestNormalModeRespectsReserve(t *testing.T) {
	g := minimalGeometry()
	m := New(g, 1)
	fillFreeList(m, 0, 0, 2) // freeBlockCnt == 2, reserved == 1

	_, err := m.GetFreeBlock(0, ModeNormal)
	require.NoError(t, err) // 2 > 1, OK

	_, err = m.GetFreeBlock(0, ModeNormal)
	assert.Error(t, err) // now freeBlockCnt == 1 == reserved, NORMAL fails

	_, err = m.GetFreeBlock(0, ModeGC)
	require.NoError(t, err) // GC may dip into the reserve
}

func TestBadBlockNeverInFreeList(t *testing.T) {
	g := minimalGeometry()
	m := New(g, 1)
	m.MarkBad(0, 2)
	assert.Panics(t, func() { m.PutFreeBlock(0, 2) })
}

func TestAllocateWriteVSAAdvancesPages(t *testing.T) {
	g := minimalGeometry()
	m := New(g, 1)
	fillFreeList(m, 0, 1, 4)
	m.SetCurrentBlock(0, 0)

	var vsas []addr.VSA
	for i := 0; i < int(g.PagesPerBlock); i++ {
		vsa, err := m.AllocateWriteVSA(0)
		require.NoError(t, err)
		vsas = append(vsas, vsa)
	}
	// Decode pages are 0..PagesPerBlock-1 ascending on block 0.
	for i, vsa := range vsas {
		_, block, page := g.VsaToVorg(vsa)
		assert.EqualValues(t, 0, block)
		assert.EqualValues(t, i, page)
	}

	// Block 0 is now exhausted; next allocation must roll to a fresh free block.
	vsa, err := m.AllocateWriteVSA(0)
	require.NoError(t, err)
	_, block, page := g.VsaToVorg(vsa)
	assert.NotEqualValues(t, 0, block)
	assert.EqualValues(t, 0, page)
}

func TestAllocateWriteVSAExhaustionSurfacesError(t *testing.T) {
	g := minimalGeometry()
	m := New(g, 1)
	m.SetCurrentBlock(0, 0)
	m.Block(0, 0).CurrentPage = g.PagesPerBlock // already full, no free blocks queued

	_, err := m.AllocateWriteVSA(0)
	assert.ErrorIs(t, err, ErrBlockExhausted)
}

func TestRoundRobinFairnessOverNConsecutiveAllocations(t *testing.T) {
	g := minimalGeometry()
	m := New(g, 1)

	seen := map[addr.Die]bool{}
	for i := uint32(0); i < g.Dies(); i++ {
		seen[m.NextTargetDie()] = true
	}
	assert.Len(t, seen, int(g.Dies()))
}

func TestRoundRobinIsChannelMajor(t *testing.T) {
	g := minimalGeometry()
	m := New(g, 1)

	// channels=2, ways=2: die = ch + way*channels, so channel-major order
	// visits die 0,1 (way 0) then die 2,3 (way 1).
	var dies []addr.Die
	for i := 0; i < 4; i++ {
		dies = append(dies, m.NextTargetDie())
	}
	assert.Equal(t, []addr.Die{0, 1, 2, 3}, dies)
}

func TestFindDieForFreeSliceAllocation(t *testing.T) {
	g := minimalGeometry()
	m := New(g, 1)
	// Every die starts with freeBlockCnt==0 <= reserved, so none qualify.
	_, ok := m.FindDieForFreeSliceAllocation()
	assert.False(t, ok)

	fillFreeList(m, 2, 0, 4)
	d, ok := m.FindDieForFreeSliceAllocation()
	require.True(t, ok)
	assert.EqualValues(t, 2, d)
}
