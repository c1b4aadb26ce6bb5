package databuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dswarbrick/ftlcore/internal/addr"
)

func TestAllocateFillsCapacityBeforeEvicting(t *testing.T) {
	c := NewFIFO(2)

	e0, ev0 := c.Allocate(addr.LSA(10))
	require.False(t, ev0.Valid)
	e1, ev1 := c.Allocate(addr.LSA(11))
	require.False(t, ev1.Valid)
	assert.NotEqual(t, e0, e1)

	e2, ev2 := c.Allocate(addr.LSA(12))
	require.True(t, ev2.Valid)
	assert.Equal(t, addr.LSA(10), ev2.Lsa)
	assert.False(t, ev2.Dirty)
	assert.Equal(t, e0, e2)
}

func TestEvictionReportsDirtyBit(t *testing.T) {
	c := NewFIFO(1)

	e0, _ := c.Allocate(addr.LSA(0))
	c.MarkDirty(e0)

	_, ev := c.Allocate(addr.LSA(1))
	require.True(t, ev.Valid)
	assert.True(t, ev.Dirty)
	assert.Equal(t, addr.LSA(0), ev.Lsa)
}

func TestPinnedEntryIsNeverEvicted(t *testing.T) {
	c := NewFIFO(1)

	e0, _ := c.Allocate(addr.LSA(0))
	c.Pin(e0)

	e1, ev := c.Allocate(addr.LSA(1))
	assert.False(t, ev.Valid, "allocate must grow rather than evict a pinned entry")
	assert.NotEqual(t, e0, e1)

	c.Unpin(e0)
	_, ev2 := c.Allocate(addr.LSA(2))
	assert.True(t, ev2.Valid, "once unpinned, the oldest entry is evictable again")
}

func TestLookupReflectsResidency(t *testing.T) {
	c := NewFIFO(4)

	_, hit := c.Lookup(addr.LSA(5))
	assert.False(t, hit)

	entry, _ := c.Allocate(addr.LSA(5))
	got, hit := c.Lookup(addr.LSA(5))
	require.True(t, hit)
	assert.Equal(t, entry, got)
}
