package slicemap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dswarbrick/ftlcore/internal/addr"
)

func testGeometry() addr.Geometry {
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

// seqAllocator hands out VSAs 0, 1, 2, ... regardless of die, which is all
// these tests need: they only exercise the C2 bookkeeping, not C3's
// per-die placement policy.
type seqAllocator struct{ next addr.VSA }

func (a *seqAllocator) AllocateWriteVSA(addr.Die) (addr.VSA, error) {
	v := a.next
	a.next++
	return v, nil
}

// recordingInvalidator captures every VSA NoteInvalidated is called with.
type recordingInvalidator struct{ invalidated []addr.VSA }

func (r *recordingInvalidator) NoteInvalidated(vsa addr.VSA) {
	r.invalidated = append(r.invalidated, vsa)
}

func TestReadUnmappedReturnsNone(t *testing.T) {
	m := New(testGeometry())
	vsa, ok := m.Read(5)
	assert.False(t, ok)
	assert.Equal(t, addr.NoneVSA, vsa)
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	m := New(testGeometry())
	alloc := &seqAllocator{}
	inv := &recordingInvalidator{}

	vsa, err := m.Write(3, 0, alloc, inv)
	require.NoError(t, err)

	got, ok := m.Read(3)
	require.True(t, ok)
	assert.Equal(t, vsa, got)
	assert.Equal(t, addr.LSA(3), m.VsaOf(vsa))
	assert.Empty(t, inv.invalidated)
	assert.True(t, m.Bijective())
}

// TestWriteOverwriteInvalidatesOld covers the case InvalidateOld exists
// for: rewriting an already-mapped LSA must notify the invalidator of the
// stale VSA and drop its forward pointer, while leaving the stale VSA's
// own back-pointer alone for GC to discover as dead.
func TestWriteOverwriteInvalidatesOld(t *testing.T) {
	m := New(testGeometry())
	alloc := &seqAllocator{}
	inv := &recordingInvalidator{}

	oldVsa, err := m.Write(3, 0, alloc, inv)
	require.NoError(t, err)

	newVsa, err := m.Write(3, 0, alloc, inv)
	require.NoError(t, err)

	require.Len(t, inv.invalidated, 1)
	assert.Equal(t, oldVsa, inv.invalidated[0])

	got, ok := m.Read(3)
	require.True(t, ok)
	assert.Equal(t, newVsa, got)

	// The old VSA's back-pointer is untouched by InvalidateOld itself; it
	// still points at LSA 3 until GC (or ClearBackpointer) clears it.
	assert.Equal(t, addr.LSA(3), m.VsaOf(oldVsa))
	assert.True(t, m.Bijective())
}

// TestInvalidateOldSkipsStaleBackpointer covers the back-pointer guard in
// InvalidateOld: if the old VSA has since been reassigned to a different
// LSA (by GC migration via SetMapping), invalidating lsa's old mapping
// must not fire NoteInvalidated for a VSA some other LSA now legitimately
// owns.
func TestInvalidateOldSkipsStaleBackpointer(t *testing.T) {
	m := New(testGeometry())
	alloc := &seqAllocator{}
	inv := &recordingInvalidator{}

	oldVsa, err := m.Write(3, 0, alloc, inv)
	require.NoError(t, err)

	// Simulate GC migrating oldVsa's live data under a different LSA: the
	// back-pointer now belongs to LSA 7, not LSA 3 anymore.
	require.NoError(t, m.SetMapping(7, oldVsa))

	m.InvalidateOld(3, inv)

	assert.Empty(t, inv.invalidated)
	_, ok := m.Read(3)
	assert.False(t, ok)
	assert.Equal(t, addr.LSA(7), m.VsaOf(oldVsa))
}

func TestBijectiveDetectsBrokenMapping(t *testing.T) {
	m := New(testGeometry())
	alloc := &seqAllocator{}
	inv := &recordingInvalidator{}

	_, err := m.Write(1, 0, alloc, inv)
	require.NoError(t, err)
	assert.True(t, m.Bijective())

	// Directly corrupt the back-pointer array to simulate a violated
	// bijection; Bijective must notice.
	m.virtualToLogical[0] = addr.LSA(2)
	assert.False(t, m.Bijective())
}

func TestIsLiveReflectsBackpointerAgreement(t *testing.T) {
	m := New(testGeometry())
	alloc := &seqAllocator{}
	inv := &recordingInvalidator{}

	vsa, err := m.Write(1, 0, alloc, inv)
	require.NoError(t, err)

	lsa, live := m.IsLive(vsa)
	assert.True(t, live)
	assert.Equal(t, addr.LSA(1), lsa)

	m.ClearBackpointer(vsa)
	_, live = m.IsLive(vsa)
	assert.False(t, live)
}
