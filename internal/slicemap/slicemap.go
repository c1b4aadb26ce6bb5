// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package slicemap implements C2: the bidirectional logical<->virtual
// slice index. Grounded on openssd/src/address_translation.c's
// GetVsa/SetVsa/UpdateInvalidSliceInfo family and InitSliceMap.
package slicemap

import (
	"github.com/dswarbrick/ftlcore/internal/addr"
)

// Allocator is C3's free-space side of C2.write: it must hand back a
// fresh VSA for the die the caller selected via round-robin.
type Allocator interface {
	AllocateWriteVSA(die addr.Die) (addr.VSA, error)
}

// Invalidator is notified when a block's invalid-slice count should be
// bumped and the block potentially rescored in the GC victim list.
type Invalidator interface {
	NoteInvalidated(vsa addr.VSA)
}

// Map is the two parallel SLICES_PER_SSD arrays.
type Map struct {
	geom addr.Geometry

	logicalToVirtual []addr.VSA // index: LSA
	virtualToLogical []addr.LSA // index: VSA
}

// New allocates a Map with every entry set to NONE.
func New(g addr.Geometry) *Map {
	m := &Map{
		geom:             g,
		logicalToVirtual: make([]addr.VSA, g.SlicesPerSSD()),
		virtualToLogical: make([]addr.LSA, g.SlicesPerSSD()),
	}
	for i := range m.logicalToVirtual {
		m.logicalToVirtual[i] = addr.NoneVSA
	}
	for i := range m.virtualToLogical {
		m.virtualToLogical[i] = addr.NoneLSA
	}
	return m
}

// Read implements read(lsa).
func (m *Map) Read(lsa addr.LSA) (addr.VSA, bool) {
	m.geom.CheckLSA(lsa)
	v := m.logicalToVirtual[lsa]
	return v, v != addr.NoneVSA
}

// VsaOf returns the LSA currently pointing at vsa, or NONE.
func (m *Map) VsaOf(vsa addr.VSA) addr.LSA {
	return m.virtualToLogical[vsa]
}

// Write implements write(lsa): invalidates the old VSA (if
// any), allocates a fresh one via alloc, sets both directions, and
// returns the new VSA.
func (m *Map) Write(lsa addr.LSA, die addr.Die, alloc Allocator, inv Invalidator) (addr.VSA, error) {
	m.geom.CheckLSA(lsa)

	if m.logicalToVirtual[lsa] != addr.NoneVSA {
		m.InvalidateOld(lsa, inv)
	}

	vsa, err := alloc.AllocateWriteVSA(die)
	if err != nil {
		return addr.NoneVSA, err
	}

	m.logicalToVirtual[lsa] = vsa
	m.virtualToLogical[vsa] = lsa
	return vsa, nil
}

// InvalidateOld implements invalidateOld(lsa): the
// back-pointer check is essential because the same VSA may have been
// reassigned to another LSA after an erase.
func (m *Map) InvalidateOld(lsa addr.LSA, inv Invalidator) {
	old := m.logicalToVirtual[lsa]
	if old == addr.NoneVSA {
		return
	}
	if m.virtualToLogical[old] == lsa {
		if inv != nil {
			inv.NoteInvalidated(old)
		}
	}
	m.logicalToVirtual[lsa] = addr.NoneVSA
}

// SetMapping installs lsa->vsa directly, without allocating or invalidating
// anything. Used by GC migration, which has already
// allocated the destination VSA itself and invalidated the source.
func (m *Map) SetMapping(lsa addr.LSA, vsa addr.VSA) error {
	m.geom.CheckLSA(lsa)
	m.logicalToVirtual[lsa] = vsa
	m.virtualToLogical[vsa] = lsa
	return nil
}

// ClearBackpointer clears the VSA's back-pointer, used by C3's erase path
// to walk every VSA in an erased block and drop its logical linkage.
func (m *Map) ClearBackpointer(vsa addr.VSA) {
	m.virtualToLogical[vsa] = addr.NoneLSA
}

// IsLive reports whether vsa is still reachable from its back-pointer: the
// back-pointer is a valid LSA and that LSA's forward pointer is vsa
// itself.
func (m *Map) IsLive(vsa addr.VSA) (addr.LSA, bool) {
	lsa := m.virtualToLogical[vsa]
	if lsa == addr.NoneLSA {
		return addr.NoneLSA, false
	}
	return lsa, m.logicalToVirtual[lsa] == vsa
}

// Bijective reports whether the mapping bijection invariant holds, for use by tests / consistency checks.
func (m *Map) Bijective() bool {
	for lsa, v := range m.logicalToVirtual {
		if v == addr.NoneVSA {
			continue
		}
		if m.virtualToLogical[v] != addr.LSA(lsa) {
			return false
		}
	}
	return true
}
