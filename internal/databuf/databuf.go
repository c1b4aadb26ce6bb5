// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package databuf is a small in-memory stand-in for the host-facing
// data-buffer cache that lists as an external collaborator
// ("data-buffer cache lookup/allocation ... out of scope"). The
// scheduler only depends on the Cache interface; this implementation
// exists so the scheduler can be exercised end-to-end in tests and in
// the simulator binary, the way simnand stands in for the NAND
// controller.
package databuf

import "github.com/dswarbrick/ftlcore/internal/addr"

// Evicted describes the entry chosen for eviction by Allocate.
type Evicted struct {
	Valid bool
	Lsa   addr.LSA
	Dirty bool
}

// Cache is the data-buffer cache collaborator the scheduler consults.
type Cache interface {
	// Lookup returns the buffer entry index for lsa, if resident.
	Lookup(lsa addr.LSA) (entry int, hit bool)
	// Allocate reserves a buffer entry for lsa, evicting one entry if the
	// cache is full. The zero value of Evicted.Valid means nothing was
	// evicted.
	Allocate(lsa addr.LSA) (entry int, evicted Evicted)
	// MarkDirty flags entry as holding data not yet on NAND.
	MarkDirty(entry int)
	// Pin/Unpin implement the rule that a request entry holds a reference
	// from allocation through completion: a pinned entry may not be
	// evicted by Allocate.
	Pin(entry int)
	Unpin(entry int)
}

type slot struct {
	lsa    addr.LSA
	valid  bool
	dirty  bool
	pinCnt int
}

// FIFO is a fully-associative, FIFO-eviction cache of fixed capacity. It
// never evicts a pinned entry; if every entry is pinned, Allocate grows
// the backing slice rather than violate the ownership protocol (a real
// hardware cache would instead block the caller).
type FIFO struct {
	capacity int
	slots    []slot
	byLsa    map[addr.LSA]int
	order    []int // FIFO eviction order, indices into slots
}

// NewFIFO allocates a cache with room for capacity entries.
func NewFIFO(capacity int) *FIFO {
	return &FIFO{
		capacity: capacity,
		slots:    make([]slot, 0, capacity),
		byLsa:    make(map[addr.LSA]int),
	}
}

func (c *FIFO) Lookup(lsa addr.LSA) (int, bool) {
	i, ok := c.byLsa[lsa]
	return i, ok
}

func (c *FIFO) Allocate(lsa addr.LSA) (int, Evicted) {
	if len(c.slots) < c.capacity || c.capacity == 0 {
		c.slots = append(c.slots, slot{lsa: lsa, valid: true})
		idx := len(c.slots) - 1
		c.byLsa[lsa] = idx
		c.order = append(c.order, idx)
		return idx, Evicted{}
	}

	// Evict the oldest unpinned entry.
	for i := 0; i < len(c.order); i++ {
		idx := c.order[i]
		s := &c.slots[idx]
		if s.pinCnt > 0 {
			continue
		}
		var ev Evicted
		if s.valid {
			ev = Evicted{Valid: true, Lsa: s.lsa, Dirty: s.dirty}
			delete(c.byLsa, s.lsa)
		}
		c.order = append(c.order[:i], c.order[i+1:]...)
		*s = slot{lsa: lsa, valid: true}
		c.byLsa[lsa] = idx
		c.order = append(c.order, idx)
		return idx, ev
	}

	// Every entry pinned: grow rather than violate the ownership protocol.
	c.slots = append(c.slots, slot{lsa: lsa, valid: true})
	idx := len(c.slots) - 1
	c.byLsa[lsa] = idx
	c.order = append(c.order, idx)
	return idx, Evicted{}
}

func (c *FIFO) MarkDirty(entry int) { c.slots[entry].dirty = true }
func (c *FIFO) Pin(entry int)       { c.slots[entry].pinCnt++ }
func (c *FIFO) Unpin(entry int) {
	if c.slots[entry].pinCnt > 0 {
		c.slots[entry].pinCnt--
	}
}
