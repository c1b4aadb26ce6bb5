// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package blockmap implements C3: per-die virtual block/die maps, the
// free-block FIFO, working-block page allocation, and the channel/way
// round-robin target selection.
//
// Grounded on openssd/src/address_translation.c's GetFromFreeBlockList,
// PutToFreeBlockList, AllocateBlock (the VSA-producing allocator) and
// address_translation.h's intrusive list fields. Per the design notes,
// blocks are addressed by index into a flat array rather than by
// pointer, and a ListMembership tag records free-list membership. There
// is no separate GC-victim list: FindVictim scans the block array.
package blockmap

import (
	"github.com/pkg/errors"

	"github.com/dswarbrick/ftlcore/internal/addr"
)

// ListMembership tags which intrusive list (if any) a block currently
// belongs to, since prev/next are shared between the free list and the
// GC-victim list.
type ListMembership int

const (
	ListNone ListMembership = iota
	ListFree
	ListGCVictim
)

// Mode selects the allocation policy for GetFreeBlock.
type Mode int

const (
	ModeNormal Mode = iota
	ModeGC
)

const noLink = -1

// BlockEntry is one die's VBN bookkeeping.
type BlockEntry struct {
	Bad             bool
	Free            bool
	InvalidSliceCnt uint32
	CurrentPage     uint32
	EraseCnt        uint64

	membership ListMembership
	prev, next int32 // indices into the die's block slice, or noLink
}

// Membership reports which intrusive list this block belongs to.
func (b *BlockEntry) Membership() ListMembership { return b.membership }

// dieState is the per-die free-list head/tail/count plus current working
// block.
type dieState struct {
	blocks []BlockEntry

	headFree, tailFree int32
	freeBlockCnt       uint32

	currentBlock addr.VBN
}

// Map owns every die's block entries and free list.
type Map struct {
	geom     addr.Geometry
	reserved uint32

	dies []dieState

	targetCh, targetWay uint32
	// advance is the round-robin strategy; pluggable per the design
	// notes ("treat the alternate policy as a plug-in selector function").
	advance RoundRobinFunc
}

// New allocates a Map whose free lists are empty; the caller enqueues the
// good blocks with PutFreeBlock (bad blocks, if any, must be excluded by
// the caller via MarkBad before blocks are enqueued).
func New(g addr.Geometry, reservedFreeBlockCount uint32) *Map {
	m := &Map{
		geom:     g,
		reserved: reservedFreeBlockCount,
		dies:     make([]dieState, g.Dies()),
		advance:  ChannelMajorRoundRobin,
	}
	for d := range m.dies {
		m.dies[d].blocks = make([]BlockEntry, g.UserBlocksPerDie)
		m.dies[d].headFree, m.dies[d].tailFree = noLink, noLink
	}
	return m
}

// SetRoundRobin overrides the target-die advancement strategy (design
// notes: "interleaving toggle" becomes a strategy plug-in).
func (m *Map) SetRoundRobin(f RoundRobinFunc) { m.advance = f }

// Block returns a pointer to one die's VBN entry.
func (m *Map) Block(die addr.Die, vbn addr.VBN) *BlockEntry {
	return &m.dies[die].blocks[vbn]
}

// FreeBlockCnt returns freeBlockCnt(die).
func (m *Map) FreeBlockCnt(die addr.Die) uint32 { return m.dies[die].freeBlockCnt }

// CurrentBlock returns the die's working block.
func (m *Map) CurrentBlock(die addr.Die) addr.VBN { return m.dies[die].currentBlock }

// SetCurrentBlock sets the die's working block (used by boot init and
// after GC supplies a fresh working block).
func (m *Map) SetCurrentBlock(die addr.Die, vbn addr.VBN) { m.dies[die].currentBlock = vbn }

// FindVictim implements the GC victim-selection rule: the non-free,
// non-bad, non-working block on die with the highest invalidSliceCnt.
// Ties favor the lowest VBN.
//
// The free list and the GC-victim list share their prev/next link
// fields; a block not presently in the free list is
// implicitly a GC-victim candidate, so this scans the die's block array
// directly rather than maintaining a second intrusive list, which is
// behaviorally equivalent at the block counts a software FTL core deals
// with and avoids a second set of list-membership invariants to maintain.
func (m *Map) FindVictim(die addr.Die) (addr.VBN, bool) {
	ds := &m.dies[die]
	var best addr.VBN
	var bestCnt uint32
	found := false

	for vbn := range ds.blocks {
		b := &ds.blocks[vbn]
		if b.Bad || b.Free || addr.VBN(vbn) == ds.currentBlock || b.InvalidSliceCnt == 0 {
			continue
		}
		if !found || b.InvalidSliceCnt > bestCnt {
			best = addr.VBN(vbn)
			bestCnt = b.InvalidSliceCnt
			found = true
		}
	}
	return best, found
}

// MarkBad excludes vbn from ever entering the free list.
func (m *Map) MarkBad(die addr.Die, vbn addr.VBN) {
	m.dies[die].blocks[vbn].Bad = true
}

// PutFreeBlock implements putFreeBlock: link at tail, set
// free=1, increment freeBlockCnt.
func (m *Map) PutFreeBlock(die addr.Die, vbn addr.VBN) {
	ds := &m.dies[die]
	b := &ds.blocks[vbn]
	if b.Bad {
		panic("blockmap: refusing to free a bad block")
	}

	b.Free = true
	b.membership = ListFree
	b.prev = ds.tailFree
	b.next = noLink

	if ds.tailFree != noLink {
		ds.blocks[ds.tailFree].next = int32(vbn)
	} else {
		ds.headFree = int32(vbn)
	}
	ds.tailFree = int32(vbn)
	ds.freeBlockCnt++
}

// GetFreeBlock implements getFreeBlock(die, mode).
func (m *Map) GetFreeBlock(die addr.Die, mode Mode) (addr.VBN, error) {
	ds := &m.dies[die]

	if mode == ModeNormal && ds.freeBlockCnt <= m.reserved {
		return 0, errors.Errorf("blockmap: die %d free list exhausted under NORMAL reserve (%d <= %d)",
			die, ds.freeBlockCnt, m.reserved)
	}
	if ds.freeBlockCnt == 0 {
		return 0, errors.Errorf("blockmap: die %d free list empty", die)
	}

	head := ds.headFree
	b := &ds.blocks[head]

	ds.headFree = b.next
	if ds.headFree == noLink {
		ds.tailFree = noLink
	} else {
		ds.blocks[ds.headFree].prev = noLink
	}

	b.prev, b.next = noLink, noLink
	b.membership = ListNone
	b.Free = false
	ds.freeBlockCnt--

	return addr.VBN(head), nil
}

// FreeListLength walks the free list from head to tail and counts it,
// for property 7's invariant check.
func (m *Map) FreeListLength(die addr.Die) uint32 {
	ds := &m.dies[die]
	var n uint32
	for cur := ds.headFree; cur != noLink; cur = ds.blocks[cur].next {
		n++
	}
	return n
}

// AllocateWriteVSA implements allocateWriteVSA(die): it
// does not itself invoke GC (that would create the C2/C3/C5 cycle the
// design notes call out); instead it returns ErrBlockExhausted so the
// caller (the scheduler) can run GC and retry.
var ErrBlockExhausted = errors.New("blockmap: current block exhausted and no free block available")

func (m *Map) AllocateWriteVSA(die addr.Die) (addr.VSA, error) {
	ds := &m.dies[die]

	if ds.currentPage(m) == m.geom.PagesPerBlock {
		fresh, err := m.GetFreeBlock(die, ModeNormal)
		if err != nil {
			return addr.NoneVSA, ErrBlockExhausted
		}
		ds.currentBlock = fresh
		ds.blocks[fresh].CurrentPage = 0
	}

	page := ds.currentPage(m)
	vsa := m.geom.VorgToVsa(die, ds.currentBlock, page)
	ds.blocks[ds.currentBlock].CurrentPage++
	return vsa, nil
}

func (ds *dieState) currentPage(m *Map) uint32 {
	return ds.blocks[ds.currentBlock].CurrentPage
}

// EraseDone applies the post-erase bookkeeping: free=1, currentPage=0,
// invalidSliceCnt=0, eraseCnt++, then puts the block back on the free
// list. Clearing back-pointers and synthesizing the NAND erase request
// are the caller's (scheduler's) responsibility, since they need C2 and
// the NAND controller.
func (m *Map) EraseDone(die addr.Die, vbn addr.VBN) {
	b := &m.dies[die].blocks[vbn]
	b.CurrentPage = 0
	b.InvalidSliceCnt = 0
	b.EraseCnt++
	m.PutFreeBlock(die, vbn)
}

// RoundRobinFunc advances (ch, way) to the next allocation target.
type RoundRobinFunc func(ch, way, channels, ways uint32) (nextCh, nextWay uint32)

// ChannelMajorRoundRobin implements "target-die
// round-robin": advance channel first (modulo CHANNELS), then way
// (modulo WAYS) on wrap.
func ChannelMajorRoundRobin(ch, way, channels, ways uint32) (uint32, uint32) {
	ch++
	if ch == channels {
		ch = 0
		way = (way + 1) % ways
	}
	return ch, way
}

// SetStartingDie seeds the round-robin target at die, used by the boot
// sequencer to pick the first free-slice allocation die via
// FindDieForFreeSliceAllocation rather than always starting at die 0.
func (m *Map) SetStartingDie(die addr.Die) {
	m.targetCh, m.targetWay = m.geom.DieToPchPway(die)
}

// NextTargetDie returns the current (channel, way) target and advances
// the round-robin state for the next call.
func (m *Map) NextTargetDie() addr.Die {
	die := m.geom.PchPwayToDie(m.targetCh, m.targetWay)
	m.targetCh, m.targetWay = m.advance(m.targetCh, m.targetWay, m.geom.Channels, m.geom.Ways)
	return die
}

// FindDieForFreeSliceAllocation returns the first die (by ascending die
// number) whose free list is not yet exhausted under NORMAL mode,
// matching FindDieForFreeSliceAllocation in address_translation.c, used
// to seed the round-robin starting point at boot.
func (m *Map) FindDieForFreeSliceAllocation() (addr.Die, bool) {
	for d := addr.Die(0); uint32(d) < m.geom.Dies(); d++ {
		if m.dies[d].freeBlockCnt > m.reserved {
			return d, true
		}
	}
	return addr.NoneDie, false
}
