// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package bbt implements C1: the per-die physical block map and bad-block
// table (BBT), its on-flash persistence, the factory bad-block scan, and
// remapping of bad user blocks onto reserved spares.
//
// Grounded on openssd/src/address_translation.c (InitBadBlockTable,
// ReadBadBlockTable, BuildBadBlockTable, SaveBadBlockTable,
// RemapBadBlock) and address_translation.h's BBT constants. Texture
// follows small exported structs mirroring an on-wire layout, terse doc
// comments, errors from github.com/pkg/errors.
package bbt

import (
	"github.com/pkg/errors"

	"github.com/dswarbrick/ftlcore/internal/addr"
	"github.com/dswarbrick/ftlcore/internal/nandif"
)

// CleanDataByte is the bit pattern an erased NAND cell reads back as.
const CleanDataByte = 0xff

// PhyBlockEntry is one physical block's remap state.
type PhyBlockEntry struct {
	RemappedPhyBlock addr.PBA
	Bad              bool
}

// BbtInfoEntry is the per-die BBT bookkeeping.
type BbtInfoEntry struct {
	PhyBlock       addr.PBA
	GrownBadUpdate bool
}

// ErrBbtMissing is returned by readDie when a die's BBT block does not
// hold a valid byte-0/1 first byte.
var ErrBbtMissing = errors.New("bbt: bad block table missing or unreadable")

// Table owns the physical block map and BBT info for every die.
type Table struct {
	geom addr.Geometry
	ctrl nandif.Controller

	dataBytesPerPage uint32

	phyBlocks [][]PhyBlockEntry // [die][pba]
	bbtInfo   []BbtInfoEntry    // [die]

	maxBadBlockCount uint32
}

// New allocates a Table and resets every block's remap target to itself,
// matching InitAddressMap's reset loop (address_translation.c).
func New(g addr.Geometry, ctrl nandif.Controller, dataBytesPerPage uint32) *Table {
	t := &Table{
		geom:             g,
		ctrl:             ctrl,
		dataBytesPerPage: dataBytesPerPage,
		phyBlocks:        make([][]PhyBlockEntry, g.Dies()),
		bbtInfo:          make([]BbtInfoEntry, g.Dies()),
	}
	for d := range t.phyBlocks {
		t.phyBlocks[d] = make([]PhyBlockEntry, g.TotalBlocksPerDie)
		for b := range t.phyBlocks[d] {
			t.phyBlocks[d][b].RemappedPhyBlock = addr.PBA(b)
		}
		t.bbtInfo[d].PhyBlock = 0
	}
	return t
}

// IsBad reports whether (die,pba) is marked bad in memory.
func (t *Table) IsBad(die addr.Die, pba addr.PBA) bool {
	return t.phyBlocks[die][pba].Bad
}

// Remapped returns the remap target for (die,pba): itself if not remapped.
func (t *Table) Remapped(die addr.Die, pba addr.PBA) addr.PBA {
	return t.phyBlocks[die][pba].RemappedPhyBlock
}

// MaxBadBlockCount is the worst-case per-die bad-block count across all
// dies, used to compute usable capacity.
func (t *Table) MaxBadBlockCount() uint32 { return t.maxBadBlockCount }

// UsableCapacityMB implements capacity export formula:
// (user-block capacity) - maxBadBlockCount * DIES * BYTES_PER_BLOCK,
// in megabytes.
func (t *Table) UsableCapacityMB(bytesPerBlock uint64) uint64 {
	userBytes := uint64(t.geom.Dies()) * uint64(t.geom.UserBlocksPerDie) * bytesPerBlock
	shrink := uint64(t.maxBadBlockCount) * uint64(t.geom.Dies()) * bytesPerBlock
	if shrink > userBytes {
		return 0
	}
	return (userBytes - shrink) / (1024 * 1024)
}

// MarkExternallyReserved books a block out on behalf of an external
// collaborator (e.g. a feature reserving mapping blocks of its own)
// before Remap runs. It has the same effect as a factory-bad block: the
// block is excluded from the free list and, if it is a user block,
// remapped to a reserved spare.
func (t *Table) MarkExternallyReserved(die addr.Die, pba addr.PBA) {
	t.phyBlocks[die][pba].Bad = true
}

// usedPhysicalPages returns the number of physical pages the BBT spans on
// flash, including the blank page 0: ceil(TOTAL_BLOCKS_PER_DIE /
// DATA_BYTES_PER_PAGE) data pages, plus one. Per the design notes, this is
// derived from the constant rather than replicating the original's
// dataSize++/dataSize-- loop verbatim.
func (t *Table) usedPhysicalPages() uint32 {
	dataPages := (t.geom.TotalBlocksPerDie + t.dataBytesPerPage - 1) / t.dataBytesPerPage
	return dataPages + 1
}

func (t *Table) doSync(req *nandif.Request) error {
	if err := t.ctrl.Submit(req); err != nil {
		return err
	}
	for _, done := range t.ctrl.Poll() {
		if done == req {
			return req.Err
		}
	}
	return errors.New("bbt: synchronous request did not complete")
}

func (t *Table) readPage(die addr.Die, pba addr.PBA, page uint32, ecc nandif.ECC) ([]byte, error) {
	ch, way := t.geom.DieToPchPway(die)
	req := &nandif.Request{
		Type:       nandif.ReqNAND,
		Code:       nandif.CodeRead,
		ECC:        ecc,
		BlockSpace: nandif.BlockSpaceTotal,
		NandInfo: nandif.NandInfo{
			Channel: ch,
			Way:     way,
			Block:   uint32(pba),
			Page:    page,
		},
	}
	if err := t.doSync(req); err != nil {
		return nil, err
	}
	return req.Data, nil
}

func (t *Table) writePage(die addr.Die, pba addr.PBA, page uint32, data []byte) error {
	ch, way := t.geom.DieToPchPway(die)
	req := &nandif.Request{
		Type:       nandif.ReqNAND,
		Code:       nandif.CodeWrite,
		BlockSpace: nandif.BlockSpaceTotal,
		Data:       data,
		NandInfo: nandif.NandInfo{
			Channel: ch,
			Way:     way,
			Block:   uint32(pba),
			Page:    page,
		},
	}
	return t.doSync(req)
}

func (t *Table) eraseBlock(die addr.Die, pba addr.PBA) error {
	ch, way := t.geom.DieToPchPway(die)
	req := &nandif.Request{
		Type:       nandif.ReqNAND,
		Code:       nandif.CodeErase,
		BlockSpace: nandif.BlockSpaceTotal,
		NandInfo: nandif.NandInfo{
			Channel: ch,
			Way:     way,
			Block:   uint32(pba),
		},
	}
	return t.doSync(req)
}

// readDie reads the designated BBT pages of one die and returns the
// TOTAL_BLOCKS_PER_DIE-byte array, or ErrBbtMissing if the first byte is
// not 0 or 1.
func (t *Table) readDie(die addr.Die) ([]byte, error) {
	pba := t.bbtInfo[die].PhyBlock
	out := make([]byte, 0, t.geom.TotalBlocksPerDie)

	for vpage := uint32(1); uint32(len(out)) < t.geom.TotalBlocksPerDie; vpage++ {
		ppage := addr.VpageToLsbPpage(vpage)
		data, err := t.readPage(die, pba, ppage, nandif.EccOff)
		if err != nil {
			return nil, ErrBbtMissing
		}
		want := t.geom.TotalBlocksPerDie - uint32(len(out))
		if want > uint32(len(data)) {
			want = uint32(len(data))
		}
		out = append(out, data[:want]...)
	}

	if out[0] != 0 && out[0] != 1 {
		return nil, ErrBbtMissing
	}
	return out, nil
}

// Recover implements the boot recovery protocol: read each die's BBT
// block, rebuilding it via a fresh scan for any die where it is missing
// or invalid.
func (t *Table) Recover() error {
	missing := make([]addr.Die, 0, t.geom.Dies())

	for d := addr.Die(0); d < addr.Die(t.geom.Dies()); d++ {
		bytes, err := t.readDie(d)
		if err != nil {
			missing = append(missing, d)
			continue
		}
		for pba, v := range bytes {
			t.phyBlocks[d][pba].Bad = v != 0
		}
	}

	if len(missing) == 0 {
		return nil
	}

	if err := t.Scan(missing); err != nil {
		return errors.Wrap(err, "bbt: scan missing dies")
	}

	return t.persist(missing)
}

// Scan performs the bad-block scan on the given dies, breadth-first
// across dies per PBA to exploit per-channel parallelism.
func (t *Table) Scan(dies []addr.Die) error {
	for pba := addr.PBA(0); uint32(pba) < t.geom.TotalBlocksPerDie; pba++ {
		for _, d := range dies {
			bad, err := t.scanOne(d, pba)
			if err != nil {
				return err
			}
			t.phyBlocks[d][pba].Bad = bad
		}
	}
	return nil
}

// scanOne inspects the first byte of the data region of page 0 and, only
// if it is 0xff, of the last page too. The block is good iff both bytes
// are 0xff. The spare regions are not inspected: readPage returns only
// the data region.
func (t *Table) scanOne(die addr.Die, pba addr.PBA) (bad bool, err error) {
	first, err := t.readPage(die, pba, 0, nandif.EccOff)
	if err != nil {
		return true, nil
	}
	if len(first) == 0 || first[0] != CleanDataByte {
		return true, nil
	}

	lastPage := t.geom.PagesPerBlock - 1
	last, err := t.readPage(die, pba, lastPage, nandif.EccOff)
	if err != nil {
		return true, nil
	}
	if len(last) == 0 || last[0] != CleanDataByte {
		return true, nil
	}

	return false, nil
}

// persist rebuilds and writes the BBT for the given dies: erase the BBT
// block, then write the byte array at the LSB pages.
func (t *Table) persist(dies []addr.Die) error {
	for _, d := range dies {
		pba := t.bbtInfo[d].PhyBlock
		if err := t.eraseBlock(d, pba); err != nil {
			return errors.Wrapf(err, "bbt: erase bbt block on die %d", d)
		}

		bytesArr := make([]byte, t.geom.TotalBlocksPerDie)
		for b, e := range t.phyBlocks[d] {
			if e.Bad {
				bytesArr[b] = 1
			}
		}

		offset := uint32(0)
		for vpage := uint32(1); offset < uint32(len(bytesArr)); vpage++ {
			ppage := addr.VpageToLsbPpage(vpage)
			end := offset + t.dataBytesPerPage
			if end > uint32(len(bytesArr)) {
				end = uint32(len(bytesArr))
			}
			if err := t.writePage(d, pba, ppage, bytesArr[offset:end]); err != nil {
				return errors.Wrapf(err, "bbt: write bbt page on die %d", d)
			}
			offset = end
		}

		t.bbtInfo[d].GrownBadUpdate = false
	}
	return nil
}

// MarkGrownBad records a runtime program/erase failure on (die,pba):
// marks it bad and books a BBT update.
func (t *Table) MarkGrownBad(die addr.Die, pba addr.PBA) {
	t.phyBlocks[die][pba].Bad = true
	t.bbtInfo[die].GrownBadUpdate = true
}

// FlushDirty rebuilds and rewrites the BBT for every die with a booked
// grown-bad update.
func (t *Table) FlushDirty() error {
	var dirty []addr.Die
	for d := range t.bbtInfo {
		if t.bbtInfo[d].GrownBadUpdate {
			dirty = append(dirty, addr.Die(d))
		}
	}
	if len(dirty) == 0 {
		return nil
	}
	return t.persist(dirty)
}

// Remap implements "Remapping": after the BBT is loaded,
// the block storing the BBT is itself reserved (marked bad so it will be
// remapped), then per die and LUN, bad user blocks are walked in
// ascending order and matched to the first good reserved block in that
// LUN.
//
// unmapped returns the set of (die,vbn) pairs that could not be remapped
// because no reserved block was available; callers must exclude those
// VBNs from the free list.
func (t *Table) Remap(g addr.Geometry, log func(string, ...interface{})) (unmapped []struct {
	Die addr.Die
	Vbn addr.VBN
}) {
	for d := addr.Die(0); uint32(d) < g.Dies(); d++ {
		t.phyBlocks[d][t.bbtInfo[d].PhyBlock].Bad = true
	}

	luns := g.LUNsPerDie
	userPerLun := g.UserBlocksPerLUN()
	totalPerLun := g.TotalBlocksPerLUN()

	var maxBad uint32

	for d := addr.Die(0); uint32(d) < g.Dies(); d++ {
		var badCount uint32
		for l := uint32(0); l < luns; l++ {
			lunBase := l * totalPerLun
			reservedStart := lunBase + userPerLun

			nextReserved := reservedStart
			for u := uint32(0); u < userPerLun; u++ {
				pba := addr.PBA(lunBase + u)
				if !t.phyBlocks[d][pba].Bad {
					continue
				}
				badCount++

				found := false
				for r := nextReserved; r < lunBase+totalPerLun; r++ {
					if !t.phyBlocks[d][addr.PBA(r)].Bad {
						t.phyBlocks[d][pba].RemappedPhyBlock = addr.PBA(r)
						nextReserved = r + 1
						found = true
						break
					}
				}
				if !found {
					if log != nil {
						log("bbt: die %d has no reserved block to remap bad PBA %d", d, pba)
					}
					vbn := vbnForPba(g, l, u)
					unmapped = append(unmapped, struct {
						Die addr.Die
						Vbn addr.VBN
					}{d, vbn})
				}
			}
		}
		if badCount > maxBad {
			maxBad = badCount
		}
	}

	t.maxBadBlockCount = maxBad
	return unmapped
}

// vbnForPba inverts VbnToPba for a user block at LUN l, offset u.
func vbnForPba(g addr.Geometry, lun, offsetInLun uint32) addr.VBN {
	return addr.VBN(lun*g.UserBlocksPerLUN() + offsetInLun)
}

// ResolvePBA returns the physical block a VBN should actually be read
// from/written to: the remap target of VbnToPba(vbn), and whether that
// target is itself bad (meaning the VBN is unusable).
func (t *Table) ResolvePBA(g addr.Geometry, die addr.Die, vbn addr.VBN) (pba addr.PBA, bad bool) {
	base := g.VbnToPba(vbn)
	target := t.phyBlocks[die][base].RemappedPhyBlock
	return target, t.phyBlocks[die][target].Bad
}
