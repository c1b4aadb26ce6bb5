// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package scheduler

import (
	"github.com/pkg/errors"

	"github.com/dswarbrick/ftlcore/internal/addr"
	"github.com/dswarbrick/ftlcore/internal/blockmap"
	"github.com/dswarbrick/ftlcore/internal/nandif"
)

// RunGC implements a garbage collection pass for one die: pick the
// victim block with FindVictim, migrate every still-live VSA in it to a
// fresh location, then erase it and return it to the free list.
//
// A more elaborate victim-selection policy (which block, under what cost
// model) is out of scope here; the literal highest-invalidSliceCnt rule
// is core and is what blockmap.FindVictim implements.
func (s *Scheduler) RunGC(die addr.Die) error {
	victim, ok := s.blockMap.FindVictim(die)
	if !ok {
		return errors.Errorf("scheduler: no GC victim available on die %d", die)
	}

	if err := s.migrateBlock(die, victim); err != nil {
		return errors.Wrapf(err, "scheduler: migrating die %d vbn %d", die, victim)
	}

	if err := s.eraseBlock(die, victim); err != nil {
		return errors.Wrapf(err, "scheduler: erasing die %d vbn %d", die, victim)
	}

	for page := uint32(0); page < s.geom.PagesPerBlock; page++ {
		s.sliceMap.ClearBackpointer(s.geom.VorgToVsa(die, victim, page))
	}
	s.blockMap.EraseDone(die, victim)
	return nil
}

// migrateBlock copies every live slice of (die,victim) to a freshly
// allocated VSA on the same die: "for each VSA in the
// victim block, if slicemap.IsLive(vsa): migrate". When the die's working
// block is full, the next one is drawn with blockmap.ModeGC, which may take
// the free blocks that the NORMAL reserve keeps from host writes. The
// destination allocation goes to the block map directly rather than
// through gcRetryAllocator, so it never recurses into RunGC.
func (s *Scheduler) migrateBlock(die addr.Die, victim addr.VBN) error {
	for page := uint32(0); page < s.geom.PagesPerBlock; page++ {
		vsa := s.geom.VorgToVsa(die, victim, page)
		lsa, live := s.sliceMap.IsLive(vsa)
		if !live {
			continue
		}

		buf, err := s.readVsa(die, victim, page, vsa)
		if err != nil {
			return err
		}

		if cur := s.blockMap.CurrentBlock(die); s.blockMap.Block(die, cur).CurrentPage == s.geom.PagesPerBlock {
			fresh, err := s.blockMap.GetFreeBlock(die, blockmap.ModeGC)
			if err != nil {
				return errors.Wrap(err, "scheduler: GC migration target allocation failed")
			}
			s.blockMap.Block(die, fresh).CurrentPage = 0
			s.blockMap.SetCurrentBlock(die, fresh)
		}

		newVsa, err := s.blockMap.AllocateWriteVSA(die)
		if err != nil {
			return errors.Wrap(err, "scheduler: GC migration target allocation failed")
		}

		newDie, newPba, newPage, bad := s.vsaToPhysical(newVsa)
		if bad {
			return errors.Errorf("scheduler: GC migration target die %d vsa %d resolves to a bad PBA", newDie, newVsa)
		}

		nsr := &subReq{
			code:         nandif.CodeWrite,
			die:          newDie,
			pba:          newPba,
			page:         newPage,
			vsa:          newVsa,
			bufEntry:     -1,
			data:         buf,
			rowAddrCheck: true,
		}
		s.run(nsr)

		// InvalidateOld bumps the victim block's invalidSliceCnt (moot,
		// since EraseDone resets it below) and clears the forward
		// pointer; the stale back-pointer at vsa is left in place until
		// the block is erased, which is harmless since IsLive always
		// checks both directions.
		s.sliceMap.InvalidateOld(lsa, invalidator{s})
		if err := s.sliceMap.SetMapping(lsa, newVsa); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) readVsa(die addr.Die, vbn addr.VBN, page uint32, vsa addr.VSA) ([]byte, error) {
	pba, bad := s.bbtTable.ResolvePBA(s.geom, die, vbn)
	if bad {
		return nil, errors.Errorf("scheduler: GC source die %d vbn %d resolves to a bad PBA", die, vbn)
	}
	buf := make([]byte, s.sliceBytes())
	nsr := &subReq{code: nandif.CodeRead, die: die, pba: pba, page: page, vsa: vsa, bufEntry: -1, data: buf, rowAddrCheck: true}
	s.run(nsr)
	return buf, nil
}

// eraseBlock issues the NAND erase for a GC victim.
func (s *Scheduler) eraseBlock(die addr.Die, vbn addr.VBN) error {
	pba, bad := s.bbtTable.ResolvePBA(s.geom, die, vbn)
	if bad {
		return errors.Errorf("scheduler: erase target die %d vbn %d resolves to a bad PBA", die, vbn)
	}
	progCnt := s.blockMap.Block(die, vbn).CurrentPage
	nsr := &subReq{code: nandif.CodeErase, die: die, pba: pba, vsa: addr.NoneVSA, bufEntry: -1, programmedPageCnt: progCnt, rowAddrCheck: true}
	s.run(nsr)
	return nil
}
