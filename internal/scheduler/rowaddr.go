// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package scheduler

import (
	"github.com/dswarbrick/ftlcore/internal/addr"
	"github.com/dswarbrick/ftlcore/internal/nandif"
)

// rowAddrKey identifies one physical (channel,way,block) for the
// row-address dependency table.
type rowAddrKey struct {
	die addr.Die
	pba addr.PBA
}

// rowAddrEntry tracks one physical block's row-address ordering state.
type rowAddrEntry struct {
	PermittedProgPage   uint32
	BlockedReadReqCnt   uint32
	BlockedEraseReqFlag bool

	blockedReads []*subReq
	blockedErase *subReq
}

func (s *Scheduler) rowAddr(key rowAddrKey) *rowAddrEntry {
	e, ok := s.rowAddrTable[key]
	if !ok {
		e = &rowAddrEntry{}
		s.rowAddrTable[key] = e
	}
	return e
}

// rowAddrVerdict is the PASS/BLOCKED outcome of a row-address dependency
// check.
type rowAddrVerdict int

const (
	rowAddrPass rowAddrVerdict = iota
	rowAddrBlocked
)

// checkRowAddrDep implements the per-block row-address ordering
// invariants: a WRITE must target the next permitted page in program
// order, a READ of a not-yet-programmed page blocks until that page is
// written, and an ERASE blocks until every outstanding read on the block
// has drained.
func (s *Scheduler) checkRowAddrDep(sr *subReq) rowAddrVerdict {
	key := rowAddrKey{sr.die, sr.pba}
	e := s.rowAddr(key)

	switch sr.code {
	case nandif.CodeWrite:
		if sr.page != e.PermittedProgPage {
			return rowAddrBlocked
		}
		e.PermittedProgPage++
		return rowAddrPass

	case nandif.CodeRead:
		if sr.page < e.PermittedProgPage {
			return rowAddrPass
		}
		sr.wasBlocked = true
		e.BlockedReadReqCnt++
		e.blockedReads = append(e.blockedReads, sr)
		return rowAddrBlocked

	case nandif.CodeErase:
		if e.BlockedReadReqCnt == 0 && sr.programmedPageCnt == e.PermittedProgPage {
			e.PermittedProgPage = 0
			return rowAddrPass
		}
		e.BlockedEraseReqFlag = true
		e.blockedErase = sr
		return rowAddrBlocked
	}
	return rowAddrBlocked
}

// releaseBlockedErase re-evaluates a blocked erase once its block's
// blockedEraseReqFlag could plausibly have cleared (the last read on
// that block drained): if the erase now passes, it is submitted.
func (s *Scheduler) releaseBlockedErase(key rowAddrKey) {
	e := s.rowAddrTable[key]
	if e == nil || !e.BlockedEraseReqFlag || e.BlockedReadReqCnt != 0 {
		return
	}
	erase := e.blockedErase
	if erase == nil {
		return
	}
	e.BlockedEraseReqFlag = false
	e.blockedErase = nil
	if s.checkRowAddrDep(erase) == rowAddrPass {
		s.submitNand(erase)
	} else {
		e.blockedErase = erase
		e.BlockedEraseReqFlag = true
	}
}

// onWriteCompleted re-evaluates blocked reads and a blocked erase on the
// same block after a WRITE completes.
func (s *Scheduler) onWriteCompleted(sr *subReq) {
	key := rowAddrKey{sr.die, sr.pba}
	e := s.rowAddrTable[key]
	if e == nil {
		return
	}

	remaining := e.blockedReads[:0]
	for _, r := range e.blockedReads {
		if r.page < e.PermittedProgPage {
			s.submitNand(r)
		} else {
			remaining = append(remaining, r)
		}
	}
	e.blockedReads = remaining

	if e.BlockedEraseReqFlag && e.BlockedReadReqCnt == 0 {
		s.releaseBlockedErase(key)
	}
}

// onReadCompleted decrements the block's blocked-read count and, once it
// reaches zero, re-evaluates any blocked erase on that block.
func (s *Scheduler) onReadCompleted(sr *subReq) {
	if !sr.wasBlocked {
		return
	}
	key := rowAddrKey{sr.die, sr.pba}
	e := s.rowAddrTable[key]
	if e == nil {
		return
	}
	if e.BlockedReadReqCnt > 0 {
		e.BlockedReadReqCnt--
	}
	if e.BlockedReadReqCnt == 0 && e.BlockedEraseReqFlag {
		s.releaseBlockedErase(key)
	}
}

// onEraseCompleted clears the block's row-address state and re-submits
// any reads that are now valid against the freshly erased block.
func (s *Scheduler) onEraseCompleted(sr *subReq) {
	key := rowAddrKey{sr.die, sr.pba}
	e := s.rowAddrTable[key]
	if e == nil {
		return
	}
	e.BlockedEraseReqFlag = false
	e.blockedErase = nil
	// Typically all parked reads become PASS once the block is erased and
	// reused; any left over are re-evaluated defensively.
	remaining := e.blockedReads[:0]
	for _, r := range e.blockedReads {
		if r.page < e.PermittedProgPage {
			s.submitNand(r)
		} else {
			remaining = append(remaining, r)
		}
	}
	e.blockedReads = remaining
}
