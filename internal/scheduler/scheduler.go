// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package scheduler implements C5: command splitting, data-buffer
// allocation and population, the buffer- and row-address-dependency models, NAND/DMA
// dispatch, completion handling, and the garbage-collection hook.
//
// Grounded on openssd/src/request_transform.c (ReqTransNvmeToSlice,
// EvictDataBufEntry, DataReadFromNand, ReqTransSliceToLowLevel,
// CheckBufDep, CheckRowAddrDep, SelectLowLevelReqQ,
// ReleaseBlockedByBufDepReq, ReleaseBlockedByRowAddrDepReq,
// IssueNvmeDmaReq, CheckDoneNvmeDmaReq). Single-threaded cooperative:
// every exported method here runs on the caller's single driving
// goroutine; nothing in this package takes a lock.
package scheduler

import (
	"github.com/pkg/errors"

	"github.com/dswarbrick/ftlcore/internal/addr"
	"github.com/dswarbrick/ftlcore/internal/bbt"
	"github.com/dswarbrick/ftlcore/internal/blockmap"
	"github.com/dswarbrick/ftlcore/internal/databuf"
	"github.com/dswarbrick/ftlcore/internal/hostif"
	"github.com/dswarbrick/ftlcore/internal/nandif"
	"github.com/dswarbrick/ftlcore/internal/slicemap"
)

// Logger is the minimal leveled-logging surface this package needs,
// satisfied by github.com/prometheus/common/log.Logger or by any
// adapter a caller supplies.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// subReq is one NAND or DMA sub-request tracked by the scheduler, the
// in-memory analogue of the original firmware's request-entry slab.
// Unlike that fixed-size slab, a Go port is free to let the
// garbage collector reclaim completed entries; the dependency-chain and
// row-address-queue membership is what must be tracked precisely, not the
// storage itself.
type subReq struct {
	code       nandif.Code
	isDMA      bool
	dmaDir     nandif.DmaDir
	die        addr.Die
	pba        addr.PBA
	page       uint32
	vsa        addr.VSA
	cmdSlotTag int

	programmedPageCnt uint32
	rowAddrCheck      bool
	wasBlocked        bool

	bufEntry    int
	prevInChain *subReq

	data []byte

	onComplete func()
}

// Scheduler owns every piece of per-request state; the mapping tables
// (C1-C3) are injected so the boot sequencer in internal/ftl can share
// them across components.
type Scheduler struct {
	geom addr.Geometry

	sliceMap *slicemap.Map
	blockMap *blockmap.Map
	bbtTable *bbt.Table

	ctrl nandif.Controller
	dma  nandif.DmaEngine

	cache         databuf.Cache
	log           Logger
	bytesPerSlice int

	rowAddrTable map[rowAddrKey]*rowAddrEntry
	bufTail      map[int]*subReq
	nextInChain  map[*subReq]*subReq
	inflight     map[*nandif.Request]*subReq

	// gcTriggerCount counts how many times NORMAL allocation failed and
	// fell through to GC, surfaced for tests/metrics.
	gcTriggerCount uint64
}

// New wires a Scheduler on top of the already-booted mapping tables.
// bytesPerSlice is the data size of one VSA's worth of payload
// (NvmeBlocksPerSlice times NvmeBlockBytes, which is what internal/ftl
// passes), used to size buffer-entry and NAND request payloads. Each slice
// is written to one NAND page, so the controller's page data region must
// hold at least bytesPerSlice bytes.
func New(g addr.Geometry, sm *slicemap.Map, bm *blockmap.Map, bt *bbt.Table,
	ctrl nandif.Controller, dma nandif.DmaEngine, cache databuf.Cache, log Logger, bytesPerSlice int) *Scheduler {
	return &Scheduler{
		geom:          g,
		sliceMap:      sm,
		blockMap:      bm,
		bbtTable:      bt,
		ctrl:          ctrl,
		dma:           dma,
		cache:         cache,
		log:           log,
		bytesPerSlice: bytesPerSlice,
		rowAddrTable:  map[rowAddrKey]*rowAddrEntry{},
		bufTail:       map[int]*subReq{},
		nextInChain:   map[*subReq]*subReq{},
		inflight:      map[*nandif.Request]*subReq{},
	}
}

// GCTriggerCount reports how many times NORMAL free-block exhaustion
// invoked GC, for internal/metrics.
func (s *Scheduler) GCTriggerCount() uint64 { return s.gcTriggerCount }

// BlockedReadCnt sums BlockedReadReqCnt across every tracked block, for
// internal/metrics's row-address queue-depth gauge.
func (s *Scheduler) BlockedReadCnt() uint32 {
	var n uint32
	for _, e := range s.rowAddrTable {
		n += e.BlockedReadReqCnt
	}
	return n
}

// BlockedEraseCnt counts blocks with a parked erase, for internal/metrics.
func (s *Scheduler) BlockedEraseCnt() uint32 {
	var n uint32
	for _, e := range s.rowAddrTable {
		if e.BlockedEraseReqFlag {
			n++
		}
	}
	return n
}

// Geometry exposes the device geometry, for internal/ftl's boot sequencer
// and capacity export.
func (s *Scheduler) Geometry() addr.Geometry { return s.geom }

// FreeBlockCnt delegates to the block map, for internal/metrics.
func (s *Scheduler) FreeBlockCnt(die addr.Die) uint32 { return s.blockMap.FreeBlockCnt(die) }

// vsaToPhysical resolves a VSA to its (die, physical block, page),
// applying C1's remap.
func (s *Scheduler) vsaToPhysical(v addr.VSA) (die addr.Die, pba addr.PBA, page uint32, bad bool) {
	die, vbn, page := s.geom.VsaToVorg(v)
	pba, bad = s.bbtTable.ResolvePBA(s.geom, die, vbn)
	return die, pba, page, bad
}

// enqueue registers sr on its data-buffer entry's dependency chain and
// returns it. A request with a non-nil prevInChain is buffer-blocked:
// dispatch defers it until the request ahead of it in the chain
// completes.
func (s *Scheduler) enqueue(sr *subReq) *subReq {
	prev := s.bufTail[sr.bufEntry]
	sr.prevInChain = prev
	s.bufTail[sr.bufEntry] = sr
	if prev != nil {
		s.nextInChain[prev] = sr
	}
	return sr
}

// dispatch submits sr to the NAND controller or DMA engine once its
// buffer and row-address dependencies are clear.
func (s *Scheduler) dispatch(sr *subReq) {
	if sr.prevInChain != nil {
		// A NAND request parked behind another buffer entry still gets a
		// chance to unblock an erase its own block was holding back: the
		// erase does not share this request's buffer-dependency chain, so
		// nothing else will re-evaluate it while this request sits here.
		if !sr.isDMA && sr.rowAddrCheck {
			key := rowAddrKey{sr.die, sr.pba}
			if e := s.rowAddrTable[key]; e != nil && e.BlockedEraseReqFlag {
				s.releaseBlockedErase(key)
			}
		}
		return // buffer-blocked; released by the completion of prevInChain
	}

	if sr.isDMA {
		s.submitDMA(sr)
		return
	}

	if !sr.rowAddrCheck {
		s.submitNand(sr)
		return
	}

	switch s.checkRowAddrDep(sr) {
	case rowAddrPass:
		s.submitNand(sr)
	case rowAddrBlocked:
		// already parked on the block's row-addr-blocked queue by
		// checkRowAddrDep
	}
}

func (s *Scheduler) submitNand(sr *subReq) {
	ch, way := s.geom.DieToPchPway(sr.die)
	rowCheck := nandif.RowAddrCheckNone
	if sr.rowAddrCheck {
		rowCheck = nandif.RowAddrCheckEnabled
	}
	req := &nandif.Request{
		Type:                   nandif.ReqNAND,
		Code:                   sr.code,
		RowAddrDependencyCheck: rowCheck,
		BlockSpace:             nandif.BlockSpaceMain,
		DataBufEntry:           sr.bufEntry,
		Data:                   sr.data,
		NandInfo: nandif.NandInfo{
			Channel:           ch,
			Way:               way,
			Block:             uint32(sr.pba),
			Page:              sr.page,
			VSA:               sr.vsa,
			ProgrammedPageCnt: sr.programmedPageCnt,
		},
	}
	s.inflight[req] = sr
	if err := s.ctrl.Submit(req); err != nil {
		panic(errors.Wrap(err, "scheduler: NAND submit failed"))
	}
}

func (s *Scheduler) submitDMA(sr *subReq) {
	req := &nandif.Request{
		Type:       nandif.ReqDMA,
		DmaDir:     sr.dmaDir,
		CmdSlotTag: sr.cmdSlotTag,
		Data:       sr.data,
	}
	s.inflight[req] = sr
	if _, _, err := s.dma.Submit(req); err != nil {
		panic(errors.Wrap(err, "scheduler: DMA submit failed"))
	}
}

// Drain polls the NAND controller for completions and runs completion
// handling on each; the DMA engine is not polled. drainAll calls this
// until its batch of requests has completed; it is the Go analogue of
// the original's interrupt-fed completion queues.
func (s *Scheduler) Drain() {
	for _, req := range s.ctrl.Poll() {
		sr, ok := s.inflight[req]
		if !ok {
			continue
		}
		delete(s.inflight, req)
		s.completeSubReq(sr, req.Err)
	}
}

func (s *Scheduler) completeSubReq(sr *subReq, err error) {
	// 1. Free the request slot: nothing to do explicitly in Go; sr becomes
	// garbage once nothing references it.

	// 2. If head of its buffer-dependency chain, detach and re-dispatch
	// the next blocked request.
	if next, ok := s.nextInChain[sr]; ok {
		delete(s.nextInChain, sr)
		next.prevInChain = nil
		s.dispatch(next)
	}
	if s.bufTail[sr.bufEntry] == sr {
		delete(s.bufTail, sr.bufEntry)
	}

	if err != nil && !sr.isDMA {
		s.handleNandFailure(sr, err)
	}

	if !sr.isDMA && sr.rowAddrCheck {
		switch sr.code {
		case nandif.CodeWrite:
			s.onWriteCompleted(sr)
		case nandif.CodeRead:
			s.onReadCompleted(sr)
		case nandif.CodeErase:
			s.onEraseCompleted(sr)
		}
	}

	if sr.onComplete != nil {
		sr.onComplete()
	}
}

// handleNandFailure implements program/erase failure handling: mark the
// PBA bad and book a BBT update. Retrying on a fresh
// VSA is the caller's responsibility (host-write and GC-migration paths
// both re-issue through the normal write path on failure).
func (s *Scheduler) handleNandFailure(sr *subReq, err error) {
	if sr.code != nandif.CodeWrite && sr.code != nandif.CodeErase {
		return
	}
	s.bbtTable.MarkGrownBad(sr.die, sr.pba)
	if s.log != nil {
		s.log.Warnf("scheduler: %s failed on die %d pba %d, marked grown-bad: %v", sr.code, sr.die, sr.pba, err)
	}
}

// pendingReq tracks one dispatched subReq's completion, so a caller can
// dispatch several sub-requests up front and only block once on however
// many of them it actually needs to wait for.
type pendingReq struct {
	sr   *subReq
	done bool
}

// submit enqueues and dispatches sr without blocking. The caller observes
// completion via the returned pendingReq, typically through drainAll.
func (s *Scheduler) submit(sr *subReq) *pendingReq {
	p := &pendingReq{sr: sr}
	sr.onComplete = func() { p.done = true }
	s.enqueue(sr)
	s.dispatch(sr)
	return p
}

// drainAll polls the NAND controller (via Drain) until every request in
// pending has completed. Every request in pending has already been
// dispatched by the time this is called, so a controller able to service
// more than one channel at a time is free to complete them out of order or
// concurrently; this only blocks the caller until its own batch of work is
// done, not each piece of that work individually.
func (s *Scheduler) drainAll(pending []*pendingReq) {
	for {
		allDone := true
		for _, p := range pending {
			if !p.done {
				allDone = false
				break
			}
		}
		if allDone {
			return
		}
		s.Drain()
	}
}

// run dispatches sr and blocks until it alone has completed. Used by
// internal maintenance work (GC migration) whose steps are inherently
// sequential; the host command path (command.go) dispatches whole batches
// via submit/drainAll instead so independent sub-requests are never
// serialized needlessly.
func (s *Scheduler) run(sr *subReq) {
	p := s.submit(sr)
	s.drainAll([]*pendingReq{p})
}

// Command is re-exported for callers of this package.
type Command = hostif.Command
