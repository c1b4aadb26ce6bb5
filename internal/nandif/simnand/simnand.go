// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package simnand is an in-memory NAND controller and DMA engine. It
// exists because the real controller is an external collaborator out of
// scope for the FTL core; this package plays that role for the simulator
// binary (cmd/ftlsim) and for package tests, the same way a SMART
// transport talks to a /dev node it does not implement.
package simnand

import (
	"bytes"
	"sync"

	"github.com/dswarbrick/ftlcore/internal/addr"
	"github.com/dswarbrick/ftlcore/internal/nandif"
)

const eraseFill = 0xff

// block is one physical block's page store on one die.
type block struct {
	pages      [][]byte
	spare      [][]byte
	factoryBad bool
}

// Controller is a synchronous-by-default, in-memory NAND simulation. Real
// controllers complete asynchronously; this one completes every Submit
// immediately and returns it on the very next Poll, which is sufficient
// to exercise the scheduler's dependency and completion logic without a
// hardware model. FailNext lets tests inject grown-bad failures.
type Controller struct {
	mu        sync.Mutex
	dies      [][]block
	done      []*nandif.Request
	geom      addr.Geometry
	pageBytes uint32

	// FailNext, keyed by (die,pba), forces the next program or erase on
	// that block to fail once, then clears itself.
	FailNext map[[2]uint32]bool
}

// New allocates a Controller for the given geometry, with every page and
// spare region preset to 0xff (erased) and every block marked good.
// pageBytes sizes each page's data region and must be at least the
// caller's config.DataBytesPerPage, since bbt.persist writes pageBytes-sized
// chunks of the on-flash bad-block table in a single page; sizing this from
// a hardcoded constant instead silently truncated any BBT write wider than
// that constant.
func New(g addr.Geometry, pageBytes uint32) *Controller {
	c := &Controller{geom: g, pageBytes: pageBytes, FailNext: map[[2]uint32]bool{}}
	c.dies = make([][]block, g.Dies())
	for d := range c.dies {
		c.dies[d] = make([]block, g.TotalBlocksPerDie)
		for b := range c.dies[d] {
			c.resetBlock(d, b)
		}
	}
	return c
}

func (c *Controller) resetBlock(die, pba int) {
	blk := &c.dies[die][pba]
	blk.pages = make([][]byte, c.geom.PagesPerBlock)
	blk.spare = make([][]byte, c.geom.PagesPerBlock)
	for p := range blk.pages {
		blk.pages[p] = bytes.Repeat([]byte{eraseFill}, int(c.pageBytes))
		blk.spare[p] = bytes.Repeat([]byte{eraseFill}, 16)
	}
}

// MarkFactoryBad marks (die,pba) as bad from manufacture: its first/last
// page data+spare bytes will not read back as all-0xff, so the scanner in
// step "Bad-block scan" identifies it as bad.
func (c *Controller) MarkFactoryBad(die addr.Die, pba addr.PBA) {
	c.mu.Lock()
	defer c.mu.Unlock()
	blk := &c.dies[die][pba]
	blk.factoryBad = true
	blk.pages[0][0] = 0x00
	blk.spare[0][0] = 0x00
}

// FirstLastPageBytes returns the first byte of the data and spare regions
// of page 0, and of the last page, for (die,pba). The bad-block scanner
// in internal/bbt reads only the two data bytes, through Submit.
func (c *Controller) FirstLastPageBytes(die addr.Die, pba addr.PBA) (d0, s0, dN, sN byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	blk := &c.dies[die][pba]
	last := len(blk.pages) - 1
	return blk.pages[0][0], blk.spare[0][0], blk.pages[last][0], blk.spare[last][0]
}

// Submit implements nandif.Controller. It is synchronous: the request is
// fully serviced and queued for the next Poll before Submit returns.
func (c *Controller) Submit(req *nandif.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	die := c.geom.PchPwayToDie(req.NandInfo.Channel, req.NandInfo.Way)
	pba := req.NandInfo.Block
	blk := &c.dies[die][pba]
	key := [2]uint32{uint32(die), pba}

	switch req.Code {
	case nandif.CodeRead:
		page := int(req.NandInfo.Page)
		buf := blk.pages[page]
		if req.Data == nil {
			req.Data = make([]byte, len(buf))
		}
		copy(req.Data, buf)
	case nandif.CodeWrite:
		if c.FailNext[key] {
			delete(c.FailNext, key)
			req.Err = errProgramFailed
			break
		}
		page := int(req.NandInfo.Page)
		copy(blk.pages[page], req.Data)
	case nandif.CodeErase:
		if c.FailNext[key] {
			delete(c.FailNext, key)
			req.Err = errEraseFailed
			break
		}
		c.resetBlock(int(die), int(pba))
	}

	c.done = append(c.done, req)
	return nil
}

// Poll implements nandif.Controller.
func (c *Controller) Poll() []*nandif.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.done
	c.done = nil
	return out
}

type simError string

func (e simError) Error() string { return string(e) }

const (
	errProgramFailed = simError("simnand: program failed (injected)")
	errEraseFailed   = simError("simnand: erase failed (injected)")
)

// DmaEngine is a trivial synchronous DMA engine: every Submit completes
// immediately, and Done always reports true for a tail it has issued.
// The (reqTail, overflowCnt) pair still models the real engine's
// wrap-around counter shape.
type DmaEngine struct {
	mu   sync.Mutex
	tail uint64
}

// Submit implements nandif.DmaEngine.
func (e *DmaEngine) Submit(req *nandif.Request) (reqTail uint64, overflowCnt uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tail++
	overflow := e.tail / (1 << 32)
	return e.tail, overflow, nil
}

// Done implements nandif.DmaEngine: in this synchronous engine, any tail
// already issued has completed.
func (e *DmaEngine) Done(reqTail uint64, overflowCnt uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return reqTail <= e.tail
}
