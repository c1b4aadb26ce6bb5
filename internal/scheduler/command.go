// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package scheduler

import (
	"github.com/pkg/errors"

	"github.com/dswarbrick/ftlcore/internal/addr"
	"github.com/dswarbrick/ftlcore/internal/blockmap"
	"github.com/dswarbrick/ftlcore/internal/databuf"
	"github.com/dswarbrick/ftlcore/internal/hostif"
	"github.com/dswarbrick/ftlcore/internal/nandif"
)

// NvmeBlockBytes is the fixed logical-block size used to size a slice's
// data buffer from hostif.SliceRequest.NumBlocks, matching the 512-byte
// NVMe LBA an NVMe passthrough command assumes implicitly.
const NvmeBlockBytes = 512

// gcRetryAllocator wraps the Map's C3 allocator with the scheduler-owned
// retry for blockmap.ErrBlockExhausted: allocation failure runs GC on
// that die, then retries once. This is how the C2/C3/GC/C5 cycle is
// broken: C3 itself never calls GC.
type gcRetryAllocator struct{ s *Scheduler }

func (a gcRetryAllocator) AllocateWriteVSA(die addr.Die) (addr.VSA, error) {
	vsa, err := a.s.blockMap.AllocateWriteVSA(die)
	if errors.Cause(err) != blockmap.ErrBlockExhausted {
		return vsa, err
	}

	a.s.gcTriggerCount++
	if a.s.log != nil {
		a.s.log.Infof("scheduler: die %d block exhausted, running GC", die)
	}
	if gcErr := a.s.RunGC(die); gcErr != nil {
		return addr.NoneVSA, errors.Wrap(gcErr, "scheduler: GC failed to free a block")
	}
	return a.s.blockMap.AllocateWriteVSA(die)
}

// invalidator adapts blockMap's InvalidSliceCnt bookkeeping to the
// slicemap.Invalidator interface.
type invalidator struct{ s *Scheduler }

func (v invalidator) NoteInvalidated(vsa addr.VSA) {
	die, vbn, _ := v.s.geom.VsaToVorg(vsa)
	v.s.blockMap.Block(die, vbn).InvalidSliceCnt++
}

// ProcessCommand implements the high-level command pipeline: split, then
// dispatch every resulting slice's NAND sub-requests before blocking on any
// of them, so a command spanning several slices (and so, usually, several
// dies) never serializes one slice's full round trip behind another's.
// data is the host write payload for a WRITE-shaped command, ignored for
// reads; ProcessCommand returns, for a READ-shaped command, the
// concatenated data read back.
func (s *Scheduler) ProcessCommand(cmd hostif.Command, nvmeBlocksPerSlice uint32, data []byte) ([]byte, error) {
	switch cmd.Opcode {
	case hostif.OpWrite, hostif.OpRead, hostif.OpPhyWrite, hostif.OpPhyRead:
	default:
		panic(errors.Errorf("scheduler: unsupported opcode %d", cmd.Opcode))
	}
	slices := hostif.Split(cmd, nvmeBlocksPerSlice)
	if cmd.Opcode.IsWrite() {
		return nil, s.processWrite(slices, data)
	}
	return s.processRead(slices)
}

// writeSlicePrep is one slice's buffer/payload state while its command is
// still being assembled, from Allocate through the NAND WRITE landing.
type writeSlicePrep struct {
	sr    hostif.SliceRequest
	entry int
	buf   []byte
	full  bool

	rmwPend *pendingReq
	rmwBuf  []byte
}

// processWrite implements WRITE/PHY_WRITE across every slice of a command:
// first every partial slice's read-modify-write prefetch is dispatched and
// drained together, then every slice's C2 write (which itself invalidates
// the old mapping and, via gcRetryAllocator, allocates the fresh VSA) and
// NAND WRITE are dispatched together and drained once at the end.
func (s *Scheduler) processWrite(slices []hostif.SliceRequest, data []byte) error {
	preps := make([]*writeSlicePrep, len(slices))
	var rmwPending []*pendingReq

	offset := 0
	for i, sr := range slices {
		n := int(sr.NumBlocks) * NvmeBlockBytes
		full := n == s.sliceBytes()

		entry, evicted := s.cache.Allocate(sr.Lsa)
		s.writeBackIfDirty(evicted)
		s.cache.Pin(entry)

		p := &writeSlicePrep{sr: sr, entry: entry, buf: make([]byte, s.sliceBytes()), full: full}
		if !full {
			p.rmwPend, p.rmwBuf = s.beginReadIfMapped(sr.Lsa)
			if p.rmwPend != nil {
				rmwPending = append(rmwPending, p.rmwPend)
			}
		}
		copy(p.buf[sr.NvmeBlockOffset*NvmeBlockBytes:], data[offset:offset+n])
		preps[i] = p
		offset += n
	}

	s.drainAll(rmwPending)

	var writePending []*pendingReq
	for _, p := range preps {
		if !p.full && p.rmwPend != nil {
			merged := make([]byte, s.sliceBytes())
			copy(merged, p.rmwBuf)
			start := p.sr.NvmeBlockOffset * NvmeBlockBytes
			copy(merged[start:], p.buf[start:])
			p.buf = merged
		}
		s.cache.MarkDirty(p.entry)

		die := s.blockMap.NextTargetDie()

		var vsa addr.VSA
		var err error
		if p.sr.Opcode.IsPhysical() {
			vsa = addr.VSA(p.sr.Lsa)
		} else {
			vsa, err = s.sliceMap.Write(p.sr.Lsa, die, gcRetryAllocator{s}, invalidator{s})
			if err != nil {
				s.cache.Unpin(p.entry)
				return errors.Wrap(err, "scheduler: write allocation failed")
			}
		}

		dieOf, pba, page, bad := s.vsaToPhysical(vsa)
		if bad {
			s.cache.Unpin(p.entry)
			return errors.Errorf("scheduler: write target die %d vsa %d resolves to a bad PBA %d", dieOf, vsa, pba)
		}

		nsr := &subReq{
			code:         nandif.CodeWrite,
			die:          dieOf,
			pba:          pba,
			page:         page,
			vsa:          vsa,
			bufEntry:     p.entry,
			data:         p.buf,
			rowAddrCheck: true,
		}
		writePending = append(writePending, s.submit(nsr))
	}

	s.drainAll(writePending)
	for _, p := range preps {
		s.cache.Unpin(p.entry)
	}
	return nil
}

// readSlicePrep is one slice's buffer state while its command is still
// being assembled.
type readSlicePrep struct {
	buf   []byte
	pend  *pendingReq
	entry int
	zero  bool // never written: buf is already the zero-filled result
}

// processRead implements READ/PHY_READ across every slice of a command:
// every slice's NAND READ is dispatched before any of them are drained, so
// a multi-slice read never serializes slice N+1 behind slice N's own
// completion.
func (s *Scheduler) processRead(slices []hostif.SliceRequest) ([]byte, error) {
	preps := make([]*readSlicePrep, len(slices))
	var pending []*pendingReq

	for i, sr := range slices {
		var vsa addr.VSA
		if sr.Opcode.IsPhysical() {
			vsa = addr.VSA(sr.Lsa)
		} else {
			v, ok := s.sliceMap.Read(sr.Lsa)
			if !ok {
				preps[i] = &readSlicePrep{buf: make([]byte, s.sliceBytes()), zero: true}
				continue
			}
			vsa = v
		}

		entry, evicted := s.cache.Allocate(sr.Lsa)
		s.writeBackIfDirty(evicted)
		s.cache.Pin(entry)

		die, pba, page, bad := s.vsaToPhysical(vsa)
		if bad {
			s.cache.Unpin(entry)
			return nil, errors.Errorf("scheduler: read target die %d vsa %d resolves to a bad PBA %d", die, vsa, pba)
		}

		buf := make([]byte, s.sliceBytes())
		nsr := &subReq{
			code:         nandif.CodeRead,
			die:          die,
			pba:          pba,
			page:         page,
			vsa:          vsa,
			bufEntry:     entry,
			data:         buf,
			rowAddrCheck: true,
		}
		p := &readSlicePrep{buf: buf, entry: entry}
		p.pend = s.submit(nsr)
		preps[i] = p
		pending = append(pending, p.pend)
	}

	s.drainAll(pending)

	out := make([]byte, 0, len(slices)*s.sliceBytes())
	for i, sr := range slices {
		p := preps[i]
		if !p.zero {
			s.cache.Unpin(p.entry)
		}
		start := sr.NvmeBlockOffset * NvmeBlockBytes
		end := start + sr.NumBlocks*NvmeBlockBytes
		out = append(out, p.buf[start:end]...)
	}
	return out, nil
}

// beginReadIfMapped dispatches, without blocking, a read of lsa's current
// VSA for the read-modify-write prefetch. pend is nil if lsa was never
// written or resolves to a bad PBA, in which case buf is left as the
// all-zero fallback the merge step already starts from. The read is
// issued with bufEntry -1, whose buffer-dependency chain it shares with
// every other bufEntry -1 request (the other prefetches and GC's reads,
// writes and erases), so such requests in flight together complete one
// after another.
func (s *Scheduler) beginReadIfMapped(lsa addr.LSA) (pend *pendingReq, buf []byte) {
	buf = make([]byte, s.sliceBytes())
	vsa, ok := s.sliceMap.Read(lsa)
	if !ok {
		return nil, buf
	}
	die, pba, page, bad := s.vsaToPhysical(vsa)
	if bad {
		return nil, buf
	}
	nsr := &subReq{code: nandif.CodeRead, die: die, pba: pba, page: page, vsa: vsa, bufEntry: -1, data: buf, rowAddrCheck: true}
	return s.submit(nsr), buf
}

// writeBackIfDirty logs the eviction of an entry marked dirty and issues
// no NAND write. processWrite programs every slice to NAND before it
// unpins the slice's entry, so an evicted dirty entry's data is already on
// flash; entries are never marked clean afterwards, so any eviction of an
// entry that a write has used reaches this log line.
func (s *Scheduler) writeBackIfDirty(ev databuf.Evicted) {
	if !ev.Valid || !ev.Dirty {
		return
	}
	if s.log != nil {
		s.log.Warnf("scheduler: evicted dirty buffer entry for lsa %d without a prior flush", ev.Lsa)
	}
}

func (s *Scheduler) sliceBytes() int {
	return s.bytesPerSlice
}
