// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package hostif defines the host command surface and the
// command-splitting algorithm.
//
// Grounded on openssd/src/request_transform.c's ReqTransNvmeToSlice, and
// on an nvmePassthruCommand-style field layout for a host-submitted
// command (cdw10-style opcode/slot fields).
package hostif

import (
	"github.com/dswarbrick/ftlcore/internal/addr"
)

// Opcode is the host command opcode
type Opcode int

const (
	OpWrite Opcode = iota
	OpRead
	OpPhyWrite
	OpPhyRead
)

// IsPhysical reports whether the opcode addresses a raw VSA, skipping the
// C2 lookup.
func (o Opcode) IsPhysical() bool {
	return o == OpPhyWrite || o == OpPhyRead
}

// IsWrite reports whether the opcode is a write-shaped command.
func (o Opcode) IsWrite() bool {
	return o == OpWrite || o == OpPhyWrite
}

// Command is one host command, e.g. an NVMe WRITE/READ: (startLba, nlb,
// opcode), with nlb zero-based (actual block count = nlb+1).
type Command struct {
	StartLba   uint64
	Nlb        uint32
	Opcode     Opcode
	CmdSlotTag int
}

// blockCount returns the actual NVMe block count (nlb+1).
func (c Command) blockCount() uint64 {
	return uint64(c.Nlb) + 1
}

// SliceRequest is one slice-sized unit of work split from a Command.
type SliceRequest struct {
	Opcode          Opcode
	Lsa             addr.LSA // or raw VSA reinterpreted as LSA bits, for PHY opcodes
	NvmeBlockOffset uint32
	NumBlocks       uint32
	CmdSlotTag      int
	DataBufEntry    int
}

// Split divides cmd into slice-sized requests: the command yields a head
// slice (which may be partial), zero or more full body slices, and an
// optional partial tail slice.
func Split(cmd Command, nvmeBlocksPerSlice uint32) []SliceRequest {
	b := uint64(nvmeBlocksPerSlice)
	start := cmd.StartLba
	total := cmd.blockCount()
	end := start + total

	var out []SliceRequest

	// Head slice.
	lsa := addr.LSA(start / b)
	offset := uint32(start % b)
	remaining := total
	headCount := b - uint64(offset)
	if headCount > remaining {
		headCount = remaining
	}
	out = append(out, SliceRequest{
		Opcode:          cmd.Opcode,
		Lsa:             lsa,
		NvmeBlockOffset: offset,
		NumBlocks:       uint32(headCount),
		CmdSlotTag:      cmd.CmdSlotTag,
	})
	remaining -= headCount
	lsa++

	// Body slices: full slices until fewer than a full slice remain.
	for remaining >= b {
		out = append(out, SliceRequest{
			Opcode:     cmd.Opcode,
			Lsa:        lsa,
			NumBlocks:  uint32(b),
			CmdSlotTag: cmd.CmdSlotTag,
		})
		remaining -= b
		lsa++
	}

	// Tail slice: only if the range does not end on a slice boundary.
	if remaining > 0 && end%b != 0 {
		out = append(out, SliceRequest{
			Opcode:     cmd.Opcode,
			Lsa:        lsa,
			NumBlocks:  uint32(remaining),
			CmdSlotTag: cmd.CmdSlotTag,
		})
	}

	return out
}
