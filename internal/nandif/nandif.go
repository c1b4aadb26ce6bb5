// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package nandif defines the request descriptor shared with the NAND
// controller and DMA engine. Both collaborators live outside the FTL
// core; this package only describes the wire shape the core depends on,
// the same way an nvmePassthruCommand describes a kernel ioctl boundary
// without implementing the kernel side of it.
package nandif

import (
	"github.com/dswarbrick/ftlcore/internal/addr"
)

// Code is the NAND operation requested.
type Code int

const (
	CodeRead Code = iota
	CodeWrite
	CodeErase
)

func (c Code) String() string {
	switch c {
	case CodeRead:
		return "READ"
	case CodeWrite:
		return "WRITE"
	case CodeErase:
		return "ERASE"
	default:
		return "UNKNOWN"
	}
}

// ReqType distinguishes a NAND-controller request from a DMA-engine one.
type ReqType int

const (
	ReqNAND ReqType = iota
	ReqDMA
)

// DmaDir is the direction of a DMA-engine request.
type DmaDir int

const (
	DmaRx DmaDir = iota // host -> device buffer
	DmaTx               // device buffer -> host
)

// ECC toggles ECC decode/encode, disabled only during the bad-block
// scan.
type ECC int

const (
	EccOn ECC = iota
	EccOff
)

// RowAddrDependencyCheck selects whether dispatch must honor the
// per-block row-address ordering constraints.
type RowAddrDependencyCheck int

const (
	RowAddrCheckNone RowAddrDependencyCheck = iota
	RowAddrCheckEnabled
)

// NandAddrKind selects whether NandInfo carries a VSA or a raw physical
// (channel, way, block, page) coordinate.
type NandAddrKind int

const (
	AddrVSA NandAddrKind = iota
	AddrPhysOrg
)

// BlockSpace selects between the user-visible "main" block namespace and
// the "total" namespace that also exposes reserved/spare blocks; only BBT
// I/O and full-device erase use Total.
type BlockSpace int

const (
	BlockSpaceMain BlockSpace = iota
	BlockSpaceTotal
)

// NandInfo is the physical/virtual target of one NAND request.
type NandInfo struct {
	Channel uint32
	Way     uint32
	// Block is the target physical block (PBA). The scheduler resolves a
	// VBN through the bad-block remap before filling it in, and sets
	// BlockSpaceMain; simnand indexes its block store with Block whatever
	// BlockSpace says.
	Block uint32
	Page  uint32
	VSA   addr.VSA
	// ProgrammedPageCnt is the requester's count of pages of this block
	// programmed since its last erase (GC passes the block's CurrentPage);
	// the erase row-address check holds the erase until the block's
	// permitted program page equals it.
	ProgrammedPageCnt uint32
}

// Request is one NAND-controller or DMA-engine descriptor
type Request struct {
	Type                   ReqType
	Code                   Code
	DmaDir                 DmaDir
	NandAddrKind           NandAddrKind
	ECC                    ECC
	EccWarning             ECC
	RowAddrDependencyCheck RowAddrDependencyCheck
	BlockSpace             BlockSpace
	DataBufEntry           int
	NandInfo               NandInfo

	// CmdSlotTag/DmaIndex/DeviceAddr identify a DMA-engine call, one per
	// NVMe block
	CmdSlotTag int
	DmaIndex   int
	DeviceAddr uint64

	// Data is the payload: source for WRITE/Tx, destination for READ/Rx.
	Data []byte

	// Err is set by the controller/engine on completion.
	Err error
}

// Controller is the external NAND-controller collaborator the scheduler
// depends on. Each channel maintains its own FIFO; the
// core is the sole writer to it.
type Controller interface {
	// Submit enqueues req on its target channel's FIFO. It returns
	// immediately; completion is observed via Poll.
	Submit(req *Request) error

	// Poll drains and returns requests that completed since the last
	// call, with Request.Err populated.
	Poll() []*Request
}

// DmaEngine is the external DMA-engine collaborator. It
// maintains a monotonically increasing tail counter; the core records
// (reqTail, overflowCnt) at issue time and polls partial-done using that
// pair, per the design notes grounded on request_transform.c's
// CheckDoneNvmeDmaReq.
type DmaEngine interface {
	Submit(req *Request) (reqTail uint64, overflowCnt uint64, err error)
	// Done reports whether the request issued at (reqTail, overflowCnt)
	// has completed.
	Done(reqTail uint64, overflowCnt uint64) bool
}
