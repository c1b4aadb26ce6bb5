// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package ftl wires C1-C5 and the external collaborators into one bootable
// device, implementing the two-phase boot sequence and exposing the host
// command surface and the internal/metrics.Source accessors.
//
// Device plays the familiar role of a thin struct gluing a collaborator
// (a device handle) to the package's real logic; here the collaborators
// are the NAND controller/DMA engine instead of a kernel device node.
package ftl

import (
	"github.com/prometheus/common/log"

	"github.com/dswarbrick/ftlcore/internal/addr"
	"github.com/dswarbrick/ftlcore/internal/bbt"
	"github.com/dswarbrick/ftlcore/internal/blockmap"
	"github.com/dswarbrick/ftlcore/internal/config"
	"github.com/dswarbrick/ftlcore/internal/databuf"
	"github.com/dswarbrick/ftlcore/internal/hostif"
	"github.com/dswarbrick/ftlcore/internal/nandif"
	"github.com/dswarbrick/ftlcore/internal/scheduler"
	"github.com/dswarbrick/ftlcore/internal/slicemap"
)

// DefaultBufferCacheCapacity sizes the in-memory data-buffer cache
// (internal/databuf), an external collaborator stood in by
// databuf.FIFO for the simulator.
const DefaultBufferCacheCapacity = 64

// commonLog adapts github.com/prometheus/common/log's package-level
// functions to scheduler.Logger, matching the logging texture the rest of
// the corpus uses (e.g. talyz-systemd_exporter's systemd.go).
type commonLog struct{}

func (commonLog) Infof(format string, args ...interface{}) { log.Infof(format, args...) }
func (commonLog) Warnf(format string, args ...interface{}) { log.Warnf(format, args...) }

// Device is one bootable FTL instance: the five core components (C1-C5)
// plus the NAND controller, DMA engine and data-buffer cache it was built
// over.
type Device struct {
	cfg config.Config

	bbtTable *bbt.Table
	sliceMap *slicemap.Map
	blockMap *blockmap.Map
	sched    *scheduler.Scheduler

	ctrl  nandif.Controller
	dma   nandif.DmaEngine
	cache databuf.Cache

	booted bool
}

// New allocates a Device over the given collaborators. Boot must be called
// before any command is processed.
func New(cfg config.Config, ctrl nandif.Controller, dma nandif.DmaEngine) *Device {
	return &Device{
		cfg:   cfg,
		ctrl:  ctrl,
		dma:   dma,
		cache: databuf.NewFIFO(DefaultBufferCacheCapacity),
	}
}

// BootOptions controls the boot-time BBT recovery decision.
type BootOptions struct {
	// ForceRemake skips BBT recovery and runs a full bad-block scan on
	// every die, as if the on-flash table was declared untrustworthy. The
	// simulator binary wires this to its "press X to re-make the bad
	// block table" console prompt.
	ForceRemake bool
}

// Boot implements two-phase boot: first the bad-block
// table is loaded or rebuilt and bad user blocks are remapped (C1), then
// the per-die block map's free lists are populated (C3) and C2's slice map
// is allocated, and finally the scheduler (C5) is wired on top.
func (d *Device) Boot(opts BootOptions) error {
	geom := d.cfg.Geometry

	d.bbtTable = bbt.New(geom, d.ctrl, d.cfg.DataBytesPerPage)

	if opts.ForceRemake {
		dies := make([]addr.Die, geom.Dies())
		for i := range dies {
			dies[i] = addr.Die(i)
		}
		if err := d.bbtTable.Scan(dies); err != nil {
			return err
		}
	} else if err := d.bbtTable.Recover(); err != nil {
		return err
	}

	// Remap's unmapped return is a strict subset of what ResolvePBA already
	// reports as bad below (a VBN that failed to find a reserved spare
	// still resolves to its own, bad, PBA); the boot loop only needs
	// ResolvePBA. Every VBN, including VBN 0, goes through it: the block
	// holding the BBT itself (always PBA 0) is always bad, so VBN 0's
	// usability always hinges on whether Remap found it a spare.
	d.bbtTable.Remap(geom, log.Warnf)

	d.blockMap = blockmap.New(geom, d.cfg.ReservedFreeBlockCount)

	for die := addr.Die(0); uint32(die) < geom.Dies(); die++ {
		gotCurrent := false

		for vbn := addr.VBN(0); uint32(vbn) < geom.UserBlocksPerDie; vbn++ {
			if _, bad := d.bbtTable.ResolvePBA(geom, die, vbn); bad {
				d.blockMap.MarkBad(die, vbn)
				continue
			}

			if !gotCurrent {
				d.blockMap.SetCurrentBlock(die, vbn)
				gotCurrent = true
				continue
			}

			d.blockMap.PutFreeBlock(die, vbn)
		}
	}

	if startDie, ok := d.blockMap.FindDieForFreeSliceAllocation(); ok {
		d.blockMap.SetStartingDie(startDie)
	}

	d.sliceMap = slicemap.New(geom)

	bytesPerSlice := int(d.cfg.NvmeBlocksPerSlice) * scheduler.NvmeBlockBytes
	d.sched = scheduler.New(geom, d.sliceMap, d.blockMap, d.bbtTable, d.ctrl, d.dma, d.cache, commonLog{}, bytesPerSlice)

	d.booted = true
	return nil
}

// Submit runs one host command
// against the booted device.
func (d *Device) Submit(cmd hostif.Command, data []byte) ([]byte, error) {
	return d.sched.ProcessCommand(cmd, d.cfg.NvmeBlocksPerSlice, data)
}

// FlushBBT persists any grown-bad updates booked since the last flush,
// for callers that want an explicit checkpoint (e.g. before a clean
// shutdown).
func (d *Device) FlushBBT() error {
	return d.bbtTable.FlushDirty()
}

// Geometry exposes the device's address-space dimensions.
func (d *Device) Geometry() addr.Geometry { return d.cfg.Geometry }

// UsableCapacityMB implements internal/metrics.Source.
func (d *Device) UsableCapacityMB() uint64 {
	return d.bbtTable.UsableCapacityMB(d.cfg.BytesPerBlock)
}

// Dies implements internal/metrics.Source.
func (d *Device) Dies() uint32 { return d.cfg.Geometry.Dies() }

// FreeBlockCnt implements internal/metrics.Source.
func (d *Device) FreeBlockCnt(die addr.Die) uint32 { return d.sched.FreeBlockCnt(die) }

// GCTriggerCount implements internal/metrics.Source.
func (d *Device) GCTriggerCount() uint64 { return d.sched.GCTriggerCount() }

// BlockedReadCnt implements internal/metrics.Source.
func (d *Device) BlockedReadCnt() uint32 { return d.sched.BlockedReadCnt() }

// BlockedEraseCnt implements internal/metrics.Source.
func (d *Device) BlockedEraseCnt() uint32 { return d.sched.BlockedEraseCnt() }
