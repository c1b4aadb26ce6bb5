// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// ftlsim drives an in-memory simulated NAND device (internal/nandif/simnand)
// through internal/ftl's boot sequence and host command pipeline, exercising
// a small write/read/readback workload and reporting the resulting device
// health metrics.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/dswarbrick/ftlcore/internal/addr"
	"github.com/dswarbrick/ftlcore/internal/config"
	"github.com/dswarbrick/ftlcore/internal/ftl"
	"github.com/dswarbrick/ftlcore/internal/hostif"
	"github.com/dswarbrick/ftlcore/internal/nandif/simnand"
	"github.com/dswarbrick/ftlcore/internal/scheduler"
)

func main() {
	configPath := flag.String("config", "", "device geometry YAML file (defaults to a small built-in geometry)")
	saveConfig := flag.String("save-config", "", "write the effective config to this path and exit")
	ops := flag.Int("ops", 200, "number of simulated write/read host commands to issue")
	promptTimeout := flag.Duration("prompt-timeout", 3*time.Second, "how long to wait for the boot console prompt")
	noPrompt := flag.Bool("no-prompt", false, "skip the boot console prompt entirely")
	flag.Parse()

	cfg := smallSimGeometry()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}

	if *saveConfig != "" {
		if err := config.Save(*saveConfig, cfg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("wrote config to", *saveConfig)
		return
	}

	fmt.Println("ftlsim: in-memory FTL core simulator")
	fmt.Printf("geometry: %d channels x %d ways, %d user blocks/die, %d pages/block\n",
		cfg.Channels, cfg.Ways, cfg.UserBlocksPerDie, cfg.PagesPerBlock)

	remake := false
	if !*noPrompt {
		fmt.Printf("Press 'x' within %s to re-make the bad block table, any other key to boot normally...\n", *promptTimeout)
		if key, ok := readKeyWithTimeout(*promptTimeout); ok && (key == 'x' || key == 'X') {
			remake = true
		}
	}

	ctrl := simnand.New(cfg.Geometry, cfg.DataBytesPerPage)
	dma := &simnand.DmaEngine{}

	dev := ftl.New(cfg, ctrl, dma)
	if err := dev.Boot(ftl.BootOptions{ForceRemake: remake}); err != nil {
		fmt.Fprintln(os.Stderr, "boot failed:", err)
		os.Exit(1)
	}
	fmt.Printf("boot complete: usable capacity %s across %d dies\n", formatBytes(dev.UsableCapacityMB()*1024*1024), dev.Dies())

	runWorkload(dev, cfg, *ops)

	if err := dev.FlushBBT(); err != nil {
		fmt.Fprintln(os.Stderr, "bbt flush failed:", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("final device health:")
	fmt.Printf("  usable capacity:   %s\n", formatBytes(dev.UsableCapacityMB()*1024*1024))
	fmt.Printf("  gc triggers:       %d\n", dev.GCTriggerCount())
	fmt.Printf("  blocked reads:     %d\n", dev.BlockedReadCnt())
	fmt.Printf("  blocked erases:    %d\n", dev.BlockedEraseCnt())
	for d := addr.Die(0); uint32(d) < dev.Dies(); d++ {
		fmt.Printf("  die %d free blocks: %d\n", d, dev.FreeBlockCnt(d))
	}
}

// smallSimGeometry is a geometry sized for a quick interactive run, small
// enough to boot and scan instantly. With 16 user blocks of 8 pages per
// die and a reserve of 1, a die's first garbage collection comes on its
// 121st slice write (about 480 host writes across the 4 dies).
func smallSimGeometry() config.Config {
	return config.Config{
		Geometry: addr.Geometry{
			Channels:          2,
			Ways:              2,
			UserBlocksPerDie:  16,
			TotalBlocksPerDie: 20,
			LUNsPerDie:        1,
			PagesPerBlock:     8,
			SlicesPerBlock:    8,
		},
		NvmeBlocksPerSlice:     8,
		ReservedFreeBlockCount: 1,
		DataBytesPerPage:       4096,
		BytesPerBlock:          4 * 1024 * 1024,
	}
}

// runWorkload issues n random write/read host commands over a small LSA
// range, verifying every readback against the last data written to that
// LSA.
func runWorkload(dev *ftl.Device, cfg config.Config, n int) {
	rng := rand.New(rand.NewSource(1))
	sliceBytes := int(cfg.NvmeBlocksPerSlice) * scheduler.NvmeBlockBytes
	const lsaRange = 8

	last := make(map[uint64][]byte, lsaRange)
	var mismatches int

	for i := 0; i < n; i++ {
		lba := uint64(rng.Intn(lsaRange)) * uint64(cfg.NvmeBlocksPerSlice)

		if rng.Intn(2) == 0 {
			data := make([]byte, sliceBytes)
			rng.Read(data)
			cmd := hostif.Command{StartLba: lba, Nlb: cfg.NvmeBlocksPerSlice - 1, Opcode: hostif.OpWrite}
			if _, err := dev.Submit(cmd, data); err != nil {
				fmt.Fprintln(os.Stderr, "write failed:", err)
				os.Exit(1)
			}
			last[lba] = data
		} else {
			cmd := hostif.Command{StartLba: lba, Nlb: cfg.NvmeBlocksPerSlice - 1, Opcode: hostif.OpRead}
			out, err := dev.Submit(cmd, nil)
			if err != nil {
				fmt.Fprintln(os.Stderr, "read failed:", err)
				os.Exit(1)
			}
			if want, ok := last[lba]; ok && string(want) != string(out) {
				mismatches++
			}
		}
	}

	fmt.Printf("workload: %d commands issued, %d readback mismatches\n", n, mismatches)
}
