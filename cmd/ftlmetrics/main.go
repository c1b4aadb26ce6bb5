// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// ftlmetrics boots a simulated FTL device and serves its operational state
// (internal/metrics) as Prometheus metrics over HTTP, in the shape of the
// corpus's other kingpin-flagged exporter binaries.
package main

import (
	"math/rand"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/log"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/dswarbrick/ftlcore/internal/config"
	"github.com/dswarbrick/ftlcore/internal/ftl"
	"github.com/dswarbrick/ftlcore/internal/hostif"
	"github.com/dswarbrick/ftlcore/internal/metrics"
	"github.com/dswarbrick/ftlcore/internal/nandif/simnand"
	"github.com/dswarbrick/ftlcore/internal/scheduler"
)

var (
	listenAddress = kingpin.Flag("web.listen-address", "Address to listen on for telemetry.").Default(":9633").String()
	metricsPath   = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics.").Default("/metrics").String()
	configPath    = kingpin.Flag("config", "Device geometry YAML file (defaults to the reference geometry).").String()
	namespace     = kingpin.Flag("metric-namespace", "Prometheus metric namespace prefix.").Default("ftlcore").String()
	workloadEvery = kingpin.Flag("workload-interval", "How often to drive a small simulated write/read workload, to keep the exported gauges moving. Zero disables it.").Default("2s").Duration()
)

func main() {
	kingpin.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
		cfg = loaded
	}

	ctrl := simnand.New(cfg.Geometry, cfg.DataBytesPerPage)
	dma := &simnand.DmaEngine{}

	dev := ftl.New(cfg, ctrl, dma)
	if err := dev.Boot(ftl.BootOptions{}); err != nil {
		log.Fatalf("boot failed: %v", err)
	}

	prometheus.MustRegister(metrics.NewCollector(*namespace, dev))

	if *workloadEvery > 0 {
		go driveWorkload(dev, cfg, *workloadEvery)
	}

	http.Handle(*metricsPath, promhttp.Handler())
	log.Infof("serving %s metrics on %s%s", *namespace, *listenAddress, *metricsPath)
	log.Fatal(http.ListenAndServe(*listenAddress, nil))
}

// driveWorkload issues one small write or read host command every interval
// forever, so the exported gauges (free-block counts, GC triggers, blocked
// queue depths) reflect an actively-used device rather than a freshly
// booted, idle one.
func driveWorkload(dev *ftl.Device, cfg config.Config, interval time.Duration) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	sliceBytes := int(cfg.NvmeBlocksPerSlice) * scheduler.NvmeBlockBytes
	const lsaRange = 64

	for range time.Tick(interval) {
		lba := uint64(rng.Intn(lsaRange)) * uint64(cfg.NvmeBlocksPerSlice)

		if rng.Intn(2) == 0 {
			data := make([]byte, sliceBytes)
			rng.Read(data)
			cmd := hostif.Command{StartLba: lba, Nlb: cfg.NvmeBlocksPerSlice - 1, Opcode: hostif.OpWrite}
			if _, err := dev.Submit(cmd, data); err != nil {
				log.Warnf("workload write failed: %v", err)
			}
			continue
		}

		cmd := hostif.Command{StartLba: lba, Nlb: cfg.NvmeBlocksPerSlice - 1, Opcode: hostif.OpRead}
		if _, err := dev.Submit(cmd, nil); err != nil {
			log.Warnf("workload read failed: %v", err)
		}
	}
}
