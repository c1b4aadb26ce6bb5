// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package config holds the device geometry constants as named Go values
// rather than magic numbers. Tunables live as Go consts; this module
// additionally allows the geometry to be loaded from a YAML file the way
// drivedb.toml is loaded elsewhere, since a simulated device's
// dimensions are reasonably a run-time choice rather than a compile-time
// one.
package config

import (
	"io/ioutil"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/dswarbrick/ftlcore/internal/addr"
)

// DefaultNvmeBlocksPerSlice is B, the number of NVMe logical blocks per
// FTL slice.
const DefaultNvmeBlocksPerSlice = 8

// DefaultReservedFreeBlockCount matches RESERVED_FREE_BLOCK_COUNT.
const DefaultReservedFreeBlockCount = 1

// DefaultDataBytesPerPage is the data-region size of one NAND page, used to size
// the on-flash BBT byte array.
const DefaultDataBytesPerPage = 8192

// DefaultBytesPerBlock derives the reported-capacity unit.
const DefaultBytesPerBlock = 4 * 1024 * 1024

// Config is the full set of tunables for one simulated device.
type Config struct {
	addr.Geometry `yaml:",inline"`

	NvmeBlocksPerSlice     uint32 `yaml:"nvme_blocks_per_slice"`
	ReservedFreeBlockCount uint32 `yaml:"reserved_free_block_count"`
	DataBytesPerPage       uint32 `yaml:"data_bytes_per_page"`
	BytesPerBlock          uint64 `yaml:"bytes_per_block"`
}

// Default returns the reference Cosmos+-scale geometry used by the
// original firmware's default build, suitable for production-shaped runs.
func Default() Config {
	return Config{
		Geometry: addr.Geometry{
			Channels:          8,
			Ways:              2,
			UserBlocksPerDie:  4096,
			TotalBlocksPerDie: 4224,
			LUNsPerDie:        2,
			PagesPerBlock:     512,
			SlicesPerBlock:    512,
		},
		NvmeBlocksPerSlice:     DefaultNvmeBlocksPerSlice,
		ReservedFreeBlockCount: DefaultReservedFreeBlockCount,
		DataBytesPerPage:       DefaultDataBytesPerPage,
		BytesPerBlock:          DefaultBytesPerBlock,
	}
}

// Load reads a Config from a YAML file, falling back to Default() for any
// zero-valued field the file omits.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "open config %s", path)
	}
	defer f.Close()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}

	return cfg, nil
}

// Save writes cfg to path as YAML, for tests and for persisting a
// generated scratch geometry between simulator runs.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}
	return errors.Wrapf(ioutil.WriteFile(path, data, 0o644), "write config %s", path)
}

// UsedPagesForBBT returns USED_PAGES_FOR_BAD_BLOCK_TABLE_PER_DIE.
func (c Config) UsedPagesForBBT() uint32 {
	return c.TotalBlocksPerDie/c.DataBytesPerPage + 1
}
