package ftl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dswarbrick/ftlcore/internal/addr"
	"github.com/dswarbrick/ftlcore/internal/config"
	"github.com/dswarbrick/ftlcore/internal/hostif"
	"github.com/dswarbrick/ftlcore/internal/nandif/simnand"
	"github.com/dswarbrick/ftlcore/internal/scheduler"
)

func testConfig() config.Config {
	return config.Config{
		Geometry: addr.Geometry{
			Channels:          2,
			Ways:              2,
			UserBlocksPerDie:  4,
			TotalBlocksPerDie: 6,
			LUNsPerDie:        1,
			PagesPerBlock:     4,
			SlicesPerBlock:    4,
		},
		NvmeBlocksPerSlice:     8,
		ReservedFreeBlockCount: 1,
		DataBytesPerPage:       4096,
		BytesPerBlock:          4 * 1024 * 1024,
	}
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func TestBootThenWriteReadRoundTrip(t *testing.T) {
	cfg := testConfig()
	ctrl := simnand.New(cfg.Geometry, cfg.DataBytesPerPage)
	dma := &simnand.DmaEngine{}

	dev := New(cfg, ctrl, dma)
	require.NoError(t, dev.Boot(BootOptions{}))

	sliceBytes := int(cfg.NvmeBlocksPerSlice) * scheduler.NvmeBlockBytes
	data := pattern(sliceBytes, 0x11)

	_, err := dev.Submit(hostif.Command{
		StartLba: 0,
		Nlb:      cfg.NvmeBlocksPerSlice - 1,
		Opcode:   hostif.OpWrite,
	}, data)
	require.NoError(t, err)

	out, err := dev.Submit(hostif.Command{
		StartLba: 0,
		Nlb:      cfg.NvmeBlocksPerSlice - 1,
		Opcode:   hostif.OpRead,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestBootForceRemakeScansFreshFlash(t *testing.T) {
	cfg := testConfig()
	ctrl := simnand.New(cfg.Geometry, cfg.DataBytesPerPage)
	dma := &simnand.DmaEngine{}

	dev := New(cfg, ctrl, dma)
	require.NoError(t, dev.Boot(BootOptions{ForceRemake: true}))

	assert.Equal(t, cfg.Geometry.Dies(), dev.Dies())
}

func TestMetricsSourceAccessorsAfterBoot(t *testing.T) {
	cfg := testConfig()
	ctrl := simnand.New(cfg.Geometry, cfg.DataBytesPerPage)
	dma := &simnand.DmaEngine{}

	dev := New(cfg, ctrl, dma)
	require.NoError(t, dev.Boot(BootOptions{}))

	assert.Equal(t, cfg.Geometry.Dies(), dev.Dies())
	assert.Greater(t, dev.UsableCapacityMB(), uint64(0))

	var total uint32
	for d := addr.Die(0); uint32(d) < dev.Dies(); d++ {
		total += dev.FreeBlockCnt(d)
	}
	// 4 user blocks/die, one becomes the initial working block, none bad.
	assert.Equal(t, uint32(3)*cfg.Geometry.Dies(), total)

	assert.Equal(t, uint64(0), dev.GCTriggerCount())
	assert.Equal(t, uint32(0), dev.BlockedReadCnt())
	assert.Equal(t, uint32(0), dev.BlockedEraseCnt())
}

func TestBootFactoryBadBlockShrinksUsableCapacity(t *testing.T) {
	cfgGood := testConfig()
	ctrlGood := simnand.New(cfgGood.Geometry, cfgGood.DataBytesPerPage)
	devGood := New(cfgGood, ctrlGood, &simnand.DmaEngine{})
	require.NoError(t, devGood.Boot(BootOptions{}))
	fullCapacity := devGood.UsableCapacityMB()

	cfgBad := testConfig()
	ctrlBad := simnand.New(cfgBad.Geometry, cfgBad.DataBytesPerPage)
	ctrlBad.MarkFactoryBad(0, 1)
	devBad := New(cfgBad, ctrlBad, &simnand.DmaEngine{})
	require.NoError(t, devBad.Boot(BootOptions{}))

	assert.Less(t, devBad.UsableCapacityMB(), fullCapacity)
}

func TestPhysicalReadWritePassesThroughSliceMap(t *testing.T) {
	cfg := testConfig()
	ctrl := simnand.New(cfg.Geometry, cfg.DataBytesPerPage)
	dev := New(cfg, ctrl, &simnand.DmaEngine{})
	require.NoError(t, dev.Boot(BootOptions{}))

	sliceBytes := int(cfg.NvmeBlocksPerSlice) * scheduler.NvmeBlockBytes
	data := pattern(sliceBytes, 0x55)

	// VSA 0 is die 0, vbn = currentBlock, page 0: always safe to address
	// directly right after boot.
	_, err := dev.Submit(hostif.Command{
		StartLba: 0,
		Nlb:      cfg.NvmeBlocksPerSlice - 1,
		Opcode:   hostif.OpPhyWrite,
	}, data)
	require.NoError(t, err)

	out, err := dev.Submit(hostif.Command{
		StartLba: 0,
		Nlb:      cfg.NvmeBlocksPerSlice - 1,
		Opcode:   hostif.OpPhyRead,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}
