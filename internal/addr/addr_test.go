package addr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGeometry() Geometry {
	return Geometry{
		Channels:          2,
		Ways:              2,
		UserBlocksPerDie:  4,
		TotalBlocksPerDie: 6,
		LUNsPerDie:        1,
		PagesPerBlock:     4,
		SlicesPerBlock:    4,
	}
}

func TestDerivedDimensions(t *testing.T) {
	g := testGeometry()
	assert.EqualValues(t, 4, g.Dies())
	assert.EqualValues(t, 64, g.SlicesPerSSD())
	assert.EqualValues(t, 4, g.UserBlocksPerLUN())
	assert.EqualValues(t, 6, g.TotalBlocksPerLUN())
}

func TestVorgVsaRoundTrip(t *testing.T) {
	g := testGeometry()
	for die := Die(0); die < Die(g.Dies()); die++ {
		for block := VBN(0); block < VBN(g.UserBlocksPerDie); block++ {
			for page := uint32(0); page < g.SlicesPerBlock; page++ {
				vsa := g.VorgToVsa(die, block, page)
				gotDie, gotBlock, gotPage := g.VsaToVorg(vsa)
				require.Equal(t, die, gotDie)
				require.Equal(t, block, gotBlock)
				require.Equal(t, page, gotPage)
			}
		}
	}
}

func TestVsaStripesAcrossDies(t *testing.T) {
	g := testGeometry()
	for i := VSA(0); i < VSA(g.Dies()); i++ {
		assert.EqualValues(t, i, g.VsaToVdie(i))
	}
}

func TestDiePchPwayRoundTrip(t *testing.T) {
	g := testGeometry()
	for d := Die(0); d < Die(g.Dies()); d++ {
		ch, way := g.DieToPchPway(d)
		assert.Equal(t, d, g.PchPwayToDie(ch, way))
	}
}

func TestVbnToPba(t *testing.T) {
	g := testGeometry()
	// With 1 LUN per die, USER_BLOCKS_PER_LUN=4, TOTAL_BLOCKS_PER_LUN=6:
	// VBN 0..3 -> PBA 0..3 (reserved blocks 4,5 are never VBN targets).
	assert.EqualValues(t, 0, g.VbnToPba(0))
	assert.EqualValues(t, 3, g.VbnToPba(3))
}

func TestVpageToLsbPpage(t *testing.T) {
	assert.EqualValues(t, 0, VpageToLsbPpage(0))
	assert.EqualValues(t, 1, VpageToLsbPpage(1))
	assert.EqualValues(t, 3, VpageToLsbPpage(2))
	assert.EqualValues(t, 5, VpageToLsbPpage(3))
}

func TestCheckLSAPanicsOutOfRange(t *testing.T) {
	g := testGeometry()
	assert.Panics(t, func() { g.CheckLSA(LSA(g.SlicesPerSSD())) })
	assert.NotPanics(t, func() { g.CheckLSA(LSA(g.SlicesPerSSD() - 1)) })
}
