package hostif

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSingleSliceAligned(t *testing.T) {
	out := Split(Command{StartLba: 0, Nlb: 7, Opcode: OpWrite}, 8)
	require.Len(t, out, 1)
	assert.EqualValues(t, 0, out[0].Lsa)
	assert.EqualValues(t, 0, out[0].NvmeBlockOffset)
	assert.EqualValues(t, 8, out[0].NumBlocks)
}

// WRITE(lba=4, nlb=11), i.e. 12 blocks starting mid-slice, ending exactly
// on a slice boundary (16 % 8 == 0). The tail slice must not be generated.
func TestSplitCrossSliceNoTailOnBoundary(t *testing.T) {
	out := Split(Command{StartLba: 4, Nlb: 11, Opcode: OpWrite}, 8)
	require.Len(t, out, 2)

	assert.EqualValues(t, 0, out[0].Lsa)
	assert.EqualValues(t, 4, out[0].NvmeBlockOffset)
	assert.EqualValues(t, 4, out[0].NumBlocks)

	assert.EqualValues(t, 1, out[1].Lsa)
	assert.EqualValues(t, 0, out[1].NvmeBlockOffset)
	assert.EqualValues(t, 8, out[1].NumBlocks)
}

func TestSplitWithPartialTail(t *testing.T) {
	// lba=4, nlb=12 -> 13 blocks, range [4,17): head(4..7)=4, body(8..15)=8, tail(16)=1.
	out := Split(Command{StartLba: 4, Nlb: 12, Opcode: OpWrite}, 8)
	require.Len(t, out, 3)
	assert.EqualValues(t, 4, out[0].NumBlocks)
	assert.EqualValues(t, 8, out[1].NumBlocks)
	assert.EqualValues(t, 1, out[2].NumBlocks)
	assert.EqualValues(t, 2, out[2].Lsa)
}

func TestSplitMultiBodySlices(t *testing.T) {
	out := Split(Command{StartLba: 0, Nlb: 23}, 8) // 24 blocks = exactly 3 slices
	require.Len(t, out, 3)
	for i, sr := range out {
		assert.EqualValues(t, i, sr.Lsa)
		assert.EqualValues(t, 8, sr.NumBlocks)
	}
}
