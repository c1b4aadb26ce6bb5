// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package addr defines the nominal address types used across the FTL core
// and the static arithmetic that converts between them.
//
// Grounded on openssd/src/address_translation.h (Vsa2Vdie/Vblock/Vpage,
// Vorg2Vsa, Vdie2Pch/Pway, Vbn2Pbn translations), keeping small, pure
// helper functions in their own file. LSA/VSA/VBN/PBA/Die are distinct
// types so the compiler rejects accidental confusion between address
// spaces.
package addr

import "fmt"

// LSA is a Logical Slice Address: the host-visible unit of mapping.
type LSA uint32

// VSA is a Virtual Slice Address: striped across dies.
type VSA uint32

// VBN is a Virtual Block Number, scoped to a single die.
type VBN uint32

// PBA is a Physical Block Address, scoped to a single die.
type PBA uint32

// Die identifies one channel/way pair.
type Die uint32

// Sentinel values, mirroring LSA_NONE/VSA_NONE/BLOCK_NONE/DIE_NONE in
// address_translation.h. Go has no natural 0xffffffff-as-nil convention
// for value types, so the NONE sentinels are kept explicit rather than
// papered over with pointers, matching the original's flat arrays.
const (
	NoneLSA LSA = 1<<32 - 1
	NoneVSA VSA = 1<<32 - 1
	NoneVBN VBN = 1<<32 - 1
	NonePBA PBA = 1<<32 - 1
	NoneDie Die = 1<<32 - 1
)

// Geometry carries the device constants needed to do address arithmetic.
// Nothing in this package is stateful beyond these dimensions: every
// method is pure and total over its documented domain, as specified by
// C4 ("pure arithmetic, inlined; no state").
type Geometry struct {
	Channels          uint32
	Ways              uint32
	UserBlocksPerDie  uint32
	TotalBlocksPerDie uint32
	LUNsPerDie        uint32
	PagesPerBlock     uint32
	SlicesPerBlock    uint32
}

// Dies returns CHANNELS * WAYS.
func (g Geometry) Dies() uint32 { return g.Channels * g.Ways }

// SlicesPerSSD returns DIES * USER_BLOCKS_PER_DIE * SLICES_PER_BLOCK.
func (g Geometry) SlicesPerSSD() uint32 {
	return g.Dies() * g.UserBlocksPerDie * g.SlicesPerBlock
}

// UserBlocksPerLUN returns the number of user blocks owned by one LUN.
func (g Geometry) UserBlocksPerLUN() uint32 {
	return g.UserBlocksPerDie / g.LUNsPerDie
}

// TotalBlocksPerLUN returns the number of total (user+spare) blocks per LUN.
func (g Geometry) TotalBlocksPerLUN() uint32 {
	return g.TotalBlocksPerDie / g.LUNsPerDie
}

// VsaToVdie implements Vsa2VdieTranslation.
func (g Geometry) VsaToVdie(v VSA) Die {
	return Die(uint32(v) % g.Dies())
}

// VsaToVblock implements Vsa2VblockTranslation.
func (g Geometry) VsaToVblock(v VSA) VBN {
	return VBN((uint32(v) / g.Dies()) / g.SlicesPerBlock)
}

// VsaToVpage implements Vsa2VpageTranslation.
func (g Geometry) VsaToVpage(v VSA) uint32 {
	return (uint32(v) / g.Dies()) % g.SlicesPerBlock
}

// VsaToVorg decomposes a VSA into (die, block, page) in one call.
func (g Geometry) VsaToVorg(v VSA) (die Die, block VBN, page uint32) {
	return g.VsaToVdie(v), g.VsaToVblock(v), g.VsaToVpage(v)
}

// VorgToVsa implements Vorg2VsaTranslation: the virtual slices sharing a
// page offset but living on different dies are grouped together, so the
// page offset selects the group and the die selects the member within it.
func (g Geometry) VorgToVsa(die Die, block VBN, page uint32) VSA {
	return VSA(uint32(die) + g.Dies()*(uint32(block)*g.SlicesPerBlock+page))
}

// DieToPchPway implements Vdie2PchTranslation / Vdie2PwayTranslation.
func (g Geometry) DieToPchPway(d Die) (ch, way uint32) {
	return uint32(d) % g.Channels, uint32(d) / g.Channels
}

// PchPwayToDie implements the inverse of DieToPchPway: die = ch + way*channels.
func (g Geometry) PchPwayToDie(ch, way uint32) Die {
	return Die(ch + way*g.Channels)
}

// VbnToPba implements the static, LUN-aware VBN->PBA translation:
//
//	PBA = (VBN / USER_BLOCKS_PER_LUN) * TOTAL_BLOCKS_PER_LUN + (VBN % USER_BLOCKS_PER_LUN)
func (g Geometry) VbnToPba(v VBN) PBA {
	ublun := g.UserBlocksPerLUN()
	tblun := g.TotalBlocksPerLUN()
	return PBA((uint32(v)/ublun)*tblun + uint32(v)%ublun)
}

// VpageToLsbPpage implements Vpage2PlsbPageTranslation, the pseudo-SLC
// page mapping used only by the BBT: virtual page 0 maps to physical
// page 0, but virtual page p>0 maps to 2p-1.
//
// Open question preserved from the original design notes: this makes
// virtual pages 0 and 1 collide on physical page 0. The BBT writer never
// stores at virtual page 0 (it starts at START_PAGE_NO_OF_BAD_BLOCK_TABLE_BLOCK,
// i.e. virtual page 1) specifically to avoid that collision; callers outside
// the BBT path must not rely on virtual page 0 through this function.
func VpageToLsbPpage(v uint32) uint32 {
	if v == 0 {
		return 0
	}
	return 2*v - 1
}

// CheckLSA panics if lsa is out of range for the given geometry: an
// out-of-range LSA reaching this point is a fatal programming error, not a
// recoverable condition.
func (g Geometry) CheckLSA(l LSA) {
	if uint32(l) >= g.SlicesPerSSD() {
		panic(fmt.Sprintf("addr: LSA %d out of range (slices per ssd = %d)", l, g.SlicesPerSSD()))
	}
}
