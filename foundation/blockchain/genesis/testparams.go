package genesis

import "github.com/ardanlabs/ledger/foundation/blockchain/coin"

// MinDifficultyBits is the compact encoding whose Difficulty() is exactly
// 1.0 — the easiest target a default test chain mines against.
const MinDifficultyBits = 0x1d00ffff

// TestParams returns a minimal, deterministic chain-parameter table meant
// for unit tests and the scenarios of spec §8 (S1-S6): a genesis block with
// no transactions, a 50-coin subsidy (in base units) halving every 210,000
// blocks, no checkpoints, and every soft fork active from genesis.
func TestParams() Params {
	return Params{
		ChainID: 1,
		GenesisHeader: coin.BlockHeader{
			Version:    1,
			PrevHash:   coin.ZeroHash,
			MerkleRoot: coin.ZeroHash,
			TimeStamp:  1231006505,
			Bits:       MinDifficultyBits,
		},
		Checkpoints:        map[uint64]coin.Hash{},
		SoftForkTimes:      map[SoftFork]uint32{BIP16: 0, BIP30: 0},
		InitialSubsidy:     50_0000_0000,
		SubsidyHalvingGap:  210_000,
		PowLimitBits:       MinDifficultyBits,
		RetargetInterval:   2016,
		TargetTimespanSecs: 14 * 24 * 60 * 60,
		AcceptQuorum:       100,
		AcceptMajority:     0.75,
		EnforceQuorum:      100,
		EnforceMajority:    0.95,
	}
}
