// Package genesis supplies the chain-parameter table the engine consumes
// but never defines itself: the genesis block, the subsidy schedule, the
// difficulty retarget rule, the checkpoint map, and the soft-fork
// activation timestamps named in spec §6. Production code loads Params from
// a JSON file the same way the teacher's Load loaded its own genesis file;
// tests construct Params literals directly.
package genesis

import (
	"encoding/json"
	"math/big"
	"os"

	"github.com/ardanlabs/ledger/foundation/blockchain/coin"
)

// SoftFork names a soft-fork activation gate whose time TimeStamp reports.
type SoftFork string

// Soft-fork identifiers TimeStamp accepts. engine.ChainParams does not
// include TimeStamp, so the engine applies both rules from genesis whatever
// activation time a Params table configures.
const (
	BIP16 SoftFork = "bip16" // strict P2SH evaluation.
	BIP30 SoftFork = "bip30" // unique coinbase outputs.
)

// CoinbaseMaturity is the number of further blocks required on the same
// chain before a coinbase output may be spent (invariant 3, spec §3).
const CoinbaseMaturity = 100

// Params is the concrete, JSON-loadable chain-parameter table. It satisfies
// engine.ChainParams.
type Params struct {
	ChainID uint16 `json:"chain_id"`

	GenesisHeader coin.BlockHeader     `json:"genesis_header"`
	Checkpoints   map[uint64]coin.Hash `json:"checkpoints"`

	// SoftForkTimes maps a SoftFork identifier to the block time at or
	// after which the rule is enforced. A zero time means "always".
	SoftForkTimes map[SoftFork]uint32 `json:"soft_fork_times"`

	InitialSubsidy    int64  `json:"initial_subsidy"`
	SubsidyHalvingGap uint64 `json:"subsidy_halving_gap"`

	PowLimitBits       uint32 `json:"pow_limit_bits"`
	RetargetInterval   uint64 `json:"retarget_interval"`
	TargetTimespanSecs uint32 `json:"target_timespan_secs"`

	EstimatedTotalBlocks uint64 `json:"estimated_total_blocks"`

	AcceptQuorum    uint64  `json:"accept_quorum"`
	AcceptMajority  float64 `json:"accept_majority"`
	EnforceQuorum   uint64  `json:"enforce_quorum"`
	EnforceMajority float64 `json:"enforce_majority"`
}

// Load reads a genesis parameter file, mirroring the teacher's own
// zblock/genesis.json convention but for the full chain-parameter table
// rather than a single mining config.
func Load(path string) (Params, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Params{}, err
	}

	var params Params
	if err := json.Unmarshal(content, &params); err != nil {
		return Params{}, err
	}

	return params, nil
}

// =============================================================================

// GenesisBlock returns the chain's block zero: a header with no transactions
// of its own beyond whatever the concrete table embeds.
func (p Params) GenesisBlock() coin.Block {
	return coin.Block{Header: p.GenesisHeader}
}

// Subsidy returns the block reward at the given height, halving every
// SubsidyHalvingGap blocks until it reaches zero.
func (p Params) Subsidy(height uint64) int64 {
	if p.SubsidyHalvingGap == 0 {
		return p.InitialSubsidy
	}

	halvings := height / p.SubsidyHalvingGap
	if halvings >= 64 {
		return 0
	}

	return p.InitialSubsidy >> halvings
}

// Checkpoint reports whether a checkpoint is registered at height, and
// whether hash matches it when one is.
func (p Params) Checkpoint(height uint64, hash coin.Hash) bool {
	want, ok := p.Checkpoints[height]
	if !ok {
		return true
	}
	return want == hash
}

// TimeStamp returns the block time at or after which the named soft fork is
// enforced.
func (p Params) TimeStamp(fork SoftFork) uint32 {
	return p.SoftForkTimes[fork]
}

// TotalBlocksEstimate reports the operator-supplied estimate of total chain
// length, used for sync-progress reporting.
func (p Params) TotalBlocksEstimate() uint64 {
	return p.EstimatedTotalBlocks
}

// LastCheckpointHeight returns the height of the highest registered
// checkpoint, or 0 when none are registered. Engine.append uses this to
// refuse a branch point below the last checkpoint (spec.md §4.5 step 7).
func (p Params) LastCheckpointHeight() uint64 {
	var last uint64
	for h := range p.Checkpoints {
		if h > last {
			last = h
		}
	}
	return last
}

// Quorums returns the window sizes and majority fractions the engine scans
// for min_accepted_version (AcceptQuorum/AcceptMajority) and for enforced
// coinbase commitments (EnforceQuorum/EnforceMajority), per spec.md §4.5.
func (p Params) Quorums() (acceptQuorum uint64, acceptMajority float64, enforceQuorum uint64, enforceMajority float64) {
	return p.AcceptQuorum, p.AcceptMajority, p.EnforceQuorum, p.EnforceMajority
}

// RetargetWindow returns the number of blocks between difficulty retargets,
// so the engine knows which ancestor is "the first block of the period"
// when calling NextWorkRequired.
func (p Params) RetargetWindow() uint64 {
	return p.RetargetInterval
}

// NextWorkRequired implements the classic Bitcoin-style retarget: every
// RetargetInterval blocks the target is scaled by the ratio of actual to
// target timespan, clamped to a factor of 4 in either direction and capped
// at the PowLimitBits target (a floor on difficulty). Between retarget boundaries the
// previous block's bits are carried forward unchanged.
func (p Params) NextWorkRequired(prevBits uint32, heightOfPrev uint64, firstBlockTime, lastBlockTime uint32) uint32 {
	if p.RetargetInterval == 0 || (heightOfPrev+1)%p.RetargetInterval != 0 {
		return prevBits
	}

	actualTimespan := int64(lastBlockTime) - int64(firstBlockTime)
	target := int64(p.TargetTimespanSecs)

	minSpan := target / 4
	maxSpan := target * 4
	switch {
	case actualTimespan < minSpan:
		actualTimespan = minSpan
	case actualTimespan > maxSpan:
		actualTimespan = maxSpan
	}

	newTarget := coin.CompactToBig(prevBits)
	newTarget.Mul(newTarget, big.NewInt(actualTimespan))
	newTarget.Div(newTarget, big.NewInt(target))

	powLimit := coin.CompactToBig(p.PowLimitBits)
	if newTarget.Cmp(powLimit) > 0 {
		newTarget = powLimit
	}

	return coin.BigToCompact(newTarget)
}
