package engine

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ardanlabs/ledger/foundation/blockchain/chainstore"
	"github.com/ardanlabs/ledger/foundation/blockchain/coin"
	"github.com/ardanlabs/ledger/foundation/blockchain/merkle"
)

// GetBlockHeader retrieves the header committed at count.
func (e *LedgerEngine) GetBlockHeader(count uint64) (coin.BlockHeader, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	h, err := e.store.GetBlock(count)
	if err != nil {
		if errors.Is(err, chainstore.ErrNotFound) {
			return coin.BlockHeader{}, reject("not-found", err)
		}
		return coin.BlockHeader{}, err
	}
	return h, nil
}

// GetBlock reassembles the full block at hash, whether it is still held as
// a pending (not yet committed, or side-branch) body or is a historical
// committed block reconstructed from the store.
func (e *LedgerEngine) GetBlock(hash coin.Hash) (coin.Block, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	it := e.tree.Find(hash)
	if !it.Valid() {
		return coin.Block{}, false
	}

	if blk, ok := e.pendingBodies[hash]; ok {
		return blk, true
	}

	count, ok := e.tree.Count(it)
	if !ok {
		return coin.Block{}, false
	}

	header, err := e.store.GetBlock(count)
	if err != nil {
		return coin.Block{}, false
	}

	confs, err := e.store.ConfirmationsForBlock(count)
	if err != nil {
		return coin.Block{}, false
	}
	sort.Slice(confs, func(i, j int) bool { return confs[i].Index < confs[j].Index })

	txns := make([]coin.Transaction, 0, len(confs))
	for _, c := range confs {
		txn, err := e.loadTransaction(c)
		if err != nil {
			return coin.Block{}, false
		}
		txns = append(txns, txn)
	}

	return coin.Block{Header: header, Transactions: txns}, true
}

// loadTransaction reconstructs a committed transaction from its
// confirmation: inputs from the coins it consumed (Spendings where this
// confirmation is the consumer), outputs from the coins it issued — whether
// still unspent or themselves since spent. A coinbase's original input
// script (height/commitment push) is not persisted anywhere once committed,
// so it is reconstructed as a null-outpoint placeholder; see DESIGN.md.
func (e *LedgerEngine) loadTransaction(conf coin.Confirmation) (coin.Transaction, error) {
	inputs := []coin.Input{{PrevOutpoint: coin.NullOutpoint}}
	if !conf.IsCoinbase() {
		spent, err := e.store.SpendingsForConfirmation(conf.ID)
		if err != nil {
			return coin.Transaction{}, err
		}
		sort.Slice(spent, func(i, j int) bool { return spent[i].CoinID < spent[j].CoinID })

		inputs = make([]coin.Input, len(spent))
		for i, sp := range spent {
			inputs[i] = coin.Input{PrevOutpoint: sp.Outpoint, SigScript: sp.SigScript, Sequence: sp.Sequence}
		}
	}

	unspentOuts, err := e.store.UnspentsByConfirmation(conf.ID)
	if err != nil {
		return coin.Transaction{}, err
	}
	spentOuts, err := e.store.SpendingsByIssuer(conf.ID)
	if err != nil {
		return coin.Transaction{}, err
	}

	outputs := make([]coin.Output, len(unspentOuts)+len(spentOuts))
	for _, u := range unspentOuts {
		outputs[u.Outpoint.Index] = coin.Output{Value: u.Value, Script: u.Script}
	}
	for _, sp := range spentOuts {
		outputs[sp.Outpoint.Index] = coin.Output{Value: sp.Value, Script: sp.Script}
	}

	return coin.Transaction{
		Version:  conf.Version,
		Inputs:   inputs,
		Outputs:  outputs,
		LockTime: conf.LockTime,
	}, nil
}

// GetTransaction resolves a transaction by hash, checking ClaimPool first
// (so the latest unconfirmed version is returned) and falling back to the
// committed store.
func (e *LedgerEngine) GetTransaction(hash coin.Hash) (coin.Transaction, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if txn, ok := e.pool.Get(hash); ok {
		return txn, true
	}

	confID, err := e.store.ConfirmationByTxHash(hash)
	if err != nil {
		return coin.Transaction{}, false
	}
	conf, err := e.store.GetConfirmation(confID)
	if err != nil {
		return coin.Transaction{}, false
	}
	txn, err := e.loadTransaction(conf)
	if err != nil {
		return coin.Transaction{}, false
	}
	return txn, true
}

// UnconfirmedTransactions returns ClaimPool's fee-ordered, dependency-
// respecting selection.
func (e *LedgerEngine) UnconfirmedTransactions() []coin.Transaction {
	e.mu.RLock()
	defer e.mu.RUnlock()

	txns, _ := e.pool.Transactions()
	return txns
}

// HaveBlock reports whether hash is known to the BlockTree, committed or
// not.
func (e *LedgerEngine) HaveBlock(hash coin.Hash) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.tree.Find(hash).Valid()
}

// HaveTx reports whether hash is held by ClaimPool. Open Question (i): the
// store is never consulted here — GetTransaction is the only path that can
// return a confirmed transaction.
func (e *LedgerEngine) HaveTx(hash coin.Hash) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.pool.Have(hash)
}

// IsSpent reports whether outpoint is absent from the committed UTXO set,
// checking both the authenticated trie and the immature-coinbase holding
// pen (spec §3: immaturity delays trie insertion, not store insertion, so
// an immature coinbase is still an existing, unspent coin). It does not
// distinguish "spent" from "never existed" — both read as spent, since the
// trie alone cannot tell them apart without a full historical scan.
func (e *LedgerEngine) IsSpent(op coin.Outpoint) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	_, ok := e.trie.FindAny(op)
	return !ok
}

// IsInMainChain reports whether hash sits on the path from genesis to the
// current best tip.
func (e *LedgerEngine) IsInMainChain(hash coin.Hash) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.tree.IsMainChain(e.tree.Find(hash))
}

// GetHeight returns hash's signed height: negative for a side-branch block.
func (e *LedgerEngine) GetHeight(hash coin.Hash) (int64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.tree.Height(e.tree.Find(hash))
}

// GetUnspents lists committed coins locked by script that were introduced
// before beforeCount, for address-indexed queries.
func (e *LedgerEngine) GetUnspents(script []byte, beforeCount uint64) ([]coin.Unspent, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.store.UnspentsByScript(script, beforeCount)
}

// GetDifficulty reports the human-readable difficulty multiple of the
// block at hash.
func (e *LedgerEngine) GetDifficulty(hash coin.Hash) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ref, ok := e.tree.Ref(e.tree.Find(hash))
	if !ok {
		return 0, false
	}
	return coin.Difficulty(ref.Bits), true
}

// GetBestLocator builds a sparse locator from the current best tip: the
// last 10 heights at step 1, then doubling the step, always ending at
// genesis.
func (e *LedgerEngine) GetBestLocator() coin.BlockLocator {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var loc coin.BlockLocator

	cur := e.tree.Best()
	step := 1
	genesis := e.tree.Begin()

	for cur.Valid() {
		loc = append(loc, cur.Hash())
		if genesis.Valid() && cur.Hash() == genesis.Hash() {
			return loc
		}
		if len(loc) >= 10 {
			step *= 2
		}

		next := cur
		for i := 0; i < step; i++ {
			next = e.tree.Parent(next)
			if !next.Valid() {
				break
			}
		}
		if !next.Valid() {
			break
		}
		cur = next
	}

	if genesis.Valid() && (len(loc) == 0 || loc[len(loc)-1] != genesis.Hash()) {
		loc = append(loc, genesis.Hash())
	}
	return loc
}

// GetDistanceBack reports how many blocks back from the current tip the
// first locator entry still on the main chain sits.
func (e *LedgerEngine) GetDistanceBack(locator coin.BlockLocator) (uint64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tip := e.tipHeightLocked()
	for _, h := range locator {
		it := e.tree.Find(h)
		if !it.Valid() || !e.tree.IsMainChain(it) {
			continue
		}
		height, ok := e.tree.Height(it)
		if !ok || height < 0 {
			continue
		}
		return tip - uint64(height), true
	}
	return 0, false
}

// =============================================================================

// Payee is one split of a block template's coinbase reward, given as an
// integer share rather than a pre-normalized fraction: BlockChain.cpp's
// getBlockTemplate takes the reward and fee splits as per-payee nominators
// over a shared denominator, not floats, so that the split is exact and the
// coinbase always sums to subsidy+fee.
type Payee struct {
	Script      []byte
	RewardShare int64
	FeeShare    int64
}

// splitCoinbase divides subsidy and fees across payees by integer share,
// mirroring BlockChain.cpp:1093-1106: the denominator is the sum of reward
// shares (or len(payees) for an equal split when every share is 0), the fee
// denominator is the sum of fee shares (or the reward denominator when every
// fee share is 0), and whatever integer division truncates off is credited
// to payee 0 so the coinbase sums to exactly subsidy+fee.
func splitCoinbase(subsidy, fees int64, payees []Payee) []coin.Output {
	var denominator, feeDenominator int64
	for _, p := range payees {
		denominator += p.RewardShare
		feeDenominator += p.FeeShare
	}

	equalSplit := denominator == 0
	if equalSplit {
		denominator = int64(len(payees))
	}
	feesByReward := feeDenominator == 0
	if feesByReward {
		feeDenominator = denominator
	}

	outputs := make([]coin.Output, 0, len(payees))
	for i, p := range payees {
		nominator := p.RewardShare
		if equalSplit {
			nominator = 1
		}
		feeNominator := p.FeeShare
		if feesByReward {
			feeNominator = nominator
		}

		value := nominator*subsidy/denominator + feeNominator*fees/feeDenominator
		if i == 0 {
			value += subsidy%denominator + fees%feeDenominator
		}
		outputs = append(outputs, coin.Output{Value: value, Script: p.Script})
	}
	return outputs
}

// GetBlockTemplate assembles a candidate block extending the current best
// tip: ClaimPool's fee-ordered selection plus a coinbase splitting the
// subsidy and collected fees across payees per their shares.
func (e *LedgerEngine) GetBlockTemplate(payees []Payee) (coin.Block, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(payees) == 0 {
		return coin.Block{}, reject("no-payees", fmt.Errorf("block template requires at least one payee"))
	}

	tipIt := e.tree.Best()
	tipRef, ok := e.tree.Ref(tipIt)
	if !ok {
		return coin.Block{}, reject("no-tip", fmt.Errorf("engine has no tip"))
	}
	tipCount, _ := e.tree.Count(tipIt)
	height := tipCount

	subsidy := e.params.Subsidy(height)
	txns, fees := e.pool.Transactions()

	outputs := splitCoinbase(subsidy, fees, payees)

	coinbase := coin.Transaction{
		Version: 1,
		Inputs: []coin.Input{{
			PrevOutpoint: coin.NullOutpoint,
			SigScript:    encodeCoinbaseCommitment(height, e.trie.Root()),
		}},
		Outputs: outputs,
	}

	all := make([]coin.Transaction, 0, len(txns)+1)
	all = append(all, coinbase)
	all = append(all, txns...)

	header := coin.BlockHeader{
		Version:   1,
		PrevHash:  tipRef.Hash,
		TimeStamp: uint32(e.clock.Now().Unix()),
		Bits:      e.expectedBits(tipIt, tipRef, tipCount-1),
	}

	if len(all) > 0 {
		tree, err := merkle.NewTree(all)
		if err != nil {
			return coin.Block{}, fmt.Errorf("engine: block template merkle root: %w", err)
		}
		copy(header.MerkleRoot[:], tree.MerkleRoot)
	}

	return coin.Block{Header: header, Transactions: all}, nil
}

// encodeCoinbaseCommitment builds the height+trie-root push
// enforceCoinbaseCommitment checks for, so templates this engine produces
// always satisfy its own enforcement rule.
func encodeCoinbaseCommitment(height uint64, root coin.Hash) []byte {
	buf := make([]byte, 4, 4+len(root))
	buf[0] = byte(height)
	buf[1] = byte(height >> 8)
	buf[2] = byte(height >> 16)
	buf[3] = byte(height >> 24)
	return append(buf, root[:]...)
}
