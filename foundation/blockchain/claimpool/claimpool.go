// Package claimpool implements ClaimPool: the pool of unconfirmed
// transactions. It tracks, per claim, which outpoints it spends and which
// outputs it introduces so a later claim may chain on an earlier one,
// orders claims by fee for block-template assembly, and evicts claims that
// age out.
//
// Grounded on the teacher's foundation/blockchain/mempool: the
// map-of-entries shape and sync.RWMutex locking discipline are kept;
// selection is generalized from "group by account, sort by nonce then
// tip" (mempool/selector/tip.go) to "respect spend dependencies, then sort
// by fee" since a UTXO pool has no account/nonce concept.
package claimpool

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ardanlabs/ledger/foundation/blockchain/coin"
)

// Admission failure kinds (spec §4.3, §7 — these never touch persistent
// state, so plain sentinel errors are sufficient).
var (
	ErrAlreadyKnown     = errors.New("claimpool: transaction already in pool")
	ErrDoubleSpend      = errors.New("claimpool: coin already spent")
	ErrMissingInput     = errors.New("claimpool: input spends an unknown coin")
	ErrNegativeFee      = errors.New("claimpool: negative fee")
	ErrBelowMinFee      = errors.New("claimpool: fee below minimum")
	ErrImmatureCoinbase = errors.New("claimpool: input spends an immature coinbase")
	ErrSignatureInvalid = errors.New("claimpool: signature verification failed")
)

// UnspentLookup is the narrow view of the committed UTXO set ClaimPool
// consumes to resolve inputs. spendables.Trie and chainstore.Store both
// satisfy it.
type UnspentLookup interface {
	Find(coin.Outpoint) (coin.Unspent, bool)
}

// ScriptVerifier is the signature-checking collaborator consumed on
// admission when verify is requested (spec §6's verify_signature).
type ScriptVerifier interface {
	VerifySignature(prevOutput coin.Output, txn coin.Transaction, inputIndex int, strictP2SH bool, flags uint32) bool
}

// entry is one admitted claim.
type entry struct {
	txn      coin.Transaction
	hash     coin.Hash
	spents   []coin.Outpoint
	fee      int64
	admitted time.Time
}

// ClaimPool is the unconfirmed transaction pool.
type ClaimPool struct {
	mu       sync.RWMutex
	entries  map[coin.Hash]entry
	spentBy  map[coin.Outpoint]coin.Hash // outpoint -> claim that spends it.
	unspents UnspentLookup
	verifier ScriptVerifier
	minFee   int64
}

// New constructs an empty ClaimPool. unspents resolves inputs against the
// committed UTXO set; verifier checks signatures when admission is asked to
// verify; minFee rejects claims that pay less.
func New(unspents UnspentLookup, verifier ScriptVerifier, minFee int64) *ClaimPool {
	return &ClaimPool{
		entries:  make(map[coin.Hash]entry),
		spentBy:  make(map[coin.Outpoint]coin.Hash),
		unspents: unspents,
		verifier: verifier,
		minFee:   minFee,
	}
}

// TryAdmit runs the full input-resolution pipeline against committed
// Unspents and prior claims' outputs, returning the outpoints it would
// spend and the fee it pays without mutating the pool.
func (cp *ClaimPool) TryAdmit(txn coin.Transaction, tipHeight uint64, verify bool) ([]coin.Outpoint, int64, error) {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	hash := txn.TxHash()
	if _, ok := cp.entries[hash]; ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrAlreadyKnown, hash)
	}

	spents := make([]coin.Outpoint, 0, len(txn.Inputs))
	var valueIn int64

	for idx, in := range txn.Inputs {
		if _, claimed := cp.spentBy[in.PrevOutpoint]; claimed {
			return nil, 0, fmt.Errorf("%w: %s", ErrDoubleSpend, in.PrevOutpoint)
		}

		prevOut, u, ok := cp.resolveLocked(in.PrevOutpoint)
		if !ok {
			return nil, 0, fmt.Errorf("%w: %s", ErrMissingInput, in.PrevOutpoint)
		}

		if u != nil && u.IsCoinbase() && tipHeight < u.BlockCount()+coinbaseMaturity {
			return nil, 0, fmt.Errorf("%w: %s", ErrImmatureCoinbase, in.PrevOutpoint)
		}

		if verify && cp.verifier != nil {
			if !cp.verifier.VerifySignature(prevOut, txn, idx, true, 0) {
				return nil, 0, fmt.Errorf("%w: input %d", ErrSignatureInvalid, idx)
			}
		}

		valueIn += prevOut.Value
		spents = append(spents, in.PrevOutpoint)
	}

	var valueOut int64
	for _, out := range txn.Outputs {
		valueOut += out.Value
	}

	fee := valueIn - valueOut
	if fee < 0 {
		return nil, 0, fmt.Errorf("%w: %d", ErrNegativeFee, fee)
	}
	if fee < cp.minFee {
		return nil, 0, fmt.Errorf("%w: paid %d, need %d", ErrBelowMinFee, fee, cp.minFee)
	}

	return spents, fee, nil
}

// resolveLocked finds the output an outpoint refers to, checking pool
// entries first (so a claim may spend a prior claim's output) and falling
// back to the committed UTXO set. The *coin.Unspent return is nil when the
// coin came from the pool rather than the committed set, since maturity
// only applies to committed coinbase coins.
func (cp *ClaimPool) resolveLocked(op coin.Outpoint) (coin.Output, *coin.Unspent, bool) {
	for _, e := range cp.entries {
		if e.hash == op.Hash {
			if int(op.Index) < len(e.txn.Outputs) {
				return e.txn.Outputs[op.Index], nil, true
			}
			return coin.Output{}, nil, false
		}
	}

	u, ok := cp.unspents.Find(op)
	if !ok {
		return coin.Output{}, nil, false
	}
	return coin.Output{Value: u.Value, Script: u.Script}, &u, true
}

// coinbaseMaturity mirrors genesis.CoinbaseMaturity without importing the
// genesis package (claimpool must not depend on chain-parameter wiring).
const coinbaseMaturity = 100

// Insert admits an already-validated claim, as returned by TryAdmit.
func (cp *ClaimPool) Insert(txn coin.Transaction, spents []coin.Outpoint, fee int64) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	hash := txn.TxHash()
	if _, ok := cp.entries[hash]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyKnown, hash)
	}

	cp.entries[hash] = entry{
		txn:      txn,
		hash:     hash,
		spents:   spents,
		fee:      fee,
		admitted: admissionClock(),
	}
	for _, op := range spents {
		cp.spentBy[op] = hash
	}

	return nil
}

// admissionClock is split out so tests can observe deterministic ordering
// without depending on wall-clock time directly in assertions.
var admissionClock = time.Now

// Erase removes a claim from the pool without returning it to anyone;
// callers who need the removed transaction should read it with Get before
// erasing.
func (cp *ClaimPool) Erase(hash coin.Hash) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	cp.eraseLocked(hash)
}

func (cp *ClaimPool) eraseLocked(hash coin.Hash) {
	e, ok := cp.entries[hash]
	if !ok {
		return
	}
	for _, op := range e.spents {
		delete(cp.spentBy, op)
	}
	delete(cp.entries, hash)
}

// Purge evicts every claim admitted before olderThan, returning the
// transactions removed.
func (cp *ClaimPool) Purge(olderThan time.Time) []coin.Transaction {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	var evicted []coin.Transaction
	for hash, e := range cp.entries {
		if e.admitted.Before(olderThan) {
			evicted = append(evicted, e.txn)
			cp.eraseLocked(hash)
		}
	}

	return evicted
}

// Have reports whether hash is currently held by the pool.
func (cp *ClaimPool) Have(hash coin.Hash) bool {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	_, ok := cp.entries[hash]
	return ok
}

// Get returns the transaction held under hash, for unconfirmed-transaction
// lookups (spec §6's get_transaction).
func (cp *ClaimPool) Get(hash coin.Hash) (coin.Transaction, bool) {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	e, ok := cp.entries[hash]
	if !ok {
		return coin.Transaction{}, false
	}
	return e.txn, true
}

// Spent reports whether some pool claim already spends outpoint.
func (cp *ClaimPool) Spent(op coin.Outpoint) bool {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	_, ok := cp.spentBy[op]
	return ok
}

// Prev returns the output a pool-held outpoint refers to, for a transaction
// still held in the pool itself.
func (cp *ClaimPool) Prev(op coin.Outpoint) (coin.Output, bool) {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	e, ok := cp.entries[op.Hash]
	if !ok || int(op.Index) >= len(e.txn.Outputs) {
		return coin.Output{}, false
	}
	return e.txn.Outputs[op.Index], true
}

// Count reports how many claims the pool currently holds.
func (cp *ClaimPool) Count() int {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	return len(cp.entries)
}

// Transactions returns a fee-ordered selection of claims for block-template
// assembly, respecting intra-pool spend dependencies: a claim that spends
// another pool claim's output is never returned before that claim.
func (cp *ClaimPool) Transactions() ([]coin.Transaction, int64) {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	order := topologicalByFee(cp.entries)

	txns := make([]coin.Transaction, 0, len(order))
	var totalFee int64
	for _, hash := range order {
		e := cp.entries[hash]
		txns = append(txns, e.txn)
		totalFee += e.fee
	}

	return txns, totalFee
}

// topologicalByFee orders entries so dependencies precede dependents,
// breaking ties (and choosing among ready entries) by descending fee.
func topologicalByFee(entries map[coin.Hash]entry) []coin.Hash {
	dependsOn := make(map[coin.Hash]map[coin.Hash]bool, len(entries))
	for hash, e := range entries {
		deps := make(map[coin.Hash]bool)
		for _, op := range e.spents {
			if _, ok := entries[op.Hash]; ok && op.Hash != hash {
				deps[op.Hash] = true
			}
		}
		dependsOn[hash] = deps
	}

	var ordered []coin.Hash
	remaining := make(map[coin.Hash]bool, len(entries))
	for hash := range entries {
		remaining[hash] = true
	}

	for len(remaining) > 0 {
		var ready []coin.Hash
		for hash := range remaining {
			satisfied := true
			for dep := range dependsOn[hash] {
				if remaining[dep] {
					satisfied = false
					break
				}
			}
			if satisfied {
				ready = append(ready, hash)
			}
		}

		sort.Slice(ready, func(i, j int) bool {
			if entries[ready[i]].fee != entries[ready[j]].fee {
				return entries[ready[i]].fee > entries[ready[j]].fee
			}
			return ready[i].String() < ready[j].String()
		})

		for _, hash := range ready {
			ordered = append(ordered, hash)
			delete(remaining, hash)
		}
	}

	return ordered
}

// ClaimedOutput is one outpoint/output pair returned by Claimed.
type ClaimedOutput struct {
	Outpoint coin.Outpoint
	Output   coin.Output
}

// Claimed returns every pool-held output locked by script, for address
// queries against unconfirmed transactions.
func (cp *ClaimPool) Claimed(script []byte) []ClaimedOutput {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	var out []ClaimedOutput
	for hash, e := range cp.entries {
		for idx, o := range e.txn.Outputs {
			if string(o.Script) == string(script) {
				out = append(out, ClaimedOutput{
					Outpoint: coin.Outpoint{Hash: hash, Index: uint32(idx)},
					Output:   o,
				})
			}
		}
	}

	return out
}
