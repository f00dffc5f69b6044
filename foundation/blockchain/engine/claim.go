package engine

import "github.com/ardanlabs/ledger/foundation/blockchain/coin"

// Claim admits txn into ClaimPool (spec §6's submit_transaction). verify
// asks TryAdmit to check input signatures, as a peer-submitted transaction
// should but a reorg's re-admission of an already-verified detached
// transaction should not (append.go's reconcilePool passes false).
func (e *LedgerEngine) Claim(txn coin.Transaction, verify bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tipHeight := e.tipHeightLocked()

	spents, fee, err := e.pool.TryAdmit(txn, tipHeight, verify)
	if err != nil {
		return reject("claim", err)
	}
	if err := e.pool.Insert(txn, spents, fee); err != nil {
		return reject("claim", err)
	}
	return nil
}
