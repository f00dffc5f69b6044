// Package verifier implements Verifier: a batched signature checker that
// fans enqueued checks out across goroutines and joins them with a single
// barrier.
//
// Grounded on lightningnetwork-lnd/chainio/dispatcher.go's
// DispatchConcurrent: an errgroup.Group fans calls out to consumers and
// Wait joins them, returning the first error. Verifier narrows that same
// shape to one specific job (signature verification) and one specific
// barrier (YieldSuccess).
package verifier

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ardanlabs/ledger/foundation/blockchain/coin"
)

// ScriptVerifier is the signature-checking collaborator (spec §6's
// verify_signature) Verifier fans calls out to.
type ScriptVerifier interface {
	VerifySignature(prevOutput coin.Output, txn coin.Transaction, inputIndex int, strictP2SH bool, flags uint32) bool
}

// Verifier batches signature checks across a block's transactions. It must
// be deterministic given its inputs and must never mutate ledger state —
// every VerifySignature call it makes is read-only.
type Verifier struct {
	script ScriptVerifier

	mu     sync.Mutex
	eg     *errgroup.Group
	reason string
}

// New constructs a Verifier around the given script-verification
// collaborator.
func New(script ScriptVerifier) *Verifier {
	v := &Verifier{script: script}
	v.Reset()
	return v
}

// Reset discards any pending or completed batch and starts a new one. The
// engine calls this once per attach, before verify is enqueued for that
// block's inputs.
func (v *Verifier) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.eg = &errgroup.Group{}
	v.reason = ""
}

// Verify enqueues one signature check against the current batch. It returns
// immediately; the result is only observable through YieldSuccess.
func (v *Verifier) Verify(prevOutput coin.Output, txn coin.Transaction, inputIndex int, strictP2SH bool, flags uint32) {
	v.mu.Lock()
	eg := v.eg
	v.mu.Unlock()

	eg.Go(func() error {
		if v.script.VerifySignature(prevOutput, txn, inputIndex, strictP2SH, flags) {
			return nil
		}
		return fmt.Errorf("input %d of %s: signature verification failed", inputIndex, txn.TxHash())
	})
}

// YieldSuccess joins every check enqueued since the last Reset and reports
// whether all of them passed. Once called, the batch is spent; call Reset
// before enqueuing another.
func (v *Verifier) YieldSuccess() bool {
	v.mu.Lock()
	eg := v.eg
	v.mu.Unlock()

	if err := eg.Wait(); err != nil {
		v.mu.Lock()
		v.reason = err.Error()
		v.mu.Unlock()
		return false
	}
	return true
}

// Reason describes the first verification failure observed by the most
// recent YieldSuccess call, if any.
func (v *Verifier) Reason() (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.reason == "" {
		return "", false
	}
	return v.reason, true
}
