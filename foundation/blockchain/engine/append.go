package engine

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ardanlabs/ledger/foundation/blockchain/blocktree"
	"github.com/ardanlabs/ledger/foundation/blockchain/coin"
	"github.com/ardanlabs/ledger/foundation/blockchain/spendables"
)

// Append drives a single block through the full pipeline described by
// spec.md §4.5: header validation, BlockTree insertion, the detach/attach
// pass a reorg requires, purge, and ClaimPool reconciliation. The engine's
// pre-append state is fully restored if any step after BlockTree insertion
// fails.
func (e *LedgerEngine) Append(blk coin.Block) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	hash := blk.Header.Hash()
	if e.tree.Find(hash).Valid() {
		return consensusError("duplicate", fmt.Errorf("block %s already known", hash))
	}

	parentIt := e.tree.Find(blk.Header.PrevHash)
	if !parentIt.Valid() {
		return reject("unknown-parent", fmt.Errorf("block %s wants unknown parent %s", hash, blk.Header.PrevHash))
	}

	parentRef, _ := e.tree.Ref(parentIt)
	parentCount, _ := e.tree.Count(parentIt)
	parentHeight := parentCount - 1

	acceptQuorum, acceptMajority, _, _ := e.params.Quorums()
	minAccepted := majorityFloor(e.windowVersions(parentIt, acceptQuorum), acceptMajority)
	if blk.Header.Version < minAccepted {
		return reject("version", fmt.Errorf("version %d below minimum accepted %d", blk.Header.Version, minAccepted))
	}

	expectedBits := e.expectedBits(parentIt, parentRef, parentHeight)
	if blk.Header.Bits != expectedBits {
		return consensusError("difficulty", fmt.Errorf("bits %08x, want %08x", blk.Header.Bits, expectedBits))
	}

	median := e.medianTimePast(parentIt)
	if blk.Header.TimeStamp <= median {
		return consensusError("timestamp", fmt.Errorf("time %d not after median-time-past %d", blk.Header.TimeStamp, median))
	}

	ref := coin.RefFromHeader(blk.Header)

	preSnap := e.trie.Snapshot()

	changes, err := e.tree.Insert(ref)
	if err != nil {
		return reject("tree-insert", err)
	}

	e.pendingBodies[hash] = blk

	if err := e.checkpointGuard(parentHeight, changes); err != nil {
		e.rollbackTreeInsert(hash, preSnap)
		return err
	}

	if len(changes.Inserted) == 0 {
		// Side branch: the header is now known but does not extend the best
		// tip. Its body stays buffered in pendingBodies in case a later
		// reorg promotes it.
		e.ev("engine: Append: stored side-branch header: hash[%s]", hash)
		return nil
	}

	if err := e.applyChanges(changes); err != nil {
		e.rollbackTreeInsert(hash, preSnap)
		return err
	}

	e.reconcilePool(changes)

	for _, h := range changes.Inserted {
		delete(e.pendingBodies, h)
	}

	if !e.lazyPurge {
		e.purgeLocked()
	}

	if !e.trie.Statistics().Authenticated && e.tipHeightLocked() >= e.validationDepth {
		_ = e.trie.SetAuthenticated(true)
	}

	e.ev("engine: Append: committed: hash[%s] count[%d]", hash, parentCount+1)

	return nil
}

// checkpointGuard refuses a side branch (one that does not extend the best
// tip) whose parent sits below the last registered checkpoint: spec.md
// §4.5 step 7, mirrored from BlockChain.cpp's append, which tests
// "prev_height < checkpoint && changes.inserted.size() == 0" before its
// own side-branch early return. A reorg that does extend the best tip
// (changes.Inserted non-empty) is never blocked here, checkpointed or not:
// branching before a checkpoint is disallowed, replaying past it is not.
func (e *LedgerEngine) checkpointGuard(parentHeight uint64, changes blocktree.Changes) error {
	if len(changes.Inserted) > 0 {
		return nil
	}
	if last := e.params.LastCheckpointHeight(); parentHeight < last {
		return consensusError("checkpoint", fmt.Errorf("branch at height %d is below last checkpoint %d", parentHeight, last))
	}
	return nil
}

// applyChanges opens the store's logical transaction and drives detach over
// changes.Deleted (oldest-last, so walked forward) followed by attach over
// changes.Inserted (newest-first, so walked in reverse, parent-to-tip).
func (e *LedgerEngine) applyChanges(changes blocktree.Changes) error {
	tx, err := e.store.Begin()
	if err != nil {
		return reject("store-begin", err)
	}

	var detached []coin.Transaction

	for _, h := range changes.Deleted {
		it := e.tree.Find(h)
		count, _ := e.tree.Count(it)
		txns, err := e.detach(tx, count)
		if err != nil {
			tx.Rollback()
			return err
		}
		detached = append(detached, txns...)
	}

	for i := len(changes.Inserted) - 1; i >= 0; i-- {
		h := changes.Inserted[i]
		blk, ok := e.pendingBodies[h]
		if !ok {
			tx.Rollback()
			return consensusError("missing-body", fmt.Errorf("no buffered body for %s", h))
		}

		it := e.tree.Find(h)
		count, _ := e.tree.Count(it)

		if err := e.attach(tx, blk, count); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return reject("store-commit", err)
	}

	for _, h := range changes.Inserted {
		if err := e.tree.MarkBodied(h); err != nil {
			e.ev("engine: Append: mark bodied failed: hash[%s] err[%s]", h, err)
		}
		if err := e.tree.MarkCommitted(h); err != nil {
			e.ev("engine: Append: mark committed failed: hash[%s] err[%s]", h, err)
		}
	}

	e.lastDetached = detached

	return nil
}

// rollbackTreeInsert undoes a BlockTree insertion that failed a later stage,
// restoring the trie to its pre-append snapshot. The inserted node is always
// a leaf at this point, so Remove cannot fail with ErrHasChildren.
func (e *LedgerEngine) rollbackTreeInsert(hash coin.Hash, snap spendables.Snapshot) {
	delete(e.pendingBodies, hash)
	if err := e.tree.Remove(hash); err != nil {
		e.ev("engine: Append: rollback tree remove failed: hash[%s] err[%s]", hash, err)
	}
	if err := e.trie.Restore(snap); err != nil {
		e.ev("engine: Append: rollback trie restore failed: hash[%s] err[%s]", hash, err)
	}
}

// reconcilePool erases every confirmed transaction from ClaimPool and
// re-admits whatever detach returned, without re-verifying signatures
// (spec §4.5 step 13): those transactions were already verified when first
// attached.
func (e *LedgerEngine) reconcilePool(changes blocktree.Changes) {
	for _, h := range changes.Inserted {
		blk, ok := e.pendingBodies[h]
		if !ok {
			continue
		}
		for _, txn := range blk.Transactions {
			e.pool.Erase(txn.TxHash())
		}
	}

	for _, txn := range e.lastDetached {
		tipHeight := e.tipHeightLocked()
		spents, fee, err := e.pool.TryAdmit(txn, tipHeight, false)
		if err != nil {
			continue
		}
		_ = e.pool.Insert(txn, spents, fee)
	}
	e.lastDetached = nil

	e.pool.Purge(e.clock.Now().Add(-24 * time.Hour))
}

func (e *LedgerEngine) ev(format string, args ...any) {
	if e.evHandler != nil {
		e.evHandler(format, args...)
	}
}

// =============================================================================

func (e *LedgerEngine) ancestorRef(it blocktree.Iterator, steps uint64) (coin.BlockRef, bool) {
	cur := it
	for i := uint64(0); i < steps; i++ {
		cur = e.tree.Parent(cur)
		if !cur.Valid() {
			return coin.BlockRef{}, false
		}
	}
	return e.tree.Ref(cur)
}

// expectedBits computes the difficulty target the new block must carry,
// supplying the retarget window's first and last block times only when
// parentHeight sits on a retarget boundary.
func (e *LedgerEngine) expectedBits(parentIt blocktree.Iterator, parentRef coin.BlockRef, parentHeight uint64) uint32 {
	window := e.params.RetargetWindow()
	if window == 0 || (parentHeight+1)%window != 0 {
		return e.params.NextWorkRequired(parentRef.Bits, parentHeight, 0, 0)
	}

	firstRef, ok := e.ancestorRef(parentIt, window-1)
	if !ok {
		firstRef = parentRef
	}

	return e.params.NextWorkRequired(parentRef.Bits, parentHeight, firstRef.TimeStamp, parentRef.TimeStamp)
}

// medianTimePast returns the median time of up to the last medianTimeSpan
// blocks ending at it, inclusive.
func (e *LedgerEngine) medianTimePast(it blocktree.Iterator) uint32 {
	var times []uint32
	cur := it
	for i := 0; i < medianTimeSpan; i++ {
		ref, ok := e.tree.Ref(cur)
		if !ok {
			break
		}
		times = append(times, ref.TimeStamp)

		cur = e.tree.Parent(cur)
		if !cur.Valid() {
			break
		}
	}

	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	return times[len(times)/2]
}

// windowVersions collects up to quorum ancestor versions ending at it,
// inclusive, walking toward genesis.
func (e *LedgerEngine) windowVersions(it blocktree.Iterator, quorum uint64) []int32 {
	var versions []int32
	cur := it
	for i := uint64(0); i < quorum; i++ {
		ref, ok := e.tree.Ref(cur)
		if !ok {
			break
		}
		versions = append(versions, ref.Version)

		cur = e.tree.Parent(cur)
		if !cur.Valid() {
			break
		}
	}
	return versions
}

// majorityFloor returns the version at the majority-percentile position of
// versions sorted in descending order: the highest version that at least
// majority of the window has met or exceeded. An empty window imposes no
// floor.
func majorityFloor(versions []int32, majority float64) int32 {
	if len(versions) == 0 {
		return 0
	}

	sorted := append([]int32(nil), versions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })

	idx := int(math.Ceil(majority*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
