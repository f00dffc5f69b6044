// Package blocktree implements BlockTree: an in-memory forest of block
// headers keyed by hash, tracking cumulative work to pick the best tip and
// emitting the detach/attach change-set a reorg requires.
//
// Per spec §9's design note on cyclic parent/child references, the forest
// is an arena (map[coin.Hash]*node) with the parent stored as a hash key —
// nodes never hold owning pointers to their children.
package blocktree

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/looplab/fsm"

	"github.com/ardanlabs/ledger/foundation/blockchain/coin"
)

// Per-node lifecycle states (spec §4.5). A node is created directly in
// Headered: the conceptual Unknown state is "not yet in the tree" and needs
// no representation here.
const (
	StateHeadered  = "headered"
	StateBodied    = "bodied"
	StateCommitted = "committed"
)

const (
	eventBody   = "body"
	eventCommit = "commit"
)

// ErrUnknownParent is returned by Insert when the declared parent is not
// present in the tree — orphans are rejected, not buffered (spec §3).
var ErrUnknownParent = errors.New("blocktree: parent block not known")

// ErrAlreadyKnown is returned by Insert for a hash already in the tree.
var ErrAlreadyKnown = errors.New("blocktree: block already known")

// ErrUnknownBlock is returned when an operation names a hash not in the tree.
var ErrUnknownBlock = errors.New("blocktree: unknown block")

// ErrHasChildren is returned by Remove when the node is not a leaf.
var ErrHasChildren = errors.New("blocktree: cannot remove a block with children")

// node is one arena entry.
type node struct {
	ref      coin.BlockRef
	cumWork  *big.Int
	depth    uint64 // distance from genesis along the parent chain.
	seq      uint64 // insertion order, used to break cumulative-work ties.
	mainMark bool
	machine  *fsm.FSM
}

// Changes is the result of Insert: the blocks to detach (oldest-last) and
// the blocks to attach (newest-first) to move the best tip from its old
// position to its new one. Both are empty when the insert did not change
// the best tip.
type Changes struct {
	Deleted  []coin.Hash
	Inserted []coin.Hash
}

// BlockTree is the header forest. The zero value is not usable; use New.
type BlockTree struct {
	mu      sync.RWMutex
	nodes   map[coin.Hash]*node
	genesis coin.Hash
	best    coin.Hash
	nextSeq uint64
}

// New constructs an empty BlockTree.
func New() *BlockTree {
	return &BlockTree{nodes: make(map[coin.Hash]*node)}
}

// Iterator is a thin, copyable handle onto a tree node. It never exposes a
// pointer into the arena, so callers cannot mutate tree internals.
type Iterator struct {
	hash  coin.Hash
	tree  *BlockTree
	valid bool
}

// Valid reports whether the iterator refers to an existing node.
func (it Iterator) Valid() bool { return it.valid }

// Hash returns the iterator's block hash.
func (it Iterator) Hash() coin.Hash { return it.hash }

// =============================================================================

// Insert splices ref into the forest under its declared parent (PrevHash).
// The first ever insert is treated as genesis and requires no parent. If
// the branch ref now heads has strictly greater cumulative work than the
// current best, Insert returns the Changes needed to move the best tip;
// otherwise both Changes lists are empty and ref is retained as a
// side-branch candidate.
func (t *BlockTree) Insert(ref coin.BlockRef) (Changes, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.nodes[ref.Hash]; exists {
		return Changes{}, fmt.Errorf("%w: %s", ErrAlreadyKnown, ref.Hash)
	}

	n := &node{
		ref:     ref,
		seq:     t.nextSeq,
		machine: newMachine(),
	}
	t.nextSeq++

	if len(t.nodes) == 0 {
		n.cumWork = coin.CalcWork(ref.Bits)
		n.depth = 0
		t.nodes[ref.Hash] = n
		t.genesis = ref.Hash
		t.best = ref.Hash
		n.mainMark = true
		return Changes{Inserted: []coin.Hash{ref.Hash}}, nil
	}

	parent, ok := t.nodes[ref.PrevHash]
	if !ok {
		return Changes{}, fmt.Errorf("%w: %s wants parent %s", ErrUnknownParent, ref.Hash, ref.PrevHash)
	}

	n.cumWork = new(big.Int).Add(parent.cumWork, coin.CalcWork(ref.Bits))
	n.depth = parent.depth + 1
	t.nodes[ref.Hash] = n

	bestNode := t.nodes[t.best]
	if !isStrictlyBetter(n, bestNode) {
		return Changes{}, nil
	}

	deleted, inserted := t.forkPath(bestNode, n)
	t.best = ref.Hash
	t.remarkMainChain()

	return Changes{Deleted: deleted, Inserted: inserted}, nil
}

// isStrictlyBetter reports whether candidate beats incumbent by the spec's
// tie-break rule: strictly greater work wins; equal work keeps whichever
// was seen first.
func isStrictlyBetter(candidate, incumbent *node) bool {
	cmp := candidate.cumWork.Cmp(incumbent.cumWork)
	if cmp != 0 {
		return cmp > 0
	}
	return false // equal work: first-seen (the incumbent) keeps the tip.
}

// forkPath walks from oldBest and newBest up to their common ancestor,
// returning the detach list (oldest-last) and the attach list (newest-first).
func (t *BlockTree) forkPath(oldBest, newBest *node) ([]coin.Hash, []coin.Hash) {
	oldCur, newCur := oldBest, newBest

	var deleted, inserted []coin.Hash

	for oldCur.depth > newCur.depth {
		deleted = append(deleted, oldCur.ref.Hash)
		oldCur = t.nodes[oldCur.ref.PrevHash]
	}
	for newCur.depth > oldCur.depth {
		inserted = append(inserted, newCur.ref.Hash)
		newCur = t.nodes[newCur.ref.PrevHash]
	}

	for oldCur.ref.Hash != newCur.ref.Hash {
		deleted = append(deleted, oldCur.ref.Hash)
		inserted = append(inserted, newCur.ref.Hash)
		oldCur = t.nodes[oldCur.ref.PrevHash]
		newCur = t.nodes[newCur.ref.PrevHash]
	}

	// Both lists were built walking from their respective tips toward the
	// fork point, which is already Deleted=oldest-last, Inserted=newest-first
	// per spec §4.1 — no reversal needed.
	return deleted, inserted
}

// remarkMainChain recomputes which nodes sit on the path from genesis to
// the current best tip. Caller must hold t.mu for writing.
func (t *BlockTree) remarkMainChain() {
	for _, n := range t.nodes {
		n.mainMark = false
	}

	for cur := t.nodes[t.best]; cur != nil; cur = t.nodes[cur.ref.PrevHash] {
		cur.mainMark = true
		if cur.ref.Hash == t.genesis {
			break
		}
	}
}

// Assign bulk-rebuilds the forest from a persisted, ascending, genesis-first
// chain (spec §4.1's "bulk rebuild from persisted order"), for durable
// restart: every row in a PersistentStore's blocks table is, by
// construction, committed main-chain history (attach/detach keep it that
// way), so every node Assign creates is marked main-chain and driven
// straight to StateCommitted. It fails on a tree that already holds nodes:
// Assign is for populating a fresh BlockTree at startup, not for replaying
// onto one that already holds state.
func (t *BlockTree) Assign(refs []coin.BlockRef) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.nodes) != 0 {
		return fmt.Errorf("blocktree: Assign requires an empty tree, has %d nodes", len(t.nodes))
	}
	if len(refs) == 0 {
		return nil
	}

	var parent *node
	for i, ref := range refs {
		if i == 0 {
			if ref.PrevHash != (coin.Hash{}) {
				return fmt.Errorf("blocktree: Assign: genesis %s has non-zero PrevHash", ref.Hash)
			}
		} else if ref.PrevHash != parent.ref.Hash {
			return fmt.Errorf("%w: %s wants parent %s, Assign is at %s", ErrUnknownParent, ref.Hash, ref.PrevHash, parent.ref.Hash)
		}

		n := &node{
			ref:      ref,
			seq:      t.nextSeq,
			depth:    uint64(i),
			mainMark: true,
			machine:  newMachine(),
		}
		t.nextSeq++

		if parent == nil {
			n.cumWork = coin.CalcWork(ref.Bits)
		} else {
			n.cumWork = new(big.Int).Add(parent.cumWork, coin.CalcWork(ref.Bits))
		}

		if err := n.machine.Event(context.Background(), eventBody); err != nil {
			return fmt.Errorf("blocktree: Assign: mark bodied %s: %w", ref.Hash, err)
		}
		if err := n.machine.Event(context.Background(), eventCommit); err != nil {
			return fmt.Errorf("blocktree: Assign: mark committed %s: %w", ref.Hash, err)
		}

		t.nodes[ref.Hash] = n
		parent = n
	}

	t.genesis = refs[0].Hash
	t.best = refs[len(refs)-1].Hash

	return nil
}

// =============================================================================

// Find returns an iterator for hash, invalid if the hash is not known.
func (t *BlockTree) Find(hash coin.Hash) Iterator {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.nodes[hash]
	return Iterator{hash: hash, tree: t, valid: ok}
}

// Best returns an iterator for the current best tip.
func (t *BlockTree) Best() Iterator {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.nodes) == 0 {
		return Iterator{tree: t}
	}
	return Iterator{hash: t.best, tree: t, valid: true}
}

// Begin returns an iterator for the genesis block.
func (t *BlockTree) Begin() Iterator {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.nodes) == 0 {
		return Iterator{tree: t}
	}
	return Iterator{hash: t.genesis, tree: t, valid: true}
}

// End returns the invalid sentinel iterator.
func (t *BlockTree) End() Iterator {
	return Iterator{tree: t}
}

// Ref returns the BlockRef an iterator refers to.
func (t *BlockTree) Ref(it Iterator) (coin.BlockRef, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[it.hash]
	if !ok {
		return coin.BlockRef{}, false
	}
	return n.ref, true
}

// Height returns the iterator's signed height: negative for a side-branch
// node, non-negative (and equal to its depth from genesis) for a
// main-chain node.
func (t *BlockTree) Height(it Iterator) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[it.hash]
	if !ok {
		return 0, false
	}
	if n.mainMark {
		return int64(n.depth), true
	}
	return -int64(n.depth) - 1, true
}

// Count returns the monotone positive identifier (depth+1) the store uses
// as a block's primary key.
func (t *BlockTree) Count(it Iterator) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[it.hash]
	if !ok {
		return 0, false
	}
	return n.depth + 1, true
}

// IsMainChain reports whether the iterator's node sits on the path from
// genesis to the current best tip.
func (t *BlockTree) IsMainChain(it Iterator) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[it.hash]
	return ok && n.mainMark
}

// State returns the node's lifecycle state (Headered, Bodied, Committed).
func (t *BlockTree) State(it Iterator) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[it.hash]
	if !ok {
		return "", false
	}
	return n.machine.Current(), true
}

// Parent returns an iterator for it's parent, invalid at genesis.
func (t *BlockTree) Parent(it Iterator) Iterator {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[it.hash]
	if !ok || n.ref.Hash == t.genesis {
		return Iterator{tree: t}
	}
	_, ok = t.nodes[n.ref.PrevHash]
	return Iterator{hash: n.ref.PrevHash, tree: t, valid: ok}
}

// Len reports how many blocks the tree currently holds.
func (t *BlockTree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.nodes)
}

// =============================================================================

// MarkBodied transitions a node from Headered to Bodied once attach has
// applied its transactions.
func (t *BlockTree) MarkBodied(hash coin.Hash) error {
	return t.fire(hash, eventBody)
}

// MarkCommitted transitions a node from Bodied to Committed once the store
// and trie have committed.
func (t *BlockTree) MarkCommitted(hash coin.Hash) error {
	return t.fire(hash, eventCommit)
}

func (t *BlockTree) fire(hash coin.Hash, event string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[hash]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBlock, hash)
	}

	return n.machine.Event(context.Background(), event)
}

// Remove deletes a leaf node from the tree, used to roll an insert back to
// the engine's pre-append state on a failed attach/commit (spec §4.5,
// §9's exceptions-as-control-flow note). It refuses to remove a node that
// still has children, and recomputes the best tip and main-chain marks if
// the removed node was the current best.
func (t *BlockTree) Remove(hash coin.Hash) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.nodes[hash]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBlock, hash)
	}

	for h, n := range t.nodes {
		if h != hash && n.ref.PrevHash == hash {
			return fmt.Errorf("%w: %s", ErrHasChildren, hash)
		}
	}

	delete(t.nodes, hash)

	if hash == t.genesis {
		t.genesis = coin.Hash{}
		t.best = coin.Hash{}
		return nil
	}

	if hash == t.best {
		t.recomputeBest()
		t.remarkMainChain()
	}

	return nil
}

// recomputeBest scans all remaining nodes for the highest cumulative work,
// breaking ties by first-seen (lowest seq). Caller must hold t.mu.
func (t *BlockTree) recomputeBest() {
	var best *node
	for _, n := range t.nodes {
		switch {
		case best == nil:
			best = n
		case n.cumWork.Cmp(best.cumWork) > 0:
			best = n
		case n.cumWork.Cmp(best.cumWork) == 0 && n.seq < best.seq:
			best = n
		}
	}
	if best != nil {
		t.best = best.ref.Hash
	}
}

func newMachine() *fsm.FSM {
	return fsm.NewFSM(
		StateHeadered,
		fsm.Events{
			{Name: eventBody, Src: []string{StateHeadered}, Dst: StateBodied},
			{Name: eventCommit, Src: []string{StateBodied}, Dst: StateCommitted},
		},
		fsm.Callbacks{},
	)
}
