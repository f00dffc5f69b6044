// Package spendables implements SpendablesTrie: an authenticated ordered
// map from outpoint to Unspent, keyed lexicographically (hash then index),
// that exposes a 256-bit Merkle digest over its leaves. The authenticated
// digest is built by rebuilding the teacher's generic merkle.Tree over a
// sorted slice of leaves on every mutation rather than maintaining a true
// Merkle-Patricia trie — a deliberate simplification recorded in DESIGN.md.
package spendables

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ardanlabs/ledger/foundation/blockchain/coin"
	"github.com/ardanlabs/ledger/foundation/blockchain/merkle"
)

// ErrNotFound is returned by Remove when the outpoint is not present.
var ErrNotFound = errors.New("outpoint not found in spendables trie")

// ErrAlreadyPresent is returned by Insert on a duplicate outpoint.
var ErrAlreadyPresent = errors.New("outpoint already present in spendables trie")

// leaf adapts coin.Unspent to merkle.Hashable so the trie's digest can be
// produced by the shared merkle.Tree implementation.
type leaf struct {
	unspent coin.Unspent
}

func (l leaf) Hash() ([]byte, error) {
	u := l.unspent
	buf := make([]byte, 0, len(coin.Hash{})+4+8+len(u.Script)+8+8)
	buf = append(buf, u.Outpoint.Hash[:]...)
	buf = appendUint32(buf, u.Outpoint.Index)
	buf = appendInt64(buf, u.Value)
	buf = append(buf, u.Script...)
	buf = appendInt64(buf, u.SignedCount)
	buf = appendInt64(buf, u.ConfirmationID)
	return buf, nil
}

func (l leaf) Equals(other leaf) bool {
	return l.unspent.Outpoint == other.unspent.Outpoint
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendInt64(buf []byte, v int64) []byte {
	u := uint64(v)
	return append(buf, byte(u), byte(u>>8), byte(u>>16), byte(u>>24), byte(u>>32), byte(u>>40), byte(u>>48), byte(u>>56))
}

// Statistics reports the trie's current shape.
type Statistics struct {
	Leaves        int
	Immature      int
	Authenticated bool
}

// Snapshot is a value-semantic copy of the trie's leaves and immature
// holding pen, cheap to take before every block append and restore on
// rollback (spec §4.2, §9).
type Snapshot struct {
	leaves        []coin.Unspent
	immature      []coin.Unspent
	authenticated bool
}

// Trie is SpendablesTrie: an ordered, authenticated key-value set of
// unspent coins. Coinbase outputs are not inserted into leaves directly:
// spec §3 and §4.5's issue description hold every coinbase, whatever its
// block version, in a separate immature-coinbase set until maturate promotes it, so that the
// authenticated root committed in a later block's coinbase (§4.2) never
// lets a light client see an immature coin as spendable.
type Trie struct {
	mu            sync.RWMutex
	leaves        []coin.Unspent // kept sorted by Outpoint.Less.
	immature      []coin.Unspent // kept sorted by Outpoint.Less; excluded from root.
	authenticated bool
	root          coin.Hash
}

// New constructs an empty trie. Hashing starts enabled; callers below
// validation_depth should call SetAuthenticated(false) immediately.
func New() *Trie {
	return &Trie{authenticated: true}
}

func indexOf(leaves []coin.Unspent, key coin.Outpoint) (int, bool) {
	i := sort.Search(len(leaves), func(i int) bool {
		return !leaves[i].Outpoint.Less(key)
	})
	if i < len(leaves) && leaves[i].Outpoint == key {
		return i, true
	}
	return i, false
}

// Insert adds an unspent coin to the trie, keeping leaves ordered by
// outpoint, and recomputes the digest when authenticated.
func (t *Trie) Insert(u coin.Unspent) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, found := indexOf(t.leaves, u.Outpoint)
	if found {
		return fmt.Errorf("%w: %s", ErrAlreadyPresent, u.Outpoint)
	}
	if _, found := indexOf(t.immature, u.Outpoint); found {
		return fmt.Errorf("%w: %s", ErrAlreadyPresent, u.Outpoint)
	}

	t.leaves = append(t.leaves, coin.Unspent{})
	copy(t.leaves[i+1:], t.leaves[i:])
	t.leaves[i] = u

	return t.rebuildLocked()
}

// InsertImmature holds a not-yet-mature coinbase output out of the
// authenticated trie: BIP30 uniqueness still applies across both sets, so a
// duplicate outpoint in either leaves or immature is rejected.
func (t *Trie) InsertImmature(u coin.Unspent) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, found := indexOf(t.leaves, u.Outpoint); found {
		return fmt.Errorf("%w: %s", ErrAlreadyPresent, u.Outpoint)
	}
	i, found := indexOf(t.immature, u.Outpoint)
	if found {
		return fmt.Errorf("%w: %s", ErrAlreadyPresent, u.Outpoint)
	}

	t.immature = append(t.immature, coin.Unspent{})
	copy(t.immature[i+1:], t.immature[i:])
	t.immature[i] = u

	return nil
}

// Remove deletes the coin at key, returning it, and recomputes the digest.
func (t *Trie) Remove(key coin.Outpoint) (coin.Unspent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, found := indexOf(t.leaves, key)
	if !found {
		return coin.Unspent{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	u := t.leaves[i]
	t.leaves = append(t.leaves[:i], t.leaves[i+1:]...)

	if err := t.rebuildLocked(); err != nil {
		return coin.Unspent{}, err
	}

	return u, nil
}

// RemoveImmature deletes the coin at key from the immature holding pen,
// returning it. It does not touch the authenticated digest: immature coins
// never contributed to it.
func (t *Trie) RemoveImmature(key coin.Outpoint) (coin.Unspent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, found := indexOf(t.immature, key)
	if !found {
		return coin.Unspent{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	u := t.immature[i]
	t.immature = append(t.immature[:i], t.immature[i+1:]...)
	return u, nil
}

// Find looks up a coin by outpoint in the spendable set, without mutating
// the trie. A coin still held in the immature set is not found here.
func (t *Trie) Find(key coin.Outpoint) (coin.Unspent, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	i, found := indexOf(t.leaves, key)
	if !found {
		return coin.Unspent{}, false
	}
	return t.leaves[i], true
}

// FindImmature looks up a coin by outpoint in the immature holding pen.
func (t *Trie) FindImmature(key coin.Outpoint) (coin.Unspent, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	i, found := indexOf(t.immature, key)
	if !found {
		return coin.Unspent{}, false
	}
	return t.immature[i], true
}

// FindAny looks up a coin by outpoint in either the spendable set or the
// immature holding pen, for BIP30 duplicate-output checks, which must see
// both.
func (t *Trie) FindAny(key coin.Outpoint) (coin.Unspent, bool) {
	if u, ok := t.Find(key); ok {
		return u, true
	}
	return t.FindImmature(key)
}

// Maturate promotes every immature coinbase output old enough to spend at
// tipCount given maturity confirmations, moving it from the immature
// holding pen into the authenticated trie and recomputing the digest once
// for the whole batch. It returns the coins promoted.
func (t *Trie) Maturate(tipCount, maturity uint64) ([]coin.Unspent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var promoted []coin.Unspent
	remaining := t.immature[:0:0]
	for _, u := range t.immature {
		if tipCount >= u.BlockCount()+maturity {
			promoted = append(promoted, u)
			continue
		}
		remaining = append(remaining, u)
	}
	if len(promoted) == 0 {
		return nil, nil
	}
	t.immature = remaining

	for _, u := range promoted {
		i, found := indexOf(t.leaves, u.Outpoint)
		if found {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyPresent, u.Outpoint)
		}
		t.leaves = append(t.leaves, coin.Unspent{})
		copy(t.leaves[i+1:], t.leaves[i:])
		t.leaves[i] = u
	}

	if err := t.rebuildLocked(); err != nil {
		return nil, err
	}
	return promoted, nil
}

// Root returns the current 256-bit digest. While hashing is disabled the
// root is the zero hash: callers must gate on Statistics().Authenticated
// before trusting it for proofs.
func (t *Trie) Root() coin.Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.root
}

// SetAuthenticated toggles whether mutations maintain the Merkle digest.
// Turning it on recomputes the root immediately so a chain crossing
// validation_depth pins a correct root on the same block.
func (t *Trie) SetAuthenticated(on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.authenticated = on
	return t.rebuildLocked()
}

// Statistics reports the trie's shape for diagnostics and tests.
func (t *Trie) Statistics() Statistics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return Statistics{Leaves: len(t.leaves), Immature: len(t.immature), Authenticated: t.authenticated}
}

// Snapshot takes a value-semantic copy of the trie's leaves and immature
// holding pen. Restoring it undoes every mutation made since the snapshot
// without replaying them.
func (t *Trie) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cp := make([]coin.Unspent, len(t.leaves))
	copy(cp, t.leaves)

	imm := make([]coin.Unspent, len(t.immature))
	copy(imm, t.immature)

	return Snapshot{leaves: cp, immature: imm, authenticated: t.authenticated}
}

// Restore replaces the trie's contents with a previously taken Snapshot.
func (t *Trie) Restore(s Snapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.leaves = s.leaves
	t.immature = s.immature
	t.authenticated = s.authenticated

	return t.rebuildLocked()
}

// rebuildLocked recomputes the digest from the current leaves. Caller must
// hold t.mu for writing.
func (t *Trie) rebuildLocked() error {
	if !t.authenticated {
		t.root = coin.Hash{}
		return nil
	}

	if len(t.leaves) == 0 {
		t.root = coin.Hash{}
		return nil
	}

	values := make([]leaf, len(t.leaves))
	for i, u := range t.leaves {
		values[i] = leaf{unspent: u}
	}

	tree, err := merkle.NewTree(values)
	if err != nil {
		return fmt.Errorf("rebuild spendables trie: %w", err)
	}

	copy(t.root[:], tree.MerkleRoot)
	return nil
}
