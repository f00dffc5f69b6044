package spendables_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ardanlabs/ledger/foundation/blockchain/coin"
	"github.com/ardanlabs/ledger/foundation/blockchain/spendables"
)

func unspentAt(b byte, idx uint32, value int64) coin.Unspent {
	return coin.Unspent{
		Outpoint: coin.Outpoint{Hash: coin.Hash{b}, Index: idx},
		Value:    value,
		Script:   []byte{b},
	}
}

func coinbaseAt(b byte, idx uint32, value int64, blockCount uint64) coin.Unspent {
	return coin.Unspent{
		Outpoint:    coin.Outpoint{Hash: coin.Hash{b}, Index: idx},
		Value:       value,
		Script:      []byte{b},
		SignedCount: -int64(blockCount),
	}
}

func TestInsertFindRemove(t *testing.T) {
	trie := spendables.New()

	u := unspentAt(1, 0, 100)
	require.NoError(t, trie.Insert(u))

	got, ok := trie.Find(u.Outpoint)
	require.True(t, ok)
	require.Equal(t, u, got)

	removed, err := trie.Remove(u.Outpoint)
	require.NoError(t, err)
	require.Equal(t, u, removed)

	_, ok = trie.Find(u.Outpoint)
	require.False(t, ok)
}

func TestInsertDuplicateRejected(t *testing.T) {
	trie := spendables.New()
	u := unspentAt(1, 0, 100)

	require.NoError(t, trie.Insert(u))
	require.ErrorIs(t, trie.Insert(u), spendables.ErrAlreadyPresent)
}

func TestRemoveMissingRejected(t *testing.T) {
	trie := spendables.New()
	_, err := trie.Remove(coin.Outpoint{Hash: coin.Hash{9}})
	require.ErrorIs(t, err, spendables.ErrNotFound)
}

func TestRootChangesWithContentWhenAuthenticated(t *testing.T) {
	trie := spendables.New()

	empty := trie.Root()
	require.NoError(t, trie.Insert(unspentAt(1, 0, 100)))
	withOne := trie.Root()

	require.NotEqual(t, empty, withOne)

	require.NoError(t, trie.Insert(unspentAt(2, 0, 200)))
	withTwo := trie.Root()
	require.NotEqual(t, withOne, withTwo)
}

func TestSetAuthenticatedFalseZerosRoot(t *testing.T) {
	trie := spendables.New()
	require.NoError(t, trie.Insert(unspentAt(1, 0, 100)))
	require.NotEqual(t, coin.Hash{}, trie.Root())

	require.NoError(t, trie.SetAuthenticated(false))
	require.Equal(t, coin.Hash{}, trie.Root())
	require.False(t, trie.Statistics().Authenticated)
}

func TestReauthenticatingRecomputesRoot(t *testing.T) {
	trie := spendables.New()
	require.NoError(t, trie.Insert(unspentAt(1, 0, 100)))
	want := trie.Root()

	require.NoError(t, trie.SetAuthenticated(false))
	require.NoError(t, trie.SetAuthenticated(true))

	require.Equal(t, want, trie.Root())
}

func TestSnapshotRestoreUndoesMutations(t *testing.T) {
	trie := spendables.New()
	require.NoError(t, trie.Insert(unspentAt(1, 0, 100)))

	snap := trie.Snapshot()
	root := trie.Root()

	require.NoError(t, trie.Insert(unspentAt(2, 0, 200)))
	require.NotEqual(t, root, trie.Root())

	require.NoError(t, trie.Restore(snap))
	require.Equal(t, root, trie.Root())
	require.Equal(t, 1, trie.Statistics().Leaves)
}

func TestLeavesStayOrderedByOutpoint(t *testing.T) {
	trie := spendables.New()

	require.NoError(t, trie.Insert(unspentAt(3, 0, 1)))
	require.NoError(t, trie.Insert(unspentAt(1, 0, 1)))
	require.NoError(t, trie.Insert(unspentAt(2, 0, 1)))

	// Inserting the same coins in a different order should still converge
	// on the same authenticated root: the trie is ordered, not append-only.
	rootA := trie.Root()

	trie2 := spendables.New()
	require.NoError(t, trie2.Insert(unspentAt(1, 0, 1)))
	require.NoError(t, trie2.Insert(unspentAt(2, 0, 1)))
	require.NoError(t, trie2.Insert(unspentAt(3, 0, 1)))

	require.Equal(t, rootA, trie2.Root())
}

// spec §3: coinbase maturity delays trie insertion but not store insertion
// — an immature coin sits out of Find and the authenticated root entirely.
func TestImmatureCoinExcludedFromRootAndFind(t *testing.T) {
	trie := spendables.New()
	empty := trie.Root()

	u := coinbaseAt(1, 0, 100, 5)
	require.NoError(t, trie.InsertImmature(u))

	require.Equal(t, empty, trie.Root(), "immature coin must not affect the authenticated root")

	_, ok := trie.Find(u.Outpoint)
	require.False(t, ok)

	got, ok := trie.FindImmature(u.Outpoint)
	require.True(t, ok)
	require.Equal(t, u, got)

	got, ok = trie.FindAny(u.Outpoint)
	require.True(t, ok)
	require.Equal(t, u, got)

	require.Equal(t, 1, trie.Statistics().Immature)
	require.Equal(t, 0, trie.Statistics().Leaves)
}

func TestInsertRejectsDuplicateAcrossLeavesAndImmature(t *testing.T) {
	trie := spendables.New()
	u := coinbaseAt(1, 0, 100, 5)

	require.NoError(t, trie.InsertImmature(u))
	require.ErrorIs(t, trie.Insert(u), spendables.ErrAlreadyPresent)

	trie2 := spendables.New()
	require.NoError(t, trie2.Insert(u))
	require.ErrorIs(t, trie2.InsertImmature(u), spendables.ErrAlreadyPresent)
}

func TestRemoveImmature(t *testing.T) {
	trie := spendables.New()
	u := coinbaseAt(1, 0, 100, 5)
	require.NoError(t, trie.InsertImmature(u))

	removed, err := trie.RemoveImmature(u.Outpoint)
	require.NoError(t, err)
	require.Equal(t, u, removed)

	_, ok := trie.FindImmature(u.Outpoint)
	require.False(t, ok)

	_, err = trie.RemoveImmature(u.Outpoint)
	require.ErrorIs(t, err, spendables.ErrNotFound)
}

// Maturate promotes only the coins old enough to spend at tipCount, leaving
// the rest in the holding pen, and folds every promotion into a single root
// recompute.
func TestMaturatePromotesOnlyEligibleCoins(t *testing.T) {
	trie := spendables.New()

	ready := coinbaseAt(1, 0, 100, 5)  // matures at tipCount 5+100=105
	young := coinbaseAt(2, 0, 200, 50) // matures at tipCount 50+100=150
	require.NoError(t, trie.InsertImmature(ready))
	require.NoError(t, trie.InsertImmature(young))

	promoted, err := trie.Maturate(105, 100)
	require.NoError(t, err)
	require.Equal(t, []coin.Unspent{ready}, promoted)

	got, ok := trie.Find(ready.Outpoint)
	require.True(t, ok)
	require.Equal(t, ready, got)

	_, ok = trie.FindImmature(ready.Outpoint)
	require.False(t, ok)

	_, ok = trie.Find(young.Outpoint)
	require.False(t, ok, "not yet mature at tipCount 105")
	_, ok = trie.FindImmature(young.Outpoint)
	require.True(t, ok)

	require.NotEqual(t, coin.Hash{}, trie.Root())
}

func TestSnapshotRestoreCoversImmatureSet(t *testing.T) {
	trie := spendables.New()
	u := coinbaseAt(1, 0, 100, 5)
	require.NoError(t, trie.InsertImmature(u))

	snap := trie.Snapshot()

	_, err := trie.Maturate(105, 100)
	require.NoError(t, err)
	require.Equal(t, 0, trie.Statistics().Immature)
	require.Equal(t, 1, trie.Statistics().Leaves)

	require.NoError(t, trie.Restore(snap))
	require.Equal(t, 1, trie.Statistics().Immature)
	require.Equal(t, 0, trie.Statistics().Leaves)
}
