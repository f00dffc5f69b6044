package blocktree_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ardanlabs/ledger/foundation/blockchain/blocktree"
	"github.com/ardanlabs/ledger/foundation/blockchain/coin"
	"github.com/ardanlabs/ledger/foundation/blockchain/genesis"
)

// ref builds a BlockRef identified solely by its first hash byte, chained
// to a parent identified by its first hash byte. bits controls the work the
// block contributes; lower compact-target bytes mean more work.
func ref(id, parent byte, bits uint32, t uint32) coin.BlockRef {
	return coin.BlockRef{
		Version:   1,
		Hash:      coin.Hash{id},
		PrevHash:  coin.Hash{parent},
		TimeStamp: t,
		Bits:      bits,
	}
}

const easy = genesis.MinDifficultyBits

func TestGenesisInsert(t *testing.T) {
	tree := blocktree.New()

	gen := ref(1, 0, easy, 0)
	changes, err := tree.Insert(gen)
	require.NoError(t, err)
	require.Equal(t, []coin.Hash{gen.Hash}, changes.Inserted)
	require.Empty(t, changes.Deleted)

	best := tree.Best()
	require.True(t, best.Valid())
	require.Equal(t, gen.Hash, best.Hash())

	height, ok := tree.Height(best)
	require.True(t, ok)
	require.Equal(t, int64(0), height)
}

func TestLinearExtensionHasNoDeletes(t *testing.T) {
	tree := blocktree.New()

	gen := ref(1, 0, easy, 0)
	_, err := tree.Insert(gen)
	require.NoError(t, err)

	child := ref(2, 1, easy, 1)
	changes, err := tree.Insert(child)
	require.NoError(t, err)
	require.Equal(t, []coin.Hash{child.Hash}, changes.Inserted)
	require.Empty(t, changes.Deleted)

	height, ok := tree.Height(tree.Find(child.Hash))
	require.True(t, ok)
	require.Equal(t, int64(1), height)
}

func TestOrphanRejected(t *testing.T) {
	tree := blocktree.New()
	_, err := tree.Insert(ref(1, 0, easy, 0))
	require.NoError(t, err)

	_, err = tree.Insert(ref(9, 200, easy, 1))
	require.ErrorIs(t, err, blocktree.ErrUnknownParent)
}

func TestDuplicateInsertRejected(t *testing.T) {
	tree := blocktree.New()
	gen := ref(1, 0, easy, 0)
	_, err := tree.Insert(gen)
	require.NoError(t, err)

	_, err = tree.Insert(gen)
	require.ErrorIs(t, err, blocktree.ErrAlreadyKnown)
}

// TestReorgLongerChainWins mirrors spec §8 S3: a two block chain A1A2 loses
// the tip to a three block fork B1B2B3 with greater cumulative work.
func TestReorgLongerChainWins(t *testing.T) {
	tree := blocktree.New()

	gen := ref(1, 0, easy, 0)
	_, err := tree.Insert(gen)
	require.NoError(t, err)

	a1 := ref(0xA1, 1, easy, 1)
	_, err = tree.Insert(a1)
	require.NoError(t, err)
	a2 := ref(0xA2, 0xA1, easy, 2)
	_, err = tree.Insert(a2)
	require.NoError(t, err)

	require.Equal(t, a2.Hash, tree.Best().Hash())

	b1 := ref(0xB1, 1, easy, 1)
	_, err = tree.Insert(b1)
	require.NoError(t, err)
	require.Equal(t, a2.Hash, tree.Best().Hash(), "b1 alone has less work than a1+a2")

	b2 := ref(0xB2, 0xB1, easy, 2)
	_, err = tree.Insert(b2)
	require.NoError(t, err)
	require.Equal(t, a2.Hash, tree.Best().Hash(), "b1+b2 ties a1+a2 in work; first seen wins")

	b3 := ref(0xB3, 0xB2, easy, 3)
	changes, err := tree.Insert(b3)
	require.NoError(t, err)

	require.Equal(t, b3.Hash, tree.Best().Hash())
	require.Equal(t, []coin.Hash{a2.Hash, a1.Hash}, changes.Deleted)
	require.Equal(t, []coin.Hash{b3.Hash, b2.Hash, b1.Hash}, changes.Inserted)

	require.True(t, tree.IsMainChain(tree.Find(b1.Hash)))
	require.False(t, tree.IsMainChain(tree.Find(a1.Hash)))

	h, ok := tree.Height(tree.Find(a1.Hash))
	require.True(t, ok)
	require.Less(t, h, int64(0), "side branch nodes have negative height")
}

func TestLifecycleTransitions(t *testing.T) {
	tree := blocktree.New()
	gen := ref(1, 0, easy, 0)
	_, err := tree.Insert(gen)
	require.NoError(t, err)

	state, ok := tree.State(tree.Find(gen.Hash))
	require.True(t, ok)
	require.Equal(t, blocktree.StateHeadered, state)

	require.NoError(t, tree.MarkBodied(gen.Hash))
	state, _ = tree.State(tree.Find(gen.Hash))
	require.Equal(t, blocktree.StateBodied, state)

	require.NoError(t, tree.MarkCommitted(gen.Hash))
	state, _ = tree.State(tree.Find(gen.Hash))
	require.Equal(t, blocktree.StateCommitted, state)

	// Committed is terminal; body/commit may not fire again.
	require.Error(t, tree.MarkBodied(gen.Hash))
}

func TestRemoveRollsBackAFailedInsert(t *testing.T) {
	tree := blocktree.New()
	gen := ref(1, 0, easy, 0)
	_, err := tree.Insert(gen)
	require.NoError(t, err)

	child := ref(2, 1, easy, 1)
	_, err = tree.Insert(child)
	require.NoError(t, err)
	require.Equal(t, child.Hash, tree.Best().Hash())

	require.NoError(t, tree.Remove(child.Hash))
	require.Equal(t, gen.Hash, tree.Best().Hash())
	require.False(t, tree.Find(child.Hash).Valid())
}

// spec §4.1's assign: a persisted, genesis-first chain rebuilds the forest
// in one shot, every node marked main-chain and committed.
func TestAssignRebuildsLinearChain(t *testing.T) {
	tree := blocktree.New()

	gen := ref(1, 0, easy, 0)
	a1 := ref(2, 1, easy, 1)
	a2 := ref(3, 2, easy, 2)

	require.NoError(t, tree.Assign([]coin.BlockRef{gen, a1, a2}))

	require.Equal(t, a2.Hash, tree.Best().Hash())

	for _, r := range []coin.BlockRef{gen, a1, a2} {
		it := tree.Find(r.Hash)
		require.True(t, it.Valid())
		require.True(t, tree.IsMainChain(it))

		state, ok := tree.State(it)
		require.True(t, ok)
		require.Equal(t, blocktree.StateCommitted, state)
	}

	height, ok := tree.Height(tree.Find(a2.Hash))
	require.True(t, ok)
	require.Equal(t, int64(2), height)

	count, ok := tree.Count(tree.Find(gen.Hash))
	require.True(t, ok)
	require.Equal(t, uint64(1), count)
}

func TestAssignRejectsNonEmptyTree(t *testing.T) {
	tree := blocktree.New()
	gen := ref(1, 0, easy, 0)
	_, err := tree.Insert(gen)
	require.NoError(t, err)

	err = tree.Assign([]coin.BlockRef{gen})
	require.Error(t, err)
}

func TestAssignRejectsBrokenChaining(t *testing.T) {
	tree := blocktree.New()
	gen := ref(1, 0, easy, 0)
	broken := ref(2, 9, easy, 1) // declares a parent that isn't the previous ref.

	err := tree.Assign([]coin.BlockRef{gen, broken})
	require.ErrorIs(t, err, blocktree.ErrUnknownParent)
}

func TestRemoveRefusesNodeWithChildren(t *testing.T) {
	tree := blocktree.New()
	gen := ref(1, 0, easy, 0)
	_, err := tree.Insert(gen)
	require.NoError(t, err)
	child := ref(2, 1, easy, 1)
	_, err = tree.Insert(child)
	require.NoError(t, err)

	err = tree.Remove(gen.Hash)
	require.ErrorIs(t, err, blocktree.ErrHasChildren)
}
