package claimpool_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ardanlabs/ledger/foundation/blockchain/claimpool"
	"github.com/ardanlabs/ledger/foundation/blockchain/coin"
)

type fakeUnspents struct {
	byOutpoint map[coin.Outpoint]coin.Unspent
}

func newFakeUnspents() *fakeUnspents {
	return &fakeUnspents{byOutpoint: make(map[coin.Outpoint]coin.Unspent)}
}

func (f *fakeUnspents) Find(op coin.Outpoint) (coin.Unspent, bool) {
	u, ok := f.byOutpoint[op]
	return u, ok
}

func (f *fakeUnspents) add(u coin.Unspent) {
	f.byOutpoint[u.Outpoint] = u
}

type alwaysValid struct{}

func (alwaysValid) VerifySignature(coin.Output, coin.Transaction, int, bool, uint32) bool {
	return true
}

func spendingTx(spend coin.Outpoint, outValue int64) coin.Transaction {
	return coin.Transaction{
		Version: 1,
		Inputs:  []coin.Input{{PrevOutpoint: spend}},
		Outputs: []coin.Output{{Value: outValue, Script: []byte("pay")}},
	}
}

func TestTryAdmitAndInsert(t *testing.T) {
	unspents := newFakeUnspents()
	coinOutpoint := coin.Outpoint{Hash: coin.Hash{1}, Index: 0}
	unspents.add(coin.Unspent{Outpoint: coinOutpoint, Value: 100, SignedCount: 10})

	pool := claimpool.New(unspents, alwaysValid{}, 0)

	tx := spendingTx(coinOutpoint, 90)
	spents, fee, err := pool.TryAdmit(tx, 1000, true)
	require.NoError(t, err)
	require.Equal(t, int64(10), fee)
	require.Equal(t, []coin.Outpoint{coinOutpoint}, spents)

	require.NoError(t, pool.Insert(tx, spents, fee))
	require.True(t, pool.Have(tx.TxHash()))
	require.True(t, pool.Spent(coinOutpoint))
}

func TestTryAdmitRejectsDoubleSpendInPool(t *testing.T) {
	unspents := newFakeUnspents()
	op := coin.Outpoint{Hash: coin.Hash{1}, Index: 0}
	unspents.add(coin.Unspent{Outpoint: op, Value: 100, SignedCount: 10})

	pool := claimpool.New(unspents, alwaysValid{}, 0)

	t1 := spendingTx(op, 90)
	spents, fee, err := pool.TryAdmit(t1, 1000, false)
	require.NoError(t, err)
	require.NoError(t, pool.Insert(t1, spents, fee))

	t2 := coin.Transaction{
		Inputs:  []coin.Input{{PrevOutpoint: op}},
		Outputs: []coin.Output{{Value: 80, Script: []byte("other")}},
	}
	_, _, err = pool.TryAdmit(t2, 1000, false)
	require.ErrorIs(t, err, claimpool.ErrDoubleSpend)

	require.True(t, pool.Have(t1.TxHash()))
	require.False(t, pool.Have(t2.TxHash()))
}

func TestTryAdmitRejectsBelowMinFee(t *testing.T) {
	unspents := newFakeUnspents()
	op := coin.Outpoint{Hash: coin.Hash{1}, Index: 0}
	unspents.add(coin.Unspent{Outpoint: op, Value: 100})

	pool := claimpool.New(unspents, alwaysValid{}, 50)

	tx := spendingTx(op, 90) // fee = 10, below the 50 minimum.
	_, _, err := pool.TryAdmit(tx, 1000, false)
	require.ErrorIs(t, err, claimpool.ErrBelowMinFee)
}

func TestTryAdmitRejectsNegativeFee(t *testing.T) {
	unspents := newFakeUnspents()
	op := coin.Outpoint{Hash: coin.Hash{1}, Index: 0}
	unspents.add(coin.Unspent{Outpoint: op, Value: 100})

	pool := claimpool.New(unspents, alwaysValid{}, 0)

	tx := spendingTx(op, 150) // spends more than it has.
	_, _, err := pool.TryAdmit(tx, 1000, false)
	require.ErrorIs(t, err, claimpool.ErrNegativeFee)
}

func TestTryAdmitRejectsImmatureCoinbase(t *testing.T) {
	unspents := newFakeUnspents()
	op := coin.Outpoint{Hash: coin.Hash{1}, Index: 0}
	unspents.add(coin.Unspent{Outpoint: op, Value: 100, SignedCount: -1}) // coinbase at height 1.

	pool := claimpool.New(unspents, alwaysValid{}, 0)

	tx := spendingTx(op, 90)
	_, _, err := pool.TryAdmit(tx, 50, false) // only 49 confirmations.
	require.ErrorIs(t, err, claimpool.ErrImmatureCoinbase)

	_, _, err = pool.TryAdmit(tx, 101, false) // 100 confirmations: mature.
	require.NoError(t, err)
}

func TestTryAdmitRejectsMissingInput(t *testing.T) {
	pool := claimpool.New(newFakeUnspents(), alwaysValid{}, 0)

	tx := spendingTx(coin.Outpoint{Hash: coin.Hash{9}}, 1)
	_, _, err := pool.TryAdmit(tx, 0, false)
	require.ErrorIs(t, err, claimpool.ErrMissingInput)
}

func TestChainedClaimSpendsPoolOutput(t *testing.T) {
	unspents := newFakeUnspents()
	op := coin.Outpoint{Hash: coin.Hash{1}, Index: 0}
	unspents.add(coin.Unspent{Outpoint: op, Value: 100})

	pool := claimpool.New(unspents, alwaysValid{}, 0)

	parent := spendingTx(op, 90)
	spents, fee, err := pool.TryAdmit(parent, 0, false)
	require.NoError(t, err)
	require.NoError(t, pool.Insert(parent, spents, fee))

	childOutpoint := coin.Outpoint{Hash: parent.TxHash(), Index: 0}
	child := spendingTx(childOutpoint, 80)
	spents, fee, err = pool.TryAdmit(child, 0, false)
	require.NoError(t, err)
	require.Equal(t, int64(10), fee)
	require.NoError(t, pool.Insert(child, spents, fee))

	txns, totalFee := pool.Transactions()
	require.Len(t, txns, 2)
	require.Equal(t, int64(20), totalFee)

	parentIdx, childIdx := -1, -1
	for i, tx := range txns {
		if tx.Equals(parent) {
			parentIdx = i
		}
		if tx.Equals(child) {
			childIdx = i
		}
	}
	require.Less(t, parentIdx, childIdx, "a claim must be ordered before the claim that spends its output")
}

func TestEraseAndPurge(t *testing.T) {
	unspents := newFakeUnspents()
	op := coin.Outpoint{Hash: coin.Hash{1}, Index: 0}
	unspents.add(coin.Unspent{Outpoint: op, Value: 100})

	pool := claimpool.New(unspents, alwaysValid{}, 0)
	tx := spendingTx(op, 90)
	spents, fee, err := pool.TryAdmit(tx, 0, false)
	require.NoError(t, err)
	require.NoError(t, pool.Insert(tx, spents, fee))

	pool.Erase(tx.TxHash())
	require.False(t, pool.Have(tx.TxHash()))
	require.False(t, pool.Spent(op))
}

func TestPurgeEvictsOldClaims(t *testing.T) {
	unspents := newFakeUnspents()
	op := coin.Outpoint{Hash: coin.Hash{1}, Index: 0}
	unspents.add(coin.Unspent{Outpoint: op, Value: 100})

	pool := claimpool.New(unspents, alwaysValid{}, 0)
	tx := spendingTx(op, 90)
	spents, fee, err := pool.TryAdmit(tx, 0, false)
	require.NoError(t, err)
	require.NoError(t, pool.Insert(tx, spents, fee))

	evicted := pool.Purge(time.Now().Add(time.Hour))
	require.Len(t, evicted, 1)
	require.Equal(t, 0, pool.Count())
}

func TestClaimedFindsMatchingScript(t *testing.T) {
	unspents := newFakeUnspents()
	op := coin.Outpoint{Hash: coin.Hash{1}, Index: 0}
	unspents.add(coin.Unspent{Outpoint: op, Value: 100})

	pool := claimpool.New(unspents, alwaysValid{}, 0)
	tx := spendingTx(op, 90)
	spents, fee, err := pool.TryAdmit(tx, 0, false)
	require.NoError(t, err)
	require.NoError(t, pool.Insert(tx, spents, fee))

	claimed := pool.Claimed([]byte("pay"))
	require.Len(t, claimed, 1)
	require.Equal(t, int64(90), claimed[0].Output.Value)
}
