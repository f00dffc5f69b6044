package coin_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ardanlabs/ledger/foundation/blockchain/coin"
)

func TestOutpointOrdering(t *testing.T) {
	lo := coin.Outpoint{Hash: coin.Hash{0x01}, Index: 0}
	hi := coin.Outpoint{Hash: coin.Hash{0x01}, Index: 1}

	require.True(t, lo.Less(hi))
	require.False(t, hi.Less(lo))
}

func TestNullOutpointIsCoinbaseMarker(t *testing.T) {
	require.True(t, coin.NullOutpoint.IsNull())

	tx := coin.Transaction{
		Inputs: []coin.Input{{PrevOutpoint: coin.NullOutpoint}},
	}
	require.True(t, tx.IsCoinbase())

	tx.Inputs = append(tx.Inputs, coin.Input{})
	require.False(t, tx.IsCoinbase(), "a coinbase has exactly one input")
}

func TestTransactionHashIsStableAndDistinguishing(t *testing.T) {
	a := coin.Transaction{Version: 1, Outputs: []coin.Output{{Value: 50}}}
	b := coin.Transaction{Version: 1, Outputs: []coin.Output{{Value: 51}}}

	ah, err := a.Hash()
	require.NoError(t, err)
	ah2, err := a.Hash()
	require.NoError(t, err)
	require.Equal(t, ah, ah2)

	bh, err := b.Hash()
	require.NoError(t, err)
	require.NotEqual(t, ah, bh)

	require.True(t, a.Equals(a))
	require.False(t, a.Equals(b))
}

func TestCoinbaseConfirmationIDIsNegativeOfCount(t *testing.T) {
	id := coin.CoinbaseConfirmationID(42)
	require.Equal(t, int64(-42), id)

	cnf := coin.Confirmation{ID: id}
	require.True(t, cnf.IsCoinbase())
}

func TestUnspentSignedCountEncodesCoinbase(t *testing.T) {
	regular := coin.Unspent{SignedCount: 100}
	require.False(t, regular.IsCoinbase())
	require.Equal(t, uint64(100), regular.BlockCount())

	cb := coin.Unspent{SignedCount: -100}
	require.True(t, cb.IsCoinbase())
	require.Equal(t, uint64(100), cb.BlockCount())
}

func TestCompactDifficultyRoundTrip(t *testing.T) {
	target := big.NewInt(0x00ffff)
	target.Lsh(target, 8*(0x1d-3))

	bits := coin.BigToCompact(target)
	got := coin.CompactToBig(bits)

	require.Equal(t, 0, target.Cmp(got))
}

func TestDifficultyOfMinimumTargetIsOne(t *testing.T) {
	const minDifficultyBits = 0x1d00ffff
	require.InDelta(t, 1.0, coin.Difficulty(minDifficultyBits), 0.0001)
}

func TestCalcWorkIncreasesAsTargetShrinks(t *testing.T) {
	easy := coin.BigToCompact(big.NewInt(0).Lsh(big.NewInt(0xffff), 200))
	hard := coin.BigToCompact(big.NewInt(0).Lsh(big.NewInt(0xffff), 100))

	require.Equal(t, -1, coin.CalcWork(easy).Cmp(coin.CalcWork(hard)))
}

func TestBlockHashCoversHeaderFields(t *testing.T) {
	h1 := coin.BlockHeader{Version: 1, Nonce: 1}
	h2 := coin.BlockHeader{Version: 1, Nonce: 2}

	require.NotEqual(t, h1.Hash(), h2.Hash())

	blk := coin.Block{Header: h1}
	require.Equal(t, h1.Hash(), blk.Hash())
}

func TestBlockCoinbaseRequiresTransactions(t *testing.T) {
	_, err := coin.Block{}.Coinbase()
	require.Error(t, err)

	cb := coin.Transaction{Inputs: []coin.Input{{PrevOutpoint: coin.NullOutpoint}}}
	blk := coin.Block{Transactions: []coin.Transaction{cb}}

	got, err := blk.Coinbase()
	require.NoError(t, err)
	require.True(t, got.IsCoinbase())
}
