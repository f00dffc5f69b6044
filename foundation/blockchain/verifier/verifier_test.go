package verifier_test

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ardanlabs/ledger/foundation/blockchain/coin"
	"github.com/ardanlabs/ledger/foundation/blockchain/verifier"
)

type scriptFunc func(coin.Output, coin.Transaction, int, bool, uint32) bool

func (f scriptFunc) VerifySignature(out coin.Output, txn coin.Transaction, idx int, strictP2SH bool, flags uint32) bool {
	return f(out, txn, idx, strictP2SH, flags)
}

func TestYieldSuccessTrueWhenAllPass(t *testing.T) {
	v := verifier.New(scriptFunc(func(coin.Output, coin.Transaction, int, bool, uint32) bool { return true }))

	for i := 0; i < 5; i++ {
		v.Verify(coin.Output{}, coin.Transaction{}, i, true, 0)
	}

	require.True(t, v.YieldSuccess())
	_, ok := v.Reason()
	require.False(t, ok)
}

func TestYieldSuccessFalseWhenAnyFails(t *testing.T) {
	var calls atomic.Int32
	v := verifier.New(scriptFunc(func(_ coin.Output, _ coin.Transaction, idx int, _ bool, _ uint32) bool {
		calls.Add(1)
		return idx != 2
	}))

	for i := 0; i < 5; i++ {
		v.Verify(coin.Output{}, coin.Transaction{}, i, true, 0)
	}

	require.False(t, v.YieldSuccess())
	reason, ok := v.Reason()
	require.True(t, ok)
	require.Contains(t, reason, "input 2")
	require.EqualValues(t, 5, calls.Load())
}

func TestResetStartsAFreshBatch(t *testing.T) {
	var pass atomic.Bool
	v := verifier.New(scriptFunc(func(coin.Output, coin.Transaction, int, bool, uint32) bool { return pass.Load() }))

	pass.Store(false)
	v.Verify(coin.Output{}, coin.Transaction{}, 0, true, 0)
	require.False(t, v.YieldSuccess())

	v.Reset()
	pass.Store(true)
	v.Verify(coin.Output{}, coin.Transaction{}, 0, true, 0)
	require.True(t, v.YieldSuccess())
}

func TestEmptyBatchSucceeds(t *testing.T) {
	v := verifier.New(scriptFunc(func(coin.Output, coin.Transaction, int, bool, uint32) bool { return false }))
	require.True(t, v.YieldSuccess())
}
