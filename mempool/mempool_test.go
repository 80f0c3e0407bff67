// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/peersuite/peerd/chaincfg"
	"github.com/peersuite/peerd/chaincfg/chainhash"
	"github.com/peersuite/peerd/wire"
)

// newTestPool returns a pool suitable for the tests along with a helper to
// build a spendable transaction chained off the provided outpoint.
func newTestPool() *TxPool {
	return New(&Config{
		Policy:      Policy{MaxTxSize: DefaultMaxTxSize},
		ChainParams: &chaincfg.MainNetParams,
	})
}

// createTx returns a minimal sane transaction spending the passed outpoint.
func createTx(prevOut wire.OutPoint, value int64) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&prevOut, nil))
	tx.AddTxOut(wire.NewTxOut(value, []byte{0x51})) // OP_TRUE
	return tx
}

// testOutPoint returns a deterministic outpoint so each test transaction
// spends a unique output.
func testOutPoint(i byte, index uint32) wire.OutPoint {
	return *wire.NewOutPoint(&chainhash.Hash{i}, index)
}

// TestSubmitTransaction ensures transactions are accepted into the pool and
// can be queried back out.
func TestSubmitTransaction(t *testing.T) {
	mp := newTestPool()

	tx := createTx(testOutPoint(1, 0), 10000)
	require.NoError(t, mp.SubmitTransaction(tx))

	txHash := tx.TxHash()
	require.True(t, mp.HaveTransaction(&txHash))
	require.Equal(t, 1, mp.Count())

	gotTx, err := mp.FetchTransaction(&txHash)
	require.NoError(t, err)
	require.Equal(t, txHash, gotTx.TxHash())

	hashes := mp.TxHashes()
	require.Len(t, hashes, 1)
	require.True(t, hashes[0].IsEqual(&txHash))

	descs := mp.TxDescs()
	require.Len(t, descs, 1)
	require.False(t, descs[0].Added.IsZero())
	require.False(t, mp.LastUpdated().IsZero())
}

// TestSubmitTransactionRuleErrors ensures the various pool acceptance rules
// reject offending transactions with the expected reject codes.
func TestSubmitTransactionRuleErrors(t *testing.T) {
	noInputs := wire.NewMsgTx(wire.TxVersion)
	noInputs.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))

	noOutputs := wire.NewMsgTx(wire.TxVersion)
	noOutputs.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{0x01}, 0),
		nil))

	negativeOutput := createTx(*wire.NewOutPoint(&chainhash.Hash{0x02}, 0), -1)

	overflowOutput := createTx(*wire.NewOutPoint(&chainhash.Hash{0x03}, 0),
		maxSatoshi+1)

	dupInputs := wire.NewMsgTx(wire.TxVersion)
	dupInputs.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{0x04}, 0),
		nil))
	dupInputs.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{0x04}, 0),
		nil))
	dupInputs.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))

	coinbase := wire.NewMsgTx(wire.TxVersion)
	coinbase.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{},
		^uint32(0)), nil))
	coinbase.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))

	oversize := createTx(*wire.NewOutPoint(&chainhash.Hash{0x05}, 0), 1000)
	oversize.TxOut[0].PkScript = make([]byte, 600)

	tests := []struct {
		name     string
		tx       *wire.MsgTx
		maxSize  int
		wantCode wire.RejectCode
	}{
		{"no inputs", noInputs, 0, wire.RejectInvalid},
		{"no outputs", noOutputs, 0, wire.RejectInvalid},
		{"negative output", negativeOutput, 0, wire.RejectInvalid},
		{"output too large", overflowOutput, 0, wire.RejectInvalid},
		{"duplicate inputs", dupInputs, 0, wire.RejectInvalid},
		{"coinbase", coinbase, 0, wire.RejectInvalid},
		{"oversize", oversize, 500, wire.RejectNonstandard},
	}

	for _, test := range tests {
		mp := New(&Config{
			Policy:      Policy{MaxTxSize: test.maxSize},
			ChainParams: &chaincfg.MainNetParams,
		})

		err := mp.SubmitTransaction(test.tx)
		require.Errorf(t, err, "%s: expected rule error", test.name)

		var ruleErr RuleError
		require.Truef(t, errors.As(err, &ruleErr),
			"%s: error is not a RuleError: %v", test.name, err)

		code, _ := ErrToRejectErr(ruleErr)
		require.Equalf(t, test.wantCode, code,
			"%s: wrong reject code", test.name)

		require.Equal(t, 0, mp.Count())
	}
}

// TestSubmitTransactionDuplicate ensures resubmitting a transaction already
// in the pool is rejected with a duplicate reject code.
func TestSubmitTransactionDuplicate(t *testing.T) {
	mp := newTestPool()

	tx := createTx(testOutPoint(1, 0), 10000)
	require.NoError(t, mp.SubmitTransaction(tx))

	err := mp.SubmitTransaction(tx)
	require.Error(t, err)
	code, _ := ErrToRejectErr(err)
	require.Equal(t, wire.RejectDuplicate, code)
	require.Equal(t, 1, mp.Count())
}

// TestSubmitTransactionDoubleSpend ensures a transaction which spends an
// outpoint already spent by a pool transaction is rejected.
func TestSubmitTransactionDoubleSpend(t *testing.T) {
	mp := newTestPool()

	prevOut := testOutPoint(1, 0)
	require.NoError(t, mp.SubmitTransaction(createTx(prevOut, 10000)))

	// Spend the same outpoint with a different output value so the
	// transaction hash differs.
	err := mp.SubmitTransaction(createTx(prevOut, 20000))
	require.Error(t, err)
	code, _ := ErrToRejectErr(err)
	require.Equal(t, wire.RejectDuplicate, code)
	require.Equal(t, 1, mp.Count())
}

// TestRemoveTransaction ensures removing a transaction releases its spent
// outpoints for reuse.
func TestRemoveTransaction(t *testing.T) {
	mp := newTestPool()

	prevOut := testOutPoint(1, 0)
	tx := createTx(prevOut, 10000)
	require.NoError(t, mp.SubmitTransaction(tx))

	txHash := tx.TxHash()
	mp.RemoveTransaction(&txHash)
	require.False(t, mp.HaveTransaction(&txHash))
	require.Equal(t, 0, mp.Count())

	_, err := mp.FetchTransaction(&txHash)
	require.Error(t, err)

	// The outpoint must be spendable again.
	require.NoError(t, mp.SubmitTransaction(createTx(prevOut, 20000)))

	// Removing an unknown transaction is a no-op.
	mp.RemoveTransaction(&chainhash.Hash{0x0f})
	require.Equal(t, 1, mp.Count())
}
