// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package mempool provides a policy-light pool of unconfirmed transactions.
package mempool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/peersuite/peerd/chaincfg"
	"github.com/peersuite/peerd/chaincfg/chainhash"
	"github.com/peersuite/peerd/wire"
)

const (
	// maxSatoshi is the maximum transaction output amount allowed, in
	// satoshi, which corresponds to the 21 million coin supply cap.
	maxSatoshi = 21e6 * 1e8

	// DefaultMaxTxSize is the default maximum serialized size allowed for
	// a transaction to be accepted into the memory pool.
	DefaultMaxTxSize = 100000
)

// Policy houses the policy (configuration parameters) which is used to
// control the memory pool.
type Policy struct {
	// MaxTxSize is the maximum allowed serialized size, in bytes, of a
	// transaction accepted into the pool.  A value of zero means
	// DefaultMaxTxSize is used.
	MaxTxSize int
}

// Config is a descriptor containing the memory pool configuration.
type Config struct {
	// Policy defines the various mempool configuration options related
	// to policy.
	Policy Policy

	// ChainParams identifies which chain parameters the txpool is
	// associated with.
	ChainParams *chaincfg.Params
}

// TxDesc is a descriptor containing a transaction in the mempool along with
// additional metadata.
type TxDesc struct {
	// Tx is the transaction associated with the entry.
	Tx *wire.MsgTx

	// Added is the time when the entry was added to the pool.
	Added time.Time
}

// TxPool holds unconfirmed transactions that are candidates for relay to
// other peers.  It is safe for concurrent access from multiple peers.
type TxPool struct {
	// The following variables must only be used atomically.
	lastUpdated int64 // last time pool was updated

	mtx       sync.RWMutex
	cfg       Config
	pool      map[chainhash.Hash]*TxDesc
	outpoints map[wire.OutPoint]*wire.MsgTx
}

// New returns a new memory pool for validating and storing standalone
// transactions until they are mined into a block.
func New(cfg *Config) *TxPool {
	return &TxPool{
		cfg:       *cfg,
		pool:      make(map[chainhash.Hash]*TxDesc),
		outpoints: make(map[wire.OutPoint]*wire.MsgTx),
	}
}

// maxTxSize returns the configured maximum transaction size while accounting
// for the default when unset.
func (mp *TxPool) maxTxSize() int {
	if mp.cfg.Policy.MaxTxSize > 0 {
		return mp.cfg.Policy.MaxTxSize
	}
	return DefaultMaxTxSize
}

// isCoinBase determines whether or not a transaction is a coinbase, which is
// a special transaction created by miners that has exactly one input with a
// null previous outpoint.
func isCoinBase(tx *wire.MsgTx) bool {
	if len(tx.TxIn) != 1 {
		return false
	}

	prevOut := &tx.TxIn[0].PreviousOutPoint
	return prevOut.Index == ^uint32(0) && prevOut.Hash == (chainhash.Hash{})
}

// checkTransactionSanity performs context free checks on a transaction to
// ensure it is sane before admitting it to the pool.
func (mp *TxPool) checkTransactionSanity(tx *wire.MsgTx) error {
	// A transaction must have at least one input.
	if len(tx.TxIn) == 0 {
		return txRuleError(wire.RejectInvalid, "transaction has no inputs")
	}

	// A transaction must have at least one output.
	if len(tx.TxOut) == 0 {
		return txRuleError(wire.RejectInvalid, "transaction has no outputs")
	}

	// A transaction must not exceed the maximum allowed size when
	// serialized.
	serializedSize := tx.SerializeSize()
	if serializedSize > mp.maxTxSize() {
		str := fmt.Sprintf("transaction size of %v is larger than max "+
			"allowed size of %v", serializedSize, mp.maxTxSize())
		return txRuleError(wire.RejectNonstandard, str)
	}

	// Ensure the transaction amounts are in range.  Each transaction output
	// must not be negative or more than the max allowed per transaction.
	// Also, the total of all outputs must abide by the same restrictions.
	var totalSatoshi int64
	for _, txOut := range tx.TxOut {
		satoshi := txOut.Value
		if satoshi < 0 {
			str := fmt.Sprintf("transaction output has negative value of %v",
				satoshi)
			return txRuleError(wire.RejectInvalid, str)
		}
		if satoshi > maxSatoshi {
			str := fmt.Sprintf("transaction output value of %v is higher "+
				"than max allowed value of %v", satoshi, int64(maxSatoshi))
			return txRuleError(wire.RejectInvalid, str)
		}

		totalSatoshi += satoshi
		if totalSatoshi > maxSatoshi {
			str := fmt.Sprintf("total value of all transaction outputs is "+
				"%v which is higher than max allowed value of %v",
				totalSatoshi, int64(maxSatoshi))
			return txRuleError(wire.RejectInvalid, str)
		}
	}

	// Check for duplicate transaction inputs.
	existingOutPoints := make(map[wire.OutPoint]struct{})
	for _, txIn := range tx.TxIn {
		if _, exists := existingOutPoints[txIn.PreviousOutPoint]; exists {
			return txRuleError(wire.RejectInvalid,
				"transaction contains duplicate inputs")
		}
		existingOutPoints[txIn.PreviousOutPoint] = struct{}{}
	}

	// A standalone transaction must not be a coinbase transaction since it
	// is only valid within a block.
	if isCoinBase(tx) {
		return txRuleError(wire.RejectInvalid,
			"transaction is an individually propagated coinbase")
	}

	return nil
}

// checkPoolDoubleSpend checks whether or not the passed transaction is
// attempting to spend coins already spent by other transactions in the pool.
// The pool is a first-come first-serve queue, so later conflicting spends are
// rejected.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxPool) checkPoolDoubleSpend(tx *wire.MsgTx) error {
	for _, txIn := range tx.TxIn {
		if conflict, exists := mp.outpoints[txIn.PreviousOutPoint]; exists {
			str := fmt.Sprintf("output %v already spent by transaction %v "+
				"in the memory pool", txIn.PreviousOutPoint,
				conflict.TxHash())
			return txRuleError(wire.RejectDuplicate, str)
		}
	}

	return nil
}

// SubmitTransaction validates the passed transaction against the pool
// acceptance rules and inserts it into the memory pool when it passes.  It
// returns a RuleError when the transaction violates a rule so the caller can
// relay the specific reason to the offending peer via a reject message.
//
// This function is safe for concurrent access.
func (mp *TxPool) SubmitTransaction(tx *wire.MsgTx) error {
	if err := mp.checkTransactionSanity(tx); err != nil {
		return err
	}

	txHash := tx.TxHash()

	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	// Don't accept the transaction if it already exists in the pool.  This
	// check is intended to be a quick one to weed out duplicates.
	if _, exists := mp.pool[txHash]; exists {
		str := fmt.Sprintf("already have transaction %v", txHash)
		return txRuleError(wire.RejectDuplicate, str)
	}

	// The transaction may not use any of the same outputs as other
	// transactions already in the pool.
	if err := mp.checkPoolDoubleSpend(tx); err != nil {
		return err
	}

	// Add the transaction to the pool and mark the referenced outpoints
	// as spent by the pool.
	mp.pool[txHash] = &TxDesc{
		Tx:    tx,
		Added: time.Now(),
	}
	for _, txIn := range tx.TxIn {
		mp.outpoints[txIn.PreviousOutPoint] = tx
	}
	atomic.StoreInt64(&mp.lastUpdated, time.Now().Unix())

	log.Debugf("Accepted transaction %v (pool size: %v)", txHash,
		len(mp.pool))

	return nil
}

// RemoveTransaction removes the passed transaction from the mempool.  It is
// a no-op when the transaction does not exist in the pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) RemoveTransaction(txHash *chainhash.Hash) {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	txDesc, exists := mp.pool[*txHash]
	if !exists {
		return
	}

	// Mark the referenced outpoints as unspent by the pool.
	for _, txIn := range txDesc.Tx.TxIn {
		delete(mp.outpoints, txIn.PreviousOutPoint)
	}
	delete(mp.pool, *txHash)
	atomic.StoreInt64(&mp.lastUpdated, time.Now().Unix())
}

// HaveTransaction returns whether or not the passed transaction already
// exists in the pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) HaveTransaction(hash *chainhash.Hash) bool {
	mp.mtx.RLock()
	_, exists := mp.pool[*hash]
	mp.mtx.RUnlock()

	return exists
}

// FetchTransaction returns the requested transaction from the transaction
// pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) FetchTransaction(txHash *chainhash.Hash) (*wire.MsgTx, error) {
	mp.mtx.RLock()
	txDesc, exists := mp.pool[*txHash]
	mp.mtx.RUnlock()

	if exists {
		return txDesc.Tx, nil
	}

	return nil, fmt.Errorf("transaction is not in the pool")
}

// Count returns the number of transactions in the main pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) Count() int {
	mp.mtx.RLock()
	count := len(mp.pool)
	mp.mtx.RUnlock()

	return count
}

// TxHashes returns a slice of hashes for all of the transactions in the
// memory pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) TxHashes() []*chainhash.Hash {
	mp.mtx.RLock()
	hashes := make([]*chainhash.Hash, len(mp.pool))
	i := 0
	for hash := range mp.pool {
		hashCopy := hash
		hashes[i] = &hashCopy
		i++
	}
	mp.mtx.RUnlock()

	return hashes
}

// TxDescs returns a slice of descriptors for all the transactions in the
// pool.  The descriptors are to be treated as read only.
//
// This function is safe for concurrent access.
func (mp *TxPool) TxDescs() []*TxDesc {
	mp.mtx.RLock()
	descs := make([]*TxDesc, len(mp.pool))
	i := 0
	for _, desc := range mp.pool {
		descs[i] = desc
		i++
	}
	mp.mtx.RUnlock()

	return descs
}

// LastUpdated returns the last time a transaction was added to or removed
// from the pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) LastUpdated() time.Time {
	return time.Unix(atomic.LoadInt64(&mp.lastUpdated), 0)
}
