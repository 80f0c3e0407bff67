// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockdb

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/peersuite/peerd/chaincfg"
	"github.com/peersuite/peerd/chaincfg/chainhash"
	"github.com/peersuite/peerd/wire"
)

// openTestStore opens a store backed by a throwaway directory on the
// regression test network.
func openTestStore(t *testing.T) *BlockStore {
	t.Helper()

	store, err := Open(t.TempDir(), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

// makeBlock returns a minimal block which connects to the passed previous
// block hash.  The nonce must be unique per block so the block hashes of
// otherwise identical test blocks differ.
func makeBlock(prev chainhash.Hash, nonce uint32) *wire.MsgBlock {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{}, ^uint32(0)),
		[]byte{0x01, byte(nonce)}))
	tx.AddTxOut(wire.NewTxOut(50e8, []byte{0x51}))

	merkleRoot := tx.TxHash()
	header := wire.NewBlockHeader(1, &prev, &merkleRoot, 0x207fffff, nonce)
	block := wire.NewMsgBlock(header)
	if err := block.AddTransaction(tx); err != nil {
		panic(err)
	}
	return block
}

// makeChain returns n blocks which form a chain on top of the passed hash.
func makeChain(prev chainhash.Hash, n int) []*wire.MsgBlock {
	blocks := make([]*wire.MsgBlock, n)
	for i := 0; i < n; i++ {
		blocks[i] = makeBlock(prev, uint32(i+1))
		prev = blocks[i].BlockHash()
	}
	return blocks
}

// TestOpenGenesis ensures a fresh store is seeded with the genesis block of
// the configured network.
func TestOpenGenesis(t *testing.T) {
	store := openTestStore(t)

	tipHash, tipHeight := store.ChainTip()
	require.Equal(t, int32(0), tipHeight)
	require.True(t, tipHash.IsEqual(chaincfg.RegressionNetParams.GenesisHash))

	block, err := store.FetchBlock(chaincfg.RegressionNetParams.GenesisHash)
	require.NoError(t, err)
	blockHash := block.BlockHash()
	require.True(t, blockHash.IsEqual(chaincfg.RegressionNetParams.GenesisHash))

	header, err := store.FetchHeader(chaincfg.RegressionNetParams.GenesisHash)
	require.NoError(t, err)
	headerHash := header.BlockHash()
	require.True(t, headerHash.IsEqual(chaincfg.RegressionNetParams.GenesisHash))
}

// TestStoreBlock ensures stored blocks extend the best chain only when they
// connect to the current tip.
func TestStoreBlock(t *testing.T) {
	store := openTestStore(t)

	blocks := makeChain(*chaincfg.RegressionNetParams.GenesisHash, 3)
	for i, block := range blocks {
		require.NoError(t, store.StoreBlock(block))

		tipHash, tipHeight := store.ChainTip()
		blockHash := block.BlockHash()
		require.Equal(t, int32(i+1), tipHeight)
		require.True(t, tipHash.IsEqual(&blockHash))
	}

	// A block which does not connect to the tip is stored but must not
	// advance the chain.
	orphan := makeBlock(chainhash.Hash{0xde, 0xad}, 99)
	require.NoError(t, store.StoreBlock(orphan))

	_, tipHeight := store.ChainTip()
	require.Equal(t, int32(3), tipHeight)

	orphanHash := orphan.BlockHash()
	have, err := store.HaveBlock(&orphanHash)
	require.NoError(t, err)
	require.True(t, have)

	// Storing a duplicate block is a no-op.
	require.NoError(t, store.StoreBlock(blocks[0]))
	_, tipHeight = store.ChainTip()
	require.Equal(t, int32(3), tipHeight)
}

// TestReopenPersistence ensures the chain state survives closing and
// reopening the store.
func TestReopenPersistence(t *testing.T) {
	dbPath := t.TempDir()
	store, err := Open(dbPath, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	blocks := makeChain(*chaincfg.RegressionNetParams.GenesisHash, 2)
	for _, block := range blocks {
		require.NoError(t, store.StoreBlock(block))
	}
	require.NoError(t, store.Close())

	store, err = Open(dbPath, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	defer store.Close()

	tipHash, tipHeight := store.ChainTip()
	require.Equal(t, int32(2), tipHeight)
	lastHash := blocks[1].BlockHash()
	require.True(t, tipHash.IsEqual(&lastHash))

	_, err = store.FetchBlock(&lastHash)
	require.NoError(t, err)
}

// TestFetchBlockNotFound ensures fetching a missing block reports the
// sentinel error.
func TestFetchBlockNotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.FetchBlock(&chainhash.Hash{0x01})
	require.ErrorIs(t, err, ErrBlockNotFound)

	_, err = store.FetchHeader(&chainhash.Hash{0x01})
	require.ErrorIs(t, err, ErrBlockNotFound)

	have, err := store.HaveBlock(&chainhash.Hash{0x01})
	require.NoError(t, err)
	require.False(t, have)
}

// TestStoreHeaders ensures stored headers extend the best chain in the same
// manner as full blocks.
func TestStoreHeaders(t *testing.T) {
	store := openTestStore(t)

	blocks := makeChain(*chaincfg.RegressionNetParams.GenesisHash, 3)
	headers := make([]*wire.BlockHeader, len(blocks))
	for i, block := range blocks {
		headers[i] = &block.Header
	}

	connected, err := store.StoreHeaders(headers)
	require.NoError(t, err)
	require.Equal(t, 3, connected)

	tipHash, tipHeight := store.ChainTip()
	require.Equal(t, int32(3), tipHeight)
	lastHash := blocks[2].BlockHash()
	require.True(t, tipHash.IsEqual(&lastHash))

	// Headers are stored without the corresponding blocks.
	have, err := store.HaveBlock(&lastHash)
	require.NoError(t, err)
	require.False(t, have)

	// Resubmitting the same headers must not advance the chain.
	connected, err = store.StoreHeaders(headers)
	require.NoError(t, err)
	require.Equal(t, 0, connected)
}

// TestFetchHeaders exercises the locator based header queries used to serve
// getheaders requests.
func TestFetchHeaders(t *testing.T) {
	store := openTestStore(t)

	blocks := makeChain(*chaincfg.RegressionNetParams.GenesisHash, 5)
	for _, block := range blocks {
		require.NoError(t, store.StoreBlock(block))
	}
	hashAt := func(i int) chainhash.Hash {
		return blocks[i].BlockHash()
	}

	// A locator at height 2 must return the headers for heights 3-5.
	locHash := hashAt(1)
	headers, err := store.FetchHeaders([]*chainhash.Hash{&locHash},
		&chainhash.Hash{})
	require.NoError(t, err)
	require.Len(t, headers, 3)
	gotHash := headers[0].BlockHash()
	wantHash := hashAt(2)
	require.True(t, gotHash.IsEqual(&wantHash))

	// An unknown locator falls back to serving from the block after the
	// genesis block.
	headers, err = store.FetchHeaders(
		[]*chainhash.Hash{{0xde, 0xad}}, &chainhash.Hash{})
	require.NoError(t, err)
	require.Len(t, headers, 5)

	// Later locator entries are consulted when earlier ones are unknown.
	headers, err = store.FetchHeaders(
		[]*chainhash.Hash{{0xde, 0xad}, &locHash}, &chainhash.Hash{})
	require.NoError(t, err)
	require.Len(t, headers, 3)

	// The stop hash terminates the results early.
	stopHash := hashAt(3)
	headers, err = store.FetchHeaders([]*chainhash.Hash{&locHash}, &stopHash)
	require.NoError(t, err)
	require.Len(t, headers, 2)
	gotHash = headers[1].BlockHash()
	require.True(t, gotHash.IsEqual(&stopHash))

	// An empty locator returns the header for the stop hash alone.
	headers, err = store.FetchHeaders(nil, &stopHash)
	require.NoError(t, err)
	require.Len(t, headers, 1)
	gotHash = headers[0].BlockHash()
	require.True(t, gotHash.IsEqual(&stopHash))

	// An empty locator with an unknown stop hash returns no headers.
	headers, err = store.FetchHeaders(nil, &chainhash.Hash{0xbe, 0xef})
	require.NoError(t, err)
	require.Len(t, headers, 0)
}
