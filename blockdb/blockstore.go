// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package blockdb provides a leveldb-backed store for blocks and headers
// along with a best chain tip index.  It performs no validation.
package blockdb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/peersuite/peerd/chaincfg"
	"github.com/peersuite/peerd/chaincfg/chainhash"
	"github.com/peersuite/peerd/wire"
)

// MaxHeadersPerQuery is the maximum number of headers returned by a single
// call to FetchHeaders.  It matches the wire protocol limit for a headers
// message.
const MaxHeadersPerQuery = wire.MaxBlockHeadersPerMsg

// ErrBlockNotFound indicates the requested block or header does not exist in
// the store.
var ErrBlockNotFound = errors.New("block not found")

// Key prefixes used to partition the store.  Blocks and headers are keyed by
// hash while the height index only tracks the best chain so headers can be
// served in forward order.
var (
	blockKeyPrefix    = []byte("b:")
	headerKeyPrefix   = []byte("h:")
	heightKeyPrefix   = []byte("H:")
	hash2HeightPrefix = []byte("e:")
	tipKey            = []byte("tip")
)

// BlockStore provides persistent storage for blocks and headers along with a
// height index over the best known chain.  The best chain is extended
// whenever a stored block or header connects to the current tip.  It is safe
// for concurrent access.
type BlockStore struct {
	mtx       sync.RWMutex
	db        *leveldb.DB
	params    *chaincfg.Params
	tipHash   chainhash.Hash
	tipHeight int32
}

// blockKey returns the key used to store the serialized block for the passed
// hash.
func blockKey(hash *chainhash.Hash) []byte {
	return append(blockKeyPrefix, hash[:]...)
}

// headerKey returns the key used to store the serialized header for the
// passed hash.
func headerKey(hash *chainhash.Hash) []byte {
	return append(headerKeyPrefix, hash[:]...)
}

// heightKey returns the key used to index the main chain block hash at the
// passed height.
func heightKey(height int32) []byte {
	key := make([]byte, len(heightKeyPrefix)+4)
	copy(key, heightKeyPrefix)
	binary.BigEndian.PutUint32(key[len(heightKeyPrefix):], uint32(height))
	return key
}

// hash2HeightKey returns the key used to map a main chain block hash to its
// height.
func hash2HeightKey(hash *chainhash.Hash) []byte {
	return append(hash2HeightPrefix, hash[:]...)
}

// Open opens the block store at the passed path, creating and initializing
// it with the genesis block of the passed network when needed.
func Open(dbPath string, params *chaincfg.Params) (*BlockStore, error) {
	opts := &opt.Options{
		OpenFilesCacheCapacity: 256,
		Compression:            opt.NoCompression,
	}
	db, err := leveldb.OpenFile(dbPath, opts)
	if err != nil {
		return nil, err
	}

	s := &BlockStore{
		db:     db,
		params: params,
	}
	if err := s.initChainState(); err != nil {
		db.Close()
		return nil, err
	}

	log.Infof("Block database loaded with chain tip %v (height %d)",
		s.tipHash, s.tipHeight)
	return s, nil
}

// initChainState loads the current chain tip from the database, seeding a
// fresh database with the genesis block.
func (s *BlockStore) initChainState() error {
	serializedTip, err := s.db.Get(tipKey, nil)
	if err == nil {
		if len(serializedTip) != chainhash.HashSize+4 {
			return fmt.Errorf("corrupt chain tip entry length %d",
				len(serializedTip))
		}
		copy(s.tipHash[:], serializedTip[:chainhash.HashSize])
		s.tipHeight = int32(binary.BigEndian.Uint32(
			serializedTip[chainhash.HashSize:]))
		return nil
	}
	if !errors.Is(err, leveldb.ErrNotFound) {
		return err
	}

	// Fresh database.  Store the genesis block as the initial chain tip.
	genesis := s.params.GenesisBlock
	genesisHash := genesis.BlockHash()
	if !genesisHash.IsEqual(s.params.GenesisHash) {
		return fmt.Errorf("genesis block hash mismatch for network %v",
			s.params.Name)
	}

	var blockBuf bytes.Buffer
	if err := genesis.Serialize(&blockBuf); err != nil {
		return err
	}
	var headerBuf bytes.Buffer
	if err := genesis.Header.Serialize(&headerBuf); err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put(blockKey(&genesisHash), blockBuf.Bytes())
	batch.Put(headerKey(&genesisHash), headerBuf.Bytes())
	batch.Put(heightKey(0), genesisHash[:])
	var heightBytes [4]byte
	batch.Put(hash2HeightKey(&genesisHash), heightBytes[:])
	tip := make([]byte, chainhash.HashSize+4)
	copy(tip, genesisHash[:])
	batch.Put(tipKey, tip)
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}

	s.tipHash = genesisHash
	s.tipHeight = 0
	log.Infof("Initialized new block database with genesis block %v",
		genesisHash)
	return nil
}

// Close cleanly shuts down the underlying database.
func (s *BlockStore) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.db.Close()
}

// ChainTip returns the hash and height of the current best chain tip.
//
// This function is safe for concurrent access.
func (s *BlockStore) ChainTip() (chainhash.Hash, int32) {
	s.mtx.RLock()
	hash, height := s.tipHash, s.tipHeight
	s.mtx.RUnlock()

	return hash, height
}

// connectToTip extends the best chain with the passed header when it connects
// to the current tip.  The batch is populated with the required index
// updates.  It returns whether the header extended the chain.
//
// This function MUST be called with the store lock held (for writes).
func (s *BlockStore) connectToTip(batch *leveldb.Batch, hash *chainhash.Hash,
	header *wire.BlockHeader) bool {

	if !header.PrevBlock.IsEqual(&s.tipHash) {
		return false
	}

	newHeight := s.tipHeight + 1
	batch.Put(heightKey(newHeight), hash[:])
	var heightBytes [4]byte
	binary.BigEndian.PutUint32(heightBytes[:], uint32(newHeight))
	batch.Put(hash2HeightKey(hash), heightBytes[:])
	tip := make([]byte, chainhash.HashSize+4)
	copy(tip, hash[:])
	binary.BigEndian.PutUint32(tip[chainhash.HashSize:], uint32(newHeight))
	batch.Put(tipKey, tip)
	return true
}

// StoreBlock stores the passed block and its header, extending the best
// chain when the block connects to the current tip.  Storing a block that
// already exists is a no-op.
//
// This function is safe for concurrent access.
func (s *BlockStore) StoreBlock(block *wire.MsgBlock) error {
	blockHash := block.BlockHash()

	s.mtx.Lock()
	defer s.mtx.Unlock()

	has, err := s.db.Has(blockKey(&blockHash), nil)
	if err != nil {
		return err
	}
	if has {
		return nil
	}

	serializedBlock, err := block.Bytes()
	if err != nil {
		return err
	}
	var headerBuf bytes.Buffer
	if err := block.Header.Serialize(&headerBuf); err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put(blockKey(&blockHash), serializedBlock)
	batch.Put(headerKey(&blockHash), headerBuf.Bytes())
	extended := s.connectToTip(batch, &blockHash, &block.Header)
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}

	if extended {
		s.tipHash = blockHash
		s.tipHeight++
		log.Debugf("Chain tip advanced to %v (height %d)", blockHash,
			s.tipHeight)
	}
	return nil
}

// StoreHeaders stores the passed headers, extending the best chain with each
// header that connects to the current tip.  It returns the number of headers
// which extended the chain.
//
// This function is safe for concurrent access.
func (s *BlockStore) StoreHeaders(headers []*wire.BlockHeader) (int, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var connected int
	for _, header := range headers {
		headerHash := header.BlockHash()

		has, err := s.db.Has(headerKey(&headerHash), nil)
		if err != nil {
			return connected, err
		}

		batch := new(leveldb.Batch)
		if !has {
			var headerBuf bytes.Buffer
			if err := header.Serialize(&headerBuf); err != nil {
				return connected, err
			}
			batch.Put(headerKey(&headerHash), headerBuf.Bytes())
		}
		extended := s.connectToTip(batch, &headerHash, header)
		if err := s.db.Write(batch, nil); err != nil {
			return connected, err
		}

		if extended {
			s.tipHash = headerHash
			s.tipHeight++
			connected++
		}
	}

	if connected > 0 {
		log.Debugf("Chain tip advanced to %v (height %d) via headers",
			s.tipHash, s.tipHeight)
	}
	return connected, nil
}

// HaveBlock returns whether or not the store contains the full block for the
// passed hash.
//
// This function is safe for concurrent access.
func (s *BlockStore) HaveBlock(hash *chainhash.Hash) (bool, error) {
	return s.db.Has(blockKey(hash), nil)
}

// FetchBlock returns the block for the passed hash.  It returns
// ErrBlockNotFound when the block does not exist in the store.
//
// This function is safe for concurrent access.
func (s *BlockStore) FetchBlock(hash *chainhash.Hash) (*wire.MsgBlock, error) {
	serializedBlock, err := s.db.Get(blockKey(hash), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrBlockNotFound
		}
		return nil, err
	}

	var block wire.MsgBlock
	if err := block.Deserialize(bytes.NewReader(serializedBlock)); err != nil {
		return nil, err
	}
	return &block, nil
}

// FetchHeader returns the header for the passed block hash.  It returns
// ErrBlockNotFound when the header does not exist in the store.
//
// This function is safe for concurrent access.
func (s *BlockStore) FetchHeader(hash *chainhash.Hash) (*wire.BlockHeader, error) {
	serializedHeader, err := s.db.Get(headerKey(hash), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrBlockNotFound
		}
		return nil, err
	}

	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(serializedHeader)); err != nil {
		return nil, err
	}
	return &header, nil
}

// mainChainHeight returns the height of the passed hash within the best
// chain and whether it is part of the best chain at all.
//
// This function MUST be called with the store lock held (for reads).
func (s *BlockStore) mainChainHeight(hash *chainhash.Hash) (int32, bool, error) {
	serializedHeight, err := s.db.Get(hash2HeightKey(hash), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return int32(binary.BigEndian.Uint32(serializedHeight)), true, nil
}

// FetchHeaders locates the most recent known block from the passed block
// locator and returns the headers of the blocks after it, up to
// MaxHeadersPerQuery or until the stop hash is reached.  An unknown locator
// falls back to the block after the genesis block, while an empty locator
// serves headers starting after the stop hash when it is known.
//
// This function is safe for concurrent access.
func (s *BlockStore) FetchHeaders(locator []*chainhash.Hash,
	stopHash *chainhash.Hash) ([]*wire.BlockHeader, error) {

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	// An empty locator means the caller wants the single header identified
	// by the stop hash.
	if len(locator) == 0 {
		header, err := s.FetchHeader(stopHash)
		if err != nil {
			if errors.Is(err, ErrBlockNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return []*wire.BlockHeader{header}, nil
	}

	// Find the first locator hash that is part of the best chain.  When
	// none are known, fall back to the fork point at the genesis block.
	var startHeight int32
	for _, hash := range locator {
		height, ok, err := s.mainChainHeight(hash)
		if err != nil {
			return nil, err
		}
		if ok {
			startHeight = height
			break
		}
	}

	headers := make([]*wire.BlockHeader, 0, MaxHeadersPerQuery)
	for height := startHeight + 1; height <= s.tipHeight; height++ {
		serializedHash, err := s.db.Get(heightKey(height), nil)
		if err != nil {
			return nil, err
		}
		hash, err := chainhash.NewHash(serializedHash)
		if err != nil {
			return nil, err
		}

		header, err := s.FetchHeader(hash)
		if err != nil {
			return nil, err
		}
		headers = append(headers, header)

		if len(headers) >= MaxHeadersPerQuery || hash.IsEqual(stopHash) {
			break
		}
	}
	return headers, nil
}
