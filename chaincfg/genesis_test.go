// Copyright (c) 2014-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaincfg

import (
	"testing"
)

// TestGenesisHashes checks that the computed hash of each network's genesis
// block header matches the hardcoded genesis hash for that network.
func TestGenesisHashes(t *testing.T) {
	tests := []struct {
		name   string
		params *Params
	}{
		{"mainnet", &MainNetParams},
		{"testnet3", &TestNet3Params},
		{"regtest", &RegressionNetParams},
		{"signet", &SigNetParams},
	}

	for _, test := range tests {
		hash := test.params.GenesisBlock.BlockHash()
		if !test.params.GenesisHash.IsEqual(&hash) {
			t.Errorf("%s: genesis hash mismatch - got %v, want %v",
				test.name, hash, test.params.GenesisHash)
		}
	}
}

// TestGenesisMerkleRoots checks that the hash of the genesis coinbase
// transaction matches the hardcoded merkle root, since the genesis block
// contains exactly one transaction.
func TestGenesisMerkleRoots(t *testing.T) {
	txHash := genesisCoinbaseTx.TxHash()
	if txHash != genesisMerkleRoot {
		t.Errorf("genesis coinbase hash mismatch - got %v, want %v",
			txHash, genesisMerkleRoot)
	}
}
