package node

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/trie"
)

// proofList collects trie proof nodes in root-to-leaf order.
type proofList []hexutil.Bytes

func (p *proofList) Put(key []byte, value []byte) error {
	*p = append(*p, common.CopyBytes(value))
	return nil
}

func (p *proofList) Delete(key []byte) error {
	panic("not supported")
}

// accountProof generates a Merkle proof for an account in the state trie
func (e *EVMState) accountProof(stateRoot common.Hash, addr common.Address) ([]hexutil.Bytes, error) {
	tr, err := trie.New(trie.StateTrieID(stateRoot), e.db.TrieDB())
	if err != nil {
		return nil, fmt.Errorf("failed to open state trie: %w", err)
	}
	var proof proofList
	if err := tr.Prove(crypto.Keccak256(addr.Bytes()), &proof); err != nil {
		return nil, fmt.Errorf("failed to prove account: %w", err)
	}
	return proof, nil
}

// storageProof generates a Merkle proof for a slot in the account's storage trie
func (e *EVMState) storageProof(stateRoot common.Hash, addr common.Address, storageRoot, slot common.Hash) ([]hexutil.Bytes, error) {
	// If storage root is empty, the account has no storage
	if storageRoot == (common.Hash{}) || storageRoot == types.EmptyRootHash {
		return []hexutil.Bytes{}, nil
	}
	tr, err := trie.New(trie.StorageTrieID(stateRoot, crypto.Keccak256Hash(addr.Bytes()), storageRoot), e.db.TrieDB())
	if err != nil {
		return nil, fmt.Errorf("failed to open storage trie: %w", err)
	}
	var proof proofList
	if err := tr.Prove(crypto.Keccak256(slot.Bytes()), &proof); err != nil {
		return nil, fmt.Errorf("failed to prove storage slot: %w", err)
	}
	return proof, nil
}

// VerifyStorageProof checks a storage proof produced by ViewState against
// storageRoot and returns the proven value.
func VerifyStorageProof(storageRoot, slot common.Hash, proof []hexutil.Bytes) (common.Hash, error) {
	if len(proof) == 0 {
		if storageRoot == types.EmptyRootHash {
			return common.Hash{}, nil
		}
		return common.Hash{}, fmt.Errorf("empty proof for non-empty storage root")
	}
	db := memorydb.New()
	for _, node := range proof {
		if err := db.Put(crypto.Keccak256(node), node); err != nil {
			return common.Hash{}, err
		}
	}
	val, err := trie.VerifyProof(storageRoot, crypto.Keccak256(slot.Bytes()), db)
	if err != nil {
		return common.Hash{}, err
	}
	if len(val) == 0 {
		return common.Hash{}, nil
	}
	_, content, _, err := rlp.Split(val)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(content), nil
}
