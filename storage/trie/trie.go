// Package trie adapts go-ethereum's Merkle Patricia trie to the narrow
// interface the state manager needs: keyed get/update plus commit and
// rollback across state transitions.
package trie

import (
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethtrie "github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/trie/trienode"
	"github.com/ethereum/go-ethereum/triedb"

	"raftex/storage"
)

// Trie is a reusable handle over one authenticated key/value tree. It tracks
// the last committed root and rebuilds the underlying geth trie after every
// Commit or Reset, so one instance carries the exchange state across
// transitions. Keys are expected pre-hashed; the state manager owns hashing.
// Not safe for concurrent use.
type Trie struct {
	trieDB *triedb.Database
	trie   *gethtrie.Trie
	root   common.Hash
}

// NewTrie opens the trie in store at root. Passing an empty root opens the
// empty trie, which is how a fresh data directory starts.
func NewTrie(store storage.Database, root []byte) (*Trie, error) {
	trieDB := store.TrieDB()
	rootHash := gethtypes.EmptyRootHash
	if len(root) > 0 {
		rootHash = common.BytesToHash(root)
	}
	underlying, err := gethtrie.New(gethtrie.TrieID(rootHash), trieDB)
	if err != nil {
		return nil, err
	}
	return &Trie{trieDB: trieDB, trie: underlying, root: rootHash}, nil
}

// Get reads the value stored under key, nil when absent.
func (t *Trie) Get(key []byte) ([]byte, error) {
	return t.trie.Get(key)
}

// Update writes value under key, replacing any previous value.
func (t *Trie) Update(key, value []byte) error {
	return t.trie.Update(key, value)
}

// Hash returns the root hash including uncommitted in-memory mutations.
func (t *Trie) Hash() common.Hash {
	return t.trie.Hash()
}

// Root returns the last committed root hash.
func (t *Trie) Root() common.Hash {
	return t.root
}

// Reset discards in-memory mutations and reopens the trie at root. The node
// uses this to roll back a failed state transition.
func (t *Trie) Reset(root common.Hash) error {
	underlying, err := gethtrie.New(gethtrie.TrieID(root), t.trieDB)
	if err != nil {
		return err
	}
	t.trie = underlying
	t.root = root
	return nil
}

// Commit flushes the pending mutations to the backing database and returns
// the new root. The wrapper then reopens itself at that root so the same
// handle serves the next transition.
func (t *Trie) Commit(parent common.Hash, blockNumber uint64) (common.Hash, error) {
	newRoot, nodes := t.trie.Commit(false)
	if nodes != nil {
		merged := trienode.NewMergedNodeSet()
		if err := merged.Merge(nodes); err != nil {
			return common.Hash{}, err
		}
		if err := t.trieDB.Update(newRoot, parent, blockNumber, merged, nil); err != nil {
			return common.Hash{}, err
		}
		if err := t.trieDB.Commit(newRoot, false); err != nil {
			return common.Hash{}, err
		}
	}
	underlying, err := gethtrie.New(gethtrie.TrieID(newRoot), t.trieDB)
	if err != nil {
		return common.Hash{}, err
	}
	t.trie = underlying
	t.root = newRoot
	return newRoot, nil
}
