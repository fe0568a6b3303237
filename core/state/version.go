package state

import (
	"errors"
	"fmt"
	"math"

	"raftex/storage/trie"
)

// StateVersion is the on-disk schema version this binary reads and writes.
// Bump it whenever a stored record layout changes incompatibly; the version
// gate at node boot then refuses the data directory instead of misreading it.
const StateVersion uint32 = 1

var (
	stateVersionKey = []byte("state/version")
	// ErrStateVersionMismatch indicates the data directory was written under a
	// different schema version than this binary supports.
	ErrStateVersionMismatch = errors.New("state: schema version mismatch")
)

// SetStateVersion records version in state. Genesis writes it, and a future
// migration tool would rewrite it after upgrading stored records.
func (m *Manager) SetStateVersion(version uint32) error {
	if m == nil {
		return fmt.Errorf("state: manager unavailable")
	}
	return m.KVPut(stateVersionKey, uint64(version))
}

// StateVersion reads the recorded schema version; ok is false on a fresh
// trie that never recorded one.
func (m *Manager) StateVersion() (uint32, bool, error) {
	if m == nil {
		return 0, false, fmt.Errorf("state: manager unavailable")
	}
	var stored uint64
	ok, err := m.KVGet(stateVersionKey, &stored)
	if err != nil || !ok {
		return 0, false, err
	}
	if stored > uint64(math.MaxUint32) {
		return 0, false, fmt.Errorf("state: schema version overflow: %d", stored)
	}
	return uint32(stored), true, nil
}

// EnsureStateVersion refuses to open state written under a different schema
// version. allowMigrate tolerates the mismatch so operators can run manual
// migrations against the directory.
func EnsureStateVersion(tr *trie.Trie, allowMigrate bool) error {
	if tr == nil {
		return fmt.Errorf("state: trie must not be nil")
	}
	version, ok, err := NewManager(tr).StateVersion()
	if err != nil {
		return err
	}
	if !ok {
		version = 0
	}
	if version == StateVersion || allowMigrate {
		return nil
	}
	return fmt.Errorf("%w: on-disk=%d expected=%d", ErrStateVersionMismatch, version, StateVersion)
}
