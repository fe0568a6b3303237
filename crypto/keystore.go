package crypto

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
)

// SaveToKeystore encrypts the operator key into an Ethereum v3 keystore file
// at path. The key is written into a scratch directory first and renamed into
// place, so a crash mid-write never leaves a truncated keystore behind.
func SaveToKeystore(path string, key *PrivateKey, passphrase string) error {
	if key == nil {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("crypto: create keystore dir: %w", err)
	}

	scratch, err := os.MkdirTemp(dir, "keystore-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	ks := keystore.NewKeyStore(scratch, keystore.StandardScryptN, keystore.StandardScryptP)
	if _, err := ks.ImportECDSA(key.PrivateKey, passphrase); err != nil {
		return fmt.Errorf("crypto: encrypt key: %w", err)
	}

	entries, err := os.ReadDir(scratch)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return errors.New("crypto: keystore import produced no file")
	}
	encrypted := filepath.Join(scratch, entries[0].Name())

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(encrypted, path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// LoadFromKeystore decrypts an Ethereum v3 keystore file with the supplied
// passphrase and returns the operator key it holds.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt keystore %s: %w", path, err)
	}
	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}
