package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the human-readable part of a bech32 account address.
type AddressPrefix string

// RFTPrefix is the prefix for exchange account addresses.
const RFTPrefix AddressPrefix = "rft"

const addressLen = 20

// Address is a 20-byte account address paired with its bech32 prefix.
type Address struct {
	prefix AddressPrefix
	raw    [addressLen]byte
}

// NewAddress wraps a raw 20-byte payload under the given prefix. The payload
// length is a programmer invariant, not caller input.
func NewAddress(prefix AddressPrefix, b []byte) Address {
	if len(b) != addressLen {
		panic(fmt.Sprintf("address payload must be %d bytes, got %d", addressLen, len(b)))
	}
	addr := Address{prefix: prefix}
	copy(addr.raw[:], b)
	return addr
}

// DecodeAddress parses a bech32 account address and enforces the exchange
// prefix.
func DecodeAddress(addrStr string) (Address, error) {
	prefix, words, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	if AddressPrefix(prefix) != RFTPrefix {
		return Address{}, fmt.Errorf("unexpected address prefix %q", prefix)
	}
	payload, err := bech32.ConvertBits(words, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	if len(payload) != addressLen {
		return Address{}, fmt.Errorf("address payload must be %d bytes, got %d", addressLen, len(payload))
	}
	return NewAddress(AddressPrefix(prefix), payload), nil
}

// String renders the bech32 form of the address.
func (a Address) String() string {
	words, err := bech32.ConvertBits(a.raw[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), words)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Bytes returns the raw 20-byte payload.
func (a Address) Bytes() []byte {
	out := make([]byte, addressLen)
	copy(out, a.raw[:])
	return out
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

// PrivateKey is a secp256k1 operator key.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

// PublicKey is the verification half of an operator key.
type PublicKey struct {
	*ecdsa.PublicKey
}

// GeneratePrivateKey draws a fresh secp256k1 key from crypto/rand.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate secp256k1 key: %w", err)
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromBytes restores a key from its 32-byte scalar form.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the 32-byte scalar form of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// PubKey returns the public half of the key.
func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Address derives the bech32 account address of the key, using the Ethereum
// convention of the last 20 bytes of the keccak digest.
func (k *PublicKey) Address() Address {
	return NewAddress(RFTPrefix, crypto.PubkeyToAddress(*k.PublicKey).Bytes())
}
