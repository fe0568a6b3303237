package crypto

import (
	"bytes"
	"strings"
	"testing"
)

func TestAddressRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := key.PubKey().Address()
	encoded := addr.String()
	if !strings.HasPrefix(encoded, string(RFTPrefix)+"1") {
		t.Fatalf("encoded address %q missing prefix", encoded)
	}
	decoded, err := DecodeAddress(encoded)
	if err != nil {
		t.Fatalf("decode address: %v", err)
	}
	if !bytes.Equal(decoded.Bytes(), addr.Bytes()) {
		t.Fatalf("round trip mismatch: %x != %x", decoded.Bytes(), addr.Bytes())
	}
}

func TestDecodeAddressRejectsForeignPrefix(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	foreign := NewAddress(AddressPrefix("cosmos"), key.PubKey().Address().Bytes())
	if _, err := DecodeAddress(foreign.String()); err == nil {
		t.Fatal("expected prefix rejection")
	}
}

func TestPrivateKeyBytesRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	restored, err := PrivateKeyFromBytes(key.Bytes())
	if err != nil {
		t.Fatalf("restore key: %v", err)
	}
	if restored.PubKey().Address().String() != key.PubKey().Address().String() {
		t.Fatal("restored key derives different address")
	}
}
