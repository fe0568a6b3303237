package common

import (
	"errors"
	"testing"
)

type pauseMap map[string]bool

func (p pauseMap) IsPaused(module string) bool { return p[module] }

func TestGuard(t *testing.T) {
	if err := Guard(nil, "exchange"); err != nil {
		t.Fatalf("nil view must not block: %v", err)
	}
	if err := Guard(pauseMap{}, ""); err != nil {
		t.Fatalf("empty module must not block: %v", err)
	}
	if err := Guard(pauseMap{"exchange": false}, "exchange"); err != nil {
		t.Fatalf("running module blocked: %v", err)
	}
	if err := Guard(pauseMap{"exchange": true}, "exchange"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
}

type recordV1 struct {
	Symbol string
	Amount uint64
}

func TestRecordEnvelopeRoundTrip(t *testing.T) {
	env, err := EncodeRecord(1, recordV1{Symbol: "RUSD", Amount: 42})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if env.Version != 1 {
		t.Fatalf("version = %d, want 1", env.Version)
	}

	var decoded recordV1
	if err := env.Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != (recordV1{Symbol: "RUSD", Amount: 42}) {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}
