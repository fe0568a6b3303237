package common

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// RecordEnvelope wraps a persisted record together with its schema version so
// stored layouts can evolve without breaking state written by older releases.
// Readers dispatch on Version and upgrade legacy payloads as they load them.
type RecordEnvelope struct {
	Version uint8
	Payload []byte
}

// EncodeRecord serialises the record and wraps it in an envelope carrying the
// supplied schema version.
func EncodeRecord(version uint8, record interface{}) (RecordEnvelope, error) {
	payload, err := rlp.EncodeToBytes(record)
	if err != nil {
		return RecordEnvelope{}, fmt.Errorf("encode record: %w", err)
	}
	return RecordEnvelope{Version: version, Payload: payload}, nil
}

// Decode deserialises the wrapped payload into record. Callers switch on
// Version first and pass the layout matching that version.
func (e RecordEnvelope) Decode(record interface{}) error {
	return rlp.DecodeBytes(e.Payload, record)
}
