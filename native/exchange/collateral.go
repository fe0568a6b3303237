package exchange

import (
	"encoding/binary"
	"fmt"
	"math/big"

	nativecommon "raftex/native/common"
)

const (
	collateralPrefix      = "exchange/collateral/"
	collateralSeqKey      = "exchange/collateral/seq"
	collateralIndexKey    = "exchange/collateral/index"
	collateralOwnerPrefix = "exchange/collateral/owner/"

	collateralRecordVersionLegacy = 0
	collateralRecordVersion       = 1
	seqRecordVersion              = 1
)

// CollateralStatus tracks whether a collateral claim is still redeemable.
type CollateralStatus uint8

const (
	// CollateralActive marks a claim whose backing tokens are still locked.
	CollateralActive CollateralStatus = iota + 1
	// CollateralRedeemed marks a consumed claim. Redeeming again is a no-op.
	CollateralRedeemed
)

// String renders the status for logs and RPC payloads.
func (s CollateralStatus) String() string {
	switch s {
	case CollateralActive:
		return "active"
	case CollateralRedeemed:
		return "redeemed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Collateral is one minting claim: the locked token backing and the raft
// issued against it. Records are append-only; redemption flips the status
// instead of deleting.
type Collateral struct {
	ID           uint64
	Issuer       [20]byte
	Token        string
	TokenAmount  *big.Int
	Raft         string
	RaftAmount   *big.Int
	JoinDebtPool bool
	Status       CollateralStatus
	CreatedAt    uint64
	RedeemedAt   uint64
}

// storedCollateralV0 is the original layout without a status byte. Records in
// this layout predate status tracking and are read as active.
type storedCollateralV0 struct {
	Issuer       [20]byte
	Token        string
	TokenAmount  *big.Int
	Raft         string
	RaftAmount   *big.Int
	JoinDebtPool bool
	CreatedAt    uint64
}

type storedCollateralV1 struct {
	Issuer       [20]byte
	Token        string
	TokenAmount  *big.Int
	Raft         string
	RaftAmount   *big.Int
	JoinDebtPool bool
	Status       uint8
	CreatedAt    uint64
	RedeemedAt   uint64
}

type storedSeqV1 struct {
	Next uint64
}

// GetCollateral loads the collateral record for id. Legacy records are
// upgraded to the current layout on read.
func (e *Engine) GetCollateral(id uint64) (Collateral, error) {
	if e == nil || e.state == nil {
		return Collateral{}, errNilState
	}
	return e.loadCollateral(id)
}

// ListUserCollaterals returns every collateral record issued by the user in
// id order, including redeemed ones.
func (e *Engine) ListUserCollaterals(user [20]byte) ([]Collateral, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	ids, err := e.collateralIDs(collateralOwnerKey(user))
	if err != nil {
		return nil, err
	}
	records := make([]Collateral, 0, len(ids))
	for _, id := range ids {
		record, err := e.loadCollateral(id)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// ListCollaterals returns the full collateral ledger in id order.
func (e *Engine) ListCollaterals() ([]Collateral, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	ids, err := e.collateralIDs([]byte(collateralIndexKey))
	if err != nil {
		return nil, err
	}
	records := make([]Collateral, 0, len(ids))
	for _, id := range ids {
		record, err := e.loadCollateral(id)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (e *Engine) appendCollateral(record Collateral) error {
	if err := e.storeCollateral(record); err != nil {
		return err
	}
	idBytes := collateralIDBytes(record.ID)
	if err := e.state.KVAppend([]byte(collateralIndexKey), idBytes); err != nil {
		return fmt.Errorf("exchange engine: index collateral: %w", err)
	}
	if err := e.state.KVAppend(collateralOwnerKey(record.Issuer), idBytes); err != nil {
		return fmt.Errorf("exchange engine: index collateral owner: %w", err)
	}
	return nil
}

func (e *Engine) nextCollateralID() (uint64, error) {
	var envelope nativecommon.RecordEnvelope
	ok, err := e.state.KVGet([]byte(collateralSeqKey), &envelope)
	if err != nil {
		return 0, fmt.Errorf("exchange engine: load collateral sequence: %w", err)
	}
	var stored storedSeqV1
	if ok {
		if envelope.Version != seqRecordVersion {
			return 0, fmt.Errorf("exchange engine: unknown collateral sequence version %d", envelope.Version)
		}
		if err := envelope.Decode(&stored); err != nil {
			return 0, fmt.Errorf("exchange engine: decode collateral sequence: %w", err)
		}
	}
	stored.Next++
	next, err := nativecommon.EncodeRecord(seqRecordVersion, stored)
	if err != nil {
		return 0, fmt.Errorf("exchange engine: encode collateral sequence: %w", err)
	}
	if err := e.state.KVPut([]byte(collateralSeqKey), next); err != nil {
		return 0, fmt.Errorf("exchange engine: persist collateral sequence: %w", err)
	}
	return stored.Next, nil
}

func (e *Engine) loadCollateral(id uint64) (Collateral, error) {
	var envelope nativecommon.RecordEnvelope
	ok, err := e.state.KVGet(collateralKey(id), &envelope)
	if err != nil {
		return Collateral{}, fmt.Errorf("exchange engine: load collateral: %w", err)
	}
	if !ok {
		return Collateral{}, fmt.Errorf("%w: %d", ErrCollateralNotFound, id)
	}
	switch envelope.Version {
	case collateralRecordVersionLegacy:
		var stored storedCollateralV0
		if err := envelope.Decode(&stored); err != nil {
			return Collateral{}, fmt.Errorf("exchange engine: decode collateral: %w", err)
		}
		return Collateral{
			ID:           id,
			Issuer:       stored.Issuer,
			Token:        stored.Token,
			TokenAmount:  cloneBig(stored.TokenAmount),
			Raft:         stored.Raft,
			RaftAmount:   cloneBig(stored.RaftAmount),
			JoinDebtPool: stored.JoinDebtPool,
			Status:       CollateralActive,
			CreatedAt:    stored.CreatedAt,
		}, nil
	case collateralRecordVersion:
		var stored storedCollateralV1
		if err := envelope.Decode(&stored); err != nil {
			return Collateral{}, fmt.Errorf("exchange engine: decode collateral: %w", err)
		}
		return Collateral{
			ID:           id,
			Issuer:       stored.Issuer,
			Token:        stored.Token,
			TokenAmount:  cloneBig(stored.TokenAmount),
			Raft:         stored.Raft,
			RaftAmount:   cloneBig(stored.RaftAmount),
			JoinDebtPool: stored.JoinDebtPool,
			Status:       CollateralStatus(stored.Status),
			CreatedAt:    stored.CreatedAt,
			RedeemedAt:   stored.RedeemedAt,
		}, nil
	default:
		return Collateral{}, fmt.Errorf("exchange engine: unknown collateral version %d", envelope.Version)
	}
}

// storeCollateral always writes the current layout, so touching a legacy
// record upgrades it in place.
func (e *Engine) storeCollateral(record Collateral) error {
	stored := storedCollateralV1{
		Issuer:       record.Issuer,
		Token:        record.Token,
		TokenAmount:  cloneBig(record.TokenAmount),
		Raft:         record.Raft,
		RaftAmount:   cloneBig(record.RaftAmount),
		JoinDebtPool: record.JoinDebtPool,
		Status:       uint8(record.Status),
		CreatedAt:    record.CreatedAt,
		RedeemedAt:   record.RedeemedAt,
	}
	envelope, err := nativecommon.EncodeRecord(collateralRecordVersion, stored)
	if err != nil {
		return fmt.Errorf("exchange engine: encode collateral: %w", err)
	}
	if err := e.state.KVPut(collateralKey(record.ID), envelope); err != nil {
		return fmt.Errorf("exchange engine: persist collateral: %w", err)
	}
	return nil
}

func (e *Engine) collateralIDs(key []byte) ([]uint64, error) {
	var raw [][]byte
	if err := e.state.KVGetList(key, &raw); err != nil {
		return nil, fmt.Errorf("exchange engine: load collateral index: %w", err)
	}
	ids := make([]uint64, 0, len(raw))
	for _, entry := range raw {
		if len(entry) != 8 {
			return nil, fmt.Errorf("exchange engine: malformed collateral index entry of %d bytes", len(entry))
		}
		ids = append(ids, binary.BigEndian.Uint64(entry))
	}
	return ids, nil
}

func collateralKey(id uint64) []byte {
	return append([]byte(collateralPrefix), collateralIDBytes(id)...)
}

func collateralOwnerKey(owner [20]byte) []byte {
	return append([]byte(collateralOwnerPrefix), owner[:]...)
}

func collateralIDBytes(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return buf[:]
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
