package events

import (
	"encoding/hex"
	"math/big"

	"raftex/core/types"
)

const (
	// TypeTransferRequested is emitted when the exchange hands an outbound
	// token transfer to the settlement transport.
	TypeTransferRequested = "settlement.transfer.requested"
	// TypeTransferConfirmed is emitted when the transport reports success.
	TypeTransferConfirmed = "settlement.transfer.confirmed"
	// TypeTransferCompensated is emitted when a failed transfer was re-credited
	// to the recipient's deposit account.
	TypeTransferCompensated = "settlement.transfer.compensated"
	// TypeTransferDiverted is emitted when a failed transfer could not be
	// re-credited and landed in the owner's lost-found balance instead.
	TypeTransferDiverted = "settlement.transfer.diverted"
)

type TransferRequested struct {
	ID        [32]byte
	Recipient [20]byte
	Token     string
	Amount    *big.Int
}

func (TransferRequested) EventType() string { return TypeTransferRequested }

func (e TransferRequested) Event() *types.Event {
	return &types.Event{
		Type: TypeTransferRequested,
		Attributes: map[string]string{
			"id":        eventHash(e.ID),
			"recipient": eventAddress(e.Recipient),
			"token":     normalizeAsset(e.Token),
			"amount":    eventAmount(e.Amount),
		},
	}
}

type TransferConfirmed struct {
	ID        [32]byte
	Recipient [20]byte
	Token     string
	Amount    *big.Int
}

func (TransferConfirmed) EventType() string { return TypeTransferConfirmed }

func (e TransferConfirmed) Event() *types.Event {
	return &types.Event{
		Type: TypeTransferConfirmed,
		Attributes: map[string]string{
			"id":        eventHash(e.ID),
			"recipient": eventAddress(e.Recipient),
			"token":     normalizeAsset(e.Token),
			"amount":    eventAmount(e.Amount),
		},
	}
}

type TransferCompensated struct {
	ID        [32]byte
	Recipient [20]byte
	Token     string
	Amount    *big.Int
}

func (TransferCompensated) EventType() string { return TypeTransferCompensated }

func (e TransferCompensated) Event() *types.Event {
	return &types.Event{
		Type: TypeTransferCompensated,
		Attributes: map[string]string{
			"id":        eventHash(e.ID),
			"recipient": eventAddress(e.Recipient),
			"token":     normalizeAsset(e.Token),
			"amount":    eventAmount(e.Amount),
		},
	}
}

type TransferDiverted struct {
	ID        [32]byte
	Recipient [20]byte
	Token     string
	Amount    *big.Int
}

func (TransferDiverted) EventType() string { return TypeTransferDiverted }

func (e TransferDiverted) Event() *types.Event {
	return &types.Event{
		Type: TypeTransferDiverted,
		Attributes: map[string]string{
			"id":        eventHash(e.ID),
			"recipient": eventAddress(e.Recipient),
			"token":     normalizeAsset(e.Token),
			"amount":    eventAmount(e.Amount),
		},
	}
}

func eventHash(id [32]byte) string {
	if id == ([32]byte{}) {
		return ""
	}
	return "0x" + hex.EncodeToString(id[:])
}
