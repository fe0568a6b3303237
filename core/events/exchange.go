package events

import (
	"math/big"
	"strconv"

	"raftex/core/types"
	"raftex/crypto"
)

const (
	// TypeExchangeMinted is emitted when collateral is locked and a synthetic
	// position is opened, on either the pooled or the individual path.
	TypeExchangeMinted = "exchange.minted"
	// TypeExchangeSwapped is emitted for pool-internal synthetic swaps.
	TypeExchangeSwapped = "exchange.swapped"
	// TypeExchangePoolRedeemed is emitted when a pooled position is settled.
	TypeExchangePoolRedeemed = "exchange.redeemed.pool"
	// TypeExchangeBookRedeemed is emitted when an individual position is
	// settled against a single collateral record.
	TypeExchangeBookRedeemed = "exchange.redeemed.book"
	// TypeExchangeDeposited is emitted when an inbound token transfer lands in
	// a deposit account.
	TypeExchangeDeposited = "exchange.deposited"
	// TypeExchangeDepositWithdrawn is emitted when a user pulls a deposited
	// balance back out through the settlement path.
	TypeExchangeDepositWithdrawn = "exchange.deposit_withdrawn"
)

type ExchangeMinted struct {
	Minter       [20]byte
	Token        string
	TokenAmount  *big.Int
	Raft         string
	RaftAmount   *big.Int
	CollateralID uint64
	Pooled       bool
}

func (ExchangeMinted) EventType() string { return TypeExchangeMinted }

func (e ExchangeMinted) Event() *types.Event {
	return &types.Event{
		Type: TypeExchangeMinted,
		Attributes: map[string]string{
			"minter":       eventAddress(e.Minter),
			"token":        normalizeAsset(e.Token),
			"tokenAmount":  eventAmount(e.TokenAmount),
			"raft":         normalizeAsset(e.Raft),
			"raftAmount":   eventAmount(e.RaftAmount),
			"collateralId": strconv.FormatUint(e.CollateralID, 10),
			"pooled":       strconv.FormatBool(e.Pooled),
		},
	}
}

type ExchangeSwapped struct {
	Trader    [20]byte
	OldRaft   string
	NewRaft   string
	AmountIn  *big.Int
	AmountOut *big.Int
	Fee       *big.Int
}

func (ExchangeSwapped) EventType() string { return TypeExchangeSwapped }

func (e ExchangeSwapped) Event() *types.Event {
	return &types.Event{
		Type: TypeExchangeSwapped,
		Attributes: map[string]string{
			"trader":    eventAddress(e.Trader),
			"oldRaft":   normalizeAsset(e.OldRaft),
			"newRaft":   normalizeAsset(e.NewRaft),
			"amountIn":  eventAmount(e.AmountIn),
			"amountOut": eventAmount(e.AmountOut),
			"fee":       eventAmount(e.Fee),
		},
	}
}

type ExchangePoolRedeemed struct {
	Redeemer    [20]byte
	DebtValue   *big.Int
	DebtAmount  *big.Int
	Collaterals []uint64
}

func (ExchangePoolRedeemed) EventType() string { return TypeExchangePoolRedeemed }

func (e ExchangePoolRedeemed) Event() *types.Event {
	ids := ""
	for i, id := range e.Collaterals {
		if i > 0 {
			ids += ","
		}
		ids += strconv.FormatUint(id, 10)
	}
	return &types.Event{
		Type: TypeExchangePoolRedeemed,
		Attributes: map[string]string{
			"redeemer":    eventAddress(e.Redeemer),
			"debtValue":   eventAmount(e.DebtValue),
			"debtAmount":  eventAmount(e.DebtAmount),
			"collaterals": ids,
		},
	}
}

type ExchangeBookRedeemed struct {
	Redeemer     [20]byte
	CollateralID uint64
	Raft         string
	RaftAmount   *big.Int
	Fee          *big.Int
}

func (ExchangeBookRedeemed) EventType() string { return TypeExchangeBookRedeemed }

func (e ExchangeBookRedeemed) Event() *types.Event {
	return &types.Event{
		Type: TypeExchangeBookRedeemed,
		Attributes: map[string]string{
			"redeemer":     eventAddress(e.Redeemer),
			"collateralId": strconv.FormatUint(e.CollateralID, 10),
			"raft":         normalizeAsset(e.Raft),
			"raftAmount":   eventAmount(e.RaftAmount),
			"fee":          eventAmount(e.Fee),
		},
	}
}

type ExchangeDeposited struct {
	Sender [20]byte
	Token  string
	Amount *big.Int
	Memo   string
}

func (ExchangeDeposited) EventType() string { return TypeExchangeDeposited }

func (e ExchangeDeposited) Event() *types.Event {
	return &types.Event{
		Type: TypeExchangeDeposited,
		Attributes: map[string]string{
			"sender": eventAddress(e.Sender),
			"token":  normalizeAsset(e.Token),
			"amount": eventAmount(e.Amount),
			"memo":   e.Memo,
		},
	}
}

type ExchangeDepositWithdrawn struct {
	Owner      [20]byte
	Token      string
	Amount     *big.Int
	TransferID [32]byte
}

func (ExchangeDepositWithdrawn) EventType() string { return TypeExchangeDepositWithdrawn }

func (e ExchangeDepositWithdrawn) Event() *types.Event {
	return &types.Event{
		Type: TypeExchangeDepositWithdrawn,
		Attributes: map[string]string{
			"owner":      eventAddress(e.Owner),
			"token":      normalizeAsset(e.Token),
			"amount":     eventAmount(e.Amount),
			"transferId": eventHash(e.TransferID),
		},
	}
}

func eventAddress(addr [20]byte) string {
	if addr == ([20]byte{}) {
		return ""
	}
	return crypto.NewAddress(crypto.RFTPrefix, addr[:]).String()
}

func eventAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}
