package events

import (
	"math/big"

	"raftex/core/types"
)

const (
	// TypePriceFed is emitted when the trusted feeder overwrites a unit price.
	TypePriceFed = "oracle.price_fed"
)

type PriceFed struct {
	Symbol string
	Price  *big.Int
}

func (PriceFed) EventType() string { return TypePriceFed }

func (e PriceFed) Event() *types.Event {
	return &types.Event{
		Type: TypePriceFed,
		Attributes: map[string]string{
			"symbol": normalizeAsset(e.Symbol),
			"price":  eventAmount(e.Price),
		},
	}
}
