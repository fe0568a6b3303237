package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"raftex/core/events"
	nativecommon "raftex/native/common"
)

// PricePrecision is the fixed-point scale for oracle prices: a stored value of
// PricePrecision quotes exactly 1.0 settlement units per whole token.
const PricePrecision = 100_000

const (
	pricePrefix        = "oracle/price/"
	priceRecordVersion = 1
)

var (
	errNilState = errors.New("oracle engine: state not configured")

	// ErrSymbolRequired indicates the caller supplied an empty asset symbol.
	ErrSymbolRequired = errors.New("oracle engine: symbol required")
	// ErrInvalidPrice indicates a zero or negative price feed.
	ErrInvalidPrice = errors.New("oracle engine: price must be positive")
	// ErrPriceNotFound indicates no price has ever been fed for the symbol.
	ErrPriceNotFound = errors.New("oracle engine: price not found")
)

// Storage captures the persistence operations required by the oracle engine.
// core/state.Manager satisfies it.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Quote reports a stored unit price along with the height it was fed at.
type Quote struct {
	Symbol    string
	Value     *big.Int
	UpdatedAt uint64
}

type storedPriceV1 struct {
	Value     *big.Int
	UpdatedAt uint64
}

// Engine persists trusted price feeds and serves them to the valuation paths.
// Feeder authorisation is enforced by the caller; the engine only guards the
// shape of the data.
type Engine struct {
	state       Storage
	emitter     events.Emitter
	blockHeight uint64
}

// NewEngine constructs an idle oracle engine. Wire persistence via SetState
// before use.
func NewEngine() *Engine {
	return &Engine{emitter: events.NoopEmitter{}}
}

// SetState attaches the persistence backend.
func (e *Engine) SetState(state Storage) { e.state = state }

// SetEmitter attaches an event emitter. Passing nil restores the no-op
// emitter.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// SetBlockHeight records the height stamped onto subsequent feeds.
func (e *Engine) SetBlockHeight(height uint64) { e.blockHeight = height }

// FeedPrice overwrites the stored unit price for the symbol. Prices are
// positive integers scaled by PricePrecision; no history is retained.
func (e *Engine) FeedPrice(symbol string, price *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	sym := normalizeSymbol(symbol)
	if sym == "" {
		return ErrSymbolRequired
	}
	if price == nil || price.Sign() <= 0 {
		return ErrInvalidPrice
	}
	stored := storedPriceV1{Value: new(big.Int).Set(price), UpdatedAt: e.blockHeight}
	envelope, err := nativecommon.EncodeRecord(priceRecordVersion, stored)
	if err != nil {
		return fmt.Errorf("oracle engine: encode price: %w", err)
	}
	if err := e.state.KVPut(priceKey(sym), envelope); err != nil {
		return fmt.Errorf("oracle engine: persist price: %w", err)
	}
	e.emit(events.PriceFed{Symbol: sym, Price: new(big.Int).Set(price)})
	return nil
}

// GetPrice returns the stored unit price for the symbol. Symbols without a
// feed resolve to ErrPriceNotFound; there is no default and no staleness
// fallback.
func (e *Engine) GetPrice(symbol string) (*big.Int, error) {
	quote, err := e.GetQuote(symbol)
	if err != nil {
		return nil, err
	}
	return quote.Value, nil
}

// GetQuote returns the stored price together with the height of the last feed.
func (e *Engine) GetQuote(symbol string) (Quote, error) {
	if e == nil || e.state == nil {
		return Quote{}, errNilState
	}
	sym := normalizeSymbol(symbol)
	if sym == "" {
		return Quote{}, ErrSymbolRequired
	}
	var envelope nativecommon.RecordEnvelope
	ok, err := e.state.KVGet(priceKey(sym), &envelope)
	if err != nil {
		return Quote{}, fmt.Errorf("oracle engine: load price: %w", err)
	}
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrPriceNotFound, sym)
	}
	switch envelope.Version {
	case priceRecordVersion:
		var stored storedPriceV1
		if err := envelope.Decode(&stored); err != nil {
			return Quote{}, fmt.Errorf("oracle engine: decode price: %w", err)
		}
		value := new(big.Int)
		if stored.Value != nil {
			value.Set(stored.Value)
		}
		return Quote{Symbol: sym, Value: value, UpdatedAt: stored.UpdatedAt}, nil
	default:
		return Quote{}, fmt.Errorf("oracle engine: unknown price record version %d", envelope.Version)
	}
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

func priceKey(symbol string) []byte {
	return []byte(pricePrefix + symbol)
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
