package accountbook

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	nativecommon "raftex/native/common"
)

const (
	totalSetKey   = "accountbook/totals"
	holdingPrefix = "accountbook/user/"

	holdingSetRecordVersion = 1
)

var (
	errNilState  = errors.New("accountbook engine: state not configured")
	errNilPrices = errors.New("accountbook engine: price source not configured")

	// ErrSymbolRequired indicates the caller supplied an empty raft symbol.
	ErrSymbolRequired = errors.New("accountbook engine: symbol required")
	// ErrInvalidAmount indicates a zero or negative amount.
	ErrInvalidAmount = errors.New("accountbook engine: amount must be positive")
	// ErrInsufficientBalance indicates a withdrawal larger than the tracked
	// balance. The book never stores negative rows.
	ErrInsufficientBalance = errors.New("accountbook engine: insufficient balance")
)

// PriceSource resolves unit prices for valuation. native/oracle.Engine
// satisfies it.
type PriceSource interface {
	GetPrice(symbol string) (*big.Int, error)
}

// Storage captures the persistence operations required by the book.
// core/state.Manager satisfies it.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Holding reports a raft balance tracked by the book.
type Holding struct {
	Symbol string
	Amount *big.Int
}

type storedHoldingEntryV1 struct {
	Symbol string
	Amount *big.Int
}

type storedHoldingSetV1 struct {
	Entries []storedHoldingEntryV1
}

// Engine maintains the individual ledger: per-user raft balances plus a
// book-wide total per raft. Unlike the shared pool it carries no ratios and
// no signed positions; every row is non-negative and a withdrawal that would
// underflow fails outright.
type Engine struct {
	state  Storage
	prices PriceSource
}

// NewEngine constructs an idle book engine. Wire persistence and prices via
// SetState and SetPriceSource before use.
func NewEngine() *Engine {
	return &Engine{}
}

// SetState attaches the persistence backend.
func (e *Engine) SetState(state Storage) { e.state = state }

// SetPriceSource attaches the oracle used for valuation.
func (e *Engine) SetPriceSource(prices PriceSource) { e.prices = prices }

// Credit adds amount of the raft to the user's row and the book total. Mints,
// pool-exit migrations and fee credits all funnel through here.
func (e *Engine) Credit(user [20]byte, symbol string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	sym := normalizeSymbol(symbol)
	if sym == "" {
		return ErrSymbolRequired
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	holdings, err := e.loadHoldings(holdingKey(user))
	if err != nil {
		return err
	}
	totals, err := e.loadHoldings([]byte(totalSetKey))
	if err != nil {
		return err
	}
	addAmount(holdings, sym, amount)
	addAmount(totals, sym, amount)
	if err := e.storeHoldings(holdingKey(user), holdings); err != nil {
		return err
	}
	return e.storeHoldings([]byte(totalSetKey), totals)
}

// Withdraw removes amount of the raft from the user's row and the book
// total. It fails with ErrInsufficientBalance before mutating anything if
// either row cannot cover the amount.
func (e *Engine) Withdraw(user [20]byte, symbol string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	sym := normalizeSymbol(symbol)
	if sym == "" {
		return ErrSymbolRequired
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	holdings, err := e.loadHoldings(holdingKey(user))
	if err != nil {
		return err
	}
	row := lookupAmount(holdings, sym)
	if row.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %x has %s of %s, need %s", ErrInsufficientBalance, user, row, sym, amount)
	}
	totals, err := e.loadHoldings([]byte(totalSetKey))
	if err != nil {
		return err
	}
	total := lookupAmount(totals, sym)
	if total.Cmp(amount) < 0 {
		return fmt.Errorf("%w: book total %s of %s, need %s", ErrInsufficientBalance, total, sym, amount)
	}
	subAmount(holdings, sym, amount)
	subAmount(totals, sym, amount)
	if err := e.storeHoldings(holdingKey(user), holdings); err != nil {
		return err
	}
	return e.storeHoldings([]byte(totalSetKey), totals)
}

// Balance returns the user's tracked balance of the raft; absence reads as
// zero.
func (e *Engine) Balance(user [20]byte, symbol string) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	sym := normalizeSymbol(symbol)
	if sym == "" {
		return nil, ErrSymbolRequired
	}
	holdings, err := e.loadHoldings(holdingKey(user))
	if err != nil {
		return nil, err
	}
	return lookupAmount(holdings, sym), nil
}

// Balances returns the user's non-zero rows in symbol order.
func (e *Engine) Balances(user [20]byte) ([]Holding, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	holdings, err := e.loadHoldings(holdingKey(user))
	if err != nil {
		return nil, err
	}
	return sortedHoldings(holdings), nil
}

// TotalBalance returns the book-wide balance of the raft.
func (e *Engine) TotalBalance(symbol string) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	sym := normalizeSymbol(symbol)
	if sym == "" {
		return nil, ErrSymbolRequired
	}
	totals, err := e.loadHoldings([]byte(totalSetKey))
	if err != nil {
		return nil, err
	}
	return lookupAmount(totals, sym), nil
}

// TotalBalances returns every non-zero book total in symbol order.
func (e *Engine) TotalBalances() ([]Holding, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	totals, err := e.loadHoldings([]byte(totalSetKey))
	if err != nil {
		return nil, err
	}
	return sortedHoldings(totals), nil
}

// TotalValue prices every book total and returns the sum.
func (e *Engine) TotalValue() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	totals, err := e.loadHoldings([]byte(totalSetKey))
	if err != nil {
		return nil, err
	}
	return e.valueHoldings(totals)
}

// UserValue prices the user's rows and returns the sum.
func (e *Engine) UserValue(user [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	holdings, err := e.loadHoldings(holdingKey(user))
	if err != nil {
		return nil, err
	}
	return e.valueHoldings(holdings)
}

func (e *Engine) valueHoldings(holdings map[string]*big.Int) (*big.Int, error) {
	if e.prices == nil {
		return nil, errNilPrices
	}
	total := big.NewInt(0)
	for sym, amount := range holdings {
		if amount.Sign() == 0 {
			continue
		}
		price, err := e.prices.GetPrice(sym)
		if err != nil {
			return nil, fmt.Errorf("accountbook engine: price %s: %w", sym, err)
		}
		total.Add(total, new(big.Int).Mul(price, amount))
	}
	return total, nil
}

func (e *Engine) loadHoldings(key []byte) (map[string]*big.Int, error) {
	var envelope nativecommon.RecordEnvelope
	ok, err := e.state.KVGet(key, &envelope)
	if err != nil {
		return nil, fmt.Errorf("accountbook engine: load holdings: %w", err)
	}
	holdings := make(map[string]*big.Int)
	if !ok {
		return holdings, nil
	}
	switch envelope.Version {
	case holdingSetRecordVersion:
		var stored storedHoldingSetV1
		if err := envelope.Decode(&stored); err != nil {
			return nil, fmt.Errorf("accountbook engine: decode holdings: %w", err)
		}
		for _, entry := range stored.Entries {
			amount := new(big.Int)
			if entry.Amount != nil {
				amount.Set(entry.Amount)
			}
			holdings[entry.Symbol] = amount
		}
		return holdings, nil
	default:
		return nil, fmt.Errorf("accountbook engine: unknown holding version %d", envelope.Version)
	}
}

func (e *Engine) storeHoldings(key []byte, holdings map[string]*big.Int) error {
	symbols := make([]string, 0, len(holdings))
	for sym, amount := range holdings {
		if amount.Sign() == 0 {
			continue
		}
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	stored := storedHoldingSetV1{Entries: make([]storedHoldingEntryV1, 0, len(symbols))}
	for _, sym := range symbols {
		stored.Entries = append(stored.Entries, storedHoldingEntryV1{Symbol: sym, Amount: new(big.Int).Set(holdings[sym])})
	}
	envelope, err := nativecommon.EncodeRecord(holdingSetRecordVersion, stored)
	if err != nil {
		return fmt.Errorf("accountbook engine: encode holdings: %w", err)
	}
	if err := e.state.KVPut(key, envelope); err != nil {
		return fmt.Errorf("accountbook engine: persist holdings: %w", err)
	}
	return nil
}

func sortedHoldings(holdings map[string]*big.Int) []Holding {
	symbols := make([]string, 0, len(holdings))
	for sym, amount := range holdings {
		if amount.Sign() == 0 {
			continue
		}
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	entries := make([]Holding, 0, len(symbols))
	for _, sym := range symbols {
		entries = append(entries, Holding{Symbol: sym, Amount: new(big.Int).Set(holdings[sym])})
	}
	return entries
}

func lookupAmount(m map[string]*big.Int, sym string) *big.Int {
	if amount, ok := m[sym]; ok {
		return new(big.Int).Set(amount)
	}
	return big.NewInt(0)
}

func addAmount(m map[string]*big.Int, sym string, delta *big.Int) {
	cur, ok := m[sym]
	if !ok {
		cur = big.NewInt(0)
	}
	m[sym] = new(big.Int).Add(cur, delta)
}

func subAmount(m map[string]*big.Int, sym string, delta *big.Int) {
	cur, ok := m[sym]
	if !ok {
		cur = big.NewInt(0)
	}
	m[sym] = new(big.Int).Sub(cur, delta)
}

func holdingKey(user [20]byte) []byte {
	return append([]byte(holdingPrefix), user[:]...)
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
