package debtpool

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	nativecommon "raftex/native/common"
)

// RatioDivisor is the fixed-point denominator for debt-ratio shares: a ratio
// of RatioDivisor means the participant owns the entire pool.
const RatioDivisor = 1_000_000

const basisPoints = 10_000

const (
	netSetKey     = "debtpool/nets"
	ratioSetKey   = "debtpool/ratios"
	contribPrefix = "debtpool/user/"

	netSetRecordVersion     = 1
	ratioSetRecordVersion   = 1
	contribSetRecordVersion = 1
)

var (
	errNilState  = errors.New("debtpool engine: state not configured")
	errNilPrices = errors.New("debtpool engine: price source not configured")

	// ErrSymbolRequired indicates the caller supplied an empty raft symbol.
	ErrSymbolRequired = errors.New("debtpool engine: symbol required")
	// ErrInvalidAmount indicates a zero or negative amount.
	ErrInvalidAmount = errors.New("debtpool engine: amount must be positive")
	// ErrInvalidFee indicates a fee rate at or above 100%.
	ErrInvalidFee = errors.New("debtpool engine: fee rate out of range")
	// ErrInsufficientBalance indicates the user's own pooled contribution does
	// not cover the requested amount.
	ErrInsufficientBalance = errors.New("debtpool engine: insufficient pooled balance")
	// ErrZeroTotalValue indicates an operation that would divide by a zero or
	// negative total pool value while participants are still tracked.
	ErrZeroTotalValue = errors.New("debtpool engine: zero total pool value")
)

// PriceSource resolves unit prices for valuation. native/oracle.Engine
// satisfies it.
type PriceSource interface {
	GetPrice(symbol string) (*big.Int, error)
}

// Storage captures the persistence operations required by the pool.
// core/state.Manager satisfies it.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

// NetPosition reports the pool's signed net exposure in one raft. A negative
// amount means the pool owes the asset rather than holding it.
type NetPosition struct {
	Symbol string
	Amount *big.Int
}

// Contribution reports one user's pooled holding of a raft.
type Contribution struct {
	Symbol string
	Amount *big.Int
}

// RatioEntry reports one participant's fixed-point share of pool value.
type RatioEntry struct {
	Address [20]byte
	Ratio   uint64
}

type storedNetEntryV1 struct {
	Symbol string
	Neg    bool
	Abs    *big.Int
}

type storedNetSetV1 struct {
	Entries []storedNetEntryV1
}

type storedRatioEntryV1 struct {
	Address [20]byte
	Ratio   uint64
}

type storedRatioSetV1 struct {
	Entries []storedRatioEntryV1
}

type storedContribEntryV1 struct {
	Symbol string
	Amount *big.Int
}

type storedContribSetV1 struct {
	Entries []storedContribEntryV1
}

// Engine maintains the shared debt pool: per-raft signed net positions,
// per-user contributions and the proportional debt ratios. All mutation runs
// through Join, Swap and the redemption helpers so the ratio invariant
// (ratios sum to RatioDivisor while the pool has participants) is preserved.
type Engine struct {
	state  Storage
	prices PriceSource
}

// NewEngine constructs an idle pool engine. Wire persistence and prices via
// SetState and SetPriceSource before use.
func NewEngine() *Engine {
	return &Engine{}
}

// SetState attaches the persistence backend.
func (e *Engine) SetState(state Storage) { e.state = state }

// SetPriceSource attaches the oracle used for valuation.
func (e *Engine) SetPriceSource(prices PriceSource) { e.prices = prices }

// Join adds amount of the raft to the pool on behalf of user and
// redistributes debt ratios in a single pass: existing participants are
// diluted by oldTotal/newTotal and the joiner is credited the value share of
// their contribution. The genesis deposit short-circuits to a full
// RatioDivisor share.
func (e *Engine) Join(user [20]byte, symbol string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.prices == nil {
		return errNilPrices
	}
	sym := normalizeSymbol(symbol)
	if sym == "" {
		return ErrSymbolRequired
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	nets, err := e.loadNets()
	if err != nil {
		return err
	}
	contribs, err := e.loadContribs(user)
	if err != nil {
		return err
	}
	ratios, err := e.loadRatios()
	if err != nil {
		return err
	}

	if len(nets) == 0 {
		addAmount(nets, sym, amount)
		addAmount(contribs, sym, amount)
		ratios[user] = RatioDivisor
		if err := e.storeNets(nets); err != nil {
			return err
		}
		if err := e.storeContribs(user, contribs); err != nil {
			return err
		}
		return e.storeRatios(ratios)
	}

	price, err := e.price(sym)
	if err != nil {
		return err
	}
	oldTotal, err := e.valueNets(nets)
	if err != nil {
		return err
	}
	joinValue := new(big.Int).Mul(price, amount)
	newTotal := new(big.Int).Add(oldTotal, joinValue)
	if newTotal.Sign() <= 0 {
		return ErrZeroTotalValue
	}
	if len(ratios) > 0 && oldTotal.Sign() <= 0 {
		return ErrZeroTotalValue
	}

	addAmount(nets, sym, amount)
	addAmount(contribs, sym, amount)

	// Single-pass redistribution: dilute everyone else, credit the joiner.
	joinerOld := ratios[user]
	for addr, ratio := range ratios {
		if addr == user {
			continue
		}
		ratios[addr] = scaleRatio(ratio, oldTotal, newTotal)
	}
	joiner := new(big.Int).SetUint64(joinerOld)
	joiner.Mul(joiner, oldTotal)
	joiner.Add(joiner, new(big.Int).Mul(joinValue, big.NewInt(RatioDivisor)))
	joiner.Quo(joiner, newTotal)
	ratios[user] = joiner.Uint64()

	if err := e.storeNets(nets); err != nil {
		return err
	}
	if err := e.storeContribs(user, contribs); err != nil {
		return err
	}
	return e.storeRatios(ratios)
}

// SwapPreview computes the fee and output amount of a pool swap without
// touching state.
func (e *Engine) SwapPreview(oldSymbol, newSymbol string, amount *big.Int, feeBps uint64) (*big.Int, *big.Int, error) {
	if e == nil || e.prices == nil {
		return nil, nil, errNilPrices
	}
	oldSym := normalizeSymbol(oldSymbol)
	newSym := normalizeSymbol(newSymbol)
	if oldSym == "" || newSym == "" {
		return nil, nil, ErrSymbolRequired
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	if feeBps >= basisPoints {
		return nil, nil, ErrInvalidFee
	}
	oldPrice, err := e.price(oldSym)
	if err != nil {
		return nil, nil, err
	}
	newPrice, err := e.price(newSym)
	if err != nil {
		return nil, nil, err
	}
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(feeBps))
	fee.Quo(fee, big.NewInt(basisPoints))
	out := new(big.Int).Sub(amount, fee)
	out.Mul(out, oldPrice)
	out.Quo(out, newPrice)
	return fee, out, nil
}

// Swap exchanges amount of the user's pooled oldSymbol contribution for the
// value-equivalent newSymbol amount. The fee (in oldSymbol) is credited to
// feeRecipient's contribution row; net positions move by signed add/subtract,
// so a position may flip negative. Debt ratios are not recalculated: the
// composition of the pool changes, not its proportional ownership.
func (e *Engine) Swap(user [20]byte, oldSymbol, newSymbol string, amount *big.Int, feeBps uint64, feeRecipient [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	fee, out, err := e.SwapPreview(oldSymbol, newSymbol, amount, feeBps)
	if err != nil {
		return nil, err
	}
	oldSym := normalizeSymbol(oldSymbol)
	newSym := normalizeSymbol(newSymbol)

	contribs, err := e.loadContribs(user)
	if err != nil {
		return nil, err
	}
	row := lookupAmount(contribs, oldSym)
	if row.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: %s has %s of %s, need %s", ErrInsufficientBalance, addressHex(user), row, oldSym, amount)
	}
	nets, err := e.loadNets()
	if err != nil {
		return nil, err
	}

	subAmount(contribs, oldSym, amount)
	addAmount(contribs, newSym, out)

	netDebit := new(big.Int).Sub(amount, fee)
	subAmount(nets, oldSym, netDebit)
	addAmount(nets, newSym, out)

	if feeRecipient == user {
		addAmount(contribs, oldSym, fee)
	} else if fee.Sign() > 0 {
		recipientContribs, err := e.loadContribs(feeRecipient)
		if err != nil {
			return nil, err
		}
		addAmount(recipientContribs, oldSym, fee)
		if err := e.storeContribs(feeRecipient, recipientContribs); err != nil {
			return nil, err
		}
	}

	if err := e.storeNets(nets); err != nil {
		return nil, err
	}
	if err := e.storeContribs(user, contribs); err != nil {
		return nil, err
	}
	return new(big.Int).Set(out), nil
}

// SettleDebt runs the pool side of a redemption exit: the user's settlement
// row is debited by up to debtAmount, the settlement net position by the full
// debtAmount, and the user's ratio entry is removed. It returns what the pool
// row actually covered; the caller draws any shortfall from the individual
// ledger. Callers validate the shortfall before invoking this.
func (e *Engine) SettleDebt(user [20]byte, settlement string, debtAmount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	sym := normalizeSymbol(settlement)
	if sym == "" {
		return nil, ErrSymbolRequired
	}
	if debtAmount == nil || debtAmount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	contribs, err := e.loadContribs(user)
	if err != nil {
		return nil, err
	}
	nets, err := e.loadNets()
	if err != nil {
		return nil, err
	}
	ratios, err := e.loadRatios()
	if err != nil {
		return nil, err
	}

	row := lookupAmount(contribs, sym)
	paid := new(big.Int).Set(debtAmount)
	if row.Cmp(debtAmount) < 0 {
		paid.Set(row)
	}
	subAmount(contribs, sym, paid)
	subAmount(nets, sym, debtAmount)
	delete(ratios, user)

	if err := e.storeContribs(user, contribs); err != nil {
		return nil, err
	}
	if err := e.storeNets(nets); err != nil {
		return nil, err
	}
	if err := e.storeRatios(ratios); err != nil {
		return nil, err
	}
	return paid, nil
}

// RescaleAllRatios multiplies every tracked ratio by oldTotal/newTotal. It is
// applied after a redemption removes value from the pool without a join, to
// keep the remaining participants' shares summing to RatioDivisor.
func (e *Engine) RescaleAllRatios(oldTotal, newTotal *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if oldTotal == nil || newTotal == nil {
		return ErrInvalidAmount
	}
	ratios, err := e.loadRatios()
	if err != nil {
		return err
	}
	if len(ratios) == 0 {
		return nil
	}
	if newTotal.Sign() <= 0 || oldTotal.Sign() <= 0 {
		return ErrZeroTotalValue
	}
	for addr, ratio := range ratios {
		ratios[addr] = scaleRatio(ratio, oldTotal, newTotal)
	}
	return e.storeRatios(ratios)
}

// DrainUserRows removes every remaining contribution row of the user from the
// pool, debiting the matching net positions, and returns the drained entries
// in symbol order so the caller can migrate them into the individual ledger.
func (e *Engine) DrainUserRows(user [20]byte) ([]Contribution, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	contribs, err := e.loadContribs(user)
	if err != nil {
		return nil, err
	}
	if len(contribs) == 0 {
		return []Contribution{}, nil
	}
	nets, err := e.loadNets()
	if err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(contribs))
	for sym := range contribs {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	drained := make([]Contribution, 0, len(symbols))
	for _, sym := range symbols {
		amount := contribs[sym]
		if amount.Sign() == 0 {
			continue
		}
		subAmount(nets, sym, amount)
		drained = append(drained, Contribution{Symbol: sym, Amount: new(big.Int).Set(amount)})
	}
	if err := e.storeNets(nets); err != nil {
		return nil, err
	}
	if err := e.state.KVDelete(contribKey(user)); err != nil {
		return nil, fmt.Errorf("debtpool engine: delete contributions: %w", err)
	}
	return drained, nil
}

// TotalValue prices every net position and returns the signed sum.
func (e *Engine) TotalValue() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	nets, err := e.loadNets()
	if err != nil {
		return nil, err
	}
	return e.valueNets(nets)
}

// UserValue prices the user's own contribution rows and returns the sum.
func (e *Engine) UserValue(user [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.prices == nil {
		return nil, errNilPrices
	}
	contribs, err := e.loadContribs(user)
	if err != nil {
		return nil, err
	}
	total := big.NewInt(0)
	for sym, amount := range contribs {
		if amount.Sign() == 0 {
			continue
		}
		price, err := e.price(sym)
		if err != nil {
			return nil, err
		}
		total.Add(total, new(big.Int).Mul(price, amount))
	}
	return total, nil
}

// Ratio returns the user's debt ratio and whether an entry is tracked.
func (e *Engine) Ratio(user [20]byte) (uint64, bool, error) {
	if e == nil || e.state == nil {
		return 0, false, errNilState
	}
	ratios, err := e.loadRatios()
	if err != nil {
		return 0, false, err
	}
	ratio, ok := ratios[user]
	return ratio, ok, nil
}

// Ratios returns every tracked ratio entry ordered by address.
func (e *Engine) Ratios() ([]RatioEntry, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	ratios, err := e.loadRatios()
	if err != nil {
		return nil, err
	}
	entries := make([]RatioEntry, 0, len(ratios))
	for addr, ratio := range ratios {
		entries = append(entries, RatioEntry{Address: addr, Ratio: ratio})
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].Address[:], entries[j].Address[:]) < 0
	})
	return entries, nil
}

// NetPosition returns the pool's signed net exposure in the raft.
func (e *Engine) NetPosition(symbol string) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	sym := normalizeSymbol(symbol)
	if sym == "" {
		return nil, ErrSymbolRequired
	}
	nets, err := e.loadNets()
	if err != nil {
		return nil, err
	}
	return lookupAmount(nets, sym), nil
}

// NetPositions returns every tracked net position in symbol order, including
// rows that have been drained back to zero.
func (e *Engine) NetPositions() ([]NetPosition, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	nets, err := e.loadNets()
	if err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(nets))
	for sym := range nets {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	entries := make([]NetPosition, 0, len(symbols))
	for _, sym := range symbols {
		entries = append(entries, NetPosition{Symbol: sym, Amount: new(big.Int).Set(nets[sym])})
	}
	return entries, nil
}

// UserContribution returns the user's pooled holding of the raft; absence
// reads as zero.
func (e *Engine) UserContribution(user [20]byte, symbol string) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	sym := normalizeSymbol(symbol)
	if sym == "" {
		return nil, ErrSymbolRequired
	}
	contribs, err := e.loadContribs(user)
	if err != nil {
		return nil, err
	}
	return lookupAmount(contribs, sym), nil
}

// UserContributions returns the user's non-zero contribution rows in symbol
// order.
func (e *Engine) UserContributions(user [20]byte) ([]Contribution, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	contribs, err := e.loadContribs(user)
	if err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(contribs))
	for sym, amount := range contribs {
		if amount.Sign() == 0 {
			continue
		}
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	entries := make([]Contribution, 0, len(symbols))
	for _, sym := range symbols {
		entries = append(entries, Contribution{Symbol: sym, Amount: new(big.Int).Set(contribs[sym])})
	}
	return entries, nil
}

func (e *Engine) price(symbol string) (*big.Int, error) {
	price, err := e.prices.GetPrice(symbol)
	if err != nil {
		return nil, fmt.Errorf("debtpool engine: price %s: %w", symbol, err)
	}
	return price, nil
}

func (e *Engine) valueNets(nets map[string]*big.Int) (*big.Int, error) {
	if e.prices == nil {
		return nil, errNilPrices
	}
	total := big.NewInt(0)
	for sym, amount := range nets {
		if amount.Sign() == 0 {
			continue
		}
		price, err := e.price(sym)
		if err != nil {
			return nil, err
		}
		total.Add(total, new(big.Int).Mul(price, amount))
	}
	return total, nil
}

func (e *Engine) loadNets() (map[string]*big.Int, error) {
	var envelope nativecommon.RecordEnvelope
	ok, err := e.state.KVGet([]byte(netSetKey), &envelope)
	if err != nil {
		return nil, fmt.Errorf("debtpool engine: load net positions: %w", err)
	}
	nets := make(map[string]*big.Int)
	if !ok {
		return nets, nil
	}
	switch envelope.Version {
	case netSetRecordVersion:
		var stored storedNetSetV1
		if err := envelope.Decode(&stored); err != nil {
			return nil, fmt.Errorf("debtpool engine: decode net positions: %w", err)
		}
		for _, entry := range stored.Entries {
			amount := new(big.Int)
			if entry.Abs != nil {
				amount.Set(entry.Abs)
			}
			if entry.Neg {
				amount.Neg(amount)
			}
			nets[entry.Symbol] = amount
		}
		return nets, nil
	default:
		return nil, fmt.Errorf("debtpool engine: unknown net position version %d", envelope.Version)
	}
}

func (e *Engine) storeNets(nets map[string]*big.Int) error {
	symbols := make([]string, 0, len(nets))
	for sym := range nets {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	stored := storedNetSetV1{Entries: make([]storedNetEntryV1, 0, len(symbols))}
	for _, sym := range symbols {
		amount := nets[sym]
		abs := new(big.Int).Abs(amount)
		stored.Entries = append(stored.Entries, storedNetEntryV1{
			Symbol: sym,
			Neg:    amount.Sign() < 0,
			Abs:    abs,
		})
	}
	envelope, err := nativecommon.EncodeRecord(netSetRecordVersion, stored)
	if err != nil {
		return fmt.Errorf("debtpool engine: encode net positions: %w", err)
	}
	if err := e.state.KVPut([]byte(netSetKey), envelope); err != nil {
		return fmt.Errorf("debtpool engine: persist net positions: %w", err)
	}
	return nil
}

func (e *Engine) loadRatios() (map[[20]byte]uint64, error) {
	var envelope nativecommon.RecordEnvelope
	ok, err := e.state.KVGet([]byte(ratioSetKey), &envelope)
	if err != nil {
		return nil, fmt.Errorf("debtpool engine: load ratios: %w", err)
	}
	ratios := make(map[[20]byte]uint64)
	if !ok {
		return ratios, nil
	}
	switch envelope.Version {
	case ratioSetRecordVersion:
		var stored storedRatioSetV1
		if err := envelope.Decode(&stored); err != nil {
			return nil, fmt.Errorf("debtpool engine: decode ratios: %w", err)
		}
		for _, entry := range stored.Entries {
			ratios[entry.Address] = entry.Ratio
		}
		return ratios, nil
	default:
		return nil, fmt.Errorf("debtpool engine: unknown ratio record version %d", envelope.Version)
	}
}

func (e *Engine) storeRatios(ratios map[[20]byte]uint64) error {
	addrs := make([][20]byte, 0, len(ratios))
	for addr := range ratios {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i][:], addrs[j][:]) < 0
	})
	stored := storedRatioSetV1{Entries: make([]storedRatioEntryV1, 0, len(addrs))}
	for _, addr := range addrs {
		stored.Entries = append(stored.Entries, storedRatioEntryV1{Address: addr, Ratio: ratios[addr]})
	}
	envelope, err := nativecommon.EncodeRecord(ratioSetRecordVersion, stored)
	if err != nil {
		return fmt.Errorf("debtpool engine: encode ratios: %w", err)
	}
	if err := e.state.KVPut([]byte(ratioSetKey), envelope); err != nil {
		return fmt.Errorf("debtpool engine: persist ratios: %w", err)
	}
	return nil
}

func (e *Engine) loadContribs(user [20]byte) (map[string]*big.Int, error) {
	var envelope nativecommon.RecordEnvelope
	ok, err := e.state.KVGet(contribKey(user), &envelope)
	if err != nil {
		return nil, fmt.Errorf("debtpool engine: load contributions: %w", err)
	}
	contribs := make(map[string]*big.Int)
	if !ok {
		return contribs, nil
	}
	switch envelope.Version {
	case contribSetRecordVersion:
		var stored storedContribSetV1
		if err := envelope.Decode(&stored); err != nil {
			return nil, fmt.Errorf("debtpool engine: decode contributions: %w", err)
		}
		for _, entry := range stored.Entries {
			amount := new(big.Int)
			if entry.Amount != nil {
				amount.Set(entry.Amount)
			}
			contribs[entry.Symbol] = amount
		}
		return contribs, nil
	default:
		return nil, fmt.Errorf("debtpool engine: unknown contribution version %d", envelope.Version)
	}
}

func (e *Engine) storeContribs(user [20]byte, contribs map[string]*big.Int) error {
	symbols := make([]string, 0, len(contribs))
	for sym, amount := range contribs {
		if amount.Sign() == 0 {
			continue
		}
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	stored := storedContribSetV1{Entries: make([]storedContribEntryV1, 0, len(symbols))}
	for _, sym := range symbols {
		stored.Entries = append(stored.Entries, storedContribEntryV1{Symbol: sym, Amount: new(big.Int).Set(contribs[sym])})
	}
	envelope, err := nativecommon.EncodeRecord(contribSetRecordVersion, stored)
	if err != nil {
		return fmt.Errorf("debtpool engine: encode contributions: %w", err)
	}
	if err := e.state.KVPut(contribKey(user), envelope); err != nil {
		return fmt.Errorf("debtpool engine: persist contributions: %w", err)
	}
	return nil
}

// scaleRatio computes ratio*num/den with truncation, clamping pathological
// negative inputs to zero.
func scaleRatio(ratio uint64, num, den *big.Int) uint64 {
	r := new(big.Int).SetUint64(ratio)
	r.Mul(r, num)
	r.Quo(r, den)
	if r.Sign() < 0 {
		return 0
	}
	if !r.IsUint64() {
		return RatioDivisor
	}
	return r.Uint64()
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

func contribKey(user [20]byte) []byte {
	return append([]byte(contribPrefix), user[:]...)
}

func addressHex(addr [20]byte) string {
	return fmt.Sprintf("%x", addr)
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
