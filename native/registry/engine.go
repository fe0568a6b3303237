package registry

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"raftex/core/events"
	nativecommon "raftex/native/common"
)

// BasisPoints is the denominator for all fee rates.
const BasisPoints = 10_000

// SettlementSymbol identifies the raft used to denominate redemption payouts.
// Its unit price is pinned to 1.0 at genesis.
const SettlementSymbol = "RUSD"

const (
	// leverage bounds the admin may configure the band within.
	leverageFloor   = 1
	leverageCeiling = 100

	assetPrefix   = "registry/asset/"
	assetIndexKey = "registry/assets"
	tokenListKey  = "registry/whitelist/tokens"
	raftListKey   = "registry/whitelist/rafts"
	paramsKey     = "registry/params"

	assetRecordVersion     = 1
	paramsRecordVersion    = 1
	symbolSetRecordVersion = 1
)

var (
	errNilState = errors.New("registry engine: state not configured")

	// ErrSymbolRequired indicates the caller supplied an empty asset symbol.
	ErrSymbolRequired = errors.New("registry engine: symbol required")
	// ErrAssetNotFound indicates the symbol has no registered asset record.
	ErrAssetNotFound = errors.New("registry engine: asset not found")
	// ErrInvalidAsset indicates a malformed asset definition.
	ErrInvalidAsset = errors.New("registry engine: invalid asset definition")
	// ErrInvalidParams indicates a governance parameter outside its legal range.
	ErrInvalidParams = errors.New("registry engine: invalid parameters")
	// ErrSettlementAssetMissing indicates the settlement raft has not been
	// registered and whitelisted yet.
	ErrSettlementAssetMissing = errors.New("registry engine: settlement asset not registered")
)

// AssetState tags the lifecycle of a registered asset. Retired assets keep
// their record for historical queries but are expected to leave the
// whitelists.
type AssetState uint8

const (
	AssetActive  AssetState = 1
	AssetRetired AssetState = 2
)

func (s AssetState) String() string {
	switch s {
	case AssetActive:
		return "active"
	case AssetRetired:
		return "retired"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Asset describes a token or synthetic raft known to the exchange.
type Asset struct {
	Name     string
	Symbol   string
	Standard string
	Decimals uint8
	// Address is the external token identifier the settlement transport
	// transfers against. Synthetic rafts leave it empty.
	Address string
	// FeedID names the upstream feed the oracle price is sourced from.
	FeedID string
	// CollateralRatio is the minimum collateral percent for individual
	// (non-pooled) minting of this raft. Zero disables the floor.
	CollateralRatio uint64
	State           AssetState
}

// Params holds the governance-controlled knobs of the exchange.
type Params struct {
	LeverageMin      uint64
	LeverageMax      uint64
	ExchangeFeeBps   uint64
	InterestFeeBps   uint64
	Running          bool
	StorageBytePrice *big.Int
}

// DefaultParams returns the genesis parameter set.
func DefaultParams() Params {
	return Params{
		LeverageMin:      1,
		LeverageMax:      10,
		ExchangeFeeBps:   30,
		InterestFeeBps:   0,
		Running:          true,
		StorageBytePrice: big.NewInt(10_000),
	}
}

type storedAssetV1 struct {
	Name            string
	Symbol          string
	Standard        string
	Decimals        uint8
	Address         string
	FeedID          string
	CollateralRatio uint64
	State           uint8
}

type storedParamsV1 struct {
	LeverageMin      uint64
	LeverageMax      uint64
	ExchangeFeeBps   uint64
	InterestFeeBps   uint64
	Running          bool
	StorageBytePrice *big.Int
}

type storedSymbolSetV1 struct {
	Symbols []string
}

// Storage captures the persistence operations required by the registry.
// core/state.Manager satisfies it.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Engine maintains asset definitions, the two whitelists and the governance
// parameters. Owner authorisation is enforced by the caller; the engine
// validates shape and range. It doubles as the pause view consulted by the
// other engines.
type Engine struct {
	state   Storage
	emitter events.Emitter
}

// NewEngine constructs an idle registry engine. Wire persistence via SetState
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

var _ nativecommon.PauseView = (*Engine)(nil)

// IsPaused implements common.PauseView: every module shares the exchange-wide
// running flag. Storage failures report paused so a broken registry halts
// mutation instead of letting it through unguarded.
func (e *Engine) IsPaused(string) bool {
	params, err := e.Params()
	if err != nil {
		return true
	}
	return !params.Running
}

// RegisterAsset stores (or overwrites) an asset definition. The symbol is
// canonicalised to upper case; empty Name and Standard fields receive
// defaults.
func (e *Engine) RegisterAsset(asset Asset) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	sym := normalizeSymbol(asset.Symbol)
	if sym == "" {
		return ErrSymbolRequired
	}
	if asset.Decimals > 30 {
		return fmt.Errorf("%w: decimals %d out of range", ErrInvalidAsset, asset.Decimals)
	}
	name := strings.TrimSpace(asset.Name)
	if name == "" {
		name = sym
	}
	standard := strings.TrimSpace(asset.Standard)
	if standard == "" {
		standard = "ft"
	}
	state := asset.State
	if state == 0 {
		state = AssetActive
	}
	stored := storedAssetV1{
		Name:            name,
		Symbol:          sym,
		Standard:        standard,
		Decimals:        asset.Decimals,
		Address:         strings.TrimSpace(asset.Address),
		FeedID:          strings.TrimSpace(asset.FeedID),
		CollateralRatio: asset.CollateralRatio,
		State:           uint8(state),
	}
	envelope, err := nativecommon.EncodeRecord(assetRecordVersion, stored)
	if err != nil {
		return fmt.Errorf("registry engine: encode asset: %w", err)
	}
	if err := e.state.KVPut(assetKey(sym), envelope); err != nil {
		return fmt.Errorf("registry engine: persist asset: %w", err)
	}
	index, err := e.loadSymbolSet(assetIndexKey)
	if err != nil {
		return err
	}
	if added := addSymbol(&index, sym); added {
		if err := e.storeSymbolSet(assetIndexKey, index); err != nil {
			return err
		}
	}
	e.emit(events.AssetRegistered{Symbol: sym, Kind: standard})
	return nil
}

// GetAsset resolves the asset definition for the symbol.
func (e *Engine) GetAsset(symbol string) (Asset, error) {
	if e == nil || e.state == nil {
		return Asset{}, errNilState
	}
	sym := normalizeSymbol(symbol)
	if sym == "" {
		return Asset{}, ErrSymbolRequired
	}
	var envelope nativecommon.RecordEnvelope
	ok, err := e.state.KVGet(assetKey(sym), &envelope)
	if err != nil {
		return Asset{}, fmt.Errorf("registry engine: load asset: %w", err)
	}
	if !ok {
		return Asset{}, fmt.Errorf("%w: %s", ErrAssetNotFound, sym)
	}
	switch envelope.Version {
	case assetRecordVersion:
		var stored storedAssetV1
		if err := envelope.Decode(&stored); err != nil {
			return Asset{}, fmt.Errorf("registry engine: decode asset: %w", err)
		}
		return Asset{
			Name:            stored.Name,
			Symbol:          stored.Symbol,
			Standard:        stored.Standard,
			Decimals:        stored.Decimals,
			Address:         stored.Address,
			FeedID:          stored.FeedID,
			CollateralRatio: stored.CollateralRatio,
			State:           AssetState(stored.State),
		}, nil
	default:
		return Asset{}, fmt.Errorf("registry engine: unknown asset record version %d", envelope.Version)
	}
}

// ListAssets returns every registered asset in symbol order.
func (e *Engine) ListAssets() ([]Asset, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	index, err := e.loadSymbolSet(assetIndexKey)
	if err != nil {
		return nil, err
	}
	assets := make([]Asset, 0, len(index))
	for _, sym := range index {
		asset, err := e.GetAsset(sym)
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, nil
}

// WhitelistToken admits a registered asset to the collateral-token list.
// Re-whitelisting a member is a no-op.
func (e *Engine) WhitelistToken(symbol string) error {
	return e.whitelist(tokenListKey, "token", symbol)
}

// RemoveToken drops the symbol from the collateral-token list. Removing a
// non-member is a no-op.
func (e *Engine) RemoveToken(symbol string) error {
	return e.unwhitelist(tokenListKey, "token", symbol)
}

// WhitelistRaft admits a registered asset to the synthetic-raft list.
func (e *Engine) WhitelistRaft(symbol string) error {
	return e.whitelist(raftListKey, "raft", symbol)
}

// RemoveRaft drops the symbol from the synthetic-raft list.
func (e *Engine) RemoveRaft(symbol string) error {
	return e.unwhitelist(raftListKey, "raft", symbol)
}

// IsTokenWhitelisted reports collateral-token membership.
func (e *Engine) IsTokenWhitelisted(symbol string) (bool, error) {
	return e.isListed(tokenListKey, symbol)
}

// IsRaftWhitelisted reports synthetic-raft membership.
func (e *Engine) IsRaftWhitelisted(symbol string) (bool, error) {
	return e.isListed(raftListKey, symbol)
}

// TokenList returns the whitelisted collateral tokens in symbol order.
func (e *Engine) TokenList() ([]string, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.loadSymbolSet(tokenListKey)
}

// RaftList returns the whitelisted synthetic rafts in symbol order.
func (e *Engine) RaftList() ([]string, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.loadSymbolSet(raftListKey)
}

// SettlementAsset resolves the raft redemption payouts settle in.
func (e *Engine) SettlementAsset() (Asset, error) {
	listed, err := e.IsRaftWhitelisted(SettlementSymbol)
	if err != nil {
		return Asset{}, err
	}
	if !listed {
		return Asset{}, ErrSettlementAssetMissing
	}
	asset, err := e.GetAsset(SettlementSymbol)
	if err != nil {
		if errors.Is(err, ErrAssetNotFound) {
			return Asset{}, ErrSettlementAssetMissing
		}
		return Asset{}, err
	}
	return asset, nil
}

// Params returns the stored governance parameters, falling back to the
// genesis defaults when none were persisted yet.
func (e *Engine) Params() (Params, error) {
	if e == nil || e.state == nil {
		return Params{}, errNilState
	}
	var envelope nativecommon.RecordEnvelope
	ok, err := e.state.KVGet([]byte(paramsKey), &envelope)
	if err != nil {
		return Params{}, fmt.Errorf("registry engine: load params: %w", err)
	}
	if !ok {
		return DefaultParams(), nil
	}
	switch envelope.Version {
	case paramsRecordVersion:
		var stored storedParamsV1
		if err := envelope.Decode(&stored); err != nil {
			return Params{}, fmt.Errorf("registry engine: decode params: %w", err)
		}
		price := new(big.Int)
		if stored.StorageBytePrice != nil {
			price.Set(stored.StorageBytePrice)
		}
		return Params{
			LeverageMin:      stored.LeverageMin,
			LeverageMax:      stored.LeverageMax,
			ExchangeFeeBps:   stored.ExchangeFeeBps,
			InterestFeeBps:   stored.InterestFeeBps,
			Running:          stored.Running,
			StorageBytePrice: price,
		}, nil
	default:
		return Params{}, fmt.Errorf("registry engine: unknown params record version %d", envelope.Version)
	}
}

// SetLeverageBand replaces the pooled-mint leverage band. Both bounds must
// lie within [1, 100] and min must not exceed max.
func (e *Engine) SetLeverageBand(min, max uint64) error {
	if min < leverageFloor || max > leverageCeiling || min > max {
		return fmt.Errorf("%w: leverage band [%d, %d]", ErrInvalidParams, min, max)
	}
	return e.updateParams("leverageBand", fmt.Sprintf("%d-%d", min, max), func(p *Params) {
		p.LeverageMin = min
		p.LeverageMax = max
	})
}

// SetExchangeFee replaces the pool-swap fee rate.
func (e *Engine) SetExchangeFee(bps uint64) error {
	if bps >= BasisPoints {
		return fmt.Errorf("%w: exchange fee %d bps", ErrInvalidParams, bps)
	}
	return e.updateParams("exchangeFeeBps", strconv.FormatUint(bps, 10), func(p *Params) {
		p.ExchangeFeeBps = bps
	})
}

// SetInterestFee replaces the book-redemption fee rate.
func (e *Engine) SetInterestFee(bps uint64) error {
	if bps >= BasisPoints {
		return fmt.Errorf("%w: interest fee %d bps", ErrInvalidParams, bps)
	}
	return e.updateParams("interestFeeBps", strconv.FormatUint(bps, 10), func(p *Params) {
		p.InterestFeeBps = bps
	})
}

// SetStorageBytePrice replaces the per-byte price charged against deposit
// accounts for ledger growth.
func (e *Engine) SetStorageBytePrice(price *big.Int) error {
	if price == nil || price.Sign() <= 0 {
		return fmt.Errorf("%w: storage byte price must be positive", ErrInvalidParams)
	}
	value := new(big.Int).Set(price)
	return e.updateParams("storageBytePrice", value.String(), func(p *Params) {
		p.StorageBytePrice = value
	})
}

// SetRunning flips the exchange-wide running flag consulted by IsPaused.
func (e *Engine) SetRunning(running bool) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	params, err := e.Params()
	if err != nil {
		return err
	}
	if params.Running == running {
		return nil
	}
	params.Running = running
	if err := e.storeParams(params); err != nil {
		return err
	}
	e.emit(events.PauseToggled{Paused: !running})
	return nil
}

func (e *Engine) updateParams(field, value string, mutate func(*Params)) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	params, err := e.Params()
	if err != nil {
		return err
	}
	mutate(&params)
	if err := e.storeParams(params); err != nil {
		return err
	}
	e.emit(events.ParamsUpdated{Field: field, Value: value})
	return nil
}

func (e *Engine) storeParams(params Params) error {
	price := new(big.Int)
	if params.StorageBytePrice != nil {
		price.Set(params.StorageBytePrice)
	}
	stored := storedParamsV1{
		LeverageMin:      params.LeverageMin,
		LeverageMax:      params.LeverageMax,
		ExchangeFeeBps:   params.ExchangeFeeBps,
		InterestFeeBps:   params.InterestFeeBps,
		Running:          params.Running,
		StorageBytePrice: price,
	}
	envelope, err := nativecommon.EncodeRecord(paramsRecordVersion, stored)
	if err != nil {
		return fmt.Errorf("registry engine: encode params: %w", err)
	}
	if err := e.state.KVPut([]byte(paramsKey), envelope); err != nil {
		return fmt.Errorf("registry engine: persist params: %w", err)
	}
	return nil
}

func (e *Engine) whitelist(key, kind, symbol string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	sym := normalizeSymbol(symbol)
	if sym == "" {
		return ErrSymbolRequired
	}
	if _, err := e.GetAsset(sym); err != nil {
		return err
	}
	set, err := e.loadSymbolSet(key)
	if err != nil {
		return err
	}
	if !addSymbol(&set, sym) {
		return nil
	}
	if err := e.storeSymbolSet(key, set); err != nil {
		return err
	}
	e.emit(events.WhitelistUpdated{Symbol: sym, Kind: kind, Listed: true})
	return nil
}

func (e *Engine) unwhitelist(key, kind, symbol string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	sym := normalizeSymbol(symbol)
	if sym == "" {
		return ErrSymbolRequired
	}
	set, err := e.loadSymbolSet(key)
	if err != nil {
		return err
	}
	if !removeSymbol(&set, sym) {
		return nil
	}
	if err := e.storeSymbolSet(key, set); err != nil {
		return err
	}
	e.emit(events.WhitelistUpdated{Symbol: sym, Kind: kind, Listed: false})
	return nil
}

func (e *Engine) isListed(key, symbol string) (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	sym := normalizeSymbol(symbol)
	if sym == "" {
		return false, ErrSymbolRequired
	}
	set, err := e.loadSymbolSet(key)
	if err != nil {
		return false, err
	}
	idx := sort.SearchStrings(set, sym)
	return idx < len(set) && set[idx] == sym, nil
}

func (e *Engine) loadSymbolSet(key string) ([]string, error) {
	var envelope nativecommon.RecordEnvelope
	ok, err := e.state.KVGet([]byte(key), &envelope)
	if err != nil {
		return nil, fmt.Errorf("registry engine: load symbol set: %w", err)
	}
	if !ok {
		return []string{}, nil
	}
	switch envelope.Version {
	case symbolSetRecordVersion:
		var stored storedSymbolSetV1
		if err := envelope.Decode(&stored); err != nil {
			return nil, fmt.Errorf("registry engine: decode symbol set: %w", err)
		}
		sort.Strings(stored.Symbols)
		return stored.Symbols, nil
	default:
		return nil, fmt.Errorf("registry engine: unknown symbol set version %d", envelope.Version)
	}
}

func (e *Engine) storeSymbolSet(key string, symbols []string) error {
	sort.Strings(symbols)
	envelope, err := nativecommon.EncodeRecord(symbolSetRecordVersion, storedSymbolSetV1{Symbols: symbols})
	if err != nil {
		return fmt.Errorf("registry engine: encode symbol set: %w", err)
	}
	if err := e.state.KVPut([]byte(key), envelope); err != nil {
		return fmt.Errorf("registry engine: persist symbol set: %w", err)
	}
	return nil
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

// addSymbol inserts sym keeping the slice sorted; it reports whether the set
// changed.
func addSymbol(set *[]string, sym string) bool {
	idx := sort.SearchStrings(*set, sym)
	if idx < len(*set) && (*set)[idx] == sym {
		return false
	}
	*set = append(*set, "")
	copy((*set)[idx+1:], (*set)[idx:])
	(*set)[idx] = sym
	return true
}

// removeSymbol drops sym from the sorted slice; it reports whether the set
// changed.
func removeSymbol(set *[]string, sym string) bool {
	idx := sort.SearchStrings(*set, sym)
	if idx >= len(*set) || (*set)[idx] != sym {
		return false
	}
	*set = append((*set)[:idx], (*set)[idx+1:]...)
	return true
}

func assetKey(symbol string) []byte {
	return []byte(assetPrefix + symbol)
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
