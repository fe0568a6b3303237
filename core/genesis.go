package core

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"

	"raftex/crypto"
	"raftex/native/oracle"
	"raftex/native/registry"
)

// Genesis describes the initial exchange state applied on first boot: the
// asset catalogue, whitelists, governance parameters and seed prices. The
// settlement asset must be present and whitelisted as a raft or the node
// refuses to start.
type Genesis struct {
	ChainName      string            `json:"chainName"`
	Owner          string            `json:"owner,omitempty"`
	Params         *GenesisParams    `json:"params,omitempty"`
	Assets         []GenesisAsset    `json:"assets"`
	TokenWhitelist []string          `json:"tokenWhitelist"`
	RaftWhitelist  []string          `json:"raftWhitelist"`
	Prices         map[string]string `json:"prices"`
}

// GenesisAsset mirrors registry.Asset with JSON tags for the genesis document.
type GenesisAsset struct {
	Name            string `json:"name,omitempty"`
	Symbol          string `json:"symbol"`
	Standard        string `json:"standard,omitempty"`
	Decimals        uint8  `json:"decimals"`
	Address         string `json:"address,omitempty"`
	FeedID          string `json:"feedId,omitempty"`
	CollateralRatio uint64 `json:"collateralRatio,omitempty"`
}

// GenesisParams overrides the registry defaults. Zero-valued fields keep the
// default; StorageBytePrice is a base-10 integer string.
type GenesisParams struct {
	LeverageMin      uint64 `json:"leverageMin,omitempty"`
	LeverageMax      uint64 `json:"leverageMax,omitempty"`
	ExchangeFeeBps   uint64 `json:"exchangeFeeBps,omitempty"`
	InterestFeeBps   uint64 `json:"interestFeeBps,omitempty"`
	StorageBytePrice string `json:"storageBytePrice,omitempty"`
}

// DefaultGenesis returns a single-asset genesis: the rUSD settlement raft at
// parity, with default governance parameters.
func DefaultGenesis() *Genesis {
	return &Genesis{
		ChainName: "raftex-local",
		Assets: []GenesisAsset{
			{Name: "Raft USD", Symbol: registry.SettlementSymbol, Decimals: 8},
		},
		RaftWhitelist: []string{registry.SettlementSymbol},
		Prices: map[string]string{
			registry.SettlementSymbol: new(big.Int).SetInt64(oracle.PricePrecision).String(),
		},
	}
}

// LoadGenesis reads a genesis document from path. An empty path yields the
// default local genesis.
func LoadGenesis(path string) (*Genesis, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultGenesis(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("genesis: read %s: %w", path, err)
	}
	gen := new(Genesis)
	if err := json.Unmarshal(raw, gen); err != nil {
		return nil, fmt.Errorf("genesis: parse %s: %w", path, err)
	}
	if err := gen.Validate(); err != nil {
		return nil, fmt.Errorf("genesis: %s: %w", path, err)
	}
	return gen, nil
}

// Validate checks internal consistency without touching state.
func (g *Genesis) Validate() error {
	if g == nil {
		return fmt.Errorf("empty document")
	}
	seen := make(map[string]struct{}, len(g.Assets))
	for _, asset := range g.Assets {
		symbol := strings.ToUpper(strings.TrimSpace(asset.Symbol))
		if symbol == "" {
			return fmt.Errorf("asset with empty symbol")
		}
		if _, dup := seen[symbol]; dup {
			return fmt.Errorf("duplicate asset %s", symbol)
		}
		seen[symbol] = struct{}{}
	}
	settlementListed := false
	for _, raft := range g.RaftWhitelist {
		symbol := strings.ToUpper(strings.TrimSpace(raft))
		if _, ok := seen[symbol]; !ok {
			return fmt.Errorf("whitelisted raft %s is not a declared asset", symbol)
		}
		if symbol == registry.SettlementSymbol {
			settlementListed = true
		}
	}
	if !settlementListed {
		return fmt.Errorf("settlement asset %s must be a whitelisted raft", registry.SettlementSymbol)
	}
	for _, token := range g.TokenWhitelist {
		symbol := strings.ToUpper(strings.TrimSpace(token))
		if _, ok := seen[symbol]; !ok {
			return fmt.Errorf("whitelisted token %s is not a declared asset", symbol)
		}
	}
	for symbol, price := range g.Prices {
		normalized := strings.ToUpper(strings.TrimSpace(symbol))
		if _, ok := seen[normalized]; !ok {
			return fmt.Errorf("price quoted for unknown asset %s", symbol)
		}
		if _, ok := new(big.Int).SetString(strings.TrimSpace(price), 10); !ok {
			return fmt.Errorf("price for %s is not a base-10 integer: %q", symbol, price)
		}
	}
	if g.Owner != "" {
		if _, err := crypto.DecodeAddress(strings.TrimSpace(g.Owner)); err != nil {
			return fmt.Errorf("owner address: %w", err)
		}
	}
	if g.Params != nil && g.Params.StorageBytePrice != "" {
		if _, ok := new(big.Int).SetString(strings.TrimSpace(g.Params.StorageBytePrice), 10); !ok {
			return fmt.Errorf("storage byte price is not a base-10 integer: %q", g.Params.StorageBytePrice)
		}
	}
	return nil
}

// OwnerAddress resolves the configured owner, falling back to the supplied
// node address when the document does not name one.
func (g *Genesis) OwnerAddress(fallback [20]byte) ([20]byte, error) {
	if g == nil || strings.TrimSpace(g.Owner) == "" {
		return fallback, nil
	}
	decoded, err := crypto.DecodeAddress(strings.TrimSpace(g.Owner))
	if err != nil {
		return [20]byte{}, err
	}
	var owner [20]byte
	copy(owner[:], decoded.Bytes())
	return owner, nil
}

func (g *Genesis) apply(set *engineSet) error {
	for _, asset := range g.Assets {
		entry := registry.Asset{
			Name:            asset.Name,
			Symbol:          asset.Symbol,
			Standard:        asset.Standard,
			Decimals:        asset.Decimals,
			Address:         asset.Address,
			FeedID:          asset.FeedID,
			CollateralRatio: asset.CollateralRatio,
		}
		if err := set.registry.RegisterAsset(entry); err != nil {
			return fmt.Errorf("register asset %s: %w", asset.Symbol, err)
		}
	}
	for _, token := range g.TokenWhitelist {
		if err := set.registry.WhitelistToken(token); err != nil {
			return fmt.Errorf("whitelist token %s: %w", token, err)
		}
	}
	for _, raft := range g.RaftWhitelist {
		if err := set.registry.WhitelistRaft(raft); err != nil {
			return fmt.Errorf("whitelist raft %s: %w", raft, err)
		}
	}
	if p := g.Params; p != nil {
		if p.LeverageMin != 0 || p.LeverageMax != 0 {
			min, max := p.LeverageMin, p.LeverageMax
			if min == 0 {
				min = registry.DefaultParams().LeverageMin
			}
			if max == 0 {
				max = registry.DefaultParams().LeverageMax
			}
			if err := set.registry.SetLeverageBand(min, max); err != nil {
				return fmt.Errorf("leverage band: %w", err)
			}
		}
		if p.ExchangeFeeBps != 0 {
			if err := set.registry.SetExchangeFee(p.ExchangeFeeBps); err != nil {
				return fmt.Errorf("exchange fee: %w", err)
			}
		}
		if p.InterestFeeBps != 0 {
			if err := set.registry.SetInterestFee(p.InterestFeeBps); err != nil {
				return fmt.Errorf("interest fee: %w", err)
			}
		}
		if p.StorageBytePrice != "" {
			price, _ := new(big.Int).SetString(strings.TrimSpace(p.StorageBytePrice), 10)
			if err := set.registry.SetStorageBytePrice(price); err != nil {
				return fmt.Errorf("storage byte price: %w", err)
			}
		}
	}
	for symbol, raw := range g.Prices {
		price, _ := new(big.Int).SetString(strings.TrimSpace(raw), 10)
		if err := set.oracle.FeedPrice(symbol, price); err != nil {
			return fmt.Errorf("seed price %s: %w", symbol, err)
		}
	}
	return nil
}
