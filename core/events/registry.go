package events

import (
	"strconv"

	"raftex/core/types"
)

const (
	// TypeAssetRegistered is emitted when the owner registers or updates an
	// asset definition.
	TypeAssetRegistered = "registry.asset.registered"
	// TypeWhitelistUpdated is emitted when a symbol enters or leaves one of
	// the whitelists.
	TypeWhitelistUpdated = "registry.whitelist.updated"
	// TypeParamsUpdated is emitted when governance parameters change.
	TypeParamsUpdated = "registry.params.updated"
	// TypePauseToggled is emitted when the exchange running state flips.
	TypePauseToggled = "registry.pause.toggled"
)

type AssetRegistered struct {
	Symbol string
	Kind   string
}

func (AssetRegistered) EventType() string { return TypeAssetRegistered }

func (e AssetRegistered) Event() *types.Event {
	return &types.Event{
		Type: TypeAssetRegistered,
		Attributes: map[string]string{
			"symbol": normalizeAsset(e.Symbol),
			"kind":   e.Kind,
		},
	}
}

type WhitelistUpdated struct {
	Symbol string
	Kind   string
	Listed bool
}

func (WhitelistUpdated) EventType() string { return TypeWhitelistUpdated }

func (e WhitelistUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeWhitelistUpdated,
		Attributes: map[string]string{
			"symbol": normalizeAsset(e.Symbol),
			"kind":   e.Kind,
			"listed": strconv.FormatBool(e.Listed),
		},
	}
}

type ParamsUpdated struct {
	Field string
	Value string
}

func (ParamsUpdated) EventType() string { return TypeParamsUpdated }

func (e ParamsUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeParamsUpdated,
		Attributes: map[string]string{
			"field": e.Field,
			"value": e.Value,
		},
	}
}

type PauseToggled struct {
	Paused bool
}

func (PauseToggled) EventType() string { return TypePauseToggled }

func (e PauseToggled) Event() *types.Event {
	return &types.Event{
		Type: TypePauseToggled,
		Attributes: map[string]string{
			"paused": strconv.FormatBool(e.Paused),
		},
	}
}
