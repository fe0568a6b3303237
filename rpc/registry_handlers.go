package rpc

import (
	"net/http"

	"raftex/native/registry"
)

type whitelistOp int

const (
	whitelistAddToken whitelistOp = iota + 1
	whitelistRemoveToken
	whitelistAddRaft
	whitelistRemoveRaft
)

type feeKind int

const (
	feeExchange feeKind = iota + 1
	feeInterest
)

type registerAssetParams struct {
	Name            string `json:"name"`
	Symbol          string `json:"symbol"`
	Standard        string `json:"standard,omitempty"`
	Decimals        uint8  `json:"decimals"`
	Address         string `json:"address,omitempty"`
	FeedID          string `json:"feedId,omitempty"`
	CollateralRatio uint64 `json:"collateralRatio,omitempty"`
}

func (s *Server) handleRegistryRegisterAsset(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params registerAssetParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	asset := registry.Asset{
		Name:            params.Name,
		Symbol:          params.Symbol,
		Standard:        params.Standard,
		Decimals:        params.Decimals,
		Address:         params.Address,
		FeedID:          params.FeedID,
		CollateralRatio: params.CollateralRatio,
	}
	if err := s.node.RegisterAsset(asset); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, statusResult{Status: "ok"})
}

func (s *Server) handleRegistryWhitelist(w http.ResponseWriter, _ *http.Request, req *RPCRequest, op whitelistOp) {
	var params symbolParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	var err error
	switch op {
	case whitelistAddToken:
		err = s.node.WhitelistToken(params.Symbol)
	case whitelistRemoveToken:
		err = s.node.RemoveToken(params.Symbol)
	case whitelistAddRaft:
		err = s.node.WhitelistRaft(params.Symbol)
	case whitelistRemoveRaft:
		err = s.node.RemoveRaft(params.Symbol)
	default:
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "unknown whitelist operation", nil)
		return
	}
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, statusResult{Status: "ok"})
}

type leverageBandParams struct {
	Min uint64 `json:"min"`
	Max uint64 `json:"max"`
}

func (s *Server) handleRegistrySetLeverageBand(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params leverageBandParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.node.SetLeverageBand(params.Min, params.Max); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, statusResult{Status: "ok"})
}

type feeParams struct {
	Bps uint64 `json:"bps"`
}

func (s *Server) handleRegistrySetFee(w http.ResponseWriter, _ *http.Request, req *RPCRequest, kind feeKind) {
	var params feeParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	var err error
	switch kind {
	case feeExchange:
		err = s.node.SetExchangeFee(params.Bps)
	case feeInterest:
		err = s.node.SetInterestFee(params.Bps)
	default:
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "unknown fee kind", nil)
		return
	}
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, statusResult{Status: "ok"})
}

type storageBytePriceParams struct {
	Price string `json:"price"`
}

func (s *Server) handleRegistrySetStorageBytePrice(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params storageBytePriceParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	price, err := parseAmountParam(params.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid price", err.Error())
		return
	}
	if err := s.node.SetStorageBytePrice(price); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, statusResult{Status: "ok"})
}

type runningParams struct {
	Running bool `json:"running"`
}

func (s *Server) handleRegistrySetRunning(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params runningParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.node.SetRunning(params.Running); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, statusResult{Status: "ok"})
}

// --- Views ---

type assetResult struct {
	Name            string `json:"name"`
	Symbol          string `json:"symbol"`
	Standard        string `json:"standard,omitempty"`
	Decimals        uint8  `json:"decimals"`
	Address         string `json:"address,omitempty"`
	FeedID          string `json:"feedId,omitempty"`
	CollateralRatio uint64 `json:"collateralRatio,omitempty"`
	State           string `json:"state"`
}

func assetResultFrom(asset registry.Asset) assetResult {
	return assetResult{
		Name:            asset.Name,
		Symbol:          asset.Symbol,
		Standard:        asset.Standard,
		Decimals:        asset.Decimals,
		Address:         asset.Address,
		FeedID:          asset.FeedID,
		CollateralRatio: asset.CollateralRatio,
		State:           asset.State.String(),
	}
}

func (s *Server) handleRegistryAsset(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params symbolParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	asset, err := s.node.Asset(params.Symbol)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, assetResultFrom(asset))
}

func (s *Server) handleRegistryAssets(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if err := requireNoParams(req); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	assets, err := s.node.Assets()
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	results := make([]assetResult, 0, len(assets))
	for _, asset := range assets {
		results = append(results, assetResultFrom(asset))
	}
	writeResult(w, req.ID, results)
}

type paramsResult struct {
	LeverageMin      uint64 `json:"leverageMin"`
	LeverageMax      uint64 `json:"leverageMax"`
	ExchangeFeeBps   uint64 `json:"exchangeFeeBps"`
	InterestFeeBps   uint64 `json:"interestFeeBps"`
	Running          bool   `json:"running"`
	StorageBytePrice string `json:"storageBytePrice"`
}

func (s *Server) handleRegistryParams(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if err := requireNoParams(req); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	current, err := s.node.Params()
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, paramsResult{
		LeverageMin:      current.LeverageMin,
		LeverageMax:      current.LeverageMax,
		ExchangeFeeBps:   current.ExchangeFeeBps,
		InterestFeeBps:   current.InterestFeeBps,
		Running:          current.Running,
		StorageBytePrice: formatAmount(current.StorageBytePrice),
	})
}

type whitelistsResult struct {
	Tokens []string `json:"tokens"`
	Rafts  []string `json:"rafts"`
}

func (s *Server) handleRegistryWhitelists(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if err := requireNoParams(req); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	tokens, err := s.node.TokenWhitelist()
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	rafts, err := s.node.RaftWhitelist()
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, whitelistsResult{Tokens: tokens, Rafts: rafts})
}
