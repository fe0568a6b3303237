package rpc

import "net/http"

type ratioResult struct {
	Address string `json:"address"`
	Ratio   uint64 `json:"ratio"`
}

type poolStatusResult struct {
	TotalValue   string          `json:"totalValue"`
	Ratios       []ratioResult   `json:"ratios"`
	NetPositions []holdingResult `json:"netPositions"`
}

func (s *Server) handlePoolStatus(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if err := requireNoParams(req); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	status, err := s.node.PoolStatus()
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	result := poolStatusResult{
		TotalValue:   formatAmount(status.TotalValue),
		Ratios:       make([]ratioResult, 0, len(status.Ratios)),
		NetPositions: make([]holdingResult, 0, len(status.NetPositions)),
	}
	for _, entry := range status.Ratios {
		result.Ratios = append(result.Ratios, ratioResult{Address: formatAddress(entry.Address), Ratio: entry.Ratio})
	}
	for _, position := range status.NetPositions {
		result.NetPositions = append(result.NetPositions, holdingResult{Symbol: position.Symbol, Amount: formatAmount(position.Amount)})
	}
	writeResult(w, req.ID, result)
}

type poolPositionResult struct {
	Joined        bool            `json:"joined"`
	Ratio         uint64          `json:"ratio"`
	Value         string          `json:"value"`
	Contributions []holdingResult `json:"contributions"`
}

func (s *Server) handlePoolPosition(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params addressParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	user, err := parseAddressParam(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return
	}
	position, err := s.node.PoolPosition(user)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	result := poolPositionResult{
		Joined:        position.Joined,
		Ratio:         position.Ratio,
		Value:         formatAmount(position.Value),
		Contributions: make([]holdingResult, 0, len(position.Contributions)),
	}
	for _, entry := range position.Contributions {
		result.Contributions = append(result.Contributions, holdingResult{Symbol: entry.Symbol, Amount: formatAmount(entry.Amount)})
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleBookBalances(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params addressParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	user, err := parseAddressParam(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return
	}
	holdings, err := s.node.BookBalances(user)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	results := make([]holdingResult, 0, len(holdings))
	for _, holding := range holdings {
		results = append(results, holdingResult{Symbol: holding.Symbol, Amount: formatAmount(holding.Amount)})
	}
	writeResult(w, req.ID, results)
}

func (s *Server) handleBookTotals(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if err := requireNoParams(req); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	holdings, err := s.node.BookTotals()
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	results := make([]holdingResult, 0, len(holdings))
	for _, holding := range holdings {
		results = append(results, holdingResult{Symbol: holding.Symbol, Amount: formatAmount(holding.Amount)})
	}
	writeResult(w, req.ID, results)
}
