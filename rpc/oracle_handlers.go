package rpc

import "net/http"

type feedPriceParams struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

func (s *Server) handleOracleFeedPrice(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params feedPriceParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	price, err := parseAmountParam(params.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid price", err.Error())
		return
	}
	if err := s.node.FeedPrice(params.Symbol, price); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, statusResult{Status: "ok"})
}

type symbolParams struct {
	Symbol string `json:"symbol"`
}

type quoteResult struct {
	Symbol    string `json:"symbol"`
	Value     string `json:"value"`
	UpdatedAt uint64 `json:"updatedAt"`
}

func (s *Server) handleOracleGetQuote(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params symbolParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	quote, err := s.node.Quote(params.Symbol)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, quoteResult{Symbol: quote.Symbol, Value: formatAmount(quote.Value), UpdatedAt: quote.UpdatedAt})
}
