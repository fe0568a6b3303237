package rpc

import (
	"net/http"

	"raftex/native/settlement"
)

type resolveParams struct {
	TransferID string `json:"transferId"`
	Success    bool   `json:"success"`
}

func (s *Server) handleSettlementResolve(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params resolveParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	id, err := parseHashParam(params.TransferID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid transfer id", err.Error())
		return
	}
	status, err := s.node.ResolveTransfer(id, params.Success)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, statusResult{Status: status.String()})
}

type transferIDParams struct {
	TransferID string `json:"transferId"`
}

type transferResult struct {
	ID         string `json:"id"`
	Recipient  string `json:"recipient"`
	Token      string `json:"token"`
	Amount     string `json:"amount"`
	Status     string `json:"status"`
	CreatedAt  uint64 `json:"createdAt"`
	ResolvedAt uint64 `json:"resolvedAt,omitempty"`
	Attempts   uint32 `json:"attempts"`
}

func transferResultFrom(transfer settlement.Transfer) transferResult {
	return transferResult{
		ID:         formatHash(transfer.ID),
		Recipient:  formatAddress(transfer.Recipient),
		Token:      transfer.Token,
		Amount:     formatAmount(transfer.Amount),
		Status:     transfer.Status.String(),
		CreatedAt:  transfer.CreatedAt,
		ResolvedAt: transfer.ResolvedAt,
		Attempts:   transfer.Attempts,
	}
}

func (s *Server) handleSettlementGetTransfer(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params transferIDParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	id, err := parseHashParam(params.TransferID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid transfer id", err.Error())
		return
	}
	transfer, err := s.node.Transfer(id)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, transferResultFrom(transfer))
}

func (s *Server) handleSettlementListPending(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if err := requireNoParams(req); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	pending, err := s.node.PendingTransfers()
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	results := make([]transferResult, 0, len(pending))
	for _, transfer := range pending {
		results = append(results, transferResultFrom(transfer))
	}
	writeResult(w, req.ID, results)
}
