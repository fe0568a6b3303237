package rpc

import (
	"encoding/hex"
	"net/http"

	"raftex/native/exchange"
)

type mintParams struct {
	Minter      string `json:"minter"`
	Token       string `json:"token"`
	TokenAmount string `json:"tokenAmount"`
	Raft        string `json:"raft"`
	RaftAmount  string `json:"raftAmount"`
	Pooled      bool   `json:"pooled"`
}

type mintResult struct {
	CollateralID uint64 `json:"collateralId"`
}

func (s *Server) handleExchangeMint(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params mintParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	minter, err := parseAddressParam(params.Minter)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid minter address", err.Error())
		return
	}
	tokenAmount, err := parseAmountParam(params.TokenAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid token amount", err.Error())
		return
	}
	raftAmount, err := parseAmountParam(params.RaftAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid raft amount", err.Error())
		return
	}
	id, err := s.node.Mint(minter, params.Token, tokenAmount, params.Raft, raftAmount, params.Pooled)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, mintResult{CollateralID: id})
}

type swapParams struct {
	Trader  string `json:"trader"`
	OldRaft string `json:"oldRaft"`
	NewRaft string `json:"newRaft"`
	Amount  string `json:"amount"`
}

type swapResult struct {
	AmountOut string `json:"amountOut"`
}

func (s *Server) handleExchangeSwap(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params swapParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	trader, err := parseAddressParam(params.Trader)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid trader address", err.Error())
		return
	}
	amount, err := parseAmountParam(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return
	}
	out, err := s.node.Swap(trader, params.OldRaft, params.NewRaft, amount)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, swapResult{AmountOut: formatAmount(out)})
}

type redeemPoolParams struct {
	Redeemer string `json:"redeemer"`
}

type holdingResult struct {
	Symbol string `json:"symbol"`
	Amount string `json:"amount"`
}

type releasedResult struct {
	CollateralID uint64 `json:"collateralId"`
	TransferID   string `json:"transferId"`
	Token        string `json:"token"`
	Amount       string `json:"amount"`
}

type redeemPoolResult struct {
	DebtValue  string          `json:"debtValue"`
	DebtAmount string          `json:"debtAmount"`
	PoolPaid   string          `json:"poolPaid"`
	BookPaid   string          `json:"bookPaid"`
	Migrated   []holdingResult `json:"migrated"`
	Released   []releasedResult `json:"released"`
	TraceID    string          `json:"traceId,omitempty"`
}

func (s *Server) handleExchangeRedeemPool(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params redeemPoolParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	redeemer, err := parseAddressParam(params.Redeemer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid redeemer address", err.Error())
		return
	}
	redemption, err := s.node.RedeemPool(redeemer)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	result := redeemPoolResult{
		DebtValue:  formatAmount(redemption.DebtValue),
		DebtAmount: formatAmount(redemption.DebtAmount),
		PoolPaid:   formatAmount(redemption.PoolPaid),
		BookPaid:   formatAmount(redemption.BookPaid),
		Migrated:   make([]holdingResult, 0, len(redemption.Migrated)),
		Released:   make([]releasedResult, 0, len(redemption.Released)),
		TraceID:    traceIDFromRequest(r),
	}
	for _, entry := range redemption.Migrated {
		result.Migrated = append(result.Migrated, holdingResult{Symbol: entry.Symbol, Amount: formatAmount(entry.Amount)})
	}
	for _, entry := range redemption.Released {
		result.Released = append(result.Released, releasedResult{
			CollateralID: entry.CollateralID,
			TransferID:   formatHash(entry.TransferID),
			Token:        entry.Token,
			Amount:       formatAmount(entry.Amount),
		})
	}
	writeResult(w, req.ID, result)
}

type redeemBookParams struct {
	Redeemer     string `json:"redeemer"`
	CollateralID uint64 `json:"collateralId"`
}

type redeemBookResult struct {
	CollateralID uint64 `json:"collateralId"`
	TransferID   string `json:"transferId"`
	RaftAmount   string `json:"raftAmount"`
	Fee          string `json:"fee"`
	TraceID      string `json:"traceId,omitempty"`
}

func (s *Server) handleExchangeRedeemBook(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params redeemBookParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	redeemer, err := parseAddressParam(params.Redeemer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid redeemer address", err.Error())
		return
	}
	redemption, err := s.node.RedeemBook(redeemer, params.CollateralID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, redeemBookResult{
		CollateralID: redemption.CollateralID,
		TransferID:   formatHash(redemption.TransferID),
		RaftAmount:   formatAmount(redemption.RaftAmount),
		Fee:          formatAmount(redemption.Fee),
		TraceID:      traceIDFromRequest(r),
	})
}

type depositParams struct {
	Token  string `json:"token"`
	Sender string `json:"sender"`
	Amount string `json:"amount"`
	Memo   string `json:"memo,omitempty"`
}

type statusResult struct {
	Status string `json:"status"`
}

func (s *Server) handleExchangeDeposit(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params depositParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	sender, err := parseAddressParam(params.Sender)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid sender address", err.Error())
		return
	}
	amount, err := parseAmountParam(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return
	}
	if err := s.node.Deposit(params.Token, sender, amount, params.Memo); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, statusResult{Status: "ok"})
}

type withdrawParams struct {
	Owner  string `json:"owner"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type withdrawResult struct {
	TransferID string `json:"transferId"`
	TraceID    string `json:"traceId,omitempty"`
}

func (s *Server) handleExchangeWithdrawDeposit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params withdrawParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	owner, err := parseAddressParam(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid owner address", err.Error())
		return
	}
	amount, err := parseAmountParam(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return
	}
	id, err := s.node.WithdrawDeposit(owner, params.Token, amount)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, withdrawResult{TransferID: formatHash(id), TraceID: traceIDFromRequest(r)})
}

type storageDepositParams struct {
	Owner  string `json:"owner"`
	Amount string `json:"amount"`
}

func (s *Server) handleExchangeStorageDeposit(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params storageDepositParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	owner, err := parseAddressParam(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid owner address", err.Error())
		return
	}
	amount, err := parseAmountParam(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return
	}
	if err := s.node.StorageDeposit(owner, amount); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, statusResult{Status: "ok"})
}

type tokenRowsParams struct {
	Owner  string   `json:"owner"`
	Tokens []string `json:"tokens"`
}

func (s *Server) handleExchangeRegisterTokens(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params tokenRowsParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	owner, err := parseAddressParam(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid owner address", err.Error())
		return
	}
	if err := s.node.RegisterDepositTokens(owner, params.Tokens); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, statusResult{Status: "ok"})
}

func (s *Server) handleExchangeUnregisterTokens(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params tokenRowsParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	owner, err := parseAddressParam(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid owner address", err.Error())
		return
	}
	if err := s.node.UnregisterDepositTokens(owner, params.Tokens); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, statusResult{Status: "ok"})
}

// --- Views ---

type infoResult struct {
	Chain     string `json:"chain"`
	Height    uint64 `json:"height"`
	StateRoot string `json:"stateRoot"`
	Owner     string `json:"owner"`
}

func (s *Server) handleExchangeInfo(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if err := requireNoParams(req); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	root := s.node.StateRoot()
	writeResult(w, req.ID, infoResult{
		Chain:     s.node.ChainName(),
		Height:    s.node.Height(),
		StateRoot: "0x" + hex.EncodeToString(root.Bytes()),
		Owner:     s.node.OwnerAddress().String(),
	})
}

type addressParams struct {
	Address string `json:"address"`
}

type depositBalanceResult struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type depositViewResult struct {
	Address          string                 `json:"address"`
	NativeBalance    string                 `json:"nativeBalance"`
	StorageBytes     uint64                 `json:"storageBytes"`
	StorageCost      string                 `json:"storageCost"`
	StorageAvailable string                 `json:"storageAvailable"`
	Balances         []depositBalanceResult `json:"balances"`
}

func (s *Server) handleExchangeGetDeposit(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params addressParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	owner, err := parseAddressParam(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return
	}
	view, ok, err := s.node.DepositAccount(owner)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeNotFound, "deposit account not found", params.Address)
		return
	}
	result := depositViewResult{
		Address:          params.Address,
		NativeBalance:    formatAmount(view.NativeBalance),
		StorageBytes:     view.StorageBytes,
		StorageCost:      formatAmount(view.StorageCost),
		StorageAvailable: formatAmount(view.StorageAvailable),
		Balances:         make([]depositBalanceResult, 0, len(view.Balances)),
	}
	for _, balance := range view.Balances {
		result.Balances = append(result.Balances, depositBalanceResult{Token: balance.Token, Amount: formatAmount(balance.Amount)})
	}
	writeResult(w, req.ID, result)
}

type collateralIDParams struct {
	ID uint64 `json:"id"`
}

type collateralResult struct {
	ID          uint64 `json:"id"`
	Issuer      string `json:"issuer"`
	Token       string `json:"token"`
	TokenAmount string `json:"tokenAmount"`
	Raft        string `json:"raft"`
	RaftAmount  string `json:"raftAmount"`
	Pooled      bool   `json:"pooled"`
	Status      string `json:"status"`
	CreatedAt   uint64 `json:"createdAt"`
	RedeemedAt  uint64 `json:"redeemedAt,omitempty"`
}

func collateralResultFrom(record exchange.Collateral) collateralResult {
	return collateralResult{
		ID:          record.ID,
		Issuer:      formatAddress(record.Issuer),
		Token:       record.Token,
		TokenAmount: formatAmount(record.TokenAmount),
		Raft:        record.Raft,
		RaftAmount:  formatAmount(record.RaftAmount),
		Pooled:      record.JoinDebtPool,
		Status:      record.Status.String(),
		CreatedAt:   record.CreatedAt,
		RedeemedAt:  record.RedeemedAt,
	}
}

func (s *Server) handleExchangeGetCollateral(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params collateralIDParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	record, err := s.node.Collateral(params.ID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, collateralResultFrom(record))
}

type listCollateralsParams struct {
	Address string `json:"address,omitempty"`
}

func (s *Server) handleExchangeListCollaterals(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params listCollateralsParams
	if len(req.Params) > 0 {
		if err := decodeParams(req, &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
			return
		}
	}
	var (
		records []exchange.Collateral
		err     error
	)
	if params.Address != "" {
		var owner [20]byte
		owner, err = parseAddressParam(params.Address)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
			return
		}
		records, err = s.node.UserCollaterals(owner)
	} else {
		records, err = s.node.Collaterals()
	}
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	results := make([]collateralResult, 0, len(records))
	for _, record := range records {
		results = append(results, collateralResultFrom(record))
	}
	writeResult(w, req.ID, results)
}
