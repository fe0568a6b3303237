package rpc

import (
	"errors"
	"net/http"

	"raftex/native/accountbook"
	nativecommon "raftex/native/common"
	"raftex/native/debtpool"
	"raftex/native/exchange"
	"raftex/native/oracle"
	"raftex/native/registry"
	"raftex/native/settlement"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeRateLimited    = -32020
	codePaused         = -32021
	codeNotFound       = -32022
	codeInsufficient   = -32023
	codeRejected       = -32024
)

var notFoundErrors = []error{
	exchange.ErrCollateralNotFound,
	settlement.ErrTransferNotFound,
	oracle.ErrPriceNotFound,
	registry.ErrAssetNotFound,
}

var insufficientErrors = []error{
	exchange.ErrInsufficientDeposit,
	exchange.ErrInsufficientStorage,
	exchange.ErrInsufficientBalance,
	accountbook.ErrInsufficientBalance,
	debtpool.ErrInsufficientBalance,
}

var rejectedErrors = []error{
	exchange.ErrNotRegistered,
	exchange.ErrTokenNotRegistered,
	exchange.ErrTokenNotWhitelisted,
	exchange.ErrRaftNotWhitelisted,
	exchange.ErrLeverageOutOfBand,
	exchange.ErrCollateralRatioTooLow,
	exchange.ErrNotIssuer,
	exchange.ErrCollateralPooled,
	exchange.ErrCollateralRedeemed,
	exchange.ErrTokenBalanceNonZero,
	settlement.ErrTransferResolved,
	settlement.ErrLostFoundRejected,
	debtpool.ErrZeroTotalValue,
	registry.ErrSettlementAssetMissing,
}

var invalidParamErrors = []error{
	exchange.ErrInvalidAmount,
	exchange.ErrTokenRequired,
	exchange.ErrInvalidMemo,
	settlement.ErrInvalidAmount,
	settlement.ErrTokenRequired,
	oracle.ErrSymbolRequired,
	oracle.ErrInvalidPrice,
	registry.ErrSymbolRequired,
	registry.ErrInvalidAsset,
	registry.ErrInvalidParams,
	accountbook.ErrSymbolRequired,
	accountbook.ErrInvalidAmount,
	debtpool.ErrSymbolRequired,
	debtpool.ErrInvalidAmount,
	debtpool.ErrInvalidFee,
}

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// writeEngineError translates engine sentinel failures into stable JSON-RPC
// error codes so clients can branch without parsing messages. Anything
// unrecognised is reported as a server error.
func writeEngineError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, nativecommon.ErrModulePaused):
		writeError(w, http.StatusConflict, id, codePaused, err.Error(), nil)
	case matchesAny(err, notFoundErrors):
		writeError(w, http.StatusNotFound, id, codeNotFound, err.Error(), nil)
	case matchesAny(err, insufficientErrors):
		writeError(w, http.StatusConflict, id, codeInsufficient, err.Error(), nil)
	case matchesAny(err, rejectedErrors):
		writeError(w, http.StatusConflict, id, codeRejected, err.Error(), nil)
	case matchesAny(err, invalidParamErrors):
		writeError(w, http.StatusBadRequest, id, codeInvalidParams, err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, id, codeServerError, err.Error(), nil)
	}
}
