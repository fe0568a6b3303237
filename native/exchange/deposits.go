package exchange

import (
	"fmt"
	"math/big"
	"sort"

	"raftex/core/types"
	nativecommon "raftex/native/common"
	"raftex/native/settlement"
)

var _ settlement.CompensationLedger = (*Engine)(nil)

// DepositBalance is one token row of a deposit account.
type DepositBalance struct {
	Token  string
	Amount *big.Int
}

// DepositView is the RPC-facing snapshot of a deposit account.
type DepositView struct {
	NativeBalance    *big.Int
	StorageBytes     uint64
	StorageCost      *big.Int
	StorageAvailable *big.Int
	Balances         []DepositBalance
}

// StorageDeposit credits amount of native balance to the user's deposit
// account, creating the account when absent. The resulting balance must cover
// the account's storage footprint, so the first deposit pays for at least the
// base record.
func (e *Engine) StorageDeposit(user [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	bytePrice, err := e.storageBytePrice()
	if err != nil {
		return err
	}
	account, ok, err := e.loadAccount(user)
	if err != nil {
		return err
	}
	if !ok {
		account = types.NewAccount()
	}
	account.NativeBalance = new(big.Int).Add(account.NativeBalance, amount)
	if !account.CoversStorage(bytePrice) {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientStorage, account.StorageCost(bytePrice), account.NativeBalance)
	}
	return e.storeAccount(user, account)
}

// RegisterTokens creates zero-balance deposit rows for the given tokens. Each
// token must be a registered asset, and the account's native balance must
// cover the grown storage footprint.
func (e *Engine) RegisterTokens(user [20]byte, tokens []string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.registry == nil {
		return errNilRegistry
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if len(tokens) == 0 {
		return ErrTokenRequired
	}
	bytePrice, err := e.storageBytePrice()
	if err != nil {
		return err
	}
	account, ok, err := e.loadAccount(user)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotRegistered
	}
	normalized := make([]string, 0, len(tokens))
	for _, token := range tokens {
		sym := normalizeSymbol(token)
		if sym == "" {
			return ErrTokenRequired
		}
		if _, err := e.registry.GetAsset(sym); err != nil {
			return fmt.Errorf("exchange engine: register %s: %w", sym, err)
		}
		normalized = append(normalized, sym)
	}
	account.Register(normalized)
	if !account.CoversStorage(bytePrice) {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientStorage, account.StorageCost(bytePrice), account.NativeBalance)
	}
	return e.storeAccount(user, account)
}

// UnregisterTokens drops zero-balance deposit rows, shrinking the account's
// storage footprint. A row still holding tokens refuses to go.
func (e *Engine) UnregisterTokens(user [20]byte, tokens []string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if len(tokens) == 0 {
		return ErrTokenRequired
	}
	account, ok, err := e.loadAccount(user)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotRegistered
	}
	for _, token := range tokens {
		sym := normalizeSymbol(token)
		if sym == "" {
			return ErrTokenRequired
		}
		if !account.Unregister(sym) {
			return fmt.Errorf("%w: %s", ErrTokenBalanceNonZero, sym)
		}
	}
	return e.storeAccount(user, account)
}

// GetDepositAccount returns a priced snapshot of the user's deposit account.
func (e *Engine) GetDepositAccount(user [20]byte) (DepositView, bool, error) {
	if e == nil || e.state == nil {
		return DepositView{}, false, errNilState
	}
	bytePrice, err := e.storageBytePrice()
	if err != nil {
		return DepositView{}, false, err
	}
	account, ok, err := e.loadAccount(user)
	if err != nil {
		return DepositView{}, false, err
	}
	if !ok {
		return DepositView{}, false, nil
	}
	tokens := make([]string, 0, len(account.Tokens))
	for token := range account.Tokens {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	balances := make([]DepositBalance, 0, len(tokens))
	for _, token := range tokens {
		balances = append(balances, DepositBalance{Token: token, Amount: account.Balance(token)})
	}
	return DepositView{
		NativeBalance:    new(big.Int).Set(account.NativeBalance),
		StorageBytes:     account.StorageBytes(),
		StorageCost:      account.StorageCost(bytePrice),
		StorageAvailable: account.StorageAvailable(bytePrice),
		Balances:         balances,
	}, true, nil
}

// DepositWithStorageCheck restores a failed outbound transfer to the
// recipient's deposit row. It fails when the account is gone or when
// re-creating the token row would outgrow the storage deposit, handing the
// settlement engine on to the lost-found path.
func (e *Engine) DepositWithStorageCheck(recipient [20]byte, token string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	sym := normalizeSymbol(token)
	if sym == "" {
		return ErrTokenRequired
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	bytePrice, err := e.storageBytePrice()
	if err != nil {
		return err
	}
	account, ok, err := e.loadAccount(recipient)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotRegistered
	}
	if !account.DepositWithStorageCheck(sym, amount, bytePrice) {
		return fmt.Errorf("%w: %s row for %x", ErrInsufficientStorage, sym, recipient)
	}
	return e.storeAccount(recipient, account)
}

// DepositLostFound parks a failed transfer of a whitelisted token in the
// owner's deposit account, skipping storage accounting so the credit can
// never bounce. Non-whitelisted tokens are refused and stay stuck on the
// transfer record.
func (e *Engine) DepositLostFound(token string, amount *big.Int) (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	if e.registry == nil {
		return false, errNilRegistry
	}
	sym := normalizeSymbol(token)
	if sym == "" {
		return false, ErrTokenRequired
	}
	if amount == nil || amount.Sign() <= 0 {
		return false, ErrInvalidAmount
	}
	listed, err := e.registry.IsTokenWhitelisted(sym)
	if err != nil {
		return false, fmt.Errorf("exchange engine: lost-found whitelist: %w", err)
	}
	if !listed {
		return false, nil
	}
	account, ok, err := e.loadAccount(e.owner)
	if err != nil {
		return false, err
	}
	if !ok {
		account = types.NewAccount()
	}
	account.Deposit(sym, amount)
	if err := e.storeAccount(e.owner, account); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) storageBytePrice() (*big.Int, error) {
	if e.registry == nil {
		return nil, errNilRegistry
	}
	params, err := e.registry.Params()
	if err != nil {
		return nil, fmt.Errorf("exchange engine: load params: %w", err)
	}
	if params.StorageBytePrice == nil {
		return big.NewInt(0), nil
	}
	return params.StorageBytePrice, nil
}

func (e *Engine) loadAccount(addr [20]byte) (*types.Account, bool, error) {
	account, ok, err := e.state.GetAccount(addr[:])
	if err != nil {
		return nil, false, fmt.Errorf("exchange engine: load account: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	account.EnsureDefaults()
	return account, true, nil
}

func (e *Engine) storeAccount(addr [20]byte, account *types.Account) error {
	if err := e.state.PutAccount(addr[:], account); err != nil {
		return fmt.Errorf("exchange engine: persist account: %w", err)
	}
	return nil
}
