package types

import "math/big"

// Storage accounting charges a flat per-account record cost plus a fixed cost
// for every registered token row. Costs are denominated in bytes; the byte
// price comes from governance parameters.
const (
	accountBaseBytes uint64 = 98
	tokenEntryBytes  uint64 = 148
)

// Account tracks a user's deposits held by the exchange: the native balance
// prepaying storage and each deposited token balance. Token rows persist at
// zero once registered until explicitly unregistered.
type Account struct {
	NativeBalance *big.Int            `json:"nativeBalance"`
	Tokens        map[string]*big.Int `json:"tokens,omitempty"`
}

// NewAccount returns an empty account with initialised balances.
func NewAccount() *Account {
	return &Account{
		NativeBalance: big.NewInt(0),
		Tokens:        make(map[string]*big.Int),
	}
}

// EnsureDefaults normalises nil fields left behind by decoding.
func (a *Account) EnsureDefaults() {
	if a.NativeBalance == nil {
		a.NativeBalance = big.NewInt(0)
	}
	if a.Tokens == nil {
		a.Tokens = make(map[string]*big.Int)
	}
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := NewAccount()
	if a.NativeBalance != nil {
		clone.NativeBalance = new(big.Int).Set(a.NativeBalance)
	}
	for symbol, amount := range a.Tokens {
		if amount == nil {
			clone.Tokens[symbol] = big.NewInt(0)
			continue
		}
		clone.Tokens[symbol] = new(big.Int).Set(amount)
	}
	return clone
}

// Balance returns the deposited balance for the token, or nil when the token
// was never registered on this account.
func (a *Account) Balance(symbol string) *big.Int {
	amount, ok := a.Tokens[symbol]
	if !ok {
		return nil
	}
	if amount == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(amount)
}

// Deposit credits amount to the token row, creating the row when absent.
func (a *Account) Deposit(symbol string, amount *big.Int) {
	a.EnsureDefaults()
	current, ok := a.Tokens[symbol]
	if !ok || current == nil {
		current = big.NewInt(0)
	}
	a.Tokens[symbol] = new(big.Int).Add(current, amount)
}

// DepositWithStorageCheck credits amount to the token row. When the row does
// not exist yet, the credit only sticks if the account's native balance covers
// the grown storage footprint; otherwise the row is rolled back and false is
// returned.
func (a *Account) DepositWithStorageCheck(symbol string, amount *big.Int, bytePrice *big.Int) bool {
	a.EnsureDefaults()
	if current, ok := a.Tokens[symbol]; ok {
		if current == nil {
			current = big.NewInt(0)
		}
		a.Tokens[symbol] = new(big.Int).Add(current, amount)
		return true
	}
	a.Tokens[symbol] = new(big.Int).Set(amount)
	if a.StorageCost(bytePrice).Cmp(a.NativeBalance) <= 0 {
		return true
	}
	delete(a.Tokens, symbol)
	return false
}

// Withdraw debits amount from the token row. It reports whether the row
// exists and whether the balance covered the debit.
func (a *Account) Withdraw(symbol string, amount *big.Int) (registered bool, funded bool) {
	current, ok := a.Tokens[symbol]
	if !ok {
		return false, false
	}
	if current == nil {
		current = big.NewInt(0)
	}
	if current.Cmp(amount) < 0 {
		return true, false
	}
	a.Tokens[symbol] = new(big.Int).Sub(current, amount)
	return true, true
}

// Register creates zero-balance rows for the given tokens when absent.
func (a *Account) Register(symbols []string) {
	a.EnsureDefaults()
	for _, symbol := range symbols {
		if _, ok := a.Tokens[symbol]; !ok {
			a.Tokens[symbol] = big.NewInt(0)
		}
	}
}

// Unregister removes the token row. It reports false when the row still holds
// a non-zero balance; missing rows unregister cleanly.
func (a *Account) Unregister(symbol string) bool {
	current, ok := a.Tokens[symbol]
	if !ok {
		return true
	}
	if current != nil && current.Sign() != 0 {
		return false
	}
	delete(a.Tokens, symbol)
	return true
}

// StorageBytes returns the byte footprint charged for this account.
func (a *Account) StorageBytes() uint64 {
	return accountBaseBytes + uint64(len(a.Tokens))*tokenEntryBytes
}

// StorageCost returns the native amount locked by the account's storage
// footprint at the given byte price.
func (a *Account) StorageCost(bytePrice *big.Int) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(a.StorageBytes()), bytePrice)
}

// StorageAvailable returns native balance not locked by storage.
func (a *Account) StorageAvailable(bytePrice *big.Int) *big.Int {
	a.EnsureDefaults()
	locked := a.StorageCost(bytePrice)
	if a.NativeBalance.Cmp(locked) > 0 {
		return new(big.Int).Sub(a.NativeBalance, locked)
	}
	return big.NewInt(0)
}

// CoversStorage reports whether the native balance covers the storage
// footprint at the given byte price.
func (a *Account) CoversStorage(bytePrice *big.Int) bool {
	a.EnsureDefaults()
	return a.StorageCost(bytePrice).Cmp(a.NativeBalance) <= 0
}

// MinAccountStorageBytes returns the footprint of an account with no token
// rows, i.e. the smallest deposit that registration can require.
func MinAccountStorageBytes() uint64 {
	return accountBaseBytes
}
