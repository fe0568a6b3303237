package accountbook

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/rlp"
)

type mockStorage struct {
	kv map[string][]byte
}

func newMockStorage() *mockStorage {
	return &mockStorage{kv: make(map[string][]byte)}
}

func (m *mockStorage) KVGet(key []byte, out interface{}) (bool, error) {
	raw, ok := m.kv[string(key)]
	if !ok {
		return false, nil
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

func (m *mockStorage) KVPut(key []byte, value interface{}) error {
	raw, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.kv[string(key)] = raw
	return nil
}

var errNoQuote = errors.New("no quote")

type staticPrices map[string]*big.Int

func (p staticPrices) GetPrice(symbol string) (*big.Int, error) {
	price, ok := p[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errNoQuote, symbol)
	}
	return new(big.Int).Set(price), nil
}

func newTestEngine(prices staticPrices) *Engine {
	engine := NewEngine()
	engine.SetState(newMockStorage())
	engine.SetPriceSource(prices)
	return engine
}

func balanceOf(t *testing.T, engine *Engine, user [20]byte, symbol string) *big.Int {
	t.Helper()
	amount, err := engine.Balance(user, symbol)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return amount
}

func totalOf(t *testing.T, engine *Engine, symbol string) *big.Int {
	t.Helper()
	amount, err := engine.TotalBalance(symbol)
	if err != nil {
		t.Fatalf("total balance: %v", err)
	}
	return amount
}

func TestCreditAccumulatesBothRows(t *testing.T) {
	engine := newTestEngine(nil)
	alice := [20]byte{0x01}
	bob := [20]byte{0x02}

	if err := engine.Credit(alice, " rbtc ", big.NewInt(40)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := engine.Credit(alice, "RBTC", big.NewInt(2)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := engine.Credit(bob, "RBTC", big.NewInt(8)); err != nil {
		t.Fatalf("credit: %v", err)
	}

	if got := balanceOf(t, engine, alice, "RBTC"); got.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("alice balance = %s, want 42", got)
	}
	if got := balanceOf(t, engine, bob, "RBTC"); got.Cmp(big.NewInt(8)) != 0 {
		t.Fatalf("bob balance = %s, want 8", got)
	}
	if got := totalOf(t, engine, "RBTC"); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("book total = %s, want 50", got)
	}
}

func TestCreditValidation(t *testing.T) {
	engine := newTestEngine(nil)
	alice := [20]byte{0x01}

	if err := engine.Credit(alice, "", big.NewInt(1)); !errors.Is(err, ErrSymbolRequired) {
		t.Fatalf("blank symbol error = %v, want ErrSymbolRequired", err)
	}
	if err := engine.Credit(alice, "RBTC", nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("nil amount error = %v, want ErrInvalidAmount", err)
	}
	if err := engine.Credit(alice, "RBTC", big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero amount error = %v, want ErrInvalidAmount", err)
	}
	if err := engine.Credit(alice, "RBTC", big.NewInt(-7)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("negative amount error = %v, want ErrInvalidAmount", err)
	}
}

func TestWithdrawGuardsUnderflow(t *testing.T) {
	engine := newTestEngine(nil)
	alice := [20]byte{0x01}
	bob := [20]byte{0x02}

	if err := engine.Credit(alice, "RBTC", big.NewInt(10)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := engine.Withdraw(alice, "RBTC", big.NewInt(11)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("overdraft error = %v, want ErrInsufficientBalance", err)
	}
	if err := engine.Withdraw(bob, "RBTC", big.NewInt(1)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("empty-row withdraw error = %v, want ErrInsufficientBalance", err)
	}
	// The failed withdrawals must leave the rows untouched.
	if got := balanceOf(t, engine, alice, "RBTC"); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("alice balance after failed withdraw = %s, want 10", got)
	}
	if got := totalOf(t, engine, "RBTC"); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("book total after failed withdraw = %s, want 10", got)
	}

	if err := engine.Withdraw(alice, "RBTC", big.NewInt(10)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := balanceOf(t, engine, alice, "RBTC"); got.Sign() != 0 {
		t.Fatalf("alice balance = %s, want 0", got)
	}
	if got := totalOf(t, engine, "RBTC"); got.Sign() != 0 {
		t.Fatalf("book total = %s, want 0", got)
	}
	rows, err := engine.Balances(alice)
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("zeroed rows should drop from listing, got %+v", rows)
	}
}

// Redeeming against the book composes a withdrawal of amount+fee with a fee
// credit to the issuer: the book total must fall by exactly the redeemed
// amount.
func TestRedeemCompositionConservesTotals(t *testing.T) {
	engine := newTestEngine(nil)
	alice := [20]byte{0x01}
	issuer := [20]byte{0xee}

	if err := engine.Credit(alice, "RUSD", big.NewInt(1_000)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	amount := big.NewInt(500)
	fee := big.NewInt(5)

	if err := engine.Withdraw(alice, "RUSD", new(big.Int).Add(amount, fee)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if err := engine.Credit(issuer, "RUSD", fee); err != nil {
		t.Fatalf("fee credit: %v", err)
	}

	if got := balanceOf(t, engine, alice, "RUSD"); got.Cmp(big.NewInt(495)) != 0 {
		t.Fatalf("alice balance = %s, want 495", got)
	}
	if got := balanceOf(t, engine, issuer, "RUSD"); got.Cmp(fee) != 0 {
		t.Fatalf("issuer balance = %s, want %s", got, fee)
	}
	if got := totalOf(t, engine, "RUSD"); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("book total = %s, want 500", got)
	}
}

func TestValueScansPriceNonZeroRows(t *testing.T) {
	engine := newTestEngine(staticPrices{
		"RBTC": big.NewInt(200_000),
		"RUSD": big.NewInt(100_000),
	})
	alice := [20]byte{0x01}
	bob := [20]byte{0x02}

	if err := engine.Credit(alice, "RBTC", big.NewInt(3)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := engine.Credit(alice, "RUSD", big.NewInt(7)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := engine.Credit(bob, "RUSD", big.NewInt(11)); err != nil {
		t.Fatalf("credit: %v", err)
	}

	userValue, err := engine.UserValue(alice)
	if err != nil {
		t.Fatalf("user value: %v", err)
	}
	if want := big.NewInt(3*200_000 + 7*100_000); userValue.Cmp(want) != 0 {
		t.Fatalf("user value = %s, want %s", userValue, want)
	}
	totalValue, err := engine.TotalValue()
	if err != nil {
		t.Fatalf("total value: %v", err)
	}
	if want := big.NewInt(3*200_000 + 18*100_000); totalValue.Cmp(want) != 0 {
		t.Fatalf("total value = %s, want %s", totalValue, want)
	}

	// Draining a symbol back to zero removes it from the scan, so a
	// missing quote for it can no longer fail valuation.
	if err := engine.Withdraw(bob, "RUSD", big.NewInt(11)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if err := engine.Withdraw(alice, "RUSD", big.NewInt(7)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	engine.SetPriceSource(staticPrices{"RBTC": big.NewInt(200_000)})
	drained, err := engine.TotalValue()
	if err != nil {
		t.Fatalf("total value after drain: %v", err)
	}
	if want := big.NewInt(3 * 200_000); drained.Cmp(want) != 0 {
		t.Fatalf("total value after drain = %s, want %s", drained, want)
	}
}

func TestTotalBalancesSorted(t *testing.T) {
	engine := newTestEngine(nil)
	alice := [20]byte{0x01}

	for _, sym := range []string{"RUSD", "RBTC", "RETH"} {
		if err := engine.Credit(alice, sym, big.NewInt(5)); err != nil {
			t.Fatalf("credit %s: %v", sym, err)
		}
	}
	totals, err := engine.TotalBalances()
	if err != nil {
		t.Fatalf("total balances: %v", err)
	}
	if len(totals) != 3 {
		t.Fatalf("totals = %d entries, want 3", len(totals))
	}
	for i, want := range []string{"RBTC", "RETH", "RUSD"} {
		if totals[i].Symbol != want {
			t.Fatalf("totals[%d] = %s, want %s", i, totals[i].Symbol, want)
		}
	}
}
