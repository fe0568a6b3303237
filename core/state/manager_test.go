package state

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/rlp"

	"raftex/core/types"
	"raftex/storage"
	"raftex/storage/trie"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db := storage.NewMemDB()
	tr, err := trie.NewTrie(db, nil)
	if err != nil {
		t.Fatalf("new trie: %v", err)
	}
	return NewManager(tr)
}

func TestKVRoundTrip(t *testing.T) {
	mgr := newTestManager(t)

	type record struct {
		Symbol string
		Amount *big.Int
	}
	put := record{Symbol: "RUSD", Amount: big.NewInt(42)}
	if err := mgr.KVPut([]byte("pool/net/RUSD"), put); err != nil {
		t.Fatalf("kv put: %v", err)
	}

	var got record
	ok, err := mgr.KVGet([]byte("pool/net/RUSD"), &got)
	if err != nil {
		t.Fatalf("kv get: %v", err)
	}
	if !ok {
		t.Fatal("expected key to exist")
	}
	if got.Symbol != "RUSD" || got.Amount.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("unexpected record: %+v", got)
	}

	ok, err = mgr.KVGet([]byte("pool/net/MISSING"), &got)
	if err != nil {
		t.Fatalf("kv get missing: %v", err)
	}
	if ok {
		t.Fatal("missing key must report absent")
	}
}

func TestKVDeleteRemovesKey(t *testing.T) {
	mgr := newTestManager(t)

	if err := mgr.KVPut([]byte("ratios"), uint64(7)); err != nil {
		t.Fatalf("kv put: %v", err)
	}
	if err := mgr.KVDelete([]byte("ratios")); err != nil {
		t.Fatalf("kv delete: %v", err)
	}
	var out uint64
	ok, err := mgr.KVGet([]byte("ratios"), &out)
	if err != nil {
		t.Fatalf("kv get: %v", err)
	}
	if ok {
		t.Fatal("deleted key must report absent")
	}
}

func TestKVAppendDeduplicates(t *testing.T) {
	mgr := newTestManager(t)

	key := []byte("exchange/collateral/user/01")
	id1, _ := rlp.EncodeToBytes(uint64(1))
	id2, _ := rlp.EncodeToBytes(uint64(2))

	for _, encoded := range [][]byte{id1, id2, id1} {
		if err := mgr.KVAppend(key, encoded); err != nil {
			t.Fatalf("kv append: %v", err)
		}
	}

	var list [][]byte
	if err := mgr.KVGetList(key, &list); err != nil {
		t.Fatalf("kv get list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(list))
	}
}

func TestKVGetListInitialisesEmpty(t *testing.T) {
	mgr := newTestManager(t)

	var list [][]byte
	if err := mgr.KVGetList([]byte("never-written"), &list); err != nil {
		t.Fatalf("kv get list: %v", err)
	}
	if list == nil || len(list) != 0 {
		t.Fatalf("expected empty initialised slice, got %v", list)
	}
}

func TestAccountRoundTripAndExistence(t *testing.T) {
	mgr := newTestManager(t)
	addr := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a,
		0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10, 0x11, 0x12, 0x13, 0x14}

	if _, ok, err := mgr.GetAccount(addr); err != nil || ok {
		t.Fatalf("fresh account: ok=%v err=%v", ok, err)
	}

	account := types.NewAccount()
	account.NativeBalance = big.NewInt(1_000_000)
	account.Deposit("WBTC", big.NewInt(5))
	account.Register([]string{"RUSD"})
	if err := mgr.PutAccount(addr, account); err != nil {
		t.Fatalf("put account: %v", err)
	}

	got, ok, err := mgr.GetAccount(addr)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !ok {
		t.Fatal("stored account must exist")
	}
	if got.NativeBalance.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("native balance = %s", got.NativeBalance)
	}
	if got.Balance("WBTC").Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("token balance = %s", got.Balance("WBTC"))
	}
	// Zero rows survive persistence; registration is sticky.
	if got.Balance("RUSD") == nil {
		t.Fatal("zero-balance row must persist")
	}
}

func TestAccountRejectsNegativeBalances(t *testing.T) {
	mgr := newTestManager(t)
	addr := make([]byte, 20)
	addr[19] = 1

	account := types.NewAccount()
	account.NativeBalance = big.NewInt(-1)
	if err := mgr.PutAccount(addr, account); err == nil {
		t.Fatal("negative native balance must be rejected")
	}

	account = types.NewAccount()
	account.Tokens["WBTC"] = big.NewInt(-2)
	if err := mgr.PutAccount(addr, account); err == nil {
		t.Fatal("negative token balance must be rejected")
	}
}

func TestAccountMetadataVersionDispatch(t *testing.T) {
	mgr := newTestManager(t)
	addr := make([]byte, 20)
	addr[0] = 0xff

	payload, err := rlp.EncodeToBytes(&accountMetadataV1{})
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	encoded, err := rlp.EncodeToBytes(&versionedPayload{Version: 99, Payload: payload})
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	if err := mgr.trie.Update(accountMetadataKey(addr), encoded); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	if _, _, err := mgr.GetAccount(addr); err == nil {
		t.Fatal("unknown metadata version must fail decoding")
	}
}

func TestStateVersionGate(t *testing.T) {
	db := storage.NewMemDB()
	tr, err := trie.NewTrie(db, nil)
	if err != nil {
		t.Fatalf("new trie: %v", err)
	}
	mgr := NewManager(tr)

	if err := EnsureStateVersion(tr, false); err == nil {
		t.Fatal("missing schema version must fail the strict gate")
	} else if !errors.Is(err, ErrStateVersionMismatch) {
		t.Fatalf("unexpected gate error: %v", err)
	}
	if err := EnsureStateVersion(tr, true); err != nil {
		t.Fatalf("migrate-tolerant gate: %v", err)
	}

	if err := mgr.SetStateVersion(StateVersion); err != nil {
		t.Fatalf("set version: %v", err)
	}
	if err := EnsureStateVersion(tr, false); err != nil {
		t.Fatalf("strict gate after set: %v", err)
	}
}
