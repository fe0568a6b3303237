package core

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"raftex/core/events"
	"raftex/core/state"
	"raftex/crypto"
	nativecommon "raftex/native/common"
	"raftex/native/exchange"
	"raftex/native/registry"
	"raftex/native/settlement"
	"raftex/storage"
)

func testGenesis() *Genesis {
	return &Genesis{
		ChainName: "raftex-test",
		Assets: []GenesisAsset{
			{Name: "Wrapped Bitcoin", Symbol: "WBTC", Standard: "ft", Decimals: 8, Address: "wbtc.token"},
			{Name: "Raft USD", Symbol: "RUSD", Decimals: 8},
			{Name: "Raft Bitcoin", Symbol: "RBTC", Decimals: 8, CollateralRatio: 150},
		},
		TokenWhitelist: []string{"WBTC"},
		RaftWhitelist:  []string{"RUSD", "RBTC"},
		Prices: map[string]string{
			"WBTC": "1000000",
			"RBTC": "1000000",
			"RUSD": "100000",
		},
	}
}

func newTestNode(t *testing.T) (*Node, *storage.MemDB, *crypto.PrivateKey) {
	t.Helper()
	db := storage.NewMemDB()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	node, err := NewNode(db, key, testGenesis())
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node, db, key
}

func keyAddress(key *crypto.PrivateKey) [20]byte {
	var addr [20]byte
	copy(addr[:], key.PubKey().Address().Bytes())
	return addr
}

func fundUser(t *testing.T, node *Node, user [20]byte) {
	t.Helper()
	if err := node.StorageDeposit(user, big.NewInt(100_000_000)); err != nil {
		t.Fatalf("storage deposit: %v", err)
	}
	if err := node.Deposit("WBTC", user, big.NewInt(1_000), ""); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func TestNodeGenesisBoot(t *testing.T) {
	node, db, key := newTestNode(t)

	if got := node.Height(); got != 1 {
		t.Fatalf("genesis height = %d, want 1", got)
	}
	assets, err := node.Assets()
	if err != nil {
		t.Fatalf("assets: %v", err)
	}
	if len(assets) != 3 {
		t.Fatalf("asset count = %d, want 3", len(assets))
	}
	quote, err := node.Quote("WBTC")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if quote.Value.Int64() != 1_000_000 {
		t.Fatalf("WBTC quote = %s, want 1000000", quote.Value)
	}
	if quote.UpdatedAt != 1 {
		t.Fatalf("quote height = %d, want 1", quote.UpdatedAt)
	}
	tokens, err := node.TokenWhitelist()
	if err != nil {
		t.Fatalf("token whitelist: %v", err)
	}
	if len(tokens) != 1 || tokens[0] != "WBTC" {
		t.Fatalf("token whitelist = %v", tokens)
	}
	params, err := node.Params()
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if params != registry.DefaultParams() {
		t.Fatalf("params = %+v, want defaults", params)
	}
	if node.Owner() != keyAddress(key) {
		t.Fatalf("owner does not match operator key")
	}
	if _, err := db.Get(stateRootKey); err != nil {
		t.Fatalf("state root record not persisted: %v", err)
	}
}

func TestNodeGenesisRequiresSettlementRaft(t *testing.T) {
	gen := testGenesis()
	gen.RaftWhitelist = []string{"RBTC"}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if _, err := NewNode(storage.NewMemDB(), key, gen); err == nil {
		t.Fatalf("expected genesis validation failure without settlement raft")
	}
}

func TestNodeRefusesUnversionedState(t *testing.T) {
	db := storage.NewMemDB()
	// A committed root without a schema version record marks a database
	// written by an incompatible layout.
	if err := db.Put(stateRootKey, gethtypes.EmptyRootHash.Bytes()); err != nil {
		t.Fatalf("seed state root: %v", err)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if _, err := NewNode(db, key, testGenesis()); !errors.Is(err, state.ErrStateVersionMismatch) {
		t.Fatalf("expected schema version mismatch, got %v", err)
	}
}

func TestNodeMintLifecycleAndRestart(t *testing.T) {
	node, db, key := newTestNode(t)
	user := [20]byte{0x11}

	fundUser(t, node, user)
	id, err := node.Mint(user, "WBTC", big.NewInt(3), "RUSD", big.NewInt(30), true)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if id != 1 {
		t.Fatalf("collateral id = %d, want 1", id)
	}
	if got := node.Height(); got != 4 {
		t.Fatalf("height = %d, want 4", got)
	}
	status, err := node.PoolStatus()
	if err != nil {
		t.Fatalf("pool status: %v", err)
	}
	if len(status.Ratios) != 1 || status.Ratios[0].Address != user {
		t.Fatalf("pool ratios = %+v", status.Ratios)
	}
	if status.TotalValue.Sign() <= 0 {
		t.Fatalf("pool value = %s, want positive", status.TotalValue)
	}

	// Reopen over the same database with a different operator key: the stored
	// owner, height and state must win over the fresh key and document.
	otherKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	reopened, err := NewNode(db, otherKey, testGenesis())
	if err != nil {
		t.Fatalf("reopen node: %v", err)
	}
	if reopened.Height() != node.Height() {
		t.Fatalf("reopened height = %d, want %d", reopened.Height(), node.Height())
	}
	if reopened.Owner() != keyAddress(key) {
		t.Fatalf("reopened owner changed")
	}
	record, err := reopened.Collateral(id)
	if err != nil {
		t.Fatalf("collateral after restart: %v", err)
	}
	if record.Issuer != user || record.Status != exchange.CollateralActive {
		t.Fatalf("collateral after restart = %+v", record)
	}
	position, err := reopened.PoolPosition(user)
	if err != nil {
		t.Fatalf("pool position: %v", err)
	}
	if !position.Joined {
		t.Fatalf("pool membership lost across restart")
	}
}

func TestNodeRollsBackFailedTransition(t *testing.T) {
	node, _, _ := newTestNode(t)
	user := [20]byte{0x22}
	fundUser(t, node, user)
	before := node.Height()
	root := node.StateRoot()

	if _, err := node.Mint(user, "WBTC", big.NewInt(3), "DOGE", big.NewInt(30), true); !errors.Is(err, exchange.ErrRaftNotWhitelisted) {
		t.Fatalf("mint error = %v, want ErrRaftNotWhitelisted", err)
	}
	if node.Height() != before {
		t.Fatalf("failed transition advanced height to %d", node.Height())
	}
	if node.StateRoot() != root {
		t.Fatalf("failed transition moved state root")
	}

	// The trie must stay usable after a rollback.
	if _, err := node.Mint(user, "WBTC", big.NewInt(3), "RUSD", big.NewInt(30), true); err != nil {
		t.Fatalf("mint after rollback: %v", err)
	}
}

func TestNodeDepositMemoIsAtomic(t *testing.T) {
	node, _, _ := newTestNode(t)
	user := [20]byte{0x33}
	if err := node.StorageDeposit(user, big.NewInt(100_000_000)); err != nil {
		t.Fatalf("storage deposit: %v", err)
	}

	// The deposit row is written before the memo mint runs inside the engine;
	// when the mint violates the leverage band the whole transition must roll
	// back, including the deposit itself.
	err := node.Deposit("WBTC", user, big.NewInt(3), "mint:rusd:1:pool")
	if !errors.Is(err, exchange.ErrLeverageOutOfBand) {
		t.Fatalf("memo deposit error = %v, want ErrLeverageOutOfBand", err)
	}
	view, ok, err := node.DepositAccount(user)
	if err != nil {
		t.Fatalf("deposit account: %v", err)
	}
	if !ok {
		t.Fatalf("storage deposit lost with the rollback")
	}
	if len(view.Balances) != 0 {
		t.Fatalf("deposit row survived rollback: %+v", view.Balances)
	}
}

func TestNodeWithdrawAndResolve(t *testing.T) {
	node, _, _ := newTestNode(t)
	user := [20]byte{0x44}
	fundUser(t, node, user)

	id, err := node.WithdrawDeposit(user, "WBTC", big.NewInt(400))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	pending, err := node.PendingTransfers()
	if err != nil {
		t.Fatalf("pending transfers: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id {
		t.Fatalf("pending transfers = %+v", pending)
	}

	status, err := node.ResolveTransfer(id, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if status != settlement.StatusConfirmed {
		t.Fatalf("status = %v, want confirmed", status)
	}
	pending, err = node.PendingTransfers()
	if err != nil {
		t.Fatalf("pending transfers: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("transfer still pending after confirmation")
	}
	transfer, err := node.Transfer(id)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if transfer.Status != settlement.StatusConfirmed {
		t.Fatalf("stored status = %v, want confirmed", transfer.Status)
	}
}

func TestNodePauseGatesMutations(t *testing.T) {
	node, _, _ := newTestNode(t)
	user := [20]byte{0x55}
	fundUser(t, node, user)

	if err := node.SetRunning(false); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := node.Deposit("WBTC", user, big.NewInt(1), ""); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("paused deposit error = %v, want ErrModulePaused", err)
	}
	if _, err := node.Mint(user, "WBTC", big.NewInt(3), "RUSD", big.NewInt(30), true); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("paused mint error = %v, want ErrModulePaused", err)
	}
	if err := node.SetRunning(true); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := node.Deposit("WBTC", user, big.NewInt(1), ""); err != nil {
		t.Fatalf("deposit after resume: %v", err)
	}
}

func TestNodeEventStream(t *testing.T) {
	node, _, _ := newTestNode(t)
	user := [20]byte{0x66}

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	updates, cancel, backlog, err := node.EventsSubscribe(ctx, "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	// Genesis publishes registrations, whitelist updates and seed prices.
	if len(backlog) == 0 {
		t.Fatalf("expected genesis events in backlog")
	}
	if backlog[0].Event.Type != events.TypeAssetRegistered {
		t.Fatalf("first genesis event = %s, want %s", backlog[0].Event.Type, events.TypeAssetRegistered)
	}
	for _, update := range backlog {
		if update.Height != 1 {
			t.Fatalf("genesis event at height %d", update.Height)
		}
	}

	fundUser(t, node, user)

	var deposited *EventUpdate
	deadline := time.After(2 * time.Second)
	for deposited == nil {
		select {
		case update, ok := <-updates:
			if !ok {
				t.Fatalf("stream closed before deposit event")
			}
			if update.Event.Type == events.TypeExchangeDeposited {
				deposited = &update
			}
		case <-deadline:
			t.Fatalf("timed out waiting for deposit event")
		}
	}
	if deposited.Height != 3 {
		t.Fatalf("deposit event height = %d, want 3", deposited.Height)
	}
	if deposited.Event.Attributes["token"] != "WBTC" {
		t.Fatalf("deposit event attributes = %v", deposited.Event.Attributes)
	}

	// A second subscriber resuming from the deposit's cursor must only see
	// later events.
	lateUpdates, lateCancel, lateBacklog, err := node.EventsSubscribe(ctx, deposited.Cursor)
	if err != nil {
		t.Fatalf("late subscribe: %v", err)
	}
	defer lateCancel()
	for _, update := range lateBacklog {
		if update.Sequence <= deposited.Sequence {
			t.Fatalf("cursor replayed event %d", update.Sequence)
		}
	}
	if _, err := node.Mint(user, "WBTC", big.NewInt(3), "RUSD", big.NewInt(30), true); err != nil {
		t.Fatalf("mint: %v", err)
	}
	deadline = time.After(2 * time.Second)
	for {
		select {
		case update, ok := <-lateUpdates:
			if !ok {
				t.Fatalf("late stream closed before mint event")
			}
			if update.Event.Type == events.TypeExchangeMinted {
				if update.Sequence <= deposited.Sequence {
					t.Fatalf("mint event sequence %d not after deposit %d", update.Sequence, deposited.Sequence)
				}
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for mint event")
		}
	}
}

func TestNodeSubscribeRejectsBadCursor(t *testing.T) {
	node, _, _ := newTestNode(t)
	if _, _, _, err := node.EventsSubscribe(context.Background(), "not-a-cursor"); err == nil {
		t.Fatalf("expected cursor parse error")
	}
}
