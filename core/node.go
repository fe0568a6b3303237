package core

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"raftex/core/events"
	"raftex/core/state"
	"raftex/core/types"
	"raftex/crypto"
	"raftex/native/accountbook"
	"raftex/native/debtpool"
	"raftex/native/exchange"
	"raftex/native/oracle"
	"raftex/native/registry"
	"raftex/native/settlement"
	"raftex/observability"
	"raftex/storage"
	"raftex/storage/trie"
)

var (
	stateRootKey   = []byte("raftex/state/root")
	stateHeightKey = []byte("raftex/state/height")
	chainOwnerKey  = []byte("raftex/chain/owner")
	chainNameKey   = []byte("raftex/chain/name")
)

// ErrReadOnly is returned when a state transition is attempted on a node
// opened with OpenReadOnly.
var ErrReadOnly = errors.New("node: state is read-only")

const eventHistoryLimit = 2048

// Node hosts the exchange engines over a single state trie. Every mutation
// runs as one state transition: engines are constructed fresh against a
// manager for the pending height, events are buffered, and the trie is either
// committed or rolled back to the pre-transition root. Reads share the same
// lock so they always observe a committed root.
type Node struct {
	db       storage.Database
	trie     *trie.Trie
	key      *crypto.PrivateKey
	owner    [20]byte
	chain    string
	readonly bool

	stateMu sync.Mutex
	height  uint64

	eventStreamMu      sync.Mutex
	eventStreamSeq     uint64
	eventStreamNextID  uint64
	eventStreamSubs    map[uint64]chan EventUpdate
	eventStreamHistory []EventUpdate
}

type engineSet struct {
	state    *state.Manager
	registry *registry.Engine
	oracle   *oracle.Engine
	pool     *debtpool.Engine
	book     *accountbook.Engine
	exchange *exchange.Engine
	settler  *settlement.Engine
}

// eventBuffer collects engine events during a state transition so they only
// reach subscribers once the transition commits.
type eventBuffer struct {
	entries []events.Event
}

func (b *eventBuffer) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	b.entries = append(b.entries, evt)
}

// NewNode opens (or initialises) the exchange state in db. A database without
// a state root record is treated as fresh: the genesis document is applied as
// the first state transition and the resolved owner is persisted. On restart
// the stored owner and height win over the supplied document, and state
// written under a different schema version is refused.
func NewNode(db storage.Database, key *crypto.PrivateKey, genesis *Genesis) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("node: database is required")
	}
	if key == nil {
		return nil, fmt.Errorf("node: operator key is required")
	}
	if genesis == nil {
		genesis = DefaultGenesis()
	}
	if err := genesis.Validate(); err != nil {
		return nil, fmt.Errorf("node: genesis: %w", err)
	}

	rootBytes, err := db.Get(stateRootKey)
	if err != nil {
		return initNode(db, key, genesis)
	}
	node, err := openExisting(db, rootBytes)
	if err != nil {
		return nil, err
	}
	node.key = key
	if node.chain == "" {
		node.chain = genesis.ChainName
	}
	return node, nil
}

// OpenReadOnly opens previously committed exchange state without an operator
// key. The returned node serves views only; state transitions are rejected
// with ErrReadOnly. Audit tooling uses this to inspect a data directory
// offline.
func OpenReadOnly(db storage.Database) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("node: database is required")
	}
	rootBytes, err := db.Get(stateRootKey)
	if err != nil {
		return nil, fmt.Errorf("node: no committed state in database: %w", err)
	}
	node, err := openExisting(db, rootBytes)
	if err != nil {
		return nil, err
	}
	node.readonly = true
	return node, nil
}

func openExisting(db storage.Database, rootBytes []byte) (*Node, error) {
	tr, err := trie.NewTrie(db, rootBytes)
	if err != nil {
		return nil, fmt.Errorf("node: open state trie at %x: %w", rootBytes, err)
	}
	if err := state.EnsureStateVersion(tr, false); err != nil {
		return nil, err
	}
	heightBytes, err := db.Get(stateHeightKey)
	if err != nil {
		return nil, fmt.Errorf("node: read state height: %w", err)
	}
	if len(heightBytes) != 8 {
		return nil, fmt.Errorf("node: corrupt state height record")
	}
	ownerBytes, err := db.Get(chainOwnerKey)
	if err != nil {
		return nil, fmt.Errorf("node: read owner record: %w", err)
	}
	if len(ownerBytes) != 20 {
		return nil, fmt.Errorf("node: corrupt owner record")
	}
	node := &Node{db: db, trie: tr}
	copy(node.owner[:], ownerBytes)
	node.height = binary.BigEndian.Uint64(heightBytes)
	if nameBytes, err := db.Get(chainNameKey); err == nil && len(nameBytes) > 0 {
		node.chain = string(nameBytes)
	}
	return node, nil
}

func initNode(db storage.Database, key *crypto.PrivateKey, genesis *Genesis) (*Node, error) {
	tr, err := trie.NewTrie(db, nil)
	if err != nil {
		return nil, fmt.Errorf("node: open state trie: %w", err)
	}
	var keyAddr [20]byte
	copy(keyAddr[:], key.PubKey().Address().Bytes())
	owner, err := genesis.OwnerAddress(keyAddr)
	if err != nil {
		return nil, fmt.Errorf("node: resolve owner: %w", err)
	}
	node := &Node{db: db, trie: tr, key: key, owner: owner, chain: genesis.ChainName}
	if err := node.execute(func(set *engineSet) error {
		if err := set.state.SetStateVersion(state.StateVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return genesis.apply(set)
	}); err != nil {
		return nil, fmt.Errorf("node: apply genesis: %w", err)
	}
	if err := db.Put(chainOwnerKey, owner[:]); err != nil {
		return nil, fmt.Errorf("node: persist owner record: %w", err)
	}
	if err := db.Put(chainNameKey, []byte(genesis.ChainName)); err != nil {
		return nil, fmt.Errorf("node: persist chain name: %w", err)
	}
	return node, nil
}

func (n *Node) buildEngines(manager *state.Manager, emitter events.Emitter, height uint64) *engineSet {
	reg := registry.NewEngine()
	reg.SetState(manager)
	reg.SetEmitter(emitter)

	orc := oracle.NewEngine()
	orc.SetState(manager)
	orc.SetEmitter(emitter)
	orc.SetBlockHeight(height)

	pool := debtpool.NewEngine()
	pool.SetState(manager)
	pool.SetPriceSource(orc)

	book := accountbook.NewEngine()
	book.SetState(manager)
	book.SetPriceSource(orc)

	ex := exchange.NewEngine()
	ex.SetState(manager)
	ex.SetEmitter(emitter)
	ex.SetPauses(reg)
	ex.SetRegistry(reg)
	ex.SetOracle(orc)
	ex.SetDebtPool(pool)
	ex.SetAccountBook(book)
	ex.SetOwner(n.owner)
	ex.SetBlockHeight(height)

	settler := settlement.NewEngine()
	settler.SetState(manager)
	settler.SetEmitter(emitter)
	settler.SetLedger(ex)
	settler.SetBlockHeight(height)
	ex.SetSettlement(settler)

	return &engineSet{
		state:    manager,
		registry: reg,
		oracle:   orc,
		pool:     pool,
		book:     book,
		exchange: ex,
		settler:  settler,
	}
}

// execute runs fn as a state transition at height+1. On success the trie is
// committed, the root/height metadata persisted and buffered events published;
// on failure the trie is reset to the pre-transition root.
func (n *Node) execute(fn func(*engineSet) error) error {
	if n.readonly {
		return ErrReadOnly
	}
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	snapshot := n.trie.Root()
	nextHeight := n.height + 1
	manager := state.NewManager(n.trie)
	buffer := &eventBuffer{}
	set := n.buildEngines(manager, buffer, nextHeight)

	if err := fn(set); err != nil {
		if resetErr := n.trie.Reset(snapshot); resetErr != nil {
			return fmt.Errorf("%w (state rollback failed: %v)", err, resetErr)
		}
		return err
	}

	root, err := manager.Commit(nextHeight)
	if err != nil {
		if resetErr := n.trie.Reset(snapshot); resetErr != nil {
			return fmt.Errorf("commit state: %w (state rollback failed: %v)", err, resetErr)
		}
		return fmt.Errorf("commit state: %w", err)
	}
	if err := n.persistMeta(root, nextHeight); err != nil {
		return fmt.Errorf("persist state meta: %w", err)
	}
	n.height = nextHeight
	n.publishEvents(nextHeight, buffer.entries)
	return nil
}

// view runs fn against the committed state without publishing events.
func (n *Node) view(fn func(*engineSet) error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := state.NewManager(n.trie)
	set := n.buildEngines(manager, events.NoopEmitter{}, n.height)
	return fn(set)
}

func (n *Node) persistMeta(root common.Hash, height uint64) error {
	if err := n.db.Put(stateRootKey, root.Bytes()); err != nil {
		return err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)
	return n.db.Put(stateHeightKey, buf[:])
}

// Height reports the height of the last committed state transition.
func (n *Node) Height() uint64 {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.height
}

// StateRoot reports the last committed state root.
func (n *Node) StateRoot() common.Hash {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.trie.Root()
}

// ChainName reports the network name recorded at initialisation.
func (n *Node) ChainName() string { return n.chain }

// Owner reports the exchange owner account.
func (n *Node) Owner() [20]byte { return n.owner }

// OwnerAddress reports the owner as a bech32 account address.
func (n *Node) OwnerAddress() crypto.Address {
	return crypto.NewAddress(crypto.RFTPrefix, n.owner[:])
}

// --- Exchange operations ---

// Mint locks deposited tokens and issues raftAmount of the raft against them,
// either into the shared debt pool or onto the minter's individual book.
func (n *Node) Mint(minter [20]byte, token string, tokenAmount *big.Int, raft string, raftAmount *big.Int, pooled bool) (uint64, error) {
	var id uint64
	err := n.execute(func(set *engineSet) error {
		var innerErr error
		id, innerErr = set.exchange.Mint(minter, token, tokenAmount, raft, raftAmount, pooled)
		return innerErr
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Swap exchanges amount of oldRaft for newRaft inside the debt pool at oracle
// prices, charging the registry exchange fee.
func (n *Node) Swap(trader [20]byte, oldRaft, newRaft string, amount *big.Int) (*big.Int, error) {
	var out *big.Int
	err := n.execute(func(set *engineSet) error {
		var innerErr error
		out, innerErr = set.exchange.Swap(trader, oldRaft, newRaft, amount)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RedeemPool settles the caller's entire pooled debt share and releases the
// backing collateral records.
func (n *Node) RedeemPool(redeemer [20]byte) (*exchange.PoolRedemption, error) {
	var result *exchange.PoolRedemption
	err := n.execute(func(set *engineSet) error {
		var innerErr error
		result, innerErr = set.exchange.RedeemPool(redeemer)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RedeemBook burns the raft recorded on a single collateral record and
// releases its backing tokens to the issuer.
func (n *Node) RedeemBook(redeemer [20]byte, collateralID uint64) (*exchange.BookRedemption, error) {
	var result *exchange.BookRedemption
	err := n.execute(func(set *engineSet) error {
		var innerErr error
		result, innerErr = set.exchange.RedeemBook(redeemer, collateralID)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Deposit records an inbound token transfer into the sender's deposit account
// and runs any mint instruction carried in the memo.
func (n *Node) Deposit(token string, sender [20]byte, amount *big.Int, memo string) error {
	return n.execute(func(set *engineSet) error {
		return set.exchange.HandleTokenReceived(token, sender, amount, memo)
	})
}

// WithdrawDeposit moves amount of a deposited token out through the
// settlement queue and returns the transfer id to resolve.
func (n *Node) WithdrawDeposit(user [20]byte, token string, amount *big.Int) ([32]byte, error) {
	var id [32]byte
	err := n.execute(func(set *engineSet) error {
		var innerErr error
		id, innerErr = set.exchange.WithdrawDeposit(user, token, amount)
		return innerErr
	})
	if err != nil {
		return [32]byte{}, err
	}
	return id, nil
}

// StorageDeposit credits native balance used to pay for deposit-account
// storage.
func (n *Node) StorageDeposit(user [20]byte, amount *big.Int) error {
	return n.execute(func(set *engineSet) error {
		return set.exchange.StorageDeposit(user, amount)
	})
}

// RegisterDepositTokens reserves deposit rows for the listed tokens.
func (n *Node) RegisterDepositTokens(user [20]byte, tokens []string) error {
	return n.execute(func(set *engineSet) error {
		return set.exchange.RegisterTokens(user, tokens)
	})
}

// UnregisterDepositTokens removes empty deposit rows for the listed tokens.
func (n *Node) UnregisterDepositTokens(user [20]byte, tokens []string) error {
	return n.execute(func(set *engineSet) error {
		return set.exchange.UnregisterTokens(user, tokens)
	})
}

// ResolveTransfer reports the outcome of an outbound transfer attempt and
// returns the final status after any compensation.
func (n *Node) ResolveTransfer(id [32]byte, success bool) (settlement.TransferStatus, error) {
	var status settlement.TransferStatus
	err := n.execute(func(set *engineSet) error {
		var innerErr error
		status, innerErr = set.settler.Resolve(id, success)
		return innerErr
	})
	if err != nil {
		return 0, err
	}
	return status, nil
}

// FeedPrice stores a trusted oracle price for symbol. Caller authorisation is
// the RPC layer's responsibility.
func (n *Node) FeedPrice(symbol string, price *big.Int) error {
	return n.execute(func(set *engineSet) error {
		return set.oracle.FeedPrice(symbol, price)
	})
}

// --- Governance operations ---

// RegisterAsset adds or updates an asset definition in the registry.
func (n *Node) RegisterAsset(asset registry.Asset) error {
	return n.execute(func(set *engineSet) error {
		return set.registry.RegisterAsset(asset)
	})
}

// WhitelistToken marks an asset as accepted collateral.
func (n *Node) WhitelistToken(symbol string) error {
	return n.execute(func(set *engineSet) error {
		return set.registry.WhitelistToken(symbol)
	})
}

// RemoveToken withdraws an asset from the collateral whitelist.
func (n *Node) RemoveToken(symbol string) error {
	return n.execute(func(set *engineSet) error {
		return set.registry.RemoveToken(symbol)
	})
}

// WhitelistRaft marks an asset as mintable synthetic.
func (n *Node) WhitelistRaft(symbol string) error {
	return n.execute(func(set *engineSet) error {
		return set.registry.WhitelistRaft(symbol)
	})
}

// RemoveRaft withdraws an asset from the synthetic whitelist.
func (n *Node) RemoveRaft(symbol string) error {
	return n.execute(func(set *engineSet) error {
		return set.registry.RemoveRaft(symbol)
	})
}

// SetLeverageBand updates the inclusive leverage bounds for pooled mints.
func (n *Node) SetLeverageBand(min, max uint64) error {
	return n.execute(func(set *engineSet) error {
		return set.registry.SetLeverageBand(min, max)
	})
}

// SetExchangeFee updates the pool swap fee in basis points.
func (n *Node) SetExchangeFee(bps uint64) error {
	return n.execute(func(set *engineSet) error {
		return set.registry.SetExchangeFee(bps)
	})
}

// SetInterestFee updates the book redemption fee in basis points.
func (n *Node) SetInterestFee(bps uint64) error {
	return n.execute(func(set *engineSet) error {
		return set.registry.SetInterestFee(bps)
	})
}

// SetStorageBytePrice updates the native price per byte of deposit storage.
func (n *Node) SetStorageBytePrice(price *big.Int) error {
	return n.execute(func(set *engineSet) error {
		return set.registry.SetStorageBytePrice(price)
	})
}

// SetRunning pauses or resumes exchange mutations.
func (n *Node) SetRunning(running bool) error {
	return n.execute(func(set *engineSet) error {
		return set.registry.SetRunning(running)
	})
}

// --- Views ---

// DepositAccount reports a user's deposit account, if present.
func (n *Node) DepositAccount(user [20]byte) (exchange.DepositView, bool, error) {
	var (
		deposit exchange.DepositView
		ok      bool
	)
	err := n.view(func(set *engineSet) error {
		var innerErr error
		deposit, ok, innerErr = set.exchange.GetDepositAccount(user)
		return innerErr
	})
	if err != nil {
		return exchange.DepositView{}, false, err
	}
	return deposit, ok, nil
}

// Collateral loads one collateral record by id.
func (n *Node) Collateral(id uint64) (exchange.Collateral, error) {
	var record exchange.Collateral
	err := n.view(func(set *engineSet) error {
		var innerErr error
		record, innerErr = set.exchange.GetCollateral(id)
		return innerErr
	})
	if err != nil {
		return exchange.Collateral{}, err
	}
	return record, nil
}

// UserCollaterals lists the collateral records issued by user.
func (n *Node) UserCollaterals(user [20]byte) ([]exchange.Collateral, error) {
	var records []exchange.Collateral
	err := n.view(func(set *engineSet) error {
		var innerErr error
		records, innerErr = set.exchange.ListUserCollaterals(user)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Collaterals lists every collateral record in id order.
func (n *Node) Collaterals() ([]exchange.Collateral, error) {
	var records []exchange.Collateral
	err := n.view(func(set *engineSet) error {
		var innerErr error
		records, innerErr = set.exchange.ListCollaterals()
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// PoolStatus is a consistent snapshot of the shared debt pool.
type PoolStatus struct {
	TotalValue   *big.Int
	Ratios       []debtpool.RatioEntry
	NetPositions []debtpool.NetPosition
}

// PoolStatus reports pool value, member shares and net positions from a
// single state view.
func (n *Node) PoolStatus() (PoolStatus, error) {
	var status PoolStatus
	err := n.view(func(set *engineSet) error {
		total, innerErr := set.pool.TotalValue()
		if innerErr != nil {
			return innerErr
		}
		ratios, innerErr := set.pool.Ratios()
		if innerErr != nil {
			return innerErr
		}
		positions, innerErr := set.pool.NetPositions()
		if innerErr != nil {
			return innerErr
		}
		status = PoolStatus{TotalValue: total, Ratios: ratios, NetPositions: positions}
		return nil
	})
	if err != nil {
		return PoolStatus{}, err
	}
	return status, nil
}

// PoolPosition is one member's view of the shared debt pool.
type PoolPosition struct {
	Joined        bool
	Ratio         uint64
	Value         *big.Int
	Contributions []debtpool.Contribution
}

// PoolPosition reports a user's pool membership, share and per-raft rows.
func (n *Node) PoolPosition(user [20]byte) (PoolPosition, error) {
	var position PoolPosition
	err := n.view(func(set *engineSet) error {
		ratio, joined, innerErr := set.pool.Ratio(user)
		if innerErr != nil {
			return innerErr
		}
		value, innerErr := set.pool.UserValue(user)
		if innerErr != nil {
			return innerErr
		}
		contributions, innerErr := set.pool.UserContributions(user)
		if innerErr != nil {
			return innerErr
		}
		position = PoolPosition{Joined: joined, Ratio: ratio, Value: value, Contributions: contributions}
		return nil
	})
	if err != nil {
		return PoolPosition{}, err
	}
	return position, nil
}

// BookBalances lists a user's individual (non-pooled) raft holdings.
func (n *Node) BookBalances(user [20]byte) ([]accountbook.Holding, error) {
	var holdings []accountbook.Holding
	err := n.view(func(set *engineSet) error {
		var innerErr error
		holdings, innerErr = set.book.Balances(user)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return holdings, nil
}

// BookTotals lists aggregate individual holdings across all users.
func (n *Node) BookTotals() ([]accountbook.Holding, error) {
	var holdings []accountbook.Holding
	err := n.view(func(set *engineSet) error {
		var innerErr error
		holdings, innerErr = set.book.TotalBalances()
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return holdings, nil
}

// LedgerValues is a consistent snapshot of both debt ledgers priced in the
// settlement currency.
type LedgerValues struct {
	PoolValue *big.Int
	BookValue *big.Int
}

// LedgerValues reports the pooled and individual debt values from a single
// state view.
func (n *Node) LedgerValues() (LedgerValues, error) {
	var values LedgerValues
	err := n.view(func(set *engineSet) error {
		poolValue, innerErr := set.pool.TotalValue()
		if innerErr != nil {
			return innerErr
		}
		bookValue, innerErr := set.book.TotalValue()
		if innerErr != nil {
			return innerErr
		}
		values = LedgerValues{PoolValue: poolValue, BookValue: bookValue}
		return nil
	})
	if err != nil {
		return LedgerValues{}, err
	}
	return values, nil
}

// Transfer loads one settlement transfer by id.
func (n *Node) Transfer(id [32]byte) (settlement.Transfer, error) {
	var transfer settlement.Transfer
	err := n.view(func(set *engineSet) error {
		var innerErr error
		transfer, innerErr = set.settler.GetTransfer(id)
		return innerErr
	})
	if err != nil {
		return settlement.Transfer{}, err
	}
	return transfer, nil
}

// PendingTransfers lists transfers awaiting resolution in creation order.
func (n *Node) PendingTransfers() ([]settlement.Transfer, error) {
	var transfers []settlement.Transfer
	err := n.view(func(set *engineSet) error {
		var innerErr error
		transfers, innerErr = set.settler.ListPending()
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return transfers, nil
}

// Quote reports the stored oracle price for symbol.
func (n *Node) Quote(symbol string) (oracle.Quote, error) {
	var quote oracle.Quote
	err := n.view(func(set *engineSet) error {
		var innerErr error
		quote, innerErr = set.oracle.GetQuote(symbol)
		return innerErr
	})
	if err != nil {
		return oracle.Quote{}, err
	}
	return quote, nil
}

// Asset loads one registry asset by symbol.
func (n *Node) Asset(symbol string) (registry.Asset, error) {
	var asset registry.Asset
	err := n.view(func(set *engineSet) error {
		var innerErr error
		asset, innerErr = set.registry.GetAsset(symbol)
		return innerErr
	})
	if err != nil {
		return registry.Asset{}, err
	}
	return asset, nil
}

// Assets lists every registered asset.
func (n *Node) Assets() ([]registry.Asset, error) {
	var assets []registry.Asset
	err := n.view(func(set *engineSet) error {
		var innerErr error
		assets, innerErr = set.registry.ListAssets()
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return assets, nil
}

// Params reports the current governance parameters.
func (n *Node) Params() (registry.Params, error) {
	var params registry.Params
	err := n.view(func(set *engineSet) error {
		var innerErr error
		params, innerErr = set.registry.Params()
		return innerErr
	})
	if err != nil {
		return registry.Params{}, err
	}
	return params, nil
}

// TokenWhitelist lists the symbols accepted as collateral.
func (n *Node) TokenWhitelist() ([]string, error) {
	var symbols []string
	err := n.view(func(set *engineSet) error {
		var innerErr error
		symbols, innerErr = set.registry.TokenList()
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return symbols, nil
}

// RaftWhitelist lists the symbols mintable as synthetics.
func (n *Node) RaftWhitelist() ([]string, error) {
	var symbols []string
	err := n.view(func(set *engineSet) error {
		var innerErr error
		symbols, innerErr = set.registry.RaftList()
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return symbols, nil
}

// --- Event stream ---

// EventUpdate is one exchange event on the subscription stream, tagged with
// its stream cursor and the height of the committing transition.
type EventUpdate struct {
	Sequence uint64
	Cursor   string
	Height   uint64
	Event    *types.Event
}

type eventWithPayload interface {
	Event() *types.Event
}

func eventPayload(evt events.Event) *types.Event {
	if evt == nil {
		return nil
	}
	if typed, ok := evt.(eventWithPayload); ok {
		return typed.Event()
	}
	return &types.Event{Type: evt.EventType(), Attributes: map[string]string{}}
}

func cloneEventUpdate(update EventUpdate) EventUpdate {
	cloned := update
	if update.Event != nil {
		attrs := make(map[string]string, len(update.Event.Attributes))
		for key, value := range update.Event.Attributes {
			attrs[key] = value
		}
		cloned.Event = &types.Event{Type: update.Event.Type, Attributes: attrs}
	}
	return cloned
}

func (n *Node) publishEvents(height uint64, entries []events.Event) {
	if len(entries) == 0 {
		return
	}

	n.eventStreamMu.Lock()
	if n.eventStreamSubs == nil {
		n.eventStreamSubs = make(map[uint64]chan EventUpdate)
	}
	published := make([]EventUpdate, 0, len(entries))
	for _, entry := range entries {
		payload := eventPayload(entry)
		if payload == nil {
			continue
		}
		observability.Events().RecordEvent(payload.Type)
		n.eventStreamSeq++
		update := EventUpdate{
			Sequence: n.eventStreamSeq,
			Cursor:   strconv.FormatUint(n.eventStreamSeq, 10),
			Height:   height,
			Event:    payload,
		}
		n.eventStreamHistory = append(n.eventStreamHistory, cloneEventUpdate(update))
		published = append(published, update)
	}
	if len(n.eventStreamHistory) > eventHistoryLimit {
		excess := len(n.eventStreamHistory) - eventHistoryLimit
		trimmed := make([]EventUpdate, eventHistoryLimit)
		copy(trimmed, n.eventStreamHistory[excess:])
		n.eventStreamHistory = trimmed
	}
	subscribers := make([]chan EventUpdate, 0, len(n.eventStreamSubs))
	for _, ch := range n.eventStreamSubs {
		subscribers = append(subscribers, ch)
	}
	n.eventStreamMu.Unlock()

	for _, ch := range subscribers {
		for _, update := range published {
			select {
			case ch <- cloneEventUpdate(update):
			default:
			}
		}
	}
}

// EventsSubscribe registers a subscriber for exchange events after the
// supplied cursor. The returned backlog replays retained history; the cancel
// function detaches the subscriber and closes the channel. Slow subscribers
// miss updates rather than blocking state transitions.
func (n *Node) EventsSubscribe(ctx context.Context, cursor string) (<-chan EventUpdate, func(), []EventUpdate, error) {
	if n == nil {
		return nil, nil, nil, fmt.Errorf("node not initialised")
	}
	updates := make(chan EventUpdate, 32)

	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		parsed, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("invalid cursor %q", cursor)
		}
		since = parsed
	}

	n.eventStreamMu.Lock()
	if n.eventStreamSubs == nil {
		n.eventStreamSubs = make(map[uint64]chan EventUpdate)
	}
	id := n.eventStreamNextID
	n.eventStreamNextID++
	n.eventStreamSubs[id] = updates
	history := make([]EventUpdate, len(n.eventStreamHistory))
	copy(history, n.eventStreamHistory)
	n.eventStreamMu.Unlock()

	backlog := make([]EventUpdate, 0, len(history))
	for _, entry := range history {
		if entry.Sequence > since {
			backlog = append(backlog, cloneEventUpdate(entry))
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.eventStreamMu.Lock()
			sub, ok := n.eventStreamSubs[id]
			if ok {
				delete(n.eventStreamSubs, id)
				close(sub)
			}
			n.eventStreamMu.Unlock()
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return updates, cancel, backlog, nil
}
