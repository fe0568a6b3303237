package exchange

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"raftex/core/events"
	"raftex/core/types"
	"raftex/native/accountbook"
	nativecommon "raftex/native/common"
	"raftex/native/debtpool"
	"raftex/native/oracle"
	"raftex/native/registry"
	"raftex/native/settlement"
)

const moduleName = "exchange"

const mintMemoPrefix = "mint:"

var (
	errNilState      = errors.New("exchange engine: state not configured")
	errNilRegistry   = errors.New("exchange engine: registry not configured")
	errNilOracle     = errors.New("exchange engine: oracle not configured")
	errNilPool       = errors.New("exchange engine: debt pool not configured")
	errNilBook       = errors.New("exchange engine: account book not configured")
	errNilSettlement = errors.New("exchange engine: settlement not configured")

	// ErrNotRegistered indicates an operation on a deposit account that was
	// never registered via StorageDeposit.
	ErrNotRegistered = errors.New("exchange engine: account not registered")
	// ErrTokenRequired indicates an empty token symbol.
	ErrTokenRequired = errors.New("exchange engine: token required")
	// ErrInvalidAmount indicates a zero or negative amount.
	ErrInvalidAmount = errors.New("exchange engine: amount must be positive")
	// ErrInvalidMemo indicates an unparseable transfer memo.
	ErrInvalidMemo = errors.New("exchange engine: invalid transfer memo")
	// ErrInsufficientStorage indicates a deposit account whose native balance
	// no longer covers its storage footprint.
	ErrInsufficientStorage = errors.New("exchange engine: insufficient storage deposit")
	// ErrInsufficientDeposit indicates a token row too small for the requested
	// operation.
	ErrInsufficientDeposit = errors.New("exchange engine: insufficient token deposit")
	// ErrInsufficientBalance indicates the redeemer's pooled and individual
	// settlement balances together cannot cover the pool debt.
	ErrInsufficientBalance = errors.New("exchange engine: insufficient balance for pool debt")
	// ErrTokenNotRegistered indicates a deposit row missing from the account.
	ErrTokenNotRegistered = errors.New("exchange engine: token not registered on account")
	// ErrTokenBalanceNonZero indicates an unregister attempt on a funded row.
	ErrTokenBalanceNonZero = errors.New("exchange engine: token balance must be zero to unregister")
	// ErrTokenNotWhitelisted indicates a collateral token outside the token
	// whitelist.
	ErrTokenNotWhitelisted = errors.New("exchange engine: token not whitelisted")
	// ErrRaftNotWhitelisted indicates a synthetic asset outside the raft
	// whitelist.
	ErrRaftNotWhitelisted = errors.New("exchange engine: raft not whitelisted")
	// ErrLeverageOutOfBand indicates a pooled mint whose leverage leaves the
	// governance band.
	ErrLeverageOutOfBand = errors.New("exchange engine: leverage outside allowed band")
	// ErrCollateralRatioTooLow indicates an individual mint below the raft's
	// collateral floor.
	ErrCollateralRatioTooLow = errors.New("exchange engine: collateral ratio below floor")
	// ErrCollateralNotFound indicates an unknown collateral id.
	ErrCollateralNotFound = errors.New("exchange engine: collateral not found")
	// ErrNotIssuer indicates a redemption attempt by someone other than the
	// collateral's issuer.
	ErrNotIssuer = errors.New("exchange engine: collateral issued by another account")
	// ErrCollateralPooled indicates a book redemption against a pooled claim,
	// which only the pool exit can consume.
	ErrCollateralPooled = errors.New("exchange engine: pooled collateral redeems via the pool")
	// ErrCollateralRedeemed indicates an already-consumed claim.
	ErrCollateralRedeemed = errors.New("exchange engine: collateral already redeemed")
)

// Storage captures the persistence operations required by the exchange.
// core/state.Manager satisfies it.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
	GetAccount(addr []byte) (*types.Account, bool, error)
	PutAccount(addr []byte, account *types.Account) error
}

// PoolRedemption reports what a pool exit moved.
type PoolRedemption struct {
	DebtValue  *big.Int
	DebtAmount *big.Int
	PoolPaid   *big.Int
	BookPaid   *big.Int
	Migrated   []debtpool.Contribution
	Released   []ReleasedCollateral
}

// BookRedemption reports what an individual redemption moved.
type BookRedemption struct {
	CollateralID uint64
	TransferID   [32]byte
	RaftAmount   *big.Int
	Fee          *big.Int
}

// ReleasedCollateral pairs a consumed claim with the outbound transfer that
// returns its backing tokens.
type ReleasedCollateral struct {
	CollateralID uint64
	TransferID   [32]byte
	Token        string
	Amount       *big.Int
}

// Engine orchestrates the exchange: deposits lock collateral tokens, mint
// issues rafts against them into either the shared debt pool or the
// individual book, swaps rebalance pooled exposure, and redemption burns debt
// and releases collateral through the settlement engine. The engine owns the
// collateral ledger and the deposit accounts; pool, book, registry, oracle
// and settlement are wired in.
type Engine struct {
	state       Storage
	emitter     events.Emitter
	pauses      nativecommon.PauseView
	registry    *registry.Engine
	oracle      *oracle.Engine
	pool        *debtpool.Engine
	book        *accountbook.Engine
	settler     *settlement.Engine
	owner       [20]byte
	blockHeight uint64
}

// NewEngine constructs an idle exchange engine. Wire collaborators via the
// setters before use.
func NewEngine() *Engine {
	return &Engine{emitter: events.NoopEmitter{}}
}

// SetState attaches the persistence backend.
func (e *Engine) SetState(state Storage) { e.state = state }

// SetEmitter attaches an event emitter. Passing nil restores the no-op
// emitter.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// SetPauses attaches the pause view consulted before every mutating call.
func (e *Engine) SetPauses(pauses nativecommon.PauseView) { e.pauses = pauses }

// SetRegistry attaches the asset registry.
func (e *Engine) SetRegistry(reg *registry.Engine) { e.registry = reg }

// SetOracle attaches the price oracle.
func (e *Engine) SetOracle(orc *oracle.Engine) { e.oracle = orc }

// SetDebtPool attaches the shared pool ledger.
func (e *Engine) SetDebtPool(pool *debtpool.Engine) { e.pool = pool }

// SetAccountBook attaches the individual ledger.
func (e *Engine) SetAccountBook(book *accountbook.Engine) { e.book = book }

// SetSettlement attaches the outbound transfer engine.
func (e *Engine) SetSettlement(settler *settlement.Engine) { e.settler = settler }

// SetOwner pins the fee-collecting owner account, which also hosts the
// lost-found balance.
func (e *Engine) SetOwner(owner [20]byte) { e.owner = owner }

// SetBlockHeight pins the height stamped on collateral records.
func (e *Engine) SetBlockHeight(height uint64) { e.blockHeight = height }

// Owner returns the fee-collecting owner account.
func (e *Engine) Owner() [20]byte { return e.owner }

// HandleTokenReceived is the post-transfer hook of the fungible-token
// protocol: the tokens have already moved, so this credits the sender's
// deposit row. The token must be whitelisted or already registered on the
// account. A memo of the form "mint:RAFT:AMOUNT:pool|book" immediately mints
// against the whole deposited amount; if the mint fails the deposit fails
// with it, refunding the transfer.
func (e *Engine) HandleTokenReceived(token string, sender [20]byte, amount *big.Int, memo string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.registry == nil {
		return errNilRegistry
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	sym := normalizeSymbol(token)
	if sym == "" {
		return ErrTokenRequired
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	var mintRaft string
	var mintAmount *big.Int
	var mintPooled bool
	runMint := strings.HasPrefix(memo, mintMemoPrefix)
	if runMint {
		var err error
		mintRaft, mintAmount, mintPooled, err = parseMintMemo(memo)
		if err != nil {
			return err
		}
	}
	bytePrice, err := e.storageBytePrice()
	if err != nil {
		return err
	}
	account, ok, err := e.loadAccount(sender)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotRegistered
	}
	listed, err := e.registry.IsTokenWhitelisted(sym)
	if err != nil {
		return fmt.Errorf("exchange engine: token whitelist: %w", err)
	}
	if !listed && account.Balance(sym) == nil {
		return fmt.Errorf("%w: %s", ErrTokenNotWhitelisted, sym)
	}
	if !account.DepositWithStorageCheck(sym, amount, bytePrice) {
		return fmt.Errorf("%w: %s row for %x", ErrInsufficientStorage, sym, sender)
	}
	if err := e.storeAccount(sender, account); err != nil {
		return err
	}
	e.emit(events.ExchangeDeposited{Sender: sender, Token: sym, Amount: cloneBig(amount), Memo: memo})

	if runMint {
		if _, err := e.Mint(sender, sym, amount, mintRaft, mintAmount, mintPooled); err != nil {
			return err
		}
	}
	return nil
}

// WithdrawDeposit debits the user's deposit row and releases the tokens
// through the settlement engine. The debit is optimistic: a failed transport
// outcome is compensated back by the settlement callback.
func (e *Engine) WithdrawDeposit(user [20]byte, token string, amount *big.Int) ([32]byte, error) {
	var id [32]byte
	if e == nil || e.state == nil {
		return id, errNilState
	}
	if e.settler == nil {
		return id, errNilSettlement
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return id, err
	}
	sym := normalizeSymbol(token)
	if sym == "" {
		return id, ErrTokenRequired
	}
	if amount == nil || amount.Sign() <= 0 {
		return id, ErrInvalidAmount
	}
	account, ok, err := e.loadAccount(user)
	if err != nil {
		return id, err
	}
	if !ok {
		return id, ErrNotRegistered
	}
	registered, funded := account.Withdraw(sym, amount)
	if !registered {
		return id, fmt.Errorf("%w: %s", ErrTokenNotRegistered, sym)
	}
	if !funded {
		return id, fmt.Errorf("%w: %s", ErrInsufficientDeposit, sym)
	}
	if err := e.storeAccount(user, account); err != nil {
		return id, err
	}
	id, err = e.settler.Release(user, sym, amount)
	if err != nil {
		return id, err
	}
	e.emit(events.ExchangeDepositWithdrawn{Owner: user, Token: sym, Amount: cloneBig(amount), TransferID: id})
	return id, nil
}

// Mint issues raftAmount of the raft against tokenAmount of deposited
// collateral. Pooled mints join the shared debt pool and must land inside the
// leverage band; individual mints credit the account book and must clear the
// raft's collateral-ratio floor. Either way the token deposit is locked and
// an active collateral record appended.
func (e *Engine) Mint(minter [20]byte, token string, tokenAmount *big.Int, raft string, raftAmount *big.Int, pooled bool) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	if e.registry == nil {
		return 0, errNilRegistry
	}
	if e.oracle == nil {
		return 0, errNilOracle
	}
	if e.pool == nil {
		return 0, errNilPool
	}
	if e.book == nil {
		return 0, errNilBook
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return 0, err
	}
	tokenSym := normalizeSymbol(token)
	raftSym := normalizeSymbol(raft)
	if tokenSym == "" || raftSym == "" {
		return 0, ErrTokenRequired
	}
	if tokenAmount == nil || tokenAmount.Sign() <= 0 || raftAmount == nil || raftAmount.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	if listed, err := e.registry.IsTokenWhitelisted(tokenSym); err != nil {
		return 0, fmt.Errorf("exchange engine: token whitelist: %w", err)
	} else if !listed {
		return 0, fmt.Errorf("%w: %s", ErrTokenNotWhitelisted, tokenSym)
	}
	if listed, err := e.registry.IsRaftWhitelisted(raftSym); err != nil {
		return 0, fmt.Errorf("exchange engine: raft whitelist: %w", err)
	} else if !listed {
		return 0, fmt.Errorf("%w: %s", ErrRaftNotWhitelisted, raftSym)
	}

	account, ok, err := e.loadAccount(minter)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNotRegistered
	}
	deposited := account.Balance(tokenSym)
	if deposited == nil {
		return 0, fmt.Errorf("%w: %s", ErrTokenNotRegistered, tokenSym)
	}
	if deposited.Cmp(tokenAmount) < 0 {
		return 0, fmt.Errorf("%w: have %s %s, need %s", ErrInsufficientDeposit, deposited, tokenSym, tokenAmount)
	}

	tokenAsset, err := e.registry.GetAsset(tokenSym)
	if err != nil {
		return 0, fmt.Errorf("exchange engine: token asset: %w", err)
	}
	raftAsset, err := e.registry.GetAsset(raftSym)
	if err != nil {
		return 0, fmt.Errorf("exchange engine: raft asset: %w", err)
	}
	tokenPrice, err := e.oracle.GetPrice(tokenSym)
	if err != nil {
		return 0, fmt.Errorf("exchange engine: token price: %w", err)
	}
	raftPrice, err := e.oracle.GetPrice(raftSym)
	if err != nil {
		return 0, fmt.Errorf("exchange engine: raft price: %w", err)
	}
	params, err := e.registry.Params()
	if err != nil {
		return 0, fmt.Errorf("exchange engine: load params: %w", err)
	}

	// Cross-decimal valuation: raft legs are scaled into the token's decimal
	// base and vice versa before dividing.
	raftLeg := new(big.Int).Mul(raftPrice, raftAmount)
	raftLeg.Mul(raftLeg, pow10(tokenAsset.Decimals))
	tokenLeg := new(big.Int).Mul(tokenPrice, tokenAmount)
	tokenLeg.Mul(tokenLeg, pow10(raftAsset.Decimals))

	if pooled {
		leverage := new(big.Int).Quo(raftLeg, tokenLeg)
		if leverage.Cmp(new(big.Int).SetUint64(params.LeverageMin)) < 0 ||
			leverage.Cmp(new(big.Int).SetUint64(params.LeverageMax)) > 0 {
			return 0, fmt.Errorf("%w: leverage %s outside [%d, %d]", ErrLeverageOutOfBand, leverage, params.LeverageMin, params.LeverageMax)
		}
	} else if raftAsset.CollateralRatio > 0 {
		percent := new(big.Int).Mul(tokenLeg, big.NewInt(100))
		percent.Quo(percent, raftLeg)
		if percent.Cmp(new(big.Int).SetUint64(raftAsset.CollateralRatio)) < 0 {
			return 0, fmt.Errorf("%w: %s%% < %d%%", ErrCollateralRatioTooLow, percent, raftAsset.CollateralRatio)
		}
	}

	// Lock the collateral: the deposit row is debited for the lifetime of the
	// claim and only released through redemption settlement.
	if _, funded := account.Withdraw(tokenSym, tokenAmount); !funded {
		return 0, fmt.Errorf("%w: %s", ErrInsufficientDeposit, tokenSym)
	}
	if err := e.storeAccount(minter, account); err != nil {
		return 0, err
	}

	if pooled {
		if err := e.pool.Join(minter, raftSym, raftAmount); err != nil {
			return 0, err
		}
	} else {
		if err := e.book.Credit(minter, raftSym, raftAmount); err != nil {
			return 0, err
		}
	}

	id, err := e.nextCollateralID()
	if err != nil {
		return 0, err
	}
	record := Collateral{
		ID:           id,
		Issuer:       minter,
		Token:        tokenSym,
		TokenAmount:  cloneBig(tokenAmount),
		Raft:         raftSym,
		RaftAmount:   cloneBig(raftAmount),
		JoinDebtPool: pooled,
		Status:       CollateralActive,
		CreatedAt:    e.blockHeight,
	}
	if err := e.appendCollateral(record); err != nil {
		return 0, err
	}
	e.emit(events.ExchangeMinted{
		Minter:       minter,
		Token:        tokenSym,
		TokenAmount:  cloneBig(tokenAmount),
		Raft:         raftSym,
		RaftAmount:   cloneBig(raftAmount),
		CollateralID: id,
		Pooled:       pooled,
	})
	return id, nil
}

// Swap exchanges pooled exposure between two whitelisted rafts at oracle
// prices, charging the registry's exchange fee to the trader's contribution
// and crediting it to the owner.
func (e *Engine) Swap(trader [20]byte, oldRaft, newRaft string, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.registry == nil {
		return nil, errNilRegistry
	}
	if e.pool == nil {
		return nil, errNilPool
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	oldSym := normalizeSymbol(oldRaft)
	newSym := normalizeSymbol(newRaft)
	if oldSym == "" || newSym == "" {
		return nil, ErrTokenRequired
	}
	for _, sym := range []string{oldSym, newSym} {
		if listed, err := e.registry.IsRaftWhitelisted(sym); err != nil {
			return nil, fmt.Errorf("exchange engine: raft whitelist: %w", err)
		} else if !listed {
			return nil, fmt.Errorf("%w: %s", ErrRaftNotWhitelisted, sym)
		}
	}
	params, err := e.registry.Params()
	if err != nil {
		return nil, fmt.Errorf("exchange engine: load params: %w", err)
	}
	fee, _, err := e.pool.SwapPreview(oldSym, newSym, amount, params.ExchangeFeeBps)
	if err != nil {
		return nil, err
	}
	out, err := e.pool.Swap(trader, oldSym, newSym, amount, params.ExchangeFeeBps, e.owner)
	if err != nil {
		return nil, err
	}
	e.emit(events.ExchangeSwapped{
		Trader:    trader,
		OldRaft:   oldSym,
		NewRaft:   newSym,
		AmountIn:  cloneBig(amount),
		AmountOut: cloneBig(out),
		Fee:       fee,
	})
	return out, nil
}

// RedeemPool exits the caller from the shared debt pool: their proportional
// debt is settled in the settlement asset (pooled row first, individual book
// for any shortfall), surviving participants' ratios are rescaled, leftover
// pooled rows migrate to the book, and every active pooled collateral claim
// is released through settlement.
func (e *Engine) RedeemPool(redeemer [20]byte) (*PoolRedemption, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.registry == nil {
		return nil, errNilRegistry
	}
	if e.pool == nil {
		return nil, errNilPool
	}
	if e.book == nil {
		return nil, errNilBook
	}
	if e.settler == nil {
		return nil, errNilSettlement
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	settlementAsset, err := e.registry.SettlementAsset()
	if err != nil {
		return nil, err
	}
	sym := settlementAsset.Symbol

	result := &PoolRedemption{
		DebtValue:  big.NewInt(0),
		DebtAmount: big.NewInt(0),
		PoolPaid:   big.NewInt(0),
		BookPaid:   big.NewInt(0),
	}

	ratio, hasRatio, err := e.pool.Ratio(redeemer)
	if err != nil {
		return nil, err
	}
	if hasRatio {
		totalValue, err := e.pool.TotalValue()
		if err != nil {
			return nil, err
		}
		if totalValue.Sign() <= 0 {
			return nil, fmt.Errorf("%w: live ratio against worthless pool", debtpool.ErrZeroTotalValue)
		}
		debtValue := new(big.Int).Mul(totalValue, new(big.Int).SetUint64(ratio))
		debtValue.Quo(debtValue, big.NewInt(debtpool.RatioDivisor))
		debtAmount := new(big.Int).Quo(debtValue, big.NewInt(oracle.PricePrecision))

		// Pre-validate the shortfall before any ledger mutation.
		if debtAmount.Sign() > 0 {
			poolRow, err := e.pool.UserContribution(redeemer, sym)
			if err != nil {
				return nil, err
			}
			if poolRow.Cmp(debtAmount) < 0 {
				shortfall := new(big.Int).Sub(debtAmount, poolRow)
				bookRow, err := e.book.Balance(redeemer, sym)
				if err != nil {
					return nil, err
				}
				if bookRow.Cmp(shortfall) < 0 {
					return nil, fmt.Errorf("%w: debt %s %s, pooled %s, book %s", ErrInsufficientBalance, debtAmount, sym, poolRow, bookRow)
				}
			}
		}

		paid, err := e.pool.SettleDebt(redeemer, sym, debtAmount)
		if err != nil {
			return nil, err
		}
		if shortfall := new(big.Int).Sub(debtAmount, paid); shortfall.Sign() > 0 {
			if err := e.book.Withdraw(redeemer, sym, shortfall); err != nil {
				return nil, err
			}
			result.BookPaid = shortfall
		}
		if debtValue.Sign() > 0 {
			remaining := new(big.Int).Sub(totalValue, debtValue)
			if err := e.pool.RescaleAllRatios(totalValue, remaining); err != nil {
				return nil, err
			}
		}
		result.DebtValue = debtValue
		result.DebtAmount = debtAmount
		result.PoolPaid = paid
	}

	migrated, err := e.pool.DrainUserRows(redeemer)
	if err != nil {
		return nil, err
	}
	for _, entry := range migrated {
		if err := e.book.Credit(redeemer, entry.Symbol, entry.Amount); err != nil {
			return nil, err
		}
	}
	result.Migrated = migrated

	records, err := e.ListUserCollaterals(redeemer)
	if err != nil {
		return nil, err
	}
	released := make([]uint64, 0, len(records))
	for _, record := range records {
		if !record.JoinDebtPool || record.Status != CollateralActive {
			continue
		}
		transferID, err := e.settler.Release(redeemer, record.Token, record.TokenAmount)
		if err != nil {
			return nil, err
		}
		record.Status = CollateralRedeemed
		record.RedeemedAt = e.blockHeight
		if err := e.storeCollateral(record); err != nil {
			return nil, err
		}
		result.Released = append(result.Released, ReleasedCollateral{
			CollateralID: record.ID,
			TransferID:   transferID,
			Token:        record.Token,
			Amount:       cloneBig(record.TokenAmount),
		})
		released = append(released, record.ID)
	}

	e.emit(events.ExchangePoolRedeemed{
		Redeemer:    redeemer,
		DebtValue:   cloneBig(result.DebtValue),
		DebtAmount:  cloneBig(result.DebtAmount),
		Collaterals: released,
	})
	return result, nil
}

// RedeemBook burns raft debt recorded in the individual ledger against one
// specific collateral claim and releases its backing tokens. Only the issuer
// can redeem, only non-pooled claims qualify, and the interest fee moves to
// the owner's book row.
func (e *Engine) RedeemBook(redeemer [20]byte, collateralID uint64) (*BookRedemption, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.registry == nil {
		return nil, errNilRegistry
	}
	if e.book == nil {
		return nil, errNilBook
	}
	if e.settler == nil {
		return nil, errNilSettlement
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	record, err := e.loadCollateral(collateralID)
	if err != nil {
		return nil, err
	}
	if record.Issuer != redeemer {
		return nil, fmt.Errorf("%w: %d", ErrNotIssuer, collateralID)
	}
	if record.JoinDebtPool {
		return nil, fmt.Errorf("%w: %d", ErrCollateralPooled, collateralID)
	}
	if record.Status != CollateralActive {
		return nil, fmt.Errorf("%w: %d", ErrCollateralRedeemed, collateralID)
	}
	params, err := e.registry.Params()
	if err != nil {
		return nil, fmt.Errorf("exchange engine: load params: %w", err)
	}
	fee := new(big.Int).Mul(record.RaftAmount, new(big.Int).SetUint64(params.InterestFeeBps))
	fee.Quo(fee, big.NewInt(registry.BasisPoints))

	if err := e.book.Withdraw(redeemer, record.Raft, new(big.Int).Add(record.RaftAmount, fee)); err != nil {
		return nil, err
	}
	if fee.Sign() > 0 {
		if err := e.book.Credit(e.owner, record.Raft, fee); err != nil {
			return nil, err
		}
	}

	record.Status = CollateralRedeemed
	record.RedeemedAt = e.blockHeight
	if err := e.storeCollateral(record); err != nil {
		return nil, err
	}
	transferID, err := e.settler.Release(redeemer, record.Token, record.TokenAmount)
	if err != nil {
		return nil, err
	}
	e.emit(events.ExchangeBookRedeemed{
		Redeemer:     redeemer,
		CollateralID: collateralID,
		Raft:         record.Raft,
		RaftAmount:   cloneBig(record.RaftAmount),
		Fee:          cloneBig(fee),
	})
	return &BookRedemption{
		CollateralID: collateralID,
		TransferID:   transferID,
		RaftAmount:   cloneBig(record.RaftAmount),
		Fee:          fee,
	}, nil
}

// parseMintMemo extracts the mint instruction from a transfer memo of the
// form "mint:RAFT:AMOUNT:pool|book".
func parseMintMemo(memo string) (string, *big.Int, bool, error) {
	parts := strings.Split(memo, ":")
	if len(parts) != 4 {
		return "", nil, false, fmt.Errorf("%w: %q", ErrInvalidMemo, memo)
	}
	raft := normalizeSymbol(parts[1])
	if raft == "" {
		return "", nil, false, fmt.Errorf("%w: missing raft", ErrInvalidMemo)
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(parts[2]), 10)
	if !ok || amount.Sign() <= 0 {
		return "", nil, false, fmt.Errorf("%w: bad amount %q", ErrInvalidMemo, parts[2])
	}
	switch strings.ToLower(strings.TrimSpace(parts[3])) {
	case "pool":
		return raft, amount, true, nil
	case "book":
		return raft, amount, false, nil
	default:
		return "", nil, false, fmt.Errorf("%w: bad mode %q", ErrInvalidMemo, parts[3])
	}
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
