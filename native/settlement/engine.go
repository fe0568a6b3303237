package settlement

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"raftex/core/events"
	nativecommon "raftex/native/common"
)

const (
	transferPrefix  = "settlement/transfer/"
	pendingIndexKey = "settlement/pending"
	nonceKey        = "settlement/nonce"

	transferRecordVersion = 1
	indexRecordVersion    = 1
	nonceRecordVersion    = 1
)

var (
	errNilState  = errors.New("settlement engine: state not configured")
	errNilLedger = errors.New("settlement engine: compensation ledger not configured")

	// ErrTokenRequired indicates the caller supplied an empty token symbol.
	ErrTokenRequired = errors.New("settlement engine: token required")
	// ErrInvalidAmount indicates a zero or negative amount.
	ErrInvalidAmount = errors.New("settlement engine: amount must be positive")
	// ErrTransferNotFound indicates an unknown transfer id.
	ErrTransferNotFound = errors.New("settlement engine: transfer not found")
	// ErrTransferResolved indicates a resolution callback for a transfer that
	// already left the Pending state. The duplicate has no ledger effect.
	ErrTransferResolved = errors.New("settlement engine: transfer already resolved")
	// ErrLostFoundRejected indicates a failed transfer whose funds can be
	// restored neither to the recipient nor to the lost-found balance. The
	// transfer stays Pending so the stuck funds remain observable.
	ErrLostFoundRejected = errors.New("settlement engine: lost-found rejected compensation")
)

// TransferStatus tracks a transfer through the two-phase release flow.
type TransferStatus uint8

const (
	// StatusPending marks a released transfer awaiting its transport callback.
	StatusPending TransferStatus = iota + 1
	// StatusConfirmed marks a transfer the transport delivered.
	StatusConfirmed
	// StatusCompensated marks a failed transfer re-credited to the recipient's
	// deposit account.
	StatusCompensated
	// StatusDiverted marks a failed transfer parked in the owner's lost-found
	// balance because the recipient could no longer take it back.
	StatusDiverted
)

// String renders the status for logs and RPC payloads.
func (s TransferStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusCompensated:
		return "compensated"
	case StatusDiverted:
		return "diverted"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Transfer is one outbound token movement tracked by the engine. Attempts is
// always 1: the transport gets a single shot, after which the outcome is
// settled by compensation rather than retry.
type Transfer struct {
	ID         [32]byte
	Recipient  [20]byte
	Token      string
	Amount     *big.Int
	Status     TransferStatus
	CreatedAt  uint64
	ResolvedAt uint64
	Attempts   uint32
}

type storedTransferV1 struct {
	Recipient  [20]byte
	Token      string
	Amount     *big.Int
	Status     uint8
	CreatedAt  uint64
	ResolvedAt uint64
	Attempts   uint32
}

type storedPendingIndexV1 struct {
	IDs [][32]byte
}

type storedNonceV1 struct {
	Nonce uint64
}

// CompensationLedger restores failed outbound transfers into the deposit
// ledger. native/exchange.Engine satisfies it.
type CompensationLedger interface {
	// DepositWithStorageCheck re-credits the recipient's deposit row, failing
	// when the account is gone, the token is no longer registered on it, or
	// storage headroom is exhausted.
	DepositWithStorageCheck(recipient [20]byte, token string, amount *big.Int) error
	// DepositLostFound credits the owner's lost-found row. The boolean reports
	// whether the token qualifies for the lost-found path at all.
	DepositLostFound(token string, amount *big.Int) (bool, error)
}

// Storage captures the persistence operations required by the engine.
// core/state.Manager satisfies it.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Engine tracks outbound token transfers through a two-phase flow: Release
// persists a Pending record and emits the request for the off-chain
// transport; Resolve applies the reported outcome exactly once, running the
// compensation ladder when the transport failed. The caller debits its ledger
// before Release, so a confirmed transfer needs no further ledger work.
type Engine struct {
	state       Storage
	emitter     events.Emitter
	ledger      CompensationLedger
	blockHeight uint64
}

// NewEngine constructs an idle settlement engine. Wire persistence, the
// compensation ledger and an emitter before use.
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

// SetLedger attaches the deposit ledger used for compensation.
func (e *Engine) SetLedger(ledger CompensationLedger) { e.ledger = ledger }

// SetBlockHeight pins the height recorded on new and resolved transfers.
func (e *Engine) SetBlockHeight(height uint64) { e.blockHeight = height }

// Release records a Pending transfer of amount token to recipient and emits
// TransferRequested for the transport. The returned id keys the eventual
// Resolve callback.
func (e *Engine) Release(recipient [20]byte, token string, amount *big.Int) ([32]byte, error) {
	var id [32]byte
	if e == nil || e.state == nil {
		return id, errNilState
	}
	tok := normalizeToken(token)
	if tok == "" {
		return id, ErrTokenRequired
	}
	if amount == nil || amount.Sign() <= 0 {
		return id, ErrInvalidAmount
	}
	nonce, err := e.nextNonce()
	if err != nil {
		return id, err
	}
	id = transferID(recipient, tok, amount, nonce, e.blockHeight)
	transfer := Transfer{
		ID:        id,
		Recipient: recipient,
		Token:     tok,
		Amount:    new(big.Int).Set(amount),
		Status:    StatusPending,
		CreatedAt: e.blockHeight,
		Attempts:  1,
	}
	if err := e.storeTransfer(transfer); err != nil {
		return id, err
	}
	if err := e.indexPending(id, true); err != nil {
		return id, err
	}
	e.emit(events.TransferRequested{
		ID:        id,
		Recipient: recipient,
		Token:     tok,
		Amount:    new(big.Int).Set(amount),
	})
	return id, nil
}

// Resolve applies the transport's outcome for a pending transfer. Success
// confirms it. Failure runs the compensation ladder: re-credit the
// recipient's deposit row when it can still take the token, divert to the
// owner's lost-found balance when the token qualifies, and otherwise fail
// with ErrLostFoundRejected leaving the transfer Pending. A transfer that
// already left Pending returns ErrTransferResolved without touching anything.
func (e *Engine) Resolve(id [32]byte, success bool) (TransferStatus, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	transfer, err := e.loadTransfer(id)
	if err != nil {
		return 0, err
	}
	if transfer.Status != StatusPending {
		return transfer.Status, ErrTransferResolved
	}

	if success {
		return e.finishTransfer(transfer, StatusConfirmed)
	}

	if e.ledger == nil {
		return 0, errNilLedger
	}
	if err := e.ledger.DepositWithStorageCheck(transfer.Recipient, transfer.Token, transfer.Amount); err == nil {
		return e.finishTransfer(transfer, StatusCompensated)
	}
	ok, err := e.ledger.DepositLostFound(transfer.Token, transfer.Amount)
	if err != nil {
		return 0, fmt.Errorf("settlement engine: lost-found credit: %w", err)
	}
	if !ok {
		return StatusPending, ErrLostFoundRejected
	}
	return e.finishTransfer(transfer, StatusDiverted)
}

// GetTransfer returns the tracked transfer for id.
func (e *Engine) GetTransfer(id [32]byte) (Transfer, error) {
	if e == nil || e.state == nil {
		return Transfer{}, errNilState
	}
	return e.loadTransfer(id)
}

// ListPending returns every transfer still awaiting resolution, ordered by
// id. Transfers stuck on a rejected compensation stay listed.
func (e *Engine) ListPending() ([]Transfer, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	index, err := e.loadPendingIndex()
	if err != nil {
		return nil, err
	}
	transfers := make([]Transfer, 0, len(index))
	for _, id := range index {
		transfer, err := e.loadTransfer(id)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, transfer)
	}
	return transfers, nil
}

func (e *Engine) finishTransfer(transfer Transfer, status TransferStatus) (TransferStatus, error) {
	transfer.Status = status
	transfer.ResolvedAt = e.blockHeight
	if err := e.storeTransfer(transfer); err != nil {
		return 0, err
	}
	if err := e.indexPending(transfer.ID, false); err != nil {
		return 0, err
	}
	amount := new(big.Int).Set(transfer.Amount)
	switch status {
	case StatusConfirmed:
		e.emit(events.TransferConfirmed{ID: transfer.ID, Recipient: transfer.Recipient, Token: transfer.Token, Amount: amount})
	case StatusCompensated:
		e.emit(events.TransferCompensated{ID: transfer.ID, Recipient: transfer.Recipient, Token: transfer.Token, Amount: amount})
	case StatusDiverted:
		e.emit(events.TransferDiverted{ID: transfer.ID, Recipient: transfer.Recipient, Token: transfer.Token, Amount: amount})
	}
	return status, nil
}

func (e *Engine) nextNonce() (uint64, error) {
	var envelope nativecommon.RecordEnvelope
	ok, err := e.state.KVGet([]byte(nonceKey), &envelope)
	if err != nil {
		return 0, fmt.Errorf("settlement engine: load nonce: %w", err)
	}
	var stored storedNonceV1
	if ok {
		if envelope.Version != nonceRecordVersion {
			return 0, fmt.Errorf("settlement engine: unknown nonce version %d", envelope.Version)
		}
		if err := envelope.Decode(&stored); err != nil {
			return 0, fmt.Errorf("settlement engine: decode nonce: %w", err)
		}
	}
	stored.Nonce++
	next, err := nativecommon.EncodeRecord(nonceRecordVersion, stored)
	if err != nil {
		return 0, fmt.Errorf("settlement engine: encode nonce: %w", err)
	}
	if err := e.state.KVPut([]byte(nonceKey), next); err != nil {
		return 0, fmt.Errorf("settlement engine: persist nonce: %w", err)
	}
	return stored.Nonce, nil
}

func (e *Engine) loadTransfer(id [32]byte) (Transfer, error) {
	var envelope nativecommon.RecordEnvelope
	ok, err := e.state.KVGet(transferKey(id), &envelope)
	if err != nil {
		return Transfer{}, fmt.Errorf("settlement engine: load transfer: %w", err)
	}
	if !ok {
		return Transfer{}, fmt.Errorf("%w: %x", ErrTransferNotFound, id)
	}
	switch envelope.Version {
	case transferRecordVersion:
		var stored storedTransferV1
		if err := envelope.Decode(&stored); err != nil {
			return Transfer{}, fmt.Errorf("settlement engine: decode transfer: %w", err)
		}
		amount := new(big.Int)
		if stored.Amount != nil {
			amount.Set(stored.Amount)
		}
		return Transfer{
			ID:         id,
			Recipient:  stored.Recipient,
			Token:      stored.Token,
			Amount:     amount,
			Status:     TransferStatus(stored.Status),
			CreatedAt:  stored.CreatedAt,
			ResolvedAt: stored.ResolvedAt,
			Attempts:   stored.Attempts,
		}, nil
	default:
		return Transfer{}, fmt.Errorf("settlement engine: unknown transfer version %d", envelope.Version)
	}
}

func (e *Engine) storeTransfer(transfer Transfer) error {
	stored := storedTransferV1{
		Recipient:  transfer.Recipient,
		Token:      transfer.Token,
		Amount:     new(big.Int).Set(transfer.Amount),
		Status:     uint8(transfer.Status),
		CreatedAt:  transfer.CreatedAt,
		ResolvedAt: transfer.ResolvedAt,
		Attempts:   transfer.Attempts,
	}
	envelope, err := nativecommon.EncodeRecord(transferRecordVersion, stored)
	if err != nil {
		return fmt.Errorf("settlement engine: encode transfer: %w", err)
	}
	if err := e.state.KVPut(transferKey(transfer.ID), envelope); err != nil {
		return fmt.Errorf("settlement engine: persist transfer: %w", err)
	}
	return nil
}

func (e *Engine) loadPendingIndex() ([][32]byte, error) {
	var envelope nativecommon.RecordEnvelope
	ok, err := e.state.KVGet([]byte(pendingIndexKey), &envelope)
	if err != nil {
		return nil, fmt.Errorf("settlement engine: load pending index: %w", err)
	}
	if !ok {
		return nil, nil
	}
	switch envelope.Version {
	case indexRecordVersion:
		var stored storedPendingIndexV1
		if err := envelope.Decode(&stored); err != nil {
			return nil, fmt.Errorf("settlement engine: decode pending index: %w", err)
		}
		return stored.IDs, nil
	default:
		return nil, fmt.Errorf("settlement engine: unknown pending index version %d", envelope.Version)
	}
}

func (e *Engine) indexPending(id [32]byte, add bool) error {
	index, err := e.loadPendingIndex()
	if err != nil {
		return err
	}
	next := make([][32]byte, 0, len(index)+1)
	for _, existing := range index {
		if existing == id {
			continue
		}
		next = append(next, existing)
	}
	if add {
		next = append(next, id)
	}
	sort.Slice(next, func(i, j int) bool {
		return bytes.Compare(next[i][:], next[j][:]) < 0
	})
	envelope, err := nativecommon.EncodeRecord(indexRecordVersion, storedPendingIndexV1{IDs: next})
	if err != nil {
		return fmt.Errorf("settlement engine: encode pending index: %w", err)
	}
	if err := e.state.KVPut([]byte(pendingIndexKey), envelope); err != nil {
		return fmt.Errorf("settlement engine: persist pending index: %w", err)
	}
	return nil
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

func transferID(recipient [20]byte, token string, amount *big.Int, nonce, height uint64) [32]byte {
	var nonceBytes, heightBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	binary.BigEndian.PutUint64(heightBytes[:], height)
	digest := gethcrypto.Keccak256(
		recipient[:],
		[]byte(token),
		amount.Bytes(),
		nonceBytes[:],
		heightBytes[:],
	)
	var id [32]byte
	copy(id[:], digest)
	return id
}

func transferKey(id [32]byte) []byte {
	return append([]byte(transferPrefix), id[:]...)
}

func normalizeToken(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}
