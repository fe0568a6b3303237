package settlerd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"raftex/observability"
)

// codeAlreadyResolved is the node's JSON-RPC error code for resolving a
// transfer that already left the pending set.
const codeAlreadyResolved = -32024

// Processor drains the node's pending transfer queue: each transfer is pushed
// through the transport exactly once and then resolved on-chain. Receipts in
// the local store make the pipeline safe to restart at any point.
type Processor struct {
	node      NodeClient
	store     *Store
	transport Transport
	log       *slog.Logger

	pollInterval time.Duration
	maxAttempts  uint32
	poke         chan struct{}
	nowFn        func() time.Time
}

// ProcessorOption tunes the processor.
type ProcessorOption func(*Processor)

// WithPollInterval overrides how often the pending queue is polled.
func WithPollInterval(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithMaxAttempts bounds delivery retries before a transfer is compensated.
func WithMaxAttempts(n uint32) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if log != nil {
			p.log = log
		}
	}
}

// NewProcessor wires the settlement pipeline.
func NewProcessor(node NodeClient, store *Store, transport Transport, opts ...ProcessorOption) *Processor {
	p := &Processor{
		node:         node,
		store:        store,
		transport:    transport,
		log:          slog.Default(),
		pollInterval: 5 * time.Second,
		maxAttempts:  5,
		poke:         make(chan struct{}, 1),
		nowFn:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Poke schedules an immediate poll. Safe to call from any goroutine.
func (p *Processor) Poke() {
	select {
	case p.poke <- struct{}{}:
	default:
	}
}

// Run polls until the context is cancelled.
func (p *Processor) Run(ctx context.Context) {
	if p.node == nil || p.store == nil || p.transport == nil {
		return
	}
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.poke:
		}
		p.processPending(ctx)
	}
}

func (p *Processor) processPending(ctx context.Context) {
	pending, err := p.node.ListPending(ctx)
	if err != nil {
		observability.Settlerd().RecordError("list_pending")
		p.log.Error("list pending transfers", "error", err)
		return
	}
	observability.Settlerd().SetPending(len(pending))
	for _, transfer := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := p.processTransfer(ctx, transfer); err != nil {
			p.log.Error("process transfer", "transfer", transfer.ID, "token", transfer.Token, "error", err)
		}
	}
}

func (p *Processor) processTransfer(ctx context.Context, transfer PendingTransfer) error {
	started := p.nowFn()
	if _, err := p.store.EnsureTransfer(ctx, transfer.ID, transfer.Token, transfer.Recipient, transfer.Amount); err != nil {
		observability.Settlerd().RecordError("store")
		return err
	}
	receipt, err := p.store.Get(ctx, transfer.ID)
	if err != nil {
		observability.Settlerd().RecordError("store")
		return err
	}

	// A recorded outcome with the node still listing the transfer means the
	// resolve acknowledgement was lost. Re-issue it idempotently.
	if receipt.Outcome != "" {
		return p.resolve(ctx, transfer, receipt.Outcome == "confirmed", started)
	}

	if receipt.DeliveredRef == "" {
		attempts, err := p.store.NextAttempt(ctx, transfer.ID)
		if err != nil {
			observability.Settlerd().RecordError("store")
			return err
		}
		if attempts > p.maxAttempts {
			p.log.Warn("delivery attempts exhausted, compensating",
				"transfer", transfer.ID, "token", transfer.Token, "attempt", attempts)
			return p.resolve(ctx, transfer, false, started)
		}
		delivery := Delivery{
			AttemptID:  NewAttemptID(),
			TransferID: transfer.ID,
			Recipient:  transfer.Recipient,
			Token:      transfer.Token,
			Amount:     transfer.Amount,
		}
		ref, err := p.transport.Deliver(ctx, delivery)
		if err != nil {
			observability.Settlerd().RecordError("deliver")
			_ = p.store.RecordError(ctx, transfer.ID, err.Error())
			return fmt.Errorf("deliver: %w", err)
		}
		if ref == "" {
			ref = delivery.AttemptID
		}
		if err := p.store.MarkDelivered(ctx, transfer.ID, ref); err != nil {
			observability.Settlerd().RecordError("store")
			return err
		}
		p.log.Info("transfer delivered",
			"transfer", transfer.ID, "token", transfer.Token, "amount", transfer.Amount, "attempt", attempts)
	}

	return p.resolve(ctx, transfer, true, started)
}

func (p *Processor) resolve(ctx context.Context, transfer PendingTransfer, success bool, started time.Time) error {
	status, err := p.node.Resolve(ctx, transfer.ID, success)
	if err != nil {
		var rpcErr *NodeRPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == codeAlreadyResolved {
			// Someone else resolved it; record whatever we intended and move on.
			return p.finalise(ctx, transfer, outcomeLabel(success), started)
		}
		observability.Settlerd().RecordError("resolve")
		_ = p.store.RecordError(ctx, transfer.ID, err.Error())
		return fmt.Errorf("resolve: %w", err)
	}
	return p.finalise(ctx, transfer, status, started)
}

func (p *Processor) finalise(ctx context.Context, transfer PendingTransfer, status string, started time.Time) error {
	if err := p.store.MarkResolved(ctx, transfer.ID, status); err != nil {
		observability.Settlerd().RecordError("store")
		return err
	}
	observability.Settlerd().ObserveResolve(transfer.Token, status, p.nowFn().Sub(started))
	p.log.Info("transfer resolved", "transfer", transfer.ID, "token", transfer.Token, "status", status)
	return nil
}

func outcomeLabel(success bool) string {
	if success {
		return "confirmed"
	}
	return "compensated"
}
