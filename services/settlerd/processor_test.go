package settlerd

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeNode struct {
	pending      []PendingTransfer
	resolved     map[string]string
	resolveErr   error
	resolveCalls int
}

func newFakeNode(transfers ...PendingTransfer) *fakeNode {
	return &fakeNode{pending: transfers, resolved: make(map[string]string)}
}

func (f *fakeNode) ListPending(context.Context) ([]PendingTransfer, error) {
	out := make([]PendingTransfer, 0, len(f.pending))
	for _, transfer := range f.pending {
		if _, done := f.resolved[transfer.ID]; !done {
			out = append(out, transfer)
		}
	}
	return out, nil
}

func (f *fakeNode) Resolve(_ context.Context, id string, success bool) (string, error) {
	f.resolveCalls++
	if f.resolveErr != nil {
		return "", f.resolveErr
	}
	status := "compensated"
	if success {
		status = "confirmed"
	}
	f.resolved[id] = status
	return status, nil
}

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testTransfer(id string) PendingTransfer {
	return PendingTransfer{
		ID:        id,
		Recipient: "rft1qexample",
		Token:     "WBTC",
		Amount:    "250",
		Status:    "pending",
		CreatedAt: 7,
	}
}

func TestProcessorDeliversAndResolves(t *testing.T) {
	node := newFakeNode(testTransfer("0xaa"))
	store := testStore(t)
	deliveries := 0
	transport := FuncTransport{DeliverFunc: func(_ context.Context, d Delivery) (string, error) {
		deliveries++
		if d.TransferID != "0xaa" || d.Token != "WBTC" || d.Amount != "250" {
			t.Fatalf("unexpected delivery: %+v", d)
		}
		if d.AttemptID == "" {
			t.Fatalf("expected attempt id")
		}
		return "bridge-ref-1", nil
	}}
	p := NewProcessor(node, store, transport)

	p.processPending(context.Background())

	if deliveries != 1 {
		t.Fatalf("expected one delivery, got %d", deliveries)
	}
	if node.resolved["0xaa"] != "confirmed" {
		t.Fatalf("expected confirmed resolution, got %q", node.resolved["0xaa"])
	}
	receipt, err := store.Get(context.Background(), "0xaa")
	if err != nil {
		t.Fatalf("get receipt: %v", err)
	}
	if receipt.Outcome != "confirmed" || receipt.DeliveredRef != "bridge-ref-1" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	if receipt.Attempts != 1 {
		t.Fatalf("expected one attempt, got %d", receipt.Attempts)
	}

	// A second poll must be a no-op: the node no longer lists the transfer.
	p.processPending(context.Background())
	if deliveries != 1 || node.resolveCalls != 1 {
		t.Fatalf("expected idempotent second poll, deliveries=%d resolves=%d", deliveries, node.resolveCalls)
	}
}

func TestProcessorRetriesFailedDelivery(t *testing.T) {
	node := newFakeNode(testTransfer("0xbb"))
	store := testStore(t)
	deliveries := 0
	transport := FuncTransport{DeliverFunc: func(context.Context, Delivery) (string, error) {
		deliveries++
		if deliveries == 1 {
			return "", fmt.Errorf("bridge offline")
		}
		return "", nil
	}}
	p := NewProcessor(node, store, transport)

	p.processPending(context.Background())
	if len(node.resolved) != 0 {
		t.Fatalf("transfer should remain pending after failed delivery")
	}
	receipt, err := store.Get(context.Background(), "0xbb")
	if err != nil {
		t.Fatalf("get receipt: %v", err)
	}
	if receipt.Attempts != 1 || receipt.LastError == "" {
		t.Fatalf("expected recorded failure: %+v", receipt)
	}

	p.processPending(context.Background())
	if node.resolved["0xbb"] != "confirmed" {
		t.Fatalf("expected confirmation after retry, got %q", node.resolved["0xbb"])
	}
	// The empty bridge reference falls back to the attempt id.
	receipt, err = store.Get(context.Background(), "0xbb")
	if err != nil {
		t.Fatalf("get receipt: %v", err)
	}
	if receipt.DeliveredRef == "" {
		t.Fatalf("expected delivery reference fallback")
	}
}

func TestProcessorCompensatesAfterMaxAttempts(t *testing.T) {
	node := newFakeNode(testTransfer("0xcc"))
	store := testStore(t)
	transport := FuncTransport{DeliverFunc: func(context.Context, Delivery) (string, error) {
		return "", fmt.Errorf("bridge offline")
	}}
	p := NewProcessor(node, store, transport, WithMaxAttempts(2))

	for i := 0; i < 3; i++ {
		p.processPending(context.Background())
	}

	if node.resolved["0xcc"] != "compensated" {
		t.Fatalf("expected compensation, got %q", node.resolved["0xcc"])
	}
	receipt, err := store.Get(context.Background(), "0xcc")
	if err != nil {
		t.Fatalf("get receipt: %v", err)
	}
	if receipt.Outcome != "compensated" {
		t.Fatalf("unexpected outcome: %+v", receipt)
	}
}

func TestProcessorResolvesWithoutRedelivering(t *testing.T) {
	node := newFakeNode(testTransfer("0xdd"))
	store := testStore(t)
	deliveries := 0
	transport := FuncTransport{DeliverFunc: func(context.Context, Delivery) (string, error) {
		deliveries++
		return "ref", nil
	}}
	p := NewProcessor(node, store, transport)

	// Simulate a crash after delivery but before resolution.
	ctx := context.Background()
	if _, err := store.EnsureTransfer(ctx, "0xdd", "WBTC", "rft1qexample", "250"); err != nil {
		t.Fatalf("ensure transfer: %v", err)
	}
	if _, err := store.NextAttempt(ctx, "0xdd"); err != nil {
		t.Fatalf("bump attempt: %v", err)
	}
	if err := store.MarkDelivered(ctx, "0xdd", "earlier-ref"); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}

	p.processPending(ctx)

	if deliveries != 0 {
		t.Fatalf("delivery must not repeat, got %d", deliveries)
	}
	if node.resolved["0xdd"] != "confirmed" {
		t.Fatalf("expected confirmation, got %q", node.resolved["0xdd"])
	}
}

func TestProcessorReconcilesLostResolveAck(t *testing.T) {
	node := newFakeNode(testTransfer("0xee"))
	store := testStore(t)
	transport := FuncTransport{DeliverFunc: func(context.Context, Delivery) (string, error) {
		t.Fatalf("delivery must not run for locally resolved transfers")
		return "", nil
	}}
	p := NewProcessor(node, store, transport)

	ctx := context.Background()
	if _, err := store.EnsureTransfer(ctx, "0xee", "WBTC", "rft1qexample", "250"); err != nil {
		t.Fatalf("ensure transfer: %v", err)
	}
	if err := store.MarkDelivered(ctx, "0xee", "ref"); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if err := store.MarkResolved(ctx, "0xee", "confirmed"); err != nil {
		t.Fatalf("mark resolved: %v", err)
	}

	p.processPending(ctx)

	if node.resolved["0xee"] != "confirmed" {
		t.Fatalf("expected resolve re-issue, got %q", node.resolved["0xee"])
	}
	if node.resolveCalls != 1 {
		t.Fatalf("expected exactly one resolve call, got %d", node.resolveCalls)
	}
}

func TestProcessorTreatsAlreadyResolvedAsFinal(t *testing.T) {
	node := newFakeNode(testTransfer("0xff"))
	node.resolveErr = fmt.Errorf("wrapped: %w", &NodeRPCError{Code: codeAlreadyResolved, Message: "transfer already resolved"})
	store := testStore(t)
	transport := FuncTransport{DeliverFunc: func(context.Context, Delivery) (string, error) {
		return "ref", nil
	}}
	p := NewProcessor(node, store, transport)

	p.processPending(context.Background())

	receipt, err := store.Get(context.Background(), "0xff")
	if err != nil {
		t.Fatalf("get receipt: %v", err)
	}
	if receipt.Outcome != "confirmed" {
		t.Fatalf("expected local confirmation, got %+v", receipt)
	}
}

func TestProcessorPokeWakesRunLoop(t *testing.T) {
	node := newFakeNode(testTransfer("0x11"))
	store := testStore(t)
	done := make(chan struct{})
	transport := FuncTransport{DeliverFunc: func(context.Context, Delivery) (string, error) {
		close(done)
		return "", nil
	}}
	p := NewProcessor(node, store, transport, WithPollInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	p.Poke()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("poke did not trigger processing")
	}
}
