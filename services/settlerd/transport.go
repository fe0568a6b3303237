package settlerd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Delivery describes one outbound token movement handed to the transport.
type Delivery struct {
	// AttemptID is unique per attempt for tracing; downstream deduplication
	// keys on the transfer id.
	AttemptID  string `json:"attemptId"`
	TransferID string `json:"transferId"`
	Recipient  string `json:"recipient"`
	Token      string `json:"token"`
	Amount     string `json:"amount"`
}

// Transport pushes released tokens to their external destination. Deliver
// must only return nil once the movement is durably accepted downstream.
type Transport interface {
	Deliver(ctx context.Context, delivery Delivery) (string, error)
}

// HTTPTransport posts deliveries to a bridge endpoint as JSON. A 2xx response
// acknowledges the transfer; the response body may carry a reference id.
type HTTPTransport struct {
	endpoint    string
	bearerToken string
	http        *http.Client
}

// NewHTTPTransport builds the default webhook-style transport.
func NewHTTPTransport(endpoint, bearerToken string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTransport{
		endpoint:    strings.TrimSpace(endpoint),
		bearerToken: strings.TrimSpace(bearerToken),
		http:        &http.Client{Timeout: timeout},
	}
}

type transportAck struct {
	Reference string `json:"reference"`
}

// Deliver implements Transport.
func (t *HTTPTransport) Deliver(ctx context.Context, delivery Delivery) (string, error) {
	buf, err := json.Marshal(delivery)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", delivery.TransferID)
	if t.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.bearerToken)
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("transport rejected delivery: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	ack := transportAck{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &ack); err != nil {
			// A bare 2xx is still an acknowledgement.
			return "", nil
		}
	}
	return ack.Reference, nil
}

// FuncTransport adapts a function into a Transport. Tests use it to script
// delivery outcomes.
type FuncTransport struct {
	DeliverFunc func(context.Context, Delivery) (string, error)
}

// Deliver implements Transport.
func (f FuncTransport) Deliver(ctx context.Context, delivery Delivery) (string, error) {
	if f.DeliverFunc == nil {
		return "", fmt.Errorf("transport not configured")
	}
	return f.DeliverFunc(ctx, delivery)
}

// NewAttemptID mints a unique identifier for one delivery attempt.
func NewAttemptID() string {
	return uuid.NewString()
}
