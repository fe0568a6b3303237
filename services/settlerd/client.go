package settlerd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PendingTransfer mirrors the JSON returned by settlement_listPending.
type PendingTransfer struct {
	ID        string `json:"id"`
	Recipient string `json:"recipient"`
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	Status    string `json:"status"`
	CreatedAt uint64 `json:"createdAt"`
	Attempts  uint32 `json:"attempts"`
}

// NodeClient is the slice of the node RPC surface settlerd depends on.
type NodeClient interface {
	ListPending(ctx context.Context) ([]PendingTransfer, error)
	Resolve(ctx context.Context, transferID string, success bool) (string, error)
}

// RPCNodeClient implements NodeClient against the raftex JSON-RPC server.
// Resolve calls are signed with a short-lived HS256 admin token.
type RPCNodeClient struct {
	baseURL     string
	adminSecret []byte
	tokenTTL    time.Duration
	http        *http.Client
	nextID      atomic.Int64
	nowFn       func() time.Time
}

// NewRPCNodeClient builds a client for the node at baseURL.
func NewRPCNodeClient(baseURL, adminSecret string, tokenTTL time.Duration) *RPCNodeClient {
	if tokenTTL <= 0 {
		tokenTTL = time.Minute
	}
	return &RPCNodeClient{
		baseURL:     strings.TrimSpace(baseURL),
		adminSecret: []byte(adminSecret),
		tokenTTL:    tokenTTL,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		nowFn: time.Now,
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// NodeRPCError surfaces the JSON-RPC error object so callers can branch on
// the node's error codes.
type NodeRPCError struct {
	Code    int
	Message string
}

func (e *NodeRPCError) Error() string {
	return fmt.Sprintf("node rpc error %d: %s", e.Code, e.Message)
}

// ListPending fetches the transfers awaiting resolution.
func (c *RPCNodeClient) ListPending(ctx context.Context) ([]PendingTransfer, error) {
	var result []PendingTransfer
	if err := c.call(ctx, "settlement_listPending", []interface{}{}, "", &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Resolve finalises a transfer on-chain and returns the resulting status.
func (c *RPCNodeClient) Resolve(ctx context.Context, transferID string, success bool) (string, error) {
	token, err := c.adminToken()
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	params := map[string]interface{}{"transferId": transferID, "success": success}
	var result struct {
		Status string `json:"status"`
	}
	if err := c.call(ctx, "settlement_resolve", []interface{}{params}, token, &result); err != nil {
		return "", err
	}
	return result.Status, nil
}

func (c *RPCNodeClient) adminToken() (string, error) {
	now := c.nowFn().UTC()
	claims := jwt.MapClaims{
		"sub":  "settlerd",
		"role": "admin",
		"iat":  now.Unix(),
		"exp":  now.Add(c.tokenTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.adminSecret)
}

func (c *RPCNodeClient) call(ctx context.Context, method string, params interface{}, bearer string, out interface{}) error {
	id := c.nextID.Add(1)
	bodyStruct := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(bearer) != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&rpcResp); err != nil {
		return fmt.Errorf("node rpc %s failed: status=%d: %w", method, resp.StatusCode, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("node rpc %s: %w", method, &NodeRPCError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message})
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("node rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
