package rpc

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"raftex/core"
	"raftex/crypto"
	"raftex/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB

	defaultRateEvery = 12 * time.Second
	defaultRateBurst = 5
	sourceTTL        = 15 * time.Minute
	maxTrackedSources = 4096
)

// ServerConfig carries the RPC server's authentication and throttling knobs.
// Empty token/secret fields fall back to the RAFTEX_RPC_TOKEN and
// RAFTEX_ADMIN_SECRET environment variables.
type ServerConfig struct {
	AuthToken     string
	AdminSecret   string
	RateLimit     rate.Limit
	RateBurst     int
	ServiceName   string
}

type sourceLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Server exposes the exchange node over JSON-RPC, a websocket event stream
// and the Prometheus scrape endpoint. User mutations require the bearer
// token; owner operations require an HS256 JWT carrying the admin role;
// views are open.
type Server struct {
	node *core.Node

	authToken   string
	adminSecret []byte
	serviceName string

	rateLimit rate.Limit
	rateBurst int

	mu           sync.Mutex
	httpSrv      *http.Server
	rateLimiters map[string]*sourceLimiter
}

// NewServer wires an RPC server for the supplied node.
func NewServer(node *core.Node, cfg ServerConfig) *Server {
	token := strings.TrimSpace(cfg.AuthToken)
	if token == "" {
		token = strings.TrimSpace(os.Getenv("RAFTEX_RPC_TOKEN"))
	}
	secret := strings.TrimSpace(cfg.AdminSecret)
	if secret == "" {
		secret = strings.TrimSpace(os.Getenv("RAFTEX_ADMIN_SECRET"))
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = rate.Every(defaultRateEvery)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = defaultRateBurst
	}
	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = "raftex-rpc"
	}
	return &Server{
		node:         node,
		authToken:    token,
		adminSecret:  []byte(secret),
		serviceName:  service,
		rateLimit:    limit,
		rateBurst:    burst,
		rateLimiters: make(map[string]*sourceLimiter),
	}
}

// Router assembles the HTTP surface: JSON-RPC on POST /, the websocket event
// stream, health and metrics.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, s.serviceName)
	})
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/ws/events", s.handleEventsWS)
	r.Post("/", s.handleRPC)
	return r
}

// Start serves the router on addr until the listener fails or Shutdown is
// called. A clean shutdown returns nil.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the listener and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

type healthResponse struct {
	Status    string `json:"status"`
	Chain     string `json:"chain"`
	Height    uint64 `json:"height"`
	StateRoot string `json:"stateRoot"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	root := s.node.StateRoot()
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:    "ok",
		Chain:     s.node.ChainName(),
		Height:    s.node.Height(),
		StateRoot: "0x" + hex.EncodeToString(root.Bytes()),
	})
}

// handleRPC decodes the JSON-RPC envelope and routes to the method handlers.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}
	defer func() {
		observability.RPC().Observe(req.Method, time.Since(started))
	}()

	switch req.Method {
	// User mutations: bearer token plus per-source throttling.
	case "exchange_mint":
		if !s.gateMutation(w, r, req) {
			return
		}
		s.handleExchangeMint(w, r, req)
	case "exchange_swap":
		if !s.gateMutation(w, r, req) {
			return
		}
		s.handleExchangeSwap(w, r, req)
	case "exchange_redeemPool":
		if !s.gateMutation(w, r, req) {
			return
		}
		s.handleExchangeRedeemPool(w, r, req)
	case "exchange_redeemBook":
		if !s.gateMutation(w, r, req) {
			return
		}
		s.handleExchangeRedeemBook(w, r, req)
	case "exchange_deposit":
		if !s.gateMutation(w, r, req) {
			return
		}
		s.handleExchangeDeposit(w, r, req)
	case "exchange_withdrawDeposit":
		if !s.gateMutation(w, r, req) {
			return
		}
		s.handleExchangeWithdrawDeposit(w, r, req)
	case "exchange_storageDeposit":
		if !s.gateMutation(w, r, req) {
			return
		}
		s.handleExchangeStorageDeposit(w, r, req)
	case "exchange_registerTokens":
		if !s.gateMutation(w, r, req) {
			return
		}
		s.handleExchangeRegisterTokens(w, r, req)
	case "exchange_unregisterTokens":
		if !s.gateMutation(w, r, req) {
			return
		}
		s.handleExchangeUnregisterTokens(w, r, req)

	// Owner operations: HS256 admin token.
	case "settlement_resolve":
		if authErr := s.requireAdmin(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleSettlementResolve(w, r, req)
	case "oracle_feedPrice":
		if authErr := s.requireAdmin(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleOracleFeedPrice(w, r, req)
	case "registry_registerAsset":
		if authErr := s.requireAdmin(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleRegistryRegisterAsset(w, r, req)
	case "registry_whitelistToken":
		if authErr := s.requireAdmin(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleRegistryWhitelist(w, r, req, whitelistAddToken)
	case "registry_removeToken":
		if authErr := s.requireAdmin(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleRegistryWhitelist(w, r, req, whitelistRemoveToken)
	case "registry_whitelistRaft":
		if authErr := s.requireAdmin(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleRegistryWhitelist(w, r, req, whitelistAddRaft)
	case "registry_removeRaft":
		if authErr := s.requireAdmin(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleRegistryWhitelist(w, r, req, whitelistRemoveRaft)
	case "registry_setLeverageBand":
		if authErr := s.requireAdmin(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleRegistrySetLeverageBand(w, r, req)
	case "registry_setExchangeFee":
		if authErr := s.requireAdmin(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleRegistrySetFee(w, r, req, feeExchange)
	case "registry_setInterestFee":
		if authErr := s.requireAdmin(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleRegistrySetFee(w, r, req, feeInterest)
	case "registry_setStorageBytePrice":
		if authErr := s.requireAdmin(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleRegistrySetStorageBytePrice(w, r, req)
	case "registry_setRunning":
		if authErr := s.requireAdmin(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleRegistrySetRunning(w, r, req)

	// Views.
	case "exchange_info":
		s.handleExchangeInfo(w, r, req)
	case "exchange_getDeposit":
		s.handleExchangeGetDeposit(w, r, req)
	case "exchange_getCollateral":
		s.handleExchangeGetCollateral(w, r, req)
	case "exchange_listCollaterals":
		s.handleExchangeListCollaterals(w, r, req)
	case "pool_status":
		s.handlePoolStatus(w, r, req)
	case "pool_position":
		s.handlePoolPosition(w, r, req)
	case "book_balances":
		s.handleBookBalances(w, r, req)
	case "book_totals":
		s.handleBookTotals(w, r, req)
	case "oracle_getQuote":
		s.handleOracleGetQuote(w, r, req)
	case "registry_asset":
		s.handleRegistryAsset(w, r, req)
	case "registry_assets":
		s.handleRegistryAssets(w, r, req)
	case "registry_params":
		s.handleRegistryParams(w, r, req)
	case "registry_whitelists":
		s.handleRegistryWhitelists(w, r, req)
	case "settlement_getTransfer":
		s.handleSettlementGetTransfer(w, r, req)
	case "settlement_listPending":
		s.handleSettlementListPending(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
	}
}

// gateMutation enforces the bearer token and the per-source rate limit for
// state-changing methods. It writes the error response itself and reports
// whether the handler may proceed.
func (s *Server) gateMutation(w http.ResponseWriter, r *http.Request, req *RPCRequest) bool {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return false
	}
	source := clientSource(r)
	if !s.allowSource(source, time.Now()) {
		observability.RPC().RecordThrottle(req.Method)
		writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "mutation rate limit exceeded", source)
		return false
	}
	return true
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	token, rpcErr := bearerToken(r)
	if rpcErr != nil {
		return rpcErr
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

// requireAdmin validates an HS256 token minted with the admin secret and an
// "admin" role claim. Owner tooling and the settlement daemon hold these.
func (s *Server) requireAdmin(r *http.Request) *RPCError {
	if len(s.adminSecret) == 0 {
		return &RPCError{Code: codeUnauthorized, Message: "admin authentication not configured"}
	}
	raw, rpcErr := bearerToken(r)
	if rpcErr != nil {
		return rpcErr
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.adminSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return &RPCError{Code: codeUnauthorized, Message: "invalid admin credentials"}
	}
	if role, _ := claims["role"].(string); role != "admin" {
		return &RPCError{Code: codeUnauthorized, Message: "admin role required"}
	}
	return nil
}

func bearerToken(r *http.Request) (string, *RPCError) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	return token, nil
}

func (s *Server) allowSource(source string, now time.Time) bool {
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.rateLimiters[source]
	if !ok {
		entry = &sourceLimiter{limiter: rate.NewLimiter(s.rateLimit, s.rateBurst)}
		s.rateLimiters[source] = entry
	}
	entry.lastSeen = now
	if len(s.rateLimiters) > maxTrackedSources {
		for key, candidate := range s.rateLimiters {
			if now.Sub(candidate.lastSeen) > sourceTTL {
				delete(s.rateLimiters, key)
			}
		}
	}
	return entry.limiter.AllowN(now, 1)
}

func clientSource(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			candidate := strings.TrimSpace(parts[0])
			if candidate != "" {
				return candidate
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// --- Shared parameter helpers ---

func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("parameter object required")
	}
	decoder := json.NewDecoder(bytes.NewReader(req.Params[0]))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}

func requireNoParams(req *RPCRequest) error {
	if len(req.Params) != 0 {
		return fmt.Errorf("no parameters expected")
	}
	return nil
}

func parseAddressParam(value string) ([20]byte, error) {
	var addr [20]byte
	decoded, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return addr, err
	}
	copy(addr[:], decoded.Bytes())
	return addr, nil
}

func parseAmountParam(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not a base-10 integer", value)
	}
	return amount, nil
}

func parseHashParam(value string) ([32]byte, error) {
	var hash [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return hash, fmt.Errorf("invalid transfer id: %w", err)
	}
	if len(raw) != 32 {
		return hash, fmt.Errorf("transfer id must be 32 bytes, got %d", len(raw))
	}
	copy(hash[:], raw)
	return hash, nil
}

func formatAddress(addr [20]byte) string {
	if addr == ([20]byte{}) {
		return ""
	}
	return crypto.NewAddress(crypto.RFTPrefix, addr[:]).String()
}

func formatHash(hash [32]byte) string {
	return "0x" + hex.EncodeToString(hash[:])
}

func formatAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

// traceIDFromRequest surfaces the trace id recorded by the otelhttp middleware.
// Mutations that hand work to the settlement daemon return it so callers can
// correlate the two sides; without a configured tracer it is empty.
func traceIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	spanCtx := trace.SpanContextFromContext(r.Context())
	if !spanCtx.IsValid() {
		return ""
	}
	return spanCtx.TraceID().String()
}
