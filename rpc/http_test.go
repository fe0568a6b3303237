package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"raftex/core"
	"raftex/crypto"
	"raftex/storage"
)

const (
	testAuthToken   = "rpc-test-bearer"
	testAdminSecret = "rpc-test-admin-secret"
)

func testGenesis() *core.Genesis {
	return &core.Genesis{
		ChainName: "raftex-test",
		Assets: []core.GenesisAsset{
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

func newTestNode(t *testing.T) *core.Node {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	node, err := core.NewNode(storage.NewMemDB(), key, testGenesis())
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}

// newTestServer wires a server with authentication configured and throttling
// effectively disabled so flow tests never trip the limiter.
func newTestServer(t *testing.T) (*Server, *core.Node) {
	t.Helper()
	node := newTestNode(t)
	server := NewServer(node, ServerConfig{
		AuthToken:   testAuthToken,
		AdminSecret: testAdminSecret,
		RateLimit:   rate.Inf,
		RateBurst:   1024,
	})
	return server, node
}

func testAccount(seed byte) ([20]byte, string) {
	var addr [20]byte
	addr[0] = seed
	return addr, crypto.NewAddress(crypto.RFTPrefix, addr[:]).String()
}

func fundAccount(t *testing.T, node *core.Node, user [20]byte) {
	t.Helper()
	if err := node.StorageDeposit(user, big.NewInt(100_000_000)); err != nil {
		t.Fatalf("storage deposit: %v", err)
	}
	if err := node.Deposit("WBTC", user, big.NewInt(1_000), ""); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func adminToken(t *testing.T, role string) string {
	t.Helper()
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  "ops",
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testAdminSecret))
	if err != nil {
		t.Fatalf("sign admin token: %v", err)
	}
	return signed
}

func buildRPCBody(t *testing.T, method string, params interface{}) []byte {
	t.Helper()
	req := RPCRequest{JSONRPC: jsonRPCVersion, Method: method, ID: 1}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		req.Params = []json.RawMessage{raw}
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return body
}

// postRPC drives handleRPC directly through a recorder.
func postRPC(t *testing.T, server *Server, bearer, method string, params interface{}) (*RPCResponse, int) {
	t.Helper()
	return postRaw(t, server, string(buildRPCBody(t, method, params)), bearer, nil)
}

func postRaw(t *testing.T, server *Server, body, bearer string, header http.Header) (*RPCResponse, int) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	rec := httptest.NewRecorder()
	server.handleRPC(rec, req)
	resp := &RPCResponse{}
	if err := json.Unmarshal(rec.Body.Bytes(), resp); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return resp, rec.Code
}

// doRPC drives a request through a live httptest server.
func doRPC(t *testing.T, baseURL, bearer, method string, params interface{}) (*RPCResponse, int) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, baseURL+"/", bytes.NewReader(buildRPCBody(t, method, params)))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("rpc %s: %v", method, err)
	}
	defer res.Body.Close()
	resp := &RPCResponse{}
	if err := json.NewDecoder(res.Body).Decode(resp); err != nil {
		t.Fatalf("decode %s response: %v", method, err)
	}
	return resp, res.StatusCode
}

func mustResult(t *testing.T, resp *RPCResponse, out interface{}) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected RPC error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func expectRPCError(t *testing.T, resp *RPCResponse, status, wantStatus, wantCode int) {
	t.Helper()
	if status != wantStatus {
		t.Fatalf("http status = %d, want %d", status, wantStatus)
	}
	if resp.Error == nil {
		t.Fatalf("expected RPC error, got result %v", resp.Result)
	}
	if resp.Error.Code != wantCode {
		t.Fatalf("error code = %d (%s), want %d", resp.Error.Code, resp.Error.Message, wantCode)
	}
}

func TestHandleRPCEnvelopeValidation(t *testing.T) {
	server, _ := newTestServer(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   int
	}{
		{name: "malformed json", body: `{"jsonrpc": "2.0",`, wantStatus: http.StatusBadRequest, wantCode: codeParseError},
		{name: "unsupported version", body: `{"jsonrpc":"1.0","method":"exchange_info","id":1}`, wantStatus: http.StatusBadRequest, wantCode: codeInvalidRequest},
		{name: "missing method", body: `{"jsonrpc":"2.0","id":1}`, wantStatus: http.StatusBadRequest, wantCode: codeInvalidRequest},
		{name: "empty body", body: "", wantStatus: http.StatusBadRequest, wantCode: codeInvalidRequest},
		{name: "whitespace body", body: "  \n\t", wantStatus: http.StatusBadRequest, wantCode: codeInvalidRequest},
		{name: "oversized body", body: strings.Repeat("a", maxRequestBytes+16), wantStatus: http.StatusRequestEntityTooLarge, wantCode: codeInvalidRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, status := postRaw(t, server, tc.body, "", nil)
			expectRPCError(t, resp, status, tc.wantStatus, tc.wantCode)
		})
	}
}

func TestHandleRPCUnknownMethod(t *testing.T) {
	server, _ := newTestServer(t)
	resp, status := postRPC(t, server, "", "exchange_unknownThing", nil)
	expectRPCError(t, resp, status, http.StatusNotFound, codeMethodNotFound)
}

func TestMutationRequiresBearerToken(t *testing.T) {
	server, _ := newTestServer(t)
	_, owner := testAccount(0x21)
	params := storageDepositParams{Owner: owner, Amount: "1000000"}

	t.Run("missing header", func(t *testing.T) {
		resp, status := postRPC(t, server, "", "exchange_storageDeposit", params)
		expectRPCError(t, resp, status, http.StatusUnauthorized, codeUnauthorized)
	})
	t.Run("wrong token", func(t *testing.T) {
		resp, status := postRPC(t, server, "not-the-token", "exchange_storageDeposit", params)
		expectRPCError(t, resp, status, http.StatusUnauthorized, codeUnauthorized)
	})
	t.Run("wrong scheme", func(t *testing.T) {
		header := http.Header{}
		header.Set("Authorization", "Basic dXNlcjpwYXNz")
		resp, status := postRaw(t, server, string(buildRPCBody(t, "exchange_storageDeposit", params)), "", header)
		expectRPCError(t, resp, status, http.StatusUnauthorized, codeUnauthorized)
	})
}

func TestUnconfiguredAuthRejectsEverything(t *testing.T) {
	t.Setenv("RAFTEX_RPC_TOKEN", "")
	t.Setenv("RAFTEX_ADMIN_SECRET", "")
	server := NewServer(newTestNode(t), ServerConfig{RateLimit: rate.Inf, RateBurst: 16})
	_, owner := testAccount(0x22)

	resp, status := postRPC(t, server, "anything", "exchange_storageDeposit", storageDepositParams{Owner: owner, Amount: "1"})
	expectRPCError(t, resp, status, http.StatusUnauthorized, codeUnauthorized)

	resp, status = postRPC(t, server, "anything", "oracle_feedPrice", feedPriceParams{Symbol: "WBTC", Price: "1"})
	expectRPCError(t, resp, status, http.StatusUnauthorized, codeUnauthorized)
}

func TestAdminOperationsRequireAdminRole(t *testing.T) {
	server, node := newTestServer(t)
	params := feedPriceParams{Symbol: "WBTC", Price: "1100000"}

	t.Run("user bearer rejected", func(t *testing.T) {
		resp, status := postRPC(t, server, testAuthToken, "oracle_feedPrice", params)
		expectRPCError(t, resp, status, http.StatusUnauthorized, codeUnauthorized)
	})
	t.Run("non-admin role rejected", func(t *testing.T) {
		resp, status := postRPC(t, server, adminToken(t, "viewer"), "oracle_feedPrice", params)
		expectRPCError(t, resp, status, http.StatusUnauthorized, codeUnauthorized)
	})
	t.Run("foreign secret rejected", func(t *testing.T) {
		claims := jwt.MapClaims{"role": "admin", "exp": time.Now().Add(time.Hour).Unix()}
		forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other-secret"))
		if err != nil {
			t.Fatalf("sign forged token: %v", err)
		}
		resp, status := postRPC(t, server, forged, "oracle_feedPrice", params)
		expectRPCError(t, resp, status, http.StatusUnauthorized, codeUnauthorized)
	})
	t.Run("admin role accepted", func(t *testing.T) {
		resp, _ := postRPC(t, server, adminToken(t, "admin"), "oracle_feedPrice", params)
		var result statusResult
		mustResult(t, resp, &result)
		if result.Status != "ok" {
			t.Fatalf("feed price status = %q, want ok", result.Status)
		}

		resp, _ = postRPC(t, server, "", "oracle_getQuote", symbolParams{Symbol: "WBTC"})
		var quote quoteResult
		mustResult(t, resp, &quote)
		if quote.Value != "1100000" {
			t.Fatalf("quote value = %s, want 1100000", quote.Value)
		}
		if quote.UpdatedAt != node.Height() {
			t.Fatalf("quote height = %d, want %d", quote.UpdatedAt, node.Height())
		}
	})
}

func TestDepositMintLifecycleOverHTTP(t *testing.T) {
	server, node := newTestServer(t)
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	_, user := testAccount(0x31)

	resp, _ := doRPC(t, ts.URL, testAuthToken, "exchange_storageDeposit", storageDepositParams{Owner: user, Amount: "100000000"})
	var status statusResult
	mustResult(t, resp, &status)
	if status.Status != "ok" {
		t.Fatalf("storage deposit status = %q", status.Status)
	}

	resp, _ = doRPC(t, ts.URL, testAuthToken, "exchange_deposit", depositParams{Token: "WBTC", Sender: user, Amount: "1000"})
	mustResult(t, resp, &status)

	resp, _ = doRPC(t, ts.URL, "", "exchange_getDeposit", addressParams{Address: user})
	var view depositViewResult
	mustResult(t, resp, &view)
	if view.Address != user {
		t.Fatalf("deposit view address = %s, want %s", view.Address, user)
	}
	if len(view.Balances) != 1 || view.Balances[0].Token != "WBTC" || view.Balances[0].Amount != "1000" {
		t.Fatalf("deposit balances = %+v", view.Balances)
	}

	resp, _ = doRPC(t, ts.URL, testAuthToken, "exchange_mint", mintParams{
		Minter:      user,
		Token:       "WBTC",
		TokenAmount: "3",
		Raft:        "RUSD",
		RaftAmount:  "30",
		Pooled:      true,
	})
	var minted mintResult
	mustResult(t, resp, &minted)
	if minted.CollateralID != 1 {
		t.Fatalf("collateral id = %d, want 1", minted.CollateralID)
	}

	// The locked collateral leg must leave the deposit row.
	resp, _ = doRPC(t, ts.URL, "", "exchange_getDeposit", addressParams{Address: user})
	mustResult(t, resp, &view)
	if len(view.Balances) != 1 || view.Balances[0].Amount != "997" {
		t.Fatalf("post-mint balances = %+v, want WBTC 997", view.Balances)
	}

	resp, _ = doRPC(t, ts.URL, "", "exchange_getCollateral", collateralIDParams{ID: 1})
	var record collateralResult
	mustResult(t, resp, &record)
	if record.Issuer != user || record.Token != "WBTC" || record.TokenAmount != "3" {
		t.Fatalf("collateral = %+v", record)
	}
	if record.Raft != "RUSD" || record.RaftAmount != "30" || !record.Pooled {
		t.Fatalf("collateral raft leg = %+v", record)
	}
	if record.Status != "active" || record.CreatedAt != 4 {
		t.Fatalf("collateral lifecycle = %+v", record)
	}

	resp, _ = doRPC(t, ts.URL, "", "exchange_listCollaterals", listCollateralsParams{Address: user})
	var records []collateralResult
	mustResult(t, resp, &records)
	if len(records) != 1 || records[0].ID != 1 {
		t.Fatalf("user collaterals = %+v", records)
	}

	// 30 RUSD at the genesis price of 100000.
	resp, _ = doRPC(t, ts.URL, "", "pool_status", nil)
	var pool poolStatusResult
	mustResult(t, resp, &pool)
	if pool.TotalValue != "3000000" {
		t.Fatalf("pool value = %s, want 3000000", pool.TotalValue)
	}
	if len(pool.Ratios) != 1 || pool.Ratios[0].Address != user || pool.Ratios[0].Ratio != 1_000_000 {
		t.Fatalf("pool ratios = %+v", pool.Ratios)
	}
	if len(pool.NetPositions) != 1 || pool.NetPositions[0].Symbol != "RUSD" || pool.NetPositions[0].Amount != "30" {
		t.Fatalf("pool net positions = %+v", pool.NetPositions)
	}

	resp, _ = doRPC(t, ts.URL, "", "pool_position", addressParams{Address: user})
	var position poolPositionResult
	mustResult(t, resp, &position)
	if !position.Joined || position.Ratio != 1_000_000 || position.Value != "3000000" {
		t.Fatalf("pool position = %+v", position)
	}
	if len(position.Contributions) != 1 || position.Contributions[0].Symbol != "RUSD" || position.Contributions[0].Amount != "30" {
		t.Fatalf("pool contributions = %+v", position.Contributions)
	}

	resp, _ = doRPC(t, ts.URL, "", "exchange_info", nil)
	var info infoResult
	mustResult(t, resp, &info)
	if info.Chain != "raftex-test" || info.Height != node.Height() {
		t.Fatalf("info = %+v, node height %d", info, node.Height())
	}
	if !strings.HasPrefix(info.StateRoot, "0x") {
		t.Fatalf("state root = %q", info.StateRoot)
	}
}

func TestWithdrawCompensationOverHTTP(t *testing.T) {
	server, node := newTestServer(t)
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	userBytes, user := testAccount(0x41)
	fundAccount(t, node, userBytes)

	resp, _ := doRPC(t, ts.URL, testAuthToken, "exchange_withdrawDeposit", withdrawParams{Owner: user, Token: "WBTC", Amount: "250"})
	var withdrawal withdrawResult
	mustResult(t, resp, &withdrawal)
	if !strings.HasPrefix(withdrawal.TransferID, "0x") || len(withdrawal.TransferID) != 66 {
		t.Fatalf("transfer id = %q", withdrawal.TransferID)
	}

	resp, _ = doRPC(t, ts.URL, "", "settlement_listPending", nil)
	var pending []transferResult
	mustResult(t, resp, &pending)
	if len(pending) != 1 {
		t.Fatalf("pending transfers = %+v", pending)
	}
	if pending[0].ID != withdrawal.TransferID || pending[0].Status != "pending" {
		t.Fatalf("pending transfer = %+v", pending[0])
	}
	if pending[0].Token != "WBTC" || pending[0].Amount != "250" || pending[0].Recipient != user {
		t.Fatalf("pending transfer legs = %+v", pending[0])
	}

	// A failed transport outcome re-credits the deposit row.
	resp, _ = doRPC(t, ts.URL, adminToken(t, "admin"), "settlement_resolve", resolveParams{TransferID: withdrawal.TransferID, Success: false})
	var status statusResult
	mustResult(t, resp, &status)
	if status.Status != "compensated" {
		t.Fatalf("resolve status = %q, want compensated", status.Status)
	}

	resp, _ = doRPC(t, ts.URL, "", "exchange_getDeposit", addressParams{Address: user})
	var view depositViewResult
	mustResult(t, resp, &view)
	if len(view.Balances) != 1 || view.Balances[0].Amount != "1000" {
		t.Fatalf("post-compensation balances = %+v, want WBTC 1000", view.Balances)
	}

	resp, _ = doRPC(t, ts.URL, "", "settlement_getTransfer", transferIDParams{TransferID: withdrawal.TransferID})
	var transfer transferResult
	mustResult(t, resp, &transfer)
	if transfer.Status != "compensated" || transfer.ResolvedAt == 0 || transfer.Attempts != 1 {
		t.Fatalf("resolved transfer = %+v", transfer)
	}

	resp, httpStatus := doRPC(t, ts.URL, adminToken(t, "admin"), "settlement_resolve", resolveParams{TransferID: withdrawal.TransferID, Success: true})
	expectRPCError(t, resp, httpStatus, http.StatusConflict, codeRejected)
}

func TestMutationRateLimitPerSource(t *testing.T) {
	server := NewServer(newTestNode(t), ServerConfig{
		AuthToken:   testAuthToken,
		AdminSecret: testAdminSecret,
		RateLimit:   rate.Every(time.Hour),
		RateBurst:   1,
	})
	_, owner := testAccount(0x51)
	params := storageDepositParams{Owner: owner, Amount: "1000000"}

	resp, _ := postRPC(t, server, testAuthToken, "exchange_storageDeposit", params)
	var status statusResult
	mustResult(t, resp, &status)

	resp, httpStatus := postRPC(t, server, testAuthToken, "exchange_storageDeposit", params)
	expectRPCError(t, resp, httpStatus, http.StatusTooManyRequests, codeRateLimited)

	// A different forwarded source gets its own bucket.
	header := http.Header{}
	header.Set("Authorization", "Bearer "+testAuthToken)
	header.Set("X-Forwarded-For", "10.9.8.7, 172.16.0.1")
	resp, _ = postRaw(t, server, string(buildRPCBody(t, "exchange_storageDeposit", params)), "", header)
	mustResult(t, resp, &status)
	if status.Status != "ok" {
		t.Fatalf("forwarded source status = %q", status.Status)
	}
}

func TestPausedExchangeRejectsMutations(t *testing.T) {
	server, _ := newTestServer(t)
	_, user := testAccount(0x61)
	mint := mintParams{Minter: user, Token: "WBTC", TokenAmount: "3", Raft: "RUSD", RaftAmount: "30", Pooled: true}

	resp, _ := postRPC(t, server, adminToken(t, "admin"), "registry_setRunning", runningParams{Running: false})
	var status statusResult
	mustResult(t, resp, &status)

	resp, httpStatus := postRPC(t, server, testAuthToken, "exchange_mint", mint)
	expectRPCError(t, resp, httpStatus, http.StatusConflict, codePaused)

	// Resuming flips the failure back to the ordinary rejection for an
	// unregistered minter.
	resp, _ = postRPC(t, server, adminToken(t, "admin"), "registry_setRunning", runningParams{Running: true})
	mustResult(t, resp, &status)

	resp, httpStatus = postRPC(t, server, testAuthToken, "exchange_mint", mint)
	expectRPCError(t, resp, httpStatus, http.StatusConflict, codeRejected)
}

func TestParamValidationOverRPC(t *testing.T) {
	server, _ := newTestServer(t)
	_, user := testAccount(0x71)

	t.Run("unknown field rejected", func(t *testing.T) {
		body := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"exchange_getDeposit","params":[{"address":%q,"legacy":true}]}`, user)
		resp, status := postRaw(t, server, body, "", nil)
		expectRPCError(t, resp, status, http.StatusBadRequest, codeInvalidParams)
	})
	t.Run("params on parameterless view rejected", func(t *testing.T) {
		resp, status := postRPC(t, server, "", "pool_status", addressParams{Address: user})
		expectRPCError(t, resp, status, http.StatusBadRequest, codeInvalidParams)
	})
	t.Run("missing params object rejected", func(t *testing.T) {
		resp, status := postRPC(t, server, "", "exchange_getDeposit", nil)
		expectRPCError(t, resp, status, http.StatusBadRequest, codeInvalidParams)
	})
	t.Run("malformed address rejected", func(t *testing.T) {
		resp, status := postRPC(t, server, "", "exchange_getDeposit", addressParams{Address: "rft1notanaddress"})
		expectRPCError(t, resp, status, http.StatusBadRequest, codeInvalidParams)
	})
}

func TestGetDepositUnknownAccount(t *testing.T) {
	server, _ := newTestServer(t)
	_, user := testAccount(0x72)
	resp, status := postRPC(t, server, "", "exchange_getDeposit", addressParams{Address: user})
	expectRPCError(t, resp, status, http.StatusNotFound, codeNotFound)
}

func TestRegistryAdminFlow(t *testing.T) {
	server, _ := newTestServer(t)
	ts := httptest.NewServer(server.Router())
	defer ts.Close()
	admin := adminToken(t, "admin")

	resp, _ := doRPC(t, ts.URL, admin, "registry_registerAsset", registerAssetParams{
		Name:     "Wrapped Ether",
		Symbol:   "WETH",
		Standard: "ft",
		Decimals: 18,
		Address:  "weth.token",
	})
	var status statusResult
	mustResult(t, resp, &status)

	resp, _ = doRPC(t, ts.URL, admin, "registry_whitelistToken", symbolParams{Symbol: "WETH"})
	mustResult(t, resp, &status)

	resp, _ = doRPC(t, ts.URL, "", "registry_whitelists", nil)
	var lists whitelistsResult
	mustResult(t, resp, &lists)
	if len(lists.Tokens) != 2 {
		t.Fatalf("token whitelist = %v", lists.Tokens)
	}
	found := false
	for _, symbol := range lists.Tokens {
		if symbol == "WETH" {
			found = true
		}
	}
	if !found {
		t.Fatalf("WETH missing from whitelist %v", lists.Tokens)
	}

	resp, _ = doRPC(t, ts.URL, "", "registry_asset", symbolParams{Symbol: "WETH"})
	var asset assetResult
	mustResult(t, resp, &asset)
	if asset.Symbol != "WETH" || asset.Decimals != 18 {
		t.Fatalf("asset = %+v", asset)
	}

	resp, _ = doRPC(t, ts.URL, "", "registry_params", nil)
	var params paramsResult
	mustResult(t, resp, &params)
	if params.LeverageMin != 1 || params.LeverageMax != 10 || params.ExchangeFeeBps != 30 {
		t.Fatalf("default params = %+v", params)
	}
	if !params.Running || params.StorageBytePrice != "10000" {
		t.Fatalf("default params = %+v", params)
	}

	resp, _ = doRPC(t, ts.URL, admin, "registry_setExchangeFee", feeParams{Bps: 25})
	mustResult(t, resp, &status)

	resp, _ = doRPC(t, ts.URL, "", "registry_params", nil)
	mustResult(t, resp, &params)
	if params.ExchangeFeeBps != 25 {
		t.Fatalf("exchange fee = %d, want 25", params.ExchangeFeeBps)
	}
}

func TestHealthzEndpoint(t *testing.T) {
	server, node := newTestServer(t)
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", res.StatusCode)
	}
	var health healthResponse
	if err := json.NewDecoder(res.Body).Decode(&health); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if health.Status != "ok" || health.Chain != "raftex-test" {
		t.Fatalf("healthz = %+v", health)
	}
	if health.Height != node.Height() {
		t.Fatalf("healthz height = %d, want %d", health.Height, node.Height())
	}
	if !strings.HasPrefix(health.StateRoot, "0x") {
		t.Fatalf("healthz state root = %q", health.StateRoot)
	}
}

func TestAllowSourceEvictsStaleEntries(t *testing.T) {
	server := NewServer(nil, ServerConfig{AuthToken: testAuthToken, RateLimit: rate.Inf, RateBurst: 1})
	base := time.Now()

	server.mu.Lock()
	for i := 0; i <= maxTrackedSources; i++ {
		server.rateLimiters[fmt.Sprintf("10.0.%d.%d", i/256, i%256)] = &sourceLimiter{
			limiter:  rate.NewLimiter(rate.Inf, 1),
			lastSeen: base.Add(-sourceTTL - time.Minute),
		}
	}
	seeded := len(server.rateLimiters)
	server.mu.Unlock()
	if seeded <= maxTrackedSources {
		t.Fatalf("seeded %d sources, want more than %d", seeded, maxTrackedSources)
	}

	if !server.allowSource("fresh-source", base) {
		t.Fatalf("fresh source was throttled")
	}

	server.mu.Lock()
	defer server.mu.Unlock()
	if len(server.rateLimiters) != 1 {
		t.Fatalf("tracked sources after eviction = %d, want 1", len(server.rateLimiters))
	}
	if _, ok := server.rateLimiters["fresh-source"]; !ok {
		t.Fatalf("fresh source evicted with the stale ones")
	}
}

func TestBearerTokenParsing(t *testing.T) {
	tests := []struct {
		name      string
		header    string
		wantToken string
		wantError bool
	}{
		{name: "missing header", header: "", wantError: true},
		{name: "wrong scheme", header: "Basic dXNlcjpwYXNz", wantError: true},
		{name: "empty token", header: "Bearer   ", wantError: true},
		{name: "plain token", header: "Bearer secret", wantToken: "secret"},
		{name: "padded token", header: "Bearer  secret ", wantToken: "secret"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			token, rpcErr := bearerToken(req)
			if tc.wantError {
				if rpcErr == nil {
					t.Fatalf("expected error, got token %q", token)
				}
				if rpcErr.Code != codeUnauthorized {
					t.Fatalf("error code = %d, want %d", rpcErr.Code, codeUnauthorized)
				}
				return
			}
			if rpcErr != nil {
				t.Fatalf("unexpected error: %s", rpcErr.Message)
			}
			if token != tc.wantToken {
				t.Fatalf("token = %q, want %q", token, tc.wantToken)
			}
		})
	}
}
