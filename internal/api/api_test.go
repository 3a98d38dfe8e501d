package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"oracle-market/internal/auth"
	"oracle-market/internal/oracle"
	"oracle-market/internal/service"
	"oracle-market/internal/settlement"
	"oracle-market/internal/storage"
)

type stubOracle struct {
	err error
}

func (s *stubOracle) Fetch(ctx context.Context, feed string) (oracle.Price, error) {
	if s.err != nil {
		return oracle.Price{}, s.err
	}
	return oracle.Price{Feed: feed, Value: 3500, UpdatedAt: 1700000000}, nil
}

func (s *stubOracle) Network() string       { return "Ethereum Mainnet" }
func (s *stubOracle) ProviderLabel() string { return "eth.llamarpc.com" }

type testServer struct {
	router *gin.Engine
	store  *storage.MemoryStore
	oracle *stubOracle
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := storage.NewMemoryStore()
	so := &stubOracle{}
	engine := settlement.NewEngine(store, so, zerolog.Nop())
	svc := service.New(store, engine, so, nil, service.Options{}, zerolog.Nop())
	authenticator := auth.New(auth.NewMemoryNonceStore(auth.DefaultNonceTTL), store, auth.Options{StartingPoints: 1000}, zerolog.Nop())

	for _, name := range []string{"alice", "bob"} {
		if err := store.AddUser(context.Background(), storage.User{Username: name, DisplayName: name, Points: 1000, CreatedAt: time.Now()}); err != nil {
			t.Fatalf("写入用户失败: %v", err)
		}
	}

	router := NewRouter(Deps{
		Service:     svc,
		Auth:        authenticator,
		CORSOrigins: []string{"https://app.example"},
		Version:     "test",
		Logger:      zerolog.Nop(),
	})
	return &testServer{router: router, store: store, oracle: so}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("解析响应失败: %v (%s)", err, rec.Body.String())
	}
	return out
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("状态码应为 %d, 实际 %d: %s", status, rec.Code, rec.Body.String())
	}
	body := decode[errorResponse](t, rec)
	if body.Code != code {
		t.Fatalf("错误码应为 %s, 实际 %s", code, body.Code)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("health 响应错误: %d %s", rec.Code, rec.Body.String())
	}
}

func TestClaimLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/claims", map[string]any{
		"title": "Rain tomorrow", "description": "in Berlin", "category": "weather", "created_by": "alice",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("创建 claim 失败: %d %s", rec.Code, rec.Body.String())
	}
	claim := decode[service.ClaimView](t, rec)

	rec = s.do(t, http.MethodPost, "/api/positions", map[string]any{
		"claim_id": claim.ID, "username": "alice", "side": "yes", "stake": 100, "confidence": 0.9,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("下注失败: %d %s", rec.Code, rec.Body.String())
	}
	rec = s.do(t, http.MethodPost, "/api/positions", map[string]any{
		"claim_id": claim.ID, "username": "bob", "side": "no", "stake": 50, "confidence": 0.6,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("下注失败: %d %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodGet, "/api/claims/"+claim.ID, nil)
	view := decode[service.ClaimView](t, rec)
	if view.PositionCount != 2 || view.TotalStaked != 150 {
		t.Fatalf("claim 统计错误: %+v", view)
	}

	expectError(t, s.do(t, http.MethodPost, "/api/claims/"+claim.ID+"/resolve", map[string]any{"username": "bob", "resolution": "no"}), http.StatusForbidden, "forbidden")
	expectError(t, s.do(t, http.MethodDelete, "/api/claims/"+claim.ID+"?username=alice", nil), http.StatusBadRequest, "validation_error")

	rec = s.do(t, http.MethodPost, "/api/claims/"+claim.ID+"/resolve", map[string]any{"username": "alice", "resolution": "yes"})
	if rec.Code != http.StatusOK {
		t.Fatalf("结算失败: %d %s", rec.Code, rec.Body.String())
	}
	settled := decode[settlement.Settlement](t, rec)
	if settled.Claim.Status != storage.StatusResolvedYes || settled.Payouts[0].Amount != 50 {
		t.Fatalf("结算结果错误: %+v", settled)
	}

	expectError(t, s.do(t, http.MethodPost, "/api/claims/"+claim.ID+"/resolve", map[string]any{"username": "alice", "resolution": "no"}), http.StatusConflict, "already_resolved")

	rec = s.do(t, http.MethodGet, "/api/users/alice", nil)
	profile := decode[service.Profile](t, rec)
	if profile.Points != 950 || profile.Accuracy == nil || *profile.Accuracy != 100 {
		t.Fatalf("profile 错误: %+v", profile)
	}
}

func TestErrorCodes(t *testing.T) {
	s := newTestServer(t)

	expectError(t, s.do(t, http.MethodGet, "/api/claims/claim-missing", nil), http.StatusNotFound, "not_found")
	expectError(t, s.do(t, http.MethodGet, "/api/users/zed", nil), http.StatusNotFound, "not_found")
	expectError(t, s.do(t, http.MethodGet, "/api/auth/nonce", nil), http.StatusBadRequest, "validation_error")
	expectError(t, s.do(t, http.MethodPost, "/api/claims", map[string]any{
		"title": "t", "description": "d", "category": "c", "resolution_type": "oracle",
		"resolution_date": "2001-01-01T00:00:00",
		"oracle_config":   map[string]any{"type": "chainlink_price", "feed": "ETH/USD", "comparator": ">", "target": 1},
	}), http.StatusBadRequest, "validation_error")
	expectError(t, s.do(t, http.MethodPost, "/api/positions", map[string]any{
		"claim_id": "claim-missing", "side": "yes", "stake": 1, "confidence": 0.5,
	}), http.StatusUnauthorized, "unauthorized")
}

func TestCreateClaimRejectsNonFiniteTarget(t *testing.T) {
	s := newTestServer(t)
	future := time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339)
	for _, target := range []string{"NaN", "Infinity", "-Inf"} {
		expectError(t, s.do(t, http.MethodPost, "/api/claims", map[string]any{
			"title": "t", "description": "d", "category": "c", "resolution_type": "oracle",
			"resolution_date": future,
			"oracle_config":   map[string]any{"type": "chainlink_price", "feed": "ETH/USD", "comparator": ">", "target": target},
		}), http.StatusBadRequest, "validation_error")
	}

	rec := s.do(t, http.MethodGet, "/api/claims", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("claim 列表应保持可用, 实际 %d: %s", rec.Code, rec.Body.String())
	}
}

func TestOracleEndpoints(t *testing.T) {
	s := newTestServer(t)
	due := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	rec := s.do(t, http.MethodPost, "/api/claims", map[string]any{
		"title": "ETH above 3000", "description": "price", "category": "crypto", "created_by": "alice",
		"resolution_type": "oracle", "resolution_date": due,
		"oracle_config": map[string]any{"type": "chainlink_price", "feed": "ETH/USD", "comparator": ">", "target": "3000"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("创建 oracle claim 失败: %d %s", rec.Code, rec.Body.String())
	}
	claim := decode[service.ClaimView](t, rec)

	rec = s.do(t, http.MethodGet, "/api/claims/"+claim.ID+"/oracle-status", nil)
	status := decode[service.OracleStatus](t, rec)
	if rec.Code != http.StatusOK || !status.ConditionMet || status.Provider != "eth.llamarpc.com" {
		t.Fatalf("oracle-status 错误: %d %+v", rec.Code, status)
	}

	rec = s.do(t, http.MethodPost, "/api/claims/"+claim.ID+"/check-oracle", nil)
	check := decode[settlement.OracleCheck](t, rec)
	if rec.Code != http.StatusOK || check.Resolved || check.WouldResolve != storage.SideYes {
		t.Fatalf("到期前应只返回预览: %d %+v", rec.Code, check)
	}

	s.oracle.err = &oracle.UnavailableError{Feed: "ETH/USD", Attempts: 4, Err: errors.New("down")}
	expectError(t, s.do(t, http.MethodPost, "/api/claims/"+claim.ID+"/check-oracle", nil), http.StatusBadGateway, "oracle_unavailable")
}

func TestConnectWalletFlow(t *testing.T) {
	s := newTestServer(t)
	key, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey)

	rec := s.do(t, http.MethodGet, "/api/auth/nonce?address="+addr.Hex(), nil)
	nonce := decode[map[string]string](t, rec)["nonce"]
	if rec.Code != http.StatusOK || nonce == "" {
		t.Fatalf("获取 nonce 失败: %d %s", rec.Code, rec.Body.String())
	}

	msg := (&auth.Message{
		Domain: "localhost", Address: addr, URI: "http://localhost", Version: "1",
		ChainID: 1, Nonce: nonce, IssuedAt: time.Now(),
	}).String()
	sig, _ := crypto.Sign(accounts.TextHash([]byte(msg)), key)
	body := map[string]string{"message": msg, "signature": hexutil.Encode(sig)}

	rec = s.do(t, http.MethodPost, "/api/auth/connect-wallet", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("钱包登录失败: %d %s", rec.Code, rec.Body.String())
	}
	identity := decode[auth.Identity](t, rec)
	if identity.Username != strings.ToLower(addr.Hex()) {
		t.Fatalf("用户名应为小写地址: %+v", identity)
	}

	expectError(t, s.do(t, http.MethodPost, "/api/auth/connect-wallet", body), http.StatusBadRequest, "nonce_missing")
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/claims", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("预检请求应返回 204, 实际 %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example" {
		t.Fatalf("CORS 头缺失: %v", rec.Header())
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("显式配置的来源应允许携带凭据: %v", rec.Header())
	}
}

func TestCORSWildcardOmitsCredentials(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(cors([]string{"*"}))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("通配来源应返回字面量 *, 实际 %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Fatalf("通配来源不应允许凭据, 实际 %q", got)
	}
}

func TestCORSUnlistedOrigin(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "https://other.example")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("未配置的来源不应获得 CORS 头, 实际 %q", got)
	}
}
