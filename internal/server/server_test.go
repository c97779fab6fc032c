package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/asthaai/sentinel/internal/config"
	"github.com/asthaai/sentinel/internal/iam"
	"github.com/asthaai/sentinel/internal/identity"
	"github.com/asthaai/sentinel/internal/logging"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:                   "0",
		Env:                    "test",
		LogLevel:               "error",
		LogFormat:              "text",
		GateMode:               "allow",
		CommFrequencyThreshold: 5,
		CommPayloadByteLimit:   500000,
		CommWindow:             time.Minute,
		RevocationThreshold:    1,
		ActivityThreshold:      1,
		HighFrequencyThreshold: 5,
		LargeAmountThreshold:   50000,
		RevokeMaxAttempts:      3,
		RevokeBaseDelay:        time.Millisecond,
	}
}

type testServer struct {
	srv       *Server
	authority *identity.MemoryAuthority
	verifier  *iam.StaticVerifier
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	if cfg == nil {
		cfg = testConfig()
	}
	authority := identity.NewMemoryAuthority()
	verifier := iam.NewStaticVerifier()

	srv, err := New(cfg,
		WithLogger(logging.New("error", "text")),
		WithAuthority(authority),
		WithVerifier(verifier),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testServer{srv: srv, authority: authority, verifier: verifier}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func lowRiskTransaction(id string) map[string]any {
	return map[string]any{
		"transaction_id": id,
		"actor_id":       "shopper-1",
		"amount":         "50",
		"timestamp":      "2024-05-01T10:00:00Z",
		"location":       "New York",
		"device_info": map[string]any{
			"os":      "macOS",
			"browser": "Safari",
		},
		"user_history": []map[string]any{
			{"timestamp": "2024-04-01T09:00:00Z", "amount": "20", "status": "COMPLETED"},
		},
	}
}

func highRiskTransaction(id string) map[string]any {
	return map[string]any{
		"transaction_id":   id,
		"actor_id":         "shopper-1",
		"amount":           "2500",
		"timestamp":        "2024-05-01T10:00:00Z",
		"location":         "Unknown",
		"payment_agent_id": "payment-agent-1",
	}
}

func TestAnalyzeTransaction_Allowed(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/risk/analyze", lowRiskTransaction("TX-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["status"] != "allowed" {
		t.Errorf("status = %v, want allowed", body["status"])
	}
	if body["risk_level"] != "low" {
		t.Errorf("risk_level = %v, want low", body["risk_level"])
	}
	if body["analysis"] == nil {
		t.Error("analysis missing from allowed decision")
	}
}

func TestAnalyzeTransaction_HighRiskGateAllow(t *testing.T) {
	ts := newTestServer(t, nil) // GateMode allow

	w := ts.do(t, http.MethodPost, "/api/v1/risk/analyze", highRiskTransaction("TX-2"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["status"] != "allowed" {
		t.Errorf("status = %v, want allowed", body["status"])
	}
	if body["message"] != "High risk detected, but transaction allowed" {
		t.Errorf("message = %v", body["message"])
	}
}

func TestAnalyzeTransaction_HighRiskGateBlock(t *testing.T) {
	cfg := testConfig()
	cfg.GateMode = "block"
	ts := newTestServer(t, cfg)

	w := ts.do(t, http.MethodPost, "/api/v1/risk/analyze", highRiskTransaction("TX-3"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["status"] != "revoked" {
		t.Errorf("status = %v, want revoked", body["status"])
	}
	if body["message"] != "Transaction automatically cancelled - payment agent revoked due to high risk" {
		t.Errorf("message = %v", body["message"])
	}
	if body["revocation"] == nil {
		t.Error("revocation receipt missing")
	}
	if !ts.authority.IsRevoked("payment-agent-1") {
		t.Error("payment agent should be revoked at the authority")
	}
}

func TestAnalyzeTransaction_CachedReplayDoesNotReRevoke(t *testing.T) {
	cfg := testConfig()
	cfg.GateMode = "block"
	ts := newTestServer(t, cfg)

	tx := highRiskTransaction("TX-4")
	first := ts.do(t, http.MethodPost, "/api/v1/risk/analyze", tx)
	second := ts.do(t, http.MethodPost, "/api/v1/risk/analyze", tx)

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("statuses = %d, %d", first.Code, second.Code)
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("replay decision differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}
	if ts.authority.RevokeCalls != 1 {
		t.Errorf("RevokeCalls = %d, want 1", ts.authority.RevokeCalls)
	}
}

func TestAnalyzeTransaction_ValidationFailures(t *testing.T) {
	ts := newTestServer(t, nil)

	missing := lowRiskTransaction("")
	delete(missing, "transaction_id")
	w := ts.do(t, http.MethodPost, "/api/v1/risk/analyze", missing)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing id status = %d, want 400", w.Code)
	}

	bad := lowRiskTransaction("TX-5")
	bad["timestamp"] = "yesterday"
	w = ts.do(t, http.MethodPost, "/api/v1/risk/analyze", bad)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad timestamp status = %d, want 400", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/risk/analyze", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed JSON status = %d, want 400", rec.Code)
	}
}

func TestFlagSuspicious(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/risk/flags", map[string]any{
		"transaction_id": "TX-6",
		"reason":         "reported by customer",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["status"] != "FLAGGED" {
		t.Errorf("status = %v, want FLAGGED", body["status"])
	}
	if body["requires_review"] != true {
		t.Errorf("requires_review = %v, want true", body["requires_review"])
	}

	w = ts.do(t, http.MethodPost, "/api/v1/risk/flags", map[string]any{"reason": "no id"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing transaction_id status = %d, want 400", w.Code)
	}
}

func TestAnalyzePatterns(t *testing.T) {
	ts := newTestServer(t, nil)

	txs := []map[string]any{}
	for i := 0; i < 3; i++ {
		txs = append(txs, map[string]any{
			"transaction_id": fmt.Sprintf("TX-P%d", i),
			"amount":         "100",
			"timestamp":      fmt.Sprintf("2024-05-01T10:0%d:00Z", i),
			"location":       "New York",
		})
	}
	w := ts.do(t, http.MethodPost, "/api/v1/risk/patterns", map[string]any{"transactions": txs})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["pattern_id"] == nil {
		t.Error("pattern_id missing")
	}

	w = ts.do(t, http.MethodPost, "/api/v1/risk/patterns", map[string]any{"transactions": []any{}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty input status = %d, want 400", w.Code)
	}
}

func TestListAssessments(t *testing.T) {
	ts := newTestServer(t, nil)

	ts.do(t, http.MethodPost, "/api/v1/risk/analyze", lowRiskTransaction("TX-7"))

	w := ts.do(t, http.MethodGet, "/api/v1/risk/assessments/shopper-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["count"].(float64) < 1 {
		t.Errorf("count = %v, want >= 1", body["count"])
	}

	w = ts.do(t, http.MethodGet, "/api/v1/risk/assessments/shopper-1?limit=0", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", w.Code)
	}
}

func TestMonitorCommunication_FloodDenied(t *testing.T) {
	ts := newTestServer(t, nil)

	msg := map[string]any{
		"source_agent_id":    "chatty-agent",
		"target_agent_id":    "payment-agent-1",
		"communication_type": "request",
		"payload":            map[string]any{"action": "charge"},
	}

	var last map[string]any
	for i := 0; i < 6; i++ {
		w := ts.do(t, http.MethodPost, "/api/v1/monitor/communications", msg)
		if w.Code != http.StatusOK {
			t.Fatalf("message %d status = %d, body %s", i, w.Code, w.Body.String())
		}
		last = decodeBody(t, w)
	}
	if last["allowed"] != false {
		t.Errorf("flooding source should be denied, got %v", last["allowed"])
	}
}

func TestMonitorCommunication_InvalidAgentID(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/monitor/communications", map[string]any{
		"source_agent_id":    "has space",
		"target_agent_id":    "payment-agent-1",
		"communication_type": "request",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestAgentActivityLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/agents", map[string]any{
		"subject":     "order-agent",
		"department":  "Order",
		"trust_level": "medium",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", w.Code, w.Body.String())
	}
	conn := decodeBody(t, w)
	agentID := conn["id"].(string)

	w = ts.do(t, http.MethodPost, "/api/v1/monitor/agents/"+agentID+"/activity", map[string]any{
		"action":  "place_order",
		"details": map[string]any{"order_count": 1},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("activity status = %d, body %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["allowed"] != true {
		t.Errorf("allowed = %v, want true", body["allowed"])
	}

	w = ts.do(t, http.MethodGet, "/api/v1/monitor/agents/"+agentID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("snapshot status = %d", w.Code)
	}
	if body := decodeBody(t, w); body["agent_id"] != agentID {
		t.Errorf("snapshot agent_id = %v, want %s", body["agent_id"], agentID)
	}
}

func TestAgentActivity_UnknownAgent(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/monitor/agents/aid_missing/activity", map[string]any{
		"action": "place_order",
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404, body %s", w.Code, w.Body.String())
	}
}

func TestPolicyDenial(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.verifier.Deny(ts.srv.Supervisor().AgentID(), iam.ActionFlagSuspicious, "flagging suspended")

	w := ts.do(t, http.MethodPost, "/api/v1/risk/flags", map[string]any{
		"transaction_id": "TX-8",
		"reason":         "test",
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403, body %s", w.Code, w.Body.String())
	}
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("/health status = %d, want 200", w.Code)
	}

	w = ts.do(t, http.MethodGet, "/health/live", nil)
	if w.Code != http.StatusOK {
		t.Errorf("/health/live status = %d, want 200", w.Code)
	}

	// Run() has not been called, so the server is alive but not ready.
	w = ts.do(t, http.MethodGet, "/health/ready", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("/health/ready status = %d, want 503", w.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodGet, "/health", nil)
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header not set")
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "req-abc" {
		t.Errorf("X-Request-ID = %q, want preserved req-abc", got)
	}
}
