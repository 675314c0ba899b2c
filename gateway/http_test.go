package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/openfluxai/fluxgate/core"
	"github.com/openfluxai/fluxgate/provider/mock"
	"github.com/openfluxai/fluxgate/streaming"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Stream.Mode = streaming.ModeBuffer
	cfg.Audit.Sinks = []string{"memory"}
	cfg.Routing.RetryDelay = time.Millisecond
	return cfg
}

func testServer(t *testing.T, cfg *Config, mocks ...*mock.Provider) (*Server, *Gateway) {
	t.Helper()
	g, err := New(cfg, &core.NoOpLogger{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, m := range mocks {
		if err := g.RegisterProvider(m); err != nil {
			t.Fatalf("RegisterProvider(%s): %v", m.ID(), err)
		}
	}
	return NewServer(g), g
}

func postInference(t *testing.T, s *Server, tenantID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/inference", strings.NewReader(body))
	if tenantID != "" {
		req.Header.Set(HeaderTenantID, tenantID)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

const validBody = `{"requestId":"r1","model":"m-A","messages":[{"role":"user","content":"hi"}]}`

func TestInferenceEndToEnd(t *testing.T) {
	s, g := testServer(t, testConfig(), mock.New("p1"))

	w := postInference(t, s, "t1", validBody)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp core.InferenceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.RequestID != "r1" || resp.Content == "" {
		t.Errorf("response = %+v", resp)
	}

	records := g.AuditRecords()
	if len(records) != 1 {
		t.Fatalf("audit records = %d, want 1", len(records))
	}
	if records[0].Event != "INFERENCE_COMPLETED" {
		t.Errorf("audit event = %s", records[0].Event)
	}
}

func TestInferenceGeneratesRequestID(t *testing.T) {
	s, _ := testServer(t, testConfig(), mock.New("p1"))

	body := `{"model":"m-A","messages":[{"role":"user","content":"hi"}]}`
	w := postInference(t, s, "t1", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp core.InferenceResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.RequestID == "" {
		t.Error("missing request id should be generated")
	}
}

func TestInferenceRequestIDFromHeader(t *testing.T) {
	s, _ := testServer(t, testConfig(), mock.New("p1"))

	req := httptest.NewRequest(http.MethodPost, "/v1/inference",
		strings.NewReader(`{"model":"m-A","messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set(HeaderTenantID, "t1")
	req.Header.Set(HeaderRequestID, "hdr-7")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var resp core.InferenceResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.RequestID != "hdr-7" {
		t.Errorf("request id = %s, want the header value", resp.RequestID)
	}
}

func TestInferenceStatusMapping(t *testing.T) {
	s, _ := testServer(t, testConfig(), mock.New("p1"))

	// Missing tenant.
	if w := postInference(t, s, "", validBody); w.Code != http.StatusForbidden {
		t.Errorf("missing tenant status = %d, want 403", w.Code)
	}
	// Malformed body.
	if w := postInference(t, s, "t1", "{not json"); w.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", w.Code)
	}
	// Invalid request shape.
	if w := postInference(t, s, "t1", `{"requestId":"r1","messages":[]}`); w.Code != http.StatusBadRequest {
		t.Errorf("invalid request status = %d, want 400", w.Code)
	}
	// Wrong method.
	req := httptest.NewRequest(http.MethodGet, "/v1/inference", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", w.Code)
	}
}

func TestInferenceErrorBodyMasksInternals(t *testing.T) {
	p1 := mock.New("p1")
	p1.Err = core.ErrPermanentProvider
	cfg := testConfig()
	cfg.Routing.MaxRetries = 0
	s, _ := testServer(t, cfg, p1)

	w := postInference(t, s, "t1", validBody)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	var ce core.ClientError
	if err := json.Unmarshal(w.Body.Bytes(), &ce); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if ce.Code != core.KindPermanentProvider {
		t.Errorf("error code = %s", ce.Code)
	}
	if ce.RequestID != "r1" {
		t.Errorf("error request id = %s", ce.RequestID)
	}
}

func TestInferenceRateLimitedWithRetryAfter(t *testing.T) {
	// Failover stays at its defaults: with the only provider excluded
	// after the rejection, the limiter error must still surface as 429.
	cfg := testConfig()
	cfg.RateLimit = RateLimitSettings{Algorithm: "token-bucket", Capacity: 1, Period: time.Hour}
	s, _ := testServer(t, cfg, mock.New("p1"))

	if w := postInference(t, s, "t1", validBody); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, body %s", w.Code, w.Body.String())
	}
	w := postInference(t, s, "t1", validBody)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("429 response should carry Retry-After")
	}
}

func TestInferenceNoCompatibleProviderIs503(t *testing.T) {
	s, _ := testServer(t, testConfig())

	w := postInference(t, s, "t1", validBody)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503, body %s", w.Code, w.Body.String())
	}
	var ce core.ClientError
	if err := json.Unmarshal(w.Body.Bytes(), &ce); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if ce.RequestID != "r1" {
		t.Errorf("error request id = %s", ce.RequestID)
	}
}

func TestInferenceQuotaForbidden(t *testing.T) {
	cfg := testConfig()
	cfg.Quota.RequestsPerWindow = 1
	cfg.Quota.Window = time.Minute
	s, _ := testServer(t, cfg, mock.New("p1"))

	if w := postInference(t, s, "t1", validBody); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d", w.Code)
	}
	body := strings.Replace(validBody, "r1", "r2", 1)
	if w := postInference(t, s, "t1", body); w.Code != http.StatusForbidden {
		t.Errorf("over-quota status = %d, want 403", w.Code)
	}
}

func TestStreamingSSE(t *testing.T) {
	p1 := mock.New("p1")
	p1.Chunks = []core.StreamChunk{
		{Delta: "hel"},
		{Delta: "lo", Final: true},
	}
	s, _ := testServer(t, testConfig(), p1)

	body := `{"requestId":"r1","model":"m-A","streaming":true,"messages":[{"role":"user","content":"hi"}]}`
	w := postInference(t, s, "t1", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %s", ct)
	}
	out := w.Body.String()
	if !strings.Contains(out, `"delta":"hel"`) || !strings.Contains(out, `"delta":"lo"`) {
		t.Errorf("missing chunk frames:\n%s", out)
	}
	if !strings.HasSuffix(strings.TrimSpace(out), "data: [DONE]") {
		t.Errorf("stream should end with the DONE frame:\n%s", out)
	}
}

func TestProvidersEndpoint(t *testing.T) {
	s, _ := testServer(t, testConfig(), mock.New("p1"), mock.New("p2"))

	req := httptest.NewRequest(http.MethodGet, "/v1/providers", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var out []map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("providers = %d, want 2", len(out))
	}
	if out[0]["id"] != "p1" || out[0]["health"] != "healthy" {
		t.Errorf("provider view = %v", out[0])
	}
}

func TestCancelEndpoint(t *testing.T) {
	s, _ := testServer(t, testConfig(), mock.New("p1"))

	req := httptest.NewRequest(http.MethodDelete, "/v1/requests/ghost", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown request cancel status = %d, want 404", w.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/v1/requests/", nil)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty id cancel status = %d, want 400", w.Code)
	}
}

func TestHealthzEndpoint(t *testing.T) {
	s, _ := testServer(t, testConfig())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("healthz status = %d", w.Code)
	}
}

func TestConfiguredTenantsAreEnforced(t *testing.T) {
	cfg := testConfig()
	cfg.Tenants = map[string]map[string]string{"known": {"plan": "pro"}}
	s, _ := testServer(t, cfg, mock.New("p1"))

	if w := postInference(t, s, "known", validBody); w.Code != http.StatusOK {
		t.Errorf("known tenant status = %d", w.Code)
	}
	body := strings.Replace(validBody, "r1", "r2", 1)
	if w := postInference(t, s, "stranger", body); w.Code != http.StatusForbidden {
		t.Errorf("unknown tenant status = %d, want 403", w.Code)
	}
}
