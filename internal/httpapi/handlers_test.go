package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/medrelay/admission/internal/ratelimit"
)

func newAPIRouter(t *testing.T) (*gin.Engine, *ratelimit.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	manager := newTestManager(t)
	r := gin.New()
	NewHandler(manager, nil).Register(r)
	return r, manager
}

func doJSON(t *testing.T, r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCheckEndpoint(t *testing.T) {
	r, _ := newAPIRouter(t)

	w := doJSON(t, r, http.MethodPost, "/v1/check", `{"subject_id":"svc-1","role":"service","operation":"bulk"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body map[string]any
	if errDecode := json.Unmarshal(w.Body.Bytes(), &body); errDecode != nil {
		t.Fatalf("decode: %v", errDecode)
	}
	if body["allowed"] != true {
		t.Fatalf("expected allowed, got %v", body)
	}
	if w.Header().Get("X-RateLimit-Limit") != "120" {
		t.Fatalf("expected service bulk limit header, got %q", w.Header().Get("X-RateLimit-Limit"))
	}
}

func TestCheckEndpointRejectsBadInput(t *testing.T) {
	r, _ := newAPIRouter(t)

	if w := doJSON(t, r, http.MethodPost, "/v1/check", `{not json`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed json, got %d", w.Code)
	}
	if w := doJSON(t, r, http.MethodPost, "/v1/check", `{"role":"doctor"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing subject, got %d", w.Code)
	}
}

func TestCheckEndpointDenies(t *testing.T) {
	r, _ := newAPIRouter(t)

	var w *httptest.ResponseRecorder
	for i := 0; i < 6; i++ {
		w = doJSON(t, r, http.MethodPost, "/v1/check", `{"subject_id":"anon-9"}`)
	}
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on sixth anonymous check, got %d", w.Code)
	}
	var body ratelimit.DenialBody
	if errDecode := json.Unmarshal(w.Body.Bytes(), &body); errDecode != nil {
		t.Fatalf("decode: %v", errDecode)
	}
	if body.RetryAfterSeconds < 1 {
		t.Fatalf("denial must carry a retry hint: %+v", body)
	}
}

func TestGrantBypassEndpoint(t *testing.T) {
	r, manager := newAPIRouter(t)

	w := doJSON(t, r, http.MethodPost, "/admin/ratelimit/bypass",
		`{"subject_id":"doc-1","role":"doctor","operation":"patient_access","duration_seconds":600,"reason":"mass casualty"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var body map[string]any
	if errDecode := json.Unmarshal(w.Body.Bytes(), &body); errDecode != nil {
		t.Fatalf("decode: %v", errDecode)
	}
	if body["grant_id"] == "" || body["expires_at"] == "" {
		t.Fatalf("grant response incomplete: %v", body)
	}
	if _, active := manager.Registry().Active(context.Background(), "doc-1"); !active {
		t.Fatalf("grant must be active after the call")
	}
}

func TestGrantBypassIneligibleOperation(t *testing.T) {
	r, _ := newAPIRouter(t)

	// patient/general carries no emergency bypass flag.
	w := doJSON(t, r, http.MethodPost, "/admin/ratelimit/bypass",
		`{"subject_id":"pat-1","role":"patient","operation":"general"}`)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRevokeBypassEndpoint(t *testing.T) {
	r, manager := newAPIRouter(t)

	doJSON(t, r, http.MethodPost, "/admin/ratelimit/bypass",
		`{"subject_id":"doc-2","role":"doctor","operation":"patient_access"}`)

	req := httptest.NewRequest(http.MethodDelete, "/admin/ratelimit/bypass/doc-2", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if _, active := manager.Registry().Active(context.Background(), "doc-2"); active {
		t.Fatalf("grant must be gone after revoke")
	}
}

func TestReloadPolicyEndpoint(t *testing.T) {
	r, _ := newAPIRouter(t)

	w := doJSON(t, r, http.MethodPost, "/admin/ratelimit/reload", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	if errDecode := json.Unmarshal(w.Body.Bytes(), &body); errDecode != nil {
		t.Fatalf("decode: %v", errDecode)
	}
	if body["version"] != "builtin" || body["source"] != "defaults" {
		t.Fatalf("unexpected reload response: %v", body)
	}
}

func TestPolicyEndpoint(t *testing.T) {
	r, _ := newAPIRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/ratelimit/policy", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Version string         `json:"version"`
		Scale   float64        `json:"scale"`
		Table   map[string]any `json:"table"`
	}
	if errDecode := json.Unmarshal(w.Body.Bytes(), &body); errDecode != nil {
		t.Fatalf("decode: %v", errDecode)
	}
	if body.Version != "builtin" || body.Scale != 1.0 {
		t.Fatalf("unexpected policy response: %+v", body)
	}
	if len(body.Table) != 7 {
		t.Fatalf("expected all 7 roles in the table, got %d", len(body.Table))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := newAPIRouter(t)

	doJSON(t, r, http.MethodPost, "/v1/check", `{"subject_id":"svc-1","role":"service"}`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	text := w.Body.String()
	if !strings.Contains(text, "admission_ratelimit_checks_total 1") {
		t.Fatalf("exposition missing check counter:\n%s", text)
	}
	if !strings.Contains(text, `admission_ratelimit_requests_total{role="service",operation="general",outcome="allowed"} 1`) {
		t.Fatalf("exposition missing breakdown line:\n%s", text)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	r, _ := newAPIRouter(t)

	doJSON(t, r, http.MethodPost, "/v1/check", `{"subject_id":"u-1","role":"staff"}`)

	req := httptest.NewRequest(http.MethodGet, "/admin/ratelimit/snapshot", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var snap ratelimit.Snapshot
	if errDecode := json.Unmarshal(w.Body.Bytes(), &snap); errDecode != nil {
		t.Fatalf("decode: %v", errDecode)
	}
	if snap.Summary.Checked != 1 || snap.Summary.Allowed != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap.Summary)
	}
}

func TestGrantsEndpointWithoutAuditStore(t *testing.T) {
	r, _ := newAPIRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/ratelimit/grants", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("grants must answer 200 without audit storage, got %d", w.Code)
	}
}
