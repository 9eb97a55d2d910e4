package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flowforge-ai/flowforge/auth"
	"github.com/flowforge-ai/flowforge/billing"
	"github.com/flowforge-ai/flowforge/config"
	"github.com/flowforge-ai/flowforge/generator"
	"github.com/flowforge-ai/flowforge/store"
	"github.com/flowforge-ai/flowforge/usage"
	"github.com/flowforge-ai/flowforge/workflow"
)

// stubGenerator returns a canned definition without calling any model.
type stubGenerator struct {
	fallback bool
	err      error
}

func (g *stubGenerator) Generate(ctx context.Context, platform workflow.Platform, name, description string) (*generator.Result, error) {
	if g.err != nil {
		return nil, g.err
	}
	return &generator.Result{
		Definition:       []byte(fmt.Sprintf(`{"name":%q}`, name)),
		Fallback:         g.fallback,
		Model:            "stub-model",
		PromptTokens:     10,
		CompletionTokens: 20,
	}, nil
}

func setupTestServer(t *testing.T) (*Server, *auth.Service, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:           ":0",
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   1024 * 1024,
		},
		Auth: config.AuthConfig{
			JWTSecret: "test-secret-at-least-32-chars-long",
			JWTExpiry: config.Duration{Duration: 1 * time.Hour},
		},
		RateLimit: config.RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
		},
	}

	authSvc := auth.NewService(s, cfg.Auth)
	engine := usage.NewEngine(s, 0)
	srv := NewServer(s, authSvc, authSvc, engine, &stubGenerator{}, billing.NewDisabled(s), cfg, slog.Default())
	return srv, authSvc, s
}

func parseJSONResponse(t *testing.T, w *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(target); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	return w
}

// signupAndOnboard runs a user through signup and primary-platform selection,
// returning their token.
func signupAndOnboard(t *testing.T, srv *Server, username, platform string) string {
	t.Helper()
	w := doJSON(t, srv, http.MethodPost, "/api/auth/signup", "", map[string]string{
		"org_name": "Test Org",
		"username": username,
		"password": "password12345",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("signup failed: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	parseJSONResponse(t, w, &resp)

	if platform != "" {
		w = doJSON(t, srv, http.MethodPost, "/api/me/onboarding", resp.Token, map[string]string{
			"primary_platform": platform,
		})
		if w.Code != http.StatusOK {
			t.Fatalf("onboarding failed: %d %s", w.Code, w.Body.String())
		}
	}
	return resp.Token
}

// --- Tests ---

func TestHealthz(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %q", resp["status"])
	}
}

func TestReadyz(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/readyz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
}

func TestAuthConfigAdvertisesSignup(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/api/auth/config", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp map[string]any
	parseJSONResponse(t, w, &resp)
	if resp["provider"] != "builtin" {
		t.Errorf("expected builtin provider, got %v", resp["provider"])
	}
	if resp["signup_enabled"] != true {
		t.Error("expected signup to be enabled")
	}
}

func TestSignupLoginAndMe(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	token := signupAndOnboard(t, srv, "founder@test.dev", "")

	w := doJSON(t, srv, http.MethodGet, "/api/me", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", w.Code, w.Body.String())
	}
	var me store.User
	parseJSONResponse(t, w, &me)
	if me.Username != "founder@test.dev" || me.Role != "admin" {
		t.Errorf("unexpected user: %+v", me)
	}
	if me.PrimaryPlatform != "" {
		t.Errorf("expected no primary platform before onboarding, got %q", me.PrimaryPlatform)
	}

	// Login works with the same credentials.
	w = doJSON(t, srv, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "founder@test.dev",
		"password": "password12345",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", w.Code, w.Body.String())
	}
}

func TestSignupValidation(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/auth/signup", "", map[string]string{
		"org_name": "Org",
		"username": "short-pass@test.dev",
		"password": "tiny",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for short password, got %d", w.Code)
	}
}

func TestOnboardingSetsPrimaryPlatform(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	token := signupAndOnboard(t, srv, "user@test.dev", "zapier")

	w := doJSON(t, srv, http.MethodGet, "/api/me", token, nil)
	var me store.User
	parseJSONResponse(t, w, &me)
	if me.PrimaryPlatform != "zapier" {
		t.Errorf("expected zapier, got %q", me.PrimaryPlatform)
	}
	if me.OnboardedAt == nil {
		t.Error("expected onboarded_at to be set")
	}

	// Platform list marks the primary.
	w = doJSON(t, srv, http.MethodGet, "/api/platforms", token, nil)
	var platforms []struct {
		ID      string `json:"id"`
		Primary bool   `json:"primary"`
	}
	parseJSONResponse(t, w, &platforms)
	if len(platforms) != 4 {
		t.Fatalf("expected 4 platforms, got %d", len(platforms))
	}
	for _, p := range platforms {
		if (p.ID == "zapier") != p.Primary {
			t.Errorf("platform %s primary=%v", p.ID, p.Primary)
		}
	}
}

func TestOnboardingRejectsUnknownPlatform(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	token := signupAndOnboard(t, srv, "user2@test.dev", "")

	w := doJSON(t, srv, http.MethodPost, "/api/me/onboarding", token, map[string]string{
		"primary_platform": "salesforce",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGenerateRequiresOnboarding(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	token := signupAndOnboard(t, srv, "lazy@test.dev", "")

	w := doJSON(t, srv, http.MethodPost, "/api/workflows/generate", token, map[string]string{
		"platform":    "n8n",
		"name":        "My flow",
		"description": "do the thing",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 before onboarding, got %d; body: %s", w.Code, w.Body.String())
	}
}

func TestGenerateRequiresAuth(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/workflows/generate", "", map[string]string{
		"platform": "n8n", "name": "x", "description": "y",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestGenerateQuotaFlow(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	token := signupAndOnboard(t, srv, "maker@test.dev", "n8n")

	// Free plan: 3 primary generations per month.
	for i := 0; i < 3; i++ {
		w := doJSON(t, srv, http.MethodPost, "/api/workflows/generate", token, map[string]string{
			"platform":    "n8n",
			"name":        fmt.Sprintf("flow %d", i),
			"description": "notify slack on signup",
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("generation %d: expected 201, got %d; body: %s", i, w.Code, w.Body.String())
		}

		var resp struct {
			Workflow store.Workflow `json:"workflow"`
			Usage    struct {
				Used      int `json:"used"`
				Remaining int `json:"remaining"`
			} `json:"usage"`
		}
		parseJSONResponse(t, w, &resp)
		if resp.Workflow.ID == "" || resp.Workflow.Platform != "n8n" {
			t.Errorf("unexpected workflow: %+v", resp.Workflow)
		}
		if resp.Usage.Used != i+1 {
			t.Errorf("expected used=%d, got %d", i+1, resp.Usage.Used)
		}
	}

	// Fourth request denied with a conversion trigger and prompt.
	w := doJSON(t, srv, http.MethodPost, "/api/workflows/generate", token, map[string]string{
		"platform":    "n8n",
		"name":        "one too many",
		"description": "should be blocked",
	})
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d; body: %s", w.Code, w.Body.String())
	}
	var denial struct {
		Decision usage.Decision `json:"decision"`
	}
	parseJSONResponse(t, w, &denial)
	if denial.Decision.Trigger != usage.TriggerPrimaryPlatformLimit {
		t.Errorf("expected primary trigger, got %q", denial.Decision.Trigger)
	}
	if denial.Decision.Prompt == nil {
		t.Error("expected an upgrade prompt in the denial payload")
	}

	// Secondary platforms have their own quota and still work.
	w = doJSON(t, srv, http.MethodPost, "/api/workflows/generate", token, map[string]string{
		"platform":    "make",
		"name":        "side quest",
		"description": "still allowed",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("secondary platform should be allowed: %d %s", w.Code, w.Body.String())
	}
}

func TestGenerateValidation(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	token := signupAndOnboard(t, srv, "val@test.dev", "n8n")

	tests := []struct {
		name string
		body map[string]string
	}{
		{"missing description", map[string]string{"platform": "n8n", "name": "x"}},
		{"missing platform", map[string]string{"name": "x", "description": "y"}},
		{"unknown platform", map[string]string{"platform": "fax", "name": "x", "description": "y"}},
		{"oversized name", map[string]string{"platform": "n8n", "name": strings.Repeat("a", 201), "description": "y"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, srv, http.MethodPost, "/api/workflows/generate", token, tc.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d; body: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestWorkflowListGetExportDelete(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	token := signupAndOnboard(t, srv, "owner@test.dev", "n8n")

	w := doJSON(t, srv, http.MethodPost, "/api/workflows/generate", token, map[string]string{
		"platform": "n8n", "name": "Export Me", "description": "a flow",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("generate failed: %d %s", w.Code, w.Body.String())
	}
	var created struct {
		Workflow store.Workflow `json:"workflow"`
	}
	parseJSONResponse(t, w, &created)
	id := created.Workflow.ID

	w = doJSON(t, srv, http.MethodGet, "/api/workflows", token, nil)
	var list []store.Workflow
	parseJSONResponse(t, w, &list)
	if len(list) != 1 || list[0].ID != id {
		t.Fatalf("unexpected list: %+v", list)
	}

	w = doJSON(t, srv, http.MethodGet, "/api/workflows/"+id, token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get failed: %d", w.Code)
	}

	w = doJSON(t, srv, http.MethodGet, "/api/workflows/"+id+"/export", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("export failed: %d", w.Code)
	}
	cd := w.Header().Get("Content-Disposition")
	if !strings.Contains(cd, "attachment") || !strings.Contains(cd, "export-me-n8n.json") {
		t.Errorf("unexpected content disposition: %q", cd)
	}
	if !json.Valid(w.Body.Bytes()) {
		t.Error("export body is not valid JSON")
	}

	// Another user cannot touch it.
	otherToken := signupAndOnboard(t, srv, "intruder@test.dev", "n8n")
	w = doJSON(t, srv, http.MethodGet, "/api/workflows/"+id, otherToken, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for foreign workflow, got %d", w.Code)
	}

	w = doJSON(t, srv, http.MethodDelete, "/api/workflows/"+id, token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete failed: %d", w.Code)
	}
	w = doJSON(t, srv, http.MethodGet, "/api/workflows/"+id, token, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", w.Code)
	}
}

func TestUsageEndpoint(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	token := signupAndOnboard(t, srv, "meter@test.dev", "make")

	w := doJSON(t, srv, http.MethodPost, "/api/workflows/generate", token, map[string]string{
		"platform": "make", "name": "a", "description": "b",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("generate failed: %d", w.Code)
	}

	w = doJSON(t, srv, http.MethodGet, "/api/usage", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("usage failed: %d", w.Code)
	}
	var sum usage.Summary
	parseJSONResponse(t, w, &sum)
	if sum.Plan != "free" {
		t.Errorf("expected free plan, got %q", sum.Plan)
	}
	for _, pu := range sum.Platforms {
		if pu.Platform == "make" {
			if !pu.Primary || pu.Used != 1 || pu.Limit != 3 {
				t.Errorf("unexpected make usage: %+v", pu)
			}
		}
	}
}

func TestUsagePromptEmptyWithHeadroom(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	token := signupAndOnboard(t, srv, "calm@test.dev", "n8n")

	w := doJSON(t, srv, http.MethodGet, "/api/usage/prompt", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("prompt failed: %d", w.Code)
	}
	var resp struct {
		Prompt *usage.UpgradePrompt `json:"prompt"`
	}
	parseJSONResponse(t, w, &resp)
	if resp.Prompt != nil {
		t.Errorf("expected no prompt with zero usage, got %+v", resp.Prompt)
	}
}

func TestAdminRoutes(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)

	// Signup users are admins of their own org.
	adminToken := signupAndOnboard(t, srv, "boss@test.dev", "n8n")

	w := doJSON(t, srv, http.MethodGet, "/api/admin/users", adminToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("admin list users failed: %d %s", w.Code, w.Body.String())
	}

	// Plain users are rejected.
	ctx := context.Background()
	if _, err := authSvc.Register(ctx, "grunt", "password12345", "user"); err != nil {
		t.Fatal(err)
	}
	userToken, err := authSvc.Login(ctx, "grunt", "password12345")
	if err != nil {
		t.Fatal(err)
	}
	w = doJSON(t, srv, http.MethodGet, "/api/admin/users", userToken, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-admin, got %d", w.Code)
	}
}

func TestAdminAuditFiltering(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	token := signupAndOnboard(t, srv, "auditor@test.dev", "n8n")

	// One generation leaves an audit trail.
	w := doJSON(t, srv, http.MethodPost, "/api/workflows/generate", token, map[string]string{
		"platform": "n8n", "name": "tracked", "description": "x",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("generate failed: %d", w.Code)
	}

	w = doJSON(t, srv, http.MethodGet, "/api/admin/audit?action=workflow.generated", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("audit list failed: %d", w.Code)
	}
	var events []store.AuditEvent
	parseJSONResponse(t, w, &events)
	if len(events) != 1 || events[0].Action != "workflow.generated" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if events[0].Platform != "n8n" {
		t.Errorf("expected platform on audit event, got %q", events[0].Platform)
	}
}

func TestBillingDisabled(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	token := signupAndOnboard(t, srv, "payer@test.dev", "n8n")

	w := doJSON(t, srv, http.MethodPost, "/api/billing/checkout", token, map[string]string{
		"plan":        "pro",
		"success_url": "https://app.test/ok",
		"cancel_url":  "https://app.test/cancel",
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with billing disabled, got %d; body: %s", w.Code, w.Body.String())
	}

	// Plans are still listed, just not purchasable.
	w = doJSON(t, srv, http.MethodGet, "/api/billing/plans", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("plans failed: %d", w.Code)
	}
	var resp struct {
		Plans []struct {
			ID          string `json:"id"`
			Purchasable bool   `json:"purchasable"`
		} `json:"plans"`
	}
	parseJSONResponse(t, w, &resp)
	if len(resp.Plans) != 4 {
		t.Fatalf("expected 4 plans, got %d", len(resp.Plans))
	}
	for _, p := range resp.Plans {
		if p.Purchasable {
			t.Errorf("plan %s should not be purchasable with billing disabled", p.ID)
		}
	}

	// Subscription endpoint reports the stored plan.
	w = doJSON(t, srv, http.MethodGet, "/api/billing/subscription", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("subscription failed: %d", w.Code)
	}
	var sub map[string]any
	parseJSONResponse(t, w, &sub)
	if sub["plan"] != "free" || sub["status"] != "none" {
		t.Errorf("unexpected subscription payload: %v", sub)
	}
}

func TestCORSPreflights(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/me", nil)
	req.Header.Set("Origin", "https://app.flowforge.dev")
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("expected wildcard CORS origin, got %q", w.Header().Get("Access-Control-Allow-Origin"))
	}
}
