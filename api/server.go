// Package api provides the HTTP API and middleware for the service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowforge-ai/flowforge/auth"
	"github.com/flowforge-ai/flowforge/billing"
	"github.com/flowforge-ai/flowforge/config"
	"github.com/flowforge-ai/flowforge/generator"
	"github.com/flowforge-ai/flowforge/metrics"
	"github.com/flowforge-ai/flowforge/store"
	"github.com/flowforge-ai/flowforge/usage"
	"github.com/flowforge-ai/flowforge/workflow"
)

var validateReq = validator.New(validator.WithRequiredStructEnabled())

// Server is the HTTP API server.
type Server struct {
	store            store.Store
	authProvider     auth.Provider
	loginProvider    auth.LoginProvider // nil when auth is external
	engine           *usage.Engine
	generator        generator.Generator
	billing          billing.Service
	events           *eventHub
	logger           *slog.Logger
	mux              *chi.Mux
	startTime        time.Time
	maxBodyBytes     int64
	authProviderName string
	disableSignup    bool
	billingCfg       config.BillingConfig
	trialDays        int
	loginRL          *rateLimiter
	rl               *rateLimiter
}

// NewServer creates a new API server.
func NewServer(s store.Store, ap auth.Provider, lp auth.LoginProvider, eng *usage.Engine, gen generator.Generator, bil billing.Service, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:            s,
		authProvider:     ap,
		loginProvider:    lp,
		engine:           eng,
		generator:        gen,
		billing:          bil,
		events:           newEventHub(),
		logger:           logger.With("component", "api"),
		startTime:        time.Now(),
		maxBodyBytes:     cfg.Server.MaxBodyBytes,
		authProviderName: ap.Name(),
		disableSignup:    cfg.Auth.DisableSignup,
		billingCfg:       cfg.Billing,
		trialDays:        cfg.Usage.TrialDays,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health and metrics (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	// Auth config endpoint (unauthenticated)
	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Login and signup only exist with builtin auth.
	if lp != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(ipRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)
		if !srv.disableSignup {
			mux.With(ipRateLimitMiddleware(srv.loginRL)).Post("/api/auth/signup", srv.handleSignup)
		}
	}

	// WebSocket event stream (auth handled inside)
	mux.Get("/ws/events", srv.handleEventsWS)

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		// Auto-provision users when using external auth.
		if srv.authProviderName == "oidc" {
			r.Use(srv.ensureUserMiddleware)
		}
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)
		r.Post("/api/me/onboarding", srv.handleOnboarding)
		r.Get("/api/platforms", srv.handleListPlatforms)

		r.Post("/api/workflows/generate", srv.handleGenerate)
		r.Get("/api/workflows", srv.handleListWorkflows)
		r.Get("/api/workflows/{workflowID}", srv.handleGetWorkflow)
		r.Delete("/api/workflows/{workflowID}", srv.handleDeleteWorkflow)
		r.Get("/api/workflows/{workflowID}/export", srv.handleExportWorkflow)

		r.Get("/api/usage", srv.handleUsage)
		r.Get("/api/usage/prompt", srv.handleUsagePrompt)

		r.Group(func(admin chi.Router) {
			admin.Use(srv.requireAdmin)
			admin.Get("/api/admin/users", srv.handleAdminListUsers)
			admin.Get("/api/admin/audit", srv.handleAdminListAuditEvents)
		})
	})

	// Billing routes
	mux.Post("/api/billing/webhook", bil.HandleWebhook) // public, signature-verified
	mux.Get("/api/billing/plans", srv.handleGetPlans)   // public, no auth needed
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		if srv.authProviderName == "oidc" {
			r.Use(srv.ensureUserMiddleware)
		}
		r.Post("/api/billing/checkout", srv.handleCreateCheckout)
		r.Post("/api/billing/portal", srv.handleCreatePortal)
		r.Get("/api/billing/subscription", srv.handleGetSubscription)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// userForIdentity resolves the store user behind an identity. Builtin
// identities carry the internal user ID; external identities carry the
// provider subject.
func (s *Server) userForIdentity(ctx context.Context, identity *auth.Identity) (*store.User, error) {
	if identity == nil {
		return nil, errors.New("no identity")
	}
	user, err := s.store.GetUserByID(ctx, identity.UserID)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}
	return s.store.GetUserByExternalID(ctx, identity.UserID)
}

func (s *Server) audit(ctx context.Context, event *store.AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	if err := s.store.LogAuditEvent(ctx, event); err != nil {
		s.logger.Warn("failed to log audit event", "action", event.Action, "error", err)
	}
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"provider":       s.authProviderName,
		"signup_enabled": s.loginProvider != nil && !s.disableSignup,
	})
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		OrgName  string `json:"org_name" validate:"required,min=2,max=100"`
		Username string `json:"username" validate:"required,min=3,max=64"`
		Password string `json:"password" validate:"required,min=8,max=128"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateReq.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	user, token, err := s.loginProvider.Signup(r.Context(), req.OrgName, req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	s.audit(r.Context(), &store.AuditEvent{
		OrgID: user.OrgID, Action: "user.signup", UserID: user.ID,
		Detail: json.RawMessage(fmt.Sprintf(`{"org_name":%q}`, req.OrgName)),
	})

	user.PasswordHash = ""
	writeJSON(w, http.StatusCreated, map[string]any{"token": token, "user": user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.audit(r.Context(), &store.AuditEvent{
			OrgID: "default", Action: "login.failed",
			Detail: json.RawMessage(fmt.Sprintf(`{"username":%q}`, req.Username)),
		})
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	user, _ := s.store.GetUserByExternalID(r.Context(), "local:"+req.Username)
	orgID, userID := "default", ""
	if user != nil {
		orgID, userID = user.OrgID, user.ID
	}
	s.audit(r.Context(), &store.AuditEvent{OrgID: orgID, Action: "login.success", UserID: userID})

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// --- User handlers ---

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.userForIdentity(r.Context(), getIdentityFromContext(r.Context()))
	if err != nil || user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleOnboarding(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		PrimaryPlatform string `json:"primary_platform" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateReq.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	platform, err := workflow.ParsePlatform(req.PrimaryPlatform)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := s.userForIdentity(r.Context(), getIdentityFromContext(r.Context()))
	if err != nil || user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	now := time.Now().UTC()
	if err := s.store.SetUserPrimaryPlatform(r.Context(), user.ID, string(platform), now); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save primary platform")
		return
	}

	s.audit(r.Context(), &store.AuditEvent{
		OrgID: user.OrgID, Action: "user.onboarded", UserID: user.ID, Platform: string(platform),
	})

	user.PrimaryPlatform = string(platform)
	user.OnboardedAt = &now
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleListPlatforms(w http.ResponseWriter, r *http.Request) {
	user, _ := s.userForIdentity(r.Context(), getIdentityFromContext(r.Context()))

	type platformInfo struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
		Primary     bool   `json:"primary"`
	}
	result := make([]platformInfo, 0, len(workflow.Platforms))
	for _, p := range workflow.Platforms {
		result = append(result, platformInfo{
			ID:          string(p),
			DisplayName: p.DisplayName(),
			Primary:     user != nil && user.PrimaryPlatform == string(p),
		})
	}
	writeJSON(w, http.StatusOK, result)
}

// --- Workflow handlers ---

type generateRequest struct {
	Platform    string `json:"platform" validate:"required"`
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description" validate:"required,max=4000"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateReq.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	platform, err := workflow.ParsePlatform(req.Platform)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	user, err := s.userForIdentity(ctx, getIdentityFromContext(ctx))
	if err != nil || user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if user.PrimaryPlatform == "" {
		writeError(w, http.StatusConflict, usage.ErrNotOnboarded.Error())
		return
	}

	if err := s.engine.CheckTrialExpiry(ctx, user.OrgID); err != nil {
		writeError(w, http.StatusPaymentRequired, err.Error())
		return
	}

	dec, err := s.engine.CheckGeneration(ctx, user, platform)
	if err != nil {
		if !errors.Is(err, usage.ErrQuotaExceeded) {
			writeError(w, http.StatusInternalServerError, "failed to check quota")
			return
		}
		metrics.GenerationDenialsTotal.WithLabelValues(string(dec.Trigger)).Inc()
		if dec.Prompt != nil {
			metrics.UpgradePromptsTotal.WithLabelValues(string(dec.Prompt.Urgency)).Inc()
		}
		s.audit(ctx, &store.AuditEvent{
			OrgID: user.OrgID, Action: "generation.denied", UserID: user.ID, Platform: string(platform),
			Detail: json.RawMessage(fmt.Sprintf(`{"trigger":%q}`, dec.Trigger)),
		})
		s.events.Publish(user.ID, Event{
			Type: "generation.denied", Platform: string(platform),
			Used: dec.Used, Trigger: string(dec.Trigger), Time: time.Now().UTC(),
		})
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":    usage.ErrQuotaExceeded.Error(),
			"decision": dec,
		})
		return
	}

	res, err := s.generator.Generate(ctx, platform, req.Name, req.Description)
	if err != nil {
		metrics.GenerationsTotal.WithLabelValues(string(platform), "error").Inc()
		s.logger.Error("generation failed", "platform", platform, "error", err)
		writeError(w, http.StatusBadGateway, "workflow generation failed")
		return
	}
	outcome := "generated"
	if res.Fallback {
		outcome = "fallback"
	}
	metrics.GenerationsTotal.WithLabelValues(string(platform), outcome).Inc()

	wf := &store.Workflow{
		ID:               uuid.New().String(),
		OrgID:            user.OrgID,
		UserID:           user.ID,
		Platform:         string(platform),
		Name:             req.Name,
		Description:      req.Description,
		Definition:       string(res.Definition),
		Fallback:         res.Fallback,
		Model:            res.Model,
		PromptTokens:     res.PromptTokens,
		CompletionTokens: res.CompletionTokens,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save workflow")
		return
	}

	used, err := s.engine.Record(ctx, user.ID, platform)
	if err != nil {
		s.logger.Error("failed to record usage", "user", user.ID, "platform", platform, "error", err)
		used = dec.Used + 1
	}
	remaining := 0
	if !dec.Unlimited {
		remaining = max(0, dec.Limit-used)
	}

	s.audit(ctx, &store.AuditEvent{
		OrgID: user.OrgID, Action: "workflow.generated", UserID: user.ID,
		WorkflowID: wf.ID, Platform: string(platform),
		Detail: json.RawMessage(fmt.Sprintf(`{"fallback":%t,"used":%d}`, res.Fallback, used)),
	})
	s.events.Publish(user.ID, Event{
		Type: "workflow.generated", Platform: string(platform), WorkflowID: wf.ID,
		Used: used, Remaining: remaining, Time: time.Now().UTC(),
	})

	writeJSON(w, http.StatusCreated, map[string]any{
		"workflow": wf,
		"usage": map[string]any{
			"platform":  string(platform),
			"used":      used,
			"limit":     dec.Limit,
			"remaining": remaining,
			"unlimited": dec.Unlimited,
		},
	})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	user, err := s.userForIdentity(r.Context(), getIdentityFromContext(r.Context()))
	if err != nil || user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	limit, offset := paginationParams(r, 50, 200)
	workflows, err := s.store.ListWorkflowsByUser(r.Context(), user.ID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list workflows")
		return
	}
	if workflows == nil {
		workflows = []store.Workflow{}
	}
	writeJSON(w, http.StatusOK, workflows)
}

// ownedWorkflow loads a workflow and verifies the requester owns it.
func (s *Server) ownedWorkflow(w http.ResponseWriter, r *http.Request) (*store.Workflow, *store.User) {
	user, err := s.userForIdentity(r.Context(), getIdentityFromContext(r.Context()))
	if err != nil || user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return nil, nil
	}
	wf, err := s.store.GetWorkflow(r.Context(), chi.URLParam(r, "workflowID"))
	if err != nil || wf == nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return nil, nil
	}
	if wf.UserID != user.ID && !(user.Role == "admin" && wf.OrgID == user.OrgID) {
		writeError(w, http.StatusForbidden, "access denied")
		return nil, nil
	}
	return wf, user
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, _ := s.ownedWorkflow(w, r)
	if wf == nil {
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, user := s.ownedWorkflow(w, r)
	if wf == nil {
		return
	}
	if err := s.store.DeleteWorkflow(r.Context(), wf.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete workflow")
		return
	}
	s.audit(r.Context(), &store.AuditEvent{
		OrgID: user.OrgID, Action: "workflow.deleted", UserID: user.ID,
		WorkflowID: wf.ID, Platform: wf.Platform,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func (s *Server) handleExportWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, user := s.ownedWorkflow(w, r)
	if wf == nil {
		return
	}

	name := unsafeFilenameChars.ReplaceAllString(strings.ToLower(wf.Name), "-")
	name = strings.Trim(name, "-")
	if name == "" {
		name = wf.ID
	}
	filename := fmt.Sprintf("%s-%s.json", name, wf.Platform)

	s.audit(r.Context(), &store.AuditEvent{
		OrgID: user.OrgID, Action: "workflow.exported", UserID: user.ID,
		WorkflowID: wf.ID, Platform: wf.Platform,
	})

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(wf.Definition))
}

// --- Usage handlers ---

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	user, err := s.userForIdentity(r.Context(), getIdentityFromContext(r.Context()))
	if err != nil || user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	summary, err := s.engine.Summary(r.Context(), user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute usage")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleUsagePrompt(w http.ResponseWriter, r *http.Request) {
	user, err := s.userForIdentity(r.Context(), getIdentityFromContext(r.Context()))
	if err != nil || user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	prompt, err := s.engine.CurrentPrompt(r.Context(), user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute prompt")
		return
	}
	if prompt != nil {
		metrics.UpgradePromptsTotal.WithLabelValues(string(prompt.Urgency)).Inc()
	}
	writeJSON(w, http.StatusOK, map[string]any{"prompt": prompt})
}

// --- Admin handlers ---

func (s *Server) handleAdminListUsers(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	users, err := s.store.ListUsers(r.Context(), identity.OrgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	if users == nil {
		users = []store.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleAdminListAuditEvents(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	limit, offset := paginationParams(r, 50, 500)

	action := r.URL.Query().Get("action")
	userID := r.URL.Query().Get("user_id")
	platform := r.URL.Query().Get("platform")

	var events []store.AuditEvent
	var err error
	if action != "" || userID != "" || platform != "" {
		events, err = s.store.ListAuditEventsFiltered(r.Context(), identity.OrgID, store.AuditFilter{
			Action:   action,
			UserID:   userID,
			Platform: platform,
			Limit:    limit,
			Offset:   offset,
		})
	} else {
		events, err = s.store.ListAuditEvents(r.Context(), identity.OrgID, limit, offset)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Billing handlers ---

func (s *Server) handleGetPlans(w http.ResponseWriter, r *http.Request) {
	type plan struct {
		ID                string `json:"id"`
		PrimaryPerMonth   int    `json:"primary_per_month"`   // 0 = unlimited
		SecondaryPerMonth int    `json:"secondary_per_month"` // 0 = unlimited
		Purchasable       bool   `json:"purchasable"`
	}
	prices := map[string]string{
		"starter":  s.billingCfg.StripePriceStarter,
		"pro":      s.billingCfg.StripePricePro,
		"business": s.billingCfg.StripePriceBusiness,
	}
	plans := make([]plan, 0, 4)
	for _, id := range []string{"free", "starter", "pro", "business"} {
		limits := usage.GetLimits(id)
		plans = append(plans, plan{
			ID:                id,
			PrimaryPerMonth:   limits.PrimaryPerMonth,
			SecondaryPerMonth: limits.SecondaryPerMonth,
			Purchasable:       s.billing.Enabled() && prices[id] != "",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": plans})
}

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		Plan       string `json:"plan" validate:"required,oneof=starter pro business"`
		SuccessURL string `json:"success_url" validate:"required,url"`
		CancelURL  string `json:"cancel_url" validate:"required,url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateReq.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	checkoutURL, err := s.billing.CreateCheckoutSession(r.Context(), identity.OrgID, req.Plan, req.SuccessURL, req.CancelURL)
	if err != nil {
		if errors.Is(err, billing.ErrDisabled) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.logger.Warn("create checkout session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create checkout session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": checkoutURL})
}

func (s *Server) handleCreatePortal(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		ReturnURL string `json:"return_url" validate:"required,url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateReq.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	portalURL, err := s.billing.CreatePortalSession(r.Context(), identity.OrgID, req.ReturnURL)
	if err != nil {
		if errors.Is(err, billing.ErrDisabled) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.logger.Warn("create portal session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create portal session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": portalURL})
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	sub, err := s.billing.GetSubscription(r.Context(), identity.OrgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get subscription")
		return
	}

	org, _ := s.store.GetOrganization(r.Context(), identity.OrgID)
	plan := "free"
	if org != nil && org.Plan != "" {
		plan = org.Plan
	}

	resp := map[string]any{
		"org_id": identity.OrgID,
		"plan":   plan,
		"status": "none",
	}
	if sub != nil {
		resp["plan"] = sub.Plan
		resp["status"] = sub.Status
		if !sub.CurrentPeriodEnd.IsZero() {
			resp["current_period_end"] = sub.CurrentPeriodEnd
		}
	}
	if plan == "free" && s.trialDays > 0 && org != nil {
		resp["trial_ends_at"] = org.CreatedAt.AddDate(0, 0, s.trialDays)
	}

	writeJSON(w, http.StatusOK, resp)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func paginationParams(r *http.Request, def, maxLimit int) (limit, offset int) {
	limit = def
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// validationMessage turns the first field error into a readable message.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Sprintf("%s failed %s validation", strings.ToLower(fe.Field()), fe.Tag())
	}
	return "invalid request"
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
