package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func setupStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedUser(t *testing.T, s *SQLiteStore, orgID string) *User {
	t.Helper()
	ctx := context.Background()
	if orgID != "default" {
		if err := s.CreateOrganization(ctx, &Organization{
			ID: orgID, Name: orgID, Plan: "free", CreatedAt: time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
	}
	user := &User{
		ID:        uuid.New().String(),
		OrgID:     orgID,
		Username:  "user-" + uuid.New().String()[:8] + "@example.com",
		Role:      "user",
		CreatedAt: time.Now(),
	}
	if err := s.CreateUser(ctx, user); err != nil {
		t.Fatal(err)
	}
	return user
}

func TestOrganizationPlanLifecycle(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	orgID := uuid.New().String()
	if err := s.CreateOrganization(ctx, &Organization{
		ID: orgID, Name: "acme", Plan: "free", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	org, err := s.GetOrganization(ctx, orgID)
	if err != nil {
		t.Fatal(err)
	}
	if org == nil || org.Plan != "free" {
		t.Fatalf("unexpected org: %+v", org)
	}

	if err := s.UpdateOrganizationPlan(ctx, orgID, "pro"); err != nil {
		t.Fatal(err)
	}
	org, err = s.GetOrganization(ctx, orgID)
	if err != nil {
		t.Fatal(err)
	}
	if org.Plan != "pro" {
		t.Errorf("expected plan pro, got %q", org.Plan)
	}

	missing, err := s.GetOrganization(ctx, "nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("expected nil for missing organization")
	}
}

func TestUserLookupsAndOnboarding(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	user := seedUser(t, s, "default")
	ext := &User{
		ID:         uuid.New().String(),
		OrgID:      "default",
		ExternalID: "local:other@example.com",
		Username:   "other@example.com",
		Role:       "admin",
		CreatedAt:  time.Now(),
	}
	if err := s.CreateUser(ctx, ext); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetUserByID(ctx, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Username != user.Username {
		t.Fatalf("unexpected user by id: %+v", got)
	}

	got, err = s.GetUserByExternalID(ctx, "local:other@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != ext.ID {
		t.Fatalf("unexpected user by external id: %+v", got)
	}

	got, err = s.GetUser(ctx, "default", ext.Username)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != ext.ID {
		t.Fatalf("unexpected user by org+username: %+v", got)
	}

	// Onboarding sets primary platform and timestamp.
	onboarded := time.Now().UTC().Truncate(time.Second)
	if err := s.SetUserPrimaryPlatform(ctx, user.ID, "zapier", onboarded); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetUserByID(ctx, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PrimaryPlatform != "zapier" {
		t.Errorf("expected primary platform zapier, got %q", got.PrimaryPlatform)
	}
	if got.OnboardedAt == nil {
		t.Error("expected onboarded_at to be set")
	}

	users, err := s.ListUsers(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 {
		t.Errorf("expected 2 users, got %d", len(users))
	}
}

func TestUsageCounters(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	user := seedUser(t, s, "default")

	period := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)

	for want := 1; want <= 3; want++ {
		got, err := s.IncrementUsage(ctx, user.ID, "n8n", period)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("increment %d: got %d", want, got)
		}
	}
	if _, err := s.IncrementUsage(ctx, user.ID, "zapier", period); err != nil {
		t.Fatal(err)
	}

	count, err := s.GetUsageCount(ctx, user.ID, "n8n", period)
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("expected 3, got %d", count)
	}

	// Absent counters read as zero.
	count, err = s.GetUsageCount(ctx, user.ID, "make", period)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("expected 0 for untouched platform, got %d", count)
	}

	counts, err := s.GetUsageCounts(ctx, user.ID, period)
	if err != nil {
		t.Fatal(err)
	}
	if counts["n8n"] != 3 || counts["zapier"] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}

	// A new period starts from zero.
	next := period.AddDate(0, 1, 0)
	count, err = s.GetUsageCount(ctx, user.ID, "n8n", next)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("expected fresh period to be 0, got %d", count)
	}
}

func TestWorkflowLifecycle(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	user := seedUser(t, s, "default")

	wf := &Workflow{
		ID:          uuid.New().String(),
		OrgID:       user.OrgID,
		UserID:      user.ID,
		Platform:    "n8n",
		Name:        "Slack alert",
		Description: "notify slack when a form is submitted",
		Definition:  `{"name":"Slack alert","nodes":[]}`,
		Fallback:    false,
		Model:       "gpt-4o-mini",
		CreatedAt:   time.Now(),
	}
	if err := s.CreateWorkflow(ctx, wf); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Name != wf.Name || got.Definition != wf.Definition {
		t.Fatalf("unexpected workflow: %+v", got)
	}

	old := &Workflow{
		ID:         uuid.New().String(),
		OrgID:      user.OrgID,
		UserID:     user.ID,
		Platform:   "zapier",
		Name:       "old zap",
		Definition: `{}`,
		Fallback:   true,
		CreatedAt:  time.Now().AddDate(0, -6, 0),
	}
	if err := s.CreateWorkflow(ctx, old); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListWorkflowsByUser(ctx, user.ID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 workflows, got %d", len(list))
	}
	// Newest first.
	if list[0].ID != wf.ID {
		t.Errorf("expected newest workflow first, got %s", list[0].ID)
	}

	n, err := s.PurgeOldWorkflows(ctx, time.Now().AddDate(0, -1, 0))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged workflow, got %d", n)
	}

	if err := s.DeleteWorkflow(ctx, wf.ID); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("expected nil after delete")
	}
}

func TestSubscriptionUpsert(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	orgID := uuid.New().String()
	if err := s.CreateOrganization(ctx, &Organization{
		ID: orgID, Name: "acme", Plan: "free", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	sub := &Subscription{
		ID:                   uuid.New().String(),
		OrgID:                orgID,
		StripeCustomerID:     "cus_123",
		StripeSubscriptionID: "sub_123",
		Plan:                 "starter",
		Status:               "active",
		CurrentPeriodEnd:     time.Now().AddDate(0, 1, 0),
		CreatedAt:            time.Now(),
	}
	if err := s.UpsertSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSubscription(ctx, orgID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Plan != "starter" {
		t.Fatalf("unexpected subscription: %+v", got)
	}

	// Upsert on the same org replaces, not duplicates.
	sub.Plan = "pro"
	sub.Status = "past_due"
	if err := s.UpsertSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetSubscription(ctx, orgID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Plan != "pro" || got.Status != "past_due" {
		t.Errorf("upsert did not replace: %+v", got)
	}

	got, err = s.GetSubscriptionByStripeCustomer(ctx, "cus_123")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.OrgID != orgID {
		t.Fatalf("unexpected subscription by customer: %+v", got)
	}

	missing, err := s.GetSubscription(ctx, "no-such-org")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("expected nil for org without subscription")
	}
}

func TestAuditEvents(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	user := seedUser(t, s, "default")

	events := []*AuditEvent{
		{ID: uuid.New().String(), OrgID: "default", Action: "workflow.generated", UserID: user.ID, Platform: "n8n", CreatedAt: time.Now()},
		{ID: uuid.New().String(), OrgID: "default", Action: "generation.denied", UserID: user.ID, Platform: "zapier",
			Detail: json.RawMessage(`{"trigger":"secondary_platform_limit"}`), CreatedAt: time.Now()},
		{ID: uuid.New().String(), OrgID: "default", Action: "workflow.generated", UserID: user.ID, Platform: "zapier", CreatedAt: time.Now().Add(-200 * 24 * time.Hour)},
	}
	for _, ev := range events {
		if err := s.LogAuditEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListAuditEvents(ctx, "default", 50, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}

	filtered, err := s.ListAuditEventsFiltered(ctx, "default", AuditFilter{
		Action: "generation.denied", Limit: 50,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered) != 1 || filtered[0].Action != "generation.denied" {
		t.Fatalf("unexpected filtered events: %+v", filtered)
	}

	filtered, err = s.ListAuditEventsFiltered(ctx, "default", AuditFilter{
		Platform: "zapier", Limit: 50,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered) != 2 {
		t.Fatalf("expected 2 zapier events, got %d", len(filtered))
	}

	n, err := s.PurgeOldAuditEvents(ctx, time.Now().Add(-90*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged event, got %d", n)
	}
}
