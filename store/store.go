// Package store defines the storage interface for FlowForge and provides
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence interface for FlowForge.
type Store interface {
	// Organizations
	CreateOrganization(ctx context.Context, org *Organization) error
	GetOrganization(ctx context.Context, id string) (*Organization, error)
	UpdateOrganizationPlan(ctx context.Context, id, plan string) error

	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, orgID, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*User, error)
	ListUsers(ctx context.Context, orgID string) ([]User, error)
	SetUserPrimaryPlatform(ctx context.Context, id, platform string, onboardedAt time.Time) error

	// Usage counters
	IncrementUsage(ctx context.Context, userID, platform string, periodStart time.Time) (int, error)
	GetUsageCount(ctx context.Context, userID, platform string, periodStart time.Time) (int, error)
	GetUsageCounts(ctx context.Context, userID string, periodStart time.Time) (map[string]int, error)

	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflowsByUser(ctx context.Context, userID string, limit, offset int) ([]Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
	PurgeOldWorkflows(ctx context.Context, before time.Time) (int64, error)

	// Subscriptions (billing)
	GetSubscription(ctx context.Context, orgID string) (*Subscription, error)
	UpsertSubscription(ctx context.Context, sub *Subscription) error
	GetSubscriptionByStripeCustomer(ctx context.Context, customerID string) (*Subscription, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, orgID string, limit, offset int) ([]AuditEvent, error)
	ListAuditEventsFiltered(ctx context.Context, orgID string, filter AuditFilter) ([]AuditEvent, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Organization represents a tenant organization.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Plan      string    `json:"plan"`
	CreatedAt time.Time `json:"created_at"`
}

// User represents an account holder.
type User struct {
	ID              string     `json:"id"`
	OrgID           string     `json:"org_id"`
	ExternalID      string     `json:"external_id,omitempty"` // external auth subject or empty
	Username        string     `json:"username"`
	PasswordHash    string     `json:"-"`
	Role            string     `json:"role"` // "admin" or "user"
	PrimaryPlatform string     `json:"primary_platform,omitempty"`
	OnboardedAt     *time.Time `json:"onboarded_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Subscription represents a billing subscription for an organization.
type Subscription struct {
	ID                   string    `json:"id"`
	OrgID                string    `json:"org_id"`
	StripeCustomerID     string    `json:"stripe_customer_id"`
	StripeSubscriptionID string    `json:"stripe_subscription_id"`
	Plan                 string    `json:"plan"`
	Status               string    `json:"status"`
	CurrentPeriodEnd     time.Time `json:"current_period_end"`
	CreatedAt            time.Time `json:"created_at"`
}

// Workflow is a generated, platform-specific workflow definition.
type Workflow struct {
	ID               string    `json:"id"`
	OrgID            string    `json:"org_id"`
	UserID           string    `json:"user_id"`
	Platform         string    `json:"platform"`
	Name             string    `json:"name"`
	Description      string    `json:"description"` // the natural-language prompt
	Definition       string    `json:"definition"`  // JSON-encoded platform document
	Fallback         bool      `json:"fallback"`    // true when the model output was unusable
	Model            string    `json:"model,omitempty"`
	PromptTokens     int       `json:"prompt_tokens,omitempty"`
	CompletionTokens int       `json:"completion_tokens,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID         string          `json:"id"`
	OrgID      string          `json:"org_id"`
	Action     string          `json:"action"`
	UserID     string          `json:"user_id,omitempty"`
	WorkflowID string          `json:"workflow_id,omitempty"`
	Platform   string          `json:"platform,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// AuditFilter specifies criteria for filtering audit events.
type AuditFilter struct {
	Action   string
	UserID   string
	Platform string
	Limit    int
	Offset   int
}
