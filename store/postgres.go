package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS organizations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			plan TEXT NOT NULL DEFAULT 'free',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`INSERT INTO organizations (id, name) VALUES ('default', 'Default')
		 ON CONFLICT(id) DO NOTHING`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL DEFAULT 'default' REFERENCES organizations(id),
			external_id TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL,
			password_hash TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'user',
			primary_platform TEXT NOT NULL DEFAULT '',
			onboarded_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(org_id, username)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_external_id ON users(external_id)`,
		`CREATE TABLE IF NOT EXISTS usage_counters (
			user_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			period_start TIMESTAMPTZ NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, platform, period_start)
		)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL DEFAULT 'default',
			user_id TEXT NOT NULL REFERENCES users(id),
			platform TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			definition TEXT NOT NULL DEFAULT '{}',
			fallback BOOLEAN NOT NULL DEFAULT FALSE,
			model TEXT NOT NULL DEFAULT '',
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_user_id ON workflows(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_created_at ON workflows(created_at)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL UNIQUE REFERENCES organizations(id),
			stripe_customer_id TEXT NOT NULL DEFAULT '',
			stripe_subscription_id TEXT NOT NULL DEFAULT '',
			plan TEXT NOT NULL DEFAULT 'free',
			status TEXT NOT NULL DEFAULT 'active',
			current_period_end TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_stripe_customer ON subscriptions(stripe_customer_id)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL DEFAULT 'default',
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			workflow_id TEXT NOT NULL DEFAULT '',
			platform TEXT NOT NULL DEFAULT '',
			detail JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_org_id ON audit_events(org_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Organizations ---

func (s *PostgresStore) CreateOrganization(ctx context.Context, org *Organization) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO organizations (id, name, plan, created_at) VALUES ($1, $2, $3, $4)",
		org.ID, org.Name, org.Plan, org.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	var org Organization
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, plan, created_at FROM organizations WHERE id = $1", id,
	).Scan(&org.ID, &org.Name, &org.Plan, &org.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &org, err
}

func (s *PostgresStore) UpdateOrganizationPlan(ctx context.Context, id, plan string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE organizations SET plan = $1 WHERE id = $2", plan, id,
	)
	return err
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, org_id, external_id, username, password_hash, role, primary_platform, onboarded_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		user.ID, user.OrgID, user.ExternalID, user.Username, user.PasswordHash, user.Role,
		user.PrimaryPlatform, user.OnboardedAt, user.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, orgID, username string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE org_id = $1 AND username = $2", orgID, username))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1", id))
}

func (s *PostgresStore) GetUserByExternalID(ctx context.Context, externalID string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE external_id = $1", externalID))
}

func (s *PostgresStore) ListUsers(ctx context.Context, orgID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, external_id, username, role, primary_platform, onboarded_at, created_at
		 FROM users WHERE org_id = $1 ORDER BY created_at`, orgID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.OrgID, &u.ExternalID, &u.Username, &u.Role,
			&u.PrimaryPlatform, &u.OnboardedAt, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) SetUserPrimaryPlatform(ctx context.Context, id, platform string, onboardedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET primary_platform = $1, onboarded_at = $2 WHERE id = $3",
		platform, onboardedAt, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("user not found: %s", id)
	}
	return nil
}

// --- Usage counters ---

func (s *PostgresStore) IncrementUsage(ctx context.Context, userID, platform string, periodStart time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO usage_counters (user_id, platform, period_start, count) VALUES ($1, $2, $3, 1)
		 ON CONFLICT (user_id, platform, period_start) DO UPDATE SET count = usage_counters.count + 1
		 RETURNING count`,
		userID, platform, periodStart,
	).Scan(&count)
	return count, err
}

func (s *PostgresStore) GetUsageCount(ctx context.Context, userID, platform string, periodStart time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT count FROM usage_counters WHERE user_id = $1 AND platform = $2 AND period_start = $3",
		userID, platform, periodStart,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return count, err
}

func (s *PostgresStore) GetUsageCounts(ctx context.Context, userID string, periodStart time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT platform, count FROM usage_counters WHERE user_id = $1 AND period_start = $2",
		userID, periodStart,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var platform string
		var count int
		if err := rows.Scan(&platform, &count); err != nil {
			return nil, err
		}
		counts[platform] = count
	}
	return counts, rows.Err()
}

// --- Workflows ---

func (s *PostgresStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, org_id, user_id, platform, name, description, definition, fallback, model, prompt_tokens, completion_tokens, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		wf.ID, wf.OrgID, wf.UserID, wf.Platform, wf.Name, wf.Description, wf.Definition,
		wf.Fallback, wf.Model, wf.PromptTokens, wf.CompletionTokens, wf.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	err := s.db.QueryRowContext(ctx,
		"SELECT "+workflowColumns+" FROM workflows WHERE id = $1", id,
	).Scan(&wf.ID, &wf.OrgID, &wf.UserID, &wf.Platform, &wf.Name, &wf.Description, &wf.Definition,
		&wf.Fallback, &wf.Model, &wf.PromptTokens, &wf.CompletionTokens, &wf.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &wf, err
}

func (s *PostgresStore) ListWorkflowsByUser(ctx context.Context, userID string, limit, offset int) ([]Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+workflowColumns+" FROM workflows WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3",
		userID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var workflows []Workflow
	for rows.Next() {
		var wf Workflow
		if err := rows.Scan(&wf.ID, &wf.OrgID, &wf.UserID, &wf.Platform, &wf.Name, &wf.Description, &wf.Definition,
			&wf.Fallback, &wf.Model, &wf.PromptTokens, &wf.CompletionTokens, &wf.CreatedAt); err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *PostgresStore) DeleteWorkflow(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM workflows WHERE id = $1", id)
	return err
}

func (s *PostgresStore) PurgeOldWorkflows(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM workflows WHERE created_at < $1", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Subscriptions ---

func (s *PostgresStore) GetSubscription(ctx context.Context, orgID string) (*Subscription, error) {
	return s.getSubscription(ctx,
		`SELECT id, org_id, stripe_customer_id, stripe_subscription_id, plan, status, current_period_end, created_at
		 FROM subscriptions WHERE org_id = $1`, orgID)
}

func (s *PostgresStore) GetSubscriptionByStripeCustomer(ctx context.Context, customerID string) (*Subscription, error) {
	return s.getSubscription(ctx,
		`SELECT id, org_id, stripe_customer_id, stripe_subscription_id, plan, status, current_period_end, created_at
		 FROM subscriptions WHERE stripe_customer_id = $1`, customerID)
}

func (s *PostgresStore) getSubscription(ctx context.Context, query, arg string) (*Subscription, error) {
	var sub Subscription
	var periodEnd sql.NullTime
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&sub.ID, &sub.OrgID, &sub.StripeCustomerID, &sub.StripeSubscriptionID,
		&sub.Plan, &sub.Status, &periodEnd, &sub.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if periodEnd.Valid {
		sub.CurrentPeriodEnd = periodEnd.Time
	}
	return &sub, nil
}

func (s *PostgresStore) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, org_id, stripe_customer_id, stripe_subscription_id, plan, status, current_period_end, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (org_id) DO UPDATE SET
			stripe_customer_id=EXCLUDED.stripe_customer_id,
			stripe_subscription_id=EXCLUDED.stripe_subscription_id,
			plan=EXCLUDED.plan,
			status=EXCLUDED.status,
			current_period_end=EXCLUDED.current_period_end`,
		sub.ID, sub.OrgID, sub.StripeCustomerID, sub.StripeSubscriptionID,
		sub.Plan, sub.Status, sub.CurrentPeriodEnd, sub.CreatedAt,
	)
	return err
}

// --- Audit ---

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := "{}"
	if len(event.Detail) > 0 {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, org_id, action, user_id, workflow_id, platform, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.OrgID, event.Action, event.UserID, event.WorkflowID, event.Platform, detail, event.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, orgID string, limit, offset int) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, action, user_id, workflow_id, platform, detail, created_at
		 FROM audit_events WHERE org_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		orgID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAuditEvents(rows)
}

func (s *PostgresStore) ListAuditEventsFiltered(ctx context.Context, orgID string, filter AuditFilter) ([]AuditEvent, error) {
	query := `SELECT id, org_id, action, user_id, workflow_id, platform, detail, created_at
		 FROM audit_events WHERE org_id = $1`
	args := []any{orgID}

	if filter.Action != "" {
		args = append(args, filter.Action)
		query += fmt.Sprintf(" AND action = $%d", len(args))
	}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if filter.Platform != "" {
		args = append(args, filter.Platform)
		query += fmt.Sprintf(" AND platform = $%d", len(args))
	}
	args = append(args, filter.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	args = append(args, filter.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAuditEvents(rows)
}

func (s *PostgresStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE created_at < $1", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
