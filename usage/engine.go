package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowforge-ai/flowforge/store"
	"github.com/flowforge-ai/flowforge/workflow"
)

// Sentinel errors for admission checks.
var (
	ErrQuotaExceeded = errors.New("monthly generation quota exceeded")
	ErrTrialExpired  = errors.New("free trial expired")
	ErrNotOnboarded  = errors.New("primary platform not selected")
)

// Trigger classifies why a generation was denied.
type Trigger string

const (
	TriggerPrimaryPlatformLimit   Trigger = "primary_platform_limit"
	TriggerSecondaryPlatformLimit Trigger = "secondary_platform_limit"
)

// Decision is the outcome of an admission check for one generation request.
type Decision struct {
	Allowed   bool           `json:"allowed"`
	Platform  string         `json:"platform"`
	Used      int            `json:"used"`
	Limit     int            `json:"limit"` // 0 = unlimited
	Remaining int            `json:"remaining"`
	Unlimited bool           `json:"unlimited"`
	Trigger   Trigger        `json:"trigger,omitempty"` // set when denied
	Prompt    *UpgradePrompt `json:"upgrade_prompt,omitempty"`
}

// PlatformUsage is the per-platform slice of a usage summary.
type PlatformUsage struct {
	Platform  string `json:"platform"`
	Primary   bool   `json:"primary"`
	Used      int    `json:"used"`
	Limit     int    `json:"limit"` // 0 = unlimited
	Remaining int    `json:"remaining"`
	Unlimited bool   `json:"unlimited"`
}

// Summary reports a user's quota consumption for the current period.
type Summary struct {
	Plan        string          `json:"plan"`
	PeriodStart time.Time       `json:"period_start"`
	PeriodEnd   time.Time       `json:"period_end"`
	Platforms   []PlatformUsage `json:"platforms"`
}

// Engine computes quotas and admission decisions. It is stateless arithmetic
// over store counters; safe for concurrent use.
type Engine struct {
	store     store.Store
	trialDays int              // 0 = free plan is capped but perpetual
	now       func() time.Time // overridable for tests
}

// NewEngine creates a usage engine.
func NewEngine(s store.Store, trialDays int) *Engine {
	return &Engine{store: s, trialDays: trialDays, now: time.Now}
}

// PeriodStart returns the start of the usage period containing t: the first
// instant of its calendar month in UTC.
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// PeriodEnd returns the first instant of the following period.
func PeriodEnd(t time.Time) time.Time {
	return PeriodStart(t).AddDate(0, 1, 0)
}

// CheckTrialExpiry returns ErrTrialExpired for free-plan orgs older than the
// configured trial window. A zero trial window disables the check.
func (e *Engine) CheckTrialExpiry(ctx context.Context, orgID string) error {
	if e.trialDays <= 0 {
		return nil
	}
	org, err := e.store.GetOrganization(ctx, orgID)
	if err != nil {
		return fmt.Errorf("get organization: %w", err)
	}
	if org == nil || org.Plan != "free" {
		return nil
	}
	if e.now().After(org.CreatedAt.AddDate(0, 0, e.trialDays)) {
		return ErrTrialExpired
	}
	return nil
}

// Summary computes the user's per-platform quota consumption for the current
// period.
func (e *Engine) Summary(ctx context.Context, user *store.User) (*Summary, error) {
	plan, err := e.planFor(ctx, user.OrgID)
	if err != nil {
		return nil, err
	}
	limits := GetLimits(plan)

	now := e.now()
	periodStart := PeriodStart(now)
	counts, err := e.store.GetUsageCounts(ctx, user.ID, periodStart)
	if err != nil {
		return nil, fmt.Errorf("get usage counts: %w", err)
	}

	summary := &Summary{
		Plan:        plan,
		PeriodStart: periodStart,
		PeriodEnd:   PeriodEnd(now),
	}
	for _, p := range workflow.Platforms {
		primary := string(p) == user.PrimaryPlatform
		limit := limits.LimitFor(primary)
		used := counts[string(p)]
		pu := PlatformUsage{
			Platform:  string(p),
			Primary:   primary,
			Used:      used,
			Limit:     limit,
			Unlimited: limit == 0,
		}
		if !pu.Unlimited {
			pu.Remaining = max(0, limit-used)
		}
		summary.Platforms = append(summary.Platforms, pu)
	}
	return summary, nil
}

// CheckGeneration decides whether the user may generate a workflow for the
// given platform right now. A denied decision carries the conversion trigger
// and a scored upgrade prompt; the returned error is ErrQuotaExceeded.
func (e *Engine) CheckGeneration(ctx context.Context, user *store.User, platform workflow.Platform) (*Decision, error) {
	summary, err := e.Summary(ctx, user)
	if err != nil {
		return nil, err
	}

	var pu *PlatformUsage
	for i := range summary.Platforms {
		if summary.Platforms[i].Platform == string(platform) {
			pu = &summary.Platforms[i]
			break
		}
	}
	if pu == nil {
		return nil, fmt.Errorf("unknown platform: %q", platform)
	}

	dec := &Decision{
		Platform:  pu.Platform,
		Used:      pu.Used,
		Limit:     pu.Limit,
		Remaining: pu.Remaining,
		Unlimited: pu.Unlimited,
	}

	if pu.Unlimited || pu.Used < pu.Limit {
		dec.Allowed = true
		return dec, nil
	}

	dec.Trigger = TriggerSecondaryPlatformLimit
	if pu.Primary {
		dec.Trigger = TriggerPrimaryPlatformLimit
	}
	dec.Prompt = ScorePrompt(PromptInput{
		Trigger:    dec.Trigger,
		Platform:   platform,
		AccountAge: e.now().Sub(user.CreatedAt),
		Used:       pu.Used,
		Limit:      pu.Limit,
		TotalUsed:  summary.totalUsed(),
		TotalLimit: summary.totalLimit(),
	})
	return dec, ErrQuotaExceeded
}

// Record increments the user's counter for the platform in the current
// period and returns the new count. Call only after a successful generation.
func (e *Engine) Record(ctx context.Context, userID string, platform workflow.Platform) (int, error) {
	return e.store.IncrementUsage(ctx, userID, string(platform), PeriodStart(e.now()))
}

// CurrentPrompt returns the upgrade prompt the dashboard should show right
// now, or nil when the user has comfortable headroom. An exhausted platform
// produces a blocking prompt (primary preferred when several are exhausted);
// aggregate consumption of 80% or more produces an approaching-limit nudge.
func (e *Engine) CurrentPrompt(ctx context.Context, user *store.User) (*UpgradePrompt, error) {
	summary, err := e.Summary(ctx, user)
	if err != nil {
		return nil, err
	}

	var blocked *PlatformUsage
	for i := range summary.Platforms {
		pu := &summary.Platforms[i]
		if pu.Unlimited || pu.Used < pu.Limit {
			continue
		}
		if blocked == nil || (pu.Primary && !blocked.Primary) {
			blocked = pu
		}
	}

	age := e.now().Sub(user.CreatedAt)
	if blocked != nil {
		trigger := TriggerSecondaryPlatformLimit
		if blocked.Primary {
			trigger = TriggerPrimaryPlatformLimit
		}
		return ScorePrompt(PromptInput{
			Trigger:    trigger,
			Platform:   workflow.Platform(blocked.Platform),
			AccountAge: age,
			Used:       blocked.Used,
			Limit:      blocked.Limit,
			TotalUsed:  summary.totalUsed(),
			TotalLimit: summary.totalLimit(),
		}), nil
	}

	if total := summary.totalLimit(); total > 0 {
		if ratio := float64(summary.totalUsed()) / float64(total); ratio >= 0.8 {
			return ApproachingLimitPrompt(age), nil
		}
	}
	return nil, nil
}

func (e *Engine) planFor(ctx context.Context, orgID string) (string, error) {
	org, err := e.store.GetOrganization(ctx, orgID)
	if err != nil {
		return "", fmt.Errorf("get organization: %w", err)
	}
	if org == nil || org.Plan == "" {
		return "free", nil
	}
	return org.Plan, nil
}

// totalUsed sums consumption across quota-limited platforms.
func (s *Summary) totalUsed() int {
	total := 0
	for _, p := range s.Platforms {
		if !p.Unlimited {
			total += min(p.Used, p.Limit)
		}
	}
	return total
}

// totalLimit sums quotas across quota-limited platforms.
func (s *Summary) totalLimit() int {
	total := 0
	for _, p := range s.Platforms {
		total += p.Limit
	}
	return total
}
