package usage

import (
	"fmt"
	"time"

	"github.com/flowforge-ai/flowforge/workflow"
)

// Urgency ranks how aggressively the dashboard should surface an upgrade.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// UpgradePrompt is a scored upgrade offer: which message to show, how loudly,
// and with what discount.
type UpgradePrompt struct {
	Trigger         Trigger `json:"trigger,omitempty"`
	Urgency         Urgency `json:"urgency"`
	Headline        string  `json:"headline"`
	Message         string  `json:"message"`
	RecommendedPlan string  `json:"recommended_plan"`
	DiscountPercent int     `json:"discount_percent,omitempty"`
	DiscountCode    string  `json:"discount_code,omitempty"`
}

// PromptInput carries the signals the scorer works from.
type PromptInput struct {
	Trigger    Trigger
	Platform   workflow.Platform
	AccountAge time.Duration
	Used       int // on the denied platform
	Limit      int // on the denied platform
	TotalUsed  int // across quota-limited platforms
	TotalLimit int
}

const (
	discountGraceDays  = 3  // brand-new accounts get no discount
	discountFullDays   = 14 // established accounts qualify for the deep discount
	standardDiscount   = 20
	deepDiscount       = 30
	standardCode       = "FORGE20"
	deepCode           = "FORGE30"
)

// ScorePrompt selects the upgrade prompt for a user blocked on a platform
// limit. It is pure and deterministic: same inputs, same prompt.
//
// Urgency: hitting the primary-platform limit is always at least high (the
// user's main tool is blocked) and becomes critical when every limited
// platform is exhausted. A secondary-platform limit is medium once aggregate
// consumption reaches 80%, low otherwise.
func ScorePrompt(in PromptInput) *UpgradePrompt {
	exhausted := in.TotalLimit > 0 && in.TotalUsed >= in.TotalLimit

	var urgency Urgency
	switch {
	case in.Trigger == TriggerPrimaryPlatformLimit && exhausted:
		urgency = UrgencyCritical
	case in.Trigger == TriggerPrimaryPlatformLimit:
		urgency = UrgencyHigh
	case aggregateRatio(in) >= 0.8:
		urgency = UrgencyMedium
	default:
		urgency = UrgencyLow
	}

	p := &UpgradePrompt{
		Trigger:         in.Trigger,
		Urgency:         urgency,
		RecommendedPlan: "starter",
	}
	if urgency == UrgencyHigh || urgency == UrgencyCritical {
		p.RecommendedPlan = "pro"
	}

	p.DiscountPercent, p.DiscountCode = discountFor(in.AccountAge, urgency)

	name := in.Platform.DisplayName()
	switch in.Trigger {
	case TriggerPrimaryPlatformLimit:
		p.Headline = fmt.Sprintf("You've hit your %s limit", name)
		p.Message = fmt.Sprintf(
			"You've used all %d free %s generations this month. Upgrade to keep building on your main platform without waiting for the reset.",
			in.Limit, name)
	default:
		p.Headline = fmt.Sprintf("%s limit reached", name)
		p.Message = fmt.Sprintf(
			"You've used all %d free %s generations this month. Upgrade for higher limits across every platform.",
			in.Limit, name)
	}
	return p
}

// ApproachingLimitPrompt is the soft nudge shown before any platform is
// actually blocked.
func ApproachingLimitPrompt(accountAge time.Duration) *UpgradePrompt {
	percent, code := discountFor(accountAge, UrgencyLow)
	return &UpgradePrompt{
		Urgency:         UrgencyLow,
		Headline:        "You're close to your monthly limit",
		Message:         "You've used most of your free generations this month. Upgrade now so your automations don't stall.",
		RecommendedPlan: "starter",
		DiscountPercent: percent,
		DiscountCode:    code,
	}
}

// discountFor picks the discount by account age: nothing inside the initial
// grace window (new signups convert without incentives), the standard code
// afterwards, and the deep code for established accounts being shown a
// high-urgency prompt.
func discountFor(age time.Duration, urgency Urgency) (int, string) {
	days := int(age.Hours() / 24)
	switch {
	case days < discountGraceDays:
		return 0, ""
	case days > discountFullDays && (urgency == UrgencyHigh || urgency == UrgencyCritical):
		return deepDiscount, deepCode
	default:
		return standardDiscount, standardCode
	}
}

func aggregateRatio(in PromptInput) float64 {
	if in.TotalLimit <= 0 {
		return 0
	}
	return float64(in.TotalUsed) / float64(in.TotalLimit)
}
