package usage

import (
	"testing"
	"time"

	"github.com/flowforge-ai/flowforge/workflow"
)

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

func TestScorePromptUrgency(t *testing.T) {
	tests := []struct {
		name        string
		in          PromptInput
		wantUrgency Urgency
		wantPlan    string
	}{
		{
			name: "primary blocked",
			in: PromptInput{
				Trigger: TriggerPrimaryPlatformLimit, Platform: workflow.PlatformN8N,
				AccountAge: days(10), Used: 3, Limit: 3, TotalUsed: 3, TotalLimit: 18,
			},
			wantUrgency: UrgencyHigh,
			wantPlan:    "pro",
		},
		{
			name: "primary blocked and everything exhausted",
			in: PromptInput{
				Trigger: TriggerPrimaryPlatformLimit, Platform: workflow.PlatformN8N,
				AccountAge: days(10), Used: 3, Limit: 3, TotalUsed: 18, TotalLimit: 18,
			},
			wantUrgency: UrgencyCritical,
			wantPlan:    "pro",
		},
		{
			name: "secondary blocked with low aggregate",
			in: PromptInput{
				Trigger: TriggerSecondaryPlatformLimit, Platform: workflow.PlatformZapier,
				AccountAge: days(10), Used: 5, Limit: 5, TotalUsed: 5, TotalLimit: 18,
			},
			wantUrgency: UrgencyLow,
			wantPlan:    "starter",
		},
		{
			name: "secondary blocked with high aggregate",
			in: PromptInput{
				Trigger: TriggerSecondaryPlatformLimit, Platform: workflow.PlatformZapier,
				AccountAge: days(10), Used: 5, Limit: 5, TotalUsed: 15, TotalLimit: 18,
			},
			wantUrgency: UrgencyMedium,
			wantPlan:    "starter",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := ScorePrompt(tc.in)
			if p.Urgency != tc.wantUrgency {
				t.Errorf("urgency: want %q, got %q", tc.wantUrgency, p.Urgency)
			}
			if p.RecommendedPlan != tc.wantPlan {
				t.Errorf("plan: want %q, got %q", tc.wantPlan, p.RecommendedPlan)
			}
			if p.Headline == "" || p.Message == "" {
				t.Error("prompt copy should never be empty")
			}
		})
	}
}

func TestScorePromptDeterministic(t *testing.T) {
	in := PromptInput{
		Trigger: TriggerPrimaryPlatformLimit, Platform: workflow.PlatformMake,
		AccountAge: days(20), Used: 3, Limit: 3, TotalUsed: 10, TotalLimit: 18,
	}
	a, b := ScorePrompt(in), ScorePrompt(in)
	if *a != *b {
		t.Errorf("same input produced different prompts: %+v vs %+v", a, b)
	}
}

func TestDiscountByAccountAge(t *testing.T) {
	tests := []struct {
		name     string
		age      time.Duration
		urgency  Urgency
		wantPct  int
		wantCode string
	}{
		{"brand new account", days(1), UrgencyHigh, 0, ""},
		{"inside standard window", days(7), UrgencyHigh, 20, "FORGE20"},
		{"established, high urgency", days(30), UrgencyHigh, 30, "FORGE30"},
		{"established, critical urgency", days(30), UrgencyCritical, 30, "FORGE30"},
		{"established, low urgency", days(30), UrgencyLow, 20, "FORGE20"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pct, code := discountFor(tc.age, tc.urgency)
			if pct != tc.wantPct || code != tc.wantCode {
				t.Errorf("want %d%%/%q, got %d%%/%q", tc.wantPct, tc.wantCode, pct, code)
			}
		})
	}
}

func TestApproachingLimitPrompt(t *testing.T) {
	p := ApproachingLimitPrompt(days(7))
	if p.Urgency != UrgencyLow {
		t.Errorf("expected low urgency, got %q", p.Urgency)
	}
	if p.Trigger != "" {
		t.Errorf("soft nudge should carry no trigger, got %q", p.Trigger)
	}
	if p.DiscountCode != "FORGE20" {
		t.Errorf("expected standard discount, got %q", p.DiscountCode)
	}
}

func TestGetLimitsUnknownPlanDefaultsToFree(t *testing.T) {
	got := GetLimits("no-such-plan")
	want := Plans["free"]
	if got != want {
		t.Errorf("want %+v, got %+v", want, got)
	}
}
