// Package usage implements the usage-limit and conversion-trigger engine:
// per-platform generation quotas, admission decisions, and upgrade-prompt
// scoring from usage counters and account age.
package usage

// PlanLimits defines the monthly generation quotas for a plan tier.
// The primary platform (chosen at onboarding) gets its own, deliberately
// lower quota on the free tier. 0 = unlimited.
type PlanLimits struct {
	PrimaryPerMonth   int // generations per month on the user's primary platform
	SecondaryPerMonth int // generations per month on each other platform
}

// Plans maps plan names to their limits.
var Plans = map[string]PlanLimits{
	"free":     {PrimaryPerMonth: 3, SecondaryPerMonth: 5},
	"starter":  {PrimaryPerMonth: 25, SecondaryPerMonth: 25},
	"pro":      {PrimaryPerMonth: 100, SecondaryPerMonth: 100},
	"business": {}, // unlimited
}

// GetLimits returns the limits for a plan, defaulting to free (most
// restrictive) if unknown.
func GetLimits(plan string) PlanLimits {
	if l, ok := Plans[plan]; ok {
		return l
	}
	return Plans["free"]
}

// LimitFor returns the monthly quota for one platform given whether it is the
// user's primary platform. 0 = unlimited.
func (l PlanLimits) LimitFor(primary bool) int {
	if primary {
		return l.PrimaryPerMonth
	}
	return l.SecondaryPerMonth
}
