// Package billing handles subscription checkout, the customer portal, and
// Stripe webhook processing. When no Stripe key is configured the service
// runs in disabled mode: billing endpoints return an error and every
// organization stays on its stored plan.
package billing

import (
	"context"
	"errors"
	"net/http"

	"github.com/flowforge-ai/flowforge/store"
)

// ErrDisabled is returned by billing operations when Stripe is not configured.
var ErrDisabled = errors.New("billing not configured")

// Service handles billing operations (checkout, portal, webhooks).
type Service interface {
	HandleWebhook(w http.ResponseWriter, r *http.Request)
	CreateCheckoutSession(ctx context.Context, orgID, plan, successURL, cancelURL string) (string, error)
	CreatePortalSession(ctx context.Context, orgID, returnURL string) (string, error)
	GetSubscription(ctx context.Context, orgID string) (*store.Subscription, error)
	Enabled() bool
}

// Disabled is the no-op service used when Stripe is not configured.
type Disabled struct {
	store store.Store
}

// NewDisabled returns a billing service that rejects checkout and portal
// requests but still reads stored subscriptions.
func NewDisabled(s store.Store) *Disabled {
	return &Disabled{store: s}
}

func (d *Disabled) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "billing not configured", http.StatusServiceUnavailable)
}

func (d *Disabled) CreateCheckoutSession(ctx context.Context, orgID, plan, successURL, cancelURL string) (string, error) {
	return "", ErrDisabled
}

func (d *Disabled) CreatePortalSession(ctx context.Context, orgID, returnURL string) (string, error) {
	return "", ErrDisabled
}

func (d *Disabled) GetSubscription(ctx context.Context, orgID string) (*store.Subscription, error) {
	return d.store.GetSubscription(ctx, orgID)
}

func (d *Disabled) Enabled() bool { return false }
