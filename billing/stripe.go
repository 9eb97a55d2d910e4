package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"
	portalsession "github.com/stripe/stripe-go/v76/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/flowforge-ai/flowforge/config"
	"github.com/flowforge-ai/flowforge/store"
)

// maxWebhookBody caps webhook payload reads. Stripe events are small.
const maxWebhookBody = 64 * 1024

// StripeService implements Service against the Stripe API.
type StripeService struct {
	store         store.Store
	logger        *slog.Logger
	webhookSecret string
	prices        map[string]string // plan name -> price ID
	plansByPrice  map[string]string // price ID -> plan name
}

// NewStripe creates a Stripe-backed billing service. The global stripe.Key
// is set here; the package-level client is used for API calls.
func NewStripe(s store.Store, cfg config.BillingConfig, logger *slog.Logger) (*StripeService, error) {
	if cfg.StripeSecretKey == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}
	stripe.Key = cfg.StripeSecretKey

	prices := map[string]string{
		"starter":  cfg.StripePriceStarter,
		"pro":      cfg.StripePricePro,
		"business": cfg.StripePriceBusiness,
	}
	plansByPrice := make(map[string]string, len(prices))
	for plan, price := range prices {
		if price != "" {
			plansByPrice[price] = plan
		}
	}

	return &StripeService{
		store:         s,
		logger:        logger.With("component", "billing"),
		webhookSecret: cfg.StripeWebhookSecret,
		prices:        prices,
		plansByPrice:  plansByPrice,
	}, nil
}

func (s *StripeService) Enabled() bool { return true }

// CreateCheckoutSession starts a subscription checkout for the given plan
// and returns the hosted checkout URL.
func (s *StripeService) CreateCheckoutSession(ctx context.Context, orgID, plan, successURL, cancelURL string) (string, error) {
	priceID, ok := s.prices[plan]
	if !ok || priceID == "" {
		return "", fmt.Errorf("no price configured for plan %q", plan)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(priceID), Quantity: stripe.Int64(1)},
		},
		Metadata: map[string]string{
			"org_id": orgID,
			"plan":   plan,
		},
	}
	params.Context = ctx

	// Reuse the existing Stripe customer so upgrades land on the same account.
	if sub, err := s.store.GetSubscription(ctx, orgID); err == nil && sub != nil && sub.StripeCustomerID != "" {
		params.Customer = stripe.String(sub.StripeCustomerID)
	}

	sess, err := checkoutsession.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

// CreatePortalSession opens the Stripe billing portal for an organization
// with an active subscription.
func (s *StripeService) CreatePortalSession(ctx context.Context, orgID, returnURL string) (string, error) {
	sub, err := s.store.GetSubscription(ctx, orgID)
	if err != nil {
		return "", err
	}
	if sub == nil || sub.StripeCustomerID == "" {
		return "", fmt.Errorf("no billing account for organization %s", orgID)
	}

	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(sub.StripeCustomerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	sess, err := portalsession.New(params)
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return sess.URL, nil
}

func (s *StripeService) GetSubscription(ctx context.Context, orgID string) (*store.Subscription, error) {
	return s.store.GetSubscription(ctx, orgID)
}

// HandleWebhook verifies and processes Stripe webhook events. Unhandled
// event types are acknowledged and ignored.
func (s *StripeService) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read payload", http.StatusBadRequest)
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), s.webhookSecret)
	if err != nil {
		s.logger.Warn("webhook signature verification failed", "error", err)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	switch event.Type {
	case "checkout.session.completed":
		err = s.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.updated":
		err = s.handleSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		err = s.handleSubscriptionDeleted(ctx, event)
	default:
		s.logger.Debug("ignoring webhook event", "type", event.Type)
	}
	if err != nil {
		s.logger.Error("webhook processing failed", "type", event.Type, "error", err)
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *StripeService) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return fmt.Errorf("parse checkout session: %w", err)
	}

	orgID := sess.Metadata["org_id"]
	plan := sess.Metadata["plan"]
	if orgID == "" || plan == "" {
		return fmt.Errorf("checkout session %s missing org metadata", sess.ID)
	}

	sub := &store.Subscription{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		Plan:      plan,
		Status:    "active",
		CreatedAt: time.Now().UTC(),
	}
	if sess.Customer != nil {
		sub.StripeCustomerID = sess.Customer.ID
	}
	if sess.Subscription != nil {
		sub.StripeSubscriptionID = sess.Subscription.ID
	}

	if err := s.store.UpsertSubscription(ctx, sub); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	if err := s.store.UpdateOrganizationPlan(ctx, orgID, plan); err != nil {
		return fmt.Errorf("update organization plan: %w", err)
	}

	s.logger.Info("subscription activated", "org_id", orgID, "plan", plan)
	return nil
}

func (s *StripeService) handleSubscriptionUpdated(ctx context.Context, event stripe.Event) error {
	var stripeSub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &stripeSub); err != nil {
		return fmt.Errorf("parse subscription: %w", err)
	}
	if stripeSub.Customer == nil {
		return fmt.Errorf("subscription %s has no customer", stripeSub.ID)
	}

	sub, err := s.store.GetSubscriptionByStripeCustomer(ctx, stripeSub.Customer.ID)
	if err != nil {
		return err
	}
	if sub == nil {
		// Checkout webhook has not arrived yet; the update will be
		// reconciled on the next subscription event.
		s.logger.Warn("subscription update for unknown customer", "customer", stripeSub.Customer.ID)
		return nil
	}

	sub.StripeSubscriptionID = stripeSub.ID
	sub.Status = string(stripeSub.Status)
	sub.CurrentPeriodEnd = time.Unix(stripeSub.CurrentPeriodEnd, 0).UTC()

	plan := sub.Plan
	if items := stripeSub.Items; items != nil && len(items.Data) > 0 && items.Data[0].Price != nil {
		if mapped, ok := s.plansByPrice[items.Data[0].Price.ID]; ok {
			plan = mapped
		}
	}
	sub.Plan = plan

	if err := s.store.UpsertSubscription(ctx, sub); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}

	// Past-due and canceled subscriptions drop back to the free plan.
	effective := plan
	switch stripeSub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
	default:
		effective = "free"
	}
	if err := s.store.UpdateOrganizationPlan(ctx, sub.OrgID, effective); err != nil {
		return fmt.Errorf("update organization plan: %w", err)
	}

	s.logger.Info("subscription updated", "org_id", sub.OrgID, "plan", effective, "status", stripeSub.Status)
	return nil
}

func (s *StripeService) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var stripeSub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &stripeSub); err != nil {
		return fmt.Errorf("parse subscription: %w", err)
	}
	if stripeSub.Customer == nil {
		return fmt.Errorf("subscription %s has no customer", stripeSub.ID)
	}

	sub, err := s.store.GetSubscriptionByStripeCustomer(ctx, stripeSub.Customer.ID)
	if err != nil {
		return err
	}
	if sub == nil {
		return nil
	}

	sub.Status = "canceled"
	if err := s.store.UpsertSubscription(ctx, sub); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	if err := s.store.UpdateOrganizationPlan(ctx, sub.OrgID, "free"); err != nil {
		return fmt.Errorf("update organization plan: %w", err)
	}

	s.logger.Info("subscription canceled", "org_id", sub.OrgID)
	return nil
}

// NewService returns the Stripe service when billing is enabled, otherwise
// the disabled fallback.
func NewService(s store.Store, cfg config.BillingConfig, logger *slog.Logger) (Service, error) {
	if !cfg.Enabled {
		return NewDisabled(s), nil
	}
	return NewStripe(s, cfg, logger)
}
