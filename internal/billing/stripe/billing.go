// Package stripebilling sells tier subscriptions through Stripe Checkout and
// keeps user tiers in sync from Stripe webhooks.
package stripebilling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"

	"github.com/followlytics/followlytics/internal/followlytics"
	"github.com/followlytics/followlytics/internal/tier"
)

// Errors surfaced to the HTTP layer.
var (
	ErrInvalidTier      = errors.New("tier cannot be purchased")
	ErrNoCustomer       = errors.New("user has no stripe customer")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// Config holds Stripe credentials and redirect URLs.
type Config struct {
	SecretKey     string
	WebhookSecret string
	// Prices maps tier name to Stripe price ID.
	Prices          map[string]string
	SuccessURL      string
	CancelURL       string
	PortalReturnURL string
}

// sessions creates hosted Stripe sessions.
type sessions interface {
	NewCheckout(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	NewPortal(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
}

type apiSessions struct {
	api *client.API
}

func (s apiSessions) NewCheckout(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return s.api.CheckoutSessions.New(params)
}

func (s apiSessions) NewPortal(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
	return s.api.BillingPortalSessions.New(params)
}

// Service implements checkout, portal and webhook handling.
type Service struct {
	cfg      Config
	sessions sessions
	users    followlytics.UserStore
	tierOf   map[string]followlytics.Tier
	logger   *zap.Logger
}

// New builds a Service backed by the Stripe API.
func New(cfg Config, users followlytics.UserStore, logger *zap.Logger) (*Service, error) {
	if cfg.SecretKey == "" || cfg.WebhookSecret == "" {
		return nil, errors.New("stripe secret key and webhook secret are required")
	}
	return newService(cfg, apiSessions{api: client.New(cfg.SecretKey, nil)}, users, logger), nil
}

func newService(cfg Config, s sessions, users followlytics.UserStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	tierOf := make(map[string]followlytics.Tier, len(cfg.Prices))
	for name, price := range cfg.Prices {
		if t, ok := tier.Parse(name); ok {
			tierOf[price] = t
		}
	}
	return &Service{cfg: cfg, sessions: s, users: users, tierOf: tierOf, logger: logger}
}

// CreateCheckout starts a subscription checkout for t and returns its URL.
func (s *Service) CreateCheckout(ctx context.Context, user followlytics.User, t followlytics.Tier) (string, error) {
	price, ok := s.cfg.Prices[string(t)]
	if !ok || t == followlytics.TierFree {
		return "", fmt.Errorf("%w: %s", ErrInvalidTier, t)
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		ClientReferenceID: stripe.String(user.UID),
		SuccessURL:        stripe.String(s.cfg.SuccessURL),
		CancelURL:         stripe.String(s.cfg.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(price), Quantity: stripe.Int64(1)},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"uid": user.UID, "tier": string(t)},
		},
	}
	if user.StripeCustomerID != "" {
		params.Customer = stripe.String(user.StripeCustomerID)
	} else if user.Email != "" {
		params.CustomerEmail = stripe.String(user.Email)
	}
	params.AddMetadata("uid", user.UID)
	params.AddMetadata("tier", string(t))
	params.Context = ctx

	sess, err := s.sessions.NewCheckout(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

// CreatePortal opens the billing portal for a paying user.
func (s *Service) CreatePortal(ctx context.Context, user followlytics.User) (string, error) {
	if user.StripeCustomerID == "" {
		return "", ErrNoCustomer
	}
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(user.StripeCustomerID),
		ReturnURL: stripe.String(s.cfg.PortalReturnURL),
	}
	params.Context = ctx
	sess, err := s.sessions.NewPortal(params)
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return sess.URL, nil
}

// HandleWebhook verifies and applies one Stripe event. Unhandled event types
// are acknowledged without changes.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	log := s.logger.With(zap.String("event_id", event.ID), zap.String("event_type", string(event.Type)))

	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return fmt.Errorf("decode checkout session: %w", err)
		}
		return s.checkoutCompleted(ctx, log, &sess)
	case "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		t := followlytics.TierFree
		if event.Type == "customer.subscription.updated" {
			t = s.subscriptionTier(&sub)
		}
		return s.applySubscription(ctx, log, &sub, t)
	default:
		log.Debug("ignoring stripe event")
		return nil
	}
}

func (s *Service) checkoutCompleted(ctx context.Context, log *zap.Logger, sess *stripe.CheckoutSession) error {
	uid := sess.Metadata["uid"]
	if uid == "" {
		uid = sess.ClientReferenceID
	}
	t, ok := tier.Parse(sess.Metadata["tier"])
	if uid == "" || !ok {
		log.Warn("checkout session without uid or tier metadata")
		return nil
	}
	var customerID, subscriptionID string
	if sess.Customer != nil {
		customerID = sess.Customer.ID
	}
	if sess.Subscription != nil {
		subscriptionID = sess.Subscription.ID
	}
	if err := s.users.UpdateTier(ctx, uid, t, customerID, subscriptionID); err != nil {
		return fmt.Errorf("update tier: %w", err)
	}
	log.Info("subscription started", zap.String("uid", uid), zap.String("tier", string(t)))
	return nil
}

func (s *Service) applySubscription(ctx context.Context, log *zap.Logger, sub *stripe.Subscription, t followlytics.Tier) error {
	user, err := s.findUser(ctx, sub)
	if errors.Is(err, followlytics.ErrNotFound) {
		log.Warn("subscription for unknown user", zap.String("subscription_id", sub.ID))
		return nil
	}
	if err != nil {
		return err
	}
	customerID := user.StripeCustomerID
	if sub.Customer != nil && sub.Customer.ID != "" {
		customerID = sub.Customer.ID
	}
	subscriptionID := sub.ID
	if t == followlytics.TierFree {
		subscriptionID = ""
	}
	if err := s.users.UpdateTier(ctx, user.UID, t, customerID, subscriptionID); err != nil {
		return fmt.Errorf("update tier: %w", err)
	}
	log.Info("subscription tier applied", zap.String("uid", user.UID), zap.String("tier", string(t)))
	return nil
}

// subscriptionTier maps the first recognized price to a tier. Inactive
// subscriptions drop to free.
func (s *Service) subscriptionTier(sub *stripe.Subscription) followlytics.Tier {
	if sub.Status != stripe.SubscriptionStatusActive && sub.Status != stripe.SubscriptionStatusTrialing {
		return followlytics.TierFree
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil || item.Price == nil {
				continue
			}
			if t, ok := s.tierOf[item.Price.ID]; ok {
				return t
			}
		}
	}
	if t, ok := tier.Parse(sub.Metadata["tier"]); ok {
		return t
	}
	return followlytics.TierFree
}

func (s *Service) findUser(ctx context.Context, sub *stripe.Subscription) (followlytics.User, error) {
	if uid := sub.Metadata["uid"]; uid != "" {
		user, err := s.users.GetUser(ctx, uid)
		if err == nil || !errors.Is(err, followlytics.ErrNotFound) {
			return user, err
		}
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return followlytics.User{}, followlytics.ErrNotFound
	}
	return s.users.FindByCustomer(ctx, sub.Customer.ID)
}
