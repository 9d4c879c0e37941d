// Package billing applies Stripe subscription events to credit accounts.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"iconforge/internal/config"
	"iconforge/internal/logging"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/subscription"
	"github.com/stripe/stripe-go/v76/webhook"
)

var (
	ErrStripeNotConfigured = errors.New("stripe not configured")
	ErrInvalidSignature    = errors.New("invalid stripe signature")
	ErrInvalidPayload      = errors.New("invalid event payload")
	// ErrUnknownProfile is returned by a ProfileStore when no profile matches.
	ErrUnknownProfile = errors.New("no profile for stripe object")
)

// ProfileStore applies subscription changes to profiles. Each method is a
// single statement so it interleaves safely with credit deductions.
type ProfileStore interface {
	UserIDByCustomer(ctx context.Context, customerID string) (string, error)
	// ActivateSubscription sets the plan and starts a fresh credit period.
	ActivateSubscription(ctx context.Context, userID, customerID, subscriptionID, status string, monthlyCredits int) error
	// UpdateSubscription changes status and allowance without touching usage.
	UpdateSubscription(ctx context.Context, customerID, subscriptionID, status string, monthlyCredits int) error
	DowngradeSubscription(ctx context.Context, subscriptionID string) error
	ResetMonthlyUsage(ctx context.Context, subscriptionID string) error
	MarkPastDue(ctx context.Context, subscriptionID string) error
}

// SubscriptionFetcher loads a subscription with its price items.
type SubscriptionFetcher func(ctx context.Context, id string) (*stripe.Subscription, error)

type Webhook struct {
	secret            string
	store             ProfileStore
	creditsForPrice   func(priceID string) int
	fetchSubscription SubscriptionFetcher
	logger            *slog.Logger
}

func NewWebhook(cfg config.Config, store ProfileStore, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Webhook{
		secret:            cfg.StripeWebhookSecret,
		store:             store,
		creditsForPrice:   cfg.MonthlyCreditsForPrice,
		fetchSubscription: stripeSubscriptionFetcher(cfg.StripeSecretKey),
		logger:            logger.With("component", "stripe_webhook"),
	}
}

// WithSubscriptionFetcher replaces the Stripe API lookup, mainly for tests.
func (w *Webhook) WithSubscriptionFetcher(f SubscriptionFetcher) *Webhook {
	w.fetchSubscription = f
	return w
}

func (w *Webhook) Configured() bool {
	return w.secret != ""
}

// ParseEvent verifies the Stripe-Signature header and decodes the event.
func (w *Webhook) ParseEvent(payload []byte, signature string) (stripe.Event, error) {
	if !w.Configured() {
		return stripe.Event{}, ErrStripeNotConfigured
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, w.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return event, nil
}

// HandleEvent applies one verified event. Unknown event types and objects
// that match no profile are acknowledged without changes.
func (w *Webhook) HandleEvent(ctx context.Context, event stripe.Event) error {
	log := w.logger.With("event_id", event.ID, "event_type", event.Type)
	var err error
	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := decode(event, &sess); err != nil {
			return err
		}
		err = w.checkoutCompleted(ctx, &sess)
	case "customer.subscription.created", "customer.subscription.updated":
		var sub stripe.Subscription
		if err := decode(event, &sub); err != nil {
			return err
		}
		err = w.subscriptionUpdated(ctx, &sub)
	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := decode(event, &sub); err != nil {
			return err
		}
		err = w.store.DowngradeSubscription(ctx, sub.ID)
	case "invoice.paid", "invoice.payment_succeeded":
		var inv stripe.Invoice
		if err := decode(event, &inv); err != nil {
			return err
		}
		if inv.BillingReason != stripe.InvoiceBillingReasonSubscriptionCycle || inv.Subscription == nil {
			return nil
		}
		err = w.store.ResetMonthlyUsage(ctx, inv.Subscription.ID)
	case "invoice.payment_failed":
		var inv stripe.Invoice
		if err := decode(event, &inv); err != nil {
			return err
		}
		if inv.Subscription == nil {
			return nil
		}
		err = w.store.MarkPastDue(ctx, inv.Subscription.ID)
	default:
		log.Debug("ignoring stripe event")
		return nil
	}
	if errors.Is(err, ErrUnknownProfile) {
		log.Warn("stripe event matched no profile")
		return nil
	}
	if err != nil {
		return fmt.Errorf("handle %s: %w", event.Type, err)
	}
	log.Info("stripe event applied")
	return nil
}

func (w *Webhook) checkoutCompleted(ctx context.Context, sess *stripe.CheckoutSession) error {
	if sess.Subscription == nil || sess.Subscription.ID == "" {
		return nil
	}
	customerID := ""
	if sess.Customer != nil {
		customerID = sess.Customer.ID
	}
	userID := sess.Metadata["user_id"]
	if userID == "" {
		userID = sess.ClientReferenceID
	}
	if userID == "" && customerID != "" {
		found, err := w.store.UserIDByCustomer(ctx, customerID)
		if err != nil {
			return err
		}
		userID = found
	}
	if userID == "" {
		return ErrUnknownProfile
	}

	sub := sess.Subscription
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		fetched, err := w.fetchSubscription(ctx, sub.ID)
		if err != nil {
			return fmt.Errorf("fetch subscription: %w", err)
		}
		sub = fetched
	}
	return w.store.ActivateSubscription(ctx, userID, customerID, sub.ID, string(sub.Status), w.creditsForPrice(priceID(sub)))
}

func (w *Webhook) subscriptionUpdated(ctx context.Context, sub *stripe.Subscription) error {
	if sub.Customer == nil || sub.Customer.ID == "" {
		return ErrUnknownProfile
	}
	return w.store.UpdateSubscription(ctx, sub.Customer.ID, sub.ID, string(sub.Status), w.creditsForPrice(priceID(sub)))
}

func priceID(sub *stripe.Subscription) string {
	if sub == nil || sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return ""
	}
	return sub.Items.Data[0].Price.ID
}

func decode(event stripe.Event, v any) error {
	if event.Data == nil {
		return ErrInvalidPayload
	}
	if err := json.Unmarshal(event.Data.Raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func stripeSubscriptionFetcher(secretKey string) SubscriptionFetcher {
	client := &subscription.Client{B: stripe.GetBackend(stripe.APIBackend), Key: secretKey}
	return func(ctx context.Context, id string) (*stripe.Subscription, error) {
		if secretKey == "" {
			return nil, ErrStripeNotConfigured
		}
		params := &stripe.SubscriptionParams{}
		params.Context = ctx
		return client.Get(id, params)
	}
}
