package services

import (
	"context"
	"errors"
	"fmt"

	"iconforge/internal/billing"
	"iconforge/internal/models"

	"github.com/jackc/pgx/v5"
)

var _ billing.ProfileStore = (*Service)(nil)

// EnsureProfile creates the profile on first sight and grants the free
// signup credits once.
func (s *Service) EnsureProfile(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrInvalidRequest
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `
		INSERT INTO profiles (id, lifetime_credits_granted)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`, userID, s.config.FreeSignupCredits)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return nil
	}
	if s.config.FreeSignupCredits > 0 {
		_, err = tx.Exec(ctx, `
			INSERT INTO credit_ledger (identifier, identifier_type, delta_credits, reason)
			VALUES ($1, $2, $3, $4)`,
			userID, models.IdentifierUserID, s.config.FreeSignupCredits, models.LedgerReasonSignupBonus)
		if err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.logger.Info("profile created", "user_id", userID, "signup_credits", s.config.FreeSignupCredits)
	return nil
}

func (s *Service) SaveDesign(ctx context.Context, design models.Design) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO svg_designs (id, user_id, prompt, svg_content, title, tags, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		design.ID, design.UserID, design.Prompt, design.SVGContent, design.Title, design.Tags, design.CreatedAt)
	return err
}

func (s *Service) GetProfile(ctx context.Context, userID string) (models.Profile, error) {
	var p models.Profile
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, subscription_status, subscription_id, stripe_customer_id,
			monthly_credits, monthly_credits_used, lifetime_credits_granted, lifetime_credits_used,
			credits_reset_at, created_at, updated_at
		FROM profiles WHERE id = $1`, userID,
	).Scan(&p.ID, &p.Email, &p.SubscriptionStatus, &p.SubscriptionID, &p.StripeCustomerID,
		&p.MonthlyCredits, &p.MonthlyCreditsUsed, &p.LifetimeCreditsGranted, &p.LifetimeCreditsUsed,
		&p.CreditsResetAt, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Profile{}, ErrNotFound
	}
	return p, err
}

func (s *Service) UserIDByCustomer(ctx context.Context, customerID string) (string, error) {
	var userID string
	err := s.pool.QueryRow(ctx, `SELECT id FROM profiles WHERE stripe_customer_id = $1`, customerID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", billing.ErrUnknownProfile
	}
	return userID, err
}

func (s *Service) ActivateSubscription(ctx context.Context, userID, customerID, subscriptionID, status string, monthlyCredits int) error {
	return s.execProfileUpdate(ctx, "activate subscription", `
		WITH updated AS (
			UPDATE profiles
			SET stripe_customer_id = $2, subscription_id = $3, subscription_status = $4,
				monthly_credits = $5, monthly_credits_used = 0,
				credits_reset_at = NOW(), updated_at = NOW()
			WHERE id = $1
			RETURNING id, monthly_credits
		)
		INSERT INTO credit_ledger (identifier, identifier_type, delta_credits, reason)
		SELECT id, $6::text, monthly_credits, $7::text FROM updated`,
		userID, customerID, subscriptionID, status, monthlyCredits,
		models.IdentifierUserID, models.LedgerReasonMonthlyGrant)
}

func (s *Service) UpdateSubscription(ctx context.Context, customerID, subscriptionID, status string, monthlyCredits int) error {
	return s.execProfileUpdate(ctx, "update subscription", `
		UPDATE profiles
		SET subscription_id = $2, subscription_status = $3, monthly_credits = $4, updated_at = NOW()
		WHERE subscription_id = $2 OR (stripe_customer_id = $1 AND $1 <> '')`,
		customerID, subscriptionID, status, monthlyCredits)
}

func (s *Service) DowngradeSubscription(ctx context.Context, subscriptionID string) error {
	return s.execProfileUpdate(ctx, "downgrade subscription", `
		UPDATE profiles
		SET subscription_status = $2, subscription_id = NULL,
			monthly_credits = 0, monthly_credits_used = 0, updated_at = NOW()
		WHERE subscription_id = $1`,
		subscriptionID, models.SubscriptionFree)
}

func (s *Service) ResetMonthlyUsage(ctx context.Context, subscriptionID string) error {
	return s.execProfileUpdate(ctx, "reset monthly usage", `
		WITH updated AS (
			UPDATE profiles
			SET monthly_credits_used = 0, credits_reset_at = NOW(), updated_at = NOW()
			WHERE subscription_id = $1
			RETURNING id, monthly_credits
		)
		INSERT INTO credit_ledger (identifier, identifier_type, delta_credits, reason)
		SELECT id, $2::text, monthly_credits, $3::text FROM updated`,
		subscriptionID, models.IdentifierUserID, models.LedgerReasonCycleReset)
}

func (s *Service) MarkPastDue(ctx context.Context, subscriptionID string) error {
	return s.execProfileUpdate(ctx, "mark past due", `
		UPDATE profiles SET subscription_status = $2, updated_at = NOW()
		WHERE subscription_id = $1`,
		subscriptionID, models.SubscriptionPastDue)
}

// execProfileUpdate runs one statement and reports an unmatched profile as
// billing.ErrUnknownProfile.
func (s *Service) execProfileUpdate(ctx context.Context, op, sql string, args ...any) error {
	ct, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if ct.RowsAffected() == 0 {
		return billing.ErrUnknownProfile
	}
	return nil
}
