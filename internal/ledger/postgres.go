package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"iconforge/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres keeps account balances in profiles and anonymous counters in
// daily_generation_limits. Every mutation appends a credit_ledger row in the
// same transaction.
type Postgres struct {
	pool       *pgxpool.Pool
	dailyUnits int
	now        func() time.Time
}

var (
	_ AccountStore   = (*Postgres)(nil)
	_ AnonymousStore = (*Postgres)(nil)
)

func NewPostgres(pool *pgxpool.Pool, dailyUnits int) *Postgres {
	return &Postgres{pool: pool, dailyUnits: dailyUnits, now: time.Now}
}

func (p *Postgres) DeductAccount(ctx context.Context, userID string, gen models.GenerationType) (models.DeductResult, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return models.DeductResult{}, err
	}
	defer tx.Rollback(ctx)

	profile, err := lockProfile(ctx, tx, userID)
	if err != nil {
		return models.DeductResult{}, err
	}
	account := profile.Account()
	cost := gen.UnitCost()
	result := models.DeductResult{
		RemainingCredits: account.Remaining(),
		IsSubscribed:     account.Subscribed(),
		LimitType:        account.Limit(),
	}
	if account.Remaining() < cost {
		return result, nil
	}

	column := "lifetime_credits_used"
	if account.Subscribed() {
		column = "monthly_credits_used"
	}
	_, err = tx.Exec(ctx, `
		UPDATE profiles
		SET `+column+` = `+column+` + $1, updated_at = NOW()
		WHERE id = $2`, cost, userID)
	if err != nil {
		return models.DeductResult{}, err
	}
	if err := appendLedger(ctx, tx, userID, models.IdentifierUserID, gen, -cost, models.LedgerReasonDeduct); err != nil {
		return models.DeductResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.DeductResult{}, err
	}
	result.Success = true
	result.RemainingCredits -= cost
	return result, nil
}

// RefundAccount credits back the bucket selected by isSubscribed, which is the
// bucket the deduction was taken from even if the status changed since.
func (p *Postgres) RefundAccount(ctx context.Context, userID string, gen models.GenerationType, isSubscribed bool) error {
	column := "lifetime_credits_used"
	if isSubscribed {
		column = "monthly_credits_used"
	}
	cost := gen.UnitCost()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `
		UPDATE profiles
		SET `+column+` = GREATEST(0, `+column+` - $1), updated_at = NOW()
		WHERE id = $2`, cost, userID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	if err := appendLedger(ctx, tx, userID, models.IdentifierUserID, gen, cost, models.LedgerReasonRefund); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) AccountBalance(ctx context.Context, userID string) (models.Balance, error) {
	profile, err := scanProfile(p.pool.QueryRow(ctx, profileSelect+` WHERE id = $1`, userID))
	if err != nil {
		return models.Balance{}, err
	}
	account := profile.Account()
	return models.Balance{
		IdentifierType: models.IdentifierUserID,
		IsSubscribed:   account.Subscribed(),
		Remaining:      account.Remaining(),
		LimitType:      account.Limit(),
	}, nil
}

// DeductAnonymous serialises callers sharing a hashed identifier and day with a
// transaction-scoped advisory lock, then reads every per-type count at once.
func (p *Postgres) DeductAnonymous(ctx context.Context, hashedID string, gen models.GenerationType) (models.DeductResult, error) {
	day := p.today()
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return models.DeductResult{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, hashedID+":"+day); err != nil {
		return models.DeductResult{}, fmt.Errorf("lock anonymous counter: %w", err)
	}
	counter, err := readCounter(ctx, tx, hashedID, day, p.dailyUnits)
	if err != nil {
		return models.DeductResult{}, err
	}
	cost := gen.UnitCost()
	remaining := counter.Remaining()
	result := models.DeductResult{RemainingCredits: remaining, LimitType: counter.Limit(), CounterDate: day}
	if remaining < cost {
		return result, nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO daily_generation_limits (identifier, identifier_type, generation_date, generation_type, count)
		VALUES ($1, $2, $3::date, $4, 1)
		ON CONFLICT (identifier, identifier_type, generation_date, generation_type)
		DO UPDATE SET count = daily_generation_limits.count + 1, updated_at = NOW()`,
		hashedID, models.IdentifierIPAddress, day, gen)
	if err != nil {
		return models.DeductResult{}, err
	}
	if err := appendLedger(ctx, tx, hashedID, models.IdentifierIPAddress, gen, -cost, models.LedgerReasonDeduct); err != nil {
		return models.DeductResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.DeductResult{}, err
	}
	result.Success = true
	result.RemainingCredits -= cost
	return result, nil
}

func (p *Postgres) RefundAnonymous(ctx context.Context, hashedID string, gen models.GenerationType, day string) error {
	if day == "" {
		day = p.today()
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `
		UPDATE daily_generation_limits
		SET count = GREATEST(0, count - 1), updated_at = NOW()
		WHERE identifier = $1 AND identifier_type = $2 AND generation_date = $3::date
			AND generation_type = $4 AND count > 0`,
		hashedID, models.IdentifierIPAddress, day, gen)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return nil
	}
	if err := appendLedger(ctx, tx, hashedID, models.IdentifierIPAddress, gen, gen.UnitCost(), models.LedgerReasonRefund); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) AnonymousBalance(ctx context.Context, hashedID string) (models.Balance, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return models.Balance{}, err
	}
	defer tx.Rollback(ctx)

	counter, err := readCounter(ctx, tx, hashedID, p.today(), p.dailyUnits)
	if err != nil {
		return models.Balance{}, err
	}
	return models.Balance{
		IdentifierType: models.IdentifierIPAddress,
		Remaining:      counter.Remaining(),
		LimitType:      counter.Limit(),
	}, nil
}

func (p *Postgres) today() string {
	return p.now().UTC().Format(time.DateOnly)
}

const profileSelect = `
	SELECT id, email, subscription_status, subscription_id, stripe_customer_id,
		monthly_credits, monthly_credits_used, lifetime_credits_granted, lifetime_credits_used,
		credits_reset_at, created_at, updated_at
	FROM profiles`

func lockProfile(ctx context.Context, tx pgx.Tx, userID string) (models.Profile, error) {
	return scanProfile(tx.QueryRow(ctx, profileSelect+` WHERE id = $1 FOR UPDATE`, userID))
}

func scanProfile(row pgx.Row) (models.Profile, error) {
	var p models.Profile
	err := row.Scan(&p.ID, &p.Email, &p.SubscriptionStatus, &p.SubscriptionID, &p.StripeCustomerID,
		&p.MonthlyCredits, &p.MonthlyCreditsUsed, &p.LifetimeCreditsGranted, &p.LifetimeCreditsUsed,
		&p.CreditsResetAt, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Profile{}, ErrAccountNotFound
	}
	return p, err
}

func readCounter(ctx context.Context, tx pgx.Tx, hashedID, day string, dailyUnits int) (models.AnonymousCounter, error) {
	rows, err := tx.Query(ctx, `
		SELECT generation_type, count
		FROM daily_generation_limits
		WHERE identifier = $1 AND identifier_type = $2 AND generation_date = $3::date`,
		hashedID, models.IdentifierIPAddress, day)
	if err != nil {
		return models.AnonymousCounter{}, err
	}
	defer rows.Close()
	counter := models.AnonymousCounter{Date: day, Counts: map[models.GenerationType]int{}, DailyUnits: dailyUnits}
	for rows.Next() {
		var gen string
		var n int
		if err := rows.Scan(&gen, &n); err != nil {
			return models.AnonymousCounter{}, err
		}
		counter.Counts[models.GenerationType(gen)] += n
	}
	return counter, rows.Err()
}

func appendLedger(ctx context.Context, tx pgx.Tx, identifier string, idType models.IdentifierType, gen models.GenerationType, delta int, reason string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO credit_ledger (identifier, identifier_type, generation_type, delta_credits, reason)
		VALUES ($1, $2, $3, $4, $5)`,
		identifier, idType, gen, delta, reason)
	return err
}
