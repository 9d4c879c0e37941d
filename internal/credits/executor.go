package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"iconforge/internal/logging"
	"iconforge/internal/metrics"
	"iconforge/internal/models"
)

// ErrIdentifierMissing is returned by ledgers that were handed an anonymous
// identity without a usable identifier.
var ErrIdentifierMissing = errors.New("identifier missing")

const (
	MsgSignUpForFree     = "Please sign up for a free account to continue generating. You'll get 6 bonus credits!"
	MsgSignUpToContinue  = "Sign up to continue generating for free and get 6 bonus credits!"
	MsgMonthlyExhausted  = "You've used all your monthly credits. Upgrade your plan or wait for next month's reset."
	MsgLifetimeExhausted = "You've used all your free credits. Upgrade to a subscription to keep generating."
	MsgInsufficient      = "Insufficient credits or rate limit exceeded"
)

// Ledger checks, deducts and refunds credits. CheckAndDeduct must be atomic
// against concurrent callers using the same identity.
type Ledger interface {
	CheckAndDeduct(ctx context.Context, id models.Identity, gen models.GenerationType) (models.DeductResult, error)
	// Refund reverses the charge described by deducted, the successful
	// CheckAndDeduct result for the same identity and generation type.
	Refund(ctx context.Context, id models.Identity, gen models.GenerationType, deducted models.DeductResult) error
}

// Operation is the paid call guarded by the executor.
type Operation[T any] func(ctx context.Context) (T, error)

type Result[T any] struct {
	Success          bool
	Data             T
	Error            string
	LimitType        models.LimitType
	RemainingCredits int
	IsSubscribed     bool
}

type Executor struct {
	ledger Ledger
	logger *slog.Logger
}

func NewExecutor(ledger Ledger, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Executor{ledger: ledger, logger: logger.With("component", "credit_executor")}
}

// Execute charges id for one generation of type gen and runs op.
//
// Credits stay consumed only when op succeeds. A declined deduction or a
// ledger failure is reported through the Result with a nil error and op is
// never called. When op fails the deduction is refunded before op's error is
// returned unchanged. Refund problems are logged and never replace op's error.
func Execute[T any](ctx context.Context, e *Executor, id models.Identity, gen models.GenerationType, op Operation[T]) (Result[T], error) {
	var res Result[T]
	if !gen.Valid() {
		return res, fmt.Errorf("execute: unknown generation type %q", gen)
	}
	log := e.logger.With("generation_type", gen, "identifier_type", id.Type, "identifier", logging.Redact(id.Identifier))

	if id.UserID == "" && strings.TrimSpace(id.Identifier) == "" {
		log.Warn("rejecting request without identity")
		res.Error = MsgSignUpForFree
		return res, nil
	}

	deduct, err := e.ledger.CheckAndDeduct(ctx, id, gen)
	if err != nil {
		// Storage errors are never shown to the caller.
		metrics.CreditDeductions.WithLabelValues(string(gen), "error").Inc()
		if errors.Is(err, ErrIdentifierMissing) {
			log.Warn("ledger rejected identifier", "error", err)
		} else {
			log.Error("check and deduct failed", "error", err)
		}
		res.Error = MsgSignUpForFree
		return res, nil
	}
	res.IsSubscribed = deduct.IsSubscribed
	res.LimitType = deduct.LimitType
	if !deduct.Success {
		metrics.CreditDeductions.WithLabelValues(string(gen), "declined").Inc()
		log.Info("credit deduction declined", "limit_type", deduct.LimitType, "subscribed", deduct.IsSubscribed)
		res.Error = declineMessage(id, deduct)
		return res, nil
	}
	metrics.CreditDeductions.WithLabelValues(string(gen), "deducted").Inc()
	log.Info("credits deducted", "remaining", deduct.RemainingCredits)

	start := time.Now()
	data, err := runOperation(ctx, op, func() {
		e.refund(ctx, log, id, gen, deduct)
	})
	if err != nil {
		metrics.GuardedOperationSeconds.WithLabelValues(string(gen), "failed").Observe(time.Since(start).Seconds())
		log.Error("guarded operation failed", "error", err)
		e.refund(ctx, log, id, gen, deduct)
		return res, err
	}
	metrics.GuardedOperationSeconds.WithLabelValues(string(gen), "succeeded").Observe(time.Since(start).Seconds())

	res.Success = true
	res.Data = data
	res.RemainingCredits = deduct.RemainingCredits
	return res, nil
}

// runOperation calls op and, if op panics, refunds before re-panicking.
func runOperation[T any](ctx context.Context, op Operation[T], refundOnPanic func()) (T, error) {
	defer func() {
		if rvr := recover(); rvr != nil {
			refundOnPanic()
			panic(rvr)
		}
	}()
	return op(ctx)
}

func (e *Executor) refund(ctx context.Context, log *slog.Logger, id models.Identity, gen models.GenerationType, deducted models.DeductResult) {
	// The host request may already be cancelled; the refund must still land.
	refundCtx := context.WithoutCancel(ctx)
	defer func() {
		if rvr := recover(); rvr != nil {
			metrics.CreditRefunds.WithLabelValues(string(gen), "panic").Inc()
			log.Error("credit refund panicked", "panic", rvr)
		}
	}()
	if err := e.ledger.Refund(refundCtx, id, gen, deducted); err != nil {
		metrics.CreditRefunds.WithLabelValues(string(gen), "failed").Inc()
		log.Error("credit refund failed", "error", err, "amount", gen.UnitCost())
		return
	}
	metrics.CreditRefunds.WithLabelValues(string(gen), "refunded").Inc()
	log.Info("credits refunded", "amount", gen.UnitCost())
}

func declineMessage(id models.Identity, deduct models.DeductResult) string {
	switch {
	case id.IsAnonymous() && deduct.LimitType == models.LimitAnonymousDaily:
		return MsgSignUpToContinue
	case deduct.IsSubscribed:
		return MsgMonthlyExhausted
	case !id.IsAnonymous():
		return MsgLifetimeExhausted
	default:
		return MsgInsufficient
	}
}
