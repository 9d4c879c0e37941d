package models

import (
	"fmt"
	"time"
)

type IdentifierType string

const (
	IdentifierUserID    IdentifierType = "user_id"
	IdentifierIPAddress IdentifierType = "ip_address"
)

type GenerationType string

const (
	GenerationIcon  GenerationType = "icon"
	GenerationSVG   GenerationType = "svg"
	GenerationVideo GenerationType = "video"
)

var unitCosts = map[GenerationType]int{
	GenerationIcon:  1,
	GenerationSVG:   2,
	GenerationVideo: 6,
}

// UnitCost is the number of credits one generation of this type consumes.
// Unknown types cost nothing and are rejected by Valid.
func (g GenerationType) UnitCost() int {
	return unitCosts[g]
}

func (g GenerationType) Valid() bool {
	_, ok := unitCosts[g]
	return ok
}

func ParseGenerationType(raw string) (GenerationType, error) {
	g := GenerationType(raw)
	if !g.Valid() {
		return "", fmt.Errorf("unknown generation type %q", raw)
	}
	return g, nil
}

// Identity is the account key a request is charged against. Exactly one of
// UserID or an anonymous Identifier drives accounting.
type Identity struct {
	UserID     string
	Identifier string
	Type       IdentifierType
}

func UserIdentity(userID string) Identity {
	return Identity{UserID: userID, Identifier: userID, Type: IdentifierUserID}
}

func AnonymousIdentity(identifier string) Identity {
	return Identity{Identifier: identifier, Type: IdentifierIPAddress}
}

func (i Identity) IsAnonymous() bool {
	return i.UserID == ""
}

type LimitType string

const (
	LimitNone           LimitType = ""
	LimitAnonymousDaily LimitType = "anonymous_daily"
	LimitMonthly        LimitType = "monthly_credits"
	LimitLifetime       LimitType = "lifetime_credits"
)

// DeductResult is what a ledger reports for one check-and-deduct call.
// Success=false with a nil error is the ordinary "insufficient credits" outcome.
type DeductResult struct {
	Success          bool
	RemainingCredits int
	IsSubscribed     bool
	LimitType        LimitType
	// CounterDate is the UTC day of the anonymous counter that was charged.
	CounterDate string
}

// Account is the balance view shared by the tagged account records below.
type Account interface {
	Remaining() int
	Subscribed() bool
	Limit() LimitType
}

type SubscribedAccount struct {
	MonthlyCredits     int
	MonthlyCreditsUsed int
}

func (a SubscribedAccount) Remaining() int   { return max(0, a.MonthlyCredits-a.MonthlyCreditsUsed) }
func (a SubscribedAccount) Subscribed() bool { return true }
func (a SubscribedAccount) Limit() LimitType { return LimitMonthly }

type FreeAccount struct {
	LifetimeCreditsGranted int
	LifetimeCreditsUsed    int
}

func (a FreeAccount) Remaining() int   { return max(0, a.LifetimeCreditsGranted-a.LifetimeCreditsUsed) }
func (a FreeAccount) Subscribed() bool { return false }
func (a FreeAccount) Limit() LimitType { return LimitLifetime }

// AnonymousCounter holds one day's generation counts for a hashed identifier,
// measured against DailyUnits.
type AnonymousCounter struct {
	Date       string
	Counts     map[GenerationType]int
	DailyUnits int
}

func (c AnonymousCounter) Remaining() int   { return max(0, c.DailyUnits-c.UsedUnits()) }
func (c AnonymousCounter) Subscribed() bool { return false }
func (c AnonymousCounter) Limit() LimitType { return LimitAnonymousDaily }

// UsedUnits weights each per-type count by its unit cost.
func (c AnonymousCounter) UsedUnits() int {
	total := 0
	for g, n := range c.Counts {
		total += n * g.UnitCost()
	}
	return total
}

const (
	SubscriptionFree     = "free"
	SubscriptionActive   = "active"
	SubscriptionTrialing = "trialing"
	SubscriptionPastDue  = "past_due"
	SubscriptionCanceled = "canceled"
)

// IsSubscribedStatus reports whether a subscription status draws from monthly credits.
func IsSubscribedStatus(status string) bool {
	return status == SubscriptionActive || status == SubscriptionTrialing
}

type Profile struct {
	ID                     string
	Email                  string
	SubscriptionStatus     string
	SubscriptionID         *string
	StripeCustomerID       *string
	MonthlyCredits         int
	MonthlyCreditsUsed     int
	LifetimeCreditsGranted int
	LifetimeCreditsUsed    int
	CreditsResetAt         *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Account returns the tagged record selected by the subscription status.
func (p Profile) Account() Account {
	if IsSubscribedStatus(p.SubscriptionStatus) {
		return SubscribedAccount{MonthlyCredits: p.MonthlyCredits, MonthlyCreditsUsed: p.MonthlyCreditsUsed}
	}
	return FreeAccount{LifetimeCreditsGranted: p.LifetimeCreditsGranted, LifetimeCreditsUsed: p.LifetimeCreditsUsed}
}

type Design struct {
	ID         string
	UserID     string
	Prompt     string
	SVGContent string
	Title      string
	Tags       []string
	CreatedAt  time.Time
}

// Balance is the read-only credit view returned to callers.
type Balance struct {
	IdentifierType IdentifierType `json:"identifier_type"`
	IsSubscribed   bool           `json:"is_subscribed"`
	Remaining      int            `json:"remaining_credits"`
	LimitType      LimitType      `json:"limit_type"`
}

const (
	LedgerReasonDeduct       = "generation_deduct"
	LedgerReasonRefund       = "generation_refund"
	LedgerReasonMonthlyGrant = "monthly_grant"
	LedgerReasonCycleReset   = "cycle_reset"
	LedgerReasonSignupBonus  = "signup_bonus"
)
