package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccounts(t *testing.T) {
	tests := []struct {
		name       string
		account    Account
		remaining  int
		subscribed bool
		limit      LimitType
	}{
		{"subscribed", SubscribedAccount{MonthlyCredits: 100, MonthlyCreditsUsed: 40}, 60, true, LimitMonthly},
		{"free overdrawn", FreeAccount{LifetimeCreditsGranted: 6, LifetimeCreditsUsed: 9}, 0, false, LimitLifetime},
		{
			name: "anonymous weighted",
			account: AnonymousCounter{
				Date:       "2024-01-15",
				Counts:     map[GenerationType]int{GenerationIcon: 1, GenerationSVG: 1},
				DailyUnits: 5,
			},
			remaining: 2,
			limit:     LimitAnonymousDaily,
		},
		{
			name:    "anonymous exhausted",
			account: AnonymousCounter{Counts: map[GenerationType]int{GenerationSVG: 2}, DailyUnits: 2},
			limit:   LimitAnonymousDaily,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.remaining, tt.account.Remaining())
			assert.Equal(t, tt.subscribed, tt.account.Subscribed())
			assert.Equal(t, tt.limit, tt.account.Limit())
		})
	}
}

func TestProfileAccountFollowsSubscriptionStatus(t *testing.T) {
	p := Profile{
		SubscriptionStatus:     SubscriptionPastDue,
		MonthlyCredits:         100,
		LifetimeCreditsGranted: 6,
		LifetimeCreditsUsed:    1,
	}
	assert.Equal(t, FreeAccount{LifetimeCreditsGranted: 6, LifetimeCreditsUsed: 1}, p.Account())

	p.SubscriptionStatus = SubscriptionTrialing
	assert.Equal(t, SubscribedAccount{MonthlyCredits: 100}, p.Account())
}
