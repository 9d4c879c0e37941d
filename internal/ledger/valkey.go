package ledger

import (
	"context"
	"fmt"
	"time"

	"iconforge/internal/models"

	"github.com/valkey-io/valkey-go"
)

const (
	valkeyKeyPrefix  = "iconforge:anon:"
	valkeyUnitsField = "units"
	valkeyCounterTTL = 48 * time.Hour
)

// One hash per (hashed identifier, day). The units field is the weighted total
// and is checked and incremented in the same script as the per-type count.
var deductScript = valkey.NewLuaScript(`
local used = tonumber(redis.call('HGET', KEYS[1], ARGV[3]) or '0')
local limit = tonumber(ARGV[1])
local cost = tonumber(ARGV[2])
if used + cost > limit then
  return {0, limit - used}
end
redis.call('HINCRBY', KEYS[1], ARGV[3], cost)
redis.call('HINCRBY', KEYS[1], ARGV[4], 1)
redis.call('EXPIRE', KEYS[1], ARGV[5])
return {1, limit - used - cost}
`)

var refundScript = valkey.NewLuaScript(`
local n = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
if n <= 0 then
  return 0
end
redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
local used = tonumber(redis.call('HGET', KEYS[1], ARGV[3]) or '0')
local cost = tonumber(ARGV[2])
if used < cost then
  cost = used
end
redis.call('HINCRBY', KEYS[1], ARGV[3], -cost)
return 1
`)

// Valkey keeps anonymous daily counters in Valkey instead of Postgres.
type Valkey struct {
	client     valkey.Client
	dailyUnits int
	now        func() time.Time
}

var _ AnonymousStore = (*Valkey)(nil)

func NewValkey(client valkey.Client, dailyUnits int) *Valkey {
	return &Valkey{client: client, dailyUnits: dailyUnits, now: time.Now}
}

// OpenValkey connects using a redis:// or rediss:// URL.
func OpenValkey(rawURL string) (valkey.Client, error) {
	opt, err := valkey.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse valkey url: %w", err)
	}
	// Counters are always read through scripts; client-side caching is unused.
	opt.DisableCache = true
	client, err := valkey.NewClient(opt)
	if err != nil {
		return nil, fmt.Errorf("connect to valkey: %w", err)
	}
	return client, nil
}

func (v *Valkey) DeductAnonymous(ctx context.Context, hashedID string, gen models.GenerationType) (models.DeductResult, error) {
	day := v.today()
	keys := []string{v.key(hashedID, day)}
	args := []string{
		fmt.Sprint(v.dailyUnits),
		fmt.Sprint(gen.UnitCost()),
		valkeyUnitsField,
		string(gen),
		fmt.Sprint(int(valkeyCounterTTL.Seconds())),
	}
	values, err := deductScript.Exec(ctx, v.client, keys, args).ToArray()
	if err != nil {
		return models.DeductResult{}, fmt.Errorf("deduct anonymous counter: %w", err)
	}
	if len(values) != 2 {
		return models.DeductResult{}, fmt.Errorf("deduct anonymous counter: unexpected reply length %d", len(values))
	}
	ok, err := values[0].AsInt64()
	if err != nil {
		return models.DeductResult{}, fmt.Errorf("deduct anonymous counter: %w", err)
	}
	remaining, err := values[1].AsInt64()
	if err != nil {
		return models.DeductResult{}, fmt.Errorf("deduct anonymous counter: %w", err)
	}
	return models.DeductResult{
		Success:          ok == 1,
		RemainingCredits: max(0, int(remaining)),
		LimitType:        models.LimitAnonymousDaily,
		CounterDate:      day,
	}, nil
}

func (v *Valkey) RefundAnonymous(ctx context.Context, hashedID string, gen models.GenerationType, day string) error {
	if day == "" {
		day = v.today()
	}
	keys := []string{v.key(hashedID, day)}
	args := []string{string(gen), fmt.Sprint(gen.UnitCost()), valkeyUnitsField}
	if err := refundScript.Exec(ctx, v.client, keys, args).Error(); err != nil {
		return fmt.Errorf("refund anonymous counter: %w", err)
	}
	return nil
}

func (v *Valkey) AnonymousBalance(ctx context.Context, hashedID string) (models.Balance, error) {
	cmd := v.client.B().Hget().Key(v.key(hashedID, v.today())).Field(valkeyUnitsField).Build()
	used, err := v.client.Do(ctx, cmd).AsInt64()
	if err != nil && !valkey.IsValkeyNil(err) {
		return models.Balance{}, fmt.Errorf("read anonymous counter: %w", err)
	}
	return models.Balance{
		IdentifierType: models.IdentifierIPAddress,
		Remaining:      max(0, v.dailyUnits-int(used)),
		LimitType:      models.LimitAnonymousDaily,
	}, nil
}

func (v *Valkey) key(hashedID, day string) string {
	return valkeyKeyPrefix + hashedID + ":" + day
}

func (v *Valkey) today() string {
	return v.now().UTC().Format(time.DateOnly)
}
