package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/revendapro/billing-engine/internal/domain"
)

// ReminderClaims keeps two overlapping sweeps from sending the same
// reminder. Claim reports false when another sweep holds the reminder.
type ReminderClaims interface {
	Claim(ctx context.Context, reminderID string, date time.Time) (bool, error)
}

var reminderClaimScript = redis.NewScript(`
local ok = redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2])
if ok then
  return 1
end
return 0
`)

const defaultClaimTTL = 2 * time.Minute

// RedisReminderClaims stores claims as expiring Redis keys.
type RedisReminderClaims struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisReminderClaims(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisReminderClaims {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "billing:reminders"
	}
	if ttl <= 0 {
		ttl = defaultClaimTTL
	}
	return &RedisReminderClaims{client: client, prefix: trimmedPrefix, ttl: ttl}
}

func (r *RedisReminderClaims) key(reminderID string, date time.Time) string {
	return fmt.Sprintf("%s:claim:%s:%s", r.prefix, reminderID, domain.DateOf(date).Format(domain.DateLayout))
}

// Claim takes the reminder for date. Without a Redis client every claim
// succeeds.
func (r *RedisReminderClaims) Claim(ctx context.Context, reminderID string, date time.Time) (bool, error) {
	if r == nil || r.client == nil {
		return true, nil
	}
	res, err := reminderClaimScript.Run(ctx, r.client, []string{r.key(reminderID, date)}, uuid.NewString(), r.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
