package admission

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultKeyPrefix namespaces reservation keys.
	DefaultKeyPrefix = "spendly:inflight:"

	// DefaultTTL expires reservations left behind by a crashed instance.
	DefaultTTL = 2 * time.Minute
)

// reserveScript checks every key before touching any of them.
// KEYS: reservation keys. ARGV[1]: ttl ms, then current, amount, threshold
// per key.
var reserveScript = redis.NewScript(`
local ttl = tonumber(ARGV[1])
for i = 1, #KEYS do
	local base = 1 + (i - 1) * 3
	local inflight = tonumber(redis.call('GET', KEYS[i]) or '0')
	local current = tonumber(ARGV[base + 1])
	local amount = tonumber(ARGV[base + 2])
	local threshold = tonumber(ARGV[base + 3])
	if current + inflight + amount >= threshold then
		return {i, tostring(inflight)}
	end
end
for i = 1, #KEYS do
	local base = 1 + (i - 1) * 3
	redis.call('INCRBYFLOAT', KEYS[i], ARGV[base + 2])
	redis.call('PEXPIRE', KEYS[i], ttl)
end
return {0, '0'}
`)

// releaseScript subtracts amounts and drops keys that return to zero.
// KEYS: reservation keys. ARGV: amount per key.
var releaseScript = redis.NewScript(`
for i = 1, #KEYS do
	local left = tonumber(redis.call('INCRBYFLOAT', KEYS[i], '-' .. ARGV[i]))
	if left <= 1e-9 then
		redis.call('DEL', KEYS[i])
	end
end
return 1
`)

// RedisReserver keeps reservations in Redis, shared by every instance.
// This is suitable for multi-instance deployments behind a load balancer.
type RedisReserver struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisReserver connects to Redis and verifies the connection.
func NewRedisReserver(cfg Config) (*RedisReserver, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	slog.Info("redis admission reserver connected", "prefix", prefix, "ttl", ttl)

	return &RedisReserver{client: client, prefix: prefix, ttl: ttl}, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func (r *RedisReserver) Reserve(ctx context.Context, checks []Check) (Outcome, error) {
	if len(checks) == 0 {
		return Outcome{Admitted: true}, nil
	}

	keys := make([]string, len(checks))
	args := make([]any, 0, 1+len(checks)*3)
	args = append(args, r.ttl.Milliseconds())
	for i, c := range checks {
		keys[i] = r.prefix + c.Key
		args = append(args, formatFloat(c.Current), formatFloat(c.Amount), formatFloat(c.Threshold))
	}

	res, err := reserveScript.Run(ctx, r.client, keys, args...).Slice()
	if err != nil {
		return Outcome{}, fmt.Errorf("redis reserve: %w", err)
	}
	if len(res) != 2 {
		return Outcome{}, fmt.Errorf("redis reserve: unexpected reply %v", res)
	}

	failed, ok := res[0].(int64)
	if !ok {
		return Outcome{}, fmt.Errorf("redis reserve: unexpected index %T", res[0])
	}
	if failed == 0 {
		return Outcome{Admitted: true}, nil
	}

	var inflight float64
	if s, ok := res[1].(string); ok {
		inflight, _ = strconv.ParseFloat(s, 64)
	}
	return Outcome{Failed: int(failed) - 1, InFlight: inflight}, nil
}

func (r *RedisReserver) Release(ctx context.Context, checks []Check) error {
	if len(checks) == 0 {
		return nil
	}

	keys := make([]string, len(checks))
	args := make([]any, len(checks))
	for i, c := range checks {
		keys[i] = r.prefix + c.Key
		args[i] = formatFloat(c.Amount)
	}
	if err := releaseScript.Run(ctx, r.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (r *RedisReserver) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
