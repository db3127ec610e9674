package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Amounts cross into Lua as integer micro-dollars.
const microsPerUSD = 1_000_000

// redisReserveScript admits a reservation atomically across instances.
// KEYS[1] = hash of reservation id -> "micros:expires_ms"
// ARGV[1] = reservation id
// ARGV[2] = amount (micros)
// ARGV[3] = committed spend (micros)
// ARGV[4] = cap (micros)
// ARGV[5] = expires at (unix ms)
// ARGV[6] = now (unix ms)
var redisReserveScript = redis.NewScript(`
local key = KEYS[1]
local id = ARGV[1]
local amount = tonumber(ARGV[2])
local committed = tonumber(ARGV[3])
local cap = tonumber(ARGV[4])
local expires = ARGV[5]
local now = tonumber(ARGV[6])

local outstanding = 0
local entries = redis.call("HGETALL", key)
for i = 1, #entries, 2 do
    local micros, exp = string.match(entries[i + 1], "^(%d+):(%d+)$")
    if not micros or tonumber(exp) < now then
        redis.call("HDEL", key, entries[i])
    else
        outstanding = outstanding + tonumber(micros)
    end
end

if committed + outstanding + amount > cap then
    return {0, outstanding}
end

redis.call("HSET", key, id, amount .. ":" .. expires)
redis.call("PEXPIRE", key, 172800000)
return {1, outstanding + amount}
`)

// redisOutstandingScript sums live reservations.
var redisOutstandingScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local outstanding = 0
local entries = redis.call("HGETALL", key)
for i = 1, #entries, 2 do
    local micros, exp = string.match(entries[i + 1], "^(%d+):(%d+)$")
    if micros and tonumber(exp) >= now then
        outstanding = outstanding + tonumber(micros)
    end
end
return outstanding
`)

// RedisReserver shares reservations between scheduler instances.
type RedisReserver struct {
	client redis.UniversalClient
	prefix string
	clock  func() time.Time
}

func NewRedisReserver(client redis.UniversalClient) *RedisReserver {
	return &RedisReserver{client: client, prefix: "governor:budget:reserved:", clock: time.Now}
}

func (s *RedisReserver) key(day string) string { return s.prefix + day }

func toMicros(d decimal.Decimal) int64 {
	return d.Mul(decimal.NewFromInt(microsPerUSD)).Ceil().IntPart()
}

func (s *RedisReserver) Reserve(ctx context.Context, r Reservation, committed, limit decimal.Decimal) (bool, error) {
	res, err := redisReserveScript.Run(ctx, s.client, []string{s.key(r.Day)},
		r.ID, toMicros(r.Amount), toMicros(committed), toMicros(limit),
		r.ExpiresAt.UnixMilli(), s.clock().UnixMilli(),
	).Result()
	if err != nil {
		return false, fmt.Errorf("redis reserve error: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("invalid response from lua script")
	}
	admitted, _ := results[0].(int64)
	return admitted == 1, nil
}

func (s *RedisReserver) Release(ctx context.Context, r Reservation) error {
	return s.client.HDel(ctx, s.key(r.Day), r.ID).Err()
}

func (s *RedisReserver) Outstanding(ctx context.Context, day string) (decimal.Decimal, error) {
	n, err := redisOutstandingScript.Run(ctx, s.client, []string{s.key(day)}, s.clock().UnixMilli()).Int64()
	if err != nil {
		return decimal.Zero, fmt.Errorf("redis outstanding error: %w", err)
	}
	return decimal.New(n, -6), nil
}
