package killswitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
)

const redisMaxRetries = 5

// RedisStore keeps the state as a JSON value under one key and updates it
// with optimistic WATCH/MULTI transactions.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, key: "governor:kill_switch"}
}

func (s *RedisStore) Load(ctx context.Context) (contracts.KillSwitchState, error) {
	return s.get(ctx, s.client)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) get(ctx context.Context, c getter) (contracts.KillSwitchState, error) {
	var st contracts.KillSwitchState
	raw, err := c.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("redis kill switch error: %w", err)
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, fmt.Errorf("corrupt kill switch state: %w", err)
	}
	return st, nil
}

func (s *RedisStore) Update(ctx context.Context, fn func(contracts.KillSwitchState) (contracts.KillSwitchState, bool)) (contracts.KillSwitchState, bool, error) {
	var (
		result  contracts.KillSwitchState
		changed bool
	)
	txf := func(tx *redis.Tx) error {
		cur, err := s.get(ctx, tx)
		if err != nil {
			return err
		}
		next, ok := fn(cur)
		result, changed = cur, ok
		if !ok {
			return nil
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key, raw, 0)
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for i := 0; i < redisMaxRetries; i++ {
		err := s.client.Watch(ctx, txf, s.key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return result, false, err
		}
		return result, changed, nil
	}
	return result, false, fmt.Errorf("redis kill switch: too much contention")
}
