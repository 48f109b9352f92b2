package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"rally/internal/pkg/redis"
	"rally/internal/service/ticketing/domain"
)

// 乐观事务冲突时的重试次数
const intentUpdateRetries = 5

// IntentRedisAdapter 是 port.IntentStore 的 Redis 实现。每次写入都会续期 TTL，
// 放弃结账的会话到期自动消失。
type IntentRedisAdapter struct {
	redisClient *redis.Client
	ttl         time.Duration
}

func NewIntentRedisAdapter(redisClient *redis.Client, ttl time.Duration) *IntentRedisAdapter {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &IntentRedisAdapter{redisClient: redisClient, ttl: ttl}
}

func intentKey(id string) string {
	return fmt.Sprintf("checkout:intent:{%s}", id)
}

func intentNotFound(id string) error {
	return domain.NewError(domain.KindIntentNotFound, fmt.Sprintf("purchase intent %s", id), nil)
}

func (a *IntentRedisAdapter) Save(ctx context.Context, intent *domain.PurchaseIntent) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return err
	}
	return a.redisClient.GetClient().Set(ctx, intentKey(intent.ID), data, a.ttl).Err()
}

func (a *IntentRedisAdapter) Get(ctx context.Context, id string) (*domain.PurchaseIntent, error) {
	data, err := a.redisClient.GetClient().Get(ctx, intentKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, intentNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("load purchase intent: %w", err)
	}
	var intent domain.PurchaseIntent
	if err := json.Unmarshal(data, &intent); err != nil {
		return nil, fmt.Errorf("decode purchase intent: %w", err)
	}
	return &intent, nil
}

// Update 用 WATCH/MULTI 做乐观事务，冲突时重新读取再执行 fn。
func (a *IntentRedisAdapter) Update(ctx context.Context, id string, fn func(*domain.PurchaseIntent) error) (*domain.PurchaseIntent, error) {
	key := intentKey(id)
	var result *domain.PurchaseIntent

	txf := func(tx *goredis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return intentNotFound(id)
		}
		if err != nil {
			return err
		}
		var intent domain.PurchaseIntent
		if err := json.Unmarshal(data, &intent); err != nil {
			return fmt.Errorf("decode purchase intent: %w", err)
		}
		if err := fn(&intent); err != nil {
			return err
		}
		out, err := json.Marshal(&intent)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, out, a.ttl)
			return nil
		})
		if err == nil {
			result = &intent
		}
		return err
	}

	for i := 0; i < intentUpdateRetries; i++ {
		err := a.redisClient.GetClient().Watch(ctx, txf, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, domain.NewError(domain.KindRailInProgress, fmt.Sprintf("purchase intent %s is being updated concurrently", id), nil)
}

func (a *IntentRedisAdapter) Delete(ctx context.Context, id string) error {
	return a.redisClient.GetClient().Del(ctx, intentKey(id)).Err()
}
