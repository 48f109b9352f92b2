package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"rally/internal/pkg/redis"
	"rally/internal/service/ticketing/domain"
	"rally/internal/service/ticketing/domain/port"
)

const (
	debitScriptName  = "credits_debit"
	creditScriptName = "credits_credit"

	// 每个会员保留的流水条数
	historyCap = 1000
)

// LedgerRedisAdapter 是 port.CreditLedger 的 Redis 实现。
// 余额、已应用的幂等键和流水放在同一个 hash tag 下，一个 Lua 脚本里完成检查和扣减。
type LedgerRedisAdapter struct {
	redisClient *redis.Client
	now         func() time.Time
}

// NewLedgerRedisAdapter 创建账本适配器并加载脚本。
func NewLedgerRedisAdapter(redisClient *redis.Client) (*LedgerRedisAdapter, error) {
	if err := redisClient.LoadScriptFromContent(debitScriptName, debitScript); err != nil {
		return nil, fmt.Errorf("failed to load debit script: %w", err)
	}
	if err := redisClient.LoadScriptFromContent(creditScriptName, creditScript); err != nil {
		return nil, fmt.Errorf("failed to load credit script: %w", err)
	}
	return &LedgerRedisAdapter{redisClient: redisClient, now: time.Now}, nil
}

func ledgerKeys(userID, clubID string) []string {
	tag := fmt.Sprintf("{%s:%s}", userID, clubID)
	return []string{
		"credits:balance:" + tag,
		"credits:applied:" + tag,
		"credits:history:" + tag,
	}
}

func (a *LedgerRedisAdapter) Balance(ctx context.Context, userID, clubID string) (int64, error) {
	n, err := a.redisClient.GetClient().Get(ctx, ledgerKeys(userID, clubID)[0]).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return n, nil
}

func (a *LedgerRedisAdapter) Debit(ctx context.Context, req port.DebitRequest) (*domain.LedgerEntry, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("debit amount must be positive, got %d", req.Amount)
	}
	return a.apply(ctx, debitScriptName, req.UserID, req.ClubID, domain.LedgerDebit, req.Amount, req.Reason, req.IdempotencyKey)
}

func (a *LedgerRedisAdapter) Grant(ctx context.Context, req port.CreditRequest) (*domain.LedgerEntry, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("credit amount must be positive, got %d", req.Amount)
	}
	return a.apply(ctx, creditScriptName, req.UserID, req.ClubID, domain.LedgerGrant, req.Amount, req.Reason, req.IdempotencyKey)
}

func (a *LedgerRedisAdapter) Refund(ctx context.Context, req port.CreditRequest) (*domain.LedgerEntry, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("credit amount must be positive, got %d", req.Amount)
	}
	return a.apply(ctx, creditScriptName, req.UserID, req.ClubID, domain.LedgerRefund, req.Amount, req.Reason, req.IdempotencyKey)
}

func (a *LedgerRedisAdapter) apply(ctx context.Context, script, userID, clubID string, typ domain.LedgerEntryType, amount int64, reason domain.DebitReason, key string) (*domain.LedgerEntry, error) {
	if key == "" {
		key = "auto:" + uuid.NewString()
	}
	// balanceAfter 由脚本填入
	draft, err := json.Marshal(domain.LedgerEntry{
		ID:             uuid.NewString(),
		UserID:         userID,
		ClubID:         clubID,
		Type:           typ,
		Amount:         amount,
		Reason:         reason,
		IdempotencyKey: key,
		CreatedAt:      a.now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	result, err := a.redisClient.RunScript(ctx, script, ledgerKeys(userID, clubID), key, amount, string(draft), historyCap)
	if err != nil {
		return nil, fmt.Errorf("ledger adapter failed to run script: %w", err)
	}
	reply, ok := result.([]interface{})
	if !ok || len(reply) != 2 {
		return nil, fmt.Errorf("unexpected result from ledger script: %v", result)
	}
	code, ok := reply[0].(int64)
	if !ok {
		return nil, fmt.Errorf("unexpected result code type from ledger script: %T", reply[0])
	}

	switch code {
	case 1, 2:
		raw, ok := reply[1].(string)
		if !ok {
			return nil, fmt.Errorf("unexpected entry type from ledger script: %T", reply[1])
		}
		var entry domain.LedgerEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("decode ledger entry: %w", err)
		}
		return &entry, nil
	case 0:
		available, _ := reply[1].(int64)
		return nil, &domain.InsufficientCreditsError{Available: available, Required: amount}
	default:
		return nil, fmt.Errorf("unknown result code from ledger script: %d", code)
	}
}

func (a *LedgerRedisAdapter) History(ctx context.Context, userID, clubID string, limit int) ([]domain.LedgerEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raws, err := a.redisClient.GetClient().LRange(ctx, ledgerKeys(userID, clubID)[2], 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("read ledger history: %w", err)
	}
	out := make([]domain.LedgerEntry, 0, len(raws))
	for _, raw := range raws {
		var e domain.LedgerEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode ledger entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// KEYS[1]: 余额, 例如: credits:balance:{user-1:club-1}
// KEYS[2]: 已应用的幂等键 hash
// KEYS[3]: 流水列表，新的在前
// ARGV[1]: 幂等键  ARGV[2]: 数量  ARGV[3]: 流水草稿 JSON  ARGV[4]: 流水上限
//
// 返回 {1, entry} 成功, {0, balance} 余额不足, {2, entry} 幂等键已应用
var debitScript = `
local applied = redis.call('hget', KEYS[2], ARGV[1])
if applied then
    return {2, applied}
end

local amount = tonumber(ARGV[2])
local balance = tonumber(redis.call('get', KEYS[1]) or '0')
if balance < amount then
    return {0, balance}
end

local after = redis.call('decrby', KEYS[1], amount)
local entry = cjson.decode(ARGV[3])
entry['balanceAfter'] = after
local encoded = cjson.encode(entry)
redis.call('hset', KEYS[2], ARGV[1], encoded)
redis.call('lpush', KEYS[3], encoded)
redis.call('ltrim', KEYS[3], 0, tonumber(ARGV[4]) - 1)
return {1, encoded}
`

var creditScript = `
local applied = redis.call('hget', KEYS[2], ARGV[1])
if applied then
    return {2, applied}
end

local after = redis.call('incrby', KEYS[1], tonumber(ARGV[2]))
local entry = cjson.decode(ARGV[3])
entry['balanceAfter'] = after
local encoded = cjson.encode(entry)
redis.call('hset', KEYS[2], ARGV[1], encoded)
redis.call('lpush', KEYS[3], encoded)
redis.call('ltrim', KEYS[3], 0, tonumber(ARGV[4]) - 1)
return {1, encoded}
`
