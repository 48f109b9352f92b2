package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"rally/internal/service/ticketing/domain"
	"rally/internal/service/ticketing/domain/port"
)

type balanceKey struct{ user, club string }

// Ledger 是内存版积分账本，语义与 Redis 实现一致。
type Ledger struct {
	mu       sync.Mutex
	balances map[balanceKey]int64
	applied  map[string]domain.LedgerEntry
	entries  map[balanceKey][]domain.LedgerEntry
	now      func() time.Time

	// FailDebits 不为 nil 时 Debit 直接返回该错误（模拟账本故障）
	FailDebits error
}

func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[balanceKey]int64),
		applied:  make(map[string]domain.LedgerEntry),
		entries:  make(map[balanceKey][]domain.LedgerEntry),
		now:      time.Now,
	}
}

func (l *Ledger) Balance(_ context.Context, userID, clubID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[balanceKey{userID, clubID}], nil
}

func (l *Ledger) Debit(_ context.Context, req port.DebitRequest) (*domain.LedgerEntry, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("debit amount must be positive, got %d", req.Amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailDebits != nil {
		return nil, l.FailDebits
	}
	if e, ok := l.applied[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return &e, nil
	}
	k := balanceKey{req.UserID, req.ClubID}
	if l.balances[k] < req.Amount {
		return nil, &domain.InsufficientCreditsError{Available: l.balances[k], Required: req.Amount}
	}
	l.balances[k] -= req.Amount
	return l.append(k, domain.LedgerDebit, req.Amount, req.Reason, req.IdempotencyKey), nil
}

func (l *Ledger) Grant(_ context.Context, req port.CreditRequest) (*domain.LedgerEntry, error) {
	return l.credit(req, domain.LedgerGrant)
}

func (l *Ledger) Refund(_ context.Context, req port.CreditRequest) (*domain.LedgerEntry, error) {
	return l.credit(req, domain.LedgerRefund)
}

func (l *Ledger) credit(req port.CreditRequest, typ domain.LedgerEntryType) (*domain.LedgerEntry, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("credit amount must be positive, got %d", req.Amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.applied[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return &e, nil
	}
	k := balanceKey{req.UserID, req.ClubID}
	l.balances[k] += req.Amount
	return l.append(k, typ, req.Amount, req.Reason, req.IdempotencyKey), nil
}

func (l *Ledger) append(k balanceKey, typ domain.LedgerEntryType, amount int64, reason domain.DebitReason, key string) *domain.LedgerEntry {
	e := domain.LedgerEntry{
		ID:             uuid.NewString(),
		UserID:         k.user,
		ClubID:         k.club,
		Type:           typ,
		Amount:         amount,
		BalanceAfter:   l.balances[k],
		Reason:         reason,
		IdempotencyKey: key,
		CreatedAt:      l.now(),
	}
	if key != "" {
		l.applied[key] = e
	}
	l.entries[k] = append(l.entries[k], e)
	return &e
}

func (l *Ledger) History(_ context.Context, userID, clubID string, limit int) ([]domain.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	all := l.entries[balanceKey{userID, clubID}]
	out := make([]domain.LedgerEntry, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, all[i])
	}
	return out, nil
}

// SetBalance 测试辅助：直接设置余额，不产生流水。
func (l *Ledger) SetBalance(userID, clubID string, credits int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[balanceKey{userID, clubID}] = credits
}
