package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"rally/internal/service/ticketing/domain"
)

// IntentStore 内存版会话存储。Update 在锁内执行，等价于一次乐观事务。
type IntentStore struct {
	mu      sync.Mutex
	intents map[string][]byte
}

func NewIntentStore() *IntentStore {
	return &IntentStore{intents: make(map[string][]byte)}
}

func (s *IntentStore) Save(_ context.Context, intent *domain.PurchaseIntent) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents[intent.ID] = data
	return nil
}

func (s *IntentStore) Get(_ context.Context, id string) (*domain.PurchaseIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(id)
}

func (s *IntentStore) load(id string) (*domain.PurchaseIntent, error) {
	data, ok := s.intents[id]
	if !ok {
		return nil, domain.NewError(domain.KindIntentNotFound, fmt.Sprintf("purchase intent %s", id), nil)
	}
	var intent domain.PurchaseIntent
	if err := json.Unmarshal(data, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

func (s *IntentStore) Update(_ context.Context, id string, fn func(*domain.PurchaseIntent) error) (*domain.PurchaseIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if err := fn(intent); err != nil {
		return nil, err
	}
	data, err := json.Marshal(intent)
	if err != nil {
		return nil, err
	}
	s.intents[id] = data
	return intent, nil
}

func (s *IntentStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.intents, id)
	return nil
}

// SettlementStore 内存版结算记录。
type SettlementStore struct {
	mu      sync.Mutex
	records map[string]*domain.SettlementRecord
	now     func() time.Time
}

func NewSettlementStore() *SettlementStore {
	return &SettlementStore{records: make(map[string]*domain.SettlementRecord), now: time.Now}
}

func (s *SettlementStore) Begin(_ context.Context, c domain.PaymentConfirmation) (*domain.SettlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[c.PaymentRef]
	if !ok {
		rec = domain.NewSettlementRecord(c, s.now())
		s.records[c.PaymentRef] = rec
	}
	rec.Attempts++
	rec.UpdatedAt = s.now()
	cp := *rec
	return &cp, nil
}

func (s *SettlementStore) Find(_ context.Context, ref string) (*domain.SettlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[ref]
	if !ok {
		return nil, domain.NewError(domain.KindNotFound, fmt.Sprintf("settlement %s", ref), nil)
	}
	cp := *rec
	return &cp, nil
}

func (s *SettlementStore) MarkAttendance(_ context.Context, ref string, state domain.AttendanceState, lastErr string) error {
	return s.mutate(ref, func(r *domain.SettlementRecord) {
		r.Attendance = state
		if lastErr != "" {
			r.LastError = lastErr
		}
	})
}

func (s *SettlementStore) ClaimDebit(_ context.Context, ref string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[ref]
	if !ok {
		return false, domain.NewError(domain.KindNotFound, fmt.Sprintf("settlement %s", ref), nil)
	}
	if !rec.NeedsDebit() {
		return false, nil
	}
	rec.Debit = domain.DebitAttempting
	rec.UpdatedAt = s.now()
	return true, nil
}

func (s *SettlementStore) CompleteDebit(_ context.Context, ref string, state domain.DebitState, lastErr string) error {
	return s.mutate(ref, func(r *domain.SettlementRecord) {
		r.Debit = state
		if lastErr != "" {
			r.LastError = lastErr
		}
	})
}

func (s *SettlementStore) MarkSettled(_ context.Context, ref string, at time.Time) error {
	return s.mutate(ref, func(r *domain.SettlementRecord) {
		if r.SettledAt == nil {
			r.SettledAt = &at
		}
	})
}

func (s *SettlementStore) ListStalledDebits(_ context.Context, before time.Time, limit int) ([]domain.SettlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SettlementRecord
	for _, r := range s.records {
		if r.DebitStalled() && r.UpdatedAt.Before(before) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountRedemptions 统计已成功扣减的兑换次数。
func (s *SettlementStore) CountRedemptions(_ context.Context, rewardID, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.records {
		if r.RewardID == rewardID && r.BuyerID == userID && r.Debit == domain.DebitSucceeded {
			n++
		}
	}
	return n, nil
}

func (s *SettlementStore) mutate(ref string, fn func(*domain.SettlementRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[ref]
	if !ok {
		return domain.NewError(domain.KindNotFound, fmt.Sprintf("settlement %s", ref), nil)
	}
	fn(rec)
	rec.UpdatedAt = s.now()
	return nil
}

// SetClock 测试辅助。
func (s *SettlementStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Attendance 内存版参与者集合。
type Attendance struct {
	mu        sync.Mutex
	attendees map[string]map[string]bool
	Inserts   int

	// FailNext 大于 0 时，接下来的 N 次写入失败
	FailNext int
}

func NewAttendance() *Attendance {
	return &Attendance{attendees: make(map[string]map[string]bool)}
}

func (a *Attendance) Register(_ context.Context, eventID, userID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.FailNext > 0 {
		a.FailNext--
		return false, fmt.Errorf("attendance store unavailable")
	}
	set, ok := a.attendees[eventID]
	if !ok {
		set = make(map[string]bool)
		a.attendees[eventID] = set
	}
	if set[userID] {
		return false, nil
	}
	set[userID] = true
	a.Inserts++
	return true, nil
}

func (a *Attendance) IsAttending(_ context.Context, eventID, userID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attendees[eventID][userID], nil
}

// WebhookEvents 内存版 webhook 去重表。
type WebhookEvents struct {
	mu   sync.Mutex
	seen map[string]bool
}

func NewWebhookEvents() *WebhookEvents {
	return &WebhookEvents{seen: make(map[string]bool)}
}

func (w *WebhookEvents) Record(_ context.Context, eventID, _ string, _ []byte) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seen[eventID] {
		return false, nil
	}
	w.seen[eventID] = true
	return true, nil
}

func (w *WebhookEvents) Forget(_ context.Context, eventID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.seen, eventID)
	return nil
}
