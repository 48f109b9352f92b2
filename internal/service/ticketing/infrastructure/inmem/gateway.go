package inmem

import (
	"context"
	"fmt"
	"sync"

	"rally/internal/service/ticketing/domain"
	"rally/internal/service/ticketing/domain/port"
)

// Gateway 是内存版支付网关，用来驱动通道和结算测试。
type Gateway struct {
	mu        sync.Mutex
	seq       int
	intents   map[string]*port.IntentHandle
	checkouts map[string]*port.HostedCheckout

	CreatedIntents   []port.CreateIntentRequest
	CreatedCheckouts []port.HostedCheckoutRequest

	// DeclineWith 不为 nil 时确认操作返回该错误
	DeclineWith *domain.GatewayError
	// CreateErr 不为 nil 时创建意图返回该错误
	CreateErr error
}

func NewGateway() *Gateway {
	return &Gateway{
		intents:   make(map[string]*port.IntentHandle),
		checkouts: make(map[string]*port.HostedCheckout),
	}
}

func (g *Gateway) CreateIntent(_ context.Context, req port.CreateIntentRequest) (*port.IntentHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.CreateErr != nil {
		return nil, g.CreateErr
	}
	g.seq++
	h := &port.IntentHandle{
		ID:           fmt.Sprintf("pi_%d", g.seq),
		ClientSecret: fmt.Sprintf("pi_%d_secret", g.seq),
		AmountMinor:  req.DiscountedAmountMin,
		Currency:     req.Currency,
		Status:       port.PaymentRequiresMethod,
		Metadata:     req.Metadata,
	}
	g.intents[h.ID] = h
	g.CreatedIntents = append(g.CreatedIntents, req)
	cp := *h
	return &cp, nil
}

func (g *Gateway) confirm(intentID string) (*port.IntentHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.intents[intentID]
	if !ok {
		return nil, &domain.GatewayError{StatusCode: 404, Code: "resource_missing", Message: "no such payment_intent"}
	}
	if g.DeclineWith != nil {
		return nil, g.DeclineWith
	}
	h.Status = port.PaymentSucceeded
	cp := *h
	return &cp, nil
}

func (g *Gateway) ConfirmCard(_ context.Context, intentID, _ string) (*port.IntentHandle, error) {
	return g.confirm(intentID)
}

func (g *Gateway) ConfirmWallet(_ context.Context, intentID string, _ domain.RailKind, _ string) (*port.IntentHandle, error) {
	return g.confirm(intentID)
}

func (g *Gateway) RetrieveIntent(_ context.Context, intentID string) (*port.IntentHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.intents[intentID]
	if !ok {
		return nil, &domain.GatewayError{StatusCode: 404, Code: "resource_missing", Message: "no such payment_intent"}
	}
	cp := *h
	return &cp, nil
}

// MarkIntentSucceeded 模拟买家在托管面板里完成付款。
func (g *Gateway) MarkIntentSucceeded(intentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if h, ok := g.intents[intentID]; ok {
		h.Status = port.PaymentSucceeded
	}
}

func (g *Gateway) CreateHostedCheckout(_ context.Context, req port.HostedCheckoutRequest) (*port.HostedCheckout, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.CreateErr != nil {
		return nil, g.CreateErr
	}
	g.seq++
	cs := &port.HostedCheckout{
		ID:          fmt.Sprintf("cs_%d", g.seq),
		URL:         fmt.Sprintf("https://checkout.gateway.test/cs_%d", g.seq),
		Status:      "open",
		AmountMinor: req.DiscountedAmountMin,
		Currency:    req.Currency,
		Metadata:    req.Metadata,
	}
	g.checkouts[cs.ID] = cs
	g.CreatedCheckouts = append(g.CreatedCheckouts, req)
	cp := *cs
	return &cp, nil
}

// CompleteCheckout 模拟买家在托管收银台付款，返回生成的支付意图 ID。
func (g *Gateway) CompleteCheckout(sessionID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	cs, ok := g.checkouts[sessionID]
	if !ok {
		return ""
	}
	g.seq++
	pi := &port.IntentHandle{
		ID:          fmt.Sprintf("pi_%d", g.seq),
		AmountMinor: cs.AmountMinor,
		Currency:    cs.Currency,
		Status:      port.PaymentSucceeded,
		Metadata:    cs.Metadata,
	}
	g.intents[pi.ID] = pi
	cs.Status = "complete"
	cs.PaymentStatus = "paid"
	cs.PaymentIntentID = pi.ID
	return pi.ID
}

func (g *Gateway) RetrieveCheckout(_ context.Context, sessionID string) (*port.HostedCheckout, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cs, ok := g.checkouts[sessionID]
	if !ok {
		return nil, &domain.GatewayError{StatusCode: 404, Code: "resource_missing", Message: "no such checkout session"}
	}
	cp := *cs
	return &cp, nil
}

// RetryQueue 记录投递的补偿任务。
type RetryQueue struct {
	mu    sync.Mutex
	Tasks []domain.DebitRetryTask
}

func (q *RetryQueue) EnqueueDebitRetry(_ context.Context, task domain.DebitRetryTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.Tasks = append(q.Tasks, task)
	return nil
}

func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.Tasks)
}

// Notifier 记录发布的状态事件。
type Notifier struct {
	mu     sync.Mutex
	Events []domain.PurchaseStatusEvent
}

func (n *Notifier) PurchaseStatusChanged(_ context.Context, e domain.PurchaseStatusEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Events = append(n.Events, e)
	return nil
}

// ConfirmationSink 记录 webhook 投递出去的确认。
type ConfirmationSink struct {
	mu            sync.Mutex
	Confirmations []domain.PaymentConfirmation
}

func (s *ConfirmationSink) PublishConfirmation(_ context.Context, c domain.PaymentConfirmation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Confirmations = append(s.Confirmations, c)
	return nil
}
