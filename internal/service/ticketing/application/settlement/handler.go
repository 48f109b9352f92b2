package settlement

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"rally/internal/pkg/logger"
	"rally/internal/service/ticketing/domain"
	"rally/internal/service/ticketing/domain/port"
)

// Deps 是结算步骤依赖的出站端口。
type Deps struct {
	Store      port.SettlementStore
	Ledger     port.CreditLedger
	Attendance port.AttendanceRegistrar
	RetryQueue port.DebitRetryQueue
	Notifier   port.PurchaseNotifier
}

// SettlementContext 在结算链中传递。
type SettlementContext struct {
	Ctx          context.Context
	Tracer       trace.Tracer
	Confirmation domain.PaymentConfirmation
	Record       *domain.SettlementRecord
	Deps

	// Redundant 表示记录已经完成，后续步骤什么都不用做
	Redundant bool

	compensations []func(ctx context.Context)
	compLock      sync.Mutex
}

// AddCompensation 补偿按后进先出执行。
func (c *SettlementContext) AddCompensation(comp func(ctx context.Context)) {
	c.compLock.Lock()
	defer c.compLock.Unlock()
	c.compensations = append([]func(context.Context){comp}, c.compensations...)
}

func (c *SettlementContext) TriggerCompensation(ctx context.Context) {
	c.compLock.Lock()
	defer c.compLock.Unlock()
	logger.Ctx(ctx).Info().Str("payment_ref", c.Confirmation.PaymentRef).
		Int("count", len(c.compensations)).Msg("executing settlement compensations")
	for _, comp := range c.compensations {
		comp(ctx)
	}
	c.compensations = nil
}

// Handler 是结算链上的一个步骤。
type Handler interface {
	SetNext(handler Handler) Handler
	Handle(sc *SettlementContext) error
}

type NextHandler struct {
	next Handler
}

func (h *NextHandler) SetNext(handler Handler) Handler {
	h.next = handler
	return handler
}

func (h *NextHandler) executeNext(sc *SettlementContext) error {
	if h.next != nil {
		return h.next.Handle(sc)
	}
	return nil
}

// Chain 把步骤串起来，返回链头。
func Chain(first Handler, rest ...Handler) Handler {
	cur := first
	for _, h := range rest {
		cur = cur.SetNext(h)
	}
	return first
}
