package settlement

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"rally/internal/pkg/logger"
	"rally/internal/pkg/metrics"
	"rally/internal/service/ticketing/domain"
	"rally/internal/service/ticketing/domain/port"
)

// Options 结算参数。
type Options struct {
	MaxAttempts       int
	AttendanceRetries int
	Now               func() time.Time
}

// Coordinator 把客户端回调、跳转返回和 webhook 三个入口收敛到同一组幂等步骤上。
type Coordinator struct {
	deps   Deps
	opts   Options
	tracer trace.Tracer
	group  singleflight.Group
}

// NewCoordinator 创建结算协调器。
func NewCoordinator(deps Deps, opts Options) *Coordinator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AttendanceRetries < 1 {
		opts.AttendanceRetries = 1
	}
	return &Coordinator{
		deps:   deps,
		opts:   opts,
		tracer: otel.Tracer("settlement-coordinator"),
	}
}

// paidChain：参与者 -> 尽力扣减 -> 完成
func (c *Coordinator) paidChain() Handler {
	return Chain(
		&BeginHandler{maxAttempts: c.opts.MaxAttempts},
		&AttendanceHandler{retries: c.opts.AttendanceRetries},
		&BestEffortDebitHandler{now: c.opts.Now},
		&FinalizeHandler{now: c.opts.Now},
	)
}

// freeChain：必须扣减 -> 参与者（严格）-> 完成
func (c *Coordinator) freeChain() Handler {
	return Chain(
		&BeginHandler{maxAttempts: c.opts.MaxAttempts},
		&RequiredDebitHandler{},
		&AttendanceHandler{retries: c.opts.AttendanceRetries, strict: true},
		&FinalizeHandler{now: c.opts.Now},
	)
}

// SettlePaid 处理一次已确认的付款。同一支付引用的并发调用在进程内合并。
func (c *Coordinator) SettlePaid(ctx context.Context, conf domain.PaymentConfirmation) (*domain.SettlementRecord, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return c.run(ctx, conf, c.paidChain(), "settlement.SettlePaid")
}

// ClaimFree 处理免费门票：先扣积分再登记，任何一步失败整体失败。
func (c *Coordinator) ClaimFree(ctx context.Context, conf domain.PaymentConfirmation) (*domain.SettlementRecord, error) {
	conf.Source = domain.SourceFree
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return c.run(ctx, conf, c.freeChain(), "settlement.ClaimFree")
}

func (c *Coordinator) run(ctx context.Context, conf domain.PaymentConfirmation, chain Handler, spanName string) (*domain.SettlementRecord, error) {
	v, err, shared := c.group.Do(conf.PaymentRef, func() (interface{}, error) {
		ctx, span := c.tracer.Start(ctx, spanName, trace.WithAttributes(
			attribute.String("payment.ref", conf.PaymentRef),
			attribute.String("settlement.source", string(conf.Source)),
		))
		defer span.End()

		sc := &SettlementContext{
			Ctx:          ctx,
			Tracer:       c.tracer,
			Confirmation: conf,
			Deps:         c.deps,
		}
		if err := chain.Handle(sc); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			sc.TriggerCompensation(context.WithoutCancel(ctx))
			metrics.Settlements.WithLabelValues(string(conf.Source), "failed").Inc()
			return sc.Record, err
		}

		outcome := "settled"
		if sc.Redundant {
			outcome = "redundant"
		}
		metrics.Settlements.WithLabelValues(string(conf.Source), outcome).Inc()
		logger.Ctx(ctx).Info().Str("payment_ref", conf.PaymentRef).Str("source", string(conf.Source)).
			Str("outcome", outcome).Msg("settlement finished")
		return sc.Record, nil
	})
	if shared {
		logger.Ctx(ctx).Debug().Str("payment_ref", conf.PaymentRef).Msg("settlement collapsed with in-flight call")
	}
	rec, _ := v.(*domain.SettlementRecord)
	return rec, err
}

// RetryDebit 由补偿队列消费者调用。使用与首次扣减相同的幂等键，不会重复扣。
func (c *Coordinator) RetryDebit(ctx context.Context, task domain.DebitRetryTask) error {
	ctx, span := c.tracer.Start(ctx, "settlement.RetryDebit", trace.WithAttributes(attribute.String("payment.ref", task.PaymentRef)))
	defer span.End()

	rec, err := c.deps.Store.Find(ctx, task.PaymentRef)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if rec.Debit == domain.DebitSucceeded || rec.Debit == domain.DebitSkipped {
		metrics.DebitRetries.WithLabelValues("noop").Inc()
		return nil
	}

	_, err = c.deps.Ledger.Debit(ctx, port.DebitRequest{
		UserID:         rec.BuyerID,
		ClubID:         rec.ClubID,
		Amount:         rec.CreditsRequired,
		Reason:         domain.DebitReason{RewardID: rec.RewardID, PurchaseID: rec.PurchaseID, Note: "retry"},
		IdempotencyKey: rec.DebitIdempotencyKey(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "debit retry failed")
		metrics.DebitRetries.WithLabelValues("failed").Inc()
		if markErr := c.deps.Store.CompleteDebit(ctx, rec.PaymentRef, domain.DebitFailed, err.Error()); markErr != nil {
			logger.Ctx(ctx).Error().Err(markErr).Msg("failed to mark debit failed")
		}
		return domain.NewError(domain.KindLedgerDebitFailure, fmt.Sprintf("retry debit for %s", rec.PaymentRef), err)
	}

	if err := c.deps.Store.CompleteDebit(ctx, rec.PaymentRef, domain.DebitSucceeded, ""); err != nil {
		return err
	}
	metrics.DebitRetries.WithLabelValues("succeeded").Inc()
	logger.Ctx(ctx).Info().Str("payment_ref", rec.PaymentRef).Int64("credits", rec.CreditsRequired).Msg("✅ deferred debit applied")
	return nil
}

// Reconcile 把长时间停留在 failed 或 attempting 的扣减重新放进补偿队列，返回投递数量。
func (c *Coordinator) Reconcile(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	ctx, span := c.tracer.Start(ctx, "settlement.Reconcile")
	defer span.End()

	records, err := c.deps.Store.ListStalledDebits(ctx, c.opts.Now().Add(-olderThan), limit)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	enqueued := 0
	for i := range records {
		rec := &records[i]
		if err := c.deps.RetryQueue.EnqueueDebitRetry(ctx, rec.RetryTask("reconciliation", c.opts.Now())); err != nil {
			span.RecordError(err)
			return enqueued, fmt.Errorf("enqueue reconciliation for %s: %w", rec.PaymentRef, err)
		}
		enqueued++
	}
	span.SetAttributes(attribute.Int("reconcile.enqueued", enqueued))
	return enqueued, nil
}

func spanFrom(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

func traceState(state domain.DebitState) trace.EventOption {
	return trace.WithAttributes(attribute.String("debit.state", string(state)))
}
