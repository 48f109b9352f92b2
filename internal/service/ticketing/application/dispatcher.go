package application

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"rally/internal/pkg/logger"
	"rally/internal/pkg/metrics"
	"rally/internal/service/ticketing/application/rail"
	"rally/internal/service/ticketing/domain"
	"rally/internal/service/ticketing/domain/port"
)

// Settler 是结算协调器对应用层暴露的能力。
type Settler interface {
	SettlePaid(ctx context.Context, conf domain.PaymentConfirmation) (*domain.SettlementRecord, error)
	ClaimFree(ctx context.Context, conf domain.PaymentConfirmation) (*domain.SettlementRecord, error)
}

// PaymentRailDispatcher 选择通道、维护通道状态机，成功后交给结算。
type PaymentRailDispatcher struct {
	intents  port.IntentStore
	events   port.EventRepository
	gateway  port.PaymentGateway
	rails    *rail.Registry
	builder  *PurchaseIntentBuilder
	settler  Settler
	notifier port.PurchaseNotifier
	tracer   trace.Tracer
	now      func() time.Time
}

func NewPaymentRailDispatcher(intents port.IntentStore, events port.EventRepository, gateway port.PaymentGateway,
	rails *rail.Registry, builder *PurchaseIntentBuilder, settler Settler, notifier port.PurchaseNotifier, tracer trace.Tracer) *PaymentRailDispatcher {
	return &PaymentRailDispatcher{
		intents: intents, events: events, gateway: gateway,
		rails: rails, builder: builder, settler: settler,
		notifier: notifier, tracer: tracer, now: time.Now,
	}
}

// Dispatch 用指定通道发起一次支付。
// 返回的 error 只代表支付前的失败；付款成功后的结算问题只记录日志。
func (d *PaymentRailDispatcher) Dispatch(ctx context.Context, cmd PayCommand) (*PayResult, error) {
	ctx, span := d.tracer.Start(ctx, "app.DispatchPayment", trace.WithAttributes(
		attribute.String("intent.id", cmd.IntentID),
		attribute.String("rail.requested", string(cmd.Rail)),
	))
	defer span.End()

	selected, err := d.rails.Resolve(ctx, cmd.Rail)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rail unavailable")
		return nil, err
	}
	span.SetAttributes(attribute.String("rail.kind", string(selected.Kind())))

	// 在会话存储的原子更新里开始尝试，保证同一时刻只有一个通道在跑
	intent, err := d.intents.Update(ctx, cmd.IntentID, func(intent *domain.PurchaseIntent) error {
		if intent.IsFree {
			return domain.NewError(domain.KindInvalidState, "free tickets are claimed without a payment rail", nil)
		}
		if intent.Status == domain.IntentCancelled || intent.Status == domain.IntentSettling || intent.Status == domain.IntentSettled {
			return domain.NewError(domain.KindInvalidState, fmt.Sprintf("intent %s is %s", intent.ID, intent.Status), nil)
		}
		return intent.Rail.Begin(selected.Kind(), d.now())
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "begin rail attempt failed")
		return nil, err
	}
	metrics.RailAttempts.WithLabelValues(string(selected.Kind()), "started").Inc()

	req := rail.PayRequest{Intent: intent, PaymentMethodID: cmd.PaymentMethodID, Bridge: cmd.Bridge}
	if selected.NeedsIntent() {
		handle, err := d.ensureGatewayIntent(ctx, intent)
		if err != nil {
			return nil, d.fail(ctx, intent.ID, selected.Kind(), err)
		}
		req.Handle = handle
	} else {
		title := ""
		if ev, err := d.events.FindByID(ctx, intent.EventID); err == nil {
			title = ev.Title
		}
		checkout := d.builder.CheckoutRequest(intent, title)
		req.Checkout = &checkout
	}

	out, err := selected.Pay(ctx, req)
	if err != nil {
		return nil, d.fail(ctx, intent.ID, selected.Kind(), err)
	}

	switch out.Result {
	case rail.ResultCancelled:
		return d.cancelled(ctx, intent.ID, selected.Kind())
	case rail.ResultPending:
		return d.pending(ctx, intent.ID, out)
	default:
		metrics.RailAttempts.WithLabelValues(string(selected.Kind()), "succeeded").Inc()
		return d.settle(ctx, intent.ID, out.PaymentRef, domain.SourceClient)
	}
}

// ensureGatewayIntent 金额没变时复用已有的网关意图，否则重新创建。
func (d *PaymentRailDispatcher) ensureGatewayIntent(ctx context.Context, intent *domain.PurchaseIntent) (*port.IntentHandle, error) {
	if intent.GatewayReusable() {
		g := intent.Gateway
		trace.SpanFromContext(ctx).AddEvent("reusing gateway intent", trace.WithAttributes(attribute.String("gateway.intent", g.ID)))
		return &port.IntentHandle{ID: g.ID, ClientSecret: g.ClientSecret, AmountMinor: g.AmountMinor, Currency: g.Currency}, nil
	}

	handle, err := d.gateway.CreateIntent(ctx, d.builder.IntentRequest(intent))
	if err != nil {
		return nil, err
	}
	_, err = d.intents.Update(ctx, intent.ID, func(i *domain.PurchaseIntent) error {
		i.AttachGateway(&domain.GatewayIntent{
			ID:           handle.ID,
			ClientSecret: handle.ClientSecret,
			AmountMinor:  handle.AmountMinor,
			Currency:     handle.Currency,
		}, d.now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Ctx(ctx).Info().Str("intent", intent.ID).Str("gateway_intent", handle.ID).Int64("amount_minor", handle.AmountMinor).Msg("gateway intent created")
	return handle, nil
}

func (d *PaymentRailDispatcher) fail(ctx context.Context, intentID string, kind domain.RailKind, cause error) error {
	span := trace.SpanFromContext(ctx)
	span.RecordError(cause)
	span.SetStatus(codes.Error, "payment rail failed")
	metrics.RailAttempts.WithLabelValues(string(kind), "failed").Inc()

	msg := domain.FailureMessage(cause)
	updated, err := d.intents.Update(ctx, intentID, func(i *domain.PurchaseIntent) error {
		if err := i.Rail.Fail(d.now(), cause.Error()); err != nil {
			return err
		}
		i.MarkFailed(msg, d.now())
		return nil
	})
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("intent", intentID).Msg("failed to record rail failure")
	} else {
		d.notify(ctx, updated, msg)
	}
	logger.Ctx(ctx).Warn().Err(cause).Str("intent", intentID).Str("rail", string(kind)).Msg("payment attempt failed")

	if domain.KindOf(cause) != "" {
		return cause
	}
	return domain.NewError(domain.KindPaymentGateway, msg, cause)
}

func (d *PaymentRailDispatcher) cancelled(ctx context.Context, intentID string, kind domain.RailKind) (*PayResult, error) {
	metrics.RailAttempts.WithLabelValues(string(kind), "cancelled").Inc()
	updated, err := d.intents.Update(ctx, intentID, func(i *domain.PurchaseIntent) error {
		if err := i.Rail.Cancel(d.now()); err != nil {
			return err
		}
		i.ResumePayment(d.now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Ctx(ctx).Info().Str("intent", intentID).Str("rail", string(kind)).Msg("payment cancelled by buyer, reward kept")
	return &PayResult{Intent: updated, Outcome: rail.Outcome{Result: rail.ResultCancelled}}, nil
}

func (d *PaymentRailDispatcher) pending(ctx context.Context, intentID string, out rail.Outcome) (*PayResult, error) {
	updated, err := d.intents.Update(ctx, intentID, func(i *domain.PurchaseIntent) error {
		i.AttachGateway(&domain.GatewayIntent{
			AmountMinor:       i.AmountMinor(),
			Currency:          i.Currency,
			CheckoutSessionID: out.SessionID,
			CheckoutURL:       out.RedirectURL,
		}, d.now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &PayResult{Intent: updated, Outcome: out}, nil
}

// settle 付款已经成功：推进状态机并交给结算协调器。
func (d *PaymentRailDispatcher) settle(ctx context.Context, intentID, paymentRef string, source domain.SettlementSource) (*PayResult, error) {
	intent, err := d.intents.Update(ctx, intentID, func(i *domain.PurchaseIntent) error {
		if err := i.Rail.Succeed(d.now()); err != nil {
			return err
		}
		if i.Gateway == nil {
			i.Gateway = &domain.GatewayIntent{AmountMinor: i.AmountMinor(), Currency: i.Currency}
		}
		i.Gateway.ID = paymentRef
		i.MarkSettling(d.now())
		return nil
	})
	if err != nil {
		// 钱已经收了，webhook 会完成结算
		logger.Ctx(ctx).Error().Err(err).Str("intent", intentID).Str("payment_ref", paymentRef).Msg("failed to record rail success, leaving settlement to webhook")
		return &PayResult{Outcome: rail.Outcome{Result: rail.ResultSucceeded, PaymentRef: paymentRef}}, nil
	}

	result := &PayResult{Intent: intent, Outcome: rail.Outcome{Result: rail.ResultSucceeded, PaymentRef: paymentRef}}
	record, err := d.settler.SettlePaid(ctx, intent.Confirmation(source))
	result.Settlement = record
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("intent", intentID).Str("payment_ref", paymentRef).Msg("settlement after payment did not complete")
		return result, nil
	}

	intent.MarkSettled(d.now())
	if err := d.intents.Delete(ctx, intentID); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("intent", intentID).Msg("failed to discard settled intent")
	}
	return result, nil
}

// CompleteRedirect 处理买家从托管收银台回跳。先向网关核实，再结算。
func (d *PaymentRailDispatcher) CompleteRedirect(ctx context.Context, intentID, sessionID string) (*PayResult, error) {
	ctx, span := d.tracer.Start(ctx, "app.CompleteRedirect", trace.WithAttributes(
		attribute.String("intent.id", intentID),
		attribute.String("checkout.session", sessionID),
	))
	defer span.End()

	redirect := d.rails.Redirect()
	if redirect == nil {
		return nil, domain.NewError(domain.KindRailUnavailable, "redirect checkout is not enabled", nil)
	}
	intent, err := d.intents.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.Rail.Kind != domain.RailRedirect || intent.Rail.State != domain.RailInProgress {
		return nil, domain.NewError(domain.KindInvalidState,
			fmt.Sprintf("intent %s has no redirect checkout in progress", intentID), nil)
	}
	if intent.Gateway == nil || intent.Gateway.CheckoutSessionID != sessionID {
		return nil, domain.NewError(domain.KindInvalidState, "checkout session does not match this purchase", nil)
	}

	ref, err := redirect.Verify(ctx, sessionID, intentID)
	if err != nil {
		return nil, d.fail(ctx, intentID, domain.RailRedirect, err)
	}
	metrics.RailAttempts.WithLabelValues(string(domain.RailRedirect), "succeeded").Inc()
	return d.settle(ctx, intentID, ref, domain.SourceRedirectReturn)
}

// CancelRedirect 买家从收银台点了取消。
func (d *PaymentRailDispatcher) CancelRedirect(ctx context.Context, intentID string) (*PayResult, error) {
	intent, err := d.intents.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.Rail.Kind != domain.RailRedirect || intent.Rail.State != domain.RailInProgress {
		return nil, domain.NewError(domain.KindInvalidState,
			fmt.Sprintf("intent %s has no redirect checkout in progress", intentID), nil)
	}
	return d.cancelled(ctx, intentID, domain.RailRedirect)
}

func (d *PaymentRailDispatcher) notify(ctx context.Context, intent *domain.PurchaseIntent, msg string) {
	if d.notifier == nil {
		return
	}
	event := domain.PurchaseStatusEvent{
		PurchaseID: intent.ID,
		EventID:    intent.EventID,
		BuyerID:    intent.BuyerID,
		Status:     intent.Status,
		Message:    msg,
		OccurredAt: d.now(),
	}
	if err := d.notifier.PurchaseStatusChanged(ctx, event); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("intent", intent.ID).Msg("failed to publish purchase status")
	}
}
