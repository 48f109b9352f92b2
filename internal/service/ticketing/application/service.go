// internal/service/ticketing/application/service.go
package application

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"rally/internal/pkg/logger"
	"rally/internal/service/ticketing/application/rail"
	"rally/internal/service/ticketing/domain"
	"rally/internal/service/ticketing/domain/port"
)

// CheckoutDeps 结账服务的依赖。
type CheckoutDeps struct {
	Events     port.EventRepository
	Intents    port.IntentStore
	Ledger     port.CreditLedger
	Selector   *RedemptionSelector
	Dispatcher *PaymentRailDispatcher
	Builder    *PurchaseIntentBuilder
	Settler    Settler
}

// CheckoutService 只关注结账流程的编排，价格和状态规则都在领域层。
type CheckoutService struct {
	events     port.EventRepository
	intents    port.IntentStore
	ledger     port.CreditLedger
	selector   *RedemptionSelector
	dispatcher *PaymentRailDispatcher
	builder    *PurchaseIntentBuilder
	settler    Settler
	tracer     trace.Tracer
	now        func() time.Time
}

func NewCheckoutService(deps CheckoutDeps, tracer trace.Tracer) *CheckoutService {
	return &CheckoutService{
		events: deps.Events, intents: deps.Intents, ledger: deps.Ledger,
		selector: deps.Selector, dispatcher: deps.Dispatcher,
		builder: deps.Builder, settler: deps.Settler,
		tracer: tracer, now: time.Now,
	}
}

func (s *CheckoutService) view(intent *domain.PurchaseIntent) *CheckoutView {
	return &CheckoutView{Intent: intent, Fees: s.builder.Quote(intent)}
}

// Open 为买家打开一次结账，价格取活动原价。
func (s *CheckoutService) Open(ctx context.Context, req OpenCheckoutRequest) (*CheckoutView, error) {
	ctx, span := s.tracer.Start(ctx, "app.OpenCheckout", trace.WithAttributes(
		attribute.String("event.id", req.EventID),
		attribute.String("buyer.id", req.BuyerID),
	))
	defer span.End()

	if req.EventID == "" || req.BuyerID == "" {
		return nil, domain.NewError(domain.KindInvalidState, "eventId and buyerId are required", nil)
	}
	event, err := s.events.FindByID(ctx, req.EventID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	intent, err := domain.NewPurchaseIntent(uuid.NewString(), event, req.BuyerID, s.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create purchase intent failed")
		return nil, err
	}
	if err := s.intents.Save(ctx, intent); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save purchase intent failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("intent.id", intent.ID))
	logger.Ctx(ctx).Info().Str("intent", intent.ID).Str("event", event.ID).Str("user", req.BuyerID).
		Str("price", intent.OriginalPrice.StringFixed(2)).Msg("checkout opened")
	return s.view(intent), nil
}

// Get 查询结账状态。
func (s *CheckoutService) Get(ctx context.Context, intentID string) (*CheckoutView, error) {
	intent, err := s.intents.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	return s.view(intent), nil
}

// ListRewards 列出可用奖励和当前余额。
func (s *CheckoutService) ListRewards(ctx context.Context, intentID string) (*RewardList, error) {
	intent, err := s.intents.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	rewards, balance, err := s.selector.ListEligible(ctx, intent)
	if err != nil {
		return nil, err
	}
	return &RewardList{PurchaseID: intent.ID, Balance: balance, Rewards: rewards}, nil
}

func (s *CheckoutService) ApplyReward(ctx context.Context, intentID, rewardID string) (*CheckoutView, error) {
	intent, err := s.selector.Apply(ctx, intentID, rewardID)
	if err != nil {
		return nil, err
	}
	return s.view(intent), nil
}

func (s *CheckoutService) RemoveReward(ctx context.Context, intentID string) (*CheckoutView, error) {
	intent, err := s.selector.Remove(ctx, intentID)
	if err != nil {
		return nil, err
	}
	return s.view(intent), nil
}

// Preview 费用预览。
func (s *CheckoutService) Preview(ctx context.Context, intentID string) (domain.FeeBreakdown, error) {
	intent, err := s.intents.Get(ctx, intentID)
	if err != nil {
		return domain.FeeBreakdown{}, err
	}
	return s.builder.Quote(intent), nil
}

// Pay 发起支付。免费门票不经过支付通道，直接走免费领取。
func (s *CheckoutService) Pay(ctx context.Context, cmd PayCommand) (*PayResult, error) {
	intent, err := s.intents.Get(ctx, cmd.IntentID)
	if err != nil {
		return nil, err
	}
	if intent.IsFree {
		return s.claimFree(ctx, intent.ID)
	}
	return s.dispatcher.Dispatch(ctx, cmd)
}

func (s *CheckoutService) claimFree(ctx context.Context, intentID string) (*PayResult, error) {
	ctx, span := s.tracer.Start(ctx, "app.ClaimFreeTicket", trace.WithAttributes(attribute.String("intent.id", intentID)))
	defer span.End()

	intent, err := s.intents.Update(ctx, intentID, func(i *domain.PurchaseIntent) error {
		switch i.Status {
		case domain.IntentSettling:
			return domain.NewError(domain.KindRailInProgress, fmt.Sprintf("claim for %s is already in progress", i.ID), nil)
		case domain.IntentSettled, domain.IntentCancelled:
			return domain.NewError(domain.KindInvalidState, fmt.Sprintf("intent %s is %s", i.ID, i.Status), nil)
		}
		if !i.IsFree {
			return domain.NewError(domain.KindInvalidState, "ticket is no longer free", nil)
		}
		i.BeginClaim(s.now())
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	conf := intent.Confirmation(domain.SourceFree)
	record, err := s.settler.ClaimFree(ctx, conf)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "free claim failed")
		if _, uerr := s.intents.Update(ctx, intentID, func(i *domain.PurchaseIntent) error {
			i.MarkFailed(domain.FailureMessage(err), s.now())
			return nil
		}); uerr != nil {
			logger.Ctx(ctx).Error().Err(uerr).Str("intent", intentID).Msg("failed to mark free claim failed")
		}
		logger.Ctx(ctx).Warn().Err(err).Str("intent", intentID).Msg("free ticket claim failed")
		return nil, err
	}

	intent.MarkSettled(s.now())
	if err := s.intents.Delete(ctx, intentID); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("intent", intentID).Msg("failed to discard settled intent")
	}
	logger.Ctx(ctx).Info().Str("intent", intentID).Str("payment_ref", conf.PaymentRef).Msg("✅ free ticket claimed")
	return &PayResult{
		Intent:     intent,
		Outcome:    rail.Outcome{Result: rail.ResultSucceeded, PaymentRef: conf.PaymentRef},
		Settlement: record,
	}, nil
}

// CompleteRedirect 托管收银台成功回跳。
func (s *CheckoutService) CompleteRedirect(ctx context.Context, intentID, sessionID string) (*PayResult, error) {
	return s.dispatcher.CompleteRedirect(ctx, intentID, sessionID)
}

// CancelRedirect 托管收银台取消回跳。
func (s *CheckoutService) CancelRedirect(ctx context.Context, intentID string) (*PayResult, error) {
	return s.dispatcher.CancelRedirect(ctx, intentID)
}

// Close 关闭结账并丢弃意图。支付进行中或已付款时拒绝。
func (s *CheckoutService) Close(ctx context.Context, intentID string) error {
	ctx, span := s.tracer.Start(ctx, "app.CloseCheckout", trace.WithAttributes(attribute.String("intent.id", intentID)))
	defer span.End()

	if _, err := s.intents.Update(ctx, intentID, func(i *domain.PurchaseIntent) error {
		return i.Cancel(s.now())
	}); err != nil {
		span.RecordError(err)
		return err
	}
	return s.intents.Delete(ctx, intentID)
}

// Balance 查询积分余额。
func (s *CheckoutService) Balance(ctx context.Context, userID, clubID string) (domain.CreditBalance, error) {
	credits, err := s.ledger.Balance(ctx, userID, clubID)
	if err != nil {
		return domain.CreditBalance{}, err
	}
	return domain.CreditBalance{UserID: userID, ClubID: clubID, AvailableCredits: credits}, nil
}

// LedgerHistory 查询积分流水，最新的在前。
func (s *CheckoutService) LedgerHistory(ctx context.Context, userID, clubID string, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.ledger.History(ctx, userID, clubID, limit)
}
