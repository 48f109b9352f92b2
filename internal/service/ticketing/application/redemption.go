package application

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"rally/internal/pkg/logger"
	"rally/internal/service/ticketing/domain"
	"rally/internal/service/ticketing/domain/port"
)

// EligibleReward 是可选奖励及其价值描述。
type EligibleReward struct {
	Reward           domain.RewardDefinition `json:"reward"`
	ValueDescription string                  `json:"valueDescription"`
	Price            domain.PriceResult      `json:"price"`
}

// RedemptionSelector 列出和应用积分奖励。选择时不冻结积分，结算时由账本再次校验。
type RedemptionSelector struct {
	catalog port.RewardCatalog
	ledger  port.CreditLedger
	members port.MemberDirectory
	counter port.RedemptionCounter
	rules   port.RuleEngine
	intents port.IntentStore
	tracer  trace.Tracer
	now     func() time.Time
}

func NewRedemptionSelector(catalog port.RewardCatalog, ledger port.CreditLedger, members port.MemberDirectory,
	counter port.RedemptionCounter, rules port.RuleEngine, intents port.IntentStore, tracer trace.Tracer) *RedemptionSelector {
	return &RedemptionSelector{
		catalog: catalog, ledger: ledger, members: members,
		counter: counter, rules: rules, intents: intents,
		tracer: tracer, now: time.Now,
	}
}

type buyerSnapshot struct {
	rewards []domain.RewardDefinition
	balance int64
	tier    string
}

func (s *RedemptionSelector) snapshot(ctx context.Context, clubID, buyerID string) (*buyerSnapshot, error) {
	snap := &buyerSnapshot{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rewards, err := s.catalog.ActiveRewards(gctx, clubID)
		snap.rewards = rewards
		return err
	})
	g.Go(func() error {
		balance, err := s.ledger.Balance(gctx, buyerID, clubID)
		snap.balance = balance
		return err
	})
	if s.members != nil {
		g.Go(func() error {
			tier, err := s.members.Tier(gctx, clubID, buyerID)
			snap.tier = tier
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snap, nil
}

// ListEligible 返回买家当前能用在这张门票上的奖励，按所需积分升序、标题排序。
func (s *RedemptionSelector) ListEligible(ctx context.Context, intent *domain.PurchaseIntent) ([]EligibleReward, int64, error) {
	ctx, span := s.tracer.Start(ctx, "app.ListEligibleRewards", trace.WithAttributes(
		attribute.String("intent.id", intent.ID),
		attribute.String("club.id", intent.ClubID),
	))
	defer span.End()

	snap, err := s.snapshot(ctx, intent.ClubID, intent.BuyerID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load rewards or balance failed")
		return nil, 0, err
	}

	out := make([]EligibleReward, 0, len(snap.rewards))
	for i := range snap.rewards {
		r := snap.rewards[i]
		if !r.IsActive || !r.AppliesToTickets() || r.CreditsRequired > snap.balance {
			continue
		}
		if err := s.checkLimits(ctx, intent, &r, snap); err != nil {
			logger.Ctx(ctx).Debug().Str("reward", r.ID).Err(err).Msg("reward filtered out")
			continue
		}
		price, err := domain.CalculatePrice(intent.OriginalPrice, &r)
		if err != nil {
			// 配置错误的奖励不展示
			logger.Ctx(ctx).Warn().Err(err).Str("reward", r.ID).Msg("skipping invalid reward definition")
			continue
		}
		desc, _ := domain.DescribeValue(&r, intent.OriginalPrice, intent.Currency)
		out = append(out, EligibleReward{Reward: r, ValueDescription: desc, Price: price})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Reward.CreditsRequired != out[j].Reward.CreditsRequired {
			return out[i].Reward.CreditsRequired < out[j].Reward.CreditsRequired
		}
		return out[i].Reward.Title < out[j].Reward.Title
	})
	span.SetAttributes(attribute.Int("rewards.eligible", len(out)), attribute.Int64("credits.balance", snap.balance))
	return out, snap.balance, nil
}

// checkLimits 兑换次数上限和资格规则。
func (s *RedemptionSelector) checkLimits(ctx context.Context, intent *domain.PurchaseIntent, r *domain.RewardDefinition, snap *buyerSnapshot) error {
	if r.MaxRedemptionsPerUser != nil && s.counter != nil {
		n, err := s.counter.CountRedemptions(ctx, r.ID, intent.BuyerID)
		if err != nil {
			return err
		}
		if n >= int64(*r.MaxRedemptionsPerUser) {
			return domain.NewError(domain.KindInvalidState,
				fmt.Sprintf("reward %s already redeemed %d times", r.ID, n), nil)
		}
	}
	if r.EligibilityRule == "" {
		return nil
	}
	if s.rules == nil {
		return domain.NewError(domain.KindInvalidState, "no rule engine configured for eligibility rule", nil)
	}
	ok, err := s.rules.Evaluate(ctx, r.EligibilityRule, facts(intent, snap))
	if err != nil {
		return err
	}
	if !ok {
		return domain.NewError(domain.KindInvalidState, fmt.Sprintf("buyer is not eligible for reward %s", r.ID), nil)
	}
	return nil
}

func facts(intent *domain.PurchaseIntent, snap *buyerSnapshot) port.Facts {
	price, _ := intent.OriginalPrice.Float64()
	return port.Facts{
		"member": map[string]any{"tier": snap.tier},
		"event": map[string]any{
			"id":       intent.EventID,
			"club_id":  intent.ClubID,
			"price":    price,
			"currency": intent.Currency,
		},
		"balance": snap.balance,
	}
}

// Apply 应用奖励。重新读取余额，余额不足时返回 *domain.InsufficientCreditsError。
func (s *RedemptionSelector) Apply(ctx context.Context, intentID, rewardID string) (*domain.PurchaseIntent, error) {
	ctx, span := s.tracer.Start(ctx, "app.ApplyReward", trace.WithAttributes(
		attribute.String("intent.id", intentID),
		attribute.String("reward.id", rewardID),
	))
	defer span.End()

	current, err := s.intents.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	reward, err := s.catalog.FindReward(ctx, rewardID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if reward.ClubID != current.ClubID || !reward.IsActive {
		return nil, domain.NewError(domain.KindNotFound, fmt.Sprintf("reward %s is not available for this event", rewardID), nil)
	}
	if !reward.AppliesToTickets() {
		return nil, domain.NewError(domain.KindInvalidRewardDefinition, fmt.Sprintf("reward %s cannot be used for tickets", rewardID), nil)
	}

	snap, err := s.snapshot(ctx, current.ClubID, current.BuyerID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if snap.balance < reward.CreditsRequired {
		err := &domain.InsufficientCreditsError{Available: snap.balance, Required: reward.CreditsRequired}
		span.RecordError(err)
		span.SetStatus(codes.Error, "insufficient credits")
		return nil, err
	}
	if err := s.checkLimits(ctx, current, reward, snap); err != nil {
		span.RecordError(err)
		return nil, err
	}

	updated, err := s.intents.Update(ctx, intentID, func(intent *domain.PurchaseIntent) error {
		return intent.ApplyReward(reward, s.now())
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply reward failed")
		return nil, err
	}
	logger.Ctx(ctx).Info().Str("intent", intentID).Str("reward", rewardID).
		Str("discounted", updated.DiscountedPrice.StringFixed(2)).Bool("free", updated.IsFree).Msg("reward applied")
	return updated, nil
}

// Remove 清除奖励，恢复原价。
func (s *RedemptionSelector) Remove(ctx context.Context, intentID string) (*domain.PurchaseIntent, error) {
	ctx, span := s.tracer.Start(ctx, "app.RemoveReward", trace.WithAttributes(attribute.String("intent.id", intentID)))
	defer span.End()

	updated, err := s.intents.Update(ctx, intentID, func(intent *domain.PurchaseIntent) error {
		return intent.RemoveReward(s.now())
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return updated, nil
}
