// internal/service/ticketing/domain/reward.go
package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RewardType 奖励类型。只有门票相关的两种会进入购票流程。
type RewardType string

const (
	RewardStoreDiscount      RewardType = "store_discount"
	RewardEventDiscount      RewardType = "event_discount"
	RewardEventFreeAdmission RewardType = "event_free_admission"
)

// RewardDefinition 是俱乐部管理员配置的积分奖励。
type RewardDefinition struct {
	ID              string           `json:"id"`
	ClubID          string           `json:"clubId"`
	Title           string           `json:"title"`
	Type            RewardType       `json:"type"`
	CreditsRequired int64            `json:"creditsRequired"`
	DiscountAmount  *decimal.Decimal `json:"discountAmount,omitempty"`
	DiscountPercent *decimal.Decimal `json:"discountPercent,omitempty"`
	IsActive        bool             `json:"isActive"`
	// MaxRedemptionsPerUser 为 nil 表示不限制
	MaxRedemptionsPerUser *int   `json:"maxRedemptionsPerUser,omitempty"`
	EligibilityRule       string `json:"eligibilityRule,omitempty"`
}

// AppliesToTickets 判断该奖励能否用在门票上。
func (r *RewardDefinition) AppliesToTickets() bool {
	return r.Type == RewardEventDiscount || r.Type == RewardEventFreeAdmission
}

// Validate 校验奖励定义本身是否合法。
func (r *RewardDefinition) Validate() error {
	if r.CreditsRequired <= 0 {
		return invalidReward(r, "creditsRequired must be positive")
	}
	switch r.Type {
	case RewardEventFreeAdmission:
		// 免费入场忽略金额与折扣字段
		return nil
	case RewardEventDiscount, RewardStoreDiscount:
	default:
		return invalidReward(r, fmt.Sprintf("unknown reward type %q", r.Type))
	}
	if r.DiscountAmount != nil && r.DiscountPercent != nil {
		return invalidReward(r, "both discountAmount and discountPercent are set")
	}
	if r.DiscountAmount == nil && r.DiscountPercent == nil {
		return invalidReward(r, "neither discountAmount nor discountPercent is set")
	}
	if p := r.DiscountPercent; p != nil && (p.IsNegative() || p.GreaterThan(hundred)) {
		return invalidReward(r, "discountPercent must be within 0-100")
	}
	if a := r.DiscountAmount; a != nil && a.IsNegative() {
		return invalidReward(r, "discountAmount must not be negative")
	}
	return nil
}

func invalidReward(r *RewardDefinition, msg string) error {
	return NewError(KindInvalidRewardDefinition, fmt.Sprintf("reward %s: %s", r.ID, msg), nil)
}

// AppliedReward 是绑定在一次购票意图上的奖励快照。
type AppliedReward struct {
	Reward         RewardDefinition `json:"reward"`
	DiscountAmount decimal.Decimal  `json:"discountAmount"`
}

// sameTerms 判断 reward 与已绑定的快照是否同一奖励且条款未变。
func (a *AppliedReward) sameTerms(reward *RewardDefinition, price PriceResult) bool {
	return a.Reward.ID == reward.ID &&
		a.Reward.Type == reward.Type &&
		a.Reward.CreditsRequired == reward.CreditsRequired &&
		a.DiscountAmount.Equal(price.DiscountAmount)
}
