// internal/service/ticketing/domain/price.go
package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// PriceResult 是价格计算的结果。
type PriceResult struct {
	OriginalPrice   decimal.Decimal `json:"originalPrice"`
	DiscountedPrice decimal.Decimal `json:"discountedPrice"`
	DiscountAmount  decimal.Decimal `json:"discountAmount"`
	IsFree          bool            `json:"isFree"`
}

// CalculatePrice 计算门票应付金额。
//
// 优先级：
//  1. 无奖励：原价
//  2. 免费入场：0，无视金额/折扣字段
//  3. 百分比折扣
//  4. 固定金额折扣（不超过原价）
//
// 每一步都按 Round2 舍入。非法输入返回 InvalidRewardDefinition，不会退化成无奖励。
func CalculatePrice(originalPrice decimal.Decimal, reward *RewardDefinition) (PriceResult, error) {
	if originalPrice.IsNegative() {
		return PriceResult{}, NewError(KindInvalidRewardDefinition,
			fmt.Sprintf("ticket price %s is negative", originalPrice.String()), nil)
	}
	original := Round2(originalPrice)

	if reward == nil {
		return PriceResult{
			OriginalPrice:   original,
			DiscountedPrice: original,
			DiscountAmount:  decimal.Zero,
			IsFree:          original.IsZero(),
		}, nil
	}

	if !reward.AppliesToTickets() {
		if reward.Type == RewardStoreDiscount {
			return PriceResult{}, invalidReward(reward, "store discounts cannot be applied to tickets")
		}
		return PriceResult{}, invalidReward(reward, fmt.Sprintf("unknown reward type %q", reward.Type))
	}

	if reward.Type == RewardEventFreeAdmission {
		return PriceResult{
			OriginalPrice:   original,
			DiscountedPrice: decimal.Zero,
			DiscountAmount:  original,
			IsFree:          true,
		}, nil
	}

	if err := reward.Validate(); err != nil {
		return PriceResult{}, err
	}

	var discount decimal.Decimal
	if reward.DiscountPercent != nil {
		discount = Round2(original.Mul(*reward.DiscountPercent).Div(hundred))
	} else {
		discount = Round2(decimal.Min(original, *reward.DiscountAmount))
	}

	discounted := decimal.Max(decimal.Zero, Round2(original.Sub(discount)))
	return PriceResult{
		OriginalPrice:   original,
		DiscountedPrice: discounted,
		DiscountAmount:  discount,
		IsFree:          discounted.IsZero(),
	}, nil
}

// DescribeValue 生成奖励列表里展示给买家的价值描述，不修改任何状态。
func DescribeValue(reward *RewardDefinition, ticketPrice decimal.Decimal, currency string) (string, error) {
	res, err := CalculatePrice(ticketPrice, reward)
	if err != nil {
		return "", err
	}
	if reward.Type == RewardEventFreeAdmission || res.IsFree {
		return "Free admission", nil
	}
	if reward.DiscountPercent != nil {
		return fmt.Sprintf("%s%% off (save %s)", reward.DiscountPercent.String(), FormatMoney(res.DiscountAmount, currency)), nil
	}
	return fmt.Sprintf("Save %s", FormatMoney(res.DiscountAmount, currency)), nil
}
