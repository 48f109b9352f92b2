// internal/service/ticketing/domain/fee.go
package domain

import (
	"github.com/shopspring/decimal"
)

// FeeSchedule 平台手续费：按原价的百分比加固定费用。
type FeeSchedule struct {
	Percent decimal.Decimal
	Fixed   decimal.Decimal
}

// FeeBreakdown 是给买家和俱乐部展示的费用明细。
type FeeBreakdown struct {
	Currency        string          `json:"currency"`
	OriginalPrice   decimal.Decimal `json:"originalPrice"`
	DiscountAmount  decimal.Decimal `json:"discountAmount"`
	DiscountedPrice decimal.Decimal `json:"discountedPrice"`
	ProcessingFee   decimal.Decimal `json:"processingFee"`
	NetToClub       decimal.Decimal `json:"netToClub"`
}

// ProcessingFee 按原价计算手续费，免费票不收手续费。
func (s FeeSchedule) ProcessingFee(price PriceResult) decimal.Decimal {
	if price.IsFree {
		return decimal.Zero
	}
	pct := Round2(price.OriginalPrice.Mul(s.Percent).Div(hundred))
	return Round2(pct.Add(s.Fixed))
}

// Breakdown 组装费用明细。俱乐部净收入不会低于 0。
func (s FeeSchedule) Breakdown(price PriceResult, currency string) FeeBreakdown {
	fee := s.ProcessingFee(price)
	return FeeBreakdown{
		Currency:        currency,
		OriginalPrice:   price.OriginalPrice,
		DiscountAmount:  price.DiscountAmount,
		DiscountedPrice: price.DiscountedPrice,
		ProcessingFee:   fee,
		NetToClub:       decimal.Max(decimal.Zero, Round2(price.DiscountedPrice.Sub(fee))),
	}
}
