// internal/service/ticketing/application/builder.go
package application

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"rally/internal/service/ticketing/domain"
	"rally/internal/service/ticketing/domain/port"
)

// PurchaseIntentBuilder 组装网关请求和费用明细。直接支付、支付面板、跳转收银台三条路径用同一套金额。
type PurchaseIntentBuilder struct {
	fees          domain.FeeSchedule
	publicBaseURL string
}

// ParseFeeSchedule 解析配置里的费率，例如 percent="2.9", fixed="0.30"。
func ParseFeeSchedule(percent, fixed string) (domain.FeeSchedule, error) {
	p, err := decimal.NewFromString(percent)
	if err != nil {
		return domain.FeeSchedule{}, fmt.Errorf("invalid fee percent %q: %w", percent, err)
	}
	if p.IsNegative() || p.GreaterThan(decimal.NewFromInt(100)) {
		return domain.FeeSchedule{}, fmt.Errorf("fee percent %s out of range", p)
	}
	f, err := domain.ParseMoney(fixed)
	if err != nil {
		return domain.FeeSchedule{}, err
	}
	if f.IsNegative() {
		return domain.FeeSchedule{}, fmt.Errorf("fixed fee %s is negative", f)
	}
	return domain.FeeSchedule{Percent: p, Fixed: f}, nil
}

func NewPurchaseIntentBuilder(fees domain.FeeSchedule, publicBaseURL string) *PurchaseIntentBuilder {
	return &PurchaseIntentBuilder{fees: fees, publicBaseURL: strings.TrimRight(publicBaseURL, "/")}
}

// Quote 费用预览。和最终扣款走同一个计价结果。
func (b *PurchaseIntentBuilder) Quote(intent *domain.PurchaseIntent) domain.FeeBreakdown {
	return b.fees.Breakdown(intent.Price(), intent.Currency)
}

func (b *PurchaseIntentBuilder) metadata(intent *domain.PurchaseIntent) map[string]string {
	// 这里还没有支付引用，只取业务字段
	return intent.Confirmation(domain.SourceClient).Metadata(domain.MinorUnits(intent.OriginalPrice))
}

// IntentRequest 创建网关支付意图的请求，同时携带折后金额和原价。
func (b *PurchaseIntentBuilder) IntentRequest(intent *domain.PurchaseIntent) port.CreateIntentRequest {
	quote := b.Quote(intent)
	amount := intent.AmountMinor()
	return port.CreateIntentRequest{
		PurchaseID:          intent.ID,
		EventID:             intent.EventID,
		DiscountedAmountMin: amount,
		OriginalAmountMin:   domain.MinorUnits(intent.OriginalPrice),
		ApplicationFeeMin:   domain.MinorUnits(quote.ProcessingFee),
		Currency:            intent.Currency,
		Metadata:            b.metadata(intent),
		// 金额不变时网关返回同一个意图
		IdempotencyKey: fmt.Sprintf("intent:%s:%d:%s", intent.ID, amount, intent.RewardID()),
	}
}

// CheckoutRequest 托管收银台请求。回跳地址里带着购票意图 ID。
func (b *PurchaseIntentBuilder) CheckoutRequest(intent *domain.PurchaseIntent, eventTitle string) port.HostedCheckoutRequest {
	quote := b.Quote(intent)
	id := url.PathEscape(intent.ID)
	return port.HostedCheckoutRequest{
		PurchaseID:          intent.ID,
		EventTitle:          eventTitle,
		DiscountedAmountMin: intent.AmountMinor(),
		OriginalAmountMin:   domain.MinorUnits(intent.OriginalPrice),
		ApplicationFeeMin:   domain.MinorUnits(quote.ProcessingFee),
		Currency:            intent.Currency,
		SuccessURL:          b.publicBaseURL + "/api/v1/checkout/" + id + "/return?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:           b.publicBaseURL + "/api/v1/checkout/" + id + "/cancel",
		Metadata:            b.metadata(intent),
	}
}
