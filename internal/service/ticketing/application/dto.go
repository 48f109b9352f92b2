// internal/service/ticketing/application/dto.go
package application

import (
	"rally/internal/service/ticketing/application/rail"
	"rally/internal/service/ticketing/domain"
	"rally/internal/service/ticketing/domain/port"
)

// OpenCheckoutRequest 是打开结账用例的输入
type OpenCheckoutRequest struct {
	EventID string `json:"eventId"`
	BuyerID string `json:"buyerId"`
}

// CheckoutView 是结账页面需要的全部数据
type CheckoutView struct {
	Intent *domain.PurchaseIntent `json:"intent"`
	Fees   domain.FeeBreakdown    `json:"fees"`
}

// RewardList 是可选奖励列表
type RewardList struct {
	PurchaseID string           `json:"purchaseId"`
	Balance    int64            `json:"availableCredits"`
	Rewards    []EligibleReward `json:"rewards"`
}

// PayCommand 是发起支付用例的输入。Bridge 由接口层按请求构造。
type PayCommand struct {
	IntentID        string
	Rail            domain.RailKind
	PaymentMethodID string
	Bridge          port.DeviceBridge
}

// PayResult 是支付用例的输出
type PayResult struct {
	Intent     *domain.PurchaseIntent   `json:"intent,omitempty"`
	Outcome    rail.Outcome             `json:"outcome"`
	Settlement *domain.SettlementRecord `json:"settlement,omitempty"`
}

// Settled 结算是否已经完成
func (r *PayResult) Settled() bool {
	return r.Settlement != nil && r.Settlement.SettledAt != nil
}
