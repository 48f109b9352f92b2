package port

import (
	"context"

	"rally/internal/service/ticketing/domain"
)

// PaymentStatus 是网关侧支付意图的状态。
type PaymentStatus string

const (
	PaymentSucceeded      PaymentStatus = "succeeded"
	PaymentProcessing     PaymentStatus = "processing"
	PaymentRequiresAction PaymentStatus = "requires_action"
	PaymentRequiresMethod PaymentStatus = "requires_payment_method"
	PaymentCanceled       PaymentStatus = "canceled"
)

// CreateIntentRequest 创建支付意图。手续费按原价计算，所以两个金额都要带上。
type CreateIntentRequest struct {
	PurchaseID          string
	EventID             string
	DiscountedAmountMin int64
	OriginalAmountMin   int64
	ApplicationFeeMin   int64
	Currency            string
	Metadata            map[string]string
	IdempotencyKey      string
}

// IntentHandle 是网关返回的意图。
type IntentHandle struct {
	ID           string
	ClientSecret string
	AmountMinor  int64
	Currency     string
	Status       PaymentStatus
	Metadata     map[string]string
}

// HostedCheckoutRequest 创建跳转式收银台会话。
type HostedCheckoutRequest struct {
	PurchaseID          string
	EventTitle          string
	DiscountedAmountMin int64
	OriginalAmountMin   int64
	ApplicationFeeMin   int64
	Currency            string
	SuccessURL          string
	CancelURL           string
	Metadata            map[string]string
}

// HostedCheckout 收银台会话。PaymentIntentID 在付款完成后才有值。
type HostedCheckout struct {
	ID              string
	URL             string
	Status          string
	PaymentStatus   string
	PaymentIntentID string
	AmountMinor     int64
	Currency        string
	Metadata        map[string]string
}

// Paid 判断收银台会话是否已付款。
func (h *HostedCheckout) Paid() bool {
	return h.Status == "complete" && h.PaymentStatus == "paid"
}

// PaymentGateway 是支付网关的出站端口（Stripe 兼容）。
// 网关拒绝时返回 *domain.GatewayError。
type PaymentGateway interface {
	CreateIntent(ctx context.Context, req CreateIntentRequest) (*IntentHandle, error)
	ConfirmCard(ctx context.Context, intentID, paymentMethodID string) (*IntentHandle, error)
	ConfirmWallet(ctx context.Context, intentID string, wallet domain.RailKind, walletToken string) (*IntentHandle, error)
	RetrieveIntent(ctx context.Context, intentID string) (*IntentHandle, error)
	CreateHostedCheckout(ctx context.Context, req HostedCheckoutRequest) (*HostedCheckout, error)
	RetrieveCheckout(ctx context.Context, sessionID string) (*HostedCheckout, error)
}
