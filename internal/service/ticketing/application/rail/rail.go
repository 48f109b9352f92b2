// Package rail 实现各个支付通道。每个通道只负责和网关、设备交互，状态机由调度器维护。
package rail

import (
	"context"
	"fmt"

	"rally/internal/service/ticketing/domain"
	"rally/internal/service/ticketing/domain/port"
)

// Result 是一次支付尝试的结果。失败通过 error 返回。
type Result string

const (
	ResultSucceeded Result = "succeeded"
	ResultCancelled Result = "cancelled"
	// ResultPending 控制权离开了进程（跳转收银台），等待回跳或 webhook
	ResultPending Result = "pending"
)

// Outcome 通道执行结果。
type Outcome struct {
	Result Result `json:"result"`
	// PaymentRef 成功时的网关支付意图 ID
	PaymentRef string `json:"paymentRef,omitempty"`
	// RedirectURL / SessionID 仅跳转通道使用
	RedirectURL string `json:"redirectUrl,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
}

// PayRequest 是通道执行需要的全部输入。
type PayRequest struct {
	Intent *domain.PurchaseIntent
	// Handle 网关支付意图，NeedsIntent 为 false 的通道不使用
	Handle *port.IntentHandle
	// PaymentMethodID 卡支付时设备上传的支付方式
	PaymentMethodID string
	// Checkout 跳转通道创建收银台会话用
	Checkout *port.HostedCheckoutRequest
	// Bridge 当前请求对应的买家设备
	Bridge port.DeviceBridge
}

// PaymentRail 支付通道能力。
type PaymentRail interface {
	Kind() domain.RailKind
	// NeedsIntent 通道是否需要事先创建网关支付意图
	NeedsIntent() bool
	Pay(ctx context.Context, req PayRequest) (Outcome, error)
}

func succeeded(h *port.IntentHandle) Outcome {
	return Outcome{Result: ResultSucceeded, PaymentRef: h.ID}
}

func cancelled() Outcome {
	return Outcome{Result: ResultCancelled}
}

// incomplete 网关返回了非成功状态，但没有报错。
func incomplete(h *port.IntentHandle) error {
	return &domain.GatewayError{
		StatusCode: 402,
		Code:       "payment_incomplete",
		Message:    fmt.Sprintf("payment intent %s is %s", h.ID, h.Status),
	}
}

func requireHandle(req PayRequest) error {
	if req.Handle == nil || req.Handle.ID == "" {
		return domain.NewError(domain.KindInvalidState, "payment intent has not been created", nil)
	}
	return nil
}

func requireBridge(req PayRequest) error {
	if req.Bridge == nil {
		return domain.NewError(domain.KindInvalidState, "no device bridge for this request", nil)
	}
	return nil
}
