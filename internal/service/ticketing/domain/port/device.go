package port

import (
	"context"

	"rally/internal/service/ticketing/domain"
)

// WalletResult 是原生钱包面板的结果。Cancelled 为 true 时 Token 为空。
type WalletResult struct {
	Token     string
	Cancelled bool
}

// SheetResult 是网关托管支付面板的结果。
type SheetResult struct {
	Completed bool
	Cancelled bool
}

// DeviceBridge 代表买家设备上的原生界面。
// 服务端的实现从请求里读取设备已经拿到的结果。
type DeviceBridge interface {
	PresentWallet(ctx context.Context, wallet domain.RailKind, intent *IntentHandle) (WalletResult, error)
	PresentPaymentSheet(ctx context.Context, intent *IntentHandle) (SheetResult, error)
}
