package interfaces

import (
	"context"

	"rally/internal/service/ticketing/domain"
	"rally/internal/service/ticketing/domain/port"
)

type walletResult struct {
	Token     string `json:"token,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

type sheetResult struct {
	Completed bool `json:"completed,omitempty"`
	Cancelled bool `json:"cancelled,omitempty"`
}

// requestBridge 把设备随请求带上来的原生面板结果交给支付通道。
// 设备没有带结果时按买家关闭了面板处理。
type requestBridge struct {
	wallet *walletResult
	sheet  *sheetResult
}

func newRequestBridge(wallet *walletResult, sheet *sheetResult) port.DeviceBridge {
	return &requestBridge{wallet: wallet, sheet: sheet}
}

func (b *requestBridge) PresentWallet(_ context.Context, _ domain.RailKind, _ *port.IntentHandle) (port.WalletResult, error) {
	if b.wallet == nil {
		return port.WalletResult{Cancelled: true}, nil
	}
	return port.WalletResult{Token: b.wallet.Token, Cancelled: b.wallet.Cancelled}, nil
}

func (b *requestBridge) PresentPaymentSheet(_ context.Context, _ *port.IntentHandle) (port.SheetResult, error) {
	if b.sheet == nil {
		return port.SheetResult{Cancelled: true}, nil
	}
	return port.SheetResult{Completed: b.sheet.Completed, Cancelled: b.sheet.Cancelled}, nil
}
