package rail

import (
	"context"

	"rally/internal/pkg/logger"
	"rally/internal/service/ticketing/domain"
	"rally/internal/service/ticketing/domain/port"
)

// WalletRail 是 Apple Pay / Google Pay：先展示原生钱包面板，再用钱包 token 确认同一个支付意图。
type WalletRail struct {
	kind    domain.RailKind
	gateway port.PaymentGateway
}

func NewWalletRail(kind domain.RailKind, gateway port.PaymentGateway) *WalletRail {
	return &WalletRail{kind: kind, gateway: gateway}
}

func (r *WalletRail) Kind() domain.RailKind { return r.kind }

func (r *WalletRail) NeedsIntent() bool { return true }

func (r *WalletRail) Pay(ctx context.Context, req PayRequest) (Outcome, error) {
	if err := requireHandle(req); err != nil {
		return Outcome{}, err
	}
	if err := requireBridge(req); err != nil {
		return Outcome{}, err
	}

	res, err := req.Bridge.PresentWallet(ctx, r.kind, req.Handle)
	if err != nil {
		return Outcome{}, err
	}
	if res.Cancelled {
		logger.Ctx(ctx).Info().Str("rail", string(r.kind)).Str("intent", req.Intent.ID).Msg("wallet sheet dismissed by buyer")
		return cancelled(), nil
	}
	if res.Token == "" {
		return Outcome{}, domain.NewError(domain.KindInvalidState, "wallet returned no payment token", nil)
	}

	h, err := r.gateway.ConfirmWallet(ctx, req.Handle.ID, r.kind, res.Token)
	if err != nil {
		return Outcome{}, err
	}
	if h.Status == port.PaymentCanceled {
		return cancelled(), nil
	}
	if h.Status != port.PaymentSucceeded {
		return Outcome{}, incomplete(h)
	}
	return succeeded(h), nil
}
