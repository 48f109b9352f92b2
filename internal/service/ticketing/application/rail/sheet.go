package rail

import (
	"context"

	"rally/internal/service/ticketing/domain"
	"rally/internal/service/ticketing/domain/port"
)

// SheetRail 网关托管的多方式支付面板。面板报告完成后，以网关上的意图状态为准。
type SheetRail struct {
	gateway port.PaymentGateway
}

func NewSheetRail(gateway port.PaymentGateway) *SheetRail {
	return &SheetRail{gateway: gateway}
}

func (r *SheetRail) Kind() domain.RailKind { return domain.RailPaymentSheet }

func (r *SheetRail) NeedsIntent() bool { return true }

func (r *SheetRail) Pay(ctx context.Context, req PayRequest) (Outcome, error) {
	if err := requireHandle(req); err != nil {
		return Outcome{}, err
	}
	if err := requireBridge(req); err != nil {
		return Outcome{}, err
	}

	res, err := req.Bridge.PresentPaymentSheet(ctx, req.Handle)
	if err != nil {
		return Outcome{}, err
	}
	if res.Cancelled || !res.Completed {
		return cancelled(), nil
	}

	h, err := r.gateway.RetrieveIntent(ctx, req.Handle.ID)
	if err != nil {
		return Outcome{}, err
	}
	if h.Status != port.PaymentSucceeded {
		return Outcome{}, incomplete(h)
	}
	return succeeded(h), nil
}
