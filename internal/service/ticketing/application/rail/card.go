package rail

import (
	"context"

	"rally/internal/service/ticketing/domain"
	"rally/internal/service/ticketing/domain/port"
)

// CardRail 用卡支付方式直接确认支付意图。
type CardRail struct {
	gateway port.PaymentGateway
}

func NewCardRail(gateway port.PaymentGateway) *CardRail {
	return &CardRail{gateway: gateway}
}

func (r *CardRail) Kind() domain.RailKind { return domain.RailCard }

func (r *CardRail) NeedsIntent() bool { return true }

func (r *CardRail) Pay(ctx context.Context, req PayRequest) (Outcome, error) {
	if err := requireHandle(req); err != nil {
		return Outcome{}, err
	}
	if req.PaymentMethodID == "" {
		return Outcome{}, domain.NewError(domain.KindInvalidState, "card payment requires a payment method", nil)
	}
	h, err := r.gateway.ConfirmCard(ctx, req.Handle.ID, req.PaymentMethodID)
	if err != nil {
		return Outcome{}, err
	}
	if h.Status != port.PaymentSucceeded {
		return Outcome{}, incomplete(h)
	}
	return succeeded(h), nil
}
