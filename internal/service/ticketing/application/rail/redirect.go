package rail

import (
	"context"
	"fmt"

	"rally/internal/service/ticketing/domain"
	"rally/internal/service/ticketing/domain/port"
)

// RedirectRail 创建托管收银台会话，买家离开应用去付款。结果要么是回跳，要么是 webhook。
type RedirectRail struct {
	gateway port.PaymentGateway
}

func NewRedirectRail(gateway port.PaymentGateway) *RedirectRail {
	return &RedirectRail{gateway: gateway}
}

func (r *RedirectRail) Kind() domain.RailKind { return domain.RailRedirect }

func (r *RedirectRail) NeedsIntent() bool { return false }

func (r *RedirectRail) Pay(ctx context.Context, req PayRequest) (Outcome, error) {
	if req.Checkout == nil {
		return Outcome{}, domain.NewError(domain.KindInvalidState, "redirect checkout requires return urls", nil)
	}
	cs, err := r.gateway.CreateHostedCheckout(ctx, *req.Checkout)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Result: ResultPending, RedirectURL: cs.URL, SessionID: cs.ID}, nil
}

// Verify 校验买家回跳：会话必须已付款，且属于这张购票意图。返回网关支付意图 ID。
func (r *RedirectRail) Verify(ctx context.Context, sessionID, purchaseID string) (string, error) {
	cs, err := r.gateway.RetrieveCheckout(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if cs.Metadata[domain.MetaPurchaseID] != purchaseID {
		return "", domain.NewError(domain.KindInvalidState,
			fmt.Sprintf("checkout session %s does not belong to purchase %s", sessionID, purchaseID), nil)
	}
	if !cs.Paid() {
		return "", &domain.GatewayError{
			StatusCode: 402,
			Code:       "checkout_unpaid",
			Message:    fmt.Sprintf("checkout session %s is %s/%s", cs.ID, cs.Status, cs.PaymentStatus),
		}
	}
	if cs.PaymentIntentID == "" {
		return "", domain.NewError(domain.KindInvalidState, fmt.Sprintf("checkout session %s has no payment intent", cs.ID), nil)
	}
	return cs.PaymentIntentID, nil
}
