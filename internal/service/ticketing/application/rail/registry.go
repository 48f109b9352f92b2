package rail

import (
	"context"
	"fmt"
	"sort"

	"rally/internal/pkg/logger"
	"rally/internal/service/ticketing/domain"
	"rally/internal/service/ticketing/domain/port"
)

// Capabilities 平台开通的支付能力，启动时从配置读取。
type Capabilities struct {
	Card         bool
	ApplePay     bool
	GooglePay    bool
	PaymentSheet bool
	Redirect     bool
}

// Registry 保存启动时确定下来的可用通道。
type Registry struct {
	rails map[domain.RailKind]PaymentRail
}

// NewRegistry 按平台能力构建通道。之后不再改变。
func NewRegistry(caps Capabilities, gateway port.PaymentGateway) *Registry {
	r := &Registry{rails: make(map[domain.RailKind]PaymentRail)}
	if caps.Card {
		r.add(NewCardRail(gateway))
	}
	if caps.ApplePay {
		r.add(NewWalletRail(domain.RailApplePay, gateway))
	}
	if caps.GooglePay {
		r.add(NewWalletRail(domain.RailGooglePay, gateway))
	}
	if caps.PaymentSheet {
		r.add(NewSheetRail(gateway))
	}
	if caps.Redirect {
		r.add(NewRedirectRail(gateway))
	}
	return r
}

func (r *Registry) add(rail PaymentRail) {
	r.rails[rail.Kind()] = rail
}

// Resolve 返回请求的通道；不可用时退回跳转收银台。
func (r *Registry) Resolve(ctx context.Context, kind domain.RailKind) (PaymentRail, error) {
	if rail, ok := r.rails[kind]; ok {
		return rail, nil
	}
	if rail, ok := r.rails[domain.RailRedirect]; ok {
		logger.Ctx(ctx).Info().Str("requested", string(kind)).Msg("rail unavailable, falling back to redirect checkout")
		return rail, nil
	}
	return nil, domain.NewError(domain.KindRailUnavailable, fmt.Sprintf("rail %q is not available", kind), nil)
}

// Redirect 跳转通道，未开通时返回 nil。
func (r *Registry) Redirect() *RedirectRail {
	rail, _ := r.rails[domain.RailRedirect].(*RedirectRail)
	return rail
}

// Available 可用通道列表，按名称排序。
func (r *Registry) Available() []domain.RailKind {
	out := make([]domain.RailKind, 0, len(r.rails))
	for k := range r.rails {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
