package application

import (
	"context"
	"errors"

	"rally/internal/service/ticketing/domain"
	"rally/internal/service/ticketing/domain/port"
)

// MultiNotifier 把状态变化同时发给多个下游（Kafka、WebSocket）。
type MultiNotifier []port.PurchaseNotifier

func (m MultiNotifier) PurchaseStatusChanged(ctx context.Context, event domain.PurchaseStatusEvent) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.PurchaseStatusChanged(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
