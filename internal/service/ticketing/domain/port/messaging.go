package port

import (
	"context"

	"rally/internal/service/ticketing/domain"
)

// DebitRetryQueue 是积分扣减的补偿队列。
type DebitRetryQueue interface {
	EnqueueDebitRetry(ctx context.Context, task domain.DebitRetryTask) error
}

// ConfirmationPublisher 把服务端收到的付款确认投递给结算消费者。
type ConfirmationPublisher interface {
	PublishConfirmation(ctx context.Context, c domain.PaymentConfirmation) error
}

// PurchaseNotifier 发布购票状态变化。
type PurchaseNotifier interface {
	PurchaseStatusChanged(ctx context.Context, event domain.PurchaseStatusEvent) error
}

// Facts 是资格规则能看到的事实。
type Facts map[string]any

// RuleEngine 评估奖励的资格规则。
type RuleEngine interface {
	Evaluate(ctx context.Context, rule string, facts Facts) (bool, error)
}
