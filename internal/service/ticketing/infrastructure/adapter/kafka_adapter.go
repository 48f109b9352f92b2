package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"rally/internal/pkg/mq"
	"rally/internal/service/ticketing/domain"
)

// DebitRetryKafkaAdapter 实现 port.DebitRetryQueue。按支付引用分区，同一笔的重试有序。
type DebitRetryKafkaAdapter struct {
	writer mq.MessageWriter
}

func NewDebitRetryKafkaAdapter(writer mq.MessageWriter) *DebitRetryKafkaAdapter {
	return &DebitRetryKafkaAdapter{writer: writer}
}

func (a *DebitRetryKafkaAdapter) EnqueueDebitRetry(ctx context.Context, task domain.DebitRetryTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal debit retry task: %w", err)
	}
	return produce(ctx, a.writer, task.PaymentRef, payload)
}

// ConfirmationKafkaAdapter 实现 port.ConfirmationPublisher。webhook 只负责验签和投递，
// 结算由消费者完成。
type ConfirmationKafkaAdapter struct {
	writer mq.MessageWriter
}

func NewConfirmationKafkaAdapter(writer mq.MessageWriter) *ConfirmationKafkaAdapter {
	return &ConfirmationKafkaAdapter{writer: writer}
}

func (a *ConfirmationKafkaAdapter) PublishConfirmation(ctx context.Context, c domain.PaymentConfirmation) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal payment confirmation: %w", err)
	}
	return produce(ctx, a.writer, c.PaymentRef, payload)
}

// NotificationKafkaAdapter 实现 port.PurchaseNotifier，下游通知服务订阅。
type NotificationKafkaAdapter struct {
	writer mq.MessageWriter
}

func NewNotificationKafkaAdapter(writer mq.MessageWriter) *NotificationKafkaAdapter {
	return &NotificationKafkaAdapter{writer: writer}
}

func (a *NotificationKafkaAdapter) PurchaseStatusChanged(ctx context.Context, event domain.PurchaseStatusEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal purchase status event: %w", err)
	}
	return produce(ctx, a.writer, event.PurchaseID, payload)
}

func produce(ctx context.Context, w mq.MessageWriter, key string, value []byte) error {
	return mq.ProduceMessage(ctx, w, []byte(key), value)
}
