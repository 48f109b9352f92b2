package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"rally/internal/pkg/logger"
	"rally/internal/pkg/mq"
	"rally/internal/service/ticketing/domain"
)

// MessageReader 是 *kafka.Reader 用到的部分
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// FailureRouter 处理失败消息，*mq.FailureHandler 满足它
type FailureRouter interface {
	Handle(ctx context.Context, msg kafka.Message, cause error) error
}

// ProcessFunc 处理一条消息。返回错误时交给 FailureRouter。
type ProcessFunc func(ctx context.Context, msg kafka.Message) error

// ConsumerAdapter 驱动适配器：拉消息、恢复追踪上下文、处理、提交 offset。
type ConsumerAdapter struct {
	name     string
	reader   MessageReader
	process  ProcessFunc
	failures FailureRouter
	wg       sync.WaitGroup
	stopped  atomic.Bool
}

func NewConsumerAdapter(name string, reader MessageReader, process ProcessFunc, failures FailureRouter) *ConsumerAdapter {
	return &ConsumerAdapter{name: name, reader: reader, process: process, failures: failures}
}

// Start 启动消费循环，ctx 取消后退出。
func (a *ConsumerAdapter) Start(ctx context.Context) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Ctx(ctx).Info().Str("consumer", a.name).Msg("✅ Kafka consumer started.")
		for !a.stopped.Load() {
			msg, err := a.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || a.stopped.Load() {
					logger.Ctx(ctx).Info().Str("consumer", a.name).Msg("🛑 Kafka consumer shutting down.")
					return
				}
				logger.Ctx(ctx).Error().Err(err).Str("consumer", a.name).Msg("could not read message, retrying")
				time.Sleep(time.Second)
				continue
			}
			a.handle(ctx, msg)
		}
	}()
	return nil
}

func (a *ConsumerAdapter) handle(ctx context.Context, msg kafka.Message) {
	msgCtx := mq.ExtractTraceContext(ctx, msg)
	if err := a.process(msgCtx, msg); err != nil {
		if a.failures == nil {
			logger.Ctx(msgCtx).Error().Err(err).Str("consumer", a.name).Msg("message processing failed, dropping")
		} else if ferr := a.failures.Handle(msgCtx, msg, err); ferr != nil {
			// 重试和死信都投递失败，不提交，下次重新拉取
			logger.Ctx(msgCtx).Error().Err(ferr).Str("consumer", a.name).Msg("failure routing failed, message will be redelivered")
			return
		}
	}
	if err := a.reader.CommitMessages(ctx, msg); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("consumer", a.name).Msg("failed to commit message")
	}
}

// Stop 优雅地停止消费者
func (a *ConsumerAdapter) Stop(ctx context.Context) {
	a.stopped.Store(true)
	_ = a.reader.Close()
	a.wg.Wait()
	logger.Ctx(ctx).Info().Str("consumer", a.name).Msg("✅ Kafka consumer stopped.")
}

// PaymentSettler 结算入口，*settlement.Coordinator 满足它
type PaymentSettler interface {
	SettlePaid(ctx context.Context, conf domain.PaymentConfirmation) (*domain.SettlementRecord, error)
}

// DebitRetrier 补偿扣减，*settlement.Coordinator 满足它
type DebitRetrier interface {
	RetryDebit(ctx context.Context, task domain.DebitRetryTask) error
}

// ConfirmationProcessor 消费 webhook 投递的付款确认。
func ConfirmationProcessor(settler PaymentSettler) ProcessFunc {
	return func(ctx context.Context, msg kafka.Message) error {
		var conf domain.PaymentConfirmation
		if err := json.Unmarshal(msg.Value, &conf); err != nil {
			return err
		}
		conf.Source = domain.SourceWebhook
		_, err := settler.SettlePaid(ctx, conf)
		if errors.Is(err, domain.ErrSettlementAttemptsExceeded) {
			// 已经有人工介入的告警，重试没有意义
			logger.Ctx(ctx).Error().Err(err).Str("payment_ref", conf.PaymentRef).Msg("settlement attempts exhausted")
			return nil
		}
		return err
	}
}

// DebitRetryProcessor 消费积分扣减补偿任务。余额不足不再重试。
func DebitRetryProcessor(retrier DebitRetrier) ProcessFunc {
	return func(ctx context.Context, msg kafka.Message) error {
		var task domain.DebitRetryTask
		if err := json.Unmarshal(msg.Value, &task); err != nil {
			return err
		}
		err := retrier.RetryDebit(ctx, task)
		if errors.Is(err, domain.ErrInsufficientCredits) {
			logger.Ctx(ctx).Warn().Err(err).Str("payment_ref", task.PaymentRef).
				Int64("credits", task.CreditsRequired).Msg("deferred debit abandoned, buyer no longer has the credits")
			return nil
		}
		return err
	}
}

// DeadLetterProcessor 记录死信，供人工处理。
func DeadLetterProcessor() ProcessFunc {
	return func(ctx context.Context, msg kafka.Message) error {
		logger.Ctx(ctx).Error().
			Str("reason", "dead_letter_message_received").
			Str("original_topic", mq.Header(msg, mq.HeaderOriginalTopic)).
			Str("original_partition", mq.Header(msg, mq.HeaderOriginalPartition)).
			Str("original_offset", mq.Header(msg, mq.HeaderOriginalOffset)).
			Str("exception_fqcn", mq.Header(msg, mq.HeaderExceptionFqcn)).
			Str("exception_message", mq.Header(msg, mq.HeaderExceptionMessage)).
			Str("key", string(msg.Key)).
			Str("value", string(msg.Value)).
			Msg("🚨 CRITICAL: Dead letter message received")
		return nil
	}
}
