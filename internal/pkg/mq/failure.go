// internal/pkg/mq/failure.go
package mq

import (
	"context"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"

	"rally/internal/pkg/logger"
)

// 死信消息头，DLT 消费者据此定位原始消息。
const (
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
	HeaderExceptionFqcn     = "x-exception-fqcn"
	HeaderExceptionMessage  = "x-exception-message"
	HeaderRetryAttempt      = "x-retry-attempt"
)

// MessageWriter 是 *kafka.Writer 的最小子集，方便测试替换。
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// FailureHandler 处理消费失败的消息：未超过次数投递到重试主题，否则进入死信队列。
type FailureHandler struct {
	retryWriter MessageWriter
	dltWriter   MessageWriter
	maxAttempts int
}

// NewFailureHandler retryWriter 可以为 nil，此时失败消息直接进入死信队列。
func NewFailureHandler(retryWriter, dltWriter MessageWriter, maxAttempts int) *FailureHandler {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &FailureHandler{retryWriter: retryWriter, dltWriter: dltWriter, maxAttempts: maxAttempts}
}

// Attempt 返回消息已经被重试的次数。
func Attempt(msg kafka.Message) int {
	n, _ := strconv.Atoi(Header(msg, HeaderRetryAttempt))
	return n
}

// Handle 把失败的消息交给重试主题或死信队列。
func (h *FailureHandler) Handle(ctx context.Context, msg kafka.Message, cause error) error {
	attempt := Attempt(msg) + 1
	log := logger.Ctx(ctx)

	if h.retryWriter != nil && attempt < h.maxAttempts {
		headers := InjectTraceContext(ctx, copyHeaders(msg.Headers))
		carrier := KafkaHeaderCarrier(headers)
		carrier.Set(HeaderRetryAttempt, strconv.Itoa(attempt))
		err := h.retryWriter.WriteMessages(ctx, kafka.Message{Key: msg.Key, Value: msg.Value, Headers: carrier})
		if err == nil {
			log.Warn().Err(cause).Str("topic", msg.Topic).Int("attempt", attempt).Msg("message scheduled for retry")
			return nil
		}
		log.Error().Err(err).Msg("failed to publish retry message, routing to DLT")
	}

	headers := InjectTraceContext(ctx, copyHeaders(msg.Headers))
	carrier := KafkaHeaderCarrier(headers)
	carrier.Set(HeaderOriginalTopic, msg.Topic)
	carrier.Set(HeaderOriginalPartition, strconv.Itoa(msg.Partition))
	carrier.Set(HeaderOriginalOffset, strconv.FormatInt(msg.Offset, 10))
	carrier.Set(HeaderExceptionFqcn, fmt.Sprintf("%T", cause))
	carrier.Set(HeaderExceptionMessage, cause.Error())
	carrier.Set(HeaderRetryAttempt, strconv.Itoa(attempt))

	if err := h.dltWriter.WriteMessages(ctx, kafka.Message{Key: msg.Key, Value: msg.Value, Headers: carrier}); err != nil {
		log.Error().Err(err).Str("topic", msg.Topic).Msg("🚨 failed to publish message to DLT")
		return fmt.Errorf("publish to dlt: %w", err)
	}
	log.Error().Err(cause).Str("topic", msg.Topic).Int("attempt", attempt).Msg("message moved to DLT")
	return nil
}

func copyHeaders(in []kafka.Header) []kafka.Header {
	out := make([]kafka.Header, len(in))
	copy(out, in)
	return out
}
