package mq

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func TestFailureHandler_RetriesThenDeadLetters(t *testing.T) {
	retry, dlt := &recordingWriter{}, &recordingWriter{}
	h := NewFailureHandler(retry, dlt, 3)
	ctx := context.Background()

	msg := kafka.Message{Topic: "ledger-debit-retry", Partition: 2, Offset: 41, Key: []byte("k"), Value: []byte("v")}
	require.NoError(t, h.Handle(ctx, msg, errors.New("redis down")))
	require.Len(t, retry.msgs, 1)
	assert.Equal(t, 1, Attempt(retry.msgs[0]))

	second := retry.msgs[0]
	second.Topic = "ledger-debit-retry"
	require.NoError(t, h.Handle(ctx, second, errors.New("redis down")))
	require.Len(t, retry.msgs, 2)
	assert.Equal(t, 2, Attempt(retry.msgs[1]))

	third := retry.msgs[1]
	third.Topic = "ledger-debit-retry"
	require.NoError(t, h.Handle(ctx, third, errors.New("redis down")))
	assert.Len(t, retry.msgs, 2)
	require.Len(t, dlt.msgs, 1)

	dead := dlt.msgs[0]
	assert.Equal(t, "ledger-debit-retry", Header(dead, HeaderOriginalTopic))
	assert.Equal(t, "redis down", Header(dead, HeaderExceptionMessage))
	assert.Equal(t, "v", string(dead.Value))
}

func TestFailureHandler_NoRetryWriterGoesStraightToDLT(t *testing.T) {
	dlt := &recordingWriter{}
	h := NewFailureHandler(nil, dlt, 5)

	require.NoError(t, h.Handle(context.Background(), kafka.Message{Topic: "payment-confirmations", Offset: 7}, errors.New("bad payload")))
	require.Len(t, dlt.msgs, 1)
	assert.Equal(t, "7", Header(dlt.msgs[0], HeaderOriginalOffset))
}

func TestKafkaHeaderCarrier(t *testing.T) {
	c := KafkaHeaderCarrier{}
	c.Set("traceparent", "a")
	c.Set("traceparent", "b")
	assert.Equal(t, "b", c.Get("traceparent"))
	assert.Equal(t, []string{"traceparent"}, c.Keys())
}
