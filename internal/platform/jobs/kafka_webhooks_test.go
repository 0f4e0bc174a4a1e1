package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
)

type recordingWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaWebhookDispatcherWritesKeyedRecord(t *testing.T) {
	writer := &recordingWriter{}
	dispatcher, err := NewKafkaWebhookDispatcher(writer)
	require.NoError(t, err)

	err = dispatcher.Dispatch(context.Background(), domain.WebhookOrderCreated, map[string]any{
		"orderId": "order-1",
		"status":  "unfulfilled",
	})
	require.NoError(t, err)
	require.Len(t, writer.messages, 1)

	msg := writer.messages[0]
	assert.Equal(t, "order-1", string(msg.Key))

	carrier := headerCarrier(msg.Headers)
	assert.Equal(t, string(domain.WebhookOrderCreated), carrier.Get("event_type"))

	var got WebhookMessage
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, domain.WebhookOrderCreated, got.Event)
	assert.Equal(t, "unfulfilled", got.Payload["status"])
	assert.False(t, got.OccurredAt.IsZero())
}

func TestKafkaWebhookDispatcherKeyFallsBackToCheckoutToken(t *testing.T) {
	writer := &recordingWriter{}
	dispatcher, err := NewKafkaWebhookDispatcher(writer)
	require.NoError(t, err)

	require.NoError(t, dispatcher.Dispatch(context.Background(), domain.WebhookCheckoutUpdated, map[string]any{"token": "tok-9"}))
	require.Len(t, writer.messages, 1)
	assert.Equal(t, "tok-9", string(writer.messages[0].Key))
}

func TestKafkaWebhookDispatcherWrapsWriterErrors(t *testing.T) {
	boom := errors.New("broker down")
	dispatcher, err := NewKafkaWebhookDispatcher(&recordingWriter{err: boom})
	require.NoError(t, err)

	err = dispatcher.Dispatch(context.Background(), domain.WebhookOrderUpdated, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestKafkaWebhookDispatcherClose(t *testing.T) {
	writer := &recordingWriter{}
	dispatcher, err := NewKafkaWebhookDispatcher(writer)
	require.NoError(t, err)

	require.NoError(t, dispatcher.Close())
	assert.True(t, writer.closed)
}

func TestHeaderCarrierSetReplacesExisting(t *testing.T) {
	carrier := headerCarrier{}
	carrier.Set("traceparent", "a")
	carrier.Set("traceparent", "b")
	assert.Equal(t, []string{"traceparent"}, carrier.Keys())
	assert.Equal(t, "b", carrier.Get("traceparent"))
}

func TestNewKafkaWebhookDispatcherRequiresWriter(t *testing.T) {
	_, err := NewKafkaWebhookDispatcher(nil)
	assert.Error(t, err)
}
