package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaat/clickshield/internal/fraud"
	"github.com/yaat/clickshield/internal/metrics"
)

type recordingWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublishBlock(t *testing.T) {
	w := &recordingWriter{}
	k := &Kafka{writer: w}

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := fraud.BlockEvent{TenantID: 4, IP: "203.0.113.9", FraudScore: 120, Reason: fraud.ReasonAuto, Created: true, At: at}
	require.NoError(t, k.PublishBlock(context.Background(), ev))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "4/203.0.113.9", string(w.msgs[0].Key))
	assert.Equal(t, at, w.msgs[0].Time)

	var decoded fraud.BlockEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, ev, decoded)

	require.NoError(t, k.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublishBlockError(t *testing.T) {
	k := &Kafka{writer: &recordingWriter{err: errors.New("no brokers")}}
	err := k.PublishBlock(context.Background(), fraud.BlockEvent{TenantID: 1, IP: "203.0.113.1"})
	assert.ErrorContains(t, err, "no brokers")
}

func TestNewKafkaDoesNotBlockCallers(t *testing.T) {
	k := NewKafka([]string{"127.0.0.1:1"}, "ip-blocks")
	defer k.Close()

	w, ok := k.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.True(t, w.Async)
	assert.NotNil(t, w.Completion)

	// no broker listens on the address, enqueueing still returns at once
	start := time.Now()
	require.NoError(t, k.PublishBlock(context.Background(), fraud.BlockEvent{TenantID: 1, IP: "203.0.113.2"}))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRecordDelivery(t *testing.T) {
	published := metrics.BlockNotifications.WithLabelValues("published")
	failed := metrics.BlockNotifications.WithLabelValues("error")
	beforeOK, beforeErr := testutil.ToFloat64(published), testutil.ToFloat64(failed)

	recordDelivery(make([]kafka.Message, 3), nil)
	recordDelivery(make([]kafka.Message, 2), errors.New("leader not available"))

	assert.Equal(t, beforeOK+3, testutil.ToFloat64(published))
	assert.Equal(t, beforeErr+2, testutil.ToFloat64(failed))
}
