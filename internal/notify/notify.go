// Package notify publishes block events to downstream consumers.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/yaat/clickshield/internal/fraud"
	"github.com/yaat/clickshield/internal/metrics"
)

const writeTimeout = 10 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes every block event as a JSON message keyed by tenant and
// IP, so changes to one block stay ordered within a partition.
//
// Block decisions happen on the tracking request path, so the writer is
// asynchronous: PublishBlock only enqueues and delivery results are counted
// when the batch completes.
type Kafka struct {
	writer messageWriter
}

func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
			BatchTimeout: 50 * time.Millisecond,
			WriteTimeout: writeTimeout,
			Completion:   recordDelivery,
		},
	}
}

// recordDelivery counts the outcome of an asynchronous batch
func recordDelivery(msgs []kafka.Message, err error) {
	result := "published"
	if err != nil {
		result = "error"
	}
	metrics.BlockNotifications.WithLabelValues(result).Add(float64(len(msgs)))
}

func (k *Kafka) PublishBlock(ctx context.Context, ev fraud.BlockEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(ev.TenantID, 10) + "/" + ev.IP),
		Value: value,
		Time:  ev.At,
	})
	if err != nil {
		metrics.BlockNotifications.WithLabelValues("error").Inc()
		return fmt.Errorf("publish block event: %w", err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

// Nop drops every event
type Nop struct{}

func (Nop) PublishBlock(context.Context, fraud.BlockEvent) error { return nil }
func (Nop) Close() error                                         { return nil }
