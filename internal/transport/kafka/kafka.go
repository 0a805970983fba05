// Package kafka publishes integration events to Kafka, one topic per event type.
package kafka

import (
	"context"
	"fmt"
	"sort"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/richardliu001/courier/internal/event"
)

// HeaderDataType carries the codec type tag next to the engine headers.
const HeaderDataType = "courier-data-type"

// Writer is the subset of *kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
}

type Publisher struct {
	w   Writer
	log *zap.SugaredLogger
}

func NewPublisher(w Writer, log *zap.SugaredLogger) *Publisher {
	return &Publisher{w: w, log: log}
}

// NewWriter builds a writer without a fixed topic, so every message names its own.
func NewWriter(brokers []string) *kafkago.Writer {
	return &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// Publish writes synchronously and reports the outcome through cb.
func (p *Publisher) Publish(ctx context.Context, rec *event.Record, msg *event.Message, cb event.Callback) {
	km := kafkago.Message{
		Topic:   msg.Topic,
		Key:     []byte(rec.UUID()),
		Value:   []byte(msg.Data),
		Headers: headers(msg),
		Time:    time.Now(),
	}
	if err := p.w.WriteMessages(ctx, km); err != nil {
		cb.OnException(ctx, rec, fmt.Errorf("kafka %s: %w", msg.Topic, err))
		return
	}
	p.log.Debugw("event published to kafka", "topic", msg.Topic, "uuid", rec.UUID())
	cb.OnSuccess(ctx, rec)
}

func headers(msg *event.Message) []kafkago.Header {
	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]kafkago.Header, 0, len(keys)+1)
	for _, k := range keys {
		out = append(out, kafkago.Header{Key: k, Value: []byte(msg.Headers[k])})
	}
	return append(out, kafkago.Header{Key: HeaderDataType, Value: []byte(msg.Type)})
}
