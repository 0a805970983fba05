// Package rabbitmq publishes integration events to a topic exchange, routed
// by event type.
package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/richardliu001/courier/internal/event"
)

const HeaderDataType = "courier-data-type"

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type Publisher struct {
	ch       Channel
	exchange string
	timeout  time.Duration
	log      *zap.SugaredLogger
}

func NewPublisher(ch Channel, exchange string, timeout time.Duration, log *zap.SugaredLogger) *Publisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{ch: ch, exchange: exchange, timeout: timeout, log: log}
}

// Dial opens a connection and a channel and declares the exchange.
func Dial(url, exchange string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return conn, ch, nil
}

func (p *Publisher) Publish(ctx context.Context, rec *event.Record, msg *event.Message, cb event.Callback) {
	h := amqp.Table{HeaderDataType: msg.Type}
	for k, v := range msg.Headers {
		h[k] = v
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    rec.UUID(),
		Timestamp:    time.Now(),
		Type:         msg.Type,
		Headers:      h,
		Body:         []byte(msg.Data),
	}
	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.ch.PublishWithContext(pctx, p.exchange, msg.Topic, false, false, pub); err != nil {
		cb.OnException(ctx, rec, fmt.Errorf("rabbitmq %s/%s: %w", p.exchange, msg.Topic, err))
		return
	}
	p.log.Debugw("event published to rabbitmq", "exchange", p.exchange, "key", msg.Topic, "uuid", rec.UUID())
	cb.OnSuccess(ctx, rec)
}
