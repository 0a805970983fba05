package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/richardliu001/courier/internal/event"
	"github.com/richardliu001/courier/internal/model"
)

type published struct {
	exchange, key string
	msg           amqp.Publishing
	deadline      bool
}

type fakeChannel struct {
	sent []published
	err  error
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if c.err != nil {
		return c.err
	}
	_, ok := ctx.Deadline()
	c.sent = append(c.sent, published{exchange: exchange, key: key, msg: msg, deadline: ok})
	return nil
}

type outcome struct {
	ok  int
	err error
}

func (o *outcome) OnSuccess(ctx context.Context, rec *event.Record)              { o.ok++ }
func (o *outcome) OnException(ctx context.Context, rec *event.Record, err error) { o.err = err }

func TestPublish_RoutesByTopic(t *testing.T) {
	ch := &fakeChannel{}
	p := NewPublisher(ch, "courier.events", time.Second, zap.NewNop().Sugar())
	rec := &event.Record{Event: &model.Event{UUID: "e-9"}}
	msg := &event.Message{Topic: "wallet.balance", Type: "wallet.BalanceChanged", Data: `{"wallet_id":1}`,
		Headers: map[string]string{event.HeaderPersist: "true"}}
	out := &outcome{}

	p.Publish(context.Background(), rec, msg, out)
	require.Len(t, ch.sent, 1)
	assert.Equal(t, 1, out.ok)
	s := ch.sent[0]
	assert.Equal(t, "courier.events", s.exchange)
	assert.Equal(t, "wallet.balance", s.key)
	assert.True(t, s.deadline)
	assert.Equal(t, "e-9", s.msg.MessageId)
	assert.Equal(t, amqp.Persistent, s.msg.DeliveryMode)
	assert.Equal(t, "true", s.msg.Headers[event.HeaderPersist])
	assert.Equal(t, "wallet.BalanceChanged", s.msg.Headers[HeaderDataType])
	assert.Equal(t, `{"wallet_id":1}`, string(s.msg.Body))
}

func TestPublish_ReportsChannelFailure(t *testing.T) {
	p := NewPublisher(&fakeChannel{err: errors.New("channel closed")}, "x", 0, zap.NewNop().Sugar())
	out := &outcome{}
	p.Publish(context.Background(), &event.Record{Event: &model.Event{UUID: "e-1"}}, &event.Message{Topic: "t"}, out)
	assert.ErrorContains(t, out.err, "channel closed")
	assert.Equal(t, 0, out.ok)
}
