// Package callback delivers integration events as HTTP POSTs to subscriber
// URLs, behind a circuit breaker per target.
package callback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/richardliu001/courier/internal/event"
)

// ErrStatus is returned for non-2xx responses.
var ErrStatus = errors.New("callback: unexpected status")

type Config struct {
	Timeout     time.Duration
	MaxFailures uint32
	OpenFor     time.Duration
}

// Publisher posts every event of a topic to the URLs subscribed to it.
type Publisher struct {
	client *http.Client
	cfg    Config
	log    *zap.SugaredLogger

	mu       sync.RWMutex
	targets  map[string][]string
	breakers map[string]*gobreaker.CircuitBreaker[int]
}

func NewPublisher(client *http.Client, cfg Config, log *zap.SugaredLogger) *Publisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Publisher{
		client:   client,
		cfg:      cfg,
		log:      log,
		targets:  make(map[string][]string),
		breakers: make(map[string]*gobreaker.CircuitBreaker[int]),
	}
}

// Subscribe registers url for topic.
func (p *Publisher) Subscribe(topic, url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targets[topic] = append(p.targets[topic], url)
}

func (p *Publisher) breaker(url string) *gobreaker.CircuitBreaker[int] {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cb, ok := p.breakers[url]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:    url,
		Timeout: p.cfg.OpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= p.cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.log.Warnw("callback breaker state change", "url", name, "from", from.String(), "to", to.String())
		},
	})
	p.breakers[url] = cb
	return cb
}

// Publish posts to every subscribed URL. Any failed target fails the event,
// so a retry posts to all of them again.
func (p *Publisher) Publish(ctx context.Context, rec *event.Record, msg *event.Message, cb event.Callback) {
	p.mu.RLock()
	urls := append([]string(nil), p.targets[msg.Topic]...)
	p.mu.RUnlock()
	if len(urls) == 0 {
		p.log.Debugw("no callback subscribers", "topic", msg.Topic, "uuid", rec.UUID())
		cb.OnSuccess(ctx, rec)
		return
	}
	var errs error
	for _, url := range urls {
		if err := p.post(ctx, url, msg); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", url, err))
		}
	}
	if errs != nil {
		cb.OnException(ctx, rec, errs)
		return
	}
	cb.OnSuccess(ctx, rec)
}

func (p *Publisher) post(ctx context.Context, url string, msg *event.Message) error {
	_, err := p.breaker(url).Execute(func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(msg.Data))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Courier-Data-Type", msg.Type)
		for k, v := range msg.Headers {
			req.Header.Set(k, v)
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return resp.StatusCode, fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
		}
		return resp.StatusCode, nil
	})
	return err
}
