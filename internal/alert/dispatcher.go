// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/vantage/internal/eventstore"
	"github.com/tombee/vantage/internal/log"
	vantageerrors "github.com/tombee/vantage/pkg/errors"
	"github.com/tombee/vantage/pkg/httpclient"
)

// Delivery outcomes reported to DeliveryMetrics.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeDropped   = "dropped"
)

// DeliveryMetrics receives webhook delivery outcomes.
type DeliveryMetrics interface {
	RecordWebhookDelivery(ctx context.Context, outcome string)
	SetDeadLetters(n int)
}

// DispatcherConfig bounds webhook delivery.
type DispatcherConfig struct {
	Workers            int           `yaml:"workers" validate:"gte=0"`
	QueueSize          int           `yaml:"queue_size" validate:"gte=0"`
	Timeout            time.Duration `yaml:"timeout" validate:"gte=0"`
	RatePerSecond      float64       `yaml:"rate_per_second" validate:"gte=0"`
	Burst              int           `yaml:"burst" validate:"gte=0"`
	DeadLetterCapacity int           `yaml:"dead_letter_capacity" validate:"gte=0"`
}

// DefaultDispatcherConfig returns the default delivery bounds.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:            4,
		QueueSize:          256,
		Timeout:            5 * time.Second,
		RatePerSecond:      10,
		Burst:              10,
		DeadLetterCapacity: 1000,
	}
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	d := DefaultDispatcherConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = d.RatePerSecond
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	if c.DeadLetterCapacity <= 0 {
		c.DeadLetterCapacity = d.DeadLetterCapacity
	}
	return c
}

// DeadLetter is a webhook delivery that did not succeed.
type DeadLetter struct {
	Event      Event     `json:"event"`
	URL        string    `json:"url"`
	Reason     string    `json:"reason"`
	StatusCode int       `json:"statusCode,omitempty"`
	FailedAt   time.Time `json:"failedAt"`
}

type delivery struct {
	url   string
	event Event
}

// Dispatcher posts alert events to webhooks from a bounded worker pool.
// Enqueue never blocks; deliveries that cannot be queued or that fail are
// logged, counted and kept in a bounded dead-letter log. Nothing is retried.
type Dispatcher struct {
	cfg     DispatcherConfig
	client  *http.Client
	limiter *rate.Limiter
	metrics DeliveryMetrics
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan delivery

	deadLetters *eventstore.Ring[DeadLetter]

	// cancel aborts in-flight deliveries when Close gives up waiting
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHTTPClient replaces the default webhook client.
func WithHTTPClient(c *http.Client) DispatcherOption {
	return func(d *Dispatcher) { d.client = c }
}

// WithDeliveryMetrics records delivery outcomes.
func WithDeliveryMetrics(m DeliveryMetrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher starts the worker pool. Call Close to stop it.
func NewDispatcher(cfg DispatcherConfig, opts ...DispatcherOption) (*Dispatcher, error) {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:         cfg,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		queue:       make(chan delivery, cfg.QueueSize),
		deadLetters: eventstore.NewRing[DeadLetter](cfg.DeadLetterCapacity),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = log.WithComponent(log.OrDefault(d.logger), "webhook")

	if d.client == nil {
		hc := httpclient.DefaultConfig()
		hc.Timeout = cfg.Timeout
		hc.Logger = d.logger
		client, err := httpclient.New(hc)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create webhook client: %w", err)
		}
		d.client = client
	}

	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d, nil
}

// Enqueue schedules delivery of e to url. It returns false when the
// event was dead-lettered instead because the queue is full or the
// dispatcher is closed.
func (d *Dispatcher) Enqueue(url string, e Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.deadLetter(delivery{url: url, event: e}, "dispatcher closed", 0, OutcomeDropped)
		return false
	}
	select {
	case d.queue <- delivery{url: url, event: e}:
		return true
	default:
		d.deadLetter(delivery{url: url, event: e}, "queue full", 0, OutcomeDropped)
		return false
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for del := range d.queue {
		d.deliver(del)
	}
}

func (d *Dispatcher) deliver(del delivery) {
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.Timeout)
	defer cancel()

	if err := d.limiter.Wait(ctx); err != nil {
		d.deadLetter(del, fmt.Sprintf("rate limited: %v", err), 0, OutcomeDropped)
		return
	}

	if err := d.post(ctx, del); err != nil {
		var derr *vantageerrors.DeliveryError
		status := 0
		if vantageerrors.As(err, &derr) {
			status = derr.StatusCode
		}
		d.deadLetter(del, err.Error(), status, OutcomeFailed)
		return
	}

	if d.metrics != nil {
		d.metrics.RecordWebhookDelivery(ctx, OutcomeDelivered)
	}
	d.logger.Debug("webhook delivered",
		slog.String(log.RuleIDKey, del.event.RuleID),
		slog.String("alert_id", del.event.ID))
}

func (d *Dispatcher) post(ctx context.Context, del delivery) error {
	body, err := json.Marshal(del.event)
	if err != nil {
		return &vantageerrors.DeliveryError{URL: del.url, Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, del.url, bytes.NewReader(body))
	if err != nil {
		return &vantageerrors.DeliveryError{URL: del.url, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return &vantageerrors.DeliveryError{URL: del.url, Cause: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &vantageerrors.DeliveryError{URL: del.url, StatusCode: resp.StatusCode}
	}
	return nil
}

func (d *Dispatcher) deadLetter(del delivery, reason string, status int, outcome string) {
	d.deadLetters.Push(DeadLetter{
		Event:      del.event,
		URL:        del.url,
		Reason:     reason,
		StatusCode: status,
		FailedAt:   time.Now(),
	})
	if d.metrics != nil {
		d.metrics.RecordWebhookDelivery(context.Background(), outcome)
		d.metrics.SetDeadLetters(d.deadLetters.Len())
	}
	d.logger.Warn("webhook delivery failed",
		slog.String(log.RuleIDKey, del.event.RuleID),
		slog.String("alert_id", del.event.ID),
		slog.String("reason", reason))
}

// DeadLetters returns up to limit failed deliveries, newest first.
// A non-positive limit returns all of them.
func (d *Dispatcher) DeadLetters(limit int) []DeadLetter {
	return d.deadLetters.Newest(limit)
}

// Pending returns the number of queued deliveries.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Close stops accepting events and waits for queued deliveries to finish.
// When ctx ends first, in-flight deliveries are cancelled and ctx's error
// is returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		d.cancel()
		<-done
		err = ctx.Err()
	}
	d.cancel()
	d.client.CloseIdleConnections()
	return err
}
