// Package webhooks delivers session events to HTTP callbacks.
package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tcmartin/stepflow/pkg/config"
	"github.com/tcmartin/stepflow/pkg/logging"
	"github.com/tcmartin/stepflow/pkg/models"
	"github.com/tcmartin/stepflow/pkg/utils"
)

// Webhook event names
const (
	EventFlowCompleted = "flow.completed"
	EventFlowFailed    = "flow.failed"
	EventFlowWaiting   = "flow.waiting"
	EventStepCompleted = "step.completed"
	EventStepFailed    = "step.failed"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when the webhook
// has a secret
const SignatureHeader = "X-Stepflow-Signature"

const (
	defaultQueueSize    = 256
	defaultWorkers      = 2
	defaultTimeout      = 10 * time.Second
	defaultInitialDelay = 500 * time.Millisecond
	defaultMaxDelay     = 30 * time.Second
)

// WebhookEvent is the payload posted to a webhook
type WebhookEvent struct {
	// Type of the event
	Type string `json:"type"`

	// Timestamp of the event
	Timestamp time.Time `json:"timestamp"`

	// FlowID is the ID of the flow
	FlowID string `json:"flow_id"`

	// SessionID is the ID of the session
	SessionID string `json:"session_id"`

	// StepID is the ID of the step (if applicable)
	StepID string `json:"step_id,omitempty"`

	// Status is the flow status after the event
	Status models.FlowStatus `json:"status,omitempty"`

	// Data is the step output
	Data interface{} `json:"data,omitempty"`

	// Error is the failure message
	Error string `json:"error,omitempty"`

	// Operations lists what a waiting flow accepts
	Operations []models.OperationInfo `json:"operations,omitempty"`
}

// Translate maps an execution event to a webhook event. Events that are not
// delivered (chunks, step starts, running transitions) report false.
func Translate(ev models.Event) (WebhookEvent, bool) {
	out := WebhookEvent{
		Timestamp: ev.Timestamp,
		FlowID:    ev.FlowID,
		SessionID: ev.SessionID,
		StepID:    ev.NodeID,
		Status:    ev.Status,
		Data:      ev.Data,
		Error:     ev.Error,
	}
	switch ev.Type {
	case models.EventStepComplete:
		out.Type = EventStepCompleted
	case models.EventStepError:
		out.Type = EventStepFailed
	case models.EventConfirmationRequired, models.EventOperationRequired:
		out.Type = EventFlowWaiting
		out.Operations = ev.Operations
	case models.EventStatusChange:
		switch ev.Status {
		case models.StatusCompleted:
			out.Type = EventFlowCompleted
		case models.StatusError:
			out.Type = EventFlowFailed
		default:
			return WebhookEvent{}, false
		}
	default:
		return WebhookEvent{}, false
	}
	return out, true
}

type delivery struct {
	hook  *hook
	event WebhookEvent
}

type hook struct {
	config.WebhookConfig
	events map[string]bool
	flows  map[string]bool
}

func (h *hook) wants(ev WebhookEvent) bool {
	if len(h.events) > 0 && !h.events[ev.Type] {
		return false
	}
	if len(h.flows) > 0 && !h.flows[ev.FlowID] {
		return false
	}
	return true
}

// Dispatcher posts events to the configured webhooks from a small worker
// pool. It implements runtime.EventSink; Publish never blocks the executor
// and drops deliveries when the queue is full.
type Dispatcher struct {
	hooks  []*hook
	client *utils.HTTPClient
	logger logging.Logger
	sleep  func(context.Context, time.Duration) error

	mu     sync.RWMutex
	closed bool
	queue  chan delivery
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithHTTPClient replaces the client used for deliveries
func WithHTTPClient(c *utils.HTTPClient) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithQueueSize sets how many deliveries may be pending
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan delivery, n)
		}
	}
}

// NewDispatcher starts workers delivering to the given webhooks
func NewDispatcher(configs []config.WebhookConfig, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		client: utils.NewHTTPClient(defaultTimeout),
		logger: logging.NewNopLogger(),
		sleep:  sleepContext,
		queue:  make(chan delivery, defaultQueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(d)
	}

	for _, c := range configs {
		h := &hook{WebhookConfig: c}
		if len(c.Events) > 0 {
			h.events = make(map[string]bool, len(c.Events))
			for _, e := range c.Events {
				h.events[e] = true
			}
		}
		if len(c.Flows) > 0 {
			h.flows = make(map[string]bool, len(c.Flows))
			for _, f := range c.Flows {
				h.flows[f] = true
			}
		}
		d.hooks = append(d.hooks, h)
	}

	for i := 0; i < defaultWorkers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Len returns the number of configured webhooks
func (d *Dispatcher) Len() int {
	return len(d.hooks)
}

// Publish implements runtime.EventSink
func (d *Dispatcher) Publish(ev models.Event) {
	out, ok := Translate(ev)
	if !ok {
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	for _, h := range d.hooks {
		if !h.wants(out) {
			continue
		}
		select {
		case d.queue <- delivery{hook: h, event: out}:
		default:
			d.logger.Warn("Webhook queue full, dropping delivery",
				logging.String("url", h.URL),
				logging.String("event", out.Type),
				logging.String("session_id", out.SessionID))
		}
	}
}

// Close stops accepting events, delivers what is queued and waits for the
// workers. Pending retries are abandoned when ctx ends.
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

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		if err := d.deliver(d.ctx, job.hook, job.event); err != nil {
			d.logger.Error("Webhook delivery failed",
				logging.String("url", job.hook.URL),
				logging.String("event", job.event.Type),
				logging.String("session_id", job.event.SessionID),
				logging.Err(err))
		}
	}
}

// deliver posts one event, retrying with exponential backoff
func (d *Dispatcher) deliver(ctx context.Context, h *hook, ev WebhookEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode webhook event: %w", err)
	}

	headers := map[string]string{
		"Content-Type":     "application/json",
		"X-Stepflow-Event": ev.Type,
	}
	for k, v := range h.Headers {
		headers[k] = v
	}
	if h.Secret != "" {
		headers[SignatureHeader] = "sha256=" + Sign(h.Secret, body)
	}

	delay := h.InitialDelay.Std()
	if delay <= 0 {
		delay = defaultInitialDelay
	}
	maxDelay := h.MaxDelay.Std()
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}

	var lastErr error
	for attempt := 0; attempt <= h.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := d.sleep(ctx, delay); err != nil {
				return fmt.Errorf("giving up after %d attempts: %w", attempt, lastErr)
			}
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		}

		resp, err := d.client.Do(ctx, &utils.HTTPRequest{
			URL:     h.URL,
			Method:  http.MethodPost,
			Headers: headers,
			Body:    body,
		})
		switch {
		case err != nil:
			lastErr = err
		case resp.StatusCode >= 300:
			lastErr = fmt.Errorf("webhook returned status %d", resp.StatusCode)
			if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return lastErr
			}
		default:
			d.logger.Debug("Webhook delivered",
				logging.String("url", h.URL),
				logging.String("event", ev.Type),
				logging.Int("attempt", attempt+1))
			return nil
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", h.MaxRetries+1, lastErr)
}

// Sign returns the hex HMAC-SHA256 of body under secret
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
