// Package webhook delivers interview summary events to an external HTTP
// endpoint. Payloads are signed with HMAC-SHA256 so the receiver can verify
// they came from this service.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telehealth/telehealth/internal/platform/events"
)

const eventSummaryGenerated = "interview.summary.generated"

// ErrClosed is returned by PublishSummary after Close.
var ErrClosed = errors.New("webhook publisher closed")

// ErrQueueFull is returned when deliveries back up faster than the endpoint
// accepts them.
var ErrQueueFull = errors.New("webhook queue full")

// DeliveryAttempt records the outcome of one POST to the endpoint.
type DeliveryAttempt struct {
	ID           string        `json:"id"`
	EventType    string        `json:"event_type"`
	SessionID    string        `json:"session_id"`
	TurnID       string        `json:"turn_id"`
	StatusCode   int           `json:"status_code"`
	ResponseBody string        `json:"response_body,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
	Attempt      int           `json:"attempt"`
	Status       string        `json:"status"` // "success" or "failed"
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// SignPayload computes the hex-encoded HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches payload under secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ValidateURL checks that rawURL is an absolute http or https URL.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", rawURL)
	}
	return nil
}

// Option configures a Publisher.
type Option func(*Publisher)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Publisher) { p.httpClient = c }
}

// WithRetryDelays sets the waits between attempts. The number of attempts is
// len(delays)+1.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(p *Publisher) { p.retryDelays = delays }
}

func WithQueueSize(n int) Option {
	return func(p *Publisher) { p.queueSize = n }
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

// Publisher implements events.Publisher. PublishSummary only enqueues; a
// single worker delivers in order so retries never hold up an interview turn.
type Publisher struct {
	url         string
	secret      string
	httpClient  *http.Client
	retryDelays []time.Duration
	queueSize   int
	logger      zerolog.Logger

	queue chan events.SummaryGenerated
	stop  chan struct{}
	done  chan struct{}

	mu        sync.Mutex
	closed    bool
	history   []*DeliveryAttempt
	historyAt int
}

var _ events.Publisher = (*Publisher)(nil)

const historySize = 100

// NewPublisher validates the endpoint and starts the delivery worker.
func NewPublisher(rawURL, secret string, opts ...Option) (*Publisher, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	p := &Publisher{
		url:    rawURL,
		secret: secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		retryDelays: []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second},
		queueSize:   256,
		logger:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(p)
	}
	p.queue = make(chan events.SummaryGenerated, p.queueSize)
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.run()
	return p, nil
}

func (p *Publisher) PublishSummary(_ context.Context, ev events.SummaryGenerated) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- ev:
		return nil
	default:
		return fmt.Errorf("summary for session %s: %w", ev.SessionID, ErrQueueFull)
	}
}

// Close stops accepting events, waits for queued ones to be attempted once
// more, and returns. Pending retry waits are cut short.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	close(p.stop)
	p.mu.Unlock()
	<-p.done
	return nil
}

func (p *Publisher) run() {
	defer close(p.done)
	for ev := range p.queue {
		p.deliver(ev)
	}
}

func (p *Publisher) deliver(ev events.SummaryGenerated) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error().Err(err).Str("session_id", ev.SessionID.String()).Msg("encode webhook payload")
		return
	}
	for attempt := 1; ; attempt++ {
		a := p.post(payload, ev, attempt)
		p.record(a)
		if a.Status == "success" {
			return
		}
		if attempt > len(p.retryDelays) {
			p.logger.Error().
				Str("session_id", ev.SessionID.String()).
				Int("attempts", attempt).
				Str("error", a.Error).
				Msg("webhook delivery abandoned")
			return
		}
		p.logger.Warn().
			Str("session_id", ev.SessionID.String()).
			Int("attempt", attempt).
			Str("error", a.Error).
			Msg("webhook delivery failed, retrying")
		select {
		case <-time.After(p.retryDelays[attempt-1]):
		case <-p.stop:
			// Shutting down: one last try without waiting.
			final := p.post(payload, ev, attempt+1)
			p.record(final)
			return
		}
	}
}

func (p *Publisher) post(payload []byte, ev events.SummaryGenerated, attempt int) *DeliveryAttempt {
	now := time.Now()
	a := &DeliveryAttempt{
		ID:        uuid.New().String(),
		EventType: eventSummaryGenerated,
		SessionID: ev.SessionID.String(),
		TurnID:    ev.TurnID.String(),
		Attempt:   attempt,
		CreatedAt: now,
	}

	req, err := http.NewRequest(http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		a.Status = "failed"
		a.Error = err.Error()
		return a
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, p.secret))
	req.Header.Set("X-Webhook-Event", eventSummaryGenerated)
	req.Header.Set("X-Webhook-ID", a.ID)
	req.Header.Set("X-Webhook-Timestamp", now.UTC().Format(time.RFC3339))

	resp, err := p.httpClient.Do(req)
	a.Duration = time.Since(now)
	if err != nil {
		a.Status = "failed"
		a.Error = err.Error()
		return a
	}
	defer resp.Body.Close()

	a.StatusCode = resp.StatusCode
	// Read at most 1KB of response body.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	a.ResponseBody = string(body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		a.Status = "success"
	} else {
		a.Status = "failed"
		a.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	return a
}

func (p *Publisher) record(a *DeliveryAttempt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.history) < historySize {
		p.history = append(p.history, a)
		return
	}
	p.history[p.historyAt] = a
	p.historyAt = (p.historyAt + 1) % historySize
}

// Deliveries returns recent attempts, newest first.
func (p *Publisher) Deliveries(limit int) []*DeliveryAttempt {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*DeliveryAttempt, 0, limit)
	for i := 0; i < limit; i++ {
		// newest entry sits just before historyAt once the ring has wrapped
		idx := (p.historyAt - 1 - i + n) % n
		if n < historySize {
			idx = n - 1 - i
		}
		out = append(out, p.history[idx])
	}
	return out
}
