package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
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

	"github.com/ehr/hl7gateway/internal/platform/hl7v2"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	IDHeader        = "X-Webhook-ID"
	EventHeader     = "X-Webhook-Event"
	TimestampHeader = "X-Webhook-Timestamp"

	defaultQueueSize = 1024
)

// ErrQueueFull is returned by Notify when the delivery queue cannot take
// another event. The event is dropped.
var ErrQueueFull = errors.New("webhook: delivery queue full")

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.httpClient = c }
}

// WithMaxAttempts sets how many times one event is POSTed to one endpoint
// before it is given up on.
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithRetryDelays sets the wait before each retry. The last delay repeats
// when there are more retries than delays.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(d *Dispatcher) { d.retryDelays = delays }
}

// WithQueueSize sets how many events may wait for delivery.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan Event, n)
		}
	}
}

// Dispatcher delivers events to matching endpoints. Notify only enqueues;
// Start runs the workers that POST them.
type Dispatcher struct {
	store       Store
	httpClient  *http.Client
	maxAttempts int
	retryDelays []time.Duration
	logger      zerolog.Logger

	queue  chan Event
	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup

	now func() time.Time
}

var _ hl7v2.Notifier = (*Dispatcher)(nil)

func NewDispatcher(store Store, logger zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store: store,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		maxAttempts: 3,
		retryDelays: []time.Duration{time.Second, 30 * time.Second, 5 * time.Minute},
		logger:      logger.With().Str("component", "webhook").Logger(),
		queue:       make(chan Event, defaultQueueSize),
		stop:        make(chan struct{}),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url must include a host")
	}
	return nil
}

// RegisterEndpoint validates and stores a new active endpoint. An empty
// secret is generated; empty events subscribe to everything.
func (d *Dispatcher) RegisterEndpoint(ctx context.Context, rawURL, secret string, events []string) (*Endpoint, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if secret == "" {
		s, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		secret = s
	}
	if len(events) == 0 {
		events = []string{"*"}
	}

	ep := &Endpoint{
		ID:        uuid.New().String(),
		URL:       rawURL,
		Secret:    secret,
		Events:    events,
		Status:    StatusActive,
		CreatedAt: d.now(),
	}
	if err := d.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

// SetStatus pauses or resumes an endpoint.
func (d *Dispatcher) SetStatus(ctx context.Context, id, status string) error {
	if status != StatusActive && status != StatusPaused {
		return fmt.Errorf("unknown status %q", status)
	}
	ep, err := d.store.GetEndpoint(ctx, id)
	if err != nil {
		return err
	}
	ep.Status = status
	return d.store.UpdateEndpoint(ctx, ep)
}

// eventMatches reports whether an event type matches a subscription pattern.
// Patterns are "*", an exact type, a prefix ("hl7.adt.*") or a suffix
// ("*.result").
func eventMatches(pattern, eventType string) bool {
	switch {
	case pattern == "*" || pattern == eventType:
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(eventType, pattern[1:])
	}
	return false
}

func endpointMatches(ep *Endpoint, eventType string) bool {
	if ep.Status != StatusActive {
		return false
	}
	for _, pat := range ep.Events {
		if eventMatches(pat, eventType) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) matching(ctx context.Context, eventType string) ([]*Endpoint, error) {
	eps, _, err := d.store.ListEndpoints(ctx, 0, 0)
	if err != nil {
		return nil, err
	}
	var out []*Endpoint
	for _, ep := range eps {
		if endpointMatches(ep, eventType) {
			out = append(out, ep)
		}
	}
	return out, nil
}

// NewEvent wraps an accepted record.
func NewEvent(eventType string, rec hl7v2.Record, at time.Time) (Event, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return Event{}, fmt.Errorf("webhook: marshal record: %w", err)
	}
	meta := rec.Meta()
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Kind:      string(rec.Kind()),
		ControlID: meta.ControlID,
		Facility:  meta.SendingFacility,
		Payload:   data,
		Timestamp: at,
	}, nil
}

// Notify implements hl7v2.Notifier. payload must be an hl7v2.Record. The
// event is queued only when some active endpoint subscribes to it.
func (d *Dispatcher) Notify(ctx context.Context, eventType string, payload interface{}) error {
	rec, ok := payload.(hl7v2.Record)
	if !ok {
		return fmt.Errorf("webhook: cannot deliver %T", payload)
	}
	eps, err := d.matching(ctx, eventType)
	if err != nil || len(eps) == 0 {
		return err
	}
	ev, err := NewEvent(eventType, rec, d.now())
	if err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return errors.New("webhook: dispatcher closed")
	}
	select {
	case d.queue <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches n delivery workers.
func (d *Dispatcher) Start(n int) {
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for ev := range d.queue {
				d.Deliver(context.Background(), ev)
			}
		}()
	}
}

// Close stops accepting events, delivers what is already queued and waits
// for the workers. Pending retries are abandoned once ctx expires.
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
		return nil
	case <-ctx.Done():
		close(d.stop)
		<-done
		return ctx.Err()
	}
}

// Deliver sends ev to every matching endpoint, retrying each independently.
// It returns the final attempt per endpoint.
func (d *Dispatcher) Deliver(ctx context.Context, ev Event) []*DeliveryAttempt {
	eps, err := d.matching(ctx, ev.Type)
	if err != nil {
		d.logger.Error().Err(err).Msg("list webhook endpoints")
		return nil
	}
	var results []*DeliveryAttempt
	for _, ep := range eps {
		results = append(results, d.deliverWithRetry(ctx, ep, ev))
	}
	return results
}

func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	if len(d.retryDelays) == 0 {
		return 0
	}
	if attempt-1 < len(d.retryDelays) {
		return d.retryDelays[attempt-1]
	}
	return d.retryDelays[len(d.retryDelays)-1]
}

// retryable reports whether a failed attempt may succeed later. Client
// errors other than timeouts and throttling are permanent.
func retryable(a *DeliveryAttempt) bool {
	if a.StatusCode == 0 || a.StatusCode >= 500 {
		return true
	}
	return a.StatusCode == http.StatusRequestTimeout || a.StatusCode == http.StatusTooManyRequests
}

func (d *Dispatcher) deliverWithRetry(ctx context.Context, ep *Endpoint, ev Event) *DeliveryAttempt {
	var last *DeliveryAttempt
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		last = d.DeliverToEndpoint(ctx, ep, ev, attempt)
		if last.Status == DeliverySuccess || !retryable(last) || attempt == d.maxAttempts {
			break
		}
		select {
		case <-time.After(d.retryDelay(attempt)):
		case <-ctx.Done():
			return last
		case <-d.stop:
			return last
		}
	}

	level := zerolog.InfoLevel
	if last.Status != DeliverySuccess {
		level = zerolog.WarnLevel
	}
	entry := d.logger.WithLevel(level)
	if last.Error != "" {
		entry = entry.Str("error", last.Error)
	}
	entry.Str("webhook_id", ep.ID).
		Str("event_type", ev.Type).
		Str("control_id", ev.ControlID).
		Int("status_code", last.StatusCode).
		Int("attempts", last.Attempt).
		Msg("webhook delivery " + last.Status)
	return last
}

// DeliverToEndpoint signs and POSTs ev once, recording the attempt.
func (d *Dispatcher) DeliverToEndpoint(ctx context.Context, ep *Endpoint, ev Event, attempt int) *DeliveryAttempt {
	now := d.now()
	a := &DeliveryAttempt{
		ID:        uuid.New().String(),
		WebhookID: ep.ID,
		EventType: ev.Type,
		EventID:   ev.ID,
		ControlID: ev.ControlID,
		Attempt:   attempt,
		Status:    DeliveryFailed,
		CreatedAt: now,
	}
	defer func() {
		if err := d.store.RecordDelivery(ctx, a); err != nil {
			d.logger.Error().Err(err).Str("webhook_id", ep.ID).Msg("record webhook delivery")
		}
	}()

	body, err := json.Marshal(ev)
	if err != nil {
		a.Error = err.Error()
		return a
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		a.Error = err.Error()
		return a
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, "sha256="+SignPayload(body, ep.Secret))
	req.Header.Set(IDHeader, ep.ID)
	req.Header.Set(EventHeader, ev.Type)
	req.Header.Set(TimestampHeader, now.Format(time.RFC3339))

	start := time.Now()
	resp, err := d.httpClient.Do(req)
	a.Duration = time.Since(start)
	if err != nil {
		a.Error = err.Error()
		return a
	}
	defer resp.Body.Close()

	a.StatusCode = resp.StatusCode
	// Read at most 1KB of response body.
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	a.ResponseBody = string(respBody)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		a.Status = DeliverySuccess
	} else {
		a.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	return a
}

// TestEndpoint sends a synthetic "webhook.test" event to one endpoint
// without retrying.
func (d *Dispatcher) TestEndpoint(ctx context.Context, id string) (*DeliveryAttempt, error) {
	ep, err := d.store.GetEndpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	ev := Event{
		ID:        uuid.New().String(),
		Type:      "webhook.test",
		Payload:   json.RawMessage(`{"test":true}`),
		Timestamp: d.now(),
	}
	return d.DeliverToEndpoint(ctx, ep, ev, 1), nil
}
