// Package webhook forwards accepted HL7 records to external HTTP endpoints.
// Deliveries are signed with HMAC-SHA256, retried with backoff and logged,
// and endpoints can be managed over the control-plane API.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Endpoint statuses.
const (
	StatusActive = "active"
	StatusPaused = "paused"
)

// Delivery statuses.
const (
	DeliverySuccess = "success"
	DeliveryFailed  = "failed"
)

// maxDeliveries bounds the in-memory delivery log; the oldest entries are
// evicted first.
const maxDeliveries = 1000

var ErrNotFound = errors.New("webhook: not found")

// Endpoint is a registered webhook destination. Events holds subscription
// patterns such as "hl7.adt.*" or "*".
type Endpoint struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Secret    string    `json:"secret,omitempty"`
	Events    []string  `json:"events"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is the JSON document POSTed to endpoints.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Kind      string          `json:"kind"`
	ControlID string          `json:"control_id"`
	Facility  string          `json:"facility,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// DeliveryAttempt records one POST of an event to an endpoint.
type DeliveryAttempt struct {
	ID           string        `json:"id"`
	WebhookID    string        `json:"webhook_id"`
	EventType    string        `json:"event_type"`
	EventID      string        `json:"event_id"`
	ControlID    string        `json:"control_id"`
	StatusCode   int           `json:"status_code"`
	ResponseBody string        `json:"response_body,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
	Attempt      int           `json:"attempt"`
	Status       string        `json:"status"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Store persists endpoints and the delivery log.
type Store interface {
	CreateEndpoint(ctx context.Context, ep *Endpoint) error
	GetEndpoint(ctx context.Context, id string) (*Endpoint, error)
	ListEndpoints(ctx context.Context, limit, offset int) ([]*Endpoint, int, error)
	UpdateEndpoint(ctx context.Context, ep *Endpoint) error
	DeleteEndpoint(ctx context.Context, id string) error
	RecordDelivery(ctx context.Context, attempt *DeliveryAttempt) error
	ListDeliveries(ctx context.Context, webhookID string, limit, offset int) ([]*DeliveryAttempt, int, error)
}

// MemoryStore is a thread-safe, in-memory Store. Returned values are copies.
type MemoryStore struct {
	mu         sync.RWMutex
	endpoints  map[string]*Endpoint
	order      []string
	deliveries []*DeliveryAttempt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{endpoints: make(map[string]*Endpoint)}
}

func copyEndpoint(ep *Endpoint) *Endpoint {
	cp := *ep
	cp.Events = append([]string(nil), ep.Events...)
	return &cp
}

func (s *MemoryStore) CreateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[ep.ID] = copyEndpoint(ep)
	s.order = append(s.order, ep.ID)
	return nil
}

func (s *MemoryStore) GetEndpoint(_ context.Context, id string) (*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEndpoint(ep), nil
}

func (s *MemoryStore) ListEndpoints(_ context.Context, limit, offset int) ([]*Endpoint, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := len(s.order)
	out := []*Endpoint{}
	for i := offset; i < total && (limit <= 0 || len(out) < limit); i++ {
		out = append(out, copyEndpoint(s.endpoints[s.order[i]]))
	}
	return out, total, nil
}

func (s *MemoryStore) UpdateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[ep.ID]; !ok {
		return ErrNotFound
	}
	s.endpoints[ep.ID] = copyEndpoint(ep)
	return nil
}

func (s *MemoryStore) DeleteEndpoint(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[id]; !ok {
		return ErrNotFound
	}
	delete(s.endpoints, id)
	for i, eid := range s.order {
		if eid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) RecordDelivery(_ context.Context, attempt *DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *attempt
	s.deliveries = append(s.deliveries, &cp)
	if n := len(s.deliveries) - maxDeliveries; n > 0 {
		s.deliveries = append([]*DeliveryAttempt(nil), s.deliveries[n:]...)
	}
	return nil
}

// ListDeliveries returns the attempts for webhookID, newest first.
func (s *MemoryStore) ListDeliveries(_ context.Context, webhookID string, limit, offset int) ([]*DeliveryAttempt, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*DeliveryAttempt
	for i := len(s.deliveries) - 1; i >= 0; i-- {
		if d := s.deliveries[i]; d.WebhookID == webhookID {
			matched = append(matched, d)
		}
	}
	total := len(matched)
	out := []*DeliveryAttempt{}
	for i := offset; i < total && (limit <= 0 || len(out) < limit); i++ {
		cp := *matched[i]
		out = append(out, &cp)
	}
	return out, total, nil
}
