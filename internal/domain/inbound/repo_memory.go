package inbound

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type dedupKey struct{ facility, controlID string }

// MemoryRepo keeps messages in process memory. It is used when no database
// is configured and in tests.
type MemoryRepo struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]*Message
	byKey map[dedupKey]uuid.UUID
	order []*Message
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		byID:  make(map[uuid.UUID]*Message),
		byKey: make(map[dedupKey]uuid.UUID),
	}
}

func (r *MemoryRepo) Create(_ context.Context, m *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := dedupKey{m.SendingFacility, m.ControlID}
	if _, ok := r.byKey[key]; ok {
		return ErrDuplicate
	}

	m.ID = uuid.New()
	cp := *m
	r.byID[cp.ID] = &cp
	r.byKey[key] = cp.ID
	r.order = append(r.order, &cp)
	return nil
}

func (r *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

// List returns matching messages newest first.
func (r *MemoryRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Message, int, error) {
	r.mu.RLock()
	var matched []*Message
	for i := len(r.order) - 1; i >= 0; i-- {
		if m := r.order[i]; f.Matches(m) {
			cp := *m
			matched = append(matched, &cp)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].ReceivedAt.After(matched[j].ReceivedAt)
	})

	total := len(matched)
	if offset >= total {
		return []*Message{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return matched[offset:end], total, nil
}
