package inbound

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no message has the requested ID.
	ErrNotFound = errors.New("inbound message not found")
	// ErrDuplicate is returned when a message with the same sending facility
	// and control ID is already stored.
	ErrDuplicate = errors.New("inbound message already stored")
)

type Repository interface {
	Create(ctx context.Context, m *Message) error
	GetByID(ctx context.Context, id uuid.UUID) (*Message, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Message, int, error)
}
