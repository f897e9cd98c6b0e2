package inbound

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/hl7gateway/internal/platform/hl7v2"
)

// StoreMetrics counts stored records. *telemetry.Provider satisfies it.
type StoreMetrics interface {
	RecordStored(kind string)
}

type nopStoreMetrics struct{}

func (nopStoreMetrics) RecordStored(string) {}

// Service persists accepted records. It implements hl7v2.Sink.
type Service struct {
	repo    Repository
	metrics StoreMetrics
	logger  zerolog.Logger
}

var _ hl7v2.Sink = (*Service)(nil)

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		metrics: nopStoreMetrics{},
		logger:  logger.With().Str("component", "inbound").Logger(),
	}
}

// SetMetrics attaches a metrics recorder. A nil m restores the no-op recorder.
func (s *Service) SetMetrics(m StoreMetrics) {
	if m == nil {
		m = nopStoreMetrics{}
	}
	s.metrics = m
}

// Handoff stores rec. A record whose sending facility and control ID were
// already stored is a retransmission: it is not stored again and the
// handoff still succeeds, so the sender receives AA a second time.
func (s *Service) Handoff(ctx context.Context, kind hl7v2.MessageKind, rec hl7v2.Record, fc hl7v2.FacilityContext) error {
	if rec == nil {
		return fmt.Errorf("inbound: nil %s record", kind)
	}
	m, err := NewMessage(kind, rec, fc)
	if err != nil {
		return err
	}

	err = s.repo.Create(ctx, m)
	switch {
	case errors.Is(err, ErrDuplicate):
		s.logger.Info().
			Str("control_id", m.ControlID).
			Str("facility", m.SendingFacility).
			Msg("duplicate message, already stored")
		return nil
	case err != nil:
		return fmt.Errorf("store %s message %s: %w", kind, m.ControlID, err)
	}

	s.metrics.RecordStored(m.Kind)
	s.logger.Debug().
		Str("id", m.ID.String()).
		Str("kind", m.Kind).
		Str("event", m.Event).
		Str("control_id", m.ControlID).
		Msg("message stored")
	return nil
}

func (s *Service) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	return s.repo.GetByID(ctx, id)
}

var validKinds = map[string]bool{
	string(hl7v2.KindADT): true,
	string(hl7v2.KindORM): true,
	string(hl7v2.KindORU): true,
}

func (s *Service) ListMessages(ctx context.Context, f ListFilter, limit, offset int) ([]*Message, int, error) {
	if f.Kind != "" && !validKinds[f.Kind] {
		return nil, 0, fmt.Errorf("invalid kind %q", f.Kind)
	}
	return s.repo.List(ctx, f, limit, offset)
}
