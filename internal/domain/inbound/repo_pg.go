package inbound

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ehr/hl7gateway/internal/platform/db"
)

type repoPG struct{ db db.Querier }

// NewRepoPG returns a Repository backed by the inbound_messages table.
func NewRepoPG(q db.Querier) Repository {
	return &repoPG{db: q}
}

const inboundCols = `id, kind, event, message_type, control_id, sending_application,
	sending_facility, patient_id, remote_addr, record, received_at`

func (r *repoPG) scan(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.Kind, &m.Event, &m.MessageType, &m.ControlID,
		&m.SendingApplication, &m.SendingFacility, &m.PatientID, &m.RemoteAddr,
		&m.Record, &m.ReceivedAt)
	return &m, err
}

func (r *repoPG) Create(ctx context.Context, m *Message) error {
	m.ID = uuid.New()
	_, err := r.db.Exec(ctx, `
		INSERT INTO inbound_messages (id, kind, event, message_type, control_id,
			sending_application, sending_facility, patient_id, remote_addr, record, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		m.ID, m.Kind, m.Event, m.MessageType, m.ControlID,
		m.SendingApplication, m.SendingFacility, m.PatientID, m.RemoteAddr,
		m.Record, m.ReceivedAt)
	if db.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Message, error) {
	m, err := r.scan(r.db.QueryRow(ctx, `SELECT `+inboundCols+` FROM inbound_messages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (r *repoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Message, int, error) {
	where, args := filterClause(f)

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM inbound_messages`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM inbound_messages%s ORDER BY received_at DESC LIMIT $%d OFFSET $%d`,
		inboundCols, where, n+1, n+2)
	rows, err := r.db.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Message
	for rows.Next() {
		m, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, m)
	}
	return items, total, rows.Err()
}

// filterClause renders f as a WHERE clause with positional arguments.
func filterClause(f ListFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("kind", f.Kind)
	add("sending_facility", f.Facility)
	add("patient_id", f.PatientID)
	add("control_id", f.ControlID)

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
