package inbound

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/hl7gateway/internal/platform/hl7v2"
)

// Message is an accepted HL7 record as stored by the gateway.
type Message struct {
	ID                 uuid.UUID       `db:"id" json:"id"`
	Kind               string          `db:"kind" json:"kind"`
	Event              string          `db:"event" json:"event"`
	MessageType        string          `db:"message_type" json:"message_type"`
	ControlID          string          `db:"control_id" json:"control_id"`
	SendingApplication string          `db:"sending_application" json:"sending_application"`
	SendingFacility    string          `db:"sending_facility" json:"sending_facility"`
	PatientID          *string         `db:"patient_id" json:"patient_id,omitempty"`
	RemoteAddr         *string         `db:"remote_addr" json:"remote_addr,omitempty"`
	Record             json.RawMessage `db:"record" json:"record"`
	ReceivedAt         time.Time       `db:"received_at" json:"received_at"`
}

// ListFilter narrows List results. Empty fields match everything.
type ListFilter struct {
	Kind      string
	Facility  string
	PatientID string
	ControlID string
}

// Matches reports whether m satisfies the filter.
func (f ListFilter) Matches(m *Message) bool {
	if f.Kind != "" && m.Kind != f.Kind {
		return false
	}
	if f.Facility != "" && m.SendingFacility != f.Facility {
		return false
	}
	if f.PatientID != "" && (m.PatientID == nil || *m.PatientID != f.PatientID) {
		return false
	}
	if f.ControlID != "" && m.ControlID != f.ControlID {
		return false
	}
	return true
}

// NewMessage flattens a projected record into its stored form. The record
// itself is kept whole as JSON.
func NewMessage(kind hl7v2.MessageKind, rec hl7v2.Record, fc hl7v2.FacilityContext) (*Message, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal %s record: %w", kind, err)
	}
	meta := rec.Meta()

	m := &Message{
		Kind:               string(kind),
		Event:              eventOf(rec),
		MessageType:        meta.MessageType,
		ControlID:          meta.ControlID,
		SendingApplication: meta.SendingApplication,
		SendingFacility:    meta.SendingFacility,
		PatientID:          patientIDOf(rec),
		Record:             data,
		ReceivedAt:         fc.ReceivedAt,
	}
	if m.SendingFacility == "" {
		m.SendingFacility = fc.SendingFacility
	}
	if fc.RemoteAddr != "" {
		addr := fc.RemoteAddr
		m.RemoteAddr = &addr
	}
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = time.Now().UTC()
	}
	return m, nil
}

func eventOf(rec hl7v2.Record) string {
	switch r := rec.(type) {
	case *hl7v2.ADTMessage:
		return string(r.Event)
	case *hl7v2.ORMMessage:
		return "order"
	case *hl7v2.ORUMessage:
		return "result"
	default:
		return rec.Meta().TriggerEvent
	}
}

func patientIDOf(rec hl7v2.Record) *string {
	var id string
	switch r := rec.(type) {
	case *hl7v2.ADTMessage:
		id = r.Patient.PatientID
	case *hl7v2.ORMMessage:
		if r.Patient != nil {
			id = r.Patient.PatientID
		}
	case *hl7v2.ORUMessage:
		id = r.Patient.PatientID
	}
	if id == "" {
		return nil
	}
	return &id
}
