package hl7v2

import "strings"

// Record is a typed projection of a message, ready to be handed to a Sink.
// Records are built once per message and never modified afterwards.
type Record interface {
	Kind() MessageKind
	Meta() *RecordMeta
}

// RecordMeta carries the traceability fields every record keeps from its
// source message.
type RecordMeta struct {
	MessageType        string       `json:"messageType"`
	TriggerEvent       string       `json:"triggerEvent"`
	ControlID          string       `json:"controlId"`
	SendingApplication string       `json:"sendingApplication"`
	SendingFacility    string       `json:"sendingFacility"`
	MessageTime        Timestamp    `json:"messageTime"`
	Diagnostics        []Diagnostic `json:"diagnostics,omitempty"`
}

// Meta returns the record's traceability block.
func (m *RecordMeta) Meta() *RecordMeta { return m }

func newRecordMeta(h *MessageHeader) RecordMeta {
	return RecordMeta{
		MessageType:        h.MessageType,
		TriggerEvent:       h.TriggerEvent,
		ControlID:          h.ControlID,
		SendingApplication: h.SendingApplication,
		SendingFacility:    h.SendingFacility,
		MessageTime:        h.Timestamp,
	}
}

// PersonName is an XPN value. Absent components are empty strings.
type PersonName struct {
	Family string `json:"family"`
	Given  string `json:"given"`
	Middle string `json:"middle,omitempty"`
	Suffix string `json:"suffix,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

// Identifier is a CX value.
type Identifier struct {
	ID                 string `json:"id"`
	AssigningAuthority string `json:"assigningAuthority,omitempty"`
	Type               string `json:"type,omitempty"`
}

// Address is an XAD value.
type Address struct {
	Street     string `json:"street,omitempty"`
	Other      string `json:"other,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country,omitempty"`
}

// CodedValue is a CE/CWE value.
type CodedValue struct {
	Code   string `json:"code"`
	Text   string `json:"text,omitempty"`
	System string `json:"system,omitempty"`
}

// Provider is an XCN value.
type Provider struct {
	ID     string `json:"id,omitempty"`
	Family string `json:"family,omitempty"`
	Given  string `json:"given,omitempty"`
}

// Location is a PL value.
type Location struct {
	PointOfCare string `json:"pointOfCare,omitempty"`
	Room        string `json:"room,omitempty"`
	Bed         string `json:"bed,omitempty"`
	Facility    string `json:"facility,omitempty"`
}

// IsZero reports whether no part of the location is set.
func (l Location) IsZero() bool { return l == Location{} }

// PatientInfo is the demographic projection of a PID segment.
type PatientInfo struct {
	PatientID          string       `json:"patientId"`
	AssigningAuthority string       `json:"assigningAuthority,omitempty"`
	IdentifierType     string       `json:"identifierType,omitempty"`
	Identifiers        []Identifier `json:"identifiers,omitempty"`
	Name               PersonName   `json:"name"`
	DateOfBirth        Timestamp    `json:"dateOfBirth"`
	Gender             string       `json:"gender"`
	Address            Address      `json:"address"`
	HomePhone          string       `json:"homePhone,omitempty"`
	MaritalStatus      string       `json:"maritalStatus,omitempty"`
	AccountNumber      string       `json:"accountNumber,omitempty"`
	Deceased           bool         `json:"deceased,omitempty"`
}

func projectPatient(pid *Segment, diags *[]Diagnostic) PatientInfo {
	*diags = append(*diags, CheckRequired(pid)...)

	p := PatientInfo{
		Name:          personName(pid, PIDPatientName),
		Gender:        pid.Value(PIDSex),
		HomePhone:     pid.Component(PIDHomePhone, 1),
		MaritalStatus: pid.Component(PIDMaritalStatus, 1),
		AccountNumber: pid.Component(PIDAccountNumber, 1),
		Deceased:      pid.Value(PIDDeathIndicator) == "Y",
		Address: Address{
			Street:     pid.Component(PIDAddress, 1),
			Other:      pid.Component(PIDAddress, 2),
			City:       pid.Component(PIDAddress, 3),
			State:      pid.Component(PIDAddress, 4),
			PostalCode: pid.Component(PIDAddress, 5),
			Country:    pid.Component(PIDAddress, 6),
		},
	}

	for r := 1; r <= pid.Repetitions(PIDIdentifierList); r++ {
		id := Identifier{
			ID:                 pid.RepeatComponent(PIDIdentifierList, r, 1),
			AssigningAuthority: pid.RepeatComponent(PIDIdentifierList, r, 4),
			Type:               pid.RepeatComponent(PIDIdentifierList, r, 5),
		}
		if id.ID == "" {
			continue
		}
		p.Identifiers = append(p.Identifiers, id)
	}
	if len(p.Identifiers) > 0 {
		p.PatientID = p.Identifiers[0].ID
		p.AssigningAuthority = p.Identifiers[0].AssigningAuthority
		p.IdentifierType = p.Identifiers[0].Type
	}

	p.DateOfBirth = timestampField(pid, PIDDateOfBirth, diags)
	return p
}

func personName(seg *Segment, n int) PersonName {
	return PersonName{
		Family: seg.Component(n, 1),
		Given:  seg.Component(n, 2),
		Middle: seg.Component(n, 3),
		Suffix: seg.Component(n, 4),
		Prefix: seg.Component(n, 5),
	}
}

func provider(seg *Segment, n int) Provider {
	return Provider{
		ID:     seg.Component(n, 1),
		Family: seg.Component(n, 2),
		Given:  seg.Component(n, 3),
	}
}

func location(seg *Segment, n int) Location {
	return Location{
		PointOfCare: seg.Component(n, 1),
		Room:        seg.Component(n, 2),
		Bed:         seg.Component(n, 3),
		Facility:    seg.Component(n, 4),
	}
}

func codedValue(seg *Segment, n int) CodedValue {
	return CodedValue{
		Code:   seg.Component(n, 1),
		Text:   seg.Component(n, 2),
		System: seg.Component(n, 3),
	}
}

// fieldText returns field n with escapes resolved, joining repetitions with
// sep.
func fieldText(seg *Segment, n int, sep string) string {
	f := seg.Field(n)
	if f == nil {
		return ""
	}
	if len(f.Repeats) <= 1 {
		return seg.Value(n)
	}
	d := seg.delims
	reps := strings.Split(f.Value, string(d.Repetition))
	for i := range reps {
		reps[i] = d.Unescape(reps[i])
	}
	return strings.Join(reps, sep)
}

// Project dispatches msg to the projector selected by route. The returned
// Record is nil whenever err is non-nil.
func Project(msg *Message, h *MessageHeader, route Route) (Record, error) {
	var (
		rec Record
		err error
	)
	switch route.Kind {
	case KindADT:
		var adt *ADTMessage
		if adt, err = ProjectADT(msg, h, route.Event); err == nil {
			rec = adt
		}
	case KindORM:
		var orm *ORMMessage
		if orm, err = ProjectORM(msg, h); err == nil {
			rec = orm
		}
	case KindORU:
		var oru *ORUMessage
		if oru, err = ProjectORU(msg, h); err == nil {
			rec = oru
		}
	default:
		err = route.Err()
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}
