package hl7v2

// OrderInfo is the projection of an OBR segment.
type OrderInfo struct {
	SetID             string     `json:"setId,omitempty"`
	PlacerOrderNumber string     `json:"placerOrderNumber,omitempty"`
	FillerOrderNumber string     `json:"fillerOrderNumber,omitempty"`
	Service           CodedValue `json:"service"`
	Priority          string     `json:"priority,omitempty"`
	RequestedAt       Timestamp  `json:"requestedAt"`
	ObservedAt        Timestamp  `json:"observedAt"`
	OrderingProvider  Provider   `json:"orderingProvider"`
	DiagnosticService string     `json:"diagnosticService,omitempty"`
	ResultStatus      string     `json:"resultStatus,omitempty"`
}

// SameOrder reports whether o and other identify the same order: their placer
// order numbers match, or their filler order numbers match. Empty numbers
// never match.
func (o OrderInfo) SameOrder(other OrderInfo) bool {
	if o.PlacerOrderNumber != "" && o.PlacerOrderNumber == other.PlacerOrderNumber {
		return true
	}
	return o.FillerOrderNumber != "" && o.FillerOrderNumber == other.FillerOrderNumber
}

// Key returns a stable identity for the order built from its placer and
// filler numbers.
func (o OrderInfo) Key() string {
	return o.PlacerOrderNumber + "/" + o.FillerOrderNumber
}

// ORMMessage is an order message. Order is the first OBR; Orders holds all of
// them in message order.
type ORMMessage struct {
	RecordMeta
	Patient *PatientInfo `json:"patient,omitempty"`
	Order   OrderInfo    `json:"order"`
	Orders  []OrderInfo  `json:"orders"`
}

// Kind implements Record.
func (*ORMMessage) Kind() MessageKind { return KindORM }

// ProjectORM builds an ORMMessage. OBR is required; PID is projected when
// present.
func ProjectORM(msg *Message, h *MessageHeader) (*ORMMessage, error) {
	if _, err := msg.Require("OBR", h.Type()); err != nil {
		return nil, err
	}

	rec := &ORMMessage{RecordMeta: newRecordMeta(h)}
	if pid := msg.Segment("PID"); pid != nil {
		p := projectPatient(pid, &rec.Diagnostics)
		rec.Patient = &p
	}
	for _, obr := range msg.SegmentsOf("OBR") {
		rec.Orders = append(rec.Orders, projectOrder(obr, &rec.Diagnostics))
	}
	rec.Order = rec.Orders[0]
	return rec, nil
}

func projectOrder(obr *Segment, diags *[]Diagnostic) OrderInfo {
	*diags = append(*diags, CheckRequired(obr)...)
	return OrderInfo{
		SetID:             obr.Value(OBRSetID),
		PlacerOrderNumber: obr.Component(OBRPlacerOrderNumber, 1),
		FillerOrderNumber: obr.Component(OBRFillerOrderNumber, 1),
		Service:           codedValue(obr, OBRUniversalServiceID),
		Priority:          obr.Value(OBRPriority),
		RequestedAt:       timestampField(obr, OBRRequestedDateTime, diags),
		ObservedAt:        timestampField(obr, OBRObservationDateTime, diags),
		OrderingProvider:  provider(obr, OBROrderingProvider),
		DiagnosticService: obr.Value(OBRDiagnosticServiceSect),
		ResultStatus:      obr.Value(OBRResultStatus),
	}
}
