package hl7v2

import (
	"strconv"
	"strings"
)

// ObservationType classifies an OBX value by its OBX-2 value type.
type ObservationType string

const (
	ObservationNumeric ObservationType = "numeric"
	ObservationString  ObservationType = "string"
	ObservationText    ObservationType = "text"
	ObservationCoded   ObservationType = "coded"
)

var observationTypes = map[string]ObservationType{
	"NM":  ObservationNumeric,
	"ST":  ObservationString,
	"TX":  ObservationText,
	"FT":  ObservationText,
	"CE":  ObservationCoded,
	"CWE": ObservationCoded,
	"CNE": ObservationCoded,
}

// Observation is the projection of one OBX segment. Numeric is set only for
// numeric observations whose value parsed; Coded only for coded ones.
// AbnormalFlags and ReferenceRange are passed through unchanged.
type Observation struct {
	SetID          string          `json:"setId,omitempty"`
	ValueType      ObservationType `json:"valueType"`
	RawValueType   string          `json:"rawValueType,omitempty"`
	Identifier     CodedValue      `json:"identifier"`
	SubID          string          `json:"subId,omitempty"`
	Value          string          `json:"value"`
	Numeric        *float64        `json:"numeric,omitempty"`
	Coded          *CodedValue     `json:"coded,omitempty"`
	Units          string          `json:"units,omitempty"`
	ReferenceRange string          `json:"referenceRange,omitempty"`
	AbnormalFlags  string          `json:"abnormalFlags,omitempty"`
	ResultStatus   string          `json:"resultStatus,omitempty"`
	ObservedAt     Timestamp       `json:"observedAt"`

	// OrderIndex is the 0-based index into ORUMessage.Orders of the OBR the
	// observation follows.
	OrderIndex int `json:"orderIndex"`
}

// ORUMessage is an observation result message.
type ORUMessage struct {
	RecordMeta
	Patient      PatientInfo   `json:"patient"`
	Order        OrderInfo     `json:"order"`
	Orders       []OrderInfo   `json:"orders"`
	Observations []Observation `json:"observations"`
}

// Kind implements Record.
func (*ORUMessage) Kind() MessageKind { return KindORU }

// ProjectORU builds an ORUMessage. PID, OBR and at least one OBX are
// required; a message missing any of them yields a *MissingSegmentError and
// no record.
func ProjectORU(msg *Message, h *MessageHeader) (*ORUMessage, error) {
	typ := h.Type()
	pid, err := msg.Require("PID", typ)
	if err != nil {
		return nil, err
	}
	if _, err := msg.Require("OBR", typ); err != nil {
		return nil, err
	}
	if _, err := msg.Require("OBX", typ); err != nil {
		return nil, err
	}

	rec := &ORUMessage{RecordMeta: newRecordMeta(h)}
	rec.Patient = projectPatient(pid, &rec.Diagnostics)

	// OBX segments belong to the closest preceding OBR. Any OBX that appears
	// before the first OBR is attached to it as well.
	order := 0
	for i := range msg.Segments {
		seg := &msg.Segments[i]
		switch seg.Type {
		case "OBR":
			rec.Orders = append(rec.Orders, projectOrder(seg, &rec.Diagnostics))
			order = len(rec.Orders) - 1
		case "OBX":
			obs := projectObservation(seg, &rec.Diagnostics)
			obs.OrderIndex = order
			rec.Observations = append(rec.Observations, obs)
		}
	}
	rec.Order = rec.Orders[0]
	return rec, nil
}

func projectObservation(obx *Segment, diags *[]Diagnostic) Observation {
	*diags = append(*diags, CheckRequired(obx)...)

	raw := strings.ToUpper(obx.Value(OBXValueType))
	obs := Observation{
		SetID:          obx.Value(OBXSetID),
		RawValueType:   raw,
		Identifier:     codedValue(obx, OBXObservationIdentifier),
		SubID:          obx.Value(OBXObservationSubID),
		Units:          obx.Component(OBXUnits, 1),
		ReferenceRange: obx.Value(OBXReferenceRange),
		AbnormalFlags:  obx.Raw(OBXAbnormalFlags),
		ResultStatus:   obx.Value(OBXResultStatus),
		ObservedAt:     timestampField(obx, OBXObservationDateTime, diags),
	}

	typ, ok := observationTypes[raw]
	if !ok {
		typ = ObservationString
		if raw != "" {
			*diags = append(*diags, warnf(DiagUnknownValueType, obx, OBXValueType,
				"value type %q is not modeled; treating value as string", raw))
		}
	}
	obs.ValueType = typ

	switch typ {
	case ObservationNumeric:
		obs.Value = strings.TrimSpace(obx.Value(OBXObservationValue))
		if obs.Value != "" {
			v, err := parseNumeric(obs.Value)
			if err != nil {
				*diags = append(*diags, warnf(DiagCoercion, obx, OBXObservationValue,
					"numeric observation %s has non-numeric value %q", obs.Identifier.Code, obs.Value))
			} else {
				obs.Numeric = &v
			}
		}
	case ObservationCoded:
		cv := codedValue(obx, OBXObservationValue)
		obs.Coded = &cv
		obs.Value = cv.Code
	case ObservationText:
		obs.Value = fieldText(obx, OBXObservationValue, "\n")
	default:
		obs.Value = obx.Value(OBXObservationValue)
	}
	return obs
}

// parseNumeric parses an HL7 NM value: an optional sign, digits and an
// optional decimal point. Exponents, hex, NaN and Inf are rejected.
func parseNumeric(s string) (float64, error) {
	body := strings.TrimLeft(s, "+-")
	if len(s)-len(body) > 1 {
		return 0, strconv.ErrSyntax
	}
	digits := 0
	dot := false
	for i := 0; i < len(body); i++ {
		switch c := body[i]; {
		case c >= '0' && c <= '9':
			digits++
		case c == '.' && !dot:
			dot = true
		default:
			return 0, strconv.ErrSyntax
		}
	}
	if digits == 0 {
		return 0, strconv.ErrSyntax
	}
	return strconv.ParseFloat(s, 64)
}
