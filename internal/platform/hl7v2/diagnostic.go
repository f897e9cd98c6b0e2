package hl7v2

import "fmt"

// Severity grades a Diagnostic.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Diagnostic codes attached to messages, headers and projected records.
const (
	DiagInvalidSegment   = "invalid_segment"
	DiagInvalidTimestamp = "invalid_timestamp"
	DiagMissingField     = "missing_field"
	DiagCoercion         = "field_coercion"
	DiagUnknownValueType = "unknown_value_type"
)

// Diagnostic is a non-fatal finding recorded while parsing or projecting a
// message. Diagnostics never change the acknowledgment code on their own.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Segment  string   `json:"segment,omitempty"`
	Seq      int      `json:"seq,omitempty"`
	Field    int      `json:"field,omitempty"`
	Message  string   `json:"message"`
}

func (d Diagnostic) String() string {
	loc := d.Segment
	if d.Field > 0 {
		loc = fmt.Sprintf("%s-%d", d.Segment, d.Field)
	}
	if loc == "" {
		return fmt.Sprintf("%s %s: %s", d.Severity, d.Code, d.Message)
	}
	return fmt.Sprintf("%s %s at %s: %s", d.Severity, d.Code, loc, d.Message)
}

func warnf(code string, seg *Segment, field int, format string, args ...interface{}) Diagnostic {
	d := Diagnostic{
		Severity: SeverityWarning,
		Code:     code,
		Field:    field,
		Message:  fmt.Sprintf(format, args...),
	}
	if seg != nil {
		d.Segment = seg.Type
		d.Seq = seg.Seq
	}
	return d
}
