package hl7v2

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Precision is the resolution an HL7 timestamp was sent with.
type Precision int

const (
	PrecisionYear Precision = iota + 1
	PrecisionMonth
	PrecisionDay
	PrecisionHour
	PrecisionMinute
	PrecisionSecond
	PrecisionFraction
)

// Timestamp is a parsed HL7 DTM value. Raw keeps the wire text.
type Timestamp struct {
	Time      time.Time `json:"time"`
	Precision Precision `json:"precision"`
	Raw       string    `json:"raw"`
}

// IsZero reports whether no timestamp was present.
func (t Timestamp) IsZero() bool { return t.Raw == "" }

// Valid reports whether Raw parsed successfully.
func (t Timestamp) Valid() bool { return t.Precision > 0 }

// ParseTimestamp parses the HL7 date/time grammar
//
//	YYYY[MM[DD[HH[MM[SS[.S[S[S[S]]]]]]]]][+/-ZZZZ]
//
// Values without an offset are interpreted in UTC. Any malformed value is an
// error; ParseTimestamp never substitutes the current time.
func ParseTimestamp(s string) (Timestamp, error) {
	raw := s
	s = strings.TrimSpace(s)
	if s == "" {
		return Timestamp{}, fmt.Errorf("hl7v2: empty timestamp")
	}

	loc := time.UTC
	if i := strings.IndexAny(s, "+-"); i >= 0 {
		zone := s[i:]
		s = s[:i]
		offset, err := parseZone(zone)
		if err != nil {
			return Timestamp{}, fmt.Errorf("hl7v2: invalid timestamp %q: %w", raw, err)
		}
		loc = time.FixedZone(zone, offset)
	}

	frac := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		frac = s[i+1:]
		s = s[:i]
		if len(s) != 14 || frac == "" || len(frac) > 4 || !allDigits(frac) {
			return Timestamp{}, fmt.Errorf("hl7v2: invalid timestamp %q: bad fractional seconds", raw)
		}
	}

	if !allDigits(s) {
		return Timestamp{}, fmt.Errorf("hl7v2: invalid timestamp %q: non-digit characters", raw)
	}

	var prec Precision
	switch len(s) {
	case 4:
		prec = PrecisionYear
	case 6:
		prec = PrecisionMonth
	case 8:
		prec = PrecisionDay
	case 10:
		prec = PrecisionHour
	case 12:
		prec = PrecisionMinute
	case 14:
		prec = PrecisionSecond
	default:
		return Timestamp{}, fmt.Errorf("hl7v2: invalid timestamp %q: unexpected length %d", raw, len(s))
	}

	// Pad the missing parts with the earliest valid value and let time.Date
	// reject out-of-range fields by comparing the round trip.
	full := s + "0101000000"[len(s)-4:]
	year, _ := strconv.Atoi(full[0:4])
	month, _ := strconv.Atoi(full[4:6])
	day, _ := strconv.Atoi(full[6:8])
	hour, _ := strconv.Atoi(full[8:10])
	minute, _ := strconv.Atoi(full[10:12])
	sec, _ := strconv.Atoi(full[12:14])

	nsec := 0
	if frac != "" {
		prec = PrecisionFraction
		n, _ := strconv.Atoi(frac + strings.Repeat("0", 9-len(frac)))
		nsec = n
	}

	t := time.Date(year, time.Month(month), day, hour, minute, sec, nsec, loc)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day ||
		t.Hour() != hour || t.Minute() != minute || t.Second() != sec {
		return Timestamp{}, fmt.Errorf("hl7v2: invalid timestamp %q: out of range", raw)
	}

	return Timestamp{Time: t, Precision: prec, Raw: raw}, nil
}

func parseZone(z string) (int, error) {
	if len(z) != 5 || !allDigits(z[1:]) {
		return 0, fmt.Errorf("bad zone offset %q", z)
	}
	h, _ := strconv.Atoi(z[1:3])
	m, _ := strconv.Atoi(z[3:5])
	if h > 14 || m > 59 {
		return 0, fmt.Errorf("bad zone offset %q", z)
	}
	off := h*3600 + m*60
	if z[0] == '-' {
		off = -off
	}
	return off, nil
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// FormatTimestamp renders t as an HL7 DTM with second precision.
func FormatTimestamp(t time.Time) string {
	return t.Format("20060102150405")
}

// timestampField parses field n of seg, recording a diagnostic instead of
// failing when the value is malformed. Empty fields yield a zero Timestamp.
func timestampField(seg *Segment, n int, diags *[]Diagnostic) Timestamp {
	raw := seg.Value(n)
	if raw == "" {
		return Timestamp{}
	}
	// Only the first component of a TS value carries the time.
	raw = seg.Component(n, 1)
	ts, err := ParseTimestamp(raw)
	if err != nil {
		*diags = append(*diags, warnf(DiagInvalidTimestamp, seg, n, "%v", err))
		return Timestamp{Raw: raw}
	}
	return ts
}
