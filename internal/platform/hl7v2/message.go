package hl7v2

import (
	"fmt"
	"strings"
)

// SegmentTerminator separates segments within a message.
const SegmentTerminator = '\r'

// headerSegment is the type code every message must start with.
const headerSegment = "MSH"

// Message is a parsed HL7 v2 message: an ordered list of segments plus the
// delimiters the sender declared and any diagnostics found while parsing.
type Message struct {
	Delimiters  Delimiters
	Segments    []Segment
	Diagnostics []Diagnostic

	// index maps a segment type code to its positions in Segments.
	index map[string][]int
}

// Segment is a single line of a message.
type Segment struct {
	Type   string // e.g. "MSH", "PID", "OBX"
	Seq    int    // 1-based occurrence number among segments of the same Type
	Fields []Field

	delims Delimiters
}

// Field is one field of a segment. Value holds the raw wire text; Components
// and Repeats hold the decoded structure with delimiter escapes resolved.
type Field struct {
	Number     int
	Value      string
	Components []Component   // components of the first repetition
	Repeats    [][]Component // every repetition, in order
}

// Component is one component of a field repetition.
type Component struct {
	Value         string
	SubComponents []string
}

// Parse decodes a frame payload into a Message. The header segment is read
// first to learn the delimiters, and only then is the rest of the payload
// split. Parse has no state beyond its arguments and is safe for concurrent
// use.
//
// Line endings \r\n and \n are accepted in place of \r. Segment lines with an
// invalid type code are skipped and reported in Message.Diagnostics.
func Parse(raw []byte) (*Message, error) {
	text := strings.TrimLeft(string(raw), " \t\r\n")
	if text == "" {
		return nil, parseErrorf("message is empty")
	}
	if !strings.HasPrefix(text, headerSegment) {
		return nil, parseErrorf("first segment must be %s, got %q", headerSegment, text[:min(3, len(text))])
	}

	text = strings.ReplaceAll(text, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	end := strings.IndexByte(text, SegmentTerminator)
	if end < 0 {
		return nil, parseErrorf("segment terminator not found")
	}

	delims, err := readDelimiters(text[:end])
	if err != nil {
		return nil, err
	}

	msg := &Message{
		Delimiters: delims,
		index:      make(map[string][]int),
	}

	counts := make(map[string]int)
	for i, line := range strings.Split(text, string(SegmentTerminator)) {
		if strings.TrimSpace(line) == "" {
			continue
		}
		typ, ok := segmentType(line, delims.Field)
		if !ok {
			msg.Diagnostics = append(msg.Diagnostics, Diagnostic{
				Severity: SeverityWarning,
				Code:     DiagInvalidSegment,
				Message:  fmt.Sprintf("skipped line %d: invalid segment type %q", i+1, line[:min(3, len(line))]),
			})
			continue
		}
		counts[typ]++
		seg := parseSegment(line, typ, counts[typ], delims)
		msg.index[typ] = append(msg.index[typ], len(msg.Segments))
		msg.Segments = append(msg.Segments, seg)
	}

	return msg, nil
}

// readDelimiters extracts the field separator and encoding characters from
// the header line. Encoding characters missing from a short MSH-2 fall back
// to the conventional defaults.
func readDelimiters(header string) (Delimiters, error) {
	// MSH + field separator + four encoding characters.
	if len(header) < 8 {
		return Delimiters{}, parseErrorf("header segment too short to declare encoding characters: %q", header)
	}

	d := DefaultDelimiters
	d.Field = header[3]

	enc := header[4:]
	if i := strings.IndexByte(enc, d.Field); i >= 0 {
		enc = enc[:i]
	}
	if len(enc) == 0 || len(enc) > 4 {
		return Delimiters{}, parseErrorf("invalid encoding characters %q", enc)
	}

	slots := []*byte{&d.Component, &d.Repetition, &d.Escape, &d.SubComponent}
	for i := 0; i < len(enc); i++ {
		*slots[i] = enc[i]
	}

	if !d.valid() {
		return Delimiters{}, parseErrorf("encoding characters %q with field separator %q are not distinct", enc, string(d.Field))
	}
	return d, nil
}

// segmentType validates and returns the three-character type code of line.
func segmentType(line string, fs byte) (string, bool) {
	if len(line) < 3 {
		return "", false
	}
	if len(line) > 3 && line[3] != fs {
		return "", false
	}
	typ := line[:3]
	if typ[0] < 'A' || typ[0] > 'Z' {
		return "", false
	}
	for i := 1; i < 3; i++ {
		c := typ[i]
		if !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') {
			return "", false
		}
	}
	return typ, true
}

// parseSegment splits one segment line into fields. MSH is special: MSH-1 is
// the field separator itself and MSH-2 holds the encoding characters, so
// neither is split further.
func parseSegment(line, typ string, seq int, d Delimiters) Segment {
	seg := Segment{Type: typ, Seq: seq, delims: d}
	if len(line) <= 3 {
		return seg
	}

	fs := string(d.Field)
	parts := strings.Split(line[4:], fs)

	if typ == headerSegment {
		seg.Fields = append(seg.Fields, literalField(1, fs), literalField(2, parts[0]))
		for i, raw := range parts[1:] {
			seg.Fields = append(seg.Fields, parseField(i+3, raw, d))
		}
		return seg
	}

	for i, raw := range parts {
		seg.Fields = append(seg.Fields, parseField(i+1, raw, d))
	}
	return seg
}

func literalField(num int, value string) Field {
	comps := []Component{{Value: value, SubComponents: []string{value}}}
	return Field{
		Number:     num,
		Value:      value,
		Components: comps,
		Repeats:    [][]Component{comps},
	}
}

// parseField splits a raw field value into repetitions, components and
// sub-components, resolving delimiter escapes at each leaf.
func parseField(num int, raw string, d Delimiters) Field {
	f := Field{Number: num, Value: raw}

	for _, rep := range strings.Split(raw, string(d.Repetition)) {
		parts := strings.Split(rep, string(d.Component))
		comps := make([]Component, len(parts))
		for i, part := range parts {
			subs := strings.Split(part, string(d.SubComponent))
			for j := range subs {
				subs[j] = d.Unescape(subs[j])
			}
			comps[i] = Component{Value: d.Unescape(part), SubComponents: subs}
		}
		f.Repeats = append(f.Repeats, comps)
	}
	f.Components = f.Repeats[0]
	return f
}

// ---------------------------------------------------------------------------
// Segment lookup
// ---------------------------------------------------------------------------

// Header returns the MSH segment. Parse guarantees it is present and first.
func (m *Message) Header() *Segment {
	if len(m.Segments) == 0 {
		return nil
	}
	return &m.Segments[0]
}

// Segment returns the first segment with the given type code, or nil.
func (m *Message) Segment(typ string) *Segment {
	idx := m.lookup(typ)
	if len(idx) == 0 {
		return nil
	}
	return &m.Segments[idx[0]]
}

// SegmentsOf returns every segment with the given type code, in order.
func (m *Message) SegmentsOf(typ string) []*Segment {
	idx := m.lookup(typ)
	out := make([]*Segment, len(idx))
	for i, n := range idx {
		out[i] = &m.Segments[n]
	}
	return out
}

// Require returns the first segment of the given type, or a
// *MissingSegmentError naming messageType when there is none.
func (m *Message) Require(typ, messageType string) (*Segment, error) {
	if seg := m.Segment(typ); seg != nil {
		return seg, nil
	}
	return nil, &MissingSegmentError{Segment: typ, MessageType: messageType}
}

// Count returns the number of segments with the given type code.
func (m *Message) Count(typ string) int {
	return len(m.lookup(typ))
}

func (m *Message) lookup(typ string) []int {
	if m.index == nil {
		m.reindex()
	}
	return m.index[typ]
}

// reindex rebuilds the type index for messages assembled without Parse.
func (m *Message) reindex() {
	m.index = make(map[string][]int, len(m.Segments))
	for i, seg := range m.Segments {
		m.index[seg.Type] = append(m.index[seg.Type], i)
	}
}

// ---------------------------------------------------------------------------
// Field access (all indices are 1-based, as in the HL7 standard)
// ---------------------------------------------------------------------------

// Field returns field n, or nil when the segment has fewer fields.
func (s *Segment) Field(n int) *Field {
	if s == nil || n < 1 || n > len(s.Fields) {
		return nil
	}
	return &s.Fields[n-1]
}

// Raw returns the undecoded wire text of field n.
func (s *Segment) Raw(n int) string {
	if f := s.Field(n); f != nil {
		return f.Value
	}
	return ""
}

// Value returns field n with delimiter escapes resolved. Use Component for
// fields that carry structure.
func (s *Segment) Value(n int) string {
	f := s.Field(n)
	if f == nil {
		return ""
	}
	if s.Type == headerSegment && n <= 2 {
		return f.Value
	}
	return s.delims.Unescape(f.Value)
}

// Component returns component c of the first repetition of field n.
func (s *Segment) Component(n, c int) string {
	f := s.Field(n)
	if f == nil || c < 1 || c > len(f.Components) {
		return ""
	}
	return f.Components[c-1].Value
}

// SubComponent returns sub-component sc of component c of field n.
func (s *Segment) SubComponent(n, c, sc int) string {
	f := s.Field(n)
	if f == nil || c < 1 || c > len(f.Components) {
		return ""
	}
	subs := f.Components[c-1].SubComponents
	if sc < 1 || sc > len(subs) {
		return ""
	}
	return subs[sc-1]
}

// Repetitions returns the number of repetitions in field n.
func (s *Segment) Repetitions(n int) int {
	if f := s.Field(n); f != nil {
		return len(f.Repeats)
	}
	return 0
}

// RepeatComponent returns component c of repetition r of field n.
func (s *Segment) RepeatComponent(n, r, c int) string {
	f := s.Field(n)
	if f == nil || r < 1 || r > len(f.Repeats) {
		return ""
	}
	comps := f.Repeats[r-1]
	if c < 1 || c > len(comps) {
		return ""
	}
	return comps[c-1].Value
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// Encode serialises the message back to wire form, terminating every segment
// with a carriage return.
func (m *Message) Encode() []byte {
	var b strings.Builder
	for i := range m.Segments {
		b.WriteString(m.Segments[i].encode())
		b.WriteByte(SegmentTerminator)
	}
	return []byte(b.String())
}

func (s *Segment) encode() string {
	fs := string(s.delims.Field)
	if s.Type == headerSegment {
		if len(s.Fields) < 2 {
			return headerSegment + fs + s.delims.EncodingCharacters()
		}
		parts := make([]string, 0, len(s.Fields)-1)
		for _, f := range s.Fields[1:] {
			parts = append(parts, f.Value)
		}
		return headerSegment + fs + strings.Join(parts, fs)
	}
	parts := make([]string, 0, len(s.Fields)+1)
	parts = append(parts, s.Type)
	for _, f := range s.Fields {
		parts = append(parts, f.Value)
	}
	return strings.Join(parts, fs)
}

// NewSegment assembles a segment from raw field values (field 1 first). For
// MSH, values start at MSH-3; MSH-1 and MSH-2 come from d.
func NewSegment(d Delimiters, typ string, values ...string) Segment {
	fs := string(d.Field)
	var line string
	if typ == headerSegment {
		line = headerSegment + fs + d.EncodingCharacters()
		if len(values) > 0 {
			line += fs + strings.Join(values, fs)
		}
	} else {
		line = typ
		if len(values) > 0 {
			line += fs + strings.Join(values, fs)
		}
	}
	return parseSegment(line, typ, 1, d)
}

// NewMessage builds a Message from pre-assembled segments, numbering repeated
// segment types in order.
func NewMessage(d Delimiters, segs ...Segment) *Message {
	m := &Message{Delimiters: d}
	counts := make(map[string]int)
	for _, seg := range segs {
		counts[seg.Type]++
		seg.Seq = counts[seg.Type]
		seg.delims = d
		m.Segments = append(m.Segments, seg)
	}
	m.reindex()
	return m
}
