package hl7v2

import "strings"

// Delimiters holds the separator characters a message declares in MSH-1 and
// MSH-2.
type Delimiters struct {
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	SubComponent byte
}

// DefaultDelimiters are the conventional HL7 v2 encoding characters, |^~\&.
var DefaultDelimiters = Delimiters{
	Field:        '|',
	Component:    '^',
	Repetition:   '~',
	Escape:       '\\',
	SubComponent: '&',
}

// EncodingCharacters returns the MSH-2 representation of d.
func (d Delimiters) EncodingCharacters() string {
	return string([]byte{d.Component, d.Repetition, d.Escape, d.SubComponent})
}

// valid reports whether every delimiter is distinct and none is alphanumeric
// or a segment terminator.
func (d Delimiters) valid() bool {
	all := []byte{d.Field, d.Component, d.Repetition, d.Escape, d.SubComponent}
	for i, c := range all {
		if c == '\r' || c == '\n' || isAlnum(c) {
			return false
		}
		for j := i + 1; j < len(all); j++ {
			if all[j] == c {
				return false
			}
		}
	}
	return true
}

// EscapeText replaces delimiter characters in s with their HL7 escape sequences:
//
//	\F\ field   \S\ component   \R\ repetition   \E\ escape   \T\ sub-component
func (d Delimiters) EscapeText(s string) string {
	if !strings.ContainsAny(s, string([]byte{d.Field, d.Component, d.Repetition, d.Escape, d.SubComponent})) {
		return s
	}
	esc := string(d.Escape)
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case d.Escape:
			b.WriteString(esc + "E" + esc)
		case d.Field:
			b.WriteString(esc + "F" + esc)
		case d.Component:
			b.WriteString(esc + "S" + esc)
		case d.Repetition:
			b.WriteString(esc + "R" + esc)
		case d.SubComponent:
			b.WriteString(esc + "T" + esc)
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// Unescape resolves the delimiter escape sequences (\F\ \S\ \R\ \E\ \T\) in s.
// Every other escape sequence, such as highlighting (\H\, \N\), hex data
// (\Xhh\) or formatting commands (\.br\), is left in place as literal text.
func (d Delimiters) Unescape(s string) string {
	if strings.IndexByte(s, d.Escape) < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != d.Escape {
			b.WriteByte(s[i])
			continue
		}
		end := strings.IndexByte(s[i+1:], d.Escape)
		if end < 0 {
			b.WriteString(s[i:])
			break
		}
		end += i + 1
		code := s[i+1 : end]
		lit, ok := d.literal(code)
		if ok {
			b.WriteByte(lit)
		} else {
			b.WriteString(s[i : end+1])
		}
		i = end
	}
	return b.String()
}

// literal maps a single-letter delimiter escape code to its character.
func (d Delimiters) literal(code string) (byte, bool) {
	if len(code) != 1 {
		return 0, false
	}
	switch code[0] {
	case 'F':
		return d.Field, true
	case 'S':
		return d.Component, true
	case 'R':
		return d.Repetition, true
	case 'E':
		return d.Escape, true
	case 'T':
		return d.SubComponent, true
	}
	return 0, false
}

func isAlnum(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}
