package hl7

import (
	"strings"
	"time"
)

// Delimiters are the separator characters declared in MSH-1 and MSH-2.
type Delimiters struct {
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	Subcomponent byte
}

// DefaultDelimiters is the conventional |^~\& set.
var DefaultDelimiters = Delimiters{
	Field:        '|',
	Component:    '^',
	Repetition:   '~',
	Escape:       '\\',
	Subcomponent: '&',
}

// EncodingCharacters renders MSH-2 for these delimiters.
func (d Delimiters) EncodingCharacters() string {
	return string([]byte{d.Component, d.Repetition, d.Escape, d.Subcomponent})
}

// Message is a parsed HL7 v2 message. It is built once by Parse and not
// mutated afterwards.
type Message struct {
	Category     string // MSH-9.1, e.g. "ADT"
	Trigger      string // MSH-9.2, e.g. "A01"
	Structure    string // MSH-9.3
	ControlID    string // MSH-10
	ProcessingID string // MSH-11
	Version      string // MSH-12
	Charset      string // MSH-18
	Timestamp    time.Time
	SendingApp   string // MSH-3
	SendingFac   string // MSH-4
	ReceivingApp string // MSH-5
	ReceivingFac string // MSH-6
	Delimiters   Delimiters
	Segments     []Segment
}

// Type returns the message type as category^trigger.
func (m *Message) Type() string {
	if m.Trigger == "" {
		return m.Category
	}
	return m.Category + "^" + m.Trigger
}

// Segment returns the first segment with the given name, or nil.
func (m *Message) Segment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// All returns every segment with the given name in message order.
func (m *Message) All(name string) []*Segment {
	var result []*Segment
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			result = append(result, &m.Segments[i])
		}
	}
	return result
}

// Segment is one line of a message: a three letter code and its fields.
// Fields are stored 1-based: Fields[0] is unused for regular segments. For
// MSH, Fields[1] is the field separator and Fields[2] the encoding
// characters, matching the standard's numbering.
type Segment struct {
	Name   string
	Fields []Field
}

// Field holds the repetitions of one field; each repetition is a list of
// components, each component a list of subcomponents. Values are unescaped.
type Field struct {
	Raw         string
	Repetitions []Repetition
}

// Repetition is a single occurrence of a repeating field.
type Repetition []Component

// Component is split into its subcomponents.
type Component []string

// Value returns the first subcomponent of a component.
func (c Component) Value() string {
	if len(c) == 0 {
		return ""
	}
	return c[0]
}

// Component returns component n (1-based) of the repetition.
func (r Repetition) Component(n int) string {
	if n < 1 || n > len(r) {
		return ""
	}
	return r[n-1].Value()
}

// Subcomponent returns subcomponent s of component c (both 1-based).
func (r Repetition) Subcomponent(c, s int) string {
	if c < 1 || c > len(r) {
		return ""
	}
	comp := r[c-1]
	if s < 1 || s > len(comp) {
		return ""
	}
	return comp[s-1]
}

// field returns field n or nil.
func (s *Segment) field(n int) *Field {
	if s == nil || n < 1 || n >= len(s.Fields) {
		return nil
	}
	return &s.Fields[n]
}

// Len is the highest populated field number.
func (s *Segment) Len() int {
	if s == nil || len(s.Fields) == 0 {
		return 0
	}
	return len(s.Fields) - 1
}

// Field returns the unescaped value of the first component of field n.
// Use Raw for the undecoded text.
func (s *Segment) Field(n int) string {
	return s.Component(n, 1)
}

// Raw returns field n exactly as received.
func (s *Segment) Raw(n int) string {
	f := s.field(n)
	if f == nil {
		return ""
	}
	return f.Raw
}

// Component returns component c of the first repetition of field n.
func (s *Segment) Component(n, c int) string {
	f := s.field(n)
	if f == nil || len(f.Repetitions) == 0 {
		return ""
	}
	return f.Repetitions[0].Component(c)
}

// Repetitions returns every repetition of field n.
func (s *Segment) Repetitions(n int) []Repetition {
	f := s.field(n)
	if f == nil {
		return nil
	}
	return f.Repetitions
}

// Present reports whether field n carries any data.
func (s *Segment) Present(n int) bool {
	return strings.TrimSpace(s.Raw(n)) != ""
}
