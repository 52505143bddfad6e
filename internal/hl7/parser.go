package hl7

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseError is returned when a message is missing a segment or field it
// needs. It always maps to a negative acknowledgment.
type ParseError struct {
	Segment string
	Field   int
	Code    ErrorCode
	Reason  string
}

func (e *ParseError) Error() string {
	if e.Field > 0 {
		return fmt.Sprintf("hl7 parse: %s-%d: %s", e.Segment, e.Field, e.Reason)
	}
	if e.Segment != "" {
		return fmt.Sprintf("hl7 parse: %s: %s", e.Segment, e.Reason)
	}
	return "hl7 parse: " + e.Reason
}

type requirement struct {
	segment string
	fields  []int
}

var (
	adtVisit  = []requirement{{segment: "PID", fields: []int{3}}, {segment: "PV1"}}
	adtPerson = []requirement{{segment: "PID", fields: []int{3}}}

	// requiredSegments lists, per message type, the segments and fields a
	// message must carry to be processed at all.
	requiredSegments = map[string][]requirement{
		"ADT^A01": adtVisit,
		"ADT^A02": adtVisit,
		"ADT^A03": adtVisit,
		"ADT^A04": adtVisit,
		"ADT^A05": adtVisit,
		"ADT^A08": adtVisit,
		"ADT^A11": adtVisit,
		"ADT^A12": adtVisit,
		"ADT^A13": adtVisit,
		"ADT^A28": adtPerson,
		"ADT^A31": adtPerson,
	}
)

// Parse decodes a deframed message. The header is read positionally to learn
// the separators, then every segment is split with them.
func Parse(raw []byte) (*Message, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, &ParseError{Segment: "MSH", Code: CodeSegmentSequence, Reason: "empty message"}
	}

	text, charset, err := decodeText(raw)
	if err != nil {
		return nil, &ParseError{Segment: "MSH", Field: 18, Code: CodeDataType, Reason: err.Error()}
	}

	text = strings.ReplaceAll(text, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var lines []string
	for _, line := range strings.Split(text, "\r") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "MSH") {
		return nil, &ParseError{Segment: "MSH", Code: CodeSegmentSequence, Reason: "message must start with MSH segment"}
	}

	delims, err := readDelimiters(lines[0])
	if err != nil {
		return nil, err
	}

	msg := &Message{Delimiters: delims, Charset: charset}
	for i, line := range lines {
		seg, err := parseSegment(line, delims)
		if err != nil {
			return nil, &ParseError{Code: CodeSegmentSequence, Reason: fmt.Sprintf("segment %d: %v", i+1, err)}
		}
		msg.Segments = append(msg.Segments, seg)
	}

	if err := msg.readHeader(); err != nil {
		return nil, err
	}
	if err := msg.checkRequired(); err != nil {
		return nil, err
	}
	return msg, nil
}

// readDelimiters reads MSH-1 and MSH-2 by position.
func readDelimiters(msh string) (Delimiters, error) {
	if len(msh) < 5 {
		return Delimiters{}, &ParseError{Segment: "MSH", Field: 2, Code: CodeRequiredField, Reason: "encoding characters missing"}
	}
	d := DefaultDelimiters
	d.Field = msh[3]

	enc := msh[4:]
	if i := strings.IndexByte(enc, d.Field); i >= 0 {
		enc = enc[:i]
	}
	if len(enc) < 2 {
		return Delimiters{}, &ParseError{Segment: "MSH", Field: 2, Code: CodeRequiredField, Reason: "encoding characters incomplete"}
	}
	d.Component = enc[0]
	d.Repetition = enc[1]
	if len(enc) > 2 {
		d.Escape = enc[2]
	}
	if len(enc) > 3 {
		d.Subcomponent = enc[3]
	}
	return d, nil
}

func parseSegment(line string, d Delimiters) (Segment, error) {
	parts := strings.Split(line, string(d.Field))
	name := parts[0]
	if len(name) != 3 {
		return Segment{}, fmt.Errorf("invalid segment name %q", name)
	}

	seg := Segment{Name: name}
	if name == "MSH" {
		// MSH-1 is the separator itself and MSH-2 is never split.
		seg.Fields = make([]Field, 0, len(parts)+1)
		seg.Fields = append(seg.Fields, Field{}, literalField(string(d.Field)))
		if len(parts) > 1 {
			seg.Fields = append(seg.Fields, literalField(parts[1]))
		}
		for _, p := range parts[min(2, len(parts)):] {
			seg.Fields = append(seg.Fields, parseField(p, d))
		}
		return seg, nil
	}

	seg.Fields = make([]Field, len(parts))
	for i := 1; i < len(parts); i++ {
		seg.Fields[i] = parseField(parts[i], d)
	}
	return seg, nil
}

func literalField(v string) Field {
	return Field{Raw: v, Repetitions: []Repetition{{Component{v}}}}
}

func parseField(raw string, d Delimiters) Field {
	f := Field{Raw: raw}
	if raw == "" {
		return f
	}
	for _, rep := range strings.Split(raw, string(d.Repetition)) {
		comps := strings.Split(rep, string(d.Component))
		r := make(Repetition, len(comps))
		for i, c := range comps {
			subs := strings.Split(c, string(d.Subcomponent))
			for j := range subs {
				subs[j] = Unescape(subs[j], d)
			}
			r[i] = subs
		}
		f.Repetitions = append(f.Repetitions, r)
	}
	return f
}

// Unescape replaces HL7 escape sequences with the characters they stand for.
// Unknown sequences are kept as received.
func Unescape(s string, d Delimiters) string {
	esc := d.Escape
	if esc == 0 || strings.IndexByte(s, esc) == -1 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != esc {
			b.WriteByte(s[i])
			continue
		}
		end := strings.IndexByte(s[i+1:], esc)
		if end == -1 {
			b.WriteString(s[i:])
			break
		}
		seq := s[i+1 : i+1+end]
		switch {
		case seq == "F":
			b.WriteByte(d.Field)
		case seq == "S":
			b.WriteByte(d.Component)
		case seq == "T":
			b.WriteByte(d.Subcomponent)
		case seq == "R":
			b.WriteByte(d.Repetition)
		case seq == "E":
			b.WriteByte(esc)
		case seq == ".br":
			b.WriteByte('\n')
		case seq == "H" || seq == "N":
			// highlighting on/off carries no text
		case strings.HasPrefix(seq, "X") && len(seq)%2 == 1:
			if decoded, ok := decodeHex(seq[1:]); ok {
				b.WriteString(decoded)
			} else {
				b.WriteString(s[i : i+end+2])
			}
		default:
			b.WriteString(s[i : i+end+2])
		}
		i += end + 1
	}
	return b.String()
}

// Escape is the inverse of Unescape for the delimiter characters.
func Escape(s string, d Delimiters) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case d.Escape:
			b.WriteString(string(d.Escape) + "E" + string(d.Escape))
		case d.Field:
			b.WriteString(string(d.Escape) + "F" + string(d.Escape))
		case d.Component:
			b.WriteString(string(d.Escape) + "S" + string(d.Escape))
		case d.Subcomponent:
			b.WriteString(string(d.Escape) + "T" + string(d.Escape))
		case d.Repetition:
			b.WriteString(string(d.Escape) + "R" + string(d.Escape))
		case '\r', '\n':
			b.WriteString(string(d.Escape) + ".br" + string(d.Escape))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func decodeHex(h string) (string, bool) {
	out := make([]byte, 0, len(h)/2)
	for i := 0; i+1 < len(h); i += 2 {
		v, err := strconv.ParseUint(h[i:i+2], 16, 8)
		if err != nil {
			return "", false
		}
		out = append(out, byte(v))
	}
	return string(out), true
}

func (m *Message) readHeader() error {
	msh := &m.Segments[0]

	m.SendingApp = msh.Field(3)
	m.SendingFac = msh.Field(4)
	m.ReceivingApp = msh.Field(5)
	m.ReceivingFac = msh.Field(6)
	if ts, err := ParseTimestamp(msh.Field(7)); err == nil {
		m.Timestamp = ts
	}
	m.Category = msh.Component(9, 1)
	m.Trigger = msh.Component(9, 2)
	m.Structure = msh.Component(9, 3)
	m.ControlID = msh.Field(10)
	m.ProcessingID = msh.Field(11)
	m.Version = msh.Field(12)

	if m.Category == "" {
		return &ParseError{Segment: "MSH", Field: 9, Code: CodeRequiredField, Reason: "message type missing"}
	}
	if m.ControlID == "" {
		return &ParseError{Segment: "MSH", Field: 10, Code: CodeRequiredField, Reason: "message control id missing"}
	}
	return nil
}

func (m *Message) checkRequired() error {
	for _, req := range requiredSegments[m.Type()] {
		seg := m.Segment(req.segment)
		if seg == nil {
			return &ParseError{
				Segment: req.segment,
				Code:    CodeSegmentSequence,
				Reason:  fmt.Sprintf("required segment %s missing for %s", req.segment, m.Type()),
			}
		}
		for _, n := range req.fields {
			if !seg.Present(n) {
				return &ParseError{
					Segment: req.segment,
					Field:   n,
					Code:    CodeRequiredField,
					Reason:  "required field missing",
				}
			}
		}
	}
	return nil
}

// ParseTimestamp parses the HL7 TS/DTM format
// YYYY[MM[DD[HH[MM[SS[.S[S[S[S]]]]]]]]][+/-ZZZZ]. Values without an offset
// are read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("hl7: empty timestamp")
	}

	loc := time.UTC
	if i := strings.IndexAny(s, "+-"); i >= 4 {
		zone := s[i:]
		s = s[:i]
		if len(zone) == 5 {
			hh, err1 := strconv.Atoi(zone[1:3])
			mm, err2 := strconv.Atoi(zone[3:5])
			if err1 != nil || err2 != nil {
				return time.Time{}, fmt.Errorf("hl7: invalid timezone %q", zone)
			}
			offset := hh*3600 + mm*60
			if zone[0] == '-' {
				offset = -offset
			}
			loc = time.FixedZone(zone, offset)
		}
	}

	var frac time.Duration
	if i := strings.IndexByte(s, '.'); i >= 0 {
		digits := s[i+1:]
		s = s[:i]
		if digits != "" {
			v, err := strconv.Atoi(digits)
			if err != nil {
				return time.Time{}, fmt.Errorf("hl7: invalid fraction %q", digits)
			}
			scale := time.Second
			for range digits {
				scale /= 10
			}
			frac = time.Duration(v) * scale
		}
	}

	var layout string
	switch len(s) {
	case 4:
		layout = "2006"
	case 6:
		layout = "200601"
	case 8:
		layout = "20060102"
	case 10:
		layout = "2006010215"
	case 12:
		layout = "200601021504"
	case 14:
		layout = "20060102150405"
	default:
		return time.Time{}, fmt.Errorf("hl7: unrecognized timestamp %q", s)
	}

	t, err := time.ParseInLocation(layout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("hl7: invalid timestamp %q: %w", s, err)
	}
	return t.Add(frac), nil
}

// FormatTimestamp renders t in the 14 digit form used in MSH-7.
func FormatTimestamp(t time.Time) string {
	return t.Format("20060102150405")
}

// ParseHeader reads only the MSH segment. It is used to correlate a negative
// acknowledgment with a message whose body could not be parsed.
func ParseHeader(raw []byte) (*Message, error) {
	text, charset, err := decodeText(raw)
	if err != nil {
		text, charset = string(raw), ""
	}
	line := text
	if i := strings.IndexAny(text, "\r\n"); i >= 0 {
		line = text[:i]
	}
	if !strings.HasPrefix(line, "MSH") {
		return nil, &ParseError{Segment: "MSH", Code: CodeSegmentSequence, Reason: "message must start with MSH segment"}
	}
	delims, err := readDelimiters(line)
	if err != nil {
		return nil, err
	}
	seg, err := parseSegment(line, delims)
	if err != nil {
		return nil, &ParseError{Segment: "MSH", Code: CodeSegmentSequence, Reason: err.Error()}
	}
	msg := &Message{Delimiters: delims, Charset: charset, Segments: []Segment{seg}}
	_ = msg.readHeader()
	return msg, nil
}
