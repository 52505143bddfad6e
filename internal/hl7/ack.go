package hl7

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AckCode is MSA-1.
type AckCode string

const (
	AckAccept AckCode = "AA"
	AckError  AckCode = "AE"
	AckReject AckCode = "AR"
)

// ErrorCode is an HL7 table 0357 message error condition code.
type ErrorCode int

const (
	CodeAccepted         ErrorCode = 0
	CodeSegmentSequence  ErrorCode = 100
	CodeRequiredField    ErrorCode = 101
	CodeDataType         ErrorCode = 102
	CodeTableValue       ErrorCode = 103
	CodeUnsupportedType  ErrorCode = 200
	CodeUnsupportedEvent ErrorCode = 201
	CodeDuplicateKey     ErrorCode = 205
	CodeInternal         ErrorCode = 207
)

var errorCodeText = map[ErrorCode]string{
	CodeAccepted:         "Message accepted",
	CodeSegmentSequence:  "Segment sequence error",
	CodeRequiredField:    "Required field missing",
	CodeDataType:         "Data type error",
	CodeTableValue:       "Table value not found",
	CodeUnsupportedType:  "Unsupported message type",
	CodeUnsupportedEvent: "Unsupported event code",
	CodeDuplicateKey:     "Duplicate key identifier",
	CodeInternal:         "Application internal error",
}

// Text is the table 0357 description of the code.
func (c ErrorCode) Text() string {
	if t, ok := errorCodeText[c]; ok {
		return t
	}
	return "Unknown error"
}

// Severity is ERR-4.
type Severity string

const (
	SeverityError   Severity = "E"
	SeverityWarning Severity = "W"
)

// ErrorDetail becomes one ERR segment.
type ErrorDetail struct {
	Segment  string
	Field    int
	Code     ErrorCode
	Severity Severity
	Text     string
}

// DetailFromParseError converts a ParseError into an ERR description.
func DetailFromParseError(pe *ParseError) ErrorDetail {
	return ErrorDetail{
		Segment:  pe.Segment,
		Field:    pe.Field,
		Code:     pe.Code,
		Severity: SeverityError,
		Text:     pe.Reason,
	}
}

// AckMode controls when acknowledgments are sent.
type AckMode string

const (
	AckModeAlways    AckMode = "always"
	AckModeErrorOnly AckMode = "error-only"
	AckModeNever     AckMode = "never"
)

// ParseAckMode validates a configured mode.
func ParseAckMode(s string) (AckMode, error) {
	switch m := AckMode(strings.ToLower(strings.TrimSpace(s))); m {
	case AckModeAlways, AckModeErrorOnly, AckModeNever:
		return m, nil
	default:
		return "", fmt.Errorf("unknown acknowledgment mode %q", s)
	}
}

// ShouldSend applies the mode: never sends nothing, always sends everything,
// error-only sends negative acknowledgments and positive ones that carry
// warnings.
func (m AckMode) ShouldSend(code AckCode, warnings int) bool {
	switch m {
	case AckModeNever:
		return false
	case AckModeErrorOnly:
		return code != AckAccept || warnings > 0
	default:
		return true
	}
}

// AckBuilder produces ACK and NAK messages on behalf of this application.
type AckBuilder struct {
	Application string
	Facility    string
	Now         func() time.Time
}

// NewAckBuilder creates a builder that stamps acknowledgments with the given
// application and facility.
func NewAckBuilder(application, facility string) *AckBuilder {
	return &AckBuilder{Application: application, Facility: facility, Now: time.Now}
}

// Build renders an acknowledgment for orig. The original control id is
// echoed in MSH-10 and MSA-2 so the sender can correlate. orig may be a
// header-only message when the body failed to parse, or nil when nothing
// could be read at all.
func (b *AckBuilder) Build(orig *Message, code AckCode, details []ErrorDetail) []byte {
	if orig == nil {
		orig = &Message{}
	}
	d := DefaultDelimiters
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}

	controlID := orig.ControlID
	if controlID == "" {
		controlID = fmt.Sprintf("ACK%d", now().UnixNano())
	}
	processingID := orig.ProcessingID
	if processingID == "" {
		processingID = "P"
	}
	version := orig.Version
	if version == "" {
		version = "2.5"
	}
	msgType := "ACK"
	if orig.Trigger != "" {
		msgType = "ACK" + string(d.Component) + Escape(orig.Trigger, d) + string(d.Component) + "ACK"
	}

	segments := []string{
		join(d, "MSH", d.EncodingCharacters(),
			Escape(b.Application, d),
			Escape(b.Facility, d),
			Escape(orig.SendingApp, d),
			Escape(orig.SendingFac, d),
			FormatTimestamp(now()),
			"",
			msgType,
			Escape(controlID, d),
			processingID,
			version,
		),
		join(d, "MSA", string(code), Escape(orig.ControlID, d), Escape(ackText(code, details), d)),
	}

	for _, det := range details {
		location := ""
		if det.Segment != "" {
			location = det.Segment + string(d.Component) + "1"
			if det.Field > 0 {
				location += string(d.Component) + strconv.Itoa(det.Field)
			}
		}
		severity := det.Severity
		if severity == "" {
			severity = SeverityError
		}
		segments = append(segments, join(d, "ERR",
			"",
			location,
			strconv.Itoa(int(det.Code))+string(d.Component)+Escape(det.Code.Text(), d)+string(d.Component)+"HL70357",
			string(severity),
			"", "", "",
			Escape(det.Text, d),
		))
	}

	return []byte(strings.Join(segments, "\r") + "\r")
}

func ackText(code AckCode, details []ErrorDetail) string {
	if code == AckAccept {
		return ""
	}
	for _, det := range details {
		if det.Severity != SeverityWarning {
			return det.Text
		}
	}
	return ""
}

func join(d Delimiters, name string, fields ...string) string {
	// Trailing empty fields are dropped.
	for len(fields) > 0 && fields[len(fields)-1] == "" {
		fields = fields[:len(fields)-1]
	}
	if len(fields) == 0 {
		return name
	}
	return name + string(d.Field) + strings.Join(fields, string(d.Field))
}

// AckCodeOf returns MSA-1 of a parsed acknowledgment.
func AckCodeOf(m *Message) AckCode {
	msa := m.Segment("MSA")
	if msa == nil {
		return ""
	}
	return AckCode(msa.Field(1))
}
