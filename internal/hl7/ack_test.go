package hl7

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedBuilder() *AckBuilder {
	b := NewAckBuilder("ADT_GATEWAY", "MOH")
	b.Now = func() time.Time { return time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC) }
	return b
}

func TestBuildAckEchoesControlID(t *testing.T) {
	orig, err := Parse([]byte(sampleA01))
	require.NoError(t, err)

	ack, err := Parse(fixedBuilder().Build(orig, AckAccept, nil))
	require.NoError(t, err)

	assert.Equal(t, "ACK", ack.Category)
	assert.Equal(t, "A01", ack.Trigger)
	assert.Equal(t, "MSG0001", ack.ControlID)
	assert.Equal(t, "ADT_GATEWAY", ack.SendingApp)
	assert.Equal(t, "MOH", ack.SendingFac)
	assert.Equal(t, "HIS", ack.ReceivingApp)
	assert.Equal(t, "MY-MOH-HKL", ack.ReceivingFac)
	assert.Equal(t, "20240201080000", ack.Segment("MSH").Field(7))

	assert.Equal(t, AckAccept, AckCodeOf(ack))
	assert.Equal(t, "MSG0001", ack.Segment("MSA").Field(2))
	assert.Nil(t, ack.Segment("ERR"))
}

func TestBuildNakWithErrorDetail(t *testing.T) {
	orig, err := ParseHeader([]byte("MSH|^~\\&|HIS|FAC|GW|MOH|20240101||ADT^A01|C42|P|2.5\rPV1|1|I\r"))
	require.NoError(t, err)

	detail := ErrorDetail{
		Segment:  "PID",
		Code:     CodeSegmentSequence,
		Severity: SeverityError,
		Text:     "required segment PID missing for ADT^A01",
	}
	ack, err := Parse(fixedBuilder().Build(orig, AckError, []ErrorDetail{detail}))
	require.NoError(t, err)

	assert.Equal(t, AckError, AckCodeOf(ack))
	assert.Equal(t, "C42", ack.Segment("MSA").Field(2))
	assert.Equal(t, detail.Text, ack.Segment("MSA").Field(3))

	errSeg := ack.Segment("ERR")
	require.NotNil(t, errSeg)
	assert.Equal(t, "PID", errSeg.Component(2, 1))
	assert.Equal(t, "100", errSeg.Component(3, 1))
	assert.Equal(t, "Segment sequence error", errSeg.Component(3, 2))
	assert.Equal(t, "HL70357", errSeg.Component(3, 3))
	assert.Equal(t, "E", errSeg.Field(4))
	assert.Equal(t, detail.Text, errSeg.Field(8))
}

func TestBuildAckEscapesText(t *testing.T) {
	orig, err := Parse([]byte(sampleA01))
	require.NoError(t, err)

	detail := ErrorDetail{Code: CodeInternal, Severity: SeverityWarning, Text: "a|b^c"}
	ack, err := Parse(fixedBuilder().Build(orig, AckAccept, []ErrorDetail{detail}))
	require.NoError(t, err)

	errSeg := ack.Segment("ERR")
	require.NotNil(t, errSeg)
	assert.Equal(t, "a|b^c", errSeg.Field(8))
	assert.Equal(t, "W", errSeg.Field(4))
}

func TestBuildAckWithoutOriginal(t *testing.T) {
	ack, err := Parse(fixedBuilder().Build(nil, AckReject, nil))
	require.NoError(t, err)
	assert.Equal(t, AckReject, AckCodeOf(ack))
	assert.NotEmpty(t, ack.ControlID)
}

func TestAckModeShouldSend(t *testing.T) {
	tests := []struct {
		mode     AckMode
		code     AckCode
		warnings int
		want     bool
	}{
		{AckModeAlways, AckAccept, 0, true},
		{AckModeAlways, AckError, 0, true},
		{AckModeErrorOnly, AckAccept, 0, false},
		{AckModeErrorOnly, AckAccept, 2, true},
		{AckModeErrorOnly, AckError, 0, true},
		{AckModeNever, AckError, 0, false},
		{AckModeNever, AckAccept, 1, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.mode.ShouldSend(tt.code, tt.warnings), "%s %s %d", tt.mode, tt.code, tt.warnings)
	}
}

func TestParseAckMode(t *testing.T) {
	m, err := ParseAckMode(" Error-Only ")
	require.NoError(t, err)
	assert.Equal(t, AckModeErrorOnly, m)

	_, err = ParseAckMode("sometimes")
	assert.Error(t, err)
}
