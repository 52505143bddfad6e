package hl7

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleA01 = "MSH|^~\\&|HIS|MY-MOH-HKL|ADT_GATEWAY|MOH|20240115120000||ADT^A01^ADT_A01|MSG0001|P|2.5\r" +
	"EVN|A01|20240115120000\r" +
	"PID|1||900101-10-1234^^^NRIC^NI~MRN778^^^MY-MOH-HKL^MR||Tan^Mei Ling||19900101|F|||12 Jalan Ampang^^Kuala Lumpur^WP^50450^MY\r" +
	"PV1|1|I|Ward3^Room5^BedA^MY-MOH-HKL||||D123^Lim^Ahmad^^^Dr^^^MMC|||MED|||||||||V0001^^^MY-MOH-HKL\r"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	d := NewDecoder(0)
	frames, warnings := d.Feed(Encode([]byte(sampleA01)))

	require.Len(t, frames, 1)
	assert.Empty(t, warnings)
	assert.Equal(t, sampleA01, string(frames[0]))
	assert.Zero(t, d.Buffered())
}

func TestDecoderFragmentedAtEverySplitPoint(t *testing.T) {
	encoded := Encode([]byte(sampleA01))

	for split := 1; split < len(encoded); split++ {
		d := NewDecoder(0)
		first, w1 := d.Feed(encoded[:split])
		second, w2 := d.Feed(encoded[split:])

		frames := append(first, second...)
		require.Len(t, frames, 1, "split at %d", split)
		assert.Equal(t, sampleA01, string(frames[0]), "split at %d", split)
		assert.Empty(t, w1)
		assert.Empty(t, w2)
	}
}

func TestDecoderByteAtATime(t *testing.T) {
	encoded := Encode([]byte(sampleA01))
	d := NewDecoder(0)

	var frames [][]byte
	for _, b := range encoded {
		f, _ := d.Feed([]byte{b})
		frames = append(frames, f...)
	}

	require.Len(t, frames, 1)
	assert.Equal(t, sampleA01, string(frames[0]))
}

func TestDecoderMultipleFramesInOneRead(t *testing.T) {
	data := append(Encode([]byte("MSH|one")), Encode([]byte("MSH|two"))...)
	data = append(data, Encode([]byte("MSH|three"))[:5]...)

	d := NewDecoder(0)
	frames, warnings := d.Feed(data)

	require.Len(t, frames, 2)
	assert.Equal(t, "MSH|one", string(frames[0]))
	assert.Equal(t, "MSH|two", string(frames[1]))
	assert.Empty(t, warnings)
	assert.Equal(t, 5, d.Buffered())

	frames, _ = d.Feed(Encode([]byte("MSH|three"))[5:])
	require.Len(t, frames, 1)
	assert.Equal(t, "MSH|three", string(frames[0]))
}

func TestDecoderDiscardsTruncatedFrame(t *testing.T) {
	data := []byte{StartBlock}
	data = append(data, []byte("MSH|cut-short")...)
	data = append(data, Encode([]byte("MSH|good"))...)

	d := NewDecoder(0)
	frames, warnings := d.Feed(data)

	require.Len(t, frames, 1)
	assert.Equal(t, "MSH|good", string(frames[0]))
	require.Len(t, warnings, 1)

	var fe *FramingError
	require.ErrorAs(t, warnings[0], &fe)
	assert.Equal(t, "start block before end block", fe.Reason)
	assert.Equal(t, len("MSH|cut-short")+1, fe.Discarded)
}

func TestDecoderDiscardsGarbageOutsideFrames(t *testing.T) {
	data := append([]byte("noise"), Encode([]byte("MSH|x"))...)
	data = append(data, '\r', '\n')

	d := NewDecoder(0)
	frames, warnings := d.Feed(data)

	require.Len(t, frames, 1)
	assert.Equal(t, "MSH|x", string(frames[0]))
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Error(), "data before start block")
	assert.Zero(t, d.Buffered())
}

func TestDecoderMissingTrailingCR(t *testing.T) {
	data := []byte{StartBlock}
	data = append(data, []byte("MSH|a")...)
	data = append(data, EndBlock)
	data = append(data, Encode([]byte("MSH|b"))...)

	d := NewDecoder(0)
	frames, warnings := d.Feed(data)

	require.Len(t, frames, 2)
	assert.Equal(t, "MSH|a", string(frames[0]))
	assert.Equal(t, "MSH|b", string(frames[1]))
	require.Len(t, warnings, 1)
}

func TestDecoderOversizedFrame(t *testing.T) {
	d := NewDecoder(16)
	data := append([]byte{StartBlock}, make([]byte, 32)...)

	frames, warnings := d.Feed(data)

	assert.Empty(t, frames)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Error(), "maximum size")
	assert.Zero(t, d.Buffered())
}

func TestUnwrapMLLP(t *testing.T) {
	assert.Equal(t, "MSH|x", string(UnwrapMLLP(Encode([]byte("MSH|x")))))
	assert.Equal(t, "MSH|x", string(UnwrapMLLP([]byte("MSH|x"))))
}
