package hl7

import (
	"bytes"
	"fmt"
)

const (
	// MLLP frame characters
	StartBlock     = 0x0B
	EndBlock       = 0x1C
	CarriageReturn = 0x0D

	// DefaultMaxFrameSize bounds a single buffered frame (1 MB).
	DefaultMaxFrameSize = 1 << 20
)

// FramingError describes bytes the decoder had to throw away.
type FramingError struct {
	Reason    string
	Discarded int
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("mllp framing: %s (%d bytes discarded)", e.Reason, e.Discarded)
}

// Encode wraps a message with the MLLP start block, end block and trailing CR.
func Encode(message []byte) []byte {
	frame := make([]byte, 0, len(message)+3)
	frame = append(frame, StartBlock)
	frame = append(frame, message...)
	return append(frame, EndBlock, CarriageReturn)
}

// Decoder turns an arbitrary sequence of reads into complete MLLP payloads.
// Incomplete frames are buffered until the next Feed call. A Decoder is not
// safe for concurrent use; each connection owns one.
type Decoder struct {
	buf     []byte
	maxSize int
}

// NewDecoder creates a decoder that gives up on frames larger than maxSize.
func NewDecoder(maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Decoder{maxSize: maxSize}
}

// Buffered reports how many bytes of an incomplete frame are held.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Feed appends data and returns every complete payload now available, in
// order. Malformed fragments are dropped and reported as FramingErrors; the
// decoder never blocks waiting for an end block that cannot arrive.
func (d *Decoder) Feed(data []byte) (frames [][]byte, warnings []error) {
	d.buf = append(d.buf, data...)

	for len(d.buf) > 0 {
		start := bytes.IndexByte(d.buf, StartBlock)
		if start == -1 {
			if n := significant(d.buf); n > 0 {
				warnings = append(warnings, &FramingError{Reason: "data outside of frame", Discarded: len(d.buf)})
			}
			d.buf = d.buf[:0]
			break
		}
		if start > 0 {
			if significant(d.buf[:start]) > 0 {
				warnings = append(warnings, &FramingError{Reason: "data before start block", Discarded: start})
			}
			d.buf = d.buf[start:]
		}

		body := d.buf[1:]
		end := bytes.IndexByte(body, EndBlock)
		next := bytes.IndexByte(body, StartBlock)

		// A new start block before any end block means the previous frame was
		// cut short by the sender.
		if next != -1 && (end == -1 || next < end) {
			warnings = append(warnings, &FramingError{Reason: "start block before end block", Discarded: next + 1})
			d.buf = d.buf[next+1:]
			continue
		}

		if end == -1 {
			if len(d.buf) > d.maxSize {
				warnings = append(warnings, &FramingError{Reason: "frame exceeds maximum size", Discarded: len(d.buf)})
				d.buf = d.buf[:0]
			}
			break
		}

		// End block is the last byte we have; wait for the trailing CR.
		if end+1 == len(body) {
			break
		}

		payload := make([]byte, end)
		copy(payload, body[:end])
		frames = append(frames, payload)

		consumed := 1 + end + 1
		if body[end+1] == CarriageReturn {
			consumed++
		} else {
			warnings = append(warnings, &FramingError{Reason: "missing carriage return after end block"})
		}
		d.buf = d.buf[consumed:]
	}

	// Release the backing array once everything has been consumed.
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames, warnings
}

// significant counts bytes that are not line-ending noise between frames.
func significant(b []byte) int {
	n := 0
	for _, c := range b {
		if c != '\r' && c != '\n' {
			n++
		}
	}
	return n
}
