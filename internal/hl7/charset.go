package hl7

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// charsets maps MSH-18 values (HL7 table 0211) to decoders. A nil encoding
// means the bytes are already valid UTF-8.
var charsets = map[string]encoding.Encoding{
	"":              nil,
	"ASCII":         nil,
	"UNICODE UTF-8": nil,
	"UTF-8":         nil,
	"8859/1":        charmap.ISO8859_1,
	"ISO IR100":     charmap.ISO8859_1,
	"8859/2":        charmap.ISO8859_2,
	"8859/15":       charmap.ISO8859_15,
	"WINDOWS-1252":  charmap.Windows1252,
}

// decodeText converts raw message bytes to a UTF-8 string using the
// character set declared in MSH-18. The header itself is ASCII so it can be
// located before any decoding happens.
func decodeText(raw []byte) (string, string, error) {
	charset := declaredCharset(raw)
	enc, ok := charsets[strings.ToUpper(charset)]
	if !ok {
		return "", charset, fmt.Errorf("unsupported character set %q", charset)
	}
	if enc == nil {
		if !utf8.Valid(raw) {
			// Legacy senders often omit MSH-18 while sending Latin-1.
			decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
			if err != nil {
				return "", charset, err
			}
			return string(decoded), charset, nil
		}
		return string(raw), charset, nil
	}
	decoded, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", charset, fmt.Errorf("decode %s: %w", charset, err)
	}
	return string(decoded), charset, nil
}

// declaredCharset returns the first repetition of MSH-18, or "".
func declaredCharset(raw []byte) string {
	line := raw
	if i := bytes.IndexAny(raw, "\r\n"); i >= 0 {
		line = raw[:i]
	}
	if len(line) < 4 || !bytes.HasPrefix(line, []byte("MSH")) {
		return ""
	}
	sep := line[3]
	fields := bytes.Split(line, []byte{sep})
	// fields[0] is "MSH" and fields[1] is MSH-2, so MSH-n is fields[n-1].
	if len(fields) < 18 {
		return ""
	}
	v := fields[17]
	if len(fields[1]) > 1 {
		if i := bytes.IndexByte(v, fields[1][1]); i >= 0 {
			v = v[:i]
		}
	}
	return strings.TrimSpace(string(v))
}
