package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"unicode/utf16"
	"unicode/utf8"
)

// ErrSerialization reports an event that could not be encoded into a payload
// which decodes back to the same event.
var ErrSerialization = errors.New("event serialization failed")

const (
	invalidContentMessage   = "Error: Content contains invalid characters"
	invalidCompletedMessage = "Response completed but contained invalid characters"
)

// Event is one stream event. Content is cumulative.
type Event struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
	Error   bool   `json:"error,omitempty"`
}

// EncodeEvent returns the compact, ASCII-only JSON encoding of ev. The result
// is decoded again and must equal ev.
func EncodeEvent(ev Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	payload := asciiEscape(bytes.TrimRight(buf.Bytes(), "\n"))

	var decoded Event
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if decoded != ev {
		return nil, fmt.Errorf("%w: payload does not round-trip", ErrSerialization)
	}
	return payload, nil
}

// Frame wraps a payload as one SSE message.
func Frame(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+8)
	out = append(out, "data: "...)
	out = append(out, payload...)
	return append(out, '\n', '\n')
}

// asciiEscape rewrites every non-ASCII rune of a JSON document as a \uXXXX
// escape, using surrogate pairs above the BMP. Non-ASCII bytes only occur
// inside strings, so the document stays valid.
func asciiEscape(in []byte) []byte {
	out := make([]byte, 0, len(in))
	for i := 0; i < len(in); {
		if in[i] < utf8.RuneSelf {
			out = append(out, in[i])
			i++
			continue
		}
		r, size := utf8.DecodeRune(in[i:])
		i += size
		if r > 0xFFFF {
			hi, lo := utf16.EncodeRune(r)
			out = appendU(out, hi)
			out = appendU(out, lo)
			continue
		}
		out = appendU(out, r)
	}
	return out
}

func appendU(out []byte, r rune) []byte {
	out = append(out, `\u`...)
	hex := strconv.FormatInt(int64(r), 16)
	for i := len(hex); i < 4; i++ {
		out = append(out, '0')
	}
	return append(out, hex...)
}

var (
	invalidContentPayload   = mustEncode(Event{Content: invalidContentMessage, Done: true, Error: true})
	invalidCompletedPayload = mustEncode(Event{Content: invalidCompletedMessage, Done: true})
)

func mustEncode(ev Event) []byte {
	payload, err := EncodeEvent(ev)
	if err != nil {
		panic(err)
	}
	return payload
}
