// Package protocol implements the gateway wire protocol: the byte-stuffed
// record envelope, the topic grammar, and the JSON message shapes carried
// inside encrypted records.
package protocol

import (
	"errors"
	"fmt"
)

// ============================================================================
// RECORD ENVELOPE (byte-stuffed framing)
// ============================================================================

// Framing bytes. Every record on the wire is START | escaped body | END.
const (
	FrameStart  byte = 0x42
	FrameEnd    byte = 0x43
	FrameEscape byte = 0x44
)

// Escaped substitutes: the escape byte followed by (original | 0x20).
const (
	escapedStart  byte = 0x62
	escapedEnd    byte = 0x63
	escapedEscape byte = 0x64
)

// DefaultMaxBuffer is the per-connection cap on accumulated undecoded bytes.
const DefaultMaxBuffer = 100 * 1024

var (
	// ErrLeadingGarbage means bytes arrived outside a start..end envelope.
	ErrLeadingGarbage = errors.New("protocol: garbage before frame start")

	// ErrBufferOverflow means the accumulator exceeded its configured cap.
	ErrBufferOverflow = errors.New("protocol: frame buffer overflow")

	// ErrBadEscape means the escape byte was followed by an unknown code.
	ErrBadEscape = errors.New("protocol: invalid escape sequence")

	// ErrBareDelimiter means a raw start byte appeared inside a frame body.
	ErrBareDelimiter = errors.New("protocol: unescaped delimiter inside frame")
)

// Encode wraps payload in a start/end envelope, escaping the three framing
// bytes wherever they occur in the body.
func Encode(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+2)
	out = append(out, FrameStart)
	for _, b := range payload {
		switch b {
		case FrameStart:
			out = append(out, FrameEscape, escapedStart)
		case FrameEnd:
			out = append(out, FrameEscape, escapedEnd)
		case FrameEscape:
			out = append(out, FrameEscape, escapedEscape)
		default:
			out = append(out, b)
		}
	}
	return append(out, FrameEnd)
}

// Decode scans buf for one complete frame. It returns the unescaped payload
// and the remainder after the frame's end byte. ok is false when the buffer
// holds only a partial frame (or nothing); err is non-nil for unrecoverable
// protocol violations, which must close the connection.
func Decode(buf []byte) (payload []byte, remainder []byte, ok bool, err error) {
	if len(buf) == 0 {
		return nil, buf, false, nil
	}
	if buf[0] != FrameStart {
		return nil, buf, false, ErrLeadingGarbage
	}

	body := make([]byte, 0, len(buf))
	for i := 1; i < len(buf); i++ {
		switch buf[i] {
		case FrameEnd:
			return body, buf[i+1:], true, nil
		case FrameStart:
			return nil, buf, false, ErrBareDelimiter
		case FrameEscape:
			if i+1 >= len(buf) {
				// Truncated escape: wait for more bytes.
				return nil, buf, false, nil
			}
			i++
			switch buf[i] {
			case escapedStart:
				body = append(body, FrameStart)
			case escapedEnd:
				body = append(body, FrameEnd)
			case escapedEscape:
				body = append(body, FrameEscape)
			default:
				return nil, buf, false, fmt.Errorf("%w: 0x%02X", ErrBadEscape, buf[i])
			}
		default:
			body = append(body, buf[i])
		}
	}

	// No end byte yet.
	return nil, buf, false, nil
}

// Decoder accumulates raw socket bytes and yields complete frames in order.
// It is owned by a single reader goroutine and is not safe for concurrent use.
type Decoder struct {
	buf []byte
	max int
}

// NewDecoder creates a decoder with the given accumulator cap.
// A non-positive cap falls back to DefaultMaxBuffer.
func NewDecoder(maxBuffer int) *Decoder {
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBuffer
	}
	return &Decoder{max: maxBuffer}
}

// Write appends raw bytes to the accumulator.
func (d *Decoder) Write(p []byte) error {
	if len(d.buf)+len(p) > d.max {
		return fmt.Errorf("%w: %d bytes buffered, cap %d", ErrBufferOverflow, len(d.buf)+len(p), d.max)
	}
	d.buf = append(d.buf, p...)
	return nil
}

// Next returns the next complete frame payload, or ok=false when the
// accumulator holds only a partial frame. Errors are fatal to the connection.
func (d *Decoder) Next() (payload []byte, ok bool, err error) {
	payload, rest, ok, err := Decode(d.buf)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	// Drop the consumed frame, keeping any trailing bytes.
	d.buf = append(d.buf[:0], rest...)
	return payload, true, nil
}

// Buffered reports how many undecoded bytes the accumulator holds.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
