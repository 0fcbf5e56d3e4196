// Package frame implements the Z-Wave Serial API wire format: the
// single-byte control frames and the length-prefixed, checksummed data
// frame.
package frame

import "fmt"

// Control frame header bytes.
const (
	SOF    byte = 0x01 // start-of-frame, begins a DataFrame
	ACK    byte = 0x06
	NAK    byte = 0x15
	Cancel byte = 0x18
)

// Type is the DataFrame type field.
type Type byte

const (
	Request  Type = 0x00
	Response Type = 0x01
)

func (t Type) String() string {
	if t == Response {
		return "Response"
	}
	return "Request"
}

// Kind discriminates the Frame union.
type Kind int

const (
	KindAck Kind = iota
	KindNak
	KindCancel
	KindData
)

// DataFrame is the length-prefixed, checksum-protected envelope.
type DataFrame struct {
	Type       Type
	FunctionID byte
	Payload    []byte

	// ChecksumValid reports whether the checksum byte matched on decode.
	// encode() always produces a valid checksum; callers constructing a
	// DataFrame by hand for encoding do not need to set this.
	ChecksumValid bool
}

// Frame is the tagged union of {Ack, Nak, Cancel, Data(DataFrame)}.
type Frame struct {
	Kind Kind
	Data DataFrame
}

func (f Frame) String() string {
	switch f.Kind {
	case KindAck:
		return "ACK"
	case KindNak:
		return "NAK"
	case KindCancel:
		return "CAN"
	case KindData:
		return fmt.Sprintf("Data{type=%s func=0x%02x len=%d}", f.Data.Type, f.Data.FunctionID, len(f.Data.Payload))
	default:
		return "Unknown"
	}
}

// Checksum computes the XOR checksum over body, the bytes from the length
// field through the last payload byte inclusive, folded from a seed of
// 0xFF. body must start with the length byte.
func Checksum(body []byte) byte {
	c := byte(0xFF)
	for _, b := range body {
		c ^= b
	}
	return c
}

// Encode serializes a DataFrame into its complete wire representation,
// including the start-of-frame byte and a freshly computed checksum.
//
// length is the byte count of type + function id + payload — it does NOT
// include itself, the start-of-frame byte, or the trailing checksum (see
// DESIGN.md for why this reading was chosen over the alternative).
func Encode(f DataFrame) []byte {
	length := byte(1 + 1 + len(f.Payload))

	body := make([]byte, 0, int(length)+1)
	body = append(body, length)
	body = append(body, byte(f.Type))
	body = append(body, f.FunctionID)
	body = append(body, f.Payload...)

	out := make([]byte, 0, len(body)+2)
	out = append(out, SOF)
	out = append(out, body...)
	out = append(out, Checksum(body))
	return out
}

// EncodeControl serializes a single control-frame byte.
func EncodeControl(kind Kind) (byte, bool) {
	switch kind {
	case KindAck:
		return ACK, true
	case KindNak:
		return NAK, true
	case KindCancel:
		return Cancel, true
	default:
		return 0, false
	}
}

// ParseResult is returned by TryParse.
type ParseResult struct {
	Frame    Frame
	Found    bool
	Consumed int // bytes consumed from the front of the buffer
	Skipped  int // bytes discarded before a recognized header was found
}

// TryParse scans buf from the front for a recognized frame. Unknown bytes
// preceding a recognized header are skipped one at a time (the link is
// self-resynchronizing); Skipped reports how many.
//
// If the buffer does not yet contain enough bytes to complete a frame that
// has a recognized header, TryParse returns Found=false and Consumed=0 —
// callers should wait for more bytes and retry the same buffer.
func TryParse(buf []byte) ParseResult {
	skipped := 0
	for i := 0; i < len(buf); i++ {
		b := buf[i]
		switch b {
		case ACK:
			return ParseResult{Frame: Frame{Kind: KindAck}, Found: true, Consumed: i + 1, Skipped: skipped}
		case NAK:
			return ParseResult{Frame: Frame{Kind: KindNak}, Found: true, Consumed: i + 1, Skipped: skipped}
		case Cancel:
			return ParseResult{Frame: Frame{Kind: KindCancel}, Found: true, Consumed: i + 1, Skipped: skipped}
		case SOF:
			rest := buf[i:]
			if len(rest) < 2 {
				// not enough bytes yet for the length field
				return ParseResult{Found: false, Skipped: skipped}
			}
			length := rest[1]
			total := 3 + int(length) // SOF + length byte + length bytes (type+funcid+payload) + checksum
			if len(rest) < total {
				return ParseResult{Found: false, Skipped: skipped}
			}
			body := rest[1:total] // length byte .. checksum byte
			df, ok := decodeDataBody(body)
			_ = ok
			return ParseResult{
				Frame:    Frame{Kind: KindData, Data: df},
				Found:    true,
				Consumed: total,
				Skipped:  skipped,
			}
		default:
			skipped++
		}
	}
	// Ran off the end without finding a header: all bytes are garbage so far.
	return ParseResult{Found: false, Skipped: skipped}
}

// decodeDataBody decodes body = [length, type, functionID, payload..., checksum].
// The DataFrame's ChecksumValid flag reflects whether the trailing checksum
// byte matched; an invalid checksum is still returned rather than dropped —
// the frame is still consumed off the wire, just rejected at the link
// layer.
func decodeDataBody(body []byte) (DataFrame, bool) {
	if len(body) < 3 {
		return DataFrame{}, false
	}
	declared := body[:len(body)-1] // length byte, type, function id, payload — no checksum
	checksum := body[len(body)-1]
	computed := Checksum(declared)

	if len(declared) < 3 {
		return DataFrame{}, false
	}
	payload := make([]byte, len(declared)-3)
	copy(payload, declared[3:])

	return DataFrame{
		Type:          Type(declared[1]),
		FunctionID:    declared[2],
		Payload:       payload,
		ChecksumValid: checksum == computed,
	}, true
}
