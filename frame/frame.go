package frame

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

// HeaderSize is the size of the length prefix that precedes every payload.
const HeaderSize = 4

// DefaultMaxPayload bounds the declared payload length accepted by a reader.
const DefaultMaxPayload = 64 << 20

var (
	// ErrMalformedFrame is returned when a complete payload is not valid JSON in the codec's encoding.
	// There is no way to resynchronize a stream after this, so the connection should be dropped.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrFrameTooLarge is returned when a header declares a payload longer than the codec allows.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Codec describes how payloads are framed on the wire.
// Both ends of a connection must use the same byte order and encoding.
// The zero value is big-endian UTF-8 with DefaultMaxPayload.
type Codec struct {
	Order      binary.ByteOrder
	Encoding   encoding.Encoding
	MaxPayload uint32
}

// DefaultCodec is big-endian UTF-8 with DefaultMaxPayload.
func DefaultCodec() Codec {
	return Codec{
		Order:      binary.BigEndian,
		Encoding:   unicode.UTF8,
		MaxPayload: DefaultMaxPayload,
	}
}

// LookupEncoding resolves a WHATWG encoding label such as "utf-8" or "utf-16le".
func LookupEncoding(name string) (encoding.Encoding, error) {
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("looking up encoding %q: %w", name, err)
	}
	return enc, nil
}

// ParseByteOrder accepts "big" or "little".
func ParseByteOrder(s string) (binary.ByteOrder, error) {
	switch s {
	case "", "big", "network":
		return binary.BigEndian, nil
	case "little":
		return binary.LittleEndian, nil
	}
	return nil, fmt.Errorf("unsupported byte order %q", s)
}

func (c Codec) order() binary.ByteOrder {
	if c.Order == nil {
		return binary.BigEndian
	}
	return c.Order
}

func (c Codec) maxPayload() uint32 {
	if c.MaxPayload == 0 {
		return DefaultMaxPayload
	}
	return c.MaxPayload
}

func (c Codec) isUTF8() bool {
	return c.Encoding == nil || c.Encoding == unicode.UTF8
}

// Marshal JSON-encodes v and transcodes it into the codec's encoding.
func (c Codec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding JSON: %w", err)
	}
	if c.isUTF8() {
		return b, nil
	}
	out, err := c.Encoding.NewEncoder().Bytes(b)
	if err != nil {
		return nil, fmt.Errorf("transcoding payload: %w", err)
	}
	return out, nil
}

// Unmarshal turns a complete payload back into a JSON document.
func (c Codec) Unmarshal(payload []byte) (json.RawMessage, error) {
	b := payload
	if !c.isUTF8() {
		var err error
		b, err = c.Encoding.NewDecoder().Bytes(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: transcoding payload: %s", ErrMalformedFrame, err)
		}
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("%w: %d byte payload is not valid JSON", ErrMalformedFrame, len(payload))
	}
	return json.RawMessage(b), nil
}

// WriteFrame writes the length header and then the payload.
// Callers sharing w between goroutines must serialize calls.
func (c Codec) WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	var hdr [HeaderSize]byte
	c.order().PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing payload: %w", err)
	}
	return nil
}

// Encode marshals v and writes it as a single frame.
func (c Codec) Encode(w io.Writer, v any) error {
	payload, err := c.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteFrame(w, payload)
}

// ReadFrame blocks until one whole frame has been read from r.
// A clean end of stream before any header byte is returned as io.EOF.
func (c Codec) ReadFrame(r io.Reader) (json.RawMessage, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := c.order().Uint32(hdr[:])
	if n > c.maxPayload() {
		return nil, fmt.Errorf("%w: declared length %d exceeds %d", ErrFrameTooLarge, n, c.maxPayload())
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	return c.Unmarshal(buf)
}
