package frame

import (
	"encoding/json"
	"fmt"
)

// initialPayloadCap limits the up-front allocation driven by an untrusted header.
const initialPayloadCap = 64 << 10

// Decoder reassembles frames from a byte stream delivered in arbitrary chunks.
// Partial headers and partial payloads are carried over between calls to Feed.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	codec Codec

	header    [HeaderSize]byte
	headerLen int

	inPayload bool
	payload   []byte
	remaining uint32
}

// NewDecoder returns a Decoder for frames written with c.
func NewDecoder(c Codec) *Decoder {
	return &Decoder{codec: c}
}

// Feed consumes chunk and calls emit once for every frame it completes, in stream order.
// Any error, from decoding or from emit, leaves the decoder unusable.
func (d *Decoder) Feed(chunk []byte, emit func(json.RawMessage) error) error {
	for {
		if !d.inPayload {
			if len(chunk) == 0 {
				return nil
			}
			n := copy(d.header[d.headerLen:], chunk)
			d.headerLen += n
			chunk = chunk[n:]
			if d.headerLen < HeaderSize {
				return nil
			}

			length := d.codec.order().Uint32(d.header[:])
			d.headerLen = 0
			if length > d.codec.maxPayload() {
				return fmt.Errorf("%w: declared length %d exceeds %d", ErrFrameTooLarge, length, d.codec.maxPayload())
			}
			d.inPayload = true
			d.remaining = length
			d.payload = make([]byte, 0, min(int(length), initialPayloadCap))
		}

		if d.remaining > 0 {
			if len(chunk) == 0 {
				return nil
			}
			n := min(len(chunk), int(d.remaining))
			d.payload = append(d.payload, chunk[:n]...)
			d.remaining -= uint32(n)
			chunk = chunk[n:]
			if d.remaining > 0 {
				return nil
			}
		}

		payload := d.payload
		d.payload = nil
		d.inPayload = false

		msg, err := d.codec.Unmarshal(payload)
		if err != nil {
			return err
		}
		if err := emit(msg); err != nil {
			return err
		}
	}
}

// Buffered reports how many bytes of an incomplete frame are held.
func (d *Decoder) Buffered() int {
	if d.inPayload {
		return HeaderSize + len(d.payload)
	}
	return d.headerLen
}
