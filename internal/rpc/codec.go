// Package rpc implements the client-facing wire protocol: a CBOR-framed
// command/reply/event encoding (RpcCodec) and the command dispatcher
// (RpcDispatcher) that maps decoded commands onto the device registry.
package rpc

import (
	"bytes"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// MaxMessageBytes bounds how much unconsumed data a Decoder will buffer
// before treating the connection as misbehaving, matching the original's
// CONTROL_MSG_MAX_BYTES (10MiB).
const MaxMessageBytes = 10 << 20

// Decoder incrementally decodes CBOR-framed messages out of a byte stream
// fed in arbitrary chunks by a connection's read pump. CBOR array/map
// headers carry their element counts up front, so a complete top-level
// array is self-delimiting: Decoder buffers until one fully parses, using
// cbor.Decoder.NumBytesRead to know exactly how much of the buffer that
// message consumed.
type Decoder struct {
	buf bytes.Buffer
}

// NewDecoder creates an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Frame is one complete CBOR item off the wire. Err is set when the item
// was well-formed CBOR but not the expected [cmd, arg...] array shape; the
// request it represents should get an error reply, not a dropped
// connection, since framing was still recoverable.
type Frame struct {
	Msg []interface{}
	Err error
}

// Feed appends p to the internal buffer and returns every complete frame
// now decodable, oldest first. A returned error means the connection itself
// is unrecoverable, either the buffered, not-yet-decoded data has exceeded
// MaxMessageBytes, or a malformed item left the decoder unable to tell how
// many bytes it consumed, the caller should drop the connection in either
// case.
func (d *Decoder) Feed(p []byte) ([]Frame, error) {
	d.buf.Write(p)

	var out []Frame
	for d.buf.Len() > 0 {
		data := d.buf.Bytes()
		dec := cbor.NewDecoder(bytes.NewReader(data))
		var msg []interface{}
		err := dec.Decode(&msg)
		n := dec.NumBytesRead()
		if err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				if d.buf.Len() > MaxMessageBytes {
					return out, fmt.Errorf("rpc: message exceeds %d bytes", MaxMessageBytes)
				}
				break
			}
			if n == 0 {
				return out, fmt.Errorf("rpc: unrecoverable frame: %w", err)
			}
			d.buf.Next(n)
			out = append(out, Frame{Err: fmt.Errorf("rpc: malformed request: %w", err)})
			continue
		}
		d.buf.Next(n)
		out = append(out, Frame{Msg: msg})
	}
	return out, nil
}

// Encode serializes msg (a reply `[code, payload]` or a broadcast event
// array) as a single CBOR item.
func Encode(msg []interface{}) ([]byte, error) {
	b, err := cbor.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("rpc: encoding message: %w", err)
	}
	return b, nil
}
