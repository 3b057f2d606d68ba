// Package wire encodes the records exchanged with front ends and coordinators.
// Every payload is a single msgpack frame; the API is frame-oriented so callers
// can hand the result straight to a multi-part socket send.
package wire

import (
	"bytes"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrNoFrames is returned when a message carries no payload frame.
var ErrNoFrames = errors.New("wire: no payload frames")

// Encoder serializes values into msgpack frames.
type Encoder struct{}

func NewEncoder() *Encoder { return &Encoder{} }

// Encode returns a freshly allocated frame.
func (e *Encoder) Encode(v any) ([][]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, err
	}
	return [][]byte{b}, nil
}

// EncodeInto serializes v reusing buf's backing array. It returns the frames to
// send and the buffer that now backs them (which may have been reallocated);
// the caller owns that buffer and must not reuse it until the send completes.
func (e *Encoder) EncodeInto(v any, buf []byte) ([][]byte, []byte, error) {
	w := bytes.NewBuffer(buf[:0])
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(w)
	if err := enc.Encode(v); err != nil {
		return nil, w.Bytes(), err
	}
	out := w.Bytes()
	return [][]byte{out}, out, nil
}

// Decode unmarshals the first frame into v.
func Decode(frames [][]byte, v any) error {
	if len(frames) == 0 {
		return ErrNoFrames
	}
	return msgpack.Unmarshal(frames[0], v)
}

// Marshal is a convenience for single-frame payloads such as handshake messages.
func Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }

// Unmarshal is the inverse of Marshal.
func Unmarshal(b []byte, v any) error { return msgpack.Unmarshal(b, v) }
