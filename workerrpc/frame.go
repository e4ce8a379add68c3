// Package workerrpc implements the framed message channel between the
// runtime and its extraction worker subprocess: 4-byte big-endian
// length-prefixed msgpack envelopes, with a cheap type probe so callers
// can triage a frame before committing to a full decode.
package workerrpc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/tachfileto/evidenced/types"
)

// Frame size constants.
const (
	// MaxFrameSize is the maximum frame size (16 MiB), including length prefix.
	MaxFrameSize = 16 * 1024 * 1024
	// MaxPayloadSize is the maximum payload size (MaxFrameSize - 4 bytes).
	MaxPayloadSize = MaxFrameSize - LengthPrefixSize
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
)

// FrameErrorKind classifies frame decoding errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a truncated or incomplete frame.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a frame exceeding MaxFrameSize.
	FrameErrorTooLarge
	// FrameErrorDecode indicates a msgpack decoding error.
	FrameErrorDecode
)

// FrameError represents a frame decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if this error is fatal (close the connection).
// Partial and oversized frames leave the stream unsynchronized and are
// always fatal; decode errors are not, since a single malformed envelope
// doesn't corrupt the frames after it.
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrorPartial || e.Kind == FrameErrorTooLarge
}

// IsFatalFrameError returns true if the error is a fatal frame error.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// FrameDecoder decodes length-prefixed msgpack frames from a stream.
type FrameDecoder struct {
	reader io.Reader
}

// NewFrameDecoder creates a new frame decoder.
// Wraps the reader with bufio.Reader to reduce syscall overhead
// on unbuffered sources (e.g., OS pipes to/from the worker subprocess).
func NewFrameDecoder(r io.Reader) *FrameDecoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &FrameDecoder{reader: br}
}

// ReadFrame reads a single frame from the stream.
// Returns the raw payload bytes (msgpack-encoded).
//
// Errors:
//   - io.EOF: stream ended cleanly (no more frames)
//   - *FrameError with Kind=FrameErrorPartial: incomplete frame (fatal)
//   - *FrameError with Kind=FrameErrorTooLarge: frame exceeds limit (fatal)
func (d *FrameDecoder) ReadFrame() ([]byte, error) {
	var lengthBuf [LengthPrefixSize]byte
	_, err := io.ReadFull(d.reader, lengthBuf[:])
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read length prefix",
			Err:  err,
		}
	}

	payloadSize := binary.BigEndian.Uint32(lengthBuf[:])

	if payloadSize > MaxPayloadSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", payloadSize, MaxPayloadSize),
		}
	}

	payload := make([]byte, payloadSize)
	_, err = io.ReadFull(d.reader, payload)
	if err != nil {
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read payload",
			Err:  err,
		}
	}

	return payload, nil
}

// ReadEnvelope reads one frame and decodes it as a types.Envelope.
func (d *FrameDecoder) ReadEnvelope() (*types.Envelope, error) {
	payload, err := d.ReadFrame()
	if err != nil {
		return nil, err
	}
	return DecodeEnvelope(payload)
}

// probeMessageType extracts the "type" field from a msgpack-encoded
// Envelope without fully unmarshaling the payload, so a caller can
// triage (e.g. count decode failures by message type) even when the
// full decode later fails.
func probeMessageType(payload []byte) (string, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	n, err := dec.DecodeMapLen()
	if err != nil {
		return "", err
	}
	for range n {
		key, err := dec.DecodeString()
		if err != nil {
			return "", err
		}
		if key == "type" {
			return dec.DecodeString()
		}
		if err := dec.Skip(); err != nil {
			return "", err
		}
	}
	return "", errors.New("missing type field")
}

// ProbeMessageType is the exported form of probeMessageType, for callers
// that want to classify a frame before committing to a full decode.
func ProbeMessageType(payload []byte) (types.MessageType, error) {
	s, err := probeMessageType(payload)
	if err != nil {
		return "", err
	}
	return types.MessageType(s), nil
}

// DecodeEnvelope decodes a payload as a types.Envelope.
func DecodeEnvelope(payload []byte) (*types.Envelope, error) {
	var envelope types.Envelope
	if err := msgpack.Unmarshal(payload, &envelope); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode envelope",
			Err:  err,
		}
	}
	return &envelope, nil
}

// EncodeFrame encodes a payload with a 4-byte big-endian length prefix.
func EncodeFrame(payload []byte) []byte {
	buf := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf[:LengthPrefixSize], uint32(len(payload)))
	copy(buf[LengthPrefixSize:], payload)
	return buf
}

// EncodeEnvelope encodes a types.Envelope as a length-prefixed msgpack
// frame, ready to write to the worker subprocess's stdin or read from
// its stdout.
func EncodeEnvelope(env *types.Envelope) ([]byte, error) {
	payload, err := msgpack.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("workerrpc: encode envelope: %w", err)
	}
	return EncodeFrame(payload), nil
}
