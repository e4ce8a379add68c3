package workerrpc

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/tachfileto/evidenced/types"
)

func sampleEnvelope(msgID string, typ types.MessageType, payload map[string]any) *types.Envelope {
	return &types.Envelope{
		ProtocolVersion: types.ProtocolVersion,
		MessageID:       msgID,
		TimestampMs:     1732900000000,
		Type:            typ,
		Payload:         payload,
	}
}

func TestEncodeDecodeEnvelope_RoundTrip(t *testing.T) {
	env := sampleEnvelope("msg-1", types.MessageExtractEvidence, map[string]any{
		"file_path":  "/docs/report.pdf",
		"page_index": int64(3),
	})

	frame, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}

	decoder := NewFrameDecoder(bytes.NewReader(frame))
	decoded, err := decoder.ReadEnvelope()
	if err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}

	if decoded.MessageID != env.MessageID {
		t.Errorf("MessageID = %q, want %q", decoded.MessageID, env.MessageID)
	}
	if decoded.Type != env.Type {
		t.Errorf("Type = %q, want %q", decoded.Type, env.Type)
	}
	if decoded.Payload["file_path"] != "/docs/report.pdf" {
		t.Errorf("Payload[file_path] = %v, want /docs/report.pdf", decoded.Payload["file_path"])
	}
}

func TestFrameDecoder_MultipleFramesSequentially(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		env := sampleEnvelope("msg", types.MessagePing, nil)
		frame, err := EncodeEnvelope(env)
		if err != nil {
			t.Fatalf("EncodeEnvelope: %v", err)
		}
		buf.Write(frame)
	}

	decoder := NewFrameDecoder(&buf)
	for i := 0; i < 3; i++ {
		if _, err := decoder.ReadEnvelope(); err != nil {
			t.Fatalf("ReadEnvelope %d: %v", i, err)
		}
	}

	if _, err := decoder.ReadFrame(); err != io.EOF {
		t.Errorf("expected io.EOF after 3 frames, got %v", err)
	}
}

func TestReadFrame_PartialLengthPrefixIsFatal(t *testing.T) {
	decoder := NewFrameDecoder(bytes.NewReader([]byte{0x00, 0x00}))
	_, err := decoder.ReadFrame()
	if !IsFatalFrameError(err) {
		t.Errorf("expected a fatal FrameError for a truncated length prefix, got %v", err)
	}
}

func TestReadFrame_PartialPayloadIsFatal(t *testing.T) {
	var lengthBuf [4]byte
	binary.BigEndian.PutUint32(lengthBuf[:], 100)
	decoder := NewFrameDecoder(bytes.NewReader(append(lengthBuf[:], []byte("short")...)))

	_, err := decoder.ReadFrame()
	if !IsFatalFrameError(err) {
		t.Errorf("expected a fatal FrameError for a truncated payload, got %v", err)
	}
}

func TestReadFrame_OversizedPayloadIsFatal(t *testing.T) {
	var lengthBuf [4]byte
	binary.BigEndian.PutUint32(lengthBuf[:], MaxPayloadSize+1)
	decoder := NewFrameDecoder(bytes.NewReader(lengthBuf[:]))

	_, err := decoder.ReadFrame()
	if !IsFatalFrameError(err) {
		t.Errorf("expected a fatal FrameError for an oversized payload, got %v", err)
	}
}

func TestDecodeEnvelope_MalformedPayloadIsNotFatal(t *testing.T) {
	_, err := DecodeEnvelope([]byte{0xc1}) // invalid msgpack type byte
	if err == nil {
		t.Fatal("expected a decode error")
	}
	if IsFatalFrameError(err) {
		t.Error("a single malformed envelope should not be classified fatal")
	}
}

func TestProbeMessageType_MatchesDecodedType(t *testing.T) {
	env := sampleEnvelope("msg-2", types.MessageSuccess, map[string]any{"req_id": "r1"})
	payload, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	// Strip the length prefix to probe the raw msgpack payload directly.
	raw := payload[LengthPrefixSize:]

	probed, err := ProbeMessageType(raw)
	if err != nil {
		t.Fatalf("ProbeMessageType: %v", err)
	}
	if probed != types.MessageSuccess {
		t.Errorf("probed type = %q, want %q", probed, types.MessageSuccess)
	}
}
