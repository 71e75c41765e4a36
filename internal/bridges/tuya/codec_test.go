package tuya

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"
)

var testKey = []byte("0123456789abcdef")

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(testKey)
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}
	return c
}

func TestNewCodecRejectsBadKey(t *testing.T) {
	if _, err := NewCodec([]byte("short")); !errors.Is(err, ErrBadKey) {
		t.Errorf("NewCodec(short key) error = %v, want ErrBadKey", err)
	}
	if _, err := NewCodec(nil); !errors.Is(err, ErrBadKey) {
		t.Errorf("NewCodec(nil) error = %v, want ErrBadKey", err)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	codec := newTestCodec(t)

	body := []byte(`{"devId":"bf123","dps":{"51":true}}`)
	frame, err := codec.EncodeCommand(7, CmdControl, body)
	if err != nil {
		t.Fatalf("EncodeCommand() error = %v", err)
	}

	decoded, consumed, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if decoded == nil {
		t.Fatal("DecodeFrame() returned nil frame for complete input")
	}
	if consumed != len(frame) {
		t.Errorf("consumed = %d, want %d", consumed, len(frame))
	}
	if decoded.Seq != 7 {
		t.Errorf("Seq = %d, want 7", decoded.Seq)
	}
	if decoded.Cmd != CmdControl {
		t.Errorf("Cmd = %d, want %d", decoded.Cmd, CmdControl)
	}

	plain, err := codec.DecodePayload(decoded.Payload)
	if err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if !bytes.Equal(plain, body) {
		t.Errorf("payload = %s, want %s", plain, body)
	}
}

func TestEncodeControlCarriesVersionHeader(t *testing.T) {
	codec := newTestCodec(t)

	frame, err := codec.EncodeCommand(1, CmdControl, []byte(`{"dps":{}}`))
	if err != nil {
		t.Fatalf("EncodeCommand() error = %v", err)
	}

	payload := frame[frameHeaderLen : len(frame)-frameTrailerLen]
	if !hasVersionHeader(payload) {
		t.Error("control payload missing version header")
	}
	for i := len(protocolVersion); i < versionHeaderLen; i++ {
		if payload[i] != 0 {
			t.Errorf("version header byte %d = %d, want 0", i, payload[i])
		}
	}
}

func TestEncodeHeartbeatEmptyPayload(t *testing.T) {
	codec := newTestCodec(t)

	frame, err := codec.EncodeCommand(2, CmdHeartbeat, nil)
	if err != nil {
		t.Fatalf("EncodeCommand() error = %v", err)
	}

	decoded, _, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if len(decoded.Payload) != 0 {
		t.Errorf("heartbeat payload length = %d, want 0", len(decoded.Payload))
	}
}

func TestDecodeFrameIncomplete(t *testing.T) {
	codec := newTestCodec(t)
	frame, err := codec.EncodeCommand(3, CmdDPQuery, []byte(`{"devId":"x"}`))
	if err != nil {
		t.Fatalf("EncodeCommand() error = %v", err)
	}

	for _, cut := range []int{0, 8, frameHeaderLen, len(frame) - 1} {
		decoded, consumed, err := DecodeFrame(frame[:cut])
		if err != nil {
			t.Errorf("DecodeFrame(%d bytes) error = %v, want nil", cut, err)
		}
		if decoded != nil || consumed != 0 {
			t.Errorf("DecodeFrame(%d bytes) = (%v, %d), want (nil, 0)", cut, decoded, consumed)
		}
	}
}

func TestDecodeFrameBadPrefix(t *testing.T) {
	buf := make([]byte, frameHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], 0xDEADBEEF)

	if _, _, err := DecodeFrame(buf); !errors.Is(err, ErrBadFrame) {
		t.Errorf("DecodeFrame(bad prefix) error = %v, want ErrBadFrame", err)
	}
}

func TestDecodeFrameBadCRC(t *testing.T) {
	codec := newTestCodec(t)
	frame, err := codec.EncodeCommand(4, CmdControl, []byte(`{"dps":{"20":true}}`))
	if err != nil {
		t.Fatalf("EncodeCommand() error = %v", err)
	}

	frame[frameHeaderLen] ^= 0xFF // Corrupt the payload

	if _, _, err := DecodeFrame(frame); !errors.Is(err, ErrBadFrame) {
		t.Errorf("DecodeFrame(corrupted) error = %v, want ErrBadFrame", err)
	}
}

func TestDecodeFrameBadLength(t *testing.T) {
	buf := make([]byte, frameHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], framePrefix)
	binary.BigEndian.PutUint32(buf[12:16], maxPayloadLen+1)

	if _, _, err := DecodeFrame(buf); !errors.Is(err, ErrBadFrame) {
		t.Errorf("DecodeFrame(oversized length) error = %v, want ErrBadFrame", err)
	}
}

func TestDecodePayloadStripsReturnCode(t *testing.T) {
	codec := newTestCodec(t)

	body := []byte(`{"dps":{"53":4}}`)
	encrypted, err := codec.encrypt(body)
	if err != nil {
		t.Fatalf("encrypt() error = %v", err)
	}

	payload := append([]byte{0, 0, 0, 0}, encrypted...)
	plain, err := codec.DecodePayload(payload)
	if err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if !bytes.Equal(plain, body) {
		t.Errorf("payload = %s, want %s", plain, body)
	}
}

func TestDecodePayloadStripsReturnCodeAndVersionHeader(t *testing.T) {
	codec := newTestCodec(t)

	body := []byte(`{"dps":{"22":505}}`)
	encrypted, err := codec.encrypt(body)
	if err != nil {
		t.Fatalf("encrypt() error = %v", err)
	}

	payload := []byte{0, 0, 0, 0}
	payload = append(payload, protocolVersion...)
	payload = append(payload, make([]byte, versionHeaderLen-len(protocolVersion))...)
	payload = append(payload, encrypted...)

	plain, err := codec.DecodePayload(payload)
	if err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if !bytes.Equal(plain, body) {
		t.Errorf("payload = %s, want %s", plain, body)
	}
}

func TestDecodePayloadPlaintextJSON(t *testing.T) {
	codec := newTestCodec(t)

	body := []byte(`{"dps":{}}`)
	plain, err := codec.DecodePayload(body)
	if err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(plain, &doc); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
}

func TestDecodePayloadEmpty(t *testing.T) {
	codec := newTestCodec(t)

	plain, err := codec.DecodePayload(nil)
	if err != nil {
		t.Fatalf("DecodePayload(nil) error = %v", err)
	}
	if plain != nil {
		t.Errorf("DecodePayload(nil) = %q, want nil", plain)
	}
}

func TestDecodePayloadCiphertextStartingWithBrace(t *testing.T) {
	codec := newTestCodec(t)

	// Under the test key this body encrypts to ciphertext whose first
	// byte is '{'. A decoder that sniffs the first byte would hand the
	// raw ciphertext to the JSON parser instead of decrypting it.
	body := []byte(`{"dps":{"51":true,"53":4}}`)
	encrypted, err := codec.encrypt(body)
	if err != nil {
		t.Fatalf("encrypt() error = %v", err)
	}
	if encrypted[0] != '{' {
		t.Fatalf("test vector invalidated: ciphertext starts with 0x%02X, want '{'", encrypted[0])
	}

	plain, err := codec.DecodePayload(encrypted)
	if err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if !bytes.Equal(plain, body) {
		t.Errorf("payload = %s, want %s", plain, body)
	}
}

func TestDecodePayloadGarbage(t *testing.T) {
	codec := newTestCodec(t)

	// Noise that cannot be block-aligned ciphertext.
	garbage := bytes.Repeat([]byte{0xAB}, 33)
	if _, err := codec.DecodePayload(garbage); !errors.Is(err, ErrMalformedReply) {
		t.Errorf("DecodePayload(garbage) error = %v, want ErrMalformedReply", err)
	}
}

func TestDecodeFrameMultipleFrames(t *testing.T) {
	codec := newTestCodec(t)

	first, err := codec.EncodeCommand(1, CmdHeartbeat, nil)
	if err != nil {
		t.Fatalf("EncodeCommand() error = %v", err)
	}
	second, err := codec.EncodeCommand(2, CmdStatus, []byte(`{"dps":{"51":false}}`))
	if err != nil {
		t.Fatalf("EncodeCommand() error = %v", err)
	}

	stream := append(append([]byte{}, first...), second...)

	f1, n1, err := DecodeFrame(stream)
	if err != nil {
		t.Fatalf("first DecodeFrame() error = %v", err)
	}
	if f1.Seq != 1 || n1 != len(first) {
		t.Errorf("first frame = (seq %d, consumed %d), want (1, %d)", f1.Seq, n1, len(first))
	}

	f2, n2, err := DecodeFrame(stream[n1:])
	if err != nil {
		t.Fatalf("second DecodeFrame() error = %v", err)
	}
	if f2.Seq != 2 || n2 != len(second) {
		t.Errorf("second frame = (seq %d, consumed %d), want (2, %d)", f2.Seq, n2, len(second))
	}
}
