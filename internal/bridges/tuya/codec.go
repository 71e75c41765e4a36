package tuya

import (
	"bytes"
	"crypto/aes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
)

// Tuya local protocol 3.3 frame layout:
//
//	prefix(4) | seq(4) | cmd(4) | length(4) | payload | crc(4) | suffix(4)
//
// length covers payload + crc + suffix. All integers are big-endian.
// Payloads are AES-128-ECB encrypted with the device's local key; control
// payloads additionally carry a 15-byte version header ("3.3" + 12 zero
// bytes) in front of the ciphertext.
const (
	framePrefix uint32 = 0x000055AA
	frameSuffix uint32 = 0x0000AA55

	// frameHeaderLen is prefix + seq + cmd + length.
	frameHeaderLen = 16

	// frameTrailerLen is crc + suffix, included in the length field.
	frameTrailerLen = 8

	// maxPayloadLen bounds the length field to reject garbage frames
	// before allocating.
	maxPayloadLen = 1 << 16

	// versionHeaderLen is the "3.3" marker plus 12 reserved zero bytes.
	versionHeaderLen = 15

	// retCodeLen is the status word devices prepend to command replies.
	retCodeLen = 4
)

// protocolVersion is the only local protocol version supported.
const protocolVersion = "3.3"

// Command codes for the Tuya local protocol.
const (
	// CmdControl sets datapoint values.
	CmdControl uint32 = 7

	// CmdStatus is pushed by the device when state changes.
	CmdStatus uint32 = 8

	// CmdHeartbeat keeps the TCP connection alive.
	CmdHeartbeat uint32 = 9

	// CmdDPQuery requests the current datapoint values.
	CmdDPQuery uint32 = 10
)

// Frame is a decoded protocol frame. Payload holds the raw (still
// encrypted) bytes between the length field and the CRC.
type Frame struct {
	Seq     uint32
	Cmd     uint32
	Payload []byte
}

// Codec encrypts, decrypts, and frames Tuya local protocol messages for
// a single device. It is stateless and safe for concurrent use.
type Codec struct {
	key []byte
}

// NewCodec creates a codec for the given 16-byte local key.
func NewCodec(localKey []byte) (*Codec, error) {
	if len(localKey) != aes.BlockSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrBadKey, len(localKey))
	}
	key := make([]byte, aes.BlockSize)
	copy(key, localKey)
	return &Codec{key: key}, nil
}

// EncodeCommand builds a complete wire frame for the given command.
// The body (a JSON document, may be nil for heartbeats) is encrypted and,
// for control and query commands, prefixed with the version header.
func (c *Codec) EncodeCommand(seq, cmd uint32, body []byte) ([]byte, error) {
	var payload []byte
	if len(body) > 0 {
		encrypted, err := c.encrypt(body)
		if err != nil {
			return nil, err
		}
		switch cmd {
		case CmdControl, CmdDPQuery:
			payload = make([]byte, 0, versionHeaderLen+len(encrypted))
			payload = append(payload, protocolVersion...)
			payload = append(payload, make([]byte, versionHeaderLen-len(protocolVersion))...)
			payload = append(payload, encrypted...)
		default:
			payload = encrypted
		}
	}

	return encodeFrame(seq, cmd, payload), nil
}

// encodeFrame wraps a payload in the frame header, CRC, and suffix.
func encodeFrame(seq, cmd uint32, payload []byte) []byte {
	total := frameHeaderLen + len(payload) + frameTrailerLen
	frame := make([]byte, total)

	binary.BigEndian.PutUint32(frame[0:4], framePrefix)
	binary.BigEndian.PutUint32(frame[4:8], seq)
	binary.BigEndian.PutUint32(frame[8:12], cmd)
	binary.BigEndian.PutUint32(frame[12:16], uint32(len(payload)+frameTrailerLen))
	copy(frame[frameHeaderLen:], payload)

	crcEnd := frameHeaderLen + len(payload)
	crc := crc32.ChecksumIEEE(frame[:crcEnd])
	binary.BigEndian.PutUint32(frame[crcEnd:crcEnd+4], crc)
	binary.BigEndian.PutUint32(frame[crcEnd+4:], frameSuffix)

	return frame
}

// DecodeFrame parses one frame from the front of buf. It returns the
// decoded frame and the number of bytes consumed. If buf does not yet
// hold a complete frame, it returns (nil, 0, nil) so the caller can read
// more data. Structural failures return ErrBadFrame; the caller must
// treat the stream as desynchronised and reconnect.
func DecodeFrame(buf []byte) (*Frame, int, error) {
	if len(buf) < frameHeaderLen {
		return nil, 0, nil
	}

	if binary.BigEndian.Uint32(buf[0:4]) != framePrefix {
		return nil, 0, fmt.Errorf("%w: invalid prefix 0x%08X", ErrBadFrame, binary.BigEndian.Uint32(buf[0:4]))
	}

	length := binary.BigEndian.Uint32(buf[12:16])
	if length < frameTrailerLen || length > maxPayloadLen {
		return nil, 0, fmt.Errorf("%w: invalid length %d", ErrBadFrame, length)
	}

	total := frameHeaderLen + int(length)
	if len(buf) < total {
		return nil, 0, nil // Incomplete, need more data
	}

	payloadEnd := total - frameTrailerLen
	wantCRC := binary.BigEndian.Uint32(buf[payloadEnd : payloadEnd+4])
	gotCRC := crc32.ChecksumIEEE(buf[:payloadEnd])
	if wantCRC != gotCRC {
		return nil, 0, fmt.Errorf("%w: crc mismatch", ErrBadFrame)
	}

	if binary.BigEndian.Uint32(buf[total-4:total]) != frameSuffix {
		return nil, 0, fmt.Errorf("%w: invalid suffix", ErrBadFrame)
	}

	payload := make([]byte, payloadEnd-frameHeaderLen)
	copy(payload, buf[frameHeaderLen:payloadEnd])

	return &Frame{
		Seq:     binary.BigEndian.Uint32(buf[4:8]),
		Cmd:     binary.BigEndian.Uint32(buf[8:12]),
		Payload: payload,
	}, total, nil
}

// DecodePayload decrypts and parses a frame payload into its JSON document.
// It strips the return-code word and version header when present. Empty
// payloads (heartbeat replies) return nil without error.
//
// Ciphertext bytes can start with any value, including '{', so the first
// byte says nothing about whether a payload is encrypted. Block-aligned
// data is therefore tried as ciphertext first; plaintext is accepted only
// when it is a complete JSON document.
func (c *Codec) DecodePayload(payload []byte) (json.RawMessage, error) {
	data := stripReturnCode(payload)

	if hasVersionHeader(data) {
		if len(data) < versionHeaderLen {
			return nil, fmt.Errorf("%w: truncated version header", ErrMalformedReply)
		}
		data = data[versionHeaderLen:]
	}

	if len(data) == 0 {
		return nil, nil
	}

	if len(data)%aes.BlockSize == 0 {
		if plain, err := c.decrypt(data); err == nil && json.Valid(plain) {
			return json.RawMessage(plain), nil
		}
	}

	// Some firmware replies in plaintext (heartbeats, errors).
	if json.Valid(data) {
		return json.RawMessage(bytes.Clone(data)), nil
	}

	return nil, fmt.Errorf("%w: payload is neither valid ciphertext nor JSON", ErrMalformedReply)
}

// stripReturnCode removes the 4-byte status word devices prepend to
// command replies. The word never starts a version header and breaks AES
// block alignment, so it is removed only when doing so restores one of
// the expected payload shapes.
func stripReturnCode(data []byte) []byte {
	if len(data) < retCodeLen || hasVersionHeader(data) || json.Valid(data) {
		return data
	}
	rest := data[retCodeLen:]
	switch {
	case hasVersionHeader(rest):
		return rest
	case len(data)%aes.BlockSize != 0 && len(rest)%aes.BlockSize == 0:
		return rest
	case json.Valid(rest):
		return rest
	}
	return data
}

// hasVersionHeader reports whether data starts with the "3.3" marker.
func hasVersionHeader(data []byte) bool {
	return len(data) >= len(protocolVersion) && string(data[:len(protocolVersion)]) == protocolVersion
}

// encrypt applies PKCS#7 padding and AES-128-ECB.
func (c *Codec) encrypt(plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	padded := pkcs7Pad(plain, aes.BlockSize)
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += aes.BlockSize {
		block.Encrypt(out[i:i+aes.BlockSize], padded[i:i+aes.BlockSize])
	}
	return out, nil
}

// decrypt applies AES-128-ECB and removes PKCS#7 padding.
func (c *Codec) decrypt(cipher []byte) ([]byte, error) {
	if len(cipher) == 0 || len(cipher)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d not block-aligned", len(cipher))
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	out := make([]byte, len(cipher))
	for i := 0; i < len(cipher); i += aes.BlockSize {
		block.Decrypt(out[i:i+aes.BlockSize], cipher[i:i+aes.BlockSize])
	}

	return pkcs7Unpad(out, aes.BlockSize)
}

// pkcs7Pad pads data to a multiple of blockSize.
func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	return append(bytes.Clone(data), bytes.Repeat([]byte{byte(padLen)}, padLen)...)
}

// pkcs7Unpad removes PKCS#7 padding.
func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, fmt.Errorf("invalid padding byte %d", padLen)
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:len(data)-padLen], nil
}
