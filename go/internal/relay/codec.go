package relay

import (
	"errors"
	"fmt"
	"io"
)

// MessageID starts every request and response frame.
const MessageID byte = 0xFE

// MaxPayload is the largest payload a one-byte length prefix can describe.
const MaxPayload = 255

// Error codes carried in the second byte of a response.
const (
	CodeNone       byte = 0
	CodeBadCommand byte = 1
	CodeParamCount byte = 2
	CodeParamRange byte = 3
	CodeFormat     byte = 4
)

var (
	ErrPayloadTooLarge = errors.New("payload exceeds 255 bytes")
	ErrUnexpectedID    = errors.New("unexpected message id")
)

// request frame: [id][len][payload]
// response frame: [id][code][len][payload]

// EncodeRequest frames a request payload.
func EncodeRequest(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d", ErrPayloadTooLarge, len(payload))
	}
	buf := make([]byte, 0, 2+len(payload))
	buf = append(buf, MessageID, byte(len(payload)))
	return append(buf, payload...), nil
}

// EncodeResponse frames a response, truncating the payload to MaxPayload.
func EncodeResponse(code byte, payload []byte) []byte {
	if len(payload) > MaxPayload {
		payload = payload[:MaxPayload]
	}
	buf := make([]byte, 0, 3+len(payload))
	buf = append(buf, MessageID, code, byte(len(payload)))
	return append(buf, payload...)
}

// ReadRequestBody reads [len][payload] once the id byte has been consumed.
func ReadRequestBody(r io.Reader) ([]byte, error) {
	var n [1]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return nil, err
	}
	payload := make([]byte, n[0])
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ReadResponse reads a full response frame.
func ReadResponse(r io.Reader) (code byte, payload []byte, err error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, fmt.Errorf("read response header: %w", err)
	}
	if hdr[0] != MessageID {
		return 0, nil, fmt.Errorf("%w: 0x%02X", ErrUnexpectedID, hdr[0])
	}
	payload = make([]byte, hdr[2])
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("read response payload: %w", err)
	}
	return hdr[1], payload, nil
}
