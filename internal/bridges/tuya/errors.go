package tuya

import "errors"

// Sentinel errors for Tuya device operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when an operation requires an open device
	// connection and there is none.
	ErrNotConnected = errors.New("tuya: not connected")

	// ErrConnectionFailed is returned when a TCP connection attempt fails.
	ErrConnectionFailed = errors.New("tuya: connection failed")

	// ErrDeviceOffline is returned by setters while the session considers
	// the device offline. No network traffic is attempted.
	ErrDeviceOffline = errors.New("tuya: device offline")

	// ErrOperationTimeout is returned when a device operation does not
	// complete within the session's operation timeout.
	ErrOperationTimeout = errors.New("tuya: operation timed out")

	// ErrMalformedReply is returned when a device reply cannot be parsed
	// into a dps map.
	ErrMalformedReply = errors.New("tuya: malformed reply")

	// ErrBadFrame is returned when a wire frame fails structural checks
	// (prefix, suffix, length, CRC).
	ErrBadFrame = errors.New("tuya: bad frame")

	// ErrBadKey is returned when the local key is not 16 bytes.
	ErrBadKey = errors.New("tuya: local key must be 16 bytes")

	// ErrSessionClosed is returned by operations on a destroyed session.
	ErrSessionClosed = errors.New("tuya: session closed")
)
