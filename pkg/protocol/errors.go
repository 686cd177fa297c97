package protocol

import "errors"

var (
	// ErrDecodeFailed wraps a JSON syntax error on an inbound frame.
	ErrDecodeFailed = errors.New("protocol: decode failed")
	// ErrMissingType is returned when a frame has no "type" field.
	ErrMissingType = errors.New("protocol: missing type")
	// ErrUnknownType is returned when "type" is not in the known set.
	ErrUnknownType = errors.New("protocol: unknown type")
	// ErrBinaryFrame describes a binary WS frame on the text-only channel.
	// The manager's read loop answers such frames with INVALID_MESSAGE
	// directly and does not use this value.
	ErrBinaryFrame = errors.New("protocol: binary frames not accepted on this connection")
)
