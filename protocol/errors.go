package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrDecodeFailed is returned for malformed or unsupported frames. Only
	// the offending frame should be skipped.
	ErrDecodeFailed = errors.New("decode failed")

	// ErrIncorrectDestination is returned for frames that are not addressed
	// to us. This is not an error condition, the frame is simply not ours.
	ErrIncorrectDestination = errors.New("incorrect destination")

	// ErrEncodeFailed indicates a message that cannot be encoded.
	ErrEncodeFailed = errors.New("encode failed")

	// ErrUnsupportedMessage marks protocol features that are intentionally
	// not implemented.
	ErrUnsupportedMessage = errors.New("unsupported message")
)

// RemoteError is the error carried by a frame with the error header flag.
type RemoteError struct {
	Code uint16
	Text string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("received error %d: %q", e.Code, e.Text)
}

func (e *RemoteError) Unwrap() error {
	return ErrDecodeFailed
}

// DestinationError is returned for frames addressed to another device. It
// matches ErrIncorrectDestination.
type DestinationError struct {
	Dest  Address
	Local Address
}

func (e *DestinationError) Error() string {
	return fmt.Sprintf("frame for %s is not addressed to %s", e.Dest, e.Local)
}

func (e *DestinationError) Unwrap() error {
	return ErrIncorrectDestination
}

// decodeErr wraps ErrDecodeFailed, format may wrap further errors with %w
func decodeErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrDecodeFailed}, args...)...)
}

func encodeErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrEncodeFailed}, args...)...)
}
