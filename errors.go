package netassist

import (
	"fmt"

	"github.com/pkg/errors"
)

// Framing errors. A decode error terminates the session that produced it;
// an encode error only rejects the payload.
var (
	// ErrFrameTooLarge is returned when a frame, or the bytes buffered while
	// waiting for one, exceed the configured maximum.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrInvalidHeader is returned when a length prefix cannot describe a frame.
	ErrInvalidHeader = errors.New("invalid length header")
	// ErrMalformedJSON is returned when the stream does not hold a valid JSON value.
	ErrMalformedJSON = errors.New("malformed json")
	// ErrInvalidFrame is returned by Encode for a payload the framing cannot
	// carry unchanged, such as a line payload holding a delimiter.
	ErrInvalidFrame = errors.New("payload cannot be framed")
)

// Session and hub errors.
var (
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrBufferFull is returned when the outbound queue cannot accept more frames.
	ErrBufferFull = errors.New("send buffer full")
	// ErrNoClients is returned when broadcasting while no client is connected.
	ErrNoClients = errors.New("no clients connected")
	// ErrUnknownClient is returned when a client identity is not registered.
	ErrUnknownClient = errors.New("unknown client")
	// ErrTooManyClients is reported when a peer is refused by the admission limit.
	ErrTooManyClients = errors.New("too many clients")
)

// Supervisor errors.
var (
	// ErrUnknownConnection is returned for a ConnectionID the supervisor does not hold.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrAlreadyStarted is returned when a connection is started twice or
	// reconfigured while running.
	ErrAlreadyStarted = errors.New("connection already started")
	// ErrNotStarted is returned when sending on a connection that is not running.
	ErrNotStarted = errors.New("connection not started")
)

// ErrorKind classifies errors reported on the event stream.
type ErrorKind int

const (
	// KindIO covers transport failures and unexpected peer closes.
	KindIO ErrorKind = iota
	// KindDecode covers framing failures.
	KindDecode
	// KindConfig covers invalid configuration.
	KindConfig
)

func (k ErrorKind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindDecode:
		return "decode"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// ConfigError reports an invalid configuration field. It is returned before
// any I/O starts and never reaches a running session.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

func configErrorf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsDecodeError reports whether err is one of the framing errors.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrFrameTooLarge) ||
		errors.Is(err, ErrInvalidHeader) ||
		errors.Is(err, ErrMalformedJSON) ||
		errors.Is(err, ErrInvalidFrame)
}

// Classify returns the ErrorKind of err.
func Classify(err error) ErrorKind {
	var ce *ConfigError
	switch {
	case errors.As(err, &ce):
		return KindConfig
	case IsDecodeError(err):
		return KindDecode
	default:
		return KindIO
	}
}
