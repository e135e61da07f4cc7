package netassist

import (
	"time"

	"github.com/pkg/errors"
)

// ConnectionID identifies one logical connection held by the Supervisor.
type ConnectionID string

// ClientIdentity is the transport address of a peer in listen mode. The
// empty value means "no client".
type ClientIdentity string

// Direction tells whether a message went out or came in.
type Direction int

const (
	// Sent marks frames written by this side.
	Sent Direction = iota
	// Received marks frames read from the peer.
	Received
)

func (d Direction) String() string {
	if d == Received {
		return "received"
	}
	return "sent"
}

// MarshalText encodes the direction as "sent" or "received".
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses "sent" or "received".
func (d *Direction) UnmarshalText(b []byte) error {
	switch string(b) {
	case "sent":
		*d = Sent
	case "received":
		*d = Received
	default:
		return errors.Errorf("unknown direction %q", b)
	}
	return nil
}

// Origin tells which producer queued an outbound frame.
type Origin int

const (
	// OriginUser is a frame submitted through Send.
	OriginUser Origin = iota
	// OriginAutoReply is a frame queued in reaction to a received frame.
	OriginAutoReply
	// OriginPeriodic is a frame queued by a periodic timer.
	OriginPeriodic
)

func (o Origin) String() string {
	switch o {
	case OriginAutoReply:
		return "auto_reply"
	case OriginPeriodic:
		return "periodic"
	default:
		return "user"
	}
}

// MarshalText encodes the origin name.
func (o Origin) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Message is a frame recorded in a connection's log. Messages are immutable.
type Message struct {
	ConnectionID ConnectionID   `json:"connection_id"`
	Client       ClientIdentity `json:"client_identity,omitempty"`
	Direction    Direction      `json:"direction"`
	Origin       Origin         `json:"origin,omitempty"`
	Payload      []byte         `json:"payload"`
	// Timestamp is in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// Time returns the timestamp as a time.Time.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// SessionState is the lifecycle of a session or hub.
type SessionState int32

const (
	StateIdle SessionState = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s SessionState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// EventType enumerates the event surface.
type EventType int

const (
	EventStateChanged EventType = iota
	EventClientConnected
	EventClientDisconnected
	EventFrameReceived
	EventFrameSent
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "state_changed"
	case EventClientConnected:
		return "client_connected"
	case EventClientDisconnected:
		return "client_disconnected"
	case EventFrameReceived:
		return "frame_received"
	case EventFrameSent:
		return "frame_sent"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is emitted by sessions, hubs and the supervisor. Fields not relevant
// to Type are zero.
type Event struct {
	Type         EventType
	ConnectionID ConnectionID
	Client       ClientIdentity
	State        SessionState
	Frame        Frame
	Origin       Origin
	Kind         ErrorKind
	Err          error
	Time         time.Time
}

// Message converts a frame event into a log record. ok is false for other
// event types.
func (e Event) Message() (m Message, ok bool) {
	var dir Direction
	switch e.Type {
	case EventFrameReceived:
		dir = Received
	case EventFrameSent:
		dir = Sent
	default:
		return Message{}, false
	}
	return Message{
		ConnectionID: e.ConnectionID,
		Client:       e.Client,
		Direction:    dir,
		Origin:       e.Origin,
		Payload:      e.Frame,
		Timestamp:    e.Time.UnixMilli(),
	}, true
}

func errorEvent(err error) Event {
	return Event{Type: EventError, Kind: Classify(err), Err: err, Time: time.Now()}
}
