package netassist

import (
	"bytes"
	"sync/atomic"
)

// AutoReply holds the reply queued whenever a frame is received. Replies are
// tagged OriginAutoReply and never pass through the read path, so a session
// cannot answer its own reply.
type AutoReply struct {
	payload atomic.Pointer[[]byte]
}

// Set enables auto-reply with a copy of payload.
func (a *AutoReply) Set(payload []byte) {
	p := bytes.Clone(payload)
	if p == nil {
		p = []byte{}
	}
	a.payload.Store(&p)
}

// Disable stops further replies.
func (a *AutoReply) Disable() {
	a.payload.Store(nil)
}

// Payload returns the configured reply, if enabled.
func (a *AutoReply) Payload() ([]byte, bool) {
	if a == nil {
		return nil, false
	}
	p := a.payload.Load()
	if p == nil {
		return nil, false
	}
	return *p, true
}
