package netassist

import (
	"context"
	"sync"
)

// Stats counts the messages logged for one connection.
type Stats struct {
	Sent     int `json:"sent"`
	Received int `json:"received"`
}

type connLog struct {
	messages []Message
	selected ClientIdentity
	stats    Stats
}

// Router turns frame events into Messages and keeps one ordered log per
// connection. The logs are owned by a single goroutine; every other call is
// a request to it, so appends from many sessions never interleave within a
// connection's arrival order.
type Router struct {
	onMessage func(Message)

	events   chan Message
	requests chan func(map[ConnectionID]*connLog)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewRouter starts a router. onMessage, if not nil, is called on the router
// goroutine with each Message after it is appended.
func NewRouter(onMessage func(Message)) *Router {
	r := &Router{
		onMessage: onMessage,
		events:    make(chan Message, 256),
		requests:  make(chan func(map[ConnectionID]*connLog)),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Router) run() {
	defer close(r.done)

	logs := make(map[ConnectionID]*connLog)
	for {
		select {
		case <-r.stop:
			return
		case m := <-r.events:
			r.append(logs, m)
		case fn := <-r.requests:
			// Drain pending messages first so a query sees everything
			// ingested before it was issued.
			r.drain(logs)
			fn(logs)
		}
	}
}

func (r *Router) drain(logs map[ConnectionID]*connLog) {
	for {
		select {
		case m := <-r.events:
			r.append(logs, m)
		default:
			return
		}
	}
}

func (r *Router) append(logs map[ConnectionID]*connLog, m Message) {
	l := logs[m.ConnectionID]
	if l == nil {
		l = &connLog{}
		logs[m.ConnectionID] = l
	}
	l.messages = append(l.messages, m)
	if m.Direction == Received {
		l.stats.Received++
	} else {
		l.stats.Sent++
	}
	if r.onMessage != nil {
		r.onMessage(m)
	}
}

// Ingest records frame events. Other event types are ignored.
func (r *Router) Ingest(ev Event) {
	m, ok := ev.Message()
	if !ok {
		return
	}
	select {
	case r.events <- m:
	case <-r.stop:
	}
}

// Stop terminates the router goroutine. Later queries return
// ErrConnectionClosed.
func (r *Router) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

func (r *Router) do(ctx context.Context, fn func(map[ConnectionID]*connLog)) error {
	finished := make(chan struct{})
	req := func(logs map[ConnectionID]*connLog) {
		fn(logs)
		close(finished)
	}

	select {
	case r.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrConnectionClosed
	}
	<-finished
	return nil
}

// Log returns a copy of the full log of id in arrival order.
func (r *Router) Log(ctx context.Context, id ConnectionID) ([]Message, error) {
	var out []Message
	err := r.do(ctx, func(logs map[ConnectionID]*connLog) {
		if l := logs[id]; l != nil {
			out = append([]Message(nil), l.messages...)
		}
	})
	return out, err
}

// View returns the log of id projected through the current client selection.
func (r *Router) View(ctx context.Context, id ConnectionID) ([]Message, error) {
	var out []Message
	err := r.do(ctx, func(logs map[ConnectionID]*connLog) {
		if l := logs[id]; l != nil {
			out = Filter(l.messages, l.selected)
		}
	})
	return out, err
}

// Select sets the client filter of id. The empty identity restores the full view.
func (r *Router) Select(ctx context.Context, id ConnectionID, client ClientIdentity) error {
	return r.do(ctx, func(logs map[ConnectionID]*connLog) {
		l := logs[id]
		if l == nil {
			l = &connLog{}
			logs[id] = l
		}
		l.selected = client
	})
}

// Selected returns the client filter of id.
func (r *Router) Selected(ctx context.Context, id ConnectionID) (ClientIdentity, error) {
	var client ClientIdentity
	err := r.do(ctx, func(logs map[ConnectionID]*connLog) {
		if l := logs[id]; l != nil {
			client = l.selected
		}
	})
	return client, err
}

// Stats returns the message counters of id.
func (r *Router) Stats(ctx context.Context, id ConnectionID) (Stats, error) {
	var st Stats
	err := r.do(ctx, func(logs map[ConnectionID]*connLog) {
		if l := logs[id]; l != nil {
			st = l.stats
		}
	})
	return st, err
}

// Clear empties the log and counters of id. The selection is kept.
func (r *Router) Clear(ctx context.Context, id ConnectionID) error {
	return r.do(ctx, func(logs map[ConnectionID]*connLog) {
		if l := logs[id]; l != nil {
			l.messages = nil
			l.stats = Stats{}
		}
	})
}

// Drop forgets everything about id.
func (r *Router) Drop(ctx context.Context, id ConnectionID) error {
	return r.do(ctx, func(logs map[ConnectionID]*connLog) {
		delete(logs, id)
	})
}

// Filter returns the messages exchanged with client, in order. The empty
// identity selects every message. msgs is not modified.
func Filter(msgs []Message, client ClientIdentity) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if client == "" || m.Client == client {
			out = append(out, m)
		}
	}
	return out
}
