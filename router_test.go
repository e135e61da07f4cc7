package netassist

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameEvent(conn ConnectionID, client ClientIdentity, typ EventType, payload string) Event {
	return Event{Type: typ, ConnectionID: conn, Client: client, Frame: Frame(payload), Time: time.Now()}
}

func payloads(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = string(m.Payload)
	}
	return out
}

func TestEvent_Message(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	ev := Event{
		Type:         EventFrameSent,
		ConnectionID: "c1",
		Client:       "127.0.0.1:1",
		Frame:        Frame("hi"),
		Origin:       OriginPeriodic,
		Time:         at,
	}

	m, ok := ev.Message()
	require.True(t, ok)
	assert.Equal(t, Sent, m.Direction)
	assert.Equal(t, OriginPeriodic, m.Origin)
	assert.Equal(t, int64(1700000000123), m.Timestamp)
	assert.Equal(t, at, m.Time())

	_, ok = Event{Type: EventStateChanged}.Message()
	assert.False(t, ok)
}

func TestFilter(t *testing.T) {
	msgs := []Message{
		{Client: "a", Direction: Received, Payload: []byte("1")},
		{Client: "b", Direction: Received, Payload: []byte("2")},
		{Client: "a", Direction: Sent, Payload: []byte("3")},
		{Client: "b", Direction: Sent, Payload: []byte("4")},
	}

	assert.Equal(t, []string{"1", "3"}, payloads(Filter(msgs, "a")))
	assert.Equal(t, []string{"2", "4"}, payloads(Filter(msgs, "b")))
	assert.Equal(t, []string{"1", "2", "3", "4"}, payloads(Filter(msgs, "")))
	assert.Empty(t, Filter(msgs, "c"))
	assert.Len(t, msgs, 4)
}

func TestRouter_LogAndView(t *testing.T) {
	var (
		mu       sync.Mutex
		observed []string
	)
	r := NewRouter(func(m Message) {
		mu.Lock()
		observed = append(observed, string(m.Payload))
		mu.Unlock()
	})
	defer r.Stop()
	ctx := context.Background()

	r.Ingest(frameEvent("c1", "a", EventFrameReceived, "from a"))
	r.Ingest(frameEvent("c1", "b", EventFrameReceived, "from b"))
	r.Ingest(frameEvent("c1", "a", EventFrameSent, "to a"))
	r.Ingest(frameEvent("c1", "b", EventFrameSent, "to b"))
	r.Ingest(frameEvent("c2", "", EventFrameReceived, "other"))
	r.Ingest(Event{Type: EventStateChanged, ConnectionID: "c1", State: StateConnected})

	all, err := r.Log(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"from a", "from b", "to a", "to b"}, payloads(all))

	require.NoError(t, r.Select(ctx, "c1", "a"))
	selected, err := r.Selected(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, ClientIdentity("a"), selected)

	view, err := r.View(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"from a", "to a"}, payloads(view))

	// Selection is a projection: the log is unchanged.
	all, err = r.Log(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	require.NoError(t, r.Select(ctx, "c1", ""))
	view, err = r.View(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, view, 4)

	other, err := r.View(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, []string{"other"}, payloads(other))

	mu.Lock()
	assert.Len(t, observed, 5)
	mu.Unlock()
}

func TestRouter_StatsClearDrop(t *testing.T) {
	r := NewRouter(nil)
	defer r.Stop()
	ctx := context.Background()

	r.Ingest(frameEvent("c1", "", EventFrameReceived, "in"))
	r.Ingest(frameEvent("c1", "", EventFrameSent, "out"))
	r.Ingest(frameEvent("c1", "", EventFrameSent, "out"))

	st, err := r.Stats(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, Stats{Sent: 2, Received: 1}, st)

	require.NoError(t, r.Select(ctx, "c1", "x"))
	require.NoError(t, r.Clear(ctx, "c1"))
	st, err = r.Stats(ctx, "c1")
	require.NoError(t, err)
	assert.Zero(t, st)
	log, err := r.Log(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, log)
	selected, err := r.Selected(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, ClientIdentity("x"), selected)

	require.NoError(t, r.Drop(ctx, "c1"))
	selected, err = r.Selected(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, selected)
}

func TestRouter_PreservesArrivalOrder(t *testing.T) {
	r := NewRouter(nil)
	defer r.Stop()

	const n = 500
	for i := 0; i < n; i++ {
		typ := EventFrameReceived
		if i%2 == 1 {
			typ = EventFrameSent
		}
		r.Ingest(frameEvent("c1", "", typ, fmt.Sprint(i)))
	}

	log, err := r.Log(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, log, n)
	for i, m := range log {
		assert.Equal(t, fmt.Sprint(i), string(m.Payload))
	}
}

func TestRouter_Stop(t *testing.T) {
	r := NewRouter(nil)
	r.Stop()
	r.Stop()

	_, err := r.Log(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrConnectionClosed)

	// Ingest after Stop does not block.
	r.Ingest(frameEvent("c1", "", EventFrameReceived, "late"))
}
