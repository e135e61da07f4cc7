package netassist

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startHub runs a hub on a loopback port and waits until it listens.
func startHub(t *testing.T, network string, opt ...Option) (*Hub, *recorder, <-chan error) {
	t.Helper()

	rec := newRecorder()
	opt = append(opt, OnEventOption(rec.on))
	h, err := NewHub(network, "127.0.0.1:0", opt...)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- h.Run(context.Background())
	}()
	t.Cleanup(func() { _ = h.Close() })

	rec.wait(t, func(ev Event) bool {
		return ev.Type == EventStateChanged && ev.Client == "" && ev.State == StateConnected
	})
	require.NotNil(t, h.Addr())
	return h, rec, done
}

// dialHub connects a TCP client and waits until the hub registered it.
func dialHub(t *testing.T, h *Hub, rec *recorder) (net.Conn, ClientIdentity) {
	t.Helper()

	conn, err := net.Dial("tcp", h.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	id := ClientIdentity(conn.LocalAddr().String())
	rec.wait(t, func(ev Event) bool {
		return ev.Type == EventClientConnected && ev.Client == id
	})
	return conn, id
}

func readLine(t *testing.T, r *bufio.Reader, conn net.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(waitTimeout))
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return line
}

func TestNewHub_InvalidConfig(t *testing.T) {
	_, err := NewHub("sctp", "127.0.0.1:0")
	assert.Equal(t, KindConfig, Classify(err))

	_, err = NewHub("udp", "127.0.0.1:0", DecoderOption(JSONConfig(0)))
	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "decoder", ce.Field)
}

func TestHub_NotStarted(t *testing.T) {
	h, err := NewHub("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	_, err = h.Clients(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.Nil(t, h.Addr())
	assert.Equal(t, StateIdle, h.State())
}

func TestHub_TCP_MultiClient(t *testing.T) {
	h, rec, _ := startHub(t, "tcp", DecoderOption(LineConfig(64)))
	ctx := context.Background()

	type client struct {
		conn   net.Conn
		id     ClientIdentity
		reader *bufio.Reader
	}
	var clients []client
	for i := 0; i < 3; i++ {
		conn, id := dialHub(t, h, rec)
		clients = append(clients, client{conn: conn, id: id, reader: bufio.NewReader(conn)})
	}

	ids, err := h.Clients(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 3)
	for _, c := range clients {
		assert.Contains(t, ids, c.id)
		ok, err := h.IsConnected(ctx, c.id)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	// Received frames are tagged with the sender.
	for _, c := range clients {
		_, err := c.conn.Write([]byte("from " + string(c.id) + "\n"))
		require.NoError(t, err)
		ev := rec.wait(t, isType(EventFrameReceived))
		assert.Equal(t, c.id, ev.Client)
		assert.Equal(t, "from "+string(c.id), string(ev.Frame))
	}

	// SendTo reaches exactly one client.
	require.NoError(t, h.SendTo(ctx, clients[1].id, []byte("only you")))
	assert.Equal(t, "only you\n", readLine(t, clients[1].reader, clients[1].conn))
	sent := rec.wait(t, isType(EventFrameSent))
	assert.Equal(t, clients[1].id, sent.Client)

	// Broadcast reaches every client.
	n, err := h.Broadcast(ctx, []byte("everyone"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for _, c := range clients {
		assert.Equal(t, "everyone\n", readLine(t, c.reader, c.conn))
	}

	err = h.SendTo(ctx, "10.0.0.1:1", []byte("nobody"))
	assert.ErrorIs(t, err, ErrUnknownClient)
}

func TestHub_ClientErrorIsolation(t *testing.T) {
	h, rec, _ := startHub(t, "tcp", DecoderOption(LineConfig(8)))
	ctx := context.Background()

	good, goodID := dialHub(t, h, rec)
	bad, badID := dialHub(t, h, rec)

	_, err := bad.Write([]byte("much longer than eight bytes\n"))
	require.NoError(t, err)

	errEv := rec.wait(t, isType(EventError))
	assert.Equal(t, badID, errEv.Client)
	assert.Equal(t, KindDecode, errEv.Kind)
	assert.ErrorIs(t, errEv.Err, ErrFrameTooLarge)

	left := rec.wait(t, isType(EventClientDisconnected))
	assert.Equal(t, badID, left.Client)

	// The hub and the other client are unaffected.
	assert.Equal(t, StateConnected, h.State())
	ok, err := h.IsConnected(ctx, badID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, h.SendTo(ctx, goodID, []byte("still")))
	assert.Equal(t, "still\n", readLine(t, bufio.NewReader(good), good))
}

func TestHub_Disconnect(t *testing.T) {
	h, rec, _ := startHub(t, "tcp")
	ctx := context.Background()

	conn, id := dialHub(t, h, rec)
	require.NoError(t, h.Disconnect(ctx, id))

	left := rec.wait(t, isType(EventClientDisconnected))
	assert.Equal(t, id, left.Client)

	_ = conn.SetReadDeadline(time.Now().Add(waitTimeout))
	_, err := io.ReadAll(conn)
	assert.NoError(t, err)

	ok, err := h.IsConnected(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, h.Disconnect(ctx, id), ErrUnknownClient)
}

func TestHub_BroadcastWithoutClients(t *testing.T) {
	h, _, _ := startHub(t, "tcp")

	n, err := h.Broadcast(context.Background(), []byte("anyone?"))
	assert.ErrorIs(t, err, ErrNoClients)
	assert.Zero(t, n)
}

func TestHub_MaxClients(t *testing.T) {
	h, rec, _ := startHub(t, "tcp", MaxClientsOption(1))

	dialHub(t, h, rec)

	extra, err := net.Dial("tcp", h.Addr().String())
	require.NoError(t, err)
	defer extra.Close()

	refused := rec.wait(t, isType(EventError))
	assert.ErrorIs(t, refused.Err, ErrTooManyClients)
	assert.Equal(t, ClientIdentity(extra.LocalAddr().String()), refused.Client)

	// The refused connection is closed by the hub.
	_ = extra.SetReadDeadline(time.Now().Add(waitTimeout))
	_, err = extra.Read(make([]byte, 1))
	assert.Error(t, err)

	ids, err := h.Clients(context.Background())
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestHub_Close(t *testing.T) {
	h, rec, done := startHub(t, "tcp")

	a, _ := dialHub(t, h, rec)
	b, _ := dialHub(t, h, rec)

	require.NoError(t, h.Close())
	assert.NoError(t, waitRun(t, done))
	assert.Equal(t, StateClosed, h.State())

	for _, conn := range []net.Conn{a, b} {
		_ = conn.SetReadDeadline(time.Now().Add(waitTimeout))
		_, err := io.ReadAll(conn)
		assert.NoError(t, err)
	}

	var disconnected int
	for _, ev := range rec.snapshot() {
		if ev.Type == EventClientDisconnected {
			disconnected++
		}
	}
	assert.Equal(t, 2, disconnected)

	_, err := h.Clients(context.Background())
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.ErrorIs(t, h.Run(context.Background()), ErrAlreadyStarted)
}

func TestHub_ContextCanceled(t *testing.T) {
	h, err := NewHub("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.Run(ctx)
	}()

	require.Eventually(t, func() bool { return h.State() == StateConnected }, waitTimeout, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, waitRun(t, done), context.Canceled)
	assert.Equal(t, StateClosed, h.State())
}

func TestHub_ListenFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	rec := newRecorder()
	h, err := NewHub("tcp", busy.Addr().String(), OnEventOption(rec.on))
	require.NoError(t, err)

	err = h.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, h.State())
	assert.Equal(t, KindIO, rec.wait(t, isType(EventError)).Kind)
}

func TestHub_AutoReply(t *testing.T) {
	reply := &AutoReply{}
	reply.Set([]byte("ack"))
	h, rec, _ := startHub(t, "tcp", DecoderOption(LineConfig(64)), AutoReplyOption(reply))

	conn, id := dialHub(t, h, rec)
	_, err := conn.Write([]byte("hello\n"))
	require.NoError(t, err)

	assert.Equal(t, "ack\n", readLine(t, bufio.NewReader(conn), conn))
	sent := rec.wait(t, isType(EventFrameSent))
	assert.Equal(t, id, sent.Client)
	assert.Equal(t, OriginAutoReply, sent.Origin)
}

func TestHub_UDP(t *testing.T) {
	h, rec, done := startHub(t, "udp")
	ctx := context.Background()

	hubAddr := h.Addr().(*net.UDPAddr)
	var peers []*net.UDPConn
	for i := 0; i < 2; i++ {
		conn, err := net.DialUDP("udp", nil, hubAddr)
		require.NoError(t, err)
		defer conn.Close()
		peers = append(peers, conn)
	}

	for i, p := range peers {
		id := ClientIdentity(p.LocalAddr().String())
		_, err := p.Write([]byte{'a' + byte(i)})
		require.NoError(t, err)

		joined := rec.wait(t, isType(EventClientConnected))
		assert.Equal(t, id, joined.Client)

		ev := rec.wait(t, isType(EventFrameReceived))
		assert.Equal(t, id, ev.Client)
		assert.Equal(t, []byte{'a' + byte(i)}, []byte(ev.Frame))
	}

	// Further datagrams from a known peer reuse its session.
	_, err := peers[0].Write([]byte("again"))
	require.NoError(t, err)
	ev := rec.wait(t, isType(EventFrameReceived))
	assert.Equal(t, "again", string(ev.Frame))

	ids, err := h.Clients(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	require.NoError(t, h.SendTo(ctx, ClientIdentity(peers[1].LocalAddr().String()), []byte("to b")))
	buf := make([]byte, 64)
	_ = peers[1].SetReadDeadline(time.Now().Add(waitTimeout))
	n, err := peers[1].Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "to b", string(buf[:n]))

	count, err := h.Broadcast(ctx, []byte("all"))
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	for _, p := range peers {
		_ = p.SetReadDeadline(time.Now().Add(waitTimeout))
		n, err := p.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, "all", string(buf[:n]))
	}

	require.NoError(t, h.Close())
	assert.NoError(t, waitRun(t, done))
}

func TestPeerConn_ReadDeadline(t *testing.T) {
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer pc.Close()

	p := newPeerConn(pc, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9})
	require.NoError(t, p.SetReadDeadline(time.Now().Add(20*time.Millisecond)))

	_, err = p.Read(make([]byte, 8))
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "got %v", err)

	require.NoError(t, p.SetReadDeadline(time.Time{}))
	assert.True(t, p.push([]byte("x")))
	buf := make([]byte, 8)
	n, err := p.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "x", string(buf[:n]))

	require.NoError(t, p.Close())
	assert.False(t, p.push([]byte("y")))
	_, err = p.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
	_, err = p.Write([]byte("z"))
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestHub_ReplacedSessionLeavesQuietly(t *testing.T) {
	logger := &mockLogger{}
	h, rec, _ := startHub(t, "tcp", DecoderOption(LineConfig(64)), LoggerOption(logger))
	ctx := context.Background()

	// Both pipes report the remote address "pipe", so the second session
	// replaces the first under the same identity.
	first, firstPeer := net.Pipe()
	defer firstPeer.Close()
	second, secondPeer := net.Pipe()
	defer secondPeer.Close()
	id := ClientIdentity(first.RemoteAddr().String())

	h.joined <- first
	rec.wait(t, func(ev Event) bool { return ev.Type == EventClientConnected && ev.Client == id })
	h.joined <- second
	rec.wait(t, func(ev Event) bool { return ev.Type == EventClientConnected && ev.Client == id })

	require.Eventually(t, func() bool {
		_, ok := logger.find("replaced client session stopped")
		return ok
	}, waitTimeout, 5*time.Millisecond)

	for _, ev := range rec.snapshot() {
		assert.NotEqual(t, EventClientDisconnected, ev.Type)
	}
	connected, err := h.IsConnected(ctx, id)
	require.NoError(t, err)
	assert.True(t, connected)

	require.NoError(t, secondPeer.Close())
	rec.wait(t, func(ev Event) bool { return ev.Type == EventClientDisconnected && ev.Client == id })

	clients, err := h.Clients(ctx)
	require.NoError(t, err)
	assert.Empty(t, clients)
}
