package netassist

import (
	"bytes"
	"context"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Hub listens on one TCP or UDP address and runs a Session per client.
//
// The client registry is owned by the hub's control goroutine. Every other
// goroutine reaches it through request channels, so the registry needs no
// lock. Client sessions share the hub's decoder, auto-reply and event sink;
// their events are tagged with the client identity.
//
// Event callbacks run on hub goroutines and must not call back into the hub
// synchronously.
type Hub struct {
	network string
	address string
	udp     bool

	logger Logger
	opts   options
	sem    *semaphore.Weighted

	state   atomic.Int32
	started atomic.Bool
	closed  atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	addr    net.Addr
	udpConn *net.UDPConn

	stateMu sync.Mutex

	joined    chan net.Conn
	datagrams chan datagram
	left      chan clientExit
	requests  chan hubRequest

	loopOnce sync.Once
	loopDone chan struct{}
	done     chan struct{}
}

type hubClient struct {
	session *Session
	peer    *peerConn // UDP only
}

type clientExit struct {
	id      ClientIdentity
	session *Session
	err     error
}

// hubRequest is a registry query or command handled by the control goroutine.
type hubRequest struct {
	client     ClientIdentity
	all        bool
	disconnect bool
	reply      chan hubReply
}

type hubReply struct {
	ids      []ClientIdentity
	sessions []*Session
}

// NewHub returns a hub that listens on address when Run is called.
// Network is "tcp" or "udp". The options apply to every client session.
func NewHub(network, address string, opt ...Option) (*Hub, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	var udp bool
	switch network {
	case "tcp", "tcp4", "tcp6":
	case "udp", "udp4", "udp6":
		udp = true
		opts.datagram = true
	default:
		return nil, configErrorf("protocol", "unsupported network %q", network)
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	return &Hub{
		network:   network,
		address:   address,
		udp:       udp,
		logger:    opts.logger,
		opts:      opts,
		sem:       semaphore.NewWeighted(int64(opts.maxClients)),
		joined:    make(chan net.Conn),
		datagrams: make(chan datagram, peerQueueSize),
		left:      make(chan clientExit),
		requests:  make(chan hubRequest),
		loopDone:  make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Run binds the listening socket and serves clients until ctx is canceled,
// Close is called or the listener fails. Every client session is closed
// before Run returns.
func (h *Hub) Run(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(h.done)
	defer h.stopLoop()

	h.mu.Lock()
	if h.closed.Load() {
		h.mu.Unlock()
		return ErrConnectionClosed
	}
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.mu.Unlock()
	defer cancel()

	if !h.advance(StateIdle, StateConnecting) {
		return ErrConnectionClosed
	}

	var (
		lc     net.ListenConfig
		closer io.Closer
		serve  func(context.Context) error
	)
	if h.udp {
		pc, err := lc.ListenPacket(runCtx, h.network, h.address)
		if err != nil {
			return h.finish(ctx, errors.Wrap(err, "listen"))
		}
		conn := pc.(*net.UDPConn)
		h.mu.Lock()
		h.addr = conn.LocalAddr()
		h.udpConn = conn
		h.mu.Unlock()
		closer = conn
		serve = func(ctx context.Context) error { return h.readDatagrams(ctx, conn) }
	} else {
		ln, err := lc.Listen(runCtx, h.network, h.address)
		if err != nil {
			return h.finish(ctx, errors.Wrap(err, "listen"))
		}
		h.mu.Lock()
		h.addr = ln.Addr()
		h.mu.Unlock()
		closer = ln
		serve = func(ctx context.Context) error { return h.acceptLoop(ctx, ln) }
	}

	if !h.advance(StateConnecting, StateConnected) {
		_ = closer.Close()
		return h.finish(ctx, nil)
	}
	h.logger.Info("hub listening", "network", h.network, "addr", h.Addr(), "max_clients", h.opts.maxClients)

	group, child := errgroup.WithContext(runCtx)

	group.Go(func() error {
		h.loop(child)
		return nil
	})

	group.Go(func() error {
		return serve(child)
	})

	group.Go(func() error {
		<-child.Done()
		_ = closer.Close()
		return nil
	})

	err := group.Wait()
	return h.finish(ctx, err)
}

func (h *Hub) finish(ctx context.Context, err error) error {
	switch {
	case err == nil || h.closed.Load():
		h.logger.Info("hub stopped", "addr", h.Addr())
		h.setState(StateClosed)
		return nil
	case ctx.Err() != nil:
		h.logger.Info("hub stopped", "addr", h.Addr())
		h.setState(StateClosed)
		return ctx.Err()
	default:
		h.logger.Error("hub failed", "addr", h.Addr(), "error", err)
		h.report("", err)
		h.setState(StateFailed)
		return err
	}
}

// Close stops the hub and disconnects every client. Safe to call multiple
// times and before Run.
func (h *Hub) Close() error {
	if h.closed.Swap(true) {
		return nil
	}

	h.stateMu.Lock()
	if h.state.CompareAndSwap(int32(StateIdle), int32(StateClosed)) {
		h.emitState(StateClosed)
	} else if h.state.CompareAndSwap(int32(StateConnected), int32(StateClosing)) ||
		h.state.CompareAndSwap(int32(StateConnecting), int32(StateClosing)) {
		h.emitState(StateClosing)
	}
	h.stateMu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
	}
	return nil
}

// State returns the hub's lifecycle state.
func (h *Hub) State() SessionState {
	return SessionState(h.state.Load())
}

// Done is closed when Run returns.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Addr returns the bound address, or nil before the hub is listening.
func (h *Hub) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addr
}

// SendTo queues payload for one client.
func (h *Hub) SendTo(ctx context.Context, id ClientIdentity, payload []byte) error {
	return h.sendTo(ctx, id, payload, OriginUser)
}

func (h *Hub) sendTo(ctx context.Context, id ClientIdentity, payload []byte, origin Origin) error {
	r, err := h.do(ctx, hubRequest{client: id})
	if err != nil {
		return err
	}
	if len(r.sessions) == 0 {
		return errors.Wrapf(ErrUnknownClient, "client %s", id)
	}
	return r.sessions[0].enqueue(ctx, payload, origin)
}

// Broadcast queues payload for every connected client and returns how many
// accepted it. With no clients it returns ErrNoClients.
func (h *Hub) Broadcast(ctx context.Context, payload []byte) (int, error) {
	return h.broadcast(ctx, payload, OriginUser)
}

func (h *Hub) broadcast(ctx context.Context, payload []byte, origin Origin) (int, error) {
	r, err := h.do(ctx, hubRequest{all: true})
	if err != nil {
		return 0, err
	}
	if len(r.sessions) == 0 {
		return 0, ErrNoClients
	}

	var (
		sent     int
		firstErr error
	)
	for i, s := range r.sessions {
		if err := s.enqueue(ctx, payload, origin); err != nil {
			h.logger.Debug("broadcast skipped client", "client", r.ids[i], "error", err)
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "client %s", r.ids[i])
			}
			continue
		}
		sent++
	}
	if sent == 0 {
		return 0, firstErr
	}
	return sent, nil
}

// Disconnect closes one client's session. The client is removed from the
// registry once its session has stopped.
func (h *Hub) Disconnect(ctx context.Context, id ClientIdentity) error {
	r, err := h.do(ctx, hubRequest{client: id, disconnect: true})
	if err != nil {
		return err
	}
	if len(r.sessions) == 0 {
		return errors.Wrapf(ErrUnknownClient, "client %s", id)
	}
	return nil
}

// Clients returns the connected client identities in sorted order.
func (h *Hub) Clients(ctx context.Context) ([]ClientIdentity, error) {
	r, err := h.do(ctx, hubRequest{all: true})
	if err != nil {
		return nil, err
	}
	return r.ids, nil
}

// IsConnected reports whether id is currently registered.
func (h *Hub) IsConnected(ctx context.Context, id ClientIdentity) (bool, error) {
	r, err := h.do(ctx, hubRequest{client: id})
	if err != nil {
		return false, err
	}
	return len(r.sessions) > 0, nil
}

// do hands req to the control goroutine and waits for its reply.
func (h *Hub) do(ctx context.Context, req hubRequest) (hubReply, error) {
	if !h.started.Load() {
		return hubReply{}, ErrNotStarted
	}

	req.reply = make(chan hubReply, 1)
	select {
	case h.requests <- req:
	case <-ctx.Done():
		return hubReply{}, ctx.Err()
	case <-h.loopDone:
		return hubReply{}, ErrConnectionClosed
	}
	return <-req.reply, nil
}

func (h *Hub) stopLoop() {
	h.loopOnce.Do(func() { close(h.loopDone) })
}

// loop is the only goroutine that touches the registry.
func (h *Hub) loop(ctx context.Context) {
	defer h.stopLoop()

	clients := make(map[ClientIdentity]*hubClient)
	live := 0

	exit := func(ex clientExit) {
		live--
		h.sem.Release(1)
		h.opts.metrics.clientDisconnected()

		// A session replaced by a newer one under the same identity leaves
		// quietly; the identity is still connected.
		if c, ok := clients[ex.id]; !ok || c.session != ex.session {
			h.logger.Debug("replaced client session stopped", "client", ex.id, "error", ex.err)
			return
		}
		delete(clients, ex.id)
		h.logger.Info("client disconnected", "client", ex.id, "error", ex.err)
		h.emit(Event{Type: EventClientDisconnected, Client: ex.id})
	}

	admit := func(conn net.Conn, peer *peerConn) *hubClient {
		id := ClientIdentity(conn.RemoteAddr().String())

		if !h.sem.TryAcquire(1) {
			_ = conn.Close()
			h.logger.Warn("refusing client", "client", id, "max_clients", h.opts.maxClients)
			h.report(id, errors.Wrapf(ErrTooManyClients, "refused %s", id))
			return nil
		}

		opts := h.opts
		opts.client = id
		opts.onEvent = h.forward
		opts.logger = withFields(h.logger, "client", id)
		s, err := newSession(opts)
		if err != nil {
			h.sem.Release(1)
			_ = conn.Close()
			h.report(id, err)
			return nil
		}
		s.conn = conn

		if old, ok := clients[id]; ok {
			_ = old.session.Close()
		}
		c := &hubClient{session: s, peer: peer}
		clients[id] = c
		live++

		h.opts.metrics.clientConnected()
		h.logger.Info("client connected", "client", id)
		h.emit(Event{Type: EventClientConnected, Client: id})

		go func() {
			err := s.Run(ctx)
			h.left <- clientExit{id: id, session: s, err: err}
		}()
		return c
	}

	for {
		select {
		case <-ctx.Done():
			for _, c := range clients {
				_ = c.session.Close()
			}
			for live > 0 {
				exit(<-h.left)
			}
			return

		case conn := <-h.joined:
			admit(conn, nil)

		case d := <-h.datagrams:
			id := ClientIdentity(d.from.String())
			c, ok := clients[id]
			if !ok {
				peer := newPeerConn(h.udpConn, d.from)
				if c = admit(peer, peer); c == nil {
					h.opts.metrics.datagramDropped()
					continue
				}
			}
			if !c.peer.push(d.data) {
				h.logger.Warn("dropping datagram", "client", id, "bytes", len(d.data))
				h.opts.metrics.datagramDropped()
			}

		case ex := <-h.left:
			exit(ex)

		case req := <-h.requests:
			req.reply <- h.answer(clients, req)
		}
	}
}

func (h *Hub) answer(clients map[ClientIdentity]*hubClient, req hubRequest) hubReply {
	var r hubReply
	if req.all {
		for id := range clients {
			r.ids = append(r.ids, id)
		}
		sort.Slice(r.ids, func(i, j int) bool { return r.ids[i] < r.ids[j] })
		for _, id := range r.ids {
			r.sessions = append(r.sessions, clients[id].session)
		}
		return r
	}

	c, ok := clients[req.client]
	if !ok {
		return r
	}
	if req.disconnect {
		_ = c.session.Close()
	}
	r.ids = []ClientIdentity{req.client}
	r.sessions = []*Session{c.session}
	return r
}

func (h *Hub) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			h.logger.Error("accept error", "error", err)
			return errors.Wrap(err, "accept")
		}

		h.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}

		select {
		case h.joined <- conn:
		case <-ctx.Done():
			_ = conn.Close()
			return ctx.Err()
		}
	}
}

func (h *Hub) readDatagrams(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			h.logger.Error("datagram read error", "error", err)
			return errors.Wrap(err, "read")
		}

		d := datagram{from: from, data: bytes.Clone(buf[:n])}
		select {
		case h.datagrams <- d:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// forward relays client session events. Client lifecycle is reported as
// ClientConnected and ClientDisconnected instead of per-session states.
func (h *Hub) forward(ev Event) {
	if ev.Type == EventStateChanged {
		return
	}
	h.opts.onEvent(ev)
}

func (h *Hub) report(id ClientIdentity, err error) {
	ev := errorEvent(err)
	ev.Client = id
	h.opts.metrics.error(ev.Kind)
	h.opts.onEvent(ev)
}

func (h *Hub) setState(st SessionState) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	h.state.Store(int32(st))
	h.emitState(st)
}

// advance moves the hub from one state to the next unless Close got there first.
func (h *Hub) advance(from, to SessionState) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if h.closed.Load() || !h.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	h.emitState(to)
	return true
}

func (h *Hub) emitState(st SessionState) {
	h.emit(Event{Type: EventStateChanged, State: st})
}

func (h *Hub) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.opts.onEvent(ev)
}
