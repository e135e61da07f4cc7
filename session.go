// Package netassist is a network debugging engine. It runs TCP and UDP
// client and server sessions, turns byte streams into frames under a
// pluggable framing policy, and routes the resulting messages, tagged by
// direction, time and peer, to a consumer. Auto-reply and periodic sends
// share each session's single ordered outbound queue.
package netassist

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// outbound is one queued write. wire is the encoded form of frame.
type outbound struct {
	frame  Frame
	wire   []byte
	origin Origin
}

// Session owns one transport endpoint: a TCP stream, a connected UDP socket,
// or one UDP peer of a hub. A read loop feeds the codec and emits frames; a
// write loop drains the outbound queue in submission order.
type Session struct {
	dial   func(ctx context.Context) (net.Conn, error)
	conn   net.Conn
	codec  Codec
	logger Logger

	opts options

	sendMsg chan outbound
	state   atomic.Int32
	started atomic.Bool
	closed  atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// stateMu orders state changes with their events.
	stateMu sync.Mutex
}

// NewSession wraps an established connection. The session starts Connected
// when Run is called.
func NewSession(conn net.Conn, opt ...Option) (*Session, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	s, err := newSession(opts)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return s, nil
}

// DialSession returns a session that connects to address when Run is called.
// Network is "tcp" or "udp"; UDP sessions deliver one frame per datagram.
func DialSession(network, address string, opt ...Option) (*Session, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	switch network {
	case "tcp", "tcp4", "tcp6":
	case "udp", "udp4", "udp6":
		opts.datagram = true
	default:
		return nil, configErrorf("protocol", "unsupported network %q", network)
	}

	s, err := newSession(opts)
	if err != nil {
		return nil, err
	}

	var dialer net.Dialer
	s.dial = func(ctx context.Context) (net.Conn, error) {
		return dialer.DialContext(ctx, network, address)
	}
	return s, nil
}

func newSession(opts options) (*Session, error) {
	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	codec, err := NewCodec(opts.decoder)
	if err != nil {
		return nil, err
	}

	return &Session{
		codec:   codec,
		logger:  opts.logger,
		opts:    opts,
		sendMsg: make(chan outbound, opts.bufferSize),
		done:    make(chan struct{}),
	}, nil
}

// Run connects if needed, then runs the read and write loops until the peer
// closes, an error occurs, ctx is canceled or Close is called.
// A graceful close returns nil; a canceled ctx returns its error.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(s.done)

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return ErrConnectionClosed
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	s.opts.metrics.sessionStarted()
	defer s.opts.metrics.sessionStopped()

	from := StateIdle
	if s.dial != nil {
		if !s.advance(StateIdle, StateConnecting) {
			return s.abort(ctx)
		}
		from = StateConnecting

		conn, err := s.dial(runCtx)
		if err != nil {
			return s.finish(ctx, errors.Wrap(err, "dial"))
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
	}

	if !s.advance(from, StateConnected) {
		_ = s.conn.Close()
		return s.abort(ctx)
	}
	s.logger.Info("session connected", "local", s.conn.LocalAddr(), "remote", s.conn.RemoteAddr())
	s.logger.Debug("session options", "remote", s.conn.RemoteAddr(),
		"decoder", s.opts.decoder.kind(),
		"buffer_size", s.opts.bufferSize,
		"read_buffer_size", s.opts.readBufferSize,
		"idle_timeout", s.opts.idleTimeout)

	group, child := errgroup.WithContext(runCtx)

	group.Go(func() error {
		return s.readLoop(child)
	})

	group.Go(func() error {
		return s.writeLoop(child)
	})

	// Blocked reads only return once the socket is closed.
	group.Go(func() error {
		<-child.Done()
		_ = s.conn.Close()
		return nil
	})

	err := group.Wait()
	if n := s.codec.Buffered(); n > 0 {
		s.logger.Debug("discarding incomplete frame", "remote", s.conn.RemoteAddr(), "bytes", n)
	}
	return s.finish(ctx, err)
}

// finish records the terminal state for err and returns what Run reports.
func (s *Session) finish(ctx context.Context, err error) error {
	switch {
	case err == nil || errors.Is(err, io.EOF) || s.closed.Load():
		s.logger.Info("session closed", "remote", s.Addr())
		s.setState(StateClosed)
		return nil
	case ctx.Err() != nil:
		s.logger.Info("session closed", "remote", s.Addr())
		s.setState(StateClosed)
		return ctx.Err()
	default:
		s.logger.Info("session closed with error", "remote", s.Addr(), "error", err)
		s.report(err)
		s.setState(StateFailed)
		return err
	}
}

// abort ends a run that Close interrupted before the session was connected.
func (s *Session) abort(ctx context.Context) error {
	if s.State().Terminal() {
		return ErrConnectionClosed
	}
	return s.finish(ctx, nil)
}

// Close stops the session. Safe to call multiple times and before Run.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil // already closed
	}

	s.stateMu.Lock()
	if s.state.CompareAndSwap(int32(StateIdle), int32(StateClosed)) {
		s.emitState(StateClosed)
	} else if s.state.CompareAndSwap(int32(StateConnected), int32(StateClosing)) ||
		s.state.CompareAndSwap(int32(StateConnecting), int32(StateClosing)) {
		s.emitState(StateClosing)
	}
	s.stateMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		// The run loop may have closed it first.
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
	}
	return nil
}

// IsClosed returns true if Close has been called.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Addr returns the remote address, or nil before the session is connected.
func (s *Session) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.RemoteAddr()
}

// LocalAddr returns the local address, or nil before the session is connected.
func (s *Session) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Write queues payload without blocking (fire-and-forget).
//
// Returns:
//   - nil: payload was queued (not yet sent)
//   - ErrBufferFull: the outbound queue is full, payload was NOT queued
//   - ErrConnectionClosed: the session is closed
//   - encoding error: the codec rejected the payload
func (s *Session) Write(payload []byte) error {
	if s.closed.Load() {
		return ErrConnectionClosed
	}

	item, err := s.encode(payload, OriginUser)
	if err != nil {
		return err
	}

	select {
	case s.sendMsg <- item:
		return nil
	default:
		return ErrBufferFull
	}
}

// WriteBlocking queues payload, blocking until there is room or ctx is done.
func (s *Session) WriteBlocking(ctx context.Context, payload []byte) error {
	return s.enqueue(ctx, payload, OriginUser)
}

// WriteTimeout queues payload, waiting at most timeout for room.
// An expired timeout is reported as ErrBufferFull.
func (s *Session) WriteTimeout(payload []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := s.enqueue(ctx, payload, OriginUser)
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrBufferFull
	}
	return err
}

// enqueue is the single entry point of the outbound queue for every producer.
func (s *Session) enqueue(ctx context.Context, payload []byte, origin Origin) error {
	if s.closed.Load() {
		return ErrConnectionClosed
	}

	item, err := s.encode(payload, origin)
	if err != nil {
		return err
	}

	select {
	case s.sendMsg <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrConnectionClosed
	}
}

func (s *Session) encode(payload []byte, origin Origin) (outbound, error) {
	frame := Frame(append([]byte(nil), payload...))
	wire, err := s.codec.Encode(frame)
	if err != nil {
		return outbound{}, errors.Wrap(err, "encode")
	}
	return outbound{frame: frame, wire: wire, origin: origin}, nil
}

// readLoop reads from the connection, decodes frames and emits them in wire
// order. It returns io.EOF when the peer closes.
func (s *Session) readLoop(ctx context.Context) error {
	buf := make([]byte, s.opts.readBufferSize)
	for {
		if s.opts.idleTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.idleTimeout))
		}

		n, err := s.conn.Read(buf)
		if n > 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if derr := s.deliver(ctx, buf[:n]); derr != nil {
				return derr
			}
		}

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			s.logger.Debug("read error", "remote", s.conn.RemoteAddr(), "error", err)
			return errors.Wrap(err, "read")
		}
	}
}

// deliver decodes one chunk. Frames decoded before a codec error are still
// emitted; the error then ends the session.
func (s *Session) deliver(ctx context.Context, chunk []byte) error {
	frames, err := s.codec.Decode(chunk)
	for _, f := range frames {
		s.opts.metrics.frame(Received, len(f))
		s.emit(Event{Type: EventFrameReceived, Frame: f})

		reply, ok := s.opts.autoReply.Payload()
		if !ok {
			continue
		}
		if rerr := s.enqueue(ctx, reply, OriginAutoReply); rerr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.report(errors.Wrap(rerr, "auto-reply"))
			continue
		}
		s.opts.metrics.autoReply()
	}
	return err
}

// writeLoop sends queued frames one at a time, each fully written before the
// next is dequeued.
func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-s.sendMsg:
			if err := s.write(item); err != nil {
				return err
			}
		}
	}
}

func (s *Session) write(item outbound) error {
	if s.opts.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.writeTimeout))
	}

	// FrameSent is emitted before the bytes reach the wire, so a reply read
	// by readLoop can never be logged ahead of its request. A failed write
	// ends the session with an error event.
	s.emit(Event{Type: EventFrameSent, Frame: item.frame, Origin: item.origin})

	if _, err := s.conn.Write(item.wire); err != nil {
		s.logger.Debug("write error", "remote", s.conn.RemoteAddr(), "error", err)
		return errors.Wrap(err, "write")
	}

	s.opts.metrics.frame(Sent, len(item.frame))
	return nil
}

// report emits a non-state error event.
func (s *Session) report(err error) {
	ev := errorEvent(err)
	s.opts.metrics.error(ev.Kind)
	s.emit(ev)
}

func (s *Session) setState(st SessionState) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state.Store(int32(st))
	s.emitState(st)
}

// advance moves the session from one state to the next unless Close got
// there first.
func (s *Session) advance(from, to SessionState) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.closed.Load() || !s.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	s.emitState(to)
	return true
}

func (s *Session) emitState(st SessionState) {
	s.emit(Event{Type: EventStateChanged, State: st})
}

func (s *Session) emit(ev Event) {
	ev.Client = s.opts.client
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	s.opts.onEvent(ev)
}
