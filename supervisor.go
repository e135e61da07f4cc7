package netassist

import (
	"bytes"
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// SupervisorLoggerOption sets the logger handed to every session and hub.
func SupervisorLoggerOption(logger Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// SupervisorMetricsOption sets the metrics shared by every connection.
func SupervisorMetricsOption(m *Metrics) SupervisorOption {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// SupervisorEventOption sets the outward event callback. Events arrive tagged
// with their ConnectionID, after the router has seen them.
func SupervisorEventOption(cb func(Event)) SupervisorOption {
	return func(s *Supervisor) {
		s.onEvent = cb
	}
}

// SupervisorMessageOption sets a callback for every Message appended to a log.
func SupervisorMessageOption(cb func(Message)) SupervisorOption {
	return func(s *Supervisor) {
		s.onMessage = cb
	}
}

// Supervisor maps ConnectionIDs to sessions and hubs. It owns their
// lifecycle and the message router they report to.
type Supervisor struct {
	logger    Logger
	metrics   *Metrics
	onEvent   func(Event)
	onMessage func(Message)
	router    *Router

	mu    sync.Mutex
	conns map[ConnectionID]*entry
}

type periodicSetting struct {
	interval time.Duration
	payload  []byte
}

type entry struct {
	id        ConnectionID
	cfg       ConnectionConfig
	autoReply *AutoReply
	periodic  *Periodic
	schedule  *periodicSetting

	session *Session
	hub     *Hub
	ctx     context.Context // scope of the current run
	cancel  context.CancelFunc
	done    chan struct{}
}

func (e *entry) running() bool {
	if e.done == nil {
		return false
	}
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}

// ConnectionStatus is a snapshot of one connection.
type ConnectionStatus struct {
	ID     ConnectionID
	Config ConnectionConfig
	State  SessionState
	// Addr is the remote address in client mode and the bound address in
	// server mode.
	Addr net.Addr
	// AutoReply and Periodic report whether the background senders are configured.
	AutoReply bool
	Periodic  bool
}

// NewSupervisor returns an empty supervisor with a running router.
func NewSupervisor(opt ...SupervisorOption) *Supervisor {
	s := &Supervisor{conns: make(map[ConnectionID]*entry)}
	for _, o := range opt {
		o(s)
	}
	if s.logger == nil {
		s.logger = defaultLogger()
	}
	if s.onEvent == nil {
		s.onEvent = func(Event) {}
	}
	s.router = NewRouter(s.onMessage)
	return s
}

// Router returns the router holding every connection's log.
func (s *Supervisor) Router() *Router {
	return s.router
}

// Create registers a connection. Nothing is opened until Start.
func (s *Supervisor) Create(cfg ConnectionConfig) (ConnectionID, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	e := &entry{
		id:        ConnectionID(uuid.NewString()),
		cfg:       cfg,
		autoReply: &AutoReply{},
		periodic:  NewPeriodic(s.logger, s.metrics),
	}
	if cfg.AutoReply != nil {
		e.autoReply.Set([]byte(*cfg.AutoReply))
	}
	if cfg.Periodic != nil {
		e.schedule = &periodicSetting{
			interval: cfg.Periodic.Interval(),
			payload:  []byte(cfg.Periodic.Payload),
		}
	}

	s.mu.Lock()
	s.conns[e.id] = e
	s.mu.Unlock()

	s.logger.Info("connection created", "id", e.id, "name", cfg.Name,
		"protocol", cfg.Protocol, "mode", cfg.Mode, "endpoint", cfg.Endpoint())
	return e.id, nil
}

func (s *Supervisor) lookup(id ConnectionID) (*entry, error) {
	e, ok := s.conns[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownConnection, "connection %s", id)
	}
	return e, nil
}

// Start opens the connection and runs it until Close or ctx is done.
// A connection that has stopped may be started again; it gets a fresh
// session with the current configuration.
func (s *Supervisor) Start(ctx context.Context, id ConnectionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	if e.running() {
		return errors.Wrapf(ErrAlreadyStarted, "connection %s", id)
	}

	opts := []Option{
		DecoderOption(e.cfg.Decoder),
		LoggerOption(s.logger),
		MetricsOption(s.metrics),
		AutoReplyOption(e.autoReply),
		IdleTimeoutOption(e.cfg.IdleTimeout()),
		MaxClientsOption(e.cfg.MaxClients),
		OnEventOption(s.sink(id)),
	}

	var run func(context.Context) error
	e.session, e.hub = nil, nil
	if e.cfg.Mode == ServerMode {
		hub, err := NewHub(string(e.cfg.Protocol), e.cfg.Endpoint(), opts...)
		if err != nil {
			return err
		}
		e.hub = hub
		run = hub.Run
	} else {
		session, err := DialSession(string(e.cfg.Protocol), e.cfg.Endpoint(), opts...)
		if err != nil {
			return err
		}
		e.session = session
		run = session.Run
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.ctx = runCtx
	e.cancel = cancel
	e.done = done

	go func() {
		defer close(done)
		defer cancel()
		if err := run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("connection stopped", "id", id, "error", err)
		}
	}()

	if e.schedule != nil {
		if err := e.periodic.Enable(runCtx, e.schedule.interval, e.schedule.payload, s.periodicSend(e)); err != nil {
			return err
		}
	}

	s.logger.Info("connection started", "id", id, "mode", e.cfg.Mode)
	return nil
}

// periodicSend targets the running session, or every client of the hub.
func (s *Supervisor) periodicSend(e *entry) SendFunc {
	if hub := e.hub; hub != nil {
		return func(ctx context.Context, payload []byte) error {
			_, err := hub.broadcast(ctx, payload, OriginPeriodic)
			return err
		}
	}
	session := e.session
	return func(ctx context.Context, payload []byte) error {
		return session.enqueue(ctx, payload, OriginPeriodic)
	}
}

// sink tags events with id, feeds the router and forwards them outward.
func (s *Supervisor) sink(id ConnectionID) func(Event) {
	return func(ev Event) {
		ev.ConnectionID = id
		if ev.Type == EventError {
			s.logger.Warn("connection error", "id", id, "client", ev.Client,
				"kind", ev.Kind, "error", ev.Err)
		}
		s.router.Ingest(ev)
		s.onEvent(ev)
	}
}

// Send queues payload on a running connection. In server mode an empty
// client broadcasts to every connected client.
func (s *Supervisor) Send(ctx context.Context, id ConnectionID, payload []byte, client ClientIdentity) error {
	s.mu.Lock()
	e, err := s.lookup(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	running := e.running()
	session, hub := e.session, e.hub
	s.mu.Unlock()

	if !running {
		return errors.Wrapf(ErrNotStarted, "connection %s", id)
	}

	if hub != nil {
		if client == "" {
			_, err := hub.Broadcast(ctx, payload)
			return err
		}
		return hub.SendTo(ctx, client, payload)
	}

	if client != "" {
		return errors.Wrapf(ErrUnknownClient, "client %s: connection %s is not listening", client, id)
	}
	return session.WriteBlocking(ctx, payload)
}

// ReconfigureDecoder replaces the framing of a connection that is not running.
func (s *Supervisor) ReconfigureDecoder(id ConnectionID, cfg DecoderConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	if e.running() {
		return errors.Wrapf(ErrAlreadyStarted, "connection %s", id)
	}

	next := e.cfg
	next.Decoder = cfg
	if err := next.Validate(); err != nil {
		return err
	}
	e.cfg = next
	s.logger.Info("decoder reconfigured", "id", id, "decoder", cfg.kind())
	return nil
}

// SetAutoReply enables auto-reply with payload, or disables it when payload
// is nil. It applies to running sessions immediately.
func (s *Supervisor) SetAutoReply(id ConnectionID, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	if payload == nil {
		e.autoReply.Disable()
		e.cfg.AutoReply = nil
		return nil
	}
	e.autoReply.Set(payload)
	reply := string(payload)
	e.cfg.AutoReply = &reply
	return nil
}

// SetPeriodic schedules payload every interval on a connection. Changing only
// the interval of a running schedule takes effect from the next tick.
func (s *Supervisor) SetPeriodic(id ConnectionID, interval time.Duration, payload []byte) error {
	if interval <= 0 {
		return configErrorf("periodic.interval", "must be positive, got %v", interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(id)
	if err != nil {
		return err
	}

	prev := e.schedule
	e.schedule = &periodicSetting{interval: interval, payload: bytes.Clone(payload)}
	e.cfg.Periodic = &PeriodicConfig{IntervalMS: interval.Milliseconds(), Payload: string(payload)}

	if !e.running() {
		return nil
	}
	if prev != nil && bytes.Equal(prev.payload, payload) && e.periodic.Enabled() {
		return e.periodic.SetInterval(interval)
	}

	return e.periodic.Enable(e.ctx, interval, e.schedule.payload, s.periodicSend(e))
}

// DisablePeriodic stops the periodic send. No tick fires after it returns.
func (s *Supervisor) DisablePeriodic(id ConnectionID) error {
	s.mu.Lock()
	e, err := s.lookup(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	e.schedule = nil
	e.cfg.Periodic = nil
	periodic := e.periodic
	s.mu.Unlock()

	periodic.Disable()
	return nil
}

// SelectClient sets the router's client filter for id. The empty identity
// restores the unfiltered view.
func (s *Supervisor) SelectClient(ctx context.Context, id ConnectionID, client ClientIdentity) error {
	s.mu.Lock()
	_, err := s.lookup(id)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.router.Select(ctx, id, client)
}

// Clients lists the clients of a running server connection.
func (s *Supervisor) Clients(ctx context.Context, id ConnectionID) ([]ClientIdentity, error) {
	s.mu.Lock()
	e, err := s.lookup(id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	hub, running := e.hub, e.running()
	s.mu.Unlock()

	if hub == nil || !running {
		return nil, nil
	}
	return hub.Clients(ctx)
}

// Close stops a connection and waits until its session or hub has exited.
// The connection stays registered and may be started again.
func (s *Supervisor) Close(ctx context.Context, id ConnectionID) error {
	s.mu.Lock()
	e, err := s.lookup(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	session, hub, done, periodic := e.session, e.hub, e.done, e.periodic
	s.mu.Unlock()

	periodic.Disable()

	if done == nil {
		return nil
	}
	switch {
	case hub != nil:
		_ = hub.Close()
	case session != nil:
		_ = session.Close()
	}

	select {
	case <-done:
		s.logger.Info("connection closed", "id", id)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Remove closes a connection and forgets it and its log.
func (s *Supervisor) Remove(ctx context.Context, id ConnectionID) error {
	if err := s.Close(ctx, id); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()

	return s.router.Drop(ctx, id)
}

// Status returns a snapshot of one connection.
func (s *Supervisor) Status(id ConnectionID) (ConnectionStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(id)
	if err != nil {
		return ConnectionStatus{}, err
	}

	st := ConnectionStatus{
		ID:       id,
		Config:   e.cfg,
		State:    StateIdle,
		Periodic: e.schedule != nil,
	}
	_, st.AutoReply = e.autoReply.Payload()
	switch {
	case e.hub != nil:
		st.State = e.hub.State()
		st.Addr = e.hub.Addr()
	case e.session != nil:
		st.State = e.session.State()
		st.Addr = e.session.Addr()
	}
	return st, nil
}

// Connections returns every registered id in sorted order.
func (s *Supervisor) Connections() []ConnectionID {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]ConnectionID, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Shutdown closes every connection and stops the router.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, id := range s.Connections() {
		if err := s.Close(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.router.Stop()
	return firstErr
}
