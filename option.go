package netassist

import (
	"time"
)

// options holds the configuration for a session or hub.
type options struct {
	decoder   DecoderConfig
	logger    Logger
	metrics   *Metrics
	autoReply *AutoReply

	// onEvent receives every event in emission order. It runs on the
	// emitting goroutine and must not block for long.
	onEvent func(Event)

	bufferSize     int           // size of the outbound queue
	readBufferSize int           // bytes requested per read
	idleTimeout    time.Duration // read deadline, zero disables it
	writeTimeout   time.Duration // write deadline, zero disables it
	maxClients     int           // admission limit for hubs

	datagram bool           // one read is one frame, no codec framing
	client   ClientIdentity // set by a hub on per-client sessions
}

// Option is a function that configures sessions and hubs.
type Option func(*options)

// Default configuration values.
const (
	defaultBufferSize     = 64
	defaultReadBufferSize = 4096
	// maxDatagramSize is the largest UDP payload.
	maxDatagramSize   = 64 * 1024
	defaultMaxClients = 100
)

// checkOptions validates and sets default values.
func checkOptions(opts *options) error {
	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.readBufferSize <= 0 {
		opts.readBufferSize = defaultReadBufferSize
	}
	if opts.datagram {
		opts.readBufferSize = maxDatagramSize
	}

	if opts.maxClients <= 0 {
		opts.maxClients = defaultMaxClients
	}

	if opts.idleTimeout < 0 {
		return configErrorf("idle_timeout", "must not be negative, got %v", opts.idleTimeout)
	}

	if err := opts.decoder.Validate(); err != nil {
		return err
	}
	if opts.datagram && opts.decoder.kind() != RawPassthrough {
		return configErrorf("decoder", "udp delivers one frame per datagram, %q is not supported", opts.decoder.Kind)
	}

	if opts.onEvent == nil {
		opts.onEvent = func(Event) {}
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

// DecoderOption sets the framing strategy. Defaults to RawPassthrough.
func DecoderOption(cfg DecoderConfig) Option {
	return func(o *options) {
		o.decoder = cfg
	}
}

// BufferSizeOption sets the size of the outbound queue.
// A larger queue allows more frames to be queued before Write reports ErrBufferFull.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// ReadBufferSizeOption sets how many bytes a single read may return.
func ReadBufferSizeOption(size int) Option {
	return func(o *options) {
		o.readBufferSize = size
	}
}

// IdleTimeoutOption closes a session that receives nothing for the given duration.
// Zero, the default, keeps idle sessions open.
func IdleTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = timeout
	}
}

// WriteTimeoutOption bounds each socket write.
func WriteTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = timeout
	}
}

// MaxClientsOption sets how many peers a hub serves at once.
func MaxClientsOption(n int) Option {
	return func(o *options) {
		o.maxClients = n
	}
}

// OnEventOption sets the event callback.
func OnEventOption(cb func(Event)) Option {
	return func(o *options) {
		o.onEvent = cb
	}
}

// AutoReplyOption attaches an auto-reply rule. A hub shares it with every client session.
func AutoReplyOption(a *AutoReply) Option {
	return func(o *options) {
		o.autoReply = a
	}
}

// MetricsOption sets the metrics sink. Nil disables metrics.
func MetricsOption(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// LoggerOption sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// DatagramOption makes every read a single frame, as UDP requires.
func DatagramOption() Option {
	return func(o *options) {
		o.datagram = true
	}
}
