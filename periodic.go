package netassist

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// SendFunc queues one payload on an outbound path.
type SendFunc func(ctx context.Context, payload []byte) error

// Periodic queues a fixed payload at an interval until disabled.
type Periodic struct {
	logger  Logger
	metrics *Metrics

	interval atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPeriodic returns a disabled periodic sender.
func NewPeriodic(logger Logger, metrics *Metrics) *Periodic {
	if logger == nil {
		logger = defaultLogger()
	}
	return &Periodic{logger: logger, metrics: metrics}
}

// Enable starts sending payload every interval through send, replacing any
// previous schedule. The timer stops when ctx is done or Disable is called.
func (p *Periodic) Enable(ctx context.Context, interval time.Duration, payload []byte, send SendFunc) error {
	if interval <= 0 {
		return configErrorf("periodic.interval", "must be positive, got %v", interval)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()

	p.interval.Store(int64(interval))
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done

	go p.run(runCtx, done, bytes.Clone(payload), send)
	p.logger.Debug("periodic send enabled", "interval", interval, "bytes", len(payload))
	return nil
}

// SetInterval changes the interval. It applies from the next tick on.
func (p *Periodic) SetInterval(interval time.Duration) error {
	if interval <= 0 {
		return configErrorf("periodic.interval", "must be positive, got %v", interval)
	}
	p.interval.Store(int64(interval))
	return nil
}

// Interval returns the current interval.
func (p *Periodic) Interval() time.Duration {
	return time.Duration(p.interval.Load())
}

// Enabled reports whether a schedule is running.
func (p *Periodic) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Disable stops the schedule. When it returns no further tick will fire.
func (p *Periodic) Disable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Periodic) stopLocked() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
	p.done = nil
	p.logger.Debug("periodic send disabled")
}

func (p *Periodic) run(ctx context.Context, done chan struct{}, payload []byte, send SendFunc) {
	defer close(done)

	timer := time.NewTimer(p.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return
		}

		err := send(ctx, payload)
		switch {
		case err == nil:
			p.metrics.periodicTick()
		case ctx.Err() != nil:
			return
		case errors.Is(err, ErrNoClients):
			p.logger.Debug("periodic tick skipped", "reason", err)
		default:
			p.logger.Warn("periodic send failed", "error", err)
		}

		timer.Reset(p.Interval())
	}
}
