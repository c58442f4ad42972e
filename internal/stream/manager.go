// Package stream owns the lifecycle of the single telemetry connection:
// connect, deliver frames to a Listener, and reconnect with capped
// exponential backoff until stopped.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/atm-occupancy/internal/observability"
)

// ErrAlreadyStarted is returned by Start when the connection loop is running.
var ErrAlreadyStarted = errors.New("stream manager already started")

const (
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second
)

// Conn is an established connection yielding raw payloads.
// Read blocks until a payload arrives or the connection fails.
type Conn interface {
	Read() ([]byte, error)
	Close() error
}

// Dialer opens connections to the telemetry endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint, identity string) (Conn, error)
}

// Listener receives connection lifecycle events. All methods are called from
// the manager's loop goroutine, one at a time.
type Listener interface {
	OnOpen()
	OnMessage(payload []byte)
	// OnClose reports the end of an established connection. reason is nil
	// when the manager was stopped.
	OnClose(reason error)
	OnError(err error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the real clock used for backoff timers.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithBackoff sets the first reconnect delay and its cap.
func WithBackoff(initial, maxDelay time.Duration) Option {
	return func(m *Manager) {
		m.initialBackoff = initial
		m.maxBackoff = maxDelay
	}
}

type watcher struct {
	fn func(Status)
}

// Manager keeps one connection alive and forwards its frames to a Listener.
type Manager struct {
	dialer   Dialer
	listener Listener
	logger   *slog.Logger
	metrics  *observability.Metrics
	clock    clockwork.Clock

	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu       sync.Mutex
	status   Status
	watchers []*watcher
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewManager creates a stopped Manager.
func NewManager(d Dialer, l Listener, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Manager {
	m := &Manager{
		dialer:         d,
		listener:       l,
		logger:         logger,
		metrics:        metrics,
		clock:          clockwork.NewRealClock(),
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
		status:         Status{State: StateDisconnected},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.maxBackoff < m.initialBackoff {
		m.maxBackoff = m.initialBackoff
	}
	return m
}

// Start launches the connection loop. It returns immediately; connection
// progress is observable through Status and Watch.
func (m *Manager) Start(ctx context.Context, endpoint, identity string) error {
	if endpoint == "" {
		return errors.New("stream endpoint is required")
	}
	if identity == "" {
		return errors.New("stream identity is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return ErrAlreadyStarted
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(loopCtx, m.done, endpoint, identity)
	return nil
}

// Stop cancels the loop, including any pending reconnect, closes the live
// connection and waits for the loop to exit. Safe to call more than once.
// Start returns ErrAlreadyStarted until the loop has exited.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	m.mu.Lock()
	if m.done == done {
		m.cancel = nil
		m.done = nil
	}
	m.mu.Unlock()
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Watch registers fn for every status transition and returns a function
// that removes it. fn runs on the loop goroutine and must not block.
func (m *Manager) Watch(fn func(Status)) func() {
	w := &watcher{fn: fn}
	m.mu.Lock()
	m.watchers = append(m.watchers, w)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, cur := range m.watchers {
				if cur == w {
					m.watchers = append(m.watchers[:i:i], m.watchers[i+1:]...)
					return
				}
			}
		})
	}
}

func (m *Manager) run(ctx context.Context, done chan struct{}, endpoint, identity string) {
	defer close(done)
	defer m.setStatus(Status{State: StateDisconnected})

	m.logger.Info("stream manager started", "endpoint", endpoint, "identity", identity)
	backoff := m.initialBackoff

	for {
		if ctx.Err() != nil {
			m.logger.Info("stream manager stopping", "reason", ctx.Err())
			return
		}

		m.setStatus(Status{State: StateConnecting})
		conn, err := m.dialer.Dial(ctx, endpoint, identity)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.metrics.ConnectAttempts.WithLabelValues("error").Inc()
			m.logger.Warn("stream connect failed", "endpoint", endpoint, "error", err, "retry_in", backoff)
			m.listener.OnError(err)
			if !m.wait(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, m.maxBackoff)
			continue
		}

		m.metrics.ConnectAttempts.WithLabelValues("success").Inc()
		backoff = m.initialBackoff
		m.setStatus(Status{State: StateConnected})
		m.logger.Info("stream connected", "endpoint", endpoint)
		m.listener.OnOpen()

		reason := m.readLoop(ctx, conn)
		if ctx.Err() != nil {
			m.listener.OnClose(nil)
			return
		}

		m.metrics.ConnectionsLost.Inc()
		m.logger.Warn("stream connection lost", "endpoint", endpoint, "error", reason, "retry_in", backoff)
		m.listener.OnClose(reason)
		if !m.wait(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, m.maxBackoff)
	}
}

// readLoop delivers frames until the connection fails or ctx is cancelled.
// Cancellation closes the connection so a blocked Read returns.
func (m *Manager) readLoop(ctx context.Context, conn Conn) error {
	finished := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-finished:
		}
	}()
	defer func() {
		close(finished)
		_ = conn.Close()
	}()

	for {
		payload, err := conn.Read()
		if err != nil {
			return err
		}
		m.listener.OnMessage(payload)
	}
}

// wait enters Backoff for d. Returns false if ctx was cancelled first.
func (m *Manager) wait(ctx context.Context, d time.Duration) bool {
	m.setStatus(Status{State: StateBackoff, Delay: d})

	timer := m.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	prev := m.status
	m.status = s
	watchers := make([]*watcher, len(m.watchers))
	copy(watchers, m.watchers)
	m.mu.Unlock()

	if prev == s {
		return
	}

	m.metrics.ConnectionState.Set(float64(s.State))
	m.metrics.ReconnectDelay.Set(s.Delay.Seconds())
	m.logger.Debug("stream status changed", "from", prev.String(), "to", s.String())

	for _, w := range watchers {
		w.fn(s)
	}
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
