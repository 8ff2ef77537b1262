// Package pool maintains a bounded collection of authenticated backend
// connections with scoped checkout/release and periodic eviction of
// stale idle connections.
//
// A single mutex serializes all membership and state mutation. No code
// path holds it across network I/O: acquisition hands the handler back
// after bookkeeping, so RPC traffic always happens outside the lock.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/odoo-bridge/internal/odooerr"
	"github.com/nugget/odoo-bridge/internal/odoorpc"
)

// recoveryInterval is how long the health-check loop backs off after an
// unexpected error before resuming its normal cadence.
const recoveryInterval = time.Minute

// Config holds the pool's sizing and health-check settings.
type Config struct {
	// Protocol selects the handler implementation via the factory.
	Protocol string

	// MaxConnections caps the number of wrappers the pool will hold.
	MaxConnections int

	// HealthCheckInterval is both the loop period and the idle age
	// beyond which a connection is evicted.
	HealthCheckInterval time.Duration
}

// Factory creates a handler for the given protocol. Satisfied by a
// bound odoorpc.Factory via FactoryFunc.
type Factory interface {
	Create(protocol string) (odoorpc.Handler, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(protocol string) (odoorpc.Handler, error)

func (f FactoryFunc) Create(protocol string) (odoorpc.Handler, error) { return f(protocol) }

// Recorder receives pool lifecycle observations. The telemetry package
// provides an OpenTelemetry-backed implementation; the zero Recorder
// used by default discards everything.
type Recorder interface {
	// CheckedOut is called on every successful acquisition. reused is
	// false when the acquisition created a new connection.
	CheckedOut(reused bool)

	// Released is called when a busy connection returns to idle.
	Released()

	// TimedOut is called when an acquisition fails at capacity.
	TimedOut()

	// Evicted is called once per connection removed by the health check.
	Evicted()
}

// nopRecorder discards all observations.
type nopRecorder struct{}

func (nopRecorder) CheckedOut(bool) {}
func (nopRecorder) Released()       {}
func (nopRecorder) TimedOut()       {}
func (nopRecorder) Evicted()        {}

// connWrapper pairs one handler with its liveness bookkeeping. All
// fields are guarded by the pool mutex.
type connWrapper struct {
	handler  odoorpc.Handler
	inUse    bool
	lastUsed time.Time
}

// Pool is a bounded, concurrency-safe collection of backend connections.
type Pool struct {
	cfg      Config
	factory  Factory
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time

	mu    sync.Mutex
	conns []*connWrapper

	startOnce sync.Once
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option customizes pool construction.
type Option func(*Pool)

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(p *Pool) { p.recorder = r }
}

// withClock overrides the pool's time source. Test hook.
func withClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// New creates a pool. The factory is invoked lazily as connections are
// needed; nothing is dialed up front.
func New(cfg Config, factory Factory, logger *slog.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 5 * time.Minute
	}
	p := &Pool{
		cfg:      cfg,
		factory:  factory,
		logger:   logger,
		recorder: nopRecorder{},
		now:      time.Now,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start launches the background health-check loop. Callable once per
// pool lifetime; subsequent calls are an error.
func (p *Pool) Start(ctx context.Context) error {
	var startedNow bool
	p.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		p.cancel = cancel
		go p.healthLoop(loopCtx)
		startedNow = true
		p.mu.Lock()
		p.started = true
		p.mu.Unlock()
	})
	if !startedNow {
		return odooerr.Configuration("connection pool already started", nil)
	}
	p.logger.Info("connection pool started",
		"protocol", p.cfg.Protocol,
		"max_connections", p.cfg.MaxConnections,
		"health_check_interval", p.cfg.HealthCheckInterval,
	)
	return nil
}

// Acquire checks a connection out of the pool. The first idle wrapper
// wins; if none is idle and the pool is under capacity, a new connection
// is created. At capacity with nothing idle, Acquire fails immediately
// with a PoolTimeoutError — there is no wait queue, and retry is the
// caller's responsibility.
//
// The returned release func marks the connection idle again and must be
// called on every exit path; deferring it immediately is the expected
// pattern. Release is idempotent.
func (p *Pool) Acquire(ctx context.Context) (odoorpc.Handler, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, odooerr.Network(fmt.Sprintf("acquire cancelled: %v", err), err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, w := range p.conns {
		if !w.inUse {
			w.inUse = true
			w.lastUsed = p.now()
			p.logger.Debug("reusing pooled connection")
			p.recorder.CheckedOut(true)
			wrapper := w
			return w.handler, func() { p.release(wrapper) }, nil
		}
	}

	if len(p.conns) < p.cfg.MaxConnections {
		handler, err := p.factory.Create(p.cfg.Protocol)
		if err != nil {
			p.logger.Error("create pooled connection", "error", err)
			return nil, nil, odooerr.Network(fmt.Sprintf("failed to create new connection: %v", err), err)
		}
		w := &connWrapper{handler: handler, inUse: true, lastUsed: p.now()}
		p.conns = append(p.conns, w)
		p.logger.Info("created pooled connection", "pool_size", len(p.conns))
		p.recorder.CheckedOut(false)
		return w.handler, func() { p.release(w) }, nil
	}

	p.logger.Warn("connection pool at capacity, no idle connections")
	p.recorder.TimedOut()
	return nil, nil, odooerr.PoolTimeout("no connections available in pool")
}

// release returns a wrapper to the idle state. Safe to call more than
// once; only the first call after a checkout has any effect.
func (p *Pool) release(w *connWrapper) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !w.inUse {
		return
	}
	w.inUse = false
	w.lastUsed = p.now()
	p.recorder.Released()
}

// ReleaseConnection marks the wrapper owning the given handler idle.
// Explicit alternative to the release func returned by Acquire; unknown
// handlers are ignored.
func (p *Pool) ReleaseConnection(h odoorpc.Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.conns {
		if w.handler == h {
			if w.inUse {
				w.inUse = false
				w.lastUsed = p.now()
				p.recorder.Released()
			}
			return
		}
	}
}

// ExecuteKW checks out a connection, runs the call, and releases the
// connection, re-wrapping any failure as a NetworkError naming the
// target. Errors raised inside a caller-held Acquire scope are never
// rewrapped — this applies only to the convenience path.
func (p *Pool) ExecuteKW(ctx context.Context, req odoorpc.ExecuteRequest) (any, error) {
	h, release, err := p.Acquire(ctx)
	if err != nil {
		return nil, odooerr.Network(
			fmt.Sprintf("failed to execute %s on %s: %v", req.Method, req.Model, err), err)
	}
	defer release()

	result, err := h.ExecuteKW(ctx, req)
	if err != nil {
		return nil, odooerr.Network(
			fmt.Sprintf("failed to execute %s on %s: %v", req.Method, req.Model, err), err)
	}
	return result, nil
}

// Login verifies arbitrary credentials using a pooled connection. Used
// by the session manager; the pooled handler's own cached identity is
// not touched.
func (p *Pool) Login(ctx context.Context, database, username, password string) (int64, error) {
	h, release, err := p.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	a, ok := h.(odoorpc.Authenticator)
	if !ok {
		return 0, odooerr.Configuration(
			fmt.Sprintf("%s handler does not support credential verification", p.cfg.Protocol), nil)
	}
	return a.Login(ctx, database, username, password)
}

// Size returns the current number of pooled connections.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// InUse returns how many pooled connections are currently checked out.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.conns {
		if w.inUse {
			n++
		}
	}
	return n
}

// CloseAll closes every pooled connection and clears the pool.
// Individual close failures are logged and swallowed — teardown always
// completes.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.conns {
		if err := w.handler.Close(); err != nil {
			p.logger.Error("close pooled connection", "error", err)
		}
	}
	p.conns = nil
}

// Stop cancels the health-check loop, waits for it to exit, then closes
// all connections. Safe to call whether or not Start ran.
func (p *Pool) Stop() {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()

	if started {
		p.cancel()
		<-p.done
	}
	p.CloseAll()
	p.logger.Info("connection pool stopped")
}

// healthLoop periodically evicts stale idle connections. It observes
// cancellation at its sleep points and exits cleanly; unexpected
// eviction errors are logged and followed by a recovery backoff.
func (p *Pool) healthLoop(ctx context.Context) {
	defer close(p.done)
	for {
		if !sleepCtx(ctx, p.cfg.HealthCheckInterval) {
			return
		}
		if err := p.evictStale(); err != nil {
			p.logger.Error("health check failed", "error", err)
			if !sleepCtx(ctx, recoveryInterval) {
				return
			}
		}
	}
}

// evictStale removes idle connections whose last use is older than the
// health-check interval. Busy connections are never touched.
func (p *Pool) evictStale() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-p.cfg.HealthCheckInterval)
	kept := p.conns[:0]
	for _, w := range p.conns {
		if !w.inUse && w.lastUsed.Before(cutoff) {
			if err := w.handler.Close(); err != nil {
				p.logger.Error("close stale connection", "error", err)
			}
			p.recorder.Evicted()
			p.logger.Debug("evicted stale connection")
			continue
		}
		kept = append(kept, w)
	}
	// Zero the tail so evicted wrappers do not linger in the backing array.
	for i := len(kept); i < len(p.conns); i++ {
		p.conns[i] = nil
	}
	p.conns = kept
	return nil
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
