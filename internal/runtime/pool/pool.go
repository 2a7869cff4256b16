// Package pool lends broker connections to consumer threads and producers.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/drblury/warren/internal/runtime/broker"
	"github.com/drblury/warren/internal/runtime/config"
	werrors "github.com/drblury/warren/internal/runtime/errors"
	"github.com/drblury/warren/internal/runtime/logging"
	"github.com/drblury/warren/internal/runtime/metrics"
)

const (
	// DefaultBreakerFailures is the number of consecutive dial failures that
	// open the circuit breaker.
	DefaultBreakerFailures = 5
	// DefaultBreakerTimeout is how long the breaker stays open before letting
	// a trial dial through.
	DefaultBreakerTimeout = 30 * time.Second
)

// Options configures a Pool.
type Options struct {
	// URL is the broker URL handed to the dialer.
	URL string
	// ConnectionName prefixes the client name of every connection.
	ConnectionName string
	// NameSuffix labels this pool's connections, e.g. the worker name.
	NameSuffix string
	Size       int
	Timeout    time.Duration

	// Dialer opens connections. Nil resolves the dialer from the URL scheme
	// through broker.DefaultRegistry.
	Dialer  broker.Dialer
	Logger  logging.ServiceLogger
	Metrics *metrics.Metrics

	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Stats is a snapshot of the pool's occupancy.
type Stats struct {
	Size      int
	InUse     int
	Available int
}

// Pool is a bounded set of reusable broker connections. At most Size
// connections are lent out at once; Acquire waits up to Timeout for one.
type Pool struct {
	name    string
	url     string
	size    int
	timeout time.Duration
	dialer  broker.Dialer
	breaker *gobreaker.CircuitBreaker
	logger  logging.ServiceLogger
	metrics *metrics.Metrics

	permits  chan struct{}
	closed   chan struct{}
	shutdown atomic.Bool
	seq      atomic.Uint64

	mu        sync.Mutex
	available []broker.Connection
	inUse     map[broker.Connection]struct{}
}

// New creates a pool. No connection is opened until the first Acquire.
func New(opts Options) (*Pool, error) {
	if opts.Size <= 0 {
		return nil, werrors.NewConfigurationError("pool_size", "must be positive")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = config.DefaultPoolTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Dialer == nil {
		opts.Dialer = broker.DialerFunc(broker.DefaultRegistry.Dial)
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = DefaultBreakerFailures
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = DefaultBreakerTimeout
	}

	name := opts.ConnectionName
	if name == "" {
		name = config.DefaultConnectionName
	}
	if opts.NameSuffix != "" {
		name += "-" + opts.NameSuffix
	}

	logger := opts.Logger.With(logging.LogFields{"pool": name, "pool_size": opts.Size})
	failures := opts.BreakerFailures

	p := &Pool{
		name:    name,
		url:     opts.URL,
		size:    opts.Size,
		timeout: opts.Timeout,
		dialer:  opts.Dialer,
		logger:  logger,
		metrics: opts.Metrics,
		permits: make(chan struct{}, opts.Size),
		closed:  make(chan struct{}),
		inUse:   make(map[broker.Connection]struct{}),
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("Pool circuit breaker state changed", logging.LogFields{
				"from": from.String(),
				"to":   to.String(),
			})
		},
	})
	return p, nil
}

// Name returns the connection label used by the pool.
func (p *Pool) Name() string { return p.name }

// Size returns the pool capacity.
func (p *Pool) Size() int { return p.size }

// Acquire lends a connection. It waits at most the pool timeout for a free
// slot and then fails with ErrPoolTimeout. After Shutdown it fails
// immediately with ErrPoolShutdown.
func (p *Pool) Acquire(ctx context.Context) (broker.Connection, error) {
	if p.shutdown.Load() {
		return nil, werrors.ErrPoolShutdown
	}

	start := time.Now()
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case p.permits <- struct{}{}:
	case <-timer.C:
		p.metrics.RecordPoolTimeout(p.name)
		return nil, fmt.Errorf("%w: waited %s for pool %q (size %d)", werrors.ErrPoolTimeout, p.timeout, p.name, p.size)
	case <-p.closed:
		return nil, werrors.ErrPoolShutdown
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	conn, err := p.checkout(ctx)
	if err != nil {
		<-p.permits
		return nil, err
	}

	p.metrics.ObservePoolAcquire(p.name, time.Since(start))
	p.recordState()
	return conn, nil
}

// checkout runs with a permit held. The lock only covers set manipulation;
// health probes and dials happen outside it.
func (p *Pool) checkout(ctx context.Context) (broker.Connection, error) {
	for {
		if p.shutdown.Load() {
			return nil, werrors.ErrPoolShutdown
		}

		p.mu.Lock()
		var conn broker.Connection
		if n := len(p.available); n > 0 {
			conn = p.available[n-1]
			p.available = p.available[:n-1]
		}
		p.mu.Unlock()

		if conn == nil {
			break
		}
		if conn.IsConnected() {
			if err := p.markInUse(conn); err != nil {
				return nil, err
			}
			return conn, nil
		}
		p.discard(conn)
	}

	conn, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.markInUse(conn); err != nil {
		return nil, err
	}
	return conn, nil
}

func (p *Pool) markInUse(conn broker.Connection) error {
	p.mu.Lock()
	if !p.shutdown.Load() {
		p.inUse[conn] = struct{}{}
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	_ = conn.Close()
	return werrors.ErrPoolShutdown
}

func (p *Pool) dial(ctx context.Context) (broker.Connection, error) {
	name := fmt.Sprintf("%s-%d", p.name, p.seq.Add(1))
	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.dialer.Dial(ctx, p.url, name)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &werrors.BrokerUnavailableError{URL: config.RedactURL(p.url), Err: err}
		}
		p.logger.Error("Failed to open broker connection", err, logging.LogFields{"connection": name})
		return nil, err
	}
	p.logger.Debug("Opened broker connection", logging.LogFields{"connection": name})
	return result.(broker.Connection), nil
}

func (p *Pool) discard(conn broker.Connection) {
	p.metrics.RecordPoolDiscard(p.name)
	p.logger.Info("Discarding unhealthy broker connection", nil)
	_ = conn.Close()
}

// Release returns a connection to the pool. Unhealthy connections are closed
// instead of being kept; the slot is freed either way. Releasing a connection
// the pool does not consider lent out is a no-op.
func (p *Pool) Release(conn broker.Connection) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	if _, ok := p.inUse[conn]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.inUse, conn)

	keep := !p.shutdown.Load() && conn.IsConnected()
	if keep {
		p.available = append(p.available, conn)
	}
	p.mu.Unlock()

	if !keep {
		if p.shutdown.Load() {
			_ = conn.Close()
		} else {
			p.discard(conn)
		}
	}

	<-p.permits
	p.recordState()
}

// With acquires a connection, runs fn and releases the connection.
func (p *Pool) With(ctx context.Context, fn func(broker.Connection) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(conn)
	return fn(conn)
}

// Shutdown closes every connection, lent out or idle, and makes further
// acquisitions fail. It is safe to call more than once.
func (p *Pool) Shutdown() error {
	if !p.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	close(p.closed)

	p.mu.Lock()
	conns := make([]broker.Connection, 0, len(p.available)+len(p.inUse))
	conns = append(conns, p.available...)
	for conn := range p.inUse {
		conns = append(conns, conn)
	}
	p.available = nil
	p.inUse = make(map[broker.Connection]struct{})
	p.mu.Unlock()

	var errs []error
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.recordState()
	p.logger.Debug("Connection pool shut down", logging.LogFields{"closed": len(conns)})
	return errors.Join(errs...)
}

// IsShutdown reports whether Shutdown has been called.
func (p *Pool) IsShutdown() bool {
	return p.shutdown.Load()
}

// Stats returns the current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Size: p.size, InUse: len(p.inUse), Available: len(p.available)}
}

func (p *Pool) recordState() {
	if p.metrics == nil {
		return
	}
	s := p.Stats()
	p.metrics.SetPoolState(p.name, s.InUse, s.Available)
}
