// Package worker runs the consumers of one worker group inside a single OS
// process: it registers the process, heartbeats, lends pooled connections to
// one subscription per consumer thread and tears everything down on stop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drblury/warren/internal/runtime/broker"
	"github.com/drblury/warren/internal/runtime/config"
	"github.com/drblury/warren/internal/runtime/consumer"
	"github.com/drblury/warren/internal/runtime/dispatch"
	werrors "github.com/drblury/warren/internal/runtime/errors"
	"github.com/drblury/warren/internal/runtime/logging"
	"github.com/drblury/warren/internal/runtime/metrics"
	"github.com/drblury/warren/internal/runtime/pool"
	"github.com/drblury/warren/internal/runtime/registry"
)

// Options wires a Worker.
type Options struct {
	Definition Definition
	// Consumers are the resolved consumers named by the definition.
	Consumers []*consumer.Consumer
	Config    *config.Config
	Registry  *registry.Registry
	// Dialer defaults to the broker registry entry for the configured URL.
	Dialer   broker.Dialer
	Logger   logging.ServiceLogger
	Metrics  *metrics.Metrics
	Reporter dispatch.ErrorReporter
	Hooks    Hooks
}

// Worker is one worker process.
type Worker struct {
	def       Definition
	consumers []*consumer.Consumer
	cfg       *config.Config
	registry  *registry.Registry
	dialer    broker.Dialer
	logger    logging.ServiceLogger
	metrics   *metrics.Metrics
	reporter  dispatch.ErrorReporter
	hooks     Hooks

	pool   *pool.Pool
	record atomic.Pointer[registry.ProcessRecord]
}

// New validates the options and creates a Worker.
func New(opts Options) (*Worker, error) {
	if err := opts.Definition.Validate(); err != nil {
		return nil, err
	}
	if len(opts.Consumers) == 0 {
		return nil, fmt.Errorf("worker %q: %w", opts.Definition.Name, werrors.ErrNoConsumers)
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	} else {
		cfg := *opts.Config
		opts.Config = cfg.WithDefaults()
	}
	threads := 0
	for _, c := range opts.Consumers {
		threads += c.Threads()
	}
	size := opts.Definition.PoolSize
	if size == 0 {
		size = opts.Config.PoolSize
	}
	if err := CheckPoolSize(opts.Definition.Name, size, threads); err != nil {
		return nil, err
	}
	if opts.Registry == nil {
		opts.Registry = registry.New(registry.Options{AliveThreshold: opts.Config.ProcessAliveThreshold})
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}

	return &Worker{
		def:       opts.Definition,
		consumers: opts.Consumers,
		cfg:       opts.Config,
		registry:  opts.Registry,
		dialer:    opts.Dialer,
		logger:    opts.Logger.With(logging.LogFields{"worker": opts.Definition.Name, "worker_index": opts.Definition.Index}),
		metrics:   opts.Metrics,
		reporter:  opts.Reporter,
		hooks:     opts.Hooks,
	}, nil
}

// PoolSize is the configured size, or one connection per consumer thread.
func (w *Worker) PoolSize() int {
	if w.def.PoolSize > 0 {
		return w.def.PoolSize
	}
	if w.cfg.PoolSize > 0 {
		return w.cfg.PoolSize
	}
	total := 0
	for _, c := range w.consumers {
		total += c.Threads()
	}
	return max(total, 1)
}

// Record returns the registry record once Run has registered the process.
func (w *Worker) Record() (registry.ProcessRecord, bool) {
	rec := w.record.Load()
	if rec == nil {
		return registry.ProcessRecord{}, false
	}
	return *rec, true
}

// Run registers the process, subscribes every consumer thread and blocks
// until ctx is cancelled or a subscription fails. Cancelling ctx stops new
// deliveries; deliveries already being handled run to completion. A process
// record pruned from the registry stops the worker without an error.
func (w *Worker) Run(ctx context.Context) error {
	rec, err := w.registry.Register(ctx, registry.Attributes{
		Name:         fmt.Sprintf("%s.%d", w.def.Name, w.def.Index),
		Kind:         w.def.Name,
		SupervisorID: w.def.SupervisorID,
	})
	if err != nil {
		return err
	}
	w.record.Store(&rec)
	logger := w.logger.With(logging.LogFields{"process_id": rec.ID})
	defer w.deregister(logger)

	timeout := w.def.PoolTimeout
	if timeout <= 0 {
		timeout = w.cfg.PoolTimeout
	}
	p, err := pool.New(pool.Options{
		URL:            w.cfg.BrokerURL,
		ConnectionName: w.cfg.ConnectionName,
		NameSuffix:     w.def.Name,
		Size:           w.PoolSize(),
		Timeout:        timeout,
		Dialer:         w.dialer,
		Logger:         logger,
		Metrics:        w.metrics,
	})
	if err != nil {
		return err
	}
	w.pool = p
	defer func() {
		if err := p.Shutdown(); err != nil {
			logger.Error("Failed to close connection pool", err, nil)
		}
	}()

	// Fail fast when the broker is unreachable; the supervisor replaces us.
	if err := p.With(ctx, func(broker.Connection) error { return nil }); err != nil {
		logger.Error("Broker unavailable, aborting worker start", err, nil)
		return err
	}

	w.safely(ctx, "on_start", func() error {
		if w.hooks.OnStart == nil {
			return nil
		}
		return w.hooks.OnStart(ctx, w.def)
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	var lost atomic.Bool
	hb := registry.NewHeartbeater(w.registry, rec, w.cfg.HeartbeatInterval)
	hb.Logger = logger
	hb.OnBeat = func(rec registry.ProcessRecord) {
		w.record.Store(&rec)
		w.safely(gctx, "on_heartbeat", func() error {
			if w.hooks.OnHeartbeat == nil {
				return nil
			}
			return w.hooks.OnHeartbeat(gctx, rec)
		})
	}
	hb.OnLost = func(error) {
		lost.Store(true)
		cancel()
	}
	g.Go(func() error {
		if err := hb.Run(gctx); err != nil && !registry.IsNotFound(err) {
			return err
		}
		return nil
	})

	if addr := w.metricsAddr(); addr != "" {
		g.Go(func() error { return serveMetrics(gctx, addr, w.metrics, logger) })
	}

	for _, c := range w.consumers {
		for thread := 0; thread < c.Threads(); thread++ {
			g.Go(func() error { return w.subscribe(gctx, c, thread, logger) })
		}
	}

	logger.Info("Worker started", logging.LogFields{
		"consumers": w.def.Consumers,
		"pool_size": p.Size(),
	})
	err = g.Wait()

	w.safely(context.WithoutCancel(ctx), "on_stop", func() error {
		if w.hooks.OnStop == nil {
			return nil
		}
		return w.hooks.OnStop(context.WithoutCancel(ctx), w.def)
	})

	switch {
	case err != nil:
		logger.Error("Worker stopped with error", err, nil)
		return err
	case lost.Load():
		logger.Info("Process record was pruned, worker stopped", nil)
	default:
		logger.Info("Worker stopped", nil)
	}
	return nil
}

// subscribe holds one pooled connection for the lifetime of one consumer
// thread.
func (w *Worker) subscribe(ctx context.Context, c *consumer.Consumer, thread int, logger logging.ServiceLogger) error {
	logger = logger.With(logging.LogFields{"consumer": c.Name(), "thread": thread})

	conn, err := w.pool.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("consumer %q: %w", c.Name(), err)
	}
	defer w.pool.Release(conn)

	topo := c.Topology()
	ch, err := conn.Channel(topo.Prefetch)
	if err != nil {
		return w.unavailable(c, err)
	}
	defer func() { _ = ch.Close() }()

	queue, err := topo.Declare(ch)
	if err != nil {
		return fmt.Errorf("consumer %q: declare topology: %w", c.Name(), err)
	}

	chain, err := c.Chain(dispatch.Env{
		Logger:   logger,
		Metrics:  w.metrics,
		Reporter: w.reporter,
	})
	if err != nil {
		return err
	}
	handler := dispatch.NewHandler(dispatch.HandlerOptions{
		Consumer: c.Name(),
		Chain:    chain,
		Channel:  ch,
		Logger:   logger,
		Reporter: w.reporter,
	})

	fatal := make(chan error, 1)
	tag := fmt.Sprintf("%s.%s.%d.%d", w.def.Name, c.Name(), os.Getpid(), thread)
	// Deliveries keep a live context during shutdown so they can finish.
	sub, err := queue.Subscribe(context.WithoutCancel(ctx), tag, func(dctx context.Context, d broker.Delivery) {
		_, err := handler.Handle(dctx, d)
		switch {
		case err == nil:
		case dispatch.IsInvalidResult(err):
			select {
			case fatal <- err:
			default:
			}
		default:
			logger.Error("Failed to settle delivery", err, logging.LogFields{"delivery_tag": d.Tag})
		}
	})
	if err != nil {
		return w.unavailable(c, err)
	}
	logger.Debug("Subscribed", logging.LogFields{"queue": queue.Name(), "consumer_tag": tag})

	select {
	case <-ctx.Done():
		if err := sub.Cancel(); err != nil {
			logger.Error("Failed to cancel subscription", err, nil)
		}
		<-sub.Done()
		return nil
	case err := <-fatal:
		_ = sub.Cancel()
		<-sub.Done()
		return fmt.Errorf("consumer %q: %w", c.Name(), err)
	case <-sub.Done():
		if err := sub.Err(); err != nil {
			return w.unavailable(c, err)
		}
		return w.unavailable(c, errors.New("subscription ended"))
	}
}

func (w *Worker) unavailable(c *consumer.Consumer, err error) error {
	return fmt.Errorf("consumer %q: %w", c.Name(), &werrors.BrokerUnavailableError{
		URL: config.RedactURL(w.cfg.BrokerURL),
		Err: err,
	})
}

func (w *Worker) deregister(logger logging.ServiceLogger) {
	rec, ok := w.Record()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.registry.Deregister(ctx, rec); err != nil {
		logger.Error("Failed to deregister worker", err, nil)
	}
}

func (w *Worker) metricsAddr() string {
	if !w.cfg.MetricsEnabled || w.cfg.MetricsPort <= 0 || w.metrics == nil {
		return ""
	}
	return fmt.Sprintf(":%d", w.cfg.MetricsPort+w.def.Index)
}

// safely runs a lifecycle hook, sending errors and panics to the thread
// error hook.
func (w *Worker) safely(ctx context.Context, hook string, fn func() error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &dispatch.PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
		return fn()
	}()
	if err == nil {
		return
	}

	fields := logging.LogFields{"worker": w.def.Name, "hook": hook}
	if w.hooks.OnThreadError != nil {
		w.hooks.OnThreadError(err, fields)
	} else {
		w.logger.Error("Lifecycle hook failed", err, fields)
	}
	if w.reporter != nil {
		w.reporter(ctx, err, fields)
	}
}
