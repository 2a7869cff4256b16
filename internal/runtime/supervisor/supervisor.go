// Package supervisor boots one worker process per worker group, replaces
// workers that die and coordinates graceful or immediate shutdown through
// OS signals.
package supervisor

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/drblury/warren/internal/runtime/broker"
	"github.com/drblury/warren/internal/runtime/config"
	"github.com/drblury/warren/internal/runtime/consumer"
	werrors "github.com/drblury/warren/internal/runtime/errors"
	"github.com/drblury/warren/internal/runtime/logging"
	"github.com/drblury/warren/internal/runtime/metrics"
	"github.com/drblury/warren/internal/runtime/registry"
	"github.com/drblury/warren/internal/runtime/worker"
)

// Signals sent to children.
var (
	GracefulSignal os.Signal = syscall.SIGTERM
	ForcefulSignal os.Signal = syscall.SIGQUIT
)

// ProbeFunc checks that the broker accepts connections.
type ProbeFunc func(ctx context.Context, url string) error

// Options wires a Supervisor.
type Options struct {
	Config    *config.Config
	Consumers *consumer.Registry
	// Factories customise worker groups by name. A group without a factory
	// gets a plain one.
	Factories map[string]*worker.Factory
	Registry  *registry.Registry
	// Spawner defaults to re-executing the running binary.
	Spawner Spawner
	// Probe defaults to broker.Probe.
	Probe   ProbeFunc
	Logger  logging.ServiceLogger
	Metrics *metrics.Metrics
	// DisableSignals skips subscribing to OS signals; Signal still works.
	DisableSignals bool
	// Title defaults to SetProcessTitle.
	Title func(string) error
}

// ChildInfo describes one supervised worker process.
type ChildInfo struct {
	Name      string   `json:"name"`
	Index     int      `json:"index"`
	Pid       int      `json:"pid"`
	Consumers []string `json:"consumers"`
}

type child struct {
	def  worker.Definition
	proc Process
}

// Supervisor owns the worker processes of one application.
type Supervisor struct {
	cfg       *config.Config
	consumers *consumer.Registry
	factories map[string]*worker.Factory
	registry  *registry.Registry
	spawner   Spawner
	probe     ProbeFunc
	logger    logging.ServiceLogger
	metrics   *metrics.Metrics
	title     func(string) error

	notify  bool
	signals chan os.Signal
	state   atomic.Int32
	pidfile Pidfile

	mu       sync.Mutex
	children []*child
	record   registry.ProcessRecord
}

// New validates the options and creates a Supervisor.
func New(opts Options) (*Supervisor, error) {
	if opts.Consumers == nil {
		return nil, werrors.ErrNoConsumers
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	} else {
		cfg := *opts.Config
		opts.Config = cfg.WithDefaults()
	}
	if opts.Registry == nil {
		opts.Registry = registry.New(registry.Options{AliveThreshold: opts.Config.ProcessAliveThreshold})
	}
	if opts.Spawner == nil {
		opts.Spawner = ExecSpawner{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Probe == nil {
		wmLogger := logging.NewWatermillAdapter(opts.Logger)
		opts.Probe = func(ctx context.Context, url string) error {
			return broker.Probe(ctx, url, wmLogger)
		}
	}
	if opts.Title == nil {
		opts.Title = SetProcessTitle
	}

	return &Supervisor{
		cfg:       opts.Config,
		consumers: opts.Consumers,
		factories: opts.Factories,
		registry:  opts.Registry,
		spawner:   opts.Spawner,
		probe:     opts.Probe,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		title:     opts.Title,
		notify:    !opts.DisableSignals,
		signals:   make(chan os.Signal, 8),
		pidfile:   Pidfile{Path: opts.Config.PidFile},
	}, nil
}

// State returns the current lifecycle phase.
func (s *Supervisor) State() State { return State(s.state.Load()) }

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
	s.logger.Debug("Supervisor state changed", logging.LogFields{"state": st.String()})
}

// Signal queues sig for the supervise loop. It never blocks.
func (s *Supervisor) Signal(sig os.Signal) {
	select {
	case s.signals <- sig:
	default:
	}
}

// Record returns the supervisor's registry record.
func (s *Supervisor) Record() registry.ProcessRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

// Children returns the currently running worker processes.
func (s *Supervisor) Children() []ChildInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChildInfo, 0, len(s.children))
	for _, c := range s.children {
		if c.proc == nil {
			continue
		}
		out = append(out, ChildInfo{
			Name:      c.def.Name,
			Index:     c.def.Index,
			Pid:       c.proc.Pid(),
			Consumers: append([]string(nil), c.def.Consumers...),
		})
	}
	return out
}

// Definitions builds one frozen worker definition per consumer group.
func (s *Supervisor) Definitions() ([]worker.Definition, error) {
	groups := s.consumers.Groups()
	if len(groups) == 0 {
		return nil, werrors.ErrNoConsumers
	}
	defs := make([]worker.Definition, 0, len(groups))
	var errs []error
	for i, g := range groups {
		f, ok := s.factories[g.Worker]
		if !ok {
			f = worker.NewFactory(g.Worker)
		}
		f.AddConsumers(g.Names()...)
		def := f.Freeze(i)
		if err := def.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		size := def.PoolSize
		if size == 0 {
			size = s.cfg.PoolSize
		}
		if err := worker.CheckPoolSize(def.Name, size, g.Threads()); err != nil {
			errs = append(errs, err)
			continue
		}
		defs = append(defs, def)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return defs, nil
}

// Run boots the workers and supervises them until a stop signal arrives or
// ctx is cancelled, which counts as a graceful stop. Boot failures are
// returned before any worker is started.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.notify {
		signal.Notify(s.signals, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
		defer signal.Stop(s.signals)
	}

	if err := s.boot(ctx); err != nil {
		s.setState(StateStopped)
		s.logger.Error("Supervisor boot failed", err, nil)
		return err
	}
	defer s.stop()

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	s.startBackground(bgCtx)

	s.setState(StateSupervising)
	s.logger.Info("Supervising workers", logging.LogFields{"workers": len(s.children)})

	ticker := time.NewTicker(s.cfg.SuperviseInterval)
	defer ticker.Stop()
	for {
		if sig, ok := s.nextSignal(); ok {
			return s.handleSignal(sig)
		}
		s.reap()
		s.refresh()

		select {
		case sig := <-s.signals:
			return s.handleSignal(sig)
		case <-ctx.Done():
			return s.terminateGracefully()
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) boot(ctx context.Context) error {
	s.setState(StateBooting)
	if s.consumers.Len() == 0 {
		return werrors.ErrNoConsumers
	}
	defs, err := s.Definitions()
	if err != nil {
		return err
	}

	if err := s.probe(ctx, s.cfg.BrokerURL); err != nil {
		if !werrors.IsBrokerUnavailable(err) {
			err = &werrors.BrokerUnavailableError{URL: config.RedactURL(s.cfg.BrokerURL), Err: err}
		}
		return err
	}

	if err := s.pidfile.Acquire(); err != nil {
		return err
	}

	rec, err := s.registry.Register(ctx, registry.Attributes{
		Name: "supervisor",
		Kind: registry.KindSupervisor,
	})
	if err != nil {
		_ = s.pidfile.Release()
		return err
	}
	s.logger = s.logger.With(logging.LogFields{"process_id": rec.ID})

	s.mu.Lock()
	s.record = rec
	s.children = make([]*child, 0, len(defs))
	for _, def := range defs {
		def.SupervisorID = rec.ID
		s.children = append(s.children, &child{def: def})
	}
	s.mu.Unlock()

	for _, c := range s.children {
		if err := s.spawn(c); err != nil {
			s.signalAll(ForcefulSignal)
			s.deregister()
			_ = s.pidfile.Release()
			return err
		}
	}
	return nil
}

func (s *Supervisor) startBackground(ctx context.Context) {
	rec := s.Record()
	hb := registry.NewHeartbeater(s.registry, rec, s.cfg.HeartbeatInterval)
	hb.Logger = s.logger
	hb.OnLost = func(error) {
		s.logger.Info("Supervisor record was pruned, stopping", nil)
		s.Signal(GracefulSignal)
	}
	go func() { _ = hb.Run(ctx) }()

	pruner := &registry.Pruner{
		Registry: s.registry,
		Interval: s.cfg.PruneInterval,
		Self:     rec.ID,
		Logger:   s.logger,
	}
	go func() { _ = pruner.Run(ctx) }()
}

func (s *Supervisor) nextSignal() (os.Signal, bool) {
	select {
	case sig := <-s.signals:
		return sig, true
	default:
		return nil, false
	}
}

func (s *Supervisor) handleSignal(sig os.Signal) error {
	s.logger.Info("Received signal", logging.LogFields{"signal": sig.String()})
	if sig == syscall.SIGQUIT {
		return s.terminateImmediately()
	}
	return s.terminateGracefully()
}

func (s *Supervisor) spawn(c *child) error {
	proc, err := s.spawner.Spawn(c.def)
	if err != nil {
		return err
	}
	s.mu.Lock()
	c.proc = proc
	s.mu.Unlock()
	s.logger.Info("Worker started", logging.LogFields{
		"worker":       c.def.Name,
		"worker_index": c.def.Index,
		"worker_pid":   proc.Pid(),
	})
	return nil
}

// reap collects exited workers and starts a replacement for each from the
// same definition. A failed spawn is retried on the next iteration.
func (s *Supervisor) reap() {
	for _, c := range s.children {
		if c.proc != nil {
			select {
			case <-c.proc.Done():
			default:
				continue
			}
			s.logger.Info("Worker exited, replacing", logging.LogFields{
				"worker":     c.def.Name,
				"worker_pid": c.proc.Pid(),
				"exit":       exitStatus(c.proc.Err()),
			})
			s.mu.Lock()
			c.proc = nil
			s.mu.Unlock()
			s.metrics.RecordWorkerRestart(c.def.Name)
		}
		if err := s.spawn(c); err != nil {
			s.logger.Error("Failed to replace worker", err, logging.LogFields{"worker": c.def.Name})
		}
	}
}

// collect drops exited workers without replacing them and returns how many
// are still running.
func (s *Supervisor) collect() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	running := 0
	for _, c := range s.children {
		if c.proc == nil {
			continue
		}
		select {
		case <-c.proc.Done():
			c.proc = nil
		default:
			running++
		}
	}
	return running
}

func (s *Supervisor) running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.children {
		if c.proc != nil {
			n++
		}
	}
	return n
}

func (s *Supervisor) refresh() {
	n := s.running()
	s.metrics.SetWorkersRunning(n)
	if s.cfg.ProcessTitle {
		if err := s.title(SupervisorTitle(n)); err != nil {
			s.logger.Debug("Failed to set process title", logging.LogFields{"error": err.Error()})
		}
	}
}

func (s *Supervisor) signalAll(sig os.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.children {
		if c.proc == nil {
			continue
		}
		if err := c.proc.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Error("Failed to signal worker", err, logging.LogFields{
				"worker":     c.def.Name,
				"worker_pid": c.proc.Pid(),
				"signal":     sig.String(),
			})
		}
	}
}

// terminateGracefully asks every worker to stop and waits up to the shutdown
// timeout, escalating to immediate termination when workers remain.
func (s *Supervisor) terminateGracefully() error {
	s.setState(StateTerminatingGracefully)
	s.logger.Info("Stopping workers", logging.LogFields{"timeout": s.cfg.ShutdownTimeout.String()})
	s.signalAll(GracefulSignal)

	deadline := time.NewTimer(s.cfg.ShutdownTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(min(s.cfg.SuperviseInterval, 100*time.Millisecond))
	defer poll.Stop()

	for {
		if s.collect() == 0 {
			s.logger.Info("All workers stopped", nil)
			return nil
		}
		select {
		case <-deadline.C:
			s.logger.Info("Shutdown timeout elapsed, forcing workers to stop", logging.LogFields{"workers": s.running()})
			return s.terminateImmediately()
		case sig := <-s.signals:
			if sig == syscall.SIGQUIT {
				return s.terminateImmediately()
			}
		case <-poll.C:
		}
	}
}

// terminateImmediately signals every worker to exit now and returns without
// waiting for them.
func (s *Supervisor) terminateImmediately() error {
	s.setState(StateTerminatingImmediately)
	s.signalAll(ForcefulSignal)
	return nil
}

func (s *Supervisor) stop() {
	s.deregister()
	if err := s.pidfile.Release(); err != nil {
		s.logger.Error("Failed to remove pidfile", err, logging.LogFields{"path": s.pidfile.Path})
	}
	s.metrics.SetWorkersRunning(0)
	s.setState(StateStopped)
	s.logger.Info("Supervisor stopped", nil)
}

func (s *Supervisor) deregister() {
	rec := s.Record()
	if rec.ID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.registry.Deregister(ctx, rec); err != nil && !registry.IsNotFound(err) {
		s.logger.Error("Failed to deregister supervisor", err, nil)
	}
}

func exitStatus(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}
