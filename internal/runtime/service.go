package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/drblury/warren/internal/runtime/broker"
	configpkg "github.com/drblury/warren/internal/runtime/config"
	consumerpkg "github.com/drblury/warren/internal/runtime/consumer"
	"github.com/drblury/warren/internal/runtime/dispatch"
	loggingpkg "github.com/drblury/warren/internal/runtime/logging"
	metricspkg "github.com/drblury/warren/internal/runtime/metrics"
	poolpkg "github.com/drblury/warren/internal/runtime/pool"
	producerpkg "github.com/drblury/warren/internal/runtime/producer"
	registrypkg "github.com/drblury/warren/internal/runtime/registry"
	"github.com/drblury/warren/internal/runtime/registry/sqlstore"
	supervisorpkg "github.com/drblury/warren/internal/runtime/supervisor"
	workerpkg "github.com/drblury/warren/internal/runtime/worker"
)

// Role is the part an OS process plays in a supervised application.
type Role string

const (
	RoleSupervisor Role = "supervisor"
	RoleWorker     Role = "worker"
)

var (
	lookupEnv   = os.Getenv
	exitProcess = os.Exit
	openStore   = sqlstore.Open
)

// ServiceDependencies holds the optional collaborators of a Service. Leave
// fields nil to use the defaults.
type ServiceDependencies struct {
	// Consumers defaults to consumer.DefaultRegistry.
	Consumers *consumerpkg.Registry
	// Store defaults to the store selected by the configuration.
	Store registrypkg.Store
	// Spawner defaults to re-executing the running binary.
	Spawner supervisorpkg.Spawner
	// Dialer defaults to the dialer registered for the broker URL scheme.
	Dialer broker.Dialer
	// Probe replaces the boot-time broker reachability check.
	Probe supervisorpkg.ProbeFunc
	// Publisher defaults to a pooled publisher on the configured broker.
	Publisher producerpkg.Publisher
	// Switch defaults to producer.DefaultSwitch.
	Switch   *producerpkg.Switch
	Metrics  *metricspkg.Metrics
	Reporter dispatch.ErrorReporter
}

// Service wires configuration, consumers, worker groups and producers, and
// runs the current process as supervisor or worker.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	consumers *consumerpkg.Registry
	deps      ServiceDependencies
	metrics   *metricspkg.Metrics

	factoriesMu sync.Mutex
	factories   map[string]*workerpkg.Factory

	registryOnce sync.Once
	registry     *registrypkg.Registry
	registryErr  error

	producerMu sync.Mutex
	publisher  producerpkg.Publisher
	pool       *poolpkg.Pool

	supervisorMu sync.RWMutex
	supervisor   *supervisorpkg.Supervisor

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	resourceTracker *resourceTracker
}

// NewService validates the configuration and creates a Service. Register
// consumers and worker settings before calling Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		conf = configpkg.Default()
	} else {
		copy := *conf
		conf = copy.WithDefaults()
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = loggingpkg.NewNopLogger()
	}
	log.Info("Creating warren service", loggingpkg.LogFields{"config": conf})

	consumers := deps.Consumers
	if consumers == nil {
		consumers = consumerpkg.DefaultRegistry
	}
	m := deps.Metrics
	if m == nil && conf.MetricsEnabled {
		m = metricspkg.New(nil)
	}
	if err := m.Register(); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	return &Service{
		Conf:            conf,
		Logger:          log,
		consumers:       consumers,
		deps:            deps,
		metrics:         m,
		factories:       make(map[string]*workerpkg.Factory),
		publisher:       deps.Publisher,
		resourceTracker: newResourceTracker(),
	}, nil
}

// Consumers returns the registry consumers are registered with.
func (s *Service) Consumers() *consumerpkg.Registry { return s.consumers }

// Metrics returns the collectors, nil when metrics are disabled.
func (s *Service) Metrics() *metricspkg.Metrics { return s.metrics }

// RegisterConsumer registers a consumer definition with the service.
func (s *Service) RegisterConsumer(def consumerpkg.Definition) (*consumerpkg.Consumer, error) {
	c, err := s.consumers.Register(def)
	if err != nil {
		return nil, err
	}
	s.Logger.Debug("Registered consumer", loggingpkg.LogFields{
		"consumer": c.Name(),
		"queue":    c.Topology().Queue.Name,
		"worker":   c.Worker(),
		"threads":  c.Threads(),
	})
	return c, nil
}

// Worker returns the factory of the named worker group, creating it on first
// use. Settings made on it apply to the group's processes.
func (s *Service) Worker(name string) *workerpkg.Factory {
	s.factoriesMu.Lock()
	defer s.factoriesMu.Unlock()
	f, ok := s.factories[name]
	if !ok {
		f = workerpkg.NewFactory(name)
		s.factories[name] = f
	}
	return f
}

func (s *Service) workerFactories() map[string]*workerpkg.Factory {
	s.factoriesMu.Lock()
	defer s.factoriesMu.Unlock()
	out := make(map[string]*workerpkg.Factory, len(s.factories))
	for name, f := range s.factories {
		out[name] = f
	}
	return out
}

// NewProducer creates a producer publishing through the service's publisher.
func (s *Service) NewProducer(def producerpkg.Definition) (*producerpkg.Producer, error) {
	publisher, err := s.producerPublisher()
	if err != nil {
		return nil, err
	}
	return producerpkg.New(def, producerpkg.Options{
		Publisher: publisher,
		Switch:    s.deps.Switch,
		Logger:    s.Logger,
		Metrics:   s.metrics,
	})
}

func (s *Service) producerPublisher() (producerpkg.Publisher, error) {
	s.producerMu.Lock()
	defer s.producerMu.Unlock()
	if s.publisher != nil {
		return s.publisher, nil
	}
	p, err := poolpkg.New(poolpkg.Options{
		URL:            s.Conf.BrokerURL,
		ConnectionName: s.Conf.ConnectionName,
		NameSuffix:     "producer",
		Size:           max(s.Conf.PoolSize, 1),
		Timeout:        s.Conf.PoolTimeout,
		Dialer:         s.deps.Dialer,
		Logger:         s.Logger,
		Metrics:        s.metrics,
	})
	if err != nil {
		return nil, err
	}
	s.pool = p
	s.publisher = producerpkg.NewPoolPublisher(p)
	return s.publisher, nil
}

// Registry opens the process registry on first use.
func (s *Service) Registry() (*registrypkg.Registry, error) {
	s.registryOnce.Do(func() {
		store := s.deps.Store
		if store == nil {
			store, s.registryErr = openStore(s.Conf)
			if s.registryErr != nil {
				return
			}
		}
		s.registry = registrypkg.New(registrypkg.Options{
			Store:          store,
			AliveThreshold: s.Conf.ProcessAliveThreshold,
			Logger:         s.Logger,
			Metrics:        s.metrics,
		})
	})
	return s.registry, s.registryErr
}

// Role reports whether this process was spawned as a worker.
func (s *Service) Role() Role {
	if lookupEnv(supervisorpkg.EnvWorkerDefinition) != "" {
		return RoleWorker
	}
	return RoleSupervisor
}

// Start runs the process in its role until it is told to stop. The
// supervisor stops on SIGTERM, SIGINT or SIGQUIT, a worker on SIGTERM or
// SIGINT; SIGQUIT makes a worker exit immediately.
func (s *Service) Start(ctx context.Context) error {
	if s.Role() == RoleWorker {
		return s.runWorker(ctx, lookupEnv(supervisorpkg.EnvWorkerDefinition))
	}
	return s.runSupervisor(ctx)
}

func (s *Service) runSupervisor(ctx context.Context) error {
	logger := loggingpkg.ForProcess(s.Logger, string(RoleSupervisor))
	reg, err := s.Registry()
	if err != nil {
		logger.Error("Failed to open process registry", err, nil)
		return err
	}

	sup, err := supervisorpkg.New(supervisorpkg.Options{
		Config:    s.Conf,
		Consumers: s.consumers,
		Factories: s.workerFactories(),
		Registry:  reg,
		Spawner:   s.deps.Spawner,
		Probe:     s.deps.Probe,
		Logger:    logger,
		Metrics:   s.metrics,
	})
	if err != nil {
		return err
	}
	s.supervisorMu.Lock()
	s.supervisor = sup
	s.supervisorMu.Unlock()

	httpCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.StartWebUIServer()
	s.startHTTPServers(httpCtx, logger)

	return sup.Run(ctx)
}

func (s *Service) runWorker(ctx context.Context, encoded string) error {
	def, err := workerpkg.DecodeDefinition(encoded)
	if err != nil {
		return err
	}
	if def.SupervisorID == "" {
		def.SupervisorID = lookupEnv(supervisorpkg.EnvSupervisorID)
	}
	logger := loggingpkg.ForProcess(s.Logger, string(RoleWorker))

	consumers, err := s.consumers.Lookup(def.Consumers...)
	if err != nil {
		logger.Error("Worker definition names unknown consumers", err, loggingpkg.LogFields{"worker": def.Name})
		return err
	}
	reg, err := s.Registry()
	if err != nil {
		return err
	}

	w, err := workerpkg.New(workerpkg.Options{
		Definition: def,
		Consumers:  consumers,
		Config:     s.Conf,
		Registry:   reg,
		Dialer:     s.deps.Dialer,
		Logger:     logger,
		Metrics:    s.metrics,
		Reporter:   s.deps.Reporter,
		Hooks:      s.Worker(def.Name).Hooks(),
	})
	if err != nil {
		return err
	}
	if s.Conf.ProcessTitle {
		_ = supervisorpkg.SetProcessTitle(supervisorpkg.WorkerTitle(def.Name))
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGQUIT)
	defer func() {
		signal.Stop(quit)
		close(quit)
	}()
	go func() {
		if _, ok := <-quit; ok {
			logger.Info("Received SIGQUIT, exiting immediately", nil)
			exitProcess(1)
		}
	}()

	return w.Run(ctx)
}

// Close releases the producer pool and the process registry.
func (s *Service) Close() error {
	var errs []error
	s.producerMu.Lock()
	if s.pool != nil {
		errs = append(errs, s.pool.Shutdown())
	}
	s.producerMu.Unlock()
	if s.registry != nil {
		errs = append(errs, s.registry.Close())
	}
	return errors.Join(errs...)
}

func (s *Service) currentSupervisor() *supervisorpkg.Supervisor {
	s.supervisorMu.RLock()
	defer s.supervisorMu.RUnlock()
	return s.supervisor
}

// RegisterHTTPHandler mounts handler on the supervisor's HTTP server for port.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers(ctx context.Context, logger loggingpkg.ServiceLogger) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": addr})
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}
}
