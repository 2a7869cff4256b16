package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	werrors "github.com/drblury/warren/internal/runtime/errors"
	"github.com/drblury/warren/internal/runtime/jsoncodec"
	"github.com/drblury/warren/internal/runtime/logging"
	"github.com/drblury/warren/internal/runtime/registry"
)

// Hooks are lifecycle callbacks of a worker process. Errors and panics in
// OnStart, OnStop and OnHeartbeat go to OnThreadError instead of stopping
// the worker.
type Hooks struct {
	OnStart       func(ctx context.Context, def Definition) error
	OnStop        func(ctx context.Context, def Definition) error
	OnHeartbeat   func(ctx context.Context, rec registry.ProcessRecord) error
	OnThreadError func(err error, fields logging.LogFields)
}

// Definition is the frozen configuration of one worker process. It is
// handed to the spawned process by value.
type Definition struct {
	Name        string        `json:"name"`
	Index       int           `json:"index"`
	PoolSize    int           `json:"pool_size,omitempty"`
	PoolTimeout time.Duration `json:"pool_timeout,omitempty"`
	Consumers   []string      `json:"consumers"`
	// SupervisorID is the registry id of the supervising process.
	SupervisorID string `json:"supervisor_id,omitempty"`
}

// Validate checks that the definition can be run.
func (d Definition) Validate() error {
	if d.Name == "" {
		return werrors.NewConfigurationError("worker.name", "is required")
	}
	if len(d.Consumers) == 0 {
		return fmt.Errorf("worker %q: %w", d.Name, werrors.ErrNoConsumers)
	}
	if d.PoolSize < 0 {
		return werrors.NewConfigurationError("pool_size", "must not be negative")
	}
	return nil
}

// CheckPoolSize rejects an explicit pool size smaller than the number of
// consumer threads it has to serve. Every thread holds a connection for the
// lifetime of its subscription, so the extra threads would only ever time
// out. Zero means the pool is sized to threads.
func CheckPoolSize(worker string, size, threads int) error {
	if size > 0 && size < threads {
		return werrors.NewConfigurationError("pool_size",
			fmt.Sprintf("worker %q: %d connection(s) cannot serve %d consumer thread(s)", worker, size, threads))
	}
	return nil
}

// Encode serialises the definition for the spawned process.
func (d Definition) Encode() (string, error) {
	return jsoncodec.MarshalString(d)
}

// DecodeDefinition parses a definition produced by Encode.
func DecodeDefinition(s string) (Definition, error) {
	if s == "" {
		return Definition{}, werrors.ErrWorkerDefinitionMissing
	}
	var d Definition
	if err := jsoncodec.Unmarshal([]byte(s), &d); err != nil {
		return Definition{}, fmt.Errorf("decode worker definition: %w", err)
	}
	return d, d.Validate()
}

// Factory collects the settings of a worker group until it is frozen. It is
// safe for concurrent use.
type Factory struct {
	mu          sync.Mutex
	name        string
	poolSize    int
	poolTimeout time.Duration
	consumers   []string
	hooks       Hooks
}

// NewFactory creates a Factory for the named worker group.
func NewFactory(name string) *Factory {
	return &Factory{name: name}
}

// Name returns the worker group name.
func (f *Factory) Name() string { return f.name }

// PoolSize sets the connection pool size. Zero sizes the pool to the total
// number of consumer threads.
func (f *Factory) PoolSize(n int) *Factory {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.poolSize = n
	return f
}

// PoolTimeout sets how long a thread waits for a pooled connection.
func (f *Factory) PoolTimeout(d time.Duration) *Factory {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.poolTimeout = d
	return f
}

// AddConsumers appends consumer names, skipping ones already present.
func (f *Factory) AddConsumers(names ...string) *Factory {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, name := range names {
		if !contains(f.consumers, name) {
			f.consumers = append(f.consumers, name)
		}
	}
	return f
}

func (f *Factory) OnStart(fn func(ctx context.Context, def Definition) error) *Factory {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks.OnStart = fn
	return f
}

func (f *Factory) OnStop(fn func(ctx context.Context, def Definition) error) *Factory {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks.OnStop = fn
	return f
}

func (f *Factory) OnHeartbeat(fn func(ctx context.Context, rec registry.ProcessRecord) error) *Factory {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks.OnHeartbeat = fn
	return f
}

func (f *Factory) OnThreadError(fn func(err error, fields logging.LogFields)) *Factory {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks.OnThreadError = fn
	return f
}

// Hooks returns the configured lifecycle callbacks.
func (f *Factory) Hooks() Hooks {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hooks
}

// Freeze snapshots the factory into a Definition. Later changes to the
// factory do not affect it.
func (f *Factory) Freeze(index int) Definition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Definition{
		Name:        f.name,
		Index:       index,
		PoolSize:    f.poolSize,
		PoolTimeout: f.poolTimeout,
		Consumers:   append([]string(nil), f.consumers...),
	}
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
