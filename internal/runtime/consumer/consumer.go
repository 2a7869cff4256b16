// Package consumer holds the explicit consumer registrations of an
// application. A consumer is registered once with its topology options,
// middleware and perform step; the options are resolved into a frozen
// topology at registration so configuration mistakes fail at boot.
package consumer

import (
	"fmt"
	"sort"
	"sync"

	"github.com/drblury/warren/internal/runtime/dispatch"
	werrors "github.com/drblury/warren/internal/runtime/errors"
	"github.com/drblury/warren/internal/runtime/topology"
)

// Definition describes a consumer to register.
type Definition struct {
	Name string
	// Options is the typed topology configuration.
	Options topology.Options
	// Config is the declarative form (queue, exchange, routing_key, bind,
	// retry_queue, error_queue, prefetch, worker). When set it is parsed and
	// used instead of Options.
	Config map[string]any
	// Middlewares wrap Perform, outermost first. Nil uses
	// dispatch.DefaultMiddlewares.
	Middlewares []dispatch.MiddlewareRegistration
	Perform     dispatch.Consumer
}

// Consumer is a registered, frozen consumer.
type Consumer struct {
	name        string
	topology    topology.Topology
	middlewares []dispatch.MiddlewareRegistration
	perform     dispatch.Consumer
}

// New resolves a definition into a Consumer.
func New(def Definition) (*Consumer, error) {
	if def.Name == "" {
		return nil, werrors.NewConfigurationError("name", "consumer name is required")
	}
	if def.Perform == nil {
		return nil, fmt.Errorf("consumer %q: %w", def.Name, werrors.ErrConsumerRequired)
	}

	opts := def.Options
	if def.Config != nil {
		parsed, err := topology.ParseOptions(def.Config)
		if err != nil {
			return nil, fmt.Errorf("consumer %q: %w", def.Name, err)
		}
		opts = parsed
	}

	topo, err := topology.Build(opts)
	if err != nil {
		return nil, fmt.Errorf("consumer %q: %w", def.Name, err)
	}

	middlewares := def.Middlewares
	if middlewares == nil {
		middlewares = dispatch.DefaultMiddlewares()
	}

	return &Consumer{
		name:        def.Name,
		topology:    topo,
		middlewares: append([]dispatch.MiddlewareRegistration(nil), middlewares...),
		perform:     def.Perform,
	}, nil
}

// Name returns the consumer name.
func (c *Consumer) Name() string { return c.name }

// Topology returns a copy of the frozen topology.
func (c *Consumer) Topology() topology.Topology { return c.topology.Clone() }

// Worker returns the worker group the consumer runs in.
func (c *Consumer) Worker() string { return c.topology.Worker }

// Threads returns the number of subscriptions the consumer runs per worker.
func (c *Consumer) Threads() int { return c.topology.Threads }

// Chain builds the middleware chain for one worker. env.Consumer and
// env.Topology are filled in from the consumer.
func (c *Consumer) Chain(env dispatch.Env) (dispatch.Next, error) {
	env.Consumer = c.name
	env.Topology = c.topology.Clone()
	return dispatch.Build(env, c.perform, c.middlewares...)
}

// Registry keeps consumers in registration order.
type Registry struct {
	mu        sync.RWMutex
	consumers map[string]*Consumer
	order     []string
}

// DefaultRegistry is used by the package-level helpers.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{consumers: make(map[string]*Consumer)}
}

// Register resolves and adds a consumer. Registering a name twice fails.
func (r *Registry) Register(def Definition) (*Consumer, error) {
	c, err := New(def)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.consumers[c.name]; exists {
		return nil, fmt.Errorf("%w: %s", werrors.ErrDuplicateConsumer, c.name)
	}
	r.consumers[c.name] = c
	r.order = append(r.order, c.name)
	return c, nil
}

// Get returns a registered consumer.
func (r *Registry) Get(name string) (*Consumer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.consumers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", werrors.ErrUnknownConsumer, name)
	}
	return c, nil
}

// Lookup resolves several consumers by name, preserving order.
func (r *Registry) Lookup(names ...string) ([]*Consumer, error) {
	out := make([]*Consumer, 0, len(names))
	for _, name := range names {
		c, err := r.Get(name)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// All returns every consumer in registration order.
func (r *Registry) All() []*Consumer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Consumer, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.consumers[name])
	}
	return out
}

// Len returns the number of registered consumers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Groups returns the consumers grouped by worker name. Group names are
// sorted; consumers within a group keep registration order.
func (r *Registry) Groups() []Group {
	byWorker := make(map[string][]*Consumer)
	for _, c := range r.All() {
		byWorker[c.Worker()] = append(byWorker[c.Worker()], c)
	}

	names := make([]string, 0, len(byWorker))
	for name := range byWorker {
		names = append(names, name)
	}
	sort.Strings(names)

	groups := make([]Group, 0, len(names))
	for _, name := range names {
		groups = append(groups, Group{Worker: name, Consumers: byWorker[name]})
	}
	return groups
}

// Group is the set of consumers that share a worker process.
type Group struct {
	Worker    string
	Consumers []*Consumer
}

// Names returns the consumer names of the group.
func (g Group) Names() []string {
	names := make([]string, 0, len(g.Consumers))
	for _, c := range g.Consumers {
		names = append(names, c.Name())
	}
	return names
}

// Threads returns the total subscriptions of the group.
func (g Group) Threads() int {
	total := 0
	for _, c := range g.Consumers {
		total += c.Threads()
	}
	return total
}

// Register adds a consumer to DefaultRegistry.
func Register(def Definition) (*Consumer, error) {
	return DefaultRegistry.Register(def)
}

// MustRegister is Register for package init code. It panics on error.
func MustRegister(def Definition) *Consumer {
	c, err := Register(def)
	if err != nil {
		panic(err)
	}
	return c
}
