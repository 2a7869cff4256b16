// Package topology derives the broker resources a consumer needs from its
// declarative options: exchange, main queue, optional retry and error queues,
// bindings, prefetch and worker grouping.
package topology

import (
	"fmt"
	"time"

	"github.com/drblury/warren/internal/runtime/broker"
	werrors "github.com/drblury/warren/internal/runtime/errors"
)

// Queue arguments used for retry wiring.
const (
	ArgDeadLetterExchange   = "x-dead-letter-exchange"
	ArgDeadLetterRoutingKey = "x-dead-letter-routing-key"
	ArgMessageTTL           = "x-message-ttl"
)

// Suffixes for derived queue names.
const (
	RetrySuffix = ".retry"
	ErrorSuffix = ".error"
)

// ExchangeSpec is a resolved exchange declaration.
type ExchangeSpec struct {
	Name    string
	Options broker.ExchangeOptions
}

// QueueSpec is a resolved queue declaration.
type QueueSpec struct {
	Name    string
	Options broker.QueueOptions
}

// Topology is the frozen description of one consumer's broker resources.
type Topology struct {
	Exchange   ExchangeSpec
	Queue      QueueSpec
	RetryQueue *QueueSpec
	RetryDelay time.Duration
	ErrorQueue *QueueSpec
	Binds      []broker.BindOptions
	Prefetch   int
	Worker     string
	Threads    int
}

// Build resolves opts into a Topology. Missing exchange or queue names and
// non-positive thread counts are reported as ConfigurationError.
func Build(opts Options) (Topology, error) {
	var t Topology

	exchange, err := BuildExchange(opts.Exchange)
	if err != nil {
		return t, err
	}
	t.Exchange = exchange

	queue, err := buildQueue("queue", opts.Queue, "")
	if err != nil {
		return t, err
	}
	t.Queue = queue

	if opts.RetryQueue.Enabled {
		if err := t.wireRetry(opts.RetryQueue); err != nil {
			return t, err
		}
	}

	if opts.ErrorQueue.Enabled {
		errorQueue, err := buildQueue("error_queue", opts.ErrorQueue, t.Queue.Name+ErrorSuffix)
		if err != nil {
			return t, err
		}
		t.ErrorQueue = &errorQueue
	}

	t.Binds = expandBinds(t.Exchange.Options.Type, opts.RoutingKeys, opts.Binds)

	switch {
	case opts.Prefetch < 0:
		return t, werrors.NewConfigurationError("prefetch", "must be positive")
	case opts.Prefetch == 0:
		t.Prefetch = DefaultPrefetch
	default:
		t.Prefetch = opts.Prefetch
	}

	t.Worker, t.Threads = DefaultWorker, DefaultThreads
	if opts.Worker != nil {
		if opts.Worker.Name != "" {
			t.Worker = opts.Worker.Name
		}
		if opts.Worker.Threads <= 0 {
			return t, werrors.NewConfigurationError("worker.threads", fmt.Sprintf("must be at least 1, got %d", opts.Worker.Threads))
		}
		t.Threads = opts.Worker.Threads
	}

	return t, nil
}

// Clone returns a deep copy, so the argument tables of a frozen topology
// cannot be changed through the copy.
func (t Topology) Clone() Topology {
	out := t
	out.Exchange.Options.Arguments = cloneArgs(t.Exchange.Options.Arguments)
	out.Queue = t.Queue.clone()
	if t.RetryQueue != nil {
		q := t.RetryQueue.clone()
		out.RetryQueue = &q
	}
	if t.ErrorQueue != nil {
		q := t.ErrorQueue.clone()
		out.ErrorQueue = &q
	}
	if t.Binds != nil {
		out.Binds = make([]broker.BindOptions, len(t.Binds))
		for i, b := range t.Binds {
			out.Binds[i] = broker.BindOptions{RoutingKey: b.RoutingKey, Arguments: cloneArgs(b.Arguments)}
		}
	}
	return out
}

func (q QueueSpec) clone() QueueSpec {
	q.Options.Arguments = cloneArgs(q.Options.Arguments)
	return q
}

// BuildExchange resolves an exchange resource. The name is mandatory; the
// type defaults to topic and exchanges are durable unless stated otherwise.
func BuildExchange(r Resource) (ExchangeSpec, error) {
	name := r.name()
	if !r.Enabled || name == "" {
		return ExchangeSpec{}, werrors.NewConfigurationError("exchange", "name is required")
	}
	if err := checkKeys("exchange", r.Options, "type", "durable", "auto_delete", "internal", "arguments"); err != nil {
		return ExchangeSpec{}, err
	}

	spec := ExchangeSpec{Name: name}
	var err error
	if spec.Options.Type, err = stringOpt("exchange", r.Options, "type", broker.ExchangeTopic); err != nil {
		return ExchangeSpec{}, err
	}
	switch spec.Options.Type {
	case broker.ExchangeTopic, broker.ExchangeDirect, broker.ExchangeFanout, broker.ExchangeHeaders:
	default:
		return ExchangeSpec{}, werrors.NewConfigurationError("exchange.type", fmt.Sprintf("unsupported type %q", spec.Options.Type))
	}
	if spec.Options.Durable, err = boolOpt("exchange", r.Options, "durable", true); err != nil {
		return ExchangeSpec{}, err
	}
	if spec.Options.AutoDelete, err = boolOpt("exchange", r.Options, "auto_delete", false); err != nil {
		return ExchangeSpec{}, err
	}
	if spec.Options.Internal, err = boolOpt("exchange", r.Options, "internal", false); err != nil {
		return ExchangeSpec{}, err
	}
	if spec.Options.Arguments, err = argsOpt("exchange", r.Options); err != nil {
		return ExchangeSpec{}, err
	}
	return spec, nil
}

func buildQueue(field string, r Resource, derived string, extraKeys ...string) (QueueSpec, error) {
	name := r.name()
	if name == "" {
		name = derived
	}
	if !r.Enabled || name == "" {
		return QueueSpec{}, werrors.NewConfigurationError(field, "name is required")
	}
	allowed := append([]string{"durable", "auto_delete", "exclusive", "arguments"}, extraKeys...)
	if err := checkKeys(field, r.Options, allowed...); err != nil {
		return QueueSpec{}, err
	}

	spec := QueueSpec{Name: name}
	var err error
	if spec.Options.Durable, err = boolOpt(field, r.Options, "durable", true); err != nil {
		return QueueSpec{}, err
	}
	if spec.Options.AutoDelete, err = boolOpt(field, r.Options, "auto_delete", false); err != nil {
		return QueueSpec{}, err
	}
	if spec.Options.Exclusive, err = boolOpt(field, r.Options, "exclusive", false); err != nil {
		return QueueSpec{}, err
	}
	if spec.Options.Arguments, err = argsOpt(field, r.Options); err != nil {
		return QueueSpec{}, err
	}
	return spec, nil
}

// wireRetry declares the ping-pong pair: the main queue dead-letters into the
// retry queue, whose messages expire after the delay and dead-letter back.
func (t *Topology) wireRetry(r Resource) error {
	retry, err := buildQueue("retry_queue", r, t.Queue.Name+RetrySuffix, "delay")
	if err != nil {
		return err
	}

	delay := time.Duration(DefaultRetryDelay) * time.Millisecond
	if v, ok := r.Options["delay"]; ok {
		if delay, err = toDelay("retry_queue.delay", v); err != nil {
			return err
		}
	}
	if delay <= 0 {
		return werrors.NewConfigurationError("retry_queue.delay", "must be positive")
	}

	retry.Options.Arguments = withArgs(retry.Options.Arguments, map[string]any{
		ArgMessageTTL:           int(delay / time.Millisecond),
		ArgDeadLetterExchange:   "",
		ArgDeadLetterRoutingKey: t.Queue.Name,
	})
	t.Queue.Options.Arguments = withArgs(t.Queue.Options.Arguments, map[string]any{
		ArgDeadLetterExchange:   "",
		ArgDeadLetterRoutingKey: retry.Name,
	})
	t.RetryQueue = &retry
	t.RetryDelay = delay
	return nil
}

func withArgs(base, extra map[string]any) map[string]any {
	out := cloneArgs(base)
	if out == nil {
		out = make(map[string]any, len(extra))
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// CatchAllKey returns the binding key that matches every message on an
// exchange of the given type.
func CatchAllKey(exchangeType string) string {
	if exchangeType == broker.ExchangeTopic {
		return "#"
	}
	return ""
}

func expandBinds(exchangeType string, routingKeys []string, binds []BindOptions) []broker.BindOptions {
	if len(binds) == 0 {
		binds = []BindOptions{{RoutingKeys: routingKeys}}
	}

	var out []broker.BindOptions
	for _, b := range binds {
		if len(b.RoutingKeys) == 0 {
			out = append(out, broker.BindOptions{RoutingKey: CatchAllKey(exchangeType), Arguments: cloneArgs(b.Arguments)})
			continue
		}
		for _, key := range b.RoutingKeys {
			out = append(out, broker.BindOptions{RoutingKey: key, Arguments: cloneArgs(b.Arguments)})
		}
	}
	return out
}

// Declare declares every resource of the topology on ch and returns the main
// queue, ready to subscribe.
func (t Topology) Declare(ch broker.Channel) (broker.Queue, error) {
	if t.Exchange.Name == "" || t.Queue.Name == "" {
		return nil, werrors.NewConfigurationError("topology", "exchange and queue names are required before declaring")
	}

	if err := ch.DeclareExchange(t.Exchange.Name, t.Exchange.Options); err != nil {
		return nil, fmt.Errorf("declare exchange %q: %w", t.Exchange.Name, err)
	}
	if t.RetryQueue != nil {
		if _, err := ch.DeclareQueue(t.RetryQueue.Name, t.RetryQueue.Options); err != nil {
			return nil, fmt.Errorf("declare retry queue %q: %w", t.RetryQueue.Name, err)
		}
	}
	if t.ErrorQueue != nil {
		if _, err := ch.DeclareQueue(t.ErrorQueue.Name, t.ErrorQueue.Options); err != nil {
			return nil, fmt.Errorf("declare error queue %q: %w", t.ErrorQueue.Name, err)
		}
	}

	queue, err := ch.DeclareQueue(t.Queue.Name, t.Queue.Options)
	if err != nil {
		return nil, fmt.Errorf("declare queue %q: %w", t.Queue.Name, err)
	}
	for _, b := range t.Binds {
		if err := queue.Bind(t.Exchange.Name, b); err != nil {
			return nil, fmt.Errorf("bind queue %q to %q with %q: %w", t.Queue.Name, t.Exchange.Name, b.RoutingKey, err)
		}
	}
	return queue, nil
}
