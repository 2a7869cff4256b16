package topology

import (
	"fmt"
	"sort"
	"strings"

	werrors "github.com/drblury/warren/internal/runtime/errors"
)

// Defaults applied when building a Topology.
const (
	DefaultWorker     = "default"
	DefaultThreads    = 1
	DefaultPrefetch   = 1
	DefaultRetryDelay = 5000 // milliseconds
)

// WorkerOptions assigns a consumer to a worker process group.
type WorkerOptions struct {
	Name    string
	Threads int
}

// BindOptions binds the main queue with one or more routing keys. No routing
// key yields a single catch-all binding.
type BindOptions struct {
	RoutingKeys []string
	Arguments   map[string]any
}

// Options is the declarative consumer configuration.
type Options struct {
	Exchange    Resource
	Queue       Resource
	RoutingKeys []string
	Binds       []BindOptions
	RetryQueue  Resource
	ErrorQueue  Resource
	// Prefetch caps unacknowledged deliveries per subscription. Zero means
	// DefaultPrefetch.
	Prefetch int
	// Worker groups the consumer. Nil means DefaultWorker with DefaultThreads.
	Worker *WorkerOptions
}

var optionKeys = []string{"queue", "exchange", "routing_key", "bind", "retry_queue", "error_queue", "prefetch", "worker"}

// ParseOptions reads consumer options from a generic map, as produced by a
// YAML or JSON decoder. Unknown keys are a ConfigurationError.
func ParseOptions(raw map[string]any) (Options, error) {
	var opts Options

	var unknown []string
	for k := range raw {
		if !containsKey(optionKeys, k) {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return opts, werrors.NewConfigurationError("consumer", fmt.Sprintf("unknown option(s) %s", strings.Join(unknown, ", ")))
	}

	var err error
	if opts.Exchange, err = ParseResource("exchange", raw["exchange"]); err != nil {
		return opts, err
	}
	if opts.Queue, err = ParseResource("queue", raw["queue"]); err != nil {
		return opts, err
	}
	if opts.RetryQueue, err = ParseResource("retry_queue", raw["retry_queue"]); err != nil {
		return opts, err
	}
	if opts.ErrorQueue, err = ParseResource("error_queue", raw["error_queue"]); err != nil {
		return opts, err
	}
	if opts.RoutingKeys, err = toStrings("routing_key", raw["routing_key"]); err != nil {
		return opts, err
	}
	if opts.Binds, err = parseBinds(raw["bind"]); err != nil {
		return opts, err
	}
	if v, ok := raw["prefetch"]; ok {
		if opts.Prefetch, err = toInt("prefetch", v); err != nil {
			return opts, err
		}
		if opts.Prefetch <= 0 {
			return opts, werrors.NewConfigurationError("prefetch", "must be positive")
		}
	}
	if v, ok := raw["worker"]; ok {
		if opts.Worker, err = parseWorker(v); err != nil {
			return opts, err
		}
	}
	return opts, nil
}

func parseBinds(v any) ([]BindOptions, error) {
	switch value := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		b, err := parseBind("bind", value)
		if err != nil {
			return nil, err
		}
		return []BindOptions{b}, nil
	case []any:
		binds := make([]BindOptions, 0, len(value))
		for i, item := range value {
			field := fmt.Sprintf("bind[%d]", i)
			switch entry := item.(type) {
			case string:
				binds = append(binds, BindOptions{RoutingKeys: []string{entry}})
			case map[string]any:
				b, err := parseBind(field, entry)
				if err != nil {
					return nil, err
				}
				binds = append(binds, b)
			default:
				return nil, werrors.NewConfigurationError(field, fmt.Sprintf("expected string or map, got %T", item))
			}
		}
		return binds, nil
	default:
		return nil, werrors.NewConfigurationError("bind", fmt.Sprintf("expected map or list, got %T", v))
	}
}

func parseBind(field string, m map[string]any) (BindOptions, error) {
	if err := checkKeys(field, m, "routing_key", "arguments"); err != nil {
		return BindOptions{}, err
	}
	keys, err := toStrings(field+".routing_key", m["routing_key"])
	if err != nil {
		return BindOptions{}, err
	}
	args, err := argsOpt(field, m)
	if err != nil {
		return BindOptions{}, err
	}
	return BindOptions{RoutingKeys: keys, Arguments: args}, nil
}

func parseWorker(v any) (*WorkerOptions, error) {
	switch value := v.(type) {
	case string:
		return &WorkerOptions{Name: value, Threads: DefaultThreads}, nil
	case map[string]any:
		if err := checkKeys("worker", value, "threads"); err != nil {
			return nil, err
		}
		w := &WorkerOptions{Threads: DefaultThreads}
		name, err := stringOpt("worker", value, "name", "")
		if err != nil {
			return nil, err
		}
		w.Name = name
		if t, ok := value["threads"]; ok {
			if w.Threads, err = toInt("worker.threads", t); err != nil {
				return nil, err
			}
		}
		return w, nil
	default:
		return nil, werrors.NewConfigurationError("worker", fmt.Sprintf("expected string or map, got %T", v))
	}
}

func containsKey(keys []string, k string) bool {
	for _, candidate := range keys {
		if candidate == k {
			return true
		}
	}
	return false
}
