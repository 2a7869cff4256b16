package topology

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	werrors "github.com/drblury/warren/internal/runtime/errors"
)

// Resource is the user-facing description of an exchange or queue. It is
// either disabled (the zero value), enabled with a name derived from the main
// queue, or enabled with an explicit name and options.
type Resource struct {
	Enabled bool
	Name    string
	Options map[string]any
}

// Named enables a resource with an explicit name.
func Named(name string) Resource {
	return Resource{Enabled: true, Name: name}
}

// Enabled enables a resource whose name is derived from the main queue.
func Enabled() Resource {
	return Resource{Enabled: true}
}

// WithOptions enables a resource with options. A "name" key in opts is
// equivalent to passing name.
func WithOptions(name string, opts map[string]any) Resource {
	return Resource{Enabled: true, Name: name, Options: opts}
}

// Retry enables a retry queue with the given delay and a derived name.
func Retry(delay time.Duration) Resource {
	return Resource{Enabled: true, Options: map[string]any{"delay": delay}}
}

// ParseResource normalises a loosely typed value: a string is a name, true
// enables with a derived name, false and nil disable, and a map carries
// options (including an optional "name").
func ParseResource(field string, v any) (Resource, error) {
	switch value := v.(type) {
	case nil:
		return Resource{}, nil
	case Resource:
		return value, nil
	case bool:
		return Resource{Enabled: value}, nil
	case string:
		if value == "" {
			return Resource{}, werrors.NewConfigurationError(field, "name must not be empty")
		}
		return Named(value), nil
	case map[string]any:
		opts := make(map[string]any, len(value))
		name := ""
		for k, v := range value {
			if k == "name" {
				s, ok := v.(string)
				if !ok {
					return Resource{}, werrors.NewConfigurationError(field+".name", fmt.Sprintf("expected string, got %T", v))
				}
				name = s
				continue
			}
			opts[k] = v
		}
		return WithOptions(name, opts), nil
	default:
		return Resource{}, werrors.NewConfigurationError(field, fmt.Sprintf("expected string, bool or map, got %T", v))
	}
}

func (r Resource) name() string {
	if r.Name != "" {
		return r.Name
	}
	if s, ok := r.Options["name"].(string); ok {
		return s
	}
	return ""
}

// checkKeys rejects option keys outside allowed.
func checkKeys(field string, opts map[string]any, allowed ...string) error {
	var unknown []string
	for k := range opts {
		if k == "name" {
			continue
		}
		found := false
		for _, a := range allowed {
			if k == a {
				found = true
				break
			}
		}
		if !found {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return werrors.NewConfigurationError(field, fmt.Sprintf("unknown option(s) %s", strings.Join(unknown, ", ")))
}

func boolOpt(field string, opts map[string]any, key string, def bool) (bool, error) {
	v, ok := opts[key]
	if !ok {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, werrors.NewConfigurationError(field+"."+key, fmt.Sprintf("expected bool, got %T", v))
	}
	return b, nil
}

func stringOpt(field string, opts map[string]any, key, def string) (string, error) {
	v, ok := opts[key]
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", werrors.NewConfigurationError(field+"."+key, fmt.Sprintf("expected string, got %T", v))
	}
	return s, nil
}

func argsOpt(field string, opts map[string]any) (map[string]any, error) {
	v, ok := opts["arguments"]
	if !ok || v == nil {
		return nil, nil
	}
	args, ok := v.(map[string]any)
	if !ok {
		return nil, werrors.NewConfigurationError(field+".arguments", fmt.Sprintf("expected map, got %T", v))
	}
	return cloneArgs(args), nil
}

// toInt accepts the numeric types produced by Go code, YAML and JSON decoders.
func toInt(field string, v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint:
		return int(n), nil
	case uint32:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, werrors.NewConfigurationError(field, fmt.Sprintf("expected integer, got %v", n))
		}
		return int(n), nil
	default:
		return 0, werrors.NewConfigurationError(field, fmt.Sprintf("expected integer, got %T", v))
	}
}

// toDelay accepts a time.Duration, a duration string ("5s") or an integer
// number of milliseconds.
func toDelay(field string, v any) (time.Duration, error) {
	switch d := v.(type) {
	case time.Duration:
		return d, nil
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return 0, werrors.NewConfigurationError(field, fmt.Sprintf("invalid duration %q", d))
		}
		return parsed, nil
	default:
		ms, err := toInt(field, v)
		if err != nil {
			return 0, err
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
}

func toStrings(field string, v any) ([]string, error) {
	switch value := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{value}, nil
	case []string:
		return append([]string(nil), value...), nil
	case []any:
		out := make([]string, 0, len(value))
		for i, item := range value {
			s, ok := item.(string)
			if !ok {
				return nil, werrors.NewConfigurationError(fmt.Sprintf("%s[%d]", field, i), fmt.Sprintf("expected string, got %T", item))
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, werrors.NewConfigurationError(field, fmt.Sprintf("expected string or list, got %T", v))
	}
}

// cloneArgs copies argument tables, nested tables and lists included.
func cloneArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		return cloneArgs(value)
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), value...)
	default:
		return v
	}
}
