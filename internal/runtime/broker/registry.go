package broker

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/drblury/warren/internal/runtime/config"
	werrors "github.com/drblury/warren/internal/runtime/errors"
)

// Registry maps URL schemes to dialers.
type Registry struct {
	mu      sync.RWMutex
	dialers map[string]Dialer
}

// DefaultRegistry is the global dialer registry. The amqp dialer registers
// itself for the amqp and amqps schemes.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty dialer registry.
func NewRegistry() *Registry {
	return &Registry{dialers: make(map[string]Dialer)}
}

// Register adds a dialer for the given URL scheme, replacing any previous one.
func (r *Registry) Register(scheme string, d Dialer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialers[strings.ToLower(scheme)] = d
}

// Has reports whether a dialer is registered for scheme.
func (r *Registry) Has(scheme string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.dialers[strings.ToLower(scheme)]
	return ok
}

// Schemes returns the registered schemes in sorted order.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemes := make([]string, 0, len(r.dialers))
	for scheme := range r.dialers {
		schemes = append(schemes, scheme)
	}
	sort.Strings(schemes)
	return schemes
}

// Dialer resolves the dialer responsible for rawURL.
func (r *Registry) Dialer(rawURL string) (Dialer, error) {
	scheme, err := schemeOf(rawURL)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	d, ok := r.dialers[scheme]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", werrors.ErrUnknownScheme, scheme, r.Schemes())
	}
	return d, nil
}

// Dial opens a connection using the dialer registered for the URL scheme.
// Dial failures are reported as BrokerUnavailableError.
func (r *Registry) Dial(ctx context.Context, rawURL, name string) (Connection, error) {
	d, err := r.Dialer(rawURL)
	if err != nil {
		return nil, err
	}
	conn, err := d.Dial(ctx, rawURL, name)
	if err != nil {
		return nil, unavailable(rawURL, err)
	}
	return conn, nil
}

// Register adds a dialer to the default registry.
func Register(scheme string, d Dialer) {
	DefaultRegistry.Register(scheme, d)
}

// Dial opens a connection through the default registry.
func Dial(ctx context.Context, rawURL, name string) (Connection, error) {
	return DefaultRegistry.Dial(ctx, rawURL, name)
}

func schemeOf(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" {
		return "", werrors.NewConfigurationError("broker_url", fmt.Sprintf("invalid URL %q", config.RedactURL(rawURL)))
	}
	return strings.ToLower(parsed.Scheme), nil
}

func unavailable(rawURL string, err error) error {
	if werrors.IsBrokerUnavailable(err) {
		return err
	}
	return &werrors.BrokerUnavailableError{URL: config.RedactURL(rawURL), Err: err}
}
