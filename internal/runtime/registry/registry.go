package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	werrors "github.com/drblury/warren/internal/runtime/errors"
	"github.com/drblury/warren/internal/runtime/ids"
	"github.com/drblury/warren/internal/runtime/logging"
	"github.com/drblury/warren/internal/runtime/metrics"
)

// Defaults used when the corresponding setting is zero.
const (
	DefaultAliveThreshold    = 5 * time.Minute
	DefaultHeartbeatInterval = time.Minute
	DefaultPruneInterval     = 5 * time.Minute
)

// Options configures a Registry.
type Options struct {
	Store          Store
	AliveThreshold time.Duration
	Logger         logging.ServiceLogger
	Metrics        *metrics.Metrics
	// Now is the clock; tests replace it.
	Now func() time.Time
}

// Registry implements register, heartbeat, deregister and prune on top of a
// Store.
type Registry struct {
	store     Store
	threshold time.Duration
	logger    logging.ServiceLogger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New creates a Registry. A nil store uses a MemoryStore.
func New(opts Options) *Registry {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.AliveThreshold <= 0 {
		opts.AliveThreshold = DefaultAliveThreshold
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		store:     opts.Store,
		threshold: opts.AliveThreshold,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
}

// Attributes are the caller-supplied fields of a new record. PID and
// Hostname default to the current process.
type Attributes struct {
	Name         string
	Kind         string
	SupervisorID string
	PID          int
	Hostname     string
}

// Register creates a record with a fresh id.
func (r *Registry) Register(ctx context.Context, attrs Attributes) (ProcessRecord, error) {
	if attrs.Kind == "" {
		return ProcessRecord{}, werrors.NewConfigurationError("kind", "process kind is required")
	}
	if attrs.PID == 0 {
		attrs.PID = os.Getpid()
	}
	if attrs.Hostname == "" {
		attrs.Hostname, _ = os.Hostname()
	}
	if attrs.Name == "" {
		attrs.Name = fmt.Sprintf("%s-%d", attrs.Kind, attrs.PID)
	}

	rec := ProcessRecord{
		ID:           ids.CreateULIDAt(r.now()),
		Name:         attrs.Name,
		PID:          attrs.PID,
		Hostname:     attrs.Hostname,
		Kind:         attrs.Kind,
		SupervisorID: attrs.SupervisorID,
	}
	if err := r.store.Insert(ctx, rec); err != nil {
		return ProcessRecord{}, fmt.Errorf("register process %q: %w", rec.Name, err)
	}
	r.logger.Debug("Registered process", recordFields(rec))
	return rec, nil
}

// Find returns the record with the given id.
func (r *Registry) Find(ctx context.Context, id string) (ProcessRecord, error) {
	return r.store.Get(ctx, id)
}

// Heartbeat updates the record's heartbeat time and returns the updated
// record. A record removed by pruning yields errors.ErrProcessNotFound.
func (r *Registry) Heartbeat(ctx context.Context, rec ProcessRecord) (ProcessRecord, error) {
	at := r.now()
	if err := r.store.Touch(ctx, rec.ID, at); err != nil {
		r.metrics.RecordHeartbeat(rec.Kind, false)
		return rec, err
	}
	r.metrics.RecordHeartbeat(rec.Kind, true)
	rec.LastHeartbeatAt = &at
	return rec, nil
}

// Deregister removes the record and every record it supervises.
func (r *Registry) Deregister(ctx context.Context, rec ProcessRecord) error {
	all, err := r.store.List(ctx)
	if err != nil {
		return err
	}
	victims := append([]string{rec.ID}, superviseeIDs(all, rec.ID)...)
	if _, err := r.store.Delete(ctx, victims...); err != nil {
		return fmt.Errorf("deregister process %q: %w", rec.ID, err)
	}
	r.logger.Debug("Deregistered process", recordFields(rec))
	return nil
}

// Prune removes every record whose last heartbeat is older than the alive
// threshold, except the one with id excluding. A pruned record that is not a
// supervisor takes the records it supervises with it; workers of a pruned
// supervisor stay until their own heartbeats go stale. Pruning never removes
// a record's supervisor. It returns the stale records that were removed.
func (r *Registry) Prune(ctx context.Context, excluding string) ([]ProcessRecord, error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := r.now().Add(-r.threshold)
	var stale []ProcessRecord
	victims := make(map[string]struct{})
	for _, rec := range all {
		if rec.ID == excluding || !rec.LastSeen().Before(cutoff) {
			continue
		}
		stale = append(stale, rec)
		victims[rec.ID] = struct{}{}
		if rec.IsSupervisor() {
			continue
		}
		for _, id := range superviseeIDs(all, rec.ID) {
			if id != excluding {
				victims[id] = struct{}{}
			}
		}
	}
	if len(victims) == 0 {
		return nil, nil
	}

	toDelete := make([]string, 0, len(victims))
	for id := range victims {
		toDelete = append(toDelete, id)
	}
	removed, err := r.store.Delete(ctx, toDelete...)
	if err != nil {
		return nil, fmt.Errorf("prune processes: %w", err)
	}
	r.metrics.RecordPruned(removed)
	for _, rec := range stale {
		r.logger.Info("Pruned stale process", recordFields(rec))
	}
	return stale, nil
}

// List returns every record.
func (r *Registry) List(ctx context.Context) ([]ProcessRecord, error) {
	return r.store.List(ctx)
}

// Supervisees returns the records whose supervisor is id.
func (r *Registry) Supervisees(ctx context.Context, id string) ([]ProcessRecord, error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []ProcessRecord
	for _, rec := range all {
		if rec.SupervisorID == id {
			out = append(out, rec)
		}
	}
	return out, nil
}

// AliveThreshold returns the configured threshold.
func (r *Registry) AliveThreshold() time.Duration { return r.threshold }

// Close closes the store.
func (r *Registry) Close() error {
	return r.store.Close()
}

// IsNotFound reports whether err means the record no longer exists.
func IsNotFound(err error) bool {
	return errors.Is(err, werrors.ErrProcessNotFound)
}

func superviseeIDs(all []ProcessRecord, supervisorID string) []string {
	var out []string
	for _, rec := range all {
		if rec.SupervisorID == supervisorID && rec.ID != supervisorID {
			out = append(out, rec.ID)
		}
	}
	return out
}

func recordFields(rec ProcessRecord) logging.LogFields {
	return logging.LogFields{
		"process_id":    rec.ID,
		"process_name":  rec.Name,
		"process_kind":  rec.Kind,
		"os_pid":        rec.PID,
		"hostname":      rec.Hostname,
		"supervisor_id": rec.SupervisorID,
	}
}
