package registry

import (
	"context"
	"sync"
	"time"

	"github.com/drblury/warren/internal/runtime/logging"
)

// Heartbeater refreshes one record on a fixed interval.
type Heartbeater struct {
	Registry *Registry
	Interval time.Duration
	// OnBeat runs after each successful heartbeat.
	OnBeat func(ProcessRecord)
	// OnLost runs once when the record has disappeared from the registry,
	// which means the process was pruned and should stop.
	OnLost func(error)
	Logger logging.ServiceLogger

	mu     sync.Mutex
	record ProcessRecord
}

// NewHeartbeater creates a Heartbeater for rec.
func NewHeartbeater(reg *Registry, rec ProcessRecord, interval time.Duration) *Heartbeater {
	return &Heartbeater{Registry: reg, Interval: interval, record: rec}
}

// Record returns the record as of the last heartbeat.
func (h *Heartbeater) Record() ProcessRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.record
}

// Beat performs one heartbeat.
func (h *Heartbeater) Beat(ctx context.Context) error {
	rec, err := h.Registry.Heartbeat(ctx, h.Record())
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.record = rec
	h.mu.Unlock()
	if h.OnBeat != nil {
		h.OnBeat(rec)
	}
	return nil
}

// Run heartbeats immediately and then every Interval until ctx is done. A
// lost record ends the loop after calling OnLost; other failures are logged
// and retried on the next tick.
func (h *Heartbeater) Run(ctx context.Context) error {
	logger := h.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	interval := h.Interval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := h.Beat(ctx); err != nil {
			if IsNotFound(err) {
				logger.Error("Process record vanished, stopping", err, logging.LogFields{"process_id": h.Record().ID})
				if h.OnLost != nil {
					h.OnLost(err)
				}
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("Heartbeat failed", err, logging.LogFields{"process_id": h.Record().ID})
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Pruner periodically prunes stale records on behalf of one supervisor.
type Pruner struct {
	Registry *Registry
	Interval time.Duration
	// Self is never pruned.
	Self   string
	Logger logging.ServiceLogger
}

// Run prunes every Interval until ctx is done.
func (p *Pruner) Run(ctx context.Context) error {
	logger := p.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pruned, err := p.Registry.Prune(ctx, p.Self)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Error("Pruning failed", err, nil)
				continue
			}
			if len(pruned) > 0 {
				logger.Debug("Pruned stale processes", logging.LogFields{"count": len(pruned)})
			}
		}
	}
}
