// Package registry tracks the running supervisor and worker processes. Each
// process registers itself at boot, heartbeats on a fixed interval and
// deregisters on a clean exit; the supervisor prunes records whose heartbeat
// is older than the alive threshold.
package registry

import (
	"context"
	"time"

	"github.com/drblury/warren/internal/runtime/ids"
)

// KindSupervisor is the kind of supervisor records. Workers use their worker
// name as kind.
const KindSupervisor = "supervisor"

// ProcessRecord is one running process.
type ProcessRecord struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	PID      int    `json:"pid"`
	Hostname string `json:"hostname"`
	Kind     string `json:"kind"`
	// LastHeartbeatAt is nil until the first heartbeat.
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	// SupervisorID is empty for the top-level supervisor.
	SupervisorID string `json:"supervisor_id,omitempty"`
}

// IsSupervisor reports whether the record belongs to a supervisor.
func (r ProcessRecord) IsSupervisor() bool {
	return r.Kind == KindSupervisor
}

// LastSeen returns the last heartbeat, or the registration time encoded in
// the id when the process never heartbeated.
func (r ProcessRecord) LastSeen() time.Time {
	if r.LastHeartbeatAt != nil {
		return *r.LastHeartbeatAt
	}
	registered, err := ids.Time(r.ID)
	if err != nil {
		return time.Time{}
	}
	return registered
}

// Store persists process records. Implementations must be safe for
// concurrent use.
type Store interface {
	Insert(ctx context.Context, rec ProcessRecord) error
	// Get returns errors.ErrProcessNotFound for unknown ids.
	Get(ctx context.Context, id string) (ProcessRecord, error)
	// Touch sets the heartbeat time. It returns errors.ErrProcessNotFound for
	// unknown ids.
	Touch(ctx context.Context, id string, at time.Time) error
	// Delete removes the given ids and reports how many existed.
	Delete(ctx context.Context, ids ...string) (int, error)
	List(ctx context.Context) ([]ProcessRecord, error)
	Close() error
}
