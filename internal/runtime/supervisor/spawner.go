package supervisor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/drblury/warren/internal/runtime/worker"
)

// Environment variables handed to spawned worker processes.
const (
	EnvWorkerDefinition = "WARREN_WORKER_DEFINITION"
	EnvSupervisorID     = "WARREN_SUPERVISOR_ID"
)

// Process is a running worker unit.
type Process interface {
	Pid() int
	Signal(sig os.Signal) error
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// Err is the exit error, valid after Done is closed.
	Err() error
}

// Spawner starts isolated worker units from frozen definitions.
type Spawner interface {
	Spawn(def worker.Definition) (Process, error)
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(def worker.Definition) (Process, error)

func (f SpawnerFunc) Spawn(def worker.Definition) (Process, error) { return f(def) }

// ExecSpawner re-executes a binary, by default the running one, with the
// worker definition in its environment.
type ExecSpawner struct {
	// Path defaults to os.Executable.
	Path   string
	Args   []string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

var executable = os.Executable

func (s ExecSpawner) Spawn(def worker.Definition) (Process, error) {
	path := s.Path
	if path == "" {
		var err error
		if path, err = executable(); err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
	}
	encoded, err := def.Encode()
	if err != nil {
		return nil, err
	}

	args := s.Args
	if args == nil && len(os.Args) > 1 {
		args = os.Args[1:]
	}
	cmd := exec.Command(path, args...)
	env := s.Env
	if env == nil {
		env = os.Environ()
	}
	cmd.Env = append(append([]string(nil), env...),
		EnvWorkerDefinition+"="+encoded,
		EnvSupervisorID+"="+def.SupervisorID,
	)
	cmd.Stdout = orDefault(s.Stdout, os.Stdout)
	cmd.Stderr = orDefault(s.Stderr, os.Stderr)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn worker %q: %w", def.Name, err)
	}
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

func orDefault(w, fallback io.Writer) io.Writer {
	if w == nil {
		return fallback
	}
	return w
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Signal(sig os.Signal) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
