package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	werrors "github.com/drblury/warren/internal/runtime/errors"
)

// Pidfile records the supervisor's pid and guards against a second
// supervisor starting with the same path.
type Pidfile struct {
	Path string
	pid  int
}

// Acquire writes the current pid. It fails with ErrPidfileLocked when the
// file names another live process; a stale file is overwritten.
func (p *Pidfile) Acquire() error {
	if p.Path == "" {
		return nil
	}
	if pid, err := readPid(p.Path); err == nil && pid != os.Getpid() && alive(pid) {
		return fmt.Errorf("%w: %s (pid %d)", werrors.ErrPidfileLocked, p.Path, pid)
	}

	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return fmt.Errorf("create pidfile directory: %w", err)
	}
	p.pid = os.Getpid()
	if err := os.WriteFile(p.Path, []byte(strconv.Itoa(p.pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}
	return nil
}

// Release removes the file if it still holds our pid.
func (p *Pidfile) Release() error {
	if p.Path == "" || p.pid == 0 {
		return nil
	}
	pid, err := readPid(p.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if pid != p.pid {
		return nil
	}
	if err := os.Remove(p.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func readPid(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("parse pidfile %s: %w", path, err)
	}
	return pid, nil
}

// alive probes pid with signal 0. EPERM means the process exists but belongs
// to someone else.
func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
