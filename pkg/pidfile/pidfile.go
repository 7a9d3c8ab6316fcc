package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PIDFile guards against a second daemon instance on the same PID file path.
type PIDFile struct {
	path string
	pid  int
}

// New creates a PIDFile for the current process.
func New(path string) *PIDFile {
	return &PIDFile{
		path: path,
		pid:  os.Getpid(),
	}
}

// CheckRunning reports whether another live process holds the PID file.
func (p *PIDFile) CheckRunning() (bool, int, error) {
	existing, err := p.readExistingPID()
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	if existing == p.pid {
		return false, existing, nil
	}
	return isProcessRunning(existing), existing, nil
}

// Create writes the PID file, removing a stale one first.
func (p *PIDFile) Create() error {
	if existing, err := p.readExistingPID(); err == nil {
		if isProcessRunning(existing) && existing != p.pid {
			return fmt.Errorf("daemon already running with PID %d", existing)
		}
		if err := os.Remove(p.path); err != nil {
			return fmt.Errorf("failed to remove stale PID file: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}
	if err := os.WriteFile(p.path, []byte(fmt.Sprintf("%d\n", p.pid)), 0o644); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}
	return nil
}

// Remove deletes the PID file if it still belongs to this process.
func (p *PIDFile) Remove() error {
	existing, err := p.readExistingPID()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return os.Remove(p.path)
	}
	if existing != p.pid {
		return fmt.Errorf("PID file contains different PID (%d vs %d), not removing", existing, p.pid)
	}
	return os.Remove(p.path)
}

// ForceRemove deletes the PID file regardless of owner.
func (p *PIDFile) ForceRemove() error {
	err := os.Remove(p.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (p *PIDFile) readExistingPID() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("corrupt PID file %s: %w", p.path, err)
	}
	return pid, nil
}

func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
