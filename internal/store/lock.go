package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
)

const lockFileName = ".terminal.lock"

// ErrLocked means another terminal process owns the state directory.
var ErrLocked = errors.New("state dir is locked by another terminal")

// InstanceLock keeps a second terminal from sharing a state directory.
type InstanceLock struct {
	path string
	file *os.File
}

type LockOptions struct {
	InstanceID      string
	TakeoverEnabled bool
	StaleAfter      time.Duration
	Now             func() time.Time
}

type lockOwner struct {
	PID        int       `json:"pid"`
	InstanceID string    `json:"instance_id,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

func AcquireInstanceLock(root string, opts LockOptions) (*InstanceLock, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	path := filepath.Join(root, lockFileName)

	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			owner := lockOwner{PID: os.Getpid(), InstanceID: opts.InstanceID, StartedAt: now().UTC()}
			if err := writeOwner(f, owner); err != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, err
			}
			return &InstanceLock{path: path, file: f}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if !opts.TakeoverEnabled {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		reason, takeover, err := staleReason(path, now().UTC(), opts.StaleAfter)
		if err != nil {
			return nil, fmt.Errorf("%w: %s (stale check failed: %v)", ErrLocked, path, err)
		}
		if !takeover {
			return nil, fmt.Errorf("%w: %s (%s)", ErrLocked, path, reason)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLocked, path)
}

func writeOwner(f *os.File, owner lockOwner) error {
	data, err := json.Marshal(owner)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// staleReason decides whether an existing lock may be taken over. A lock whose owner process is
// gone is stale; without a pid the lock goes stale after staleAfter.
func staleReason(path string, now time.Time, staleAfter time.Duration) (string, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "lock_disappeared", true, nil
		}
		return "", false, err
	}
	var owner lockOwner
	if err := json.Unmarshal(data, &owner); err != nil {
		// Unreadable owner info is treated like a lock without a pid.
		owner = lockOwner{}
	}
	if owner.PID > 0 {
		if processAlive(owner.PID) {
			return "owner_process_running", false, nil
		}
		return "owner_process_not_running", true, nil
	}
	if owner.StartedAt.IsZero() {
		return "missing_lock_owner_info", false, nil
	}
	if staleAfter > 0 && now.Sub(owner.StartedAt) >= staleAfter {
		return "lock_age_exceeded", true, nil
	}
	return "lock_not_stale", false, nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return true
	case errors.Is(err, syscall.EPERM):
		return true
	default:
		return false
	}
}

func (l *InstanceLock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
