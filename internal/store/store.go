package store

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// RuntimeStatus is the last known state of a terminal process, rewritten on every change.
type RuntimeStatus struct {
	Mode           string     `json:"mode"`
	Symbol         string     `json:"symbol"`
	Interval       string     `json:"interval"`
	InstanceID     string     `json:"instance_id"`
	PID            int        `json:"pid"`
	State          string     `json:"state"`
	StreamsKey     string     `json:"streams_key,omitempty"`
	Connected      bool       `json:"connected"`
	StartedAt      time.Time  `json:"started_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastError      string     `json:"last_error,omitempty"`
	Reconnects     int        `json:"reconnects,omitempty"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}

// Store keeps small JSON documents under one state directory.
type Store struct {
	root   string
	logger *zap.Logger
	mu     sync.Mutex
}

func New(root string, logger *zap.Logger) (*Store, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{root: root, logger: logger.Named("store")}, nil
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) SaveRuntimeStatus(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSONAtomic(s.runtimeStatusPath(), status, 0o644)
}

func (s *Store) LoadRuntimeStatus() (RuntimeStatus, bool, error) {
	var status RuntimeStatus
	ok, err := readJSON(s.runtimeStatusPath(), &status)
	return status, ok, err
}

func (s *Store) runtimeStatusPath() string {
	return filepath.Join(s.root, "runtime_status.json")
}

func (s *Store) credentialsPath() string {
	return filepath.Join(s.root, "credentials.json")
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) writeJSONAtomic(path string, v any, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	s.syncDir(dir, path)
	return nil
}

// syncDir makes the rename durable where the platform allows it.
func (s *Store) syncDir(dir, path string) {
	d, err := os.Open(dir)
	if err != nil {
		s.logger.Warn("store_dir_fsync_skipped", zap.Error(err), zap.String("dir", dir), zap.String("target", path))
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		s.logger.Warn("store_dir_fsync_failed", zap.Error(err), zap.String("dir", dir), zap.String("target", path))
	}
}
