package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
)

var errCorruptLock = errors.New("corrupt lock file")

// LockInfo is the JSON body of a run lock file.
type LockInfo struct {
	Kind      crawler.Kind `json:"kind"`
	PID       int          `json:"pid"`
	RunID     string       `json:"run_id,omitempty"`
	StartedAt time.Time    `json:"started_at"`
}

// Locker manages one lock file per run kind. Acquisition relies on
// O_CREATE|O_EXCL so two processes sharing the directory cannot both win.
type Locker struct {
	fs  afero.Fs
	dir string
}

// NewLocker creates the lock directory if needed.
func NewLocker(fsys afero.Fs, dir string) (*Locker, error) {
	if dir == "" {
		return nil, crawler.NewConfigError("lock.dir", "is required")
	}
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir %s: %w", dir, err)
	}
	return &Locker{fs: fsys, dir: dir}, nil
}

// Path returns the lock file for kind.
func (l *Locker) Path(kind crawler.Kind) string {
	return filepath.Join(l.dir, string(kind)+".lock")
}

// Acquire writes the lock for info.Kind. It returns ErrAlreadyRunning when
// the file already exists.
func (l *Locker) Acquire(info LockInfo) error {
	path := l.Path(info.Kind)
	f, err := l.fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%s lock %s: %w", info.Kind, path, crawler.ErrAlreadyRunning)
		}
		return fmt.Errorf("create lock %s: %w", path, err)
	}
	werr := json.NewEncoder(f).Encode(info)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = l.fs.Remove(path)
		return fmt.Errorf("write lock %s: %w", path, werr)
	}
	return nil
}

// Update rewrites the body of a lock this process already holds.
func (l *Locker) Update(info LockInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	data = append(data, '\n')
	if err := afero.WriteFile(l.fs, l.Path(info.Kind), data, 0o644); err != nil {
		return fmt.Errorf("update lock: %w", err)
	}
	return nil
}

// Inspect reads the lock for kind. A missing lock returns ErrNotFound; an
// undecodable body returns an error wrapping errCorruptLock.
func (l *Locker) Inspect(kind crawler.Kind) (LockInfo, error) {
	path := l.Path(kind)
	data, err := afero.ReadFile(l.fs, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return LockInfo{}, &crawler.NotFoundError{Target: path}
		}
		return LockInfo{}, fmt.Errorf("read lock %s: %w", path, err)
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return LockInfo{Kind: kind}, fmt.Errorf("%w %s: %v", errCorruptLock, path, err)
	}
	return info, nil
}

// Release removes the lock for kind when it belongs to pid. A lock rewritten
// by another process is left alone.
func (l *Locker) Release(kind crawler.Kind, pid int) error {
	info, err := l.Inspect(kind)
	if errors.Is(err, crawler.ErrNotFound) {
		return nil
	}
	if err == nil && info.PID != pid {
		return nil
	}
	return l.remove(kind)
}

func (l *Locker) remove(kind crawler.Kind) error {
	if err := l.fs.Remove(l.Path(kind)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}
