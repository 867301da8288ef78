package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FileLocker implements Locker with one lock file per key in a directory.
// Lock files record their owner and expiry; an expired or unreadable lock
// file is reclaimed by the next caller.
type FileLocker struct {
	dir           string
	RetryInterval time.Duration
}

// NewFileLocker creates a file locker in the given directory.
// The directory will be created if it doesn't exist.
func NewFileLocker(dir string) (*FileLocker, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FileLocker{dir: dir}, nil
}

// lockEntry is the lock file content.
type lockEntry struct {
	Token     string    `json:"token"`
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Lock acquires the lock for key, retrying until ctx is done.
func (l *FileLocker) Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error) {
	path := l.path(key)
	host, _ := os.Hostname()
	entry := lockEntry{Token: uuid.NewString(), PID: os.Getpid(), Host: host}

	err := acquire(ctx, l.RetryInterval, func() (bool, error) {
		if ttl > 0 {
			entry.ExpiresAt = time.Now().Add(ttl)
		}
		ok, err := create(path, entry)
		if ok || err != nil {
			return ok, err
		}
		if l.reclaim(path) {
			return create(path, entry)
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}

	owned := func(data []byte) bool {
		var current lockEntry
		return json.Unmarshal(data, &current) == nil && current.Token == entry.Token
	}
	return func(ctx context.Context) error {
		for {
			_, err := take(path, owned)
			if !errors.Is(err, errGuardBusy) {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.retryInterval()):
			}
		}
	}, nil
}

func (l *FileLocker) retryInterval() time.Duration {
	if l.RetryInterval <= 0 {
		return DefaultRetryInterval
	}
	return l.RetryInterval
}

// reclaim removes the lock file at path if it has expired or is corrupt.
// It reports whether the caller may try to create the lock again.
func (l *FileLocker) reclaim(path string) bool {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	if err != nil {
		return false
	}
	var entry lockEntry
	if json.Unmarshal(data, &entry) == nil && (entry.ExpiresAt.IsZero() || time.Now().Before(entry.ExpiresAt)) {
		return false
	}
	// A lock created by another caller since the read stays.
	taken, err := take(path, func(current []byte) bool { return bytes.Equal(current, data) })
	return taken && err == nil
}

// guardTTL is the age after which a leftover reclaim guard is discarded.
const guardTTL = 5 * time.Second

var errGuardBusy = errors.New("lock file is being released by another caller")

// take deletes the lock file at path if match accepts its content. Every
// deletion holds the path's guard file, and lock files are only created where
// none exists, so the content checked is the content deleted.
func take(path string, match func([]byte) bool) (bool, error) {
	guard := path + ".guard"
	f, err := os.OpenFile(guard, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, fs.ErrExist) {
		if info, serr := os.Stat(guard); serr == nil && time.Since(info.ModTime()) > guardTTL {
			os.Remove(guard)
		}
		return false, errGuardBusy
	}
	if err != nil {
		return false, fmt.Errorf("create lock guard: %w", err)
	}
	f.Close()
	defer os.Remove(guard)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read lock file: %w", err)
	}
	if !match(data) {
		return false, nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("remove lock file: %w", err)
	}
	return true, nil
}

// create publishes the lock file only if it does not exist. The entry is
// written to a private file first and hard-linked into place, so the lock
// file is never observed half written.
func create(path string, entry lockEntry) (bool, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("encode lock file: %w", err)
	}
	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return false, fmt.Errorf("write lock file: %w", err)
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create lock file: %w", err)
	}
	return true, nil
}

// path converts a lock key to a file path.
func (l *FileLocker) path(key string) string {
	safe := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' {
			return '_'
		}
		return r
	}, key)
	return filepath.Join(l.dir, safe+".lock")
}
