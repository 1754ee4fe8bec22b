// Package filestore provides a file-backed persistence backend. All entries
// live in one JSON document guarded by an advisory file lock, so multiple
// processes of the same application can share it safely.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/peregrine-id/oidcclient/oidc"
)

const lockRetryDelay = 25 * time.Millisecond

// Map is a file-backed oidc.PersistentMap. Every operation takes the file
// lock, reads the document, and for writes replaces it atomically via a
// temp file rename. The document is plain JSON: snapshot values are already
// serialized strings, and the tokens inside them are the application's to
// protect at rest.
type Map struct {
	path string
	lock *flock.Flock
}

var _ oidc.PersistentMap = (*Map)(nil)

// New creates a Map stored at path. The parent directory is created if
// needed; the file itself is created on first write.
func New(path string) (*Map, error) {
	const op = "filestore.New"
	if path == "" {
		return nil, fmt.Errorf("%s: path is empty: %w", op, oidc.ErrInvalidParameter)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("%s: unable to create directory for %q: %w", op, path, err)
	}
	return &Map{
		path: path,
		lock: flock.New(path + ".lock"),
	}, nil
}

func (m *Map) withLock(ctx context.Context, fn func() error) error {
	locked, err := m.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("unable to acquire file lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("unable to acquire file lock: %w", oidc.ErrPrecondition)
	}
	defer func() { _ = m.lock.Unlock() }()
	return fn()
}

func (m *Map) read() (map[string]string, error) {
	raw, err := os.ReadFile(m.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return map[string]string{}, nil
	case err != nil:
		return nil, fmt.Errorf("unable to read %q: %w", m.path, err)
	}
	entries := map[string]string{}
	if len(raw) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("unable to parse %q: %w", m.path, err)
	}
	return entries, nil
}

func (m *Map) write(entries map[string]string) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("unable to marshal entries: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(m.path), filepath.Base(m.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("unable to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("unable to write %q: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("unable to close %q: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("unable to chmod %q: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("unable to replace %q: %w", m.path, err)
	}
	return nil
}

func (m *Map) Get(ctx context.Context, key string) (string, bool, error) {
	const op = "filestore.Get"
	var value string
	var ok bool
	err := m.withLock(ctx, func() error {
		entries, err := m.read()
		if err != nil {
			return err
		}
		value, ok = entries[key]
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("%s: %w", op, err)
	}
	return value, ok, nil
}

func (m *Map) Set(ctx context.Context, key, value string) error {
	const op = "filestore.Set"
	err := m.withLock(ctx, func() error {
		entries, err := m.read()
		if err != nil {
			return err
		}
		entries[key] = value
		return m.write(entries)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (m *Map) Delete(ctx context.Context, key string) (bool, error) {
	const op = "filestore.Delete"
	var removed bool
	err := m.withLock(ctx, func() error {
		entries, err := m.read()
		if err != nil {
			return err
		}
		if _, ok := entries[key]; !ok {
			return nil
		}
		removed = true
		delete(entries, key)
		return m.write(entries)
	})
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return removed, nil
}

func (m *Map) Contains(ctx context.Context, key string) (bool, error) {
	const op = "filestore.Contains"
	var ok bool
	err := m.withLock(ctx, func() error {
		entries, err := m.read()
		if err != nil {
			return err
		}
		_, ok = entries[key]
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return ok, nil
}

func (m *Map) Entries(ctx context.Context) (map[string]string, error) {
	const op = "filestore.Entries"
	var entries map[string]string
	err := m.withLock(ctx, func() error {
		var err error
		entries, err = m.read()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return entries, nil
}
