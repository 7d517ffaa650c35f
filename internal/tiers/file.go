package tiers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileTier stores every key in one JSON object file. Several processes may
// share the file; each read-modify-write holds an advisory lock on a sibling
// ".lock" file.
type FileTier struct {
	path string
	mu   sync.Mutex
}

func NewFileTier(path string) (*FileTier, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: file tier needs a path", ErrInvalidDSN)
	}
	return &FileTier{path: filepath.Clean(path)}, nil
}

func (t *FileTier) Path() string {
	return t.path
}

func (t *FileTier) Get(_ context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	var value []byte
	err := t.withLock(false, func(values map[string]json.RawMessage) (bool, error) {
		raw, ok := values[key]
		if !ok {
			return false, ErrNotFound
		}
		value = append([]byte(nil), raw...)
		return false, nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, unavailable("file", "get", key, err)
	}
	return value, nil
}

func (t *FileTier) Set(_ context.Context, key string, value []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	if !json.Valid(value) {
		encoded, err := json.Marshal(string(value))
		if err != nil {
			return unavailable("file", "set", key, err)
		}
		value = encoded
	}
	err := t.withLock(true, func(values map[string]json.RawMessage) (bool, error) {
		values[key] = append(json.RawMessage(nil), value...)
		return true, nil
	})
	if err != nil {
		return unavailable("file", "set", key, err)
	}
	return nil
}

func (t *FileTier) Remove(_ context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	err := t.withLock(true, func(values map[string]json.RawMessage) (bool, error) {
		if _, ok := values[key]; !ok {
			return false, nil
		}
		delete(values, key)
		return true, nil
	})
	if err != nil {
		return unavailable("file", "remove", key, err)
	}
	return nil
}

func (t *FileTier) withLock(exclusive bool, fn func(values map[string]json.RawMessage) (bool, error)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if exclusive {
		if err := os.MkdirAll(filepath.Dir(t.path), 0o700); err != nil {
			return err
		}
	}
	unlock, err := lockFile(t.path+".lock", exclusive)
	if err != nil {
		return err
	}
	defer unlock()

	values, err := t.read()
	if err != nil {
		return err
	}
	dirty, err := fn(values)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(t.path, data, 0o600)
}

func (t *FileTier) read() (map[string]json.RawMessage, error) {
	values := map[string]json.RawMessage{}
	data, err := os.ReadFile(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return values, nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t.path, err)
	}
	if values == nil {
		values = map[string]json.RawMessage{}
	}
	return values, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
