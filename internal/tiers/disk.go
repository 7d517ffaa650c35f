package tiers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/peterbourgon/diskv/v3"
)

const (
	diskTempDir       = ".tmp"
	diskRemovedMarker = "-"
)

// DiskTier is the durable local tier. Each key is one file under the base
// directory; writes go through a temp file and rename so watchers never see
// a partial value.
type DiskTier struct {
	d        *diskv.Diskv
	basePath string

	mu      sync.Mutex
	written map[string]string
}

func NewDiskTier(basePath string) (*DiskTier, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, fmt.Errorf("%w: disk tier needs a directory", ErrInvalidDSN)
	}
	basePath = filepath.Clean(basePath)
	if err := os.MkdirAll(filepath.Join(basePath, diskTempDir), 0o700); err != nil {
		return nil, unavailable("disk", "init", "", err)
	}
	return &DiskTier{
		d: diskv.New(diskv.Options{
			BasePath:     basePath,
			Transform:    flatTransform,
			TempDir:      filepath.Join(basePath, diskTempDir),
			CacheSizeMax: 0,
			PathPerm:     0o700,
			FilePerm:     0o600,
		}),
		basePath: basePath,
		written:  map[string]string{},
	}, nil
}

func flatTransform(string) []string {
	return []string{}
}

func (t *DiskTier) BasePath() string {
	return t.basePath
}

func (t *DiskTier) Get(_ context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	value, err := t.d.Read(key)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, unavailable("disk", "get", key, err)
	}
	return value, nil
}

func (t *DiskTier) Set(_ context.Context, key string, value []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.d.Write(key, value); err != nil {
		return unavailable("disk", "set", key, err)
	}
	t.written[key] = contentHash(value)
	return nil
}

func (t *DiskTier) Remove(_ context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.written[key] = diskRemovedMarker
	if !t.d.Has(key) {
		return nil
	}
	if err := t.d.Erase(key); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return unavailable("disk", "remove", key, err)
	}
	return nil
}

// Watch streams keys changed by other processes until ctx is cancelled.
// Writes made through this DiskTier are not reported.
func (t *DiskTier) Watch(ctx context.Context) (<-chan Change, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, unavailable("disk", "watch", "", err)
	}
	if err := watcher.Add(t.basePath); err != nil {
		_ = watcher.Close()
		return nil, unavailable("disk", "watch", "", err)
	}

	changes := make(chan Change, 64)
	go func() {
		defer close(changes)
		defer watcher.Close()

		send := func(c Change) {
			select {
			case changes <- c:
			default:
			}
		}
		throttle := newChangeThrottle(100 * time.Millisecond)
		// Stop must finish before close so a late flush never sends.
		defer throttle.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				key := filepath.Base(evt.Name)
				if strings.HasPrefix(key, ".") || filepath.Dir(filepath.Clean(evt.Name)) != t.basePath {
					continue
				}
				if t.isOwnWrite(key) {
					continue
				}
				throttle.Enqueue(key, send)
			}
		}
	}()
	return changes, nil
}

func (t *DiskTier) isOwnWrite(key string) bool {
	t.mu.Lock()
	expected, ok := t.written[key]
	t.mu.Unlock()
	if !ok {
		return false
	}
	current := diskRemovedMarker
	if data, err := os.ReadFile(filepath.Join(t.basePath, key)); err == nil {
		current = contentHash(data)
	}
	return current == expected
}

func contentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// changeThrottle coalesces bursts of events on the same key.
type changeThrottle struct {
	mu      sync.Mutex
	timer   *time.Timer
	pending map[string]struct{}
	delay   time.Duration
	stopped bool
}

func newChangeThrottle(delay time.Duration) *changeThrottle {
	return &changeThrottle{delay: delay, pending: map[string]struct{}{}}
}

func (c *changeThrottle) Enqueue(key string, send func(Change)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.pending[key] = struct{}{}
	if c.timer == nil {
		c.timer = time.AfterFunc(c.delay, func() {
			c.flush(send)
		})
	}
}

// flush holds mu while sending; send must not block.
func (c *changeThrottle) flush(send func(Change)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timer = nil
	if c.stopped {
		return
	}
	pending := c.pending
	c.pending = map[string]struct{}{}
	for key := range pending {
		send(Change{Key: key})
	}
}

// Stop drops pending keys. Once it returns no flush will call send.
func (c *changeThrottle) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.pending = map[string]struct{}{}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
