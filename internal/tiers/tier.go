// Package tiers implements the storage tiers a logical value can be
// replicated across: a durable local tier, an ephemeral session tier and a
// cross-device sync tier. Every tier is a small key/value store holding JSON
// encoded values.
package tiers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("key not found")
	ErrUnavailable = errors.New("tier unavailable")
	ErrInvalidDSN  = errors.New("invalid tier dsn")
)

// Well-known keys shared by every tier.
const (
	KeyCategories     = "categories"
	KeyItemCategories = "itemCategories"
	KeyGistID         = "categoriesGistId"
	KeyAccessToken    = "accessToken"
	KeyLegacyToken    = "github_token"
	KeyLanguage       = "language"
	KeyHasAccessToken = "hasAccessToken"
)

// Tier is one physical storage location.
type Tier interface {
	// Get returns ErrNotFound when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Remove is a no-op for absent keys.
	Remove(ctx context.Context, key string) error
}

// Change reports that a key was written or removed outside this process.
type Change struct {
	Key string
}

// Watcher is implemented by tiers that can report external changes.
type Watcher interface {
	Watch(ctx context.Context) (<-chan Change, error)
}

// UnavailableError wraps an I/O failure of a tier.
type UnavailableError struct {
	Tier string
	Op   string
	Key  string
	Err  error
}

func (e *UnavailableError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s tier %s: %v", e.Tier, e.Op, e.Err)
	}
	return fmt.Sprintf("%s tier %s %q: %v", e.Tier, e.Op, e.Key, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

func unavailable(tier, op, key string, err error) error {
	return &UnavailableError{Tier: tier, Op: op, Key: key, Err: err}
}

// GetJSON decodes the value stored under key into out.
func GetJSON(ctx context.Context, t Tier, key string, out any) error {
	if t == nil {
		return ErrNotFound
	}
	raw, err := t.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %q: %w", key, err)
	}
	return nil
}

// SetJSON encodes value and stores it under key.
func SetJSON(ctx context.Context, t Tier, key string, value any) error {
	if t == nil {
		return unavailable("nil", "set", key, errors.New("tier not configured"))
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return t.Set(ctx, key, raw)
}

// GetString reads a JSON string value. Values stored as bare text by older
// writers are returned verbatim.
func GetString(ctx context.Context, t Tier, key string) (string, error) {
	if t == nil {
		return "", ErrNotFound
	}
	raw, err := t.Get(ctx, key)
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return string(raw), nil
	}
	return s, nil
}

func validKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrNotFound)
	}
	return nil
}
