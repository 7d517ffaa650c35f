package tiers

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
)

// Open builds the tier described by dsn. An empty dsn yields a nil tier,
// which callers treat as "not configured".
//
//	memory://                 process-lifetime map
//	disk:///var/lib/catsync   one file per key (watchable)
//	file:///etc/catsync.json  single JSON object file; bare paths too
//	sqlite:///path/to/db      embedded SQL
//	postgres://...            server SQL
func Open(dsn string) (Tier, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDSN, err)
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryTier(), nil
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewFileTier(path)
	case "disk", "diskv":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewDiskTier(path)
	case "sqlite", "sqlite3":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewSQLiteTier(path)
	case "postgres", "postgresql":
		return NewPostgresTier(dsn)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidDSN, scheme)
	}
}

// dsnPath extracts a filesystem path. "disk://data" is the relative path
// "data", "disk:///data" the absolute one, and a leading "~" is the home
// directory.
func dsnPath(parsed *url.URL, raw string) (string, error) {
	var path string
	if strings.TrimSpace(parsed.Scheme) == "" {
		path = strings.TrimSpace(raw)
	} else {
		path = strings.TrimSpace(parsed.Opaque)
		if path == "" {
			path = strings.TrimSpace(parsed.Host + parsed.Path)
		}
	}
	if path == "" {
		return "", fmt.Errorf("%w: %q has no path", ErrInvalidDSN, raw)
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("%w: expand %q: %v", ErrInvalidDSN, raw, err)
	}
	path = expanded
	return filepath.Clean(path), nil
}

// ValidateDSN reports whether Open would accept dsn's scheme, without
// touching storage.
func ValidateDSN(dsn string) error {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDSN, err)
	}
	scheme := normalizeScheme(parsed.Scheme)
	if _, ok := lookupFactory(scheme); ok {
		return nil
	}
	switch scheme {
	case "memory", "mem", "inmem", "postgres", "postgresql":
		return nil
	case "", "file", "disk", "diskv", "sqlite", "sqlite3":
		_, err := dsnPath(parsed, dsn)
		return err
	}
	return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidDSN, scheme)
}
