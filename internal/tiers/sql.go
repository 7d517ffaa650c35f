package tiers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	sqlTierTableName    = "catsync_tier"
	sqlOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	name    string
	driver  string
	pragmas []string
}

func (d sqlDialect) placeholder(n int) string {
	if d.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

var (
	postgresDialect = sqlDialect{name: "postgres", driver: "postgres"}
	sqliteDialect   = sqlDialect{name: "sqlite", driver: "sqlite", pragmas: []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}}
)

// SQLTier keeps key/value pairs in a single table of a postgres or sqlite
// database. The table is created on first use.
type SQLTier struct {
	dialect   sqlDialect
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresTier(dsn string) (*SQLTier, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty postgres dsn", ErrInvalidDSN)
	}
	return &SQLTier{
		dialect:   postgresDialect,
		dsn:       dsn,
		tableName: sqlTierTableName,
		openDB:    sql.Open,
	}, nil
}

// NewSQLiteTier opens (creating if needed) the database file at path.
func NewSQLiteTier(path string) (*SQLTier, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: empty sqlite path", ErrInvalidDSN)
	}
	return &SQLTier{
		dialect:   sqliteDialect,
		dsn:       filepath.Clean(path),
		tableName: sqlTierTableName,
		openDB:    sql.Open,
	}, nil
}

func (t *SQLTier) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	if err := t.ensureReady(); err != nil {
		return nil, unavailable(t.dialect.name, "get", key, err)
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT value FROM %s WHERE tier_key = %s",
		quoteIdentifier(t.tableName), t.dialect.placeholder(1))
	var value string
	err := t.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable(t.dialect.name, "get", key, err)
	}
	return []byte(value), nil
}

func (t *SQLTier) Set(ctx context.Context, key string, value []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	if err := t.ensureReady(); err != nil {
		return unavailable(t.dialect.name, "set", key, err)
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (tier_key, value, updated_at)
		VALUES (%s, %s, CURRENT_TIMESTAMP)
		ON CONFLICT (tier_key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = CURRENT_TIMESTAMP`,
		quoteIdentifier(t.tableName), t.dialect.placeholder(1), t.dialect.placeholder(2))
	if _, err := t.db.ExecContext(ctx, query, key, string(value)); err != nil {
		return unavailable(t.dialect.name, "set", key, err)
	}
	return nil
}

func (t *SQLTier) Remove(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	if err := t.ensureReady(); err != nil {
		return unavailable(t.dialect.name, "remove", key, err)
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE tier_key = %s",
		quoteIdentifier(t.tableName), t.dialect.placeholder(1))
	if _, err := t.db.ExecContext(ctx, query, key); err != nil {
		return unavailable(t.dialect.name, "remove", key, err)
	}
	return nil
}

func (t *SQLTier) Close() error {
	if t == nil || t.db == nil {
		return nil
	}
	return t.db.Close()
}

func (t *SQLTier) ensureReady() error {
	t.initOnce.Do(func() {
		if t.dialect.driver == "sqlite" {
			if err := os.MkdirAll(filepath.Dir(t.dsn), 0o700); err != nil {
				t.initErr = err
				return
			}
		}
		db, err := t.openDB(t.dialect.driver, t.dsn)
		if err != nil {
			t.initErr = err
			return
		}
		if t.dialect.driver == "sqlite" {
			db.SetMaxOpenConns(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		for _, pragma := range t.dialect.pragmas {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				t.initErr = fmt.Errorf("%s: %w", pragma, err)
				return
			}
		}
		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				tier_key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`, quoteIdentifier(t.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			t.initErr = err
			return
		}
		t.db = db
	})
	return t.initErr
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
