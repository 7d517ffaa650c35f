package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentworkforce/catsync/internal/tiers"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from path, then the CATSYNC_* environment. If
// path is empty, DefaultConfigPath is used; a missing file is not an error.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("language", cfg.Language)
	v.SetDefault("tiers.local", cfg.Tiers.Local)
	v.SetDefault("tiers.session", cfg.Tiers.Session)
	v.SetDefault("tiers.sync", cfg.Tiers.Sync)
	v.SetDefault("bridge.addr", cfg.Bridge.Addr)
	v.SetDefault("bridge.max_body_bytes", cfg.Bridge.MaxBodyBytes)
	v.SetDefault("bridge.origin_patterns", cfg.Bridge.OriginPatterns)
	v.SetDefault("gist.api_url", cfg.Gist.APIURL)
	v.SetDefault("gist.description", cfg.Gist.Description)
	v.SetDefault("gist.filename", cfg.Gist.Filename)
	v.SetDefault("gist.timeout", cfg.Gist.Timeout)
	v.SetDefault("sync.surface_timeout", cfg.Sync.SurfaceTimeout)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.max_size_mb", cfg.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("log.max_age_days", cfg.Log.MaxAgeDays)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	resolveTiers(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolveTiers(cfg *Config) {
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	cfg.Tiers.Local = resolveDSN(cfg.Tiers.Local, "disk://"+filepath.Join(cfg.DataDir, "local"))
	cfg.Tiers.Session = resolveDSN(cfg.Tiers.Session, "memory://")
	cfg.Tiers.Sync = resolveDSN(cfg.Tiers.Sync, "file://"+filepath.Join(cfg.DataDir, "sync.json"))
}

func resolveDSN(value, fallback string) string {
	value = strings.TrimSpace(value)
	switch strings.ToLower(value) {
	case "":
		return fallback
	case "none", "off":
		return ""
	}
	return value
}

func validate(cfg Config) error {
	if cfg.Tiers.Local == "" {
		return fmt.Errorf("tiers.local cannot be disabled")
	}
	for _, tier := range []struct{ key, dsn string }{
		{"tiers.local", cfg.Tiers.Local},
		{"tiers.session", cfg.Tiers.Session},
		{"tiers.sync", cfg.Tiers.Sync},
	} {
		if err := tiers.ValidateDSN(tier.dsn); err != nil {
			return fmt.Errorf("%s: %w", tier.key, err)
		}
	}
	if strings.TrimSpace(cfg.Bridge.Addr) == "" {
		return fmt.Errorf("bridge.addr is required")
	}
	if cfg.Bridge.MaxBodyBytes <= 0 {
		return fmt.Errorf("bridge.max_body_bytes must be positive")
	}
	parsed, err := url.Parse(strings.TrimSpace(cfg.Gist.APIURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("gist.api_url must include scheme and host (e.g. https://api.github.com)")
	}
	if cfg.Gist.Timeout <= 0 {
		return fmt.Errorf("gist.timeout must be positive")
	}
	if cfg.Sync.SurfaceTimeout <= 0 {
		return fmt.Errorf("sync.surface_timeout must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Log.Level)) {
	case "trace", "debug", "info", "error":
	default:
		return fmt.Errorf("unsupported log.level %q", cfg.Log.Level)
	}
	return nil
}

// WriteDefault writes the default configuration as YAML to path, or to
// DefaultConfigPath when path is empty, and returns the path written.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}
	data, err := Marshal(cfg)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// Marshal renders cfg in the file format Load reads.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
