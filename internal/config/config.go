package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agentworkforce/catsync/internal/gist"
	"github.com/mitchellh/go-homedir"
)

// Config is the top-level catsync configuration.
type Config struct {
	DataDir  string       `mapstructure:"data_dir" yaml:"data_dir"`
	Language string       `mapstructure:"language" yaml:"language"`
	Tiers    TiersConfig  `mapstructure:"tiers" yaml:"tiers"`
	Bridge   BridgeConfig `mapstructure:"bridge" yaml:"bridge"`
	Gist     GistConfig   `mapstructure:"gist" yaml:"gist"`
	Sync     SyncConfig   `mapstructure:"sync" yaml:"sync"`
	Log      LogConfig    `mapstructure:"log" yaml:"log"`
}

// TiersConfig holds storage DSNs. An empty value picks the default derived
// from data_dir; "none" or "off" disables an optional tier.
type TiersConfig struct {
	Local   string `mapstructure:"local" yaml:"local"`
	Session string `mapstructure:"session" yaml:"session"`
	Sync    string `mapstructure:"sync" yaml:"sync"`
}

// BridgeConfig configures the HTTP/websocket listener surfaces connect to.
type BridgeConfig struct {
	Addr           string   `mapstructure:"addr" yaml:"addr"`
	MaxBodyBytes   int64    `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	OriginPatterns []string `mapstructure:"origin_patterns" yaml:"origin_patterns"`
}

type GistConfig struct {
	APIURL      string        `mapstructure:"api_url" yaml:"api_url"`
	Description string        `mapstructure:"description" yaml:"description"`
	Filename    string        `mapstructure:"filename" yaml:"filename"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type SyncConfig struct {
	SurfaceTimeout time.Duration `mapstructure:"surface_timeout" yaml:"surface_timeout"`
}

// LogConfig selects the level and, when File is set, a rotating log file.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

const (
	DefaultBridgeAddr = "127.0.0.1:7725"
	DefaultGistAPIURL = gist.DefaultAPIURL
	envPrefix         = "CATSYNC"
)

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() (Config, error) {
	dataDir, err := DefaultDataDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		DataDir: dataDir,
		Bridge: BridgeConfig{
			Addr:           DefaultBridgeAddr,
			MaxBodyBytes:   1 << 20,
			OriginPatterns: []string{"127.0.0.1:*", "localhost:*"},
		},
		Gist: GistConfig{
			APIURL:      DefaultGistAPIURL,
			Description: gist.DefaultDescription,
			Filename:    gist.DefaultFilename,
			Timeout:     15 * time.Second,
		},
		Sync: SyncConfig{SurfaceTimeout: time.Second},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}, nil
}

// DefaultDataDir is $XDG_DATA_HOME/catsync, falling back to ~/.local/share/catsync.
func DefaultDataDir() (string, error) {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "catsync"), nil
	}
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "catsync"), nil
}

// DefaultConfigPath is <user config dir>/catsync/config.yaml.
func DefaultConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config directory: %w", err)
	}
	return filepath.Join(dir, "catsync", "config.yaml"), nil
}
