package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/catsync/internal/config"
	"github.com/agentworkforce/catsync/internal/coordinator"
	"github.com/agentworkforce/catsync/internal/tiers"
)

func startCoordinator(t *testing.T) (*coordinator.Coordinator, string) {
	t.Helper()
	gistAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Bad credentials"}`, http.StatusUnauthorized)
	}))
	t.Cleanup(gistAPI.Close)

	coord, err := coordinator.New(coordinator.Options{
		Local:      tiers.NewMemoryTier(),
		Session:    tiers.NewMemoryTier(),
		GistAPIURL: gistAPI.URL,
		Language:   "en",
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	if err := coord.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	server := httptest.NewServer(coord.Handler())
	t.Cleanup(func() {
		coord.Close()
		server.Close()
	})
	return coord, server.URL
}

func runCLI(t *testing.T, server string, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--server", server, "--timeout", "5s"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCategoriesCommandsRoundTrip(t *testing.T) {
	_, server := startCoordinator(t)

	if out, err := runCLI(t, server, "", "categories", "add", "Reading"); err != nil || !strings.Contains(out, "added Reading") {
		t.Fatalf("expected add to succeed, got %q %v", out, err)
	}
	if _, err := runCLI(t, server, "", "item", "set", "42", "work"); err != nil {
		t.Fatalf("item set: %v", err)
	}
	out, err := runCLI(t, server, "", "categories", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	counts := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 {
			counts[fields[0]] = fields[1]
		}
	}
	for name, want := range map[string]string{"Favorites": "0", "Work": "1", "Personal": "0", "Reading": "0"} {
		if counts[name] != want {
			t.Fatalf("expected %s to have %s items, got %q in %q", name, want, counts[name], out)
		}
	}
	out, err = runCLI(t, server, "", "item", "get", "42")
	if err != nil || strings.TrimSpace(out) != "Work" {
		t.Fatalf("expected Work, got %q %v", out, err)
	}
	if _, err := runCLI(t, server, "", "item", "unset", "42", "Work"); err != nil {
		t.Fatalf("item unset: %v", err)
	}
	out, _ = runCLI(t, server, "", "item", "get", "42")
	if strings.TrimSpace(out) != "" {
		t.Fatalf("expected no categories after unset, got %q", out)
	}
}

func TestCategoriesCommandsReportLocalizedErrors(t *testing.T) {
	_, server := startCoordinator(t)
	if _, err := runCLI(t, server, "", "categories", "add", "work"); err == nil || !strings.Contains(err.Error(), "Category already exists") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if _, err := runCLI(t, server, "", "categories", "delete", "Nope"); err == nil || !strings.Contains(err.Error(), `"Nope"`) {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestTokenCommands(t *testing.T) {
	coord, server := startCoordinator(t)
	if _, err := runCLI(t, server, "ghp_secretvalue\n", "token", "set"); err != nil {
		t.Fatalf("token set: %v", err)
	}
	if token, ok := coord.Tokens().Token(context.Background()); !ok || token != "ghp_secretvalue" {
		t.Fatalf("expected stored token, got %q %v", token, ok)
	}
	out, err := runCLI(t, server, "", "token", "get")
	if err != nil || strings.TrimSpace(out) != "***********alue" {
		t.Fatalf("expected masked token, got %q %v", out, err)
	}
	if _, err := runCLI(t, server, "", "token", "clear"); err != nil {
		t.Fatalf("token clear: %v", err)
	}
	out, _ = runCLI(t, server, "", "token", "get")
	if strings.TrimSpace(out) != "no token" {
		t.Fatalf("expected no token, got %q", out)
	}
}

func TestSyncWithoutTokenFails(t *testing.T) {
	_, server := startCoordinator(t)
	if _, err := runCLI(t, server, "", "sync"); err == nil || !strings.Contains(err.Error(), "login required") {
		t.Fatalf("expected login required, got %v", err)
	}
}

func TestOpenThenPending(t *testing.T) {
	coord, server := startCoordinator(t)
	out, err := runCLI(t, server, "", "open", "1296269")
	if err != nil || !strings.Contains(out, "notified 0") {
		t.Fatalf("expected open to notify nobody, got %q %v", out, err)
	}
	out, err = runCLI(t, server, "", "pending")
	if err != nil || strings.TrimSpace(out) != "1296269" {
		t.Fatalf("expected pending item, got %q %v", out, err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for coord.PendingItem() != nil {
		if time.Now().After(deadline) {
			t.Fatalf("expected pending item cleared after the reader disconnected")
		}
		time.Sleep(10 * time.Millisecond)
	}
	out, _ = runCLI(t, server, "", "pending")
	if strings.TrimSpace(out) != "none" {
		t.Fatalf("expected none, got %q", out)
	}
}

func TestOpenTiersFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Config{Tiers: config.TiersConfig{
		Local:   "disk://" + filepath.Join(dir, "local"),
		Session: "memory://",
		Sync:    "sqlite://" + filepath.Join(dir, "sync.db"),
	}}
	opened, err := openTiers(cfg)
	if err != nil {
		t.Fatalf("open tiers: %v", err)
	}
	defer opened.Close()
	if _, ok := opened.local.(*tiers.DiskTier); !ok {
		t.Fatalf("expected disk tier, got %T", opened.local)
	}
	if _, ok := opened.sync.(*tiers.SQLTier); !ok {
		t.Fatalf("expected sql tier, got %T", opened.sync)
	}
	if _, err := openTiers(config.Config{}); err == nil {
		t.Fatalf("expected missing local tier to fail")
	}
}

func TestConfigInitThenShow(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")
	out, err := runCLI(t, "http://unused", "", "--config", path, "config", "init")
	if err != nil || !strings.Contains(out, path) {
		t.Fatalf("expected config written, got %q %v", out, err)
	}
	out, err = runCLI(t, "http://unused", "", "--config", path, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, "surface_timeout: 1s") || !strings.Contains(out, "local: disk://") {
		t.Fatalf("expected resolved config, got %q", out)
	}
}

func TestMaskToken(t *testing.T) {
	if got := maskToken("abcd"); got != "****" {
		t.Fatalf("expected fully masked short token, got %q", got)
	}
	if got := maskToken("abcdef"); got != "**cdef" {
		t.Fatalf("expected last four visible, got %q", got)
	}
}
