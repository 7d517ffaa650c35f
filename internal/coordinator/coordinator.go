// Package coordinator wires the storage tiers, token store, category
// repository, gist engine and bridge hub into the long-lived process that
// UI surfaces talk to.
package coordinator

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/catsync/internal/bridge"
	"github.com/agentworkforce/catsync/internal/categories"
	"github.com/agentworkforce/catsync/internal/gist"
	"github.com/agentworkforce/catsync/internal/i18n"
	"github.com/agentworkforce/catsync/internal/tiers"
	"github.com/agentworkforce/catsync/internal/tokens"
	"pkt.systems/pslog"
)

const DefaultSurfaceTimeout = time.Second

type Options struct {
	// Local is the durable local tier. Required.
	Local tiers.Tier
	// Session is the ephemeral tier; nil when not configured.
	Session tiers.Tier
	// Sync is the cross-device tier; nil when not configured.
	Sync tiers.Tier

	// GistClient overrides the HTTP client built from GistAPIURL.
	GistClient      gist.Client
	GistAPIURL      string
	GistDescription string
	GistFilename    string
	GistTimeout     time.Duration

	// SurfaceTimeout bounds the wait for a surface to perform a sync.
	SurfaceTimeout time.Duration
	// Language is used when the local tier holds no preference.
	Language string

	OriginPatterns []string
	MaxBodyBytes   int64
	Now            func() time.Time
	Logger         pslog.Logger
}

type Coordinator struct {
	local   tiers.Tier
	session tiers.Tier
	sync    tiers.Tier

	tokens *tokens.Store
	repo   *categories.Repository
	engine *gist.Engine
	hub    *bridge.Hub
	server *bridge.Server

	surfaceTimeout time.Duration
	language       string
	log            pslog.Logger

	pendingMu    sync.Mutex
	pending      *categories.ItemRef
	pendingOwner string

	queue chan struct{}
	bus   *eventBus

	runMu   sync.Mutex
	cancel  context.CancelFunc
	running sync.WaitGroup
}

func New(opts Options) (*Coordinator, error) {
	if opts.Local == nil {
		return nil, errors.New("coordinator: local tier is required")
	}
	log := opts.Logger
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	surfaceTimeout := opts.SurfaceTimeout
	if surfaceTimeout <= 0 {
		surfaceTimeout = DefaultSurfaceTimeout
	}
	c := &Coordinator{
		local:          opts.Local,
		session:        opts.Session,
		sync:           opts.Sync,
		surfaceTimeout: surfaceTimeout,
		language:       strings.TrimSpace(opts.Language),
		log:            log.With("component", "coordinator"),
		queue:          make(chan struct{}, 1),
		bus:            newEventBus(),
	}

	store, err := tokens.NewStore(tokens.Options{
		Primary:   opts.Local,
		Ephemeral: opts.Session,
		Sync:      opts.Sync,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}
	c.tokens = store

	client := opts.GistClient
	if client == nil {
		timeout := opts.GistTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = gist.NewHTTPClient(opts.GistAPIURL, store, &http.Client{Timeout: timeout})
	}
	ids := opts.Sync
	if ids == nil {
		ids = opts.Local
	}
	engine, err := gist.NewEngine(gist.Options{
		Client:      client,
		IDs:         ids,
		Settings:    opts.Local,
		Description: opts.GistDescription,
		Filename:    opts.GistFilename,
		Now:         opts.Now,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}
	c.engine = engine

	repo, err := categories.NewRepository(categories.Options{
		Local:  opts.Local,
		Sync:   opts.Sync,
		Remote: engine,
		DefaultNames: func(ctx context.Context) []string {
			return i18n.DefaultCategoryNames(c.Language(ctx))
		},
		Logger: log,
	})
	if err != nil {
		return nil, err
	}
	repo.OnCommit(c.onCommit)
	c.repo = repo

	c.hub = bridge.NewHub(bridge.HubOptions{Handler: c, OriginPatterns: opts.OriginPatterns, Logger: log})
	c.hub.OnDisconnect(c.surfaceGone)
	c.server = bridge.NewServer(c.hub, c, bridge.ServerConfig{MaxBodyBytes: opts.MaxBodyBytes})
	return c, nil
}

// Handler serves /health, /v1/rpc and /v1/bridge.
func (c *Coordinator) Handler() http.Handler { return c.server }

func (c *Coordinator) Repository() *categories.Repository { return c.repo }

func (c *Coordinator) Tokens() *tokens.Store { return c.tokens }

func (c *Coordinator) Engine() *gist.Engine { return c.engine }

func (c *Coordinator) Hub() *bridge.Hub { return c.hub }

// Language resolves the active locale: the stored preference, then the
// configured one, then the default.
func (c *Coordinator) Language(ctx context.Context) string {
	if lang, err := tiers.GetString(ctx, c.local, tiers.KeyLanguage); err == nil && strings.TrimSpace(lang) != "" {
		return i18n.Match(lang)
	}
	if c.language != "" {
		return i18n.Match(c.language)
	}
	return i18n.Default
}

// Start launches the sync worker and, when the local tier supports it, the
// change watcher. Close stops both.
func (c *Coordinator) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return errors.New("coordinator already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.running.Add(1)
	go func() {
		defer c.running.Done()
		c.syncWorker(ctx)
	}()

	if w, ok := c.local.(tiers.Watcher); ok {
		changes, err := w.Watch(ctx)
		if err != nil {
			c.log.Warn("local tier watch unavailable", "err", err)
		} else {
			c.running.Add(1)
			go func() {
				defer c.running.Done()
				c.watchLocal(ctx, changes)
			}()
		}
	}
	c.log.Info("coordinator started")
	return nil
}

func (c *Coordinator) Close() {
	c.runMu.Lock()
	cancel := c.cancel
	c.runMu.Unlock()
	c.hub.Close()
	if cancel != nil {
		cancel()
	}
	c.running.Wait()
	c.bus.close()
}

func (c *Coordinator) watchLocal(ctx context.Context, changes <-chan tiers.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			if change.Key != tiers.KeyCategories && change.Key != tiers.KeyItemCategories {
				continue
			}
			c.log.Debug("local tier changed", "key", change.Key)
			if err := c.repo.ReloadLocal(ctx); err != nil {
				c.log.Warn("reload after local change failed", "err", err)
				continue
			}
			c.bus.publish(Event{Type: EventReloaded, At: time.Now()})
		}
	}
}

func (c *Coordinator) onCommit(commit categories.Commit) {
	c.bus.publish(Event{Type: EventCommitted, Reason: commit.Reason, At: time.Now()})
	if commit.Reason == categories.ReasonRemote {
		return
	}
	c.requestSync()
}
