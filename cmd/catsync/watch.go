package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/agentworkforce/catsync/internal/bridge"
	"github.com/agentworkforce/catsync/internal/config"
	"github.com/agentworkforce/catsync/internal/gist"
	"github.com/agentworkforce/catsync/internal/tiers"
	"github.com/spf13/cobra"

	"pkt.systems/pslog"
)

func newWatchCmd(opts *globalOptions) *cobra.Command {
	var privileged bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stay connected as a surface and print what the coordinator sends",
		Long: "Connects to the bridge and prints notifications until interrupted. With --privileged\n" +
			"the command also performs the gist sync the coordinator hands to privileged surfaces.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := opts.baseURL()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			clientOpts := bridge.ClientOptions{BaseURL: base, Kind: bridge.KindCLI, Privileged: privileged}
			var syncer *surfaceSyncer
			if privileged {
				cfg, err := opts.load()
				if err != nil {
					return err
				}
				syncer = newSurfaceSyncer(cfg, pslog.Ctx(ctx))
				clientOpts.Handler = syncer
			}
			client, err := bridge.Dial(ctx, clientOpts)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()
			if syncer != nil {
				syncer.client.Store(client)
			}
			return watch(ctx, client, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&privileged, "privileged", false, "accept sync work from the coordinator")
	return cmd
}

func watch(ctx context.Context, client *bridge.Client, out io.Writer) error {
	notes := client.Notifications()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-notes:
			if !ok {
				return fmt.Errorf("bridge connection closed")
			}
			printNotification(out, msg)
		}
	}
}

func printNotification(out io.Writer, msg bridge.Message) {
	switch msg.Action {
	case bridge.ActionShowCategoryUI:
		var p bridge.OpenCategoryUIPayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil {
			printf(out, "%s\t%s\n", msg.Action, p.Item.ID)
			return
		}
	}
	printf(out, "%s\t%s\n", msg.Action, string(msg.Payload))
}

// surfaceSyncer performs sync-categories-data on behalf of the coordinator
// with its own gist engine. The token is fetched from the coordinator for
// every push so a rotated token takes effect immediately.
type surfaceSyncer struct {
	engine *gist.Engine
	// client is set once Dial returns; requests before that see no token.
	client atomic.Pointer[bridge.Client]
	log    pslog.Logger
}

func newSurfaceSyncer(cfg config.Config, log pslog.Logger) *surfaceSyncer {
	s := &surfaceSyncer{log: log.With("component", "watch")}
	settings := tiers.NewMemoryTier()
	if cfg.Language != "" {
		_ = tiers.SetJSON(context.Background(), settings, tiers.KeyLanguage, cfg.Language)
	}
	engine, err := gist.NewEngine(gist.Options{
		Client:      gist.NewHTTPClient(cfg.Gist.APIURL, s, &http.Client{Timeout: cfg.Gist.Timeout}),
		IDs:         settings,
		Settings:    settings,
		Description: cfg.Gist.Description,
		Filename:    cfg.Gist.Filename,
		Logger:      s.log,
	})
	if err != nil {
		s.log.Error("gist engine unavailable", "err", err)
	}
	s.engine = engine
	return s
}

// Token satisfies gist.TokenSource by asking the coordinator.
func (s *surfaceSyncer) Token(ctx context.Context) (string, bool) {
	client := s.client.Load()
	if client == nil {
		return "", false
	}
	var res bridge.TokenResult
	if err := client.Request(ctx, bridge.ActionGetToken, nil, &res); err != nil {
		s.log.Warn("token lookup failed", "err", err)
		return "", false
	}
	return res.Token, res.HasToken && res.Token != ""
}

func (s *surfaceSyncer) Handle(ctx context.Context, req bridge.Request) (any, error) {
	if req.Action != bridge.ActionSyncCategoriesData {
		return nil, fmt.Errorf("%w: %s", bridge.ErrUnknownAction, req.Action)
	}
	if s.engine == nil {
		return bridge.SyncResult{Success: false, Message: "gist engine unavailable"}, nil
	}
	var p bridge.SyncCategoriesPayload
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	out := s.engine.Push(ctx, p.Categories)
	result := bridge.SyncResult{Success: out.OK, Phase: string(out.Phase), DocumentID: out.DocumentID, Message: out.Message}
	if out.Err != nil {
		s.log.Warn("surface sync failed", "err", out.Err)
		result.Message = out.Err.Error()
	}
	return result, nil
}
