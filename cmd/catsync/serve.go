package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentworkforce/catsync/internal/config"
	"github.com/agentworkforce/catsync/internal/coordinator"
	"github.com/agentworkforce/catsync/internal/logging"
	"github.com/agentworkforce/catsync/internal/tiers"
	"github.com/spf13/cobra"

	"pkt.systems/pslog"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *globalOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the categories coordinator and bridge listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Bridge.Addr = addr
			}
			logger, closer, err := logging.New(logging.Options{
				Level:      cfg.Log.Level,
				File:       cfg.Log.File,
				MaxSizeMB:  cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAgeDays: cfg.Log.MaxAgeDays,
			})
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx = pslog.ContextWithLogger(ctx, logger)
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides bridge.addr)")
	return cmd
}

type openedTiers struct {
	local, session, sync tiers.Tier
}

func (o openedTiers) Close() error {
	var errs []error
	for _, t := range []tiers.Tier{o.local, o.session, o.sync} {
		if c, ok := t.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

func openTiers(cfg config.Config) (openedTiers, error) {
	var opened openedTiers
	var err error
	if opened.local, err = tiers.Open(cfg.Tiers.Local); err != nil {
		return opened, fmt.Errorf("tiers.local: %w", err)
	}
	if opened.session, err = tiers.Open(cfg.Tiers.Session); err != nil {
		_ = opened.Close()
		return opened, fmt.Errorf("tiers.session: %w", err)
	}
	if opened.sync, err = tiers.Open(cfg.Tiers.Sync); err != nil {
		_ = opened.Close()
		return opened, fmt.Errorf("tiers.sync: %w", err)
	}
	if opened.local == nil {
		return opened, fmt.Errorf("tiers.local is required")
	}
	return opened, nil
}

func newCoordinator(cfg config.Config, opened openedTiers, logger pslog.Logger) (*coordinator.Coordinator, error) {
	return coordinator.New(coordinator.Options{
		Local:           opened.local,
		Session:         opened.session,
		Sync:            opened.sync,
		GistAPIURL:      cfg.Gist.APIURL,
		GistDescription: cfg.Gist.Description,
		GistFilename:    cfg.Gist.Filename,
		GistTimeout:     cfg.Gist.Timeout,
		SurfaceTimeout:  cfg.Sync.SurfaceTimeout,
		Language:        cfg.Language,
		OriginPatterns:  cfg.Bridge.OriginPatterns,
		MaxBodyBytes:    cfg.Bridge.MaxBodyBytes,
		Logger:          logger,
	})
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := pslog.Ctx(ctx)
	opened, err := openTiers(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := opened.Close(); err != nil {
			logger.Warn("close tiers failed", "err", err)
		}
	}()

	coord, err := newCoordinator(cfg, opened, logger)
	if err != nil {
		return err
	}
	if err := coord.Start(ctx); err != nil {
		return err
	}
	defer coord.Close()

	listener, err := net.Listen("tcp", cfg.Bridge.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Bridge.Addr, err)
	}
	return serveListener(ctx, listener, coord.Handler())
}

func serveListener(ctx context.Context, listener net.Listener, handler http.Handler) error {
	logger := pslog.Ctx(ctx)
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          pslog.LogLoggerWithLevel(logger, pslog.ErrorLevel),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()
	logger.Info("bridge listening", "addr", listener.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		logger.Info("bridge stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
