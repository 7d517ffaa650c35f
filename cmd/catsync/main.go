package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/agentworkforce/catsync/internal/config"
	"github.com/spf13/cobra"

	"pkt.systems/psi"
	"pkt.systems/pslog"
)

func main() {
	psi.Run(submain)
}

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	ctx = pslog.ContextWithLogger(ctx, logger)
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)

	root := newRootCmd()
	root.SetArgs(os.Args[1:])
	if err := root.ExecuteContext(ctx); err != nil {
		pslog.Ctx(ctx).With("err", err).Error("catsync command failed")
		return 1
	}
	return 0
}

// globalOptions are shared by every subcommand.
type globalOptions struct {
	configPath string
	server     string
	timeout    time.Duration
}

func (o *globalOptions) load() (config.Config, error) {
	return config.Load(o.configPath)
}

// baseURL is --server when given, otherwise derived from bridge.addr.
func (o *globalOptions) baseURL() (string, error) {
	if server := strings.TrimSpace(o.server); server != "" {
		return server, nil
	}
	cfg, err := o.load()
	if err != nil {
		return "", err
	}
	return "http://" + cfg.Bridge.Addr, nil
}

func (o *globalOptions) httpClient() *http.Client {
	return &http.Client{Timeout: o.timeout}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "catsync",
		Short:         "Categorize starred repositories and keep them in sync through a gist",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file")
	root.PersistentFlags().StringVar(&opts.server, "server", "", "bridge base URL (default http://<bridge.addr>)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newCategoriesCmd(opts))
	root.AddCommand(newItemCmd(opts))
	root.AddCommand(newSyncCmd(opts))
	root.AddCommand(newTokenCmd(opts))
	root.AddCommand(newOpenCmd(opts))
	root.AddCommand(newPendingCmd(opts))
	root.AddCommand(newWatchCmd(opts))
	root.AddCommand(newConfigCmd(opts))
	return root
}

func printJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
