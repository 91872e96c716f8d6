// Command pagecontext runs the answer server and its maintenance commands.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/perculacms/pagecontext"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	logLevel    string
	databaseURL string
	agentsDir   string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "pagecontext",
		Short:         "Grounded answers over a site's own content",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		// Load .env file if present (non-fatal; production won't have one).
		// Loaded before any command so catalog files can expand its values.
		PersistentPreRun: func(*cobra.Command, []string) { _ = godotenv.Load() },
	}
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", os.Getenv("PAGECONTEXT_LOG_LEVEL"), "debug, info, warn or error")
	root.PersistentFlags().StringVar(&g.databaseURL, "database-url", "", "ledger URL; overrides DATABASE_URL")
	root.PersistentFlags().StringVar(&g.agentsDir, "agents-dir", "", "agent definitions; overrides PAGECONTEXT_AGENTS_DIR")

	root.AddCommand(
		newServeCmd(g),
		newAskCmd(g),
		newSearchCmd(g),
		newIndexCmd(g),
		newDeleteCmd(g),
		newJobsCmd(g),
		newCatalogCmd(g),
	)
	return root
}

// logger builds the process logger. The server logs JSON to stdout; one-shot
// commands log text to stderr so their output stays clean.
func (g *globalFlags) logger(server bool) *slog.Logger {
	level := parseLevel(g.logLevel, server)
	var h slog.Handler
	if server {
		h = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		h = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string, server bool) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	if server {
		return slog.LevelInfo
	}
	return slog.LevelWarn
}

// open builds the App for a command.
func (g *globalFlags) open(ctx context.Context, server bool, extra ...pagecontext.Option) (*pagecontext.App, error) {
	opts := []pagecontext.Option{
		pagecontext.WithLogger(g.logger(server)),
		pagecontext.WithVersion(version),
		pagecontext.WithoutDotenv(),
	}
	if g.databaseURL != "" {
		opts = append(opts, pagecontext.WithDatabaseURL(g.databaseURL))
	}
	if g.agentsDir != "" {
		opts = append(opts, pagecontext.WithAgentsDir(g.agentsDir))
	}
	return pagecontext.New(ctx, append(opts, extra...)...)
}
