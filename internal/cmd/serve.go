package cmd

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/acolita/micro-repl/internal/adapters/realdialog"
	"github.com/acolita/micro-repl/internal/config"
	"github.com/acolita/micro-repl/internal/mcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP server on stdio",
	Long: `Run an MCP server on stdin/stdout that exposes device_* tools to an MCP
client. Logs go to stderr. The config file is watched and reloaded on change.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := appConfig
	path, _ := resolveConfigPath()

	slog.Info("starting micro-repl",
		slog.String("version", Version),
		slog.Int("devices", len(cfg.Devices)),
	)

	opts := []mcp.ServerOption{
		mcp.WithSecrets(secrets(cfg)),
		mcp.WithSessionLogger(slog.Default()),
	}
	if path != "" {
		opts = append(opts, mcp.WithConfigPath(path))
	}
	// The MCP client owns stdio, so confirmations go to the controlling
	// terminal when there is one.
	if dialog, closeTTY, err := realdialog.OpenTTY(); err == nil {
		defer closeTTY()
		opts = append(opts, mcp.WithDialogProvider(dialog))
	} else {
		slog.Debug("config confirmations disabled", slog.String("error", err.Error()))
	}
	server := mcp.NewServer(cfg, opts...)

	var watcher *config.Watcher
	if path != "" {
		var err error
		watcher, err = config.NewWatcher(path, slog.Default(), func(next *config.Config) {
			if debug {
				next.Logging.Level = "debug"
			}
			server.UpdateConfig(next)
		})
		if err != nil {
			slog.Warn("config hot-reload disabled", slog.String("error", err.Error()))
		} else {
			slog.Info("config hot-reload enabled", slog.String("path", path))
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("received shutdown signal")
		if watcher != nil {
			watcher.Close()
		}
		if err := server.Shutdown(); err != nil {
			slog.Warn("shutdown", slog.String("error", err.Error()))
		}
		os.Exit(0)
	}()

	err := server.Run()
	if watcher != nil {
		watcher.Close()
	}
	if serr := server.Shutdown(); serr != nil {
		slog.Warn("shutdown", slog.String("error", serr.Error()))
	}
	return err
}
