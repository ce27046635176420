// Package cmd implements the micro-repl command line.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/acolita/micro-repl/internal/config"
	"github.com/acolita/micro-repl/internal/logging"
)

// Version information, set at build time.
var (
	Version   = "0.4.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath string
	deviceName string
	portName   string
	baudRate   int
	debug      bool

	// appConfig is loaded before any command runs.
	appConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "micro-repl",
	Short: "Drive MicroPython boards over their REPL",
	Long: `micro-repl talks to MicroPython boards through the interactive REPL over
USB serial, WebREPL, a local unix port process or an ssh bridge.

Run code, evaluate expressions, upload and sync files, or open a terminal
on the board. "micro-repl serve" exposes the same operations to MCP clients.

A board is chosen with --device (a name from the config file) or --port.
With neither, the only configured device or the only detected board is
used, and a picker is shown when several are connected.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		appConfig = cfg
		slog.SetDefault(logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Sanitize))
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("micro-repl version %s\n  Build time: %s\n  Git commit: %s\n", Version, BuildTime, GitCommit))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (default: ~/.config/micro-repl/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&deviceName, "device", "d", "", "Device name from the config file")
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port, e.g. /dev/ttyACM0")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 0, "Serial speed (default: 115200)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the config file, applies --debug and validates.
func loadConfig() (*config.Config, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path, nil)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// resolveConfigPath returns --config or the default path. A missing
// default file means built-in defaults.
func resolveConfigPath() (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return "", fmt.Errorf("config file: %w", err)
		}
		return configPath, nil
	}
	return config.DefaultConfigPath(nil), nil
}
