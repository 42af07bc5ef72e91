package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/walink/internal/config"
)

// Version is set at build time with -ldflags "-X github.com/nextlevelbuilder/walink/cmd.Version=...".
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "walink",
	Short: "Single-session WhatsApp gateway",
	Long: "walink keeps one WhatsApp linked-device session alive and exposes it over a small HTTP API.\n" +
		"Running walink without a subcommand starts the gateway.",
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		runGateway()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $WALINK_CONFIG or "+config.DefaultConfigPath+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(onboardCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(pairCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	return config.ResolvePath(cfgFile)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the walink version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("walink %s\n", Version)
		},
	}
}

// newLogger builds the process logger from the log config. --verbose forces debug.
func newLogger(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	level.Set(parseLogLevel(cfg.Level))
	if verbose {
		level.Set(slog.LevelDebug)
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
