// Package cmd implements the goloop command line.
package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goloop/internal/config"
)

// Version is set at build time with -ldflags "-X github.com/nextlevelbuilder/goloop/cmd.Version=...".
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "goloop",
	Short:         "goloop runs a command in a checkpointed loop until its exit conditions pass",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default $GOLOOP_CONFIG or ./goloop.json5)")
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(checkpointsCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())
}

// exitCodeError carries a process exit code out of a command.
type exitCodeError struct {
	code int
	msg  string
}

func (e *exitCodeError) Error() string { return e.msg }

// Execute runs the root command and exits the process on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var ec *exitCodeError
		if errors.As(err, &ec) {
			if ec.msg != "" {
				fmt.Fprintln(os.Stderr, ec.msg)
			}
			os.Exit(ec.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("GOLOOP_CONFIG"); v != "" {
		return v
	}
	return "goloop.json5"
}

func loadConfig() (*config.Config, error) {
	return config.Load(resolveConfigPath())
}

// newLogger builds the process logger from the log section and installs it
// as the slog default.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}
