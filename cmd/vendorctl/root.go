package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	marketplace "github.com/bjoelf/marketplace-session/adapter"
	"github.com/spf13/cobra"
)

var (
	configPath string
	cfg        *marketplace.Config
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:          "vendorctl",
	Short:        "Marketplace vendor session and event stream client",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		c, err := marketplace.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = c
		logger, err = newLogger(cfg.Log, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		logger.Debug("Configuration loaded", "function", "PersistentPreRunE", "config", cfg.String())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./config.yaml or ./config/config.yaml)")
}

// newLogger builds the slog handler named by the log config
func newLogger(c marketplace.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(c.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
}

// newManager builds the session manager from the loaded config
func newManager(ctx context.Context) (*marketplace.SessionManager, error) {
	return marketplace.NewSessionManagerFromConfig(ctx, cfg, logger)
}

// resumeManager restores the persisted session or explains how to get one
func resumeManager(ctx context.Context) (*marketplace.SessionManager, error) {
	manager, err := newManager(ctx)
	if err != nil {
		return nil, err
	}
	if !manager.Resume(ctx) {
		return nil, fmt.Errorf("%w: run 'vendorctl login' first", marketplace.ErrNoValidSession)
	}
	return manager, nil
}
