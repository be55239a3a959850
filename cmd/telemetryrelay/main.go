// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Program telemetryrelay ingests OTLP telemetry and fans it out to the
// configured trace and metric destinations.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lee-liao/telemetry-relay/config"
	"github.com/lee-liao/telemetry-relay/service"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "telemetryrelay",
		Short:        "OTLP telemetry relay",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the configuration file")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := newLogger(cfg.Service.Telemetry.Logs.Level)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	relay, err := service.New(cfg, configPath, logger)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	if err := relay.Start(context.Background()); err != nil {
		return err
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		select {
		case sig := <-signalCh:
			if sig == syscall.SIGHUP {
				if err := relay.Reload(); err != nil {
					logger.Warn("configuration reload rejected", zap.Error(err))
				}
				continue
			}
			logger.Info("received signal", zap.Stringer("signal", sig))
			return relay.Shutdown(context.Background())
		case err := <-relay.AsyncErr:
			logger.Error("fatal server error", zap.Error(err))
			shutdownErr := relay.Shutdown(context.Background())
			if shutdownErr != nil {
				logger.Error("shutdown after fatal error", zap.Error(shutdownErr))
			}
			return err
		}
	}
}

func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("unknown log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
