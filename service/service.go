// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package service assembles the relay pipeline from configuration and owns
// its lifecycle: start order, readiness, reload and graceful shutdown.
package service // import "github.com/lee-liao/telemetry-relay/service"

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/lee-liao/telemetry-relay/config"
	"github.com/lee-liao/telemetry-relay/consumer"
	"github.com/lee-liao/telemetry-relay/exporter"
	"github.com/lee-liao/telemetry-relay/exporter/jaegerexporter"
	"github.com/lee-liao/telemetry-relay/exporter/kafkaexporter"
	"github.com/lee-liao/telemetry-relay/exporter/prometheusexporter"
	"github.com/lee-liao/telemetry-relay/exporter/zipkinexporter"
	"github.com/lee-liao/telemetry-relay/extension/healthcheck"
	"github.com/lee-liao/telemetry-relay/internal/telemetry"
	"github.com/lee-liao/telemetry-relay/processor"
	"github.com/lee-liao/telemetry-relay/processor/batchprocessor"
	"github.com/lee-liao/telemetry-relay/processor/memorylimiter"
	"github.com/lee-liao/telemetry-relay/processor/resourceprocessor"
	"github.com/lee-liao/telemetry-relay/receiver/otlpreceiver"
)

// Relay is the assembled pipeline. Data flows
// receiver -> memory limiter -> resource -> batch -> fanout -> exporters.
type Relay struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	tel        *telemetry.Metrics

	receiver  *otlpreceiver.Receiver
	limiter   *memorylimiter.Limiter
	resource  *resourceprocessor.Processor
	batcher   *batchprocessor.Processor
	exporters []exporter.Exporter
	health    *healthcheck.Extension

	// AsyncErr delivers failures from server goroutines after Start returns.
	AsyncErr chan error

	stopWatchCh chan struct{}
	watchDoneCh chan struct{}
}

// New builds the pipeline described by cfg. configPath is re-read on reload;
// it may be empty, in which case reload requests are rejected.
func New(cfg *config.Config, configPath string, logger *zap.Logger) (*Relay, error) {
	r := &Relay{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		tel:        telemetry.NewMetrics(),
		AsyncErr:   make(chan error, 1),
	}

	for _, name := range cfg.Service.Pipeline.Exporters {
		exp, err := buildExporter(name, cfg.Exporters[name], logger, r.tel)
		if err != nil {
			return nil, fmt.Errorf("exporter %q: %w", name, err)
		}
		r.exporters = append(r.exporters, exp)
	}

	consumers := make([]consumer.Batches, 0, len(r.exporters))
	for _, exp := range r.exporters {
		consumers = append(consumers, exp)
	}
	fanout := processor.NewFanout(consumers)

	r.batcher = batchprocessor.New(cfg.Processors.Batch, logger, fanout)
	r.resource = resourceprocessor.New(cfg.Processors.Resource.Attributes, r.batcher)

	limiter, err := memorylimiter.New(cfg.Processors.MemoryLimiter, logger, r.resource)
	if err != nil {
		return nil, err
	}
	r.limiter = limiter

	r.receiver = otlpreceiver.New(cfg.Receivers.OTLP, logger, r.tel, r.limiter, r.AsyncErr)
	r.health = healthcheck.New(cfg.Service.HealthCheck.Endpoint, logger, r.tel, r.reload)
	return r, nil
}

func buildExporter(name string, cfg *config.Exporter, logger *zap.Logger, tel *telemetry.Metrics) (exporter.Exporter, error) {
	switch cfg.Type {
	case config.JaegerExporter:
		return jaegerexporter.New(name, cfg, logger, tel), nil
	case config.ZipkinExporter:
		return zipkinexporter.New(name, cfg, logger, tel), nil
	case config.KafkaExporter:
		return kafkaexporter.New(name, cfg, logger, tel), nil
	case config.PrometheusExporter:
		return prometheusexporter.New(name, cfg, logger, tel), nil
	default:
		return nil, fmt.Errorf("unknown exporter type %q", cfg.Type)
	}
}

// Start brings the pipeline up back to front: exporters first so every stage
// has a live downstream, receivers last. Readiness flips only after all
// exporters passed their connectivity probe and the receivers are bound.
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info("starting relay")

	for _, exp := range r.exporters {
		r.logger.Info("starting exporter", zap.String("exporter", exp.Name()))
		if err := exp.Start(ctx); err != nil {
			return fmt.Errorf("failed to start exporter %q: %w", exp.Name(), err)
		}
	}
	if err := r.batcher.Start(ctx); err != nil {
		return err
	}
	if err := r.limiter.Start(ctx); err != nil {
		return err
	}
	if err := r.receiver.Start(ctx); err != nil {
		return fmt.Errorf("failed to start receiver: %w", err)
	}
	if err := r.health.Start(ctx); err != nil {
		return err
	}

	r.health.Ready()
	r.startReadinessWatch()
	r.logger.Info("relay started and ready")
	return nil
}

// startReadinessWatch mirrors the memory limiter's hard-limit state into the
// readiness endpoint so load balancers steer away while the relay sheds load.
func (r *Relay) startReadinessWatch() {
	r.stopWatchCh = make(chan struct{})
	r.watchDoneCh = make(chan struct{})
	interval := r.cfg.Processors.MemoryLimiter.CheckInterval
	go func() {
		defer close(r.watchDoneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		limited := false
		for {
			select {
			case <-ticker.C:
				now := r.limiter.HardLimited()
				if now == limited {
					continue
				}
				limited = now
				if limited {
					r.logger.Warn("memory hard limit reached, reporting not ready")
					r.health.NotReady()
				} else {
					r.logger.Info("memory recovered, reporting ready")
					r.health.Ready()
				}
			case <-r.stopWatchCh:
				return
			}
		}
	}()
}

// Shutdown drains the pipeline front to back within the configured grace
// period: stop accepting, flush what is buffered, then stop the exporters.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.logger.Info("shutting down relay")

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Service.ShutdownTimeout)
	defer cancel()

	r.health.NotReady()
	if r.stopWatchCh != nil {
		close(r.stopWatchCh)
		<-r.watchDoneCh
	}

	var errs error
	errs = multierr.Append(errs, r.receiver.Shutdown(ctx))
	errs = multierr.Append(errs, r.limiter.Shutdown(ctx))
	errs = multierr.Append(errs, r.batcher.Shutdown(ctx))
	for _, exp := range r.exporters {
		errs = multierr.Append(errs, exp.Shutdown(ctx))
	}
	errs = multierr.Append(errs, r.health.Shutdown(ctx))

	r.logger.Info("relay shutdown complete")
	return errs
}

// Reload re-reads the configuration file and applies the runtime-mutable
// subset, currently the resource attributes. Everything else requires a
// restart; a document that fails validation leaves the running state alone.
func (r *Relay) Reload() error {
	return r.reload()
}

func (r *Relay) reload() error {
	if r.configPath == "" {
		return fmt.Errorf("relay was started without a configuration file")
	}
	cfg, err := config.Load(r.configPath)
	if err != nil {
		return err
	}
	r.resource.UpdateAttributes(cfg.Processors.Resource.Attributes)
	r.cfg.Processors.Resource = cfg.Processors.Resource
	return nil
}
