// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package prometheusexporter exposes the relayed metric set in the Prometheus
// text exposition format. Unlike the push exporters it is scraped, not
// pushed: consuming a batch only updates the accumulated state.
package prometheusexporter // import "github.com/lee-liao/telemetry-relay/exporter/prometheusexporter"

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lee-liao/telemetry-relay/config"
	"github.com/lee-liao/telemetry-relay/exporter/exporterhelper"
	"github.com/lee-liao/telemetry-relay/internal/telemetry"
	"github.com/lee-liao/telemetry-relay/model"
)

// New returns a Prometheus exposition exporter. The endpoint is a local bind
// address; the current metric set is served on /metrics.
func New(name string, cfg *config.Exporter, logger *zap.Logger, tel *telemetry.Metrics) *exporterhelper.Exporter {
	pe := &prometheusExporter{
		endpoint:  cfg.Endpoint,
		collector: newCollector(cfg, logger),
		logger:    logger,
	}
	return exporterhelper.New(
		exporterhelper.Settings{Name: name, Logger: logger, Telemetry: tel},
		cfg,
		pe.pushMetrics,
		exporterhelper.WithStart(pe.start),
		exporterhelper.WithShutdown(pe.shutdown),
	)
}

type prometheusExporter struct {
	endpoint  string
	collector *collector
	logger    *zap.Logger
	srv       *http.Server
}

func (pe *prometheusExporter) start(context.Context) error {
	registry := prometheus.NewRegistry()
	if err := registry.Register(pe.collector); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", pe.endpoint)
	if err != nil {
		return fmt.Errorf("failed to bind metrics exposition endpoint %q: %w", pe.endpoint, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))
	pe.srv = &http.Server{Handler: mux}

	go func() {
		if err := pe.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			pe.logger.Error("Prometheus exposition server failed", zap.Error(err))
		}
	}()
	return nil
}

func (pe *prometheusExporter) shutdown(ctx context.Context) error {
	if pe.srv == nil {
		return nil
	}
	return pe.srv.Shutdown(ctx)
}

// pushMetrics accumulates the points; it has no delivery failure mode.
func (pe *prometheusExporter) pushMetrics(_ context.Context, batch *model.Batch) error {
	pe.collector.Accumulate(batch.Points)
	return nil
}
