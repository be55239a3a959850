// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package healthcheck serves liveness and readiness over HTTP, alongside the
// relay's own operational metrics and the config reload endpoint.
package healthcheck // import "github.com/lee-liao/telemetry-relay/extension/healthcheck"

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jaegertracing/jaeger/pkg/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lee-liao/telemetry-relay/internal/telemetry"
)

// ReloadFunc re-reads configuration and applies what can change at runtime.
// A non-nil error means the new configuration was rejected and the running
// one stays in effect.
type ReloadFunc func() error

// Extension exposes "/" for readiness probes, "/metrics" for the relay's own
// telemetry, and "POST /-/reload" to apply configuration changes.
type Extension struct {
	endpoint string
	logger   *zap.Logger
	state    *healthcheck.HealthCheck
	reload   ReloadFunc
	tel      *telemetry.Metrics
	server   *http.Server
	stopCh   chan struct{}
}

func New(endpoint string, logger *zap.Logger, tel *telemetry.Metrics, reload ReloadFunc) *Extension {
	state := healthcheck.New()
	state.SetLogger(logger)
	return &Extension{
		endpoint: endpoint,
		logger:   logger,
		state:    state,
		reload:   reload,
		tel:      tel,
	}
}

func (e *Extension) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", e.endpoint)
	if err != nil {
		return fmt.Errorf("failed to bind health check endpoint %q: %w", e.endpoint, err)
	}

	router := mux.NewRouter()
	router.Handle("/", e.state.Handler())
	router.Handle("/metrics", promhttp.HandlerFor(e.tel.Registry, promhttp.HandlerOpts{}))
	router.HandleFunc("/-/reload", e.handleReload).Methods(http.MethodPost)
	e.server = &http.Server{Handler: router}

	e.stopCh = make(chan struct{})
	go func() {
		defer close(e.stopCh)
		if err := e.server.Serve(ln); err != http.ErrServerClosed && err != nil {
			e.logger.Error("health check server terminated", zap.Error(err))
		}
	}()
	return nil
}

func (e *Extension) Shutdown(ctx context.Context) error {
	if e.server == nil {
		return nil
	}
	err := e.server.Shutdown(ctx)
	if e.stopCh != nil {
		<-e.stopCh
	}
	return err
}

// Ready reports the relay as able to accept telemetry.
func (e *Extension) Ready() {
	e.state.Set(healthcheck.Ready)
}

// NotReady reports the relay as temporarily refusing telemetry, for example
// while the memory limiter is shedding load or during shutdown.
func (e *Extension) NotReady() {
	e.state.Set(healthcheck.Unavailable)
}

func (e *Extension) handleReload(w http.ResponseWriter, _ *http.Request) {
	if e.reload == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	if err := e.reload(); err != nil {
		e.logger.Warn("configuration reload rejected", zap.Error(err))
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprintln(w, err.Error())
		return
	}
	e.logger.Info("configuration reloaded")
	w.WriteHeader(http.StatusOK)
}
