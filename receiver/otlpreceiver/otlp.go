// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package otlpreceiver accepts telemetry over the two OTLP bindings: gRPC and
// plain HTTP, each on its own port. Malformed payloads are rejected with a
// protocol appropriate error and never crash the listening loop.
package otlpreceiver // import "github.com/lee-liao/telemetry-relay/receiver/otlpreceiver"

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"

	"github.com/lee-liao/telemetry-relay/config"
	"github.com/lee-liao/telemetry-relay/consumer"
	"github.com/lee-liao/telemetry-relay/internal/telemetry"
)

// Receiver exposes OTLP trace and metrics reception on both bindings.
type Receiver struct {
	cfg    config.OTLP
	next   consumer.Batches
	logger *zap.Logger
	tel    *telemetry.Metrics

	serverGRPC *grpc.Server
	serverHTTP *http.Server

	asyncErr   chan<- error
	shutdownWG sync.WaitGroup
}

// New creates the receiver. Fatal serve errors after a successful Start are
// reported on asyncErr.
func New(cfg config.OTLP, logger *zap.Logger, tel *telemetry.Metrics, next consumer.Batches, asyncErr chan<- error) *Receiver {
	return &Receiver{
		cfg:      cfg,
		next:     next,
		logger:   logger,
		tel:      tel,
		asyncErr: asyncErr,
	}
}

// Start binds and serves both listeners. A bind failure is returned
// synchronously so startup can fail before the relay reports ready.
func (r *Receiver) Start(ctx context.Context) error {
	if err := r.startGRPCServer(); err != nil {
		return err
	}
	if err := r.startHTTPServer(); err != nil {
		// The gRPC binding already succeeded; take it down again.
		r.serverGRPC.Stop()
		return err
	}
	return nil
}

func (r *Receiver) startGRPCServer() error {
	if r.cfg.GRPC.Endpoint == "" {
		return nil
	}

	r.serverGRPC = grpc.NewServer()
	coltracepb.RegisterTraceServiceServer(r.serverGRPC, &traceService{recv: r})
	colmetricspb.RegisterMetricsServiceServer(r.serverGRPC, &metricsService{recv: r})

	ln, err := net.Listen("tcp", r.cfg.GRPC.Endpoint)
	if err != nil {
		return err
	}
	r.logger.Info("Starting GRPC server on endpoint " + ln.Addr().String())

	r.shutdownWG.Add(1)
	go func() {
		defer r.shutdownWG.Done()
		if errGrpc := r.serverGRPC.Serve(ln); errGrpc != nil && !errors.Is(errGrpc, grpc.ErrServerStopped) {
			r.asyncErr <- errGrpc
		}
	}()
	return nil
}

func (r *Receiver) startHTTPServer() error {
	if r.cfg.HTTP.Endpoint == "" {
		return nil
	}

	router := mux.NewRouter()
	router.HandleFunc("/v1/traces", r.handleTraces).Methods(http.MethodPost)
	router.HandleFunc("/v1/metrics", r.handleMetrics).Methods(http.MethodPost)

	var handler http.Handler = router
	if len(r.cfg.HTTP.CORSAllowedOrigins) > 0 {
		co := cors.New(cors.Options{
			AllowedOrigins: r.cfg.HTTP.CORSAllowedOrigins,
			AllowedMethods: []string{http.MethodPost},
			AllowedHeaders: []string{"Content-Type"},
		})
		handler = co.Handler(router)
	}
	r.serverHTTP = &http.Server{Handler: handler}

	ln, err := net.Listen("tcp", r.cfg.HTTP.Endpoint)
	if err != nil {
		return err
	}
	r.logger.Info("Starting HTTP server on endpoint " + ln.Addr().String())

	r.shutdownWG.Add(1)
	go func() {
		defer r.shutdownWG.Done()
		if errHTTP := r.serverHTTP.Serve(ln); errHTTP != nil && !errors.Is(errHTTP, http.ErrServerClosed) {
			r.asyncErr <- errHTTP
		}
	}()
	return nil
}

// Shutdown stops both listeners and waits for the serving goroutines.
func (r *Receiver) Shutdown(ctx context.Context) error {
	var err error
	if r.serverHTTP != nil {
		err = r.serverHTTP.Shutdown(ctx)
	}
	if r.serverGRPC != nil {
		r.serverGRPC.GracefulStop()
	}
	r.shutdownWG.Wait()
	return err
}
