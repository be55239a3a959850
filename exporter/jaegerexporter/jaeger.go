// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package jaegerexporter forwards spans to a Jaeger collector over gRPC.
package jaegerexporter // import "github.com/lee-liao/telemetry-relay/exporter/jaegerexporter"

import (
	"context"
	"fmt"
	"time"

	jaegerproto "github.com/jaegertracing/jaeger/proto-gen/api_v2"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/lee-liao/telemetry-relay/config"
	"github.com/lee-liao/telemetry-relay/consumer/consumererror"
	"github.com/lee-liao/telemetry-relay/exporter/exporterhelper"
	"github.com/lee-liao/telemetry-relay/internal/telemetry"
	"github.com/lee-liao/telemetry-relay/model"
)

// New returns a Jaeger gRPC exporter wrapped with the shared queue/retry
// machinery. The endpoint should be a gRPC target of the form
// "hostname:14250".
func New(name string, cfg *config.Exporter, logger *zap.Logger, tel *telemetry.Metrics) *exporterhelper.Exporter {
	s := &protoGRPCSender{
		endpoint:    cfg.Endpoint,
		bestEffort:  cfg.BestEffort,
		dialTimeout: cfg.Timeout,
		logger:      logger,
	}
	return exporterhelper.New(
		exporterhelper.Settings{Name: name, Logger: logger, Telemetry: tel},
		cfg,
		s.pushSpans,
		exporterhelper.WithStart(s.start),
		exporterhelper.WithShutdown(s.shutdown),
	)
}

// protoGRPCSender forwards spans encoded in the jaeger proto format to a grpc
// server.
type protoGRPCSender struct {
	endpoint    string
	bestEffort  bool
	dialTimeout time.Duration
	logger      *zap.Logger

	conn   *grpc.ClientConn
	client jaegerproto.CollectorServiceClient
}

func (s *protoGRPCSender) start(ctx context.Context) error {
	opts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if !s.bestEffort {
		// Initial connectivity check: fail startup when the collector is
		// unreachable, unless the destination is marked best-effort. The dial
		// is bounded so an unreachable collector fails startup instead of
		// hanging it.
		opts = append(opts, grpc.WithBlock())
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.dialTimeout)
		defer cancel()
	}
	conn, err := grpc.DialContext(ctx, s.endpoint, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to Jaeger collector at %q: %w", s.endpoint, err)
	}
	s.conn = conn
	s.client = jaegerproto.NewCollectorServiceClient(conn)
	return nil
}

func (s *protoGRPCSender) shutdown(context.Context) error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *protoGRPCSender) pushSpans(ctx context.Context, batch *model.Batch) error {
	if len(batch.Spans) == 0 {
		return nil
	}

	batches := toJaegerProto(batch.Spans)
	for _, jb := range batches {
		_, err := s.client.PostSpans(ctx, &jaegerproto.PostSpansRequest{Batch: *jb})
		if err != nil {
			if isPermanentGRPCError(err) {
				return consumererror.Permanent(fmt.Errorf("failed to push trace data via Jaeger exporter: %w", err))
			}
			return fmt.Errorf("failed to push trace data via Jaeger exporter: %w", err)
		}
	}
	return nil
}
