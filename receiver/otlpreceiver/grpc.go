// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

package otlpreceiver // import "github.com/lee-liao/telemetry-relay/receiver/otlpreceiver"

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"

	"github.com/lee-liao/telemetry-relay/consumer/consumererror"
	"github.com/lee-liao/telemetry-relay/model"
)

const grpcTransport = "grpc"

type traceService struct {
	coltracepb.UnimplementedTraceServiceServer
	recv *Receiver
}

func (s *traceService) Export(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) (*coltracepb.ExportTraceServiceResponse, error) {
	batch := model.FromTraceRequest(req)
	if err := s.recv.consume(ctx, batch, grpcTransport); err != nil {
		return nil, err
	}
	return &coltracepb.ExportTraceServiceResponse{}, nil
}

type metricsService struct {
	colmetricspb.UnimplementedMetricsServiceServer
	recv *Receiver
}

func (s *metricsService) Export(ctx context.Context, req *colmetricspb.ExportMetricsServiceRequest) (*colmetricspb.ExportMetricsServiceResponse, error) {
	batch := model.FromMetricsRequest(req)
	if err := s.recv.consume(ctx, batch, grpcTransport); err != nil {
		return nil, err
	}
	return &colmetricspb.ExportMetricsServiceResponse{}, nil
}

// consume hands the batch to the pipeline and translates pipeline errors to
// gRPC statuses. Used by both services.
func (r *Receiver) consume(ctx context.Context, batch *model.Batch, transport string) error {
	if batch.IsEmpty() {
		return nil
	}
	count := float64(batch.RecordCount())
	if err := r.next.ConsumeBatch(ctx, batch); err != nil {
		r.tel.RefusedRecords.WithLabelValues(transport).Add(count)
		if errors.Is(err, consumererror.ErrRefused) {
			return status.Error(codes.ResourceExhausted, err.Error())
		}
		return status.Error(codes.Internal, err.Error())
	}
	r.tel.AcceptedRecords.WithLabelValues(transport).Add(count)
	return nil
}
