// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

package otlpreceiver

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/lee-liao/telemetry-relay/config"
	"github.com/lee-liao/telemetry-relay/consumer/consumererror"
	"github.com/lee-liao/telemetry-relay/internal/telemetry"
	"github.com/lee-liao/telemetry-relay/model"
)

type pipelineSink struct {
	mu      sync.Mutex
	batches []*model.Batch
	err     error
}

func (s *pipelineSink) ConsumeBatch(_ context.Context, batch *model.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, batch)
	return nil
}

func (s *pipelineSink) received() []*model.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.Batch(nil), s.batches...)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func startReceiver(t *testing.T, sink *pipelineSink) (*Receiver, *telemetry.Metrics, string, string) {
	t.Helper()
	grpcAddr := freeAddr(t)
	httpAddr := freeAddr(t)
	tel := telemetry.NewMetrics()
	r := New(config.OTLP{
		GRPC: config.GRPCServer{Endpoint: grpcAddr},
		HTTP: config.HTTPServer{Endpoint: httpAddr},
	}, zap.NewNop(), tel, sink, make(chan error, 1))
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { require.NoError(t, r.Shutdown(context.Background())) })
	return r, tel, grpcAddr, httpAddr
}

func traceRequest() *coltracepb.ExportTraceServiceRequest {
	return &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{{
				Key:   "service.name",
				Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "checkout"}},
			}}},
			ScopeSpans: []*tracepb.ScopeSpans{{
				Spans: []*tracepb.Span{{
					TraceId:           []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
					SpanId:            []byte{1, 2, 3, 4, 5, 6, 7, 8},
					Name:              "charge",
					StartTimeUnixNano: uint64(time.Now().UnixNano()),
					EndTimeUnixNano:   uint64(time.Now().UnixNano()),
				}},
			}},
		}},
	}
}

func TestGRPCExport(t *testing.T) {
	sink := &pipelineSink{}
	_, tel, grpcAddr, _ := startReceiver(t, sink)

	conn, err := grpc.DialContext(context.Background(), grpcAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock())
	require.NoError(t, err)
	defer conn.Close()

	client := coltracepb.NewTraceServiceClient(conn)
	_, err = client.Export(context.Background(), traceRequest())
	require.NoError(t, err)

	got := sink.received()
	require.Len(t, got, 1)
	assert.Equal(t, "charge", got[0].Spans[0].Name)
	assert.Equal(t, "checkout", got[0].Spans[0].Service)
	assert.Equal(t, 1.0, testutil.ToFloat64(tel.AcceptedRecords.WithLabelValues("grpc")))
}

func TestGRPCRefusedMapsToResourceExhausted(t *testing.T) {
	sink := &pipelineSink{err: consumererror.ErrRefused}
	_, tel, grpcAddr, _ := startReceiver(t, sink)

	conn, err := grpc.DialContext(context.Background(), grpcAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock())
	require.NoError(t, err)
	defer conn.Close()

	client := coltracepb.NewTraceServiceClient(conn)
	_, err = client.Export(context.Background(), traceRequest())
	require.Error(t, err)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(tel.RefusedRecords.WithLabelValues("grpc")))
}

func TestGRPCEmptyRequestIsAccepted(t *testing.T) {
	sink := &pipelineSink{}
	_, _, grpcAddr, _ := startReceiver(t, sink)

	conn, err := grpc.DialContext(context.Background(), grpcAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock())
	require.NoError(t, err)
	defer conn.Close()

	client := coltracepb.NewTraceServiceClient(conn)
	_, err = client.Export(context.Background(), &coltracepb.ExportTraceServiceRequest{})
	require.NoError(t, err)
	assert.Empty(t, sink.received())
}

func postBody(t *testing.T, url, contentType string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(url, contentType, bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHTTPProtobufExport(t *testing.T) {
	sink := &pipelineSink{}
	_, tel, _, httpAddr := startReceiver(t, sink)

	body, err := proto.Marshal(traceRequest())
	require.NoError(t, err)

	resp := postBody(t, fmt.Sprintf("http://%s/v1/traces", httpAddr), "application/x-protobuf", body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-protobuf", resp.Header.Get("Content-Type"))

	got := sink.received()
	require.Len(t, got, 1)
	assert.Equal(t, "charge", got[0].Spans[0].Name)
	assert.Equal(t, 1.0, testutil.ToFloat64(tel.AcceptedRecords.WithLabelValues("http")))
}

func TestHTTPJSONExport(t *testing.T) {
	sink := &pipelineSink{}
	_, _, _, httpAddr := startReceiver(t, sink)

	body := []byte(`{
		"resourceSpans": [{
			"resource": {"attributes": [{"key": "service.name", "value": {"stringValue": "checkout"}}]},
			"scopeSpans": [{"spans": [{"name": "charge"}]}]
		}]
	}`)
	resp := postBody(t, fmt.Sprintf("http://%s/v1/traces", httpAddr), "application/json", body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	got := sink.received()
	require.Len(t, got, 1)
	assert.Equal(t, "checkout", got[0].Spans[0].Service)
}

func TestHTTPMalformedPayload(t *testing.T) {
	sink := &pipelineSink{}
	_, _, _, httpAddr := startReceiver(t, sink)

	resp := postBody(t, fmt.Sprintf("http://%s/v1/traces", httpAddr), "application/json", []byte("{not json"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postBody(t, fmt.Sprintf("http://%s/v1/metrics", httpAddr), "application/x-protobuf", []byte{0xFF, 0xFF, 0xFF})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// A malformed request never reaches the pipeline, and the server keeps
	// accepting afterwards.
	assert.Empty(t, sink.received())
	body, err := proto.Marshal(traceRequest())
	require.NoError(t, err)
	resp = postBody(t, fmt.Sprintf("http://%s/v1/traces", httpAddr), "application/x-protobuf", body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTPRefusedMapsTo429(t *testing.T) {
	sink := &pipelineSink{err: consumererror.ErrRefused}
	_, tel, _, httpAddr := startReceiver(t, sink)

	body, err := proto.Marshal(traceRequest())
	require.NoError(t, err)
	resp := postBody(t, fmt.Sprintf("http://%s/v1/traces", httpAddr), "application/x-protobuf", body)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(tel.RefusedRecords.WithLabelValues("http")))
}

func TestHTTPUnsupportedContentType(t *testing.T) {
	sink := &pipelineSink{}
	_, _, _, httpAddr := startReceiver(t, sink)

	resp := postBody(t, fmt.Sprintf("http://%s/v1/traces", httpAddr), "text/plain", []byte("hello"))
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestGRPCPortConflictFailsStart(t *testing.T) {
	ln, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	defer ln.Close()

	r := New(config.OTLP{
		GRPC: config.GRPCServer{Endpoint: ln.Addr().String()},
	}, zap.NewNop(), telemetry.NewMetrics(), &pipelineSink{}, make(chan error, 1))
	require.Error(t, r.Start(context.Background()))
}
