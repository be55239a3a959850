// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

package zipkinexporter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	zipkinmodel "github.com/openzipkin/zipkin-go/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lee-liao/telemetry-relay/config"
	"github.com/lee-liao/telemetry-relay/consumer/consumererror"
	"github.com/lee-liao/telemetry-relay/internal/telemetry"
	"github.com/lee-liao/telemetry-relay/model"
)

type mockZipkin struct {
	mu         sync.Mutex
	statusCode int
	bodies     [][]byte
}

func (m *mockZipkin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	m.mu.Lock()
	m.bodies = append(m.bodies, body)
	code := m.statusCode
	m.mu.Unlock()
	if code == 0 {
		code = http.StatusAccepted
	}
	w.WriteHeader(code)
}

func (m *mockZipkin) received() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.bodies...)
}

func testCfg(endpoint string) *config.Exporter {
	cfg := config.DefaultExporter()
	cfg.Type = config.ZipkinExporter
	cfg.Endpoint = endpoint
	cfg.Queue.Enabled = false
	cfg.Retry.Enabled = false
	return cfg
}

func TestPushSpans(t *testing.T) {
	zipkin := &mockZipkin{}
	srv := httptest.NewServer(zipkin)
	defer srv.Close()

	exp := New("zipkin", testCfg(srv.URL), zap.NewNop(), telemetry.NewMetrics())
	require.NoError(t, exp.Start(context.Background()))
	defer func() { require.NoError(t, exp.Shutdown(context.Background())) }()

	batch := &model.Batch{Spans: []*model.Span{{
		TraceID:   model.TraceID{0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 2},
		SpanID:    model.SpanID{0, 0, 0, 0, 0, 0, 0, 3},
		Name:      "charge",
		Service:   "checkout",
		StartTime: time.Unix(10, 0).UTC(),
		EndTime:   time.Unix(10, int64(50*time.Millisecond)).UTC(),
		Attributes: map[string]model.Value{
			"environment": model.StringValue("staging"),
			"retries":     model.IntValue(2),
		},
		Status:    model.StatusError,
		StatusMsg: "card declined",
	}}}
	require.NoError(t, exp.ConsumeBatch(context.Background(), batch))

	// Startup probe plus the pushed batch.
	bodies := zipkin.received()
	require.Len(t, bodies, 2)

	var spans []zipkinmodel.SpanModel
	require.NoError(t, json.Unmarshal(bodies[1], &spans))
	require.Len(t, spans, 1)
	got := spans[0]
	assert.Equal(t, "charge", got.Name)
	assert.Equal(t, "checkout", got.LocalEndpoint.ServiceName)
	assert.Equal(t, 50*time.Millisecond, got.Duration)
	assert.Equal(t, "staging", got.Tags["environment"])
	assert.Equal(t, "2", got.Tags["retries"])
	assert.Equal(t, "ERROR", got.Tags["otel.status_code"])
	assert.Equal(t, "card declined", got.Tags["error"])
}

func TestStartupProbeFailsAgainstDownServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	exp := New("zipkin", testCfg(url), zap.NewNop(), telemetry.NewMetrics())
	require.Error(t, exp.Start(context.Background()))
}

func TestBestEffortSkipsProbe(t *testing.T) {
	cfg := testCfg("http://localhost:1/api/v2/spans")
	cfg.BestEffort = true
	exp := New("zipkin", cfg, zap.NewNop(), telemetry.NewMetrics())
	require.NoError(t, exp.Start(context.Background()))
	require.NoError(t, exp.Shutdown(context.Background()))
}

func TestClientErrorsArePermanent(t *testing.T) {
	zipkin := &mockZipkin{statusCode: http.StatusBadRequest}
	srv := httptest.NewServer(zipkin)
	defer srv.Close()

	cfg := testCfg(srv.URL)
	cfg.BestEffort = true
	exp := New("zipkin", cfg, zap.NewNop(), telemetry.NewMetrics())
	require.NoError(t, exp.Start(context.Background()))
	defer func() { require.NoError(t, exp.Shutdown(context.Background())) }()

	err := exp.ConsumeBatch(context.Background(), &model.Batch{Spans: []*model.Span{{Name: "op"}}})
	require.Error(t, err)
	assert.True(t, consumererror.IsPermanent(err))
}

func TestServerErrorsAreRetryable(t *testing.T) {
	zipkin := &mockZipkin{statusCode: http.StatusServiceUnavailable}
	srv := httptest.NewServer(zipkin)
	defer srv.Close()

	cfg := testCfg(srv.URL)
	cfg.BestEffort = true
	exp := New("zipkin", cfg, zap.NewNop(), telemetry.NewMetrics())
	require.NoError(t, exp.Start(context.Background()))
	defer func() { require.NoError(t, exp.Shutdown(context.Background())) }()

	err := exp.ConsumeBatch(context.Background(), &model.Batch{Spans: []*model.Span{{Name: "op"}}})
	require.Error(t, err)
	assert.False(t, consumererror.IsPermanent(err))
}
