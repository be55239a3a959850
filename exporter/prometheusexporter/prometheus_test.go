// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

package prometheusexporter

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lee-liao/telemetry-relay/config"
	"github.com/lee-liao/telemetry-relay/internal/telemetry"
	"github.com/lee-liao/telemetry-relay/model"
)

func testCfg(mutate func(*config.Exporter)) *config.Exporter {
	cfg := config.DefaultExporter()
	cfg.Type = config.PrometheusExporter
	cfg.Queue.Enabled = false
	cfg.Retry.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}
	return cfg
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func scrape(t *testing.T, addr string) string {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestExpositionEndpoint(t *testing.T) {
	addr := freeAddr(t)
	cfg := testCfg(func(c *config.Exporter) { c.Endpoint = addr })
	exp := New("prometheus", cfg, zap.NewNop(), telemetry.NewMetrics())
	require.NoError(t, exp.Start(context.Background()))
	defer func() { require.NoError(t, exp.Shutdown(context.Background())) }()

	batch := &model.Batch{Points: []*model.MetricPoint{
		{Name: "orders_total", Kind: model.MetricCounter, Value: 1, Time: time.Now()},
		{Name: "queue_depth", Kind: model.MetricGauge, Value: 7, Labels: map[string]string{"queue": "orders"}, Time: time.Now()},
	}}
	require.NoError(t, exp.ConsumeBatch(context.Background(), batch))

	body := scrape(t, addr)
	assert.Contains(t, body, "orders_total 1")
	assert.Contains(t, body, `queue_depth{queue="orders"} 7`)
}

func TestCountersAddAcrossBatches(t *testing.T) {
	c := newCollector(testCfg(nil), zap.NewNop())
	c.Accumulate([]*model.MetricPoint{{Name: "orders_total", Kind: model.MetricCounter, Value: 1}})
	c.Accumulate([]*model.MetricPoint{{Name: "orders_total", Kind: model.MetricCounter, Value: 2}})

	v := c.registeredMetrics[metricSignature("orders_total", nil, nil)]
	require.NotNil(t, v)
	assert.Equal(t, 3.0, v.value)
}

func TestSeriesWithDifferentLabelValuesStaySeparate(t *testing.T) {
	c := newCollector(testCfg(nil), zap.NewNop())
	c.Accumulate([]*model.MetricPoint{
		{Name: "orders_total", Kind: model.MetricCounter, Value: 1, Labels: map[string]string{"region": "us"}},
		{Name: "orders_total", Kind: model.MetricCounter, Value: 2, Labels: map[string]string{"region": "eu"}},
	})

	ch := make(chan prometheus.Metric, 10)
	c.Collect(ch)
	close(ch)
	assert.Len(t, ch, 2)

	us := c.registeredMetrics[metricSignature("orders_total", []string{"region"}, []string{"us"})]
	require.NotNil(t, us)
	assert.Equal(t, 1.0, us.value)
	assert.Equal(t, []string{"us"}, us.labelValues)

	eu := c.registeredMetrics[metricSignature("orders_total", []string{"region"}, []string{"eu"})]
	require.NotNil(t, eu)
	assert.Equal(t, 2.0, eu.value)
	assert.Equal(t, []string{"eu"}, eu.labelValues)
}

func TestGaugesKeepLatest(t *testing.T) {
	c := newCollector(testCfg(nil), zap.NewNop())
	c.Accumulate([]*model.MetricPoint{{Name: "queue_depth", Kind: model.MetricGauge, Value: 5}})
	c.Accumulate([]*model.MetricPoint{{Name: "queue_depth", Kind: model.MetricGauge, Value: 2}})

	v := c.registeredMetrics[metricSignature("queue_depth", nil, nil)]
	require.NotNil(t, v)
	assert.Equal(t, 2.0, v.value)
}

func TestHistogramBucketsAreCumulative(t *testing.T) {
	c := newCollector(testCfg(nil), zap.NewNop())
	c.Accumulate([]*model.MetricPoint{{
		Name:         "latency_seconds",
		Kind:         model.MetricHistogram,
		Count:        6,
		Sum:          1.2,
		Bounds:       []float64{0.1, 0.5},
		BucketCounts: []uint64{1, 2, 3},
	}})

	v := c.registeredMetrics[metricSignature("latency_seconds", nil, nil)]
	require.NotNil(t, v)
	assert.Equal(t, map[float64]uint64{0.1: 1, 0.5: 3}, v.buckets)
	assert.Equal(t, uint64(6), v.count)
	assert.Equal(t, 1.2, v.sum)
}

func TestSeriesExpireAfterInactivity(t *testing.T) {
	cfg := testCfg(func(c *config.Exporter) { c.MetricExpiration = 10 * time.Millisecond })
	c := newCollector(cfg, zap.NewNop())
	c.Accumulate([]*model.MetricPoint{{Name: "orders_total", Kind: model.MetricCounter, Value: 1}})

	time.Sleep(20 * time.Millisecond)
	ch := make(chan prometheus.Metric, 10)
	c.Collect(ch)
	close(ch)

	assert.Empty(t, ch)
	assert.Empty(t, c.registeredMetrics)
}

func TestNamespaceAndSanitize(t *testing.T) {
	cfg := testCfg(func(c *config.Exporter) { c.Namespace = "relay" })
	c := newCollector(cfg, zap.NewNop())
	c.Accumulate([]*model.MetricPoint{{
		Name:   "orders.count",
		Kind:   model.MetricCounter,
		Value:  1,
		Labels: map[string]string{"http.method": "POST"},
	}})

	v := c.registeredMetrics[metricSignature("relay_orders_count", []string{"http_method"}, []string{"POST"})]
	require.NotNil(t, v)
	assert.Equal(t, []string{"POST"}, v.labelValues)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "orders_total", sanitize("orders_total"))
	assert.Equal(t, "orders_count", sanitize("orders.count"))
	assert.Equal(t, "_0abc", sanitize("00abc"))
	assert.Equal(t, "", sanitize(""))
}
