// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

package prometheusexporter // import "github.com/lee-liao/telemetry-relay/exporter/prometheusexporter"

import (
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/lee-liao/telemetry-relay/config"
	"github.com/lee-liao/telemetry-relay/model"
)

type accumulatedValue struct {
	desc        *prometheus.Desc
	kind        model.MetricKind
	labelValues []string
	updated     time.Time
	timestamp   time.Time

	value float64

	count   uint64
	sum     float64
	buckets map[float64]uint64
}

// collector accumulates relayed points and serves the current state on every
// scrape. Counters add up across batches, gauges and histograms keep the
// latest sample. Stale series are expired on scrape.
type collector struct {
	mu                sync.Mutex
	registeredMetrics map[string]*accumulatedValue

	namespace   string
	constLabels prometheus.Labels
	expiration  time.Duration
	logger      *zap.Logger
}

func newCollector(cfg *config.Exporter, logger *zap.Logger) *collector {
	constLabels := prometheus.Labels{}
	for k, v := range cfg.ConstLabels {
		constLabels[sanitize(k)] = v
	}
	return &collector{
		registeredMetrics: make(map[string]*accumulatedValue),
		namespace:         sanitize(cfg.Namespace),
		constLabels:       constLabels,
		expiration:        cfg.MetricExpiration,
		logger:            logger,
	}
}

// Accumulate folds the points into the collector state.
func (c *collector) Accumulate(points []*model.MetricPoint) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range points {
		keys, values := labelPairs(p.Labels)
		sig := metricSignature(c.metricName(p.Name), keys, values)

		v, ok := c.registeredMetrics[sig]
		if !ok {
			v = &accumulatedValue{
				desc: prometheus.NewDesc(
					c.metricName(p.Name),
					"Relayed metric "+p.Name,
					keys,
					c.constLabels,
				),
				kind:        p.Kind,
				labelValues: values,
			}
			c.registeredMetrics[sig] = v
		}

		switch p.Kind {
		case model.MetricCounter:
			v.value += p.Value
		case model.MetricGauge:
			v.value = p.Value
		case model.MetricHistogram:
			v.count = p.Count
			v.sum = p.Sum
			v.buckets = cumulativeBuckets(p.Bounds, p.BucketCounts)
		}
		v.labelValues = values
		v.updated = now
		v.timestamp = p.Time
	}
}

// Describe is a noop; metrics are allocated dynamically.
func (c *collector) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	now := time.Now()
	var out []prometheus.Metric

	c.mu.Lock()
	for sig, v := range c.registeredMetrics {
		if c.expiration > 0 && now.Sub(v.updated) > c.expiration {
			c.logger.Debug("metric expired", zap.String("signature", sig))
			delete(c.registeredMetrics, sig)
			continue
		}

		var m prometheus.Metric
		var err error
		switch v.kind {
		case model.MetricCounter:
			m, err = prometheus.NewConstMetric(v.desc, prometheus.CounterValue, v.value, v.labelValues...)
		case model.MetricGauge:
			m, err = prometheus.NewConstMetric(v.desc, prometheus.GaugeValue, v.value, v.labelValues...)
		case model.MetricHistogram:
			m, err = prometheus.NewConstHistogram(v.desc, v.count, v.sum, v.buckets, v.labelValues...)
		}
		if err != nil {
			c.logger.Warn("failed to render metric", zap.String("signature", sig), zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	c.mu.Unlock()

	for _, m := range out {
		ch <- m
	}
}

func (c *collector) metricName(name string) string {
	if c.namespace != "" {
		return c.namespace + "_" + sanitize(name)
	}
	return sanitize(name)
}

// metricSignature identifies a series by name, label keys and label values.
// Keys alone are not enough: series that differ only in a value must stay
// separate.
func metricSignature(name string, keys, values []string) string {
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString("-" + k)
	}
	for _, v := range values {
		b.WriteString("-" + v)
	}
	return b.String()
}

func labelPairs(labels map[string]string) (keys, values []string) {
	if len(labels) == 0 {
		return nil, nil
	}
	keys = make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, sanitize(k))
	}
	sort.Strings(keys)

	original := make(map[string]string, len(labels))
	for k, v := range labels {
		original[sanitize(k)] = v
	}
	values = make([]string, len(keys))
	for i, k := range keys {
		values[i] = original[k]
	}
	return keys, values
}

func cumulativeBuckets(bounds []float64, counts []uint64) map[float64]uint64 {
	buckets := make(map[float64]uint64, len(bounds))
	var cumulative uint64
	for i, bound := range bounds {
		if i < len(counts) {
			cumulative += counts[i]
		}
		buckets[bound] = cumulative
	}
	return buckets
}

// sanitize replaces every character not allowed in a Prometheus metric or
// label name with an underscore.
func sanitize(s string) string {
	if s == "" {
		return s
	}
	var b strings.Builder
	for i, r := range s {
		if unicode.IsLetter(r) || r == '_' || (unicode.IsDigit(r) && i > 0) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
