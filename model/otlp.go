// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

package model // import "github.com/lee-liao/telemetry-relay/model"

import (
	"sort"
	"strings"
	"time"

	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

// serviceNameKey is the OTLP resource attribute carrying the service name.
const serviceNameKey = "service.name"

// FromTraceRequest converts an OTLP trace export request into a Batch.
func FromTraceRequest(req *coltracepb.ExportTraceServiceRequest) *Batch {
	b := NewBatch()
	for _, rs := range req.GetResourceSpans() {
		service := resourceServiceName(rs.GetResource())
		for _, ss := range rs.GetScopeSpans() {
			for _, sp := range ss.GetSpans() {
				b.Spans = append(b.Spans, fromOTLPSpan(sp, service))
			}
		}
	}
	return b
}

// FromMetricsRequest converts an OTLP metrics export request into a Batch.
func FromMetricsRequest(req *colmetricspb.ExportMetricsServiceRequest) *Batch {
	b := NewBatch()
	for _, rm := range req.GetResourceMetrics() {
		resource := labelsFromAttributes(rm.GetResource().GetAttributes())
		for _, sm := range rm.GetScopeMetrics() {
			for _, m := range sm.GetMetrics() {
				points := fromOTLPMetric(m)
				for _, p := range points {
					if len(resource) > 0 {
						p.Resource = make(map[string]string, len(resource))
						for k, v := range resource {
							p.Resource[k] = v
						}
					}
				}
				b.Points = append(b.Points, points...)
			}
		}
	}
	return b
}

func resourceServiceName(res *resourcepb.Resource) string {
	for _, kv := range res.GetAttributes() {
		if kv.GetKey() == serviceNameKey {
			return kv.GetValue().GetStringValue()
		}
	}
	return ""
}

func fromOTLPSpan(sp *tracepb.Span, service string) *Span {
	s := &Span{
		Name:      sp.GetName(),
		Service:   service,
		StartTime: time.Unix(0, int64(sp.GetStartTimeUnixNano())).UTC(),
		EndTime:   time.Unix(0, int64(sp.GetEndTimeUnixNano())).UTC(),
	}
	copy(s.TraceID[:], sp.GetTraceId())
	copy(s.SpanID[:], sp.GetSpanId())
	copy(s.ParentSpanID[:], sp.GetParentSpanId())
	if attrs := sp.GetAttributes(); len(attrs) > 0 {
		s.Attributes = make(map[string]Value, len(attrs))
		for _, kv := range attrs {
			s.Attributes[kv.GetKey()] = fromAnyValue(kv.GetValue())
		}
	}
	switch sp.GetStatus().GetCode() {
	case tracepb.Status_STATUS_CODE_OK:
		s.Status = StatusOK
	case tracepb.Status_STATUS_CODE_ERROR:
		s.Status = StatusError
	}
	s.StatusMsg = sp.GetStatus().GetMessage()
	return s
}

func fromAnyValue(av *commonpb.AnyValue) Value {
	switch v := av.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return StringValue(v.StringValue)
	case *commonpb.AnyValue_IntValue:
		return IntValue(v.IntValue)
	case *commonpb.AnyValue_DoubleValue:
		return DoubleValue(v.DoubleValue)
	case *commonpb.AnyValue_BoolValue:
		return BoolValue(v.BoolValue)
	}
	// Nested values are flattened to their string form.
	return StringValue(av.String())
}

func fromOTLPMetric(m *metricspb.Metric) []*MetricPoint {
	var points []*MetricPoint
	switch {
	case m.GetSum() != nil:
		kind := MetricCounter
		if !m.GetSum().GetIsMonotonic() {
			kind = MetricGauge
		}
		for _, dp := range m.GetSum().GetDataPoints() {
			points = append(points, fromNumberDataPoint(m.GetName(), kind, dp))
		}
	case m.GetGauge() != nil:
		for _, dp := range m.GetGauge().GetDataPoints() {
			points = append(points, fromNumberDataPoint(m.GetName(), MetricGauge, dp))
		}
	case m.GetHistogram() != nil:
		for _, dp := range m.GetHistogram().GetDataPoints() {
			points = append(points, &MetricPoint{
				Name:         m.GetName(),
				Kind:         MetricHistogram,
				Labels:       labelsFromAttributes(dp.GetAttributes()),
				Time:         time.Unix(0, int64(dp.GetTimeUnixNano())).UTC(),
				Count:        dp.GetCount(),
				Sum:          dp.GetSum(),
				Bounds:       append([]float64(nil), dp.GetExplicitBounds()...),
				BucketCounts: append([]uint64(nil), dp.GetBucketCounts()...),
			})
		}
	}
	return points
}

func fromNumberDataPoint(name string, kind MetricKind, dp *metricspb.NumberDataPoint) *MetricPoint {
	p := &MetricPoint{
		Name:   name,
		Kind:   kind,
		Labels: labelsFromAttributes(dp.GetAttributes()),
		Time:   time.Unix(0, int64(dp.GetTimeUnixNano())).UTC(),
	}
	switch v := dp.GetValue().(type) {
	case *metricspb.NumberDataPoint_AsDouble:
		p.Value = v.AsDouble
	case *metricspb.NumberDataPoint_AsInt:
		p.Value = float64(v.AsInt)
	}
	return p
}

func labelsFromAttributes(attrs []*commonpb.KeyValue) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	labels := make(map[string]string, len(attrs))
	for _, kv := range attrs {
		labels[kv.GetKey()] = fromAnyValue(kv.GetValue()).AsString()
	}
	return labels
}

// ToTraceRequest converts the batch spans back into an OTLP trace export
// request, grouping spans by service name. Used by exporters that speak OTLP
// on the wire.
func ToTraceRequest(b *Batch) *coltracepb.ExportTraceServiceRequest {
	byService := make(map[string][]*tracepb.Span)
	var order []string
	for _, s := range b.Spans {
		if _, ok := byService[s.Service]; !ok {
			order = append(order, s.Service)
		}
		byService[s.Service] = append(byService[s.Service], toOTLPSpan(s))
	}
	req := &coltracepb.ExportTraceServiceRequest{}
	for _, service := range order {
		req.ResourceSpans = append(req.ResourceSpans, &tracepb.ResourceSpans{
			Resource: &resourcepb.Resource{
				Attributes: []*commonpb.KeyValue{strAttr(serviceNameKey, service)},
			},
			ScopeSpans: []*tracepb.ScopeSpans{{Spans: byService[service]}},
		})
	}
	return req
}

// ToMetricsRequest converts the batch points back into an OTLP metrics export
// request, grouping points by their resource attribute set.
func ToMetricsRequest(b *Batch) *colmetricspb.ExportMetricsServiceRequest {
	byResource := make(map[string][]*metricspb.Metric)
	resources := make(map[string]map[string]string)
	var order []string
	for _, p := range b.Points {
		sig := resourceSignature(p.Resource)
		if _, ok := byResource[sig]; !ok {
			order = append(order, sig)
			resources[sig] = p.Resource
		}
		byResource[sig] = append(byResource[sig], toOTLPMetric(p))
	}
	req := &colmetricspb.ExportMetricsServiceRequest{}
	for _, sig := range order {
		req.ResourceMetrics = append(req.ResourceMetrics, &metricspb.ResourceMetrics{
			Resource:     &resourcepb.Resource{Attributes: labelsToAttributes(resources[sig])},
			ScopeMetrics: []*metricspb.ScopeMetrics{{Metrics: byResource[sig]}},
		})
	}
	return req
}

func resourceSignature(resource map[string]string) string {
	if len(resource) == 0 {
		return ""
	}
	keys := make([]string, 0, len(resource))
	for k := range resource {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(resource[k])
		sb.WriteByte(';')
	}
	return sb.String()
}

func toOTLPSpan(s *Span) *tracepb.Span {
	sp := &tracepb.Span{
		TraceId:           append([]byte(nil), s.TraceID[:]...),
		SpanId:            append([]byte(nil), s.SpanID[:]...),
		Name:              s.Name,
		StartTimeUnixNano: uint64(s.StartTime.UnixNano()),
		EndTimeUnixNano:   uint64(s.EndTime.UnixNano()),
	}
	if !s.ParentSpanID.IsEmpty() {
		sp.ParentSpanId = append([]byte(nil), s.ParentSpanID[:]...)
	}
	for k, v := range s.Attributes {
		sp.Attributes = append(sp.Attributes, toKeyValue(k, v))
	}
	switch s.Status {
	case StatusOK:
		sp.Status = &tracepb.Status{Code: tracepb.Status_STATUS_CODE_OK, Message: s.StatusMsg}
	case StatusError:
		sp.Status = &tracepb.Status{Code: tracepb.Status_STATUS_CODE_ERROR, Message: s.StatusMsg}
	}
	return sp
}

func toOTLPMetric(p *MetricPoint) *metricspb.Metric {
	m := &metricspb.Metric{Name: p.Name}
	switch p.Kind {
	case MetricCounter:
		m.Data = &metricspb.Metric_Sum{Sum: &metricspb.Sum{
			IsMonotonic:            true,
			AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE,
			DataPoints:             []*metricspb.NumberDataPoint{toNumberDataPoint(p)},
		}}
	case MetricGauge:
		m.Data = &metricspb.Metric_Gauge{Gauge: &metricspb.Gauge{
			DataPoints: []*metricspb.NumberDataPoint{toNumberDataPoint(p)},
		}}
	case MetricHistogram:
		sum := p.Sum
		m.Data = &metricspb.Metric_Histogram{Histogram: &metricspb.Histogram{
			AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE,
			DataPoints: []*metricspb.HistogramDataPoint{{
				Attributes:     labelsToAttributes(p.Labels),
				TimeUnixNano:   uint64(p.Time.UnixNano()),
				Count:          p.Count,
				Sum:            &sum,
				ExplicitBounds: append([]float64(nil), p.Bounds...),
				BucketCounts:   append([]uint64(nil), p.BucketCounts...),
			}},
		}}
	}
	return m
}

func toNumberDataPoint(p *MetricPoint) *metricspb.NumberDataPoint {
	return &metricspb.NumberDataPoint{
		Attributes:   labelsToAttributes(p.Labels),
		TimeUnixNano: uint64(p.Time.UnixNano()),
		Value:        &metricspb.NumberDataPoint_AsDouble{AsDouble: p.Value},
	}
}

func labelsToAttributes(labels map[string]string) []*commonpb.KeyValue {
	var attrs []*commonpb.KeyValue
	for k, v := range labels {
		attrs = append(attrs, strAttr(k, v))
	}
	return attrs
}

func toKeyValue(k string, v Value) *commonpb.KeyValue {
	kv := &commonpb.KeyValue{Key: k}
	switch v.Type() {
	case ValueTypeString:
		kv.Value = &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v.Str()}}
	case ValueTypeInt:
		kv.Value = &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: v.Int()}}
	case ValueTypeDouble:
		kv.Value = &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: v.Double()}}
	case ValueTypeBool:
		kv.Value = &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: v.Bool()}}
	}
	return kv
}

func strAttr(k, v string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   k,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v}},
	}
}
