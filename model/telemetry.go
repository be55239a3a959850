// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package model defines the in-memory representation of telemetry flowing
// through the relay: batches of spans and metric points. A Batch is owned by
// the pipeline once a receiver hands it off; exporters that need an isolated
// copy must Clone it.
package model // import "github.com/lee-liao/telemetry-relay/model"

import (
	"strconv"
	"time"
)

// ValueType is the type of an attribute Value.
type ValueType int

const (
	ValueTypeString ValueType = iota
	ValueTypeInt
	ValueTypeDouble
	ValueTypeBool
)

// Value is a typed attribute value attached to a span.
type Value struct {
	t ValueType
	s string
	i int64
	d float64
	b bool
}

func StringValue(v string) Value  { return Value{t: ValueTypeString, s: v} }
func IntValue(v int64) Value      { return Value{t: ValueTypeInt, i: v} }
func DoubleValue(v float64) Value { return Value{t: ValueTypeDouble, d: v} }
func BoolValue(v bool) Value      { return Value{t: ValueTypeBool, b: v} }

func (v Value) Type() ValueType { return v.t }
func (v Value) Str() string     { return v.s }
func (v Value) Int() int64      { return v.i }
func (v Value) Double() float64 { return v.d }
func (v Value) Bool() bool      { return v.b }

// AsString renders the value in a human readable form, used when a
// destination only supports string tags.
func (v Value) AsString() string {
	switch v.t {
	case ValueTypeString:
		return v.s
	case ValueTypeInt:
		return formatInt(v.i)
	case ValueTypeDouble:
		return formatFloat(v.d)
	case ValueTypeBool:
		if v.b {
			return "true"
		}
		return "false"
	}
	return ""
}

func formatInt(v int64) string     { return strconv.FormatInt(v, 10) }
func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// StatusCode mirrors the OTLP span status.
type StatusCode int

const (
	StatusUnset StatusCode = iota
	StatusOK
	StatusError
)

// TraceID is a 16 byte trace identifier.
type TraceID [16]byte

// SpanID is an 8 byte span identifier. The zero value means "unset".
type SpanID [8]byte

// IsEmpty reports whether the id is the zero value.
func (id SpanID) IsEmpty() bool { return id == SpanID{} }

// IsEmpty reports whether the id is the zero value.
func (id TraceID) IsEmpty() bool { return id == TraceID{} }

// Span is one unit of traced work.
type Span struct {
	TraceID      TraceID
	SpanID       SpanID
	ParentSpanID SpanID
	Name         string
	Service      string
	StartTime    time.Time
	EndTime      time.Time
	Attributes   map[string]Value
	Status       StatusCode
	StatusMsg    string
}

// Clone returns a deep copy of the span.
func (s *Span) Clone() *Span {
	c := *s
	if s.Attributes != nil {
		c.Attributes = make(map[string]Value, len(s.Attributes))
		for k, v := range s.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}

// MetricKind is the kind of a metric point.
type MetricKind int

const (
	MetricCounter MetricKind = iota
	MetricGauge
	MetricHistogram
)

func (k MetricKind) String() string {
	switch k {
	case MetricCounter:
		return "counter"
	case MetricGauge:
		return "gauge"
	case MetricHistogram:
		return "histogram"
	}
	return "unknown"
}

// MetricPoint is a single sample of a named metric. Labels identify the
// series; Resource carries attributes describing the producing entity (and
// whatever the resource attribution stage attaches) without widening the
// series identity.
type MetricPoint struct {
	Name     string
	Kind     MetricKind
	Labels   map[string]string
	Resource map[string]string
	Time     time.Time

	// Value carries the sample for counters and gauges.
	Value float64

	// Histogram fields, only meaningful when Kind == MetricHistogram.
	Count        uint64
	Sum          float64
	Bounds       []float64
	BucketCounts []uint64
}

// Clone returns a deep copy of the point.
func (p *MetricPoint) Clone() *MetricPoint {
	c := *p
	if p.Labels != nil {
		c.Labels = make(map[string]string, len(p.Labels))
		for k, v := range p.Labels {
			c.Labels[k] = v
		}
	}
	if p.Resource != nil {
		c.Resource = make(map[string]string, len(p.Resource))
		for k, v := range p.Resource {
			c.Resource[k] = v
		}
	}
	c.Bounds = append([]float64(nil), p.Bounds...)
	c.BucketCounts = append([]uint64(nil), p.BucketCounts...)
	return &c
}

// Batch is a bounded group of telemetry records processed and exported as a
// unit. Record order within each signal is preserved end to end.
type Batch struct {
	Spans  []*Span
	Points []*MetricPoint
}

// NewBatch returns an empty batch.
func NewBatch() *Batch { return &Batch{} }

// RecordCount returns the total number of records in the batch.
func (b *Batch) RecordCount() int { return len(b.Spans) + len(b.Points) }

// IsEmpty reports whether the batch carries no records.
func (b *Batch) IsEmpty() bool { return b.RecordCount() == 0 }

// Clone returns a deep copy of the batch so that concurrent exporters never
// observe each other's mutations.
func (b *Batch) Clone() *Batch {
	c := &Batch{}
	if len(b.Spans) > 0 {
		c.Spans = make([]*Span, len(b.Spans))
		for i, s := range b.Spans {
			c.Spans[i] = s.Clone()
		}
	}
	if len(b.Points) > 0 {
		c.Points = make([]*MetricPoint, len(b.Points))
		for i, p := range b.Points {
			c.Points[i] = p.Clone()
		}
	}
	return c
}

// Append moves the records of other into b. The other batch must not be used
// afterwards.
func (b *Batch) Append(other *Batch) {
	b.Spans = append(b.Spans, other.Spans...)
	b.Points = append(b.Points, other.Points...)
}

const (
	spanOverheadBytes  = 64
	pointOverheadBytes = 48
	valueOverheadBytes = 16
)

// Size returns an approximation of the in-memory footprint of the batch in
// bytes, used by the memory limiter to account for in-flight data.
func (b *Batch) Size() int {
	size := 0
	for _, s := range b.Spans {
		size += spanOverheadBytes + len(s.Name) + len(s.Service) + len(s.StatusMsg)
		for k, v := range s.Attributes {
			size += valueOverheadBytes + len(k) + len(v.s)
		}
	}
	for _, p := range b.Points {
		size += pointOverheadBytes + len(p.Name)
		for k, v := range p.Labels {
			size += len(k) + len(v)
		}
		for k, v := range p.Resource {
			size += len(k) + len(v)
		}
		size += 8 * (len(p.Bounds) + len(p.BucketCounts))
	}
	return size
}
