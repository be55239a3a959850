// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

package jaegerexporter // import "github.com/lee-liao/telemetry-relay/exporter/jaegerexporter"

import (
	"encoding/binary"

	jaegermodel "github.com/jaegertracing/jaeger/model"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/lee-liao/telemetry-relay/model"
)

const (
	statusCodeTagKey = "otel.status_code"
	statusMsgTagKey  = "otel.status_description"
	errorTagKey      = "error"
)

// toJaegerProto converts spans into jaeger proto batches, one batch per
// service name.
func toJaegerProto(spans []*model.Span) []*jaegermodel.Batch {
	byService := make(map[string][]*jaegermodel.Span)
	var order []string
	for _, s := range spans {
		if _, ok := byService[s.Service]; !ok {
			order = append(order, s.Service)
		}
		byService[s.Service] = append(byService[s.Service], toJaegerSpan(s))
	}

	batches := make([]*jaegermodel.Batch, 0, len(order))
	for _, service := range order {
		batches = append(batches, &jaegermodel.Batch{
			Spans:   byService[service],
			Process: jaegermodel.NewProcess(service, nil),
		})
	}
	return batches
}

func toJaegerSpan(s *model.Span) *jaegermodel.Span {
	traceID := jaegermodel.NewTraceID(
		binary.BigEndian.Uint64(s.TraceID[:8]),
		binary.BigEndian.Uint64(s.TraceID[8:]),
	)
	span := &jaegermodel.Span{
		TraceID:       traceID,
		SpanID:        jaegermodel.NewSpanID(binary.BigEndian.Uint64(s.SpanID[:])),
		OperationName: s.Name,
		StartTime:     s.StartTime,
		Duration:      s.EndTime.Sub(s.StartTime),
		Tags:          toJaegerTags(s),
	}
	if !s.ParentSpanID.IsEmpty() {
		parentID := jaegermodel.NewSpanID(binary.BigEndian.Uint64(s.ParentSpanID[:]))
		span.References = []jaegermodel.SpanRef{jaegermodel.NewChildOfRef(traceID, parentID)}
	}
	return span
}

func toJaegerTags(s *model.Span) []jaegermodel.KeyValue {
	tags := make([]jaegermodel.KeyValue, 0, len(s.Attributes)+3)
	for k, v := range s.Attributes {
		switch v.Type() {
		case model.ValueTypeString:
			tags = append(tags, jaegermodel.String(k, v.Str()))
		case model.ValueTypeInt:
			tags = append(tags, jaegermodel.Int64(k, v.Int()))
		case model.ValueTypeDouble:
			tags = append(tags, jaegermodel.Float64(k, v.Double()))
		case model.ValueTypeBool:
			tags = append(tags, jaegermodel.Bool(k, v.Bool()))
		}
	}
	switch s.Status {
	case model.StatusOK:
		tags = append(tags, jaegermodel.String(statusCodeTagKey, "OK"))
	case model.StatusError:
		tags = append(tags, jaegermodel.String(statusCodeTagKey, "ERROR"))
		tags = append(tags, jaegermodel.Bool(errorTagKey, true))
	}
	if s.StatusMsg != "" {
		tags = append(tags, jaegermodel.String(statusMsgTagKey, s.StatusMsg))
	}
	return tags
}

// isPermanentGRPCError reports whether retrying the same request can never
// succeed.
func isPermanentGRPCError(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.InvalidArgument,
		codes.Unauthenticated,
		codes.PermissionDenied,
		codes.Unimplemented,
		codes.FailedPrecondition:
		return true
	}
	return false
}
