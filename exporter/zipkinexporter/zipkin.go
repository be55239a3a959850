// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package zipkinexporter forwards spans to a Zipkin server over HTTP.
package zipkinexporter // import "github.com/lee-liao/telemetry-relay/exporter/zipkinexporter"

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net/http"

	zipkinmodel "github.com/openzipkin/zipkin-go/model"
	zipkinreporter "github.com/openzipkin/zipkin-go/reporter"
	"go.uber.org/zap"

	"github.com/lee-liao/telemetry-relay/config"
	"github.com/lee-liao/telemetry-relay/consumer/consumererror"
	"github.com/lee-liao/telemetry-relay/exporter/exporterhelper"
	"github.com/lee-liao/telemetry-relay/internal/telemetry"
	"github.com/lee-liao/telemetry-relay/model"
)

// New returns a Zipkin JSON exporter wrapped with the shared queue/retry
// machinery. The endpoint should be the span ingestion URL, e.g.
// "http://zipkin:9411/api/v2/spans".
func New(name string, cfg *config.Exporter, logger *zap.Logger, tel *telemetry.Metrics) *exporterhelper.Exporter {
	ze := &zipkinExporter{
		url:        cfg.Endpoint,
		bestEffort: cfg.BestEffort,
		serializer: zipkinreporter.JSONSerializer{},
		client:     &http.Client{},
		logger:     logger,
	}
	return exporterhelper.New(
		exporterhelper.Settings{Name: name, Logger: logger, Telemetry: tel},
		cfg,
		ze.pushSpans,
		exporterhelper.WithStart(ze.start),
	)
}

type zipkinExporter struct {
	url        string
	bestEffort bool
	serializer zipkinreporter.SpanSerializer
	client     *http.Client
	logger     *zap.Logger
}

func (ze *zipkinExporter) start(ctx context.Context) error {
	if ze.bestEffort {
		return nil
	}
	// Initial connectivity check: POST an empty span list so an unreachable
	// or misconfigured server fails startup.
	return ze.post(ctx, []*zipkinmodel.SpanModel{})
}

func (ze *zipkinExporter) pushSpans(ctx context.Context, batch *model.Batch) error {
	if len(batch.Spans) == 0 {
		return nil
	}
	spans := make([]*zipkinmodel.SpanModel, 0, len(batch.Spans))
	for _, s := range batch.Spans {
		spans = append(spans, toZipkinSpan(s))
	}
	return ze.post(ctx, spans)
}

func (ze *zipkinExporter) post(ctx context.Context, spans []*zipkinmodel.SpanModel) error {
	body, err := ze.serializer.Serialize(spans)
	if err != nil {
		return consumererror.Permanent(fmt.Errorf("failed to push trace data via Zipkin exporter: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ze.url, bytes.NewReader(body))
	if err != nil {
		return consumererror.Permanent(fmt.Errorf("failed to push trace data via Zipkin exporter: %w", err))
	}
	req.Header.Set("Content-Type", ze.serializer.ContentType())

	resp, err := ze.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to push trace data via Zipkin exporter: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err = fmt.Errorf("failed the request with status code %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return consumererror.Permanent(err)
		}
		return err
	}
	return nil
}

func toZipkinSpan(s *model.Span) *zipkinmodel.SpanModel {
	sc := zipkinmodel.SpanContext{
		TraceID: zipkinmodel.TraceID{
			High: binary.BigEndian.Uint64(s.TraceID[:8]),
			Low:  binary.BigEndian.Uint64(s.TraceID[8:]),
		},
		ID: zipkinmodel.ID(binary.BigEndian.Uint64(s.SpanID[:])),
	}
	if !s.ParentSpanID.IsEmpty() {
		parentID := zipkinmodel.ID(binary.BigEndian.Uint64(s.ParentSpanID[:]))
		sc.ParentID = &parentID
	}

	tags := make(map[string]string, len(s.Attributes)+2)
	for k, v := range s.Attributes {
		tags[k] = v.AsString()
	}
	switch s.Status {
	case model.StatusOK:
		tags["otel.status_code"] = "OK"
	case model.StatusError:
		tags["otel.status_code"] = "ERROR"
		tags["error"] = s.StatusMsg
	}

	return &zipkinmodel.SpanModel{
		SpanContext:   sc,
		Name:          s.Name,
		Timestamp:     s.StartTime,
		Duration:      s.EndTime.Sub(s.StartTime),
		LocalEndpoint: &zipkinmodel.Endpoint{ServiceName: s.Service},
		Tags:          tags,
	}
}
