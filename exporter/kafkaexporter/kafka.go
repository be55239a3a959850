// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package kafkaexporter publishes batches to Kafka topics, OTLP-protobuf
// encoded, one topic per signal.
package kafkaexporter // import "github.com/lee-liao/telemetry-relay/exporter/kafkaexporter"

import (
	"context"
	"fmt"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/lee-liao/telemetry-relay/config"
	"github.com/lee-liao/telemetry-relay/consumer/consumererror"
	"github.com/lee-liao/telemetry-relay/exporter/exporterhelper"
	"github.com/lee-liao/telemetry-relay/internal/telemetry"
	"github.com/lee-liao/telemetry-relay/model"
)

const (
	defaultSpansTopic   = "otlp_spans"
	defaultMetricsTopic = "otlp_metrics"
)

// New returns a Kafka exporter wrapped with the shared queue/retry machinery.
func New(name string, cfg *config.Exporter, logger *zap.Logger, tel *telemetry.Metrics) *exporterhelper.Exporter {
	p := &kafkaProducer{
		brokers:      cfg.Brokers,
		spansTopic:   cfg.Topic,
		metricsTopic: cfg.MetricsTopic,
		logger:       logger,
	}
	if p.spansTopic == "" {
		p.spansTopic = defaultSpansTopic
	}
	if p.metricsTopic == "" {
		p.metricsTopic = defaultMetricsTopic
	}
	return exporterhelper.New(
		exporterhelper.Settings{Name: name, Logger: logger, Telemetry: tel},
		cfg,
		p.pushBatch,
		exporterhelper.WithStart(p.start),
		exporterhelper.WithShutdown(p.shutdown),
	)
}

// kafkaProducer uses sarama to produce messages to Kafka. A sync producer is
// used so delivery errors surface to the retry sender.
type kafkaProducer struct {
	brokers      []string
	spansTopic   string
	metricsTopic string
	producer     sarama.SyncProducer
	logger       *zap.Logger

	// newProducer is overridable by tests to inject a mock producer.
	newProducer func(brokers []string, cfg *sarama.Config) (sarama.SyncProducer, error)
}

func (p *kafkaProducer) start(context.Context) error {
	c := sarama.NewConfig()
	c.Producer.Return.Successes = true
	c.Producer.Return.Errors = true
	c.Producer.RequiredAcks = sarama.WaitForLocal

	newProducer := p.newProducer
	if newProducer == nil {
		newProducer = sarama.NewSyncProducer
	}
	producer, err := newProducer(p.brokers, c)
	if err != nil {
		return fmt.Errorf("failed to connect to Kafka brokers %v: %w", p.brokers, err)
	}
	p.producer = producer
	return nil
}

func (p *kafkaProducer) shutdown(context.Context) error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

func (p *kafkaProducer) pushBatch(_ context.Context, batch *model.Batch) error {
	var messages []*sarama.ProducerMessage
	if len(batch.Spans) > 0 {
		bts, err := proto.Marshal(model.ToTraceRequest(batch))
		if err != nil {
			return consumererror.Permanent(err)
		}
		messages = append(messages, &sarama.ProducerMessage{
			Topic: p.spansTopic,
			Value: sarama.ByteEncoder(bts),
		})
	}
	if len(batch.Points) > 0 {
		bts, err := proto.Marshal(model.ToMetricsRequest(batch))
		if err != nil {
			return consumererror.Permanent(err)
		}
		messages = append(messages, &sarama.ProducerMessage{
			Topic: p.metricsTopic,
			Value: sarama.ByteEncoder(bts),
		})
	}
	if len(messages) == 0 {
		return nil
	}
	if err := p.producer.SendMessages(messages); err != nil {
		return fmt.Errorf("failed to deliver to Kafka: %w", err)
	}
	return nil
}
