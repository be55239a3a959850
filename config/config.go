// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package config defines the static configuration document of the relay:
// receivers, processors, exporters and the pipeline wiring between them.
// The document is loaded once at startup; invalid wiring is a fatal startup
// error, never a runtime error.
package config // import "github.com/lee-liao/telemetry-relay/config"

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// ExporterType identifies the destination protocol of an exporter.
type ExporterType string

const (
	JaegerExporter     ExporterType = "jaeger"
	ZipkinExporter     ExporterType = "zipkin"
	KafkaExporter      ExporterType = "kafka"
	PrometheusExporter ExporterType = "prometheus"
)

// Config is the root of the relay configuration document.
type Config struct {
	Receivers  Receivers            `mapstructure:"receivers"`
	Processors Processors           `mapstructure:"processors"`
	Exporters  map[string]*Exporter `mapstructure:"exporters"`
	Service    Service              `mapstructure:"service"`
}

// Receivers declares the ingestion bindings.
type Receivers struct {
	OTLP OTLP `mapstructure:"otlp"`
}

// OTLP configures the two OTLP bindings, each on its own port.
type OTLP struct {
	GRPC GRPCServer `mapstructure:"grpc"`
	HTTP HTTPServer `mapstructure:"http"`
}

// GRPCServer configures a gRPC listening endpoint.
type GRPCServer struct {
	Endpoint string `mapstructure:"endpoint"`
}

// HTTPServer configures an HTTP listening endpoint.
type HTTPServer struct {
	Endpoint string `mapstructure:"endpoint"`

	// CORSAllowedOrigins enables CORS on the HTTP binding when non-empty.
	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins"`
}

// Processors configures the fixed processor chain. Order is not configurable:
// memory_limiter, resource, batch.
type Processors struct {
	MemoryLimiter MemoryLimiter `mapstructure:"memory_limiter"`
	Resource      Resource      `mapstructure:"resource"`
	Batch         Batch         `mapstructure:"batch"`
}

// MemoryLimiter bounds the memory used by in-flight telemetry. Either the
// fixed MiB limits or the percentage limits must be set; fixed wins when both
// are present.
type MemoryLimiter struct {
	CheckInterval        time.Duration `mapstructure:"check_interval"`
	LimitMiB             uint32        `mapstructure:"limit_mib"`
	SpikeLimitMiB        uint32        `mapstructure:"spike_limit_mib"`
	LimitPercentage      uint32        `mapstructure:"limit_percentage"`
	SpikeLimitPercentage uint32        `mapstructure:"spike_limit_percentage"`
}

// Resource configures the static attributes attached to every record.
type Resource struct {
	Attributes map[string]string `mapstructure:"attributes"`
}

// Batch configures the batching stage: release downstream when either the
// record count or the timeout is reached, whichever triggers first.
type Batch struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	SendBatchSize int           `mapstructure:"send_batch_size"`
}

// Exporter configures one fan-out destination.
type Exporter struct {
	Type ExporterType `mapstructure:"type"`

	// Endpoint is the destination address for jaeger (gRPC target), zipkin
	// (span ingestion URL) and prometheus (local bind address to be scraped).
	Endpoint string `mapstructure:"endpoint"`

	// Kafka settings.
	Brokers      []string `mapstructure:"brokers"`
	Topic        string   `mapstructure:"topic"`
	MetricsTopic string   `mapstructure:"metrics_topic"`

	// Prometheus settings.
	Namespace        string            `mapstructure:"namespace"`
	ConstLabels      map[string]string `mapstructure:"const_labels"`
	MetricExpiration time.Duration     `mapstructure:"metric_expiration"`

	// BestEffort skips the startup connectivity probe: the relay reports
	// ready even if this destination is unreachable.
	BestEffort bool `mapstructure:"best_effort"`

	Timeout time.Duration `mapstructure:"timeout"`
	Retry   Retry         `mapstructure:"retry_on_failure"`
	Queue   Queue         `mapstructure:"sending_queue"`
}

// Retry configures per-exporter bounded exponential backoff.
type Retry struct {
	Enabled         bool          `mapstructure:"enabled"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

// Queue configures the per-exporter sending queue.
type Queue struct {
	Enabled      bool `mapstructure:"enabled"`
	NumConsumers int  `mapstructure:"num_consumers"`
	QueueSize    int  `mapstructure:"queue_size"`
}

// Service wires receivers and exporters into the pipeline and carries the
// relay's own operational settings.
type Service struct {
	Telemetry       Telemetry     `mapstructure:"telemetry"`
	HealthCheck     HealthCheck   `mapstructure:"health_check"`
	Pipeline        Pipeline      `mapstructure:"pipeline"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Telemetry configures the relay's own observability.
type Telemetry struct {
	Logs Logs `mapstructure:"logs"`
}

// Logs configures the relay logger.
type Logs struct {
	Level string `mapstructure:"level"`
}

// HealthCheck configures the liveness/readiness endpoint.
type HealthCheck struct {
	Endpoint string `mapstructure:"endpoint"`
}

// Pipeline references configured exporters by name. Every name must resolve.
type Pipeline struct {
	Exporters []string `mapstructure:"exporters"`
}

// DefaultConfig returns the configuration used as the base before the file
// content is applied on top.
func DefaultConfig() *Config {
	return &Config{
		Receivers: Receivers{
			OTLP: OTLP{
				GRPC: GRPCServer{Endpoint: "0.0.0.0:4317"},
				HTTP: HTTPServer{Endpoint: "0.0.0.0:4318"},
			},
		},
		Processors: Processors{
			MemoryLimiter: MemoryLimiter{
				CheckInterval:        time.Second,
				LimitPercentage:      80,
				SpikeLimitPercentage: 25,
			},
			Batch: Batch{
				Timeout:       200 * time.Millisecond,
				SendBatchSize: 8192,
			},
		},
		Service: Service{
			Telemetry:       Telemetry{Logs: Logs{Level: "info"}},
			HealthCheck:     HealthCheck{Endpoint: "0.0.0.0:13133"},
			ShutdownTimeout: 5 * time.Second,
		},
	}
}

// DefaultExporter returns the per-exporter defaults applied before the
// exporter's own settings.
func DefaultExporter() *Exporter {
	return &Exporter{
		Timeout:          5 * time.Second,
		MetricExpiration: 5 * time.Minute,
		Retry: Retry{
			Enabled:         true,
			InitialInterval: 5 * time.Second,
			MaxInterval:     30 * time.Second,
			MaxElapsedTime:  5 * time.Minute,
		},
		Queue: Queue{
			Enabled:      true,
			NumConsumers: 10,
			QueueSize:    5000,
		},
	}
}

// Validate checks the whole document. Any error returned here terminates
// startup.
func (cfg *Config) Validate() error {
	var errs error

	if cfg.Receivers.OTLP.GRPC.Endpoint == "" && cfg.Receivers.OTLP.HTTP.Endpoint == "" {
		errs = multierr.Append(errs, errors.New("receivers: at least one OTLP binding must have an endpoint"))
	}

	if err := cfg.Processors.MemoryLimiter.validate(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("processors::memory_limiter: %w", err))
	}
	if cfg.Processors.Batch.Timeout <= 0 {
		errs = multierr.Append(errs, errors.New("processors::batch: timeout must be positive"))
	}
	if cfg.Processors.Batch.SendBatchSize <= 0 {
		errs = multierr.Append(errs, errors.New("processors::batch: send_batch_size must be positive"))
	}

	if len(cfg.Exporters) == 0 {
		errs = multierr.Append(errs, errors.New("exporters: at least one exporter must be configured"))
	}
	for name, exp := range cfg.Exporters {
		if err := exp.validate(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("exporters::%s: %w", name, err))
		}
	}

	if len(cfg.Service.Pipeline.Exporters) == 0 {
		errs = multierr.Append(errs, errors.New("service::pipeline: must reference at least one exporter"))
	}
	seen := make(map[string]bool)
	for _, name := range cfg.Service.Pipeline.Exporters {
		if seen[name] {
			errs = multierr.Append(errs, fmt.Errorf("service::pipeline: exporter %q referenced twice", name))
		}
		seen[name] = true
		if _, ok := cfg.Exporters[name]; !ok {
			errs = multierr.Append(errs, fmt.Errorf("service::pipeline: references unknown exporter %q", name))
		}
	}

	if cfg.Service.HealthCheck.Endpoint == "" {
		errs = multierr.Append(errs, errors.New("service::health_check: endpoint must be set"))
	}
	if cfg.Service.ShutdownTimeout <= 0 {
		errs = multierr.Append(errs, errors.New("service: shutdown_timeout must be positive"))
	}

	return errs
}

func (ml *MemoryLimiter) validate() error {
	if ml.CheckInterval <= 0 {
		return errors.New("check_interval must be positive")
	}
	if ml.LimitMiB > 0 {
		if ml.SpikeLimitMiB >= ml.LimitMiB {
			return errors.New("spike_limit_mib must be smaller than limit_mib")
		}
		return nil
	}
	if ml.LimitPercentage == 0 || ml.LimitPercentage > 100 {
		return errors.New("limit_percentage must be in (0, 100] when limit_mib is not set")
	}
	if ml.SpikeLimitPercentage >= ml.LimitPercentage {
		return errors.New("spike_limit_percentage must be smaller than limit_percentage")
	}
	return nil
}

func (exp *Exporter) validate() error {
	switch exp.Type {
	case JaegerExporter, ZipkinExporter, PrometheusExporter:
		if exp.Endpoint == "" {
			return fmt.Errorf("type %q requires an endpoint", exp.Type)
		}
	case KafkaExporter:
		if len(exp.Brokers) == 0 {
			return errors.New(`type "kafka" requires at least one broker`)
		}
	case "":
		return errors.New("type must be set")
	default:
		return fmt.Errorf("unknown exporter type %q", exp.Type)
	}
	if exp.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if exp.Queue.Enabled && exp.Queue.QueueSize <= 0 {
		return errors.New("sending_queue: queue_size must be positive")
	}
	if exp.Queue.Enabled && exp.Queue.NumConsumers <= 0 {
		return errors.New("sending_queue: num_consumers must be positive")
	}
	return nil
}
