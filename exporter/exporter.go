// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package exporter defines the capability implemented by every fan-out
// destination.
package exporter // import "github.com/lee-liao/telemetry-relay/exporter"

import (
	"context"

	"github.com/lee-liao/telemetry-relay/consumer"
)

// Exporter delivers batches to one external destination. Implementations are
// wrapped by exporterhelper, which adds queueing, retry and timeout handling;
// the pipeline only ever sees the wrapped consumer.
type Exporter interface {
	consumer.Batches

	// Name returns the configured instance name, used in logs and counters.
	Name() string

	// Start establishes the destination connection. When the exporter is not
	// marked best-effort, a failed connectivity check here fails startup.
	Start(ctx context.Context) error

	// Shutdown flushes and releases the destination connection.
	Shutdown(ctx context.Context) error
}
