// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package consumer defines the contract between pipeline stages.
package consumer // import "github.com/lee-liao/telemetry-relay/consumer"

import (
	"context"

	"github.com/lee-liao/telemetry-relay/model"
)

// Batches is implemented by every stage that accepts telemetry batches:
// processors, the fan-out and exporter senders. Ownership of the batch
// transfers to the callee; the caller must not touch it afterwards.
type Batches interface {
	ConsumeBatch(ctx context.Context, batch *model.Batch) error
}

// ConsumeBatchFunc adapts a function to the Batches interface.
type ConsumeBatchFunc func(ctx context.Context, batch *model.Batch) error

// ConsumeBatch calls f(ctx, batch).
func (f ConsumeBatchFunc) ConsumeBatch(ctx context.Context, batch *model.Batch) error {
	return f(ctx, batch)
}
