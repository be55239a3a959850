// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package processor hosts the pipeline stages between receivers and
// exporters.
package processor // import "github.com/lee-liao/telemetry-relay/processor"

import (
	"context"
	"sync"

	"go.uber.org/multierr"

	"github.com/lee-liao/telemetry-relay/consumer"
	"github.com/lee-liao/telemetry-relay/model"
)

// NewFanout returns a consumer that delivers each batch to every given
// consumer concurrently. All but the last consumer receive a deep clone, so
// no destination observes another's mutations. A failing consumer never
// prevents delivery to the others; the combined error is returned for
// accounting only.
func NewFanout(consumers []consumer.Batches) consumer.Batches {
	if len(consumers) == 1 {
		return consumers[0]
	}
	return fanout(consumers)
}

type fanout []consumer.Batches

func (f fanout) ConsumeBatch(ctx context.Context, batch *model.Batch) error {
	var wg sync.WaitGroup
	errs := make([]error, len(f))
	for i, c := range f {
		b := batch
		if i < len(f)-1 {
			b = batch.Clone()
		}
		wg.Add(1)
		go func(i int, c consumer.Batches, b *model.Batch) {
			defer wg.Done()
			errs[i] = c.ConsumeBatch(ctx, b)
		}(i, c, b)
	}
	wg.Wait()
	return multierr.Combine(errs...)
}
