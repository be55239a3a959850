// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package resourceprocessor attaches static key/value attributes to every
// record of a batch. It has no failure mode.
package resourceprocessor // import "github.com/lee-liao/telemetry-relay/processor/resourceprocessor"

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/lee-liao/telemetry-relay/consumer"
	"github.com/lee-liao/telemetry-relay/model"
)

// instanceIDKey carries the id of this relay process, so a backend can tell
// which relay instance forwarded a record.
const instanceIDKey = "relay.instance.id"

// Processor upserts a configured set of attributes onto every span and metric
// point. The attribute set is an immutable snapshot swapped atomically on
// reload: a batch sees either the whole old set or the whole new set, never a
// mix.
type Processor struct {
	attrs *atomic.Value // map[string]string
	next  consumer.Batches
}

// New creates the processor with its initial attribute set.
func New(attributes map[string]string, next consumer.Batches) *Processor {
	p := &Processor{
		attrs: &atomic.Value{},
		next:  next,
	}
	p.UpdateAttributes(attributes)
	return p
}

// UpdateAttributes atomically replaces the attribute snapshot. Called at
// startup and on configuration reload.
func (p *Processor) UpdateAttributes(attributes map[string]string) {
	snapshot := make(map[string]string, len(attributes)+1)
	for k, v := range attributes {
		snapshot[k] = v
	}
	if _, ok := snapshot[instanceIDKey]; !ok {
		snapshot[instanceIDKey] = instanceID
	}
	p.attrs.Store(snapshot)
}

// Attributes returns the current snapshot. Callers must not mutate it.
func (p *Processor) Attributes() map[string]string {
	return p.attrs.Load().(map[string]string)
}

// ConsumeBatch implements consumer.Batches.
func (p *Processor) ConsumeBatch(ctx context.Context, batch *model.Batch) error {
	attrs := p.Attributes()
	for _, s := range batch.Spans {
		if s.Attributes == nil {
			s.Attributes = make(map[string]model.Value, len(attrs))
		}
		for k, v := range attrs {
			s.Attributes[k] = model.StringValue(v)
		}
	}
	for _, pt := range batch.Points {
		if pt.Resource == nil {
			pt.Resource = make(map[string]string, len(attrs))
		}
		for k, v := range attrs {
			pt.Resource[k] = v
		}
	}
	return p.next.ConsumeBatch(ctx, batch)
}

var instanceID = uuid.NewString()
