// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package exporterhelper wraps a destination-specific push function with the
// machinery every exporter shares: a bounded sending queue, retry with
// exponential backoff, a per-attempt timeout and drop accounting.
package exporterhelper // import "github.com/lee-liao/telemetry-relay/exporter/exporterhelper"

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lee-liao/telemetry-relay/config"
	"github.com/lee-liao/telemetry-relay/internal/telemetry"
	"github.com/lee-liao/telemetry-relay/model"
)

// PushFunc delivers one batch to the destination. Wrap non-retryable
// failures with consumererror.Permanent.
type PushFunc func(ctx context.Context, batch *model.Batch) error

// StartFunc establishes the destination connection.
type StartFunc func(ctx context.Context) error

// ShutdownFunc releases the destination connection.
type ShutdownFunc func(ctx context.Context) error

// Settings are the common arguments to New.
type Settings struct {
	Name      string
	Logger    *zap.Logger
	Telemetry *telemetry.Metrics
}

// Option customizes the returned Exporter.
type Option func(*Exporter)

// WithStart sets the hook invoked during service startup.
func WithStart(start StartFunc) Option {
	return func(e *Exporter) { e.startFunc = start }
}

// WithShutdown sets the hook invoked during service shutdown.
func WithShutdown(shutdown ShutdownFunc) Option {
	return func(e *Exporter) { e.shutdownFunc = shutdown }
}

// Exporter is the wrapped destination handed to the fan-out.
type Exporter struct {
	name   string
	logger *zap.Logger

	sender requestSender
	qrs    *queuedRetrySender

	startFunc    StartFunc
	shutdownFunc ShutdownFunc
}

// New builds the sender chain for one destination:
// queue -> retry -> timeout -> push.
func New(set Settings, cfg *config.Exporter, push PushFunc, opts ...Option) *Exporter {
	e := &Exporter{
		name:   set.Name,
		logger: set.Logger,
	}
	for _, opt := range opts {
		opt(e)
	}

	ts := &timeoutSender{
		timeout: cfg.Timeout,
		push:    push,
	}
	e.qrs = newQueuedRetrySender(set, cfg.Queue, cfg.Retry, ts)
	e.sender = e.qrs
	return e
}

// Name returns the configured exporter instance name.
func (e *Exporter) Name() string { return e.name }

// Start invokes the destination hook and starts the queue consumers.
func (e *Exporter) Start(ctx context.Context) error {
	if e.startFunc != nil {
		if err := e.startFunc(ctx); err != nil {
			return err
		}
	}
	e.qrs.start()
	return nil
}

// Shutdown drains the queue within the context deadline and then invokes the
// destination hook. Unflushed batches are dropped and counted.
func (e *Exporter) Shutdown(ctx context.Context) error {
	e.qrs.shutdown(ctx)
	if e.shutdownFunc != nil {
		return e.shutdownFunc(ctx)
	}
	return nil
}

// ConsumeBatch implements consumer.Batches by handing the batch to the
// sender chain.
func (e *Exporter) ConsumeBatch(ctx context.Context, batch *model.Batch) error {
	return e.sender.send(newRequest(ctx, batch))
}

// request travels through the sender chain.
type request struct {
	ctx   context.Context
	batch *model.Batch
}

func newRequest(ctx context.Context, batch *model.Batch) request {
	return request{ctx: ctx, batch: batch}
}

func (r request) count() int { return r.batch.RecordCount() }

type requestSender interface {
	send(req request) error
}

// timeoutSender is the last sender in the chain; it bounds each delivery
// attempt.
type timeoutSender struct {
	timeout time.Duration
	push    PushFunc
}

func (ts *timeoutSender) send(req request) error {
	ctx := req.ctx
	if ts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ts.timeout)
		defer cancel()
	}
	return ts.push(ctx, req.batch)
}
