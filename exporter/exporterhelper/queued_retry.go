// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

package exporterhelper // import "github.com/lee-liao/telemetry-relay/exporter/exporterhelper"

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jaegertracing/jaeger/pkg/queue"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lee-liao/telemetry-relay/config"
	"github.com/lee-liao/telemetry-relay/consumer/consumererror"
	"github.com/lee-liao/telemetry-relay/internal/telemetry"
)

var errQueueFull = errors.New("sending queue is full")

// queuedRetrySender decouples the pipeline from destination latency: send
// enqueues and returns, queue consumers drive the retry sender. One stalled
// destination therefore blocks only its own queue.
type queuedRetrySender struct {
	name           string
	cfg            config.Queue
	consumerSender requestSender
	queue          *queue.BoundedQueue
	retryStopCh    chan struct{}
	logger         *zap.Logger
	tel            *telemetry.Metrics

	// pendingRecords counts records sitting in the queue, so records lost to
	// a shutdown can be surfaced as dropped.
	pendingRecords *atomic.Int64
}

func newQueuedRetrySender(set Settings, qCfg config.Queue, rCfg config.Retry, nextSender requestSender) *queuedRetrySender {
	retryStopCh := make(chan struct{})
	return &queuedRetrySender{
		name: set.Name,
		cfg:  qCfg,
		consumerSender: &retrySender{
			name:       set.Name,
			cfg:        rCfg,
			nextSender: nextSender,
			stopCh:     retryStopCh,
			logger:     set.Logger,
			tel:        set.Telemetry,
		},
		queue:          queue.NewBoundedQueue(qCfg.QueueSize, func(item interface{}) {}),
		retryStopCh:    retryStopCh,
		logger:         set.Logger,
		tel:            set.Telemetry,
		pendingRecords: atomic.NewInt64(0),
	}
}

// start is invoked during service startup.
func (qrs *queuedRetrySender) start() {
	if !qrs.cfg.Enabled {
		return
	}
	qrs.queue.StartConsumers(qrs.cfg.NumConsumers, func(item interface{}) {
		req := item.(request)
		qrs.pendingRecords.Sub(int64(req.count()))
		_ = qrs.consumerSender.send(req)
	})
}

// send implements the requestSender interface.
func (qrs *queuedRetrySender) send(req request) error {
	if !qrs.cfg.Enabled {
		return qrs.consumerSender.send(req)
	}

	qrs.pendingRecords.Add(int64(req.count()))
	if !qrs.queue.Produce(req) {
		qrs.pendingRecords.Sub(int64(req.count()))
		qrs.tel.DroppedRecords.WithLabelValues(qrs.name, telemetry.ReasonQueueFull).Add(float64(req.count()))
		qrs.logger.Error("Dropping data because sending queue is full",
			zap.String("exporter", qrs.name), zap.Int("dropped_records", req.count()))
		return errQueueFull
	}
	return nil
}

// shutdown stops the retry goroutines and the queue consumers. Whatever is
// still queued afterwards is dropped and counted.
func (qrs *queuedRetrySender) shutdown(context.Context) {
	// First stop the retry goroutines, so that this doesn't wait forever for
	// a destination that is down.
	close(qrs.retryStopCh)

	if qrs.cfg.Enabled {
		qrs.queue.Stop()
	}

	if unflushed := qrs.pendingRecords.Load(); unflushed > 0 {
		qrs.tel.DroppedRecords.WithLabelValues(qrs.name, telemetry.ReasonShutdown).Add(float64(unflushed))
		qrs.logger.Warn("Dropping unflushed data on shutdown",
			zap.String("exporter", qrs.name), zap.Int64("dropped_records", unflushed))
	}
}

// retrySender applies the per-exporter retry policy: bounded exponential
// backoff, permanent errors dropped immediately.
type retrySender struct {
	name       string
	cfg        config.Retry
	nextSender requestSender
	stopCh     chan struct{}
	logger     *zap.Logger
	tel        *telemetry.Metrics
}

func (rs *retrySender) send(req request) error {
	if !rs.cfg.Enabled {
		err := rs.nextSender.send(req)
		rs.account(req, err)
		return err
	}

	// Do not use NewExponentialBackOff since it calls Reset and the code here
	// must call Reset after changing the InitialInterval (this saves an
	// unnecessary call to Now).
	expBackoff := backoff.ExponentialBackOff{
		InitialInterval:     rs.cfg.InitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         rs.cfg.MaxInterval,
		MaxElapsedTime:      rs.cfg.MaxElapsedTime,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	expBackoff.Reset()
	for {
		err := rs.nextSender.send(req)
		if err == nil {
			rs.tel.SentRecords.WithLabelValues(rs.name).Add(float64(req.count()))
			return nil
		}
		rs.tel.FailedRecords.WithLabelValues(rs.name).Add(float64(req.count()))

		// Immediately drop data on permanent errors.
		if consumererror.IsPermanent(err) {
			rs.drop(req, telemetry.ReasonPermanentError, err)
			return err
		}

		backoffDelay := expBackoff.NextBackOff()
		if backoffDelay == backoff.Stop {
			err = fmt.Errorf("max elapsed time expired: %w", err)
			rs.drop(req, telemetry.ReasonRetriesExceeded, err)
			return err
		}

		rs.logger.Info("Exporting failed. Will retry the request after interval.",
			zap.String("exporter", rs.name),
			zap.Error(err),
			zap.Duration("interval", backoffDelay))

		// Back off, but get interrupted when shutting down or when the
		// request is cancelled or timed out.
		select {
		case <-req.ctx.Done():
			err = fmt.Errorf("request is cancelled or timed out: %w", err)
			rs.drop(req, telemetry.ReasonShutdown, err)
			return err
		case <-rs.stopCh:
			err = fmt.Errorf("interrupted due to shutdown: %w", err)
			rs.drop(req, telemetry.ReasonShutdown, err)
			return err
		case <-time.After(backoffDelay):
		}
	}
}

func (rs *retrySender) account(req request, err error) {
	if err == nil {
		rs.tel.SentRecords.WithLabelValues(rs.name).Add(float64(req.count()))
		return
	}
	rs.tel.FailedRecords.WithLabelValues(rs.name).Add(float64(req.count()))
	// Retries are disabled here, so the single attempt was the only one.
	reason := telemetry.ReasonSendFailed
	if consumererror.IsPermanent(err) {
		reason = telemetry.ReasonPermanentError
	}
	rs.drop(req, reason, err)
}

func (rs *retrySender) drop(req request, reason string, err error) {
	rs.tel.DroppedRecords.WithLabelValues(rs.name, reason).Add(float64(req.count()))
	rs.logger.Error("Exporting failed. Dropping data for this destination.",
		zap.String("exporter", rs.name),
		zap.String("reason", reason),
		zap.Int("dropped_records", req.count()),
		zap.Error(err))
}
