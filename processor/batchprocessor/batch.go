// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package batchprocessor accumulates records and releases them downstream in
// larger batches to amortize exporter call overhead.
//
// Batches are sent out with any of the following conditions:
//   - the pending record count reaches the configured send size
//   - the configured timeout elapsed since the previous flush
package batchprocessor // import "github.com/lee-liao/telemetry-relay/processor/batchprocessor"

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lee-liao/telemetry-relay/config"
	"github.com/lee-liao/telemetry-relay/consumer"
	"github.com/lee-liao/telemetry-relay/model"
)

// Processor buffers incoming batches and flushes them by size or timeout. A
// partially filled batch is flushed when the timer expires even if the count
// threshold was never reached.
type Processor struct {
	timer         *time.Timer
	timeout       time.Duration
	sendBatchSize int

	newItem chan *model.Batch
	pending *model.Batch

	shutdownC  chan struct{}
	goroutines sync.WaitGroup

	exportCtx context.Context
	logger    *zap.Logger
	next      consumer.Batches
}

// New creates a batch processor forwarding flushed batches to next.
func New(cfg config.Batch, logger *zap.Logger, next consumer.Batches) *Processor {
	return &Processor{
		timeout:       cfg.Timeout,
		sendBatchSize: cfg.SendBatchSize,
		newItem:       make(chan *model.Batch, runtime.NumCPU()),
		pending:       model.NewBatch(),
		shutdownC:     make(chan struct{}, 1),
		exportCtx:     context.Background(),
		logger:        logger,
		next:          next,
	}
}

// Start launches the processing cycle.
func (p *Processor) Start(context.Context) error {
	p.goroutines.Add(1)
	go p.startProcessingCycle()
	return nil
}

// Shutdown drains buffered items and flushes the pending batch downstream.
func (p *Processor) Shutdown(context.Context) error {
	close(p.shutdownC)
	p.goroutines.Wait()
	return nil
}

// ConsumeBatch implements consumer.Batches. It never blocks on the exporter
// path; the batch is handed to the processing goroutine.
func (p *Processor) ConsumeBatch(_ context.Context, batch *model.Batch) error {
	p.newItem <- batch
	return nil
}

func (p *Processor) startProcessingCycle() {
	defer p.goroutines.Done()
	p.timer = time.NewTimer(p.timeout)
	for {
		select {
		case <-p.shutdownC:
		DONE:
			for {
				select {
				case item := <-p.newItem:
					p.processItem(item)
				default:
					break DONE
				}
			}
			if p.pending.RecordCount() > 0 {
				p.sendItems()
			}
			return
		case item := <-p.newItem:
			if item == nil {
				continue
			}
			p.processItem(item)
		case <-p.timer.C:
			if p.pending.RecordCount() > 0 {
				p.sendItems()
			}
			p.resetTimer()
		}
	}
}

func (p *Processor) processItem(item *model.Batch) {
	p.pending.Append(item)
	if p.pending.RecordCount() >= p.sendBatchSize {
		p.sendItems()
		p.stopTimer()
		p.resetTimer()
	}
}

func (p *Processor) stopTimer() {
	if !p.timer.Stop() {
		<-p.timer.C
	}
}

func (p *Processor) resetTimer() {
	p.timer.Reset(p.timeout)
}

func (p *Processor) sendItems() {
	batch := p.pending
	p.pending = model.NewBatch()
	if err := p.next.ConsumeBatch(p.exportCtx, batch); err != nil {
		p.logger.Warn("Sender failed", zap.Error(err))
	}
}
