// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package memorylimiter is the first stage of the processor chain. It refuses
// new batches when memory usage crosses the soft limit and forces garbage
// collection passes when usage crosses the hard limit, so the process never
// exceeds the configured ceiling.
package memorylimiter // import "github.com/lee-liao/telemetry-relay/processor/memorylimiter"

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lee-liao/telemetry-relay/config"
	"github.com/lee-liao/telemetry-relay/consumer"
	"github.com/lee-liao/telemetry-relay/consumer/consumererror"
	"github.com/lee-liao/telemetry-relay/model"
)

const (
	mibBytes = 1024 * 1024

	// Forced GC passes are rate limited so a hard-limited process does not
	// burn all its CPU collecting.
	minGCInterval = 10 * time.Second
)

// GetMemoryFn and ReadMemStatsFn are overridable by tests.
var (
	GetMemoryFn = func() (uint64, error) {
		vm, err := mem.VirtualMemory()
		if err != nil {
			return 0, err
		}
		return vm.Total, nil
	}
	ReadMemStatsFn = runtime.ReadMemStats
)

// Limiter guards the pipeline entry against out of memory situations.
type Limiter struct {
	usageChecker memUsageChecker

	// trackedBytes approximates the raw telemetry currently in flight
	// through the pipeline. It is charged on entry and released when the
	// downstream consumer returns, and is the only state mutated from
	// multiple receiver contexts.
	trackedBytes *atomic.Int64

	mustRefuse  *atomic.Bool
	hardLimited *atomic.Bool

	ticker     *time.Ticker
	lastGCDone time.Time

	readMemStatsFn func(m *runtime.MemStats)
	runGCFn        func()

	logger *zap.Logger
	next   consumer.Batches

	startOnce sync.Once
	stopOnce  sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// New creates a limiter that forwards accepted batches to next.
func New(cfg config.MemoryLimiter, logger *zap.Logger, next consumer.Batches) (*Limiter, error) {
	usageChecker, err := newMemUsageChecker(cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("Memory limiter configured",
		zap.Uint64("limit_mib", usageChecker.memAllocLimit/mibBytes),
		zap.Uint64("spike_limit_mib", usageChecker.memSpikeLimit/mibBytes),
		zap.Duration("check_interval", cfg.CheckInterval))

	return &Limiter{
		usageChecker:   *usageChecker,
		trackedBytes:   atomic.NewInt64(0),
		mustRefuse:     atomic.NewBool(false),
		hardLimited:    atomic.NewBool(false),
		ticker:         time.NewTicker(cfg.CheckInterval),
		lastGCDone:     time.Now(),
		readMemStatsFn: ReadMemStatsFn,
		runGCFn:        runtime.GC,
		logger:         logger,
		next:           next,
		closed:         make(chan struct{}),
	}, nil
}

// Start launches the periodic memory check.
func (l *Limiter) Start(context.Context) error {
	l.startOnce.Do(func() {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			for {
				select {
				case <-l.ticker.C:
				case <-l.closed:
					return
				}
				l.checkMemLimits()
			}
		}()
	})
	return nil
}

// Shutdown stops the periodic memory check.
func (l *Limiter) Shutdown(context.Context) error {
	l.stopOnce.Do(func() {
		l.ticker.Stop()
		close(l.closed)
		l.wg.Wait()
	})
	return nil
}

// MustRefuse reports whether the limiter is currently shedding load.
func (l *Limiter) MustRefuse() bool { return l.mustRefuse.Load() }

// HardLimited reports whether usage is above the hard limit even after a GC
// pass. The readiness reporter flips to not-ready while this holds.
func (l *Limiter) HardLimited() bool { return l.hardLimited.Load() }

// TrackedBytes returns the approximate bytes of telemetry in flight.
func (l *Limiter) TrackedBytes() int64 { return l.trackedBytes.Load() }

// ConsumeBatch implements consumer.Batches.
func (l *Limiter) ConsumeBatch(ctx context.Context, batch *model.Batch) error {
	if l.mustRefuse.Load() {
		return consumererror.ErrRefused
	}

	size := int64(batch.Size())
	for {
		cur := l.trackedBytes.Load()
		if uint64(cur+size) > l.usageChecker.memSpikeLimit {
			// In-flight data alone would blow through the spike allowance
			// before the next ticker check.
			return consumererror.ErrRefused
		}
		if l.trackedBytes.CompareAndSwap(cur, cur+size) {
			break
		}
	}
	defer l.trackedBytes.Add(-size)
	return l.next.ConsumeBatch(ctx, batch)
}

func (l *Limiter) readMemStats() *runtime.MemStats {
	ms := &runtime.MemStats{}
	l.readMemStatsFn(ms)
	return ms
}

func (l *Limiter) doGCandReadMemStats() *runtime.MemStats {
	l.runGCFn()
	l.lastGCDone = time.Now()
	ms := l.readMemStats()
	l.logger.Info("Memory usage after GC.", memstatField(ms))
	return ms
}

func (l *Limiter) checkMemLimits() {
	ms := l.readMemStats()

	l.logger.Debug("Currently used memory.", memstatField(ms))

	aboveSoftLimit := l.usageChecker.aboveSoftLimit(ms)
	if !aboveSoftLimit {
		if l.mustRefuse.Load() {
			l.logger.Info("Memory usage back within limits. Resuming normal operation.", memstatField(ms))
		}
		l.mustRefuse.Store(false)
		l.hardLimited.Store(false)
		return
	}

	if l.usageChecker.aboveHardLimit(ms) {
		if time.Since(l.lastGCDone) > minGCInterval {
			l.logger.Warn("Memory usage is above hard limit. Forcing a GC.", memstatField(ms))
			ms = l.doGCandReadMemStats()
			aboveSoftLimit = l.usageChecker.aboveSoftLimit(ms)
		}
		l.hardLimited.Store(l.usageChecker.aboveHardLimit(ms))
	} else {
		if time.Since(l.lastGCDone) > minGCInterval {
			l.logger.Info("Memory usage is above soft limit. Forcing a GC.", memstatField(ms))
			ms = l.doGCandReadMemStats()
			aboveSoftLimit = l.usageChecker.aboveSoftLimit(ms)
		}
		l.hardLimited.Store(false)
	}

	if !l.mustRefuse.Load() && aboveSoftLimit {
		l.logger.Warn("Memory usage is above soft limit. Refusing data.", memstatField(ms))
	}
	l.mustRefuse.Store(aboveSoftLimit)
}

func memstatField(ms *runtime.MemStats) zap.Field {
	return zap.Uint64("cur_mem_mib", ms.Alloc/mibBytes)
}

type memUsageChecker struct {
	memAllocLimit uint64
	memSpikeLimit uint64
}

func (c memUsageChecker) aboveSoftLimit(ms *runtime.MemStats) bool {
	return ms.Alloc >= c.memAllocLimit-c.memSpikeLimit
}

func (c memUsageChecker) aboveHardLimit(ms *runtime.MemStats) bool {
	return ms.Alloc >= c.memAllocLimit
}

func newMemUsageChecker(cfg config.MemoryLimiter) (*memUsageChecker, error) {
	if cfg.LimitMiB != 0 {
		return newFixedMemUsageChecker(uint64(cfg.LimitMiB)*mibBytes, uint64(cfg.SpikeLimitMiB)*mibBytes), nil
	}
	totalMemory, err := GetMemoryFn()
	if err != nil {
		return nil, fmt.Errorf("failed to get total memory, use fixed memory settings (limit_mib): %w", err)
	}
	return newFixedMemUsageChecker(
		uint64(cfg.LimitPercentage)*totalMemory/100,
		uint64(cfg.SpikeLimitPercentage)*totalMemory/100), nil
}

func newFixedMemUsageChecker(memAllocLimit, memSpikeLimit uint64) *memUsageChecker {
	if memSpikeLimit == 0 {
		// If the spike limit is unspecified use 20% of the mem limit.
		memSpikeLimit = memAllocLimit / 5
	}
	return &memUsageChecker{
		memAllocLimit: memAllocLimit,
		memSpikeLimit: memSpikeLimit,
	}
}
