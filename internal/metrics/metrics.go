// Package metrics collects per-audit execution counters and emits them
// as structured log events. Deliberately dependency-free beyond the
// logger: process-level instrumentation lives in the HTTP layer.
package metrics

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// emissionInterval is the wall-clock spacing of periodic emissions.
const emissionInterval = 60 * time.Second

// Collector tracks one audit's counters. Safe for use from the audit's
// task; emission is driven by recording calls and the terminal Emit.
type Collector struct {
	mu sync.Mutex

	chunksProcessed int
	retryCount      int
	tokenUsage      int
	startTime       time.Time
	lastEmission    time.Time

	logger *zap.Logger
}

// NewCollector starts a collector for one audit run.
func NewCollector(logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now()
	return &Collector{startTime: now, lastEmission: now, logger: logger}
}

// RecordChunkProcessed counts a processed chunk and its token usage,
// emitting when the emission interval has elapsed.
func (c *Collector) RecordChunkProcessed(tokensUsed int) {
	c.mu.Lock()
	c.chunksProcessed++
	c.tokenUsage += tokensUsed
	due := time.Since(c.lastEmission) >= emissionInterval
	c.mu.Unlock()

	if due {
		c.Emit()
	}
}

// RecordRetry counts a retry attempt.
func (c *Collector) RecordRetry() {
	c.mu.Lock()
	c.retryCount++
	c.mu.Unlock()
}

// ChunksPerMinute derives throughput from the start time.
func (c *Collector) ChunksPerMinute() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chunksPerMinuteLocked()
}

func (c *Collector) chunksPerMinuteLocked() float64 {
	elapsed := time.Since(c.startTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(c.chunksProcessed) / elapsed * 60
}

// Emit writes the current counters as one structured log event.
func (c *Collector) Emit() {
	c.mu.Lock()
	fields := []zap.Field{
		zap.Int("chunks_processed", c.chunksProcessed),
		zap.Float64("chunks_per_minute", c.chunksPerMinuteLocked()),
		zap.Int("retry_count", c.retryCount),
		zap.Int("token_usage", c.tokenUsage),
		zap.Float64("elapsed_seconds", time.Since(c.startTime).Seconds()),
	}
	c.lastEmission = time.Now()
	c.mu.Unlock()

	c.logger.Info("audit metrics", fields...)
}

// Snapshot returns the current counters.
func (c *Collector) Snapshot() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{
		"chunks_processed":  c.chunksProcessed,
		"chunks_per_minute": c.chunksPerMinuteLocked(),
		"retry_count":       c.retryCount,
		"token_usage":       c.tokenUsage,
		"elapsed_seconds":   time.Since(c.startTime).Seconds(),
	}
}
