package pipeline

import (
	"time"

	"github.com/strydehealth/stride/pkg/logger"
)

// Option applies a configuration option to the Pipeline.
type Option func(*Pipeline)

// WithBatchSize sets the maximum events per global batch.
func WithBatchSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithFlushInterval sets how long a partial batch may wait before it is
// dispatched anyway.
func WithFlushInterval(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.flushInterval = d
		}
	}
}

// WithWorkerCount sets the number of partition workers.
func WithWorkerCount(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workerCount = n
		}
	}
}

// WithQueueDepth sets each worker's queue capacity.
func WithQueueDepth(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queueDepth = n
		}
	}
}

// WithWatermarks sets the backpressure hysteresis bounds. Pulling pauses
// when any queue reaches high and resumes once all are at or below low.
func WithWatermarks(high, low int) Option {
	return func(p *Pipeline) {
		if high > 0 && low >= 0 {
			p.highWatermark = high
			p.lowWatermark = low
		}
	}
}

// WithMaxAttempts sets the per-batch retry budget.
func WithMaxAttempts(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithRetryBase sets the initial backoff delay, doubled per attempt.
func WithRetryBase(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.retryBase = d
		}
	}
}

// WithDeadLetterStore shares an externally owned dead-letter store.
func WithDeadLetterStore(dlq *DeadLetterStore) Option {
	return func(p *Pipeline) {
		if dlq != nil {
			p.dlq = dlq
		}
	}
}

// WithPipelineLogger sets a custom logger.
func WithPipelineLogger(log logger.Logger) Option {
	return func(p *Pipeline) {
		if log != nil {
			p.log = log
		}
	}
}
