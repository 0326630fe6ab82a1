// Package pipeline moves events from the store into projection handlers in
// partitioned, retried, checkpointed batches.
package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/strydehealth/stride/internal/domain/event"
	"github.com/strydehealth/stride/internal/eventstore"
	"github.com/strydehealth/stride/internal/subscription"
	"github.com/strydehealth/stride/pkg/logger"
	"github.com/strydehealth/stride/pkg/metrics"
)

// Default pipeline configuration constants.
const (
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
	defaultWorkerCount   = 4
	defaultQueueDepth    = 64
	defaultHighWatermark = 48
	defaultLowWatermark  = 16
	defaultMaxAttempts   = 3
	defaultRetryBase     = 50 * time.Millisecond
	attemptTimeout       = 5 * time.Second
	backpressurePoll     = 5 * time.Millisecond
	drainPoll            = 10 * time.Millisecond
	shutdownTimeout      = 30 * time.Second
)

// Handler applies an ordered slice of events for one partition. A handler
// must be idempotent: retried batches and rebuilds re-deliver events it has
// already seen.
type Handler interface {
	HandleBatch(ctx context.Context, events []event.Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, events []event.Event) error

// HandleBatch implements Handler.
func (f HandlerFunc) HandleBatch(ctx context.Context, events []event.Event) error {
	return f(ctx, events)
}

// partitionJob is one partition's share of a global batch.
type partitionJob struct {
	batchID uint64
	events  []event.Event
}

// Pipeline tails the event store on behalf of one named subscription,
// batches what it reads, partitions each batch by stream so per-entity
// order is preserved, and hands sub-batches to a fixed worker pool. The
// subscription checkpoint advances only after a contiguous prefix of
// batches has committed.
type Pipeline struct {
	store   eventstore.Store
	subs    *subscription.Manager
	name    string
	handler Handler
	dlq     *DeadLetterStore

	batchSize     int
	flushInterval time.Duration
	workerCount   int
	queueDepth    int
	highWatermark int
	lowWatermark  int
	maxAttempts   int
	retryBase     time.Duration

	queues  []chan partitionJob
	tracker *commitTracker
	// commitMu serializes tracker completion with checkpoint advance so
	// two workers cannot advance out of order.
	commitMu sync.Mutex

	// cursor is the pull position, ahead of the checkpoint by whatever is
	// in flight. Guarded by the pump goroutine plus pumpGate for rebuilds.
	cursor   uint64
	pumpGate chan struct{}

	shutdown chan struct{}
	done     chan struct{}

	log logger.Logger
}

// New creates a pipeline for the named subscription. The subscription is
// registered on Run; an existing checkpoint is resumed.
func New(store eventstore.Store, subs *subscription.Manager, name string, handler Handler, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:         store,
		subs:          subs,
		name:          name,
		handler:       handler,
		dlq:           NewDeadLetterStore(),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		workerCount:   defaultWorkerCount,
		queueDepth:    defaultQueueDepth,
		highWatermark: defaultHighWatermark,
		lowWatermark:  defaultLowWatermark,
		maxAttempts:   defaultMaxAttempts,
		retryBase:     defaultRetryBase,
		tracker:       newCommitTracker(),
		pumpGate:      make(chan struct{}, 1),
		shutdown:      make(chan struct{}),
		done:          make(chan struct{}),
		log:           logger.Named("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.lowWatermark >= p.highWatermark {
		p.lowWatermark = p.highWatermark / 2
	}
	p.queues = make([]chan partitionJob, p.workerCount)
	for i := range p.queues {
		p.queues[i] = make(chan partitionJob, p.queueDepth)
	}
	p.pumpGate <- struct{}{}
	return p
}

// DeadLetters exposes the pipeline's dead-letter store.
func (p *Pipeline) DeadLetters() *DeadLetterStore { return p.dlq }

// QueueDepths returns the current depth of each worker queue.
func (p *Pipeline) QueueDepths() []int {
	out := make([]int, len(p.queues))
	for i, q := range p.queues {
		out[i] = len(q)
	}
	return out
}

// Run starts the workers and the pull loop and blocks until ctx is
// canceled or Shutdown is called. Cancellation takes effect at batch
// boundaries; in-flight sub-batches finish.
func (p *Pipeline) Run(ctx context.Context) {
	defer close(p.done)

	sub := p.subs.Register(ctx, p.name)
	p.cursor = sub.LastSeenGlobalSequence
	p.log.Info(ctx, "pipeline starting",
		logger.String("subscription", p.name),
		logger.Uint64("checkpoint", p.cursor),
		logger.Int("workers", p.workerCount))

	workerDone := make(chan struct{}, p.workerCount)
	for i := range p.queues {
		go func(id int) {
			defer func() { workerDone <- struct{}{} }()
			p.runWorker(ctx, id)
		}(i)
	}

	p.pullLoop(ctx)

	for range p.queues {
		<-workerDone
	}
}

// Shutdown stops the pipeline and waits for workers to finish in-flight
// batches, up to ctx or the default timeout.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	close(p.shutdown)
	deadline, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	select {
	case <-p.done:
		return nil
	case <-deadline.Done():
		return fmt.Errorf("pipeline shutdown: %w", deadline.Err())
	}
}

func (p *Pipeline) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-p.shutdown:
		return true
	default:
		return false
	}
}

// pullLoop reads the log from the cursor. Full batches dispatch
// immediately; a partial batch waits out the flush interval so small
// trickles still coalesce.
func (p *Pipeline) pullLoop(ctx context.Context) {
	for {
		if p.stopping(ctx) {
			return
		}
		if !p.subs.CanPull(p.name) {
			if !p.sleep(ctx, p.flushInterval) {
				return
			}
			continue
		}
		p.waitForCapacity(ctx)
		if n, err := p.pump(ctx, false); err != nil {
			p.log.Error(ctx, "pull failed", logger.Error(err))
		} else if n > 0 {
			continue
		}
		if !p.sleep(ctx, p.flushInterval) {
			return
		}
		if _, err := p.pump(ctx, true); err != nil {
			p.log.Error(ctx, "pull failed", logger.Error(err))
		}
	}
}

func (p *Pipeline) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-p.shutdown:
		return false
	case <-time.After(d):
		return true
	}
}

// pump reads and dispatches at most one batch. Unless force is set, a
// partial batch is left in the log for the flush timer.
func (p *Pipeline) pump(ctx context.Context, force bool) (int, error) {
	select {
	case <-p.pumpGate:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	defer func() { p.pumpGate <- struct{}{} }()

	events, err := p.store.ReadAll(ctx, p.cursor, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("read events after %d: %w", p.cursor, err)
	}
	if len(events) == 0 || (!force && len(events) < p.batchSize) {
		return 0, nil
	}
	if err := p.dispatch(ctx, events); err != nil {
		return 0, err
	}
	p.cursor = events[len(events)-1].GlobalSequence
	return len(events), nil
}

// dispatch partitions a batch across the worker queues by stream hash and
// registers it with the commit tracker. Sends block when a queue is full,
// which is the hard backpressure bound under the watermark hysteresis.
func (p *Pipeline) dispatch(ctx context.Context, events []event.Event) error {
	parts := make([][]event.Event, p.workerCount)
	for _, e := range events {
		idx := int(murmur3.Sum64([]byte(e.PartitionKey())) % uint64(p.workerCount))
		parts[idx] = append(parts[idx], e)
	}
	nonEmpty := 0
	for _, part := range parts {
		if len(part) > 0 {
			nonEmpty++
		}
	}
	maxSeq := events[len(events)-1].GlobalSequence
	batchID, _ := p.tracker.register(maxSeq, nonEmpty)
	metrics.RecordBatchSize(len(events))

	for i, part := range parts {
		if len(part) == 0 {
			continue
		}
		select {
		case p.queues[i] <- partitionJob{batchID: batchID, events: part}:
			metrics.UpdateWorkerQueueDepth(strconv.Itoa(i), len(p.queues[i]))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// waitForCapacity pauses pulling while any worker queue is at or above the
// high watermark, resuming only once all queues drained to the low
// watermark. The gap between the two keeps the pipeline from oscillating.
func (p *Pipeline) waitForCapacity(ctx context.Context) {
	if p.maxDepth() < p.highWatermark {
		return
	}
	metrics.RecordBackpressurePause()
	p.log.Warn(ctx, "backpressure engaged",
		logger.String("subscription", p.name),
		logger.Int("max_depth", p.maxDepth()))
	for {
		if p.stopping(ctx) {
			return
		}
		if p.maxDepth() <= p.lowWatermark {
			return
		}
		if !p.sleep(ctx, backpressurePoll) {
			return
		}
	}
}

func (p *Pipeline) maxDepth() int {
	depth := 0
	for _, q := range p.queues {
		if len(q) > depth {
			depth = len(q)
		}
	}
	return depth
}

func (p *Pipeline) runWorker(ctx context.Context, id int) {
	label := strconv.Itoa(id)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			// Drain what was already dispatched so the tracker can
			// settle, then stop.
			for {
				select {
				case job := <-p.queues[id]:
					p.processJob(ctx, job)
				default:
					return
				}
			}
		case job := <-p.queues[id]:
			p.processJob(ctx, job)
			metrics.UpdateWorkerQueueDepth(label, len(p.queues[id]))
		}
	}
}

func (p *Pipeline) processJob(ctx context.Context, job partitionJob) {
	if err := p.applyWithRetry(ctx, job.events); err != nil {
		p.isolatePoison(ctx, job.events, err)
	}
	p.commit(ctx, job.batchID)
}

// applyWithRetry runs the handler with exponential backoff. The backoff
// doubles from the base delay on each attempt.
func (p *Pipeline) applyWithRetry(ctx context.Context, events []event.Event) error {
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if attempt > 1 {
			metrics.RecordBatchRetry()
			if !p.sleepCtx(ctx, p.retryBase<<(attempt-2)) {
				return ctx.Err()
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		err := p.handler.HandleBatch(attemptCtx, events)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		p.log.Warn(ctx, "batch attempt failed",
			logger.String("subscription", p.name),
			logger.Int("attempt", attempt),
			logger.Int("events", len(events)),
			logger.Error(err))
	}
	return lastErr
}

func (p *Pipeline) sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// isolatePoison narrows a failed sub-batch to the individual events that
// cannot be applied. Healthy events around a poison pill still land; only
// the offenders go to the dead letter store.
func (p *Pipeline) isolatePoison(ctx context.Context, events []event.Event, batchErr error) {
	metrics.RecordBatchFailed()
	p.log.Warn(ctx, "batch exhausted retries, isolating events",
		logger.String("subscription", p.name),
		logger.Int("events", len(events)),
		logger.Error(batchErr))
	for _, e := range events {
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		err := p.handler.HandleBatch(attemptCtx, []event.Event{e})
		cancel()
		if err == nil {
			continue
		}
		rec := DeadLetterRecord{
			Subscription: p.name,
			Event:        e,
			Attempts:     p.maxAttempts,
			LastError:    err.Error(),
			FailedAt:     time.Now(),
		}
		if _, dlqErr := p.dlq.Add(ctx, rec); dlqErr != nil {
			p.log.Error(ctx, "dead letter append failed", logger.Error(dlqErr))
		}
		p.log.Error(ctx, "event dead-lettered",
			logger.String("subscription", p.name),
			logger.String("event_id", e.EventID),
			logger.Uint64("global_sequence", e.GlobalSequence),
			logger.Error(err))
		if failErr := p.subs.RecordFailure(ctx, p.name, err); failErr != nil {
			p.log.Error(ctx, "recording failure", logger.Error(failErr))
		}
	}
}

// commit reports a finished sub-batch to the tracker and advances the
// checkpoint when a contiguous prefix of batches completed.
func (p *Pipeline) commit(ctx context.Context, batchID uint64) {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()
	seq, startedAt, ok := p.tracker.complete(batchID)
	if !ok {
		return
	}
	if err := p.subs.Advance(ctx, p.name, seq); err != nil {
		p.log.Error(ctx, "checkpoint advance failed",
			logger.Uint64("sequence", seq),
			logger.Error(err))
		return
	}
	if err := p.subs.RecordSuccess(p.name); err != nil {
		p.log.Error(ctx, "recording success", logger.Error(err))
	}
	metrics.RecordBatchProcessed()
	metrics.RecordBatchCommitLatency(float64(time.Since(startedAt).Milliseconds()))
	metrics.UpdateSubscriptionPosition(p.name, seq)
	if head, err := p.store.Head(ctx); err == nil && head >= seq {
		metrics.UpdateSubscriptionLag(p.name, head-seq)
	}
}

// Rebuild drains in-flight batches, resets the handler state and restarts
// the subscription from the beginning of the log. Catch-up then runs
// through the normal pull loop, switching to live tailing transparently
// once the cursor passes the rebuild target.
func (p *Pipeline) Rebuild(ctx context.Context) error {
	select {
	case <-p.pumpGate:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { p.pumpGate <- struct{}{} }()

	for p.tracker.inFlight() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		time.Sleep(drainPoll)
	}

	head, err := p.store.Head(ctx)
	if err != nil {
		return fmt.Errorf("resolving rebuild target: %w", err)
	}
	if err := p.subs.StartRebuild(ctx, p.name, head); err != nil {
		return err
	}
	if r, ok := p.handler.(interface{ Reset() }); ok {
		r.Reset()
	}
	p.tracker.reset()
	p.cursor = 0
	p.log.Info(ctx, "rebuild started",
		logger.String("subscription", p.name),
		logger.Uint64("target", head))
	return nil
}
