package pipeline

import (
	"sync"
	"time"
)

// trackedBatch is one dispatched global batch awaiting its partition
// sub-batches.
type trackedBatch struct {
	id           uint64
	maxSeq       uint64
	pending      int
	registeredAt time.Time
}

// commitTracker orders in-flight batches so the checkpoint only ever
// advances over a contiguous prefix of fully processed batches. Workers
// finish sub-batches in any order; the tracker holds back out-of-order
// completions until everything before them is done.
type commitTracker struct {
	mu      sync.Mutex
	nextID  uint64
	batches []*trackedBatch
}

func newCommitTracker() *commitTracker {
	return &commitTracker{}
}

// register adds a batch with the given highest global sequence and number
// of partition sub-batches. Batches must be registered in sequence order.
func (t *commitTracker) register(maxSeq uint64, parts int) (uint64, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	at := time.Now()
	t.batches = append(t.batches, &trackedBatch{
		id:           t.nextID,
		maxSeq:       maxSeq,
		pending:      parts,
		registeredAt: at,
	})
	return t.nextID, at
}

// complete marks one sub-batch of batchID done. It returns the new
// committable checkpoint when one or more leading batches finished, along
// with the registration time of the newest finished batch for latency
// accounting.
func (t *commitTracker) complete(batchID uint64) (uint64, time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.batches {
		if b.id == batchID {
			b.pending--
			break
		}
	}
	var (
		commit    uint64
		lastStart time.Time
		popped    bool
	)
	for len(t.batches) > 0 && t.batches[0].pending == 0 {
		commit = t.batches[0].maxSeq
		lastStart = t.batches[0].registeredAt
		t.batches = t.batches[1:]
		popped = true
	}
	return commit, lastStart, popped
}

// inFlight returns the number of batches not yet fully processed.
func (t *commitTracker) inFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.batches)
}

// reset drops all tracking state. Only safe once inFlight is zero.
func (t *commitTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.batches = nil
}
