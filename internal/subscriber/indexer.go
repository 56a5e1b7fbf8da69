package subscriber

import (
	"sync"

	"github.com/kvfleet/kvrouter/internal/router"
)

// Indexer is the tokenizer/prefix-hash indexer collaborator that spec.md
// §1 names explicitly out of scope ("interfaces only"). The subscriber
// loop talks to it through this small protocol; production deployments
// supply their own implementation backed by a real prefix tree.
type Indexer interface {
	// Apply records a worker's cache-block update.
	Apply(event RouterEvent) error
	// RemoveWorker drops all state for a departed worker.
	RemoveWorker(id router.WorkerId) error
	// Workers returns the currently known worker ids.
	Workers() []router.WorkerId
	// Dump returns every event needed to reconstruct current state from
	// scratch, in an order that replays correctly (spec's "snapshot
	// round-trip" property).
	Dump() []RouterEvent
	// OverlapScores returns, per known worker, the number of leading
	// blocks of blockHashes already cached.
	OverlapScores(blockHashes []router.SequenceHash) router.OverlapScores
}

// MemoryIndexer is the reference Indexer: an in-memory map of worker to
// its cached prefix-block set, sufficient to exercise C2 and F1 without
// a real tokenizer/prefix tree end-to-end (SPEC_FULL.md §4.4).
type MemoryIndexer struct {
	mu      sync.RWMutex
	workers map[router.WorkerId]map[uint64]struct{}
	// order preserves first-seen block order per worker so Dump can emit
	// each worker's blocks in that order.
	order map[router.WorkerId][]uint64
}

// NewMemoryIndexer returns an empty indexer.
func NewMemoryIndexer() *MemoryIndexer {
	return &MemoryIndexer{
		workers: make(map[router.WorkerId]map[uint64]struct{}),
		order:   make(map[router.WorkerId][]uint64),
	}
}

// Apply implements Indexer.
func (m *MemoryIndexer) Apply(event RouterEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wid := router.WorkerId(event.WorkerID)
	switch event.Kind {
	case KindWorkerRemoved:
		delete(m.workers, wid)
		delete(m.order, wid)
	case KindWorkerCacheUpdate:
		set, ok := m.workers[wid]
		if !ok {
			set = make(map[uint64]struct{})
			m.workers[wid] = set
		}
		for _, b := range event.Blocks {
			if _, seen := set[b]; !seen {
				set[b] = struct{}{}
				m.order[wid] = append(m.order[wid], b)
			}
		}
	}
	return nil
}

// RemoveWorker implements Indexer.
func (m *MemoryIndexer) RemoveWorker(id router.WorkerId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, id)
	delete(m.order, id)
	return nil
}

// Workers implements Indexer.
func (m *MemoryIndexer) Workers() []router.WorkerId {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]router.WorkerId, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	return ids
}

// Dump implements Indexer. It emits one WorkerCacheUpdate event per
// worker carrying that worker's full cached-block set in first-seen
// order, which replays to the same state in a fresh indexer.
func (m *MemoryIndexer) Dump() []RouterEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := make([]RouterEvent, 0, len(m.order))
	for id, blocks := range m.order {
		cp := make([]uint64, len(blocks))
		copy(cp, blocks)
		events = append(events, RouterEvent{
			Kind:     KindWorkerCacheUpdate,
			WorkerID: int64(id),
			Blocks:   cp,
		})
	}
	return events
}

// OverlapScores implements Indexer by counting, per worker, the longest
// prefix of blockHashes present in that worker's first-seen block order.
func (m *MemoryIndexer) OverlapScores(blockHashes []router.SequenceHash) router.OverlapScores {
	m.mu.RLock()
	defer m.mu.RUnlock()
	scores := make(router.OverlapScores, len(m.workers))
	for id, set := range m.workers {
		var overlap uint32
		for _, h := range blockHashes {
			if _, ok := set[uint64(h)]; !ok {
				break
			}
			overlap++
		}
		scores[id] = overlap
	}
	return scores
}
