package router

import (
	"fmt"
	"sync"
)

// entry is one outstanding reservation on a worker's ledger.
type entry struct {
	RequestID   string
	BlockHashes []SequenceHash
	ISLTokens   uint64
	Overlap     uint32
	Phase       Phase
}

// workerLedger holds the outstanding entries for one worker. Its mutex
// serialises all mutation for that worker; cross-worker operations never
// share a lock, so they proceed in parallel (spec §4.1 Concurrency).
type workerLedger struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func newWorkerLedger() *workerLedger {
	return &workerLedger{entries: make(map[string]*entry)}
}

// ReplicaGossip is called, best-effort, whenever a request is added to or
// freed from the ledger, so peer routers can keep their own ActiveSequences
// view aligned. Implementations must not block; failures are the caller's
// concern (logged, never fatal) per spec §9.
type ReplicaGossip interface {
	GossipAdd(requestID string, blockHashes []SequenceHash, islTokens uint64, overlap uint32, workerID WorkerId)
	GossipFree(requestID string)
}

// ActiveSequences is the per-worker ledger of in-flight prefill/decode
// work and known cached-prefix reservations (F1). The top-level mutex
// guards only membership of the workers map; per-worker mutation never
// holds it, and it is never held across a suspension point.
type ActiveSequences struct {
	mu        sync.RWMutex
	workers   map[WorkerId]*workerLedger
	blockSize uint32

	indexMu sync.Mutex
	index   map[string]WorkerId // request id -> worker id, for free/mark lookups

	Gossip ReplicaGossip // optional; nil disables replica-sync
}

// NewActiveSequences creates a ledger for the given initial worker set.
func NewActiveSequences(blockSize uint32, workerIDs []WorkerId) *ActiveSequences {
	a := &ActiveSequences{
		workers:   make(map[WorkerId]*workerLedger, len(workerIDs)),
		blockSize: blockSize,
		index:     make(map[string]WorkerId),
	}
	for _, w := range workerIDs {
		a.workers[w] = newWorkerLedger()
	}
	return a
}

// UpdateWorkers replaces the candidate worker set: new ids start with an
// empty ledger, removed ids have their entries (and index) dropped.
func (a *ActiveSequences) UpdateWorkers(workerIDs []WorkerId) {
	next := make(map[WorkerId]*workerLedger, len(workerIDs))
	want := make(map[WorkerId]bool, len(workerIDs))

	a.mu.Lock()
	for _, w := range workerIDs {
		want[w] = true
		if existing, ok := a.workers[w]; ok {
			next[w] = existing
		} else {
			next[w] = newWorkerLedger()
		}
	}
	removed := make([]*workerLedger, 0)
	for w, l := range a.workers {
		if !want[w] {
			removed = append(removed, l)
		}
	}
	a.workers = next
	a.mu.Unlock()

	if len(removed) == 0 {
		return
	}
	a.indexMu.Lock()
	for reqID, w := range a.index {
		if !want[w] {
			delete(a.index, reqID)
		}
	}
	a.indexMu.Unlock()
}

func (a *ActiveSequences) ledger(w WorkerId) (*workerLedger, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	l, ok := a.workers[w]
	return l, ok
}

// AddRequest records a reservation for requestID on workerID. Fails with
// ErrDuplicateRequest if requestID already exists anywhere in the ledger.
func (a *ActiveSequences) AddRequest(requestID string, blockHashes []SequenceHash, islTokens uint64, overlap uint32, workerID WorkerId) error {
	a.indexMu.Lock()
	if _, exists := a.index[requestID]; exists {
		a.indexMu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID)
	}
	a.index[requestID] = workerID
	a.indexMu.Unlock()

	l, ok := a.ledger(workerID)
	if !ok {
		// Worker dropped out of the candidate set between selection and
		// commit; still record the reservation so free() remains
		// idempotent, in a ledger of its own.
		l = newWorkerLedger()
		a.mu.Lock()
		a.workers[workerID] = l
		a.mu.Unlock()
	}

	l.mu.Lock()
	l.entries[requestID] = &entry{
		RequestID:   requestID,
		BlockHashes: blockHashes,
		ISLTokens:   islTokens,
		Overlap:     overlap,
		Phase:       PhasePrefill,
	}
	l.mu.Unlock()

	if a.Gossip != nil {
		a.Gossip.GossipAdd(requestID, blockHashes, islTokens, overlap, workerID)
	}
	return nil
}

// MarkPrefillCompleted transitions requestID from Prefill to Decode.
func (a *ActiveSequences) MarkPrefillCompleted(requestID string) error {
	a.indexMu.Lock()
	w, ok := a.index[requestID]
	a.indexMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}

	l, ok := a.ledger(w)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	if e.Phase != PhasePrefill {
		return fmt.Errorf("%w: %s is in phase %s", ErrIllegalTransition, requestID, e.Phase)
	}
	e.Phase = PhaseDecode
	return nil
}

// Free removes requestID's entry. Absent ids are a no-op success
// (idempotent), matching spec §3's ledger invariant.
func (a *ActiveSequences) Free(requestID string) error {
	a.indexMu.Lock()
	w, ok := a.index[requestID]
	if ok {
		delete(a.index, requestID)
	}
	a.indexMu.Unlock()
	if !ok {
		return nil
	}

	if l, ok := a.ledger(w); ok {
		l.mu.Lock()
		delete(l.entries, requestID)
		l.mu.Unlock()
	}

	if a.Gossip != nil {
		a.Gossip.GossipFree(requestID)
	}
	return nil
}

// PotentialBlocksAndTokens returns, for every currently known worker, the
// decode-block and prefill-token counts that worker would have if this
// request were scheduled there: its existing outstanding load plus this
// request's own marginal contribution. blockHashes is accepted for parity
// with the caller-facing API; the reference ledger does not need it to
// compute counts (it tracks ISL tokens and overlap directly).
func (a *ActiveSequences) PotentialBlocksAndTokens(_ []SequenceHash, islTokens uint64, overlaps OverlapScores) (decodeBlocks, prefillTokens map[WorkerId]uint64) {
	a.mu.RLock()
	ledgers := make(map[WorkerId]*workerLedger, len(a.workers))
	for w, l := range a.workers {
		ledgers[w] = l
	}
	a.mu.RUnlock()

	decodeBlocks = make(map[WorkerId]uint64, len(ledgers))
	prefillTokens = make(map[WorkerId]uint64, len(ledgers))

	for w, l := range ledgers {
		var existingPrefill, existingDecode uint64
		l.mu.Lock()
		for _, e := range l.entries {
			switch e.Phase {
			case PhasePrefill:
				existingPrefill += remainingPrefillTokens(e.ISLTokens, e.Overlap, a.blockSize)
			case PhaseDecode:
				existingDecode += blocksFor(e.ISLTokens, a.blockSize)
			}
		}
		l.mu.Unlock()

		newPrefill := remainingPrefillTokens(islTokens, overlaps.Get(w), a.blockSize)
		prefillTokens[w] = existingPrefill + newPrefill
		decodeBlocks[w] = existingDecode
	}
	return decodeBlocks, prefillTokens
}

func remainingPrefillTokens(islTokens uint64, overlap uint32, blockSize uint32) uint64 {
	if blockSize == 0 {
		return islTokens
	}
	cached := uint64(overlap) * uint64(blockSize)
	if cached > islTokens {
		cached = islTokens
	}
	return islTokens - cached
}

func blocksFor(tokens uint64, blockSize uint32) uint64 {
	if blockSize == 0 {
		return 0
	}
	return (tokens + uint64(blockSize) - 1) / uint64(blockSize)
}
