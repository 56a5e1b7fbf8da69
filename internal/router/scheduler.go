package router

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kvfleet/kvrouter/internal/config"
)

// queueCapacity is the bounded request queue capacity (spec §4.3).
const queueCapacity = 1024

// noEndpointsBackoff is how long the scheduler sleeps before re-dequeuing
// after a NoEndpoints/AllWorkersBusy decision (spec §4.3 step 4).
const noEndpointsBackoff = 5 * time.Millisecond

// SchedulingRequest is the immutable-from-the-caller's-perspective input to
// one scheduling decision, plus the fields the pipeline fills in along the
// way (spec §3).
type SchedulingRequest struct {
	RequestID      *string // optional
	BlockHashes    []SequenceHash
	ISLTokens      uint64
	Overlaps       OverlapScores
	ConfigOverride *config.Override // optional
	UpdateStates   bool

	// Filled in by the scheduler before F2 is invoked.
	PotentialDecodeBlocks  map[WorkerId]uint64
	PotentialPrefillTokens map[WorkerId]uint64

	reply *replyCapability
}

// SchedulingResponse is the result handed back to the caller of Schedule.
type SchedulingResponse struct {
	WorkerID      WorkerId
	OverlapBlocks uint32
}

type schedulingOutcome struct {
	resp SchedulingResponse
	err  error
}

// replyCapability is a single-use reply channel taken by move on first use.
// A second respond() call is a programming error: it is detected and
// logged rather than silently dropped or panicking (spec §9).
type replyCapability struct {
	ch   chan schedulingOutcome
	used int32
}

func newReplyCapability() *replyCapability {
	return &replyCapability{ch: make(chan schedulingOutcome, 1)}
}

func (r *replyCapability) respond(o schedulingOutcome) {
	if !atomic.CompareAndSwapInt32(&r.used, 0, 1) {
		logrus.Error("kvrouter: respond called multiple times on same request")
		return
	}
	r.ch <- o
}

// HitRatePublisher publishes a KVHitRateEvent on the kv_hit_rate subject.
// Best-effort: a returned error is logged by the scheduler and otherwise
// ignored (spec §4.3 step 4).
type HitRatePublisher interface {
	Publish(ctx context.Context, event KVHitRateEvent) error
}

// SchedulerMetrics is an optional instrumentation hook; all methods must
// be safe to call from the scheduler's single consumer goroutine.
type SchedulerMetrics interface {
	ObserveSchedule(workerID WorkerId, requiredBlocks uint64, overlapBlocks uint32)
	ObserveNoEndpoints()
}

// Scheduler is the single-consumer request dispatcher (C1). Callers invoke
// Schedule; a single background goroutine started by Run serialises
// decisions and the subsequent ledger commit, so the cost function's view
// of potential load is monotone within a batch of concurrent arrivals
// (spec §5).
type Scheduler struct {
	queue     chan *SchedulingRequest
	sequences *ActiveSequences
	selector  WorkerSelector
	blockSize uint32
	publisher HitRatePublisher
	Metrics   SchedulerMetrics

	workers atomic.Pointer[map[WorkerId]*WorkerRuntimeConfig]
	closed  chan struct{}
}

// NewScheduler constructs a Scheduler. publisher may be nil, in which case
// hit-rate events are simply not published (useful for tests of the pure
// decision path).
func NewScheduler(sequences *ActiveSequences, selector WorkerSelector, blockSize uint32, publisher HitRatePublisher) *Scheduler {
	s := &Scheduler{
		queue:     make(chan *SchedulingRequest, queueCapacity),
		sequences: sequences,
		selector:  selector,
		blockSize: blockSize,
		publisher: publisher,
		closed:    make(chan struct{}),
	}
	empty := map[WorkerId]*WorkerRuntimeConfig{}
	s.workers.Store(&empty)
	return s
}

// UpdateWorkers is called by the membership monitor whenever the live
// worker set or runtime configs change. It is the sole writer of the
// worker→config snapshot; Schedule readers take a consistent copy per
// request (spec §5's exclusive-writer, many-reader structure).
func (s *Scheduler) UpdateWorkers(workers map[WorkerId]*WorkerRuntimeConfig) {
	snap := make(map[WorkerId]*WorkerRuntimeConfig, len(workers))
	ids := make([]WorkerId, 0, len(workers))
	for w, cfg := range workers {
		snap[w] = cfg
		ids = append(ids, w)
	}
	s.workers.Store(&snap)
	s.sequences.UpdateWorkers(ids)
}

func (s *Scheduler) currentWorkers() map[WorkerId]*WorkerRuntimeConfig {
	p := s.workers.Load()
	if p == nil {
		return map[WorkerId]*WorkerRuntimeConfig{}
	}
	return *p
}

// Schedule enqueues req and blocks until the scheduler's consumer replies
// or ctx is cancelled. isl_tokens > 0 is a precondition.
func (s *Scheduler) Schedule(ctx context.Context, req *SchedulingRequest) (SchedulingResponse, error) {
	if req.ISLTokens == 0 {
		return SchedulingResponse{}, errors.New("kvrouter: isl_tokens must be > 0")
	}
	req.reply = newReplyCapability()

	select {
	case s.queue <- req:
	case <-s.closed:
		return SchedulingResponse{}, ErrSubscriberShutdown
	case <-ctx.Done():
		return SchedulingResponse{}, ctx.Err()
	}

	select {
	case outcome := <-req.reply.ch:
		return outcome.resp, outcome.err
	case <-ctx.Done():
		logrus.WithContext(ctx).Error("kvrouter: caller cancelled while awaiting scheduling reply")
		return SchedulingResponse{}, ctx.Err()
	}
}

// GetPotentialLoads reports, for every known worker, what its decode/
// prefill load would become if this (hypothetical) request were scheduled
// there, without committing anything.
func (s *Scheduler) GetPotentialLoads(blockHashes []SequenceHash, islTokens uint64, overlaps OverlapScores) []PotentialLoad {
	decodeBlocks, prefillTokens := s.sequences.PotentialBlocksAndTokens(blockHashes, islTokens, overlaps)

	ids := make(map[WorkerId]struct{}, len(decodeBlocks)+len(prefillTokens))
	for w := range decodeBlocks {
		ids[w] = struct{}{}
	}
	for w := range prefillTokens {
		ids[w] = struct{}{}
	}

	loads := make([]PotentialLoad, 0, len(ids))
	for w := range ids {
		loads = append(loads, PotentialLoad{
			WorkerID:               w,
			PotentialPrefillTokens: prefillTokens[w],
			PotentialDecodeBlocks:  decodeBlocks[w],
		})
	}
	return loads
}

// Run drives the single-consumer scheduling loop until ctx is cancelled.
// It owns the request queue: Run is meant to be started exactly once, in
// its own goroutine, by the caller that also owns ctx's cancellation.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.closed)
	logrus.Trace("kvrouter: scheduler loop started")
	for {
		select {
		case <-ctx.Done():
			logrus.Trace("kvrouter: scheduler loop shutting down")
			return
		case req, ok := <-s.queue:
			if !ok {
				return
			}
			s.handle(ctx, req)
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, req *SchedulingRequest) {
	decodeBlocks, prefillTokens := s.sequences.PotentialBlocksAndTokens(req.BlockHashes, req.ISLTokens, req.Overlaps)
	req.PotentialDecodeBlocks = decodeBlocks
	req.PotentialPrefillTokens = prefillTokens

	workers := s.currentWorkers()

	result, err := s.selector.Select(workers, req, s.blockSize)
	if err != nil {
		if errors.Is(err, ErrNoEndpoints) || errors.Is(err, ErrAllWorkersBusy) {
			logrus.WithError(err).Trace("kvrouter: no candidate workers; backing off")
			if s.Metrics != nil {
				s.Metrics.ObserveNoEndpoints()
			}
			time.Sleep(noEndpointsBackoff)
			// Deliberate deviation from the source's ambiguous behaviour
			// (spec §9 Open Questions): rather than silently discarding
			// the dequeued request, reply to the caller with the error so
			// it is not left to hang indefinitely. The request is not
			// retried internally.
			req.reply.respond(schedulingOutcome{err: err})
			return
		}
		req.reply.respond(schedulingOutcome{err: err})
		return
	}

	event := KVHitRateEvent{
		WorkerID:      result.WorkerID,
		ISLBlocks:     result.RequiredBlocks,
		OverlapBlocks: result.OverlapBlocks,
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, event); err != nil {
			logrus.WithError(err).Warn("kvrouter: failed to publish hit-rate event")
		}
	}
	if s.Metrics != nil {
		s.Metrics.ObserveSchedule(result.WorkerID, result.RequiredBlocks, result.OverlapBlocks)
	}

	req.reply.respond(schedulingOutcome{
		resp: SchedulingResponse{WorkerID: result.WorkerID, OverlapBlocks: result.OverlapBlocks},
	})

	if req.UpdateStates && req.RequestID != nil {
		if err := s.sequences.AddRequest(*req.RequestID, req.BlockHashes, req.ISLTokens, result.OverlapBlocks, result.WorkerID); err != nil {
			logrus.WithError(err).Warn("kvrouter: failed to commit reservation after reply sent")
		}
	}
}
