package router

import "errors"

// Sentinel errors for the scheduling core. Callers should compare with
// errors.Is, not string matching.
var (
	// ErrNoEndpoints means no candidate workers exist at decision time.
	// Transient: C1 sleeps 5ms and continues with the next request.
	ErrNoEndpoints = errors.New("kvrouter: no endpoints available to route work")

	// ErrAllWorkersBusy means every candidate is over capacity. Reserved
	// for a future admission signal; same backoff treatment as
	// ErrNoEndpoints.
	ErrAllWorkersBusy = errors.New("kvrouter: all workers busy")

	// ErrSubscriberShutdown means the scheduler's queue is closed or the
	// caller's reply channel was dropped. Fatal for that one request.
	ErrSubscriberShutdown = errors.New("kvrouter: scheduler shut down")

	// ErrDuplicateRequest means add_request was called with a request id
	// already present in the ledger.
	ErrDuplicateRequest = errors.New("kvrouter: duplicate request id")

	// ErrUnknownRequest means mark_prefill_completed was called for an id
	// not present in the ledger.
	ErrUnknownRequest = errors.New("kvrouter: unknown request id")

	// ErrIllegalTransition means mark_prefill_completed was called on a
	// request not currently in the Prefill phase.
	ErrIllegalTransition = errors.New("kvrouter: illegal phase transition")
)
