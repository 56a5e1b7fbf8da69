package subscriber

import "encoding/json"

// Kind distinguishes the two RouterEvent shapes carried on the durable
// stream: a worker's cached-block set changed, or a worker departed.
type Kind string

const (
	KindWorkerCacheUpdate Kind = "worker_cache_update"
	KindWorkerRemoved     Kind = "worker_removed"
)

// RouterEvent is the append-only record in the durable stream (spec
// §3: "carrying either a worker cache-block update or a worker-departure
// marker. Events are idempotent (replay safe)."). Blocks is the set of
// prefix-hash blocks now cached on WorkerID; it is empty for a removal.
type RouterEvent struct {
	Kind     Kind     `json:"kind"`
	WorkerID int64    `json:"worker_id"`
	Blocks   []uint64 `json:"blocks,omitempty"`
}

// DecodeRouterEvent decodes a dequeued message payload. Decode failures
// are the caller's responsibility to log and skip (spec §4.4).
func DecodeRouterEvent(data []byte) (RouterEvent, error) {
	var ev RouterEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return RouterEvent{}, err
	}
	return ev, nil
}

// Encode serialises ev for publication or snapshot storage.
func (ev RouterEvent) Encode() ([]byte, error) {
	return json.Marshal(ev)
}
