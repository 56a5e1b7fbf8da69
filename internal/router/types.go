// Package router implements the KV-cache-aware scheduling core: the
// per-worker active-sequence ledger (F1), the pure worker-selection cost
// function (F2), and the single-consumer scheduler loop (C1) that ties
// them together.
package router

import "github.com/cespare/xxhash/v2"

// WorkerId is the opaque identity of a model-serving worker.
type WorkerId int64

// SequenceHash is the hash of a contiguous token-block prefix. Computed
// with xxhash rather than a cryptographic digest: block hashes are a
// cache key, not a security boundary.
type SequenceHash uint64

// HashTokenBlock hashes a block-sized slice of token ids.
func HashTokenBlock(tokens []int32) SequenceHash {
	d := xxhash.New()
	buf := make([]byte, 4)
	for _, t := range tokens {
		buf[0] = byte(t)
		buf[1] = byte(t >> 8)
		buf[2] = byte(t >> 16)
		buf[3] = byte(t >> 24)
		d.Write(buf)
	}
	return SequenceHash(d.Sum64())
}

// OverlapScores maps WorkerId to the number of leading request blocks
// already cached on that worker. A missing key means 0.
type OverlapScores map[WorkerId]uint32

// Get returns the overlap score for w, defaulting to 0.
func (o OverlapScores) Get(w WorkerId) uint32 {
	if o == nil {
		return 0
	}
	return o[w]
}

// DisaggregationMode describes whether a worker handles both phases of
// generation or is specialised to one (disaggregated serving).
type DisaggregationMode string

const (
	// PrefillAndDecode is a monolithic worker doing both phases.
	PrefillAndDecode DisaggregationMode = "prefill_and_decode"
	// PrefillOnly and DecodeOnly mark a disaggregated (PD-separated) worker.
	PrefillOnly DisaggregationMode = "prefill_only"
	DecodeOnly  DisaggregationMode = "decode_only"
)

// WorkerRuntimeConfig describes a worker's serving capabilities. It may be
// absent for a live worker — absence defaults disaggregation mode to
// PrefillAndDecode for gating purposes.
type WorkerRuntimeConfig struct {
	TotalKVBlocks      int64
	DisaggregationMode DisaggregationMode
}

// IsPDSeparated reports whether cfg marks a disaggregated worker. A nil
// cfg (no runtime config known for this worker) is not PD-separated.
func (cfg *WorkerRuntimeConfig) IsPDSeparated() bool {
	if cfg == nil {
		return false
	}
	return cfg.DisaggregationMode != "" && cfg.DisaggregationMode != PrefillAndDecode
}

// PotentialLoad is returned by GetPotentialLoads: what a worker's load
// would look like if the request were scheduled there.
type PotentialLoad struct {
	WorkerID               WorkerId
	PotentialPrefillTokens uint64
	PotentialDecodeBlocks  uint64
}

// KVHitRateEvent is published on the kv_hit_rate subject after every
// successful scheduling decision.
type KVHitRateEvent struct {
	WorkerID     WorkerId `json:"worker_id"`
	ISLBlocks    uint64   `json:"isl_blocks"`
	OverlapBlocks uint32  `json:"overlap_blocks"`
}

// Phase is a ledger entry's lifecycle stage.
type Phase int

const (
	PhasePrefill Phase = iota
	PhaseDecode
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhasePrefill:
		return "prefill"
	case PhaseDecode:
		return "decode"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}
