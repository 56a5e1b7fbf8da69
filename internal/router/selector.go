package router

import (
	"math"
	"math/rand"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/kvfleet/kvrouter/internal/config"
	"github.com/kvfleet/kvrouter/internal/rng"
)

// SelectionResult is what WorkerSelector.Select returns: the chosen
// worker plus the bookkeeping needed to publish a hit-rate event.
type SelectionResult struct {
	WorkerID       WorkerId
	RequiredBlocks uint64
	OverlapBlocks  uint32
}

// WorkerSelector is the pure decision function (F2): given the candidate
// workers, their runtime configs, and a request's potential load, it picks
// one worker by temperature-softmax over a cost ("logit") computed per
// worker. It never suspends and never mutates shared state.
type WorkerSelector interface {
	Select(workers map[WorkerId]*WorkerRuntimeConfig, req *SchedulingRequest, blockSize uint32) (SelectionResult, error)
}

// DefaultSelector implements WorkerSelector matching the cost function and
// ISL-threshold gate of spec §4.2.
type DefaultSelector struct {
	Config  config.RouterConfig
	ISLGate config.ISLGate
	RNG     *rng.Partitioned // injected for deterministic, seedable sampling
}

// NewDefaultSelector builds a DefaultSelector. If r is nil, a
// non-deterministic RNG seeded from process entropy is used.
func NewDefaultSelector(cfg config.RouterConfig, gate config.ISLGate, r *rng.Partitioned) *DefaultSelector {
	if r == nil {
		r = rng.NewPartitioned(rng.Seed(rand.Int63()))
	}
	return &DefaultSelector{Config: cfg, ISLGate: gate, RNG: r}
}

// Select implements WorkerSelector.
func (s *DefaultSelector) Select(workers map[WorkerId]*WorkerRuntimeConfig, req *SchedulingRequest, blockSize uint32) (SelectionResult, error) {
	if len(workers) == 0 {
		return SelectionResult{}, ErrNoEndpoints
	}
	if blockSize == 0 {
		blockSize = 1
	}

	isl := req.ISLTokens
	requiredBlocks := (isl + uint64(blockSize) - 1) / uint64(blockSize)

	overlapWeight := req.ConfigOverride.ResolveOverlapScoreWeight(s.Config)
	temperature := req.ConfigOverride.ResolveRouterTemperature(s.Config)

	logits := make(map[WorkerId]float64, len(workers))
	for w, cfg := range workers {
		prefillTokens := isl
		if v, ok := req.PotentialPrefillTokens[w]; ok {
			prefillTokens = v
		}
		prefillBlocks := float64(prefillTokens) / float64(blockSize)

		decodeBlocks := math.Floor(prefillBlocks)
		if v, ok := req.PotentialDecodeBlocks[w]; ok {
			decodeBlocks = float64(v)
		}

		logit := overlapWeight*prefillBlocks + decodeBlocks

		if s.ISLGate.Enabled {
			isPDSeparated := cfg.IsPDSeparated()
			candidate := (!isPDSeparated && float64(isl) < s.ISLGate.Threshold) ||
				(isPDSeparated && float64(isl) >= s.ISLGate.Threshold)
			if !candidate {
				continue
			}
		}

		logits[w] = logit

		logrus.WithFields(logrus.Fields{
			"worker_id":      w,
			"overlap_blocks": req.Overlaps.Get(w),
			"logit":          logit,
			"overlap_weight": overlapWeight,
			"prefill_blocks": prefillBlocks,
			"decode_blocks":  decodeBlocks,
		}).Debug("kvrouter: candidate cost")
	}

	if len(logits) == 0 {
		return SelectionResult{}, ErrNoEndpoints
	}

	best := softmaxSample(logits, temperature, s.RNG.For(rng.SubsystemSelector))

	return SelectionResult{
		WorkerID:       best,
		RequiredBlocks: requiredBlocks,
		OverlapBlocks:  req.Overlaps.Get(best),
	}, nil
}

// softmaxSample samples a WorkerId from logits (lower is better) using a
// temperature-controlled softmax over negated min-max-normalised logits.
// temperature == 0 deterministically (save for tie-breaks) returns an
// argmin key. A single-key map always returns that key, for any
// temperature including 0, matching spec §8's testable properties.
func softmaxSample(logits map[WorkerId]float64, temperature float64, r *rand.Rand) WorkerId {
	if len(logits) == 0 {
		panic("softmaxSample: empty logits")
	}

	// Visit keys in sorted order so the draw depends only on the RNG, not
	// on Go's randomised map iteration order.
	keys := make([]WorkerId, 0, len(logits))
	for k := range logits {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	values := make([]float64, len(keys))
	for i, k := range keys {
		values[i] = logits[k]
	}

	if temperature == 0 {
		minVal := math.Inf(1)
		for _, v := range values {
			if v < minVal {
				minVal = v
			}
		}
		var minKeys []WorkerId
		for i, k := range keys {
			if values[i] == minVal {
				minKeys = append(minKeys, k)
			}
		}
		return minKeys[r.Intn(len(minKeys))]
	}

	minVal, maxVal := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
	}

	probabilities := make([]float64, len(values))
	if minVal == maxVal {
		// Preserve the equality check before the division by (max-min):
		// the source guards the degenerate all-equal case this way
		// rather than protecting the division itself (spec §9).
		uniform := 1.0 / float64(len(values))
		for i := range probabilities {
			probabilities[i] = uniform
		}
	} else {
		scaled := make([]float64, len(values))
		maxScaled := math.Inf(-1)
		for i, v := range values {
			norm := v / (maxVal - minVal)
			scaled[i] = -norm / temperature
			if scaled[i] > maxScaled {
				maxScaled = scaled[i]
			}
		}
		var sumExp float64
		expValues := make([]float64, len(values))
		for i, v := range scaled {
			expValues[i] = math.Exp(v - maxScaled)
			sumExp += expValues[i]
		}
		for i, v := range expValues {
			probabilities[i] = v / sumExp
		}
	}

	sample := r.Float64()
	var cumsum float64
	for i, p := range probabilities {
		cumsum += p
		if sample <= cumsum {
			return keys[i]
		}
	}
	return keys[len(keys)-1]
}
