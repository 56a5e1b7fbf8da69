package subscriber

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvfleet/kvrouter/internal/router"
)

func TestMemoryIndexer_ApplyAndOverlapScores(t *testing.T) {
	idx := NewMemoryIndexer()
	require.NoError(t, idx.Apply(RouterEvent{Kind: KindWorkerCacheUpdate, WorkerID: 1, Blocks: []uint64{10, 20, 30}}))

	scores := idx.OverlapScores([]router.SequenceHash{10, 20, 99})
	assert.Equal(t, uint32(2), scores.Get(1))
}

func TestMemoryIndexer_RemoveWorker(t *testing.T) {
	idx := NewMemoryIndexer()
	require.NoError(t, idx.Apply(RouterEvent{Kind: KindWorkerCacheUpdate, WorkerID: 1, Blocks: []uint64{10}}))
	require.NoError(t, idx.RemoveWorker(1))

	assert.Empty(t, idx.Workers())
	assert.Equal(t, uint32(0), idx.OverlapScores([]router.SequenceHash{10}).Get(1))
}

func TestMemoryIndexer_RemovalEventClearsWorker(t *testing.T) {
	idx := NewMemoryIndexer()
	require.NoError(t, idx.Apply(RouterEvent{Kind: KindWorkerCacheUpdate, WorkerID: 1, Blocks: []uint64{10}}))
	require.NoError(t, idx.Apply(RouterEvent{Kind: KindWorkerRemoved, WorkerID: 1}))

	assert.Empty(t, idx.Workers())
}

// Snapshot round-trip: dumping and replaying into a fresh indexer
// reproduces the same overlap answers (spec's testability property).
func TestMemoryIndexer_SnapshotRoundTrip(t *testing.T) {
	first := NewMemoryIndexer()
	require.NoError(t, first.Apply(RouterEvent{Kind: KindWorkerCacheUpdate, WorkerID: 1, Blocks: []uint64{1, 2, 3}}))
	require.NoError(t, first.Apply(RouterEvent{Kind: KindWorkerCacheUpdate, WorkerID: 2, Blocks: []uint64{5, 6}}))

	dump := first.Dump()

	second := NewMemoryIndexer()
	for _, ev := range dump {
		require.NoError(t, second.Apply(ev))
	}

	blockHashes := []router.SequenceHash{1, 2, 3, 4}
	assert.Equal(t, first.OverlapScores(blockHashes), second.OverlapScores(blockHashes))
	assert.ElementsMatch(t, first.Workers(), second.Workers())
}

func TestMemoryIndexer_ApplyIsIdempotent(t *testing.T) {
	idx := NewMemoryIndexer()
	ev := RouterEvent{Kind: KindWorkerCacheUpdate, WorkerID: 1, Blocks: []uint64{10, 20}}
	require.NoError(t, idx.Apply(ev))
	require.NoError(t, idx.Apply(ev))

	assert.Len(t, idx.Dump()[0].Blocks, 2)
}
