package subscriber

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvfleet/kvrouter/internal/metadata"
	"github.com/kvfleet/kvrouter/internal/natstest"
	"github.com/kvfleet/kvrouter/internal/router"
)

func TestSubscriber_BootstrapReplaysSnapshot(t *testing.T) {
	srv := natstest.StartServer(t)
	conn := natstest.Connect(t, srv)
	meta := metadata.NewNATSStore(conn)
	indexer := NewMemoryIndexer()

	sub := New(conn, meta, indexer, nil, Config{
		Component:  "comp",
		RouterUUID: "router-a",
	})

	seed := []RouterEvent{
		{Kind: KindWorkerCacheUpdate, WorkerID: 7, Blocks: []uint64{1, 2, 3}},
	}
	data, err := json.Marshal(seed)
	require.NoError(t, err)

	store, err := conn.JS.CreateObjectStore(&nats.ObjectStoreConfig{Bucket: sub.objBucket})
	require.NoError(t, err)
	_, err = store.PutBytes(snapshotObjectKey, data)
	require.NoError(t, err)

	require.NoError(t, sub.bootstrap(context.Background()))

	assert.ElementsMatch(t, []router.WorkerId{7}, indexer.Workers())
	scores := indexer.OverlapScores([]router.SequenceHash{1, 2, 3})
	assert.Equal(t, uint32(3), scores.Get(7))
}

func TestSubscriber_BootstrapResetDeletesSnapshot(t *testing.T) {
	srv := natstest.StartServer(t)
	conn := natstest.Connect(t, srv)
	meta := metadata.NewNATSStore(conn)
	indexer := NewMemoryIndexer()

	sub := New(conn, meta, indexer, nil, Config{
		Component:  "comp",
		RouterUUID: "router-a",
		Reset:      true,
	})

	seed := []RouterEvent{{Kind: KindWorkerCacheUpdate, WorkerID: 7, Blocks: []uint64{1}}}
	data, err := json.Marshal(seed)
	require.NoError(t, err)
	store, err := conn.JS.CreateObjectStore(&nats.ObjectStoreConfig{Bucket: sub.objBucket})
	require.NoError(t, err)
	_, err = store.PutBytes(snapshotObjectKey, data)
	require.NoError(t, err)

	require.NoError(t, sub.bootstrap(context.Background()))

	assert.Empty(t, indexer.Workers())
	_, err = conn.JS.ObjectStore(sub.objBucket)
	assert.Error(t, err)
}

func TestSubscriber_ReapOrphanedConsumers(t *testing.T) {
	srv := natstest.StartServer(t)
	conn := natstest.Connect(t, srv)
	meta := metadata.NewNATSStore(conn)
	indexer := NewMemoryIndexer()

	sub := New(conn, meta, indexer, nil, Config{
		Component:  "comp",
		RouterUUID: "router-self",
	})
	require.NoError(t, sub.ensureStream())

	for _, name := range []string{"router-self", "router-live", "router-dead"} {
		_, err := conn.JS.AddConsumer(sub.streamName, &nats.ConsumerConfig{
			Durable:   name,
			AckPolicy: nats.AckExplicitPolicy,
		})
		require.NoError(t, err)
	}
	require.NoError(t, meta.RegisterRouter(context.Background(), "comp", "router-self"))
	require.NoError(t, meta.RegisterRouter(context.Background(), "comp", "router-live"))

	require.NoError(t, sub.reapOrphanedConsumers(context.Background()))

	_, err := conn.JS.ConsumerInfo(sub.streamName, "router-dead")
	assert.ErrorIs(t, err, nats.ErrConsumerNotFound)

	_, err = conn.JS.ConsumerInfo(sub.streamName, "router-self")
	assert.NoError(t, err)
	_, err = conn.JS.ConsumerInfo(sub.streamName, "router-live")
	assert.NoError(t, err)
}

func TestSubscriber_MaintainSnapshotPurgesAndUploads(t *testing.T) {
	srv := natstest.StartServer(t)
	conn := natstest.Connect(t, srv)
	meta := metadata.NewNATSStore(conn)
	indexer := NewMemoryIndexer()
	require.NoError(t, indexer.Apply(RouterEvent{Kind: KindWorkerCacheUpdate, WorkerID: 3, Blocks: []uint64{9}}))

	sub := New(conn, meta, indexer, nil, Config{
		Component:         "comp",
		RouterUUID:        "router-a",
		SnapshotThreshold: 0,
	})
	require.NoError(t, sub.ensureStream())

	require.NoError(t, conn.NC.Publish(sub.streamName+".events", []byte(`{"kind":"worker_cache_update","worker_id":3,"blocks":[9]}`)))
	require.NoError(t, conn.NC.Flush())

	require.Eventually(t, func() bool {
		info, err := conn.JS.StreamInfo(sub.streamName)
		return err == nil && info.State.Msgs > 0
	}, 2*time.Second, 10*time.Millisecond)

	sub.maintainSnapshot(context.Background())

	info, err := conn.JS.StreamInfo(sub.streamName)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), info.State.Msgs)

	store, err := conn.JS.ObjectStore(sub.objBucket)
	require.NoError(t, err)
	raw, err := store.GetBytes(snapshotObjectKey)
	require.NoError(t, err)

	var dumped []RouterEvent
	require.NoError(t, json.Unmarshal(raw, &dumped))
	require.Len(t, dumped, 1)
	assert.Equal(t, int64(3), dumped[0].WorkerID)
	assert.Equal(t, []uint64{9}, dumped[0].Blocks)
}

func TestSubscriber_RunAppliesStreamedEventAndShutsDownCleanly(t *testing.T) {
	srv := natstest.StartServer(t)
	conn := natstest.Connect(t, srv)
	meta := metadata.NewNATSStore(conn)
	indexer := NewMemoryIndexer()

	sub := New(conn, meta, indexer, nil, Config{
		Component:  "comp",
		RouterUUID: "router-a",
	})
	require.NoError(t, meta.RegisterRouter(context.Background(), "comp", "router-a"))

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- sub.Run(ctx) }()

	ev := RouterEvent{Kind: KindWorkerCacheUpdate, WorkerID: 42, Blocks: []uint64{5, 6}}
	payload, err := ev.Encode()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return conn.NC.Publish(sub.streamName+".events", payload) == nil
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, conn.NC.Flush())

	require.Eventually(t, func() bool {
		for _, id := range indexer.Workers() {
			if id == router.WorkerId(42) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber Run did not exit after context cancellation")
	}
}
