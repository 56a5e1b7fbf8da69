package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvfleet/kvrouter/internal/metadata"
	"github.com/kvfleet/kvrouter/internal/router"
)

type fakeStore struct {
	workerEvents chan metadata.Event
}

func (f *fakeStore) RegisterRouter(context.Context, string, string) error   { return nil }
func (f *fakeStore) DeregisterRouter(context.Context, string, string) error { return nil }
func (f *fakeStore) WatchRouters(context.Context, string) (<-chan metadata.Event, error) {
	return make(chan metadata.Event), nil
}
func (f *fakeStore) WatchWorkers(context.Context, string) (<-chan metadata.Event, error) {
	return f.workerEvents, nil
}
func (f *fakeStore) ListRouterUUIDs(context.Context, string) ([]string, error) { return nil, nil }
func (f *fakeStore) AcquireLock(context.Context, string, string) (metadata.Lock, error) {
	return nil, metadata.ErrLockHeld
}

func TestMetadataMembership_TracksPutAndDelete(t *testing.T) {
	store := &fakeStore{workerEvents: make(chan metadata.Event, 4)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, err := NewMetadataMembership(ctx, store, "kvrouter")
	require.NoError(t, err)

	store.workerEvents <- metadata.Event{Op: metadata.OpPut, Key: "generate.kvrouter.worker:7"}
	require.Eventually(t, func() bool {
		return len(m.Instances()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []router.WorkerId{7}, m.Instances())

	cfgs := m.Configs()
	require.Contains(t, cfgs, router.WorkerId(7))
	assert.Nil(t, cfgs[router.WorkerId(7)])

	store.workerEvents <- metadata.Event{Op: metadata.OpDelete, Key: "generate.kvrouter.worker:7"}
	require.Eventually(t, func() bool {
		return len(m.Instances()) == 0
	}, time.Second, time.Millisecond)
}

func TestMetadataMembership_MalformedKeyIsSkipped(t *testing.T) {
	store := &fakeStore{workerEvents: make(chan metadata.Event, 4)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, err := NewMetadataMembership(ctx, store, "kvrouter")
	require.NoError(t, err)

	store.workerEvents <- metadata.Event{Op: metadata.OpPut, Key: "no-colon"}
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, m.Instances())
}
