package router

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	changed   chan struct{}
	instances []WorkerId
	configs   map[WorkerId]*WorkerRuntimeConfig
}

func newFakeSource() *fakeSource {
	return &fakeSource{changed: make(chan struct{}, 1)}
}

func (f *fakeSource) Changed() <-chan struct{}                  { return f.changed }
func (f *fakeSource) Instances() []WorkerId                     { return f.instances }
func (f *fakeSource) Configs() map[WorkerId]*WorkerRuntimeConfig { return f.configs }

func (f *fakeSource) set(ids []WorkerId) {
	f.instances = ids
	select {
	case f.changed <- struct{}{}:
	default:
	}
}

func workerIDsOf(loads []PotentialLoad) []WorkerId {
	ids := make([]WorkerId, 0, len(loads))
	for _, l := range loads {
		ids = append(ids, l.WorkerID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func TestRunMembershipMonitor_AppliesInitialInstances(t *testing.T) {
	sequences := NewActiveSequences(16, nil)
	sched := NewScheduler(sequences, nil, 16, nil)

	src := newFakeSource()
	src.instances = []WorkerId{1, 2}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		RunMembershipMonitor(ctx, sched, src, src)
		close(done)
	}()

	require.Eventually(t, func() bool {
		loads := sched.GetPotentialLoads(nil, 1, nil)
		return len(workerIDsOf(loads)) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestRunMembershipMonitor_UpdatesOnChange(t *testing.T) {
	sequences := NewActiveSequences(16, nil)
	sched := NewScheduler(sequences, nil, 16, nil)

	src := newFakeSource()
	src.instances = []WorkerId{1}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		RunMembershipMonitor(ctx, sched, src, src)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(workerIDsOf(sched.GetPotentialLoads(nil, 1, nil))) == 1
	}, time.Second, 5*time.Millisecond)

	src.set([]WorkerId{1, 2, 3})

	require.Eventually(t, func() bool {
		ids := workerIDsOf(sched.GetPotentialLoads(nil, 1, nil))
		return assert.ObjectsAreEqual([]WorkerId{1, 2, 3}, ids)
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestRunMembershipMonitor_StopsOnContextCancel(t *testing.T) {
	sequences := NewActiveSequences(16, nil)
	sched := NewScheduler(sequences, nil, 16, nil)
	src := newFakeSource()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunMembershipMonitor(ctx, sched, src, src)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not exit after context cancellation")
	}
}

func TestMergeWorkers_AssignsConfigsByID(t *testing.T) {
	cfg := &WorkerRuntimeConfig{}
	merged := mergeWorkers([]WorkerId{1, 2}, map[WorkerId]*WorkerRuntimeConfig{1: cfg})
	assert.Same(t, cfg, merged[1])
	assert.Nil(t, merged[2])
	assert.Len(t, merged, 2)
}
