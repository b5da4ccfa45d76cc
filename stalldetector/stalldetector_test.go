package stalldetector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ericvolp12/distributed-transcoder/eventbus"
	"github.com/ericvolp12/distributed-transcoder/store"
	"github.com/ericvolp12/distributed-transcoder/wire"
)

// fakeStore implements store.Store with just enough behavior to exercise
// the stall sweep: StaleInProgressJobs and Finalize are the only methods
// the detector calls.
type fakeStore struct {
	store.Store // embedded nil; any unexercised method panics loudly

	mu        sync.Mutex
	stale     []*store.Job
	finalized map[string]store.JobState
}

func newFakeStore(stale []*store.Job) *fakeStore {
	return &fakeStore{stale: stale, finalized: make(map[string]store.JobState)}
}

func (f *fakeStore) StaleInProgressJobs(ctx context.Context, olderThan time.Duration) ([]*store.Job, error) {
	return f.stale, nil
}

func (f *fakeStore) Finalize(ctx context.Context, jobID string, status store.JobState, errMsg, errType *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if errMsg != nil || errType != nil {
		return errors.New("stall finalize must pass nil error fields")
	}
	f.finalized[jobID] = status
	return nil
}

func (f *fakeStore) finalizedState(jobID string) (store.JobState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.finalized[jobID]
	return s, ok
}

type fakeSubscriber struct {
	mu   sync.Mutex
	msgs []any
}

func (f *fakeSubscriber) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, v)
	return nil
}
func (f *fakeSubscriber) Close() error { return nil }

func (f *fakeSubscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func TestDetectorStallsDeadJob(t *testing.T) {
	job := &store.Job{JobID: "dead-job"}
	fs := newFakeStore([]*store.Job{job})
	bus := eventbus.NewBus()
	tracker := eventbus.NewTracker()

	sub := &fakeSubscriber{}
	bus.Add("dead-job", sub)

	d := New(fs, bus, tracker)
	if err := d.sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	state, ok := fs.finalizedState("dead-job")
	if !ok || state != store.JobStalled {
		t.Fatalf("expected dead-job to be finalized stalled, got state=%v ok=%v", state, ok)
	}
	if sub.count() != 1 {
		t.Fatalf("expected the subscriber to receive exactly one synthetic terminal message, got %d", sub.count())
	}
	if bus.Count("dead-job") != 0 {
		t.Fatal("expected the subscriber to be closed and deregistered after a stall broadcast")
	}
}

func TestDetectorSkipsLiveJob(t *testing.T) {
	job := &store.Job{JobID: "live-job"}
	fs := newFakeStore([]*store.Job{job})
	bus := eventbus.NewBus()
	tracker := eventbus.NewTracker()
	tracker.Update(wire.JobProgressMessage{JobID: "live-job", Timestamp: time.Now().Unix()})

	d := New(fs, bus, tracker)
	if err := d.sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if _, ok := fs.finalizedState("live-job"); ok {
		t.Fatal("a job with recent tracked progress must not be stalled")
	}
}

func TestDetectorAccumulatesErrorsAcrossJobs(t *testing.T) {
	ok := &store.Job{JobID: "ok-job"}
	bad := &store.Job{JobID: "finalize-fails"}
	fs := &fakeStore{stale: []*store.Job{ok, bad}, finalized: make(map[string]store.JobState)}
	// Force one job's finalize to fail by pre-seeding a conflicting state
	// check isn't modeled here; instead simulate via a wrapper store.
	failing := &finalizeFailingStore{fakeStore: fs, failJobID: "finalize-fails"}

	bus := eventbus.NewBus()
	tracker := eventbus.NewTracker()
	d := New(failing, bus, tracker)

	if err := d.sweep(context.Background()); err == nil {
		t.Fatal("expected sweep to surface the per-job finalize error")
	}

	if _, ok := fs.finalizedState("ok-job"); !ok {
		t.Fatal("expected the healthy job to still be stalled despite the other job's failure")
	}
}

type finalizeFailingStore struct {
	*fakeStore
	failJobID string
}

func (f *finalizeFailingStore) Finalize(ctx context.Context, jobID string, status store.JobState, errMsg, errType *string) error {
	if jobID == f.failJobID {
		return errors.New("simulated finalize failure")
	}
	return f.fakeStore.Finalize(ctx, jobID, status, errMsg, errType)
}
