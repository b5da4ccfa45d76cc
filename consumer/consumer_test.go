package consumer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ericvolp12/distributed-transcoder/eventbus"
	"github.com/ericvolp12/distributed-transcoder/store"
	"github.com/ericvolp12/distributed-transcoder/wire"
)

// fakeAcknowledger lets deliveries constructed in tests call Ack without a
// live AMQP channel behind them.
type fakeAcknowledger struct {
	mu     sync.Mutex
	acked  []uint64
	nacked []uint64
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, tag)
	return nil
}
func (f *fakeAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, tag)
	return nil
}
func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error { return nil }

func delivery(t *testing.T, v any) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return amqp.Delivery{Acknowledger: &fakeAcknowledger{}, Body: body}
}

// fakeStore covers only GetJob, the sole store method the consumer calls.
type fakeStore struct {
	store.Store
	jobs map[string]*store.Job
}

func (f *fakeStore) GetJob(ctx context.Context, jobID string) (*store.Job, error) {
	return f.jobs[jobID], nil
}

func TestOnProgressUpdatesTrackerAndBroadcasts(t *testing.T) {
	fs := &fakeStore{jobs: map[string]*store.Job{"job-1": {JobID: "job-1"}}}
	bus := eventbus.NewBus()
	tracker := eventbus.NewTracker()
	c := New(nil, fs, bus, tracker)

	sub := &fakeSubscriber{}
	bus.Add("job-1", sub)

	msg := wire.JobProgressMessage{JobID: "job-1", Progress: 33, Timestamp: 1}
	c.onProgress(context.Background(), delivery(t, msg))

	if got, ok := tracker.Get("job-1"); !ok || got.Progress != 33 {
		t.Fatalf("expected tracker to hold progress 33, got %+v (ok=%v)", got, ok)
	}
	if sub.count() != 1 {
		t.Fatalf("expected the subscriber to receive one progress frame, got %d", sub.count())
	}
}

func TestOnProgressDropsUnknownJob(t *testing.T) {
	fs := &fakeStore{jobs: map[string]*store.Job{}}
	bus := eventbus.NewBus()
	tracker := eventbus.NewTracker()
	c := New(nil, fs, bus, tracker)

	c.onProgress(context.Background(), delivery(t, wire.JobProgressMessage{JobID: "ghost", Progress: 1}))

	if _, ok := tracker.Get("ghost"); ok {
		t.Fatal("progress for an unknown job must not be tracked")
	}
}

func TestOnResultClearsTrackerAndBroadcastsCompletion(t *testing.T) {
	fs := &fakeStore{jobs: map[string]*store.Job{"job-1": {JobID: "job-1"}}}
	bus := eventbus.NewBus()
	tracker := eventbus.NewTracker()
	tracker.Update(wire.JobProgressMessage{JobID: "job-1", Progress: 90})
	c := New(nil, fs, bus, tracker)

	sub := &fakeSubscriber{}
	bus.Add("job-1", sub)

	c.onResult(context.Background(), delivery(t, wire.JobResultMessage{JobID: "job-1", Status: wire.StatusCompleted}))

	if _, ok := tracker.Get("job-1"); ok {
		t.Fatal("expected the tracker entry to be cleared on a result")
	}
	if sub.count() != 1 {
		t.Fatalf("expected exactly one completion frame, got %d", sub.count())
	}
	if bus.Count("job-1") != 0 {
		t.Fatal("expected the subscriber to be closed and deregistered after completion")
	}
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
