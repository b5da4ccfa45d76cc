package eventbus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ericvolp12/distributed-transcoder/wire"
)

type fakeSubscriber struct {
	mu      sync.Mutex
	sent    []any
	closed  bool
	sendErr error
}

func (f *fakeSubscriber) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeSubscriber) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSubscriber) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSubscriber) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestBusBroadcastProgressKeepsLiveSubscribers(t *testing.T) {
	b := NewBus()
	sub := &fakeSubscriber{}
	b.Add("job-1", sub)

	b.Broadcast("job-1", KindProgress, wire.JobProgressMessage{JobID: "job-1", Progress: 50})

	if sub.sentCount() != 1 {
		t.Fatalf("expected 1 send, got %d", sub.sentCount())
	}
	if sub.isClosed() {
		t.Fatal("progress broadcast must not close subscribers")
	}
	if b.Count("job-1") != 1 {
		t.Fatalf("expected subscriber to remain registered, count=%d", b.Count("job-1"))
	}
}

func TestBusBroadcastCompletionClosesSubscribers(t *testing.T) {
	b := NewBus()
	sub := &fakeSubscriber{}
	b.Add("job-1", sub)

	b.Broadcast("job-1", KindCompletion, wire.JobResultMessage{JobID: "job-1", Status: wire.StatusCompleted})

	if !sub.isClosed() {
		t.Fatal("completion broadcast must close the subscriber")
	}
	if b.Count("job-1") != 0 {
		t.Fatalf("registry must be empty after a completion broadcast, got %d", b.Count("job-1"))
	}
}

func TestBusBroadcastDropsFailedSendersWithoutAffectingOthers(t *testing.T) {
	b := NewBus()
	bad := &fakeSubscriber{sendErr: errors.New("broken pipe")}
	good := &fakeSubscriber{}
	b.Add("job-1", bad)
	b.Add("job-1", good)

	b.Broadcast("job-1", KindProgress, wire.JobProgressMessage{JobID: "job-1", Progress: 10})

	if good.sentCount() != 1 {
		t.Fatalf("expected the healthy subscriber to receive the broadcast, got %d sends", good.sentCount())
	}
	if b.Count("job-1") != 1 {
		t.Fatalf("expected the failed subscriber to be reaped, registry has %d entries", b.Count("job-1"))
	}
}

func TestBusRemove(t *testing.T) {
	b := NewBus()
	sub := &fakeSubscriber{}
	b.Add("job-1", sub)
	b.Remove("job-1", sub)
	if b.Count("job-1") != 0 {
		t.Fatalf("expected registry to be empty after Remove, got %d", b.Count("job-1"))
	}
}

func TestTrackerUpdateGetClear(t *testing.T) {
	tr := NewTracker()
	if _, ok := tr.Get("job-1"); ok {
		t.Fatal("expected no entry before Update")
	}

	msg := wire.JobProgressMessage{JobID: "job-1", Progress: 42, Timestamp: time.Now().Unix()}
	tr.Update(msg)

	got, ok := tr.Get("job-1")
	if !ok || got.Progress != 42 {
		t.Fatalf("expected tracked progress 42, got %+v (ok=%v)", got, ok)
	}

	tr.Clear("job-1")
	if _, ok := tr.Get("job-1"); ok {
		t.Fatal("expected entry to be gone after Clear")
	}
}

func TestTrackerLive(t *testing.T) {
	tr := NewTracker()
	tr.Update(wire.JobProgressMessage{JobID: "job-1", Timestamp: time.Now().Unix()})
	if !tr.Live("job-1", time.Minute) {
		t.Fatal("expected a fresh update to be live within a minute window")
	}

	tr.Update(wire.JobProgressMessage{JobID: "job-2", Timestamp: time.Now().Add(-2 * time.Minute).Unix()})
	if tr.Live("job-2", time.Minute) {
		t.Fatal("expected a stale update to be reported as not live")
	}

	if tr.Live("job-missing", time.Minute) {
		t.Fatal("expected an absent job to be reported as not live")
	}
}
