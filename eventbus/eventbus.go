// Package eventbus implements the Event Manager and Progress Tracker: the
// process-local, mutex-guarded singletons that fan job events out to
// subscribers and remember each job's last-known progress. Grounded on the
// source's EventManager (connections map, broadcast-with-reap,
// close-after-completion) and on the teacher's mutex-guarded subscriber
// bookkeeping.
package eventbus

import (
	"log"
	"sync"
	"time"

	"github.com/ericvolp12/distributed-transcoder/wire"
)

// Kind distinguishes a progress update from a terminal completion.
type Kind int

const (
	KindProgress Kind = iota
	KindCompletion
)

// Subscriber is anything that can receive a JSON-marshalable event and be
// closed. The Subscription Endpoint's websocket wrapper implements this.
type Subscriber interface {
	Send(v any) error
	Close() error
}

// Bus is the Event Manager: a per-job registry of live subscribers.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]Subscriber
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]Subscriber)}
}

// Add registers a subscriber for job_id.
func (b *Bus) Add(jobID string, s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[jobID] = append(b.subs[jobID], s)
}

// Remove deregisters a subscriber for job_id, if present.
func (b *Bus) Remove(jobID string, s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[jobID]
	for i, sub := range list {
		if sub == s {
			b.subs[jobID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[jobID]) == 0 {
		delete(b.subs, jobID)
	}
}

// Broadcast delivers payload to every live subscriber of job_id. Send
// failures drop that subscriber silently; a completion broadcast closes
// every subscriber (successfully sent or not) and clears the registry entry,
// so no progress frame for this job can be delivered after it returns.
func (b *Bus) Broadcast(jobID string, kind Kind, payload any) {
	b.mu.Lock()
	list := b.subs[jobID]
	delete(b.subs, jobID) // re-added below if any survive (progress kind only)
	b.mu.Unlock()

	var survivors []Subscriber
	for _, s := range list {
		if err := s.Send(payload); err != nil {
			log.Printf("eventbus: drop subscriber for job %s: %v", jobID, err)
			if kind == KindCompletion {
				_ = s.Close()
			}
			continue
		}
		if kind == KindCompletion {
			if err := s.Close(); err != nil {
				log.Printf("eventbus: close subscriber for job %s: %v", jobID, err)
			}
			continue
		}
		survivors = append(survivors, s)
	}

	if kind == KindProgress && len(survivors) > 0 {
		b.mu.Lock()
		b.subs[jobID] = append(survivors, b.subs[jobID]...)
		b.mu.Unlock()
	}
}

// Count reports the number of live subscribers for job_id (for tests/diagnostics).
func (b *Bus) Count(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}

// Tracker is the Progress Tracker: job id → latest progress message.
type Tracker struct {
	mu    sync.Mutex
	state map[string]wire.JobProgressMessage
}

func NewTracker() *Tracker {
	return &Tracker{state: make(map[string]wire.JobProgressMessage)}
}

// Update records the latest progress message for a job.
func (t *Tracker) Update(msg wire.JobProgressMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state[msg.JobID] = msg
}

// Get returns the latest progress message for a job, if any.
func (t *Tracker) Get(jobID string) (wire.JobProgressMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	msg, ok := t.state[jobID]
	return msg, ok
}

// Clear removes the tracked entry for a job (called when a result arrives).
func (t *Tracker) Clear(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.state, jobID)
}

// Live reports whether the tracked entry for jobID is within window of now,
// used by the Stall Detector to compute liveness.
func (t *Tracker) Live(jobID string, window time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	msg, ok := t.state[jobID]
	if !ok {
		return false
	}
	return time.Since(time.Unix(msg.Timestamp, 0)) < window
}
