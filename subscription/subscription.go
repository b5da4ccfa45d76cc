// Package subscription implements the Subscription Endpoint: it upgrades a
// request to a websocket, replays terminal or last-known-progress state,
// registers the connection with the Event Manager, and idles until
// disconnect. Grounded on converter/thumbnailer's per-request upgrade/loop
// shape and on the original source's /progress/{job_id} handler protocol.
package subscription

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ericvolp12/distributed-transcoder/eventbus"
	"github.com/ericvolp12/distributed-transcoder/store"
	"github.com/ericvolp12/distributed-transcoder/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSubscriber adapts a gorilla websocket connection to eventbus.Subscriber.
type wsSubscriber struct {
	conn *websocket.Conn
	mu   chan struct{} // 1-buffered mutex; avoids concurrent writers on one conn
}

func newWSSubscriber(conn *websocket.Conn) *wsSubscriber {
	s := &wsSubscriber{conn: conn, mu: make(chan struct{}, 1)}
	s.mu <- struct{}{}
	return s
}

func (s *wsSubscriber) Send(v any) error {
	<-s.mu
	defer func() { s.mu <- struct{}{} }()
	return s.conn.WriteJSON(v)
}

func (s *wsSubscriber) Close() error {
	<-s.mu
	defer func() { s.mu <- struct{}{} }()
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}

// Endpoint wires the Event Manager and Progress Tracker into an HTTP handler.
type Endpoint struct {
	store   store.Store
	bus     *eventbus.Bus
	tracker *eventbus.Tracker
}

func New(s store.Store, bus *eventbus.Bus, tracker *eventbus.Tracker) *Endpoint {
	return &Endpoint{store: s, bus: bus, tracker: tracker}
}

// Subscribe handles GET /progress/{job_id}. It follows the protocol in
// spec §4.6 exactly: accept, replay terminal-or-progress state, register,
// idle until disconnect.
func (e *Endpoint) Subscribe(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("subscription: upgrade failed for job %s: %v", jobID, err)
		return
	}
	sub := newWSSubscriber(conn)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	job, err := e.store.GetJob(ctx, jobID)
	cancel()
	if err != nil {
		log.Printf("subscription: lookup job %s: %v", jobID, err)
		_ = sub.Close()
		return
	}

	if job == nil {
		if err := sub.Send(map[string]string{"error": "job not yet submitted"}); err != nil {
			return
		}
	} else if job.State.Terminal() {
		_ = sub.Send(terminalMessage(job))
		_ = sub.Close()
		return
	}

	if job != nil {
		if progress, ok := e.tracker.Get(jobID); ok {
			if err := sub.Send(progress); err != nil {
				return
			}
		}
	}

	e.bus.Add(jobID, sub)
	defer e.bus.Remove(jobID, sub)

	// Inbound frames are discarded; only disconnect matters (unidirectional
	// protocol after subscription, per spec §4.6).
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func terminalMessage(job *store.Job) wire.JobResultMessage {
	msg := wire.JobResultMessage{
		JobID:  job.JobID,
		Status: string(job.State),
	}
	if job.TranscodeEndedAt != nil {
		ts := job.TranscodeEndedAt.Unix()
		msg.Timestamp = &ts
	}
	if job.State == store.JobCompleted {
		out := job.OutputS3Path
		msg.OutputS3Path = &out
	}
	if job.Error != nil {
		msg.Error = job.Error
	}
	if job.ErrorType != nil {
		msg.ErrorType = job.ErrorType
	}
	return msg
}
