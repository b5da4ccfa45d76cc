// Package consumer implements the API-side Consumer: it binds the progress
// and results queues, updates the Progress Tracker, and drives the Event
// Manager's fan-out. It never finalizes job state itself — the worker has
// already done that; this is purely an observer for the subscriber path.
package consumer

import (
	"context"
	"encoding/json"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ericvolp12/distributed-transcoder/broker"
	"github.com/ericvolp12/distributed-transcoder/eventbus"
	"github.com/ericvolp12/distributed-transcoder/store"
	"github.com/ericvolp12/distributed-transcoder/wire"
)

// Consumer binds the two result-path queues and drives the event bus.
type Consumer struct {
	broker  *broker.Adapter
	store   store.Store
	bus     *eventbus.Bus
	tracker *eventbus.Tracker
}

func New(b *broker.Adapter, s store.Store, bus *eventbus.Bus, tracker *eventbus.Tracker) *Consumer {
	return &Consumer{broker: b, store: s, bus: bus, tracker: tracker}
}

// Run starts both binding loops. It blocks until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	progressDeliveries, err := c.broker.Consume("transcoding_progress", "api-consumer-progress")
	if err != nil {
		return err
	}
	resultsDeliveries, err := c.broker.Consume("transcoding_results", "api-consumer-results")
	if err != nil {
		return err
	}

	go c.consumeProgress(ctx, progressDeliveries)
	go c.consumeResults(ctx, resultsDeliveries)
	<-ctx.Done()
	return nil
}

func (c *Consumer) consumeProgress(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.onProgress(ctx, d)
		}
	}
}

func (c *Consumer) consumeResults(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.onResult(ctx, d)
		}
	}
}

// onProgress is on_progress(msg) from spec §4.7: verify job exists (drop and
// log if not), update the Progress Tracker, broadcast to subscribers.
func (c *Consumer) onProgress(ctx context.Context, d amqp.Delivery) {
	defer d.Ack(false)

	var msg wire.JobProgressMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		log.Printf("consumer: bad progress message: %v", err)
		return
	}

	job, err := c.store.GetJob(ctx, msg.JobID)
	if err != nil {
		log.Printf("consumer: lookup job %s: %v", msg.JobID, err)
		return
	}
	if job == nil {
		log.Printf("consumer: progress for unknown job %s, dropping", msg.JobID)
		return
	}

	c.tracker.Update(msg)
	c.bus.Broadcast(msg.JobID, eventbus.KindProgress, msg)
}

// onResult is on_result(msg) from spec §4.7: verify job exists, clear the
// Progress Tracker entry, and broadcast completion only for status in
// {completed, failed} — matching the source's result_callback exactly.
func (c *Consumer) onResult(ctx context.Context, d amqp.Delivery) {
	defer d.Ack(false)

	var msg wire.JobResultMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		log.Printf("consumer: bad result message: %v", err)
		return
	}

	job, err := c.store.GetJob(ctx, msg.JobID)
	if err != nil {
		log.Printf("consumer: lookup job %s: %v", msg.JobID, err)
		return
	}
	if job == nil {
		log.Printf("consumer: result for unknown job %s, dropping", msg.JobID)
		return
	}

	c.tracker.Clear(msg.JobID)

	if msg.Status == wire.StatusCompleted || msg.Status == wire.StatusFailed {
		c.bus.Broadcast(msg.JobID, eventbus.KindCompletion, msg)
	}
}
