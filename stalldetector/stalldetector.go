// Package stalldetector implements the Stall Detector: a periodic sweep
// that finds in-progress jobs whose worker has gone silent and transitions
// them to the stalled terminal state. Grounded on the teacher's reconcile
// ticker loop shape (fixed-interval sweep, per-item error accumulation
// rather than abort-on-first-error).
package stalldetector

import (
	"context"
	"log"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/ericvolp12/distributed-transcoder/eventbus"
	"github.com/ericvolp12/distributed-transcoder/store"
	"github.com/ericvolp12/distributed-transcoder/wire"
)

const (
	sweepInterval  = 60 * time.Second
	staleThreshold = time.Minute
)

// Detector periodically stalls in-progress jobs with no recent progress.
type Detector struct {
	store   store.Store
	bus     *eventbus.Bus
	tracker *eventbus.Tracker
}

func New(s store.Store, bus *eventbus.Bus, tracker *eventbus.Tracker) *Detector {
	return &Detector{store: s, bus: bus, tracker: tracker}
}

// Run ticks every sweepInterval until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.sweep(ctx); err != nil {
				log.Printf("stalldetector: sweep error: %v", err)
			}
		}
	}
}

// sweep finds stale in-progress jobs and stalls the ones with no recent
// tracked progress, accumulating per-job failures rather than aborting the
// whole sweep on the first one.
func (d *Detector) sweep(ctx context.Context) error {
	jobs, err := d.store.StaleInProgressJobs(ctx, staleThreshold)
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, job := range jobs {
		if d.tracker.Live(job.JobID, staleThreshold) {
			continue
		}
		if err := d.stall(ctx, job); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// stall finalizes job as stalled and broadcasts a synthetic terminal
// message with null output/error fields, per spec §4.8 — a stall is not a
// classified pipeline error, so no error_type from the enumerated wire set
// applies.
func (d *Detector) stall(ctx context.Context, job *store.Job) error {
	if err := d.store.Finalize(ctx, job.JobID, store.JobStalled, nil, nil); err != nil {
		return err
	}

	ts := time.Now().Unix()
	msg := wire.JobResultMessage{
		JobID:     job.JobID,
		Status:    wire.StatusStalled,
		Timestamp: &ts,
	}
	d.bus.Broadcast(job.JobID, eventbus.KindCompletion, msg)
	return nil
}
