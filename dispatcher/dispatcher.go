// Package dispatcher implements the Dispatcher (API side): it validates a
// submission, persists the queued job, and publishes a work message — in
// that order, deliberately, per spec §4.5's Open Question (a).
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ericvolp12/distributed-transcoder/broker"
	"github.com/ericvolp12/distributed-transcoder/store"
	"github.com/ericvolp12/distributed-transcoder/wire"
)

var (
	ErrBadRequest = errors.New("submission must specify exactly one of preset_id or pipeline")
	ErrNotFound   = errors.New("preset not found")
)

// Request carries the fields of a job submission.
type Request struct {
	JobID        string
	InputS3Path  string
	OutputS3Path string
	PresetID     *uuid.UUID
	Pipeline     string
}

// Publisher is the narrow slice of broker.Adapter the dispatcher needs,
// letting tests exercise Submit/SubmitPlaylist without a real AMQP broker.
type Publisher interface {
	PublishToQueue(ctx context.Context, queue string, v any) error
}

// Dispatcher persists jobs and publishes work messages.
type Dispatcher struct {
	store  store.Store
	broker Publisher
}

func New(s store.Store, b *broker.Adapter) *Dispatcher {
	return &Dispatcher{store: s, broker: b}
}

// Submit validates, persists, and publishes a single job.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (*store.Job, error) {
	pipeline := req.Pipeline
	if req.PresetID != nil {
		preset, err := d.store.GetPreset(ctx, *req.PresetID)
		if err != nil {
			return nil, fmt.Errorf("resolve preset: %w", err)
		}
		if preset == nil {
			return nil, ErrNotFound
		}
		pipeline = preset.Pipeline
	} else if pipeline == "" {
		return nil, ErrBadRequest
	}

	job := &store.Job{
		JobID:        req.JobID,
		InputS3Path:  req.InputS3Path,
		OutputS3Path: req.OutputS3Path,
		Pipeline:     pipeline,
		PresetID:     req.PresetID,
		State:        store.JobQueued,
	}
	created, err := d.store.CreateJob(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}

	msg := wire.JobSubmissionMessage{
		JobID:            created.JobID,
		InputS3Path:      created.InputS3Path,
		OutputS3Path:     created.OutputS3Path,
		TranscodeOptions: created.Pipeline,
	}
	if err := d.broker.PublishToQueue(ctx, broker.WorkQueue, msg); err != nil {
		// The job is already durably queued; a publish failure here is a
		// transient broker problem. We surface it to the caller so an
		// external retry of the submission can occur, but we do not roll
		// back the persisted row — a worker consuming a later republish of
		// the same job_id will just re-resolve the same queued state.
		return created, fmt.Errorf("publish job submission: %w", err)
	}
	return created, nil
}

// PlaylistRequest fans one input path across an ordered list of presets.
type PlaylistRequest struct {
	Name        string
	InputS3Path string
	PresetIDs   []uuid.UUID
}

// SubmitPlaylist creates a playlist with its deterministically IDed member
// jobs (`{playlist_id}-{index}`), submitting one job per preset in order.
// Each job is persisted and published by Submit in turn; the playlist row
// and its memberships are written in one transaction only after every job
// is submitted, so jobs submitted before a failure stay queued with no
// playlist. This is not named as a distinct component in the distilled
// spec's component table, but Playlist is a named Data Model entity and
// scenario 6 in §8 requires exactly this behavior — supplemented here.
func (d *Dispatcher) SubmitPlaylist(ctx context.Context, req PlaylistRequest) (*store.Playlist, error) {
	if len(req.PresetIDs) == 0 {
		return nil, ErrBadRequest
	}

	playlistID := uuid.New()
	jobIDs := make([]string, 0, len(req.PresetIDs))
	for i, presetID := range req.PresetIDs {
		presetID := presetID
		jobID := fmt.Sprintf("%s-%d", playlistID, i)
		outputPath := fmt.Sprintf("%s.out", jobID)
		if _, err := d.Submit(ctx, Request{
			JobID:        jobID,
			InputS3Path:  req.InputS3Path,
			OutputS3Path: outputPath,
			PresetID:     &presetID,
		}); err != nil {
			return nil, fmt.Errorf("submit playlist job %s: %w", jobID, err)
		}
		jobIDs = append(jobIDs, jobID)
	}

	return d.store.CreatePlaylist(ctx, req.Name, req.InputS3Path, jobIDs)
}
