// Package store defines the persistence abstraction for the transcoder backend.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle tag of a Job. Legal transitions: queued →
// in-progress (Claim) or cancelled (CancelJob); in-progress → completed,
// failed or stalled (Finalize); the other four states are terminal.
type JobState string

const (
	JobQueued     JobState = "queued"
	JobInProgress JobState = "in-progress"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
	JobCancelled  JobState = "cancelled"
	JobStalled    JobState = "stalled"
)

// Terminal reports whether s is one of the terminal states.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobStalled:
		return true
	default:
		return false
	}
}

// Job is the central entity: a single transcoding task with durable state.
type Job struct {
	ID                 int64      `json:"-"`
	JobID              string     `json:"job_id"`
	InputS3Path        string     `json:"input_s3_path"`
	OutputS3Path       string     `json:"output_s3_path"`
	Pipeline           string     `json:"pipeline"`
	PresetID           *uuid.UUID `json:"preset_id,omitempty"`
	State              JobState   `json:"state"`
	Error              *string    `json:"error,omitempty"`
	ErrorType          *string    `json:"error_type,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	TranscodeStartedAt *time.Time `json:"transcode_started_at,omitempty"`
	TranscodeEndedAt   *time.Time `json:"transcode_completed_at,omitempty"`
}

// Preset is a named, typed pipeline template.
type Preset struct {
	PresetID   uuid.UUID `json:"preset_id"`
	Name       string    `json:"name"`
	InputType  string    `json:"input_type"`
	OutputType string    `json:"output_type"`
	Pipeline   string    `json:"pipeline"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PresetUpdate carries optional field updates for a preset, nil meaning "leave as is".
type PresetUpdate struct {
	Name       *string
	InputType  *string
	OutputType *string
	Pipeline   *string
}

// Playlist is a named grouping of jobs fanned out from one input across an
// ordered list of presets.
type Playlist struct {
	PlaylistID uuid.UUID `json:"playlist_id"`
	Name       string    `json:"name"`
	InputS3Path string   `json:"input_s3_path"`
	CreatedAt  time.Time `json:"created_at"`
	JobIDs     []string  `json:"job_ids"`
}

// User is the single administrative role gating preset/playlist mutation.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Session backs a refresh token issued at login.
type Session struct {
	ID           uuid.UUID `json:"id"`
	UserID       int64     `json:"user_id"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// ClaimOutcome is the result of attempting to claim a job for execution.
type ClaimOutcome string

const (
	ClaimClaimed        ClaimOutcome = "claimed"
	ClaimAlreadyTerminal ClaimOutcome = "already-terminal"
	ClaimInProgress      ClaimOutcome = "already-in-progress"
	ClaimCancelled       ClaimOutcome = "cancelled"
	ClaimNotFound        ClaimOutcome = "not-found"
)

// Store is the persistence abstraction. All methods are context-aware.
type Store interface {
	// ---- jobs ----
	CreateJob(ctx context.Context, j *Job) (*Job, error)
	GetJob(ctx context.Context, jobID string) (*Job, error)
	ListJobs(ctx context.Context) ([]*Job, error)
	Claim(ctx context.Context, jobID, workerID string) (ClaimOutcome, *Job, error)
	Finalize(ctx context.Context, jobID string, status JobState, errMsg, errType *string) error
	CancelJob(ctx context.Context, jobID string) error
	StaleInProgressJobs(ctx context.Context, olderThan time.Duration) ([]*Job, error)

	// ---- presets ----
	CreatePreset(ctx context.Context, p *Preset) (*Preset, error)
	GetPreset(ctx context.Context, id uuid.UUID) (*Preset, error)
	ListPresets(ctx context.Context) ([]*Preset, error)
	UpdatePreset(ctx context.Context, id uuid.UUID, fields PresetUpdate) (*Preset, error)
	DeletePreset(ctx context.Context, id uuid.UUID) error

	// ---- playlists ----
	CreatePlaylist(ctx context.Context, name, inputPath string, jobIDs []string) (*Playlist, error)
	GetPlaylist(ctx context.Context, id uuid.UUID) (*Playlist, error)

	// ---- users / sessions ----
	CreateUser(ctx context.Context, username, passwordHash string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	CountUsers(ctx context.Context) (int, error)
	CreateSession(ctx context.Context, userID int64, refreshToken string, expiresAt time.Time) (*Session, error)
	GetSessionByRefreshToken(ctx context.Context, refreshToken string) (*Session, error)
	DeleteSession(ctx context.Context, id uuid.UUID) error
	DeleteExpiredSessions(ctx context.Context) error

	// ---- lifecycle ----
	Close() error
}
