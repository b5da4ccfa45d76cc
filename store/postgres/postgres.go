// Package postgres provides the PostgreSQL-backed Store implementation.
// It uses pgx/v5 (pure Go, no CGO) and runs embedded migrations at startup.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ericvolp12/distributed-transcoder/auth"
	"github.com/ericvolp12/distributed-transcoder/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB implements store.Store using PostgreSQL via pgx/v5.
type DB struct {
	pool *pgxpool.Pool
}

// Open creates a connection pool, runs migrations, and returns a ready DB.
func Open(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	if err := runMigrations(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &DB{pool: pool}, nil
}

// RunMigrations applies all pending up-migrations against dsn.
// Safe to call multiple times — ErrNoChange is treated as success.
// Called by initdb (as exported) and by Open (internally).
func RunMigrations(dsn string) error { return runMigrations(dsn) }

func runMigrations(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("iofs source: %w", err)
	}
	migrateURL := toMigrateURL(dsn)
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL)
	if err != nil {
		return fmt.Errorf("migrate.New: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// toMigrateURL converts a postgres:// or postgresql:// DSN to the pgx5://
// scheme expected by golang-migrate's pgx/v5 driver.
func toMigrateURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + dsn[len(prefix):]
		}
	}
	return "pgx5://" + dsn
}

func (d *DB) Close() error {
	d.pool.Close()
	return nil
}

// SeedAdminUser creates an admin user with the given credentials only when
// the users table is empty (i.e. fresh deployment). It is a no-op if any
// user already exists.
func (d *DB) SeedAdminUser(ctx context.Context, username, password string) error {
	count, err := d.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return nil
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	_, err = d.CreateUser(ctx, username, hash)
	return err
}

// SeedDefaultPresets inserts the reference preset catalog if absent. Matches
// the original deployment's seed.py default presets, by name — idempotent.
func (d *DB) SeedDefaultPresets(ctx context.Context, presets []store.Preset) error {
	for _, p := range presets {
		_, err := d.pool.Exec(ctx, `
			INSERT INTO presets (name, input_type, output_type, pipeline)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (name) DO NOTHING
		`, p.Name, p.InputType, p.OutputType, p.Pipeline)
		if err != nil {
			return fmt.Errorf("seed preset %q: %w", p.Name, err)
		}
	}
	return nil
}

// ---- jobs ----

func (d *DB) CreateJob(ctx context.Context, j *store.Job) (*store.Job, error) {
	var out store.Job
	err := d.pool.QueryRow(ctx, `
		INSERT INTO jobs (job_id, input_s3_path, output_s3_path, pipeline, preset_id, state)
		VALUES ($1, $2, $3, $4, $5, 'queued')
		RETURNING id, job_id, input_s3_path, output_s3_path, pipeline, preset_id, state,
			error, error_type, created_at, updated_at, transcode_started_at, transcode_completed_at
	`, j.JobID, j.InputS3Path, j.OutputS3Path, j.Pipeline, j.PresetID).Scan(
		&out.ID, &out.JobID, &out.InputS3Path, &out.OutputS3Path, &out.Pipeline, &out.PresetID, &out.State,
		&out.Error, &out.ErrorType, &out.CreatedAt, &out.UpdatedAt, &out.TranscodeStartedAt, &out.TranscodeEndedAt,
	)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *DB) GetJob(ctx context.Context, jobID string) (*store.Job, error) {
	var j store.Job
	err := d.pool.QueryRow(ctx, `
		SELECT id, job_id, input_s3_path, output_s3_path, pipeline, preset_id, state,
			error, error_type, created_at, updated_at, transcode_started_at, transcode_completed_at
		FROM jobs WHERE job_id = $1
	`, jobID).Scan(
		&j.ID, &j.JobID, &j.InputS3Path, &j.OutputS3Path, &j.Pipeline, &j.PresetID, &j.State,
		&j.Error, &j.ErrorType, &j.CreatedAt, &j.UpdatedAt, &j.TranscodeStartedAt, &j.TranscodeEndedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return &j, err
}

func (d *DB) ListJobs(ctx context.Context) ([]*store.Job, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, job_id, input_s3_path, output_s3_path, pipeline, preset_id, state,
			error, error_type, created_at, updated_at, transcode_started_at, transcode_completed_at
		FROM jobs ORDER BY id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*store.Job
	for rows.Next() {
		var j store.Job
		if err := rows.Scan(
			&j.ID, &j.JobID, &j.InputS3Path, &j.OutputS3Path, &j.Pipeline, &j.PresetID, &j.State,
			&j.Error, &j.ErrorType, &j.CreatedAt, &j.UpdatedAt, &j.TranscodeStartedAt, &j.TranscodeEndedAt,
		); err != nil {
			return nil, err
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// Claim atomically transitions a job from queued to in-progress. The single
// UPDATE...WHERE...RETURNING statement is the sole serialization point
// between concurrent workers racing to claim the same job id.
func (d *DB) Claim(ctx context.Context, jobID, workerID string) (store.ClaimOutcome, *store.Job, error) {
	var j store.Job
	err := d.pool.QueryRow(ctx, `
		UPDATE jobs SET state = 'in-progress', transcode_started_at = now(), updated_at = now()
		WHERE job_id = $1 AND state = 'queued'
		RETURNING id, job_id, input_s3_path, output_s3_path, pipeline, preset_id, state,
			error, error_type, created_at, updated_at, transcode_started_at, transcode_completed_at
	`, jobID).Scan(
		&j.ID, &j.JobID, &j.InputS3Path, &j.OutputS3Path, &j.Pipeline, &j.PresetID, &j.State,
		&j.Error, &j.ErrorType, &j.CreatedAt, &j.UpdatedAt, &j.TranscodeStartedAt, &j.TranscodeEndedAt,
	)
	if err == nil {
		return store.ClaimClaimed, &j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", nil, err
	}

	// The UPDATE matched no row: figure out why by re-reading current state.
	existing, getErr := d.GetJob(ctx, jobID)
	if getErr != nil {
		return "", nil, getErr
	}
	if existing == nil {
		return store.ClaimNotFound, nil, nil
	}
	switch existing.State {
	case store.JobCancelled:
		return store.ClaimCancelled, existing, nil
	case store.JobInProgress:
		return store.ClaimInProgress, existing, nil
	default:
		return store.ClaimAlreadyTerminal, existing, nil
	}
}

// Finalize sets a terminal state and transcode-completed timestamp. Calling
// it twice with the same terminal status already in place is a no-op, not
// an error, per the idempotence requirement on the wire contract.
func (d *DB) Finalize(ctx context.Context, jobID string, status store.JobState, errMsg, errType *string) error {
	existing, err := d.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("finalize: job %s: %w", jobID, errNotFound)
	}
	if existing.State.Terminal() {
		if existing.State == status {
			return nil
		}
		return fmt.Errorf("finalize: job %s: %w (current=%s new=%s)", jobID, errIllegalTransition, existing.State, status)
	}

	// The state guard makes the write itself atomic against a concurrent
	// finalizer (e.g. the stall detector racing a worker).
	tag, err := d.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, error = $3, error_type = $4, transcode_completed_at = now(), updated_at = now()
		WHERE job_id = $1 AND state IN ('queued', 'in-progress')
	`, jobID, string(status), errMsg, errType)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		current, err := d.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if current != nil && current.State == status {
			return nil
		}
		return fmt.Errorf("finalize: job %s: %w (state changed concurrently, new=%s)", jobID, errIllegalTransition, status)
	}
	return nil
}

func (d *DB) CancelJob(ctx context.Context, jobID string) error {
	_, err := d.pool.Exec(ctx, `
		UPDATE jobs SET state = 'cancelled', updated_at = now()
		WHERE job_id = $1 AND state = 'queued'
	`, jobID)
	return err
}

func (d *DB) StaleInProgressJobs(ctx context.Context, olderThan time.Duration) ([]*store.Job, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, job_id, input_s3_path, output_s3_path, pipeline, preset_id, state,
			error, error_type, created_at, updated_at, transcode_started_at, transcode_completed_at
		FROM jobs
		WHERE state = 'in-progress' AND updated_at < $1
	`, time.Now().Add(-olderThan))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*store.Job
	for rows.Next() {
		var j store.Job
		if err := rows.Scan(
			&j.ID, &j.JobID, &j.InputS3Path, &j.OutputS3Path, &j.Pipeline, &j.PresetID, &j.State,
			&j.Error, &j.ErrorType, &j.CreatedAt, &j.UpdatedAt, &j.TranscodeStartedAt, &j.TranscodeEndedAt,
		); err != nil {
			return nil, err
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

var (
	errNotFound          = errors.New("job not found")
	errIllegalTransition = errors.New("illegal state transition")
)

// ---- presets ----

func (d *DB) CreatePreset(ctx context.Context, p *store.Preset) (*store.Preset, error) {
	var out store.Preset
	err := d.pool.QueryRow(ctx, `
		INSERT INTO presets (name, input_type, output_type, pipeline)
		VALUES ($1, $2, $3, $4)
		RETURNING preset_id, name, input_type, output_type, pipeline, created_at, updated_at
	`, p.Name, p.InputType, p.OutputType, p.Pipeline).Scan(
		&out.PresetID, &out.Name, &out.InputType, &out.OutputType, &out.Pipeline, &out.CreatedAt, &out.UpdatedAt,
	)
	return &out, err
}

func (d *DB) GetPreset(ctx context.Context, id uuid.UUID) (*store.Preset, error) {
	var p store.Preset
	err := d.pool.QueryRow(ctx, `
		SELECT preset_id, name, input_type, output_type, pipeline, created_at, updated_at
		FROM presets WHERE preset_id = $1
	`, id).Scan(&p.PresetID, &p.Name, &p.InputType, &p.OutputType, &p.Pipeline, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return &p, err
}

func (d *DB) ListPresets(ctx context.Context) ([]*store.Preset, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT preset_id, name, input_type, output_type, pipeline, created_at, updated_at
		FROM presets ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var presets []*store.Preset
	for rows.Next() {
		var p store.Preset
		if err := rows.Scan(&p.PresetID, &p.Name, &p.InputType, &p.OutputType, &p.Pipeline, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		presets = append(presets, &p)
	}
	return presets, rows.Err()
}

func (d *DB) UpdatePreset(ctx context.Context, id uuid.UUID, fields store.PresetUpdate) (*store.Preset, error) {
	var p store.Preset
	err := d.pool.QueryRow(ctx, `
		UPDATE presets SET
			name        = COALESCE($2, name),
			input_type  = COALESCE($3, input_type),
			output_type = COALESCE($4, output_type),
			pipeline    = COALESCE($5, pipeline),
			updated_at  = now()
		WHERE preset_id = $1
		RETURNING preset_id, name, input_type, output_type, pipeline, created_at, updated_at
	`, id, fields.Name, fields.InputType, fields.OutputType, fields.Pipeline).
		Scan(&p.PresetID, &p.Name, &p.InputType, &p.OutputType, &p.Pipeline, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return &p, err
}

func (d *DB) DeletePreset(ctx context.Context, id uuid.UUID) error {
	_, err := d.pool.Exec(ctx, `DELETE FROM presets WHERE preset_id = $1`, id)
	return err
}

// ---- playlists ----

// CreatePlaylist persists a playlist row and its ordered job memberships in
// a single transaction; the caller has already created the job rows
// themselves (via CreateJob) and passes their external ids in order.
func (d *DB) CreatePlaylist(ctx context.Context, name, inputPath string, jobIDs []string) (*store.Playlist, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var pl store.Playlist
	err = tx.QueryRow(ctx, `
		INSERT INTO playlists (name, input_s3_path) VALUES ($1, $2)
		RETURNING playlist_id, name, input_s3_path, created_at
	`, name, inputPath).Scan(&pl.PlaylistID, &pl.Name, &pl.InputS3Path, &pl.CreatedAt)
	if err != nil {
		return nil, err
	}

	for i, jobID := range jobIDs {
		var internalID int64
		if err := tx.QueryRow(ctx, `SELECT id FROM jobs WHERE job_id = $1`, jobID).Scan(&internalID); err != nil {
			return nil, fmt.Errorf("resolve job %s: %w", jobID, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO playlist_jobs (playlist_id, job_id, position) VALUES ($1, $2, $3)
		`, pl.PlaylistID, internalID, i); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	pl.JobIDs = jobIDs
	return &pl, nil
}

func (d *DB) GetPlaylist(ctx context.Context, id uuid.UUID) (*store.Playlist, error) {
	var pl store.Playlist
	err := d.pool.QueryRow(ctx, `
		SELECT playlist_id, name, input_s3_path, created_at FROM playlists WHERE playlist_id = $1
	`, id).Scan(&pl.PlaylistID, &pl.Name, &pl.InputS3Path, &pl.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := d.pool.Query(ctx, `
		SELECT j.job_id FROM playlist_jobs pj
		JOIN jobs j ON j.id = pj.job_id
		WHERE pj.playlist_id = $1
		ORDER BY pj.position
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var jobID string
		if err := rows.Scan(&jobID); err != nil {
			return nil, err
		}
		pl.JobIDs = append(pl.JobIDs, jobID)
	}
	return &pl, rows.Err()
}

// ---- users / sessions ----

func (d *DB) CreateUser(ctx context.Context, username, passwordHash string) (*store.User, error) {
	var u store.User
	err := d.pool.QueryRow(ctx, `
		INSERT INTO users (username, password_hash) VALUES ($1, $2)
		RETURNING id, username, password_hash, created_at
	`, username, passwordHash).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	return &u, err
}

func (d *DB) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	var u store.User
	err := d.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = $1`, username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return &u, err
}

func (d *DB) CountUsers(ctx context.Context) (int, error) {
	var count int
	err := d.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}

func (d *DB) CreateSession(ctx context.Context, userID int64, refreshToken string, expiresAt time.Time) (*store.Session, error) {
	var s store.Session
	err := d.pool.QueryRow(ctx, `
		INSERT INTO sessions (user_id, refresh_token, expires_at)
		VALUES ($1, $2, $3)
		RETURNING id, user_id, refresh_token, expires_at, created_at
	`, userID, refreshToken, expiresAt).
		Scan(&s.ID, &s.UserID, &s.RefreshToken, &s.ExpiresAt, &s.CreatedAt)
	return &s, err
}

func (d *DB) GetSessionByRefreshToken(ctx context.Context, refreshToken string) (*store.Session, error) {
	var s store.Session
	err := d.pool.QueryRow(ctx,
		`SELECT id, user_id, refresh_token, expires_at, created_at FROM sessions WHERE refresh_token = $1`,
		refreshToken,
	).Scan(&s.ID, &s.UserID, &s.RefreshToken, &s.ExpiresAt, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return &s, err
}

func (d *DB) DeleteSession(ctx context.Context, id uuid.UUID) error {
	_, err := d.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

func (d *DB) DeleteExpiredSessions(ctx context.Context) error {
	_, err := d.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < now()`)
	return err
}
