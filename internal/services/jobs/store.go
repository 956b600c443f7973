// -----------------------------------------------------------------------
// Job Store - durable indexing job rows with a sticky terminal guard
// -----------------------------------------------------------------------

package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/models"
)

const maxListLimit = 50

// Store persists indexing jobs in the indexing_jobs table. Terminal
// stickiness and counter monotonicity are enforced in SQL so concurrent
// updaters cannot regress a row.
type Store struct {
	pool   *pgxpool.Pool
	logger arbor.ILogger
}

// NewStore creates a job store on an existing pool and ensures its schema
func NewStore(ctx context.Context, pool *pgxpool.Pool, logger arbor.ILogger) (*Store, error) {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS indexing_jobs (
			job_id TEXT PRIMARY KEY,
			index_name TEXT NOT NULL,
			source_url TEXT NOT NULL,
			status TEXT NOT NULL,
			initiated_by_user TEXT NOT NULL DEFAULT '',
			initiated_by_team TEXT NOT NULL DEFAULT '',
			scope TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ,
			duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			pages_discovered BIGINT NOT NULL DEFAULT 0,
			pages_processed BIGINT NOT NULL DEFAULT 0,
			pages_indexed BIGINT NOT NULL DEFAULT 0,
			total_chunks BIGINT NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			error_details JSONB,
			metadata JSONB
		)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create indexing_jobs table: %w", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS indexing_jobs_identity_idx
		ON indexing_jobs (scope, initiated_by_user, initiated_by_team, started_at DESC)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create indexing_jobs index: %w", err)
	}

	return &Store{pool: pool, logger: logger}, nil
}

// Create inserts the job row in status started. Re-creating an existing job
// id is an upsert of the identity context only, so a workflow retry lands on
// its original row without resetting progress.
func (s *Store) Create(ctx context.Context, job *models.IndexingJob) error {
	if !job.Scope.IsValid() {
		return fmt.Errorf("invalid job scope: %s", job.Scope)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO indexing_jobs (job_id, index_name, source_url, status,
			initiated_by_user, initiated_by_team, scope, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_id) DO UPDATE SET
			index_name = EXCLUDED.index_name,
			source_url = EXCLUDED.source_url,
			initiated_by_user = EXCLUDED.initiated_by_user,
			initiated_by_team = EXCLUDED.initiated_by_team,
			scope = EXCLUDED.scope,
			metadata = EXCLUDED.metadata`,
		job.JobID, job.IndexName, job.SourceURL, models.JobStatusStarted,
		job.InitiatedByUser, job.InitiatedByTeam, job.Scope, job.Metadata)
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.JobID, err)
	}

	s.logger.Info().
		Str("job_id", job.JobID).
		Str("index", job.IndexName).
		Str("source", job.SourceURL).
		Msg("Indexing job created")

	return nil
}

// UpdateStatus applies a job update. Counters ratchet with GREATEST, the
// terminal guard ignores updates to already-terminal rows, and a terminal
// transition stamps completed_at and duration_seconds exactly once.
func (s *Store) UpdateStatus(ctx context.Context, jobID string, update models.JobUpdate) error {
	if update.Status != "" && !update.Status.IsValid() {
		return fmt.Errorf("invalid job status: %s", update.Status)
	}

	progress := update.Progress
	if progress == nil {
		progress = &models.JobProgress{}
	}

	terminal := update.Status.IsTerminal()

	tag, err := s.pool.Exec(ctx, `
		UPDATE indexing_jobs SET
			status = CASE WHEN $2 = '' THEN status ELSE $2 END,
			pages_discovered = GREATEST(pages_discovered, $3),
			pages_processed = GREATEST(pages_processed, $4),
			pages_indexed = GREATEST(pages_indexed, $5),
			total_chunks = GREATEST(total_chunks, $6),
			error_message = CASE WHEN $7 = '' THEN error_message ELSE $7 END,
			error_details = COALESCE($8, error_details),
			completed_at = CASE WHEN $9 THEN now() ELSE completed_at END,
			duration_seconds = CASE WHEN $9 THEN EXTRACT(EPOCH FROM (now() - started_at)) ELSE duration_seconds END
		WHERE job_id = $1
		  AND status NOT IN ('completed', 'failed', 'timeout', 'cancelled')`,
		jobID, string(update.Status),
		progress.PagesDiscovered, progress.PagesProcessed, progress.PagesIndexed, progress.TotalChunks,
		update.ErrorMessage, update.ErrorDetails, terminal)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", jobID, err)
	}

	if tag.RowsAffected() == 0 {
		// already terminal or unknown; both are ignored per the state machine
		s.logger.Debug().Str("job_id", jobID).Str("status", string(update.Status)).Msg("Job update ignored")
	}

	return nil
}

// Get returns one job by id
func (s *Store) Get(ctx context.Context, jobID string) (*models.IndexingJob, error) {
	row := s.pool.QueryRow(ctx, selectJobSQL+" WHERE job_id = $1", jobID)

	job, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return job, nil
}

// ListByIdentity returns the identity's jobs, newest first. The limit is
// clamped to 50.
func (s *Store) ListByIdentity(ctx context.Context, identity models.Identity, limit int) ([]*models.IndexingJob, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	var rows pgx.Rows
	var err error
	switch identity.Scope {
	case models.ScopeUser:
		rows, err = s.pool.Query(ctx,
			selectJobSQL+" WHERE scope = 'user' AND initiated_by_user = $1 ORDER BY started_at DESC LIMIT $2",
			identity.UserID, limit)
	case models.ScopeTeam:
		rows, err = s.pool.Query(ctx,
			selectJobSQL+" WHERE scope = 'team' AND initiated_by_team = $1 ORDER BY started_at DESC LIMIT $2",
			identity.TeamID, limit)
	default:
		return nil, fmt.Errorf("invalid identity scope: %s", identity.Scope)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.IndexingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read job rows: %w", err)
	}

	return jobs, nil
}

// PruneTerminal deletes terminal jobs older than the retention window and
// returns how many rows were removed
func (s *Store) PruneTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM indexing_jobs
		WHERE status IN ('completed', 'failed', 'timeout', 'cancelled')
		  AND completed_at < now() - make_interval(secs => $1)`,
		olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

const selectJobSQL = `
	SELECT job_id, index_name, source_url, status,
		initiated_by_user, initiated_by_team, scope,
		started_at, completed_at, duration_seconds,
		pages_discovered, pages_processed, pages_indexed, total_chunks,
		error_message, error_details, metadata
	FROM indexing_jobs`

func scanJob(row pgx.Row) (*models.IndexingJob, error) {
	var job models.IndexingJob
	err := row.Scan(
		&job.JobID, &job.IndexName, &job.SourceURL, &job.Status,
		&job.InitiatedByUser, &job.InitiatedByTeam, &job.Scope,
		&job.StartedAt, &job.CompletedAt, &job.DurationSeconds,
		&job.Progress.PagesDiscovered, &job.Progress.PagesProcessed,
		&job.Progress.PagesIndexed, &job.Progress.TotalChunks,
		&job.ErrorMessage, &job.ErrorDetails, &job.Metadata)
	if err != nil {
		return nil, err
	}
	return &job, nil
}
