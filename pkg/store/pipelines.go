package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/plectr/plectr/pkg/api"
)

// JobSpec is one job parsed out of a commit's pipeline file.
type JobSpec struct {
	Name      string
	Stage     string
	Image     string
	Script    []string
	Artifacts []string
}

// CreatePipeline inserts a running pipeline for a commit. Jobs are inserted
// separately, one per spec that found a runner.
func (s *Store) CreatePipeline(ctx context.Context, repoID, commitID uuid.UUID) (uuid.UUID, error) {
	var pipelineID uuid.UUID
	row := s.db.QueryRowxContext(ctx,
		`INSERT INTO pipelines (repo_id, commit_id, status) VALUES ($1, $2, 'running') RETURNING id`,
		repoID, commitID)
	if err := row.Scan(&pipelineID); err != nil {
		return uuid.Nil, internal(err, "failed to insert pipeline")
	}
	return pipelineID, nil
}

// InsertJob records a pending job already bound to the runner that will
// execute it. A spec with no runner never gets a job row.
func (s *Store) InsertJob(ctx context.Context, pipelineID, runnerID uuid.UUID, spec JobSpec) (uuid.UUID, error) {
	script, err := json.Marshal(spec.Script)
	if err != nil {
		return uuid.Nil, internal(err, "failed to encode script for job %q", spec.Name)
	}
	var jobID uuid.UUID
	row := s.db.QueryRowxContext(ctx, `
		INSERT INTO jobs (pipeline_id, name, stage, image, script, status, runner_id)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6) RETURNING id`,
		pipelineID, spec.Name, spec.Stage, spec.Image, script, runnerID)
	if err := row.Scan(&jobID); err != nil {
		return uuid.Nil, internal(err, "failed to insert job %q", spec.Name)
	}
	return jobID, nil
}

// MarkJobStarted records the dispatching runner and the start time.
func (s *Store) MarkJobStarted(ctx context.Context, jobID, runnerID uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'running', runner_id = $2, started_at = NOW()
		WHERE id = $1`, jobID, runnerID); err != nil {
		return internal(err, "failed to mark job %s started", jobID)
	}
	return nil
}

// AppendJobLog concatenates a log chunk onto the job's transcript.
func (s *Store) AppendJobLog(ctx context.Context, jobID uuid.UUID, chunk string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET logs = COALESCE(logs, '') || $2 WHERE id = $1`, jobID, chunk); err != nil {
		return internal(err, "failed to append log for job %s", jobID)
	}
	return nil
}

// FinishJob records the terminal status and exit code of a job and returns
// its pipeline id so the caller can recompute the aggregate.
func (s *Store) FinishJob(ctx context.Context, jobID uuid.UUID, status api.Status, exitCode int) (uuid.UUID, error) {
	var pipelineID uuid.UUID
	err := s.db.GetContext(ctx, &pipelineID, `
		UPDATE jobs SET status = $2, exit_code = $3, finished_at = NOW()
		WHERE id = $1 RETURNING pipeline_id`, jobID, status, exitCode)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, api.NewError(api.KindNotFound, "job %s not found", jobID)
	}
	if err != nil {
		return uuid.Nil, internal(err, "failed to finish job %s", jobID)
	}
	return pipelineID, nil
}

// JobStatuses lists the statuses of every job in a pipeline.
func (s *Store) JobStatuses(ctx context.Context, pipelineID uuid.UUID) ([]api.Status, error) {
	var statuses []api.Status
	if err := s.db.SelectContext(ctx, &statuses,
		`SELECT status FROM jobs WHERE pipeline_id = $1`, pipelineID); err != nil {
		return nil, internal(err, "failed to read job statuses")
	}
	return statuses, nil
}

// AggregateStatus folds job statuses into a pipeline status. Any live job
// keeps the pipeline running; once all jobs settle, any non-success makes
// the pipeline failed.
func AggregateStatus(statuses []api.Status) api.Status {
	if len(statuses) == 0 {
		return api.StatusSuccess
	}
	settled := api.StatusSuccess
	for _, status := range statuses {
		switch status {
		case api.StatusPending, api.StatusRunning:
			return api.StatusRunning
		case api.StatusFailed, api.StatusCancelled:
			settled = api.StatusFailed
		}
	}
	return settled
}

// FinishPipeline records a terminal pipeline status.
func (s *Store) FinishPipeline(ctx context.Context, pipelineID uuid.UUID, status api.Status) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE pipelines SET status = $2, finished_at = NOW() WHERE id = $1`,
		pipelineID, status); err != nil {
		return internal(err, "failed to finish pipeline %s", pipelineID)
	}
	return nil
}

// PipelineRow is one row of the per-repo pipeline listing.
type PipelineRow struct {
	ID            uuid.UUID    `db:"id" json:"id"`
	CommitID      uuid.UUID    `db:"commit_id" json:"commit_id"`
	CommitMessage string       `db:"commit_message" json:"commit_message"`
	Status        api.Status   `db:"status" json:"status"`
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
	FinishedAt    sql.NullTime `db:"finished_at" json:"-"`
}

// ListPipelines returns a repo's pipelines, newest first.
func (s *Store) ListPipelines(ctx context.Context, repoName string) ([]PipelineRow, error) {
	var rows []PipelineRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT p.id, p.commit_id, c.message AS commit_message, p.status, p.created_at, p.finished_at
		FROM pipelines p
		JOIN repositories r ON p.repo_id = r.id
		JOIN commits c ON p.commit_id = c.id
		WHERE r.name = $1
		ORDER BY p.created_at DESC`, repoName)
	if err != nil {
		return nil, internal(err, "failed to list pipelines")
	}
	return rows, nil
}

// ListJobs returns the jobs of a pipeline in insertion order.
func (s *Store) ListJobs(ctx context.Context, pipelineID uuid.UUID) ([]api.Job, error) {
	var jobs []api.Job
	err := s.db.SelectContext(ctx, &jobs, `
		SELECT id, pipeline_id, name, stage, image, script, status, runner_id,
			started_at, finished_at, exit_code, logs
		FROM jobs WHERE pipeline_id = $1 ORDER BY started_at NULLS LAST, name ASC`, pipelineID)
	if err != nil {
		return nil, internal(err, "failed to list jobs")
	}
	return jobs, nil
}

// Job returns a single job row.
func (s *Store) Job(ctx context.Context, jobID uuid.UUID) (*api.Job, error) {
	var job api.Job
	err := s.db.GetContext(ctx, &job, `
		SELECT id, pipeline_id, name, stage, image, script, status, runner_id,
			started_at, finished_at, exit_code, logs
		FROM jobs WHERE id = $1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.NewError(api.KindNotFound, "job %s not found", jobID)
	}
	if err != nil {
		return nil, internal(err, "failed to load job %s", jobID)
	}
	return &job, nil
}

// AddJobArtifact records an uploaded artifact; the bytes are already in the
// blob store under blobHash.
func (s *Store) AddJobArtifact(ctx context.Context, jobID uuid.UUID, name, blobHash string, size int64, mimeType string) (uuid.UUID, error) {
	var id uuid.UUID
	row := s.db.QueryRowxContext(ctx, `
		INSERT INTO job_artifacts (job_id, name, blob_hash, size, mime_type)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		jobID, name, blobHash, size, mimeType)
	if err := row.Scan(&id); err != nil {
		return uuid.Nil, internal(err, "failed to insert artifact %q", name)
	}
	return id, nil
}

// ListJobArtifacts returns a job's artifacts, newest first.
func (s *Store) ListJobArtifacts(ctx context.Context, jobID uuid.UUID) ([]api.JobArtifact, error) {
	var artifacts []api.JobArtifact
	err := s.db.SelectContext(ctx, &artifacts, `
		SELECT id, job_id, name, blob_hash, size, mime_type, created_at
		FROM job_artifacts WHERE job_id = $1 ORDER BY created_at DESC`, jobID)
	if err != nil {
		return nil, internal(err, "failed to list artifacts")
	}
	return artifacts, nil
}

// Release is a downloadable artifact of a finished job, surfaced per repo.
type Release struct {
	ID        uuid.UUID      `db:"id" json:"id"`
	JobName   string         `db:"job_name" json:"job_name"`
	Name      string         `db:"name" json:"name"`
	BlobHash  string         `db:"blob_hash" json:"-"`
	Size      int64          `db:"size" json:"size"`
	MimeType  sql.NullString `db:"mime_type" json:"-"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}

// ListReleases returns artifacts of the repo's successful jobs, newest first.
func (s *Store) ListReleases(ctx context.Context, repoName string) ([]Release, error) {
	var releases []Release
	err := s.db.SelectContext(ctx, &releases, `
		SELECT a.id, j.name AS job_name, a.name, a.blob_hash, a.size, a.mime_type, a.created_at
		FROM job_artifacts a
		JOIN jobs j ON a.job_id = j.id
		JOIN pipelines p ON j.pipeline_id = p.id
		JOIN repositories r ON p.repo_id = r.id
		WHERE r.name = $1 AND j.status = 'success'
		ORDER BY a.created_at DESC`, repoName)
	if err != nil {
		return nil, internal(err, "failed to list releases")
	}
	return releases, nil
}

// ReleaseArtifact resolves an artifact by id, scoped to the repo so one
// repository's release URLs cannot leak another's artifacts.
func (s *Store) ReleaseArtifact(ctx context.Context, repoName string, artifactID uuid.UUID) (*api.JobArtifact, error) {
	var artifact api.JobArtifact
	err := s.db.GetContext(ctx, &artifact, `
		SELECT a.id, a.job_id, a.name, a.blob_hash, a.size, a.mime_type, a.created_at
		FROM job_artifacts a
		JOIN jobs j ON a.job_id = j.id
		JOIN pipelines p ON j.pipeline_id = p.id
		JOIN repositories r ON p.repo_id = r.id
		WHERE r.name = $1 AND a.id = $2`, repoName, artifactID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.NewError(api.KindNotFound, "artifact %s not found", artifactID)
	}
	if err != nil {
		return nil, internal(err, "failed to load artifact %s", artifactID)
	}
	return &artifact, nil
}

// JobArtifact resolves one artifact row by id.
func (s *Store) JobArtifact(ctx context.Context, artifactID uuid.UUID) (*api.JobArtifact, error) {
	var artifact api.JobArtifact
	err := s.db.GetContext(ctx, &artifact, `
		SELECT id, job_id, name, blob_hash, size, mime_type, created_at
		FROM job_artifacts WHERE id = $1`, artifactID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.NewError(api.KindNotFound, "artifact %s not found", artifactID)
	}
	if err != nil {
		return nil, internal(err, "failed to load artifact %s", artifactID)
	}
	return &artifact, nil
}
