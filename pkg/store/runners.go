package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/plectr/plectr/pkg/api"
)

const runnerTokenPrefix = "plectr_run_"
const runnerTokenLength = 32

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewRunnerToken mints a registration token. The prefix makes leaked tokens
// identifiable in secret scanners.
func NewRunnerToken() (string, error) {
	buf := make([]byte, runnerTokenLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(tokenAlphabet))))
		if err != nil {
			return "", fmt.Errorf("failed to read randomness: %w", err)
		}
		buf[i] = tokenAlphabet[n.Int64()]
	}
	return runnerTokenPrefix + string(buf), nil
}

// RunnerView is one row of the admin runner listing; Online and ActiveJobs
// are derived at query time.
type RunnerView struct {
	ID              uuid.UUID      `db:"id" json:"id"`
	Name            string         `db:"name" json:"name"`
	Token           string         `db:"token" json:"token"`
	Platform        sql.NullString `db:"platform" json:"-"`
	Hostname        sql.NullString `db:"hostname" json:"-"`
	Version         sql.NullString `db:"version" json:"-"`
	IsActive        bool           `db:"is_active" json:"is_active"`
	LastHeartbeatAt sql.NullTime   `db:"last_heartbeat_at" json:"-"`
	ActiveJobs      int64          `db:"active_jobs" json:"active_jobs"`
	Online          bool           `json:"online"`
}

// ListRunners returns all registered runners with their live job counts.
// Online status is computed from the heartbeat age.
func (s *Store) ListRunners(ctx context.Context) ([]RunnerView, error) {
	var runners []RunnerView
	err := s.db.SelectContext(ctx, &runners, `
		SELECT r.id, r.name, r.token, r.platform, r.hostname, r.version, r.is_active, r.last_heartbeat_at,
			(SELECT COUNT(*) FROM jobs j WHERE j.runner_id = r.id AND j.status = 'running') AS active_jobs
		FROM runners r
		ORDER BY r.created_at ASC`)
	if err != nil {
		return nil, internal(err, "failed to list runners")
	}
	now := time.Now()
	for i := range runners {
		hb := runners[i].LastHeartbeatAt
		runners[i].Online = hb.Valid && now.Sub(hb.Time) < api.RunnerOnlineWindow
	}
	return runners, nil
}

// CreateRunner registers a runner shell and returns its one-time token.
func (s *Store) CreateRunner(ctx context.Context, name string) (uuid.UUID, string, error) {
	token, err := NewRunnerToken()
	if err != nil {
		return uuid.Nil, "", internal(err, "failed to mint runner token")
	}
	var id uuid.UUID
	row := s.db.QueryRowxContext(ctx,
		`INSERT INTO runners (name, token) VALUES ($1, $2) RETURNING id`, name, token)
	if err := row.Scan(&id); err != nil {
		return uuid.Nil, "", internal(err, "failed to insert runner")
	}
	return id, token, nil
}

// DeleteRunner removes a runner; its historical jobs keep a NULL runner_id.
func (s *Store) DeleteRunner(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runners WHERE id = $1`, id)
	if err != nil {
		return internal(err, "failed to delete runner %s", id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return api.NewError(api.KindNotFound, "runner %s not found", id)
	}
	return nil
}

// AuthenticateRunner resolves a connection token to the runner it belongs to
// and records hello metadata.
func (s *Store) AuthenticateRunner(ctx context.Context, token, platform, hostname, version string) (*api.Runner, error) {
	var runner api.Runner
	err := s.db.GetContext(ctx, &runner, `
		UPDATE runners
		SET platform = $2, hostname = $3, version = $4, is_active = TRUE, last_heartbeat_at = NOW()
		WHERE token = $1
		RETURNING id, name, token, platform, hostname, version, is_active, last_heartbeat_at`,
		token, platform, hostname, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.NewError(api.KindUnauthorized, "unknown runner token")
	}
	if err != nil {
		return nil, internal(err, "failed to authenticate runner")
	}
	return &runner, nil
}

// TouchRunner refreshes the liveness heartbeat.
func (s *Store) TouchRunner(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE runners SET last_heartbeat_at = NOW() WHERE id = $1`, id); err != nil {
		return internal(err, "failed to record heartbeat for runner %s", id)
	}
	return nil
}

// SetRunnerActive flips the dispatch flag; inactive runners keep their socket
// but receive no new jobs.
func (s *Store) SetRunnerActive(ctx context.Context, id uuid.UUID, active bool) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE runners SET is_active = $2 WHERE id = $1`, id, active); err != nil {
		return internal(err, "failed to update runner %s", id)
	}
	return nil
}
