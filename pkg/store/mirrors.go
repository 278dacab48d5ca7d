package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/plectr/plectr/pkg/api"
)

// UpsertMirror configures (or reconfigures) a repo's replication target.
// Reconfiguring resets the sync state to pending so the next push retries
// with the new credentials.
func (s *Store) UpsertMirror(ctx context.Context, repoID uuid.UUID, remoteURL, encryptedToken, iv string) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO repo_mirrors (repo_id, remote_url, encrypted_token, iv, is_enabled, last_status, last_error)
		VALUES ($1, $2, $3, $4, TRUE, 'pending', NULL)
		ON CONFLICT (repo_id) DO UPDATE SET
			remote_url = EXCLUDED.remote_url,
			encrypted_token = EXCLUDED.encrypted_token,
			iv = EXCLUDED.iv,
			is_enabled = TRUE,
			last_status = 'pending',
			last_error = NULL`,
		repoID, remoteURL, encryptedToken, iv); err != nil {
		return internal(err, "failed to configure mirror")
	}
	return nil
}

// MirrorStatus is the credential-free view served to repo admins.
type MirrorStatus struct {
	RemoteURL  string         `db:"remote_url" json:"remote_url"`
	IsEnabled  bool           `db:"is_enabled" json:"is_enabled"`
	LastSyncAt sql.NullTime   `db:"last_sync_at" json:"-"`
	LastStatus string         `db:"last_status" json:"last_status"`
	LastError  sql.NullString `db:"last_error" json:"-"`
}

// MirrorStatusFor returns the mirror state of a repo, or nil when no mirror
// is configured.
func (s *Store) MirrorStatusFor(ctx context.Context, repoID uuid.UUID) (*MirrorStatus, error) {
	var status MirrorStatus
	err := s.db.GetContext(ctx, &status, `
		SELECT remote_url, is_enabled, last_sync_at, last_status, last_error
		FROM repo_mirrors WHERE repo_id = $1`, repoID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, internal(err, "failed to read mirror status")
	}
	return &status, nil
}

// EnabledMirror loads the full mirror row, including the encrypted
// credential, for the sync worker. Disabled or missing mirrors return nil.
func (s *Store) EnabledMirror(ctx context.Context, repoID uuid.UUID) (*api.MirrorConfig, error) {
	var config api.MirrorConfig
	err := s.db.GetContext(ctx, &config, `
		SELECT repo_id, remote_url, encrypted_token, iv, is_enabled, last_sync_at, last_status, last_error
		FROM repo_mirrors WHERE repo_id = $1 AND is_enabled = TRUE`, repoID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, internal(err, "failed to load mirror config")
	}
	return &config, nil
}

// MarkMirrorSynced records a successful replication.
func (s *Store) MarkMirrorSynced(ctx context.Context, repoID uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE repo_mirrors SET last_status = 'success', last_sync_at = NOW(), last_error = NULL
		WHERE repo_id = $1`, repoID); err != nil {
		return internal(err, "failed to record mirror success")
	}
	return nil
}

// MarkMirrorFailed records a failed replication with its message. The message
// never contains credentials; the worker redacts before reporting.
func (s *Store) MarkMirrorFailed(ctx context.Context, repoID uuid.UUID, message string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE repo_mirrors SET last_status = 'failed', last_error = $2
		WHERE repo_id = $1`, repoID, message); err != nil {
		return internal(err, "failed to record mirror failure")
	}
	return nil
}
