package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/plectr/plectr/pkg/api"
	"github.com/plectr/plectr/pkg/auth"
)

// UpsertUser records first contact for a gateway-asserted identity and
// refreshes last_seen_at on every later call.
func (s *Store) UpsertUser(ctx context.Context, identity *auth.Identity) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, last_seen_at = NOW()`,
		identity.ID, identity.Username, identity.Email); err != nil {
		return internal(err, "failed to upsert user")
	}
	return nil
}

// Profile is the caller-visible view of their own user row.
type Profile struct {
	ID            uuid.UUID      `db:"id" json:"id"`
	Username      string         `db:"username" json:"username"`
	Email         string         `db:"email" json:"email"`
	AvatarURL     sql.NullString `db:"avatar_url" json:"-"`
	IsSystemAdmin bool           `db:"is_system_admin" json:"is_system_admin"`
}

// ProfileByID loads a user's profile.
func (s *Store) ProfileByID(ctx context.Context, id uuid.UUID) (*Profile, error) {
	var profile Profile
	err := s.db.GetContext(ctx, &profile, `
		SELECT id, username, email, avatar_url, is_system_admin
		FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.NewError(api.KindNotFound, "user %s not found", id)
	}
	if err != nil {
		return nil, internal(err, "failed to load profile")
	}
	return &profile, nil
}

// UsernameTaken reports whether any other user already claimed the name.
func (s *Store) UsernameTaken(ctx context.Context, username string, excluding uuid.UUID) (bool, error) {
	var one int
	err := s.db.GetContext(ctx, &one,
		`SELECT 1 FROM users WHERE username = $1 AND id <> $2`, username, excluding)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, internal(err, "failed to check username")
	}
	return true, nil
}

// UpdateProfile changes the username and/or avatar. A username already held
// by another user maps to a conflict.
func (s *Store) UpdateProfile(ctx context.Context, id uuid.UUID, username, avatarURL *string) error {
	if username != nil {
		taken, err := s.UsernameTaken(ctx, *username, id)
		if err != nil {
			return err
		}
		if taken {
			return api.NewError(api.KindConflict, "username %q is taken", *username)
		}
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE users SET username = COALESCE($2, username), avatar_url = COALESCE($3, avatar_url)
		WHERE id = $1`, id, username, avatarURL); err != nil {
		return internal(err, "failed to update profile")
	}
	return nil
}

// IsSystemAdmin reports whether the user carries the instance-admin flag.
// Unknown users are not admins.
func (s *Store) IsSystemAdmin(ctx context.Context, id uuid.UUID) (bool, error) {
	var isAdmin bool
	err := s.db.GetContext(ctx, &isAdmin, `SELECT is_system_admin FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, internal(err, "failed to check system admin flag")
	}
	return isAdmin, nil
}
