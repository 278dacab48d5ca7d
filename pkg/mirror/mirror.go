// Package mirror replicates repository snapshots to external git hosts. After
// every successful commit the worker materializes the tree into a scratch
// directory, builds a single-commit git history and force-pushes it to the
// configured remote. The remote's history is not preserved; the mirror is a
// projection, not a peer.
package mirror

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/plectr/plectr/pkg/api"
	"github.com/plectr/plectr/pkg/blobstore"
	"github.com/plectr/plectr/pkg/cryptoutil"
	"github.com/plectr/plectr/pkg/store"
)

// fetchParallelism bounds concurrent blob downloads while materializing.
const fetchParallelism = 8

// CommitterName and CommitterEmail identify mirror pushes on the remote.
const (
	CommitterName  = "Plectr Mirror"
	CommitterEmail = "mirror@plectr.io"
)

// Worker pushes snapshots for repositories with an enabled mirror.
type Worker struct {
	store *store.Store
	blobs blobstore.Store
	box   *cryptoutil.Box
}

func NewWorker(s *store.Store, blobs blobstore.Store, box *cryptoutil.Box) *Worker {
	return &Worker{store: s, blobs: blobs, box: box}
}

// SyncAfterCommit replicates the repo's latest commit if a mirror is enabled.
// Failures are recorded on the mirror row and logged, never returned: a
// broken mirror must not fail the commit that triggered it.
func (w *Worker) SyncAfterCommit(ctx context.Context, repoID uuid.UUID) {
	log := logrus.WithField("repo", repoID)
	config, err := w.store.EnabledMirror(ctx, repoID)
	if err != nil {
		log.WithError(err).Error("Failed to load mirror config.")
		return
	}
	if config == nil {
		return
	}
	if err := w.sync(ctx, config); err != nil {
		log.WithError(err).Error("Mirror sync failed.")
		if markErr := w.store.MarkMirrorFailed(ctx, repoID, err.Error()); markErr != nil {
			log.WithError(markErr).Error("Failed to record mirror failure.")
		}
		return
	}
	if err := w.store.MarkMirrorSynced(ctx, repoID); err != nil {
		log.WithError(err).Error("Failed to record mirror success.")
	}
	log.Info("Mirror synced.")
}

func (w *Worker) sync(ctx context.Context, config *api.MirrorConfig) error {
	token, err := w.box.Decrypt(config.EncryptedToken, config.IV)
	if err != nil {
		return fmt.Errorf("failed to decrypt mirror token: %w", err)
	}
	commit, err := w.store.LatestCommit(ctx, config.RepoID)
	if err != nil {
		return err
	}

	dir, err := os.MkdirTemp("", "plectr-mirror-")
	if err != nil {
		return fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := w.materialize(ctx, commit.ID, dir); err != nil {
		return err
	}

	remote, err := AuthenticatedRemote(config.RemoteURL, token)
	if err != nil {
		return err
	}
	message := fmt.Sprintf("%s (Plectr Sync)", commit.Message)

	steps := []gitCommand{
		{args: []string{"init"}},
		{args: []string{"config", "user.name", CommitterName}},
		{args: []string{"config", "user.email", CommitterEmail}},
		{args: []string{"branch", "-m", "main"}},
		{args: []string{"remote", "add", "origin", remote}, sensitive: true},
		{args: []string{"add", "."}},
		{args: []string{"commit", "-m", message, "--allow-empty"}},
		{args: []string{"push", "--force", "origin", "main"}, sensitive: true},
	}
	for _, step := range steps {
		if err := step.run(ctx, dir, token); err != nil {
			return err
		}
	}
	return nil
}

// materialize writes the commit's tree under dir, fetching blobs in parallel.
func (w *Worker) materialize(ctx context.Context, commitID uuid.UUID, dir string) error {
	entries, err := w.store.Tree(ctx, commitID)
	if err != nil {
		return err
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(fetchParallelism)
	for _, entry := range entries {
		group.Go(func() error {
			if strings.Contains(entry.Path, "..") {
				return fmt.Errorf("refusing to materialize path %q", entry.Path)
			}
			data, err := w.blobs.Get(groupCtx, entry.Hash)
			if err != nil {
				return fmt.Errorf("failed to fetch blob for %q: %w", entry.Path, err)
			}
			target := filepath.Join(dir, filepath.FromSlash(entry.Path))
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create directory for %q: %w", entry.Path, err)
			}
			if err := os.WriteFile(target, data, 0o644); err != nil {
				return fmt.Errorf("failed to write %q: %w", entry.Path, err)
			}
			return nil
		})
	}
	return group.Wait()
}

// AuthenticatedRemote embeds the token into an https remote as oauth2 basic
// credentials.
func AuthenticatedRemote(remoteURL, token string) (string, error) {
	parsed, err := url.Parse(remoteURL)
	if err != nil {
		return "", fmt.Errorf("malformed remote url")
	}
	if parsed.Scheme != "https" {
		return "", fmt.Errorf("mirror remotes must use https, got %q", parsed.Scheme)
	}
	parsed.User = url.UserPassword("oauth2", token)
	return parsed.String(), nil
}

type gitCommand struct {
	args []string
	// sensitive marks commands whose arguments embed the credential; their
	// argument lists are redacted in errors and logs.
	sensitive bool
}

// Redacted renders the command for logs and error messages.
func (c gitCommand) Redacted() string {
	if c.sensitive {
		return fmt.Sprintf("git %s [arguments redacted]", c.args[0])
	}
	return "git " + strings.Join(c.args, " ")
}

func (c gitCommand) run(ctx context.Context, dir, token string) error {
	cmd := exec.CommandContext(ctx, "git", c.args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		detail := RedactToken(string(output), token)
		if c.sensitive {
			detail = "[output redacted]"
		}
		return fmt.Errorf("%s failed: %s", c.Redacted(), strings.TrimSpace(detail))
	}
	return nil
}

// RedactToken strips the credential from arbitrary text before it reaches
// logs or the mirror status row.
func RedactToken(text, token string) string {
	if token == "" {
		return text
	}
	return strings.ReplaceAll(text, token, "[redacted]")
}
