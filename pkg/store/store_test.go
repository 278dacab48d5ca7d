package store

import (
	"context"
	"database/sql"
	"regexp"
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/plectr/plectr/pkg/api"
)

func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewFromDB(sqlx.NewDb(db, "sqlmock")), mock
}

func TestCreateCommitDivergence(t *testing.T) {
	repoID := uuid.New()
	headID := uuid.New()
	otherID := uuid.New()
	commitID := uuid.New()

	testCases := []struct {
		name              string
		parentID          string
		head              *uuid.UUID
		parentKnown       bool
		expectedDivergent bool
	}{
		{
			name:              "first commit of empty repo",
			parentID:          "",
			head:              nil,
			expectedDivergent: false,
		},
		{
			name:              "parent is head",
			parentID:          headID.String(),
			head:              &headID,
			parentKnown:       true,
			expectedDivergent: false,
		},
		{
			name:              "no parent declared but head exists",
			parentID:          "",
			head:              &headID,
			expectedDivergent: true,
		},
		{
			name:              "parent is a non-tip commit",
			parentID:          otherID.String(),
			head:              &headID,
			parentKnown:       true,
			expectedDivergent: true,
		},
		{
			name:              "declared parent does not exist",
			parentID:          otherID.String(),
			head:              &headID,
			parentKnown:       false,
			expectedDivergent: true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s, mock := mockStore(t)
			mock.ExpectBegin()
			mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM repositories WHERE name = $1`)).
				WithArgs("demo").
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(repoID))
			headQuery := mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM commits WHERE repo_id = $1 ORDER BY created_at DESC LIMIT 1`)).
				WithArgs(repoID)
			if tc.head != nil {
				headQuery.WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(*tc.head))
			} else {
				headQuery.WillReturnError(sql.ErrNoRows)
			}
			if tc.parentID != "" {
				parentQuery := mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM commits WHERE id = $1`))
				if tc.parentKnown {
					parentQuery.WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
				} else {
					parentQuery.WillReturnError(sql.ErrNoRows)
				}
			}
			mock.ExpectQuery(`INSERT INTO commits`).
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(commitID))
			mock.ExpectExec(`INSERT INTO commit_files`).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()

			result, err := s.CreateCommit(context.Background(), CreateCommitRequest{
				RepoName:    "demo",
				Message:     "update",
				AuthorName:  "dev",
				AuthorEmail: "dev@example.com",
				ParentID:    tc.parentID,
				Files:       []FileEntry{{Path: "main.go", Hash: "abc"}},
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.IsDivergent != tc.expectedDivergent {
				t.Errorf("expected divergent=%t, got %t", tc.expectedDivergent, result.IsDivergent)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestCreateCommitUnknownRepo(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM repositories WHERE name = $1`)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.CreateCommit(context.Background(), CreateCommitRequest{RepoName: "ghost"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if kind := api.KindOf(err); kind != api.KindNotFound {
		t.Errorf("expected kind %s, got %s", api.KindNotFound, kind)
	}
}

func TestMergedTree(t *testing.T) {
	files := func(commit uuid.UUID, pairs ...string) []api.CommitFile {
		var out []api.CommitFile
		for i := 0; i < len(pairs); i += 2 {
			out = append(out, api.CommitFile{CommitID: commit, Path: pairs[i], BlobHash: pairs[i+1]})
		}
		return out
	}
	remoteCommit, localCommit := uuid.New(), uuid.New()

	testCases := []struct {
		name      string
		remote    []api.CommitFile
		local     []api.CommitFile
		decisions map[string]string
		expected  map[string]string
	}{
		{
			name:     "remote wins shared paths",
			remote:   files(remoteCommit, "a.txt", "r1", "b.txt", "r2"),
			local:    files(localCommit, "a.txt", "l1"),
			expected: map[string]string{"a.txt": "r1", "b.txt": "r2"},
		},
		{
			name:     "local-only paths are kept",
			remote:   files(remoteCommit, "a.txt", "r1"),
			local:    files(localCommit, "only-local.txt", "l1"),
			expected: map[string]string{"a.txt": "r1", "only-local.txt": "l1"},
		},
		{
			name:      "decision overrides both sides",
			remote:    files(remoteCommit, "a.txt", "r1"),
			local:     files(localCommit, "a.txt", "l1"),
			decisions: map[string]string{"a.txt": "l1"},
			expected:  map[string]string{"a.txt": "l1"},
		},
		{
			name:      "decision can add a path",
			remote:    files(remoteCommit, "a.txt", "r1"),
			decisions: map[string]string{"new.txt": "n1"},
			expected:  map[string]string{"a.txt": "r1", "new.txt": "n1"},
		},
		{
			name:     "both empty",
			expected: map[string]string{},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			actual := MergedTree(tc.remote, tc.local, tc.decisions)
			if diff := cmp.Diff(tc.expected, actual); diff != "" {
				t.Errorf("merged tree differs from expected: %s", diff)
			}
		})
	}
}

func TestAggregateStatus(t *testing.T) {
	testCases := []struct {
		name     string
		statuses []api.Status
		expected api.Status
	}{
		{name: "no jobs", statuses: nil, expected: api.StatusSuccess},
		{name: "all success", statuses: []api.Status{api.StatusSuccess, api.StatusSuccess}, expected: api.StatusSuccess},
		{name: "one running keeps pipeline running", statuses: []api.Status{api.StatusSuccess, api.StatusRunning}, expected: api.StatusRunning},
		{name: "pending beats failed", statuses: []api.Status{api.StatusFailed, api.StatusPending}, expected: api.StatusRunning},
		{name: "settled with a failure", statuses: []api.Status{api.StatusSuccess, api.StatusFailed}, expected: api.StatusFailed},
		{name: "settled with a cancellation", statuses: []api.Status{api.StatusCancelled, api.StatusSuccess}, expected: api.StatusFailed},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if actual := AggregateStatus(tc.statuses); actual != tc.expected {
				t.Errorf("expected %s, got %s", tc.expected, actual)
			}
		})
	}
}

func TestLanguageForExtension(t *testing.T) {
	testCases := map[string]string{
		"rs":          "Rust",
		"go":          "Go",
		"py":          "Python",
		"ts":          "TypeScript",
		"tsx":         "TypeScript",
		"js":          "JavaScript",
		"csv":         "Data",
		"parquet":     "Data",
		"safetensors": "AI Model",
		"md":          "Empty",
		"":            "Empty",
	}
	for ext, expected := range testCases {
		if actual := LanguageForExtension(ext); actual != expected {
			t.Errorf("extension %q: expected %q, got %q", ext, expected, actual)
		}
	}
}

func TestAnchorRepoName(t *testing.T) {
	testCases := []struct {
		in       string
		expected string
	}{
		{in: "myrepo", expected: "myrepo"},
		{in: "myrepo/api", expected: "myrepo"},
		{in: "myrepo/api/extra", expected: "myrepo"},
	}
	for _, tc := range testCases {
		if actual := AnchorRepoName(tc.in); actual != tc.expected {
			t.Errorf("AnchorRepoName(%q): expected %q, got %q", tc.in, tc.expected, actual)
		}
	}
}

func TestNewRunnerToken(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 16; i++ {
		token, err := NewRunnerToken()
		if err != nil {
			t.Fatalf("failed to mint token: %v", err)
		}
		if !strings.HasPrefix(token, "plectr_run_") {
			t.Fatalf("token %q missing prefix", token)
		}
		if len(token) != len("plectr_run_")+32 {
			t.Fatalf("token %q has unexpected length %d", token, len(token))
		}
		for _, r := range token[len("plectr_run_"):] {
			if !strings.ContainsRune(tokenAlphabet, r) {
				t.Fatalf("token %q contains unexpected rune %q", token, r)
			}
		}
		if seen[token] {
			t.Fatalf("token %q minted twice", token)
		}
		seen[token] = true
	}
}

func TestPutManifest(t *testing.T) {
	dockerRepoID := uuid.New()
	manifest := []byte(`{"schemaVersion":2,"layers":[]}`)
	digest := "sha256:abc"

	t.Run("tag reference moves the tag", func(t *testing.T) {
		s, mock := mockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO docker_manifests`).
			WithArgs(digest, dockerRepoID, manifest, manifest).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO docker_tags`).
			WithArgs(dockerRepoID, "latest", digest).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
		if err := s.PutManifest(context.Background(), dockerRepoID, digest, "latest", manifest); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unexpected database traffic: %v", err)
		}
	})

	t.Run("digest reference never touches tags", func(t *testing.T) {
		s, mock := mockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO docker_manifests`).
			WithArgs(digest, dockerRepoID, manifest, manifest).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
		if err := s.PutManifest(context.Background(), dockerRepoID, digest, "", manifest); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unexpected database traffic: %v", err)
		}
	})
}
