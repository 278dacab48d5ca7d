package registry

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/plectr/plectr/pkg/store"
)

func TestParseRoute(t *testing.T) {
	testCases := []struct {
		path     string
		expected Route
	}{
		{path: "/v2/", expected: Route{Kind: RouteBase}},
		{path: "/v2", expected: Route{Kind: RouteBase}},
		{path: "/v2/myapp/blobs/sha256:abc", expected: Route{Kind: RouteBlob, Name: "myapp", Reference: "sha256:abc"}},
		{path: "/v2/team/myapp/blobs/sha256:abc", expected: Route{Kind: RouteBlob, Name: "team/myapp", Reference: "sha256:abc"}},
		{path: "/v2/myapp/blobs/uploads/", expected: Route{Kind: RouteUploadStart, Name: "myapp"}},
		{path: "/v2/team/myapp/blobs/uploads", expected: Route{Kind: RouteUploadStart, Name: "team/myapp"}},
		{path: "/v2/myapp/blobs/uploads/3f0a", expected: Route{Kind: RouteUpload, Name: "myapp", Reference: "3f0a"}},
		{path: "/v2/team/myapp/blobs/uploads/3f0a", expected: Route{Kind: RouteUpload, Name: "team/myapp", Reference: "3f0a"}},
		{path: "/v2/myapp/manifests/latest", expected: Route{Kind: RouteManifest, Name: "myapp", Reference: "latest"}},
		{path: "/v2/team/myapp/manifests/sha256:abc", expected: Route{Kind: RouteManifest, Name: "team/myapp", Reference: "sha256:abc"}},
		{path: "/v2/myapp/tags/list", expected: Route{Kind: RouteUnknown}},
		{path: "/v2/myapp", expected: Route{Kind: RouteUnknown}},
	}
	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			if diff := cmp.Diff(tc.expected, ParseRoute(tc.path)); diff != "" {
				t.Errorf("route differs from expected: %s", diff)
			}
		})
	}
}

func bearerToken(t *testing.T) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload, err := json.Marshal(map[string]interface{}{
		"sub":                uuid.New().String(),
		"preferred_username": "pusher",
	})
	if err != nil {
		t.Fatalf("failed to marshal claims: %v", err)
	}
	return fmt.Sprintf("%s.%s.sig", header, base64.RawURLEncoding.EncodeToString(payload))
}

func TestBaseCheck(t *testing.T) {
	reg := New(nil, nil)

	t.Run("anonymous passes the version check", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		reg.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v2/", nil))
		if recorder.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", recorder.Code)
		}
		if body := recorder.Body.String(); body != "{}" {
			t.Errorf("unexpected body %q", body)
		}
	})

	t.Run("bearer token passes", func(t *testing.T) {
		request := httptest.NewRequest(http.MethodGet, "/v2/", nil)
		request.Header.Set("Authorization", "Bearer "+bearerToken(t))
		recorder := httptest.NewRecorder()
		reg.ServeHTTP(recorder, request)
		if recorder.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", recorder.Code)
		}
		if version := recorder.Header().Get("Docker-Distribution-Api-Version"); version != "registry/2.0" {
			t.Errorf("unexpected version header %q", version)
		}
	})

	t.Run("basic auth with token password passes", func(t *testing.T) {
		request := httptest.NewRequest(http.MethodGet, "/v2/", nil)
		request.SetBasicAuth("pusher", bearerToken(t))
		recorder := httptest.NewRecorder()
		reg.ServeHTTP(recorder, request)
		if recorder.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", recorder.Code)
		}
	})
}

func mockRegistry(t *testing.T) (*Registry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(store.NewFromDB(sqlx.NewDb(db, "sqlmock")), nil), mock
}

func TestAnonymousAccess(t *testing.T) {
	repoID := uuid.New()
	dockerRepoID := uuid.New()

	t.Run("pull from a public repository succeeds", func(t *testing.T) {
		reg, mock := mockRegistry(t)
		manifest := []byte(`{"schemaVersion":2,"layers":[]}`)
		mock.ExpectQuery(`SELECT r\.id, r\.is_public`).
			WithArgs("app", nil).
			WillReturnRows(sqlmock.NewRows([]string{"id", "is_public", "member_role", "org_role"}).
				AddRow(repoID, true, nil, nil))
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id FROM docker_repositories`).
			WithArgs("app").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(dockerRepoID))
		mock.ExpectCommit()
		mock.ExpectQuery(`SELECT m\.digest, m\.raw`).
			WithArgs(dockerRepoID, "latest").
			WillReturnRows(sqlmock.NewRows([]string{"digest", "raw"}).AddRow("sha256:feed", manifest))

		recorder := httptest.NewRecorder()
		reg.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v2/app/manifests/latest", nil))
		if recorder.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
		}
		if digest := recorder.Header().Get("Docker-Content-Digest"); digest != "sha256:feed" {
			t.Errorf("unexpected digest header %q", digest)
		}
		if recorder.Body.String() != string(manifest) {
			t.Errorf("manifest bytes were not served verbatim: %q", recorder.Body.String())
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unexpected database traffic: %v", err)
		}
	})

	t.Run("pull from a private repository gets the basic challenge", func(t *testing.T) {
		reg, mock := mockRegistry(t)
		mock.ExpectQuery(`SELECT r\.id, r\.is_public`).
			WithArgs("app", nil).
			WillReturnRows(sqlmock.NewRows([]string{"id", "is_public", "member_role", "org_role"}).
				AddRow(repoID, false, nil, nil))

		recorder := httptest.NewRecorder()
		reg.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v2/app/manifests/latest", nil))
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", recorder.Code)
		}
		if challenge := recorder.Header().Get("WWW-Authenticate"); challenge != `Basic realm="Registry Realm"` {
			t.Errorf("unexpected challenge %q", challenge)
		}
	})

	t.Run("push to a public repository gets the basic challenge", func(t *testing.T) {
		reg, mock := mockRegistry(t)
		mock.ExpectQuery(`SELECT r\.id, r\.is_public`).
			WithArgs("app", nil).
			WillReturnRows(sqlmock.NewRows([]string{"id", "is_public", "member_role", "org_role"}).
				AddRow(repoID, true, nil, nil))

		recorder := httptest.NewRecorder()
		reg.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/v2/app/blobs/uploads/", nil))
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", recorder.Code)
		}
	})
}

func TestConfigDigest(t *testing.T) {
	manifest := []byte(`{"schemaVersion":2,"config":{"mediaType":"application/vnd.docker.container.image.v1+json","digest":"sha256:feed"},"layers":[]}`)
	digest, err := ConfigDigest(manifest)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if digest != "sha256:feed" {
		t.Errorf("expected sha256:feed, got %q", digest)
	}
	if _, err := ConfigDigest([]byte(`{"layers":[]}`)); err == nil {
		t.Error("expected error for manifest without config")
	}
	if _, err := ConfigDigest([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed manifest")
	}
}
