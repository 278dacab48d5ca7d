package runner

import (
	"context"
	"encoding/json"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/plectr/plectr/pkg/api"
	"github.com/plectr/plectr/pkg/blobstore"
	"github.com/plectr/plectr/pkg/store"
)

func TestDecodeFrame(t *testing.T) {
	jobID := uuid.New()
	testCases := []struct {
		name        string
		data        string
		expected    interface{}
		expectError bool
	}{
		{
			name:     "job started",
			data:     `{"type":"job_started","job_id":"` + jobID.String() + `"}`,
			expected: JobStarted{Type: TypeJobStarted, JobID: jobID},
		},
		{
			name:     "job log",
			data:     `{"type":"job_log","job_id":"` + jobID.String() + `","content":"$ go test\n"}`,
			expected: JobLog{Type: TypeJobLog, JobID: jobID, Content: "$ go test\n"},
		},
		{
			name:     "job completed",
			data:     `{"type":"job_completed","job_id":"` + jobID.String() + `","status":"success","exit_code":0}`,
			expected: JobCompleted{Type: TypeJobCompleted, JobID: jobID, Status: api.StatusSuccess},
		},
		{
			name:     "heartbeat",
			data:     `{"type":"heartbeat"}`,
			expected: Envelope{Type: TypeHeartbeat},
		},
		{
			name:        "completion with non-terminal status",
			data:        `{"type":"job_completed","job_id":"` + jobID.String() + `","status":"running"}`,
			expectError: true,
		},
		{
			name:        "unknown type",
			data:        `{"type":"launch_missiles"}`,
			expectError: true,
		},
		{
			name:        "not json",
			data:        `not json`,
			expectError: true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := DecodeFrame([]byte(tc.data))
			if tc.expectError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tc.expected, frame); diff != "" {
				t.Errorf("frame differs from expected: %s", diff)
			}
		})
	}
}

func TestJobRequestWireShape(t *testing.T) {
	jobID := uuid.New()
	request := JobRequest{
		Type: TypeJobRequest,
		Payload: JobPayload{
			JobID:     jobID,
			Image:     "alpine",
			Script:    []string{"true"},
			Artifacts: []string{},
			Env:       []string{"CI=true"},
			Context: JobContext{
				RepoName:  "demo",
				CommitID:  "c0ffee",
				APIURL:    "http://plectr-core:8000",
				AuthToken: "tok",
			},
		},
	}
	data, err := json.Marshal(request)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	var decoded struct {
		Type    string `json:"type"`
		Payload struct {
			JobID     string   `json:"job_id"`
			Image     string   `json:"image"`
			Script    []string `json:"script"`
			Artifacts []string `json:"artifacts"`
			Env       []string `json:"env"`
			Context   struct {
				RepoName  string `json:"repo_name"`
				CommitID  string `json:"commit_id"`
				APIURL    string `json:"api_url"`
				AuthToken string `json:"auth_token"`
			} `json:"context"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to round-trip request: %v", err)
	}
	if decoded.Type != TypeJobRequest {
		t.Errorf("expected type %q, got %q", TypeJobRequest, decoded.Type)
	}
	if decoded.Payload.JobID != jobID.String() {
		t.Errorf("expected job id %s under payload, got %q", jobID, decoded.Payload.JobID)
	}
	if decoded.Payload.Context.RepoName != "demo" || decoded.Payload.Context.CommitID != "c0ffee" {
		t.Errorf("context carries wrong source: %+v", decoded.Payload.Context)
	}
	if decoded.Payload.Context.APIURL != "http://plectr-core:8000" || decoded.Payload.Context.AuthToken != "tok" {
		t.Errorf("context carries wrong callback: %+v", decoded.Payload.Context)
	}
	if decoded.Payload.Artifacts == nil || decoded.Payload.Env == nil {
		t.Error("artifacts and env must be present in the payload")
	}
}

func TestParsePipelineFile(t *testing.T) {
	testCases := []struct {
		name        string
		data        string
		expected    []store.JobSpec
		expectError bool
	}{
		{
			name: "single job with artifacts",
			data: `
pipeline:
  name: demo
  jobs:
    - name: unit
      image: alpine
      stage: test
      script: ["true"]
      artifacts: []
`,
			expected: []store.JobSpec{
				{Name: "unit", Stage: "test", Image: "alpine", Script: []string{"true"}, Artifacts: []string{}},
			},
		},
		{
			name: "jobs keep declared order",
			data: `
pipeline:
  name: build-and-test
  jobs:
    - name: compile
      image: golang:1.24
      stage: build
      script: ["go build ./..."]
    - name: unit
      image: golang:1.24
      stage: test
      script: ["go test ./..."]
      artifacts: ["coverage.out"]
`,
			expected: []store.JobSpec{
				{Name: "compile", Stage: "build", Image: "golang:1.24", Script: []string{"go build ./..."}},
				{Name: "unit", Stage: "test", Image: "golang:1.24", Script: []string{"go test ./..."}, Artifacts: []string{"coverage.out"}},
			},
		},
		{
			name: "missing stage defaults",
			data: `
pipeline:
  jobs:
    - name: lint
      image: golangci/golangci-lint
      script: ["golangci-lint run"]
`,
			expected: []store.JobSpec{
				{Name: "lint", Stage: "default", Image: "golangci/golangci-lint", Script: []string{"golangci-lint run"}},
			},
		},
		{
			name:        "no jobs",
			data:        "pipeline:\n  name: empty\n",
			expectError: true,
		},
		{
			name: "job without name",
			data: `
pipeline:
  jobs:
    - image: alpine
      script: ["true"]
`,
			expectError: true,
		},
		{
			name: "job without image",
			data: `
pipeline:
  jobs:
    - name: broken
      script: ["true"]
`,
			expectError: true,
		},
		{
			name: "job without script",
			data: `
pipeline:
  jobs:
    - name: broken
      image: alpine
`,
			expectError: true,
		},
		{
			name: "duplicate job name",
			data: `
pipeline:
  jobs:
    - name: unit
      image: alpine
      script: ["true"]
    - name: unit
      image: alpine
      script: ["false"]
`,
			expectError: true,
		},
		{
			name: "jobs outside the pipeline document",
			data: `
jobs:
  unit:
    image: alpine
    script: ["true"]
`,
			expectError: true,
		},
		{
			name:        "not yaml",
			data:        `{{{{`,
			expectError: true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			specs, err := ParsePipelineFile([]byte(tc.data))
			if tc.expectError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tc.expected, specs); diff != "" {
				t.Errorf("specs differ from expected: %s", diff)
			}
		})
	}
}

func TestTriggerPipeline(t *testing.T) {
	repoID := uuid.New()
	commitID := uuid.New()
	pipelineID := uuid.New()
	configHash := "b3-pipeline-config"
	pipelineYAML := `
pipeline:
  name: demo
  jobs:
    - name: unit
      image: alpine
      stage: test
      script: ["true"]
      artifacts: []
`

	setup := func(t *testing.T) (*Service, sqlmock.Sqlmock, *Fabric) {
		t.Helper()
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("failed to open sqlmock: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		memory := blobstore.NewMemory()
		if err := memory.Put(context.Background(), configHash, []byte(pipelineYAML)); err != nil {
			t.Fatalf("failed to seed blob store: %v", err)
		}
		fabric := NewFabric()
		svc := NewService(store.NewFromDB(sqlx.NewDb(db, "sqlmock")), memory, fabric, []byte("secret"), "http://plectr-core:8000")

		mock.ExpectQuery(`SELECT b\.hash, b\.mime_type`).
			WithArgs(commitID, PipelineFileName).
			WillReturnRows(sqlmock.NewRows([]string{"hash", "mime_type"}).AddRow(configHash, "application/x-yaml"))
		mock.ExpectQuery(`SELECT name FROM repositories`).
			WithArgs(repoID).
			WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("demo"))
		mock.ExpectQuery(`INSERT INTO pipelines`).
			WithArgs(repoID, commitID).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(pipelineID))
		return svc, mock, fabric
	}

	t.Run("no connected runner leaves no job row", func(t *testing.T) {
		svc, mock, _ := setup(t)
		id, err := svc.TriggerPipeline(context.Background(), repoID, commitID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if id == nil || *id != pipelineID {
			t.Errorf("expected pipeline %s, got %v", pipelineID, id)
		}
		// The pipeline row is the only write: no job insert, no settling
		// update, the pipeline stays running.
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unexpected database traffic: %v", err)
		}
	})

	t.Run("connected runner is bound at job insert and gets the frame", func(t *testing.T) {
		svc, mock, fabric := setup(t)
		runnerID := uuid.New()
		jobID := uuid.New()
		outbound := fabric.register(runnerID)
		mock.ExpectQuery(`INSERT INTO jobs`).
			WithArgs(pipelineID, "unit", "test", "alpine", []byte(`["true"]`), runnerID).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(jobID))

		id, err := svc.TriggerPipeline(context.Background(), repoID, commitID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if id == nil || *id != pipelineID {
			t.Errorf("expected pipeline %s, got %v", pipelineID, id)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unexpected database traffic: %v", err)
		}

		select {
		case frame := <-outbound:
			request, ok := frame.(JobRequest)
			if !ok {
				t.Fatalf("unexpected frame %+v", frame)
			}
			if request.Payload.JobID != jobID {
				t.Errorf("expected job %s, got %s", jobID, request.Payload.JobID)
			}
			if request.Payload.Context.RepoName != "demo" || request.Payload.Context.CommitID != commitID.String() {
				t.Errorf("context carries wrong source: %+v", request.Payload.Context)
			}
			if request.Payload.Context.APIURL != "http://plectr-core:8000" {
				t.Errorf("unexpected api url %q", request.Payload.Context.APIURL)
			}
			if request.Payload.Context.AuthToken == "" {
				t.Error("dispatched job carries no auth token")
			}
		default:
			t.Fatal("no frame was dispatched to the runner")
		}
	})
}

func TestFabric(t *testing.T) {
	fabric := NewFabric()
	runnerID := uuid.New()

	if _, ok := fabric.Pick(); ok {
		t.Error("empty fabric should have nothing to pick")
	}
	if fabric.Send(runnerID, Envelope{Type: TypeHeartbeat}) {
		t.Error("send to unregistered runner should report false")
	}

	outbound := fabric.register(runnerID)
	if !fabric.Connected(runnerID) {
		t.Error("runner should be connected after register")
	}
	if picked, ok := fabric.Pick(); !ok || picked != runnerID {
		t.Errorf("expected to pick %s, got %s (ok=%t)", runnerID, picked, ok)
	}
	if !fabric.Send(runnerID, Envelope{Type: TypeHeartbeat}) {
		t.Error("send to registered runner should succeed")
	}
	select {
	case frame := <-outbound:
		if envelope, ok := frame.(Envelope); !ok || envelope.Type != TypeHeartbeat {
			t.Errorf("unexpected frame %+v", frame)
		}
	default:
		t.Error("frame was not queued")
	}

	// A reconnect replaces the stale session and closes its queue.
	replacement := fabric.register(runnerID)
	if _, open := <-outbound; open {
		t.Error("stale session queue should be closed")
	}
	fabric.unregister(runnerID, outbound)
	if !fabric.Connected(runnerID) {
		t.Error("unregistering a stale session must not drop the live one")
	}
	fabric.unregister(runnerID, replacement)
	if fabric.Connected(runnerID) {
		t.Error("runner should be gone after unregistering the live session")
	}
}
