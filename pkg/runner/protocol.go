// Package runner connects CI workers over websockets and dispatches pipeline
// jobs to them. The wire protocol is JSON text frames with a type
// discriminator; the server never blocks on a slow runner because every
// session writes through its own buffered pump.
package runner

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/plectr/plectr/pkg/api"
)

// Frame types exchanged with runners.
const (
	TypeJobRequest   = "job_request"
	TypeJobStarted   = "job_started"
	TypeJobLog       = "job_log"
	TypeJobCompleted = "job_completed"
	TypeHeartbeat    = "heartbeat"
)

// Envelope wraps every frame; Type selects the payload shape.
type Envelope struct {
	Type string `json:"type"`
}

// JobContext tells the runner where its job came from and how to call back:
// AuthToken is a short-lived credential for fetching source and uploading
// artifacts against APIURL.
type JobContext struct {
	RepoName  string `json:"repo_name"`
	CommitID  string `json:"commit_id"`
	APIURL    string `json:"api_url"`
	AuthToken string `json:"auth_token"`
}

// JobPayload is the body of a job_request frame.
type JobPayload struct {
	JobID     uuid.UUID  `json:"job_id"`
	Image     string     `json:"image"`
	Script    []string   `json:"script"`
	Artifacts []string   `json:"artifacts"`
	Env       []string   `json:"env"`
	Context   JobContext `json:"context"`
}

// JobRequest is sent to a runner to start a job.
type JobRequest struct {
	Type    string     `json:"type"`
	Payload JobPayload `json:"payload"`
}

// JobStarted acknowledges that a runner began executing a job.
type JobStarted struct {
	Type  string    `json:"type"`
	JobID uuid.UUID `json:"job_id"`
}

// JobLog streams a chunk of job output.
type JobLog struct {
	Type    string    `json:"type"`
	JobID   uuid.UUID `json:"job_id"`
	Content string    `json:"content"`
}

// JobCompleted reports a job's terminal state.
type JobCompleted struct {
	Type     string     `json:"type"`
	JobID    uuid.UUID  `json:"job_id"`
	Status   api.Status `json:"status"`
	ExitCode int        `json:"exit_code"`
}

// DecodeFrame parses an incoming text frame into its typed payload.
func DecodeFrame(data []byte) (interface{}, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode frame envelope: %w", err)
	}
	switch envelope.Type {
	case TypeJobStarted:
		var frame JobStarted
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("failed to decode %s frame: %w", envelope.Type, err)
		}
		return frame, nil
	case TypeJobLog:
		var frame JobLog
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("failed to decode %s frame: %w", envelope.Type, err)
		}
		return frame, nil
	case TypeJobCompleted:
		var frame JobCompleted
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("failed to decode %s frame: %w", envelope.Type, err)
		}
		if frame.Status != api.StatusSuccess && frame.Status != api.StatusFailed && frame.Status != api.StatusCancelled {
			return nil, fmt.Errorf("frame reports non-terminal status %q", frame.Status)
		}
		return frame, nil
	case TypeHeartbeat:
		return Envelope{Type: TypeHeartbeat}, nil
	default:
		return nil, fmt.Errorf("unknown frame type %q", envelope.Type)
	}
}
