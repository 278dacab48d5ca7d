package runner

import (
	"fmt"

	"sigs.k8s.io/yaml"

	"github.com/plectr/plectr/pkg/store"
)

// PipelineFileName is the tree path that triggers CI on commit.
const PipelineFileName = "plectr.yaml"

// pipelineFile is the on-disk shape: a single `pipeline` document naming the
// pipeline and listing its jobs in execution order.
type pipelineFile struct {
	Pipeline pipelineDef `json:"pipeline"`
}

type pipelineDef struct {
	Name string        `json:"name,omitempty"`
	Jobs []pipelineJob `json:"jobs"`
}

type pipelineJob struct {
	Name      string   `json:"name"`
	Image     string   `json:"image"`
	Stage     string   `json:"stage"`
	Script    []string `json:"script"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// ParsePipelineFile decodes a plectr.yaml into job specs, preserving the
// declared job order.
func ParsePipelineFile(data []byte) ([]store.JobSpec, error) {
	var file pipelineFile
	if err := yaml.UnmarshalStrict(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline file: %w", err)
	}
	if len(file.Pipeline.Jobs) == 0 {
		return nil, fmt.Errorf("pipeline file declares no jobs")
	}

	specs := make([]store.JobSpec, 0, len(file.Pipeline.Jobs))
	seen := map[string]bool{}
	for i, job := range file.Pipeline.Jobs {
		if job.Name == "" {
			return nil, fmt.Errorf("job %d declares no name", i)
		}
		if seen[job.Name] {
			return nil, fmt.Errorf("job %q is declared twice", job.Name)
		}
		seen[job.Name] = true
		if job.Image == "" {
			return nil, fmt.Errorf("job %q declares no image", job.Name)
		}
		if len(job.Script) == 0 {
			return nil, fmt.Errorf("job %q declares no script", job.Name)
		}
		stage := job.Stage
		if stage == "" {
			stage = "default"
		}
		specs = append(specs, store.JobSpec{
			Name:      job.Name,
			Stage:     stage,
			Image:     job.Image,
			Script:    job.Script,
			Artifacts: job.Artifacts,
		})
	}
	return specs, nil
}
