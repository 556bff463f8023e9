// Package cluster submits pipeline stages to an external container-based job
// runner and streams per-stage outcomes back.
package cluster

import (
	"context"
	"errors"
)

// ErrUnconfigured reports that no job runner is reachable. Callers treat it
// as a degraded configuration, never as an execution failure.
var ErrUnconfigured = errors.New("cluster job runner not configured")

// JobStage is one unit of work inside a submitted job.
type JobStage struct {
	Name     string
	Commands []string
}

// JobSpec is the converted shape of a run handed to the job runner.
type JobSpec struct {
	RunID       string
	Image       string
	Repository  string
	Branch      string
	Environment map[string]string
	Stages      []JobStage
}

// StageResult is one streamed per-stage outcome. The stream closes after the
// final stage, or after the first failed stage.
type StageResult struct {
	StageName string
	Success   bool
	Output    string
	ErrorMsg  string
}

// Runner is the job-running collaborator contract. Submit returns
// ErrUnconfigured when the backend is unreachable; results arrive on the
// returned channel in stage order.
type Runner interface {
	Submit(ctx context.Context, spec JobSpec) (<-chan StageResult, error)
}
