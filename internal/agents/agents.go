// Package agents talks to remote worker agents and selects one for a run.
package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nextsight-ai/conveyor/internal/model"
	"github.com/nextsight-ai/conveyor/internal/store"
)

// ErrNoAgentAvailable reports that no healthy agent with capacity matched the
// selection criteria.
var ErrNoAgentAvailable = errors.New("no agent available")

// JobRequest is the payload submitted to an agent's management endpoint.
type JobRequest struct {
	RunID        string            `json:"run_id"`
	DefinitionID string            `json:"definition_id"`
	Repository   string            `json:"repository"`
	Branch       string            `json:"branch"`
	CommitSHA    string            `json:"commit_sha,omitempty"`
	RawConfig    string            `json:"raw_config"`
	Variables    map[string]string `json:"variables,omitempty"`
	Workspace    string            `json:"workspace"`
}

// JobStatus is an agent-reported run status: "pending", "running",
// "success", or "failed".
type JobStatus struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Terminal reports whether the agent considers the job finished.
func (s JobStatus) Terminal() bool {
	return s.Status == "success" || s.Status == "failed"
}

// Client is the agent management contract.
type Client interface {
	HealthCheck(ctx context.Context, agent *model.Agent) bool
	SubmitJob(ctx context.Context, agent *model.Agent, req JobRequest) (jobID string, err error)
	PollStatus(ctx context.Context, agent *model.Agent, runID string) (JobStatus, error)
}

// HTTPClient implements Client over the agent's HTTP management endpoint.
type HTTPClient struct {
	http *http.Client
}

// NewHTTPClient returns a client with a bounded request timeout.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{http: &http.Client{Timeout: timeout}}
}

func agentURL(a *model.Agent, path string) string {
	return fmt.Sprintf("http://%s:%d%s", a.Host, a.Port, path)
}

// HealthCheck reports whether the agent answers its health endpoint.
func (c *HTTPClient) HealthCheck(ctx context.Context, agent *model.Agent) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, agentURL(agent, "/healthz"), nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// SubmitJob posts the job request and returns the agent-assigned job id.
func (c *HTTPClient) SubmitJob(ctx context.Context, agent *model.Agent, jobReq JobRequest) (string, error) {
	body, err := json.Marshal(jobReq)
	if err != nil {
		return "", fmt.Errorf("encode job request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agentURL(agent, "/jobs"), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build job request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit job to agent %s: %w", agent.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("agent %s rejected job: %s: %s", agent.Name, resp.Status, msg)
	}

	var out struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode job response: %w", err)
	}
	return out.JobID, nil
}

// PollStatus fetches the agent-reported status for a run.
func (c *HTTPClient) PollStatus(ctx context.Context, agent *model.Agent, runID string) (JobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, agentURL(agent, "/jobs/"+runID), nil)
	if err != nil {
		return JobStatus{}, fmt.Errorf("build status request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return JobStatus{}, fmt.Errorf("poll agent %s: %w", agent.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return JobStatus{}, fmt.Errorf("poll agent %s: %s", agent.Name, resp.Status)
	}
	var status JobStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return JobStatus{}, fmt.Errorf("decode status response: %w", err)
	}
	return status, nil
}

// Select resolves an agent for a run: an explicit id wins; otherwise the
// first healthy agent with spare capacity matching the pool or label.
// Returns ErrNoAgentAvailable when nothing qualifies.
func Select(st store.Store, explicitID, poolOrLabel string) (*model.Agent, error) {
	if explicitID != "" {
		agent, err := st.GetAgent(explicitID)
		if err != nil {
			return nil, fmt.Errorf("resolve agent %s: %w", explicitID, err)
		}
		return agent, nil
	}

	all, err := st.ListAgents()
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	for i := range all {
		a := &all[i]
		if !a.Healthy || a.CurrentJobs >= a.MaxJobs {
			continue
		}
		if poolOrLabel == "" || a.Pool == poolOrLabel || a.HasLabel(poolOrLabel) {
			return a, nil
		}
	}
	return nil, ErrNoAgentAvailable
}
