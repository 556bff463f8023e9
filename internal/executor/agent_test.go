package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextsight-ai/conveyor/internal/agents"
	"github.com/nextsight-ai/conveyor/internal/logging"
	"github.com/nextsight-ai/conveyor/internal/logsink"
	"github.com/nextsight-ai/conveyor/internal/model"
	"github.com/nextsight-ai/conveyor/internal/store"
)

// fakeAgentClient scripts the remote agent's behavior.
type fakeAgentClient struct {
	healthy   bool
	submitErr error
	statuses  []agents.JobStatus
	submitted *agents.JobRequest
	polls     int
}

func (f *fakeAgentClient) HealthCheck(_ context.Context, _ *model.Agent) bool {
	return f.healthy
}

func (f *fakeAgentClient) SubmitJob(_ context.Context, _ *model.Agent, req agents.JobRequest) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = &req
	return "job-" + req.RunID, nil
}

func (f *fakeAgentClient) PollStatus(_ context.Context, _ *model.Agent, runID string) (agents.JobStatus, error) {
	i := f.polls
	f.polls++
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	return f.statuses[i], nil
}

func seedAgent(t *testing.T, st store.Store, maxJobs int) *model.Agent {
	t.Helper()
	agent := &model.Agent{
		ID:      uuid.NewString(),
		Name:    "worker-1",
		Host:    "10.0.0.5",
		Port:    7777,
		MaxJobs: maxJobs,
		Healthy: true,
	}
	if err := st.CreateAgent(agent); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	return agent
}

func agentExec(st store.Store, sink *logsink.Sink, client agents.Client, def *model.PipelineDefinition) *AgentExecutor {
	return NewAgentExecutor(st, sink, client, def, 5*time.Millisecond, time.Second, "", logging.NewNop())
}

func TestAgentRunSucceeds(t *testing.T) {
	st, sink := newHarness(t)
	agent := seedAgent(t, st, 2)
	def := &model.PipelineDefinition{ID: uuid.NewString(), Repository: "github.com/example/api"}
	run, stages := seedRun(t, st,
		model.Stage{Name: "Build", Steps: []string{"make build"}},
		model.Stage{Name: "Test", Steps: []string{"make test"}},
	)
	run.AgentID = agent.ID
	client := &fakeAgentClient{healthy: true, statuses: []agents.JobStatus{
		{RunID: run.ID, Status: "running"},
		{RunID: run.ID, Status: "success"},
	}}

	agentExec(st, sink, client, def).Execute(context.Background(), run, stages)

	got, _ := st.GetRun(run.ID)
	if got.Status != model.RunSuccess {
		t.Fatalf("run status = %s, want success", got.Status)
	}
	loaded, _ := st.GetStages(run.ID)
	for _, s := range loaded {
		if s.Status != model.StageSuccess {
			t.Errorf("stage %q = %s, want success", s.Name, s.Status)
		}
		if s.StartedAt == nil || s.FinishedAt == nil {
			t.Errorf("stage %q missing timestamps: started=%v finished=%v", s.Name, s.StartedAt, s.FinishedAt)
		} else if s.FinishedAt.Before(*s.StartedAt) {
			t.Errorf("stage %q finished %v before it started %v", s.Name, s.FinishedAt, s.StartedAt)
		}
	}
	if client.submitted == nil || client.submitted.Repository != def.Repository {
		t.Errorf("submitted request = %+v", client.submitted)
	}
	if !strings.HasSuffix(client.submitted.Workspace, run.ID) {
		t.Errorf("workspace = %q, want run-scoped directory", client.submitted.Workspace)
	}

	assignment, err := st.GetAssignment(run.ID)
	if err != nil {
		t.Fatalf("GetAssignment: %v", err)
	}
	if assignment.CompletedAt == nil {
		t.Error("assignment not completed")
	}
	after, _ := st.GetAgent(agent.ID)
	if after.CurrentJobs != 0 {
		t.Errorf("agent slot not released: CurrentJobs = %d", after.CurrentJobs)
	}
}

func TestAgentUnhealthyFailsWithoutSubmission(t *testing.T) {
	st, sink := newHarness(t)
	agent := seedAgent(t, st, 1)
	def := &model.PipelineDefinition{ID: uuid.NewString()}
	run, stages := seedRun(t, st, model.Stage{Name: "Build", Steps: []string{"make build"}})
	run.AgentID = agent.ID
	client := &fakeAgentClient{healthy: false}

	agentExec(st, sink, client, def).Execute(context.Background(), run, stages)

	got, _ := st.GetRun(run.ID)
	if got.Status != model.RunFailed || !strings.Contains(got.Error, "health check") {
		t.Fatalf("run = %s/%q, want health-check failure", got.Status, got.Error)
	}
	loaded, _ := st.GetStages(run.ID)
	if loaded[0].Status != model.StageSkipped {
		t.Errorf("stage = %s, want skipped", loaded[0].Status)
	}
	after, _ := st.GetAgent(agent.ID)
	if after.Healthy {
		t.Error("agent still marked healthy after failed check")
	}
	if client.submitted != nil {
		t.Error("job submitted despite failed health check")
	}
	if _, err := st.GetAssignment(run.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("assignment err = %v, want ErrNotFound", err)
	}
}

func TestAgentReportedFailure(t *testing.T) {
	st, sink := newHarness(t)
	agent := seedAgent(t, st, 1)
	def := &model.PipelineDefinition{ID: uuid.NewString()}
	run, stages := seedRun(t, st, model.Stage{Name: "Build", Steps: []string{"make build"}})
	run.AgentID = agent.ID
	client := &fakeAgentClient{healthy: true, statuses: []agents.JobStatus{
		{RunID: run.ID, Status: "failed", Error: "build exited with code 2"},
	}}

	agentExec(st, sink, client, def).Execute(context.Background(), run, stages)

	got, _ := st.GetRun(run.ID)
	if got.Status != model.RunFailed || got.Error != "build exited with code 2" {
		t.Fatalf("run = %s/%q, want agent-reported failure", got.Status, got.Error)
	}
	after, _ := st.GetAgent(agent.ID)
	if after.CurrentJobs != 0 {
		t.Errorf("agent slot not released: CurrentJobs = %d", after.CurrentJobs)
	}
}

func TestAgentSaturatedFailsRun(t *testing.T) {
	st, sink := newHarness(t)
	agent := seedAgent(t, st, 1)
	st.AdjustAgentJobs(agent.ID, 1)
	def := &model.PipelineDefinition{ID: uuid.NewString()}
	run, stages := seedRun(t, st, model.Stage{Name: "Build", Steps: []string{"make build"}})
	run.AgentID = agent.ID
	client := &fakeAgentClient{healthy: true}

	agentExec(st, sink, client, def).Execute(context.Background(), run, stages)

	got, _ := st.GetRun(run.ID)
	if got.Status != model.RunFailed || !strings.Contains(got.Error, "reserve slot") {
		t.Fatalf("run = %s/%q, want slot reservation failure", got.Status, got.Error)
	}
	after, _ := st.GetAgent(agent.ID)
	if after.CurrentJobs != 1 {
		t.Errorf("CurrentJobs = %d, want original reservation untouched", after.CurrentJobs)
	}
}

func TestAgentCancelledWhilePolling(t *testing.T) {
	st, sink := newHarness(t)
	agent := seedAgent(t, st, 1)
	def := &model.PipelineDefinition{ID: uuid.NewString()}
	run, stages := seedRun(t, st, model.Stage{Name: "Build", Steps: []string{"make build"}})
	run.AgentID = agent.ID
	client := &fakeAgentClient{healthy: true, statuses: []agents.JobStatus{
		{RunID: run.ID, Status: "running"},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		agentExec(st, sink, client, def).Execute(ctx, run, stages)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done

	got, _ := st.GetRun(run.ID)
	if got.Status != model.RunCancelled {
		t.Fatalf("run status = %s, want cancelled", got.Status)
	}
	assignment, err := st.GetAssignment(run.ID)
	if err != nil {
		t.Fatalf("GetAssignment: %v", err)
	}
	if assignment.CompletedAt == nil {
		t.Error("assignment left open after cancellation")
	}
}
