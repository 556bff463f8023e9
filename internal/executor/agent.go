package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/nextsight-ai/conveyor/internal/agents"
	"github.com/nextsight-ai/conveyor/internal/logsink"
	"github.com/nextsight-ai/conveyor/internal/model"
	"github.com/nextsight-ai/conveyor/internal/store"
)

// AgentExecutor submits the run to its assigned remote agent and polls the
// agent-reported status to a terminal outcome.
type AgentExecutor struct {
	base
	client        agents.Client
	definition    *model.PipelineDefinition
	pollInterval  time.Duration
	pollTimeout   time.Duration
	workspaceRoot string
}

// NewAgentExecutor builds the agent strategy for one run. Zero poll values
// take the defaults of 2s and 1h.
func NewAgentExecutor(st store.Store, sink *logsink.Sink, client agents.Client, def *model.PipelineDefinition, poll, timeout time.Duration, workspaceRoot string, log *zap.SugaredLogger) *AgentExecutor {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	if timeout <= 0 {
		timeout = time.Hour
	}
	if workspaceRoot == "" {
		workspaceRoot = "/var/lib/conveyor/workspaces"
	}
	return &AgentExecutor{
		base:          base{store: st, sink: sink, log: log},
		client:        client,
		definition:    def,
		pollInterval:  poll,
		pollTimeout:   timeout,
		workspaceRoot: workspaceRoot,
	}
}

func (e *AgentExecutor) Execute(ctx context.Context, run *model.PipelineRun, stages []model.Stage) {
	started := time.Now()
	if err := e.store.StartRun(run.ID, started); err != nil {
		e.log.Errorw("start run", "run_id", run.ID, "error", err)
	}

	agent, err := e.store.GetAgent(run.AgentID)
	if err != nil {
		e.fail(run, stages, fmt.Sprintf("resolve agent %s: %v", run.AgentID, err))
		return
	}
	e.sink.Info(run.ID, "", "run started in agent mode on %q", agent.Name)

	if !e.client.HealthCheck(ctx, agent) {
		if err := e.store.SetAgentHealth(agent.ID, false, time.Now()); err != nil {
			e.log.Errorw("set agent health", "agent_id", agent.ID, "error", err)
		}
		e.fail(run, stages, fmt.Sprintf("agent %q failed health check", agent.Name))
		return
	}

	if err := e.store.AdjustAgentJobs(agent.ID, 1); err != nil {
		e.fail(run, stages, fmt.Sprintf("reserve slot on agent %q: %v", agent.Name, err))
		return
	}
	defer func() {
		if err := e.store.AdjustAgentJobs(agent.ID, -1); err != nil {
			e.log.Errorw("release agent slot", "agent_id", agent.ID, "error", err)
		}
	}()

	req := agents.JobRequest{
		RunID:        run.ID,
		DefinitionID: run.DefinitionID,
		Repository:   e.definition.Repository,
		Branch:       run.Branch,
		CommitSHA:    run.CommitSHA,
		RawConfig:    e.definition.RawConfig,
		Variables:    run.Variables,
		Workspace:    filepath.Join(e.workspaceRoot, run.ID),
	}
	jobID, err := e.client.SubmitJob(ctx, agent, req)
	if err != nil {
		e.fail(run, stages, fmt.Sprintf("submit job: %v", err))
		return
	}
	e.sink.Info(run.ID, "", "job %s accepted by agent %q", jobID, agent.Name)

	assignment := &model.JobAssignment{
		RunID:     run.ID,
		AgentID:   agent.ID,
		Workspace: req.Workspace,
	}
	if err := e.store.CreateAssignment(assignment); err != nil {
		e.log.Errorw("create assignment", "run_id", run.ID, "error", err)
	}

	e.poll(ctx, run, stages, agent, started)
}

// poll watches the agent-reported status until terminal, timeout, or cancel.
func (e *AgentExecutor) poll(ctx context.Context, run *model.PipelineRun, stages []model.Stage, agent *model.Agent, started time.Time) {
	deadline := time.Now().Add(e.pollTimeout)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.cancelRun(run, stages, 0)
			e.completeAssignment(run.ID)
			return
		case <-ticker.C:
		}

		status, err := e.client.PollStatus(ctx, agent, run.ID)
		if err != nil {
			// Transient; keep polling until the deadline.
			e.log.Warnw("poll agent status", "run_id", run.ID, "error", err)
		} else if status.Terminal() {
			e.completeAssignment(run.ID)
			if status.Status == "success" {
				e.succeedAllStages(stages, started)
				e.sink.Info(run.ID, "", "agent reported success")
				e.finishRun(run.ID, model.RunSuccess, "")
				return
			}
			msg := status.Error
			if msg == "" {
				msg = "agent reported failure"
			}
			e.fail(run, stages, msg)
			return
		}

		if time.Now().After(deadline) {
			e.completeAssignment(run.ID)
			e.fail(run, stages, fmt.Sprintf("agent did not finish within %s", e.pollTimeout))
			return
		}
	}
}

func (e *AgentExecutor) completeAssignment(runID string) {
	if err := e.store.CompleteAssignment(runID, time.Now()); err != nil {
		e.log.Errorw("complete assignment", "run_id", runID, "error", err)
	}
}

// succeedAllStages writes SUCCESS with timestamps for every stage. The agent
// reports only job-level status, so each stage carries the run's span.
func (e *AgentExecutor) succeedAllStages(stages []model.Stage, started time.Time) {
	finished := time.Now()
	for i := range stages {
		if err := e.store.StartStage(stages[i].ID, started); err != nil {
			e.log.Errorw("start stage", "stage_id", stages[i].ID, "error", err)
		}
		if err := e.store.FinishStage(stages[i].ID, model.StageSuccess, "", finished); err != nil {
			e.log.Errorw("finish stage", "stage_id", stages[i].ID, "error", err)
		}
		stages[i].Status = model.StageSuccess
	}
}

func (e *AgentExecutor) fail(run *model.PipelineRun, stages []model.Stage, msg string) {
	e.skipFrom(stages, 0, msg)
	e.sink.Error(run.ID, "", "%s", msg)
	e.finishRun(run.ID, model.RunFailed, msg)
}
