// Package engine is the run coordinator: it owns triggering, cancellation,
// retries, approvals, and the lifecycle of the background unit driving each
// run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nextsight-ai/conveyor/internal/agents"
	"github.com/nextsight-ai/conveyor/internal/approval"
	"github.com/nextsight-ai/conveyor/internal/cluster"
	"github.com/nextsight-ai/conveyor/internal/executor"
	"github.com/nextsight-ai/conveyor/internal/logsink"
	"github.com/nextsight-ai/conveyor/internal/model"
	"github.com/nextsight-ai/conveyor/internal/registry"
	"github.com/nextsight-ai/conveyor/internal/stageparse"
	"github.com/nextsight-ai/conveyor/internal/store"
)

// ErrNotRetryable is returned when retry targets a run that is not FAILED or
// CANCELLED.
var ErrNotRetryable = errors.New("run is not in a retryable state")

// Options tunes the engine's timing and collaborators. Zero values take the
// documented defaults.
type Options struct {
	ApprovalPoll    time.Duration // default 5s
	ApprovalTimeout time.Duration // default 1h
	AgentPoll       time.Duration // default 2s
	AgentTimeout    time.Duration // default 1h
	Workdir         string        // local-mode step working directory
	JobImage        string        // cluster-mode container image
	WorkspaceRoot   string        // agent-mode workspace base path
}

// Engine coordinates runs end to end. Trigger returns before the run
// completes; the run's unit lives in the registry until terminal.
type Engine struct {
	store    store.Store
	sink     *logsink.Sink
	registry *registry.Registry
	gate     *approval.Gate
	chain    *stageparse.Chain
	agents   agents.Client
	cluster  cluster.Runner
	runner   executor.CommandRunner
	opts     Options
	log      *zap.SugaredLogger

	wg sync.WaitGroup
}

// New builds an engine. clusterRunner may be nil (degrades to simulated
// cluster runs); agentClient must be non-nil when agent mode is used.
func New(st store.Store, sink *logsink.Sink, reg *registry.Registry, agentClient agents.Client, clusterRunner cluster.Runner, opts Options, log *zap.SugaredLogger) *Engine {
	return &Engine{
		store:    st,
		sink:     sink,
		registry: reg,
		gate:     approval.NewGate(st, sink, opts.ApprovalPoll, opts.ApprovalTimeout),
		chain:    stageparse.NewChain(),
		agents:   agentClient,
		cluster:  clusterRunner,
		runner:   &executor.ExecRunner{},
		opts:     opts,
		log:      log,
	}
}

// TriggerRequest describes one trigger call.
type TriggerRequest struct {
	DefinitionID  string
	Branch        string
	CommitSHA     string
	CommitMessage string
	Environment   string
	Variables     map[string]string
	Mode          string // override; empty uses the definition default
	AgentID       string // explicit agent override for agent mode
	TriggerType   string // "manual", "webhook", "schedule", "retry"
	TriggeredBy   string
}

// RunSummary is the non-blocking trigger response.
type RunSummary struct {
	RunID      string          `json:"run_id"`
	Status     model.RunStatus `json:"status"`
	Mode       string          `json:"mode"`
	AgentID    string          `json:"agent_id,omitempty"`
	StageCount int             `json:"stage_count"`
}

// Trigger creates and starts a run. The run and its full stage set are
// persisted atomically before anything executes; if an agent is required but
// none is available, no run is created at all.
func (e *Engine) Trigger(ctx context.Context, req TriggerRequest) (*RunSummary, error) {
	def, err := e.store.GetDefinition(req.DefinitionID)
	if err != nil {
		return nil, fmt.Errorf("resolve definition %s: %w", req.DefinitionID, err)
	}

	mode := def.DefaultMode
	if req.Mode != "" {
		if !model.ValidMode(req.Mode) {
			return nil, fmt.Errorf("unknown execution mode %q", req.Mode)
		}
		mode = model.ExecutionMode(req.Mode)
	}
	if mode == "" {
		mode = model.ModeLocal
	}

	var agentID string
	if mode == model.ModeAgent {
		explicit := req.AgentID
		if explicit == "" {
			explicit = def.PreferredAgentID
		}
		agent, err := agents.Select(e.store, explicit, def.Namespace)
		if err != nil {
			return nil, fmt.Errorf("select agent for definition %s: %w", def.ID, err)
		}
		agentID = agent.ID
	}

	branch := req.Branch
	if branch == "" {
		branch = def.DefaultBranch
	}
	triggerType := req.TriggerType
	if triggerType == "" {
		triggerType = "manual"
	}

	specs := e.chain.Parse(def.RawConfig, req.Environment)

	run := &model.PipelineRun{
		ID:            uuid.NewString(),
		DefinitionID:  def.ID,
		Status:        model.RunPending,
		Branch:        branch,
		CommitSHA:     req.CommitSHA,
		CommitMessage: req.CommitMessage,
		TriggerType:   triggerType,
		TriggeredBy:   req.TriggeredBy,
		Environment:   req.Environment,
		Variables:     req.Variables,
		Mode:          mode,
		AgentID:       agentID,
	}
	stages := make([]model.Stage, len(specs))
	for i, spec := range specs {
		stages[i] = model.Stage{
			ID:                uuid.NewString(),
			RunID:             run.ID,
			Name:              spec.Name,
			Order:             i,
			Status:            model.StagePending,
			Steps:             spec.Steps,
			RequiresApproval:  spec.RequiresApproval,
			RequiredApprovers: spec.RequiredApprovers,
			ApproverRoles:     spec.ApproverRoles,
		}
	}
	if err := e.store.CreateRun(run, stages); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	stats := def.Stats
	stats.TotalRuns++
	stats.LastRunID = run.ID
	stats.LastRunStatus = string(run.Status)
	if err := e.store.UpdateDefinitionStats(def.ID, stats); err != nil {
		e.log.Errorw("update definition stats", "definition_id", def.ID, "error", err)
	}

	e.sink.Info(run.ID, "", "run queued for %q (branch %s, %s trigger by %s)",
		def.Name, branch, triggerType, req.TriggeredBy)

	if err := e.start(run, def, stages); err != nil {
		return nil, err
	}

	return &RunSummary{
		RunID:      run.ID,
		Status:     run.Status,
		Mode:       string(mode),
		AgentID:    agentID,
		StageCount: len(stages),
	}, nil
}

// start registers the run's cancellable unit and launches its strategy.
func (e *Engine) start(run *model.PipelineRun, def *model.PipelineDefinition, stages []model.Stage) error {
	runCtx, err := e.registry.Register(context.Background(), run.ID)
	if err != nil {
		return fmt.Errorf("register run: %w", err)
	}

	var strategy executor.Strategy
	switch run.Mode {
	case model.ModeClusterJob:
		strategy = executor.NewClusterJobExecutor(e.store, e.sink, e.cluster, e.opts.JobImage, e.log)
	case model.ModeAgent:
		strategy = executor.NewAgentExecutor(e.store, e.sink, e.agents, def,
			e.opts.AgentPoll, e.opts.AgentTimeout, e.opts.WorkspaceRoot, e.log)
	default:
		strategy = executor.NewLocalExecutor(e.store, e.sink, e.gate, e.runner, e.opts.Workdir, e.log)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.registry.Remove(run.ID)
		strategy.Execute(runCtx, run, stages)
		e.afterTerminal(run.ID, run.DefinitionID)
	}()
	return nil
}

// afterTerminal emits the completion marker and recomputes definition stats
// once the strategy has finalized the run.
func (e *Engine) afterTerminal(runID, definitionID string) {
	final, err := e.store.GetRun(runID)
	if err != nil {
		e.log.Errorw("load finished run", "run_id", runID, "error", err)
		return
	}
	e.sink.Completed(runID, final.Status)
	if err := e.RecomputeStats(definitionID); err != nil {
		e.log.Errorw("recompute stats", "definition_id", definitionID, "error", err)
	}
}

// Cancel signals the run's unit. When no live unit exists but the persisted
// status is still RUNNING or PENDING, the run is force-transitioned to
// CANCELLED so a crashed unit cannot strand it.
func (e *Engine) Cancel(runID string) (bool, error) {
	if e.registry.Cancel(runID) {
		return true, nil
	}

	run, err := e.store.GetRun(runID)
	if err != nil {
		return false, fmt.Errorf("resolve run %s: %w", runID, err)
	}
	if run.Status.Terminal() {
		return false, nil
	}

	stages, err := e.store.GetStages(runID)
	if err == nil {
		for _, st := range stages {
			if !st.Status.Terminal() {
				if merr := e.store.MarkStage(st.ID, model.StageSkipped, "run cancelled"); merr != nil {
					e.log.Errorw("skip stage", "stage_id", st.ID, "error", merr)
				}
			}
		}
	}
	if err := e.store.FinishRun(runID, model.RunCancelled, "cancelled with no live execution unit", time.Now()); err != nil {
		return false, fmt.Errorf("force cancel run: %w", err)
	}
	e.afterTerminal(runID, run.DefinitionID)
	return true, nil
}

// Retry creates a brand-new run with the same definition, branch, commit,
// environment, and variables. Allowed only from FAILED or CANCELLED; the
// original run is never mutated.
func (e *Engine) Retry(ctx context.Context, runID, triggeredBy string) (*RunSummary, error) {
	run, err := e.store.GetRun(runID)
	if err != nil {
		return nil, fmt.Errorf("resolve run %s: %w", runID, err)
	}
	if run.Status != model.RunFailed && run.Status != model.RunCancelled {
		return nil, fmt.Errorf("run %s has status %s: %w", runID, run.Status, ErrNotRetryable)
	}
	return e.Trigger(ctx, TriggerRequest{
		DefinitionID:  run.DefinitionID,
		Branch:        run.Branch,
		CommitSHA:     run.CommitSHA,
		CommitMessage: run.CommitMessage,
		Environment:   run.Environment,
		Variables:     run.Variables,
		Mode:          string(run.Mode),
		TriggerType:   "retry",
		TriggeredBy:   triggeredBy,
	})
}

// RunStatus is the getStatus response: the run, its full fixed stage set,
// and overall progress.
type RunStatus struct {
	Run             *model.PipelineRun `json:"run"`
	Stages          []model.Stage      `json:"stages"`
	ProgressPercent int                `json:"progress_percent"`
	Live            bool               `json:"live"`
}

// GetStatus returns the run with every stage, even while stages are PENDING.
func (e *Engine) GetStatus(runID string) (*RunStatus, error) {
	run, err := e.store.GetRun(runID)
	if err != nil {
		return nil, fmt.Errorf("resolve run %s: %w", runID, err)
	}
	stages, err := e.store.GetStages(runID)
	if err != nil {
		return nil, fmt.Errorf("load stages: %w", err)
	}
	return &RunStatus{
		Run:             run,
		Stages:          stages,
		ProgressPercent: model.RunProgress(stages),
		Live:            e.registry.IsRunning(runID),
	}, nil
}

// RecordApproval persists one decision for a gated stage. The waiting gate
// picks the new derived state up on its next poll.
func (e *Engine) RecordApproval(stageID string, decision model.ApprovalDecision, approver, role, comment string) (*model.Approval, error) {
	stage, err := e.store.GetStage(stageID)
	if err != nil {
		return nil, fmt.Errorf("resolve stage %s: %w", stageID, err)
	}
	run, err := e.store.GetRun(stage.RunID)
	if err != nil {
		return nil, fmt.Errorf("resolve run %s: %w", stage.RunID, err)
	}
	a, err := approval.Record(e.store, stage, decision, approver, role, comment, run.Environment)
	if err != nil {
		return nil, err
	}
	e.sink.Info(run.ID, stage.ID, "%s recorded %s for stage %q", approver, decision, stage.Name)
	return a, nil
}

// Shutdown cancels every live run and waits for their units to finish, up to
// the context deadline.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.registry.CancelAll()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}
