package store

import (
	"errors"
	"time"

	"github.com/nextsight-ai/conveyor/internal/model"
)

// ErrNotFound is returned when a definition, run, stage, or agent does not exist.
var ErrNotFound = errors.New("not found")

// ErrAgentSaturated is returned when an agent's concurrent-job counter would
// exceed its maximum.
var ErrAgentSaturated = errors.New("agent at max concurrent jobs")

// Store is the persistence contract the engine consumes. One interface, two
// implementations: SQLStore (sqlite or postgres, selected at construction)
// and MemStore for demos and tests. Every read returns plain values detached
// from the store; callers never hold live persistence state across a
// goroutine boundary.
type Store interface {
	// Definitions.
	CreateDefinition(d *model.PipelineDefinition) error
	GetDefinition(id string) (*model.PipelineDefinition, error)
	ListDefinitions() ([]model.PipelineDefinition, error)
	UpdateDefinitionStats(id string, stats model.DefinitionStats) error

	// Runs. CreateRun persists the run and its full stage set atomically.
	CreateRun(run *model.PipelineRun, stages []model.Stage) error
	GetRun(id string) (*model.PipelineRun, error)
	ListRuns(definitionID string, status model.RunStatus) ([]model.PipelineRun, error)
	StartRun(id string, at time.Time) error
	// FinishRun sets the terminal status, error message, finished_at and
	// duration exactly once; later calls are no-ops for an already-terminal run.
	FinishRun(id string, status model.RunStatus, errMsg string, at time.Time) error

	// Stages.
	GetStages(runID string) ([]model.Stage, error)
	GetStage(id string) (*model.Stage, error)
	StartStage(id string, at time.Time) error
	FinishStage(id string, status model.StageStatus, errMsg string, at time.Time) error
	MarkStage(id string, status model.StageStatus, errMsg string) error

	// Approvals are append-only decision rows.
	AddApproval(a *model.Approval) error
	ListApprovals(stageID string) ([]model.Approval, error)

	// Logs. AppendLog assigns a per-run monotonic sequence number.
	AppendLog(e *model.LogEntry) error
	// LogsSince returns entries with Seq strictly greater than afterSeq, in
	// Seq order. stageID filters when non-empty.
	LogsSince(runID string, afterSeq int64, stageID string) ([]model.LogEntry, error)

	// Agents.
	CreateAgent(a *model.Agent) error
	GetAgent(id string) (*model.Agent, error)
	ListAgents() ([]model.Agent, error)
	SetAgentHealth(id string, healthy bool, at time.Time) error
	// AdjustAgentJobs moves the bounded concurrent-job counter by delta.
	// It never goes below zero; +1 beyond MaxJobs returns ErrAgentSaturated.
	AdjustAgentJobs(id string, delta int) error

	// Job assignments, one per agent-mode run.
	CreateAssignment(a *model.JobAssignment) error
	GetAssignment(runID string) (*model.JobAssignment, error)
	CompleteAssignment(runID string, at time.Time) error

	Close() error
}
