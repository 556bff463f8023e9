package model

import (
	"time"
)

// ExecutionMode selects the back-end that carries a run to completion.
type ExecutionMode string

const (
	ModeLocal      ExecutionMode = "local"
	ModeClusterJob ExecutionMode = "cluster_job"
	ModeAgent      ExecutionMode = "agent"
)

// ValidMode reports whether s names a known execution mode.
func ValidMode(s string) bool {
	switch ExecutionMode(s) {
	case ModeLocal, ModeClusterJob, ModeAgent:
		return true
	}
	return false
}

// RunStatus is the lifecycle status of a pipeline run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed || s == RunCancelled
}

// StageStatus is the lifecycle status of a single stage.
type StageStatus string

const (
	StagePending StageStatus = "pending"
	StageRunning StageStatus = "running"
	StageSuccess StageStatus = "success"
	StageFailed  StageStatus = "failed"
	StageSkipped StageStatus = "skipped"
)

// Terminal reports whether the stage status is final.
func (s StageStatus) Terminal() bool {
	return s == StageSuccess || s == StageFailed || s == StageSkipped
}

// ApprovalDecision is a single recorded human decision. Decisions are
// append-only rows; the aggregate state of a stage is always derived by
// counting them, never by mutating a prior decision.
type ApprovalDecision string

const (
	DecisionApproved ApprovalDecision = "approved"
	DecisionRejected ApprovalDecision = "rejected"
)

// ApprovalState is the derived approval state of a stage.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
	ApprovalExpired  ApprovalState = "expired"
)

// DefinitionStats holds the cached aggregate statistics on a definition.
// Recomputed by the coordinator after every terminal run transition.
type DefinitionStats struct {
	TotalRuns       int     `json:"total_runs"`
	SuccessRuns     int     `json:"success_runs"`
	FailedRuns      int     `json:"failed_runs"`
	SuccessRate     float64 `json:"success_rate"`
	AvgDurationSecs float64 `json:"avg_duration_secs"`
	LastRunID       string  `json:"last_run_id,omitempty"`
	LastRunStatus   string  `json:"last_run_status,omitempty"`
	LastDuration    string  `json:"last_duration,omitempty"`
}

// PipelineDefinition is a declarative pipeline owned by the platform.
type PipelineDefinition struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Repository       string          `json:"repository"`
	DefaultBranch    string          `json:"default_branch"`
	RawConfig        string          `json:"raw_config"`
	DefaultMode      ExecutionMode   `json:"default_mode"`
	PreferredAgentID string          `json:"preferred_agent_id,omitempty"`
	Namespace        string          `json:"namespace,omitempty"`
	WebhookSecret    string          `json:"-"`
	Schedule         string          `json:"schedule,omitempty"` // cron expression, empty = none
	Stats            DefinitionStats `json:"stats"`
	CreatedAt        time.Time       `json:"created_at"`
}

// PipelineRun is one tracked execution attempt of a definition.
// The stage set is fixed at creation; only status and timing mutate afterward.
type PipelineRun struct {
	ID            string            `json:"id"`
	DefinitionID  string            `json:"definition_id"`
	Status        RunStatus         `json:"status"`
	Branch        string            `json:"branch"`
	CommitSHA     string            `json:"commit_sha,omitempty"`
	CommitMessage string            `json:"commit_message,omitempty"`
	TriggerType   string            `json:"trigger_type"` // "manual", "webhook", "schedule", "retry"
	TriggeredBy   string            `json:"triggered_by"`
	Environment   string            `json:"environment,omitempty"`
	Variables     map[string]string `json:"variables,omitempty"`
	Mode          ExecutionMode     `json:"mode"`
	AgentID       string            `json:"agent_id,omitempty"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`
	DurationSecs  float64           `json:"duration_secs"`
	Error         string            `json:"error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Stage is one ordered unit of work within a run. Order is 0-based,
// unique and contiguous within the run; never reordered after creation.
type Stage struct {
	ID                string      `json:"id"`
	RunID             string      `json:"run_id"`
	Name              string      `json:"name"`
	Order             int         `json:"order"`
	Status            StageStatus `json:"status"`
	Steps             []string    `json:"steps,omitempty"`
	RequiresApproval  bool        `json:"requires_approval"`
	RequiredApprovers int         `json:"required_approvers"`
	ApproverRoles     []string    `json:"approver_roles,omitempty"`
	StartedAt         *time.Time  `json:"started_at,omitempty"`
	FinishedAt        *time.Time  `json:"finished_at,omitempty"`
	DurationSecs      float64     `json:"duration_secs"`
	Error             string      `json:"error,omitempty"`
}

// Approval is one recorded decision row for a stage.
type Approval struct {
	ID           string           `json:"id"`
	StageID      string           `json:"stage_id"`
	RunID        string           `json:"run_id"`
	Decision     ApprovalDecision `json:"decision"`
	Approver     string           `json:"approver"`
	Role         string           `json:"role,omitempty"`
	Comment      string           `json:"comment,omitempty"`
	Environment  string           `json:"environment,omitempty"`
	IsProduction bool             `json:"is_production"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Log levels for LogEntry.
const (
	LogInfo  = "info"
	LogWarn  = "warn"
	LogError = "error"
)

// LogEntry is one append-only log line for a run, optionally tagged with a
// stage. Seq is monotonic per run and serves as the read cursor.
type LogEntry struct {
	Seq       int64     `json:"seq"`
	RunID     string    `json:"run_id"`
	StageID   string    `json:"stage_id,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Agent is a remote worker the engine can submit jobs to.
type Agent struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	Pool        string    `json:"pool,omitempty"`
	Labels      []string  `json:"labels,omitempty"`
	MaxJobs     int       `json:"max_jobs"`
	CurrentJobs int       `json:"current_jobs"`
	Healthy     bool      `json:"healthy"`
	LastSeen    time.Time `json:"last_seen"`
}

// HasLabel reports whether the agent carries the given label.
func (a *Agent) HasLabel(label string) bool {
	for _, l := range a.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// JobAssignment records the placement of an agent-mode run. One per run.
type JobAssignment struct {
	RunID       string     `json:"run_id"`
	AgentID     string     `json:"agent_id"`
	AssignedAt  time.Time  `json:"assigned_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Workspace   string     `json:"workspace,omitempty"`
}

// RunProgress returns the percentage of stages that have reached a terminal
// status, for getStatus responses.
func RunProgress(stages []Stage) int {
	if len(stages) == 0 {
		return 0
	}
	done := 0
	for _, s := range stages {
		if s.Status.Terminal() {
			done++
		}
	}
	return done * 100 / len(stages)
}
