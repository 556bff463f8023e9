// Package approval implements the per-stage approval gate: append-only
// decision recording, derived state, and the executor-side wait loop.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextsight-ai/conveyor/internal/logsink"
	"github.com/nextsight-ai/conveyor/internal/model"
	"github.com/nextsight-ai/conveyor/internal/store"
)

var (
	// ErrDuplicateApproval is returned when an identity approves the same
	// stage twice. Rejections are never duplicates.
	ErrDuplicateApproval = errors.New("identity has already approved this stage")

	// ErrRejected reports a gate resolved by at least one rejection.
	ErrRejected = errors.New("approval rejected")

	// ErrExpired reports a gate that saw no resolution within the wait timeout.
	ErrExpired = errors.New("approval wait timed out")

	// ErrNotGated is returned when a decision targets a stage that does not
	// require approval.
	ErrNotGated = errors.New("stage does not require approval")
)

// DeriveState computes a stage's aggregate approval state from its decision
// rows. Distinct approving identities are counted; a single rejection is
// terminal regardless of approval count.
func DeriveState(required int, decisions []model.Approval) model.ApprovalState {
	if required < 1 {
		required = 1
	}
	approvers := make(map[string]bool)
	for _, d := range decisions {
		if d.Decision == model.DecisionRejected {
			return model.ApprovalRejected
		}
		approvers[d.Approver] = true
	}
	if len(approvers) >= required {
		return model.ApprovalApproved
	}
	return model.ApprovalPending
}

// Record persists one decision for a gated stage. A repeat approve from the
// same identity is a conflict; a reject is unconditional.
func Record(st store.Store, stage *model.Stage, decision model.ApprovalDecision, approver, role, comment, environment string) (*model.Approval, error) {
	if !stage.RequiresApproval {
		return nil, ErrNotGated
	}
	if decision == model.DecisionApproved {
		existing, err := st.ListApprovals(stage.ID)
		if err != nil {
			return nil, fmt.Errorf("list approvals: %w", err)
		}
		for _, d := range existing {
			if d.Decision == model.DecisionApproved && d.Approver == approver {
				return nil, ErrDuplicateApproval
			}
		}
	}
	a := &model.Approval{
		ID:           uuid.NewString(),
		StageID:      stage.ID,
		RunID:        stage.RunID,
		Decision:     decision,
		Approver:     approver,
		Role:         role,
		Comment:      comment,
		Environment:  environment,
		IsProduction: environment == "production" || environment == "prod",
	}
	if err := st.AddApproval(a); err != nil {
		return nil, fmt.Errorf("record approval: %w", err)
	}
	return a, nil
}

// Gate blocks an executor until a stage's approval resolves.
type Gate struct {
	store        store.Store
	sink         *logsink.Sink
	pollInterval time.Duration
	timeout      time.Duration
}

// NewGate builds a gate. Zero poll/timeout values take the defaults of 5s
// and 1h.
func NewGate(st store.Store, sink *logsink.Sink, poll, timeout time.Duration) *Gate {
	if poll <= 0 {
		poll = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = time.Hour
	}
	return &Gate{store: st, sink: sink, pollInterval: poll, timeout: timeout}
}

// Wait re-evaluates the derived state on the poll interval until the stage is
// approved (nil), rejected (ErrRejected), or the timeout elapses (ErrExpired).
// Cancellation is checked every iteration so a run-level cancel does not wait
// out a whole poll cycle.
func (g *Gate) Wait(ctx context.Context, stage *model.Stage) error {
	deadline := time.Now().Add(g.timeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		decisions, err := g.store.ListApprovals(stage.ID)
		if err != nil {
			return fmt.Errorf("poll approvals: %w", err)
		}
		switch DeriveState(stage.RequiredApprovers, decisions) {
		case model.ApprovalApproved:
			g.sink.Info(stage.RunID, stage.ID, "stage %q approved (%d/%d approvals)",
				stage.Name, countApprovers(decisions), stage.RequiredApprovers)
			return nil
		case model.ApprovalRejected:
			return ErrRejected
		}
		g.sink.Info(stage.RunID, stage.ID, "stage %q awaiting approval (%d/%d approvals)",
			stage.Name, countApprovers(decisions), stage.RequiredApprovers)

		if time.Now().After(deadline) {
			return ErrExpired
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.pollInterval):
		}
	}
}

func countApprovers(decisions []model.Approval) int {
	approvers := make(map[string]bool)
	for _, d := range decisions {
		if d.Decision == model.DecisionApproved {
			approvers[d.Approver] = true
		}
	}
	return len(approvers)
}
