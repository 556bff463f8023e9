package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextsight-ai/conveyor/internal/logging"
	"github.com/nextsight-ai/conveyor/internal/logsink"
	"github.com/nextsight-ai/conveyor/internal/model"
	"github.com/nextsight-ai/conveyor/internal/store"
)

func decision(approver string, d model.ApprovalDecision) model.Approval {
	return model.Approval{ID: uuid.NewString(), Approver: approver, Decision: d}
}

func TestDeriveState(t *testing.T) {
	cases := []struct {
		name      string
		required  int
		decisions []model.Approval
		want      model.ApprovalState
	}{
		{"no decisions", 2, nil, model.ApprovalPending},
		{"one of two", 2, []model.Approval{decision("ana", model.DecisionApproved)}, model.ApprovalPending},
		{"two of two", 2, []model.Approval{
			decision("ana", model.DecisionApproved),
			decision("bo", model.DecisionApproved),
		}, model.ApprovalApproved},
		{"duplicate identity counts once", 2, []model.Approval{
			decision("ana", model.DecisionApproved),
			decision("ana", model.DecisionApproved),
		}, model.ApprovalPending},
		{"rejection short-circuits", 2, []model.Approval{
			decision("ana", model.DecisionApproved),
			decision("bo", model.DecisionApproved),
			decision("cy", model.DecisionRejected),
		}, model.ApprovalRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveState(tc.required, tc.decisions); got != tc.want {
				t.Errorf("DeriveState = %v, want %v", got, tc.want)
			}
		})
	}
}

func gatedStage(t *testing.T, st store.Store, required int) *model.Stage {
	t.Helper()
	run := &model.PipelineRun{ID: uuid.NewString(), DefinitionID: "def", Status: model.RunRunning, Mode: model.ModeLocal, TriggerType: "manual", TriggeredBy: "test"}
	stage := model.Stage{
		ID:                uuid.NewString(),
		RunID:             run.ID,
		Name:              "Deploy",
		Status:            model.StagePending,
		RequiresApproval:  true,
		RequiredApprovers: required,
	}
	if err := st.CreateRun(run, []model.Stage{stage}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return &stage
}

func TestRecordDuplicateApproveConflicts(t *testing.T) {
	st := store.NewMemStore()
	stage := gatedStage(t, st, 2)

	if _, err := Record(st, stage, model.DecisionApproved, "ana", "admin", "", "staging"); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	_, err := Record(st, stage, model.DecisionApproved, "ana", "admin", "", "staging")
	if !errors.Is(err, ErrDuplicateApproval) {
		t.Fatalf("second approve err = %v, want ErrDuplicateApproval", err)
	}

	// A reject from the same identity is still recorded.
	if _, err := Record(st, stage, model.DecisionRejected, "ana", "admin", "changed my mind", "staging"); err != nil {
		t.Fatalf("reject after approve: %v", err)
	}
	decisions, _ := st.ListApprovals(stage.ID)
	if len(decisions) != 2 {
		t.Errorf("expected 2 recorded decisions, got %d", len(decisions))
	}
}

func TestRecordNotGated(t *testing.T) {
	st := store.NewMemStore()
	stage := &model.Stage{ID: "s1", RunID: "r1"}
	if _, err := Record(st, stage, model.DecisionApproved, "ana", "", "", ""); !errors.Is(err, ErrNotGated) {
		t.Fatalf("err = %v, want ErrNotGated", err)
	}
}

func TestRecordProductionFlag(t *testing.T) {
	st := store.NewMemStore()
	stage := gatedStage(t, st, 1)
	a, err := Record(st, stage, model.DecisionApproved, "ana", "admin", "", "production")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !a.IsProduction {
		t.Error("expected IsProduction=true for production environment")
	}
}

func newTestGate(st store.Store, poll, timeout time.Duration) *Gate {
	sink := logsink.New(st, logging.NewNop())
	return NewGate(st, sink, poll, timeout)
}

func TestGateWaitApproved(t *testing.T) {
	st := store.NewMemStore()
	stage := gatedStage(t, st, 2)
	gate := newTestGate(st, 5*time.Millisecond, time.Second)

	go func() {
		time.Sleep(10 * time.Millisecond)
		Record(st, stage, model.DecisionApproved, "ana", "admin", "", "")
		Record(st, stage, model.DecisionApproved, "bo", "lead", "", "")
	}()

	if err := gate.Wait(context.Background(), stage); err != nil {
		t.Fatalf("Wait = %v, want nil", err)
	}
}

func TestGateWaitRejected(t *testing.T) {
	st := store.NewMemStore()
	stage := gatedStage(t, st, 2)
	gate := newTestGate(st, 5*time.Millisecond, time.Second)

	Record(st, stage, model.DecisionApproved, "ana", "admin", "", "")
	Record(st, stage, model.DecisionRejected, "bo", "lead", "no", "")

	if err := gate.Wait(context.Background(), stage); !errors.Is(err, ErrRejected) {
		t.Fatalf("Wait = %v, want ErrRejected", err)
	}
}

func TestGateWaitExpires(t *testing.T) {
	st := store.NewMemStore()
	stage := gatedStage(t, st, 1)
	gate := newTestGate(st, 5*time.Millisecond, 20*time.Millisecond)

	if err := gate.Wait(context.Background(), stage); !errors.Is(err, ErrExpired) {
		t.Fatalf("Wait = %v, want ErrExpired", err)
	}
}

func TestGateWaitCancelled(t *testing.T) {
	st := store.NewMemStore()
	stage := gatedStage(t, st, 1)
	gate := newTestGate(st, 10*time.Millisecond, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gate.Wait(ctx, stage) }()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Wait = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not observe cancellation")
	}
}
