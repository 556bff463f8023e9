// Package executor holds the execution strategies that drive a run to a
// terminal state. Every strategy owns the full lifecycle of the run it is
// handed: on every exit path the run ends SUCCESS, FAILED, or CANCELLED and
// no stage is left RUNNING.
package executor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nextsight-ai/conveyor/internal/logsink"
	"github.com/nextsight-ai/conveyor/internal/model"
	"github.com/nextsight-ai/conveyor/internal/store"
)

// Strategy executes one run with its fixed, ordered stage set. The context
// carries the cancellation signal from the task registry.
type Strategy interface {
	Execute(ctx context.Context, run *model.PipelineRun, stages []model.Stage)
}

// base carries the collaborators every strategy shares.
type base struct {
	store store.Store
	sink  *logsink.Sink
	log   *zap.SugaredLogger
}

// finishRun writes the terminal run state, logging persistence failures
// rather than surfacing them; by this point the outcome is decided.
func (b *base) finishRun(runID string, status model.RunStatus, errMsg string) {
	if err := b.store.FinishRun(runID, status, errMsg, time.Now()); err != nil {
		b.log.Errorw("finish run", "run_id", runID, "status", status, "error", err)
	}
}

// skipFrom marks every non-terminal stage at index i or later SKIPPED.
func (b *base) skipFrom(stages []model.Stage, i int, reason string) {
	for ; i < len(stages); i++ {
		st := &stages[i]
		if st.Status.Terminal() {
			continue
		}
		if err := b.store.MarkStage(st.ID, model.StageSkipped, reason); err != nil {
			b.log.Errorw("skip stage", "stage_id", st.ID, "error", err)
		}
		st.Status = model.StageSkipped
	}
}

// cancelRun resolves a cancelled run: pending stages become SKIPPED and the
// run ends CANCELLED.
func (b *base) cancelRun(run *model.PipelineRun, stages []model.Stage, from int) {
	b.skipFrom(stages, from, "run cancelled")
	b.sink.Warn(run.ID, "", "run cancelled")
	b.finishRun(run.ID, model.RunCancelled, "cancelled by request")
}
