package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nextsight-ai/conveyor/internal/approval"
	"github.com/nextsight-ai/conveyor/internal/logsink"
	"github.com/nextsight-ai/conveyor/internal/model"
	"github.com/nextsight-ai/conveyor/internal/store"
)

// LocalExecutor runs stage steps in-process, shelling out for each declared
// step and blocking on the approval gate where a stage requires it.
type LocalExecutor struct {
	base
	gate    *approval.Gate
	runner  CommandRunner
	workdir string
}

// NewLocalExecutor builds the in-process strategy. workdir is where step
// commands run; empty means the current directory.
func NewLocalExecutor(st store.Store, sink *logsink.Sink, gate *approval.Gate, runner CommandRunner, workdir string, log *zap.SugaredLogger) *LocalExecutor {
	return &LocalExecutor{
		base:    base{store: st, sink: sink, log: log},
		gate:    gate,
		runner:  runner,
		workdir: workdir,
	}
}

func (e *LocalExecutor) Execute(ctx context.Context, run *model.PipelineRun, stages []model.Stage) {
	if err := e.store.StartRun(run.ID, time.Now()); err != nil {
		e.log.Errorw("start run", "run_id", run.ID, "error", err)
	}
	e.sink.Info(run.ID, "", "run started in local mode (%d stages)", len(stages))

	failed := false
	var failMsg string

	for i := range stages {
		stage := &stages[i]

		if ctx.Err() != nil {
			e.cancelRun(run, stages, i)
			return
		}

		if failed {
			if err := e.store.MarkStage(stage.ID, model.StageSkipped, "prior stage did not succeed"); err != nil {
				e.log.Errorw("skip stage", "stage_id", stage.ID, "error", err)
			}
			stage.Status = model.StageSkipped
			e.sink.Info(run.ID, stage.ID, "stage %q skipped", stage.Name)
			continue
		}

		if stage.RequiresApproval {
			e.sink.Info(run.ID, stage.ID, "stage %q requires %d approval(s)", stage.Name, stage.RequiredApprovers)
			if err := e.gate.Wait(ctx, stage); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					e.cancelRun(run, stages, i)
					return
				}
				reason := gateReason(stage.Name, err)
				if ferr := e.store.FinishStage(stage.ID, model.StageFailed, reason, time.Now()); ferr != nil {
					e.log.Errorw("finish stage", "stage_id", stage.ID, "error", ferr)
				}
				stage.Status = model.StageFailed
				e.sink.Error(run.ID, stage.ID, "%s", reason)
				failed = true
				failMsg = reason
				continue
			}
		}

		if err := e.runStage(ctx, run, stage); err != nil {
			if ctx.Err() != nil {
				e.cancelRun(run, stages, i+1)
				return
			}
			failed = true
			failMsg = err.Error()
		}
	}

	if failed {
		e.finishRun(run.ID, model.RunFailed, failMsg)
		return
	}
	e.finishRun(run.ID, model.RunSuccess, "")
}

func gateReason(stageName string, err error) string {
	switch {
	case errors.Is(err, approval.ErrRejected):
		return fmt.Sprintf("stage %q rejected by approver", stageName)
	case errors.Is(err, approval.ErrExpired):
		return fmt.Sprintf("stage %q approval timed out", stageName)
	}
	return fmt.Sprintf("stage %q approval failed: %v", stageName, err)
}

// runStage executes one stage's steps sequentially. The returned error is
// the stage failure already written to the store.
func (e *LocalExecutor) runStage(ctx context.Context, run *model.PipelineRun, stage *model.Stage) error {
	if err := e.store.StartStage(stage.ID, time.Now()); err != nil {
		e.log.Errorw("start stage", "stage_id", stage.ID, "error", err)
	}
	stage.Status = model.StageRunning
	e.sink.Info(run.ID, stage.ID, "stage %q started", stage.Name)

	if len(stage.Steps) == 0 {
		e.sink.Info(run.ID, stage.ID, "stage %q has no steps declared", stage.Name)
	}

	for _, step := range stage.Steps {
		if ctx.Err() != nil {
			if err := e.store.FinishStage(stage.ID, model.StageFailed, "cancelled mid-execution", time.Now()); err != nil {
				e.log.Errorw("finish stage", "stage_id", stage.ID, "error", err)
			}
			stage.Status = model.StageFailed
			return ctx.Err()
		}

		e.sink.Info(run.ID, stage.ID, "$ %s", step)
		stdout, stderr, exitCode, err := e.runner.Run(ctx, e.workdir, step)
		if out := strings.TrimRight(stdout, "\n"); out != "" {
			e.sink.Info(run.ID, stage.ID, "%s", out)
		}
		if errOut := strings.TrimRight(stderr, "\n"); errOut != "" {
			e.sink.Warn(run.ID, stage.ID, "%s", errOut)
		}
		if err != nil || exitCode != 0 {
			msg := fmt.Sprintf("stage %q failed: step %q exited with code %d", stage.Name, step, exitCode)
			if err != nil {
				msg = fmt.Sprintf("stage %q failed: step %q: %v", stage.Name, step, err)
			}
			if ferr := e.store.FinishStage(stage.ID, model.StageFailed, msg, time.Now()); ferr != nil {
				e.log.Errorw("finish stage", "stage_id", stage.ID, "error", ferr)
			}
			stage.Status = model.StageFailed
			e.sink.Error(run.ID, stage.ID, "%s", msg)
			return errors.New(msg)
		}
	}

	if err := e.store.FinishStage(stage.ID, model.StageSuccess, "", time.Now()); err != nil {
		e.log.Errorw("finish stage", "stage_id", stage.ID, "error", err)
	}
	stage.Status = model.StageSuccess
	e.sink.Info(run.ID, stage.ID, "stage %q succeeded", stage.Name)
	return nil
}
