package executor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/nextsight-ai/conveyor/internal/cluster"
	"github.com/nextsight-ai/conveyor/internal/logsink"
	"github.com/nextsight-ai/conveyor/internal/model"
	"github.com/nextsight-ai/conveyor/internal/store"
)

// ClusterJobExecutor hands the stage list to an external job runner and
// consumes its streamed per-stage outcomes. An unconfigured or unreachable
// runner degrades to a clearly-labeled simulated run; a failure reported by
// the runner is a genuine run failure. The two are never conflated.
type ClusterJobExecutor struct {
	base
	runner cluster.Runner
	image  string
}

// NewClusterJobExecutor builds the cluster strategy. runner may be nil when
// no backend was configured; image overrides the default job image.
func NewClusterJobExecutor(st store.Store, sink *logsink.Sink, runner cluster.Runner, image string, log *zap.SugaredLogger) *ClusterJobExecutor {
	return &ClusterJobExecutor{
		base:   base{store: st, sink: sink, log: log},
		runner: runner,
		image:  image,
	}
}

func (e *ClusterJobExecutor) Execute(ctx context.Context, run *model.PipelineRun, stages []model.Stage) {
	if err := e.store.StartRun(run.ID, time.Now()); err != nil {
		e.log.Errorw("start run", "run_id", run.ID, "error", err)
	}
	e.sink.Info(run.ID, "", "run started in cluster_job mode (%d stages)", len(stages))

	spec := cluster.JobSpec{
		RunID:       run.ID,
		Image:       e.image,
		Branch:      run.Branch,
		Environment: run.Variables,
	}
	for _, st := range stages {
		spec.Stages = append(spec.Stages, cluster.JobStage{Name: st.Name, Commands: st.Steps})
	}

	if e.runner == nil {
		e.simulate(ctx, run, stages, "no job runner configured")
		return
	}

	results, err := e.runner.Submit(ctx, spec)
	if err != nil {
		if errors.Is(err, cluster.ErrUnconfigured) {
			e.simulate(ctx, run, stages, err.Error())
			return
		}
		e.simulate(ctx, run, stages, "job runner unreachable: "+err.Error())
		return
	}

	e.consume(ctx, run, stages, results)
}

// consume applies streamed stage results in order.
func (e *ClusterJobExecutor) consume(ctx context.Context, run *model.PipelineRun, stages []model.Stage, results <-chan cluster.StageResult) {
	next := 0
	for {
		select {
		case <-ctx.Done():
			e.cancelRun(run, stages, next)
			return
		case res, ok := <-results:
			if !ok {
				if next < len(stages) {
					msg := "job runner stopped before completing all stages"
					e.skipFrom(stages, next, msg)
					e.sink.Error(run.ID, "", "%s", msg)
					e.finishRun(run.ID, model.RunFailed, msg)
					return
				}
				e.finishRun(run.ID, model.RunSuccess, "")
				return
			}
			if next >= len(stages) {
				continue
			}
			stage := &stages[next]
			next++

			if err := e.store.StartStage(stage.ID, time.Now()); err != nil {
				e.log.Errorw("start stage", "stage_id", stage.ID, "error", err)
			}
			if res.Output != "" {
				e.sink.Info(run.ID, stage.ID, "%s", res.Output)
			}
			if !res.Success {
				if err := e.store.FinishStage(stage.ID, model.StageFailed, res.ErrorMsg, time.Now()); err != nil {
					e.log.Errorw("finish stage", "stage_id", stage.ID, "error", err)
				}
				stage.Status = model.StageFailed
				e.sink.Error(run.ID, stage.ID, "stage %q failed: %s", stage.Name, res.ErrorMsg)
				e.skipFrom(stages, next, "prior stage did not succeed")
				e.finishRun(run.ID, model.RunFailed, res.ErrorMsg)
				return
			}
			if err := e.store.FinishStage(stage.ID, model.StageSuccess, "", time.Now()); err != nil {
				e.log.Errorw("finish stage", "stage_id", stage.ID, "error", err)
			}
			stage.Status = model.StageSuccess
			e.sink.Info(run.ID, stage.ID, "stage %q succeeded", stage.Name)
		}
	}
}

// simulate walks the stages as a labeled dry run so a missing backend does
// not block pipeline development.
func (e *ClusterJobExecutor) simulate(ctx context.Context, run *model.PipelineRun, stages []model.Stage, reason string) {
	e.sink.Warn(run.ID, "", "[simulated] %s; running stages as a dry run", reason)
	for i := range stages {
		stage := &stages[i]
		if ctx.Err() != nil {
			e.cancelRun(run, stages, i)
			return
		}
		if err := e.store.StartStage(stage.ID, time.Now()); err != nil {
			e.log.Errorw("start stage", "stage_id", stage.ID, "error", err)
		}
		e.sink.Info(run.ID, stage.ID, "[simulated] stage %q completed", stage.Name)
		if err := e.store.FinishStage(stage.ID, model.StageSuccess, "", time.Now()); err != nil {
			e.log.Errorw("finish stage", "stage_id", stage.ID, "error", err)
		}
		stage.Status = model.StageSuccess
	}
	e.finishRun(run.ID, model.RunSuccess, "")
}
