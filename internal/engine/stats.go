package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/nextsight-ai/conveyor/internal/model"
)

// RecomputeStats rebuilds a definition's aggregate statistics from its full
// run history and writes them back. Called after every terminal transition.
func (e *Engine) RecomputeStats(definitionID string) error {
	runs, err := e.store.ListRuns(definitionID, "")
	if err != nil {
		return fmt.Errorf("list runs for stats: %w", err)
	}

	var stats model.DefinitionStats
	stats.TotalRuns = len(runs)

	var durationSum float64
	var durationCount int
	for _, r := range runs {
		switch r.Status {
		case model.RunSuccess:
			stats.SuccessRuns++
		case model.RunFailed:
			stats.FailedRuns++
		}
		if r.Status.Terminal() && r.DurationSecs > 0 {
			durationSum += r.DurationSecs
			durationCount++
		}
	}
	if durationCount > 0 {
		stats.AvgDurationSecs = math.Round(durationSum/float64(durationCount)*100) / 100
	}
	terminal := stats.SuccessRuns + stats.FailedRuns
	if terminal > 0 {
		stats.SuccessRate = math.Round(float64(stats.SuccessRuns)/float64(terminal)*10000) / 100
	}

	// ListRuns returns newest first.
	if len(runs) > 0 {
		last := runs[0]
		stats.LastRunID = last.ID
		stats.LastRunStatus = string(last.Status)
		if last.DurationSecs > 0 {
			stats.LastDuration = formatDuration(last.DurationSecs)
		}
	}

	if err := e.store.UpdateDefinitionStats(definitionID, stats); err != nil {
		return fmt.Errorf("update definition stats: %w", err)
	}
	return nil
}

func formatDuration(secs float64) string {
	return time.Duration(secs * float64(time.Second)).Round(time.Second).String()
}
