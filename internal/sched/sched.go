// Package sched triggers runs for definitions that carry a cron schedule.
package sched

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/nextsight-ai/conveyor/internal/engine"
	"github.com/nextsight-ai/conveyor/internal/store"
)

// Scheduler registers one cron entry per scheduled definition and fires
// trigger calls on its behalf.
type Scheduler struct {
	cron   *cron.Cron
	engine *engine.Engine
	store  store.Store
	log    *zap.SugaredLogger
}

// New builds a scheduler using standard 5-field cron expressions.
func New(eng *engine.Engine, st store.Store, log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		engine: eng,
		store:  st,
		log:    log,
	}
}

// Start loads every scheduled definition and begins firing. Definitions with
// malformed expressions are logged and skipped, never fatal.
func (s *Scheduler) Start(ctx context.Context) error {
	defs, err := s.store.ListDefinitions()
	if err != nil {
		return fmt.Errorf("load definitions for scheduling: %w", err)
	}

	registered := 0
	for _, def := range defs {
		if def.Schedule == "" {
			continue
		}
		id := def.ID
		name := def.Name
		_, err := s.cron.AddFunc(def.Schedule, func() {
			summary, err := s.engine.Trigger(ctx, engine.TriggerRequest{
				DefinitionID: id,
				TriggerType:  "schedule",
				TriggeredBy:  "scheduler",
			})
			if err != nil {
				s.log.Errorw("scheduled trigger failed", "definition_id", id, "error", err)
				return
			}
			s.log.Infow("scheduled run started", "definition", name, "run_id", summary.RunID)
		})
		if err != nil {
			s.log.Errorw("invalid schedule expression", "definition_id", id, "schedule", def.Schedule, "error", err)
			continue
		}
		registered++
	}

	s.cron.Start()
	s.log.Infow("scheduler started", "entries", registered)
	return nil
}

// Stop halts the cron loop; running trigger callbacks finish on their own.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
