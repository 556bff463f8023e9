// Package logsink provides the append-only run log with cursor reads and
// change notification for live tailing.
package logsink

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/nextsight-ai/conveyor/internal/model"
	"github.com/nextsight-ai/conveyor/internal/store"
)

// Sink appends run log entries to the store and wakes subscribers on every
// write. Entries carry a per-run monotonic sequence number used as the read
// cursor, so a reader never sees an entry twice and never sees them reordered.
type Sink struct {
	store store.Store
	log   *zap.SugaredLogger

	mu   sync.Mutex
	subs map[string][]chan struct{}
}

// New returns a sink writing through the given store.
func New(st store.Store, log *zap.SugaredLogger) *Sink {
	return &Sink{
		store: st,
		log:   log,
		subs:  make(map[string][]chan struct{}),
	}
}

// Append writes one entry. stageID may be empty for run-level entries.
func (s *Sink) Append(runID, stageID, level, message string) {
	entry := &model.LogEntry{
		RunID:   runID,
		StageID: stageID,
		Level:   level,
		Message: message,
	}
	if err := s.store.AppendLog(entry); err != nil {
		s.log.Errorw("append run log", "run_id", runID, "error", err)
		return
	}
	s.notify(runID)
}

// Info appends an info-level entry.
func (s *Sink) Info(runID, stageID, format string, args ...interface{}) {
	s.Append(runID, stageID, model.LogInfo, fmt.Sprintf(format, args...))
}

// Warn appends a warn-level entry.
func (s *Sink) Warn(runID, stageID, format string, args ...interface{}) {
	s.Append(runID, stageID, model.LogWarn, fmt.Sprintf(format, args...))
}

// Error appends an error-level entry.
func (s *Sink) Error(runID, stageID, format string, args ...interface{}) {
	s.Append(runID, stageID, model.LogError, fmt.Sprintf(format, args...))
}

// Completed appends the synthetic terminal marker tailing consumers stop on.
func (s *Sink) Completed(runID string, status model.RunStatus) {
	s.Append(runID, "", model.LogInfo, fmt.Sprintf("run completed: status=%s", status))
}

// CompletionMarkerPrefix identifies the terminal marker in a log stream.
const CompletionMarkerPrefix = "run completed:"

// ReadSince returns entries strictly after cursor in sequence order, plus the
// new cursor. stageID filters to one stage when non-empty.
func (s *Sink) ReadSince(runID string, cursor int64, stageID string) ([]model.LogEntry, int64, error) {
	entries, err := s.store.LogsSince(runID, cursor, stageID)
	if err != nil {
		return nil, cursor, fmt.Errorf("read logs since %d: %w", cursor, err)
	}
	if len(entries) > 0 {
		cursor = entries[len(entries)-1].Seq
	}
	return entries, cursor, nil
}

// Subscribe returns a channel that receives a signal whenever the run gets a
// new entry, and a cancel function the caller must invoke when done. The
// channel has a one-slot buffer; coalesced wakeups are fine for tailing.
func (s *Sink) Subscribe(runID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subs[runID] = append(s.subs[runID], ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subs[runID]
		for i, c := range subs {
			if c == ch {
				s.subs[runID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(s.subs[runID]) == 0 {
			delete(s.subs, runID)
		}
	}
	return ch, cancel
}

func (s *Sink) notify(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs[runID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
