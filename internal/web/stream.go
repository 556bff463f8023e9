package web

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nextsight-ai/conveyor/internal/logsink"
	"github.com/nextsight-ai/conveyor/internal/store"
)

// handleRunStream serves a Server-Sent Events stream of the run's log. It
// polls the sink on a short interval and forwards every entry past the
// cursor; the synthetic completion marker ends the stream with a "done"
// event so clients have a definite stop signal.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request, runID string) {
	if _, err := s.store.GetRun(runID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		http.Error(w, "load run", http.StatusInternalServerError)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if present

	sendDone := func(reason string) {
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", reason)
		flusher.Flush()
	}

	stageID := r.URL.Query().Get("stage_id")
	var cursor int64

	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		entries, next, err := s.sink.ReadSince(runID, cursor, stageID)
		if err != nil {
			sendDone("log read failed")
			return
		}
		cursor = next

		for _, e := range entries {
			// Multi-line messages (step output) become one data: line per
			// line; the client joins them with \n on receipt.
			lines := strings.Split(e.Message, "\n")
			fmt.Fprintf(w, "data: [%s] %s\n", e.Level, lines[0])
			for _, line := range lines[1:] {
				fmt.Fprintf(w, "data: %s\n", line)
			}
			fmt.Fprintf(w, "\n")
			if strings.HasPrefix(e.Message, logsink.CompletionMarkerPrefix) {
				flusher.Flush()
				sendDone("run completed")
				return
			}
		}
		if len(entries) > 0 {
			flusher.Flush()
		}

		// Stage-filtered streams never see the run-level completion marker;
		// fall back to the run status once the stage log drains.
		if stageID != "" && len(entries) == 0 {
			if run, err := s.store.GetRun(runID); err == nil && run.Status.Terminal() {
				sendDone("run completed")
				return
			}
		}

		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
		}
	}
}
