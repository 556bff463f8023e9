package web

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextsight-ai/conveyor/internal/logsink"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The tail endpoint carries no credentials and only emits log lines.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleRunTail streams the run log over a websocket. Unlike the SSE stream
// it is push-driven: the sink wakes the writer whenever an entry lands, so
// lines arrive without a poll delay. The completion marker closes the socket.
func (s *Server) handleRunTail(w http.ResponseWriter, r *http.Request, runID string) {
	if _, err := s.store.GetRun(runID); err != nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("upgrade tail connection", "run_id", runID, "error", err)
		return
	}
	defer conn.Close()

	notify, unsubscribe := s.sink.Subscribe(runID)
	defer unsubscribe()

	var cursor int64
	stageID := r.URL.Query().Get("stage_id")

	// Reader goroutine drains client frames so pings and close frames are
	// processed; its exit signals a gone client.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		entries, next, err := s.sink.ReadSince(runID, cursor, stageID)
		if err != nil {
			return
		}
		cursor = next

		for _, e := range entries {
			if err := conn.WriteJSON(e); err != nil {
				return
			}
			if strings.HasPrefix(e.Message, logsink.CompletionMarkerPrefix) {
				s.closeTail(conn)
				return
			}
		}

		if stageID != "" && len(entries) == 0 {
			if run, gerr := s.store.GetRun(runID); gerr == nil && run.Status.Terminal() {
				s.closeTail(conn)
				return
			}
		}

		select {
		case <-r.Context().Done():
			return
		case <-clientGone:
			return
		case <-notify:
		case <-time.After(5 * time.Second):
			// Periodic re-check covers entries written before Subscribe.
		}
	}
}

func (s *Server) closeTail(conn *websocket.Conn) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run completed"), deadline)
}
