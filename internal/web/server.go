// Package web exposes the engine over HTTP: a JSON API, live log streaming,
// and webhook ingestion.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nextsight-ai/conveyor/internal/engine"
	"github.com/nextsight-ai/conveyor/internal/logsink"
	"github.com/nextsight-ai/conveyor/internal/store"
)

// Server serves the orchestration API.
type Server struct {
	engine  *engine.Engine
	store   store.Store
	sink    *logsink.Sink
	log     *zap.SugaredLogger
	port    int
	limiter *rate.Limiter

	httpSrv *http.Server
}

// NewServer builds the API server. Webhook ingestion is rate limited to
// keep a misbehaving sender from flooding trigger calls.
func NewServer(eng *engine.Engine, st store.Store, sink *logsink.Sink, port int, log *zap.SugaredLogger) *Server {
	return &Server{
		engine:  eng,
		store:   st,
		sink:    sink,
		log:     log,
		port:    port,
		limiter: rate.NewLimiter(rate.Limit(10), 30),
	}
}

// Start registers routes and listens until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()
	s.log.Infow("api server listening", "port", s.port)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}

// Routes builds the handler mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/api/definitions", s.handleDefinitions)
	mux.HandleFunc("/api/definitions/", s.handleDefinition)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/runs/", s.handleRun)
	mux.HandleFunc("/api/stages/", s.handleStage)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/webhooks/", s.handleWebhook)
	return mux
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// pathTail returns the path after prefix split into at most n segments.
// ok is false when nothing follows the prefix.
func pathTail(r *http.Request, prefix string, n int) ([]string, bool) {
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return nil, false
	}
	return strings.SplitN(rest, "/", n), true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}
