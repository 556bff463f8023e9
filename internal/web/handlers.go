package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/nextsight-ai/conveyor/internal/agents"
	"github.com/nextsight-ai/conveyor/internal/approval"
	"github.com/nextsight-ai/conveyor/internal/engine"
	"github.com/nextsight-ai/conveyor/internal/model"
	"github.com/nextsight-ai/conveyor/internal/store"
)

func (s *Server) handleDefinitions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		defs, err := s.store.ListDefinitions()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list definitions: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"definitions": defs})
	case http.MethodPost:
		var req struct {
			Name             string `json:"name"`
			Repository       string `json:"repository"`
			DefaultBranch    string `json:"default_branch"`
			RawConfig        string `json:"raw_config"`
			DefaultMode      string `json:"default_mode"`
			PreferredAgentID string `json:"preferred_agent_id"`
			Namespace        string `json:"namespace"`
			WebhookSecret    string `json:"webhook_secret"`
			Schedule         string `json:"schedule"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "decode request: %v", err)
			return
		}
		if req.Name == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}
		if req.DefaultMode != "" && !model.ValidMode(req.DefaultMode) {
			writeError(w, http.StatusBadRequest, "unknown execution mode %q", req.DefaultMode)
			return
		}
		if req.DefaultBranch == "" {
			req.DefaultBranch = "main"
		}
		def := &model.PipelineDefinition{
			ID:               uuid.NewString(),
			Name:             req.Name,
			Repository:       req.Repository,
			DefaultBranch:    req.DefaultBranch,
			RawConfig:        req.RawConfig,
			DefaultMode:      model.ExecutionMode(req.DefaultMode),
			PreferredAgentID: req.PreferredAgentID,
			Namespace:        req.Namespace,
			WebhookSecret:    req.WebhookSecret,
			Schedule:         req.Schedule,
		}
		if def.DefaultMode == "" {
			def.DefaultMode = model.ModeLocal
		}
		if err := s.store.CreateDefinition(def); err != nil {
			writeError(w, http.StatusInternalServerError, "create definition: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, def)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleDefinition(w http.ResponseWriter, r *http.Request) {
	parts, ok := pathTail(r, "/api/definitions/", 2)
	if !ok {
		writeError(w, http.StatusBadRequest, "definition id required")
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		def, err := s.store.GetDefinition(id)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "definition %s not found", id)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "get definition: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, def)
		return
	}

	switch parts[1] {
	case "trigger":
		s.handleTrigger(w, r, id)
	case "stats":
		def, err := s.store.GetDefinition(id)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "definition %s not found", id)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "get definition: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, def.Stats)
	default:
		writeError(w, http.StatusNotFound, "unknown resource %q", parts[1])
	}
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request, definitionID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Branch        string            `json:"branch"`
		CommitSHA     string            `json:"commit_sha"`
		CommitMessage string            `json:"commit_message"`
		Environment   string            `json:"environment"`
		Variables     map[string]string `json:"variables"`
		Mode          string            `json:"mode"`
		AgentID       string            `json:"agent_id"`
		TriggeredBy   string            `json:"triggered_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: %v", err)
		return
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = "api"
	}

	summary, err := s.engine.Trigger(r.Context(), engine.TriggerRequest{
		DefinitionID:  definitionID,
		Branch:        req.Branch,
		CommitSHA:     req.CommitSHA,
		CommitMessage: req.CommitMessage,
		Environment:   req.Environment,
		Variables:     req.Variables,
		Mode:          req.Mode,
		AgentID:       req.AgentID,
		TriggerType:   "manual",
		TriggeredBy:   req.TriggeredBy,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "%v", err)
		case errors.Is(err, agents.ErrNoAgentAvailable):
			writeError(w, http.StatusConflict, "%v", err)
		default:
			writeError(w, http.StatusBadRequest, "%v", err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, summary)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	runs, err := s.store.ListRuns(r.URL.Query().Get("definition_id"), model.RunStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list runs: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	parts, ok := pathTail(r, "/api/runs/", 2)
	if !ok {
		writeError(w, http.StatusBadRequest, "run id required")
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		status, err := s.engine.GetStatus(id)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run %s not found", id)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "get status: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, status)
		return
	}

	switch parts[1] {
	case "cancel":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		cancelled, err := s.engine.Cancel(id)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run %s not found", id)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "cancel run: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
	case "retry":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req struct {
			TriggeredBy string `json:"triggered_by"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.TriggeredBy == "" {
			req.TriggeredBy = "api"
		}
		summary, err := s.engine.Retry(r.Context(), id, req.TriggeredBy)
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "run %s not found", id)
		case errors.Is(err, engine.ErrNotRetryable):
			writeError(w, http.StatusConflict, "%v", err)
		case err != nil:
			writeError(w, http.StatusInternalServerError, "retry run: %v", err)
		default:
			writeJSON(w, http.StatusAccepted, summary)
		}
	case "logs":
		s.handleRunLogs(w, r, id)
	case "stream":
		s.handleRunStream(w, r, id)
	case "tail":
		s.handleRunTail(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "unknown resource %q", parts[1])
	}
}

func (s *Server) handleRunLogs(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, err := s.store.GetRun(runID); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run %s not found", runID)
		return
	}
	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	entries, cursor, err := s.sink.ReadSince(runID, after, r.URL.Query().Get("stage_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read logs: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"cursor":  cursor,
	})
}

func (s *Server) handleStage(w http.ResponseWriter, r *http.Request) {
	parts, ok := pathTail(r, "/api/stages/", 2)
	if !ok || len(parts) < 2 || parts[1] != "approvals" {
		writeError(w, http.StatusNotFound, "unknown resource")
		return
	}
	stageID := parts[0]

	switch r.Method {
	case http.MethodGet:
		if _, err := s.store.GetStage(stageID); errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "stage %s not found", stageID)
			return
		}
		decisions, err := s.store.ListApprovals(stageID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list approvals: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"approvals": decisions})
	case http.MethodPost:
		var req struct {
			Decision string `json:"decision"`
			Approver string `json:"approver"`
			Role     string `json:"role"`
			Comment  string `json:"comment"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "decode request: %v", err)
			return
		}
		decision := model.ApprovalDecision(req.Decision)
		if decision != model.DecisionApproved && decision != model.DecisionRejected {
			writeError(w, http.StatusBadRequest, "decision must be %q or %q", model.DecisionApproved, model.DecisionRejected)
			return
		}
		if req.Approver == "" {
			writeError(w, http.StatusBadRequest, "approver is required")
			return
		}
		a, err := s.engine.RecordApproval(stageID, decision, req.Approver, req.Role, req.Comment)
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "stage %s not found", stageID)
		case errors.Is(err, approval.ErrDuplicateApproval):
			writeError(w, http.StatusConflict, "%v", err)
		case errors.Is(err, approval.ErrNotGated):
			writeError(w, http.StatusConflict, "%v", err)
		case err != nil:
			writeError(w, http.StatusInternalServerError, "record approval: %v", err)
		default:
			writeJSON(w, http.StatusCreated, a)
		}
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.store.ListAgents()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list agents: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"agents": list})
	case http.MethodPost:
		var req struct {
			Name    string   `json:"name"`
			Host    string   `json:"host"`
			Port    int      `json:"port"`
			Pool    string   `json:"pool"`
			Labels  []string `json:"labels"`
			MaxJobs int      `json:"max_jobs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "decode request: %v", err)
			return
		}
		if req.Name == "" || req.Host == "" || req.Port == 0 {
			writeError(w, http.StatusBadRequest, "name, host and port are required")
			return
		}
		if req.MaxJobs <= 0 {
			req.MaxJobs = 1
		}
		agent := &model.Agent{
			ID:      uuid.NewString(),
			Name:    req.Name,
			Host:    req.Host,
			Port:    req.Port,
			Pool:    req.Pool,
			Labels:  req.Labels,
			MaxJobs: req.MaxJobs,
			Healthy: true,
		}
		if err := s.store.CreateAgent(agent); err != nil {
			writeError(w, http.StatusInternalServerError, "create agent: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, agent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
