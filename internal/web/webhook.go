package web

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/nextsight-ai/conveyor/internal/agents"
	"github.com/nextsight-ai/conveyor/internal/engine"
	"github.com/nextsight-ai/conveyor/internal/store"
)

// webhookEvent is the push/PR payload shape accepted on the webhook route.
type webhookEvent struct {
	Repository struct {
		FullName string `json:"full_name"`
		CloneURL string `json:"clone_url"`
	} `json:"repository"`
	Ref     string `json:"ref"` // e.g. "refs/heads/main"
	After   string `json:"after"`
	Commits []struct {
		Message string `json:"message"`
	} `json:"commits"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
	Environment string `json:"environment"`
}

// handleWebhook ingests a push event for one definition. The sender is
// verified against the definition's shared secret when one is set; events
// whose repository or branch do not match are acknowledged without creating
// a run.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "webhook rate limit exceeded")
		return
	}

	parts, ok := pathTail(r, "/webhooks/", 1)
	if !ok {
		writeError(w, http.StatusBadRequest, "definition id required")
		return
	}
	def, err := s.store.GetDefinition(parts[0])
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "definition %s not found", parts[0])
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get definition: %v", err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: %v", err)
		return
	}

	if def.WebhookSecret != "" {
		sig := r.Header.Get("X-Conveyor-Signature-256")
		if !verifySignature(def.WebhookSecret, body, sig) {
			writeError(w, http.StatusUnauthorized, "signature verification failed")
			return
		}
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, "decode event: %v", err)
		return
	}

	if !repositoryMatches(def.Repository, event.Repository.FullName, event.Repository.CloneURL) {
		writeJSON(w, http.StatusAccepted, map[string]string{"result": "ignored", "reason": "repository mismatch"})
		return
	}
	branch := strings.TrimPrefix(event.Ref, "refs/heads/")
	if branch == "" || strings.HasPrefix(event.Ref, "refs/tags/") {
		writeJSON(w, http.StatusAccepted, map[string]string{"result": "ignored", "reason": "not a branch push"})
		return
	}

	var commitMessage string
	if len(event.Commits) > 0 {
		commitMessage = event.Commits[len(event.Commits)-1].Message
	}
	triggeredBy := event.Pusher.Name
	if triggeredBy == "" {
		triggeredBy = "webhook"
	}

	summary, err := s.engine.Trigger(r.Context(), engine.TriggerRequest{
		DefinitionID:  def.ID,
		Branch:        branch,
		CommitSHA:     event.After,
		CommitMessage: commitMessage,
		Environment:   event.Environment,
		TriggerType:   "webhook",
		TriggeredBy:   triggeredBy,
	})
	if err != nil {
		if errors.Is(err, agents.ErrNoAgentAvailable) {
			writeError(w, http.StatusConflict, "%v", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "trigger from webhook: %v", err)
		return
	}
	writeJSON(w, http.StatusAccepted, summary)
}

func verifySignature(secret string, body []byte, header string) bool {
	expected := strings.TrimPrefix(header, "sha256=")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	computed := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(computed), []byte(expected))
}

// repositoryMatches tolerates the usual spelling differences between a
// configured repository and what the sender reports.
func repositoryMatches(configured, fullName, cloneURL string) bool {
	if configured == "" {
		return true
	}
	norm := func(s string) string {
		s = strings.TrimPrefix(s, "https://")
		s = strings.TrimPrefix(s, "http://")
		s = strings.TrimPrefix(s, "git@")
		s = strings.ReplaceAll(s, ":", "/")
		s = strings.TrimSuffix(s, ".git")
		return strings.ToLower(strings.Trim(s, "/"))
	}
	c := norm(configured)
	f := norm(fullName)
	u := norm(cloneURL)
	if c == f || (u != "" && c == u) {
		return true
	}
	return f != "" && strings.HasSuffix(c, "/"+f)
}
