package web

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextsight-ai/conveyor/internal/engine"
	"github.com/nextsight-ai/conveyor/internal/logging"
	"github.com/nextsight-ai/conveyor/internal/logsink"
	"github.com/nextsight-ai/conveyor/internal/model"
	"github.com/nextsight-ai/conveyor/internal/registry"
	"github.com/nextsight-ai/conveyor/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, store.Store, *engine.Engine) {
	t.Helper()
	st := store.NewMemStore()
	sink := logsink.New(st, logging.NewNop())
	eng := engine.New(st, sink, registry.New(), nil, nil, engine.Options{
		ApprovalPoll:    10 * time.Millisecond,
		ApprovalTimeout: time.Second,
	}, logging.NewNop())
	srv := httptest.NewServer(NewServer(eng, st, sink, 0, logging.NewNop()).Routes())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Shutdown(ctx)
	})
	return srv, st, eng
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func seedDef(t *testing.T, st store.Store, mutate func(*model.PipelineDefinition)) *model.PipelineDefinition {
	t.Helper()
	def := &model.PipelineDefinition{
		ID:            uuid.NewString(),
		Name:          "api-service",
		Repository:    "github.com/example/api-service",
		DefaultBranch: "main",
		RawConfig:     "stages:\n  - name: Build\n    steps:\n      - \"true\"\n",
		DefaultMode:   model.ModeLocal,
	}
	if mutate != nil {
		mutate(def)
	}
	if err := st.CreateDefinition(def); err != nil {
		t.Fatalf("CreateDefinition: %v", err)
	}
	return def
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestCreateAndGetDefinition(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/definitions", map[string]interface{}{
		"name":       "web-app",
		"repository": "github.com/example/web-app",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var created model.PipelineDefinition
	decodeBody(t, resp, &created)
	if created.ID == "" || created.DefaultBranch != "main" || created.DefaultMode != model.ModeLocal {
		t.Errorf("defaults not applied: %+v", created)
	}

	get, err := http.Get(srv.URL + "/api/definitions/" + created.ID)
	if err != nil {
		t.Fatalf("GET definition: %v", err)
	}
	defer get.Body.Close()
	if get.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", get.StatusCode)
	}
}

func TestCreateDefinitionValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/definitions", map[string]interface{}{"repository": "x"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing name status = %d, want 400", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/api/definitions", map[string]interface{}{"name": "x", "default_mode": "teleport"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad mode status = %d, want 400", resp.StatusCode)
	}
}

func TestTriggerEndpoint(t *testing.T) {
	srv, st, _ := newTestServer(t)
	def := seedDef(t, st, nil)

	resp := postJSON(t, srv.URL+"/api/definitions/"+def.ID+"/trigger", map[string]interface{}{
		"branch":       "feature-x",
		"triggered_by": "alice",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("trigger status = %d, want 202", resp.StatusCode)
	}
	var summary engine.RunSummary
	decodeBody(t, resp, &summary)
	if summary.RunID == "" || summary.StageCount != 1 {
		t.Errorf("summary = %+v", summary)
	}

	run, err := st.GetRun(summary.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Branch != "feature-x" || run.TriggeredBy != "alice" {
		t.Errorf("run = %+v", run)
	}
}

func TestTriggerUnknownDefinition404(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp := postJSON(t, srv.URL+"/api/definitions/missing/trigger", map[string]interface{}{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestTriggerAgentModeNoAgent409(t *testing.T) {
	srv, st, _ := newTestServer(t)
	def := seedDef(t, st, nil)
	resp := postJSON(t, srv.URL+"/api/definitions/"+def.ID+"/trigger", map[string]interface{}{"mode": "agent"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestRunStatusAndLogs(t *testing.T) {
	srv, st, eng := newTestServer(t)
	def := seedDef(t, st, nil)

	summary, err := eng.Trigger(context.Background(), engine.TriggerRequest{DefinitionID: def.ID})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		run, _ := st.GetRun(summary.RunID)
		if run.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run never finished")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get(srv.URL + "/api/runs/" + summary.RunID)
	if err != nil {
		t.Fatalf("GET run: %v", err)
	}
	var status engine.RunStatus
	decodeBody(t, resp, &status)
	if status.Run.Status != model.RunSuccess || len(status.Stages) != 1 {
		t.Errorf("status = %+v", status)
	}

	logsResp, err := http.Get(srv.URL + "/api/runs/" + summary.RunID + "/logs")
	if err != nil {
		t.Fatalf("GET logs: %v", err)
	}
	var logs struct {
		Entries []model.LogEntry `json:"entries"`
		Cursor  int64            `json:"cursor"`
	}
	decodeBody(t, logsResp, &logs)
	if len(logs.Entries) == 0 || logs.Cursor == 0 {
		t.Errorf("logs = %d entries, cursor %d", len(logs.Entries), logs.Cursor)
	}

	missing, _ := http.Get(srv.URL + "/api/runs/missing")
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("missing run status = %d, want 404", missing.StatusCode)
	}
}

func TestRetryEndpointConflictOnSuccess(t *testing.T) {
	srv, st, eng := newTestServer(t)
	def := seedDef(t, st, nil)
	summary, err := eng.Trigger(context.Background(), engine.TriggerRequest{DefinitionID: def.ID})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		run, _ := st.GetRun(summary.RunID)
		if run.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run never finished")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp := postJSON(t, srv.URL+"/api/runs/"+summary.RunID+"/retry", map[string]interface{}{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("retry of success status = %d, want 409", resp.StatusCode)
	}
}

func TestApprovalEndpoint(t *testing.T) {
	srv, st, _ := newTestServer(t)
	def := seedDef(t, st, nil)

	run := &model.PipelineRun{ID: uuid.NewString(), DefinitionID: def.ID, Status: model.RunRunning, Mode: model.ModeLocal}
	stages := []model.Stage{{
		ID:                uuid.NewString(),
		RunID:             run.ID,
		Name:              "Deploy",
		Status:            model.StageRunning,
		RequiresApproval:  true,
		RequiredApprovers: 2,
	}}
	st.CreateRun(run, stages)

	resp := postJSON(t, srv.URL+"/api/stages/"+stages[0].ID+"/approvals", map[string]interface{}{
		"decision": "approved",
		"approver": "alice",
		"role":     "admin",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("approve status = %d, want 201", resp.StatusCode)
	}
	resp.Body.Close()

	// Same approver approving twice is a conflict.
	dup := postJSON(t, srv.URL+"/api/stages/"+stages[0].ID+"/approvals", map[string]interface{}{
		"decision": "approved",
		"approver": "alice",
	})
	dup.Body.Close()
	if dup.StatusCode != http.StatusConflict {
		t.Errorf("duplicate approve status = %d, want 409", dup.StatusCode)
	}

	bad := postJSON(t, srv.URL+"/api/stages/"+stages[0].ID+"/approvals", map[string]interface{}{
		"decision": "maybe",
		"approver": "bob",
	})
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("bad decision status = %d, want 400", bad.StatusCode)
	}

	list, err := http.Get(srv.URL + "/api/stages/" + stages[0].ID + "/approvals")
	if err != nil {
		t.Fatalf("GET approvals: %v", err)
	}
	var listed struct {
		Approvals []model.Approval `json:"approvals"`
	}
	decodeBody(t, list, &listed)
	if len(listed.Approvals) != 1 {
		t.Errorf("approvals = %d, want 1", len(listed.Approvals))
	}
}

func TestAgentEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/agents", map[string]interface{}{
		"name":   "worker-1",
		"host":   "10.0.0.5",
		"port":   7777,
		"pool":   "builders",
		"labels": []string{"linux", "docker"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create agent status = %d, want 201", resp.StatusCode)
	}
	var agent model.Agent
	decodeBody(t, resp, &agent)
	if agent.MaxJobs != 1 || !agent.Healthy {
		t.Errorf("agent defaults: %+v", agent)
	}

	missing := postJSON(t, srv.URL+"/api/agents", map[string]interface{}{"name": "x"})
	missing.Body.Close()
	if missing.StatusCode != http.StatusBadRequest {
		t.Errorf("incomplete agent status = %d, want 400", missing.StatusCode)
	}

	list, err := http.Get(srv.URL + "/api/agents")
	if err != nil {
		t.Fatalf("GET agents: %v", err)
	}
	var listed struct {
		Agents []model.Agent `json:"agents"`
	}
	decodeBody(t, list, &listed)
	if len(listed.Agents) != 1 {
		t.Errorf("agents = %d, want 1", len(listed.Agents))
	}
}

func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func webhookPayload(repo, ref string) []byte {
	payload := map[string]interface{}{
		"repository": map[string]string{
			"full_name": repo,
			"clone_url": "https://" + repo + ".git",
		},
		"ref":   ref,
		"after": "abc123",
		"commits": []map[string]string{
			{"message": "fix flaky test"},
		},
		"pusher": map[string]string{"name": "alice"},
	}
	body, _ := json.Marshal(payload)
	return body
}

func TestWebhookTriggersRun(t *testing.T) {
	srv, st, _ := newTestServer(t)
	def := seedDef(t, st, func(d *model.PipelineDefinition) {
		d.WebhookSecret = "s3cret"
	})
	body := webhookPayload("github.com/example/api-service", "refs/heads/main")

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/webhooks/"+def.ID, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Conveyor-Signature-256", signPayload("s3cret", body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST webhook: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var summary engine.RunSummary
	decodeBody(t, resp, &summary)
	if summary.RunID == "" {
		t.Fatal("no run created")
	}

	run, _ := st.GetRun(summary.RunID)
	if run.TriggerType != "webhook" || run.TriggeredBy != "alice" || run.Branch != "main" {
		t.Errorf("run = %+v", run)
	}
	if run.CommitSHA != "abc123" || run.CommitMessage != "fix flaky test" {
		t.Errorf("commit metadata: %+v", run)
	}
}

func TestWebhookBadSignature(t *testing.T) {
	srv, st, _ := newTestServer(t)
	def := seedDef(t, st, func(d *model.PipelineDefinition) {
		d.WebhookSecret = "s3cret"
	})
	body := webhookPayload("github.com/example/api-service", "refs/heads/main")

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/webhooks/"+def.ID, bytes.NewReader(body))
	req.Header.Set("X-Conveyor-Signature-256", signPayload("wrong", body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST webhook: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	runs, _ := st.ListRuns(def.ID, "")
	if len(runs) != 0 {
		t.Errorf("run created despite bad signature")
	}
}

func TestWebhookIgnoresMismatchedRepository(t *testing.T) {
	srv, st, _ := newTestServer(t)
	def := seedDef(t, st, nil)
	body := webhookPayload("example/other-repo", "refs/heads/main")

	resp, err := http.Post(srv.URL+"/webhooks/"+def.ID, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST webhook: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var ack map[string]string
	decodeBody(t, resp, &ack)
	if ack["result"] != "ignored" {
		t.Errorf("ack = %v", ack)
	}
	runs, _ := st.ListRuns(def.ID, "")
	if len(runs) != 0 {
		t.Errorf("run created for mismatched repository")
	}
}

func TestWebhookIgnoresTagPush(t *testing.T) {
	srv, st, _ := newTestServer(t)
	def := seedDef(t, st, nil)
	body := webhookPayload("github.com/example/api-service", "refs/tags/v1.2.0")

	resp, err := http.Post(srv.URL+"/webhooks/"+def.ID, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST webhook: %v", err)
	}
	var ack map[string]string
	decodeBody(t, resp, &ack)
	if resp.StatusCode != http.StatusAccepted || ack["result"] != "ignored" {
		t.Errorf("status = %d, ack = %v", resp.StatusCode, ack)
	}
	runs, _ := st.ListRuns(def.ID, "")
	if len(runs) != 0 {
		t.Errorf("run created for tag push")
	}
}

func TestStreamEmitsDoneEvent(t *testing.T) {
	srv, st, eng := newTestServer(t)
	def := seedDef(t, st, nil)
	summary, err := eng.Trigger(context.Background(), engine.TriggerRequest{DefinitionID: def.ID})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(srv.URL + "/api/runs/" + summary.RunID + "/stream")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	buf := make([]byte, 16*1024)
	var out []byte
	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		n, rerr := resp.Body.Read(buf)
		out = append(out, buf[:n]...)
		if bytes.Contains(out, []byte("event: done")) {
			return
		}
		if rerr != nil {
			break
		}
	}
	t.Fatalf("stream never ended with a done event; got:\n%s", out)
}

func TestStreamSplitsMultilineMessages(t *testing.T) {
	srv, st, _ := newTestServer(t)
	def := seedDef(t, st, nil)

	run := &model.PipelineRun{
		ID:           uuid.NewString(),
		DefinitionID: def.ID,
		Status:       model.RunSuccess,
		Branch:       "main",
		TriggerType:  "manual",
		TriggeredBy:  "test",
		Mode:         model.ModeLocal,
	}
	if err := st.CreateRun(run, nil); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	for _, msg := range []string{
		"line-one\nline-two\nline-three",
		logsink.CompletionMarkerPrefix + " success",
	} {
		if err := st.AppendLog(&model.LogEntry{RunID: run.ID, Level: model.LogInfo, Message: msg}); err != nil {
			t.Fatalf("AppendLog: %v", err)
		}
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(srv.URL + "/api/runs/" + run.ID + "/stream")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 16*1024)
	var out []byte
	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		n, rerr := resp.Body.Read(buf)
		out = append(out, buf[:n]...)
		if bytes.Contains(out, []byte("event: done")) {
			break
		}
		if rerr != nil {
			break
		}
	}

	// Every line of a multi-line message must arrive as its own data: field;
	// a bare continuation line would be dropped by conforming SSE clients.
	want := "data: [info] line-one\ndata: line-two\ndata: line-three\n\n"
	if !bytes.Contains(out, []byte(want)) {
		t.Fatalf("stream did not split the multi-line message; got:\n%s", out)
	}
	for _, line := range bytes.Split(out, []byte("\n")) {
		if len(line) == 0 || bytes.HasPrefix(line, []byte("data: ")) || bytes.HasPrefix(line, []byte("event: ")) {
			continue
		}
		t.Fatalf("bare SSE line %q in stream:\n%s", line, out)
	}
}
