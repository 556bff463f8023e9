package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nextsight-ai/conveyor/internal/model"
)

// SQLStore implements Store on database/sql. The driver is chosen at
// construction: "sqlite3" for the embedded file database, "pgx" for postgres.
type SQLStore struct {
	conn   *sql.DB
	driver string
}

// DefaultDBPath returns ~/.conveyor/conveyor.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	dir := filepath.Join(home, ".conveyor")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "conveyor.db"), nil
}

// Open opens the database with the given driver ("sqlite3" or "pgx") and DSN.
func Open(driver, dsn string) (*SQLStore, error) {
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == "sqlite3" {
		conn.SetMaxOpenConns(1)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if driver == "sqlite3" {
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set journal mode: %w", err)
		}
		if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}
	return &SQLStore{conn: conn, driver: driver}, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.conn.Close()
}

// Conn returns the underlying *sql.DB for advanced queries.
func (s *SQLStore) Conn() *sql.DB {
	return s.conn
}

// rebind converts ?-style placeholders to $N for the pgx driver.
// Queries in this package are written once with ? and rebound as needed.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(query string, args ...interface{}) (sql.Result, error) {
	return s.conn.Exec(s.rebind(query), args...)
}

func (s *SQLStore) query(query string, args ...interface{}) (*sql.Rows, error) {
	return s.conn.Query(s.rebind(query), args...)
}

func (s *SQLStore) queryRow(query string, args ...interface{}) *sql.Row {
	return s.conn.QueryRow(s.rebind(query), args...)
}

// Schema uses types both sqlite and postgres accept; timestamps are stored
// as RFC3339 text and booleans as 0/1 integers.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS definitions (
    id                 TEXT PRIMARY KEY,
    name               TEXT NOT NULL,
    repository         TEXT NOT NULL,
    default_branch     TEXT NOT NULL,
    raw_config         TEXT NOT NULL,
    default_mode       TEXT NOT NULL,
    preferred_agent_id TEXT,
    namespace          TEXT,
    webhook_secret     TEXT,
    schedule           TEXT,
    stats_json         TEXT NOT NULL,
    created_at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
    id             TEXT PRIMARY KEY,
    definition_id  TEXT NOT NULL,
    status         TEXT NOT NULL,
    branch         TEXT,
    commit_sha     TEXT,
    commit_message TEXT,
    trigger_type   TEXT NOT NULL,
    triggered_by   TEXT NOT NULL,
    environment    TEXT,
    variables_json TEXT,
    mode           TEXT NOT NULL,
    agent_id       TEXT,
    started_at     TEXT,
    finished_at    TEXT,
    duration_secs  DOUBLE PRECISION NOT NULL DEFAULT 0,
    error_message  TEXT,
    created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_definition ON runs(definition_id, created_at);

CREATE TABLE IF NOT EXISTS stages (
    id                 TEXT PRIMARY KEY,
    run_id             TEXT NOT NULL,
    name               TEXT NOT NULL,
    stage_order        INTEGER NOT NULL,
    status             TEXT NOT NULL,
    steps_json         TEXT,
    requires_approval  INTEGER NOT NULL DEFAULT 0,
    required_approvers INTEGER NOT NULL DEFAULT 1,
    approver_roles_json TEXT,
    started_at         TEXT,
    finished_at        TEXT,
    duration_secs      DOUBLE PRECISION NOT NULL DEFAULT 0,
    error_message      TEXT
);
CREATE INDEX IF NOT EXISTS idx_stages_run ON stages(run_id, stage_order);

CREATE TABLE IF NOT EXISTS approvals (
    id            TEXT PRIMARY KEY,
    stage_id      TEXT NOT NULL,
    run_id        TEXT NOT NULL,
    decision      TEXT NOT NULL,
    approver      TEXT NOT NULL,
    role          TEXT,
    comment       TEXT,
    environment   TEXT,
    is_production INTEGER NOT NULL DEFAULT 0,
    created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approvals_stage ON approvals(stage_id, created_at);

CREATE TABLE IF NOT EXISTS run_logs (
    run_id     TEXT NOT NULL,
    seq        BIGINT NOT NULL,
    stage_id   TEXT,
    level      TEXT NOT NULL,
    message    TEXT NOT NULL,
    created_at TEXT NOT NULL,
    PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS agents (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL,
    host         TEXT NOT NULL,
    port         INTEGER NOT NULL,
    pool         TEXT,
    labels_json  TEXT,
    max_jobs     INTEGER NOT NULL DEFAULT 1,
    current_jobs INTEGER NOT NULL DEFAULT 0,
    healthy      INTEGER NOT NULL DEFAULT 1,
    last_seen    TEXT
);

CREATE TABLE IF NOT EXISTS job_assignments (
    run_id       TEXT PRIMARY KEY,
    agent_id     TEXT NOT NULL,
    assigned_at  TEXT NOT NULL,
    started_at   TEXT,
    completed_at TEXT,
    workspace    TEXT
);
`

// Migrate applies the database schema.
func (s *SQLStore) Migrate() error {
	var count int
	err := s.queryRow("SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(schemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.Exec(s.rebind("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)"), 1, fmtTime(time.Now())); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Reset drops all tables and re-applies the schema.
func (s *SQLStore) Reset() error {
	tables := []string{"job_assignments", "agents", "run_logs", "approvals", "stages", "runs", "definitions", "schema_version"}
	for _, t := range tables {
		if _, err := s.conn.Exec("DROP TABLE IF EXISTS " + t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return s.Migrate()
}

// --- time and json helpers ---

const timeFormat = time.RFC3339Nano

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func fmtTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func toJSON(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func fromJSON(s sql.NullString, v interface{}) {
	if s.Valid && s.String != "" {
		_ = json.Unmarshal([]byte(s.String), v)
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- definitions ---

// CreateDefinition inserts a pipeline definition.
func (s *SQLStore) CreateDefinition(d *model.PipelineDefinition) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(
		`INSERT INTO definitions (id, name, repository, default_branch, raw_config, default_mode,
		  preferred_agent_id, namespace, webhook_secret, schedule, stats_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.Repository, d.DefaultBranch, d.RawConfig, string(d.DefaultMode),
		d.PreferredAgentID, d.Namespace, d.WebhookSecret, d.Schedule, toJSON(d.Stats), fmtTime(d.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create definition: %w", err)
	}
	return nil
}

func scanDefinition(row interface{ Scan(...interface{}) error }) (*model.PipelineDefinition, error) {
	var d model.PipelineDefinition
	var mode, createdAt string
	var preferred, namespace, secret, schedule, statsJSON sql.NullString
	err := row.Scan(&d.ID, &d.Name, &d.Repository, &d.DefaultBranch, &d.RawConfig, &mode,
		&preferred, &namespace, &secret, &schedule, &statsJSON, &createdAt)
	if err != nil {
		return nil, err
	}
	d.DefaultMode = model.ExecutionMode(mode)
	d.PreferredAgentID = preferred.String
	d.Namespace = namespace.String
	d.WebhookSecret = secret.String
	d.Schedule = schedule.String
	fromJSON(statsJSON, &d.Stats)
	d.CreatedAt = parseTime(createdAt)
	return &d, nil
}

const definitionCols = `id, name, repository, default_branch, raw_config, default_mode,
  preferred_agent_id, namespace, webhook_secret, schedule, stats_json, created_at`

// GetDefinition returns a definition by id, or ErrNotFound.
func (s *SQLStore) GetDefinition(id string) (*model.PipelineDefinition, error) {
	row := s.queryRow(`SELECT `+definitionCols+` FROM definitions WHERE id = ?`, id)
	d, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get definition: %w", err)
	}
	return d, nil
}

// ListDefinitions returns all definitions ordered by name.
func (s *SQLStore) ListDefinitions() ([]model.PipelineDefinition, error) {
	rows, err := s.query(`SELECT ` + definitionCols + ` FROM definitions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	var defs []model.PipelineDefinition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		defs = append(defs, *d)
	}
	return defs, rows.Err()
}

// UpdateDefinitionStats replaces the cached aggregate stats for a definition.
func (s *SQLStore) UpdateDefinitionStats(id string, stats model.DefinitionStats) error {
	res, err := s.exec(`UPDATE definitions SET stats_json = ? WHERE id = ?`, toJSON(stats), id)
	if err != nil {
		return fmt.Errorf("update definition stats: %w", err)
	}
	return requireRow(res, "definition "+id)
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

// --- runs ---

// CreateRun inserts a run and its full stage set in one transaction.
func (s *SQLStore) CreateRun(run *model.PipelineRun, stages []model.Stage) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(s.rebind(
		`INSERT INTO runs (id, definition_id, status, branch, commit_sha, commit_message, trigger_type,
		  triggered_by, environment, variables_json, mode, agent_id, started_at, finished_at,
		  duration_secs, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		run.ID, run.DefinitionID, string(run.Status), run.Branch, run.CommitSHA, run.CommitMessage,
		run.TriggerType, run.TriggeredBy, run.Environment, toJSON(run.Variables), string(run.Mode),
		run.AgentID, fmtTimePtr(run.StartedAt), fmtTimePtr(run.FinishedAt), run.DurationSecs,
		run.Error, fmtTime(run.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.Prepare(s.rebind(
		`INSERT INTO stages (id, run_id, name, stage_order, status, steps_json, requires_approval,
		  required_approvers, approver_roles_json, started_at, finished_at, duration_secs, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("prepare stage insert: %w", err)
	}
	defer stmt.Close()

	for i := range stages {
		st := &stages[i]
		if _, err := stmt.Exec(st.ID, st.RunID, st.Name, st.Order, string(st.Status), toJSON(st.Steps),
			boolInt(st.RequiresApproval), st.RequiredApprovers, toJSON(st.ApproverRoles),
			fmtTimePtr(st.StartedAt), fmtTimePtr(st.FinishedAt), st.DurationSecs, st.Error); err != nil {
			return fmt.Errorf("insert stage %q: %w", st.Name, err)
		}
	}

	return tx.Commit()
}

const runCols = `id, definition_id, status, branch, commit_sha, commit_message, trigger_type,
  triggered_by, environment, variables_json, mode, agent_id, started_at, finished_at,
  duration_secs, error_message, created_at`

func scanRun(row interface{ Scan(...interface{}) error }) (*model.PipelineRun, error) {
	var r model.PipelineRun
	var status, triggerType, triggeredBy, mode, createdAt string
	var branch, sha, msg, env, varsJSON, agentID, startedAt, finishedAt, errMsg sql.NullString
	err := row.Scan(&r.ID, &r.DefinitionID, &status, &branch, &sha, &msg, &triggerType,
		&triggeredBy, &env, &varsJSON, &mode, &agentID, &startedAt, &finishedAt,
		&r.DurationSecs, &errMsg, &createdAt)
	if err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	r.Branch = branch.String
	r.CommitSHA = sha.String
	r.CommitMessage = msg.String
	r.TriggerType = triggerType
	r.TriggeredBy = triggeredBy
	r.Environment = env.String
	fromJSON(varsJSON, &r.Variables)
	r.Mode = model.ExecutionMode(mode)
	r.AgentID = agentID.String
	r.StartedAt = parseTimePtr(startedAt)
	r.FinishedAt = parseTimePtr(finishedAt)
	r.Error = errMsg.String
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}

// GetRun returns a run by id, or ErrNotFound.
func (s *SQLStore) GetRun(id string) (*model.PipelineRun, error) {
	row := s.queryRow(`SELECT `+runCols+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns runs, optionally filtered by definition and status,
// newest first.
func (s *SQLStore) ListRuns(definitionID string, status model.RunStatus) ([]model.PipelineRun, error) {
	query := `SELECT ` + runCols + ` FROM runs`
	var clauses []string
	var args []interface{}
	if definitionID != "" {
		clauses = append(clauses, "definition_id = ?")
		args = append(args, definitionID)
	}
	if status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.PipelineRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// StartRun marks a run running and records its start time.
func (s *SQLStore) StartRun(id string, at time.Time) error {
	res, err := s.exec(
		`UPDATE runs SET status = ?, started_at = ? WHERE id = ?`,
		string(model.RunRunning), fmtTime(at), id)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return requireRow(res, "run "+id)
}

// FinishRun writes the terminal state once. The finished_at guard makes the
// transition idempotent: a run that already finished is left untouched.
func (s *SQLStore) FinishRun(id string, status model.RunStatus, errMsg string, at time.Time) error {
	run, err := s.GetRun(id)
	if err != nil {
		return err
	}
	duration := 0.0
	if run.StartedAt != nil {
		duration = at.Sub(*run.StartedAt).Seconds()
	}
	_, err = s.exec(
		`UPDATE runs SET status = ?, error_message = ?, finished_at = ?, duration_secs = ?
		 WHERE id = ? AND finished_at IS NULL`,
		string(status), errMsg, fmtTime(at), duration, id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// --- stages ---

const stageCols = `id, run_id, name, stage_order, status, steps_json, requires_approval,
  required_approvers, approver_roles_json, started_at, finished_at, duration_secs, error_message`

func scanStage(row interface{ Scan(...interface{}) error }) (*model.Stage, error) {
	var st model.Stage
	var status string
	var stepsJSON, rolesJSON, startedAt, finishedAt, errMsg sql.NullString
	var requiresApproval int
	err := row.Scan(&st.ID, &st.RunID, &st.Name, &st.Order, &status, &stepsJSON, &requiresApproval,
		&st.RequiredApprovers, &rolesJSON, &startedAt, &finishedAt, &st.DurationSecs, &errMsg)
	if err != nil {
		return nil, err
	}
	st.Status = model.StageStatus(status)
	fromJSON(stepsJSON, &st.Steps)
	st.RequiresApproval = requiresApproval != 0
	fromJSON(rolesJSON, &st.ApproverRoles)
	st.StartedAt = parseTimePtr(startedAt)
	st.FinishedAt = parseTimePtr(finishedAt)
	st.Error = errMsg.String
	return &st, nil
}

// GetStages returns the full fixed stage set for a run in execution order.
func (s *SQLStore) GetStages(runID string) ([]model.Stage, error) {
	rows, err := s.query(`SELECT `+stageCols+` FROM stages WHERE run_id = ? ORDER BY stage_order`, runID)
	if err != nil {
		return nil, fmt.Errorf("get stages: %w", err)
	}
	defer rows.Close()

	var stages []model.Stage
	for rows.Next() {
		st, err := scanStage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		stages = append(stages, *st)
	}
	return stages, rows.Err()
}

// GetStage returns a stage by id, or ErrNotFound.
func (s *SQLStore) GetStage(id string) (*model.Stage, error) {
	row := s.queryRow(`SELECT `+stageCols+` FROM stages WHERE id = ?`, id)
	st, err := scanStage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stage: %w", err)
	}
	return st, nil
}

// StartStage marks a stage running and records its start time.
func (s *SQLStore) StartStage(id string, at time.Time) error {
	res, err := s.exec(
		`UPDATE stages SET status = ?, started_at = ? WHERE id = ?`,
		string(model.StageRunning), fmtTime(at), id)
	if err != nil {
		return fmt.Errorf("start stage: %w", err)
	}
	return requireRow(res, "stage "+id)
}

// FinishStage writes a stage's terminal status, finish time, and duration.
func (s *SQLStore) FinishStage(id string, status model.StageStatus, errMsg string, at time.Time) error {
	st, err := s.GetStage(id)
	if err != nil {
		return err
	}
	duration := 0.0
	if st.StartedAt != nil {
		duration = at.Sub(*st.StartedAt).Seconds()
	}
	res, err := s.exec(
		`UPDATE stages SET status = ?, error_message = ?, finished_at = ?, duration_secs = ? WHERE id = ?`,
		string(status), errMsg, fmtTime(at), duration, id)
	if err != nil {
		return fmt.Errorf("finish stage: %w", err)
	}
	return requireRow(res, "stage "+id)
}

// MarkStage sets a stage status without touching timing fields (e.g. SKIPPED).
func (s *SQLStore) MarkStage(id string, status model.StageStatus, errMsg string) error {
	res, err := s.exec(
		`UPDATE stages SET status = ?, error_message = ? WHERE id = ?`,
		string(status), errMsg, id)
	if err != nil {
		return fmt.Errorf("mark stage: %w", err)
	}
	return requireRow(res, "stage "+id)
}

// --- approvals ---

// AddApproval appends one decision row.
func (s *SQLStore) AddApproval(a *model.Approval) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(
		`INSERT INTO approvals (id, stage_id, run_id, decision, approver, role, comment, environment, is_production, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.StageID, a.RunID, string(a.Decision), a.Approver, a.Role, a.Comment,
		a.Environment, boolInt(a.IsProduction), fmtTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("add approval: %w", err)
	}
	return nil
}

// ListApprovals returns all decision rows for a stage in recorded order.
func (s *SQLStore) ListApprovals(stageID string) ([]model.Approval, error) {
	rows, err := s.query(
		`SELECT id, stage_id, run_id, decision, approver, role, comment, environment, is_production, created_at
		 FROM approvals WHERE stage_id = ? ORDER BY created_at, id`, stageID)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var approvals []model.Approval
	for rows.Next() {
		var a model.Approval
		var decision, createdAt string
		var role, comment, env sql.NullString
		var isProd int
		if err := rows.Scan(&a.ID, &a.StageID, &a.RunID, &decision, &a.Approver, &role, &comment, &env, &isProd, &createdAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		a.Decision = model.ApprovalDecision(decision)
		a.Role = role.String
		a.Comment = comment.String
		a.Environment = env.String
		a.IsProduction = isProd != 0
		a.CreatedAt = parseTime(createdAt)
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

// --- logs ---

// AppendLog assigns the next per-run sequence number and inserts the entry.
// Two appenders for the same run can race on MAX(seq) under read committed,
// so a unique-key collision on (run_id, seq) is retried with a fresh scan.
func (s *SQLStore) AppendLog(e *model.LogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var err error
	for attempt := 0; attempt < 10; attempt++ {
		if err = s.appendLogOnce(e); err == nil || !isUniqueViolation(err) {
			return err
		}
	}
	return fmt.Errorf("append log: gave up after contention: %w", err)
}

func (s *SQLStore) appendLogOnce(e *model.LogEntry) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRow(s.rebind(`SELECT MAX(seq) FROM run_logs WHERE run_id = ?`), e.RunID).Scan(&maxSeq); err != nil {
		return fmt.Errorf("next log seq: %w", err)
	}
	e.Seq = maxSeq.Int64 + 1

	if _, err := tx.Exec(s.rebind(
		`INSERT INTO run_logs (run_id, seq, stage_id, level, message, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		e.RunID, e.Seq, e.StageID, e.Level, e.Message, fmtTime(e.CreatedAt)); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return tx.Commit()
}

// isUniqueViolation matches the duplicate-key errors of both drivers:
// SQLSTATE 23505 from pgx and "UNIQUE constraint failed" from sqlite3.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

// LogsSince returns entries strictly after afterSeq in sequence order.
func (s *SQLStore) LogsSince(runID string, afterSeq int64, stageID string) ([]model.LogEntry, error) {
	query := `SELECT run_id, seq, stage_id, level, message, created_at
	          FROM run_logs WHERE run_id = ? AND seq > ?`
	args := []interface{}{runID, afterSeq}
	if stageID != "" {
		query += ` AND stage_id = ?`
		args = append(args, stageID)
	}
	query += ` ORDER BY seq`

	rows, err := s.query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("read logs: %w", err)
	}
	defer rows.Close()

	var entries []model.LogEntry
	for rows.Next() {
		var e model.LogEntry
		var stage sql.NullString
		var createdAt string
		if err := rows.Scan(&e.RunID, &e.Seq, &stage, &e.Level, &e.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.StageID = stage.String
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- agents ---

// CreateAgent inserts an agent.
func (s *SQLStore) CreateAgent(a *model.Agent) error {
	if a.LastSeen.IsZero() {
		a.LastSeen = time.Now().UTC()
	}
	_, err := s.exec(
		`INSERT INTO agents (id, name, host, port, pool, labels_json, max_jobs, current_jobs, healthy, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Host, a.Port, a.Pool, toJSON(a.Labels), a.MaxJobs, a.CurrentJobs,
		boolInt(a.Healthy), fmtTime(a.LastSeen))
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

const agentCols = `id, name, host, port, pool, labels_json, max_jobs, current_jobs, healthy, last_seen`

func scanAgent(row interface{ Scan(...interface{}) error }) (*model.Agent, error) {
	var a model.Agent
	var pool, labelsJSON, lastSeen sql.NullString
	var healthy int
	err := row.Scan(&a.ID, &a.Name, &a.Host, &a.Port, &pool, &labelsJSON, &a.MaxJobs, &a.CurrentJobs, &healthy, &lastSeen)
	if err != nil {
		return nil, err
	}
	a.Pool = pool.String
	fromJSON(labelsJSON, &a.Labels)
	a.Healthy = healthy != 0
	if lastSeen.Valid {
		a.LastSeen = parseTime(lastSeen.String)
	}
	return &a, nil
}

// GetAgent returns an agent by id, or ErrNotFound.
func (s *SQLStore) GetAgent(id string) (*model.Agent, error) {
	row := s.queryRow(`SELECT `+agentCols+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns all agents ordered by name.
func (s *SQLStore) ListAgents() ([]model.Agent, error) {
	rows, err := s.query(`SELECT ` + agentCols + ` FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// SetAgentHealth records a health-check result.
func (s *SQLStore) SetAgentHealth(id string, healthy bool, at time.Time) error {
	res, err := s.exec(
		`UPDATE agents SET healthy = ?, last_seen = ? WHERE id = ?`,
		boolInt(healthy), fmtTime(at), id)
	if err != nil {
		return fmt.Errorf("set agent health: %w", err)
	}
	return requireRow(res, "agent "+id)
}

// AdjustAgentJobs moves the bounded concurrent-job counter by delta under a
// guard that tolerates concurrent assignments and completions.
func (s *SQLStore) AdjustAgentJobs(id string, delta int) error {
	var res sql.Result
	var err error
	if delta > 0 {
		res, err = s.exec(
			`UPDATE agents SET current_jobs = current_jobs + ? WHERE id = ? AND current_jobs + ? <= max_jobs`,
			delta, id, delta)
	} else {
		res, err = s.exec(
			`UPDATE agents SET current_jobs = CASE WHEN current_jobs + ? < 0 THEN 0 ELSE current_jobs + ? END WHERE id = ?`,
			delta, delta, id)
	}
	if err != nil {
		return fmt.Errorf("adjust agent jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		if delta > 0 {
			if _, getErr := s.GetAgent(id); getErr != nil {
				return getErr
			}
			return ErrAgentSaturated
		}
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- job assignments ---

// CreateAssignment records the placement of an agent-mode run.
func (s *SQLStore) CreateAssignment(a *model.JobAssignment) error {
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now().UTC()
	}
	_, err := s.exec(
		`INSERT INTO job_assignments (run_id, agent_id, assigned_at, started_at, completed_at, workspace)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.RunID, a.AgentID, fmtTime(a.AssignedAt), fmtTimePtr(a.StartedAt), fmtTimePtr(a.CompletedAt), a.Workspace)
	if err != nil {
		return fmt.Errorf("create assignment: %w", err)
	}
	return nil
}

// GetAssignment returns the assignment for a run, or ErrNotFound.
func (s *SQLStore) GetAssignment(runID string) (*model.JobAssignment, error) {
	row := s.queryRow(
		`SELECT run_id, agent_id, assigned_at, started_at, completed_at, workspace
		 FROM job_assignments WHERE run_id = ?`, runID)
	var a model.JobAssignment
	var assignedAt string
	var startedAt, completedAt, workspace sql.NullString
	err := row.Scan(&a.RunID, &a.AgentID, &assignedAt, &startedAt, &completedAt, &workspace)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	a.AssignedAt = parseTime(assignedAt)
	a.StartedAt = parseTimePtr(startedAt)
	a.CompletedAt = parseTimePtr(completedAt)
	a.Workspace = workspace.String
	return &a, nil
}

// CompleteAssignment stamps the completion time on a run's assignment.
func (s *SQLStore) CompleteAssignment(runID string, at time.Time) error {
	res, err := s.exec(
		`UPDATE job_assignments SET completed_at = ? WHERE run_id = ?`,
		fmtTime(at), runID)
	if err != nil {
		return fmt.Errorf("complete assignment: %w", err)
	}
	return requireRow(res, "assignment for run "+runID)
}
