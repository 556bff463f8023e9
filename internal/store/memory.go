package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextsight-ai/conveyor/internal/model"
)

// MemStore is a mutex-guarded in-memory Store, used for tests and for
// running without a database. All reads return copies.
type MemStore struct {
	mu          sync.Mutex
	definitions map[string]*model.PipelineDefinition
	runs        map[string]*model.PipelineRun
	stages      map[string]*model.Stage
	runStages   map[string][]string // run id -> stage ids in order
	approvals   map[string][]model.Approval
	logs        map[string][]model.LogEntry
	agents      map[string]*model.Agent
	assignments map[string]*model.JobAssignment
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		definitions: make(map[string]*model.PipelineDefinition),
		runs:        make(map[string]*model.PipelineRun),
		stages:      make(map[string]*model.Stage),
		runStages:   make(map[string][]string),
		approvals:   make(map[string][]model.Approval),
		logs:        make(map[string][]model.LogEntry),
		agents:      make(map[string]*model.Agent),
		assignments: make(map[string]*model.JobAssignment),
	}
}

func (m *MemStore) Close() error { return nil }

func (m *MemStore) CreateDefinition(d *model.PipelineDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	cp := *d
	m.definitions[d.ID] = &cp
	return nil
}

func (m *MemStore) GetDefinition(id string) (*model.PipelineDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.definitions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemStore) ListDefinitions() ([]model.PipelineDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.PipelineDefinition, 0, len(m.definitions))
	for _, d := range m.definitions {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemStore) UpdateDefinitionStats(id string, stats model.DefinitionStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.definitions[id]
	if !ok {
		return ErrNotFound
	}
	d.Stats = stats
	return nil
}

func (m *MemStore) CreateRun(run *model.PipelineRun, stages []model.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	cp := *run
	m.runs[run.ID] = &cp
	ids := make([]string, 0, len(stages))
	for i := range stages {
		sc := stages[i]
		m.stages[sc.ID] = &sc
		ids = append(ids, sc.ID)
	}
	m.runStages[run.ID] = ids
	return nil
}

func (m *MemStore) GetRun(id string) (*model.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemStore) ListRuns(definitionID string, status model.RunStatus) ([]model.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PipelineRun
	for _, r := range m.runs {
		if definitionID != "" && r.DefinitionID != definitionID {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return strings.Compare(out[i].ID, out[j].ID) > 0
	})
	return out, nil
}

func (m *MemStore) StartRun(id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = model.RunRunning
	t := at.UTC()
	r.StartedAt = &t
	return nil
}

func (m *MemStore) FinishRun(id string, status model.RunStatus, errMsg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	if r.FinishedAt != nil {
		return nil
	}
	r.Status = status
	r.Error = errMsg
	t := at.UTC()
	r.FinishedAt = &t
	if r.StartedAt != nil {
		r.DurationSecs = t.Sub(*r.StartedAt).Seconds()
	}
	return nil
}

func (m *MemStore) GetStages(runID string) ([]model.Stage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.runStages[runID]
	out := make([]model.Stage, 0, len(ids))
	for _, id := range ids {
		if st, ok := m.stages[id]; ok {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (m *MemStore) GetStage(id string) (*model.Stage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (m *MemStore) StartStage(id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stages[id]
	if !ok {
		return ErrNotFound
	}
	st.Status = model.StageRunning
	t := at.UTC()
	st.StartedAt = &t
	return nil
}

func (m *MemStore) FinishStage(id string, status model.StageStatus, errMsg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stages[id]
	if !ok {
		return ErrNotFound
	}
	st.Status = status
	st.Error = errMsg
	t := at.UTC()
	st.FinishedAt = &t
	if st.StartedAt != nil {
		st.DurationSecs = t.Sub(*st.StartedAt).Seconds()
	}
	return nil
}

func (m *MemStore) MarkStage(id string, status model.StageStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stages[id]
	if !ok {
		return ErrNotFound
	}
	st.Status = status
	st.Error = errMsg
	return nil
}

func (m *MemStore) AddApproval(a *model.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	m.approvals[a.StageID] = append(m.approvals[a.StageID], *a)
	return nil
}

func (m *MemStore) ListApprovals(stageID string) ([]model.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Approval, len(m.approvals[stageID]))
	copy(out, m.approvals[stageID])
	return out, nil
}

func (m *MemStore) AppendLog(e *model.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.Seq = int64(len(m.logs[e.RunID])) + 1
	m.logs[e.RunID] = append(m.logs[e.RunID], *e)
	return nil
}

func (m *MemStore) LogsSince(runID string, afterSeq int64, stageID string) ([]model.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.LogEntry
	for _, e := range m.logs[runID] {
		if e.Seq <= afterSeq {
			continue
		}
		if stageID != "" && e.StageID != stageID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *MemStore) CreateAgent(a *model.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.LastSeen.IsZero() {
		a.LastSeen = time.Now().UTC()
	}
	cp := *a
	m.agents[a.ID] = &cp
	return nil
}

func (m *MemStore) GetAgent(id string) (*model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemStore) ListAgents() ([]model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemStore) SetAgentHealth(id string, healthy bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Healthy = healthy
	a.LastSeen = at.UTC()
	return nil
}

func (m *MemStore) AdjustAgentJobs(id string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	next := a.CurrentJobs + delta
	if delta > 0 && next > a.MaxJobs {
		return ErrAgentSaturated
	}
	if next < 0 {
		next = 0
	}
	a.CurrentJobs = next
	return nil
}

func (m *MemStore) CreateAssignment(a *model.JobAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now().UTC()
	}
	cp := *a
	m.assignments[a.RunID] = &cp
	return nil
}

func (m *MemStore) GetAssignment(runID string) (*model.JobAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[runID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemStore) CompleteAssignment(runID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[runID]
	if !ok {
		return ErrNotFound
	}
	t := at.UTC()
	a.CompletedAt = &t
	return nil
}
