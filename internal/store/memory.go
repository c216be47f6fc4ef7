package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flowgrid/flowgrid/pkg/schema"
)

// MemoryStore is an in-memory Store used by tests and by ephemeral
// deployments that do not need durability.
type MemoryStore struct {
	mu          sync.RWMutex
	plans       map[string]*Plan
	executions  map[string]*Execution
	stepLogs    map[string][]*StepLog
	credentials map[string][]byte
	jobs        map[string]*ScheduledJob
	deadLetters map[string]*DeadLetter
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:       make(map[string]*Plan),
		executions:  make(map[string]*Execution),
		stepLogs:    make(map[string][]*StepLog),
		credentials: make(map[string][]byte),
		jobs:        make(map[string]*ScheduledJob),
		deadLetters: make(map[string]*DeadLetter),
	}
}

func credKey(userID, provider string) string { return userID + "/" + provider }

// --- Plans ---

func (m *MemoryStore) CreatePlan(_ context.Context, plan *Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[plan.ID]; ok {
		return schema.NewErrorf(schema.ErrKindConflict, "plan %q already exists", plan.ID)
	}
	cp := *plan
	cp.CreatedAt = timeOrNow(plan.CreatedAt)
	cp.UpdatedAt = timeOrNow(plan.UpdatedAt)
	m.plans[plan.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPlan(_ context.Context, id string) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, storeNotFound("plan", id)
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) UpdatePlan(_ context.Context, plan *Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.plans[plan.ID]
	if !ok {
		return storeNotFound("plan", plan.ID)
	}
	cp := *plan
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	m.plans[plan.ID] = &cp
	return nil
}

func (m *MemoryStore) DeletePlan(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, scheduled := m.jobs[id]; scheduled {
		return schema.NewErrorf(schema.ErrKindConflict, "plan %q is still scheduled", id)
	}
	if _, ok := m.plans[id]; !ok {
		return storeNotFound("plan", id)
	}
	delete(m.plans, id)
	return nil
}

func (m *MemoryStore) ListPlans(_ context.Context, filter PlanFilter) ([]*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Plan
	for _, p := range m.plans {
		if filter.UserID != "" && p.UserID != filter.UserID {
			continue
		}
		if filter.Enabled != nil && p.Enabled != *filter.Enabled {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Executions ---

func (m *MemoryStore) CreateExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[exec.ID]; ok {
		return schema.NewErrorf(schema.ErrKindConflict, "execution %q already exists", exec.ID)
	}
	cp := *exec
	cp.StartedAt = timeOrNow(exec.StartedAt)
	m.executions[exec.ID] = &cp
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) UpdateExecution(_ context.Context, id string, update ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return storeNotFound("execution", id)
	}
	if update.Status != nil {
		e.Status = *update.Status
	}
	if update.Error != nil {
		e.Error = update.Error
	}
	if update.Cursor != nil {
		e.Cursor = *update.Cursor
	}
	if update.FinishedAt != nil {
		t := *update.FinishedAt
		e.FinishedAt = &t
	}
	return nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Execution
	for _, e := range m.executions {
		if filter.PlanID != "" && e.PlanID != filter.PlanID {
			continue
		}
		if filter.UserID != "" && e.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Step Logs ---

func (m *MemoryStore) AppendStepLog(_ context.Context, log *StepLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *log
	cp.CreatedAt = timeOrNow(log.CreatedAt)
	m.stepLogs[log.ExecutionID] = append(m.stepLogs[log.ExecutionID], &cp)
	return nil
}

func (m *MemoryStore) ListStepLogs(_ context.Context, executionID string) ([]*StepLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	logs := m.stepLogs[executionID]
	out := make([]*StepLog, len(logs))
	for i, l := range logs {
		cp := *l
		out[i] = &cp
	}
	return out, nil
}

// --- Credentials ---

func (m *MemoryStore) StoreCredential(_ context.Context, userID, provider string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.credentials[credKey(userID, provider)] = cp
	return nil
}

func (m *MemoryStore) GetCredential(_ context.Context, userID, provider string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.credentials[credKey(userID, provider)]
	if !ok {
		return nil, storeNotFound("credential", credKey(userID, provider))
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (m *MemoryStore) DeleteCredential(_ context.Context, userID, provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := credKey(userID, provider)
	if _, ok := m.credentials[key]; !ok {
		return storeNotFound("credential", key)
	}
	delete(m.credentials, key)
	return nil
}

// --- Scheduled Jobs ---

func (m *MemoryStore) UpsertScheduledJob(_ context.Context, job *ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	if existing, ok := m.jobs[job.PlanID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = timeOrNow(job.CreatedAt)
	}
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[job.PlanID] = &cp
	return nil
}

func (m *MemoryStore) GetScheduledJob(_ context.Context, planID string) (*ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[planID]
	if !ok {
		return nil, storeNotFound("scheduled_job", planID)
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) UpdateScheduledJob(_ context.Context, planID string, update ScheduledJobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[planID]
	if !ok {
		return storeNotFound("scheduled_job", planID)
	}
	if update.Enabled != nil {
		j.Enabled = *update.Enabled
	}
	if update.NextRunAt != nil {
		t := *update.NextRunAt
		j.NextRunAt = &t
	}
	if update.LastRunAt != nil {
		t := *update.LastRunAt
		j.LastRunAt = &t
	}
	if update.LastRunStatus != nil {
		j.LastRunStatus = *update.LastRunStatus
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListScheduledJobs(_ context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ScheduledJob
	for _, j := range m.jobs {
		if filter.UserID != "" && j.UserID != filter.UserID {
			continue
		}
		if filter.Enabled != nil && j.Enabled != *filter.Enabled {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].NextRunAt, out[j].NextRunAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Before(*b)
		}
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteScheduledJob(_ context.Context, planID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[planID]; !ok {
		return storeNotFound("scheduled_job", planID)
	}
	delete(m.jobs, planID)
	return nil
}

// --- Dead Letters ---

func (m *MemoryStore) AppendDeadLetter(_ context.Context, dl *DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *dl
	cp.CreatedAt = timeOrNow(dl.CreatedAt)
	m.deadLetters[dl.ID] = &cp
	return nil
}

func (m *MemoryStore) ListDeadLetters(_ context.Context, filter DeadLetterFilter) ([]*DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*DeadLetter
	for _, dl := range m.deadLetters {
		if filter.PlanID != "" && dl.PlanID != filter.PlanID {
			continue
		}
		if filter.Replayed != nil && dl.Replayed != *filter.Replayed {
			continue
		}
		cp := *dl
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkDeadLetterReplayed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dl, ok := m.deadLetters[id]
	if !ok || dl.Replayed {
		return storeNotFound("dead_letter", id)
	}
	dl.Replayed = true
	return nil
}

// --- Maintenance ---

func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
