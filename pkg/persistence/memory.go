package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/autoforge/autoforge/pkg/container"
	"github.com/autoforge/autoforge/pkg/governor"
)

// MemoryRepository is the ephemeral persistence mode: the same
// Repository interface backed by plain maps, lost on restart. Mirrors
// original_source/main.py's `storage.*` in-memory fallback path taken
// whenever db.is_enabled() is false.
type MemoryRepository struct {
	mu sync.Mutex

	tasks     map[string]TaskRecord
	events    map[string][]EventRecord
	eventSeen map[string]map[string]struct{}
	artifacts map[string][]ArtifactRecord
	nextArtID int64
	states    map[string]container.Snapshot
	files     map[string][]FileRecord
	usage     map[string]map[string]*governor.DailyUsage // ownerKeyHash -> "YYYY-MM-DD" -> usage
	rateLimit map[rateKey]int
}

type rateKey struct {
	ownerKeyHash string
	scope        string
	windowStart  int64
}

// NewMemoryRepository builds an empty in-memory Repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tasks:     make(map[string]TaskRecord),
		events:    make(map[string][]EventRecord),
		eventSeen: make(map[string]map[string]struct{}),
		artifacts: make(map[string][]ArtifactRecord),
		states:    make(map[string]container.Snapshot),
		files:     make(map[string][]FileRecord),
		usage:     make(map[string]map[string]*governor.DailyUsage),
		rateLimit: make(map[rateKey]int),
	}
}

func (m *MemoryRepository) CreateTask(ctx context.Context, task TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	task.UpdatedAt = task.CreatedAt
	if task.Status == "" {
		task.Status = "queued"
	}
	m.tasks[task.ID] = task
	return nil
}

func (m *MemoryRepository) GetTask(ctx context.Context, taskID string) (TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return TaskRecord{}, ErrTaskNotFound
	}
	return t, nil
}

func (m *MemoryRepository) UpdateTaskStatus(ctx context.Context, taskID, status string, completedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	if completedAt != nil {
		t.CompletedAt = completedAt
	}
	m.tasks[taskID] = t
	return nil
}

func (m *MemoryRepository) SetResumeFromStage(ctx context.Context, taskID, stage string, answers map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	t.ResumeFromStage = stage
	t.ProvidedAnswers = answers
	t.UpdatedAt = time.Now().UTC()
	m.tasks[taskID] = t
	return nil
}

func (m *MemoryRepository) ListProjectTasks(ctx context.Context, projectID string, limit int) ([]TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TaskRecord
	for _, t := range m.tasks {
		if t.ProjectID == projectID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) ListTasksByOwner(ctx context.Context, ownerKeyHash string, limit int) ([]TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TaskRecord
	for _, t := range m.tasks {
		if t.OwnerKeyHash == ownerKeyHash {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) AppendEvent(ctx context.Context, event EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := m.eventSeen[event.TaskID]
	if seen == nil {
		seen = make(map[string]struct{})
		m.eventSeen[event.TaskID] = seen
	}
	if _, ok := seen[event.EventID]; ok {
		return nil
	}
	seen[event.EventID] = struct{}{}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	m.events[event.TaskID] = append(m.events[event.TaskID], event)
	return nil
}

func (m *MemoryRepository) ListEvents(ctx context.Context, taskID string, limit int, descending bool) ([]EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]EventRecord(nil), m.events[taskID]...)
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) AddArtifact(ctx context.Context, artifact ArtifactRecord) (ArtifactRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextArtID++
	artifact.ID = m.nextArtID
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	m.artifacts[artifact.TaskID] = append(m.artifacts[artifact.TaskID], artifact)
	return artifact, nil
}

func (m *MemoryRepository) ListArtifacts(ctx context.Context, taskID, artifactType string, limit int) ([]ArtifactRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ArtifactRecord
	for _, a := range m.artifacts[taskID] {
		if artifactType != "" && a.ArtifactType != artifactType {
			continue
		}
		out = append(out, a)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) SaveContainerState(ctx context.Context, taskID string, snapshot container.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[taskID] = snapshot
	return nil
}

func (m *MemoryRepository) LoadContainerState(ctx context.Context, taskID string) (container.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[taskID]
	return s, ok, nil
}

func (m *MemoryRepository) SaveTaskFiles(ctx context.Context, taskID string, files []FileRecord, limits Limits) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limits.MaxTaskFiles > 0 && len(files) > limits.MaxTaskFiles {
		return ErrSizeCapExceeded
	}
	if limits.MaxTaskBytes > 0 {
		var total int64
		for _, f := range files {
			total += int64(f.Size)
		}
		if total > limits.MaxTaskBytes {
			return ErrSizeCapExceeded
		}
	}
	m.files[taskID] = append([]FileRecord(nil), files...)
	return nil
}

func (m *MemoryRepository) LoadTaskFiles(ctx context.Context, taskID string) ([]FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FileRecord(nil), m.files[taskID]...), nil
}

func (m *MemoryRepository) RecordUsage(ctx context.Context, ownerKeyHash string, tokensIn, tokensOut, commandRuns int) error {
	if ownerKeyHash == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	day := time.Now().UTC().Format("2006-01-02")
	byDay, ok := m.usage[ownerKeyHash]
	if !ok {
		byDay = make(map[string]*governor.DailyUsage)
		m.usage[ownerKeyHash] = byDay
	}
	u, ok := byDay[day]
	if !ok {
		u = &governor.DailyUsage{}
		byDay[day] = u
	}
	u.TokensIn += tokensIn
	u.TokensOut += tokensOut
	u.CommandRuns += commandRuns
	return nil
}

// GetDailyUsage satisfies governor.UsageStore.
func (m *MemoryRepository) GetDailyUsage(ctx context.Context, ownerKeyHash string) (governor.DailyUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	day := time.Now().UTC().Format("2006-01-02")
	byDay, ok := m.usage[ownerKeyHash]
	if !ok {
		return governor.DailyUsage{}, nil
	}
	u, ok := byDay[day]
	if !ok {
		return governor.DailyUsage{}, nil
	}
	return *u, nil
}

// CheckWindow satisfies governor.AuthoritativeRateLimiter.
func (m *MemoryRepository) CheckWindow(ctx context.Context, keyHash, scope string, limit int, windowStart, windowSeconds int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rateKey{ownerKeyHash: keyHash, scope: scope, windowStart: windowStart}
	m.rateLimit[key]++
	return m.rateLimit[key] <= limit, nil
}

// ResetProcessingToQueued satisfies governor.Bootstrapper.
func (m *MemoryRepository) ResetProcessingToQueued(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, t := range m.tasks {
		if t.Status == "processing" {
			t.Status = "queued"
			m.tasks[id] = t
			count++
		}
	}
	return count, nil
}

// ListQueuedTasks satisfies governor.Bootstrapper.
func (m *MemoryRepository) ListQueuedTasks(ctx context.Context) ([]governor.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []governor.QueueItem
	for _, t := range m.tasks {
		if t.Status == "queued" {
			out = append(out, governor.QueueItem{
				TaskID:          t.ID,
				Description:     t.Description,
				TemplateID:      t.TemplateID,
				RequestID:       t.RequestID,
				ResumeFromStage: t.ResumeFromStage,
				ProvidedAnswers: t.ProvidedAnswers,
			})
		}
	}
	return out, nil
}

// PurgeExpiredTasks removes every task whose CompletedAt is before
// cutoff, along with its events, artifacts, state snapshot, and files.
func (m *MemoryRepository) PurgeExpiredTasks(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, t := range m.tasks {
		if t.CompletedAt == nil || !t.CompletedAt.Before(cutoff) {
			continue
		}
		delete(m.tasks, id)
		delete(m.events, id)
		delete(m.eventSeen, id)
		delete(m.artifacts, id)
		delete(m.states, id)
		delete(m.files, id)
		count++
	}
	return count, nil
}

var _ Repository = (*MemoryRepository)(nil)
