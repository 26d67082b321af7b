// Package persistence implements the durable (Postgres) and ephemeral
// (in-memory) storage modes behind one Repository interface (spec.md
// §4.8), grounded on original_source/main.py's db.* helpers
// (record_event/record_artifact/record_state/get_usage_for_key/
// check_rate_limit/reset_processing_tasks_to_queued) and the teacher's
// pkg/database connection/migration idiom.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/autoforge/autoforge/pkg/container"
	"github.com/autoforge/autoforge/pkg/governor"
)

// ErrTaskNotFound is returned by GetTask for an unknown task_id.
var ErrTaskNotFound = errors.New("persistence: task not found")

// ErrSizeCapExceeded is returned by SaveTaskFiles when the batch would
// exceed max_task_bytes or max_task_files.
var ErrSizeCapExceeded = errors.New("persistence: task file size or count cap exceeded")

// TaskRecord is one row of the tasks table.
type TaskRecord struct {
	ID              string
	ProjectID       string
	Description     string
	TemplateID      string
	RequestID       string
	OwnerKeyHash    string
	Status          string
	ResumeFromStage string
	ProvidedAnswers map[string]string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// EventRecord is one row of the events table, keyed idempotently on
// (TaskID, EventID).
type EventRecord struct {
	TaskID    string
	EventID   string
	EventType string
	Payload   map[string]any
	CreatedAt time.Time
}

// ArtifactRecord is one row of the artifacts table.
type ArtifactRecord struct {
	ID           int64
	TaskID       string
	ArtifactType string
	Payload      any
	ProducedBy   string
	CreatedAt    time.Time
}

// FileRecord is one row of the task_files table.
type FileRecord struct {
	Path     string
	Content  []byte
	SHA256   string
	Size     int
	IsBinary bool
}

// Limits bounds how much a single task may persist to task_files.
type Limits struct {
	MaxTaskBytes int64 // default 50 MiB
	MaxTaskFiles int   // default 2000
}

// DefaultLimits matches spec.md §4.8's defaults.
func DefaultLimits() Limits {
	return Limits{MaxTaskBytes: 50 * 1024 * 1024, MaxTaskFiles: 2000}
}

// Repository is the single storage interface both the durable
// (Postgres) and ephemeral (in-memory) backends implement. It also
// satisfies governor.Bootstrapper, governor.UsageStore and
// governor.AuthoritativeRateLimiter, since the Governor needs exactly
// this data to bootstrap its queue, check daily quota, and check the
// durable half of a rate-limit window.
type Repository interface {
	CreateTask(ctx context.Context, task TaskRecord) error
	GetTask(ctx context.Context, taskID string) (TaskRecord, error)
	UpdateTaskStatus(ctx context.Context, taskID, status string, completedAt *time.Time) error
	// SetResumeFromStage records which stage POST .../resume should
	// restart from, alongside the clarification answers it should seed
	// the resumed run with — both read back by the API's resume handler.
	SetResumeFromStage(ctx context.Context, taskID, stage string, answers map[string]string) error
	ListProjectTasks(ctx context.Context, projectID string, limit int) ([]TaskRecord, error)
	// ListTasksByOwner backs GET /api/users/{user_id}/tasks: owner_key_hash
	// is the only per-caller identity the auth layer resolves, so that is
	// what "user" scoping means here.
	ListTasksByOwner(ctx context.Context, ownerKeyHash string, limit int) ([]TaskRecord, error)

	AppendEvent(ctx context.Context, event EventRecord) error
	ListEvents(ctx context.Context, taskID string, limit int, descending bool) ([]EventRecord, error)

	AddArtifact(ctx context.Context, artifact ArtifactRecord) (ArtifactRecord, error)
	ListArtifacts(ctx context.Context, taskID, artifactType string, limit int) ([]ArtifactRecord, error)

	SaveContainerState(ctx context.Context, taskID string, snapshot container.Snapshot) error
	LoadContainerState(ctx context.Context, taskID string) (container.Snapshot, bool, error)

	SaveTaskFiles(ctx context.Context, taskID string, files []FileRecord, limits Limits) error
	LoadTaskFiles(ctx context.Context, taskID string) ([]FileRecord, error)

	RecordUsage(ctx context.Context, ownerKeyHash string, tokensIn, tokensOut, commandRuns int) error

	// PurgeExpiredTasks deletes every task row (and its events,
	// artifacts, container state, and files) whose CompletedAt is
	// before cutoff, implementing spec.md §4.1's TTL-based Container
	// destruction. Tasks with no CompletedAt (still in flight) are
	// never purged regardless of age. Returns the number of tasks
	// removed.
	PurgeExpiredTasks(ctx context.Context, cutoff time.Time) (int, error)

	governor.Bootstrapper
	governor.UsageStore
	governor.AuthoritativeRateLimiter
}

// LoadContainer reconstructs a Container from its persisted snapshot
// and files, per spec.md §4.8's load_container: missing snapshot but
// present files synthesizes a minimal Container at the implementation
// stage, matching original_source/main.py::load_container_from_db's
// fallback.
func LoadContainer(ctx context.Context, repo Repository, taskID string, sink container.FileSink) (*container.Container, error) {
	snapshot, ok, err := repo.LoadContainerState(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if ok {
		return container.FromDict(snapshot, sink), nil
	}

	files, err := repo.LoadTaskFiles(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}

	initial := make(map[string][]byte, len(files))
	for _, f := range files {
		initial[f.Path] = f.Content
	}
	c := container.New(taskID, initial, sink)
	if err := c.UpdateState(container.StateImplementation, "resumed from persisted files without a container snapshot"); err != nil {
		return nil, err
	}
	return c, nil
}
