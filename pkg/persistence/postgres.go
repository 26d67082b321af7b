package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/autoforge/autoforge/pkg/container"
	"github.com/autoforge/autoforge/pkg/governor"
)

// PostgresRepository is the durable Repository mode: direct pgx/v5 SQL
// against the tables pkg/database's migrations create. No ORM — the
// teacher's Ent layer was dropped as infeasible without codegen (see
// DESIGN.md); this package owns its own SQL instead.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository wraps an already-migrated pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (p *PostgresRepository) CreateTask(ctx context.Context, task TaskRecord) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO tasks (id, project_id, description, template_id, request_id, owner_key_hash, status, resume_from_stage, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, NULLIF($8, ''), $9, $9)
		ON CONFLICT (id) DO NOTHING`,
		task.ID, task.ProjectID, task.Description, task.TemplateID, task.RequestID, task.OwnerKeyHash,
		coalesceStatus(task.Status), task.ResumeFromStage, task.CreatedAt)
	return err
}

// SetResumeFromStage records the stage a resume should restart from
// and the clarification answers to seed it with.
func (p *PostgresRepository) SetResumeFromStage(ctx context.Context, taskID, stage string, answers map[string]string) error {
	payload, err := json.Marshal(answers)
	if err != nil {
		return fmt.Errorf("marshal provided answers: %w", err)
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE tasks SET resume_from_stage = NULLIF($2, ''), provided_answers = $3, updated_at = now()
		WHERE id = $1`, taskID, stage, payload)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func coalesceStatus(s string) string {
	if s == "" {
		return "queued"
	}
	return s
}

func (p *PostgresRepository) GetTask(ctx context.Context, taskID string) (TaskRecord, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, COALESCE(project_id,''), description, COALESCE(template_id,''),
		       COALESCE(request_id,''), COALESCE(owner_key_hash,''), status,
		       COALESCE(resume_from_stage,''), provided_answers, created_at, updated_at, completed_at
		FROM tasks WHERE id = $1`, taskID)

	var t TaskRecord
	var completedAt *time.Time
	var answers []byte
	err := row.Scan(&t.ID, &t.ProjectID, &t.Description, &t.TemplateID, &t.RequestID,
		&t.OwnerKeyHash, &t.Status, &t.ResumeFromStage, &answers, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return TaskRecord{}, ErrTaskNotFound
	}
	if err != nil {
		return TaskRecord{}, err
	}
	t.CompletedAt = completedAt
	_ = json.Unmarshal(answers, &t.ProvidedAnswers)
	return t, nil
}

func (p *PostgresRepository) UpdateTaskStatus(ctx context.Context, taskID, status string, completedAt *time.Time) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, updated_at = now(), completed_at = COALESCE($3, completed_at)
		WHERE id = $1`, taskID, status, completedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (p *PostgresRepository) ListProjectTasks(ctx context.Context, projectID string, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, COALESCE(project_id,''), description, COALESCE(template_id,''),
		       COALESCE(request_id,''), COALESCE(owner_key_hash,''), status,
		       COALESCE(resume_from_stage,''), created_at, updated_at, completed_at
		FROM tasks WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var t TaskRecord
		var completedAt *time.Time
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.Description, &t.TemplateID, &t.RequestID,
			&t.OwnerKeyHash, &t.Status, &t.ResumeFromStage, &t.CreatedAt, &t.UpdatedAt, &completedAt); err != nil {
			return nil, err
		}
		t.CompletedAt = completedAt
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresRepository) ListTasksByOwner(ctx context.Context, ownerKeyHash string, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, COALESCE(project_id,''), description, COALESCE(template_id,''),
		       COALESCE(request_id,''), COALESCE(owner_key_hash,''), status,
		       COALESCE(resume_from_stage,''), created_at, updated_at, completed_at
		FROM tasks WHERE owner_key_hash = $1 ORDER BY created_at DESC LIMIT $2`, ownerKeyHash, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var t TaskRecord
		var completedAt *time.Time
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.Description, &t.TemplateID, &t.RequestID,
			&t.OwnerKeyHash, &t.Status, &t.ResumeFromStage, &t.CreatedAt, &t.UpdatedAt, &completedAt); err != nil {
			return nil, err
		}
		t.CompletedAt = completedAt
		out = append(out, t)
	}
	return out, rows.Err()
}

// AppendEvent relies on the events table's (task_id, event_id) primary
// key to make the insert idempotent, per spec.md §4.8.
func (p *PostgresRepository) AppendEvent(ctx context.Context, event EventRecord) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO events (task_id, event_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (task_id, event_id) DO NOTHING`,
		event.TaskID, event.EventID, event.EventType, payload, event.CreatedAt)
	return err
}

func (p *PostgresRepository) ListEvents(ctx context.Context, taskID string, limit int, descending bool) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	order := "ASC"
	if descending {
		order = "DESC"
	}
	rows, err := p.pool.Query(ctx, fmt.Sprintf(`
		SELECT task_id, event_id, event_type, payload, created_at
		FROM events WHERE task_id = $1 ORDER BY created_at %s LIMIT $2`, order), taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var e EventRecord
		var payload []byte
		if err := rows.Scan(&e.TaskID, &e.EventID, &e.EventType, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresRepository) AddArtifact(ctx context.Context, artifact ArtifactRecord) (ArtifactRecord, error) {
	payload, err := json.Marshal(artifact.Payload)
	if err != nil {
		return ArtifactRecord{}, err
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	row := p.pool.QueryRow(ctx, `
		INSERT INTO artifacts (task_id, artifact_type, payload, produced_by, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		RETURNING id`, artifact.TaskID, artifact.ArtifactType, payload, artifact.ProducedBy, artifact.CreatedAt)
	if err := row.Scan(&artifact.ID); err != nil {
		return ArtifactRecord{}, err
	}
	return artifact, nil
}

func (p *PostgresRepository) ListArtifacts(ctx context.Context, taskID, artifactType string, limit int) ([]ArtifactRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, task_id, artifact_type, payload, COALESCE(produced_by,''), created_at
		FROM artifacts
		WHERE task_id = $1 AND ($2 = '' OR artifact_type = $2)
		ORDER BY created_at ASC LIMIT $3`, taskID, artifactType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ArtifactRecord
	for rows.Next() {
		var a ArtifactRecord
		var payload []byte
		if err := rows.Scan(&a.ID, &a.TaskID, &a.ArtifactType, &payload, &a.ProducedBy, &a.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &a.Payload); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresRepository) SaveContainerState(ctx context.Context, taskID string, snapshot container.Snapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO container_state (task_id, snapshot, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (task_id) DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = now()`,
		taskID, payload)
	return err
}

func (p *PostgresRepository) LoadContainerState(ctx context.Context, taskID string) (container.Snapshot, bool, error) {
	row := p.pool.QueryRow(ctx, `SELECT snapshot FROM container_state WHERE task_id = $1`, taskID)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return container.Snapshot{}, false, nil
		}
		return container.Snapshot{}, false, err
	}
	var snap container.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return container.Snapshot{}, false, err
	}
	return snap, true, nil
}

func (p *PostgresRepository) SaveTaskFiles(ctx context.Context, taskID string, files []FileRecord, limits Limits) error {
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

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM task_files WHERE task_id = $1`, taskID); err != nil {
		return err
	}
	for _, f := range files {
		if _, err := tx.Exec(ctx, `
			INSERT INTO task_files (task_id, filepath, content, sha256, size, is_binary, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())`,
			taskID, f.Path, f.Content, f.SHA256, f.Size, f.IsBinary); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (p *PostgresRepository) LoadTaskFiles(ctx context.Context, taskID string) ([]FileRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT filepath, content, sha256, size, is_binary FROM task_files WHERE task_id = $1`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		var f FileRecord
		if err := rows.Scan(&f.Path, &f.Content, &f.SHA256, &f.Size, &f.IsBinary); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (p *PostgresRepository) RecordUsage(ctx context.Context, ownerKeyHash string, tokensIn, tokensOut, commandRuns int) error {
	if ownerKeyHash == "" {
		return nil
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO usage (owner_key_hash, usage_date, tokens_in, tokens_out, command_runs)
		VALUES ($1, CURRENT_DATE, $2, $3, $4)
		ON CONFLICT (owner_key_hash, usage_date) DO UPDATE SET
			tokens_in = usage.tokens_in + EXCLUDED.tokens_in,
			tokens_out = usage.tokens_out + EXCLUDED.tokens_out,
			command_runs = usage.command_runs + EXCLUDED.command_runs`,
		ownerKeyHash, tokensIn, tokensOut, commandRuns)
	return err
}

// GetDailyUsage satisfies governor.UsageStore.
func (p *PostgresRepository) GetDailyUsage(ctx context.Context, ownerKeyHash string) (governor.DailyUsage, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT tokens_in, tokens_out, command_runs FROM usage
		WHERE owner_key_hash = $1 AND usage_date = CURRENT_DATE`, ownerKeyHash)
	var u governor.DailyUsage
	err := row.Scan(&u.TokensIn, &u.TokensOut, &u.CommandRuns)
	if errors.Is(err, pgx.ErrNoRows) {
		return governor.DailyUsage{}, nil
	}
	return u, err
}

// CheckWindow satisfies governor.AuthoritativeRateLimiter, using an
// atomic upsert so concurrent requests in the same window serialize on
// the row rather than racing a read-then-write.
func (p *PostgresRepository) CheckWindow(ctx context.Context, keyHash, scope string, limit int, windowStart, windowSeconds int64) (bool, error) {
	row := p.pool.QueryRow(ctx, `
		INSERT INTO rate_limit (owner_key_hash, scope, window_start, count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (owner_key_hash, scope, window_start) DO UPDATE SET count = rate_limit.count + 1
		RETURNING count`, keyHash, scope, windowStart)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count <= limit, nil
}

// ResetProcessingToQueued satisfies governor.Bootstrapper.
func (p *PostgresRepository) ResetProcessingToQueued(ctx context.Context) (int, error) {
	tag, err := p.pool.Exec(ctx, `UPDATE tasks SET status = 'queued', updated_at = now() WHERE status = 'processing'`)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ListQueuedTasks satisfies governor.Bootstrapper.
func (p *PostgresRepository) ListQueuedTasks(ctx context.Context) ([]governor.QueueItem, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, description, COALESCE(template_id,''), COALESCE(request_id,''), COALESCE(resume_from_stage,''), provided_answers
		FROM tasks WHERE status = 'queued' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []governor.QueueItem
	for rows.Next() {
		var item governor.QueueItem
		var answers []byte
		if err := rows.Scan(&item.TaskID, &item.Description, &item.TemplateID, &item.RequestID, &item.ResumeFromStage, &answers); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(answers, &item.ProvidedAnswers)
		out = append(out, item)
	}
	return out, rows.Err()
}

// PurgeExpiredTasks deletes every task row whose completed_at predates
// cutoff, along with its events, artifacts, container state, and files.
// The schema has no ON DELETE CASCADE on these foreign keys, so child
// rows are removed first, in one transaction, in dependency order.
func (p *PostgresRepository) PurgeExpiredTasks(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT id FROM tasks WHERE completed_at IS NOT NULL AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, tx.Commit(ctx)
	}

	for _, table := range []string{"events", "artifacts", "container_state", "task_files"} {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE task_id = ANY($1)`, table), ids); err != nil {
			return 0, err
		}
	}
	tag, err := tx.Exec(ctx, `DELETE FROM tasks WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

var _ Repository = (*PostgresRepository)(nil)
