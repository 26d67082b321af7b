// Package container implements the per-task aggregate that is the single
// source of truth for a code-generation run: files, typed artifacts, an
// append-only history log, and free-form metadata (iteration counters,
// token usage, baseline snapshot).
//
// A Container has exactly one writer at a time — the role currently
// driving it (see pkg/orchestrator) — but its read methods are safe to
// call concurrently from the HTTP layer, so all mutation goes through a
// mutex.
package container

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is one of the orchestrator's lifecycle stages.
type State string

const (
	StateResearch       State = "research"
	StateDesign          State = "design"
	StateImplementation  State = "implementation"
	StateReview          State = "review"
	StateComplete        State = "complete"
	StateError           State = "error"
)

// ArtifactKind identifies the shape of an artifact's Content payload.
// Unrecognized kinds are accepted too — AddArtifact lazily creates their
// bucket rather than rejecting them.
type ArtifactKind string

const (
	KindRequirements           ArtifactKind = "requirements"
	KindArchitecture           ArtifactKind = "architecture"
	KindCode                   ArtifactKind = "code"
	KindReviewReport           ArtifactKind = "review_report"
	KindPatchDiff              ArtifactKind = "patch_diff"
	KindGitExport              ArtifactKind = "git_export"
	KindReproManifest          ArtifactKind = "repro_manifest"
	KindUsageReport            ArtifactKind = "usage_report"
	KindClarificationQuestions ArtifactKind = "clarification_questions"
	KindCommandLog             ArtifactKind = "command_log"
	KindResearchSummary        ArtifactKind = "research_summary"
)

// RoleName names one of the five pipeline roles, used to select the
// relevant-context view and to tag artifacts/history entries.
type RoleName string

const (
	RoleResearcher RoleName = "researcher"
	RoleDesigner   RoleName = "designer"
	RoleCoder      RoleName = "coder"
	RoleReviewer   RoleName = "reviewer"
	RolePlanner    RoleName = "planner"
	RoleSystem     RoleName = "system"
)

// Artifact is an immutable, typed document produced by a role.
type Artifact struct {
	ID        string          `json:"id"`
	Kind      ArtifactKind    `json:"kind"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
	CreatedBy string          `json:"created_by"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// HistoryEntry captures one mutation of the Container, in execution order.
type HistoryEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	State     State          `json:"state"`
	Progress  float64        `json:"progress"`
}

// FileEntry is one file's tracked content.
type FileEntry struct {
	Content  []byte `json:"-"`
	IsBinary bool   `json:"is_binary"`
}

// BaselineFile is the point-in-time snapshot PatchBuilder diffs against.
// Captured once, at Container creation, and never mutated afterward.
type BaselineFile struct {
	SHA256   string `json:"sha256"`
	Size     int    `json:"size"`
	Content  []byte `json:"content,omitempty"`
	IsBinary bool   `json:"is_binary"`
}

// UsageRecord is one LLM call's token accounting, attributed to a stage.
type UsageRecord struct {
	Stage       string         `json:"stage"`
	Provider    string         `json:"provider"`
	Model       string         `json:"model"`
	TokensIn    int            `json:"tokens_in"`
	TokensOut   int            `json:"tokens_out"`
	TotalTokens int            `json:"total_tokens"`
	CreatedAt   time.Time      `json:"created_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// UsageSummary is the running aggregate over all UsageRecords.
type UsageSummary struct {
	TotalTokensIn  int                    `json:"total_tokens_in"`
	TotalTokensOut int                    `json:"total_tokens_out"`
	ByStage        map[string]StageUsage  `json:"by_stage"`
	Models         map[string]int         `json:"models"`
}

// StageUsage aggregates usage for a single orchestrator stage.
type StageUsage struct {
	TokensIn    int            `json:"tokens_in"`
	TokensOut   int            `json:"tokens_out"`
	TotalTokens int            `json:"total_tokens"`
	Models      map[string]int `json:"models"`
}

// Metadata is the free-form bag described in spec.md §3.
type Metadata struct {
	Iterations       int                    `json:"iterations"`
	MaxIterations    int                    `json:"max_iterations"`
	ActiveRole       RoleName               `json:"active_role,omitempty"`
	AIModelsUsed     []string               `json:"ai_models_used"`
	TotalTokens      int                    `json:"total_tokens"`
	LLMUsage         []UsageRecord          `json:"llm_usage"`
	LLMUsageSummary  UsageSummary           `json:"llm_usage_summary"`
	TemplateID       string                 `json:"template_id,omitempty"`
	TemplateHash     string                 `json:"template_hash,omitempty"`
	CodexHash        string                 `json:"codex_hash,omitempty"`
	OwnerKeyHash     string                 `json:"owner_key_hash,omitempty"`
	WorkspacePath    string                 `json:"workspace_path,omitempty"`
	BaselineFiles    map[string]BaselineFile `json:"baseline_files"`
	Extra            map[string]any         `json:"extra,omitempty"`
}

// FileSink mirrors Container file writes onto another medium (the
// Workspace, in production). Set once at construction; the Container
// never holds a reference back to its sink's owner.
type FileSink interface {
	OnFileChanged(path string, content []byte, deleted bool)
}

// Container is the per-task aggregate. Zero value is not usable; build
// one with New.
type Container struct {
	mu sync.RWMutex

	ProjectID string    `json:"project_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	files     map[string]FileEntry
	artifacts map[ArtifactKind][]Artifact
	history   []HistoryEntry

	state              State
	targetArchitecture json.RawMessage
	currentTask        string
	progress           float64
	errs               []string
	metadata           Metadata

	sink FileSink
}

// New creates an empty Container. initialFiles (e.g. a template's starter
// tree) are written before the baseline snapshot is captured, so they
// participate in invariant 7 (baseline_files immutable after creation).
func New(projectID string, initialFiles map[string][]byte, sink FileSink) *Container {
	if projectID == "" {
		projectID = uuid.NewString()
	}
	now := time.Now().UTC()
	c := &Container{
		ProjectID: projectID,
		CreatedAt: now,
		UpdatedAt: now,
		files:     make(map[string]FileEntry),
		artifacts: make(map[ArtifactKind][]Artifact),
		state:     StateResearch,
		metadata: Metadata{
			AIModelsUsed: []string{},
			LLMUsage:     []UsageRecord{},
			LLMUsageSummary: UsageSummary{
				ByStage: map[string]StageUsage{},
				Models:  map[string]int{},
			},
			BaselineFiles: map[string]BaselineFile{},
		},
		sink: sink,
	}
	c.addHistoryLocked("container_created", map[string]any{"project_id": projectID})

	for p, content := range initialFiles {
		if err := c.addFileLocked(p, content); err != nil {
			continue
		}
	}
	c.captureBaseline()
	return c
}

func (c *Container) captureBaseline() {
	snap := make(map[string]BaselineFile, len(c.files))
	for p, f := range c.files {
		sum := sha256.Sum256(f.Content)
		bf := BaselineFile{
			SHA256:   hex.EncodeToString(sum[:]),
			Size:     len(f.Content),
			IsBinary: f.IsBinary,
		}
		if !f.IsBinary {
			bf.Content = append([]byte(nil), f.Content...)
		}
		snap[p] = bf
	}
	c.metadata.BaselineFiles = snap
}

// ErrRejectedPath is returned by AddFile/RemoveFile for an invalid path.
var ErrRejectedPath = fmt.Errorf("rejected path")

// NormalizePath validates and cleans a Container-relative file path per
// invariant 1: no leading "/", no "..", non-empty.
func NormalizePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrRejectedPath)
	}
	clean := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	if path.IsAbs(clean) {
		return "", fmt.Errorf("%w: absolute path %q", ErrRejectedPath, p)
	}
	if clean == "." || strings.HasPrefix(clean, "../") || clean == ".." || strings.Contains(clean, "/../") {
		return "", fmt.Errorf("%w: traversal in %q", ErrRejectedPath, p)
	}
	return clean, nil
}

// isBinaryContent applies a crude NUL-byte heuristic, the same one the
// reference Workspace uses to decide between UTF-8 text and raw bytes.
func isBinaryContent(b []byte) bool {
	for _, c := range b {
		if c == 0 {
			return true
		}
	}
	return false
}

// AddFile adds or overwrites a file and fires the FileSink hook.
func (c *Container) AddFile(p string, content []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addFileLocked(p, content)
}

// WithSinkSuppressed runs fn with the FileSink hook temporarily
// disabled, then restores it even if fn panics. The Workspace's
// sync-back uses this so re-applying files collected from disk does
// not re-trigger writes back to that same disk.
func (c *Container) WithSinkSuppressed(fn func()) {
	c.mu.Lock()
	saved := c.sink
	c.sink = nil
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.sink = saved
		c.mu.Unlock()
	}()
	fn()
}

func (c *Container) addFileLocked(p string, content []byte) error {
	clean, err := NormalizePath(p)
	if err != nil {
		return err
	}
	c.files[clean] = FileEntry{Content: content, IsBinary: isBinaryContent(content)}
	c.UpdatedAt = time.Now().UTC()
	c.addHistoryLocked("file_added", map[string]any{"filepath": clean, "size": len(content)})
	if c.sink != nil {
		c.sink.OnFileChanged(clean, content, false)
	}
	return nil
}

// RemoveFile deletes a file if present; a no-op on an unknown path.
func (c *Container) RemoveFile(p string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	clean, err := NormalizePath(p)
	if err != nil {
		return err
	}
	if _, ok := c.files[clean]; !ok {
		return nil
	}
	delete(c.files, clean)
	c.UpdatedAt = time.Now().UTC()
	c.addHistoryLocked("file_removed", map[string]any{"filepath": clean})
	if c.sink != nil {
		c.sink.OnFileChanged(clean, nil, true)
	}
	return nil
}

// Files returns a snapshot copy of the current file map.
func (c *Container) Files() map[string]FileEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]FileEntry, len(c.files))
	for p, f := range c.files {
		cp := make([]byte, len(f.Content))
		copy(cp, f.Content)
		out[p] = FileEntry{Content: cp, IsBinary: f.IsBinary}
	}
	return out
}

// FileCount returns the number of tracked files.
func (c *Container) FileCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.files)
}

// AddArtifact appends a typed artifact and records it in history. content
// is marshaled to JSON; pass a concrete payload struct or a map.
func (c *Container) AddArtifact(kind ArtifactKind, content any, createdBy string) (string, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("marshal artifact content: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	a := Artifact{
		ID:        uuid.NewString(),
		Kind:      kind,
		Content:   raw,
		CreatedAt: time.Now().UTC(),
		CreatedBy: createdBy,
	}
	c.artifacts[kind] = append(c.artifacts[kind], a)
	c.UpdatedAt = a.CreatedAt
	c.addHistoryLocked("artifact_added", map[string]any{
		"artifact_id": a.ID,
		"kind":        string(kind),
		"created_by":  createdBy,
	})
	return a.ID, nil
}

// Artifacts returns all artifacts of a kind, in append order.
func (c *Container) Artifacts(kind ArtifactKind) []Artifact {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Artifact, len(c.artifacts[kind]))
	copy(out, c.artifacts[kind])
	return out
}

// AllArtifacts returns every artifact across all kinds, for persistence
// snapshots and the /artifacts endpoint.
func (c *Container) AllArtifacts() map[ArtifactKind][]Artifact {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[ArtifactKind][]Artifact, len(c.artifacts))
	for k, v := range c.artifacts {
		cp := make([]Artifact, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// State returns the current lifecycle state.
func (c *Container) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Progress returns the current progress scalar.
func (c *Container) Progress() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.progress
}

// Errors returns the accumulated error strings.
func (c *Container) Errors() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.errs))
	copy(out, c.errs)
	return out
}

// CurrentTask returns the in-flight iteration's short description.
func (c *Container) CurrentTask() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentTask
}

// SetCurrentTask updates the in-flight description without a state change.
func (c *Container) SetCurrentTask(desc string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentTask = desc
}

// UpdateState transitions the lifecycle state. Per invariant 5, moving to
// StateError requires a non-empty reason; if no stage_failed entry has
// been recorded yet for this transition, one is appended automatically so
// the invariant always holds.
func (c *Container) UpdateState(newState State, taskDescription string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if newState == StateError && taskDescription == "" {
		return fmt.Errorf("state=error requires a non-empty reason")
	}
	old := c.state
	c.state = newState
	if taskDescription != "" {
		c.currentTask = taskDescription
	}
	c.addHistoryLocked("state_changed", map[string]any{
		"from": string(old),
		"to":   string(newState),
		"task": taskDescription,
	})
	if newState == StateError {
		c.errs = append(c.errs, taskDescription)
		c.addHistoryLocked("stage_failed", map[string]any{"reason": taskDescription})
	}
	return nil
}

// UpdateProgress clamps and records the progress scalar.
func (c *Container) UpdateProgress(p float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	c.progress = p
	c.addHistoryLocked("progress_updated", map[string]any{"progress": p})
}

// RecordLLMUsage appends a per-call usage record and atomically updates
// the running summary counters (invariant 6).
func (c *Container) RecordLLMUsage(rec UsageRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec.TotalTokens = rec.TokensIn + rec.TokensOut
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	c.metadata.LLMUsage = append(c.metadata.LLMUsage, rec)

	sum := &c.metadata.LLMUsageSummary
	sum.TotalTokensIn += rec.TokensIn
	sum.TotalTokensOut += rec.TokensOut
	if sum.ByStage == nil {
		sum.ByStage = map[string]StageUsage{}
	}
	stage := sum.ByStage[rec.Stage]
	stage.TokensIn += rec.TokensIn
	stage.TokensOut += rec.TokensOut
	stage.TotalTokens += rec.TotalTokens
	if stage.Models == nil {
		stage.Models = map[string]int{}
	}
	stage.Models[rec.Model]++
	sum.ByStage[rec.Stage] = stage

	if sum.Models == nil {
		sum.Models = map[string]int{}
	}
	sum.Models[rec.Model]++

	c.metadata.TotalTokens = sum.TotalTokensIn + sum.TotalTokensOut

	known := false
	for _, m := range c.metadata.AIModelsUsed {
		if m == rec.Model {
			known = true
			break
		}
	}
	if !known {
		c.metadata.AIModelsUsed = append(c.metadata.AIModelsUsed, rec.Model)
	}
}

// Metadata returns a copy of the metadata bag.
func (c *Container) Metadata() Metadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metadata
}

// SetIterations sets the implementation-loop iteration counter, kept
// distinct from history length (see DESIGN.md's original_source note on
// models.py::_add_history_entry incrementing "iterations" on every
// mutation, not just loop iterations).
func (c *Container) SetIterations(n, max int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata.Iterations = n
	c.metadata.MaxIterations = max
}

// SetActiveRole records which role currently owns the Container.
func (c *Container) SetActiveRole(r RoleName) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata.ActiveRole = r
}

// SetTemplate records the template catalog entry a fresh Container was
// bootstrapped from.
func (c *Container) SetTemplate(id, hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata.TemplateID = id
	c.metadata.TemplateHash = hash
}

// SetCodexHash records the content hash of the loaded codex document.
func (c *Container) SetCodexHash(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata.CodexHash = hash
}

// SetOwnerKeyHash records the sha256(owner key) this task is billed to.
func (c *Container) SetOwnerKeyHash(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata.OwnerKeyHash = hash
}

// SetWorkspacePath records the on-disk materialization path.
func (c *Container) SetWorkspacePath(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata.WorkspacePath = p
}

// BaselineFiles returns the immutable creation-time snapshot.
func (c *Container) BaselineFiles() map[string]BaselineFile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]BaselineFile, len(c.metadata.BaselineFiles))
	for k, v := range c.metadata.BaselineFiles {
		out[k] = v
	}
	return out
}

// TargetArchitecture returns the raw JSON design document, if any.
func (c *Container) TargetArchitecture() json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.targetArchitecture
}

// SetTargetArchitecture stores the Designer's output for Coder/Reviewer
// consumption.
func (c *Container) SetTargetArchitecture(arch any) error {
	raw, err := json.Marshal(arch)
	if err != nil {
		return fmt.Errorf("marshal architecture: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targetArchitecture = raw
	return nil
}

// History returns the full append-only history log.
func (c *Container) History() []HistoryEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]HistoryEntry, len(c.history))
	copy(out, c.history)
	return out
}

func (c *Container) addHistoryLocked(action string, details map[string]any) {
	c.history = append(c.history, HistoryEntry{
		Timestamp: time.Now().UTC(),
		Action:    action,
		Details:   details,
		State:     c.state,
		Progress:  c.progress,
	})
}

// architectureComponent mirrors the shape Designer emits and Coder/
// Reviewer consume: a named unit of work with expected files.
type architectureComponent struct {
	Name  string   `json:"name"`
	Files []string `json:"files"`
}

type architectureDoc struct {
	Components []architectureComponent `json:"components"`
}

// GetDiff compares the current files against a target architecture
// document, reporting missing files per component.
func (c *Container) GetDiff() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.targetArchitecture) == 0 {
		return nil
	}
	var arch architectureDoc
	if err := json.Unmarshal(c.targetArchitecture, &arch); err != nil {
		return nil
	}
	var diffs []string
	for _, comp := range arch.Components {
		for _, f := range comp.Files {
			clean, err := NormalizePath(f)
			if err != nil {
				diffs = append(diffs, fmt.Sprintf("invalid expected path %q for component %s", f, comp.Name))
				continue
			}
			if _, ok := c.files[clean]; !ok {
				diffs = append(diffs, fmt.Sprintf("missing file: %s for component %s", clean, comp.Name))
			}
		}
	}
	return diffs
}

// IsComplete reports whether every architecture-enumerated file exists.
// A Container with no target architecture is never "complete" by this
// check alone — the orchestrator's final review gate is authoritative.
func (c *Container) IsComplete() bool {
	c.mu.RLock()
	state := c.state
	hasArch := len(c.targetArchitecture) > 0
	c.mu.RUnlock()
	if state == StateComplete {
		return true
	}
	if !hasArch {
		return false
	}
	return len(c.GetDiff()) == 0
}

// ResearcherView, DesignerView, CoderView and ReviewerView are the
// role-scoped projections returned by GetRelevantContext — each keeps a
// role's prompt compact and deterministic per spec.md §4.1.
type ResearcherView struct {
	ProjectID    string   `json:"project_id"`
	State        State    `json:"state"`
	Progress     float64  `json:"progress"`
	ActiveTask   string   `json:"active_task"`
	Requirements []string `json:"requirements"`
}

type DesignerView struct {
	ProjectID          string          `json:"project_id"`
	State              State           `json:"state"`
	Progress           float64         `json:"progress"`
	ActiveTask         string          `json:"active_task"`
	Requirements       []string        `json:"requirements"`
	ExistingArchitecture json.RawMessage `json:"existing_architecture,omitempty"`
}

type CoderView struct {
	ProjectID     string          `json:"project_id"`
	State         State           `json:"state"`
	Progress      float64         `json:"progress"`
	ActiveTask    string          `json:"active_task"`
	Architecture  json.RawMessage `json:"architecture,omitempty"`
	Files         []string        `json:"files"`
	RecentChanges []HistoryEntry  `json:"recent_changes"`
}

type ReviewerView struct {
	ProjectID    string            `json:"project_id"`
	State        State             `json:"state"`
	Progress     float64           `json:"progress"`
	ActiveTask   string            `json:"active_task"`
	Files        map[string]string `json:"files"`
	Architecture json.RawMessage   `json:"architecture,omitempty"`
	Requirements []string          `json:"requirements"`
}

// GetRelevantContext returns the role-scoped view for role.
func (c *Container) GetRelevantContext(role RoleName) any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var requirements []string
	for _, a := range c.artifacts[KindRequirements] {
		requirements = append(requirements, string(a.Content))
	}

	switch role {
	case RoleResearcher:
		return ResearcherView{
			ProjectID: c.ProjectID, State: c.state, Progress: c.progress,
			ActiveTask: c.currentTask, Requirements: requirements,
		}
	case RoleDesigner:
		return DesignerView{
			ProjectID: c.ProjectID, State: c.state, Progress: c.progress,
			ActiveTask: c.currentTask, Requirements: requirements,
			ExistingArchitecture: c.targetArchitecture,
		}
	case RoleCoder, RolePlanner:
		start := 0
		if n := len(c.history); n > 5 {
			start = n - 5
		}
		recent := make([]HistoryEntry, len(c.history[start:]))
		copy(recent, c.history[start:])
		files := make([]string, 0, len(c.files))
		for p := range c.files {
			files = append(files, p)
		}
		return CoderView{
			ProjectID: c.ProjectID, State: c.state, Progress: c.progress,
			ActiveTask: c.currentTask, Architecture: c.targetArchitecture,
			Files: files, RecentChanges: recent,
		}
	case RoleReviewer:
		files := make(map[string]string, len(c.files))
		for p, f := range c.files {
			if !f.IsBinary {
				files[p] = string(f.Content)
			}
		}
		return ReviewerView{
			ProjectID: c.ProjectID, State: c.state, Progress: c.progress,
			ActiveTask: c.currentTask, Files: files,
			Architecture: c.targetArchitecture, Requirements: requirements,
		}
	default:
		return map[string]any{
			"project_id": c.ProjectID, "state": c.state, "progress": c.progress,
		}
	}
}

// Snapshot is the serializable round-trip form of a Container, used by
// ToDict/FromDict and by pkg/persistence.
type Snapshot struct {
	ProjectID          string                          `json:"project_id"`
	State              State                           `json:"state"`
	Files              map[string]SnapshotFile          `json:"files"`
	Artifacts          map[ArtifactKind][]Artifact      `json:"artifacts"`
	History            []HistoryEntry                  `json:"history"`
	Metadata           Metadata                        `json:"metadata"`
	Progress           float64                         `json:"progress"`
	TargetArchitecture json.RawMessage                 `json:"target_architecture,omitempty"`
	Errors             []string                        `json:"errors"`
	CreatedAt          time.Time                       `json:"created_at"`
	UpdatedAt          time.Time                       `json:"updated_at"`
}

// SnapshotFile is a file entry as it appears in a Snapshot.
type SnapshotFile struct {
	Content  []byte `json:"content"`
	IsBinary bool   `json:"is_binary"`
}

// ToDict produces the serializable snapshot (mirrors original_source
// models.py::Container.to_dict).
func (c *Container) ToDict() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	files := make(map[string]SnapshotFile, len(c.files))
	for p, f := range c.files {
		files[p] = SnapshotFile{Content: f.Content, IsBinary: f.IsBinary}
	}
	artifacts := make(map[ArtifactKind][]Artifact, len(c.artifacts))
	for k, v := range c.artifacts {
		cp := make([]Artifact, len(v))
		copy(cp, v)
		artifacts[k] = cp
	}
	hist := make([]HistoryEntry, len(c.history))
	copy(hist, c.history)
	return Snapshot{
		ProjectID: c.ProjectID, State: c.state, Files: files, Artifacts: artifacts,
		History: hist, Metadata: c.metadata, Progress: c.progress,
		TargetArchitecture: c.targetArchitecture, Errors: append([]string(nil), c.errs...),
		CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt,
	}
}

// FromDict reconstructs a Container from a Snapshot (mirrors
// models.py::Container.from_dict). sink is reattached; it is not part of
// the serialized state.
func FromDict(s Snapshot, sink FileSink) *Container {
	files := make(map[string]FileEntry, len(s.Files))
	for p, f := range s.Files {
		files[p] = FileEntry{Content: f.Content, IsBinary: f.IsBinary}
	}
	artifacts := s.Artifacts
	if artifacts == nil {
		artifacts = map[ArtifactKind][]Artifact{}
	}
	md := s.Metadata
	if md.LLMUsage == nil {
		md.LLMUsage = []UsageRecord{}
	}
	if md.AIModelsUsed == nil {
		md.AIModelsUsed = []string{}
	}
	if md.BaselineFiles == nil {
		md.BaselineFiles = map[string]BaselineFile{}
	}
	if md.LLMUsageSummary.ByStage == nil {
		md.LLMUsageSummary.ByStage = map[string]StageUsage{}
	}
	if md.LLMUsageSummary.Models == nil {
		md.LLMUsageSummary.Models = map[string]int{}
	}
	return &Container{
		ProjectID: s.ProjectID, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt,
		files: files, artifacts: artifacts, history: append([]HistoryEntry(nil), s.History...),
		state: s.State, targetArchitecture: s.TargetArchitecture, progress: s.Progress,
		errs: append([]string(nil), s.Errors...), metadata: md, sink: sink,
	}
}
