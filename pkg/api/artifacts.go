package api

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/autoforge/autoforge/pkg/container"
	"github.com/autoforge/autoforge/pkg/persistence"
)

// artifactView is the API's flattened shape over the two places a
// task's artifacts live: most of them ride inside the Container
// snapshot (pkg/container.Container.AddArtifact, round-tripped through
// SaveContainerState/LoadContainerState), but CommandRunner's
// command_log entries go straight to persistence.Repository's artifacts
// table via the eventSink (see internal/app's eventSink.EmitArtifact).
// Handlers read both through this one helper rather than picking the
// wrong store per artifact kind.
type artifactView struct {
	Type      string          `json:"type"`
	CreatedBy string          `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// collectArtifacts gathers every artifact of kind (or all kinds, when
// empty) for taskID, oldest first.
func collectArtifacts(ctx context.Context, repo persistence.Repository, taskID, kind string) ([]artifactView, error) {
	var out []artifactView

	snapshot, ok, err := repo.LoadContainerState(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if ok {
		for k, list := range snapshot.Artifacts {
			if kind != "" && string(k) != kind {
				continue
			}
			for _, a := range list {
				out = append(out, artifactView{Type: string(k), CreatedBy: a.CreatedBy, CreatedAt: a.CreatedAt, Payload: a.Content})
			}
		}
	}

	if kind == "" || kind == string(container.KindCommandLog) {
		recs, err := repo.ListArtifacts(ctx, taskID, string(container.KindCommandLog), 0)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			payload, err := json.Marshal(r.Payload)
			if err != nil {
				continue
			}
			out = append(out, artifactView{Type: r.ArtifactType, CreatedBy: r.ProducedBy, CreatedAt: r.CreatedAt, Payload: payload})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// latestArtifact returns the most recently added artifact of kind, if any.
func latestArtifact(ctx context.Context, repo persistence.Repository, taskID, kind string) (*artifactView, error) {
	all, err := collectArtifacts(ctx, repo, taskID, kind)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return &all[len(all)-1], nil
}
