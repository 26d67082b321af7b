package governor

import (
	"context"
	"fmt"
)

// DailyUsage is the per-owner counters persisted for a single UTC day,
// reset at midnight UTC — original_source/main.py's db.get_usage_for_key.
type DailyUsage struct {
	TokensIn     int
	TokensOut    int
	CommandRuns  int
}

// UsageStore is the persistence-backed source of a day's running totals
// per owner. Implemented by pkg/persistence; reset daily is the store's
// responsibility (querying by the current UTC day), not the caller's.
type UsageStore interface {
	GetDailyUsage(ctx context.Context, ownerKeyHash string) (DailyUsage, error)
}

// DailyQuota implements roles.QuotaChecker: a pre-flight check of
// persisted per-owner token/command-run counters against configured
// daily caps, ported from original_source/main.py::check_quota_exceeded.
type DailyQuota struct {
	store UsageStore
}

// NewDailyQuota builds a DailyQuota backed by store. A nil store makes
// every check pass, for ephemeral/no-persistence deployments.
func NewDailyQuota(store UsageStore) *DailyQuota {
	return &DailyQuota{store: store}
}

// CheckDailyBudget satisfies pkg/roles.QuotaChecker. It returns a
// descriptive error once either cap is met or exceeded; the caller
// (Coder/Reviewer) wraps it as roles.ErrBudgetExceeded.
func (q *DailyQuota) CheckDailyBudget(ctx context.Context, ownerKeyHash string, maxTokensPerDay, maxCommandRunsPerDay int) error {
	if ownerKeyHash == "" {
		return nil
	}
	if maxTokensPerDay <= 0 && maxCommandRunsPerDay <= 0 {
		return nil
	}
	if q.store == nil {
		return nil
	}

	usage, err := q.store.GetDailyUsage(ctx, ownerKeyHash)
	if err != nil {
		return fmt.Errorf("governor: failed to load daily usage: %w", err)
	}

	totalTokens := usage.TokensIn + usage.TokensOut
	if maxTokensPerDay > 0 && totalTokens >= maxTokensPerDay {
		return fmt.Errorf("daily token budget exceeded: %d/%d", totalTokens, maxTokensPerDay)
	}
	if maxCommandRunsPerDay > 0 && usage.CommandRuns >= maxCommandRunsPerDay {
		return fmt.Errorf("daily command-run budget exceeded: %d/%d", usage.CommandRuns, maxCommandRunsPerDay)
	}
	return nil
}
