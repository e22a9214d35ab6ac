package scheduler

import (
	"context"
	"fmt"
	"time"
)

const (
	JobPruneHistory = "prune-history"
	JobPruneExpired = "prune-expired"
)

// PruneHistory removes finished task records older than retention
func PruneHistory(store HistoryPruner, retention time.Duration) RunFunc {
	return func(ctx context.Context) (string, error) {
		if retention <= 0 {
			return "history retention disabled", nil
		}
		n, err := store.PruneFinished(time.Now().Add(-retention))
		if err != nil {
			return "", fmt.Errorf("failed to prune history: %w", err)
		}
		return fmt.Sprintf("removed %d finished task records", n), nil
	}
}

// PruneExpired forgets deny-listed job ids recorded more than ttl ago
func PruneExpired(set ExpiredPruner, ttl time.Duration) RunFunc {
	return func(ctx context.Context) (string, error) {
		if ttl <= 0 {
			return "expired id TTL disabled", nil
		}
		n := set.PruneOlderThan(time.Now().Add(-ttl))
		return fmt.Sprintf("forgot %d expired job ids", n), nil
	}
}
