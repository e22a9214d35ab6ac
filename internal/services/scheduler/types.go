package scheduler

import (
	"context"
	"time"
)

// RunFunc performs one maintenance run and returns a short summary
type RunFunc func(ctx context.Context) (string, error)

// JobListResponse represents a maintenance job in list responses
type JobListResponse struct {
	Name       string  `json:"name"`
	Cron       string  `json:"cron"`
	Enabled    bool    `json:"enabled"`
	LastRunAt  *string `json:"last_run_at"` // ISO 8601 format
	NextRun    *string `json:"next_run"`    // ISO 8601 format
	LastResult string  `json:"last_result"`
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
}

// HistoryPruner deletes finished task records older than a cutoff
type HistoryPruner interface {
	PruneFinished(before time.Time) (int64, error)
}

// ExpiredPruner drops deny-list entries recorded before a cutoff
type ExpiredPruner interface {
	PruneOlderThan(cutoff time.Time) int
}
