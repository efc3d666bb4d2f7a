package publish

import (
	"context"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/pipeline"
)

// HashStore is satisfied by *redis.Client.
type HashStore interface {
	SetHash(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error
}

// RedisProgress mirrors live progress and the final status of a run into a
// Redis hash so dashboards can follow a multi-hour pass.
type RedisProgress struct {
	store  HashStore
	prefix string
	ttl    time.Duration
}

func NewRedisProgress(store HashStore, prefix string, ttl time.Duration) *RedisProgress {
	return &RedisProgress{store: store, prefix: prefix, ttl: ttl}
}

// Key returns the hash key of a run.
func (r *RedisProgress) Key(runID string) string {
	return r.prefix + runID
}

// ReportProgress implements pipeline.ProgressReporter.
func (r *RedisProgress) ReportProgress(ctx context.Context, p pipeline.Progress) error {
	return r.store.SetHash(ctx, r.Key(p.RunID), map[string]any{
		"status":          "running",
		"units_done":      p.UnitsDone,
		"units_failed":    p.UnitsFailed,
		"units_total":     p.UnitsTotal,
		"percent":         strconv.FormatFloat(p.Percent(), 'f', 1, 64),
		"records_seen":    p.RecordsSeen,
		"records_matched": p.RecordsMatched,
		"nonzero_cells":   p.NonZeroCells,
		"eta_seconds":     int64(p.ETA.Seconds()),
		"updated_at":      time.Now().UTC().Format(time.RFC3339),
	}, r.ttl)
}

func (r *RedisProgress) Name() string { return "redis" }

// Publish marks the run completed.
func (r *RedisProgress) Publish(ctx context.Context, rep *Report) error {
	return r.store.SetHash(ctx, r.Key(rep.RunID), map[string]any{
		"status":        "completed",
		"nonzero_cells": rep.Stats.NonZeroCells,
		"density_pct":   strconv.FormatFloat(rep.Stats.DensityPct, 'f', 4, 64),
		"matrix_path":   rep.MatrixPath,
		"index_path":    rep.IndexPath,
		"updated_at":    rep.FinishedAt.Format(time.RFC3339),
	}, r.ttl)
}
