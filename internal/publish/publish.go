// Package publish hands the exported artifacts of a finished run to optional
// downstream systems: a Postgres run ledger, a Kafka notification, a Redis
// progress mirror and an S3-compatible bucket. Every sink is best effort;
// the local artifacts remain the durable result of the run.
package publish

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/export"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/resilience"
)

// Report describes one exported run.
type Report struct {
	RunID        string
	FinishedAt   time.Time
	Concepts     int
	MatrixPath   string
	IndexPath    string
	MatrixFormat string
	Stats        export.Stats
	UnitsFailed  []string
	// ObjectKeys maps artifact file names to their uploaded keys. It is
	// filled by ArtifactUploader for the sinks that run after it.
	ObjectKeys map[string]string
}

// NewReport builds a Report from a finished run summary.
func NewReport(sum *pipeline.Summary) *Report {
	idx := sum.Export.Index
	return &Report{
		RunID:        sum.RunID,
		FinishedAt:   time.Now().UTC(),
		Concepts:     idx.NConcepts,
		MatrixPath:   sum.Export.MatrixPath,
		IndexPath:    sum.Export.IndexPath,
		MatrixFormat: idx.MatrixFormat,
		Stats:        idx.Stats,
		UnitsFailed:  sum.Failed,
		ObjectKeys:   make(map[string]string),
	}
}

// Sink receives the report of a finished run.
type Sink interface {
	Name() string
	Publish(ctx context.Context, rep *Report) error
}

// Publisher fans a report out to its sinks in order.
type Publisher struct {
	sinks  []Sink
	retry  resilience.RetryConfig
	logger *slog.Logger
}

func New(retry resilience.RetryConfig, sinks ...Sink) *Publisher {
	return &Publisher{
		sinks:  sinks,
		retry:  retry,
		logger: logger.WithComponent("publish"),
	}
}

// Publish runs every sink with retries and returns the failures keyed by
// sink name. A failing sink does not prevent the following ones from
// running.
func (p *Publisher) Publish(ctx context.Context, rep *Report) map[string]error {
	failures := make(map[string]error)
	for _, s := range p.sinks {
		err := resilience.Retry(ctx, "publish."+s.Name(), p.retry, func(ctx context.Context) error {
			return s.Publish(ctx, rep)
		})
		if err != nil {
			failures[s.Name()] = err
			p.logger.Warn("sink failed, artifacts remain available locally",
				"sink", s.Name(),
				"run_id", rep.RunID,
				"error", err,
			)
			continue
		}
		p.logger.Info("run published", "sink", s.Name(), "run_id", rep.RunID)
	}
	return failures
}

func artifactNames(rep *Report) []string {
	return []string{filepath.Base(rep.MatrixPath), filepath.Base(rep.IndexPath)}
}
