package publish

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/postgres"
)

// Transactor is satisfied by *postgres.Client.
type Transactor interface {
	InTx(ctx context.Context, fn func(tx postgres.Execer) error) error
}

const runsSchema = `CREATE TABLE IF NOT EXISTS cooccurrence_runs (
	run_id               TEXT PRIMARY KEY,
	finished_at          TIMESTAMPTZ NOT NULL,
	n_concepts           INTEGER NOT NULL,
	total_papers         BIGINT NOT NULL,
	papers_with_concepts BIGINT NOT NULL,
	total_pairs          BIGINT NOT NULL,
	nonzero_cells        BIGINT NOT NULL,
	density_pct          DOUBLE PRECISION NOT NULL,
	elapsed_seconds      DOUBLE PRECISION NOT NULL,
	min_concept_score    DOUBLE PRECISION NOT NULL,
	matrix_path          TEXT NOT NULL,
	index_path           TEXT NOT NULL,
	units_failed         JSONB NOT NULL DEFAULT '[]'
)`

const upsertRun = `INSERT INTO cooccurrence_runs (
	run_id, finished_at, n_concepts, total_papers, papers_with_concepts, total_pairs,
	nonzero_cells, density_pct, elapsed_seconds, min_concept_score,
	matrix_path, index_path, units_failed)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (run_id) DO UPDATE SET
	finished_at = EXCLUDED.finished_at,
	nonzero_cells = EXCLUDED.nonzero_cells,
	density_pct = EXCLUDED.density_pct,
	units_failed = EXCLUDED.units_failed`

// RunStore records finished runs in the cooccurrence_runs table. The table
// is created on first use in the same transaction as the run row.
type RunStore struct {
	db Transactor
}

func NewRunStore(db Transactor) *RunStore {
	return &RunStore{db: db}
}

func (s *RunStore) Name() string { return "postgres" }

func (s *RunStore) Publish(ctx context.Context, rep *Report) error {
	failed := rep.UnitsFailed
	if failed == nil {
		failed = []string{}
	}
	failedJSON, err := json.Marshal(failed)
	if err != nil {
		return fmt.Errorf("marshaling failed units: %w", err)
	}
	st := rep.Stats
	return s.db.InTx(ctx, func(tx postgres.Execer) error {
		if _, err := tx.ExecContext(ctx, runsSchema); err != nil {
			return fmt.Errorf("creating cooccurrence_runs: %w", err)
		}
		_, err := tx.ExecContext(ctx, upsertRun,
			rep.RunID, rep.FinishedAt, rep.Concepts,
			int64(st.TotalPapers), int64(st.PapersWithConcepts), int64(st.TotalPairs),
			st.NonZeroCells, st.DensityPct, st.ElapsedSeconds, st.MinConceptScore,
			rep.MatrixPath, rep.IndexPath, string(failedJSON),
		)
		if err != nil {
			return fmt.Errorf("recording run %s: %w", rep.RunID, err)
		}
		return nil
	})
}
