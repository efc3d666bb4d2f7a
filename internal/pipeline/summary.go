package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/checkpoint"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/export"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/matrix"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/logger"
)

// Summary reports the outcome of a run.
type Summary struct {
	RunID        string
	Resumed      bool
	UnitsTotal   int
	UnitsSkipped int
	Completed    []string
	Failed       []string
	Counters     checkpoint.Counters
	NonZero      int
	Density      float64
	Elapsed      time.Duration
	TopPairs     []matrix.Pair
	TopDegrees   []matrix.Degree
	Matrix       *matrix.Accumulator
	Export       export.Result
}

func (e *Engine) summarize(runID string, units, pending []string, st *runState, resumed bool) *Summary {
	k := e.opts.TopK
	if k <= 0 {
		k = 20
	}
	return &Summary{
		RunID:        runID,
		Resumed:      resumed,
		UnitsTotal:   len(units),
		UnitsSkipped: len(units) - len(pending),
		Completed:    st.completed,
		Failed:       st.failed,
		Counters:     st.counters,
		NonZero:      st.acc.NonZero(),
		Density:      st.acc.Density(),
		Elapsed:      st.elapsed(e.now()),
		TopPairs:     st.acc.TopPairs(k),
		TopDegrees:   st.acc.TopDegrees(k),
		Matrix:       st.acc,
	}
}

// Labeler resolves a dense index to a display label.
type Labeler interface {
	Label(i int) string
}

// Log writes the final summary, including the top pairs and degrees.
func (s *Summary) Log(ctx context.Context, names Labeler) {
	log := logger.FromContext(ctx).With("component", "pipeline")
	var rate float64
	if secs := s.Elapsed.Seconds(); secs > 0 {
		rate = float64(s.Counters.RecordsSeen) / secs
	}
	log.Info("run summary",
		"run_id", s.RunID,
		"units_total", s.UnitsTotal,
		"units_skipped", s.UnitsSkipped,
		"units_completed", len(s.Completed),
		"units_failed", len(s.Failed),
		"records_seen", s.Counters.RecordsSeen,
		"records_matched", s.Counters.RecordsMatched,
		"pairs_counted", s.Counters.PairsAdded,
		"record_errors", s.Counters.RecordErrors,
		"nonzero_cells", s.NonZero,
		"density_pct", roundTo(s.Density, 4),
		"elapsed", s.Elapsed.Round(time.Second).String(),
		"records_per_sec", roundTo(rate, 0),
	)
	for rank, p := range s.TopPairs {
		log.Info("top pair",
			"rank", rank+1,
			"a", names.Label(p.I),
			"b", names.Label(p.J),
			"count", p.Count,
		)
	}
	for rank, d := range s.TopDegrees {
		log.Info("top concept",
			"rank", rank+1,
			"concept", names.Label(d.Index),
			"degree", d.Sum,
		)
	}
	if len(s.Failed) > 0 {
		log.Warn("units failed and were left out of the matrix", slog.Any("units", s.Failed))
	}
}
