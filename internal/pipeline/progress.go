package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/logger"
)

// Progress is a point-in-time view of a running pass.
type Progress struct {
	RunID          string
	UnitsDone      int
	UnitsFailed    int
	UnitsTotal     int
	RecordsSeen    uint64
	RecordsMatched uint64
	RecordErrors   uint64
	NonZeroCells   int
	Elapsed        time.Duration
	ETA            time.Duration
}

// Percent returns the share of this run's units that have finished.
func (p Progress) Percent() float64 {
	if p.UnitsTotal == 0 {
		return 100
	}
	return float64(p.UnitsDone+p.UnitsFailed) / float64(p.UnitsTotal) * 100
}

// ProgressReporter receives progress snapshots. Errors are logged and never
// stop the run.
type ProgressReporter interface {
	ReportProgress(ctx context.Context, p Progress) error
}

// eta extrapolates the remaining time from the rate of this session.
func eta(done, total int, sessionElapsed time.Duration) time.Duration {
	if done == 0 || total <= done {
		return 0
	}
	perUnit := sessionElapsed / time.Duration(done)
	return perUnit * time.Duration(total-done)
}

func (e *Engine) report(ctx context.Context, log *slog.Logger, st *runState) {
	now := e.now()
	done := len(st.completed) + len(st.failed)
	p := Progress{
		RunID:          logger.RunID(ctx),
		UnitsDone:      len(st.completed),
		UnitsFailed:    len(st.failed),
		UnitsTotal:     st.total,
		RecordsSeen:    st.counters.RecordsSeen,
		RecordsMatched: st.counters.RecordsMatched,
		RecordErrors:   st.counters.RecordErrors,
		NonZeroCells:   st.acc.NonZero(),
		Elapsed:        st.elapsed(now),
		ETA:            eta(done, st.total, now.Sub(st.start)),
	}
	var rate float64
	if secs := now.Sub(st.start).Seconds(); secs > 0 {
		rate = float64(st.counters.RecordsSeen) / secs
	}
	log.Info("progress",
		"units_done", done,
		"units_total", st.total,
		"percent", roundTo(p.Percent(), 1),
		"records_seen", p.RecordsSeen,
		"records_per_sec", roundTo(rate, 0),
		"nonzero_cells", p.NonZeroCells,
		"unit_errors", p.UnitsFailed,
		"record_errors", p.RecordErrors,
		"eta", p.ETA.Round(time.Second).String(),
	)
	if e.progress != nil {
		if err := e.progress.ReportProgress(ctx, p); err != nil {
			log.Debug("progress reporter failed", "error", err)
		}
	}
}

func roundTo(v float64, places int) float64 {
	scale := 1.0
	for range places {
		scale *= 10
	}
	return float64(int64(v*scale+0.5)) / scale
}
