// Package pipeline drives a co-occurrence run: it enumerates source units,
// streams them through the filter into per-unit accumulators on a bounded
// worker pool, merges completed units on a single coordinator, flushes
// checkpoints at the configured cadence and exports the final artifacts.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/checkpoint"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/export"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/filter"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/matrix"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/source"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/vocabulary"
	apperrors "github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/metrics"
)

// Options tune a run.
type Options struct {
	MinScore      float64
	Workers       int
	MaxUnits      int
	Resume        bool
	ProgressEvery int
	TopK          int
}

// Engine runs one accumulation pass. It is not reusable across runs.
type Engine struct {
	src      source.Source
	vocab    *vocabulary.Vocabulary
	filter   *filter.Filter
	ckpt     *checkpoint.Manager
	exporter *export.Exporter
	metrics  *metrics.Metrics
	progress ProgressReporter
	opts     Options
	now      func() time.Time
}

func NewEngine(
	src source.Source,
	vocab *vocabulary.Vocabulary,
	ckpt *checkpoint.Manager,
	exporter *export.Exporter,
	m *metrics.Metrics,
	opts Options,
) *Engine {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.ProgressEvery < 1 {
		opts.ProgressEvery = 1
	}
	return &Engine{
		src:      src,
		vocab:    vocab,
		filter:   filter.New(vocab, opts.MinScore),
		ckpt:     ckpt,
		exporter: exporter,
		metrics:  m,
		opts:     opts,
		now:      time.Now,
	}
}

// SetProgressReporter installs an observer called at every progress report.
func (e *Engine) SetProgressReporter(p ProgressReporter) {
	e.progress = p
}

// Run executes the pass. On interruption it flushes completed work and
// returns an ErrInterrupted error together with a partial summary.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	runID := logger.RunID(ctx)
	if runID == "" {
		runID = uuid.NewString()
		ctx = logger.WithRunID(ctx, runID)
	}
	log := logger.FromContext(ctx).With("component", "pipeline")
	start := e.now()

	units, err := e.src.Units(ctx)
	if err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return nil, apperrors.New(apperrors.ErrConfig, "record source has no units")
	}
	if e.opts.MaxUnits > 0 && len(units) > e.opts.MaxUnits {
		log.Info("test mode, truncating unit list", "max_units", e.opts.MaxUnits, "available", len(units))
		units = units[:e.opts.MaxUnits]
	}

	n := e.vocab.Len()
	var (
		acc     *matrix.Accumulator
		resumed bool
	)
	if e.opts.Resume {
		acc, _, resumed, err = e.ckpt.Restore(n, e.vocab.Fingerprint())
		if err != nil {
			return nil, err
		}
	} else {
		if err := e.ckpt.Start(n, e.vocab.Fingerprint()); err != nil {
			return nil, err
		}
		acc = matrix.New(n)
	}
	cur := e.ckpt.Cursor()

	pending := make([]string, 0, len(units))
	for _, u := range units {
		if !e.ckpt.Completed(u) {
			pending = append(pending, u)
		}
	}
	log.Info("run starting",
		"units", len(units),
		"pending", len(pending),
		"already_done", len(units)-len(pending),
		"concepts", n,
		"workers", e.opts.Workers,
		"min_score", e.opts.MinScore,
		"resumed", resumed,
	)

	st := &runState{
		acc:         acc,
		counters:    cur.Counters,
		elapsedBase: cur.Elapsed(),
		start:       start,
		total:       len(pending),
	}
	if e.metrics != nil {
		e.metrics.UnitsRemaining.Set(float64(len(pending)))
	}

	err = e.accumulate(ctx, log, pending, st)

	summary := e.summarize(runID, units, pending, st, resumed)
	if err != nil {
		return summary, err
	}
	if ctx.Err() != nil && len(st.completed)+len(st.failed) < len(pending) {
		log.Warn("run interrupted, completed units are checkpointed; rerun with -resume to continue",
			"completed", len(st.completed),
			"remaining", len(pending)-len(st.completed)-len(st.failed),
		)
		return summary, apperrors.Wrap(apperrors.ErrInterrupted, ctx.Err(), "run interrupted")
	}

	final := e.ckpt.Cursor()
	res, err := e.exporter.Export(st.acc, e.vocab, export.Stats{
		TotalPapers:        st.counters.RecordsSeen,
		PapersWithConcepts: st.counters.RecordsMatched,
		TotalPairs:         st.counters.PairsAdded,
		ElapsedSeconds:     st.elapsed(e.now()).Seconds(),
		MinConceptScore:    e.opts.MinScore,
		UnitsProcessed:     len(final.ProcessedUnits),
		UnitsFailed:        final.FailedUnits,
		RecordErrors:       st.counters.RecordErrors,
	})
	if err != nil {
		return summary, err
	}
	summary.Export = res
	if err := e.ckpt.Finalize(); err != nil {
		return summary, err
	}
	summary.Elapsed = st.elapsed(e.now())
	return summary, nil
}

// accumulate fans pending units out to the worker pool and merges their
// results on the calling goroutine. It returns only fatal errors;
// cancellation of ctx is reported by ctx itself.
func (e *Engine) accumulate(ctx context.Context, log *slog.Logger, pending []string, st *runState) error {
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(workCtx)
	jobs := make(chan string)
	results := make(chan unitResult, e.opts.Workers)

	g.Go(func() error {
		defer close(jobs)
		for _, u := range pending {
			select {
			case jobs <- u:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})
	for w := 0; w < e.opts.Workers; w++ {
		g.Go(func() error {
			for unit := range jobs {
				results <- e.processUnit(gctx, unit)
			}
			return nil
		})
	}
	go func() {
		g.Wait()
		close(results)
	}()

	var fatal error
	for res := range results {
		if fatal != nil {
			continue
		}
		if err := e.apply(ctx, log, res, st); err != nil {
			fatal = err
			cancel()
		}
	}
	if fatal != nil {
		return fatal
	}

	// Covers both the clean end and the forced flush on interruption.
	if len(st.sinceFlush) > 0 {
		if err := e.flush(st); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) apply(ctx context.Context, log *slog.Logger, res unitResult, st *runState) error {
	if e.metrics != nil {
		e.metrics.UnitsTotal.WithLabelValues(res.status.String()).Inc()
		e.metrics.UnitDuration.Observe(res.duration.Seconds())
	}
	switch res.status {
	case unitAborted:
		log.Debug("unit aborted by cancellation", "unit", res.unit)
		return nil
	case unitFailed:
		st.failed = append(st.failed, res.unit)
		st.counters.UnitErrors++
		log.Warn("unit skipped after read failure",
			"unit", res.unit,
			"records_read", res.counters.RecordsSeen,
			"error", res.err,
		)
	case unitOK:
		if err := st.acc.Merge(res.acc); err != nil {
			return err
		}
		st.counters.Add(res.counters)
		st.completed = append(st.completed, res.unit)
		st.sinceFlush = append(st.sinceFlush, res.unit)
		if res.counters.RecordErrors > 0 {
			log.Warn("unit had malformed records",
				"unit", res.unit,
				"record_errors", res.counters.RecordErrors,
			)
		}
		if e.metrics != nil {
			e.metrics.RecordsSeenTotal.Add(float64(res.counters.RecordsSeen))
			e.metrics.RecordsMatchedTotal.Add(float64(res.counters.RecordsMatched))
			e.metrics.RecordErrorsTotal.Add(float64(res.counters.RecordErrors))
			e.metrics.PairsAddedTotal.Add(float64(res.counters.PairsAdded))
		}
	}

	done := len(st.completed) + len(st.failed)
	if e.metrics != nil {
		e.metrics.UnitsRemaining.Set(float64(st.total - done))
	}
	if done%e.opts.ProgressEvery == 0 || done == st.total {
		e.report(ctx, log, st)
	}
	if e.ckpt.Due(len(st.sinceFlush)) {
		return e.flush(st)
	}
	return nil
}

func (e *Engine) flush(st *runState) error {
	err := e.ckpt.Flush(st.acc, checkpoint.Progress{
		Completed: st.sinceFlush,
		Failed:    st.failed,
		Counters:  st.counters,
		Elapsed:   st.elapsed(e.now()),
	})
	if err != nil {
		return err
	}
	st.sinceFlush = st.sinceFlush[:0]
	if e.metrics != nil {
		e.metrics.NonZeroCells.Set(float64(st.acc.NonZero()))
	}
	return nil
}

// runState is owned by the coordinator goroutine.
type runState struct {
	acc         *matrix.Accumulator
	counters    checkpoint.Counters
	completed   []string
	failed      []string
	sinceFlush  []string
	elapsedBase time.Duration
	start       time.Time
	total       int
}

func (s *runState) elapsed(now time.Time) time.Duration {
	return s.elapsedBase + now.Sub(s.start)
}
