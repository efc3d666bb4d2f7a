package pipeline

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/checkpoint"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/matrix"
	apperrors "github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/logger"
)

type unitStatus int

const (
	unitOK unitStatus = iota
	unitFailed
	unitAborted
)

func (s unitStatus) String() string {
	switch s {
	case unitOK:
		return "ok"
	case unitFailed:
		return "failed"
	default:
		return "aborted"
	}
}

type unitResult struct {
	unit     string
	status   unitStatus
	acc      *matrix.Accumulator
	counters checkpoint.Counters
	duration time.Duration
	err      error
}

// cancelCheckEvery is how many records pass between context checks.
const cancelCheckEvery = 1024

// processUnit streams one unit into a private accumulator. The result carries
// the accumulator only when the unit was read to the end.
func (e *Engine) processUnit(ctx context.Context, unit string) unitResult {
	if e.metrics != nil {
		e.metrics.ActiveWorkers.Inc()
		defer e.metrics.ActiveWorkers.Dec()
	}
	start := time.Now()
	res := unitResult{unit: unit}
	finish := func(status unitStatus, err error) unitResult {
		res.status = status
		res.err = err
		res.duration = time.Since(start)
		if status != unitOK {
			res.acc = nil
		}
		return res
	}

	r, err := e.src.Open(ctx, unit)
	if err != nil {
		if ctx.Err() != nil {
			return finish(unitAborted, ctx.Err())
		}
		return finish(unitFailed, unitError(unit, err))
	}
	defer r.Close()

	log := logger.FromContext(ctx).With("component", "pipeline", "unit", unit)
	res.acc = matrix.New(e.vocab.Len())
	indices := make([]int, 0, 16)
	for n := 0; ; n++ {
		if n%cancelCheckEvery == 0 && ctx.Err() != nil {
			return finish(unitAborted, ctx.Err())
		}
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, apperrors.ErrRecordParse) {
				res.counters.RecordErrors++
				log.Debug("skipping malformed record", "error", err)
				continue
			}
			if ctx.Err() != nil {
				return finish(unitAborted, ctx.Err())
			}
			return finish(unitFailed, unitError(unit, err))
		}

		res.counters.RecordsSeen++
		indices = e.filter.AppendIndices(indices[:0], rec)
		if len(indices) < 2 {
			continue
		}
		res.counters.RecordsMatched++
		res.counters.PairsAdded += uint64(res.acc.Update(indices))
	}
	return finish(unitOK, nil)
}

// unitError reports a failure the source did not classify as a unit read
// error, so that any unit failure is skipped rather than ending the run.
func unitError(unit string, err error) error {
	if apperrors.Recoverable(err) {
		return err
	}
	return apperrors.Wrap(apperrors.ErrUnitRead, err, "reading unit "+unit)
}
