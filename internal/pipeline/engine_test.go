package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/checkpoint"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/export"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/record"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/source"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/vocabulary"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/metrics"
)

const conceptCount = 10

func testVocab(t *testing.T) *vocabulary.Vocabulary {
	t.Helper()
	ids := make([]string, conceptCount)
	names := make([]string, conceptCount)
	for i := range ids {
		ids[i] = fmt.Sprintf("C%d", i+1)
		names[i] = fmt.Sprintf("S%d", i+1)
	}
	v, err := vocabulary.FromTables(ids, names)
	require.NoError(t, err)
	return v
}

type harness struct {
	dir     string
	ckpt    *checkpoint.Manager
	metrics *metrics.Metrics
	engine  *Engine
}

func newHarness(t *testing.T, dir string, src source.Source, opts Options, every int) *harness {
	t.Helper()
	ckpt, err := checkpoint.NewManager(checkpoint.Options{Dir: dir, Every: every, Logger: logger.Discard()})
	require.NoError(t, err)
	m := metrics.New(prometheus.NewRegistry())
	exp := export.New(config.ExportConfig{Dir: dir, Format: config.FormatBinary})
	if opts.MinScore == 0 {
		opts.MinScore = 0.3
	}
	return &harness{
		dir:     dir,
		ckpt:    ckpt,
		metrics: m,
		engine:  NewEngine(src, testVocab(t), ckpt, exp, m, opts),
	}
}

// randomUnits builds units of random records over conceptCount concepts.
func randomUnits(seed int64, units, perUnit int) map[string][]string {
	rng := rand.New(rand.NewSource(seed))
	out := make(map[string][]string, units)
	for u := 0; u < units; u++ {
		unit := fmt.Sprintf("part_%03d.gz", u)
		for r := 0; r < perUnit; r++ {
			k := rng.Intn(5)
			parts := make([]string, k)
			for x := range parts {
				parts[x] = fmt.Sprintf(`{"id":"C%d","score":%.2f}`, rng.Intn(conceptCount)+1, rng.Float64())
			}
			out[unit] = append(out[unit], fmt.Sprintf(`{"id":"W%d-%d","concepts":[%s]}`, u, r, strings.Join(parts, ",")))
		}
	}
	return out
}

func memorySource(units map[string][]string, skip ...string) *source.Memory {
	src := source.NewMemory()
	for unit, lines := range units {
		if slices.Contains(skip, unit) {
			continue
		}
		src.Add(unit, lines...)
	}
	return src
}

func randomSource(seed int64, units, perUnit int) *source.Memory {
	return memorySource(randomUnits(seed, units, perUnit))
}

func TestEndToEndExample(t *testing.T) {
	src := source.NewMemory()
	src.Add("works.gz",
		`{"id":"R1","concepts":[{"id":"C1","score":0.9},{"id":"C2","score":0.8}]}`,
		`{"id":"R2","concepts":[{"id":"C1","score":0.7},{"id":"C3","score":0.6}]}`,
		`{"id":"R3","concepts":[{"id":"C2","score":0.9}]}`,
	)
	dir := t.TempDir()
	h := newHarness(t, dir, src, Options{}, 50)

	sum, err := h.engine.Run(context.Background())
	require.NoError(t, err)

	acc := sum.Matrix
	const A, B, C = 0, 1, 2
	assert.Equal(t, uint64(1), acc.Get(A, B))
	assert.Equal(t, uint64(1), acc.Get(A, C))
	assert.Equal(t, uint64(0), acc.Get(B, C))
	assert.Equal(t, uint64(2), acc.Diag(A))
	assert.Equal(t, uint64(1), acc.Diag(B))
	assert.Equal(t, uint64(1), acc.Diag(C))

	assert.Equal(t, uint64(3), sum.Counters.RecordsSeen)
	assert.Equal(t, uint64(2), sum.Counters.RecordsMatched)
	assert.Equal(t, 7, sum.NonZero)
	assert.False(t, h.ckpt.Exists(), "checkpoint must not survive a clean run")
	assert.Equal(t, checkpoint.StateFinalized, h.ckpt.State())

	art, err := export.Load(filepath.Join(dir, "matrix_index.json"))
	require.NoError(t, err)
	back, err := art.Accumulator()
	require.NoError(t, err)
	assert.True(t, acc.Equal(back))
	assert.Equal(t, uint64(3), art.Index.Stats.TotalPapers)
	assert.Equal(t, 1, art.Index.Stats.UnitsProcessed)
}

func TestThresholdIsInclusive(t *testing.T) {
	src := source.NewMemory()
	src.Add("u", `{"id":"R1","concepts":[{"id":"C1","score":0.3},{"id":"C2","score":0.3}]}`)
	h := newHarness(t, t.TempDir(), src, Options{MinScore: 0.3}, 50)
	sum, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sum.Matrix.Get(0, 1))
}

// cancelingSource cancels the run when a given unit is opened and records
// every unit it is asked to open.
type cancelingSource struct {
	source.Source
	cancelAt string
	cancel   context.CancelFunc

	mu     sync.Mutex
	opened []string
}

func (s *cancelingSource) Open(ctx context.Context, unit string) (source.Reader, error) {
	s.mu.Lock()
	s.opened = append(s.opened, unit)
	s.mu.Unlock()
	if unit == s.cancelAt && s.cancel != nil {
		s.cancel()
	}
	return s.Source.Open(ctx, unit)
}

func TestInterruptAndResume(t *testing.T) {
	base := randomSource(42, 5, 40)
	units, err := base.Units(context.Background())
	require.NoError(t, err)

	reference := newHarness(t, t.TempDir(), base, Options{}, 1)
	want, err := reference.engine.Run(context.Background())
	require.NoError(t, err)

	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := newHarness(t, dir, &cancelingSource{Source: base, cancelAt: units[2], cancel: cancel}, Options{}, 1)
	partial, err := first.engine.Run(ctx)
	require.ErrorIs(t, err, apperrors.ErrInterrupted)
	assert.Equal(t, apperrors.ExitInterrupted, apperrors.ExitCode(err))
	assert.Equal(t, units[:2], partial.Completed)
	assert.True(t, first.ckpt.Exists())

	recorder := &cancelingSource{Source: base}
	second := newHarness(t, dir, recorder, Options{Resume: true}, 1)
	got, err := second.engine.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, got.Resumed)
	assert.Equal(t, 2, got.UnitsSkipped)
	assert.Equal(t, units[2:], recorder.opened)
	assert.True(t, want.Matrix.Equal(got.Matrix))
	assert.Equal(t, want.Counters.RecordsSeen, got.Counters.RecordsSeen)
	assert.Equal(t, want.Counters.RecordsMatched, got.Counters.RecordsMatched)
	assert.False(t, second.ckpt.Exists())
}

func TestResumeWithoutCheckpointStartsFresh(t *testing.T) {
	src := randomSource(5, 3, 20)
	want, err := newHarness(t, t.TempDir(), src, Options{}, 1).engine.Run(context.Background())
	require.NoError(t, err)

	got, err := newHarness(t, t.TempDir(), src, Options{Resume: true}, 1).engine.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, got.Resumed)
	assert.True(t, want.Matrix.Equal(got.Matrix))
}

func TestWorkerCountDoesNotChangeResult(t *testing.T) {
	src := randomSource(9, 20, 50)
	one, err := newHarness(t, t.TempDir(), src, Options{Workers: 1}, 3).engine.Run(context.Background())
	require.NoError(t, err)
	four, err := newHarness(t, t.TempDir(), src, Options{Workers: 4}, 3).engine.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, one.Matrix.Equal(four.Matrix))
	assert.Equal(t, one.Counters, four.Counters)
	assert.Len(t, four.Completed, 20)
}

func TestFailedUnitIsSkippedAndContributesNothing(t *testing.T) {
	units := randomUnits(3, 4, 30)
	withBad := memorySource(units)
	withBad.FailAfter("part_001.gz", 10)

	h := newHarness(t, t.TempDir(), withBad, Options{}, 1)
	got, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"part_001.gz"}, got.Failed)
	assert.Equal(t, uint64(1), got.Counters.UnitErrors)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.UnitsTotal.WithLabelValues("failed")))

	want, err := newHarness(t, t.TempDir(), memorySource(units, "part_001.gz"), Options{}, 1).engine.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, want.Matrix.Equal(got.Matrix))
	assert.Equal(t, want.Counters.RecordsSeen, got.Counters.RecordsSeen)
}

// brokenSource opens a reader for unit that fails with an error the source
// did not classify.
type brokenSource struct {
	source.Source
	unit string
}

type brokenReader struct{}

func (brokenReader) Next() (record.Record, error) { return record.Record{}, errors.New("connection reset") }
func (brokenReader) Close() error { return nil }

func (s *brokenSource) Open(ctx context.Context, unit string) (source.Reader, error) {
	if unit == s.unit {
		return brokenReader{}, nil
	}
	return s.Source.Open(ctx, unit)
}

func TestUnclassifiedUnitErrorIsSkipped(t *testing.T) {
	src := &brokenSource{Source: randomSource(8, 3, 20), unit: "part_002.gz"}
	h := newHarness(t, t.TempDir(), src, Options{}, 1)

	res := h.engine.processUnit(context.Background(), "part_002.gz")
	assert.Equal(t, unitFailed, res.status)
	assert.Nil(t, res.acc)
	require.ErrorIs(t, res.err, apperrors.ErrUnitRead)
	assert.Contains(t, res.err.Error(), "connection reset")

	got, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"part_002.gz"}, got.Failed)
	assert.Equal(t, []string{"part_000.gz", "part_001.gz"}, got.Completed)
}

// cancelWhenDone cancels the run once the last unit has been reported.
type cancelWhenDone struct {
	cancel context.CancelFunc
}

func (c cancelWhenDone) ReportProgress(_ context.Context, p Progress) error {
	if p.UnitsDone+p.UnitsFailed == p.UnitsTotal {
		c.cancel()
	}
	return nil
}

func TestSignalAfterLastUnitStillExports(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir, randomSource(9, 3, 30), Options{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.engine.SetProgressReporter(cancelWhenDone{cancel: cancel})

	sum, err := h.engine.Run(ctx)
	require.NoError(t, err)
	require.Error(t, ctx.Err())
	assert.Len(t, sum.Completed, 3)
	assert.FileExists(t, sum.Export.IndexPath)
	assert.False(t, h.ckpt.Exists())
}

func TestMalformedRecordsAreCounted(t *testing.T) {
	src := source.NewMemory()
	src.Add("u",
		`{"id":"R1","concepts":[{"id":"C1","score":0.9},{"id":"C2","score":0.9}]}`,
		`not json at all`,
		`{"id":"R2","concepts":[{"id":"C1","score":null},{"id":"C9"}]}`,
	)
	sum, err := newHarness(t, t.TempDir(), src, Options{}, 1).engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sum.Counters.RecordErrors)
	assert.Equal(t, uint64(2), sum.Counters.RecordsSeen)
	assert.Equal(t, uint64(1), sum.Counters.RecordsMatched)
}

func TestEmptySourceIsConfigError(t *testing.T) {
	_, err := newHarness(t, t.TempDir(), source.NewMemory(), Options{}, 1).engine.Run(context.Background())
	require.ErrorIs(t, err, apperrors.ErrConfig)
	assert.Equal(t, apperrors.ExitConfig, apperrors.ExitCode(err))
}

func TestNoPairsIsExportErrorAndKeepsCheckpoint(t *testing.T) {
	src := source.NewMemory()
	src.Add("u", `{"id":"R1","concepts":[{"id":"C1","score":0.9}]}`)
	h := newHarness(t, t.TempDir(), src, Options{}, 1)
	_, err := h.engine.Run(context.Background())
	require.ErrorIs(t, err, apperrors.ErrExport)
	assert.True(t, h.ckpt.Exists())
}

func TestMaxUnitsTruncates(t *testing.T) {
	src := randomSource(11, 5, 30)
	sum, err := newHarness(t, t.TempDir(), src, Options{MaxUnits: 2}, 1).engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.UnitsTotal)
	assert.Equal(t, []string{"part_000.gz", "part_001.gz"}, sum.Completed)
}

type recordingReporter struct {
	mu    sync.Mutex
	calls []Progress
}

func (r *recordingReporter) ReportProgress(_ context.Context, p Progress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, p)
	return nil
}

func TestProgressReporting(t *testing.T) {
	src := randomSource(13, 4, 20)
	h := newHarness(t, t.TempDir(), src, Options{ProgressEvery: 2}, 10)
	rep := &recordingReporter{}
	h.engine.SetProgressReporter(rep)
	_, err := h.engine.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, rep.calls, 2)
	last := rep.calls[len(rep.calls)-1]
	assert.Equal(t, 4, last.UnitsDone)
	assert.Equal(t, 4, last.UnitsTotal)
	assert.InDelta(t, 100.0, last.Percent(), 1e-9)
	assert.NotEmpty(t, last.RunID)
	assert.Equal(t, 4.0, testutil.ToFloat64(h.metrics.UnitsTotal.WithLabelValues("ok")))
}

func TestETA(t *testing.T) {
	assert.Equal(t, int64(0), int64(eta(0, 10, 5)))
	assert.Equal(t, int64(30), int64(eta(2, 8, 10)))
	assert.Equal(t, int64(0), int64(eta(8, 8, 10)))
}
