package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/matrix"
	apperrors "github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/metrics"
)

const fp = "fingerprint-a"

func newManager(t *testing.T, dir string, every int) *Manager {
	t.Helper()
	m, err := NewManager(Options{Dir: dir, Every: every, Logger: logger.Discard()})
	require.NoError(t, err)
	return m
}

func snapshots(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, matrixPrefix+"*"+matrixSuffix))
	require.NoError(t, err)
	return matches
}

func TestRestoreWithoutCheckpointStartsFresh(t *testing.T) {
	m := newManager(t, t.TempDir(), 2)
	acc, cur, found, err := m.Restore(3, fp)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 3, acc.Size())
	assert.Equal(t, 0, acc.StoredCells())
	assert.Empty(t, cur.ProcessedUnits)
	assert.Equal(t, StateAccumulating, m.State())
}

func TestFlushAndRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t, dir, 2)
	require.NoError(t, m.Start(3, fp))

	acc := matrix.New(3)
	acc.Update([]int{0, 1})
	acc.Update([]int{0, 2})
	require.NoError(t, m.Flush(acc, Progress{
		Completed: []string{"b.gz", "a.gz"},
		Failed:    []string{"bad.gz"},
		Counters:  Counters{RecordsSeen: 5, RecordsMatched: 2, PairsAdded: 2, UnitErrors: 1},
		Elapsed:   3 * time.Second,
	}))
	assert.True(t, m.Completed("a.gz"))
	assert.False(t, m.Completed("bad.gz"))
	assert.Len(t, snapshots(t, dir), 1)

	restored := newManager(t, dir, 2)
	got, cur, found, err := restored.Restore(3, fp)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, acc.Equal(got))
	assert.Equal(t, []string{"a.gz", "b.gz"}, cur.ProcessedUnits)
	assert.Equal(t, []string{"bad.gz"}, cur.FailedUnits)
	assert.Equal(t, uint64(5), cur.Counters.RecordsSeen)
	assert.Equal(t, 3*time.Second, cur.Elapsed())
	assert.Equal(t, uint64(1), cur.Generation)
	assert.True(t, restored.Completed("b.gz"))
	assert.False(t, restored.Completed("c.gz"))
}

func TestSuccessiveFlushesKeepOneSnapshot(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t, dir, 1)
	require.NoError(t, m.Start(2, fp))
	acc := matrix.New(2)

	for i, unit := range []string{"u1", "u2", "u3"} {
		acc.Update([]int{0, 1})
		require.NoError(t, m.Flush(acc, Progress{Completed: []string{unit}}))
		assert.Equal(t, uint64(i+1), m.Cursor().Generation)
		assert.Len(t, snapshots(t, dir), 1)
	}
	assert.Equal(t, []string{"u1", "u2", "u3"}, m.Cursor().ProcessedUnits)
}

func TestRestoreRemovesOrphanSnapshot(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t, dir, 1)
	require.NoError(t, m.Start(2, fp))
	acc := matrix.New(2)
	acc.Update([]int{0, 1})
	require.NoError(t, m.Flush(acc, Progress{Completed: []string{"u1"}}))

	// A snapshot written by an interrupted flush whose cursor never landed.
	orphan := filepath.Join(dir, matrixPrefix+"000002"+matrixSuffix)
	_, err := matrix.WriteFile(orphan, matrix.New(2).Triplets())
	require.NoError(t, err)

	restored := newManager(t, dir, 1)
	got, cur, found, err := restored.Restore(2, fp)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, acc.Equal(got))
	assert.Equal(t, uint64(1), cur.Generation)
	assert.NoFileExists(t, orphan)
}

func TestStartOverStaleCheckpointKeepsItValid(t *testing.T) {
	dir := t.TempDir()
	old := newManager(t, dir, 1)
	require.NoError(t, old.Start(3, fp))
	oldAcc := matrix.New(3)
	oldAcc.Update([]int{0, 1, 2})
	require.NoError(t, old.Flush(oldAcc, Progress{Completed: []string{"a.gz"}}))

	fresh := newManager(t, dir, 1)
	require.NoError(t, fresh.Start(3, fp))
	assert.Equal(t, uint64(1), fresh.Cursor().Generation)
	assert.Empty(t, fresh.Cursor().ProcessedUnits)

	// The fresh run's first snapshot lands, then the process dies before
	// the cursor is replaced.
	next := matrix.New(3)
	next.Update([]int{0, 1})
	_, err := matrix.WriteFile(filepath.Join(dir, snapshotName(fresh.Cursor().Generation+1)), next.Triplets())
	require.NoError(t, err)

	got, cur, found, err := newManager(t, dir, 1).Restore(3, fp)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, oldAcc.Equal(got))
	assert.Equal(t, []string{"a.gz"}, cur.ProcessedUnits)
}

func TestStartContinuesGenerations(t *testing.T) {
	dir := t.TempDir()
	old := newManager(t, dir, 1)
	require.NoError(t, old.Start(2, fp))
	require.NoError(t, old.Flush(matrix.New(2), Progress{Completed: []string{"u1"}}))
	require.NoError(t, old.Flush(matrix.New(2), Progress{Completed: []string{"u2"}}))

	fresh := newManager(t, dir, 1)
	require.NoError(t, fresh.Start(2, fp))
	acc := matrix.New(2)
	acc.Update([]int{0, 1})
	require.NoError(t, fresh.Flush(acc, Progress{Completed: []string{"v1"}}))

	assert.Equal(t, uint64(3), fresh.Cursor().Generation)
	assert.Equal(t, []string{filepath.Join(dir, snapshotName(3))}, snapshots(t, dir))
	assert.Equal(t, []string{"v1"}, fresh.Cursor().ProcessedUnits)
}

func TestStartAndRestoreSweepTempFiles(t *testing.T) {
	for _, resume := range []bool{false, true} {
		dir := t.TempDir()
		stale := filepath.Join(dir, "."+cursorFile+".123456.tmp")
		require.NoError(t, os.WriteFile(stale, []byte("half"), 0644))

		m := newManager(t, dir, 1)
		if resume {
			_, _, _, err := m.Restore(2, fp)
			require.NoError(t, err)
		} else {
			require.NoError(t, m.Start(2, fp))
		}
		assert.NoFileExists(t, stale)
	}
}

func TestRestoreShapeMismatchIsConfigError(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t, dir, 1)
	require.NoError(t, m.Start(3, fp))
	require.NoError(t, m.Flush(matrix.New(3), Progress{Completed: []string{"u1"}}))

	_, _, _, err := newManager(t, dir, 1).Restore(4, fp)
	require.ErrorIs(t, err, apperrors.ErrConfig)
	assert.Equal(t, apperrors.ExitConfig, apperrors.ExitCode(err))
}

func TestRestoreFingerprintMismatch(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t, dir, 1)
	require.NoError(t, m.Start(3, fp))
	require.NoError(t, m.Flush(matrix.New(3), Progress{Completed: []string{"u1"}}))

	_, _, found, err := newManager(t, dir, 1).Restore(3, "fingerprint-b")
	require.NoError(t, err)
	assert.True(t, found)

	strict, err := NewManager(Options{Dir: dir, Every: 1, VerifyVocabulary: true, Logger: logger.Discard()})
	require.NoError(t, err)
	_, _, _, err = strict.Restore(3, "fingerprint-b")
	require.ErrorIs(t, err, apperrors.ErrConfig)
}

func TestRestoreDetectsCorruption(t *testing.T) {
	setup := func(t *testing.T) (string, Cursor) {
		dir := t.TempDir()
		m := newManager(t, dir, 1)
		require.NoError(t, m.Start(3, fp))
		acc := matrix.New(3)
		acc.Update([]int{0, 1, 2})
		require.NoError(t, m.Flush(acc, Progress{Completed: []string{"u1"}}))
		return dir, m.Cursor()
	}

	t.Run("garbage cursor", func(t *testing.T) {
		dir, _ := setup(t)
		require.NoError(t, os.WriteFile(filepath.Join(dir, cursorFile), []byte("{not json"), 0644))
		_, _, _, err := newManager(t, dir, 1).Restore(3, fp)
		require.ErrorIs(t, err, apperrors.ErrCheckpointCorrupt)
	})
	t.Run("missing snapshot", func(t *testing.T) {
		dir, cur := setup(t)
		require.NoError(t, os.Remove(filepath.Join(dir, cur.MatrixFile)))
		_, _, _, err := newManager(t, dir, 1).Restore(3, fp)
		require.ErrorIs(t, err, apperrors.ErrCheckpointCorrupt)
	})
	t.Run("checksum mismatch", func(t *testing.T) {
		dir, cur := setup(t)
		cur.MatrixCRC ^= 1
		data, err := json.Marshal(cur)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, cursorFile), data, 0644))
		_, _, _, err = newManager(t, dir, 1).Restore(3, fp)
		require.ErrorIs(t, err, apperrors.ErrCheckpointCorrupt)
		assert.Equal(t, apperrors.ExitStorage, apperrors.ExitCode(err))
	})
	t.Run("path escape", func(t *testing.T) {
		dir, cur := setup(t)
		cur.MatrixFile = "../elsewhere.coom"
		data, err := json.Marshal(cur)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, cursorFile), data, 0644))
		_, _, _, err = newManager(t, dir, 1).Restore(3, fp)
		require.ErrorIs(t, err, apperrors.ErrCheckpointCorrupt)
	})
}

func TestFlushFailureKeepsPreviousCheckpoint(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t, dir, 1)
	require.NoError(t, m.Start(2, fp))
	acc := matrix.New(2)
	acc.Update([]int{0, 1})
	require.NoError(t, m.Flush(acc, Progress{Completed: []string{"u1"}}))

	// Block the cursor write by replacing the directory with a read-only one.
	require.NoError(t, os.Chmod(dir, 0500))
	t.Cleanup(func() { os.Chmod(dir, 0755) })
	if f, err := os.CreateTemp(dir, "writable"); err == nil {
		f.Close()
		os.Remove(f.Name())
		t.Skip("directory permissions not enforced")
	}

	acc.Update([]int{0, 1})
	err := m.Flush(acc, Progress{Completed: []string{"u2"}})
	require.ErrorIs(t, err, apperrors.ErrStorage)
	assert.False(t, m.Completed("u2"))
	assert.Equal(t, uint64(1), m.Cursor().Generation)
	assert.Equal(t, StateAccumulating, m.State())
}

func TestFinalizeRemovesArtifacts(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t, dir, 1)
	require.NoError(t, m.Start(2, fp))
	require.NoError(t, m.Flush(matrix.New(2), Progress{Completed: []string{"u1"}}))
	require.True(t, m.Exists())

	require.NoError(t, m.Finalize())
	assert.False(t, m.Exists())
	assert.Empty(t, snapshots(t, dir))
	assert.Equal(t, StateFinalized, m.State())
	assert.Error(t, m.Flush(matrix.New(2), Progress{}))
}

func TestStateTransitions(t *testing.T) {
	m := newManager(t, t.TempDir(), 1)
	assert.Error(t, m.Flush(matrix.New(2), Progress{}), "flush before start")
	require.NoError(t, m.Start(2, fp))
	assert.Error(t, m.Start(2, fp))
	_, _, _, err := m.Restore(2, fp)
	assert.Error(t, err)
	assert.Equal(t, "accumulating", m.State().String())
}

func TestDue(t *testing.T) {
	m := newManager(t, t.TempDir(), 3)
	assert.False(t, m.Due(2))
	assert.True(t, m.Due(3))

	def := newManager(t, t.TempDir(), 0)
	assert.Equal(t, DefaultEvery, def.Every())
}

func TestFlushRecordsMetrics(t *testing.T) {
	met := metrics.New(prometheus.NewRegistry())
	m, err := NewManager(Options{Dir: t.TempDir(), Every: 1, Metrics: met, Logger: logger.Discard()})
	require.NoError(t, err)
	require.NoError(t, m.Start(2, fp))
	require.NoError(t, m.Flush(matrix.New(2), Progress{Completed: []string{"u1"}}))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.CheckpointFlushes.WithLabelValues("ok")))
}
