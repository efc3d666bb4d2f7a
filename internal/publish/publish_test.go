package publish

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/export"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/resilience"
)

func sampleReport() *Report {
	return &Report{
		RunID:        "run-1",
		FinishedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Concepts:     3,
		MatrixPath:   "/data/out/cooccurrence_matrix.coom",
		IndexPath:    "/data/out/matrix_index.json",
		MatrixFormat: "binary",
		Stats:        export.Stats{TotalPapers: 10, NonZeroCells: 7, DensityPct: 77.7},
		UnitsFailed:  []string{"bad.gz"},
	}
}

var fastRetry = resilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

type fakeExecer struct {
	queries []string
	args    [][]any
	failOn  string
}

func (f *fakeExecer) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	f.queries = append(f.queries, query)
	f.args = append(f.args, args)
	if f.failOn != "" && strings.HasPrefix(query, f.failOn) {
		return nil, errors.New("relation is locked")
	}
	return driver.RowsAffected(1), nil
}

// fakeTx runs fn against a fakeExecer and records how the transaction ended.
type fakeTx struct {
	exec      fakeExecer
	commits   int
	rollbacks int
}

func (f *fakeTx) InTx(_ context.Context, fn func(tx postgres.Execer) error) error {
	if err := fn(&f.exec); err != nil {
		f.rollbacks++
		return err
	}
	f.commits++
	return nil
}

func TestRunStore(t *testing.T) {
	db := &fakeTx{}
	require.NoError(t, NewRunStore(db).Publish(context.Background(), sampleReport()))

	assert.Equal(t, 1, db.commits)
	require.Len(t, db.exec.queries, 2)
	assert.Contains(t, db.exec.queries[0], "CREATE TABLE IF NOT EXISTS cooccurrence_runs")
	assert.True(t, strings.HasPrefix(db.exec.queries[1], "INSERT INTO cooccurrence_runs"))
	args := db.exec.args[1]
	require.Len(t, args, 13)
	assert.Equal(t, "run-1", args[0])
	assert.Equal(t, int64(10), args[3])
	assert.Equal(t, `["bad.gz"]`, args[12])
}

func TestRunStoreRollsBackFailedInsert(t *testing.T) {
	db := &fakeTx{exec: fakeExecer{failOn: "INSERT"}}
	err := NewRunStore(db).Publish(context.Background(), sampleReport())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recording run run-1")
	assert.Equal(t, 0, db.commits)
	assert.Equal(t, 1, db.rollbacks)
}

type fakeProducer struct {
	events []kafka.Event
}

func (f *fakeProducer) Publish(_ context.Context, e kafka.Event) error {
	f.events = append(f.events, e)
	return nil
}

func TestKafkaNotifier(t *testing.T) {
	p := &fakeProducer{}
	rep := sampleReport()
	rep.ObjectKeys = map[string]string{"matrix_index.json": "cooccurrence/run-1/matrix_index.json"}
	require.NoError(t, NewKafkaNotifier(p).Publish(context.Background(), rep))

	require.Len(t, p.events, 1)
	assert.Equal(t, "run-1", p.events[0].Key)
	ev, ok := p.events[0].Value.(MatrixExportedEvent)
	require.True(t, ok)
	assert.Equal(t, 7, ev.NonZeroCells)
	assert.Equal(t, "cooccurrence/run-1/matrix_index.json", ev.ObjectKeys["matrix_index.json"])
}

type fakeUploader struct {
	puts  map[string]string
	fails int
}

func (f *fakeUploader) PutFile(_ context.Context, name, localPath string) (string, error) {
	if f.fails > 0 {
		f.fails--
		return "", errors.New("connection reset")
	}
	if f.puts == nil {
		f.puts = make(map[string]string)
	}
	f.puts[name] = localPath
	return "cooccurrence/" + name, nil
}

func TestArtifactUploader(t *testing.T) {
	up := &fakeUploader{}
	rep := sampleReport()
	require.NoError(t, NewArtifactUploader(up).Publish(context.Background(), rep))
	assert.Equal(t, map[string]string{
		"run-1/cooccurrence_matrix.coom": "/data/out/cooccurrence_matrix.coom",
		"run-1/matrix_index.json":        "/data/out/matrix_index.json",
	}, up.puts)
	assert.Equal(t, "cooccurrence/run-1/matrix_index.json", rep.ObjectKeys["matrix_index.json"])
}

type fakeHashStore struct {
	mu   sync.Mutex
	sets map[string]map[string]any
	ttl  time.Duration
}

func (f *fakeHashStore) SetHash(_ context.Context, key string, fields map[string]any, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sets == nil {
		f.sets = make(map[string]map[string]any)
	}
	if f.sets[key] == nil {
		f.sets[key] = make(map[string]any)
	}
	for k, v := range fields {
		f.sets[key][k] = v
	}
	f.ttl = ttl
	return nil
}

func TestRedisProgress(t *testing.T) {
	store := &fakeHashStore{}
	r := NewRedisProgress(store, "cooccurrence:run:", time.Hour)

	var _ pipeline.ProgressReporter = r
	require.NoError(t, r.ReportProgress(context.Background(), pipeline.Progress{
		RunID:      "run-1",
		UnitsDone:  1,
		UnitsTotal: 4,
		ETA:        90 * time.Second,
	}))
	h := store.sets["cooccurrence:run:run-1"]
	assert.Equal(t, "running", h["status"])
	assert.Equal(t, "25.0", h["percent"])
	assert.Equal(t, int64(90), h["eta_seconds"])
	assert.Equal(t, time.Hour, store.ttl)

	require.NoError(t, r.Publish(context.Background(), sampleReport()))
	assert.Equal(t, "completed", store.sets["cooccurrence:run:run-1"]["status"])
}

type failingSink struct{ calls int }

func (f *failingSink) Name() string { return "broken" }
func (f *failingSink) Publish(context.Context, *Report) error {
	f.calls++
	return errors.New("unreachable")
}

func TestPublisherRetriesAndContinues(t *testing.T) {
	broken := &failingSink{}
	up := &fakeUploader{fails: 1}
	p := &fakeProducer{}
	pub := New(fastRetry, NewArtifactUploader(up), broken, NewKafkaNotifier(p))

	failures := pub.Publish(context.Background(), sampleReport())
	require.Len(t, failures, 1)
	assert.Error(t, failures["broken"])
	assert.Equal(t, 3, broken.calls)
	assert.Len(t, up.puts, 2, "uploader succeeds on retry")
	require.Len(t, p.events, 1, "sinks after a failure still run")
	ev := p.events[0].Value.(MatrixExportedEvent)
	assert.Len(t, ev.ObjectKeys, 2)
}

func TestNewReport(t *testing.T) {
	sum := &pipeline.Summary{
		RunID:  "run-9",
		Failed: []string{"x.gz"},
		Export: export.Result{
			MatrixPath: "/o/m.coom",
			IndexPath:  "/o/i.json",
			Index: export.Index{
				NConcepts:    5,
				MatrixFormat: "binary",
				Stats:        export.Stats{NonZeroCells: 4},
			},
		},
	}
	rep := NewReport(sum)
	assert.Equal(t, "run-9", rep.RunID)
	assert.Equal(t, 5, rep.Concepts)
	assert.Equal(t, 4, rep.Stats.NonZeroCells)
	assert.Equal(t, []string{"x.gz"}, rep.UnitsFailed)
	assert.NotNil(t, rep.ObjectKeys)
}
