package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/matrix"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/atomicfile"
	apperrors "github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/metrics"
)

const (
	cursorFile   = "_checkpoint.json"
	matrixPrefix = "_partial_matrix."
	matrixSuffix = ".coom"
)

// DefaultEvery is the flush cadence used when Options.Every is unset.
const DefaultEvery = 50

// State is the lifecycle position of a Manager.
type State int

const (
	StateIdle State = iota
	StateAccumulating
	StateFlushing
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateFlushing:
		return "flushing"
	case StateFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var errState = errors.New("checkpoint: invalid state transition")

// Options configures a Manager.
type Options struct {
	Dir   string
	Every int
	// VerifyVocabulary turns a vocabulary fingerprint mismatch on resume
	// into a fatal error instead of a warning.
	VerifyVocabulary bool
	Metrics          *metrics.Metrics
	Logger           *slog.Logger
}

// Manager owns the progress cursor and the on-disk checkpoint pair.
type Manager struct {
	mu        sync.Mutex
	dir       string
	every     int
	verify    bool
	state     State
	cursor    Cursor
	processed map[string]struct{}
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewManager prepares the checkpoint directory.
func NewManager(opts Options) (*Manager, error) {
	if opts.Every <= 0 {
		opts.Every = DefaultEvery
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, err, "creating checkpoint directory")
	}
	log := opts.Logger
	if log == nil {
		log = logger.WithComponent("checkpoint")
	}
	return &Manager{
		dir:       opts.Dir,
		every:     opts.Every,
		verify:    opts.VerifyVocabulary,
		processed: make(map[string]struct{}),
		metrics:   opts.Metrics,
		logger:    log,
	}, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Every returns the flush cadence in completed units.
func (m *Manager) Every() int {
	return m.every
}

// Due reports whether completedSinceFlush units warrant a flush.
func (m *Manager) Due(completedSinceFlush int) bool {
	return completedSinceFlush >= m.every
}

// Exists reports whether a cursor is present on disk.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.cursorPath())
	return err == nil
}

// Start begins a fresh run, ignoring any checkpoint on disk. An existing
// checkpoint stays valid until the first flush replaces it; generations
// continue after the highest one on disk so that flush never overwrites the
// snapshot the old cursor names.
func (m *Manager) Start(concepts int, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return fmt.Errorf("%w: start from %s", errState, m.state)
	}
	if _, err := os.Stat(m.cursorPath()); err == nil {
		m.logger.Warn("existing checkpoint ignored, it will be replaced at the next flush", "dir", m.dir)
	}
	m.removeTemps()
	m.cursor = Cursor{
		Version:        CursorVersion,
		Generation:     m.lastGeneration(),
		Concepts:       concepts,
		VocabularyHash: fingerprint,
	}
	m.processed = make(map[string]struct{})
	m.state = StateAccumulating
	return nil
}

// Restore loads the checkpoint if one exists and returns the accumulator it
// describes. found is false when there was nothing to resume, in which case
// the accumulator is empty and the manager behaves as after Start.
func (m *Manager) Restore(concepts int, fingerprint string) (acc *matrix.Accumulator, cur Cursor, found bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return nil, Cursor{}, false, fmt.Errorf("%w: restore from %s", errState, m.state)
	}

	m.removeTemps()
	data, err := os.ReadFile(m.cursorPath())
	if errors.Is(err, os.ErrNotExist) {
		m.cursor = Cursor{
			Version:        CursorVersion,
			Generation:     m.lastGeneration(),
			Concepts:       concepts,
			VocabularyHash: fingerprint,
		}
		m.state = StateAccumulating
		m.logger.Info("no checkpoint found, starting from an empty matrix", "dir", m.dir)
		return matrix.New(concepts), m.cursor, false, nil
	}
	if err != nil {
		return nil, Cursor{}, false, apperrors.Wrap(apperrors.ErrStorage, err, "reading checkpoint cursor")
	}

	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, Cursor{}, false, apperrors.Wrap(apperrors.ErrCheckpointCorrupt, err, "parsing checkpoint cursor")
	}
	if c.Version != CursorVersion {
		return nil, Cursor{}, false, apperrors.Newf(apperrors.ErrCheckpointCorrupt, "cursor version %d, want %d", c.Version, CursorVersion)
	}
	if c.Concepts != concepts {
		return nil, Cursor{}, false, apperrors.Newf(apperrors.ErrConfig,
			"checkpoint was built for %d concepts but the vocabulary has %d", c.Concepts, concepts)
	}
	if c.VocabularyHash != "" && c.VocabularyHash != fingerprint {
		if m.verify {
			return nil, Cursor{}, false, apperrors.New(apperrors.ErrConfig, "checkpoint vocabulary fingerprint does not match the current vocabulary")
		}
		m.logger.Warn("checkpoint vocabulary fingerprint differs from the current vocabulary, resuming anyway",
			"checkpoint", c.VocabularyHash,
			"current", fingerprint,
		)
	}

	acc, err = m.loadSnapshot(c)
	if err != nil {
		return nil, Cursor{}, false, err
	}

	m.cursor = c
	m.processed = make(map[string]struct{}, len(c.ProcessedUnits))
	for _, u := range c.ProcessedUnits {
		m.processed[u] = struct{}{}
	}
	m.state = StateAccumulating
	m.removeOrphans(c.MatrixFile)
	m.logger.Info("checkpoint restored",
		"generation", c.Generation,
		"processed_units", len(c.ProcessedUnits),
		"records_seen", c.Counters.RecordsSeen,
		"stored_cells", acc.StoredCells(),
	)
	return acc, m.copyCursor(), true, nil
}

func (m *Manager) loadSnapshot(c Cursor) (*matrix.Accumulator, error) {
	if c.MatrixFile == "" || filepath.Base(c.MatrixFile) != c.MatrixFile {
		return nil, apperrors.Newf(apperrors.ErrCheckpointCorrupt, "cursor names invalid snapshot %q", c.MatrixFile)
	}
	tr, h, err := matrix.ReadFile(filepath.Join(m.dir, c.MatrixFile))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCheckpointCorrupt, err, "reading matrix snapshot")
	}
	if h.PayloadCRC != c.MatrixCRC || h.Entries != c.MatrixEntries {
		return nil, apperrors.Newf(apperrors.ErrCheckpointCorrupt,
			"snapshot %s does not match cursor (crc %08x/%08x, entries %d/%d)",
			c.MatrixFile, h.PayloadCRC, c.MatrixCRC, h.Entries, c.MatrixEntries)
	}
	if tr.N != c.Concepts {
		return nil, apperrors.Newf(apperrors.ErrCheckpointCorrupt, "snapshot shape %d, cursor %d", tr.N, c.Concepts)
	}
	acc, err := matrix.FromTriplets(tr)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCheckpointCorrupt, err, "validating matrix snapshot")
	}
	return acc, nil
}

// Completed reports whether unit is recorded as durably processed.
func (m *Manager) Completed(unit string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processed[unit]
	return ok
}

// Cursor returns a copy of the last durable cursor.
func (m *Manager) Cursor() Cursor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyCursor()
}

func (m *Manager) copyCursor() Cursor {
	c := m.cursor
	c.ProcessedUnits = slices.Clone(m.cursor.ProcessedUnits)
	c.FailedUnits = slices.Clone(m.cursor.FailedUnits)
	return c
}

// Flush persists acc together with the cursor advanced by p. On success the
// units in p.Completed become Completed; on failure the previous checkpoint
// stays valid and the error is a StorageError.
func (m *Manager) Flush(acc *matrix.Accumulator, p Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAccumulating {
		return fmt.Errorf("%w: flush from %s", errState, m.state)
	}
	m.state = StateFlushing
	defer func() { m.state = StateAccumulating }()

	start := time.Now()
	err := m.flushLocked(acc, p)
	if m.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		m.metrics.CheckpointFlushes.WithLabelValues(status).Inc()
		m.metrics.FlushDuration.Observe(time.Since(start).Seconds())
	}
	return err
}

func (m *Manager) flushLocked(acc *matrix.Accumulator, p Progress) error {
	if acc.Size() != m.cursor.Concepts {
		return fmt.Errorf("flushing %d×%d matrix into checkpoint for %d concepts", acc.Size(), acc.Size(), m.cursor.Concepts)
	}
	next := m.copyCursor()
	next.Generation++
	next.MatrixFile = snapshotName(next.Generation)

	h, err := matrix.WriteFile(filepath.Join(m.dir, next.MatrixFile), acc.Triplets())
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, err, "writing matrix snapshot")
	}

	seen := make(map[string]struct{}, len(next.ProcessedUnits)+len(p.Completed))
	for _, u := range next.ProcessedUnits {
		seen[u] = struct{}{}
	}
	for _, u := range p.Completed {
		if _, dup := seen[u]; !dup {
			seen[u] = struct{}{}
			next.ProcessedUnits = append(next.ProcessedUnits, u)
		}
	}
	slices.Sort(next.ProcessedUnits)
	next.FailedUnits = slices.Sorted(slices.Values(p.Failed))
	next.MatrixCRC = h.PayloadCRC
	next.MatrixEntries = h.Entries
	next.Counters = p.Counters
	next.ElapsedSeconds = p.Elapsed.Seconds()
	next.Timestamp = time.Now().UTC()

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling cursor: %w", err)
	}
	if err := atomicfile.WriteBytes(m.cursorPath(), data); err != nil {
		if next.MatrixFile != m.cursor.MatrixFile {
			atomicfile.Remove(filepath.Join(m.dir, next.MatrixFile))
		}
		return apperrors.Wrap(apperrors.ErrStorage, err, "writing checkpoint cursor")
	}

	m.cursor = next
	m.processed = seen
	m.removeOrphans(next.MatrixFile)
	m.logger.Info("checkpoint flushed",
		"generation", next.Generation,
		"processed_units", len(next.ProcessedUnits),
		"new_units", len(p.Completed),
		"stored_cells", acc.StoredCells(),
	)
	return nil
}

// Finalize deletes both checkpoint artifacts. It is called once the final
// artifacts are exported; afterwards the manager accepts no more flushes.
func (m *Manager) Finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateFlushing || m.state == StateFinalized {
		return fmt.Errorf("%w: finalize from %s", errState, m.state)
	}
	m.state = StateFinalized
	if err := atomicfile.Remove(m.cursorPath()); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, err, "removing checkpoint cursor")
	}
	m.removeOrphans("")
	m.logger.Info("checkpoint finalized and removed", "dir", m.dir)
	return nil
}

// removeOrphans deletes every matrix snapshot except keep.
func (m *Manager) removeOrphans(keep string) {
	matches, err := filepath.Glob(filepath.Join(m.dir, matrixPrefix+"*"+matrixSuffix))
	if err != nil {
		return
	}
	for _, path := range matches {
		if filepath.Base(path) == keep {
			continue
		}
		if err := atomicfile.Remove(path); err != nil {
			m.logger.Warn("removing stale matrix snapshot", "path", path, "error", err)
		}
	}
}

// lastGeneration returns the highest generation named by the cursor or by a
// snapshot file on disk, or 0 when there is none.
func (m *Manager) lastGeneration() uint64 {
	var last uint64
	if data, err := os.ReadFile(m.cursorPath()); err == nil {
		var c Cursor
		if json.Unmarshal(data, &c) == nil {
			last = c.Generation
		}
	}
	matches, _ := filepath.Glob(filepath.Join(m.dir, matrixPrefix+"*"+matrixSuffix))
	for _, path := range matches {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), matrixPrefix), matrixSuffix)
		if gen, err := strconv.ParseUint(name, 10, 64); err == nil && gen > last {
			last = gen
		}
	}
	return last
}

// removeTemps deletes temporary files left by writes interrupted before
// their rename.
func (m *Manager) removeTemps() {
	matches, err := filepath.Glob(filepath.Join(m.dir, ".*.tmp"))
	if err != nil {
		return
	}
	for _, path := range matches {
		if err := atomicfile.Remove(path); err != nil {
			m.logger.Warn("removing stale temp file", "path", path, "error", err)
		}
	}
}

func snapshotName(gen uint64) string {
	return fmt.Sprintf("%s%06d%s", matrixPrefix, gen, matrixSuffix)
}

func (m *Manager) cursorPath() string {
	return filepath.Join(m.dir, cursorFile)
}
