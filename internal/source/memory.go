package source

import (
	"context"
	"io"
	"sort"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/record"
	apperrors "github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/errors"
)

// Memory is an in-process source holding raw JSON lines per unit.
type Memory struct {
	mu    sync.Mutex
	units map[string][]string
	fail  map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		units: make(map[string][]string),
		fail:  make(map[string]int),
	}
}

// Add appends lines to unit, creating it if needed.
func (m *Memory) Add(unit string, lines ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units[unit] = append(m.units[unit], lines...)
}

// FailAfter makes unit report a read error once n lines were returned.
func (m *Memory) FailAfter(unit string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[unit] = n
}

func (m *Memory) Units(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.units))
	for id := range m.units {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) Open(ctx context.Context, unit string) (Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	lines, ok := m.units[unit]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrUnitRead, "unknown unit %s", unit)
	}
	failAt := -1
	if n, ok := m.fail[unit]; ok {
		failAt = n
	}
	return &memoryReader{unit: unit, lines: lines, failAt: failAt}, nil
}

type memoryReader struct {
	unit   string
	lines  []string
	pos    int
	failAt int
}

func (r *memoryReader) Next() (record.Record, error) {
	for {
		if r.failAt >= 0 && r.pos >= r.failAt {
			return record.Record{}, apperrors.Newf(apperrors.ErrUnitRead, "%s: simulated read failure", r.unit)
		}
		if r.pos >= len(r.lines) {
			return record.Record{}, io.EOF
		}
		line := r.lines[r.pos]
		r.pos++
		if line == "" {
			continue
		}
		return record.Decode([]byte(line))
	}
}

func (r *memoryReader) Close() error { return nil }
