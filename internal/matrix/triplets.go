package matrix

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
)

// Triplets is the full symmetric matrix in coordinate form, sorted by row
// then column.
type Triplets struct {
	N    int
	Rows []uint32
	Cols []uint32
	Vals []uint64
}

// Len returns the number of stored entries.
func (t *Triplets) Len() int {
	return len(t.Vals)
}

// ErrInvalidTriplets reports triplets that cannot describe a symmetric
// count matrix of the declared shape.
var ErrInvalidTriplets = errors.New("matrix: invalid triplets")

// Triplets expands the accumulator to both triangles.
func (a *Accumulator) Triplets() *Triplets {
	type entry struct {
		r, c uint32
		v    uint64
	}
	entries := make([]entry, 0, a.NonZero())
	for k, v := range a.cells {
		i, j := unkey(k)
		entries = append(entries, entry{uint32(i), uint32(j), v})
		if i != j {
			entries = append(entries, entry{uint32(j), uint32(i), v})
		}
	}
	slices.SortFunc(entries, func(x, y entry) int {
		if c := cmp.Compare(x.r, y.r); c != 0 {
			return c
		}
		return cmp.Compare(x.c, y.c)
	})
	t := &Triplets{
		N:    a.n,
		Rows: make([]uint32, len(entries)),
		Cols: make([]uint32, len(entries)),
		Vals: make([]uint64, len(entries)),
	}
	for i, e := range entries {
		t.Rows[i], t.Cols[i], t.Vals[i] = e.r, e.c, e.v
	}
	return t
}

// FromTriplets rebuilds an accumulator, validating shape, uniqueness and
// symmetry. Zero values are ignored.
func FromTriplets(t *Triplets) (*Accumulator, error) {
	if t.N < 0 || int64(t.N) > 1<<32 {
		return nil, fmt.Errorf("%w: shape %d", ErrInvalidTriplets, t.N)
	}
	if len(t.Rows) != len(t.Vals) || len(t.Cols) != len(t.Vals) {
		return nil, fmt.Errorf("%w: %d rows, %d cols, %d values", ErrInvalidTriplets, len(t.Rows), len(t.Cols), len(t.Vals))
	}
	a := New(t.N)
	lower := make(map[uint64]struct{})
	for x := range t.Vals {
		i, j, v := int(t.Rows[x]), int(t.Cols[x]), t.Vals[x]
		if i >= t.N || j >= t.N {
			return nil, fmt.Errorf("%w: cell (%d,%d) outside %d×%d", ErrInvalidTriplets, i, j, t.N, t.N)
		}
		if v == 0 {
			continue
		}
		if i > j {
			k := key(i, j)
			if _, dup := lower[k]; dup {
				return nil, fmt.Errorf("%w: duplicate cell (%d,%d)", ErrInvalidTriplets, i, j)
			}
			lower[k] = struct{}{}
			continue
		}
		k := key(i, j)
		if _, dup := a.cells[k]; dup {
			return nil, fmt.Errorf("%w: duplicate cell (%d,%d)", ErrInvalidTriplets, i, j)
		}
		a.cells[k] = v
	}
	upperOff := 0
	for k := range a.cells {
		if i, j := unkey(k); i != j {
			upperOff++
		}
	}
	if len(lower) != upperOff {
		return nil, fmt.Errorf("%w: %d lower vs %d upper off-diagonal cells", ErrInvalidTriplets, len(lower), upperOff)
	}
	for x := range t.Vals {
		i, j, v := int(t.Rows[x]), int(t.Cols[x]), t.Vals[x]
		if v == 0 || i <= j {
			continue
		}
		if got := a.cells[key(i, j)]; got != v {
			return nil, fmt.Errorf("%w: cell (%d,%d)=%d but (%d,%d)=%d", ErrInvalidTriplets, i, j, v, j, i, got)
		}
	}
	return a, nil
}
