// Package matrix accumulates the sparse symmetric co-occurrence matrix and
// converts it to and from a row/col/value triplet form.
package matrix

import (
	"fmt"
	"slices"
)

// Accumulator is a sparse N×N symmetric count matrix. Only the upper
// triangle (i <= j) is stored; reads mirror it. It is not safe for
// concurrent writers: each worker owns its own and results are combined
// with Merge.
type Accumulator struct {
	n       int
	cells   map[uint64]uint64
	scratch []int
}

// New returns an empty accumulator of shape n×n.
func New(n int) *Accumulator {
	return &Accumulator{n: n, cells: make(map[uint64]uint64)}
}

func key(i, j int) uint64 {
	if i > j {
		i, j = j, i
	}
	return uint64(i)<<32 | uint64(j)
}

func unkey(k uint64) (int, int) {
	return int(k >> 32), int(k & 0xffffffff)
}

// Size returns N.
func (a *Accumulator) Size() int {
	return a.n
}

// Update applies one record's filtered index list and returns the number of
// off-diagonal pairs counted. Lists shorter than two leave every counter
// untouched. Otherwise every pair of positions holding different indices
// increments that cell once (duplicates therefore count more than once),
// and every distinct index increments its diagonal exactly once.
func (a *Accumulator) Update(indices []int) int {
	if len(indices) < 2 {
		return 0
	}
	s := append(a.scratch[:0], indices...)
	slices.Sort(s)
	a.scratch = s

	pairs := 0
	for p := 0; p < len(s); p++ {
		for q := p + 1; q < len(s); q++ {
			if s[q] == s[p] {
				continue
			}
			a.cells[key(s[p], s[q])]++
			pairs++
		}
		if p == 0 || s[p] != s[p-1] {
			a.cells[key(s[p], s[p])]++
		}
	}
	return pairs
}

// Get returns cell (i, j), which always equals cell (j, i).
func (a *Accumulator) Get(i, j int) uint64 {
	return a.cells[key(i, j)]
}

// Diag returns the diagonal count of i.
func (a *Accumulator) Diag(i int) uint64 {
	return a.cells[key(i, i)]
}

// Merge adds other into a element-wise.
func (a *Accumulator) Merge(other *Accumulator) error {
	if other.n != a.n {
		return fmt.Errorf("merging %d×%d into %d×%d accumulator", other.n, other.n, a.n, a.n)
	}
	for k, v := range other.cells {
		a.cells[k] += v
	}
	return nil
}

// StoredCells returns the number of upper-triangle entries held.
func (a *Accumulator) StoredCells() int {
	return len(a.cells)
}

// NonZero returns the non-zero cell count of the full symmetric matrix.
func (a *Accumulator) NonZero() int {
	nnz := 0
	for k := range a.cells {
		if i, j := unkey(k); i == j {
			nnz++
		} else {
			nnz += 2
		}
	}
	return nnz
}

// Density returns the non-zero fraction of the N×N cells, in percent.
func (a *Accumulator) Density() float64 {
	if a.n == 0 {
		return 0
	}
	return float64(a.NonZero()) / (float64(a.n) * float64(a.n)) * 100
}

// Equal reports whether both accumulators hold identical counts.
func (a *Accumulator) Equal(other *Accumulator) bool {
	if a.n != other.n || len(a.cells) != len(other.cells) {
		return false
	}
	for k, v := range a.cells {
		if other.cells[k] != v {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (a *Accumulator) Clone() *Accumulator {
	c := &Accumulator{n: a.n, cells: make(map[uint64]uint64, len(a.cells))}
	for k, v := range a.cells {
		c.cells[k] = v
	}
	return c
}

// Reset drops every count, keeping the shape.
func (a *Accumulator) Reset() {
	clear(a.cells)
}
