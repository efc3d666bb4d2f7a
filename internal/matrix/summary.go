package matrix

import (
	"cmp"
	"slices"
)

// Pair is one off-diagonal cell with I < J.
type Pair struct {
	I, J  int
	Count uint64
}

// Degree is the row sum of one concept.
type Degree struct {
	Index int
	Sum   uint64
}

// TopPairs returns the k largest off-diagonal cells, ties broken by (I, J).
func (a *Accumulator) TopPairs(k int) []Pair {
	pairs := make([]Pair, 0, len(a.cells))
	for key, v := range a.cells {
		i, j := unkey(key)
		if i != j {
			pairs = append(pairs, Pair{I: i, J: j, Count: v})
		}
	}
	slices.SortFunc(pairs, func(x, y Pair) int {
		if c := cmp.Compare(y.Count, x.Count); c != 0 {
			return c
		}
		if c := cmp.Compare(x.I, y.I); c != 0 {
			return c
		}
		return cmp.Compare(x.J, y.J)
	})
	if k >= 0 && len(pairs) > k {
		pairs = pairs[:k]
	}
	return pairs
}

// Degrees returns the row sums of the full symmetric matrix, diagonal
// included.
func (a *Accumulator) Degrees() []uint64 {
	deg := make([]uint64, a.n)
	for key, v := range a.cells {
		i, j := unkey(key)
		deg[i] += v
		if i != j {
			deg[j] += v
		}
	}
	return deg
}

// TopDegrees returns the k concepts with the largest row sums, ties broken
// by index. Concepts with a zero sum are omitted.
func (a *Accumulator) TopDegrees(k int) []Degree {
	deg := a.Degrees()
	out := make([]Degree, 0, len(deg))
	for i, s := range deg {
		if s > 0 {
			out = append(out, Degree{Index: i, Sum: s})
		}
	}
	slices.SortFunc(out, func(x, y Degree) int {
		if c := cmp.Compare(y.Sum, x.Sum); c != 0 {
			return c
		}
		return cmp.Compare(x.Index, y.Index)
	})
	if k >= 0 && len(out) > k {
		out = out[:k]
	}
	return out
}
