// Package filter maps a record's concept references to vocabulary indices.
package filter

import (
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/record"
)

// Lookup resolves an external concept id to its dense index.
type Lookup interface {
	Index(id string) (int, bool)
}

// Filter keeps the concept references scored at or above MinScore whose id
// is known to the vocabulary.
type Filter struct {
	lookup   Lookup
	minScore float64
}

func New(lookup Lookup, minScore float64) *Filter {
	return &Filter{lookup: lookup, minScore: minScore}
}

// MinScore returns the inclusive threshold.
func (f *Filter) MinScore() float64 {
	return f.minScore
}

// Indices returns the mapped indices in record order. The same id appearing
// twice yields its index twice.
func (f *Filter) Indices(rec record.Record) []int {
	return f.AppendIndices(nil, rec)
}

// AppendIndices is Indices reusing dst's storage.
func (f *Filter) AppendIndices(dst []int, rec record.Record) []int {
	dst = dst[:0]
	for _, c := range rec.Concepts {
		if c.Score == nil || *c.Score < f.minScore {
			continue
		}
		if idx, ok := f.lookup.Index(c.ID); ok {
			dst = append(dst, idx)
		}
	}
	return dst
}
