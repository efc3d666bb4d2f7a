// Package vocabulary holds the fixed bijection between canonical concept
// identifiers and the dense matrix indices of a run.
package vocabulary

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Vocabulary maps external concept ids to indices 0..N-1 and back. It is
// immutable once built and safe for concurrent readers.
type Vocabulary struct {
	idToIndex map[string]int
	ids       []string
	names     []string
}

// FromTables rebuilds a vocabulary from its index → id and index → name
// tables, as written to the export sidecar. names may be nil.
func FromTables(ids, names []string) (*Vocabulary, error) {
	if names != nil && len(names) != len(ids) {
		return nil, fmt.Errorf("vocabulary tables disagree: %d ids, %d names", len(ids), len(names))
	}
	v := &Vocabulary{
		idToIndex: make(map[string]int, len(ids)),
		ids:       append([]string(nil), ids...),
		names:     make([]string, len(ids)),
	}
	copy(v.names, names)
	for i, id := range ids {
		if _, dup := v.idToIndex[id]; dup {
			return nil, fmt.Errorf("external id %q assigned to more than one index", id)
		}
		v.idToIndex[id] = i
	}
	return v, nil
}

// Len returns N, the number of indices.
func (v *Vocabulary) Len() int {
	return len(v.ids)
}

// Index returns the dense index assigned to the external id.
func (v *Vocabulary) Index(id string) (int, bool) {
	idx, ok := v.idToIndex[id]
	return idx, ok
}

// ID returns the external id for index i.
func (v *Vocabulary) ID(i int) string {
	return v.ids[i]
}

// Name returns the display name for index i, which may be empty.
func (v *Vocabulary) Name(i int) string {
	return v.names[i]
}

// Label returns the display name of i, falling back to its id.
func (v *Vocabulary) Label(i int) string {
	if i < 0 || i >= len(v.ids) {
		return "?" + strconv.Itoa(i)
	}
	if v.names[i] != "" {
		return v.names[i]
	}
	return v.ids[i]
}

// IDs returns a copy of the index → id table.
func (v *Vocabulary) IDs() []string {
	return append([]string(nil), v.ids...)
}

// Names returns a copy of the index → display name table.
func (v *Vocabulary) Names() []string {
	return append([]string(nil), v.names...)
}

// Fingerprint is a stable digest of the index assignment. Two vocabularies
// with the same fingerprint produce compatible checkpoints.
func (v *Vocabulary) Fingerprint() string {
	h := sha256.New()
	for i, id := range v.ids {
		h.Write([]byte(strconv.Itoa(i)))
		h.Write([]byte{0})
		h.Write([]byte(id))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
