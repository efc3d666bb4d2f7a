// Package record decodes bibliographic records from line-delimited JSON.
// Decoding is lenient: missing or oddly typed fields degrade to "no value"
// instead of failing the record.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/errors"
)

// ConceptRef is one concept reference of a record. Score is nil when the
// source carried no usable score.
type ConceptRef struct {
	ID    string
	Score *float64
}

// Record is one ephemeral bibliographic item.
type Record struct {
	ID       string
	Year     int
	Concepts []ConceptRef
}

type wireRecord struct {
	ID       json.RawMessage `json:"id"`
	Year     json.RawMessage `json:"publication_year"`
	Concepts json.RawMessage `json:"concepts"`
}

// Decode parses one JSON line. Only a line that is not a JSON object is an
// error (ErrRecordParse); every field-level problem drops that field.
func Decode(line []byte) (Record, error) {
	var w wireRecord
	if err := json.Unmarshal(line, &w); err != nil {
		return Record{}, apperrors.Wrap(apperrors.ErrRecordParse, err, "decoding record")
	}
	rec := Record{
		ID:   scalarString(w.ID),
		Year: scalarInt(w.Year),
	}
	rec.Concepts = decodeConcepts(w.Concepts)
	return rec, nil
}

func decodeConcepts(raw json.RawMessage) []ConceptRef {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	refs := make([]ConceptRef, 0, len(items))
	for _, item := range items {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(item, &fields); err != nil {
			continue
		}
		id := scalarString(fields["id"])
		if id == "" {
			id = scalarString(fields["concept_id"])
		}
		refs = append(refs, ConceptRef{
			ID:    strings.TrimSpace(id),
			Score: scalarFloat(fields["score"]),
		})
	}
	return refs
}

func scalarString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func scalarInt(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	if s := scalarString(raw); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return 0
}

func scalarFloat(raw json.RawMessage) *float64 {
	// null would unmarshal into a zero float without error.
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return &f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return &f
		}
	}
	return nil
}

// Score is a convenience constructor for tests and in-memory sources.
func Score(f float64) *float64 {
	return &f
}

// String renders a ConceptRef for log lines.
func (c ConceptRef) String() string {
	if c.Score == nil {
		return c.ID + ":<nil>"
	}
	return fmt.Sprintf("%s:%g", c.ID, *c.Score)
}
