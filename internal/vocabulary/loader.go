package vocabulary

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/errors"
)

// LoadStats describes how the symbol list resolved.
type LoadStats struct {
	Symbols   int
	Resolved  int
	Collapsed int
	Unmapped  []string
}

// Build assigns dense indices to symbols. Symbols are de-duplicated and
// visited in sorted order, so the same inputs always produce the same
// assignment. A symbol whose external id is already taken collapses onto the
// existing index; a symbol without a lookup entry is dropped.
func Build(symbols []string, lookup map[string]string) (*Vocabulary, LoadStats, error) {
	uniq := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		uniq[s] = struct{}{}
	}
	sorted := make([]string, 0, len(uniq))
	for s := range uniq {
		sorted = append(sorted, s)
	}
	sort.Strings(sorted)

	v := &Vocabulary{idToIndex: make(map[string]int)}
	stats := LoadStats{Symbols: len(sorted)}
	for _, symbol := range sorted {
		rawID, ok := lookup[symbol]
		if !ok {
			stats.Unmapped = append(stats.Unmapped, symbol)
			continue
		}
		id := NormalizeID(rawID)
		if id == "" {
			stats.Unmapped = append(stats.Unmapped, symbol)
			continue
		}
		if _, taken := v.idToIndex[id]; taken {
			stats.Collapsed++
			continue
		}
		v.idToIndex[id] = len(v.ids)
		v.ids = append(v.ids, id)
		v.names = append(v.names, symbol)
	}
	stats.Resolved = len(v.ids)
	if stats.Resolved == 0 {
		return nil, stats, apperrors.Newf(apperrors.ErrConfig,
			"no concept resolved to an external id (%d symbols, %d unmapped)", stats.Symbols, len(stats.Unmapped))
	}
	return v, stats, nil
}

// NormalizeID canonicalises an external id for lookups on both sides of the
// vocabulary.
func NormalizeID(id string) string {
	return strings.TrimSpace(id)
}

// LoadFiles reads the strata export and the symbol → id map from disk and
// builds the vocabulary.
func LoadFiles(strataPath, mapPath string) (*Vocabulary, LoadStats, error) {
	logger := slog.Default().With("component", "vocabulary")
	symbols, err := readSymbols(strataPath)
	if err != nil {
		return nil, LoadStats{}, apperrors.Wrap(apperrors.ErrConfig, err, "loading symbol list")
	}
	logger.Info("symbols loaded", "path", strataPath, "symbols", len(symbols))

	lookup, err := readLookup(mapPath)
	if err != nil {
		return nil, LoadStats{}, apperrors.Wrap(apperrors.ErrConfig, err, "loading concept map")
	}

	v, stats, err := Build(symbols, lookup)
	if err != nil {
		return nil, stats, err
	}
	logger.Info("concepts mapped",
		"resolved", stats.Resolved,
		"unmapped", len(stats.Unmapped),
		"collapsed", stats.Collapsed,
	)
	if n := len(stats.Unmapped); n > 0 {
		sample := stats.Unmapped
		if n > 10 {
			sample = sample[:10]
		}
		logger.Debug("unmapped symbols", "sample", sample)
	}
	return v, stats, nil
}

// readSymbols accepts either a JSON list (of strings or of edge objects with
// "from"/"to") or a JSON object whose list values are symbol groups and whose
// other keys are symbols themselves.
func readSymbols(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return ParseSymbols(doc), nil
}

// ParseSymbols extracts symbol names from a decoded strata document.
func ParseSymbols(doc any) []string {
	var out []string
	switch d := doc.(type) {
	case []any:
		for _, entry := range d {
			switch e := entry.(type) {
			case string:
				out = append(out, e)
			case map[string]any:
				if s, ok := e["from"].(string); ok {
					out = append(out, s)
				}
				if s, ok := e["to"].(string); ok {
					out = append(out, s)
				}
			}
		}
	case map[string]any:
		for key, val := range d {
			list, ok := val.([]any)
			if !ok {
				out = append(out, key)
				continue
			}
			for _, item := range list {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
		}
	}
	return out
}

func readLookup(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return ParseLookup(raw), nil
}

// ParseLookup flattens a symbol → id document. Values are either the id
// itself or an object carrying "id" or "concept_id".
func ParseLookup(raw map[string]any) map[string]string {
	out := make(map[string]string, len(raw))
	for symbol, val := range raw {
		switch v := val.(type) {
		case string:
			out[symbol] = v
		case map[string]any:
			if id := stringField(v, "id"); id != "" {
				out[symbol] = id
			} else {
				out[symbol] = stringField(v, "concept_id")
			}
		case float64:
			out[symbol] = fmt.Sprintf("%v", v)
		}
	}
	return out
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%v", v)
	default:
		return ""
	}
}
