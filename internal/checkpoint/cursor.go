// Package checkpoint persists run progress together with the partial
// matrix so that an interrupted run resumes exactly where it left off.
//
// A checkpoint is two files in the checkpoint directory: the cursor
// (_checkpoint.json) and one generation-numbered matrix snapshot
// (_partial_matrix.<gen>.coom). The snapshot is always written first and the
// cursor, which names the snapshot and its checksum, is replaced last, so the
// cursor rename is the commit point of a flush.
package checkpoint

import (
	"time"
)

// CursorVersion is bumped whenever the cursor layout changes incompatibly.
const CursorVersion = 1

// Counters are the cumulative totals over completed units.
type Counters struct {
	RecordsSeen    uint64 `json:"total_papers"`
	RecordsMatched uint64 `json:"papers_with_concepts"`
	PairsAdded     uint64 `json:"total_pairs"`
	RecordErrors   uint64 `json:"record_errors"`
	UnitErrors     uint64 `json:"unit_errors"`
}

// Add accumulates o into c.
func (c *Counters) Add(o Counters) {
	c.RecordsSeen += o.RecordsSeen
	c.RecordsMatched += o.RecordsMatched
	c.PairsAdded += o.PairsAdded
	c.RecordErrors += o.RecordErrors
	c.UnitErrors += o.UnitErrors
}

// Cursor is the durable progress record. A unit id appears in
// ProcessedUnits only once the snapshot named by MatrixFile includes its
// counts.
type Cursor struct {
	Version        int       `json:"version"`
	Generation     uint64    `json:"generation"`
	MatrixFile     string    `json:"matrix_file"`
	MatrixCRC      uint32    `json:"matrix_crc"`
	MatrixEntries  uint64    `json:"matrix_entries"`
	Concepts       int       `json:"n_concepts"`
	VocabularyHash string    `json:"vocabulary_hash,omitempty"`
	ProcessedUnits []string  `json:"processed_files"`
	FailedUnits    []string  `json:"failed_files,omitempty"`
	Counters       Counters  `json:"counters"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	Timestamp      time.Time `json:"timestamp"`
}

// Elapsed returns the cumulative wall time recorded by the cursor.
func (c Cursor) Elapsed() time.Duration {
	return time.Duration(c.ElapsedSeconds * float64(time.Second))
}

// Progress is what the pipeline hands to Flush: the units completed since
// the previous flush plus the cumulative counters and elapsed time.
type Progress struct {
	Completed []string
	Failed    []string
	Counters  Counters
	Elapsed   time.Duration
}
