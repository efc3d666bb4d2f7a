// Package export writes the finalized matrix and its index sidecar, and reads
// them back for downstream consumers.
package export

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/matrix"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/atomicfile"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/logger"
)

const mmHeader = "%%MatrixMarket matrix coordinate integer symmetric"

// Vocabulary is the part of the concept vocabulary the sidecar records.
type Vocabulary interface {
	Len() int
	IDs() []string
	Names() []string
}

// Result describes the written artifacts.
type Result struct {
	MatrixPath string
	IndexPath  string
	Index      Index
}

type Exporter struct {
	cfg    config.ExportConfig
	logger *slog.Logger
}

func New(cfg config.ExportConfig) *Exporter {
	if cfg.Format == "" {
		cfg.Format = config.FormatBinary
	}
	return &Exporter{
		cfg:    cfg,
		logger: logger.WithComponent("export"),
	}
}

// MatrixName returns the file name the matrix is written under. The tsv
// format swaps a .coom extension for .mtx.gz.
func (e *Exporter) MatrixName() string {
	name := e.cfg.MatrixFile
	if name == "" {
		name = "cooccurrence_matrix.coom"
	}
	if e.cfg.Format == config.FormatTSV && strings.HasSuffix(name, ".coom") {
		name = strings.TrimSuffix(name, ".coom") + ".mtx.gz"
	}
	return name
}

func (e *Exporter) indexName() string {
	if e.cfg.IndexFile == "" {
		return "matrix_index.json"
	}
	return e.cfg.IndexFile
}

// Export writes the matrix file and then the index sidecar. An accumulator
// without a single non-zero cell is an ExportError; a failed write is a
// StorageError.
func (e *Exporter) Export(acc *matrix.Accumulator, vocab Vocabulary, stats Stats) (Result, error) {
	if acc.Size() != vocab.Len() {
		return Result{}, apperrors.Newf(apperrors.ErrExport, "matrix shape %d does not match vocabulary size %d", acc.Size(), vocab.Len())
	}
	nnz := acc.NonZero()
	if nnz == 0 {
		return Result{}, apperrors.New(apperrors.ErrExport, "matrix has no non-zero cells, nothing to export")
	}

	tr := acc.Triplets()
	matrixPath := filepath.Join(e.cfg.Dir, e.MatrixName())
	var err error
	switch e.cfg.Format {
	case config.FormatBinary:
		_, err = matrix.WriteFile(matrixPath, tr)
	case config.FormatTSV:
		err = atomicfile.Write(matrixPath, func(w io.Writer) error {
			return writeMatrixMarket(w, tr)
		})
	default:
		return Result{}, apperrors.Newf(apperrors.ErrConfig, "unknown export format %q", e.cfg.Format)
	}
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.ErrStorage, err, "writing matrix artifact")
	}

	stats.NonZeroCells = nnz
	stats.DensityPct = acc.Density()
	if stats.Date == "" {
		stats.Date = time.Now().UTC().Format(time.RFC3339)
	}
	ids := vocab.IDs()
	idx := Index{
		Version:      indexVersion,
		NConcepts:    vocab.Len(),
		IdxToConcept: ids,
		IdxToSymbol:  vocab.Names(),
		ConceptToIdx: make(map[string]int, len(ids)),
		MatrixFile:   e.MatrixName(),
		MatrixFormat: e.cfg.Format,
		Stats:        stats,
	}
	for i, id := range ids {
		idx.ConceptToIdx[id] = i
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return Result{}, fmt.Errorf("marshaling index: %w", err)
	}
	indexPath := filepath.Join(e.cfg.Dir, e.indexName())
	if err := atomicfile.WriteBytes(indexPath, data); err != nil {
		return Result{}, apperrors.Wrap(apperrors.ErrStorage, err, "writing index sidecar")
	}

	e.logger.Info("artifacts exported",
		"matrix", matrixPath,
		"index", indexPath,
		"format", e.cfg.Format,
		"nonzero_cells", nnz,
		"density_pct", fmt.Sprintf("%.4f", stats.DensityPct),
	)
	return Result{MatrixPath: matrixPath, IndexPath: indexPath, Index: idx}, nil
}

// writeMatrixMarket writes each stored cell once as a gzip-compressed
// symmetric Matrix Market coordinate file. Entries are 1-based and, per the
// symmetric convention, in the lower triangle.
func writeMatrixMarket(w io.Writer, t *matrix.Triplets) error {
	zw := gzip.NewWriter(w)
	bw := bufio.NewWriter(zw)
	upper := 0
	for x := range t.Rows {
		if t.Rows[x] <= t.Cols[x] {
			upper++
		}
	}
	if _, err := fmt.Fprintf(bw, "%s\n%d %d %d\n", mmHeader, t.N, t.N, upper); err != nil {
		return err
	}
	for x := range t.Rows {
		r, c := t.Rows[x], t.Cols[x]
		if r > c {
			continue
		}
		if _, err := fmt.Fprintf(bw, "%d %d %d\n", c+1, r+1, t.Vals[x]); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return zw.Close()
}
