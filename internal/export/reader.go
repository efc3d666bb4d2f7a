package export

import (
	"bufio"
	"cmp"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/matrix"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/config"
)

// Artifact is a matrix and sidecar read back from disk.
type Artifact struct {
	Index    Index
	Triplets *matrix.Triplets
}

// Load reads an index sidecar and the matrix file it names, resolved
// relative to the sidecar's directory.
func Load(indexPath string) (*Artifact, error) {
	data, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, fmt.Errorf("reading index: %w", err)
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parsing index: %w", err)
	}
	if len(idx.IdxToConcept) != idx.NConcepts {
		return nil, fmt.Errorf("index lists %d concepts, declares %d", len(idx.IdxToConcept), idx.NConcepts)
	}
	if filepath.Base(idx.MatrixFile) != idx.MatrixFile {
		return nil, fmt.Errorf("index names invalid matrix file %q", idx.MatrixFile)
	}

	path := filepath.Join(filepath.Dir(indexPath), idx.MatrixFile)
	var tr *matrix.Triplets
	switch idx.MatrixFormat {
	case config.FormatBinary, "":
		tr, _, err = matrix.ReadFile(path)
	case config.FormatTSV:
		tr, err = readMatrixMarket(path)
	default:
		return nil, fmt.Errorf("unknown matrix format %q", idx.MatrixFormat)
	}
	if err != nil {
		return nil, fmt.Errorf("reading matrix %s: %w", idx.MatrixFile, err)
	}
	if tr.N != idx.NConcepts {
		return nil, fmt.Errorf("matrix shape %d does not match index %d", tr.N, idx.NConcepts)
	}
	return &Artifact{Index: idx, Triplets: tr}, nil
}

// Accumulator rebuilds the matrix in accumulator form, validating symmetry.
func (a *Artifact) Accumulator() (*matrix.Accumulator, error) {
	return matrix.FromTriplets(a.Triplets)
}

type cell struct {
	r, c uint32
	v    uint64
}

func readMatrixMarket(path string) (*matrix.Triplets, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	sc := bufio.NewScanner(zr)
	if !sc.Scan() {
		return nil, fmt.Errorf("empty matrix market file: %w", sc.Err())
	}
	if strings.TrimSpace(sc.Text()) != mmHeader {
		return nil, fmt.Errorf("unexpected matrix market header %q", sc.Text())
	}

	n, declared := -1, 0
	var cells []cell
	line := 1
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "%") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 3 {
			return nil, fmt.Errorf("line %d: want 3 fields, got %d", line, len(fields))
		}
		if n < 0 {
			rows, err1 := strconv.Atoi(fields[0])
			cols, err2 := strconv.Atoi(fields[1])
			nnz, err3 := strconv.Atoi(fields[2])
			if err1 != nil || err2 != nil || err3 != nil || rows != cols || rows < 0 || nnz < 0 {
				return nil, fmt.Errorf("line %d: invalid size line %q", line, text)
			}
			n, declared = rows, nnz
			cells = make([]cell, 0, 2*nnz)
			continue
		}
		r, err1 := strconv.ParseUint(fields[0], 10, 32)
		c, err2 := strconv.ParseUint(fields[1], 10, 32)
		v, err3 := strconv.ParseUint(fields[2], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil || r == 0 || c == 0 || r > uint64(n) || c > uint64(n) || r < c {
			return nil, fmt.Errorf("line %d: invalid entry %q", line, text)
		}
		cells = append(cells, cell{r: uint32(r - 1), c: uint32(c - 1), v: v})
		if r != c {
			cells = append(cells, cell{r: uint32(c - 1), c: uint32(r - 1), v: v})
		}
		declared--
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("matrix market file has no size line")
	}
	if declared != 0 {
		return nil, fmt.Errorf("matrix market entry count mismatch (%d unaccounted)", declared)
	}

	slices.SortFunc(cells, func(x, y cell) int {
		if d := cmp.Compare(x.r, y.r); d != 0 {
			return d
		}
		return cmp.Compare(x.c, y.c)
	})
	tr := &matrix.Triplets{
		N:    n,
		Rows: make([]uint32, len(cells)),
		Cols: make([]uint32, len(cells)),
		Vals: make([]uint64, len(cells)),
	}
	for x, e := range cells {
		tr.Rows[x], tr.Cols[x], tr.Vals[x] = e.r, e.c, e.v
	}
	return tr, nil
}
