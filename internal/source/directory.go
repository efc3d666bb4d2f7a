package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/record"
	apperrors "github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/errors"
)

const (
	DefaultPattern      = "*.gz"
	DefaultMaxLineBytes = 16 << 20
)

// Directory is a tree of newline-delimited JSON files, gzip-compressed when
// the name ends in .gz. Unit ids are slash-separated paths relative to the
// root.
type Directory struct {
	root         string
	pattern      string
	maxLineBytes int
}

// NewDirectory returns a Directory source. An empty pattern matches *.gz and
// a non-positive maxLineBytes uses DefaultMaxLineBytes.
func NewDirectory(root, pattern string, maxLineBytes int) (*Directory, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, err, "invalid source pattern")
	}
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	return &Directory{root: root, pattern: pattern, maxLineBytes: maxLineBytes}, nil
}

// Units walks the tree and returns the matching files in lexical order.
func (d *Directory) Units(ctx context.Context) ([]string, error) {
	info, err := os.Stat(d.root)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, err, "opening works directory")
	}
	if !info.IsDir() {
		return nil, apperrors.Newf(apperrors.ErrConfig, "works path %s is not a directory", d.root)
	}

	var units []string
	err = filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() {
			return nil
		}
		if ok, _ := filepath.Match(d.pattern, entry.Name()); !ok {
			return nil
		}
		rel, err := filepath.Rel(d.root, path)
		if err != nil {
			return err
		}
		units = append(units, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.Wrap(apperrors.ErrConfig, err, "listing works directory")
	}
	sort.Strings(units)
	return units, nil
}

// Open starts streaming one unit.
func (d *Directory) Open(ctx context.Context, unit string) (Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(d.root, filepath.FromSlash(unit))
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrUnitRead, err, "opening "+unit)
	}
	r := &lineReader{
		unit:   unit,
		closer: f,
		max:    d.maxLineBytes,
	}
	var in io.Reader = f
	if strings.HasSuffix(unit, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, apperrors.Wrap(apperrors.ErrUnitRead, err, "opening gzip stream of "+unit)
		}
		r.gz = gz
		in = gz
	}
	r.br = bufio.NewReaderSize(in, 64<<10)
	return r, nil
}

type lineReader struct {
	unit   string
	br     *bufio.Reader
	gz     *gzip.Reader
	closer io.Closer
	max    int
	line   int
	buf    []byte
}

func (r *lineReader) Next() (record.Record, error) {
	for {
		line, tooLong, err := r.readLine()
		if err == io.EOF && len(line) == 0 && !tooLong {
			return record.Record{}, io.EOF
		}
		if err != nil && err != io.EOF {
			return record.Record{}, apperrors.Wrap(apperrors.ErrUnitRead, err,
				fmt.Sprintf("%s: reading line %d", r.unit, r.line))
		}
		if tooLong {
			return record.Record{}, apperrors.Newf(apperrors.ErrRecordParse,
				"%s: line %d exceeds %d bytes", r.unit, r.line, r.max)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			if err == io.EOF {
				return record.Record{}, io.EOF
			}
			continue
		}
		rec, derr := record.Decode(line)
		if derr != nil {
			return record.Record{}, fmt.Errorf("%s: line %d: %w", r.unit, r.line, derr)
		}
		return rec, nil
	}
}

// readLine returns the next line without its terminator. A line longer than
// max is consumed and discarded with tooLong set.
func (r *lineReader) readLine() (line []byte, tooLong bool, err error) {
	r.line++
	r.buf = r.buf[:0]
	for {
		chunk, err := r.br.ReadSlice('\n')
		if !tooLong {
			if len(r.buf)+len(chunk) > r.max+1 {
				tooLong = true
				r.buf = r.buf[:0]
			} else {
				r.buf = append(r.buf, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return r.buf, tooLong, err
	}
}

func (r *lineReader) Close() error {
	var gzErr error
	if r.gz != nil {
		gzErr = r.gz.Close()
	}
	return errors.Join(gzErr, r.closer.Close())
}
