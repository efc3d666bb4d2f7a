package matrix

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/atomicfile"
)

// MagicBytes identifies a .coom matrix file ("COOM").
const (
	MagicBytes    uint32 = 0x434F4F4D
	FormatVersion uint32 = 1
	HeaderSize    int    = 64
)

const flagZstd uint32 = 1

// ErrCorrupt reports a matrix file that fails its structural or checksum
// checks.
var ErrCorrupt = errors.New("matrix: corrupt encoding")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Header is the fixed 64-byte preamble of a matrix file.
//
//	[0:4]   magic
//	[4:8]   version
//	[8:12]  flags
//	[16:24] N
//	[24:32] entry count
//	[32:40] created (unix seconds)
//	[40:48] payload size
//	[48:52] payload crc32c
//	[60:64] header crc32c over [0:60]
type Header struct {
	Magic       uint32
	Version     uint32
	Flags       uint32
	N           uint64
	Entries     uint64
	CreatedAt   int64
	PayloadSize uint64
	PayloadCRC  uint32
}

func (h Header) marshal() []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint32(b[4:8], h.Version)
	binary.LittleEndian.PutUint32(b[8:12], h.Flags)
	binary.LittleEndian.PutUint64(b[16:24], h.N)
	binary.LittleEndian.PutUint64(b[24:32], h.Entries)
	binary.LittleEndian.PutUint64(b[32:40], uint64(h.CreatedAt))
	binary.LittleEndian.PutUint64(b[40:48], h.PayloadSize)
	binary.LittleEndian.PutUint32(b[48:52], h.PayloadCRC)
	binary.LittleEndian.PutUint32(b[60:64], crc32.Checksum(b[0:60], castagnoli))
	return b
}

func parseHeader(b []byte) (Header, error) {
	if got, want := binary.LittleEndian.Uint32(b[60:64]), crc32.Checksum(b[0:60], castagnoli); got != want {
		return Header{}, fmt.Errorf("%w: header checksum %08x, want %08x", ErrCorrupt, got, want)
	}
	h := Header{
		Magic:       binary.LittleEndian.Uint32(b[0:4]),
		Version:     binary.LittleEndian.Uint32(b[4:8]),
		Flags:       binary.LittleEndian.Uint32(b[8:12]),
		N:           binary.LittleEndian.Uint64(b[16:24]),
		Entries:     binary.LittleEndian.Uint64(b[24:32]),
		CreatedAt:   int64(binary.LittleEndian.Uint64(b[32:40])),
		PayloadSize: binary.LittleEndian.Uint64(b[40:48]),
		PayloadCRC:  binary.LittleEndian.Uint32(b[48:52]),
	}
	if h.Magic != MagicBytes {
		return Header{}, fmt.Errorf("%w: bad magic bytes %x", ErrCorrupt, h.Magic)
	}
	if h.Version != FormatVersion {
		return Header{}, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, h.Version)
	}
	return h, nil
}

// Encode writes t as header + zstd-compressed payload. The payload lists
// entries in row-major order as uvarints: row delta, then the column (delta
// against the previous column when the row did not change), then the value.
func Encode(w io.Writer, t *Triplets) (Header, error) {
	var payload bytes.Buffer
	enc, err := zstd.NewWriter(&payload, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return Header{}, fmt.Errorf("creating zstd encoder: %w", err)
	}
	bw := bufio.NewWriterSize(enc, 64<<10)
	var buf [3 * binary.MaxVarintLen64]byte
	var prevRow, prevCol uint32
	for x := range t.Vals {
		r, c := t.Rows[x], t.Cols[x]
		if x > 0 && (r < prevRow || (r == prevRow && c <= prevCol)) {
			enc.Close()
			return Header{}, fmt.Errorf("entry %d (%d,%d) out of row-major order", x, r, c)
		}
		n := binary.PutUvarint(buf[:], uint64(r-prevRow))
		if x > 0 && r == prevRow {
			n += binary.PutUvarint(buf[n:], uint64(c-prevCol))
		} else {
			n += binary.PutUvarint(buf[n:], uint64(c))
		}
		n += binary.PutUvarint(buf[n:], t.Vals[x])
		if _, err := bw.Write(buf[:n]); err != nil {
			enc.Close()
			return Header{}, fmt.Errorf("encoding entry %d: %w", x, err)
		}
		prevRow, prevCol = r, c
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return Header{}, fmt.Errorf("flushing payload: %w", err)
	}
	if err := enc.Close(); err != nil {
		return Header{}, fmt.Errorf("closing zstd encoder: %w", err)
	}

	h := Header{
		Magic:       MagicBytes,
		Version:     FormatVersion,
		Flags:       flagZstd,
		N:           uint64(t.N),
		Entries:     uint64(len(t.Vals)),
		CreatedAt:   time.Now().Unix(),
		PayloadSize: uint64(payload.Len()),
		PayloadCRC:  crc32.Checksum(payload.Bytes(), castagnoli),
	}
	if _, err := w.Write(h.marshal()); err != nil {
		return Header{}, fmt.Errorf("writing header: %w", err)
	}
	if _, err := w.Write(payload.Bytes()); err != nil {
		return Header{}, fmt.Errorf("writing payload: %w", err)
	}
	return h, nil
}

// Decode reads a matrix written by Encode, verifying both checksums.
func Decode(r io.Reader) (*Triplets, Header, error) {
	hb := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hb); err != nil {
		return nil, Header{}, fmt.Errorf("%w: reading header: %v", ErrCorrupt, err)
	}
	h, err := parseHeader(hb)
	if err != nil {
		return nil, Header{}, err
	}
	payload := make([]byte, h.PayloadSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, h, fmt.Errorf("%w: reading payload: %v", ErrCorrupt, err)
	}
	if got := crc32.Checksum(payload, castagnoli); got != h.PayloadCRC {
		return nil, h, fmt.Errorf("%w: payload checksum %08x, want %08x", ErrCorrupt, got, h.PayloadCRC)
	}

	var src io.Reader = bytes.NewReader(payload)
	if h.Flags&flagZstd != 0 {
		dec, err := zstd.NewReader(src)
		if err != nil {
			return nil, h, fmt.Errorf("creating zstd decoder: %w", err)
		}
		defer dec.Close()
		src = dec
	}
	br := bufio.NewReaderSize(src, 64<<10)

	capHint := h.Entries
	if capHint > 1<<24 {
		capHint = 1 << 24
	}
	t := &Triplets{
		N:    int(h.N),
		Rows: make([]uint32, 0, capHint),
		Cols: make([]uint32, 0, capHint),
		Vals: make([]uint64, 0, capHint),
	}
	var row, col uint64
	for x := uint64(0); x < h.Entries; x++ {
		dr, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, h, fmt.Errorf("%w: entry %d row: %v", ErrCorrupt, x, err)
		}
		dc, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, h, fmt.Errorf("%w: entry %d col: %v", ErrCorrupt, x, err)
		}
		v, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, h, fmt.Errorf("%w: entry %d value: %v", ErrCorrupt, x, err)
		}
		row += dr
		if x > 0 && dr == 0 {
			col += dc
		} else {
			col = dc
		}
		if row >= h.N || col >= h.N {
			return nil, h, fmt.Errorf("%w: entry %d (%d,%d) outside %d×%d", ErrCorrupt, x, row, col, h.N, h.N)
		}
		t.Rows = append(t.Rows, uint32(row))
		t.Cols = append(t.Cols, uint32(col))
		t.Vals = append(t.Vals, v)
	}
	if _, err := br.ReadByte(); err != io.EOF {
		return nil, h, fmt.Errorf("%w: trailing payload bytes", ErrCorrupt)
	}
	return t, h, nil
}

// WriteFile atomically writes t to path.
func WriteFile(path string, t *Triplets) (Header, error) {
	var h Header
	err := atomicfile.Write(path, func(w io.Writer) error {
		var err error
		h, err = Encode(w, t)
		return err
	})
	return h, err
}

// ReadFile decodes the matrix at path.
func ReadFile(path string) (*Triplets, Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Header{}, fmt.Errorf("opening matrix file: %w", err)
	}
	defer f.Close()
	return Decode(bufio.NewReaderSize(f, 1<<20))
}
