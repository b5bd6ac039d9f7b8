package segment

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/quiverdb/quiver/internal/hash"
	"github.com/quiverdb/quiver/model"
)

// Row is one decoded row-table entry.
type Row struct {
	ID         model.VectorID
	IDHash     uint64
	Epoch      model.Epoch
	Timestamp  model.Timestamp
	Tombstone  bool
	CentroidID model.CentroidID
	Tenant     string
	Namespace  string
	Tags       []model.TagID
}

// Reader gives access to one segment file. The row table, postings and bloom
// filter are decoded at open; the vector block is decompressed on first use.
type Reader struct {
	header   *fileHeader
	rows     []Row
	postings map[model.TagID]*roaring.Bitmap
	bloom    *Bloom

	vectorBlock []byte

	vecOnce sync.Once
	vecErr  error
	vectors []float32
}

// Open reads and verifies a segment file.
func Open(path string) (*Reader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read segment: %w", err)
	}
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: short file", ErrCorrupted)
	}

	header, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}
	body := data[headerSize:]
	if hash.CRC32C(body) != header.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupted)
	}

	if header.RowTableOffset < header.VectorOffset ||
		header.PostingsOffset < header.RowTableOffset ||
		header.BloomOffset < header.PostingsOffset ||
		header.BloomOffset > uint64(len(data)) {
		return nil, fmt.Errorf("%w: inconsistent section offsets", ErrCorrupted)
	}

	r := &Reader{
		header:      header,
		vectorBlock: data[header.VectorOffset:header.RowTableOffset],
	}
	if err := r.decodeRowTable(data[header.RowTableOffset:header.PostingsOffset]); err != nil {
		return nil, err
	}
	if err := r.decodePostings(data[header.PostingsOffset:header.BloomOffset]); err != nil {
		return nil, err
	}
	bloom, err := ReadBloom(data[header.BloomOffset:])
	if err != nil {
		return nil, err
	}
	r.bloom = bloom
	return r, nil
}

func (r *Reader) decodeRowTable(table []byte) error {
	rows := make([]Row, 0, r.header.RowCount)
	off := 0

	need := func(n int) error {
		if len(table)-off < n {
			return fmt.Errorf("%w: short row table", ErrCorrupted)
		}
		return nil
	}

	for i := uint32(0); i < r.header.RowCount; i++ {
		if err := need(8 + 8 + 8 + 1 + 2); err != nil {
			return err
		}
		row := Row{
			IDHash:    binary.LittleEndian.Uint64(table[off:]),
			Epoch:     model.Epoch(binary.LittleEndian.Uint64(table[off+8:])),
			Timestamp: model.Timestamp(binary.LittleEndian.Uint64(table[off+16:])),
		}
		flags := table[off+24]
		row.Tombstone = flags&rowFlagTombstone != 0
		row.CentroidID = model.CentroidID(binary.LittleEndian.Uint16(table[off+25:]))
		off += 27

		readString := func() (string, error) {
			if err := need(2); err != nil {
				return "", err
			}
			l := int(binary.LittleEndian.Uint16(table[off:]))
			off += 2
			if err := need(l); err != nil {
				return "", err
			}
			s := string(table[off : off+l])
			off += l
			return s, nil
		}

		id, err := readString()
		if err != nil {
			return err
		}
		row.ID = model.VectorID(id)
		if row.Tenant, err = readString(); err != nil {
			return err
		}
		if row.Namespace, err = readString(); err != nil {
			return err
		}

		if err := need(2); err != nil {
			return err
		}
		tagCount := int(binary.LittleEndian.Uint16(table[off:]))
		off += 2
		if err := need(tagCount * 4); err != nil {
			return err
		}
		if tagCount > 0 {
			row.Tags = make([]model.TagID, tagCount)
			for j := range row.Tags {
				row.Tags[j] = model.TagID(binary.LittleEndian.Uint32(table[off:]))
				off += 4
			}
		}
		rows = append(rows, row)
	}
	r.rows = rows
	return nil
}

func (r *Reader) decodePostings(block []byte) error {
	if len(block) < 4 {
		return fmt.Errorf("%w: short postings block", ErrCorrupted)
	}
	count := int(binary.LittleEndian.Uint32(block))
	off := 4

	postings := make(map[model.TagID]*roaring.Bitmap, count)
	for i := 0; i < count; i++ {
		if len(block)-off < 8 {
			return fmt.Errorf("%w: short postings entry", ErrCorrupted)
		}
		tag := model.TagID(binary.LittleEndian.Uint32(block[off:]))
		size := int(binary.LittleEndian.Uint32(block[off+4:]))
		off += 8
		if len(block)-off < size {
			return fmt.Errorf("%w: short postings bitmap", ErrCorrupted)
		}
		bm := roaring.New()
		if err := bm.UnmarshalBinary(block[off : off+size]); err != nil {
			return fmt.Errorf("%w: postings bitmap: %v", ErrCorrupted, err)
		}
		postings[tag] = bm
		off += size
	}
	r.postings = postings
	return nil
}

// RowCount returns the number of rows, tombstones included.
func (r *Reader) RowCount() int {
	return len(r.rows)
}

// Dim returns the vector dimensionality.
func (r *Reader) Dim() int {
	return int(r.header.Dim)
}

// MinEpoch and MaxEpoch bound the epochs stored in the segment.
func (r *Reader) MinEpoch() model.Epoch { return model.Epoch(r.header.MinEpoch) }
func (r *Reader) MaxEpoch() model.Epoch { return model.Epoch(r.header.MaxEpoch) }

// TombstoneCount returns the number of tombstone rows.
func (r *Reader) TombstoneCount() int {
	return int(r.header.TombstoneCount)
}

// Rows calls fn for every row in local-row order.
func (r *Reader) Rows(fn func(localRow uint32, row Row) error) error {
	for i := range r.rows {
		if err := fn(uint32(i), r.rows[i]); err != nil {
			return err
		}
	}
	return nil
}

// Row returns the row at the given local index.
func (r *Reader) Row(localRow uint32) (Row, bool) {
	if int(localRow) >= len(r.rows) {
		return Row{}, false
	}
	return r.rows[localRow], true
}

// MayContain reports whether the identity hash may be present.
func (r *Reader) MayContain(h uint64) bool {
	if h < r.header.MinIDHash || h > r.header.MaxIDHash {
		return false
	}
	return r.bloom.MayContain(h)
}

// TagRows returns the posting bitmap for tag, or nil if no row carries it.
func (r *Reader) TagRows(tag model.TagID) *roaring.Bitmap {
	return r.postings[tag]
}

// Vector returns the stored vector of a row. Tombstone rows return nil.
func (r *Reader) Vector(localRow uint32) ([]float32, error) {
	if int(localRow) >= len(r.rows) {
		return nil, fmt.Errorf("row %d out of range", localRow)
	}
	if r.rows[localRow].Tombstone {
		return nil, nil
	}
	if err := r.decompressVectors(); err != nil {
		return nil, err
	}
	dim := int(r.header.Dim)
	start := int(localRow) * dim
	return r.vectors[start : start+dim], nil
}

func (r *Reader) decompressVectors() error {
	r.vecOnce.Do(func() {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			r.vecErr = fmt.Errorf("init zstd decoder: %w", err)
			return
		}
		defer dec.Close()

		want := int(r.header.RowCount) * int(r.header.Dim) * 4
		raw, err := dec.DecodeAll(r.vectorBlock, make([]byte, 0, want))
		if err != nil {
			r.vecErr = fmt.Errorf("%w: vector block: %v", ErrCorrupted, err)
			return
		}
		if len(raw) != want {
			r.vecErr = fmt.Errorf("%w: vector block size %d, want %d", ErrCorrupted, len(raw), want)
			return
		}
		vectors := make([]float32, len(raw)/4)
		for i := range vectors {
			vectors[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		r.vectors = vectors
	})
	return r.vecErr
}
