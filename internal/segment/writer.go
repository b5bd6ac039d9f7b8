package segment

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/time/rate"

	"github.com/quiverdb/quiver/config"
	"github.com/quiverdb/quiver/internal/hash"
	"github.com/quiverdb/quiver/model"
)

var (
	ErrEmptyBatch  = errors.New("empty segment batch")
	ErrDimMismatch = errors.New("vector dimension mismatch")
)

// throttleChunk bounds a single rate-limiter reservation so large segments
// spread their writes across the configured bandwidth.
const throttleChunk = 1 << 20

// Writer encodes flushed batches into immutable segment files.
type Writer struct {
	cfg     config.SegmentConfig
	logger  *slog.Logger
	enc     *zstd.Encoder
	limiter *rate.Limiter
}

// NewWriter creates the segment directory and prepares the encoder.
func NewWriter(cfg config.SegmentConfig, logger *slog.Logger) (*Writer, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create segment dir: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel(cfg.ZstdLevel)))
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.WriteBandwidthBytes > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.WriteBandwidthBytes), throttleChunk)
	}

	return &Writer{cfg: cfg, logger: logger, enc: enc, limiter: limiter}, nil
}

func zstdLevel(level int) zstd.EncoderLevel {
	switch level {
	case 1:
		return zstd.SpeedFastest
	case 2:
		return zstd.SpeedDefault
	case 3:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

// Encode writes msgs as a new segment file and returns its descriptor. The
// file and its directory entry are fsynced before the descriptor is returned,
// so a returned descriptor always names durable bytes.
func (w *Writer) Encode(ctx context.Context, msgs []model.Message) (model.SegmentDescriptor, error) {
	if len(msgs) == 0 {
		return model.SegmentDescriptor{}, ErrEmptyBatch
	}

	dim := 0
	for i := range msgs {
		if msgs[i].Op == model.OpDelete {
			continue
		}
		d := len(msgs[i].Entry.Vector)
		if dim == 0 {
			dim = d
		} else if d != dim {
			return model.SegmentDescriptor{}, fmt.Errorf("%w: %d vs %d", ErrDimMismatch, d, dim)
		}
	}

	header := fileHeader{
		Magic:     MagicNumber,
		Version:   Version,
		RowCount:  uint32(len(msgs)),
		Dim:       uint32(dim),
		MinIDHash: ^uint64(0),
		MinEpoch:  ^uint64(0),
	}

	// Vector block: row-major float32, tombstone rows zero-filled.
	raw := make([]byte, len(msgs)*dim*4)
	bloom := NewBloom(len(msgs), w.cfg.BloomBitsPerKey)
	postings := make(map[model.TagID]*roaring.Bitmap)
	rowTable := make([]byte, 0, len(msgs)*64)
	var scratch [8]byte

	for i := range msgs {
		m := &msgs[i]
		e := &m.Entry

		if m.Op != model.OpDelete {
			off := i * dim * 4
			for j, v := range e.Vector {
				binary.LittleEndian.PutUint32(raw[off+j*4:], math.Float32bits(v))
			}
		}

		h := e.IDHash
		bloom.Add(h)
		if h < header.MinIDHash {
			header.MinIDHash = h
		}
		if h > header.MaxIDHash {
			header.MaxIDHash = h
		}
		epoch := uint64(m.Epoch)
		if epoch < header.MinEpoch {
			header.MinEpoch = epoch
		}
		if epoch > header.MaxEpoch {
			header.MaxEpoch = epoch
		}

		var flags byte
		if m.Op == model.OpDelete {
			flags |= rowFlagTombstone
			header.TombstoneCount++
		}

		for _, tag := range e.Tags {
			bm, ok := postings[tag]
			if !ok {
				bm = roaring.New()
				postings[tag] = bm
			}
			bm.Add(uint32(i))
		}

		binary.LittleEndian.PutUint64(scratch[:], h)
		rowTable = append(rowTable, scratch[:]...)
		binary.LittleEndian.PutUint64(scratch[:], epoch)
		rowTable = append(rowTable, scratch[:]...)
		binary.LittleEndian.PutUint64(scratch[:], uint64(m.Timestamp))
		rowTable = append(rowTable, scratch[:]...)
		rowTable = append(rowTable, flags)
		binary.LittleEndian.PutUint16(scratch[:2], uint16(e.CentroidID))
		rowTable = append(rowTable, scratch[:2]...)
		rowTable = appendString(rowTable, string(e.ID))
		rowTable = appendString(rowTable, e.Tenant)
		rowTable = appendString(rowTable, e.Namespace)
		binary.LittleEndian.PutUint16(scratch[:2], uint16(len(e.Tags)))
		rowTable = append(rowTable, scratch[:2]...)
		for _, tag := range e.Tags {
			binary.LittleEndian.PutUint32(scratch[:4], uint32(tag))
			rowTable = append(rowTable, scratch[:4]...)
		}
	}

	vectors := w.enc.EncodeAll(raw, nil)

	postingsBlock, err := encodePostings(postings)
	if err != nil {
		return model.SegmentDescriptor{}, fmt.Errorf("encode postings: %w", err)
	}

	var bloomBuf bytes.Buffer
	if _, err := bloom.WriteTo(&bloomBuf); err != nil {
		return model.SegmentDescriptor{}, fmt.Errorf("encode bloom: %w", err)
	}

	header.VectorOffset = headerSize
	header.RowTableOffset = header.VectorOffset + uint64(len(vectors))
	header.PostingsOffset = header.RowTableOffset + uint64(len(rowTable))
	header.BloomOffset = header.PostingsOffset + uint64(len(postingsBlock))

	body := make([]byte, 0, len(vectors)+len(rowTable)+len(postingsBlock)+bloomBuf.Len())
	body = append(body, vectors...)
	body = append(body, rowTable...)
	body = append(body, postingsBlock...)
	body = append(body, bloomBuf.Bytes()...)
	header.Checksum = hash.CRC32C(body)

	id, err := uuid.NewV7()
	if err != nil {
		return model.SegmentDescriptor{}, fmt.Errorf("segment id: %w", err)
	}
	segID := model.SegmentID(id.String())
	path := filepath.Join(w.cfg.Dir, string(segID)+".seg")

	if err := w.writeFile(ctx, path, header.encode(), body); err != nil {
		return model.SegmentDescriptor{}, err
	}

	desc := model.SegmentDescriptor{
		ID:             segID,
		Path:           path,
		NumVectors:     uint64(len(msgs)),
		SizeBytes:      uint64(headerSize + len(body)),
		MinIDHash:      header.MinIDHash,
		MaxIDHash:      header.MaxIDHash,
		MinEpoch:       model.Epoch(header.MinEpoch),
		MaxEpoch:       model.Epoch(header.MaxEpoch),
		TombstoneRatio: float32(header.TombstoneCount) / float32(len(msgs)),
		CreatedAt:      model.Now(),
	}
	w.logger.Debug("segment encoded",
		slog.String("segment", string(segID)),
		slog.Uint64("vectors", desc.NumVectors),
		slog.Uint64("bytes", desc.SizeBytes),
		slog.Uint64("max_epoch", uint64(desc.MaxEpoch)))
	return desc, nil
}

func (w *Writer) writeFile(ctx context.Context, path string, header, body []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create segment: %w", err)
	}
	defer func() {
		if f != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	if err := w.writeThrottled(ctx, f, header); err != nil {
		return err
	}
	if err := w.writeThrottled(ctx, f, body); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync segment: %w", err)
	}
	if err := f.Close(); err != nil {
		f = nil
		os.Remove(tmp)
		return fmt.Errorf("close segment: %w", err)
	}
	f = nil

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish segment: %w", err)
	}
	return syncDir(w.cfg.Dir)
}

func (w *Writer) writeThrottled(ctx context.Context, f *os.File, data []byte) error {
	for len(data) > 0 {
		n := len(data)
		if n > throttleChunk {
			n = throttleChunk
		}
		if w.limiter != nil {
			if err := w.limiter.WaitN(ctx, n); err != nil {
				return fmt.Errorf("write throttle: %w", err)
			}
		}
		if _, err := f.Write(data[:n]); err != nil {
			return fmt.Errorf("write segment: %w", err)
		}
		data = data[n:]
	}
	return nil
}

// Close releases the zstd encoder.
func (w *Writer) Close() error {
	return w.enc.Close()
}

func appendString(buf []byte, s string) []byte {
	var l [2]byte
	binary.LittleEndian.PutUint16(l[:], uint16(len(s)))
	buf = append(buf, l[:]...)
	return append(buf, s...)
}

func encodePostings(postings map[model.TagID]*roaring.Bitmap) ([]byte, error) {
	tags := make([]model.TagID, 0, len(postings))
	for tag := range postings {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(len(tags)))
	var scratch [4]byte
	for _, tag := range tags {
		data, err := postings[tag].MarshalBinary()
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint32(scratch[:], uint32(tag))
		buf = append(buf, scratch[:]...)
		binary.LittleEndian.PutUint32(scratch[:], uint32(len(data)))
		buf = append(buf, scratch[:]...)
		buf = append(buf, data...)
	}
	return buf, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open segment dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync segment dir: %w", err)
	}
	return nil
}
