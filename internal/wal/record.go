package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/pierrec/lz4/v4"

	"github.com/quiverdb/quiver/internal/hash"
	"github.com/quiverdb/quiver/model"
)

const (
	// recordHeaderSize is CRC (4) + Flags (1) + Epoch (8) + Length (4).
	recordHeaderSize = 17

	// maxRecordSize bounds a single record payload.
	maxRecordSize = 100 << 20

	flagOpMask     = 0x03
	flagCompressed = 0x80
)

var (
	ErrInvalidCRC     = errors.New("invalid WAL record checksum")
	ErrInvalidRecord  = errors.New("invalid WAL record")
	ErrRecordTooLarge = errors.New("WAL record too large")
)

// encodePayload serializes the message body (everything except epoch, which
// lives in the record header). DELETE messages elide the vector payload.
func encodePayload(msg *model.Message) []byte {
	e := &msg.Entry
	size := 8 + 4 + len(e.ID)
	if msg.Op != model.OpDelete {
		size += 4 + len(e.Tenant) +
			4 + len(e.Namespace) +
			4 + len(e.Vector)*4 +
			2 + len(e.Tags)*4 +
			2 + 8 + 8
	}

	buf := make([]byte, 0, size)
	var scratch [8]byte

	putU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(scratch[:4], v)
		buf = append(buf, scratch[:4]...)
	}
	putU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(scratch[:8], v)
		buf = append(buf, scratch[:8]...)
	}
	putU16 := func(v uint16) {
		binary.LittleEndian.PutUint16(scratch[:2], v)
		buf = append(buf, scratch[:2]...)
	}

	putU64(uint64(msg.Timestamp))
	putU32(uint32(len(e.ID)))
	buf = append(buf, e.ID...)

	if msg.Op == model.OpDelete {
		return buf
	}

	putU32(uint32(len(e.Tenant)))
	buf = append(buf, e.Tenant...)
	putU32(uint32(len(e.Namespace)))
	buf = append(buf, e.Namespace...)

	putU32(uint32(len(e.Vector)))
	for _, v := range e.Vector {
		putU32(math.Float32bits(v))
	}

	putU16(uint16(len(e.Tags)))
	for _, tag := range e.Tags {
		putU32(uint32(tag))
	}

	putU16(uint16(e.CentroidID))
	putU64(uint64(e.CreatedAt))
	putU64(uint64(e.UpdatedAt))
	return buf
}

func decodePayload(op model.OpKind, payload []byte) (model.Message, error) {
	msg := model.Message{Op: op}
	e := &msg.Entry
	off := 0

	need := func(n int) error {
		if len(payload)-off < n {
			return fmt.Errorf("%w: short payload", ErrInvalidRecord)
		}
		return nil
	}
	getU16 := func() uint16 {
		v := binary.LittleEndian.Uint16(payload[off:])
		off += 2
		return v
	}
	getU32 := func() uint32 {
		v := binary.LittleEndian.Uint32(payload[off:])
		off += 4
		return v
	}
	getU64 := func() uint64 {
		v := binary.LittleEndian.Uint64(payload[off:])
		off += 8
		return v
	}

	if err := need(12); err != nil {
		return msg, err
	}
	msg.Timestamp = model.Timestamp(getU64())
	idLen := int(getU32())
	if err := need(idLen); err != nil {
		return msg, err
	}
	e.ID = model.VectorID(payload[off : off+idLen])
	off += idLen
	e.IDHash = hash.IDString(string(e.ID))

	if op == model.OpDelete {
		e.Deleted = true
		return msg, nil
	}

	if err := need(4); err != nil {
		return msg, err
	}
	tenantLen := int(getU32())
	if err := need(tenantLen + 4); err != nil {
		return msg, err
	}
	e.Tenant = string(payload[off : off+tenantLen])
	off += tenantLen
	e.TenantHash = hash.IDString(e.Tenant)

	nsLen := int(getU32())
	if err := need(nsLen + 4); err != nil {
		return msg, err
	}
	e.Namespace = string(payload[off : off+nsLen])
	off += nsLen
	e.NamespaceHash = hash.IDString(e.Namespace)

	dim := int(getU32())
	if err := need(dim*4 + 2); err != nil {
		return msg, err
	}
	e.Vector = make([]float32, dim)
	for i := range e.Vector {
		e.Vector[i] = math.Float32frombits(getU32())
	}

	tagCount := int(getU16())
	if err := need(tagCount*4 + 2 + 16); err != nil {
		return msg, err
	}
	if tagCount > 0 {
		e.Tags = make([]model.TagID, tagCount)
		for i := range e.Tags {
			e.Tags[i] = model.TagID(getU32())
		}
	}

	e.CentroidID = model.CentroidID(getU16())
	e.CreatedAt = model.Timestamp(getU64())
	e.UpdatedAt = model.Timestamp(getU64())
	return msg, nil
}

// writeRecord frames msg and writes it to w.
// Format: [CRC32C: 4] [Flags: 1] [Epoch: 8] [Length: 4] [Payload: Length].
// The checksum covers flags, epoch, length and payload. Flags carry the
// operation kind and the compression bit.
func writeRecord(w io.Writer, msg *model.Message, epoch model.Epoch, compress bool) (int64, error) {
	payload := encodePayload(msg)
	flags := byte(msg.Op) & flagOpMask

	if compress && len(payload) > 64 {
		compressed := make([]byte, lz4.CompressBlockBound(len(payload)))
		n, err := lz4.CompressBlock(payload, compressed, nil)
		if err == nil && n > 0 && n < len(payload) {
			// Prefix the uncompressed length for decode-side allocation.
			framed := make([]byte, 4+n)
			binary.LittleEndian.PutUint32(framed, uint32(len(payload)))
			copy(framed[4:], compressed[:n])
			payload = framed
			flags |= flagCompressed
		}
	}

	if len(payload) > maxRecordSize {
		return 0, ErrRecordTooLarge
	}

	header := make([]byte, recordHeaderSize)
	header[4] = flags
	binary.LittleEndian.PutUint64(header[5:], uint64(epoch))
	binary.LittleEndian.PutUint32(header[13:], uint32(len(payload)))

	crc := hash.NewCRC32C()
	crc.Write(header[4:])
	crc.Write(payload)
	binary.LittleEndian.PutUint32(header[:4], crc.Sum32())

	if _, err := w.Write(header); err != nil {
		return 0, err
	}
	if _, err := w.Write(payload); err != nil {
		return 0, err
	}
	return int64(recordHeaderSize + len(payload)), nil
}

// readRecord decodes the next record from r. It returns the consumed byte
// count alongside the message and its epoch.
func readRecord(r io.Reader) (model.Message, model.Epoch, int64, error) {
	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return model.Message{}, 0, 0, err
	}

	checksum := binary.LittleEndian.Uint32(header[:4])
	flags := header[4]
	epoch := model.Epoch(binary.LittleEndian.Uint64(header[5:]))
	length := binary.LittleEndian.Uint32(header[13:])

	if length > maxRecordSize {
		return model.Message{}, 0, int64(recordHeaderSize), ErrRecordTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return model.Message{}, 0, int64(recordHeaderSize), err
	}
	consumed := int64(recordHeaderSize) + int64(length)

	crc := hash.NewCRC32C()
	crc.Write(header[4:])
	crc.Write(payload)
	if crc.Sum32() != checksum {
		return model.Message{}, 0, consumed, ErrInvalidCRC
	}

	if flags&flagCompressed != 0 {
		if len(payload) < 4 {
			return model.Message{}, 0, consumed, ErrInvalidRecord
		}
		rawLen := binary.LittleEndian.Uint32(payload)
		if rawLen > maxRecordSize {
			return model.Message{}, 0, consumed, ErrRecordTooLarge
		}
		raw := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(payload[4:], raw)
		if err != nil || n != int(rawLen) {
			return model.Message{}, 0, consumed, fmt.Errorf("%w: lz4 decompress: %v", ErrInvalidRecord, err)
		}
		payload = raw
	}

	op := model.OpKind(flags & flagOpMask)
	switch op {
	case model.OpInsert, model.OpUpsert, model.OpDelete:
	default:
		return model.Message{}, 0, consumed, fmt.Errorf("%w: unknown op %d", ErrInvalidRecord, op)
	}

	msg, err := decodePayload(op, payload)
	if err != nil {
		return model.Message{}, 0, consumed, err
	}
	msg.Epoch = epoch
	return msg, epoch, consumed, nil
}
