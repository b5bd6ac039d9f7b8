package segment

import (
	"encoding/binary"
	"errors"
)

const (
	// MagicNumber identifies a segment file ("QSG1").
	MagicNumber = 0x51534731
	Version     = 1
)

var (
	ErrInvalidMagic   = errors.New("invalid magic number")
	ErrInvalidVersion = errors.New("unsupported version")
	ErrCorrupted      = errors.New("corrupted segment")
)

// fileHeader describes the layout of a segment file. It is stored at the
// beginning of the file; the checksum covers everything after the header.
type fileHeader struct {
	Magic          uint32
	Version        uint32
	RowCount       uint32
	Dim            uint32
	MinIDHash      uint64
	MaxIDHash      uint64
	MinEpoch       uint64
	MaxEpoch       uint64
	TombstoneCount uint32
	VectorOffset   uint64
	RowTableOffset uint64
	PostingsOffset uint64
	BloomOffset    uint64
	Checksum       uint32
}

const headerSize = 4 + 4 + 4 + 4 + 8 + 8 + 8 + 8 + 4 + 8 + 8 + 8 + 8 + 4 + 24 // 24 reserved

func (h *fileHeader) encode() []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:], h.Version)
	binary.LittleEndian.PutUint32(buf[8:], h.RowCount)
	binary.LittleEndian.PutUint32(buf[12:], h.Dim)
	binary.LittleEndian.PutUint64(buf[16:], h.MinIDHash)
	binary.LittleEndian.PutUint64(buf[24:], h.MaxIDHash)
	binary.LittleEndian.PutUint64(buf[32:], h.MinEpoch)
	binary.LittleEndian.PutUint64(buf[40:], h.MaxEpoch)
	binary.LittleEndian.PutUint32(buf[48:], h.TombstoneCount)
	binary.LittleEndian.PutUint64(buf[52:], h.VectorOffset)
	binary.LittleEndian.PutUint64(buf[60:], h.RowTableOffset)
	binary.LittleEndian.PutUint64(buf[68:], h.PostingsOffset)
	binary.LittleEndian.PutUint64(buf[76:], h.BloomOffset)
	binary.LittleEndian.PutUint32(buf[84:], h.Checksum)
	return buf
}

func decodeHeader(buf []byte) (*fileHeader, error) {
	if len(buf) < headerSize {
		return nil, errors.New("buffer too small for header")
	}
	h := &fileHeader{}
	h.Magic = binary.LittleEndian.Uint32(buf[0:])
	if h.Magic != MagicNumber {
		return nil, ErrInvalidMagic
	}
	h.Version = binary.LittleEndian.Uint32(buf[4:])
	if h.Version != Version {
		return nil, ErrInvalidVersion
	}
	h.RowCount = binary.LittleEndian.Uint32(buf[8:])
	h.Dim = binary.LittleEndian.Uint32(buf[12:])
	h.MinIDHash = binary.LittleEndian.Uint64(buf[16:])
	h.MaxIDHash = binary.LittleEndian.Uint64(buf[24:])
	h.MinEpoch = binary.LittleEndian.Uint64(buf[32:])
	h.MaxEpoch = binary.LittleEndian.Uint64(buf[40:])
	h.TombstoneCount = binary.LittleEndian.Uint32(buf[48:])
	h.VectorOffset = binary.LittleEndian.Uint64(buf[52:])
	h.RowTableOffset = binary.LittleEndian.Uint64(buf[60:])
	h.PostingsOffset = binary.LittleEndian.Uint64(buf[68:])
	h.BloomOffset = binary.LittleEndian.Uint64(buf[76:])
	h.Checksum = binary.LittleEndian.Uint32(buf[84:])
	return h, nil
}

const rowFlagTombstone = 0x01
