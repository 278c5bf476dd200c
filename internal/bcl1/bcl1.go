// Package bcl1 implements the BCL1 compressed-block format: a 16-byte
// header wrapping one of three payload algorithms (custom LZ77, LZMA
// alone-format, or raw zlib).
package bcl1

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/novatek-fw/nvtfwtool/internal/checksum"
)

// Algorithm codes recognized by the core.
const (
	AlgoLZ77 uint16 = 0x09
	AlgoLZMA uint16 = 0x0B
	AlgoZlib uint16 = 0x0C
)

// HeaderSize is the fixed size of a BCL1 block header.
const HeaderSize = 16

// Magic is the 4-byte block signature.
var Magic = [4]byte{'B', 'C', 'L', '1'}

// Header is the decoded 16-byte BCL1 block header.
type Header struct {
	Checksum         uint16 // stored at +4, little-endian
	Algorithm        uint16 // +6, big-endian
	UncompressedSize uint32 // +8, big-endian
	PackedSize       uint32 // +12, big-endian; includes any trailing 4-byte padding
}

// ParseHeader reads and validates the 16-byte BCL1 header at start.
func ParseHeader(r io.ReaderAt, start int64) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := r.ReadAt(buf[:], start); err != nil {
		return Header{}, fmt.Errorf("bcl1: read header at %d: %w", start, err)
	}
	if string(buf[0:4]) != string(Magic[:]) {
		return Header{}, fmt.Errorf("bcl1: bad magic at %d: %x", start, buf[0:4])
	}
	return Header{
		Checksum:         binary.LittleEndian.Uint16(buf[4:6]),
		Algorithm:        binary.BigEndian.Uint16(buf[6:8]),
		UncompressedSize: binary.BigEndian.Uint32(buf[8:12]),
		PackedSize:       binary.BigEndian.Uint32(buf[12:16]),
	}, nil
}

// BlockSize returns the total on-disk size of the block (header + payload,
// where PackedSize already accounts for any trailing padding).
func (h Header) BlockSize() int64 {
	return HeaderSize + int64(h.PackedSize)
}

func encodeHeader(algorithm uint16, uncompressedSize, packedSize uint32) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic[:])
	// checksum at +4 is filled in by the caller once the whole block is written
	binary.BigEndian.PutUint16(buf[6:8], algorithm)
	binary.BigEndian.PutUint32(buf[8:12], uncompressedSize)
	binary.BigEndian.PutUint32(buf[12:16], packedSize)
	return buf
}

// FixChecksum recomputes and stores the block's checksum (the additive
// checksum over [0, 16+packedSize) with the hole at offset 4).
func FixChecksum(rw interface {
	io.ReaderAt
	io.WriterAt
}, start int64, packedSize uint32) error {
	length := HeaderSize + int64(packedSize)
	sum, err := checksum.Compute(rw, start, length, 4)
	if err != nil {
		return fmt.Errorf("bcl1: compute block checksum: %w", err)
	}
	return checksum.WriteAt(rw, start, 4, sum)
}

// pad4 rounds n up to the next multiple of 4.
func pad4(n int) int {
	return (n + 3) &^ 3
}
