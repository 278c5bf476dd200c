package bcl1

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/novatek-fw/nvtfwtool/internal/nvterr"
)

// Decompress reads the BCL1 block at start and returns its decoded raw
// payload. Algorithms the core does not know how to decompress (anything
// but LZ77/LZMA/zlib) are reported via the returned Header but produce a
// codec error if decompression is attempted.
func Decompress(r io.ReaderAt, start int64) ([]byte, Header, error) {
	hdr, err := ParseHeader(r, start)
	if err != nil {
		return nil, Header{}, err
	}

	payload := make([]byte, hdr.PackedSize)
	if hdr.PackedSize > 0 {
		if _, err := r.ReadAt(payload, start+HeaderSize); err != nil {
			return nil, hdr, fmt.Errorf("bcl1: read payload at %d: %w", start+HeaderSize, err)
		}
	}

	switch hdr.Algorithm {
	case AlgoLZ77:
		raw, err := decodeLZ77(payload, int(hdr.UncompressedSize))
		return raw, hdr, err
	case AlgoLZMA:
		raw, err := decodeLZMA(payload, int64(hdr.UncompressedSize))
		return raw, hdr, err
	case AlgoZlib:
		raw, err := decodeZlib(payload)
		return raw, hdr, err
	default:
		return nil, hdr, nvterr.New(nvterr.KindCodec, fmt.Sprintf("%d", start),
			fmt.Sprintf("unsupported BCL1 algorithm 0x%02X", hdr.Algorithm))
	}
}

// CompressOptions controls how Compress assembles a BCL1 block.
type CompressOptions struct {
	Algorithm uint16
	// Pad4 applies 4-byte alignment padding after the payload. The
	// dispatcher clears it only for a bootloader-dialect file's single
	// partition; every other block is padded.
	Pad4 bool
	// LZMADictSize is the dictionary size to request from the LZMA
	// encoder; ignored for other algorithms.
	LZMADictSize uint32
	// PriorUncompressedSize, if non-zero, is kept instead of the new raw
	// length when the new raw is smaller: the field never decreases below
	// a previously recorded value.
	PriorUncompressedSize uint32
}

// Compress builds a full BCL1 block (header + payload + padding) for raw,
// per opts. The block's own checksum field is left zero; callers must
// call FixChecksum once the block is in place at its final file offset.
func Compress(raw []byte, opts CompressOptions) ([]byte, error) {
	var payload []byte
	var err error

	switch opts.Algorithm {
	case AlgoLZ77:
		payload = encodeLZ77(raw)
	case AlgoLZMA:
		payload, err = encodeLZMA(raw, opts.LZMADictSize)
	case AlgoZlib:
		payload, err = encodeZlib(raw)
	default:
		return nil, nvterr.New(nvterr.KindCodec, "", fmt.Sprintf("unsupported BCL1 algorithm 0x%02X", opts.Algorithm))
	}
	if err != nil {
		return nil, err
	}

	packedLen := len(payload)
	if opts.Pad4 {
		packedLen = pad4(len(payload))
	}

	uncompressedSize := uint32(len(raw))
	if opts.PriorUncompressedSize > uncompressedSize {
		uncompressedSize = opts.PriorUncompressedSize
	}

	block := encodeHeader(opts.Algorithm, uncompressedSize, uint32(packedLen))
	block = append(block, payload...)
	for len(block) < HeaderSize+packedLen {
		block = append(block, 0)
	}

	return block, nil
}

// Offsets where some partitions embed their own 16-bit checksum, checked
// in priority order before compression.
const (
	crcProbeA = 0x46C
	crcFieldA = 0x46E
	crcProbeB = 0x6C
	crcFieldB = 0x6E
	crcProbeC = 0x16C
	crcFieldC = 0x16E
)

// FixEmbeddedCRC inspects raw for one of the three known embedded-CRC
// signatures and, if found, recomputes the whole-buffer checksum with that
// field as the hole and writes it in place, mutating raw. It returns false
// if no signature matched.
func FixEmbeddedCRC(raw []byte) (bool, error) {
	field, ok := locateEmbeddedCRCField(raw)
	if !ok {
		return false, nil
	}

	sum, err := computeBufferChecksum(raw, field)
	if err != nil {
		return false, err
	}
	binary.LittleEndian.PutUint16(raw[field:field+2], sum)
	return true, nil
}

func locateEmbeddedCRCField(raw []byte) (int, bool) {
	has := func(off int, b0, b1 byte) bool {
		return off+1 < len(raw) && raw[off] == b0 && raw[off+1] == b1
	}

	if has(crcProbeA, 0x55, 0xAA) && has(0x6C, 0xFF, 0xFF) {
		return crcFieldA, true
	}
	if has(crcProbeB, 0x55, 0xAA) {
		return crcFieldB, true
	}
	if has(crcProbeC, 0x55, 0xAA) {
		return crcFieldC, true
	}
	return 0, false
}

// computeBufferChecksum runs the same additive checksum algorithm over an
// in-memory buffer with hole at holeOffset, matching checksum.Compute's
// semantics for ReaderAt-backed ranges.
func computeBufferChecksum(buf []byte, holeOffset int) (uint16, error) {
	if holeOffset+1 >= len(buf) {
		return 0, fmt.Errorf("bcl1: embedded CRC field at %d out of range (len %d)", holeOffset, len(buf))
	}
	length := len(buf) &^ 1
	var sum uint32
	for pos, i := 0, 0; i < length; pos, i = pos+1, i+2 {
		word := uint32(binary.LittleEndian.Uint16(buf[i : i+2]))
		if i == holeOffset {
			sum += uint32(pos)
		} else {
			sum += word + uint32(pos)
		}
	}
	return uint16((^sum + 1) & 0xFFFF), nil
}
