// Package checksum implements the 16-bit additive checksum shared by every
// container dialect and by the BCL1 block format: a sum of
// little-endian 16-bit words plus their word-index, with a "hole" at the
// byte offset where the stored checksum itself lives.
package checksum

import (
	"encoding/binary"
	"fmt"
	"io"
)

// streamBufSize is the chunk size used to stream a range through the
// checksum accumulator without loading it whole into memory.
const streamBufSize = 1 << 20 // 1 MiB, kept even so word boundaries never split across reads

// Compute reads length bytes starting at start from r and returns the
// stored checksum value: (-sum) & 0xFFFF, where sum accumulates
// word + wordIndex for every little-endian 16-bit word, except the word
// whose byte offset (relative to start) equals holeOffset, which
// contributes only its wordIndex. A negative holeOffset means "no hole".
//
// If length is odd, the trailing byte is ignored, matching the reference
// behavior.
func Compute(r io.ReaderAt, start, length int64, holeOffset int64) (uint16, error) {
	if length < 0 {
		return 0, fmt.Errorf("checksum: negative length %d", length)
	}

	evenLength := length &^ 1
	buf := make([]byte, streamBufSize)

	var sum uint32
	var pos int64 // word index
	var off int64 // byte offset relative to start, always even

	for off < evenLength {
		n := int64(len(buf))
		if remaining := evenLength - off; remaining < n {
			n = remaining
		}
		if _, err := r.ReadAt(buf[:n], start+off); err != nil && err != io.EOF {
			return 0, fmt.Errorf("checksum: read at %d: %w", start+off, err)
		}

		for i := int64(0); i < n; i += 2 {
			word := uint32(binary.LittleEndian.Uint16(buf[i : i+2]))
			if off+i == holeOffset {
				sum += uint32(pos)
			} else {
				sum += word + uint32(pos)
			}
			pos++
		}
		off += n
	}

	return uint16((^sum + 1) & 0xFFFF), nil
}

// Verify reports whether the value stored at storedOffset (a 16-bit
// little-endian field within [start, start+length)) matches Compute's
// result for that same range with storedOffset as the hole.
func Verify(r io.ReaderAt, start, length, storedOffset int64) (stored uint16, computed uint16, err error) {
	b := make([]byte, 2)
	if _, err := r.ReadAt(b, start+storedOffset); err != nil {
		return 0, 0, fmt.Errorf("checksum: read stored value at %d: %w", start+storedOffset, err)
	}
	stored = binary.LittleEndian.Uint16(b)

	computed, err = Compute(r, start, length, storedOffset)
	if err != nil {
		return stored, 0, err
	}
	return stored, computed, nil
}

// WriteAt stores value as a little-endian 16-bit field at start+offset in w.
func WriteAt(w io.WriterAt, start, offset int64, value uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], value)
	_, err := w.WriteAt(b[:], start+offset)
	return err
}
