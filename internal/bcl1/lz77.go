// Custom LZ77 variant used by BCL1 algorithm 0x09.
//
// A single marker byte — the rarest byte in the uncompressed input —
// escapes back-references. A back-reference is a variable-length,
// base-128 big-endian length followed by a base-128 big-endian offset;
// both continue reading while the high bit of each byte is set.
package bcl1

import (
	"fmt"

	"github.com/novatek-fw/nvtfwtool/internal/nvterr"
)

// maxLZOffset bounds the match finder's look-back window.
const maxLZOffset = 100000

// chooseMarker scans all 256 byte values and returns the one occurring
// least often in raw, breaking ties toward the lowest byte value.
func chooseMarker(raw []byte) byte {
	var counts [256]int
	for _, b := range raw {
		counts[b]++
	}
	best := byte(0)
	bestCount := counts[0]
	for v := 1; v < 256; v++ {
		if counts[v] < bestCount {
			bestCount = counts[v]
			best = byte(v)
		}
	}
	return best
}

// decodeLZ77 expands payload (marker byte followed by the encoded stream)
// into exactly uncompressedSize bytes. Trailing bytes in payload beyond
// what is needed to produce uncompressedSize bytes of
// output (i.e. 4-byte alignment padding) are ignored — the decoder is
// driven by the output-length target, not by consuming every input byte,
// so it round-trips correctly regardless of where the encoder's own
// "packed size" accounting draws the payload/padding line.
func decodeLZ77(payload []byte, uncompressedSize int) ([]byte, error) {
	if len(payload) < 1 {
		return nil, nvterr.New(nvterr.KindCodec, "lz77", "empty payload")
	}
	marker := payload[0]
	in := payload[1:]
	inpos := 0

	out := make([]byte, 0, uncompressedSize)

	readVarint := func() (uint64, error) {
		var v uint64
		for {
			if inpos >= len(in) {
				return 0, nvterr.New(nvterr.KindCodec, "lz77", "truncated length/offset field")
			}
			b := in[inpos]
			inpos++
			v = v<<7 | uint64(b&0x7F)
			if b&0x80 == 0 {
				return v, nil
			}
		}
	}

	for len(out) < uncompressedSize {
		if inpos >= len(in) {
			return nil, nvterr.New(nvterr.KindCodec, "lz77", "truncated stream")
		}
		b := in[inpos]
		inpos++

		if b != marker {
			out = append(out, b)
			continue
		}

		if inpos >= len(in) {
			return nil, nvterr.New(nvterr.KindCodec, "lz77", "truncated escape")
		}
		k := in[inpos]
		inpos++
		if k == 0 {
			out = append(out, marker)
			continue
		}

		inpos-- // k is the first byte of the length varint; unread it
		length, err := readVarint()
		if err != nil {
			return nil, err
		}
		offset, err := readVarint()
		if err != nil {
			return nil, err
		}

		if offset == 0 || int64(offset) > int64(len(out)) {
			return nil, nvterr.New(nvterr.KindCodec, "lz77",
				fmt.Sprintf("back-reference offset %d exceeds output length %d", offset, len(out)))
		}

		srcStart := len(out) - int(offset)
		for i := uint64(0); i < length; i++ {
			out = append(out, out[srcStart+int(i)])
		}
	}

	return out, nil
}

// lzMatch is a candidate back-reference found by the hash-chain finder.
type lzMatch struct {
	length int
	offset int
}

// worthEncoding applies the length/offset thresholds a back-reference must
// clear to beat emitting the same bytes as literals.
func worthEncoding(m lzMatch) bool {
	switch {
	case m.length > 7:
		return true
	case m.length == 4 && m.offset <= 0x7F:
		return true
	case m.length == 5 && m.offset <= 0x3FFF:
		return true
	case m.length == 6 && m.offset <= 0x1FFFFF:
		return true
	case m.length == 7 && m.offset <= 0x0FFFFFFF:
		return true
	default:
		return false
	}
}

// hashChain is a "chain of most-recent positions per 2-byte symbol" match
// finder: a hash table of head positions plus a prev-position array, one
// arena of len(input) positions.
type hashChain struct {
	data []byte
	head map[uint16]int
	prev []int
}

func newHashChain(data []byte) *hashChain {
	return &hashChain{
		data: data,
		head: make(map[uint16]int, len(data)),
		prev: make([]int, len(data)),
	}
}

func symbolAt(data []byte, pos int) uint16 {
	return uint16(data[pos])<<8 | uint16(data[pos+1])
}

// insert records pos in the chain for the 2-byte symbol starting there.
func (h *hashChain) insert(pos int) {
	if pos+1 >= len(h.data) {
		return
	}
	sym := symbolAt(h.data, pos)
	if prevPos, ok := h.head[sym]; ok {
		h.prev[pos] = prevPos
	} else {
		h.prev[pos] = -1
	}
	h.head[sym] = pos
}

// bestMatch walks the chain for pos's 2-byte symbol and returns the
// longest match within maxLZOffset look-back, preferring the most recent
// (smallest-offset) position on length ties.
func (h *hashChain) bestMatch(pos int) lzMatch {
	if pos+1 >= len(h.data) {
		return lzMatch{}
	}
	sym := symbolAt(h.data, pos)
	cand, ok := h.head[sym]
	if !ok {
		return lzMatch{}
	}

	var best lzMatch
	maxLen := len(h.data) - pos

	for cand >= 0 && pos-cand <= maxLZOffset {
		length := matchLength(h.data, cand, pos, maxLen)
		if length > best.length {
			best = lzMatch{length: length, offset: pos - cand}
		}
		cand = h.prev[cand]
	}
	return best
}

func matchLength(data []byte, a, b, maxLen int) int {
	n := 0
	for n < maxLen && data[a+n] == data[b+n] {
		n++
	}
	return n
}

// encodeLZ77 compresses raw into a BCL1 LZ77 payload (marker byte prefix
// plus the escape-coded stream). It does not apply 4-byte padding; callers
// add that per the block-level padding policy.
func encodeLZ77(raw []byte) []byte {
	marker := chooseMarker(raw)

	out := make([]byte, 0, len(raw)+len(raw)/4+1)
	out = append(out, marker)

	chain := newHashChain(raw)

	pos := 0
	for pos < len(raw) {
		var m lzMatch
		if pos+1 < len(raw) {
			m = chain.bestMatch(pos)
		}

		if worthEncoding(m) {
			out = append(out, marker)
			out = appendVarint(out, uint64(m.length))
			out = appendVarint(out, uint64(m.offset))

			end := pos + m.length
			for insertPos := pos; insertPos < end; insertPos++ {
				chain.insert(insertPos)
			}
			pos = end
			continue
		}

		b := raw[pos]
		if b == marker {
			out = append(out, marker, 0)
		} else {
			out = append(out, b)
		}
		chain.insert(pos)
		pos++
	}

	return out
}

// appendVarint appends v as a big-endian base-128 varint with the
// continuation bit set on every byte but the last.
func appendVarint(out []byte, v uint64) []byte {
	var tmp [10]byte
	n := 0
	if v == 0 {
		tmp[0] = 0
		n = 1
	} else {
		for v > 0 {
			tmp[n] = byte(v & 0x7F)
			v >>= 7
			n++
		}
	}
	// tmp currently holds low-to-high 7-bit groups; emit high-to-low with
	// continuation bits set on all but the final (lowest-order) byte.
	for i := n - 1; i >= 0; i-- {
		b := tmp[i]
		if i != 0 {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}
