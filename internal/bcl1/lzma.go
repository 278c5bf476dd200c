// LZMA alone-format payload (BCL1 algorithm 0x0B).
package bcl1

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ulikunitz/xz/lzma"
)

// minLZMADictSize is the floor required for the encoder's dictionary
// size, regardless of what the source block declares.
const minLZMADictSize = 1 << 12

// decodeLZMA decodes one or more concatenated LZMA alone-format streams
// from payload until uncompressedSize bytes have been produced, reading
// successive streams until the payload is exhausted. Each stream's own
// header (properties byte, dict size, uncompressed size) is parsed by the
// library reader itself.
func decodeLZMA(payload []byte, uncompressedSize int64) ([]byte, error) {
	out := make([]byte, 0, uncompressedSize)
	src := bytes.NewReader(payload)

	for int64(len(out)) < uncompressedSize && src.Len() > 0 {
		r, err := lzma.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("bcl1: lzma stream header: %w", err)
		}
		buf, err := io.ReadAll(r)
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("bcl1: lzma decode: %w", err)
		}
		out = append(out, buf...)
	}

	if int64(len(out)) > uncompressedSize {
		out = out[:uncompressedSize]
	}
	return out, nil
}

// encodeLZMA compresses raw as a single LZMA alone-format stream with
// lc=3, lp=0, pb=2 and the given dictionary size, clamped to the floor
// above. The match finder and its search parameters are left at the
// library's defaults; no BT4 match finder, nice length or search depth is
// configured here.
func encodeLZMA(raw []byte, dictSize uint32) ([]byte, error) {
	if dictSize < minLZMADictSize {
		dictSize = minLZMADictSize
	}

	var buf bytes.Buffer
	cfg := lzma.WriterConfig{
		Properties: &lzma.Properties{LC: 3, LP: 0, PB: 2},
		DictCap:    int(dictSize),
		Size:       int64(len(raw)),
	}
	w, err := cfg.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("bcl1: lzma writer: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("bcl1: lzma write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("bcl1: lzma close: %w", err)
	}
	return buf.Bytes(), nil
}
