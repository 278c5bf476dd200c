// Raw zlib payload (BCL1 algorithm 0x0C).
package bcl1

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

func decodeZlib(payload []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("bcl1: zlib header: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("bcl1: zlib decode: %w", err)
	}
	return out, nil
}

func encodeZlib(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("bcl1: zlib write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("bcl1: zlib close: %w", err)
	}
	return buf.Bytes(), nil
}
