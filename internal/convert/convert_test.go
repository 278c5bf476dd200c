package convert

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func buildRecord(size, typ, number uint32, payload []byte) []byte {
	rec := make([]byte, size)
	binary.LittleEndian.PutUint32(rec[0:4], size)
	binary.LittleEndian.PutUint32(rec[4:8], typ)
	binary.LittleEndian.PutUint32(rec[8:12], number)
	copy(rec[recordHeaderSize:], payload)
	return rec
}

func TestDecomposeComposeModelExtRoundTrip(t *testing.T) {
	raw := append([]byte{}, buildRecord(20, 1, 0, []byte("abcd"))...)
	raw = append(raw, buildRecord(24, 6, 1, []byte("gpio-data"))...)
	for len(raw) < totalSizeFieldOffset+4+4 {
		raw = append(raw, buildRecord(20, 99, 2, []byte("pad0"))...)
	}
	binary.LittleEndian.PutUint32(raw[totalSizeFieldOffset:totalSizeFieldOffset+4], uint32(len(raw)))

	outDir := t.TempDir()
	paths, err := DecomposeModelExt(raw, outDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) == 0 {
		t.Fatalf("expected at least one decomposed record")
	}
	for _, p := range paths {
		if filepath.Dir(p) != outDir {
			t.Fatalf("record %s not written under %s", p, outDir)
		}
		if _, err := os.Stat(p); err != nil {
			t.Fatal(err)
		}
	}

	recomposed, err := ComposeModelExt(paths)
	if err != nil {
		t.Fatal(err)
	}
	if len(recomposed)%4 != 0 {
		t.Fatalf("recomposed blob length %d is not 4-byte aligned", len(recomposed))
	}
	gotTotal := binary.LittleEndian.Uint32(recomposed[totalSizeFieldOffset : totalSizeFieldOffset+4])
	if int(gotTotal) != len(recomposed) {
		t.Fatalf("stamped total size %d, want %d", gotTotal, len(recomposed))
	}

	// Every byte before the recomposed total-size field must match the
	// original records verbatim; only the stamped field and trailing
	// alignment padding are allowed to differ.
	if !bytes.Equal(recomposed[:totalSizeFieldOffset], raw[:totalSizeFieldOffset]) {
		t.Fatalf("recomposed blob diverges from source before the total-size field")
	}
}

func TestDecomposeModelExtStopsAtTruncatedRecord(t *testing.T) {
	raw := buildRecord(20, 1, 0, []byte("abcd"))
	raw = append(raw, []byte{1, 2, 3}...) // trailing bytes too short for a header

	paths, err := DecomposeModelExt(raw, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected exactly one complete record, got %d", len(paths))
	}
}
