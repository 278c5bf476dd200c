package bcl1

import (
	"bytes"
	"testing"
)

type memFile struct{ b []byte }

func (m *memFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.b)) {
		return 0, nil
	}
	n := copy(p, m.b[off:])
	return n, nil
}

func (m *memFile) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(m.b)) {
		grown := make([]byte, end)
		copy(grown, m.b)
		m.b = grown
	}
	copy(m.b[off:end], p)
	return len(p), nil
}

func TestParseHeaderRoundTrip(t *testing.T) {
	raw := []byte("hello world, this is the raw payload")
	block, err := Compress(raw, CompressOptions{Algorithm: AlgoZlib})
	if err != nil {
		t.Fatal(err)
	}

	f := &memFile{b: block}
	if err := FixChecksum(f, 0, uint32(len(block)-HeaderSize)); err != nil {
		t.Fatal(err)
	}

	decoded, hdr, err := Decompress(f, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decoded, raw) {
		t.Fatalf("decompressed payload mismatch")
	}
	if hdr.Algorithm != AlgoZlib {
		t.Fatalf("algorithm = 0x%02X, want 0x%02X", hdr.Algorithm, AlgoZlib)
	}
	if hdr.UncompressedSize != uint32(len(raw)) {
		t.Fatalf("uncompressed size = %d, want %d", hdr.UncompressedSize, len(raw))
	}
}

func TestBCL1LZ77CompressDecompress(t *testing.T) {
	raw := bytes.Repeat([]byte("ABCD"), 1000)
	block, err := Compress(raw, CompressOptions{Algorithm: AlgoLZ77, Pad4: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(block)%4 != 0 {
		t.Fatalf("padded block length %d is not 4-byte aligned", len(block))
	}

	f := &memFile{b: block}
	decoded, _, err := Decompress(f, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decoded, raw) {
		t.Fatalf("LZ77 compress/decompress round trip mismatch")
	}
}

func TestPriorUncompressedSizeNeverShrinks(t *testing.T) {
	raw := []byte("short")
	block, err := Compress(raw, CompressOptions{Algorithm: AlgoZlib, PriorUncompressedSize: 1000})
	if err != nil {
		t.Fatal(err)
	}
	f := &memFile{b: block}
	_, hdr, err := Decompress(f, 0)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.UncompressedSize != 1000 {
		t.Fatalf("uncompressed size field = %d, want 1000 (kept the larger prior value)", hdr.UncompressedSize)
	}
}

func TestFixEmbeddedCRCFindsSecondProbe(t *testing.T) {
	raw := make([]byte, 0x80)
	raw[0x6C] = 0x55
	raw[0x6D] = 0xAA

	changed, err := FixEmbeddedCRC(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatalf("expected embedded CRC field to be located and fixed")
	}

	sum, computed, err := fixedChecksumFor(raw, 0x6E)
	if err != nil {
		t.Fatal(err)
	}
	if sum != computed {
		t.Fatalf("embedded CRC not self-consistent after fix")
	}
}

func fixedChecksumFor(raw []byte, holeOffset int) (uint16, uint16, error) {
	want, err := computeBufferChecksum(raw, holeOffset)
	if err != nil {
		return 0, 0, err
	}
	got := uint16(raw[holeOffset]) | uint16(raw[holeOffset+1])<<8
	return want, got, nil
}
