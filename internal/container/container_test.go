package container

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/novatek-fw/nvtfwtool/internal/classify"
)

// buildHDR2Fixture lays out an HDR2 file: GUID, version 0x16071515,
// header_size 64, count 2, total_size 4096, table at offset 64
// with two partitions whose bodies start with the DTB magic so each
// classifies cleanly without needing real partition payloads.
func buildHDR2Fixture(t *testing.T) string {
	t.Helper()

	const headerSize = 64
	const totalSize = 4096
	buf := make([]byte, totalSize)
	copy(buf[0:16], guidHDR2[:])
	binary.LittleEndian.PutUint32(buf[hdr2OffVersion:hdr2OffVersion+4], hdr2VersionConst)
	binary.LittleEndian.PutUint32(buf[hdr2OffHeaderSz:hdr2OffHeaderSz+4], headerSize)
	binary.LittleEndian.PutUint32(buf[hdr2OffCount:hdr2OffCount+4], 2)
	binary.LittleEndian.PutUint32(buf[hdr2OffTotalSize:hdr2OffTotalSize+4], totalSize)

	table := buf[headerSize : headerSize+2*hdr2TableEntry]
	binary.LittleEndian.PutUint32(table[0:4], 512)  // partition 0 start
	binary.LittleEndian.PutUint32(table[4:8], 1024) // partition 0 size
	binary.LittleEndian.PutUint32(table[8:12], 0)   // partition 0 id
	binary.LittleEndian.PutUint32(table[12:16], 2048)
	binary.LittleEndian.PutUint32(table[16:20], 1024)
	binary.LittleEndian.PutUint32(table[20:24], 1)

	copy(buf[512:516], []byte{0xD0, 0x0D, 0xFE, 0xED})
	copy(buf[2048:2052], []byte{0xD0, 0x0D, 0xFE, 0xED})

	dir := t.TempDir()
	path := filepath.Join(dir, "fw.bin")
	if err := os.WriteFile(path, buf, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOpenHDR2TwoPartitions(t *testing.T) {
	path := buildHDR2Fixture(t)

	img, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer img.Close()

	if img.Dialect != DialectHDR2 {
		t.Fatalf("dialect = %s, want %s", img.Dialect, DialectHDR2)
	}
	if img.HeaderSize != 64 {
		t.Fatalf("header size = %d, want 64", img.HeaderSize)
	}
	if img.TotalSize != 4096 {
		t.Fatalf("total size = %d, want 4096", img.TotalSize)
	}
	if len(img.Partitions) != 2 {
		t.Fatalf("partitions = %d, want 2", len(img.Partitions))
	}
	if img.Partitions[0].Kind.Tag != classify.TagDTB || img.Partitions[1].Kind.Tag != classify.TagDTB {
		t.Fatalf("unexpected partition kinds: %+v", img.Partitions)
	}

	p, ok := img.Partition(1)
	if !ok || p.Start != 2048 || p.Size != 1024 {
		t.Fatalf("Partition(1) = %+v, ok=%v", p, ok)
	}
}

// buildBootloaderFixture lays out a bootloader-dialect file: the 0x28/0x00
// signature, matching triple u16 at offsets 2/4/16, the CRC constant at
// offset 10, the 0x55/0xAA marker at offset 48, a BCL1 block at 0x40
// whose start offset is stored at bootOffBCL1Start, and a declared total
// size at bootOffDeclaredSize.
func buildBootloaderFixture(t *testing.T, declaredSize uint32, trailingPad int) string {
	t.Helper()

	const bclStart = 0x40
	const packedSize = 16
	blockEnd := bclStart + bcl1HeaderSize + packedSize
	total := blockEnd + trailingPad
	buf := make([]byte, total)

	buf[0] = 0x28
	buf[1] = 0x00
	binary.BigEndian.PutUint16(buf[2:4], 0x1234)
	binary.BigEndian.PutUint16(buf[4:6], 0x1234)
	binary.BigEndian.PutUint16(buf[16:18], 0x1234)
	binary.BigEndian.PutUint32(buf[10:14], bootloaderCRCConst)
	buf[48] = 0x55
	buf[49] = 0xAA

	binary.LittleEndian.PutUint32(buf[bootOffBCL1Start:bootOffBCL1Start+4], bclStart)
	binary.LittleEndian.PutUint32(buf[bootOffDeclaredSize:bootOffDeclaredSize+4], declaredSize)

	copy(buf[bclStart:bclStart+4], []byte{'B', 'C', 'L', '1'})
	binary.BigEndian.PutUint16(buf[bclStart+6:bclStart+8], 0x0C) // zlib
	binary.BigEndian.PutUint32(buf[bclStart+8:bclStart+12], 0)
	binary.BigEndian.PutUint32(buf[bclStart+12:bclStart+16], packedSize)

	dir := t.TempDir()
	path := filepath.Join(dir, "boot.bin")
	if err := os.WriteFile(path, buf, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const bcl1HeaderSize = 16

func TestOpenBootloaderDialect(t *testing.T) {
	const bclStart = 0x40
	const packedSize = 16
	blockSize := int64(bcl1HeaderSize + packedSize)
	declaredSize := uint32(bclStart + blockSize + 32)

	path := buildBootloaderFixture(t, declaredSize, 32)

	img, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer img.Close()

	if img.Dialect != DialectBootloader {
		t.Fatalf("dialect = %s, want %s", img.Dialect, DialectBootloader)
	}
	if img.HeaderSize != bclStart {
		t.Fatalf("header size = %d, want %d", img.HeaderSize, bclStart)
	}
	if img.TotalSize != int64(declaredSize) {
		t.Fatalf("total size = %d, want %d", img.TotalSize, declaredSize)
	}
	if img.ChecksumOffset != bootOffChecksum {
		t.Fatalf("checksum offset = %d, want %d", img.ChecksumOffset, bootOffChecksum)
	}
	if img.ChecksumEnd != img.FileSize {
		t.Fatalf("checksum end = %d, want file size %d", img.ChecksumEnd, img.FileSize)
	}
	if len(img.Partitions) != 1 {
		t.Fatalf("partitions = %d, want 1", len(img.Partitions))
	}
	p := img.Partitions[0]
	if p.Start != bclStart || p.Size != blockSize {
		t.Fatalf("partition 0 = %+v, want start %d size %d", p, bclStart, blockSize)
	}
	if p.Kind.Tag != classify.TagBCL1 {
		t.Fatalf("partition 0 kind = %s, want %s", p.Kind.Tag, classify.TagBCL1)
	}
}

func TestOpenUnknownDialectFallsBackToHDR(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "garbage.bin")
	if err := os.WriteFile(path, make([]byte, 128), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Open(path)
	if err == nil {
		t.Fatalf("expected an error for a file matching no dialect")
	}
}
