// Package container parses the three firmware dialects into a single
// in-memory FirmwareImage: dialect tag, partition table, and the advisory
// DTB name table. One value is threaded explicitly through the call tree
// rather than kept as package-level state — an *os.File plus a decoded
// header struct, passed down rather than stashed in a global.
package container

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/go-restruct/restruct"
	"github.com/google/uuid"

	"github.com/novatek-fw/nvtfwtool/internal/bcl1"
	"github.com/novatek-fw/nvtfwtool/internal/classify"
	"github.com/novatek-fw/nvtfwtool/internal/nvterr"
)

// Dialect names the top-level framing a firmware file was built with.
type Dialect string

const (
	DialectHDR2       Dialect = "hdr2"
	DialectHDR        Dialect = "hdr"
	DialectBootloader Dialect = "bootloader"
)

// Partition is one entry of the container's partition table, classified.
type Partition struct {
	ID    uint32
	Start int64
	Size  int64
	Kind  classify.Kind
}

// FirmwareImage bundles everything the rest of the tool needs about one
// open container file: which dialect it is, its partition table, the
// advisory DTB name table (keyed by partition ID), and the checksum range
// the dialect-level checksum covers.
type FirmwareImage struct {
	Path string
	File *os.File

	Dialect    Dialect
	GUID       uuid.UUID // zero value for dialects without one (bootloader)
	HeaderSize int64
	TotalSize  int64 // declared total size from the dialect header
	FileSize   int64 // actual on-disk length

	// ChecksumOffset/ChecksumEnd describe the dialect-level checksum, both
	// as absolute file offsets: a C1 sum ending at ChecksumEnd with the
	// hole at ChecksumOffset. The range starts at 0, except in an HDR file
	// with a partition table, where it starts at the sub-header right
	// after partition 0.
	ChecksumOffset int64
	ChecksumEnd    int64

	Partitions []Partition
	DTBNames   map[uint32]string
}

var (
	guidHDR2 = uuid.UUID{0x07, 0x2E, 0x01, 0xD6, 0xBC, 0x10, 0x91, 0x4F, 0xB2, 0x8A, 0x35, 0x2F, 0x82, 0x26, 0x1A, 0x50}
	guidHDR  = uuid.UUID{0x90, 0xBE, 0x27, 0x88, 0xCD, 0x36, 0xC2, 0x4F, 0xA9, 0x87, 0x73, 0xA8, 0x48, 0x4E, 0x84, 0xB1}

	bootloaderCRCConst = uint32(0x000580E0)
)

const (
	hdr2VersionConst = 0x16071515

	hdr2OffVersion   = 16
	hdr2OffHeaderSz  = 20
	hdr2OffCount     = 24
	hdr2OffTotalSize = 28
	hdr2OffMethod    = 32
	hdr2OffChecksum  = 36
	hdr2TableEntry   = 12

	// hdrSubHeaderSize is the GUID(16) + table-size(4) + checksum(4) +
	// (count-1)(4) region immediately following partition 0's BCL1 block
	// in an HDR-dialect file.
	hdrSubHeaderSize  = 28
	hdrOffTotalTblSz  = 16
	hdrOffChecksum    = 20
	hdrOffCountMinus1 = 24

	// The bootloader header's field layout names offset 0x24 for two
	// different purposes (BCL1 payload start, and the header region's
	// total-size field); the CRC-repair and over-limit rules all anchor
	// the declared-size check at 0x24 with a concrete large value, so
	// that reading wins here and the payload-start field is placed just
	// before it instead of overlapping it (see DESIGN.md).
	bootOffBCL1Start    = 0x20
	bootOffDeclaredSize = 0x24
	bootOffChecksum     = 0x32
)

// Open reads and classifies the firmware file at path, detecting its
// dialect and building its full partition table.
func Open(path string) (*FirmwareImage, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, nvterr.Wrap(nvterr.KindIO, path, "open firmware file", err)
	}

	img, err := parse(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	return img, nil
}

// Close releases the underlying file handle.
func (img *FirmwareImage) Close() error {
	return img.File.Close()
}

func parse(f *os.File, path string) (*FirmwareImage, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, nvterr.Wrap(nvterr.KindIO, path, "stat firmware file", err)
	}
	fileSize := fi.Size()

	var head [64]byte
	if _, err := f.ReadAt(head[:], 0); err != nil && err != io.EOF {
		return nil, nvterr.Wrap(nvterr.KindIO, path, "read header", err)
	}

	switch {
	case guidEquals(head[:16], guidHDR2):
		return parseHDR2(f, path, fileSize, head[:])
	case looksLikeBootloader(head[:], fileSize):
		return parseBootloader(f, path, fileSize, head[:])
	default:
		return parseHDR(f, path, fileSize)
	}
}

func guidEquals(b []byte, g uuid.UUID) bool {
	if len(b) < 16 {
		return false
	}
	var u uuid.UUID
	copy(u[:], b[:16])
	return u == g
}

func looksLikeBootloader(head []byte, fileSize int64) bool {
	if len(head) < 52 {
		return false
	}
	if head[0] != 0x28 || head[1] != 0x00 {
		return false
	}
	a := binary.BigEndian.Uint16(head[2:4])
	b := binary.BigEndian.Uint16(head[4:6])
	c := binary.BigEndian.Uint16(head[16:18])
	if a != b || b != c {
		return false
	}
	if binary.BigEndian.Uint32(head[10:14]) != bootloaderCRCConst {
		return false
	}
	if head[48] != 0x55 || head[49] != 0xAA {
		return false
	}
	return true
}

// hdr2FixedHeader is the 36-byte fixed region ahead of an HDR2 file's flat
// partition table: GUID, version, header size, partition count, declared
// total size, and the checksum method field. All fields are little-endian,
// so a single restruct.Unpack call covers the whole region in one shot.
type hdr2FixedHeader struct {
	GUID       [16]byte
	Version    uint32
	HeaderSize uint32
	Count      uint32
	TotalSize  uint32
	Method     uint32
}

// parseHDR2 decodes an HDR2-dialect header and its flat partition table.
func parseHDR2(f *os.File, path string, fileSize int64, head []byte) (*FirmwareImage, error) {
	var fixed hdr2FixedHeader
	if err := restruct.Unpack(head[:hdr2OffChecksum], binary.LittleEndian, &fixed); err != nil {
		return nil, nvterr.Wrap(nvterr.KindFormat, path, "decode HDR2 fixed header", err)
	}
	if fixed.Version != hdr2VersionConst {
		return nil, nvterr.New(nvterr.KindFormat, path, "HDR2 GUID matched but version constant is wrong")
	}

	headerSize := int64(fixed.HeaderSize)
	count := fixed.Count
	totalSize := int64(fixed.TotalSize)
	guid := uuid.UUID(fixed.GUID)

	img := &FirmwareImage{
		Path: path, File: f, Dialect: DialectHDR2, GUID: guid,
		HeaderSize: headerSize, TotalSize: totalSize, FileSize: fileSize,
		ChecksumOffset: hdr2OffChecksum, ChecksumEnd: totalSize,
	}

	table := make([]byte, int64(count)*hdr2TableEntry)
	if count > 0 {
		if _, err := f.ReadAt(table, headerSize); err != nil && err != io.EOF {
			return nil, nvterr.Wrap(nvterr.KindIO, path, "read HDR2 partition table", err)
		}
	}

	parts := make([]Partition, 0, count)
	for i := uint32(0); i < count; i++ {
		e := table[i*hdr2TableEntry : i*hdr2TableEntry+hdr2TableEntry]
		start := int64(binary.LittleEndian.Uint32(e[0:4]))
		size := int64(binary.LittleEndian.Uint32(e[4:8]))
		id := binary.LittleEndian.Uint32(e[8:12])
		parts = append(parts, Partition{ID: id, Start: start, Size: size})
	}

	if err := classifyAll(f, parts); err != nil {
		return nil, err
	}
	img.Partitions = parts
	img.DTBNames = scanDTBNames(f, parts)
	reclassifyWithNames(f, img.Partitions, img.DTBNames)
	return img, nil
}

// parseHDR decodes an HDR-dialect file: partition 0 is a bare BCL1 block,
// immediately followed (if present) by a GUID-tagged table of the
// remaining partitions.
func parseHDR(f *os.File, path string, fileSize int64) (*FirmwareImage, error) {
	hdr, err := bcl1.ParseHeader(f, 0)
	if err != nil {
		return nil, nvterr.Wrap(nvterr.KindFormat, path, "no recognized dialect matched", err)
	}
	part0Size := hdr.BlockSize()

	img := &FirmwareImage{
		Path: path, File: f, Dialect: DialectHDR, FileSize: fileSize,
	}

	parts := []Partition{{ID: 0, Start: 0, Size: part0Size}}

	var sub [hdrSubHeaderSize]byte
	n, _ := f.ReadAt(sub[:], part0Size)
	if n == hdrSubHeaderSize && guidEquals(sub[:16], guidHDR) {
		tableSize := int64(binary.LittleEndian.Uint32(sub[hdrOffTotalTblSz : hdrOffTotalTblSz+4]))
		countMinus1 := binary.LittleEndian.Uint32(sub[hdrOffCountMinus1 : hdrOffCountMinus1+4])

		img.ChecksumOffset = part0Size + hdrOffChecksum
		img.ChecksumEnd = part0Size + tableSize
		img.HeaderSize = hdrSubHeaderSize

		table := make([]byte, int64(countMinus1)*hdr2TableEntry)
		if countMinus1 > 0 {
			if _, err := f.ReadAt(table, part0Size+hdrSubHeaderSize); err != nil && err != io.EOF {
				return nil, nvterr.Wrap(nvterr.KindIO, path, "read HDR partition table", err)
			}
		}
		for i := uint32(0); i < countMinus1; i++ {
			e := table[i*hdr2TableEntry : i*hdr2TableEntry+hdr2TableEntry]
			start := int64(binary.LittleEndian.Uint32(e[0:4]))
			size := int64(binary.LittleEndian.Uint32(e[4:8]))
			id := binary.LittleEndian.Uint32(e[8:12])
			parts = append(parts, Partition{ID: id, Start: start, Size: size})
		}
	} else {
		img.ChecksumEnd = part0Size
	}

	if err := classifyAll(f, parts); err != nil {
		return nil, err
	}
	img.Partitions = parts
	img.DTBNames = scanDTBNames(f, parts)
	reclassifyWithNames(f, img.Partitions, img.DTBNames)
	return img, nil
}

// parseBootloader builds the synthetic one-partition table for a
// bootloader-dialect file.
func parseBootloader(f *os.File, path string, fileSize int64, head []byte) (*FirmwareImage, error) {
	declaredSize := int64(binary.LittleEndian.Uint32(head[bootOffDeclaredSize : bootOffDeclaredSize+4]))
	bclStart := int64(binary.LittleEndian.Uint32(head[bootOffBCL1Start : bootOffBCL1Start+4]))

	hdr, err := bcl1.ParseHeader(f, bclStart)
	if err != nil {
		return nil, nvterr.Wrap(nvterr.KindFormat, path, "bootloader signature matched but BCL1 block is invalid", err)
	}

	parts := []Partition{{ID: 0, Start: bclStart, Size: hdr.BlockSize()}}
	if err := classifyAll(f, parts); err != nil {
		return nil, err
	}

	img := &FirmwareImage{
		Path: path, File: f, Dialect: DialectBootloader, FileSize: fileSize,
		HeaderSize: bclStart, TotalSize: declaredSize,
		ChecksumOffset: bootOffChecksum, ChecksumEnd: fileSize,
		Partitions: parts,
		DTBNames:   map[uint32]string{},
	}
	return img, nil
}

func classifyAll(f *os.File, parts []Partition) error {
	for i := range parts {
		k, err := classify.Classify(f, parts[i].Start, parts[i].ID, nil)
		if err != nil {
			return nvterr.Wrap(nvterr.KindFormat, fmt.Sprintf("partition %d", parts[i].ID), "classify partition", err)
		}
		parts[i].Kind = k
	}
	return nil
}

// reclassifyWithNames redoes classification now that the DTB name table is
// known, so the uboot/atf fallback rule (which consults the name table)
// can apply; cheap enough to just rerun rather than thread the table
// through the first pass.
func reclassifyWithNames(f *os.File, parts []Partition, names map[uint32]string) {
	for i := range parts {
		if parts[i].Kind.Tag != classify.TagUnknown {
			continue
		}
		if k, err := classify.Classify(f, parts[i].Start, parts[i].ID, names); err == nil {
			parts[i].Kind = k
		}
	}
}

// dtbNameMarker is the sentinel that precedes the name table inside the
// DTB partition's raw device tree blob.
const dtbNameMarker = "NVTPACK_FW_INI_16072017"

const (
	dtbRecordIDLen    = 16
	dtbRecordNameLen  = 16
	dtbRecordFileLen  = 64
	dtbRecordSize     = dtbRecordIDLen + dtbRecordNameLen + dtbRecordFileLen
	dtbMaxScanRecords = 4096
)

// scanDTBNames looks for the marker inside the DTB partition (if any) and
// decodes the (id_string, short_name, file_name) record table that follows
// it, keyed by the numeric partition ID each id_string spells out.
func scanDTBNames(f *os.File, parts []Partition) map[uint32]string {
	names := map[uint32]string{}

	for _, p := range parts {
		if p.Kind.Tag != classify.TagDTB {
			continue
		}
		buf := make([]byte, p.Size)
		n, err := f.ReadAt(buf, p.Start)
		if err != nil && err != io.EOF {
			continue
		}
		buf = buf[:n]

		idx := indexOf(buf, []byte(dtbNameMarker))
		if idx < 0 {
			continue
		}
		pos := idx + len(dtbNameMarker)
		for rec := 0; rec < dtbMaxScanRecords && pos+dtbRecordSize <= len(buf); rec, pos = rec+1, pos+dtbRecordSize {
			idStr := trimNulls(buf[pos : pos+dtbRecordIDLen])
			shortName := trimNulls(buf[pos+dtbRecordIDLen : pos+dtbRecordIDLen+dtbRecordNameLen])
			if idStr == "" {
				break
			}
			id, err := strconv.ParseUint(idStr, 10, 32)
			if err != nil {
				break
			}
			names[uint32(id)] = shortName
		}
	}
	return names
}

func trimNulls(b []byte) string {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return strings.TrimSpace(string(b[:i]))
}

func indexOf(haystack, needle []byte) int {
	if len(needle) == 0 || len(haystack) < len(needle) {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if string(haystack[i:i+len(needle)]) == string(needle) {
			return i
		}
	}
	return -1
}

// Partition looks up a partition by ID.
func (img *FirmwareImage) Partition(id uint32) (Partition, bool) {
	for _, p := range img.Partitions {
		if p.ID == id {
			return p, true
		}
	}
	return Partition{}, false
}
