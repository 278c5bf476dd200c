// Package layout implements the extract/replace operations:
// streaming a partition out to a file, and splicing a new partition body in
// place while keeping the partition table, the dialect's total-size field,
// and every following partition's start offset consistent.
package layout

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"

	"github.com/novatek-fw/nvtfwtool/internal/checksum"
	"github.com/novatek-fw/nvtfwtool/internal/container"
	"github.com/novatek-fw/nvtfwtool/internal/nvterr"
	"github.com/novatek-fw/nvtfwtool/internal/utils/logger"
)

const tableEntrySize = 12

// hdrSubHeaderFixed is the GUID(16) + table-size(4) + checksum(4) +
// (count-1)(4) region an HDR-dialect file glues immediately after
// partition 0, ahead of its own table entries.
const hdrSubHeaderFixed = 28

// Extract streams size[id]-offsetWithin bytes, starting at
// start[id]+offsetWithin, to outPath.
func Extract(img *container.FirmwareImage, id uint32, offsetWithin int64, outPath string) error {
	p, ok := img.Partition(id)
	if !ok {
		return nvterr.New(nvterr.KindArgument, fmt.Sprintf("id %d", id), "no matching partition")
	}
	if offsetWithin < 0 || offsetWithin > p.Size {
		return nvterr.New(nvterr.KindArgument, outPath, "offset_within out of range")
	}

	n := p.Size - offsetWithin
	out, err := os.Create(outPath)
	if err != nil {
		return nvterr.Wrap(nvterr.KindIO, outPath, "create extract output", err)
	}
	defer out.Close()

	bar := progressbar.NewOptions64(n,
		progressbar.OptionSetDescription(fmt.Sprintf("extract %d (%s)", id, humanize.Bytes(uint64(n)))),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowBytes(true),
		progressbar.OptionClearOnFinish(),
	)

	src := io.NewSectionReader(img.File, p.Start+offsetWithin, n)
	if _, err := io.Copy(io.MultiWriter(out, bar), src); err != nil {
		return nvterr.Wrap(nvterr.KindIO, outPath, "stream partition to output", err)
	}
	return nil
}

// replaceCase names which of the three replace branches a Replace call
// falls into, decided once the new length is known.
type replaceCase int

const (
	caseInPlace replaceCase = iota
	caseResize
	caseResizePartitionZero
)

// Replace splices newBytes into partition id at offsetWithin, adjusting the
// table, following partitions' start offsets, and the dialect's total-size
// field to stay consistent. It mutates img.File and img.Partitions in
// place.
func Replace(img *container.FirmwareImage, id uint32, offsetWithin int64, newBytes []byte) error {
	idx := -1
	for i, p := range img.Partitions {
		if p.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nvterr.New(nvterr.KindArgument, fmt.Sprintf("id %d", id), "no matching partition")
	}
	p := img.Partitions[idx]

	if offsetWithin < 0 {
		return nvterr.New(nvterr.KindArgument, fmt.Sprintf("id %d", id), "negative offset_within")
	}
	newLen := int64(len(newBytes))
	newEnd := offsetWithin + newLen

	if newEnd == p.Size {
		return replaceInPlace(img, p, offsetWithin, newBytes)
	}

	kase := caseResize
	if img.Dialect == container.DialectHDR && id == 0 && len(img.Partitions) > 1 {
		kase = caseResizePartitionZero
	}

	newAligned := ceil4(newEnd) - newEnd
	newTotal := newEnd + newAligned

	var nextStart int64
	hasNext := idx+1 < len(img.Partitions)
	if hasNext {
		nextStart = img.Partitions[idx+1].Start
	} else {
		nextStart = p.Start + p.Size
	}

	var diff int64
	if kase == caseResizePartitionZero {
		// The sub-header glued after partition 0 shifts by the same
		// amount partition 0 itself grows or shrinks by: the generic
		// "new_size - (start[next]-start[P])" term and the sub-header's
		// own "+28+(count-1)*12" length cancel out to exactly this (see
		// DESIGN.md).
		diff = newTotal - p.Size
	} else if hasNext {
		diff = newTotal - (nextStart - p.Start)
	} else {
		diff = newTotal - p.Size
	}

	// For HDR partition 0 the preserved tail starts at partition 0's old
	// end, so the sub-header (GUID included) moves with it; its table
	// entries are then rewritten in place below.
	if kase == caseResizePartitionZero {
		nextStart = p.Start + p.Size
	}
	fi, err := img.File.Stat()
	if err != nil {
		return nvterr.Wrap(nvterr.KindIO, img.Path, "stat firmware file", err)
	}
	tailLen := fi.Size() - nextStart
	if tailLen < 0 {
		tailLen = 0
	}

	log := logger.Logger()
	log.Debugf("replace id=%d offset=%d new_len=%d diff=%d case=%v", id, offsetWithin, newLen, diff, kase)

	// Shift every following partition's recorded start by diff.
	for i := idx + 1; i < len(img.Partitions); i++ {
		img.Partitions[i].Start += diff
	}
	img.Partitions[idx].Size = newEnd

	finalTailStart := p.Start + newTotal

	// Relocate the preserved tail to its final offset before any of the
	// writes below, which can otherwise land on top of the tail's old
	// offset when the partition grows. The copy streams through a fixed
	// chunk buffer rather than holding the whole tail in memory, and picks
	// its chunk order to stay correct when source and destination overlap.
	if tailLen > 0 {
		if err := relocateRegion(img.File, nextStart, finalTailStart, tailLen); err != nil {
			return nvterr.Wrap(nvterr.KindIO, fmt.Sprintf("id %d", id), "relocate preserved tail", err)
		}
	}

	switch {
	case img.Dialect == container.DialectHDR2:
		if err := writeFlatTable(img.File, img.HeaderSize, img.Partitions); err != nil {
			return err
		}
	case img.Dialect == container.DialectHDR && len(img.Partitions) > 1:
		subStart := img.Partitions[0].Start + img.Partitions[0].Size
		if kase == caseResizePartitionZero {
			subStart = p.Start + newTotal
		}
		if err := writeHDRSubHeader(img.File, subStart, img.Partitions[1:]); err != nil {
			return err
		}
	}

	if err := writeAt(img.File, p.Start+offsetWithin, newBytes); err != nil {
		return nvterr.Wrap(nvterr.KindIO, fmt.Sprintf("id %d", id), "write replacement bytes", err)
	}
	if newAligned > 0 {
		if err := writeAt(img.File, p.Start+newEnd, make([]byte, newAligned)); err != nil {
			return nvterr.Wrap(nvterr.KindIO, fmt.Sprintf("id %d", id), "write alignment padding", err)
		}
	}

	finalLen := finalTailStart + tailLen
	if err := img.File.Truncate(finalLen); err != nil {
		return nvterr.Wrap(nvterr.KindIO, img.Path, "truncate file", err)
	}
	img.FileSize = finalLen

	if p.Kind.InnerIsBCL1() || p.Kind.Tag == "cksm" {
		if err := fixCKSMDataSize(img.File, p.Start, newTotal-offsetWithin); err != nil {
			return err
		}
	}

	return finishDialectUpdate(img, finalLen)
}

func replaceInPlace(img *container.FirmwareImage, p container.Partition, offsetWithin int64, newBytes []byte) error {
	if err := writeAt(img.File, p.Start+offsetWithin, newBytes); err != nil {
		return nvterr.Wrap(nvterr.KindIO, fmt.Sprintf("id %d", p.ID), "write replacement bytes in place", err)
	}
	return nil
}

// finishDialectUpdate keeps the dialect's size bookkeeping consistent with
// the file's new length: HDR2 mirrors it in its total-size field at 0x1C;
// HDR has no total-size field, so only the in-memory checksum range is
// refreshed; the bootloader's declared size is an upper limit, checked
// against but never overwritten by, the file's actual length.
func finishDialectUpdate(img *container.FirmwareImage, finalLen int64) error {
	switch img.Dialect {
	case container.DialectHDR2:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(finalLen))
		if _, err := img.File.WriteAt(b[:], 28); err != nil {
			return nvterr.Wrap(nvterr.KindIO, img.Path, "update HDR2 total-size field", err)
		}
		img.TotalSize = finalLen
		img.ChecksumEnd = finalLen
	case container.DialectHDR:
		if len(img.Partitions) > 1 {
			img.ChecksumEnd = img.Partitions[0].Start + img.Partitions[0].Size + hdrSubHeaderFixed + int64(len(img.Partitions)-1)*tableEntrySize
		} else {
			img.ChecksumEnd = finalLen
		}
	case container.DialectBootloader:
		if finalLen < img.TotalSize {
			pad := make([]byte, img.TotalSize-finalLen)
			if err := writeAt(img.File, finalLen, pad); err != nil {
				return nvterr.Wrap(nvterr.KindIO, img.Path, "zero-pad to declared size", err)
			}
			if err := img.File.Truncate(img.TotalSize); err != nil {
				return nvterr.Wrap(nvterr.KindIO, img.Path, "truncate to declared size", err)
			}
			img.FileSize = img.TotalSize
		} else if finalLen > img.TotalSize {
			return nvterr.New(nvterr.KindLimit, img.Path,
				fmt.Sprintf("result (%d bytes) exceeds declared limit (%d bytes)", finalLen, img.TotalSize))
		}
	}
	return nil
}

func fixCKSMDataSize(w io.WriterAt, cksmStart, newDataSize int64) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(newDataSize))
	if _, err := w.WriteAt(b[:], cksmStart+0x14); err != nil {
		return nvterr.Wrap(nvterr.KindIO, fmt.Sprintf("%d", cksmStart), "update CKSM dataSize field", err)
	}
	return nil
}

func writeFlatTable(w io.WriterAt, headerSize int64, parts []container.Partition) error {
	buf := make([]byte, len(parts)*tableEntrySize)
	for i, p := range parts {
		e := buf[i*tableEntrySize : i*tableEntrySize+tableEntrySize]
		binary.LittleEndian.PutUint32(e[0:4], uint32(p.Start))
		binary.LittleEndian.PutUint32(e[4:8], uint32(p.Size))
		binary.LittleEndian.PutUint32(e[8:12], p.ID)
	}
	_, err := w.WriteAt(buf, headerSize)
	if err != nil {
		return nvterr.Wrap(nvterr.KindIO, fmt.Sprintf("%d", headerSize), "rewrite flat partition table", err)
	}
	return nil
}

// writeHDRSubHeader rewrites the GUID+table-size+checksum+(count-1) region
// and its table entries (for the partitions following partition 0) at
// subStart, then fixes the region's own C1 checksum.
func writeHDRSubHeader(rw interface {
	io.ReaderAt
	io.WriterAt
}, subStart int64, entries []container.Partition) error {
	tableSize := hdrSubHeaderFixed + len(entries)*tableEntrySize
	buf := make([]byte, tableSize)

	binary.LittleEndian.PutUint32(buf[16:20], uint32(tableSize))
	// checksum at [20:24] filled in below, after the rest of the region
	binary.LittleEndian.PutUint32(buf[24:28], uint32(len(entries)))

	for i, p := range entries {
		e := buf[hdrSubHeaderFixed+i*tableEntrySize : hdrSubHeaderFixed+i*tableEntrySize+tableEntrySize]
		binary.LittleEndian.PutUint32(e[0:4], uint32(p.Start))
		binary.LittleEndian.PutUint32(e[4:8], uint32(p.Size))
		binary.LittleEndian.PutUint32(e[8:12], p.ID)
	}

	// Re-read the existing 16-byte GUID rather than re-deriving it; it
	// never changes across a replace.
	var guid [16]byte
	if _, err := rw.ReadAt(guid[:], subStart); err != nil && err != io.EOF {
		return nvterr.Wrap(nvterr.KindIO, fmt.Sprintf("%d", subStart), "read HDR sub-header GUID", err)
	}
	copy(buf[0:16], guid[:])

	if _, err := rw.WriteAt(buf, subStart); err != nil {
		return nvterr.Wrap(nvterr.KindIO, fmt.Sprintf("%d", subStart), "write HDR sub-header", err)
	}

	sum, err := checksum.Compute(rw, subStart, int64(tableSize), 20)
	if err != nil {
		return fmt.Errorf("layout: compute HDR sub-header checksum: %w", err)
	}
	return checksum.WriteAt(rw, subStart, 20, sum)
}

// relocateRegion copies the length bytes at src to dst through a fixed
// chunk buffer, without ever holding more than one chunk in memory. src and
// dst may overlap (as they do whenever a partition grows or shrinks), so the
// chunk order follows memmove's rule: copy low-to-high when dst is behind
// src, high-to-low when dst is ahead of src, so a chunk is never read after
// an earlier chunk's write has already clobbered it.
func relocateRegion(rw interface {
	io.ReaderAt
	io.WriterAt
}, src, dst, length int64) error {
	if length <= 0 || src == dst {
		return nil
	}

	const chunk = 1 << 20
	buf := make([]byte, chunk)

	copyChunk := func(off, n int64) error {
		b := buf[:n]
		if _, err := rw.ReadAt(b, src+off); err != nil && err != io.EOF {
			return err
		}
		_, err := rw.WriteAt(b, dst+off)
		return err
	}

	if dst < src {
		for off := int64(0); off < length; off += chunk {
			n := chunk
			if remaining := length - off; remaining < int64(n) {
				n = int(remaining)
			}
			if err := copyChunk(off, int64(n)); err != nil {
				return err
			}
		}
		return nil
	}

	for off := length; off > 0; {
		n := int64(chunk)
		if off < n {
			n = off
		}
		off -= n
		if err := copyChunk(off, n); err != nil {
			return err
		}
	}
	return nil
}

func writeAt(w io.WriterAt, off int64, b []byte) error {
	_, err := w.WriteAt(b, off)
	return err
}

func ceil4(n int64) int64 {
	return (n + 3) &^ 3
}
