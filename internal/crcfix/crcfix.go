// Package crcfix implements whole-file checksum repair: reclassify every
// partition, recompute and rewrite each one's stored checksum where it
// differs, then recompute the dialect-level checksum. The operation is
// idempotent — running it twice in a row leaves the file byte-for-byte
// unchanged the second time.
package crcfix

import (
	"fmt"

	"github.com/novatek-fw/nvtfwtool/internal/bcl1"
	"github.com/novatek-fw/nvtfwtool/internal/checksum"
	"github.com/novatek-fw/nvtfwtool/internal/classify"
	"github.com/novatek-fw/nvtfwtool/internal/container"
	"github.com/novatek-fw/nvtfwtool/internal/nvterr"
	"github.com/novatek-fw/nvtfwtool/internal/utils/logger"
)

const hdrSubHeaderFixed = 28
const tableEntrySize = 12

// FixAll reclassifies and repairs every partition's stored checksum, then
// the dialect-level checksum.
func FixAll(img *container.FirmwareImage) error {
	log := logger.Logger()

	for i := range img.Partitions {
		p := img.Partitions[i]
		k, err := classify.Classify(img.File, p.Start, p.ID, img.DTBNames)
		if err != nil {
			return nvterr.Wrap(nvterr.KindFormat, fmt.Sprintf("partition %d", p.ID), "reclassify", err)
		}
		img.Partitions[i].Kind = k

		changed, err := fixPartitionChecksum(img, p.Start, p.Size, k, img.Dialect)
		if err != nil {
			return err
		}
		if changed {
			log.Infof("partition %d (%s): checksum repaired", p.ID, k.String())
		}
	}

	return fixDialectChecksum(img)
}

func fixPartitionChecksum(img *container.FirmwareImage, start, size int64, k classify.Kind, dialect container.Dialect) (bool, error) {
	if k.Tag == classify.TagBCL1 {
		if dialect == container.DialectBootloader {
			// The bootloader dialect's file-level checksum already covers this
			// block; its own inner checksum is left untouched.
			return false, nil
		}
		hdr, err := bcl1.ParseHeader(img.File, start)
		if err != nil {
			return false, fmt.Errorf("crcfix: reparse BCL1 header at %d: %w", start, err)
		}
		before := hdr.Checksum
		if err := bcl1.FixChecksum(img.File, start, hdr.PackedSize); err != nil {
			return false, err
		}
		refreshed, err := bcl1.ParseHeader(img.File, start)
		if err != nil {
			return false, err
		}
		return before != refreshed.Checksum, nil
	}

	if k.Tag == classify.TagCKSM {
		end := k.ChecksumEnd
		return fixAndCompare(img, start, end, k.ChecksumOffset)
	}

	if k.ChecksumOffset < 0 {
		return false, nil
	}

	end := k.ChecksumEnd
	if end == 0 {
		end = size
	}
	return fixAndCompare(img, start, end, k.ChecksumOffset)
}

func fixAndCompare(img *container.FirmwareImage, start, length, holeOffset int64) (bool, error) {
	stored, computed, err := checksum.Verify(img.File, start, length, holeOffset)
	if err != nil {
		return false, nvterr.Wrap(nvterr.KindIO, fmt.Sprintf("%d", start), "verify stored checksum", err)
	}
	if stored == computed {
		return false, nil
	}
	if err := checksum.WriteAt(img.File, start, holeOffset, computed); err != nil {
		return false, nvterr.Wrap(nvterr.KindIO, fmt.Sprintf("%d", start), "rewrite stored checksum", err)
	}
	return true, nil
}

func fixDialectChecksum(img *container.FirmwareImage) error {
	fi, err := img.File.Stat()
	if err != nil {
		return nvterr.Wrap(nvterr.KindIO, img.Path, "stat firmware file", err)
	}
	fileSize := fi.Size()
	img.FileSize = fileSize

	switch img.Dialect {
	case container.DialectHDR2:
		if err := writeU32(img.File, 28, uint32(fileSize)); err != nil {
			return err
		}
		img.TotalSize = fileSize
		img.ChecksumEnd = fileSize
		return fixAndRewrite(img, 0, fileSize, img.ChecksumOffset)

	case container.DialectHDR:
		if len(img.Partitions) <= 1 {
			return nil
		}
		subStart := img.Partitions[0].Start + img.Partitions[0].Size
		tableSize := int64(hdrSubHeaderFixed + (len(img.Partitions)-1)*tableEntrySize)
		img.ChecksumOffset = subStart + 20
		img.ChecksumEnd = subStart + tableSize
		return fixAndRewrite(img, subStart, tableSize, img.ChecksumOffset)

	case container.DialectBootloader:
		return fixAndRewrite(img, 0, fileSize, img.ChecksumOffset)
	}
	return nil
}

func fixAndRewrite(img *container.FirmwareImage, start, length, holeOffset int64) error {
	_, changed, err := fixAndCompareReport(img, start, length, holeOffset)
	if err != nil {
		return err
	}
	if changed {
		logger.Logger().Infof("%s: dialect-level checksum repaired", img.Dialect)
	}
	return nil
}

func fixAndCompareReport(img *container.FirmwareImage, start, length, holeOffset int64) (uint16, bool, error) {
	stored, computed, err := checksum.Verify(img.File, start, length, holeOffset-start)
	if err != nil {
		return 0, false, nvterr.Wrap(nvterr.KindIO, img.Path, "verify dialect checksum", err)
	}
	if stored == computed {
		return computed, false, nil
	}
	if err := checksum.WriteAt(img.File, start, holeOffset-start, computed); err != nil {
		return 0, false, nvterr.Wrap(nvterr.KindIO, img.Path, "rewrite dialect checksum", err)
	}
	return computed, true, nil
}

func writeU32(w interface {
	WriteAt([]byte, int64) (int, error)
}, offset int64, v uint32) error {
	var b [4]byte
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	_, err := w.WriteAt(b[:], offset)
	return err
}
