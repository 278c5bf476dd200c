// Package dispatch implements the single-operation router: it owns the
// report renderer and ties the container, layout, BCL1 codec, and
// CRC-repair packages together behind the small operation set the command
// line exposes.
package dispatch

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/novatek-fw/nvtfwtool/internal/bcl1"
	"github.com/novatek-fw/nvtfwtool/internal/checksum"
	"github.com/novatek-fw/nvtfwtool/internal/classify"
	"github.com/novatek-fw/nvtfwtool/internal/config"
	"github.com/novatek-fw/nvtfwtool/internal/container"
	"github.com/novatek-fw/nvtfwtool/internal/crcfix"
	"github.com/novatek-fw/nvtfwtool/internal/layout"
	"github.com/novatek-fw/nvtfwtool/internal/nvterr"
	"github.com/novatek-fw/nvtfwtool/internal/utils/logger"
)

// cksmInnerOffset is the fixed offset used to auto-advance into a CKSM
// wrapper's inner partition when the caller gives no offset.
const cksmInnerOffset = 0x40

// PartitionReport is one row of a rendered report.
type PartitionReport struct {
	ID               uint32 `yaml:"id" json:"id"`
	Start            int64  `yaml:"start" json:"start"`
	Size             int64  `yaml:"size" json:"size"`
	Kind             string `yaml:"kind" json:"kind"`
	HasChecksum      bool   `yaml:"has_checksum" json:"has_checksum"`
	StoredChecksum   uint32 `yaml:"stored_checksum,omitempty" json:"stored_checksum,omitempty"`
	ComputedChecksum uint32 `yaml:"computed_checksum,omitempty" json:"computed_checksum,omitempty"`
	ChecksumValid    bool   `yaml:"checksum_valid" json:"checksum_valid"`
}

// Report is the full rendered view of one firmware file.
type Report struct {
	Path              string            `yaml:"path" json:"path"`
	Dialect           string            `yaml:"dialect" json:"dialect"`
	FileSize          int64             `yaml:"file_size" json:"file_size"`
	DialectChecksumOK bool              `yaml:"dialect_checksum_valid" json:"dialect_checksum_valid"`
	Partitions        []PartitionReport `yaml:"partitions" json:"partitions"`
}

// BuildReport classifies and verifies every partition in img without
// mutating the file.
func BuildReport(img *container.FirmwareImage) (Report, error) {
	rep := Report{
		Path:     img.Path,
		Dialect:  string(img.Dialect),
		FileSize: img.FileSize,
	}

	for _, p := range img.Partitions {
		pr := PartitionReport{ID: p.ID, Start: p.Start, Size: p.Size, Kind: p.Kind.String()}
		if err := verifyInto(img, p, &pr); err != nil {
			return Report{}, err
		}
		rep.Partitions = append(rep.Partitions, pr)
	}

	if img.ChecksumOffset >= 0 {
		var start int64
		if img.Dialect == container.DialectHDR && len(img.Partitions) > 1 {
			start = img.Partitions[0].Start + img.Partitions[0].Size
		}
		stored, computed, err := checksum.Verify(img.File, start, img.ChecksumEnd-start, img.ChecksumOffset-start)
		if err == nil {
			rep.DialectChecksumOK = stored == computed
		}
	}

	return rep, nil
}

func verifyInto(img *container.FirmwareImage, p container.Partition, pr *PartitionReport) error {
	k := p.Kind
	if k.Tag == classify.TagBCL1 {
		hdr, err := bcl1.ParseHeader(img.File, p.Start)
		if err != nil {
			return nil
		}
		_, computed, err := checksum.Verify(img.File, p.Start, bcl1.HeaderSize+int64(hdr.PackedSize), 4)
		if err != nil {
			return nil
		}
		pr.HasChecksum = true
		pr.StoredChecksum = uint32(hdr.Checksum)
		pr.ComputedChecksum = uint32(computed)
		pr.ChecksumValid = hdr.Checksum == computed
		return nil
	}

	if k.ChecksumOffset < 0 {
		return nil
	}

	end := k.ChecksumEnd
	if end == 0 {
		end = p.Size
	}
	stored, computed, err := checksum.Verify(img.File, p.Start, end, k.ChecksumOffset)
	if err != nil {
		return nil
	}
	pr.HasChecksum = true
	pr.StoredChecksum = uint32(stored)
	pr.ComputedChecksum = uint32(computed)
	pr.ChecksumValid = stored == computed
	return nil
}

// Render formats rep as "text", "json", or "yaml".
func (r Report) Render(format string) (string, error) {
	switch format {
	case "yaml":
		b, err := yaml.Marshal(r)
		return string(b), err
	case "json":
		b, err := json.MarshalIndent(r, "", "  ")
		return string(b), err
	case "text", "":
		out := fmt.Sprintf("%s (%s, %s)\n", r.Path, r.Dialect, humanize.Bytes(uint64(r.FileSize)))
		out += fmt.Sprintf("  dialect checksum: %s\n", validTag(r.DialectChecksumOK))
		for _, p := range r.Partitions {
			status := "-"
			if p.HasChecksum {
				status = validTag(p.ChecksumValid)
			}
			out += fmt.Sprintf("  [%d] %-12s start=%-10d size=%-10s checksum=%s\n",
				p.ID, p.Kind, p.Start, humanize.Bytes(uint64(p.Size)), status)
		}
		return out, nil
	default:
		return "", nvterr.New(nvterr.KindArgument, format, "unknown report format")
	}
}

func validTag(ok bool) string {
	if ok {
		return "OK"
	}
	return "MISMATCH"
}

// Extract runs the C5 Extract(id, offset_within) operation, or every
// partition in turn when id is ALL (offsetWithin is then always 0).
func Extract(img *container.FirmwareImage, id uint32, all bool, offsetWithin int64, outDir string) error {
	resolved, err := config.OutputDir(outDir, img.Path)
	if err != nil {
		return err
	}

	if !all {
		outPath := config.ExtractedPath(resolved, img.Path, id)
		return layout.Extract(img, id, offsetWithin, outPath)
	}

	for _, p := range img.Partitions {
		outPath := config.ExtractedPath(resolved, img.Path, p.ID)
		if err := layout.Extract(img, p.ID, 0, outPath); err != nil {
			return err
		}
	}
	return nil
}

// Replace runs the C5 Replace(id, offset_within, new_bytes) operation,
// reading new_bytes from path.
func Replace(img *container.FirmwareImage, id uint32, offsetWithin int64, path string) error {
	newBytes, err := os.ReadFile(path)
	if err != nil {
		return nvterr.Wrap(nvterr.KindIO, path, "read replacement file", err)
	}
	return layout.Replace(img, id, offsetWithin, newBytes)
}

// Uncompress decompresses partition id's BCL1 block to
// <input>-uncomp_partitionID<id>. If hasOffset is false and the partition
// is a CKSM wrapper, the inner BCL1 offset 0x40 is selected automatically.
func Uncompress(img *container.FirmwareImage, id uint32, offsetWithin int64, hasOffset bool, outDir string) error {
	p, ok := img.Partition(id)
	if !ok {
		return nvterr.New(nvterr.KindArgument, fmt.Sprintf("id %d", id), "no matching partition")
	}

	if !hasOffset {
		if p.Kind.Tag == classify.TagCKSM {
			offsetWithin = cksmInnerOffset
		} else {
			offsetWithin = 0
		}
	}

	raw, _, err := bcl1.Decompress(img.File, p.Start+offsetWithin)
	if err != nil {
		return err
	}

	resolved, err := config.OutputDir(outDir, img.Path)
	if err != nil {
		return err
	}
	outPath := config.UncompressedPath(resolved, img.Path, id)
	if err := os.WriteFile(outPath, raw, 0o644); err != nil {
		return nvterr.Wrap(nvterr.KindIO, outPath, "write uncompressed output", err)
	}
	logger.Logger().Infof("wrote %s (%s)", outPath, humanize.Bytes(uint64(len(raw))))
	return nil
}

// Compress reads back <input>-uncomp_partitionID<id>, recompresses it with
// the algorithm its existing BCL1 block already used, replaces the block
// in place, and repairs its checksum.
func Compress(img *container.FirmwareImage, id uint32, outDir string) error {
	p, ok := img.Partition(id)
	if !ok {
		return nvterr.New(nvterr.KindArgument, fmt.Sprintf("id %d", id), "no matching partition")
	}

	offsetWithin := int64(0)
	if p.Kind.Tag == classify.TagCKSM {
		offsetWithin = cksmInnerOffset
	}

	oldHdr, err := bcl1.ParseHeader(img.File, p.Start+offsetWithin)
	if err != nil {
		return err
	}

	resolved, err := config.OutputDir(outDir, img.Path)
	if err != nil {
		return err
	}
	inPath := config.UncompressedPath(resolved, img.Path, id)
	raw, err := os.ReadFile(inPath)
	if err != nil {
		return nvterr.Wrap(nvterr.KindIO, inPath, "read recompress input", err)
	}

	if _, err := bcl1.FixEmbeddedCRC(raw); err != nil {
		return err
	}

	// An LZMA block's payload opens with its alone-format header: one
	// properties byte, then the little-endian dictionary size.
	var dictSize uint32
	if oldHdr.Algorithm == bcl1.AlgoLZMA {
		var b [4]byte
		if _, err := img.File.ReadAt(b[:], p.Start+offsetWithin+bcl1.HeaderSize+1); err != nil {
			return nvterr.Wrap(nvterr.KindIO, img.Path, "read LZMA dictionary size", err)
		}
		dictSize = binary.LittleEndian.Uint32(b[:])
	}

	pad4 := img.Dialect != container.DialectBootloader || p.ID != 0
	block, err := bcl1.Compress(raw, bcl1.CompressOptions{
		Algorithm:             oldHdr.Algorithm,
		Pad4:                  pad4,
		LZMADictSize:          dictSize,
		PriorUncompressedSize: oldHdr.UncompressedSize,
	})
	if err != nil {
		return err
	}

	if err := layout.Replace(img, id, offsetWithin, block); err != nil {
		return err
	}

	p, _ = img.Partition(id)
	newHdr, err := bcl1.ParseHeader(img.File, p.Start+offsetWithin)
	if err != nil {
		return err
	}
	if img.Dialect != container.DialectBootloader {
		if err := bcl1.FixChecksum(img.File, p.Start+offsetWithin, newHdr.PackedSize); err != nil {
			return err
		}
	}
	return crcfix.FixAll(img)
}

// FixCRC runs C6 over the whole file.
func FixCRC(img *container.FirmwareImage) error {
	return crcfix.FixAll(img)
}
