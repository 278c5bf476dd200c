// Package classify identifies a partition's kind from the first bytes at
// its start offset, as a closed sum type over the recognized partition
// kinds.
package classify

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-restruct/restruct"
)

// Tag names one of the ten recognized partition kinds.
type Tag string

const (
	TagDTB       Tag = "dtb"
	TagUImage    Tag = "uimage"
	TagSparse    Tag = "sparse-ext4"
	TagBCL1      Tag = "bcl1"
	TagUBI       Tag = "ubi"
	TagCKSM      Tag = "cksm"
	TagModelExt  Tag = "modelext"
	TagUBoot     Tag = "uboot"
	TagATF       Tag = "atf"
	TagUnknown   Tag = "unknown"
)

// UImageMeta decodes a legacy U-Boot image header's fields of interest.
type UImageMeta struct {
	OS          byte
	CPU         byte
	ImageType   byte
	Compression byte
	Timestamp   uint32
	Size        uint32
	// MultiFileLengths holds the big-endian length table following the
	// header when ImageType == 4 (multi-file), terminated by a zero.
	MultiFileLengths []uint32
}

// IsARM64Kernel reports whether this image is classified as an
// ARM64 OS kernel (CPU 22, image type 2), which influences UBI
// recompression.
func (m UImageMeta) IsARM64Kernel() bool {
	return m.CPU == 22 && m.ImageType == 2
}

// Kind is the classified variant for one partition. CKSM holds its inner
// kind through the Inner pointer, since Go has no recursive value types.
type Kind struct {
	Tag Tag

	// ChecksumOffset is the byte offset (relative to the partition start)
	// of the kind's stored checksum field, or -1 if the kind carries none.
	ChecksumOffset int64
	// ChecksumWidth is 2 or 4 bytes.
	ChecksumWidth int
	// ChecksumEnd is the end of the range (relative to partition start)
	// the stored checksum covers; 0 means "the whole partition size".
	ChecksumEnd int64

	UImage   *UImageMeta
	UBIName  string
	Inner    *Kind
	Name     string // advisory DTB name, for uboot/atf disambiguation
}

const (
	cksmHeaderSize   = 64
	cksmDataOffset   = 0x40
	cksmDataSizeOff  = 0x14
	cksmPaddingOff   = 0x18
	cksmChecksumOff  = 0x0C

	modelExtHeaderSize = 24
	modelExtChecksumOff = 0x36

	ubootChecksumOff = 0x36E
)

var (
	magicDTB      = [4]byte{0xD0, 0x0D, 0xFE, 0xED}
	magicUImage   = [4]byte{0x27, 0x05, 0x19, 0x56}
	magicSparse   = uint32(0x3AFF26ED) // little-endian on disk
	magicBCL1     = [4]byte{'B', 'C', 'L', '1'}
	magicUBI      = [4]byte{'U', 'B', 'I', '#'}
	magicCKSM     = [4]byte{'C', 'K', 'S', 'M'}
	cksmVersion   = uint32(0x19070416)
	modelExtMagic = []byte("MODELEXT")
	modelExtVers  = uint32(0x16072219)
)

// Classify reads the first bytes of the partition starting at start and
// returns its Kind. dtbNames resolves the advisory name table for the
// "otherwise, but DTB name == ..." fallback rules; it may be
// nil if partition 0 carried no name table.
func Classify(r io.ReaderAt, start int64, partitionID uint32, dtbNames map[uint32]string) (Kind, error) {
	var prefix [cksmHeaderSize]byte
	n, err := r.ReadAt(prefix[:], start)
	if err != nil && err != io.EOF {
		return Kind{}, fmt.Errorf("classify: read prefix at %d: %w", start, err)
	}
	buf := prefix[:n]

	switch {
	case has4(buf, magicDTB[:]):
		return Kind{Tag: TagDTB, ChecksumOffset: -1}, nil

	case has4(buf, magicUImage[:]):
		meta, err := decodeUImage(r, start)
		if err != nil {
			return Kind{}, err
		}
		return Kind{Tag: TagUImage, ChecksumOffset: -1, UImage: &meta}, nil

	case len(buf) >= 4 && binary.LittleEndian.Uint32(buf[0:4]) == magicSparse:
		return Kind{Tag: TagSparse, ChecksumOffset: -1}, nil

	case has4(buf, magicBCL1[:]):
		return Kind{Tag: TagBCL1, ChecksumOffset: 0x04, ChecksumWidth: 2}, nil

	case has4(buf, magicUBI[:]):
		return Kind{Tag: TagUBI, ChecksumOffset: -1, UBIName: dtbNames[partitionID]}, nil

	case has4(buf, magicCKSM[:]) && len(buf) >= 8 && binary.BigEndian.Uint32(buf[4:8]) == cksmVersion:
		return classifyCKSM(r, start, partitionID, dtbNames)

	case isModelExt(buf):
		return Kind{Tag: TagModelExt, ChecksumOffset: modelExtChecksumOff, ChecksumWidth: 2}, nil

	default:
		name := dtbNames[partitionID]
		switch name {
		case "uboot":
			return Kind{Tag: TagUBoot, ChecksumOffset: ubootChecksumOff, ChecksumWidth: 2, Name: name}, nil
		case "atf":
			return Kind{Tag: TagATF, ChecksumOffset: -1, Name: name}, nil
		default:
			return Kind{Tag: TagUnknown, ChecksumOffset: -1}, nil
		}
	}
}

func has4(buf, magic []byte) bool {
	return len(buf) >= 4 && buf[0] == magic[0] && buf[1] == magic[1] && buf[2] == magic[2] && buf[3] == magic[3]
}

// modelExtHeader is the fixed-layout region at the front of a MODELEXT
// partition: a type tag, a version stamp, four bytes of padding, then the
// "MODELEXT" signature itself.
type modelExtHeader struct {
	Type     uint32
	Version  uint32
	Reserved [4]byte
	Magic    [8]byte
}

func isModelExt(buf []byte) bool {
	if len(buf) < modelExtHeaderSize {
		return false
	}
	var h modelExtHeader
	if err := restruct.Unpack(buf[:20], binary.LittleEndian, &h); err != nil {
		return false
	}
	if h.Type != 1 || h.Version != modelExtVers {
		return false
	}
	return string(h.Magic[:]) == string(modelExtMagic)
}

// uImageHeader is the legacy U-Boot image header's full fixed region:
// magic, CRCs, timestamp, payload size, load/entry addresses, the
// OS/arch/type/compression tag bytes, and the image name field. Every
// multi-byte field is big-endian.
type uImageHeader struct {
	Magic       uint32
	HeaderCRC   uint32
	Time        uint32
	Size        uint32
	LoadAddr    uint32
	EntryAddr   uint32
	DataCRC     uint32
	OS          uint8
	Arch        uint8
	ImageType   uint8
	Compression uint8
	Name        [32]byte
}

func decodeUImage(r io.ReaderAt, start int64) (UImageMeta, error) {
	var raw [68]byte
	if _, err := r.ReadAt(raw[:], start); err != nil && err != io.EOF {
		return UImageMeta{}, fmt.Errorf("classify: read uImage header at %d: %w", start, err)
	}

	var h uImageHeader
	if err := restruct.Unpack(raw[:64], binary.BigEndian, &h); err != nil {
		return UImageMeta{}, fmt.Errorf("classify: decode uImage header at %d: %w", start, err)
	}

	m := UImageMeta{
		Timestamp:   h.Time,
		Size:        h.Size,
		OS:          h.OS,
		CPU:         h.Arch,
		ImageType:   h.ImageType,
		Compression: h.Compression,
	}

	if m.ImageType == 4 {
		var lenBuf [256]byte
		if _, err := r.ReadAt(lenBuf[:], start+64); err != nil && err != io.EOF {
			return m, fmt.Errorf("classify: read uImage multi-file table at %d: %w", start+64, err)
		}
		for i := 0; i+4 <= len(lenBuf); i += 4 {
			v := binary.BigEndian.Uint32(lenBuf[i : i+4])
			if v == 0 {
				break
			}
			m.MultiFileLengths = append(m.MultiFileLengths, v)
		}
	}

	return m, nil
}

// cksmSizes is the contiguous dataSize/paddingSize pair in a CKSM header,
// both little-endian.
type cksmSizes struct {
	DataSize    uint32
	PaddingSize uint32
}

func classifyCKSM(r io.ReaderAt, start int64, partitionID uint32, dtbNames map[uint32]string) (Kind, error) {
	var hdr [cksmHeaderSize]byte
	if _, err := r.ReadAt(hdr[:], start); err != nil && err != io.EOF {
		return Kind{}, fmt.Errorf("classify: read CKSM header at %d: %w", start, err)
	}

	var sizes cksmSizes
	if err := restruct.Unpack(hdr[cksmDataSizeOff:cksmPaddingOff+4], binary.LittleEndian, &sizes); err != nil {
		return Kind{}, fmt.Errorf("classify: decode CKSM size fields at %d: %w", start, err)
	}

	inner, err := Classify(r, start+cksmDataOffset, partitionID, dtbNames)
	if err != nil {
		return Kind{}, err
	}

	return Kind{
		Tag:            TagCKSM,
		ChecksumOffset: cksmChecksumOff,
		ChecksumWidth:  4,
		ChecksumEnd:    int64(cksmDataOffset) + int64(sizes.DataSize) + int64(sizes.PaddingSize),
		Inner:          &inner,
	}, nil
}

// String returns a short human label for kind, walking through CKSM
// wrappers ("cksm <- bcl1").
func (k Kind) String() string {
	if k.Tag == TagCKSM && k.Inner != nil {
		return string(TagCKSM) + " <- " + k.Inner.String()
	}
	return string(k.Tag)
}

// InnerIsBCL1 reports whether k is a CKSM wrapper whose directly wrapped
// inner kind is a BCL1 block.
func (k Kind) InnerIsBCL1() bool {
	return k.Tag == TagCKSM && k.Inner != nil && k.Inner.Tag == TagBCL1
}
