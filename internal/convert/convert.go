// Package convert delegates device-tree (de)compilation and filesystem
// image conversion to external tools, and natively (de)composes MODELEXT
// partitions.
package convert

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/novatek-fw/nvtfwtool/internal/nvterr"
	"github.com/novatek-fw/nvtfwtool/internal/utils/shell"
)

// DecompileDTB invokes dtc to turn a binary device tree blob into its
// source form.
func DecompileDTB(dtbPath, dtsPath string) error {
	if !shell.IsAvailable("dtc") {
		return nvterr.New(nvterr.KindExternal, "dtc", "converter not found on PATH")
	}
	if err := shell.Run("dtc", "-I", "dtb", "-O", "dts", "-o", dtsPath, dtbPath); err != nil {
		return nvterr.Wrap(nvterr.KindExternal, "dtc", "decompile device tree", err)
	}
	return nil
}

// CompileDTB invokes dtc to turn device-tree source back into a blob.
func CompileDTB(dtsPath, dtbPath string) error {
	if !shell.IsAvailable("dtc") {
		return nvterr.New(nvterr.KindExternal, "dtc", "converter not found on PATH")
	}
	if err := shell.Run("dtc", "-I", "dts", "-O", "dtb", "-o", dtbPath, dtsPath); err != nil {
		return nvterr.Wrap(nvterr.KindExternal, "dtc", "compile device tree", err)
	}
	return nil
}

// SparseToRaw invokes simg2img to expand an Android sparse ext4 image.
func SparseToRaw(sparsePath, rawPath string) error {
	if !shell.IsAvailable("simg2img") {
		return nvterr.New(nvterr.KindExternal, "simg2img", "converter not found on PATH")
	}
	if err := shell.Run("simg2img", sparsePath, rawPath); err != nil {
		return nvterr.Wrap(nvterr.KindExternal, "simg2img", "expand sparse image", err)
	}
	return nil
}

// RawToSparse invokes img2simg to re-sparsify a raw ext4 image.
func RawToSparse(rawPath, sparsePath string) error {
	if !shell.IsAvailable("img2simg") {
		return nvterr.New(nvterr.KindExternal, "img2simg", "converter not found on PATH")
	}
	if err := shell.Run("img2simg", rawPath, sparsePath); err != nil {
		return nvterr.Wrap(nvterr.KindExternal, "img2simg", "sparsify raw image", err)
	}
	return nil
}

// ExtractUBI invokes ubireader_extract_images against a UBI partition image.
func ExtractUBI(ubiPath, outDir string) error {
	if !shell.IsAvailable("ubireader_extract_images") {
		return nvterr.New(nvterr.KindExternal, "ubireader_extract_images", "converter not found on PATH")
	}
	if err := shell.Run("ubireader_extract_images", "-o", outDir, ubiPath); err != nil {
		return nvterr.Wrap(nvterr.KindExternal, "ubireader_extract_images", "extract UBI image", err)
	}
	return nil
}

// BuildUBIFS invokes mkfs.ubifs to repack a directory tree into a UBIFS image.
func BuildUBIFS(rootDir, configPath, outPath string) error {
	if !shell.IsAvailable("mkfs.ubifs") {
		return nvterr.New(nvterr.KindExternal, "mkfs.ubifs", "converter not found on PATH")
	}
	if err := shell.Run("mkfs.ubifs", "-r", rootDir, "-c", configPath, "-o", outPath); err != nil {
		return nvterr.Wrap(nvterr.KindExternal, "mkfs.ubifs", "build UBIFS image", err)
	}
	return nil
}

// recordHeaderSize is the (size, type, number, version) prefix on every
// MODELEXT sub-record.
const recordHeaderSize = 16

// totalSizeFieldOffset is where Compose writes the recomposed blob's total
// size.
const totalSizeFieldOffset = 0x30

var recordSuffixes = map[uint32]string{
	1: "_INFO",
	2: "_BIN_INFO",
	3: "_PINMUX_CFG",
	4: "_INTDIR_CFG",
	5: "_EMB_PARTITION",
	6: "_GPIO_INFO",
	7: "_DRAM_PARTITION",
	8: "_MODEL_CFG",
}

// DecomposeModelExt splits a MODELEXT partition's sub-records into one file
// per record, named "<outDir>/<index>_<number><suffix>.bin", where index is
// two digits, number is the record's number field, and suffix is the
// type's fixed suffix (such as "_INFO") or "_TYPE<type>" for other types.
func DecomposeModelExt(raw []byte, outDir string) ([]string, error) {
	var paths []string
	pos := 0
	for i := 0; pos+recordHeaderSize <= len(raw); i++ {
		hdr := raw[pos : pos+recordHeaderSize]
		size := binary.LittleEndian.Uint32(hdr[0:4])
		typ := binary.LittleEndian.Uint32(hdr[4:8])
		number := binary.LittleEndian.Uint32(hdr[8:12])

		if size < recordHeaderSize || pos+int(size) > len(raw) {
			break
		}

		suffix := recordSuffixes[typ]
		if suffix == "" {
			suffix = fmt.Sprintf("_TYPE%d", typ)
		}
		name := fmt.Sprintf("%s/%02d_%d%s.bin", outDir, i, number, suffix)

		if err := os.WriteFile(name, raw[pos:pos+int(size)], 0o644); err != nil {
			return nil, nvterr.Wrap(nvterr.KindIO, name, "write MODELEXT sub-record", err)
		}
		paths = append(paths, name)
		pos += int(size)
	}
	return paths, nil
}

// ComposeModelExt reads sub-record files back in order (each already
// carrying its own (size, type, number, version) header, written verbatim),
// pads the result to a 4-byte boundary, and stamps the total size at 0x30.
func ComposeModelExt(paths []string) ([]byte, error) {
	var out []byte
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, nvterr.Wrap(nvterr.KindIO, p, "read MODELEXT sub-record", err)
		}
		out = append(out, b...)
	}

	for len(out)%4 != 0 {
		out = append(out, 0)
	}

	if len(out) < totalSizeFieldOffset+4 {
		return nil, nvterr.New(nvterr.KindFormat, "modelext", "recomposed blob too small to carry the total-size field")
	}
	binary.LittleEndian.PutUint32(out[totalSizeFieldOffset:totalSizeFieldOffset+4], uint32(len(out)))
	return out, nil
}
