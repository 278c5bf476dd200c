// Package config resolves where this invocation's output files live.
package config

import (
	"os"
	"path/filepath"
	"strconv"
)

// OutputDir returns the directory output files (extracted partitions,
// uncompressed partitions, decomposed MODELEXT sub-records) are written
// to. If dir is empty, it defaults to the input firmware file's directory.
func OutputDir(dir, inputPath string) (string, error) {
	if dir == "" {
		dir = filepath.Dir(inputPath)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// UncompressedPath builds the conventional <input>-uncomp_partitionID<id>
// output path for the -u operation.
func UncompressedPath(dir, inputPath string, id uint32) string {
	base := filepath.Base(inputPath)
	return filepath.Join(dir, base+"-uncomp_partitionID"+strconv.FormatUint(uint64(id), 10))
}

// ExtractedPath builds the conventional <input>-extract_partitionID<id>
// output path for the -x operation, matching UncompressedPath's naming
// scheme; -u's output naming is the documented convention, -x's is
// unnamed, so we mirror it here for consistency.
func ExtractedPath(dir, inputPath string, id uint32) string {
	base := filepath.Base(inputPath)
	return filepath.Join(dir, base+"-extract_partitionID"+strconv.FormatUint(uint64(id), 10))
}
