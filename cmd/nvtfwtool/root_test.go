package main

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func buildFixture(t *testing.T) string {
	t.Helper()

	const headerSize = 64
	const totalSize = 2048
	buf := make([]byte, totalSize)

	guid := []byte{0x07, 0x2E, 0x01, 0xD6, 0xBC, 0x10, 0x91, 0x4F, 0xB2, 0x8A, 0x35, 0x2F, 0x82, 0x26, 0x1A, 0x50}
	copy(buf[0:16], guid)
	binary.LittleEndian.PutUint32(buf[16:20], 0x16071515)
	binary.LittleEndian.PutUint32(buf[20:24], headerSize)
	binary.LittleEndian.PutUint32(buf[24:28], 1)
	binary.LittleEndian.PutUint32(buf[28:32], totalSize)

	binary.LittleEndian.PutUint32(buf[headerSize:headerSize+4], 512)
	binary.LittleEndian.PutUint32(buf[headerSize+4:headerSize+8], 256)
	binary.LittleEndian.PutUint32(buf[headerSize+8:headerSize+12], 0)
	copy(buf[512:516], []byte{0xD0, 0x0D, 0xFE, 0xED})

	dir := t.TempDir()
	path := filepath.Join(dir, "fw.bin")
	if err := os.WriteFile(path, buf, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func resetFlags() {
	inputPath, outDir, format = "", "", "text"
	silent = false
	doExtract, doReplace, doUncomp, doComp, doFixCRC, doUdtb, doCdtb = false, false, false, false, false, false, false
	doModelextDecompose, doModelextCompose = false, false
}

func TestRootReportsTextByDefault(t *testing.T) {
	resetFlags()
	path := buildFixture(t)

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"-i", path})

	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "hdr2") {
		t.Fatalf("report output missing dialect: %s", out.String())
	}
}

func TestRootRejectsMultipleOperations(t *testing.T) {
	resetFlags()
	path := buildFixture(t)

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"-i", path, "-x", "-c"})

	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected an error when selecting two operations at once")
	}
}

func buildModelExtRecord(size, typ, number uint32, payload []byte) []byte {
	rec := make([]byte, size)
	binary.LittleEndian.PutUint32(rec[0:4], size)
	binary.LittleEndian.PutUint32(rec[4:8], typ)
	binary.LittleEndian.PutUint32(rec[8:12], number)
	copy(rec[16:], payload)
	return rec
}

func TestModelextDecomposeComposeRoundTrip(t *testing.T) {
	resetFlags()

	raw := append([]byte{}, buildModelExtRecord(20, 1, 0, []byte("abcd"))...)
	raw = append(raw, buildModelExtRecord(24, 6, 1, []byte("gpio-data"))...)
	for len(raw) < 0x30+4+4 {
		raw = append(raw, buildModelExtRecord(20, 99, 2, []byte("pad0"))...)
	}

	dir := t.TempDir()
	inPath := filepath.Join(dir, "model.bin")
	if err := os.WriteFile(inPath, raw, 0644); err != nil {
		t.Fatal(err)
	}
	outDirArg := filepath.Join(dir, "records")

	decomposeCmd := newRootCmd()
	var decomposeOut bytes.Buffer
	decomposeCmd.SetOut(&decomposeOut)
	decomposeCmd.SetArgs([]string{"-i", inPath, "-modelext-decompose", inPath, outDirArg})
	if err := decomposeCmd.Execute(); err != nil {
		t.Fatal(err)
	}

	var recordPaths []string
	for _, line := range strings.Split(strings.TrimSpace(decomposeOut.String()), "\n") {
		if line != "" {
			recordPaths = append(recordPaths, line)
		}
	}
	if len(recordPaths) == 0 {
		t.Fatal("expected at least one decomposed record path on stdout")
	}

	resetFlags()
	composedPath := filepath.Join(dir, "recomposed.bin")
	composeArgs := append([]string{"-i", inPath, "-modelext-compose", composedPath}, recordPaths...)

	composeCmd := newRootCmd()
	composeCmd.SetOut(&bytes.Buffer{})
	composeCmd.SetArgs(composeArgs)
	if err := composeCmd.Execute(); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(composedPath); err != nil {
		t.Fatalf("expected composed blob at %s: %v", composedPath, err)
	}
}

func TestParseIDAndOffset(t *testing.T) {
	id, err := parseID("3")
	if err != nil || id != 3 {
		t.Fatalf("parseID(3) = %d, %v", id, err)
	}
	if _, err := parseID("not-a-number"); err == nil {
		t.Fatalf("expected an error for a non-numeric id")
	}

	off, err := parseOffset("0x10")
	if err != nil || off != 16 {
		t.Fatalf("parseOffset(0x10) = %d, %v", off, err)
	}
}
