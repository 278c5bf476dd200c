package classify

import (
	"encoding/binary"
	"testing"
)

type bufReader struct{ b []byte }

func (r bufReader) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(r.b)) {
		return 0, nil
	}
	n := copy(p, r.b[off:])
	return n, nil
}

func TestClassifyDTB(t *testing.T) {
	buf := make([]byte, 64)
	copy(buf, []byte{0xD0, 0x0D, 0xFE, 0xED})
	k, err := Classify(bufReader{buf}, 0, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if k.Tag != TagDTB {
		t.Fatalf("tag = %s, want %s", k.Tag, TagDTB)
	}
}

func TestClassifyBCL1(t *testing.T) {
	buf := make([]byte, 64)
	copy(buf, []byte("BCL1"))
	k, err := Classify(bufReader{buf}, 0, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if k.Tag != TagBCL1 || k.ChecksumOffset != 0x04 || k.ChecksumWidth != 2 {
		t.Fatalf("got %+v", k)
	}
}

func TestClassifyCKSMWrapsInner(t *testing.T) {
	buf := make([]byte, 0x40+64)
	copy(buf, []byte("CKSM"))
	binary.BigEndian.PutUint32(buf[4:8], cksmVersion)
	binary.LittleEndian.PutUint32(buf[cksmDataSizeOff:cksmDataSizeOff+4], 100)
	binary.LittleEndian.PutUint32(buf[cksmPaddingOff:cksmPaddingOff+4], 4)
	copy(buf[cksmDataOffset:], []byte("BCL1"))

	k, err := Classify(bufReader{buf}, 0, 7, nil)
	if err != nil {
		t.Fatal(err)
	}
	if k.Tag != TagCKSM {
		t.Fatalf("tag = %s, want %s", k.Tag, TagCKSM)
	}
	if k.Inner == nil || k.Inner.Tag != TagBCL1 {
		t.Fatalf("inner kind = %+v, want bcl1", k.Inner)
	}
	wantEnd := int64(cksmDataOffset + 100 + 4)
	if k.ChecksumEnd != wantEnd {
		t.Fatalf("checksum end = %d, want %d", k.ChecksumEnd, wantEnd)
	}
	if got := k.String(); got != "cksm <- bcl1" {
		t.Fatalf("String() = %q", got)
	}
	if !k.InnerIsBCL1() {
		t.Fatalf("InnerIsBCL1() = false, want true")
	}
}

func TestClassifyUnknownFallsBackToDTBName(t *testing.T) {
	buf := make([]byte, 0x400)
	names := map[uint32]string{3: "uboot", 4: "atf"}

	k, err := Classify(bufReader{buf}, 0, 3, names)
	if err != nil {
		t.Fatal(err)
	}
	if k.Tag != TagUBoot {
		t.Fatalf("tag = %s, want %s", k.Tag, TagUBoot)
	}

	k, err = Classify(bufReader{buf}, 0, 4, names)
	if err != nil {
		t.Fatal(err)
	}
	if k.Tag != TagATF {
		t.Fatalf("tag = %s, want %s", k.Tag, TagATF)
	}

	k, err = Classify(bufReader{buf}, 0, 99, names)
	if err != nil {
		t.Fatal(err)
	}
	if k.Tag != TagUnknown {
		t.Fatalf("tag = %s, want %s", k.Tag, TagUnknown)
	}
}

func TestUImageARM64Kernel(t *testing.T) {
	buf := make([]byte, 68)
	copy(buf, []byte{0x27, 0x05, 0x19, 0x56})
	buf[29] = 22 // CPU
	buf[30] = 2  // image type

	k, err := Classify(bufReader{buf}, 0, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if k.Tag != TagUImage || k.UImage == nil {
		t.Fatalf("got %+v", k)
	}
	if !k.UImage.IsARM64Kernel() {
		t.Fatalf("expected IsARM64Kernel() == true")
	}
}
