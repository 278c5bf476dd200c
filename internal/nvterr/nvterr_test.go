package nvterr

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorFormatsWithAndWithoutCause(t *testing.T) {
	plain := New(KindFormat, "0x40", "bad magic")
	if !strings.Contains(plain.Error(), "format error at 0x40: bad magic") {
		t.Fatalf("unexpected message: %s", plain.Error())
	}

	cause := errors.New("read failed")
	wrapped := Wrap(KindIO, "/tmp/fw.bin", "open file", cause)
	if !strings.Contains(wrapped.Error(), "read failed") {
		t.Fatalf("wrapped message missing cause: %s", wrapped.Error())
	}
	if !errors.Is(wrapped, cause) {
		t.Fatal("Unwrap should expose the wrapped cause to errors.Is")
	}
}
