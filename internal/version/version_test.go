package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestGet(t *testing.T) {
	v := Get()
	if v == "" {
		t.Fatal("Get() returned empty version")
	}
	if strings.ContainsAny(v, " \n") {
		t.Errorf("Get() = %q, want no whitespace", v)
	}
}

func TestFull(t *testing.T) {
	full := Full()
	if !strings.HasPrefix(full, Get()) {
		t.Errorf("Full() = %q, want prefix %q", full, Get())
	}
	if !strings.HasSuffix(full, runtime.GOOS+"/"+runtime.GOARCH) {
		t.Errorf("Full() = %q, want platform suffix", full)
	}
}
