package version

import (
	"strings"
	"testing"
)

func TestGetInfo(t *testing.T) {
	info := GetInfo()
	if !strings.HasPrefix(info, Version+" ") {
		t.Fatalf("expected version prefix, got %q", info)
	}
	if !strings.Contains(info, "commit "+Commit) {
		t.Fatalf("expected commit in %q", info)
	}
}
