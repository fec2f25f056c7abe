package sysinfo

import (
	"runtime"
	"testing"
)

func TestCollect(t *testing.T) {
	h := Collect(t.TempDir())

	// Hostname should always be available
	if h.Hostname == "" {
		t.Error("Hostname is empty")
	}
	if h.Arch != runtime.GOARCH {
		t.Errorf("Arch: got %s, want %s", h.Arch, runtime.GOARCH)
	}
	if h.CPUCores < 1 {
		t.Errorf("CPUCores: got %d, want >= 1", h.CPUCores)
	}
	if h.MemoryUsedPct < 0 || h.MemoryUsedPct > 100 {
		t.Errorf("MemoryUsedPct out of range: %v", h.MemoryUsedPct)
	}

	t.Logf("Collected: host=%s platform=%s uptime=%s free=%.2fG", h.Hostname, h.Platform, h.Uptime, h.DataDiskFreeG)
}

func TestCollect_NoDataDir(t *testing.T) {
	h := Collect("")
	if h.DataDiskFreeG != 0 {
		t.Errorf("DataDiskFreeG: got %v, want 0 without a data dir", h.DataDiskFreeG)
	}
}

func TestParsePrettyName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"NAME=Debian\nPRETTY_NAME=\"Debian GNU/Linux 12 (bookworm)\"\nID=debian\n", "Debian GNU/Linux 12 (bookworm)"},
		{"PRETTY_NAME=Raspbian\n", "Raspbian"},
		{"NAME=Alpine\n", ""},
	}
	for _, tt := range tests {
		if got := parsePrettyName(tt.in); got != tt.want {
			t.Errorf("parsePrettyName(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}
