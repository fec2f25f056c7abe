// Package sysinfo reports health of the machine driving the radio.
package sysinfo

import (
	"math"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Host is a point-in-time view of the station computer.
type Host struct {
	Hostname      string        `json:"hostname" yaml:"hostname"`
	Platform      string        `json:"platform" yaml:"platform"`
	Kernel        string        `json:"kernel" yaml:"kernel"`
	Arch          string        `json:"arch" yaml:"arch"`
	CPUCores      int           `json:"cpu_cores" yaml:"cpu_cores"`
	Uptime        time.Duration `json:"uptime" yaml:"uptime"`
	MemoryUsedPct float64       `json:"memory_used_pct" yaml:"memory_used_pct"`
	Load1         float64       `json:"load1" yaml:"load1"`
	Load5         float64       `json:"load5" yaml:"load5"`
	Load15        float64       `json:"load15" yaml:"load15"`
	DataDiskFreeG float64       `json:"data_disk_free_gb" yaml:"data_disk_free_gb"`
}

// Collect gathers host health. dataDir, when set, is the directory holding
// the peer database and gets a free-space figure. Individual probe failures
// leave their fields zero.
func Collect(dataDir string) Host {
	h := Host{
		Arch:     runtime.GOARCH,
		CPUCores: runtime.NumCPU(),
	}
	h.Hostname, _ = os.Hostname()

	if info, err := host.Info(); err == nil {
		h.Platform = info.Platform
		if info.PlatformVersion != "" {
			h.Platform += " " + info.PlatformVersion
		}
		h.Kernel = info.KernelVersion
		h.Uptime = time.Duration(info.Uptime) * time.Second
	} else {
		h.Platform = runtime.GOOS
	}
	if runtime.GOOS == "linux" {
		if pretty := readOSReleasePrettyName(); pretty != "" {
			h.Platform = pretty
		}
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		h.MemoryUsedPct = round2(vm.UsedPercent)
	}

	if avg, err := load.Avg(); err == nil {
		h.Load1, h.Load5, h.Load15 = avg.Load1, avg.Load5, avg.Load15
	}

	if dataDir != "" {
		if usage, err := disk.Usage(dataDir); err == nil {
			h.DataDiskFreeG = round2(float64(usage.Free) / (1024 * 1024 * 1024))
		}
	}

	return h
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// readOSReleasePrettyName parses /etc/os-release for the PRETTY_NAME field.
func readOSReleasePrettyName() string {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return ""
	}
	return parsePrettyName(string(data))
}

func parsePrettyName(osRelease string) string {
	for _, line := range strings.Split(osRelease, "\n") {
		if val, ok := strings.CutPrefix(line, "PRETTY_NAME="); ok {
			return strings.Trim(val, "\"")
		}
	}
	return ""
}
