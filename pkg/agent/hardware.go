package agent

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/graphcompute/mgcluster/pkg/models"
)

// DetectHost describes the machine the worker runs on
func DetectHost() models.HostInfo {
	info := models.HostInfo{CPUThreads: runtime.NumCPU()}
	if name, err := os.Hostname(); err == nil {
		info.Hostname = name
	}
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		info.CPUThreads = n
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		info.RAMTotalBytes = vmem.Total
	}
	return info
}

// DetectGPUName asks nvidia-smi for the name of device index. It returns ""
// when no NVIDIA driver is available.
func DetectGPUName(ctx context.Context, index int) string {
	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"-i", strconv.Itoa(index),
		"--query-gpu=name",
		"--format=csv,noheader",
	).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
