package cluster

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
)

// Device is a physical accelerator visible to the host
type Device struct {
	Index       int    `json:"index" yaml:"index"`
	Name        string `json:"name" yaml:"name"`
	MemoryBytes uint64 `json:"memory_bytes" yaml:"memory_bytes"`
}

// DeviceProbe lists the devices present on the host
type DeviceProbe interface {
	Devices(ctx context.Context) ([]Device, error)
}

// NvidiaSMIProbe queries nvidia-smi
type NvidiaSMIProbe struct {
	Path string // defaults to "nvidia-smi"
}

func (p NvidiaSMIProbe) Devices(ctx context.Context) ([]Device, error) {
	path := p.Path
	if path == "" {
		path = "nvidia-smi"
	}
	out, err := exec.CommandContext(ctx, path,
		"--query-gpu=index,name,memory.total",
		"--format=csv,noheader,nounits",
	).Output()
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi query failed: %w", err)
	}
	return ParseNvidiaSMI(string(out))
}

// ParseNvidiaSMI parses "index, name, memory.total[MiB]" CSV lines.
func ParseNvidiaSMI(out string) ([]Device, error) {
	var devices []Device
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 3 {
			return nil, fmt.Errorf("unexpected nvidia-smi line %q", line)
		}
		idx, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			return nil, fmt.Errorf("bad device index in %q: %w", line, err)
		}
		mib, err := strconv.ParseUint(strings.TrimSpace(fields[len(fields)-1]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad memory size in %q: %w", line, err)
		}
		name := strings.TrimSpace(strings.Join(fields[1:len(fields)-1], ","))
		devices = append(devices, Device{Index: idx, Name: name, MemoryBytes: mib << 20})
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Index < devices[j].Index })
	return devices, nil
}

// StaticProbe reports a fixed device list
type StaticProbe []Device

func (s StaticProbe) Devices(context.Context) ([]Device, error) {
	return append([]Device(nil), s...), nil
}

// FakeDevices returns n identical devices indexed 0..n-1.
func FakeDevices(n int, memoryBytes uint64) StaticProbe {
	devices := make(StaticProbe, n)
	for i := range devices {
		devices[i] = Device{Index: i, Name: "fake", MemoryBytes: memoryBytes}
	}
	return devices
}

// checkDevices verifies every index in r is present.
func checkDevices(r DeviceRange, devices []Device) error {
	present := make(map[int]bool, len(devices))
	for _, d := range devices {
		present[d.Index] = true
	}
	var missing []int
	for _, idx := range r.Indices() {
		if !present[idx] {
			missing = append(missing, idx)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: range %s needs devices %v, host has %d", ErrInsufficientDevices, r, missing, len(devices))
	}
	return nil
}

// FindDevice returns the device with the given index
func FindDevice(devices []Device, index int) (Device, bool) {
	for _, d := range devices {
		if d.Index == index {
			return d, true
		}
	}
	return Device{}, false
}
