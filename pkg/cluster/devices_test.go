package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNvidiaSMI(t *testing.T) {
	out := "1, NVIDIA A100-SXM4-80GB, 81920\n0, NVIDIA A100-SXM4-80GB, 81920\n\n"
	devices, err := ParseNvidiaSMI(out)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, 0, devices[0].Index)
	assert.Equal(t, "NVIDIA A100-SXM4-80GB", devices[0].Name)
	assert.Equal(t, uint64(81920)<<20, devices[1].MemoryBytes)
}

func TestParseNvidiaSMIRejectsGarbage(t *testing.T) {
	_, err := ParseNvidiaSMI("No devices were found")
	assert.Error(t, err)
}

func TestCheckDevices(t *testing.T) {
	devices := FakeDevices(3, 1<<30)
	assert.NoError(t, checkDevices(DeviceRange{Base: 1, Width: 2}, devices))

	err := checkDevices(DeviceRange{Base: 1, Width: 4}, devices)
	assert.ErrorIs(t, err, ErrInsufficientDevices)
	assert.Contains(t, err.Error(), "[3 4]")
}
