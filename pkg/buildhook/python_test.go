package buildhook

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingBackend echoes its config settings back as requirements.
const recordingBackend = `
def get_requires_for_build_wheel(config_settings=None):
    if config_settings is None:
        return ["settings=none"]
    return sorted(k + "=" + v for k, v in config_settings.items())

def get_requires_for_build_sdist(config_settings=None):
    return []

def get_requires_for_build_editable(config_settings=None):
    return None

def build_wheel(wheel_directory, config_settings=None, metadata_directory=None):
    return "pkg-1.0-py3-none-any.whl" if metadata_directory is None else "pkg-1.0-meta.whl"
`

func pythonProject(t *testing.T) *PythonBackend {
	t.Helper()
	interpreter, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not available")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "recording_backend.py"), []byte(recordingBackend), 0o644))
	return &PythonBackend{Interpreter: interpreter, Module: "recording_backend", Dir: dir}
}

func TestPythonBackendRunsHooks(t *testing.T) {
	backend := pythonProject(t)
	ctx := context.Background()

	reqs, err := backend.GetRequiresForBuildWheel(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"settings=none"}, reqs)

	reqs, err = backend.GetRequiresForBuildWheel(ctx, ConfigSettings{"b": "2", "a": "1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a=1", "b=2"}, reqs)

	reqs, err = backend.GetRequiresForBuildSdist(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{}, reqs)

	reqs, err = backend.GetRequiresForBuildEditable(ctx, nil)
	require.NoError(t, err)
	assert.NotNil(t, reqs)
	assert.Empty(t, reqs)

	name, err := backend.BuildWheel(ctx, t.TempDir(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, "pkg-1.0-py3-none-any.whl", name)
}

func TestWrappedPythonBackendAppendsPins(t *testing.T) {
	backend := Wrap(pythonProject(t), RAPIDSRequirements, MapEnv{CUDASuffixEnv: "-cu11"})

	reqs, err := backend.GetRequiresForBuildWheel(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"settings=none",
		"rmm-cu11==23.4.*",
		"raft-dask-cu11==23.4.*",
		"pylibcugraph-cu11==23.4.*",
	}, reqs)
}

func TestPythonBackendReportsMissingHook(t *testing.T) {
	backend := pythonProject(t)

	_, err := backend.BuildSdist(context.Background(), t.TempDir(), nil)
	var hookErr *HookError
	require.ErrorAs(t, err, &hookErr)
	assert.Equal(t, "build_sdist", hookErr.Hook)
	assert.Contains(t, hookErr.Stderr, "build_sdist")
}
