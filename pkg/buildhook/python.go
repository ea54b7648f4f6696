package buildhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// DefaultBuildModule is the backend wrapped when PythonBackend.Module is empty.
const DefaultBuildModule = "setuptools.build_meta"

// hookRunner imports the backend module, calls one hook and writes the JSON
// result to a file so that anything the hook prints to stdout is harmless.
const hookRunner = `
import importlib, json, sys
backend = importlib.import_module(sys.argv[1])
call = json.loads(sys.argv[3])
result = getattr(backend, sys.argv[2])(*call["args"])
with open(sys.argv[4], "w") as out:
    json.dump(result, out)
`

// HookError is returned when the interpreter running a hook fails.
type HookError struct {
	Hook   string
	Stderr string
	Err    error
}

func (e *HookError) Error() string {
	msg := fmt.Sprintf("build hook %s failed: %v", e.Hook, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *HookError) Unwrap() error { return e.Err }

// PythonBackend runs the hooks of a Python build backend module in a
// subprocess.
type PythonBackend struct {
	Interpreter string // defaults to python3
	Module      string // defaults to DefaultBuildModule
	Dir         string // project directory; defaults to the working directory
}

func (p *PythonBackend) call(ctx context.Context, hook string, result any, args ...any) error {
	interpreter := p.Interpreter
	if interpreter == "" {
		interpreter = "python3"
	}
	module := p.Module
	if module == "" {
		module = DefaultBuildModule
	}
	if args == nil {
		args = []any{}
	}

	payload, err := json.Marshal(map[string]any{"args": args})
	if err != nil {
		return fmt.Errorf("failed to encode %s arguments: %w", hook, err)
	}

	tmp, err := os.MkdirTemp("", "buildhook-")
	if err != nil {
		return fmt.Errorf("failed to create result dir: %w", err)
	}
	defer os.RemoveAll(tmp)
	resultPath := filepath.Join(tmp, "result.json")

	cmd := exec.CommandContext(ctx, interpreter, "-c", hookRunner, module, hook, string(payload), resultPath)
	cmd.Dir = p.Dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &HookError{Hook: hook, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}

	data, err := os.ReadFile(resultPath)
	if err != nil {
		return &HookError{Hook: hook, Err: err}
	}
	if err := json.Unmarshal(data, result); err != nil {
		return &HookError{Hook: hook, Err: fmt.Errorf("decode result: %w", err)}
	}
	return nil
}

func (p *PythonBackend) requires(ctx context.Context, hook string, settings ConfigSettings) ([]string, error) {
	var reqs []string
	if err := p.call(ctx, hook, &reqs, settings); err != nil {
		return nil, err
	}
	if reqs == nil {
		reqs = []string{}
	}
	return reqs, nil
}

func (p *PythonBackend) GetRequiresForBuildWheel(ctx context.Context, settings ConfigSettings) ([]string, error) {
	return p.requires(ctx, "get_requires_for_build_wheel", settings)
}

func (p *PythonBackend) GetRequiresForBuildSdist(ctx context.Context, settings ConfigSettings) ([]string, error) {
	return p.requires(ctx, "get_requires_for_build_sdist", settings)
}

func (p *PythonBackend) GetRequiresForBuildEditable(ctx context.Context, settings ConfigSettings) ([]string, error) {
	return p.requires(ctx, "get_requires_for_build_editable", settings)
}

func (p *PythonBackend) PrepareMetadataForBuildWheel(ctx context.Context, metadataDir string, settings ConfigSettings) (string, error) {
	var name string
	err := p.call(ctx, "prepare_metadata_for_build_wheel", &name, metadataDir, settings)
	return name, err
}

func (p *PythonBackend) BuildWheel(ctx context.Context, wheelDir string, settings ConfigSettings, metadataDir string) (string, error) {
	var name string
	var metadata any
	if metadataDir != "" {
		metadata = metadataDir
	}
	err := p.call(ctx, "build_wheel", &name, wheelDir, settings, metadata)
	return name, err
}

func (p *PythonBackend) BuildSdist(ctx context.Context, sdistDir string, settings ConfigSettings) (string, error) {
	var name string
	err := p.call(ctx, "build_sdist", &name, sdistDir, settings)
	return name, err
}
