package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/graphcompute/mgcluster/pkg/buildhook"
)

var requiresFlags struct {
	python   string
	module   string
	dir      string
	settings map[string]string
	noBase   bool
}

var requiresCmd = &cobra.Command{
	Use:       "requires wheel|sdist|editable",
	Short:     "Print the build requirements with the RAPIDS pins appended",
	Long:      `Calls the wrapped PEP 517 backend's get_requires_for_build_* hook and appends rmm, raft-dask and pylibcugraph pinned to ` + buildhook.RAPIDSVersion + `, suffixed with $` + buildhook.CUDASuffixEnv + `.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"wheel", "sdist", "editable"},
	RunE:      runRequires,
}

func init() {
	rootCmd.AddCommand(requiresCmd)

	f := requiresCmd.Flags()
	f.StringVar(&requiresFlags.python, "python", "python3", "python interpreter")
	f.StringVar(&requiresFlags.module, "backend", buildhook.DefaultBuildModule, "wrapped build backend module")
	f.StringVar(&requiresFlags.dir, "dir", "", "project directory (default is the working directory)")
	f.StringToStringVar(&requiresFlags.settings, "config-setting", nil, "config settings passed to the hook (key=value)")
	f.BoolVar(&requiresFlags.noBase, "no-base", false, "skip the wrapped backend and print only the appended pins")
}

func runRequires(cmd *cobra.Command, args []string) error {
	var base buildhook.Backend = &buildhook.PythonBackend{
		Interpreter: requiresFlags.python,
		Module:      requiresFlags.module,
		Dir:         requiresFlags.dir,
	}
	if requiresFlags.noBase {
		base = emptyBackend{base}
	}
	hook, ok := buildhook.RequiresHookFor(buildhook.Wrap(base, buildhook.RAPIDSRequirements, buildhook.OSEnv{}), args[0])
	if !ok {
		return fmt.Errorf("unknown build target %q", args[0])
	}

	var settings buildhook.ConfigSettings
	if len(requiresFlags.settings) > 0 {
		settings = make(buildhook.ConfigSettings, len(requiresFlags.settings))
		for k, v := range requiresFlags.settings {
			settings[k] = v
		}
	}

	reqs, err := hook(cmd.Context(), settings)
	if err != nil {
		return err
	}
	return writeRequirements(cmd.OutOrStdout(), outputFormat, reqs)
}

// writeRequirements prints reqs as JSON unless YAML was asked for; a list
// has no table form.
func writeRequirements(w io.Writer, format string, reqs []string) error {
	if format == "table" || format == "" {
		format = "json"
	}
	_, err := printStructured(w, format, reqs)
	return err
}

// emptyBackend reports no requirements of its own.
type emptyBackend struct {
	buildhook.Backend
}

func (emptyBackend) GetRequiresForBuildWheel(context.Context, buildhook.ConfigSettings) ([]string, error) {
	return []string{}, nil
}

func (emptyBackend) GetRequiresForBuildSdist(context.Context, buildhook.ConfigSettings) ([]string, error) {
	return []string{}, nil
}

func (emptyBackend) GetRequiresForBuildEditable(context.Context, buildhook.ConfigSettings) ([]string, error) {
	return []string{}, nil
}
