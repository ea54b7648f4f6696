package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphcompute/mgcluster/pkg/buildhook"
)

func withOutput(t *testing.T, format string) {
	t.Helper()
	prev := outputFormat
	outputFormat = format
	t.Cleanup(func() { outputFormat = prev })
}

func TestPrintStructured(t *testing.T) {
	reqs := []string{"rmm==23.4.*"}

	withOutput(t, "json")
	var buf bytes.Buffer
	done, err := printStructured(&buf, outputFormat, reqs)
	require.NoError(t, err)
	assert.True(t, done)
	assert.JSONEq(t, `["rmm==23.4.*"]`, buf.String())

	withOutput(t, "yaml")
	buf.Reset()
	done, err = printStructured(&buf, outputFormat, reqs)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "- rmm==23.4.*\n", buf.String())

	withOutput(t, "table")
	done, err = printStructured(&buf, outputFormat, reqs)
	assert.NoError(t, err)
	assert.False(t, done)

	withOutput(t, "xml")
	_, err = printStructured(&buf, outputFormat, reqs)
	assert.Error(t, err)
}

func TestWriteRequirementsDefaultsToJSON(t *testing.T) {
	withOutput(t, "table")
	reqs := []string{"rmm-cu11==23.4.*"}

	for range 2 {
		var buf bytes.Buffer
		require.NoError(t, writeRequirements(&buf, outputFormat, reqs))
		assert.JSONEq(t, `["rmm-cu11==23.4.*"]`, buf.String())
		assert.Equal(t, "table", outputFormat)
	}

	var buf bytes.Buffer
	require.NoError(t, writeRequirements(&buf, "yaml", reqs))
	assert.Equal(t, "- rmm-cu11==23.4.*\n", buf.String())
}

func TestEmptyBackendYieldsOnlyPins(t *testing.T) {
	b := buildhook.Wrap(emptyBackend{}, buildhook.RAPIDSRequirements, buildhook.MapEnv{buildhook.CUDASuffixEnv: "-cu11"})

	reqs, err := b.GetRequiresForBuildSdist(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"rmm-cu11==23.4.*", "raft-dask-cu11==23.4.*", "pylibcugraph-cu11==23.4.*"}, reqs)
}

func TestSubcommandsRegistered(t *testing.T) {
	for _, name := range []string{"up", "worker", "devices", "requires"} {
		c, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, c.Name())
	}
}
