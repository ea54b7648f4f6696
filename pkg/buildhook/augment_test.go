package buildhook

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticHook(reqs ...string) RequiresHook {
	return func(context.Context, ConfigSettings) ([]string, error) {
		return reqs, nil
	}
}

func TestAugmentWithoutSuffix(t *testing.T) {
	hook := Augment(staticHook("wheel"), RAPIDSRequirements, MapEnv{})

	got, err := hook(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"wheel",
		"rmm==23.4.*",
		"raft-dask==23.4.*",
		"pylibcugraph==23.4.*",
	}, got)
}

func TestAugmentWithCUDASuffix(t *testing.T) {
	env := MapEnv{CUDASuffixEnv: "-cu12"}
	hook := Augment(staticHook(), RAPIDSRequirements, env)

	got, err := hook(context.Background(), ConfigSettings{"--build-option": "-j8"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"rmm-cu12==23.4.*",
		"raft-dask-cu12==23.4.*",
		"pylibcugraph-cu12==23.4.*",
	}, got)
}

func TestAugmentKeepsDuplicatesAndOrder(t *testing.T) {
	hook := Augment(staticHook("rmm==23.4.*", "setuptools>=61"), RAPIDSRequirements, MapEnv{})

	got, err := hook(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"rmm==23.4.*",
		"setuptools>=61",
		"rmm==23.4.*",
		"raft-dask==23.4.*",
		"pylibcugraph==23.4.*",
	}, got)
}

func TestAugmentPassesSettingsThrough(t *testing.T) {
	var seen ConfigSettings
	base := func(_ context.Context, settings ConfigSettings) ([]string, error) {
		seen = settings
		return nil, nil
	}
	settings := ConfigSettings{"key": "value"}

	_, err := Augment(base, RAPIDSRequirements, MapEnv{})(context.Background(), settings)
	require.NoError(t, err)
	assert.Equal(t, settings, seen)
}

func TestAugmentReturnsBaseErrorUnchanged(t *testing.T) {
	baseErr := errors.New("setup.py missing")
	calls := 0
	base := func(context.Context, ConfigSettings) ([]string, error) {
		calls++
		return []string{"wheel"}, baseErr
	}

	got, err := Augment(base, RAPIDSRequirements, MapEnv{})(context.Background(), nil)
	assert.Same(t, baseErr, err)
	assert.Nil(t, got)
	assert.Equal(t, 1, calls)
}

func TestAugmentReadsEnvOnEveryCall(t *testing.T) {
	env := MapEnv{}
	hook := Augment(staticHook(), PinnedRequirements("1.0", "rmm"), env)

	first, err := hook(context.Background(), nil)
	require.NoError(t, err)
	env[CUDASuffixEnv] = "-cu11"
	second, err := hook(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"rmm==1.0"}, first)
	assert.Equal(t, []string{"rmm-cu11==1.0"}, second)
}

func TestAugmentDoesNotAliasBaseSlice(t *testing.T) {
	base := make([]string, 1, 8)
	base[0] = "wheel"
	hook := Augment(staticHook(base...), RAPIDSRequirements, MapEnv{})

	got, err := hook(context.Background(), nil)
	require.NoError(t, err)
	got[0] = "mutated"
	assert.Equal(t, "wheel", base[0])
}

func TestAugmentIsDeterministic(t *testing.T) {
	env := MapEnv{CUDASuffixEnv: "-cu12"}
	hook := Augment(staticHook("wheel"), RAPIDSRequirements, env)

	a, err := hook(context.Background(), nil)
	require.NoError(t, err)
	b, err := hook(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestAugmentUsesProcessEnvByDefault(t *testing.T) {
	t.Setenv(CUDASuffixEnv, "-cu12")
	got, err := Augment(staticHook(), PinnedRequirements("23.4.*", "rmm"), nil)(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"rmm-cu12==23.4.*"}, got)
}
