package buildhook

import "context"

// Backend is a PEP 517 build backend.
type Backend interface {
	GetRequiresForBuildWheel(ctx context.Context, settings ConfigSettings) ([]string, error)
	GetRequiresForBuildSdist(ctx context.Context, settings ConfigSettings) ([]string, error)
	GetRequiresForBuildEditable(ctx context.Context, settings ConfigSettings) ([]string, error)
	PrepareMetadataForBuildWheel(ctx context.Context, metadataDir string, settings ConfigSettings) (string, error)
	BuildWheel(ctx context.Context, wheelDir string, settings ConfigSettings, metadataDir string) (string, error)
	BuildSdist(ctx context.Context, sdistDir string, settings ConfigSettings) (string, error)
}

// AugmentedBackend forwards every hook to the embedded base backend except the
// three requirement hooks, which are augmented.
type AugmentedBackend struct {
	Backend

	wheel    RequiresHook
	sdist    RequiresHook
	editable RequiresHook
}

// Wrap augments the requirement hooks of base with appendFn.
func Wrap(base Backend, appendFn AppendFunc, env Env) *AugmentedBackend {
	return &AugmentedBackend{
		Backend:  base,
		wheel:    Augment(base.GetRequiresForBuildWheel, appendFn, env),
		sdist:    Augment(base.GetRequiresForBuildSdist, appendFn, env),
		editable: Augment(base.GetRequiresForBuildEditable, appendFn, env),
	}
}

func (b *AugmentedBackend) GetRequiresForBuildWheel(ctx context.Context, settings ConfigSettings) ([]string, error) {
	return b.wheel(ctx, settings)
}

func (b *AugmentedBackend) GetRequiresForBuildSdist(ctx context.Context, settings ConfigSettings) ([]string, error) {
	return b.sdist(ctx, settings)
}

func (b *AugmentedBackend) GetRequiresForBuildEditable(ctx context.Context, settings ConfigSettings) ([]string, error) {
	return b.editable(ctx, settings)
}

// RequiresHookFor returns the requirement hook of b named by target
// ("wheel", "sdist" or "editable").
func RequiresHookFor(b Backend, target string) (RequiresHook, bool) {
	switch target {
	case "wheel":
		return b.GetRequiresForBuildWheel, true
	case "sdist":
		return b.GetRequiresForBuildSdist, true
	case "editable":
		return b.GetRequiresForBuildEditable, true
	}
	return nil, false
}
