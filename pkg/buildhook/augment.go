package buildhook

import "context"

// ConfigSettings is the optional config_settings mapping passed to every hook.
type ConfigSettings map[string]any

// RequiresHook is the shape of get_requires_for_build_{wheel,sdist,editable}.
type RequiresHook func(ctx context.Context, settings ConfigSettings) ([]string, error)

// AppendFunc derives the requirements to inject from an environment snapshot.
// It must be pure.
type AppendFunc func(env Env) []string

// RAPIDSVersion is the release series every injected requirement is pinned to.
const RAPIDSVersion = "23.4.*"

// RAPIDSRequirements injects rmm, raft-dask and pylibcugraph, in that order.
var RAPIDSRequirements = PinnedRequirements(RAPIDSVersion, "rmm", "raft-dask", "pylibcugraph")

// PinnedRequirements returns an AppendFunc producing "<name><suffix>==<version>"
// for each name, where suffix is read from CUDASuffixEnv at call time.
func PinnedRequirements(version string, names ...string) AppendFunc {
	pinned := append([]string(nil), names...)
	return func(env Env) []string {
		suffix := CUDASuffix(env)
		reqs := make([]string, 0, len(pinned))
		for _, name := range pinned {
			reqs = append(reqs, name+suffix+"=="+version)
		}
		return reqs
	}
}

// Augment wraps base so its result is followed by appendFn(env). Errors from
// base are returned as is. No deduplication is performed.
func Augment(base RequiresHook, appendFn AppendFunc, env Env) RequiresHook {
	if env == nil {
		env = OSEnv{}
	}
	return func(ctx context.Context, settings ConfigSettings) ([]string, error) {
		reqs, err := base(ctx, settings)
		if err != nil {
			return nil, err
		}
		extra := appendFn(env)
		out := make([]string, 0, len(reqs)+len(extra))
		out = append(out, reqs...)
		return append(out, extra...), nil
	}
}
