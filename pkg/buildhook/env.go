package buildhook

import "os"

// CUDASuffixEnv names the variable holding the CUDA variant suffix, e.g. "-cu12".
const CUDASuffixEnv = "RAPIDS_PY_WHEEL_CUDA_SUFFIX"

// Env is a read-only view of environment variables.
type Env interface {
	LookupEnv(key string) (string, bool)
}

// OSEnv reads the live process environment on every lookup.
type OSEnv struct{}

func (OSEnv) LookupEnv(key string) (string, bool) { return os.LookupEnv(key) }

// MapEnv is a fixed environment snapshot.
type MapEnv map[string]string

func (m MapEnv) LookupEnv(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// Getenv returns the value of key in env, or def when unset.
func Getenv(env Env, key, def string) string {
	if env == nil {
		env = OSEnv{}
	}
	if v, ok := env.LookupEnv(key); ok {
		return v
	}
	return def
}

// CUDASuffix returns the CUDA variant suffix, "" when unset.
func CUDASuffix(env Env) string {
	return Getenv(env, CUDASuffixEnv, "")
}
