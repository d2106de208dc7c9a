package core

import (
	"os"
	"slices"
	"strings"
)

// GetEnv retrieves an environment variable, checking both the standard name
// and a BURROW-prefixed version. Returns the first non-empty value found.
func GetEnv(key string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return os.Getenv(EnvPrefix + "_" + key)
}

// MergeEnv overlays overrides on top of base, a list of KEY=VALUE pairs as
// returned by os.Environ. Later overrides win. The result is sorted by key.
func MergeEnv(base []string, overrides map[string]string) []string {
	merged := make(map[string]string, len(base)+len(overrides))
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	slices.Sort(out)
	return out
}
