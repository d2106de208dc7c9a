package core

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestJoinMapKeys tests that keys are joined in sorted order
func TestJoinMapKeys(t *testing.T) {
	m := map[string]struct{}{"warn": {}, "debug": {}, "info": {}}
	assert.Equal(t, "debug, info, warn", JoinMapKeys(m))
}

// TestSuggestClosest tests typo suggestions
func TestSuggestClosest(t *testing.T) {
	candidates := []string{"serve", "manage", "test"}
	assert.Equal(t, "serve", SuggestClosest("serv", candidates))
	assert.Equal(t, "manage", SuggestClosest("mange", candidates))
	assert.Equal(t, "", SuggestClosest("completely-different", candidates))
	assert.Equal(t, ` (did you mean "test"?)`, DidYouMean("tset", candidates))
	assert.Equal(t, "", DidYouMean("zzzzzzzz", candidates))
}

// TestMustFprintf tests formatted writes
func TestMustFprintf(t *testing.T) {
	var buf bytes.Buffer
	MustFprintf(&buf, "%s=%d", "a", 1)
	assert.Equal(t, "a=1", buf.String())
}

// TestMergeEnv tests that overrides win and output is sorted
func TestMergeEnv(t *testing.T) {
	out := MergeEnv([]string{"PATH=/bin", "HOME=/root", "bogus"}, map[string]string{"HOME": "/app", "X": "1"})
	assert.Equal(t, []string{"HOME=/app", "PATH=/bin", "X=1"}, out)
}

// TestGetEnv tests prefixed fallback lookup
func TestGetEnv(t *testing.T) {
	t.Setenv("APP_DIR", "")
	t.Setenv("BURROW_APP_DIR", "/srv/app")
	assert.Equal(t, "/srv/app", GetEnv("APP_DIR"))

	t.Setenv("APP_DIR", "/direct")
	assert.Equal(t, "/direct", GetEnv("APP_DIR"))
}
