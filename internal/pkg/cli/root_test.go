package cli

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestDispatchArgsPassesVerbThrough(t *testing.T) {
	got := dispatchArgs("perms", []string{"list"})
	assert.DeepEqual(t, got, []string{"perms", "list"})
}

func TestDispatchArgsNoRest(t *testing.T) {
	got := dispatchArgs("boot", nil)
	assert.DeepEqual(t, got, []string{"boot"})
}

func TestDispatchArgsVersionFull(t *testing.T) {
	got := dispatchArgs("version-full", nil)
	assert.DeepEqual(t, got, []string{"version", "full"})
}

func TestDispatchArgsVersionDeps(t *testing.T) {
	got := dispatchArgs("version-deps", []string{"--json"})
	assert.DeepEqual(t, got, []string{"version", "deps", "--json"})
}
