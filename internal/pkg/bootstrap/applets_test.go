package bootstrap

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestBusyboxAppletsHasNoDuplicates(t *testing.T) {
	seen := map[string]bool{}
	for _, a := range busyboxApplets {
		assert.Assert(t, !seen[a], "duplicate applet %q", a)
		seen[a] = true
	}
}

func TestBusyboxAppletsNonEmpty(t *testing.T) {
	assert.Assert(t, len(busyboxApplets) > 300)
}
