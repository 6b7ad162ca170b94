package overlay

import (
	"os"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/flatimage/flatimage/internal/pkg/container"
	"github.com/flatimage/flatimage/internal/pkg/env"
)

func TestLowerDirsAscending(t *testing.T) {
	got := LowerDirs("/mount", 3)
	assert.DeepEqual(t, got, []string{"/mount/0", "/mount/1", "/mount/2"})
}

func TestReversed(t *testing.T) {
	got := reversed([]string{"a", "b", "c"})
	assert.DeepEqual(t, got, []string{"c", "b", "a"})
}

func TestSelectDefaultsToStacking(t *testing.T) {
	os.Unsetenv(env.Overlay)
	got := Select(container.OverlayNone, false)
	assert.Equal(t, got, container.OverlayStack)
}

func TestSelectEnvOverridesReserved(t *testing.T) {
	t.Setenv(env.Overlay, "unionfs")
	got := Select(container.OverlayFuse, false)
	assert.Equal(t, got, container.OverlayUnionFS)
}

func TestSelectCasefoldDowngradesStacking(t *testing.T) {
	os.Unsetenv(env.Overlay)
	got := Select(container.OverlayStack, true)
	assert.Equal(t, got, container.OverlayUnionFS)
}

func TestSelectCasefoldKeepsNonStacking(t *testing.T) {
	os.Unsetenv(env.Overlay)
	got := Select(container.OverlayFuse, true)
	assert.Equal(t, got, container.OverlayFuse)
}
