package cli

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/flatimage/flatimage/internal/pkg/container"
)

func newTestRegion(t *testing.T) *container.Region {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image")
	f, err := os.Create(path)
	assert.NilError(t, err)
	assert.NilError(t, f.Truncate(int64(container.TotalSize())))
	assert.NilError(t, f.Close())
	return container.NewRegion(path, 0)
}

func TestBuildProgramEnvOverridesWinOverHostEnv(t *testing.T) {
	t.Setenv("FIM_TEST_LAUNCH_VAR", "from-host")

	region := newTestRegion(t)
	assert.NilError(t, region.WriteEnvironment(map[string]string{"FIM_TEST_LAUNCH_VAR": "from-region"}))

	merged, err := buildProgramEnv(region)
	assert.NilError(t, err)

	var firstMatch string
	for _, kv := range merged {
		if len(kv) > len("FIM_TEST_LAUNCH_VAR=") && kv[:len("FIM_TEST_LAUNCH_VAR=")] == "FIM_TEST_LAUNCH_VAR=" {
			firstMatch = kv
			break
		}
	}
	assert.Equal(t, firstMatch, "FIM_TEST_LAUNCH_VAR=from-region")
}

func TestBuildProgramEnvEmptyOverridesStillIncludesHostEnv(t *testing.T) {
	t.Setenv("FIM_TEST_LAUNCH_VAR2", "host-only")

	region := newTestRegion(t)
	merged, err := buildProgramEnv(region)
	assert.NilError(t, err)

	found := false
	for _, kv := range merged {
		if kv == "FIM_TEST_LAUNCH_VAR2=host-only" {
			found = true
		}
	}
	assert.Assert(t, found)
}
