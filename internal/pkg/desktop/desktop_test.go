package desktop

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/flatimage/flatimage/internal/pkg/container"
)

func newFakeBinary(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.flatimage")
	f, err := os.Create(path)
	assert.NilError(t, err)
	assert.NilError(t, f.Truncate(int64(container.TotalSize())))
	assert.NilError(t, f.Close())
	return path
}

func TestSetupThenDump(t *testing.T) {
	bin := newFakeBinary(t)

	iconPath := filepath.Join(t.TempDir(), "icon.png")
	assert.NilError(t, os.WriteFile(iconPath, []byte{0x89, 'P', 'N', 'G'}, 0o644))

	srcPath := filepath.Join(t.TempDir(), "desktop.json")
	src := `{"name":"myapp","icon":"` + iconPath + `","integrations":["entry","icon"],"categories":["Utility"]}`
	assert.NilError(t, os.WriteFile(srcPath, []byte(src), 0o644))

	meta, err := Setup(bin, srcPath)
	assert.NilError(t, err)
	assert.Equal(t, meta.Name, "myapp")
	assert.Assert(t, meta.EnableEntry)
	assert.Assert(t, meta.EnableIcon)
	assert.Assert(t, !meta.EnableMime)

	dump, err := Dump(bin)
	assert.NilError(t, err)
	assert.Assert(t, len(dump) > 0)

	region := container.OpenRegion(bin)
	icon, err := region.ReadIcon()
	assert.NilError(t, err)
	assert.Equal(t, icon.Ext, "png")
}

func TestSetupRejectsUnsupportedExtension(t *testing.T) {
	bin := newFakeBinary(t)

	iconPath := filepath.Join(t.TempDir(), "icon.bmp")
	assert.NilError(t, os.WriteFile(iconPath, []byte{0}, 0o644))

	srcPath := filepath.Join(t.TempDir(), "desktop.json")
	src := `{"name":"myapp","icon":"` + iconPath + `","integrations":[],"categories":[]}`
	assert.NilError(t, os.WriteFile(srcPath, []byte(src), 0o644))

	_, err := Setup(bin, srcPath)
	assert.ErrorContains(t, err, "not supported")
}

func TestEnableOverwritesIntegrations(t *testing.T) {
	bin := newFakeBinary(t)
	region := container.OpenRegion(bin)
	assert.NilError(t, region.WriteDesktopMeta(container.DesktopMeta{Name: "x", EnableEntry: true}))

	assert.NilError(t, Enable(bin, []IntegrationItem{ItemMimetype, ItemIcon}))

	meta, err := region.ReadDesktopMeta()
	assert.NilError(t, err)
	assert.Assert(t, !meta.EnableEntry)
	assert.Assert(t, meta.EnableMime)
	assert.Assert(t, meta.EnableIcon)
}

func TestXdgDataHomeFallsBackToHome(t *testing.T) {
	oldXDG, hadXDG := os.LookupEnv("XDG_DATA_HOME")
	oldHome := os.Getenv("HOME")
	t.Cleanup(func() {
		if hadXDG {
			os.Setenv("XDG_DATA_HOME", oldXDG)
		} else {
			os.Unsetenv("XDG_DATA_HOME")
		}
		os.Setenv("HOME", oldHome)
	})

	os.Unsetenv("XDG_DATA_HOME")
	os.Setenv("HOME", "/home/tester")

	got, err := xdgDataHome()
	assert.NilError(t, err)
	assert.Equal(t, got, "/home/tester/.local/share")
}

func TestShouldUpdateMimeMissingFile(t *testing.T) {
	assert.Assert(t, shouldUpdateMime(filepath.Join(t.TempDir(), "missing.xml")))
}
