package recipe

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func TestDeserializeRequiresDescriptionAndPackages(t *testing.T) {
	_, err := Deserialize([]byte(`{"packages":["a"]}`))
	assert.ErrorContains(t, err, "description")

	_, err = Deserialize([]byte(`{"description":"x"}`))
	assert.ErrorContains(t, err, "packages")

	_, err = Deserialize(nil)
	assert.ErrorContains(t, err, "empty")
}

func TestSerializeRoundTrip(t *testing.T) {
	r := Recipe{Description: "audio support", Packages: []string{"alsa-lib"}, Dependencies: []string{"base"}}
	raw, err := Serialize(r)
	assert.NilError(t, err)

	got, err := Deserialize(raw)
	assert.NilError(t, err)
	assert.DeepEqual(t, got.Packages, r.Packages)
	assert.DeepEqual(t, got.Dependencies, r.Dependencies)
}

func writeRecipe(t *testing.T, downloadDir, dist, name string, r Recipe) {
	t.Helper()
	path := pathRecipe(downloadDir, dist, name)
	assert.NilError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	raw, err := Serialize(r)
	assert.NilError(t, err)
	assert.NilError(t, os.WriteFile(path, raw, 0o644))
}

func TestLoadMissingRecipeHintsFetch(t *testing.T) {
	_, err := Load(t.TempDir(), "alpine", "gpu")
	assert.ErrorContains(t, err, "fim-recipe fetch gpu")
}

func TestLoadReadsCachedRecipe(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, "alpine", "gpu", Recipe{Description: "gpu drivers", Packages: []string{"mesa"}})

	r, err := Load(dir, "alpine", "gpu")
	assert.NilError(t, err)
	assert.Equal(t, r.Description, "gpu drivers")
}

func TestFetchDetectsCycle(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, "alpine", "a", Recipe{Description: "a", Packages: []string{}, Dependencies: []string{"b"}})
	writeRecipe(t, dir, "alpine", "b", Recipe{Description: "b", Packages: []string{}, Dependencies: []string{"a"}})

	_, err := Fetch("http://unused.invalid", dir, "alpine", "a", true)
	assert.ErrorContains(t, err, "cyclic dependency")
}

func TestFetchUsesExistingWithoutNetwork(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, "alpine", "base", Recipe{Description: "base", Packages: []string{"musl"}})

	names, err := Fetch("http://unused.invalid", dir, "alpine", "base", true)
	assert.NilError(t, err)
	assert.DeepEqual(t, names, []string{"base"})
}

func TestFetchDownloadsDependencies(t *testing.T) {
	dir := t.TempDir()

	mux := http.NewServeMux()
	mux.HandleFunc("/alpine/latest/top.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"description":"top","packages":["x"],"dependencies":["base"]}`))
	})
	mux.HandleFunc("/alpine/latest/base.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"description":"base","packages":["musl"]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	names, err := Fetch(srv.URL, dir, "alpine", "top", false)
	assert.NilError(t, err)
	assert.Assert(t, len(names) == 2)

	r, err := Load(dir, "alpine", "base")
	assert.NilError(t, err)
	assert.Equal(t, r.Description, "base")
}

func TestPackageManagerUnsupportedDistributions(t *testing.T) {
	_, _, err := packageManager("blueprint")
	assert.ErrorContains(t, err, "blueprint")

	_, _, err = packageManager("gentoo")
	assert.ErrorContains(t, err, "unsupported distribution")
}

func TestPackageManagerKnownDistributions(t *testing.T) {
	program, args, err := packageManager("alpine")
	assert.NilError(t, err)
	assert.Equal(t, program, "apk")
	assert.DeepEqual(t, args, []string{"add", "--no-cache", "--update-cache", "--no-progress"})

	program, args, err = packageManager("arch")
	assert.NilError(t, err)
	assert.Equal(t, program, "pacman")
	assert.DeepEqual(t, args, []string{"-Syu", "--noconfirm", "--needed"})
}
