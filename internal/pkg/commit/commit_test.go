package commit

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/flatimage/flatimage/internal/pkg/buildcfg"
)

// fakeCompressor drops a script named toolName on PATH that writes a file
// starting with the layer magic to its "-o" argument, standing in for the
// real mkdwarfs binary.
func fakeCompressor(t *testing.T, toolName string) {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, toolName)
	body := "#!/bin/sh\n" +
		"out=\"\"\n" +
		"while [ $# -gt 0 ]; do\n" +
		"  if [ \"$1\" = \"-o\" ]; then out=\"$2\"; fi\n" +
		"  shift\n" +
		"done\n" +
		"printf '" + buildcfg.LayerMagic + "PAYLOAD' > \"$out\"\n"
	assert.NilError(t, os.WriteFile(script, []byte(body), 0o755))

	oldPath := os.Getenv("PATH")
	t.Cleanup(func() { os.Setenv("PATH", oldPath) })
	os.Setenv("PATH", dir+":"+oldPath)
}

func TestCollectEntriesSkipsNonEmptyDirs(t *testing.T) {
	upper := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(upper, "file"), []byte("x"), 0o644))
	assert.NilError(t, os.MkdirAll(filepath.Join(upper, "full", "inner"), 0o755))
	assert.NilError(t, os.MkdirAll(filepath.Join(upper, "empty"), 0o755))

	entries, err := collectEntries(upper)
	assert.NilError(t, err)

	assert.Assert(t, containsSuffix(entries, "file"))
	assert.Assert(t, containsSuffix(entries, "empty"))
	assert.Assert(t, !containsSuffix(entries, "full"))
}

func containsSuffix(entries []string, suffix string) bool {
	for _, e := range entries {
		if filepath.Base(e) == suffix {
			return true
		}
	}
	return false
}

func TestRunAppendMode(t *testing.T) {
	fakeCompressor(t, "mkdwarfs")

	upper := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(upper, "x"), []byte("hello"), 0o644))

	elf := filepath.Join(t.TempDir(), "app.flatimage")
	assert.NilError(t, os.WriteFile(elf, []byte("fake-elf-bytes"), 0o755))

	dest, err := Run(Options{
		Mode:     ModeAppend,
		Dest:     elf,
		UpperDir: upper,
		Tool:     "mkdwarfs",
	})
	assert.NilError(t, err)
	assert.Equal(t, dest, elf)

	info, err := os.Stat(elf)
	assert.NilError(t, err)
	assert.Assert(t, info.Size() > int64(len("fake-elf-bytes")))

	// The committed file must be gone from upper.
	_, err = os.Stat(filepath.Join(upper, "x"))
	assert.Assert(t, os.IsNotExist(err))
}

func TestRunAppDataMode(t *testing.T) {
	fakeCompressor(t, "mkdwarfs")

	upper := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(upper, "x"), []byte("hello"), 0o644))

	appData := filepath.Join(t.TempDir(), "layers")

	dest, err := Run(Options{
		Mode:     ModeAppData,
		Dest:     appData,
		UpperDir: upper,
		Tool:     "mkdwarfs",
	})
	assert.NilError(t, err)
	assert.Equal(t, filepath.Base(dest), "layer_000.dwarfs")

	raw, err := os.ReadFile(dest)
	assert.NilError(t, err)
	assert.Assert(t, len(raw) >= len(buildcfg.LayerMagic))
	assert.Equal(t, string(raw[:len(buildcfg.LayerMagic)]), buildcfg.LayerMagic)
}

func TestRunAbortsOnBadMagic(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "mkdwarfs")
	assert.NilError(t, os.WriteFile(script, []byte("#!/bin/sh\necho garbage > \"$5\"\n"), 0o755))
	oldPath := os.Getenv("PATH")
	t.Cleanup(func() { os.Setenv("PATH", oldPath) })
	os.Setenv("PATH", dir+":"+oldPath)

	upper := t.TempDir()
	elf := filepath.Join(t.TempDir(), "app.flatimage")
	assert.NilError(t, os.WriteFile(elf, []byte("x"), 0o755))

	_, err := Run(Options{Mode: ModeAppend, Dest: elf, UpperDir: upper, Tool: "mkdwarfs"})
	assert.ErrorContains(t, err, "bad magic")
}

func TestClampLevel(t *testing.T) {
	assert.Equal(t, clampLevel(-1), 0)
	assert.Equal(t, clampLevel(20), 9)
	assert.Equal(t, clampLevel(5), 5)
}

func TestAppendRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	layer := filepath.Join(dir, "external.dwarfs")
	assert.NilError(t, os.WriteFile(layer, []byte("garbage"), 0o644))

	elf := filepath.Join(dir, "app.flatimage")
	assert.NilError(t, os.WriteFile(elf, []byte("x"), 0o755))

	err := Append(elf, layer)
	assert.ErrorContains(t, err, "bad magic")
}

func TestAppendConcatenatesFramedLayer(t *testing.T) {
	dir := t.TempDir()
	layer := filepath.Join(dir, "external.dwarfs")
	payload := buildcfg.LayerMagic + "PAYLOAD"
	assert.NilError(t, os.WriteFile(layer, []byte(payload), 0o644))

	elf := filepath.Join(dir, "app.flatimage")
	assert.NilError(t, os.WriteFile(elf, []byte("fake-elf"), 0o755))

	assert.NilError(t, Append(elf, layer))

	info, err := os.Stat(elf)
	assert.NilError(t, err)
	assert.Equal(t, info.Size(), int64(len("fake-elf")+8+len(payload)))
}
