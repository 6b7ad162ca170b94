package container

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/flatimage/flatimage/internal/pkg/buildcfg"
)

// writeMinimalELF64 writes a syntactically valid, otherwise-empty 64-bit
// ELF header (no program/section headers) so TailOffset has something real
// to parse. shoff/ehsize/shnum are chosen so the expected tail is easy to
// assert on.
func writeMinimalELF64(t *testing.T, path string, shoff uint64, ehsize, shnum uint16) {
	t.Helper()
	var hdr elfHeader64
	copy(hdr.Ident[:4], elfMagic)
	hdr.Shoff = shoff
	hdr.Ehsize = ehsize
	hdr.Shnum = shnum

	f, err := os.Create(path)
	assert.NilError(t, err)
	defer f.Close()
	assert.NilError(t, binary.Write(f, binary.LittleEndian, &hdr))
}

func TestTailOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fim_boot")
	writeMinimalELF64(t, path, 200, 64, 10)

	got, err := TailOffset(path, 0)
	assert.NilError(t, err)
	assert.Equal(t, got, uint64(200+64*10))
}

func TestTailOffsetRejectsNonELF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notelf")
	assert.NilError(t, os.WriteFile(path, []byte("not an elf"), 0o644))

	_, err := TailOffset(path, 0)
	assert.ErrorContains(t, err, "not an ELF file")
}

func TestCopyRange(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	assert.NilError(t, os.WriteFile(src, []byte("0123456789"), 0o644))

	dst := filepath.Join(dir, "dst")
	assert.NilError(t, CopyRange(src, dst, 2, 8))

	got, err := os.ReadFile(dst)
	assert.NilError(t, err)
	assert.Equal(t, string(got), "234567")
}

func newRegion(t *testing.T) *Region {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image")
	f, err := os.Create(path)
	assert.NilError(t, err)
	assert.NilError(t, f.Truncate(int64(TotalSize())))
	assert.NilError(t, f.Close())
	return NewRegion(path, 0)
}

func TestPermissionsRoundTrip(t *testing.T) {
	r := newRegion(t)

	p := Permissions(0).Set(PermHome).Set(PermGpu).Set(PermNetwork)
	assert.NilError(t, r.WritePermissions(p))

	got, err := r.ReadPermissions()
	assert.NilError(t, err)
	assert.Assert(t, got.Has(PermHome))
	assert.Assert(t, got.Has(PermGpu))
	assert.Assert(t, got.Has(PermNetwork))
	assert.Assert(t, !got.Has(PermAudio))
}

func TestUnshareRoundTrip(t *testing.T) {
	r := newRegion(t)

	u := Unshare(0).Set(UnshareNet).Set(UnsharePID)
	assert.NilError(t, r.WriteUnshare(u))

	got, err := r.ReadUnshare()
	assert.NilError(t, err)
	assert.Assert(t, got.Has(UnshareNet))
	assert.Assert(t, got.Has(UnsharePID))
	assert.Assert(t, !got.Has(UnshareUser))
}

func TestDesktopMetaRoundTrip(t *testing.T) {
	r := newRegion(t)

	want := DesktopMeta{Name: "myapp", Categories: []string{"Utility"}, EnableEntry: true}
	assert.NilError(t, r.WriteDesktopMeta(want))

	got, err := r.ReadDesktopMeta()
	assert.NilError(t, err)
	assert.DeepEqual(t, got, want)
}

func TestDesktopMetaEmptyIsZeroValue(t *testing.T) {
	r := newRegion(t)

	got, err := r.ReadDesktopMeta()
	assert.NilError(t, err)
	assert.DeepEqual(t, got, DesktopMeta{})
}

func TestEnvironmentRoundTrip(t *testing.T) {
	r := newRegion(t)

	want := map[string]string{"FOO": "bar", "BAZ": "qux"}
	assert.NilError(t, r.WriteEnvironment(want))

	got, err := r.ReadEnvironment()
	assert.NilError(t, err)
	assert.DeepEqual(t, got, want)
}

func TestOverlayDefaultsToStacking(t *testing.T) {
	r := newRegion(t)

	got, err := r.ReadOverlay()
	assert.NilError(t, err)
	assert.Equal(t, got, OverlayStack)
}

func TestOverlayRoundTrip(t *testing.T) {
	r := newRegion(t)
	assert.NilError(t, r.WriteOverlay(OverlayUnionFS))

	got, err := r.ReadOverlay()
	assert.NilError(t, err)
	assert.Equal(t, got, OverlayUnionFS)
}

func TestIconRoundTrip(t *testing.T) {
	r := newRegion(t)

	want := Icon{Ext: "png", Data: []byte{1, 2, 3, 4, 5}}
	assert.NilError(t, r.WriteIcon(want))

	got, err := r.ReadIcon()
	assert.NilError(t, err)
	assert.Equal(t, got.Ext, want.Ext)
	assert.DeepEqual(t, got.Data, want.Data)
}

func TestWriteRawRejectsOversizedPayload(t *testing.T) {
	r := newRegion(t)
	err := r.writeRaw("notify", make([]byte, sizeNotify+1))
	assert.ErrorContains(t, err, "must be <")
}

// TestLayerChainRoundTrip exercises the layer-chain round trip property:
// appended length-prefixed, magic-stamped layers are discovered in order
// with the begin/size the writer used.
func TestLayerChainRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image")
	f, err := os.Create(path)
	assert.NilError(t, err)

	reservedEnd := uint64(0)
	payloads := [][]byte{
		append([]byte(buildcfg.LayerMagic), []byte("layer-zero-body")...),
		append([]byte(buildcfg.LayerMagic), []byte("layer-one")...),
	}
	for _, p := range payloads {
		assert.NilError(t, binary.Write(f, binary.LittleEndian, uint64(len(p))))
		_, err := f.Write(p)
		assert.NilError(t, err)
	}
	assert.NilError(t, f.Close())

	layers, err := discoverELFChain(path, reservedEnd)
	assert.NilError(t, err)
	assert.Equal(t, len(layers), 2)

	assert.Equal(t, layers[0].Begin, uint64(8))
	assert.Equal(t, layers[0].Size, uint64(len(payloads[0])))
	assert.Equal(t, layers[1].Begin, uint64(8)+layers[0].Size+8)
	assert.Equal(t, layers[1].Size, uint64(len(payloads[1])))
}

func TestLayerChainStopsOnBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image")
	f, err := os.Create(path)
	assert.NilError(t, err)

	bad := []byte("NOTMAGIC-body")
	assert.NilError(t, binary.Write(f, binary.LittleEndian, uint64(len(bad))))
	_, err = f.Write(bad)
	assert.NilError(t, err)
	assert.NilError(t, f.Close())

	layers, err := discoverELFChain(path, 0)
	assert.NilError(t, err)
	assert.Equal(t, len(layers), 0)
}

func TestLayerChainKeepsValidLayersBeforeBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image")
	f, err := os.Create(path)
	assert.NilError(t, err)

	good := append([]byte(buildcfg.LayerMagic), []byte("layer-zero-body")...)
	assert.NilError(t, binary.Write(f, binary.LittleEndian, uint64(len(good))))
	_, err = f.Write(good)
	assert.NilError(t, err)

	bad := []byte("NOTMAGIC-body")
	assert.NilError(t, binary.Write(f, binary.LittleEndian, uint64(len(bad))))
	_, err = f.Write(bad)
	assert.NilError(t, err)
	assert.NilError(t, f.Close())

	layers, err := discoverELFChain(path, 0)
	assert.NilError(t, err)
	assert.Equal(t, len(layers), 1)
	assert.Equal(t, layers[0].Size, uint64(len(good)))
}

func TestLayerChainEndOfChainIsNotAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image")
	assert.NilError(t, os.WriteFile(path, []byte{}, 0o644))

	layers, err := discoverELFChain(path, 0)
	assert.NilError(t, err)
	assert.Equal(t, len(layers), 0)
}
