package container

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/flatimage/flatimage/internal/pkg/buildcfg"
	"github.com/flatimage/flatimage/internal/pkg/env"
	"github.com/flatimage/flatimage/pkg/sylog"
)

// LayerSource distinguishes layers concatenated inside the ELF from ones
// stored as standalone external files.
type LayerSource int

const (
	SourceELF LayerSource = iota
	SourceFile
)

// Layer is one mountable descriptor produced by layer discovery (§4.3).
// Path is only meaningful for SourceFile layers; for SourceELF layers the
// ELF path plus Begin/Size locate the range to mount with an offset.
type Layer struct {
	Source LayerSource
	Path   string
	Begin  uint64
	Size   uint64
}

// DiscoverLayers walks the ELF's appended layer chain starting at
// reservedEnd (the offset immediately past the reserved configuration
// region), then appends any external layers named by FIM_DIRS_LAYER and
// FIM_FILES_LAYER, in that order. The returned slice is already in mount
// order (ascending index, §4.3/§4.4).
func DiscoverLayers(elfPath string, reservedEnd uint64) ([]Layer, error) {
	var layers []Layer

	chained, err := discoverELFChain(elfPath, reservedEnd)
	if err != nil {
		return nil, err
	}
	layers = append(layers, chained...)

	dirLayers, err := discoverDirLayers(env.SplitPaths(os.Getenv(env.DirsLayer)))
	if err != nil {
		return nil, err
	}
	layers = append(layers, dirLayers...)

	fileLayers, err := discoverFileLayers(env.SplitPaths(os.Getenv(env.FilesLayer)))
	if err != nil {
		return nil, err
	}
	layers = append(layers, fileLayers...)

	return layers, nil
}

func discoverELFChain(elfPath string, begin uint64) ([]Layer, error) {
	f, err := os.Open(elfPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", elfPath, err)
	}
	defer f.Close()

	var layers []Layer
	offset := begin
	for {
		if _, err := f.Seek(int64(offset), 0); err != nil {
			return nil, fmt.Errorf("seeking to %d: %w", offset, err)
		}

		var size uint64
		if err := binary.Read(f, binary.LittleEndian, &size); err != nil {
			// Short read: end of chain, not an error.
			break
		}
		dataBegin := offset + 8

		if size == 0 {
			break
		}

		magic := make([]byte, len(buildcfg.LayerMagic))
		if _, err := f.ReadAt(magic, int64(dataBegin)); err != nil {
			break
		}
		if !bytes.Equal(magic, []byte(buildcfg.LayerMagic)) {
			sylog.Warningf("layer at offset %d has bad magic %q, stopping chain", dataBegin, magic)
			break
		}

		layers = append(layers, Layer{Source: SourceELF, Path: elfPath, Begin: dataBegin, Size: size})
		offset = dataBegin + size
	}
	return layers, nil
}

func discoverDirLayers(dirs []string) ([]Layer, error) {
	var layers []Layer
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("listing layer directory %s: %w", dir, err)
		}
		var names []string
		for _, e := range entries {
			if e.Type().IsRegular() {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			l, ok, err := fileLayerIfMagic(filepath.Join(dir, name))
			if err != nil {
				return nil, err
			}
			if ok {
				layers = append(layers, l)
			}
		}
	}
	return layers, nil
}

func discoverFileLayers(files []string) ([]Layer, error) {
	var layers []Layer
	for _, path := range files {
		l, ok, err := fileLayerIfMagic(path)
		if err != nil {
			return nil, err
		}
		if ok {
			layers = append(layers, l)
		}
	}
	return layers, nil
}

func fileLayerIfMagic(path string) (Layer, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Layer{}, false, fmt.Errorf("stat %s: %w", path, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return Layer{}, false, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	magic := make([]byte, len(buildcfg.LayerMagic))
	if _, err := f.Read(magic); err != nil {
		return Layer{}, false, nil
	}
	if !bytes.Equal(magic, []byte(buildcfg.LayerMagic)) {
		return Layer{}, false, nil
	}

	return Layer{Source: SourceFile, Path: path, Begin: 0, Size: uint64(info.Size())}, true, nil
}
