package container

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flatimage/flatimage/internal/pkg/buildcfg"
)

// Tool is one entry extracted from the tool blob: either the leading
// runner (itself a full ELF, located by header-skip) or one of the
// length-prefixed binaries that follow it.
type Tool struct {
	Name  string
	Begin uint64
	End   uint64
}

// ExtractManifest returns the ordered list of length-prefixed tool names
// that follow the runner in the tool blob, as named by
// buildcfg.ToolManifestJSON in the order they were appended. The runner
// (fim_boot) is not in the list; ExtractTools locates it by the ELF-header
// skip.
func ExtractManifest() ([]string, error) {
	var names []string
	if err := json.Unmarshal([]byte(buildcfg.ToolManifestJSON), &names); err != nil {
		return nil, fmt.Errorf("parsing tool manifest: %w", err)
	}
	return names, nil
}

// ExtractTools walks the tool blob of the ELF at path, writing each
// embedded binary into destDir and returning the offset immediately past
// the last one (the start of the reserved configuration region). It skips
// extraction for any destination file that already exists, per the
// original's memoized-instance-directory design: multiple runs sharing a
// commit+timestamp app directory extract only once.
//
// The runner is located by the ELF-header-skip trick (it is itself a full
// ELF appended at offset 0); every subsequent tool is a plain
// length-prefixed blob: an 8-byte little-endian size followed by that many
// bytes of binary data.
func ExtractTools(path, destDir string) (uint64, error) {
	runnerPath := filepath.Join(destDir, "fim_boot")
	end, err := TailOffset(path, 0)
	if err != nil {
		return 0, fmt.Errorf("locating runner header: %w", err)
	}
	if _, statErr := os.Stat(runnerPath); statErr != nil {
		if err := CopyRange(path, runnerPath, 0, end); err != nil {
			return 0, fmt.Errorf("extracting runner: %w", err)
		}
		if err := os.Chmod(runnerPath, 0o770); err != nil {
			return 0, fmt.Errorf("chmod runner: %w", err)
		}
	}

	names, err := ExtractManifest()
	if err != nil {
		return 0, err
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	for _, name := range names {
		next, err := extractOne(f, filepath.Join(destDir, name), end)
		if err != nil {
			return 0, fmt.Errorf("extracting tool %q: %w", name, err)
		}
		end = next
	}

	if err := linkDwarfsAliases(destDir); err != nil {
		return 0, err
	}

	return end, nil
}

// extractOne reads the length-prefixed blob starting at begin from f,
// writing it to dest unless dest already exists, and returns the offset
// immediately following it (size field included).
func extractOne(f *os.File, dest string, begin uint64) (uint64, error) {
	if _, err := f.Seek(int64(begin), 0); err != nil {
		return 0, fmt.Errorf("seeking to %d: %w", begin, err)
	}

	var size uint64
	if err := binary.Read(f, binary.LittleEndian, &size); err != nil {
		return 0, fmt.Errorf("reading blob size: %w", err)
	}

	if _, err := os.Stat(dest); err == nil {
		return begin + 8 + size, nil
	}

	buf := make([]byte, size)
	if _, err := f.Read(buf); err != nil {
		return 0, fmt.Errorf("reading blob data: %w", err)
	}
	if err := os.WriteFile(dest, buf, 0o770); err != nil {
		return 0, fmt.Errorf("writing %s: %w", dest, err)
	}
	return begin + 8 + size, nil
}

// linkDwarfsAliases recreates the dwarfs/mkdwarfs symlinks onto the single
// dwarfs_aio multi-call binary, mirroring busybox-style applet dispatch for
// the filesystem tools themselves.
func linkDwarfsAliases(binDir string) error {
	target := filepath.Join(binDir, "dwarfs_aio")
	for _, alias := range []string{"dwarfs", "mkdwarfs"} {
		link := filepath.Join(binDir, alias)
		if _, err := os.Lstat(link); err == nil {
			continue
		}
		if err := os.Symlink(target, link); err != nil {
			return fmt.Errorf("linking %s: %w", alias, err)
		}
	}
	return nil
}
