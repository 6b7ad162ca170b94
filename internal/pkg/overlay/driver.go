package overlay

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/flatimage/flatimage/internal/pkg/container"
	"github.com/flatimage/flatimage/internal/pkg/procmount"
)

// LowerDirs returns the n per-layer mountpoints under mountDir, in
// ascending index order (layer 0 first). Callers needing top-down order
// (overlay-fs's lowerdir=, union-fs's stacking) must reverse it themselves
// per §4.5's documented argument order.
func LowerDirs(mountDir string, n int) []string {
	dirs := make([]string, n)
	for i := 0; i < n; i++ {
		dirs[i] = filepath.Join(mountDir, strconv.Itoa(i))
	}
	return dirs
}

func reversed(in []string) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}

// Spawn launches the overlay-fs or union-fs driver composing lowers (given
// bottom-up, index-ascending) with upper/work onto mountpoint. OverlayStack
// has no separate process (it is integrated into the sandbox launcher's
// own --overlay-src/--overlay flags) and is not handled here.
func Spawn(kind container.OverlayKind, lowers []string, upper, work, mountpoint string) (*procmount.Handle, error) {
	topDown := reversed(lowers)

	switch kind {
	case container.OverlayFuse:
		bin, err := exec.LookPath("fuse-overlayfs")
		if err != nil {
			bin = "fuse-overlayfs"
		}
		opts := fmt.Sprintf("squash_to_uid=%d,squash_to_gid=%d,lowerdir=%s,upperdir=%s,workdir=%s",
			os.Getuid(), os.Getgid(), strings.Join(topDown, ":"), upper, work)
		return procmount.Spawn(mountpoint, bin, "-f", "-o", opts, mountpoint)

	case container.OverlayUnionFS:
		bin, err := exec.LookPath("unionfs")
		if err != nil {
			bin = "unionfs"
		}
		branches := fmt.Sprintf("%s=RW", upper)
		for _, l := range topDown {
			branches += ":" + l + "=RO"
		}
		return procmount.Spawn(mountpoint, bin, "-f", "-o", "cow", branches, mountpoint)

	default:
		return nil, fmt.Errorf("overlay backend %v has no standalone driver", kind)
	}
}

// SpawnCasefold layers the case-insensitive overlay driver on top of an
// already-mounted overlay root, used when casefold is requested and the
// selected backend is not the sandbox-native stacking one.
func SpawnCasefold(lower, mountpoint string) (*procmount.Handle, error) {
	bin, err := exec.LookPath("ciopfs")
	if err != nil {
		bin = "ciopfs"
	}
	return procmount.Spawn(mountpoint, bin, "-f", lower, mountpoint)
}
