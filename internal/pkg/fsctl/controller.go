// Package fsctl implements the filesystem controller described in
// spec.md §4.4: it owns every mount an instance needs — one FUSE driver
// process per layer plus the overlay composition — and guarantees their
// release.
package fsctl

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/flatimage/flatimage/internal/pkg/container"
	"github.com/flatimage/flatimage/internal/pkg/overlay"
	"github.com/flatimage/flatimage/internal/pkg/procmount"
	"github.com/flatimage/flatimage/pkg/sylog"
)

const mountTimeout = 60 * time.Second

// Controller owns every mount an instance needs and guarantees their
// release in reverse order, per §4.4.
type Controller struct {
	mountDir   string
	handles    []*procmount.Handle // construction order; released in reverse
	janitor    *janitorHandle
	OverlayDir string // mount/overlayfs or mount/overlayfs.casefold, valid after Mount
}

// New constructs a Controller for the given instance mount directory. It
// does not mount anything yet.
func New(mountDir string) *Controller {
	return &Controller{mountDir: mountDir}
}

// Mount spawns the janitor (with the full, precomputed mountpoint list, so
// it can clean up even a crash mid-sequence), mounts every discovered
// layer, then composes them with the given upper/work directories via the
// selected overlay backend. On any fatal error it releases everything
// mounted so far before returning.
func (c *Controller) Mount(layers []container.Layer, kind container.OverlayKind, casefold bool, upper, work string) error {
	overlayDir := filepath.Join(c.mountDir, "overlayfs")
	c.OverlayDir = overlayDir

	mountpoints := make([]string, 0, len(layers)+2)
	for i := range layers {
		mountpoints = append(mountpoints, filepath.Join(c.mountDir, strconv.Itoa(i)))
	}
	if kind != container.OverlayStack {
		mountpoints = append(mountpoints, overlayDir)
	}
	if casefold && kind != container.OverlayStack {
		mountpoints = append(mountpoints, overlayDir+".casefold")
	}

	jh, err := startJanitor(c.mountDir, mountpoints)
	if err != nil {
		sylog.Warningf("janitor failed to start, continuing without crash-cleanup: %s", err)
	}
	c.janitor = jh

	for i, layer := range layers {
		mp := mountpoints[i]
		if err := os.MkdirAll(mp, 0o770); err != nil {
			_ = c.Unmount()
			return fmt.Errorf("creating mountpoint %s: %w", mp, err)
		}
		h, err := mountLayer(layer, mp)
		if err != nil {
			_ = c.Unmount()
			return fmt.Errorf("mounting layer %d: %w", i, err)
		}
		c.handles = append(c.handles, h)
		if err := procmount.WaitMounted(mp, mountTimeout); err != nil {
			_ = c.Unmount()
			return err
		}
	}

	if err := os.MkdirAll(overlayDir, 0o770); err != nil {
		_ = c.Unmount()
		return fmt.Errorf("creating overlay mountpoint: %w", err)
	}

	lowers := overlay.LowerDirs(c.mountDir, len(layers))
	if kind != container.OverlayStack {
		h, err := overlay.Spawn(kind, lowers, upper, work, overlayDir)
		if err != nil {
			_ = c.Unmount()
			return fmt.Errorf("spawning overlay driver: %w", err)
		}
		c.handles = append(c.handles, h)
		if err := procmount.WaitMounted(overlayDir, mountTimeout); err != nil {
			_ = c.Unmount()
			return err
		}
	}

	if casefold && kind != container.OverlayStack {
		cfDir := overlayDir + ".casefold"
		if err := os.MkdirAll(cfDir, 0o770); err != nil {
			_ = c.Unmount()
			return fmt.Errorf("creating casefold mountpoint: %w", err)
		}
		h, err := overlay.SpawnCasefold(overlayDir, cfDir)
		if err != nil {
			_ = c.Unmount()
			return fmt.Errorf("spawning casefold overlay: %w", err)
		}
		c.handles = append(c.handles, h)
		if err := procmount.WaitMounted(cfDir, mountTimeout); err != nil {
			_ = c.Unmount()
			return err
		}
		c.OverlayDir = cfDir
	}

	return nil
}

// Unmount releases every mount in reverse construction order, then
// terminates the janitor. Teardown errors are logged, never propagated:
// shutdown must make forward progress regardless of driver cooperation.
func (c *Controller) Unmount() error {
	for i := len(c.handles) - 1; i >= 0; i-- {
		if err := c.handles[i].Release(); err != nil {
			sylog.Warningf("releasing %s: %s", c.handles[i].Mountpoint, err)
		}
	}
	c.handles = nil

	if c.janitor != nil {
		c.janitor.stop()
		c.janitor = nil
	}
	return nil
}

func mountLayer(layer container.Layer, mountpoint string) (*procmount.Handle, error) {
	dwarfs, err := exec.LookPath("dwarfs")
	if err != nil {
		dwarfs = "dwarfs"
	}
	opts := fmt.Sprintf("auto_unmount,offset=%d,imagesize=%d", layer.Begin, layer.Size)
	return procmount.Spawn(mountpoint, dwarfs, layer.Path, mountpoint, "-f", "-o", opts)
}
