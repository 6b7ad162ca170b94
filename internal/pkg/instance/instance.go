// Package instance computes and materializes the per-build and per-PID
// scratch directory tree every flatimage process runs from, plus the
// persistent per-image config directory that sits next to the ELF on the
// host filesystem.
package instance

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/flatimage/flatimage/internal/pkg/buildcfg"
	"github.com/flatimage/flatimage/internal/pkg/env"
)

// Paths is the resolved instance directory tree for one running process,
// mirroring the layout documented for the bootstrap stage.
type Paths struct {
	Global     string // <global>
	App        string // <global>/app/<commit>_<timestamp>
	AppBin     string // .../bin
	AppSbin    string // .../sbin
	Instance   string // .../instance/<pid>
	Mount      string // .../instance/<pid>/mount
	PortalDir  string // .../instance/<pid>/portal
	PortalFifo string // .../instance/<pid>/portal/fifo
	Binary     string // absolute path to the running binary (pre-relocation)
}

// Resolve computes Paths for the current process without creating
// anything on disk.
func Resolve(pid int) (Paths, error) {
	global := filepath.Join(os.TempDir(), "fim")
	app := filepath.Join(global, "app", fmt.Sprintf("%s_%s", buildcfg.Commit, buildcfg.Timestamp))
	appBin := filepath.Join(app, "bin")
	appSbin := filepath.Join(app, "sbin")
	inst := filepath.Join(app, "instance", fmt.Sprintf("%d", pid))
	mount := filepath.Join(inst, "mount")
	portal := filepath.Join(inst, "portal")

	binary, err := os.Readlink("/proc/self/exe")
	if err != nil {
		return Paths{}, fmt.Errorf("resolving self executable: %w", err)
	}

	return Paths{
		Global:     global,
		App:        app,
		AppBin:     appBin,
		AppSbin:    appSbin,
		Instance:   inst,
		Mount:      mount,
		PortalDir:  portal,
		PortalFifo: filepath.Join(portal, "fifo"),
		Binary:     binary,
	}, nil
}

// Create idempotently creates every directory in Paths.
func (p Paths) Create() error {
	for _, dir := range []string{p.Global, p.App, p.AppBin, p.AppSbin, p.Instance, p.Mount, p.PortalDir, p.PortalFifo} {
		if err := os.MkdirAll(dir, 0o770); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// Export sets the FIM_DIR_* and related environment variables so that
// children re-exec'd from Paths can self-locate (§6).
func (p Paths) Export(pid int) error {
	assignments := map[string]string{
		env.DirGlobal:   p.Global,
		env.DirApp:      p.App,
		env.DirAppBin:   p.AppBin,
		env.DirAppSbin:  p.AppSbin,
		env.DirInstance: p.Instance,
		env.DirMount:    p.Mount,
		env.FileBinary:  p.Binary,
		env.Pid:         fmt.Sprintf("%d", pid),
		env.Version:     buildcfg.PackageVersion,
		env.Commit:      buildcfg.Commit,
		env.Dist:        buildcfg.Dist,
		env.Timestamp:   buildcfg.Timestamp,
	}
	for k, v := range assignments {
		if err := os.Setenv(k, v); err != nil {
			return fmt.Errorf("setting %s: %w", k, err)
		}
	}
	return nil
}

// ConfigDir returns the persistent per-image host-side directory
// (".<elfname>.config" next to elfPath) used for the upper/workdir/casefold
// overlay roots and downloaded recipes.
func ConfigDir(elfPath string) string {
	dir := filepath.Dir(elfPath)
	base := filepath.Base(elfPath)
	return filepath.Join(dir, "."+base+".config")
}

// OverlayDirs returns, creating if necessary, the persistent upper
// directory and the per-instance workdir under a ConfigDir.
func OverlayDirs(configDir string, pid int) (upper, work string, err error) {
	upper = filepath.Join(configDir, "overlays", "upperdir")
	work = filepath.Join(configDir, "overlays", "workdir", fmt.Sprintf("%d", pid))
	if err := os.MkdirAll(upper, 0o770); err != nil {
		return "", "", fmt.Errorf("creating upper dir: %w", err)
	}
	if err := os.MkdirAll(work, 0o770); err != nil {
		return "", "", fmt.Errorf("creating work dir: %w", err)
	}
	return upper, work, nil
}

// CasefoldDir returns, creating if necessary, the persistent case-fold
// overlay root under a ConfigDir.
func CasefoldDir(configDir string) (string, error) {
	dir := filepath.Join(configDir, "casefold")
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return "", fmt.Errorf("creating casefold dir: %w", err)
	}
	return dir, nil
}

// RecipesDir returns, creating if necessary, the persistent downloaded-
// recipe directory under a ConfigDir.
func RecipesDir(configDir string) (string, error) {
	dir := filepath.Join(configDir, "recipes")
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return "", fmt.Errorf("creating recipes dir: %w", err)
	}
	return dir, nil
}

// ListRunning scans every build's instance tree under the global scratch
// root and returns the PIDs whose process is still alive, the backing
// list for `fim-instance list`.
func ListRunning() ([]int, error) {
	appsDir := filepath.Join(os.TempDir(), "fim", "app")
	builds, err := os.ReadDir(appsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", appsDir, err)
	}

	var pids []int
	for _, build := range builds {
		entries, err := os.ReadDir(filepath.Join(appsDir, build.Name(), "instance"))
		if err != nil {
			continue
		}
		for _, e := range entries {
			pid, err := strconv.Atoi(e.Name())
			if err != nil {
				continue
			}
			if isAlive(pid) {
				pids = append(pids, pid)
			}
		}
	}
	return pids, nil
}

func isAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
