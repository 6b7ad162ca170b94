package cli

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/flatimage/flatimage/internal/pkg/applet"
	"github.com/flatimage/flatimage/internal/pkg/buildcfg"
	"github.com/flatimage/flatimage/internal/pkg/container"
	"github.com/flatimage/flatimage/internal/pkg/desktop"
	"github.com/flatimage/flatimage/internal/pkg/env"
	"github.com/flatimage/flatimage/internal/pkg/fsctl"
	"github.com/flatimage/flatimage/internal/pkg/instance"
	"github.com/flatimage/flatimage/internal/pkg/overlay"
	"github.com/flatimage/flatimage/internal/pkg/portal"
	"github.com/flatimage/flatimage/internal/pkg/sandbox"
	"github.com/flatimage/flatimage/pkg/sylog"
)

// launch mounts the layer stack, builds the sandbox command line from the
// reserved-region records, and runs program inside it, retrying once with
// union-fs if the native overlay stacking backend fails to mount (§4.6,
// §4.7). This is the shared body of `fim-exec`/`fim-root` and the
// no-subcommand default-launch path (executor.hpp's f_bwrap/f_bwrap_impl).
func launch(isRoot bool, program string, args []string) (int, error) {
	self, err := selfELF()
	if err != nil {
		return 125, err
	}
	configDir, err := selfConfigDir()
	if err != nil {
		return 125, err
	}
	region, err := openSelfRegion()
	if err != nil {
		return 125, err
	}

	paths, err := instance.Resolve(os.Getpid())
	if err != nil {
		return 125, err
	}
	if err := paths.Create(); err != nil {
		return 125, err
	}

	desktop.Integrate(self)

	casefold, err := region.ReadCasefold()
	if err != nil {
		return 125, err
	}
	reservedKind, err := region.ReadOverlay()
	if err != nil {
		return 125, err
	}
	kind := overlay.Select(reservedKind, casefold)

	result, wasStacking, err := launchOnce(self, configDir, region, paths, kind, casefold, isRoot, program, args)
	if err != nil {
		return 125, err
	}
	if sandbox.ShouldRetryWithUnionFS(result, wasStacking) {
		sylog.Errorf("sandbox overlay mount failed, retrying with union-fs")
		result, _, err = launchOnce(self, configDir, region, paths, container.OverlayUnionFS, casefold, isRoot, program, args)
		if err != nil {
			return 125, err
		}
	}
	return result.Code, nil
}

// launchOnce performs one full mount+sandbox+run cycle for the given
// overlay kind, per executor.hpp's f_bwrap_impl.
func launchOnce(
	self, configDir string,
	region *container.Region,
	paths instance.Paths,
	kind container.OverlayKind,
	casefold, isRoot bool,
	program string,
	args []string,
) (sandbox.Result, bool, error) {
	reservedEnd := buildcfg.ReservedOffset + container.TotalSize()
	layers, err := container.DiscoverLayers(self, reservedEnd)
	if err != nil {
		return sandbox.Result{}, false, err
	}

	upper, work, err := instance.OverlayDirs(configDir, os.Getpid())
	if err != nil {
		return sandbox.Result{}, false, err
	}
	if casefold && kind != container.OverlayStack {
		if _, err := instance.CasefoldDir(configDir); err != nil {
			return sandbox.Result{}, false, err
		}
	}

	ctrl := fsctl.New(paths.Mount)
	if err := ctrl.Mount(layers, kind, casefold, upper, work); err != nil {
		return sandbox.Result{}, false, fmt.Errorf("mounting filesystems: %w", err)
	}
	defer ctrl.Unmount()

	programEnv, err := buildProgramEnv(region)
	if err != nil {
		return sandbox.Result{}, false, err
	}

	runtimeDir := filepath.Join(os.TempDir(), "fim", "run")
	runtimeHostDir := filepath.Join(runtimeDir, "host")
	if err := os.MkdirAll(runtimeHostDir, 0o770); err != nil {
		return sandbox.Result{}, false, fmt.Errorf("creating %s: %w", runtimeHostDir, err)
	}
	programEnv = append(programEnv, env.DirRuntime+"="+runtimeDir, env.DirRuntimeHst+"="+runtimeHostDir)

	var ov *sandbox.Overlay
	composedRoot := ctrl.OverlayDir
	if kind == container.OverlayStack {
		ov = &sandbox.Overlay{Layers: overlay.LowerDirs(paths.Mount, len(layers)), Upper: upper, Work: work}
	}

	builder := sandbox.New(isRoot, ov, composedRoot, programEnv)
	builder.WithBindRO("/", runtimeHostDir)

	permissions, err := region.ReadPermissions()
	if err != nil {
		return sandbox.Result{}, false, err
	}
	builder.ApplyPermissions(permissions)

	unshares, err := region.ReadUnshare()
	if err != nil {
		return sandbox.Result{}, false, err
	}
	builder.ApplyUnshare(unshares)

	bindPath, err := bindDBPath()
	if err != nil {
		return sandbox.Result{}, false, err
	}
	bindings, err := sandbox.LoadBindings(bindPath)
	if err != nil {
		return sandbox.Result{}, false, err
	}
	builder.ApplyBindings(bindings)

	if err := spawnHostPortal(paths.Instance, os.Getpid()); err != nil {
		sylog.Warningf("could not start host portal daemon: %s", err)
	}

	bwrap, err := exec.LookPath("bwrap")
	if err != nil {
		bwrap = "bwrap"
	}
	portalDaemonPath := filepath.Join(paths.AppBin, "fim_boot")

	result, err := sandbox.Run(builder, paths.Mount, bwrap, portalDaemonPath, os.Getpid(), program, args)
	if err != nil {
		return sandbox.Result{}, false, err
	}
	return result, kind == container.OverlayStack, nil
}

// buildProgramEnv merges the reserved region's environment-variable map
// over the host process environment, overrides first so sandbox.Builder's
// lookupEnvDB prefers them (§4.6 item 1, §3). Host entries whose key the
// map also sets are dropped, so the exec'd program sees the override too.
func buildProgramEnv(region *container.Region) ([]string, error) {
	overrides, err := region.ReadEnvironment()
	if err != nil {
		return nil, err
	}
	merged := make([]string, 0, len(overrides)+len(os.Environ()))
	for k, v := range overrides {
		merged = append(merged, k+"="+v)
	}
	for _, kv := range os.Environ() {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[k]; ok {
			continue
		}
		merged = append(merged, kv)
	}
	return merged, nil
}

// spawnHostPortal re-execs self as the hidden host-portal applet,
// detached, so a failure to start it never blocks the launch (§4.7's
// "permissive" host daemon startup).
func spawnHostPortal(instanceDir string, parentPID int) error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command(self, applet.PortalHost, instanceDir, strconv.Itoa(parentPID))
	return cmd.Start()
}

// RunHostPortalApplet is the entry point cmd/fim dispatches to when argv[1]
// is applet.PortalHost, invoked by spawnHostPortal.
func RunHostPortalApplet(argv []string) error {
	if len(argv) < 2 {
		return fmt.Errorf("usage: %s <instance-dir> <parent-pid>", applet.PortalHost)
	}
	parentPID, err := strconv.Atoi(argv[1])
	if err != nil {
		return fmt.Errorf("invalid parent pid %q: %w", argv[1], err)
	}
	return portal.RunDaemon(argv[0], parentPID, portal.ModeHost)
}

// DefaultLaunch implements the "no subcommand" path (§4.10): read the
// boot record and launch its program, defaulting to an interactive bash
// shell when none was configured.
func DefaultLaunch(extraArgs []string) (int, error) {
	region, err := openSelfRegion()
	if err != nil {
		return 125, err
	}
	boot, err := region.ReadBoot()
	if err != nil {
		return 125, err
	}
	program := boot.Program
	progArgs := boot.Args
	if program == "" {
		program = "bash"
	}
	progArgs = append(append([]string(nil), progArgs...), extraArgs...)
	return launch(false, program, progArgs)
}

// RunGuestPortalApplet is the entry point cmd/fim dispatches to when
// invoked as `<self> <pid> guest`, the positional convention
// sandbox.Run's in-sandbox relaunch script uses (run.go's guestLauncher):
// unlike the other hidden applets it takes no marker argument, since it is
// built into a literal bash -c string rather than an exec.Command argv.
func RunGuestPortalApplet(pid int) error {
	instanceDir := os.Getenv(env.DirInstance)
	if instanceDir == "" {
		return fmt.Errorf("%s not set, cannot locate instance directory", env.DirInstance)
	}
	return portal.RunDaemon(instanceDir, pid, portal.ModeGuest)
}
