// Package bootstrap implements the self-relocation step described in
// spec.md §4.1: before the running ELF can mount itself, it copies itself
// (and its embedded tools) out to scratch space and re-execs from there.
package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/flatimage/flatimage/internal/pkg/buildcfg"
	"github.com/flatimage/flatimage/internal/pkg/container"
	"github.com/flatimage/flatimage/internal/pkg/env"
	"github.com/flatimage/flatimage/internal/pkg/instance"
	"github.com/flatimage/flatimage/pkg/sylog"
)

// Relocate performs the full §4.1 sequence and never returns on success: it
// execve's the relocated runner. On failure it returns an error; callers
// should treat any error here as a fatal bootstrap failure (exit 125).
func Relocate(argv []string) error {
	self, err := os.Readlink("/proc/self/exe")
	if err != nil {
		return fmt.Errorf("resolving self executable: %w", err)
	}

	tail, err := container.TailOffset(self, 0)
	if err != nil {
		return fmt.Errorf("computing elf tail: %w", err)
	}
	info, err := os.Stat(self)
	if err != nil {
		return fmt.Errorf("stat self: %w", err)
	}
	if uint64(info.Size()) == tail {
		// No appended data: this is a bare runner already relocated, or a
		// build with no tools/layers. Nothing to do.
		return nil
	}

	pid := os.Getpid()
	paths, err := instance.Resolve(pid)
	if err != nil {
		return err
	}
	if err := paths.Create(); err != nil {
		return err
	}

	end, err := container.ExtractTools(self, paths.AppBin)
	if err != nil {
		return fmt.Errorf("extracting tools: %w", err)
	}

	if err := symlinkApplets(paths.AppSbin); err != nil {
		return err
	}

	if end != buildcfg.ReservedOffset {
		return fmt.Errorf("broken image: actual offset(%d) != expected offset(%d)", end, buildcfg.ReservedOffset)
	}

	if err := paths.Export(pid); err != nil {
		return err
	}
	if err := os.Setenv(env.Offset, fmt.Sprintf("%d", end)); err != nil {
		return fmt.Errorf("setting %s: %w", env.Offset, err)
	}

	if os.Getenv(env.MainOffset) != "" {
		fmt.Println(end)
		os.Exit(0)
	}

	runner := filepath.Join(paths.AppBin, "fim_boot")
	sylog.Debugf("relocating to %s, offset %d", runner, end)

	if err := unix.Exec(runner, argv, os.Environ()); err != nil {
		return fmt.Errorf("execve(%s): %w", runner, err)
	}
	return nil
}

func symlinkApplets(sbinDir string) error {
	target := filepath.Join(filepath.Dir(sbinDir), "bin", "busybox")
	for _, applet := range busyboxApplets {
		link := filepath.Join(sbinDir, applet)
		if _, err := os.Lstat(link); err == nil {
			continue
		}
		if err := os.Symlink(target, link); err != nil && !os.IsExist(err) {
			sylog.Warningf("could not symlink applet %s: %s", applet, err)
		}
	}
	return nil
}
