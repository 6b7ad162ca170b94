package fsctl

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/flatimage/flatimage/internal/pkg/applet"
)

// janitorHandle is the controller's side of the janitor process: enough to
// terminate it cleanly on normal shutdown.
type janitorHandle struct {
	cmd *exec.Cmd
}

// startJanitor re-execs the current binary as the hidden janitor applet
// (§4.9), passing the full mountpoint list up front since it is fully
// known before any mount begins. Spawn failure is permissive: the caller
// logs and continues without crash-cleanup.
func startJanitor(mountDir string, mountpoints []string) (*janitorHandle, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving self for janitor re-exec: %w", err)
	}

	logPath := filepath.Join(filepath.Dir(mountDir), "janitor.log")

	args := append([]string{applet.Janitor, fmt.Sprintf("%d", os.Getpid()), logPath}, mountpoints...)
	cmd := exec.Command(self, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting janitor: %w", err)
	}

	return &janitorHandle{cmd: cmd}, nil
}

// stop sends SIGTERM to the janitor, telling it the parent is cleaning up
// normally, then reaps it.
func (j *janitorHandle) stop() {
	if j.cmd == nil || j.cmd.Process == nil {
		return
	}
	_ = j.cmd.Process.Signal(syscall.SIGTERM)
	_ = j.cmd.Wait()
}
