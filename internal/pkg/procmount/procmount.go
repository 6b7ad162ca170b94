// Package procmount holds the process-backed mount driver primitives
// shared by the per-layer and overlay drivers: spawn a foreground FUSE
// driver, poll for mount readiness via statfs, and release it with a lazy
// unmount. Grounded on apptainer's internal/pkg/image/driver fuseappsDriver.
package procmount

import (
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"

	"github.com/flatimage/flatimage/pkg/sylog"
)

// FuseSuperMagic is statfs(2)'s f_type value for a FUSE-backed filesystem,
// used to detect mount readiness/release without parsing /proc/mounts.
const FuseSuperMagic = 0x65735546

// Handle is one running mount driver subprocess, with dedicated goroutines
// draining stdout/stderr so cmd.Wait never blocks on a full pipe buffer.
type Handle struct {
	cmd        *exec.Cmd
	Mountpoint string
	stdout     bytes.Buffer
	stderr     bytes.Buffer
	outDone    chan error
	errDone    chan error
}

// Spawn starts name(args...) in the foreground (every driver in this
// domain takes "-f" to stay attached) and returns a handle without
// waiting for the mount to become ready; call WaitMounted for that.
func Spawn(mountpoint string, name string, args ...string) (*Handle, error) {
	cmd := exec.Command(name, args...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe for %s: %w", name, err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe for %s: %w", name, err)
	}

	h := &Handle{
		cmd:        cmd,
		Mountpoint: mountpoint,
		outDone:    make(chan error, 1),
		errDone:    make(chan error, 1),
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", name, err)
	}

	go func() {
		_, err := io.Copy(&h.stdout, stdoutPipe)
		h.outDone <- err
	}()
	go func() {
		_, err := io.Copy(&h.stderr, stderrPipe)
		h.errDone <- err
	}()

	return h, nil
}

// WaitMounted polls statfs(mountpoint) until it reports the FUSE
// supermagic or timeout elapses, per the filesystem controller's 60s
// readiness window.
func WaitMounted(mountpoint string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if IsMounted(mountpoint) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %s to mount", mountpoint)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// IsMounted reports whether mountpoint currently shows the FUSE
// supermagic.
func IsMounted(mountpoint string) bool {
	var st unix.Statfs_t
	if err := unix.Statfs(mountpoint, &st); err != nil {
		return false
	}
	return int64(st.Type) == FuseSuperMagic
}

// Release lazily un-mounts h's mountpoint via the external fusermount
// tool and waits for both the driver process and the unmount to settle.
func (h *Handle) Release() error {
	fusermount, err := exec.LookPath("fusermount")
	if err != nil {
		fusermount = "fusermount" // let exec.Command surface the real error
	}
	if err := exec.Command(fusermount, "-zu", h.Mountpoint).Run(); err != nil {
		sylog.Warningf("fusermount -zu %s: %s", h.Mountpoint, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for IsMounted(h.Mountpoint) && time.Now().Before(deadline) {
		time.Sleep(25 * time.Millisecond)
	}

	waitErr := h.cmd.Wait()
	<-h.outDone
	<-h.errDone

	if h.stderr.Len() > 0 {
		sylog.Debugf("%s: %s", h.Mountpoint, h.stderr.String())
	}
	return waitErr
}
