package portal

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/flatimage/flatimage/internal/pkg/applet"
	"github.com/flatimage/flatimage/pkg/sylog"
)

const (
	pollInterval = 100 * time.Millisecond
	readBuffer   = 16384
)

// Mode selects which well-known FIFO a daemon owns.
type Mode string

const (
	ModeHost  Mode = "host"
	ModeGuest Mode = "guest"
)

// RunDaemon is the entry point for the portal daemon applet. It owns the
// FIFO for its mode, reads one JSON message per read() (never
// newline-framed), and forks a worker for each valid one. It runs until
// parentPID stops existing.
func RunDaemon(instanceDir string, parentPID int, mode Mode) error {
	portalDir := filepath.Join(instanceDir, "portal")
	if err := os.MkdirAll(portalDir, 0o770); err != nil {
		return fmt.Errorf("creating portal directory: %w", err)
	}

	fifoPath := filepath.Join(portalDir, fmt.Sprintf("daemon.%s.fifo", mode))
	if err := CreateFIFO(fifoPath); err != nil {
		return err
	}

	fd, err := unix.Open(fifoPath, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", fifoPath, err)
	}
	defer unix.Close(fd)

	// A dummy writer keeps the read end from seeing EOF between requests.
	dummyFd, err := unix.Open(fifoPath, unix.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("opening dummy writer for %s: %w", fifoPath, err)
	}
	defer unix.Close(dummyFd)

	buf := make([]byte, readBuffer)
	for isAlive(parentPID) {
		n, err := unix.Read(fd, buf)
		switch {
		case n == 0 && err == nil:
			return nil
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			time.Sleep(pollInterval)
			continue
		case err != nil:
			return fmt.Errorf("reading %s: %w", fifoPath, err)
		}

		msg, perr := ParseMessage(buf[:n])
		if perr != nil {
			sylog.Warningf("dropping malformed portal message: %s", perr)
			continue
		}
		spawnWorker(portalDir, msg)
	}
	return nil
}

func isAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

// spawnWorker writes msg to a scratch file and re-execs the current binary
// as the hidden worker applet, detaching so the daemon loop is never
// blocked on a single request. The worker process is itself the
// fork+execve combination the teacher's double-fork performs in one
// os/exec call.
func spawnWorker(portalDir string, msg Message) {
	payload, err := msg.Marshal()
	if err != nil {
		sylog.Errorf("marshaling portal message: %s", err)
		return
	}

	msgPath := filepath.Join(portalDir, fmt.Sprintf("msg-%s.json", uuid.NewString()))
	if err := os.WriteFile(msgPath, payload, 0o600); err != nil {
		sylog.Errorf("writing portal message scratch file: %s", err)
		return
	}

	self, err := os.Executable()
	if err != nil {
		sylog.Errorf("resolving self for worker re-exec: %s", err)
		return
	}

	cmd := exec.Command(self, applet.PortalWorker, msgPath)
	if err := cmd.Start(); err != nil {
		sylog.Errorf("starting portal worker: %s", err)
		return
	}

	go func() {
		_ = cmd.Wait()
		_ = os.Remove(msgPath)
	}()
}
