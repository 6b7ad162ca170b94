// Package janitor implements the standalone watchdog process described in
// spec.md §4.9: it outlives a single mount sequence and guarantees
// cleanup if its supervising parent dies before tearing mounts down
// itself.
package janitor

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

const pollInterval = 100 * time.Millisecond

// Run is the janitor's entire lifetime: argv is {parentPID, logPath,
// mountpoint...}. It setsid's the caller into its own session (the caller
// must have forked/exec'd into this entry point already — Run assumes it
// is the first thing the process does), redirects stdio to logPath, then
// polls parent liveness until either a clean SIGTERM or parent death.
func Run(argv []string) error {
	if len(argv) < 2 {
		return fmt.Errorf("janitor: expected at least parent pid and log path, got %d args", len(argv))
	}
	parentPID, err := strconv.Atoi(argv[0])
	if err != nil {
		return fmt.Errorf("janitor: bad parent pid %q: %w", argv[0], err)
	}
	logPath := argv[1]
	mountpoints := argv[2:]

	if _, err := unix.Setsid(); err != nil && err != unix.EPERM {
		return fmt.Errorf("janitor: setsid: %w", err)
	}
	if err := redirectStdio(logPath); err != nil {
		return err
	}
	// A dying peer's write end closing must not kill the janitor; it has
	// nothing left to report to once its controller is gone.
	signal.Ignore(unix.SIGPIPE)

	termed := make(chan struct{}, 1)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGTERM)
	go func() {
		<-sigCh
		termed <- struct{}{}
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-termed:
			fmt.Fprintf(os.Stderr, "janitor: parent %d exited cleanly, shutting down\n", parentPID)
			return nil
		case <-ticker.C:
			if err := unix.Kill(parentPID, 0); err == unix.ESRCH {
				fmt.Fprintf(os.Stderr, "janitor: parent %d died, cleaning up %d mountpoints\n", parentPID, len(mountpoints))
				cleanup(mountpoints)
				return nil
			}
		}
	}
}

// cleanup lazily un-mounts every mountpoint in reverse order, logging but
// not aborting on individual failures.
func cleanup(mountpoints []string) {
	for i := len(mountpoints) - 1; i >= 0; i-- {
		mp := mountpoints[i]
		if err := exec.Command("fusermount", "-zu", mp).Run(); err != nil {
			fmt.Fprintf(os.Stderr, "janitor: fusermount -zu %s: %s\n", mp, err)
		}
	}
}

func redirectStdio(logPath string) error {
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o660)
	if err != nil {
		return fmt.Errorf("janitor: opening log %s: %w", logPath, err)
	}
	os.Stdout = f
	os.Stderr = f
	return nil
}
