package portal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Dispatch sends one request to the daemon of the given mode and relays
// stdio until the target process exits, returning its exit code. This is
// the `fim-instance exec` entry point and the wrapper the bootstrap
// launches alongside the sandbox.
func Dispatch(instanceDir string, mode Mode, command []string) (int, error) {
	portalDir := filepath.Join(instanceDir, "portal")
	fifoDir := filepath.Join(portalDir, "fifo", strconv.Itoa(os.Getpid()))

	fifos := map[string]string{
		"stdin":  filepath.Join(fifoDir, "stdin"),
		"stdout": filepath.Join(fifoDir, "stdout"),
		"stderr": filepath.Join(fifoDir, "stderr"),
		"exit":   filepath.Join(fifoDir, "exit"),
		"pid":    filepath.Join(fifoDir, "pid"),
	}
	for _, path := range fifos {
		if err := CreateFIFO(path); err != nil {
			return 0, err
		}
	}

	envPath := filepath.Join(portalDir, fmt.Sprintf("environment.%d", os.Getpid()))
	if err := writeEnvironmentFile(envPath); err != nil {
		return 0, err
	}

	logPath := filepath.Join(portalDir, "cli.log")

	msg := Message{
		Command:     command,
		Stdin:       fifos["stdin"],
		Stdout:      fifos["stdout"],
		Stderr:      fifos["stderr"],
		Pid:         fifos["pid"],
		Exit:        fifos["exit"],
		Log:         logPath,
		Environment: envPath,
	}
	payload, err := msg.Marshal()
	if err != nil {
		return 0, err
	}

	daemonFifo := filepath.Join(portalDir, fmt.Sprintf("daemon.%s.fifo", mode))
	if err := WriteTimeout(daemonFifo, payload, DefaultTimeout); err != nil {
		return 0, fmt.Errorf("sending request to %s daemon: %w", mode, err)
	}

	return relay(fifos)
}

// relay opens the stdio FIFOs, forwards its own stdin/stdout/stderr to/from
// them via goroutines (the Go stand-in for the teacher's three forked
// relay processes — see DESIGN.md), learns the worker's PID to forward
// signals to it, and returns once the exit FIFO yields a code.
func relay(fifos map[string]string) (int, error) {
	var pid atomic.Int64

	var ostate *term.State
	if term.IsTerminal(0) {
		ostate, _ = term.MakeRaw(0)
		defer func() {
			if ostate != nil {
				fmt.Printf("\r")
				_ = term.Restore(0, ostate)
			}
		}()
	}

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		f, err := openTimeout(fifos["stdin"], os.O_WRONLY, DefaultTimeout)
		if err != nil {
			return
		}
		defer f.Close()
		pumpStdin(f, &pid)
	}()
	go func() {
		defer wg.Done()
		f, err := openTimeout(fifos["stdout"], os.O_RDONLY, DefaultTimeout)
		if err != nil {
			return
		}
		defer f.Close()
		_, _ = io.Copy(os.Stdout, f)
	}()
	go func() {
		defer wg.Done()
		f, err := openTimeout(fifos["stderr"], os.O_RDONLY, DefaultTimeout)
		if err != nil {
			return
		}
		defer f.Close()
		_, _ = io.Copy(os.Stderr, f)
	}()

	pidBuf := make([]byte, 32)
	n, err := ReadTimeout(fifos["pid"], pidBuf, DefaultTimeout)
	if err != nil {
		return 0, fmt.Errorf("reading child pid: %w", err)
	}
	childPID, err := strconv.Atoi(string(pidBuf[:n]))
	if err != nil {
		return 0, fmt.Errorf("parsing child pid: %w", err)
	}
	pid.Store(int64(childPID))

	stop := forwardSignals(childPID)
	defer stop()

	// stdout/stderr drain naturally: the worker closes its ends once the
	// target exits, so those reads hit EOF on their own. stdin has no such
	// signal (an interactive terminal never reaches EOF), so pumpStdin
	// bounds itself on the child's liveness instead.
	wg.Wait()

	exitBuf := make([]byte, 16)
	n, err = ReadBlocking(fifos["exit"], exitBuf, DefaultTimeout)
	if err != nil {
		return 0, fmt.Errorf("reading exit code: %w", err)
	}
	code, err := strconv.Atoi(string(exitBuf[:n]))
	if err != nil {
		return 0, fmt.Errorf("parsing exit code: %w", err)
	}

	return code, nil
}

// pumpStdin forwards the dispatcher's own stdin into f, polling the
// worker's child PID (once known) instead of waiting for stdin to reach
// EOF. Mirrors the teacher's kill(ppid, 0)-bounded relay loop (see
// original_source/src/portal/fifo.hpp), translated from a signal-based
// poll to a read-deadline poll since Go has no portable way to interrupt
// a blocking read on an arbitrary fd.
func pumpStdin(f *os.File, pid *atomic.Int64) {
	buf := make([]byte, 4096)
	for {
		if p := pid.Load(); p != 0 && unix.Kill(int(p), 0) != nil {
			return
		}
		_ = os.Stdin.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return
		}
	}
}

// forwardSignals relays every signal the dispatcher receives to pid,
// matching §4.7's cancellation guarantee (SIGTERM, SIGINT, SIGHUP,
// SIGUSR1/2, SIGPIPE, …). Returns a stop function.
func forwardSignals(pid int) func() {
	ch := make(chan os.Signal, 8)
	signal.Notify(ch,
		syscall.SIGABRT, syscall.SIGTERM, syscall.SIGINT, syscall.SIGCONT,
		syscall.SIGHUP, syscall.SIGIO, syscall.SIGPIPE, syscall.SIGQUIT,
		syscall.SIGURG, syscall.SIGUSR1, syscall.SIGUSR2,
	)
	go func() {
		for sig := range ch {
			_ = syscall.Kill(pid, sig.(syscall.Signal))
		}
	}()
	return func() { signal.Stop(ch); close(ch) }
}

func writeEnvironmentFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating environment file: %w", err)
	}
	defer f.Close()
	for _, kv := range os.Environ() {
		if _, err := fmt.Fprintln(f, kv); err != nil {
			return err
		}
	}
	return nil
}
