package portal

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultTimeout bounds every FIFO open/read/write against a peer that
// never connects, matching the 5s default from spec.md §5. The teacher's
// original uses a SIGALRM-armed blocking syscall for this; Go cannot
// interrupt a blocking syscall with a signal portably, so each open here
// is a goroutine racing the blocking call against a timer, and each read
// or write is bounded by a deadline on the file instead — same bound,
// different mechanism.
const DefaultTimeout = 5 * time.Second

// CreateFIFO makes (or replaces) a named pipe at path, creating parent
// directories as needed.
func CreateFIFO(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o770); err != nil {
		return fmt.Errorf("creating fifo parent directory: %w", err)
	}
	if _, err := os.Lstat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("removing stale fifo %s: %w", path, err)
		}
	}
	if err := unix.Mkfifo(path, 0o666); err != nil {
		return fmt.Errorf("mkfifo %s: %w", path, err)
	}
	return nil
}

// openTimeout opens path with flag, giving up after timeout if the peer
// never connects (the open of a FIFO blocks until both ends exist).
func openTimeout(path string, flag int, timeout time.Duration) (*os.File, error) {
	type result struct {
		f   *os.File
		err error
	}
	done := make(chan result, 1)
	go func() {
		f, err := os.OpenFile(path, flag, 0o666)
		done <- result{f, err}
	}()
	select {
	case r := <-done:
		return r.f, r.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("timed out opening fifo %s", path)
	}
}

// WriteTimeout opens path for writing and writes data, bounded by timeout
// on both the open and the write.
func WriteTimeout(path string, data []byte, timeout time.Duration) error {
	f, err := openTimeout(path, os.O_WRONLY, timeout)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	n, err := f.Write(data)
	if err != nil {
		return fmt.Errorf("writing fifo %s: %w", path, err)
	}
	if n != len(data) {
		return fmt.Errorf("short write to fifo %s: %d/%d bytes", path, n, len(data))
	}
	return nil
}

// ReadTimeout opens path for reading and reads up to len(buf) bytes,
// bounded by timeout on both the open and the read.
func ReadTimeout(path string, buf []byte, timeout time.Duration) (int, error) {
	f, err := openTimeout(path, os.O_RDONLY, timeout)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if err := f.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	return f.Read(buf)
}

// ReadBlocking opens path for reading (bounded by openTimeout, the
// companion FIFO end must already be ready) then reads without a
// deadline. Used once a writer's liveness has already been established
// by another means (the stdio relay loops waiting on the same process
// exit), so the read itself cannot hang indefinitely in practice.
func ReadBlocking(path string, buf []byte, openDeadline time.Duration) (int, error) {
	f, err := openTimeout(path, os.O_RDONLY, openDeadline)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return f.Read(buf)
}
