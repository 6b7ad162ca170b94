package sandbox

import (
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/flatimage/flatimage/pkg/sylog"
)

// Result carries bwrap's exit code and, if it reported one over the
// error-fd pipe, the syscall/errno pair that caused a mount failure.
type Result struct {
	Code      int
	SyscallNr int
	ErrnoNr   int
}

// mountFailure reports whether the launcher's error-fd payload names a
// failed mount syscall, the trigger for the stacking -> union-fs retry.
func (r Result) mountFailure() bool {
	return r.SyscallNr == int(unix.SYS_MOUNT)
}

// Run resolves a working launcher binary (escalating through AppArmor setup
// if needed), then execs it wrapped in a "bash -c" hop so argv quoting
// survives, passing an error-fd the launcher uses to report mount failures.
// portalDaemon is started as a detached child inside the sandbox before the
// guest program, per §4.7's ordering guarantee.
func Run(b *Builder, mountDir, launcherPath, portalDaemonPath string, pid int, program string, programArgs []string) (Result, error) {
	launcher, err := resolveLauncher(launcherPath, mountDir)
	if err != nil {
		return Result{}, err
	}

	bash, err := exec.LookPath("bash")
	if err != nil {
		return Result{}, fmt.Errorf("bash not found: %w", err)
	}

	errPipe := make([]int, 2)
	if err := unixPipe(errPipe); err != nil {
		return Result{}, fmt.Errorf("opening bwrap error pipe: %w", err)
	}
	defer unix.Close(errPipe[0])

	if err := unix.SetNonblock(errPipe[0], true); err != nil {
		return Result{}, fmt.Errorf("configuring bwrap error pipe: %w", err)
	}

	guestLauncher := fmt.Sprintf("&>/dev/null nohup %q %d guest & disown; %q \"$@\"", portalDaemonPath, pid, program)

	// cmd.ExtraFiles places the pipe's write end at fd 3 in the child
	// regardless of its number in this process, so bwrap must be told "3".
	const childErrFD = 3

	args := []string{"-c", fmt.Sprintf("%q \"$@\"", launcher), "--"}
	args = append(args, "--error-fd", fmt.Sprintf("%d", childErrFD))
	args = append(args, b.Args()...)
	args = append(args, bash, "-c", guestLauncher, "--")
	args = append(args, programArgs...)

	cmd := exec.Command(bash, args...)
	cmd.Env = b.ProgramEnv()
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.ExtraFiles = []*os.File{os.NewFile(uintptr(errPipe[1]), "bwrap-error-fd")}

	runErr := cmd.Run()
	unix.Close(errPipe[1])

	code := 125
	if runErr == nil {
		code = 0
	} else if exitErr, ok := runErr.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else {
		sylog.Errorf("bwrap exited abnormally: %s", runErr)
	}
	if code != 0 {
		sylog.Errorf("bwrap exited with non-zero exit code %d", code)
	}

	var syscallNr, errnoNr int32 = -1, -1
	buf := make([]byte, 4)
	if n, _ := unix.Read(errPipe[0], buf); n == 4 {
		syscallNr = int32(binary.LittleEndian.Uint32(buf))
	}
	if n, _ := unix.Read(errPipe[0], buf); n == 4 {
		errnoNr = int32(binary.LittleEndian.Uint32(buf))
	}

	return Result{Code: code, SyscallNr: int(syscallNr), ErrnoNr: int(errnoNr)}, nil
}

func unixPipe(fds []int) error {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return err
	}
	fds[0], fds[1] = p[0], p[1]
	return nil
}

// ShouldRetryWithUnionFS implements the overlay-retry state machine of
// §4.6: a mount(2) failure while the stacking backend was in use is
// recoverable by falling back to union-fs; any other failure is terminal.
func ShouldRetryWithUnionFS(result Result, wasStacking bool) bool {
	return result.Code != 0 && result.mountFailure() && wasStacking
}
