package sandbox

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"

	"github.com/flatimage/flatimage/internal/pkg/container"
)

func TestNewRootMode(t *testing.T) {
	b := New(true, nil, "/mnt/root", nil)
	args := b.Args()
	assert.DeepEqual(t, args[:4], []string{"--uid", "0", "--gid", "0"})
}

func TestNewNonRootUsesCallerIDs(t *testing.T) {
	b := New(false, nil, "/mnt/root", nil)
	args := b.Args()
	assert.Equal(t, args[0], "--uid")
	assert.Equal(t, args[1], strconv.Itoa(os.Getuid()))
}

func TestNewEnvDBOverridesUID(t *testing.T) {
	b := New(false, nil, "/mnt/root", []string{"UID=42", "GID=43"})
	args := b.Args()
	assert.DeepEqual(t, args[:4], []string{"--uid", "42", "--gid", "43"})
}

func TestNewStackingOverlayArgs(t *testing.T) {
	overlay := &Overlay{Layers: []string{"/mnt/0", "/mnt/1"}, Upper: "/upper", Work: "/work"}
	b := New(false, overlay, "", nil)
	args := b.Args()
	assert.DeepEqual(t, args[4:12], []string{
		"--overlay-src", "/mnt/0",
		"--overlay-src", "/mnt/1",
		"--overlay", "/upper", "/work", "/",
	})
}

func TestNewBindRootWithoutOverlay(t *testing.T) {
	b := New(false, nil, "/composed", nil)
	args := b.Args()
	assert.DeepEqual(t, args[4:7], []string{"--bind", "/composed", "/"})
}

func TestApplyPermissionsHome(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	b := New(false, nil, "/root", nil)
	p := container.Permissions(0).Set(container.PermHome)
	b.ApplyPermissions(p)
	args := b.Args()
	found := false
	for i := 0; i < len(args)-2; i++ {
		if args[i] == "--bind-try" && args[i+1] == "/home/tester" && args[i+2] == "/home/tester" {
			found = true
		}
	}
	assert.Assert(t, found)
}

func TestApplyPermissionsHomeSkippedWhenRoot(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	b := New(true, nil, "/root", nil)
	before := len(b.Args())
	p := container.Permissions(0).Set(container.PermHome)
	b.ApplyPermissions(p)
	assert.Equal(t, len(b.Args()), before)
}

func TestApplyUnshareFlags(t *testing.T) {
	b := New(false, nil, "/root", nil)
	u := container.Unshare(0).Set(container.UnshareUser).Set(container.UnsharePID)
	b.ApplyUnshare(u)
	args := b.Args()
	assert.Assert(t, containsArg(args, "--unshare-user-try"))
	assert.Assert(t, containsArg(args, "--unshare-pid"))
	assert.Assert(t, !containsArg(args, "--unshare-pid-try"))
}

func TestApplyBindingsExpandsEnv(t *testing.T) {
	t.Setenv("FOO", "/expanded")
	b := New(false, nil, "/root", nil)
	b.ApplyBindings([]Binding{{Kind: BindRO, Src: "$FOO/a", Dst: "/b"}})
	args := b.Args()
	assert.Assert(t, containsArg(args, "--ro-bind-try"))
	assert.Assert(t, containsArg(args, "/expanded/a"))
}

func TestLoadBindingsMissingFileIsNotError(t *testing.T) {
	bindings, err := LoadBindings(filepath.Join(t.TempDir(), "missing.json"))
	assert.NilError(t, err)
	assert.Assert(t, bindings == nil)
}

func TestLoadBindingsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bindings.json")
	content := `{"one": {"type":"rw","src":"/a","dst":"/b"}}`
	assert.NilError(t, os.WriteFile(path, []byte(content), 0o644))

	bindings, err := LoadBindings(path)
	assert.NilError(t, err)
	assert.Equal(t, len(bindings), 1)
	assert.Equal(t, bindings[0].Kind, BindRW)
	assert.Equal(t, bindings[0].flag(), "--bind-try")
}

func TestLoadBindingsRejectsInvalidType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bindings.json")
	content := `{"one": {"type":"bogus","src":"/a","dst":"/b"}}`
	assert.NilError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := LoadBindings(path)
	assert.ErrorContains(t, err, "invalid binding type")
}

func TestShouldRetryWithUnionFS(t *testing.T) {
	mountFailureResult := Result{Code: 1, SyscallNr: int(unix.SYS_MOUNT)}
	assert.Assert(t, ShouldRetryWithUnionFS(mountFailureResult, true))
	assert.Assert(t, !ShouldRetryWithUnionFS(mountFailureResult, false))

	otherFailure := Result{Code: 1, SyscallNr: 999}
	assert.Assert(t, !ShouldRetryWithUnionFS(otherFailure, true))

	success := Result{Code: 0}
	assert.Assert(t, !ShouldRetryWithUnionFS(success, true))
}

func containsArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}
