// Package sandbox translates the reserved-region permission bitfield,
// unshare bitfield, user binding list, and environment database into a
// command line for the external unprivileged-user-namespace launcher
// (bubblewrap), and execs it, per spec.md §4.6.
package sandbox

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"

	"github.com/flatimage/flatimage/internal/pkg/container"
	"github.com/flatimage/flatimage/internal/pkg/env"
)

// Overlay carries the stacking-backend mount inputs: one bind per layer
// plus the upper/work directories, forwarded straight to the launcher's
// own native --overlay-src/--overlay support.
type Overlay struct {
	Layers []string
	Upper  string
	Work   string
}

// Builder accumulates bwrap arguments and the guest program's environment.
// Its With* methods mutate in place and are called in the fixed order
// §4.6 specifies; unlike the teacher's fluent C++ API they report no error
// individually; callers needing to react to a missing variable should
// check the precondition (e.g. os.LookupEnv) before calling.
type Builder struct {
	args        []string
	programEnv  []string
	xdgRuntime  string
	isRoot      bool
	rootGuest   string
	rootHost    string
}

// New constructs a Builder for the program to run, applying the fixed
// uid/gid, root bind or overlay composition, basic mounts, and
// XDG_RUNTIME_DIR directives (§4.6 items 1-4).
func New(isRoot bool, overlay *Overlay, composedRoot string, programEnv []string) *Builder {
	b := &Builder{isRoot: isRoot, rootGuest: composedRoot}
	b.programEnv = append(b.programEnv, programEnv...)
	b.programEnv = append(b.programEnv, "TERM=xterm")
	if u, err := user.Current(); err == nil {
		b.programEnv = append(b.programEnv, "HOST_USERNAME="+u.Username)
	}

	uid, gid := os.Getuid(), os.Getgid()
	if isRoot {
		uid, gid = 0, 0
	}
	if v, ok := lookupEnvDB(programEnv, "UID"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			uid = n
		}
	}
	if v, ok := lookupEnvDB(programEnv, "GID"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			gid = n
		}
	}
	b.push("--uid", strconv.Itoa(uid), "--gid", strconv.Itoa(gid))

	if overlay != nil {
		for _, layer := range overlay.Layers {
			b.push("--overlay-src", layer)
		}
		b.push("--overlay", overlay.Upper, overlay.Work, "/")
		b.rootHost = overlay.Upper
	} else {
		b.push("--bind", composedRoot, "/")
		b.rootHost = composedRoot
	}

	b.push("--dev", "/dev")
	b.push("--proc", "/proc")
	b.push("--bind", "/tmp", "/tmp")
	b.push("--bind", "/sys", "/sys")
	b.push("--bind-try", "/etc/group", "/etc/group")

	b.xdgRuntime = os.Getenv("XDG_RUNTIME_DIR")
	if b.xdgRuntime == "" {
		b.xdgRuntime = fmt.Sprintf("/run/user/%d", os.Getuid())
	}
	b.programEnv = append(b.programEnv, "XDG_RUNTIME_DIR="+b.xdgRuntime)
	b.push("--setenv", "XDG_RUNTIME_DIR", b.xdgRuntime)

	return b
}

func lookupEnvDB(programEnv []string, key string) (string, bool) {
	prefix := key + "="
	for _, kv := range programEnv {
		if strings.HasPrefix(kv, prefix) {
			return strings.TrimPrefix(kv, prefix), true
		}
	}
	return "", false
}

func (b *Builder) push(args ...string) { b.args = append(b.args, args...) }

// ApplyPermissions appends the directive list for every permission bit set
// in p, in the fixed §4.6 item-5 order.
func (b *Builder) ApplyPermissions(p container.Permissions) {
	if p.Has(container.PermHome) {
		b.bindHome()
	}
	if p.Has(container.PermMedia) {
		b.bindMedia()
	}
	if p.Has(container.PermAudio) {
		b.bindAudio()
	}
	if p.Has(container.PermWayland) {
		b.bindWayland()
	}
	if p.Has(container.PermXorg) {
		b.bindXorg()
	}
	if p.Has(container.PermDBusUser) {
		b.bindDBusUser()
	}
	if p.Has(container.PermDBusSystem) {
		b.bindDBusSystem()
	}
	if p.Has(container.PermUdev) {
		b.bindUdev()
	}
	if p.Has(container.PermUsb) {
		b.bindUsb()
	}
	if p.Has(container.PermInput) {
		b.bindInput()
	}
	if p.Has(container.PermNetwork) {
		b.bindNetwork()
	}
	if p.Has(container.PermGpu) {
		b.bindGpu()
	}
}

func (b *Builder) bindHome() {
	if b.isRoot {
		return
	}
	home := os.Getenv("HOME")
	if home == "" {
		return
	}
	b.push("--bind-try", home, home)
}

func (b *Builder) bindMedia() {
	b.push("--bind-try", "/media", "/media")
	b.push("--bind-try", "/run/media", "/run/media")
	b.push("--bind-try", "/mnt", "/mnt")
}

func (b *Builder) bindAudio() {
	pulse := b.xdgRuntime + "/pulse/native"
	b.push("--bind-try", pulse, pulse)
	b.push("--setenv", "PULSE_SERVER", "unix:"+pulse)

	pipewire := b.xdgRuntime + "/pipewire-0"
	b.push("--bind-try", pipewire, pipewire)

	b.push("--dev-bind-try", "/dev/dsp", "/dev/dsp")
	b.push("--bind-try", "/dev/snd", "/dev/snd")
	b.push("--bind-try", "/dev/shm", "/dev/shm")
	b.push("--bind-try", "/proc/asound", "/proc/asound")
}

func (b *Builder) bindWayland() {
	display := os.Getenv("WAYLAND_DISPLAY")
	if display == "" {
		return
	}
	socket := b.xdgRuntime + "/" + display
	b.push("--bind-try", socket, socket)
	b.push("--setenv", "WAYLAND_DISPLAY", display)
}

func (b *Builder) bindXorg() {
	display, ok := os.LookupEnv("DISPLAY")
	if !ok {
		return
	}
	xauth, ok := os.LookupEnv("XAUTHORITY")
	if !ok {
		return
	}
	b.push("--ro-bind-try", xauth, xauth)
	b.push("--setenv", "XAUTHORITY", xauth)
	b.push("--setenv", "DISPLAY", display)
}

func (b *Builder) bindDBusUser() {
	addr, ok := os.LookupEnv("DBUS_SESSION_BUS_ADDRESS")
	if !ok {
		return
	}
	path := addr
	if i := strings.Index(path, "/"); i != -1 {
		path = path[i:]
	}
	if i := strings.Index(path, ","); i != -1 {
		path = path[:i]
	}
	b.push("--setenv", "DBUS_SESSION_BUS_ADDRESS", addr)
	b.push("--bind-try", path, path)
}

func (b *Builder) bindDBusSystem() {
	b.push("--bind-try", "/run/dbus/system_bus_socket", "/run/dbus/system_bus_socket")
}

func (b *Builder) bindUdev() {
	b.push("--bind-try", "/run/udev", "/run/udev")
}

func (b *Builder) bindInput() {
	b.push("--dev-bind-try", "/dev/input", "/dev/input")
	b.push("--dev-bind-try", "/dev/uinput", "/dev/uinput")
}

func (b *Builder) bindUsb() {
	b.push("--dev-bind-try", "/dev/bus/usb", "/dev/bus/usb")
	b.push("--dev-bind-try", "/dev/usb", "/dev/usb")
}

func (b *Builder) bindNetwork() {
	b.push("--bind-try", "/etc/host.conf", "/etc/host.conf")
	b.push("--bind-try", "/etc/hosts", "/etc/hosts")
	b.push("--bind-try", "/etc/nsswitch.conf", "/etc/nsswitch.conf")
	b.push("--bind-try", "/etc/resolv.conf", "/etc/resolv.conf")
}

func (b *Builder) bindGpu() {
	b.push("--dev-bind-try", "/dev/dri", "/dev/dri")
	for _, dev := range nvidiaDevices() {
		b.push("--dev-bind-try", dev, dev)
	}
	symlinkNvidia(b.rootGuest, b.rootHost)
}

// ApplyUnshare appends one directive per enabled unshare bit. user and
// cgroup use the permissive "-try" suffix since some kernels restrict them
// even for the calling user; the rest are required.
func (b *Builder) ApplyUnshare(u container.Unshare) {
	for _, bit := range []container.UnshareBit{
		container.UnshareUser, container.UnshareIPC, container.UnsharePID,
		container.UnshareNet, container.UnshareUTS, container.UnshareCgroup,
	} {
		if !u.Has(bit) {
			continue
		}
		flag := "--unshare-" + container.UnshareName(bit)
		if bit == container.UnshareUser || bit == container.UnshareCgroup {
			flag += "-try"
		}
		b.push(flag)
	}
}

// ApplyBindings appends one directive per user-defined binding, with both
// paths shell-expanded.
func (b *Builder) ApplyBindings(bindings []Binding) {
	for _, binding := range bindings {
		src, dst := binding.expand()
		b.push(binding.flag(), src, dst)
	}
}

// WithBind appends a single read-write binding.
func (b *Builder) WithBind(src, dst string) *Builder {
	b.push("--bind-try", src, dst)
	return b
}

// WithBindRO appends a single read-only binding.
func (b *Builder) WithBindRO(src, dst string) *Builder {
	b.push("--ro-bind-try", src, dst)
	return b
}

// Args returns the accumulated bwrap argument list, not including the
// program argv or the launcher path itself.
func (b *Builder) Args() []string { return append([]string(nil), b.args...) }

// ProgramEnv returns the environment the guest program will be exec'd with.
func (b *Builder) ProgramEnv() []string { return append([]string(nil), b.programEnv...) }

// WritePS1 derives the sandbox shell prompt from the env DB's PS1 entry, or
// a flatimage default naming the distribution, and writes it to bashrcPath
// as an export line sourced by interactive shells. It exports BASHRC_FILE
// so the sandboxed shell can find it.
func WritePS1(bashrcPath string, programEnv []string) error {
	ps1, ok := lookupEnvDB(programEnv, "PS1")
	if !ok {
		dist := os.Getenv(env.Dist)
		ps1 = fmt.Sprintf(`[flatimage-%s] \W → `, strings.ToLower(dist))
	}
	content := fmt.Sprintf("export PS1=%q", ps1)
	if err := os.WriteFile(bashrcPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", bashrcPath, err)
	}
	os.Setenv("BASHRC_FILE", bashrcPath)
	return nil
}
