package container

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/flatimage/flatimage/internal/pkg/buildcfg"
)

// Permission bits, in the exact order the sandbox builder expects
// (spec.md §3/§8 property 6: "bit-to-name mapping... MUST match the order
// used by the sandbox builder").
type PermissionBit uint8

const (
	PermHome PermissionBit = iota
	PermMedia
	PermAudio
	PermWayland
	PermXorg
	PermDBusUser
	PermDBusSystem
	PermUdev
	PermUsb
	PermInput
	PermGpu
	PermNetwork
	numPermissionBits
)

var permissionNames = [numPermissionBits]string{
	PermHome:       "home",
	PermMedia:      "media",
	PermAudio:      "audio",
	PermWayland:    "wayland",
	PermXorg:       "xorg",
	PermDBusUser:   "dbus-user",
	PermDBusSystem: "dbus-system",
	PermUdev:       "udev",
	PermUsb:        "usb",
	PermInput:      "input",
	PermGpu:        "gpu",
	PermNetwork:    "network",
}

// PermissionName returns the canonical name of a permission bit.
func PermissionName(b PermissionBit) string { return permissionNames[b] }

// PermissionByName resolves a canonical name back to its bit, or false if
// unrecognized.
func PermissionByName(name string) (PermissionBit, bool) {
	for i, n := range permissionNames {
		if n == name {
			return PermissionBit(i), true
		}
	}
	return 0, false
}

// Unshare bits (§3).
type UnshareBit uint8

const (
	UnshareUser UnshareBit = iota
	UnshareIPC
	UnsharePID
	UnshareNet
	UnshareUTS
	UnshareCgroup
	numUnshareBits
)

var unshareNames = [numUnshareBits]string{
	UnshareUser:   "user",
	UnshareIPC:    "ipc",
	UnsharePID:    "pid",
	UnshareNet:    "net",
	UnshareUTS:    "uts",
	UnshareCgroup: "cgroup",
}

func UnshareName(b UnshareBit) string { return unshareNames[b] }

func UnshareByName(name string) (UnshareBit, bool) {
	for i, n := range unshareNames {
		if n == name {
			return UnshareBit(i), true
		}
	}
	return 0, false
}

// OverlayKind is the overlay-selection enum stored in the reserved region.
type OverlayKind uint8

const (
	OverlayNone    OverlayKind = 0
	OverlayStack   OverlayKind = 1 << 1
	OverlayFuse    OverlayKind = 1 << 2
	OverlayUnionFS OverlayKind = 1 << 3
)

func (k OverlayKind) String() string {
	switch k {
	case OverlayStack:
		return "stacking"
	case OverlayFuse:
		return "overlay-fs"
	case OverlayUnionFS:
		return "union-fs"
	default:
		return "unknown"
	}
}

// ParseOverlayKind maps the env/CLI spelling to the enum.
func ParseOverlayKind(s string) (OverlayKind, error) {
	switch s {
	case "stacking":
		return OverlayStack, nil
	case "overlayfs", "overlay-fs":
		return OverlayFuse, nil
	case "unionfs", "union-fs":
		return OverlayUnionFS, nil
	default:
		return OverlayNone, fmt.Errorf("unrecognized overlay backend %q", s)
	}
}

// Sub-range sizes. Boot/environment/remote are documented as "variable" in
// spec.md but the region has a fixed total size, so each variable record
// still reserves a fixed maximum sub-range; the sizes below are an Open
// Question resolution recorded in DESIGN.md.
const (
	sizePermissions = 8
	sizeNotify      = 1
	sizeDesktopMeta = 4 * 1024
	sizeIconExt     = 4
	sizeIconData    = 1024*1024 - 12
	sizeIconSize    = 8
	sizeIcon        = sizeIconExt + sizeIconData + sizeIconSize
	sizeCasefold    = 1
	sizeOverlay     = 1
	sizeBoot        = 4 * 1024
	sizeEnvironment = 16 * 1024
	sizeRemote      = 1024
	sizeUnshare     = 2
)

// region is the fixed layout of sub-ranges inside the reserved region,
// enumerated in the table order of spec.md §3.
type region struct{ begin, end uint64 }

func offsets() map[string]region {
	off := uint64(0)
	m := map[string]region{}
	add := func(name string, size uint64) {
		m[name] = region{off, off + size}
		off += size
	}
	add("permissions", sizePermissions)
	add("notify", sizeNotify)
	add("desktop", sizeDesktopMeta)
	add("icon", sizeIcon)
	add("casefold", sizeCasefold)
	add("overlay", sizeOverlay)
	add("boot", sizeBoot)
	add("environment", sizeEnvironment)
	add("remote", sizeRemote)
	add("unshare", sizeUnshare)
	return m
}

// TotalSize is the fixed total size of the reserved configuration region.
func TotalSize() uint64 {
	var max uint64
	for _, r := range offsets() {
		if r.end > max {
			max = r.end
		}
	}
	return max
}

// Region is a read/write handle onto the reserved configuration region of
// one ELF container, rooted at buildcfg.ReservedOffset within the file.
type Region struct {
	Path string
	base uint64
}

// NewRegion opens the reserved region of the ELF at path, rooted at base.
// It does not check base against the observed tool-blob end (§3's
// "mismatch is fatal" invariant is enforced by the bootstrap package, not
// here; Region just trusts the base it is given).
func NewRegion(path string, base uint64) *Region {
	return &Region{Path: path, base: base}
}

// OpenRegion opens the reserved region of a relocated flatimage binary at
// the link-time constant offset. Every `fim-*` sub-command that edits
// reserved-region state opens its region this way.
func OpenRegion(path string) *Region {
	return NewRegion(path, buildcfg.ReservedOffset)
}

// writeRaw zero-fills [begin,end) then writes payload at begin, per §3's
// "read-modify-write in place" invariant. It takes an advisory flock for
// the duration of the write to resolve §9's "concurrent fim-* edits race"
// open question.
func (r *Region) writeRaw(name string, payload []byte) error {
	reg, ok := offsets()[name]
	if !ok {
		return fmt.Errorf("unknown reserved record %q", name)
	}
	size := reg.end - reg.begin
	// Fixed-width records (bitfields and flag bytes) fill their sub-range
	// exactly; variable-length records must leave a trailing zero byte.
	limit := size
	switch name {
	case "permissions", "notify", "casefold", "overlay", "unshare":
		limit = size + 1
	}
	if uint64(len(payload)) >= limit {
		return fmt.Errorf("payload for %q is %d bytes, must be < %d", name, len(payload), limit)
	}

	f, err := os.OpenFile(r.Path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", r.Path, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("locking %s: %w", r.Path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	zero := make([]byte, size)
	if _, err := f.WriteAt(zero, int64(r.base+reg.begin)); err != nil {
		return fmt.Errorf("zero-filling %s record: %w", name, err)
	}
	if _, err := f.WriteAt(payload, int64(r.base+reg.begin)); err != nil {
		return fmt.Errorf("writing %s record: %w", name, err)
	}
	return nil
}

// readRaw reads the full sub-range for name, trailing zeros included.
func (r *Region) readRaw(name string) ([]byte, error) {
	reg, ok := offsets()[name]
	if !ok {
		return nil, fmt.Errorf("unknown reserved record %q", name)
	}
	f, err := os.Open(r.Path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", r.Path, err)
	}
	defer f.Close()

	buf := make([]byte, reg.end-reg.begin)
	if _, err := f.ReadAt(buf, int64(r.base+reg.begin)); err != nil {
		return nil, fmt.Errorf("reading %s record: %w", name, err)
	}
	return buf, nil
}

func trimZeros(b []byte) []byte {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return b[:i]
}

// Permissions is the 12-bit capability bitfield.
type Permissions uint64

func (p Permissions) Has(b PermissionBit) bool { return p&(1<<uint(b)) != 0 }
func (p Permissions) Set(b PermissionBit) Permissions  { return p | (1 << uint(b)) }
func (p Permissions) Clear(b PermissionBit) Permissions { return p &^ (1 << uint(b)) }

func (r *Region) ReadPermissions() (Permissions, error) {
	raw, err := r.readRaw("permissions")
	if err != nil {
		return 0, err
	}
	return Permissions(binary.LittleEndian.Uint64(raw)), nil
}

func (r *Region) WritePermissions(p Permissions) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(p))
	return r.writeRaw("permissions", buf)
}

// Unshare is the 6-bit namespace bitfield.
type Unshare uint16

func (u Unshare) Has(b UnshareBit) bool { return u&(1<<uint(b)) != 0 }
func (u Unshare) Set(b UnshareBit) Unshare   { return u | (1 << uint(b)) }
func (u Unshare) Clear(b UnshareBit) Unshare { return u &^ (1 << uint(b)) }

func (r *Region) ReadUnshare() (Unshare, error) {
	raw, err := r.readRaw("unshare")
	if err != nil {
		return 0, err
	}
	return Unshare(binary.LittleEndian.Uint16(raw)), nil
}

func (r *Region) WriteUnshare(u Unshare) error {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(u))
	return r.writeRaw("unshare", buf)
}

func (r *Region) ReadNotify() (bool, error) {
	raw, err := r.readRaw("notify")
	if err != nil {
		return false, err
	}
	return raw[0] != 0, nil
}

func (r *Region) WriteNotify(v bool) error {
	return r.writeRaw("notify", []byte{boolByte(v)})
}

func (r *Region) ReadCasefold() (bool, error) {
	raw, err := r.readRaw("casefold")
	if err != nil {
		return false, err
	}
	return raw[0] != 0, nil
}

func (r *Region) WriteCasefold(v bool) error {
	return r.writeRaw("casefold", []byte{boolByte(v)})
}

func (r *Region) ReadOverlay() (OverlayKind, error) {
	raw, err := r.readRaw("overlay")
	if err != nil {
		return OverlayNone, err
	}
	if raw[0] == 0 {
		return OverlayStack, nil // default per §4.5 precedence
	}
	return OverlayKind(raw[0]), nil
}

func (r *Region) WriteOverlay(k OverlayKind) error {
	return r.writeRaw("overlay", []byte{byte(k)})
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// DesktopMeta is the UTF-8 JSON desktop-integration record.
type DesktopMeta struct {
	Name         string   `json:"name"`
	Categories   []string `json:"categories"`
	EnableEntry  bool     `json:"entry"`
	EnableMime   bool     `json:"mimetype"`
	EnableIcon   bool     `json:"icon"`
}

func (r *Region) ReadDesktopMeta() (DesktopMeta, error) {
	var m DesktopMeta
	raw, err := r.readRaw("desktop")
	if err != nil {
		return m, err
	}
	raw = trimZeros(raw)
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("parsing desktop metadata: %w", err)
	}
	return m, nil
}

func (r *Region) WriteDesktopMeta(m DesktopMeta) error {
	buf, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding desktop metadata: %w", err)
	}
	return r.writeRaw("desktop", buf)
}

// BootRecord is the default program + argv, §3.
type BootRecord struct {
	Program string   `json:"program"`
	Args    []string `json:"args"`
}

func (r *Region) ReadBoot() (BootRecord, error) {
	var b BootRecord
	raw, err := r.readRaw("boot")
	if err != nil {
		return b, err
	}
	raw = trimZeros(raw)
	if len(raw) == 0 {
		return b, nil
	}
	if err := json.Unmarshal(raw, &b); err != nil {
		return b, fmt.Errorf("parsing boot record: %w", err)
	}
	return b, nil
}

func (r *Region) WriteBoot(b BootRecord) error {
	buf, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encoding boot record: %w", err)
	}
	return r.writeRaw("boot", buf)
}

// ReadEnvironment/WriteEnvironment store the sandbox env-var map.
func (r *Region) ReadEnvironment() (map[string]string, error) {
	m := map[string]string{}
	raw, err := r.readRaw("environment")
	if err != nil {
		return nil, err
	}
	raw = trimZeros(raw)
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parsing environment record: %w", err)
	}
	return m, nil
}

func (r *Region) WriteEnvironment(m map[string]string) error {
	buf, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding environment record: %w", err)
	}
	return r.writeRaw("environment", buf)
}

func (r *Region) ReadRemote() (string, error) {
	raw, err := r.readRaw("remote")
	if err != nil {
		return "", err
	}
	return string(trimZeros(raw)), nil
}

func (r *Region) WriteRemote(url string) error {
	return r.writeRaw("remote", []byte(url))
}

// Icon is the packed icon record: extension, image bytes, and an explicit
// size field so the unused tail of the 1 MiB sub-range is deterministic.
type Icon struct {
	Ext  string
	Data []byte
}

func (r *Region) ReadIcon() (Icon, error) {
	raw, err := r.readRaw("icon")
	if err != nil {
		return Icon{}, err
	}
	ext := string(trimZeros(raw[:sizeIconExt]))
	size := binary.LittleEndian.Uint64(raw[sizeIconExt+sizeIconData:])
	if size > sizeIconData {
		return Icon{}, fmt.Errorf("corrupt icon record: size %d exceeds capacity", size)
	}
	data := make([]byte, size)
	copy(data, raw[sizeIconExt:sizeIconExt+size])
	return Icon{Ext: ext, Data: data}, nil
}

func (r *Region) WriteIcon(icon Icon) error {
	if len(icon.Data) > sizeIconData {
		return fmt.Errorf("icon data %d bytes exceeds capacity %d", len(icon.Data), sizeIconData)
	}
	if len(icon.Ext) >= sizeIconExt {
		return fmt.Errorf("icon extension %q too long", icon.Ext)
	}
	buf := make([]byte, sizeIcon)
	copy(buf[:sizeIconExt], icon.Ext)
	copy(buf[sizeIconExt:], icon.Data)
	binary.LittleEndian.PutUint64(buf[sizeIconExt+sizeIconData:], uint64(len(icon.Data)))

	// The icon record is written as a single packed blob, bypassing
	// writeRaw's "must be smaller than the sub-range" check since it is
	// exactly sub-range sized by construction.
	reg := offsets()["icon"]
	f, err := os.OpenFile(r.Path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", r.Path, err)
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("locking %s: %w", r.Path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	if _, err := f.WriteAt(buf, int64(r.base+reg.begin)); err != nil {
		return fmt.Errorf("writing icon record: %w", err)
	}
	return nil
}
