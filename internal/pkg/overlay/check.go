// Package overlay selects and drives one of the three backends that
// compose the read-only layer stack with the writable upper directory,
// per spec.md §4.5.
package overlay

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type dirRole uint8

const (
	lowerDir dirRole = 1 << iota
	upperDir
)

type incompatibleFS struct {
	magic int64
	name  string
	roles dirRole
}

// Filesystem magic numbers known to misbehave as an overlay lower or upper
// directory, mirroring the teacher's own incompatibility table.
var incompatible = map[int64]incompatibleFS{
	0x6969:     {0x6969, "NFS", lowerDir | upperDir},
	0x65735546: {0x65735546, "FUSE", upperDir},
	0xF15F:     {0xF15F, "ECRYPT", lowerDir | upperDir},
	0x0BD00BD0: {0x0BD00BD0, "LUSTRE", lowerDir | upperDir},
	0x47504653: {0x47504653, "GPFS", lowerDir | upperDir},
	0xAAD7AAEA: {0xAAD7AAEA, "PANFS", lowerDir | upperDir},
}

var statfs = unix.Statfs

type errIncompatibleFS struct {
	path string
	name string
	role dirRole
}

func (e *errIncompatibleFS) Error() string {
	role := "lower"
	if e.role == upperDir {
		role = "upper"
	}
	return fmt.Sprintf("%s is on a %s filesystem, incompatible as overlay %s directory", e.path, e.name, role)
}

func check(path string, role dirRole) error {
	var st unix.Statfs_t
	if err := statfs(path, &st); err != nil {
		return fmt.Errorf("statfs %s: %w", path, err)
	}
	fs, ok := incompatible[int64(st.Type)]
	if !ok || fs.roles&role == 0 {
		return nil
	}
	return &errIncompatibleFS{path: path, name: fs.name, role: role}
}

// CheckUpper reports whether path's filesystem can serve as the writable
// overlay upper directory.
func CheckUpper(path string) error { return check(path, upperDir) }

// CheckLower reports whether path's filesystem can serve as an overlay
// lower (read-only) directory.
func CheckLower(path string) error { return check(path, lowerDir) }
