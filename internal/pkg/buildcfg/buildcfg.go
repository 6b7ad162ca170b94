// Package buildcfg holds link-time constants baked into the flatimage
// binary by the build, mirroring the teacher's internal/pkg/buildcfg
// (there populated from mconfig/configure output, here populated with
// -ldflags -X at build time).
package buildcfg

// These are overridden at link time with:
//
//	go build -ldflags "-X .../buildcfg.Commit=... -X .../buildcfg.Timestamp=..."
//
// Defaults below only apply to `go test`/unlinked builds.
var (
	// PackageName is the distribution name reported by `fim-version`.
	PackageName = "flatimage"
	// PackageVersion is the semantic version reported by `fim-version`.
	PackageVersion = "0.0.0-dev"
	// Commit is the short VCS commit embedded in the per-build scratch
	// directory name (<global>/app/<commit>_<timestamp>/).
	Commit = "0000000"
	// Timestamp is the build time embedded in the scratch directory name.
	Timestamp = "0"
	// Dist identifies the distribution flavor (e.g. "alpine", "arch").
	Dist = "generic"
)

// ReservedOffset is FIM_RESERVED_OFFSET: the link-time constant symbol
// recording the absolute file offset at which the reserved configuration
// region begins, which is also the end of the tool blob. It is overridden at link time per build; the
// zero value here means "unset" and callers must treat 0 as a build error
// rather than a valid offset, since real builds always reserve a header
// at offset 0 of the ELF itself.
var ReservedOffset uint64

// ToolManifestJSON is the compile-time JSON array of tool names embedded in
// the tool blob, in the exact order they were appended to the binary. It is
// overridden at link time; the default below matches the minimal toolset a
// development build embeds.
var ToolManifestJSON = `["dwarfs_aio","bwrap","fusermount","busybox","ciopfs","unionfs"]`

// LayerMagic is the 6-byte ASCII magic every appended compressed layer must
// begin with. The compression codec itself is an out-of-scope black box
// (spec.md §1); this is the only contract flatimage's core relies on.
const LayerMagic = "DWARFS"
