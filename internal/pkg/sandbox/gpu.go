package sandbox

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/flatimage/flatimage/pkg/sylog"
)

var nvidiaExclude = regexp.MustCompile("gst|icudata|egl-wayland")

var nvidiaSearch = []struct {
	dir      string
	keywords []string
}{
	{"/usr/lib", []string{"nvidia", "cuda", "nvcuvid", "nvoptix"}},
	{"/usr/lib/x86_64-linux-gnu", []string{"nvidia", "cuda", "nvcuvid", "nvoptix"}},
	{"/usr/lib/i386-linux-gnu", []string{"nvidia", "cuda", "nvcuvid", "nvoptix"}},
	{"/usr/bin", []string{"nvidia"}},
	{"/usr/share", []string{"nvidia"}},
	{"/usr/share/vulkan/icd.d", []string{"nvidia"}},
	{"/usr/lib32", []string{"nvidia", "cuda"}},
}

// symlinkNvidia walks the known driver search paths on the host and, for
// every file matching an NVIDIA-ish keyword, creates a symlink in the guest
// upper directory pointing at the real host path. rootGuest is the upper
// directory as seen from the host; rootHost is the path the guest will see
// as its own root (so the symlink target resolves once inside the sandbox).
func symlinkNvidia(rootGuest, rootHost string) {
	for _, entry := range nvidiaSearch {
		findAndLink(entry.dir, entry.keywords, rootGuest, rootHost)
	}
}

func findAndLink(searchDir string, keywords []string, rootGuest, rootHost string) {
	entries, err := os.ReadDir(searchDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if nvidiaExclude.MatchString(name) {
			continue
		}
		if entry.IsDir() {
			continue
		}
		if !matchesAny(name, keywords) {
			continue
		}

		path := filepath.Join(searchDir, name)
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			sylog.Debugf("broken nvidia symlink candidate: %s", path)
			continue
		}

		rel, err := filepath.Rel("/", realPath)
		if err != nil {
			continue
		}
		linkTarget := filepath.Join(rootHost, rel)
		linkName := filepath.Join(rootGuest, searchDir, name)

		if st, err := os.Lstat(linkName); err == nil && st.Mode()&os.ModeSymlink == 0 {
			continue
		}

		if err := os.MkdirAll(filepath.Dir(linkName), 0o770); err != nil {
			continue
		}
		_ = os.Remove(linkName)
		if err := os.Symlink(linkTarget, linkName); err != nil {
			sylog.Debugf("nvidia symlink %s -> %s: %s", linkName, linkTarget, err)
			continue
		}
		sylog.Debugf("PERM(NVIDIA): %s -> %s", linkName, linkTarget)
	}
}

func matchesAny(name string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(name, k) {
			return true
		}
	}
	return false
}

// nvidiaDevices lists /dev entries whose name contains "nvidia", for
// --dev-bind-try directives.
func nvidiaDevices() []string {
	entries, err := os.ReadDir("/dev")
	if err != nil {
		return nil
	}
	var devices []string
	for _, entry := range entries {
		if strings.Contains(entry.Name(), "nvidia") {
			devices = append(devices, filepath.Join("/dev", entry.Name()))
		}
	}
	return devices
}
