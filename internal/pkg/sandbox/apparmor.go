package sandbox

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/flatimage/flatimage/pkg/sylog"
)

const apparmorBwrapPath = "/opt/flatimage/bwrap"

// apparmorProfile grants the sandbox launcher the userns capability it
// needs under a restrictive AppArmor policy, per §4.6's privileged-helper
// fallback.
const apparmorProfile = `abi <abi/4.0>,
include <tunables/global>
profile bwrap /opt/flatimage/bwrap flags=(unconfined) {
  userns,
}
`

// resolveLauncher probes candidate sandbox launcher binaries with a no-op
// invocation and returns the first one that works. If the caller-supplied
// path fails (typically AppArmor denying unprivileged user namespaces), it
// falls back to the path flatimage installs to under a privileged helper,
// escalating through pkexec to create that profile if it doesn't exist yet.
func resolveLauncher(launcherPath, mountDir string) (string, error) {
	if probeLauncher(launcherPath) {
		return launcherPath, nil
	}
	if probeLauncher(apparmorBwrapPath) {
		return apparmorBwrapPath, nil
	}

	pkexec, err := exec.LookPath("pkexec")
	if err != nil {
		return "", fmt.Errorf("sandbox launcher failed and pkexec is unavailable to set up apparmor: %w", err)
	}
	helper, err := exec.LookPath("fim_bwrap_apparmor")
	if err != nil {
		return "", fmt.Errorf("sandbox launcher failed and fim_bwrap_apparmor helper is unavailable: %w", err)
	}

	cmd := exec.Command(pkexec, helper, mountDir, launcherPath)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("apparmor profile setup failed: %w", err)
	}

	sylog.Infof("installed apparmor profile for %s", apparmorBwrapPath)
	return apparmorBwrapPath, nil
}

func probeLauncher(path string) bool {
	if _, err := exec.LookPath(path); err != nil {
		if _, statErr := os.Stat(path); statErr != nil {
			return false
		}
	}
	cmd := exec.Command(path, "--bind", "/", "/", "bash", "-c", "echo")
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Run() == nil
}

// InstallApparmorProfile performs the privileged install steps and needs
// root privileges. No applet of this binary calls it: resolveLauncher runs
// an external fim_bwrap_apparmor found on PATH under pkexec. It copies src to
// /opt/flatimage/bwrap, writes the profile that whitelists that exact path,
// and reloads apparmor_parser.
func InstallApparmorProfile(logPrefix, src string) error {
	sylog.SetWriter(mustLogFile(logPrefix + ".bwrap-apparmor.log"))

	dir := "/opt/flatimage"
	dst := apparmorBwrapPath
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	if err := os.Chmod(dst, 0o755); err != nil {
		sylog.Warningf("chmod %s: %s", dst, err)
	}

	profilePath := "/etc/apparmor.d/flatimage"
	if err := os.WriteFile(profilePath, []byte(apparmorProfile), 0o644); err != nil {
		return fmt.Errorf("writing apparmor profile: %w", err)
	}

	parser, err := exec.LookPath("apparmor_parser")
	if err != nil {
		return fmt.Errorf("apparmor_parser not found: %w", err)
	}
	cmd := exec.Command(parser, "-r", profilePath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o755)
}

func mustLogFile(path string) *os.File {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return os.Stderr
	}
	return f
}
