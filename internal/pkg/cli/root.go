// Package cli implements the fim-* command surface (spec.md §4.10): one
// cobra command per verb, selected by a "fim-<verb>" first argument (see
// Execute). Unlike the teacher's
// cmd/internal/cli, which centralizes hundreds of flags behind a
// multi-prefix cmdline.CommandManager, flatimage's surface is small
// enough that each command reads its own documented FIM_* override
// directly (recorded in DESIGN.md as a deliberate simplification, not a
// stdlib fallback — cobra/pflag remain the substrate).
package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flatimage/flatimage/internal/pkg/applet"
	"github.com/flatimage/flatimage/internal/pkg/bootstrap"
	"github.com/flatimage/flatimage/internal/pkg/container"
	"github.com/flatimage/flatimage/internal/pkg/instance"
	"github.com/flatimage/flatimage/internal/pkg/janitor"
	"github.com/flatimage/flatimage/internal/pkg/portal"
	"github.com/flatimage/flatimage/pkg/sylog"
)

var (
	flagDebug   bool
	flagVerbose bool
	flagQuiet   bool
)

// Root builds the top-level command, registering every fim-* verb as a
// sub-command. Execute runs this root with the verb taken from a
// "fim-<verb>" first argument.
func Root() *cobra.Command {
	root := &cobra.Command{
		Use:           "fim",
		Short:         "flatimage container runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setSylogLevel()
		},
	}

	root.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "print debugging information (highest verbosity)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "print additional information")
	root.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress normal output")

	root.AddCommand(
		execCmd(),
		rootModeCmd(),
		permsCmd(),
		envCmd(),
		bindCmd(),
		layerCmd(),
		notifyCmd(),
		casefoldCmd(),
		overlayCmd(),
		unshareCmd(),
		bootCmd(),
		desktopCmd(),
		remoteCmd(),
		recipeCmd(),
		instanceCmd(),
		versionCmd(),
	)

	return root
}

// setSylogLevel mirrors apptainer.go's setSylogMessageLevel: the most
// verbose flag given wins.
func setSylogLevel() {
	switch {
	case flagDebug:
		sylog.SetLevel(int(sylog.DebugLevel), true)
	case flagVerbose:
		sylog.SetLevel(int(sylog.VerboseLevel), true)
	case flagQuiet:
		sylog.SetLevel(int(sylog.ErrorLevel), true)
	}
}

// selfELF resolves the path of the flatimage ELF these commands edit: the
// pre-relocation binary path exported by bootstrap into FIM_FILE_BINARY,
// falling back to the running executable when invoked standalone (e.g. in
// tests, or a `fim-perms` built and run directly during development).
func selfELF() (string, error) {
	if p := os.Getenv("FIM_FILE_BINARY"); p != "" {
		return p, nil
	}
	p, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolving running binary: %w", err)
	}
	return p, nil
}

// openSelfRegion opens the reserved region of the running flatimage ELF.
func openSelfRegion() (*container.Region, error) {
	path, err := selfELF()
	if err != nil {
		return nil, err
	}
	return container.OpenRegion(path), nil
}

// selfConfigDir is the persistent per-image host-side directory next to
// the running ELF (upper/work/casefold/recipes, §3).
func selfConfigDir() (string, error) {
	path, err := selfELF()
	if err != nil {
		return "", err
	}
	return instance.ConfigDir(path), nil
}

// Execute is cmd/fim's entire entry point (parser.hpp's parse()/CmdNone
// dispatch plus the hidden applet re-exec points). A hidden applet's
// result is returned to the caller (nil on success); the default-launch
// dispatch exits the process with the program's exit code and does not
// return; an error here is always fatal.
//
// Dispatch order:
//  1. os.Args[1] is a hidden applet marker (janitor, portal host/worker):
//     these are re-exec targets of our own code, never user-facing.
//  2. os.Args is the portal guest-daemon's positional "<pid> guest" form
//     embedded in sandbox.Run's launcher script (no marker, see launch.go).
//  3. os.Args[1] has the "fim-" prefix: a verb dispatch, handled by cobra.
//  4. otherwise: §4.10's CmdNone path — read the boot record and launch
//     its program, appending whatever argv was given.
func Execute() error {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case applet.Janitor:
			return janitor.Run(os.Args[2:])
		case applet.PortalHost:
			return RunHostPortalApplet(os.Args[2:])
		case applet.PortalWorker:
			return portal.RunWorker(os.Args[2:])
		}
	}

	if len(os.Args) == 3 && os.Args[2] == "guest" {
		if pid, err := strconv.Atoi(os.Args[1]); err == nil {
			return RunGuestPortalApplet(pid)
		}
	}

	if err := bootstrap.Relocate(os.Args); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	if len(os.Args) < 2 || !strings.HasPrefix(os.Args[1], "fim-") {
		code, err := DefaultLaunch(os.Args[1:])
		if err != nil {
			return err
		}
		os.Exit(code)
		return nil
	}

	verb := strings.TrimPrefix(os.Args[1], "fim-")
	cobraArgs := dispatchArgs(verb, os.Args[2:])

	root := Root()
	root.SetArgs(cobraArgs)
	return root.Execute()
}

// dispatchArgs maps the verb of a "fim-<verb>" first argument to the cobra argv that
// reaches it, special-casing fim-version{-full,-deps}'s hyphenated
// spelling (those have no positional args to carry the distinction, see
// versionCmd).
func dispatchArgs(verb string, rest []string) []string {
	switch verb {
	case "version-full":
		return append([]string{"version", "full"}, rest...)
	case "version-deps":
		return append([]string{"version", "deps"}, rest...)
	default:
		return append([]string{verb}, rest...)
	}
}
