package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// execCmd implements `fim-exec <program> [args...]` (§4.6, §4.7): run a
// program inside the sandbox as the invoking user.
func execCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "exec <program> [args...]",
		Short:              "run a program inside the sandbox",
		Args:               cobra.MinimumNArgs(1),
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := launch(false, args[0], args[1:])
			if err != nil {
				return err
			}
			os.Exit(code)
			return nil
		},
	}
}

// rootModeCmd implements `fim-root <program> [args...]` (§4.6): identical
// to fim-exec except the sandbox is built with uid/gid 0, mirroring
// CmdRoot's sole difference from CmdExec in executor.hpp.
func rootModeCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "root <program> [args...]",
		Short:              "run a program inside the sandbox as root",
		Args:               cobra.MinimumNArgs(1),
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := launch(true, args[0], args[1:])
			if err != nil {
				return err
			}
			os.Exit(code)
			return nil
		},
	}
}
