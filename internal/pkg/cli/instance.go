package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/flatimage/flatimage/internal/pkg/instance"
	"github.com/flatimage/flatimage/internal/pkg/portal"
)

// instanceCmd implements `fim-instance {exec|list}` (§4.7, §4.10): exec
// dispatches a command to a running instance's guest (or host) portal
// daemon; list prints the PIDs of every instance still alive.
func instanceCmd() *cobra.Command {
	var host bool

	cmd := &cobra.Command{Use: "instance", Short: "talk to or enumerate running instances"}

	exec := &cobra.Command{
		Use:   "exec <pid> <command...>",
		Short: "run a command inside a running instance via the portal",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid instance pid %q: %w", args[0], err)
			}
			paths, err := instance.Resolve(pid)
			if err != nil {
				return err
			}
			mode := portal.ModeGuest
			if host {
				mode = portal.ModeHost
			}
			code, err := portal.Dispatch(paths.Instance, mode, args[1:])
			if err != nil {
				return err
			}
			os.Exit(code)
			return nil
		},
	}
	exec.Flags().BoolVar(&host, "host", false, "target the host portal daemon instead of the guest")

	list := &cobra.Command{
		Use:   "list",
		Short: "list the PIDs of running instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pids, err := instance.ListRunning()
			if err != nil {
				return err
			}
			for _, pid := range pids {
				fmt.Println(pid)
			}
			return nil
		},
	}

	cmd.AddCommand(exec, list)
	return cmd
}
