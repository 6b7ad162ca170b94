package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// envCmd implements `fim-env {add|del|list}` over the reserved
// region's in-sandbox environment-variable map (§3).
func envCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "env",
		Short: "manage environment variables exported into the sandbox",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <KEY=VALUE>",
			Short: "set one environment variable",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				key, value, ok := strings.Cut(args[0], "=")
				if !ok {
					return fmt.Errorf("expected KEY=VALUE, got %q", args[0])
				}
				region, err := openSelfRegion()
				if err != nil {
					return err
				}
				m, err := region.ReadEnvironment()
				if err != nil {
					return err
				}
				if m == nil {
					m = map[string]string{}
				}
				m[key] = value
				return region.WriteEnvironment(m)
			},
		},
		&cobra.Command{
			Use:   "del <KEY>",
			Short: "remove one environment variable",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				region, err := openSelfRegion()
				if err != nil {
					return err
				}
				m, err := region.ReadEnvironment()
				if err != nil {
					return err
				}
				delete(m, args[0])
				return region.WriteEnvironment(m)
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "list KEY=VALUE, one per line",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				region, err := openSelfRegion()
				if err != nil {
					return err
				}
				m, err := region.ReadEnvironment()
				if err != nil {
					return err
				}
				for k, v := range m {
					fmt.Printf("%s=%s\n", k, v)
				}
				return nil
			},
		},
	)

	return cmd
}
