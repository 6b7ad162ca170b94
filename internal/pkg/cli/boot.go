package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flatimage/flatimage/internal/pkg/container"
)

// bootCmd implements `fim-boot {set|show|clear}` over the reserved
// region's default-program record (§3, §4.10 "no subcommand" path).
func bootCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "boot", Short: "manage the default boot program"}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <program> [args...]",
			Short: "set the default program and argv launched with no subcommand",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				region, err := openSelfRegion()
				if err != nil {
					return err
				}
				return region.WriteBoot(container.BootRecord{Program: args[0], Args: args[1:]})
			},
		},
		&cobra.Command{
			Use:  "show",
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				region, err := openSelfRegion()
				if err != nil {
					return err
				}
				b, err := region.ReadBoot()
				if err != nil {
					return err
				}
				if b.Program == "" {
					fmt.Println("bash")
					return nil
				}
				fmt.Println(strings.Join(append([]string{b.Program}, b.Args...), " "))
				return nil
			},
		},
		&cobra.Command{
			Use:  "clear",
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				region, err := openSelfRegion()
				if err != nil {
					return err
				}
				return region.WriteBoot(container.BootRecord{})
			},
		},
	)

	return cmd
}
