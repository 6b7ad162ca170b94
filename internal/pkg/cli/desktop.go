package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flatimage/flatimage/internal/pkg/desktop"
)

// desktopCmd implements `fim-desktop {setup|enable|clean|dump}` (§4.10),
// a thin wrapper over internal/pkg/desktop.
func desktopCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "desktop", Short: "manage desktop entry/MIME/icon integration"}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "setup <desktop.json>",
			Short: "validate and store desktop integration metadata from a JSON descriptor",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				elf, err := selfELF()
				if err != nil {
					return err
				}
				_, err = desktop.Setup(elf, args[0])
				return err
			},
		},
		&cobra.Command{
			Use:   "enable <entry|mimetype|icon>...",
			Short: "set the active integration items",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				elf, err := selfELF()
				if err != nil {
					return err
				}
				items := make([]desktop.IntegrationItem, len(args))
				for i, a := range args {
					items[i] = desktop.IntegrationItem(a)
				}
				return desktop.Enable(elf, items)
			},
		},
		&cobra.Command{
			Use:   "clean",
			Short: "remove every desktop/MIME/icon file this image installed",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				elf, err := selfELF()
				if err != nil {
					return err
				}
				return desktop.Clean(elf)
			},
		},
		&cobra.Command{
			Use:   "dump",
			Short: "print the stored desktop metadata as JSON",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				elf, err := selfELF()
				if err != nil {
					return err
				}
				out, err := desktop.Dump(elf)
				if err != nil {
					return err
				}
				fmt.Println(out)
				return nil
			},
		},
	)

	return cmd
}
