package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flatimage/flatimage/internal/pkg/container"
)

// overlayCmd implements `fim-overlay {set|show}` over the reserved
// region's overlay-backend byte (§4.5).
func overlayCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "overlay", Short: "select the overlay backend"}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <stacking|overlay-fs|union-fs>",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				kind, err := container.ParseOverlayKind(args[0])
				if err != nil {
					return err
				}
				region, err := openSelfRegion()
				if err != nil {
					return err
				}
				return region.WriteOverlay(kind)
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
				kind, err := region.ReadOverlay()
				if err != nil {
					return err
				}
				fmt.Println(kind)
				return nil
			},
		},
	)

	return cmd
}
