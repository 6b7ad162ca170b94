package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// casefoldCmd implements `fim-casefold {on|off}` over the reserved
// region's casefold byte (§3, §4.5).
func casefoldCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "casefold", Short: "toggle the case-insensitive overlay"}

	cmd.AddCommand(
		&cobra.Command{
			Use:  "on",
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error { return setCasefold(true) },
		},
		&cobra.Command{
			Use:  "off",
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error { return setCasefold(false) },
		},
		&cobra.Command{
			Use:  "show",
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				region, err := openSelfRegion()
				if err != nil {
					return err
				}
				v, err := region.ReadCasefold()
				if err != nil {
					return err
				}
				fmt.Println(onOff(v))
				return nil
			},
		},
	)

	return cmd
}

func setCasefold(v bool) error {
	region, err := openSelfRegion()
	if err != nil {
		return err
	}
	return region.WriteCasefold(v)
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
