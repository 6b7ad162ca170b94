package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// notifyCmd implements `fim-notify {on|off}` over the reserved region's
// start-notification byte (§3, §4.10).
func notifyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "notify", Short: "toggle the startup desktop notification"}

	cmd.AddCommand(
		&cobra.Command{
			Use:  "on",
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error { return setNotify(true) },
		},
		&cobra.Command{
			Use:  "off",
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error { return setNotify(false) },
		},
		&cobra.Command{
			Use:  "show",
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				region, err := openSelfRegion()
				if err != nil {
					return err
				}
				v, err := region.ReadNotify()
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

func setNotify(v bool) error {
	region, err := openSelfRegion()
	if err != nil {
		return err
	}
	return region.WriteNotify(v)
}
