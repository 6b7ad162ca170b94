package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// remoteCmd implements `fim-remote {set|show|clear}` over the reserved
// region's recipe-repository base URL (§3).
func remoteCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "remote", Short: "manage the recipe repository URL"}

	cmd.AddCommand(
		&cobra.Command{
			Use:  "set <url>",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				region, err := openSelfRegion()
				if err != nil {
					return err
				}
				return region.WriteRemote(args[0])
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
				url, err := region.ReadRemote()
				if err != nil {
					return err
				}
				fmt.Println(url)
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
				return region.WriteRemote("")
			},
		},
	)

	return cmd
}
