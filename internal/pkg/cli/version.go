package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flatimage/flatimage/internal/pkg/buildcfg"
)

// versionCmd implements `fim-version{|-full|-deps}` (§4.10).
func versionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "print the package version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(buildcfg.PackageVersion)
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "full",
		Short: "print version, commit and build timestamp",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("%s %s %s %s\n", buildcfg.PackageName, buildcfg.PackageVersion, buildcfg.Commit, buildcfg.Timestamp)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "deps",
		Short: "print the embedded tool manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(buildcfg.ToolManifestJSON)
			return nil
		},
	})

	return cmd
}
