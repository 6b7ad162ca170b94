package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flatimage/flatimage/internal/pkg/buildcfg"
	"github.com/flatimage/flatimage/internal/pkg/env"
	"github.com/flatimage/flatimage/internal/pkg/instance"
	"github.com/flatimage/flatimage/internal/pkg/recipe"
)

// recipeDist resolves the distribution flavor for recipe lookups:
// FIM_DIST (set by bootstrap from buildcfg.Dist) overrides the build default.
func recipeDist() string {
	if d := os.Getenv(env.Dist); d != "" {
		return d
	}
	return buildcfg.Dist
}

func recipeDownloadDir() (string, error) {
	configDir, err := selfConfigDir()
	if err != nil {
		return "", err
	}
	return instance.RecipesDir(configDir)
}

// recipeCmd implements `fim-recipe {fetch|info|install}` (§4.10).
func recipeCmd() *cobra.Command {
	var useExisting bool

	cmd := &cobra.Command{Use: "recipe", Short: "fetch and install distribution package recipes"}

	fetch := &cobra.Command{
		Use:   "fetch <name>",
		Short: "download a recipe and its dependencies from the configured remote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			region, err := openSelfRegion()
			if err != nil {
				return err
			}
			remote, err := region.ReadRemote()
			if err != nil {
				return err
			}
			if remote == "" {
				return fmt.Errorf("no recipe remote configured, see fim-remote set")
			}
			dir, err := recipeDownloadDir()
			if err != nil {
				return err
			}
			names, err := recipe.Fetch(remote, dir, recipeDist(), args[0], useExisting)
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		},
	}
	fetch.Flags().BoolVar(&useExisting, "use-existing", false, "reuse a cached recipe instead of re-downloading")

	info := &cobra.Command{
		Use:   "info <name>",
		Short: "print a locally cached recipe's metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := recipeDownloadDir()
			if err != nil {
				return err
			}
			return recipe.Info(dir, recipeDist(), args[0])
		},
	}

	install := &cobra.Command{
		Use:   "install <name>...",
		Short: "install the packages named by one or more recipes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := recipeDownloadDir()
			if err != nil {
				return err
			}
			return recipe.Install(dir, recipeDist(), args)
		},
	}

	cmd.AddCommand(fetch, info, install)
	return cmd
}
