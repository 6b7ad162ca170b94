package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flatimage/flatimage/internal/pkg/container"
)

// unshareCmd implements `fim-unshare {add|del|set|clear|list}` over the
// reserved region's namespace-unshare bitfield (§3, §4.6 item 6).
func unshareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unshare",
		Short: "manage namespace-unshare bits",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:  "add <name>",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return mutateUnshare(func(u container.Unshare, b container.UnshareBit) container.Unshare {
					return u.Set(b)
				}, args[0])
			},
		},
		&cobra.Command{
			Use:  "del <name>",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return mutateUnshare(func(u container.Unshare, b container.UnshareBit) container.Unshare {
					return u.Clear(b)
				}, args[0])
			},
		},
		&cobra.Command{
			Use: "set <name...>",
			RunE: func(cmd *cobra.Command, args []string) error {
				region, err := openSelfRegion()
				if err != nil {
					return err
				}
				var u container.Unshare
				for _, name := range args {
					b, ok := container.UnshareByName(name)
					if !ok {
						return fmt.Errorf("unknown unshare namespace %q", name)
					}
					u = u.Set(b)
				}
				return region.WriteUnshare(u)
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
				return region.WriteUnshare(0)
			},
		},
		&cobra.Command{
			Use:  "list",
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				region, err := openSelfRegion()
				if err != nil {
					return err
				}
				u, err := region.ReadUnshare()
				if err != nil {
					return err
				}
				for b := container.UnshareUser; b <= container.UnshareCgroup; b++ {
					if u.Has(b) {
						fmt.Println(container.UnshareName(b))
					}
				}
				return nil
			},
		},
	)

	return cmd
}

func mutateUnshare(apply func(container.Unshare, container.UnshareBit) container.Unshare, name string) error {
	b, ok := container.UnshareByName(name)
	if !ok {
		return fmt.Errorf("unknown unshare namespace %q", name)
	}
	region, err := openSelfRegion()
	if err != nil {
		return err
	}
	u, err := region.ReadUnshare()
	if err != nil {
		return err
	}
	return region.WriteUnshare(apply(u, b))
}
