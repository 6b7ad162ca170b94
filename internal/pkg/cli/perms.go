package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flatimage/flatimage/internal/pkg/container"
)

// permsCmd implements `fim-perms {add|del|set|clear|list}` over the
// reserved region's permission bitfield (§3, §4.6 item 5).
func permsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "perms",
		Short: "manage sandbox permission bits",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <name>",
			Short: "enable a permission",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return mutatePermissions(func(p container.Permissions, b container.PermissionBit) container.Permissions {
					return p.Set(b)
				}, args[0])
			},
		},
		&cobra.Command{
			Use:   "del <name>",
			Short: "disable a permission",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return mutatePermissions(func(p container.Permissions, b container.PermissionBit) container.Permissions {
					return p.Clear(b)
				}, args[0])
			},
		},
		&cobra.Command{
			Use:   "set <name...>",
			Short: "replace the enabled permission set",
			RunE: func(cmd *cobra.Command, args []string) error {
				region, err := openSelfRegion()
				if err != nil {
					return err
				}
				var p container.Permissions
				for _, name := range args {
					b, ok := container.PermissionByName(name)
					if !ok {
						return fmt.Errorf("unknown permission %q", name)
					}
					p = p.Set(b)
				}
				return region.WritePermissions(p)
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "disable every permission",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				region, err := openSelfRegion()
				if err != nil {
					return err
				}
				return region.WritePermissions(0)
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "list enabled permissions, one per line",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				region, err := openSelfRegion()
				if err != nil {
					return err
				}
				p, err := region.ReadPermissions()
				if err != nil {
					return err
				}
				for b := container.PermHome; b <= container.PermNetwork; b++ {
					if p.Has(b) {
						fmt.Println(container.PermissionName(b))
					}
				}
				return nil
			},
		},
	)

	return cmd
}

func mutatePermissions(apply func(container.Permissions, container.PermissionBit) container.Permissions, name string) error {
	b, ok := container.PermissionByName(name)
	if !ok {
		return fmt.Errorf("unknown permission %q", name)
	}
	region, err := openSelfRegion()
	if err != nil {
		return err
	}
	p, err := region.ReadPermissions()
	if err != nil {
		return err
	}
	return region.WritePermissions(apply(p, b))
}
