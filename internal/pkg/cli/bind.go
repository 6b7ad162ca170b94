package cli

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/flatimage/flatimage/internal/pkg/sandbox"
)

// bindDBPath is the user-defined bind database inside the per-image
// config directory, consumed by the sandbox builder at launch (§4.6 item 7).
func bindDBPath() (string, error) {
	dir, err := selfConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "bind.json"), nil
}

// bindCmd implements `fim-bind {add|del|list}` over the user-defined
// bind database.
func bindCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "bind", Short: "manage user-defined bind mounts"}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <ro|rw|dev> <src> <dst>",
			Short: "add one bind mount entry",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				kind := sandbox.BindKind(args[0])
				if kind != sandbox.BindRO && kind != sandbox.BindRW && kind != sandbox.BindDev {
					return fmt.Errorf("invalid bind type %q, expected ro|rw|dev", args[0])
				}
				path, err := bindDBPath()
				if err != nil {
					return err
				}
				bindings, err := sandbox.LoadBindings(path)
				if err != nil {
					return err
				}
				bindings = append(bindings, sandbox.Binding{Kind: kind, Src: args[1], Dst: args[2]})
				return sandbox.SaveBindings(path, bindings)
			},
		},
		&cobra.Command{
			Use:   "del <index>",
			Short: "remove a bind mount entry by its list index",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				idx, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid index %q: %w", args[0], err)
				}
				path, err := bindDBPath()
				if err != nil {
					return err
				}
				bindings, err := sandbox.LoadBindings(path)
				if err != nil {
					return err
				}
				if idx < 0 || idx >= len(bindings) {
					return fmt.Errorf("index %d out of range (have %d entries)", idx, len(bindings))
				}
				bindings = append(bindings[:idx], bindings[idx+1:]...)
				return sandbox.SaveBindings(path, bindings)
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "list bind mount entries as: index type src dst",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := bindDBPath()
				if err != nil {
					return err
				}
				bindings, err := sandbox.LoadBindings(path)
				if err != nil {
					return err
				}
				for i, b := range bindings {
					fmt.Printf("%d %s %s %s\n", i, b.Kind, b.Src, b.Dst)
				}
				return nil
			},
		},
	)

	return cmd
}
