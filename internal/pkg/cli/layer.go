package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flatimage/flatimage/internal/pkg/buildcfg"
	"github.com/flatimage/flatimage/internal/pkg/commit"
	"github.com/flatimage/flatimage/internal/pkg/container"
	"github.com/flatimage/flatimage/internal/pkg/env"
	"github.com/flatimage/flatimage/internal/pkg/instance"
)

// layerCmd implements `fim-layer {create|add|commit|list}` (§4.8).
func layerCmd() *cobra.Command {
	var level int
	var tool string

	cmd := &cobra.Command{Use: "layer", Short: "create, append and inspect layers"}

	create := &cobra.Command{
		Use:   "create <src-dir> <dst-file>",
		Short: "compress an arbitrary directory into a standalone layer file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := commit.Run(commit.Options{
				Mode:     commit.ModeFile,
				Dest:     args[1],
				UpperDir: args[0],
				Level:    level,
				Tool:     resolveCompressorName(tool),
			})
			return err
		},
	}
	create.Flags().IntVarP(&level, "level", "l", 0, "compression level 0-9 (default 7)")
	create.Flags().StringVarP(&tool, "tool", "t", "", "compressor binary name (defaults to mkdwarfs)")

	add := &cobra.Command{
		Use:   "add <layer-file>",
		Short: "append an already-produced layer file to the running ELF",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			elf, err := selfELF()
			if err != nil {
				return err
			}
			return commit.Append(elf, args[0])
		},
	}

	commitCmd := &cobra.Command{
		Use:   "commit",
		Short: "snapshot the persistent upper directory into a new appended layer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			elf, err := selfELF()
			if err != nil {
				return err
			}
			configDir, err := selfConfigDir()
			if err != nil {
				return err
			}
			upper, _, err := instance.OverlayDirs(configDir, os.Getpid())
			if err != nil {
				return err
			}
			dest, err := commit.Run(commit.Options{
				Mode:     commit.ModeAppend,
				Dest:     elf,
				UpperDir: upper,
				Level:    env.IntOr(env.CompressionLevel, level),
				Tool:     resolveCompressorName(tool),
			})
			if err != nil {
				return err
			}
			fmt.Printf("committed layer to %s\n", dest)
			return nil
		},
	}
	commitCmd.Flags().IntVarP(&level, "level", "l", 0, "compression level 0-9 (default 7, or $FIM_COMPRESSION_LEVEL)")
	commitCmd.Flags().StringVarP(&tool, "tool", "t", "", "compressor binary name (defaults to mkdwarfs)")

	list := &cobra.Command{
		Use:   "list",
		Short: "list discovered layers, one per line: index source size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			elf, err := selfELF()
			if err != nil {
				return err
			}
			layers, err := container.DiscoverLayers(elf, buildcfg.ReservedOffset+container.TotalSize())
			if err != nil {
				return err
			}
			for i, l := range layers {
				source := "elf"
				if l.Source == container.SourceFile {
					source = l.Path
				}
				fmt.Printf("%d %s %d\n", i, source, l.Size)
			}
			return nil
		},
	}

	cmd.AddCommand(create, add, commitCmd, list)
	return cmd
}

func resolveCompressorName(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return "mkdwarfs"
}
