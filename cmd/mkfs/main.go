// Command mkfs formats a disk image with a fresh filesystem, the
// hosted-environment analogue of Pintos's "pintos -f -q" format pass
// and biscuit's mkfs.go bootstrap, rebuilt on cobra the way the rest
// of the corpus's CLIs are structured.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bsuserfs/kernelcore/internal/blockdev"
	"github.com/bsuserfs/kernelcore/internal/defs"
	"github.com/bsuserfs/kernelcore/internal/fs"
)

func main() {
	var sizeMB int

	root := &cobra.Command{
		Use:   "mkfs <image-path>",
		Short: "Format a disk image with a fresh filesystem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			sectors := defs.Sector(sizeMB * 1024 * 1024 / blockdev.SectorSize)

			disk, err := blockdev.OpenFileDisk(path, sectors)
			if err != nil {
				return fmt.Errorf("mkfs: open %s: %w", path, err)
			}
			defer disk.Close()

			fsys, err := fs.Format(disk)
			if err != nil {
				return fmt.Errorf("mkfs: format: %w", err)
			}
			if err := fsys.Shutdown(); err != nil {
				return fmt.Errorf("mkfs: shutdown: %w", err)
			}
			fmt.Printf("mkfs: formatted %s (%d MiB)\n", path, sizeMB)
			return nil
		},
	}
	root.Flags().IntVar(&sizeMB, "size-mb", 8, "disk image size in MiB")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
