// Command fsck walks a mounted filesystem read-only, reporting basic
// structural counts, the hosted analogue of Pintos's debug-build
// free_map self-check invoked at shutdown (there is no online fsck in
// Pintos itself; this tool generalizes that shutdown-time sanity pass
// into a standalone walk).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bsuserfs/kernelcore/internal/blockdev"
	"github.com/bsuserfs/kernelcore/internal/defs"
	"github.com/bsuserfs/kernelcore/internal/directory"
	"github.com/bsuserfs/kernelcore/internal/fs"
)

type report struct {
	dirs  int
	files int
}

func walk(fsys *fs.FS, dirSector defs.Sector, r *report) error {
	r.dirs++
	var cur directory.Cursor
	for {
		e, ok, err := fsys.Readdir(dirSector, &cur)
		if err != 0 {
			return fmt.Errorf("fsck: readdir: err %d", err)
		}
		if !ok {
			return nil
		}
		if e.Name == "." || e.Name == ".." {
			continue
		}
		isDir, derr := fsys.Isdir(e.Sector)
		if derr != 0 {
			return fmt.Errorf("fsck: stat %s: err %d", e.Name, derr)
		}
		if isDir {
			if err := walk(fsys, e.Sector, r); err != nil {
				return err
			}
			continue
		}
		r.files++
	}
}

func main() {
	root := &cobra.Command{
		Use:   "fsck <image-path>",
		Short: "Walk a filesystem image and report structural counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			info, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("fsck: stat %s: %w", path, err)
			}
			sectors := defs.Sector(info.Size() / blockdev.SectorSize)

			disk, err := blockdev.OpenFileDisk(path, sectors)
			if err != nil {
				return fmt.Errorf("fsck: open %s: %w", path, err)
			}
			defer disk.Close()

			fsys, err := fs.StartFS(disk)
			if err != nil {
				return fmt.Errorf("fsck: mount: %w", err)
			}
			defer fsys.Shutdown()

			var r report
			if err := walk(fsys, fs.RootDirSector, &r); err != nil {
				return err
			}
			fmt.Printf("fsck: %d directories, %d files\n", r.dirs, r.files)
			return nil
		},
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
