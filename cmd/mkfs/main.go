// Command mkfs formats a regular file as a modernfs image.
package main

import (
	"fmt"
	"log"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/urfave/cli"

	"github.com/modernfs/modernfs"
)

const (
	minSizeMiB = 1
	maxSizeMiB = 16384
)

func main() {
	app := cli.NewApp()
	app.Name = "mkfs.modernfs"
	app.Usage = "format a file as a modernfs image"
	app.ArgsUsage = "<image-path>"
	app.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "size",
			Usage: "image size in MiB (1-16384)",
			Value: 64,
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("mkfs.modernfs: expected exactly one image path argument", 1)
	}
	path := c.Args().Get(0)
	sizeMiB := c.Int("size")
	if sizeMiB < minSizeMiB || sizeMiB > maxSizeMiB {
		return cli.NewExitError(fmt.Sprintf("mkfs.modernfs: size must be between %d and %d MiB", minSizeMiB, maxSizeMiB), 1)
	}

	if err := format(path, uint64(sizeMiB)*1024*1024); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	fmt.Printf("formatted %s: %d MiB\n", path, sizeMiB)
	return nil
}

func format(path string, sizeBytes uint64) error {
	totalBlocks := uint32(sizeBytes / modernfs.BlockSize)

	layout, err := modernfs.ComputeLayout(totalBlocks)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if err := f.Truncate(int64(totalBlocks) * modernfs.BlockSize); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	dev, err := modernfs.OpenBlockDevice(path, false)
	if err != nil {
		return err
	}
	defer dev.Close()

	if err := zeroRegions(dev, layout); err != nil {
		return err
	}

	cache := modernfs.NewBufferCache(256)

	if _, err := modernfs.InitJournal(dev, cache, layout.JournalStart, layout.JournalLen); err != nil {
		return err
	}

	inodeAlloc := modernfs.NewInodeAllocator(dev, layout.InodeBitmapStart, layout.InodeBitmapLen, layout.TotalInodes)
	if err := inodeAlloc.Sync(); err != nil {
		return err
	}

	dataAlloc := modernfs.NewAllocator(dev, layout.DataBitmapStart, layout.DataBitmapLen, layout.DataStart, layout.DataLen)

	inodeCache := modernfs.NewInodeCache(dev, cache, inodeAlloc, layout, 8)
	bm := modernfs.NewBlockMapper(dataAlloc, cache, dev)
	dir := modernfs.NewDir(inodeCache, bm)

	root, err := inodeCache.Get(modernfs.RootInum)
	if err != nil {
		return err
	}
	root.InitRoot(0755)
	if err := dir.InitDir(root, modernfs.RootInum); err != nil {
		return err
	}
	if err := inodeCache.SyncAll(); err != nil {
		return err
	}
	inodeCache.Put(root)

	if err := dataAlloc.Sync(); err != nil {
		return err
	}
	if err := cache.Sync(dev); err != nil {
		return err
	}

	sb := modernfs.NewSuperblock(layout)
	if err := dev.StoreSuperblock(sb); err != nil {
		return err
	}
	return dev.Sync()
}

// zeroRegions clears the journal, both bitmaps, and the inode table ahead
// of InitJournal/NewInodeAllocator/NewAllocator writing their own headers,
// so stale bytes from a previously formatted image never leak through. The
// regions don't overlap, so they're zeroed concurrently.
func zeroRegions(dev *modernfs.BlockDevice, l modernfs.Layout) error {
	var g errgroup.Group
	ranges := [][2]uint32{
		{l.JournalStart, l.JournalLen},
		{l.InodeBitmapStart, l.InodeBitmapLen},
		{l.DataBitmapStart, l.DataBitmapLen},
		{l.InodeTableStart, l.InodeTableLen},
	}
	for _, r := range ranges {
		start, length := r[0], r[1]
		g.Go(func() error {
			buf := make([]byte, modernfs.BlockSize)
			for i := uint32(0); i < length; i++ {
				if err := dev.Write(start+i, buf); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}
