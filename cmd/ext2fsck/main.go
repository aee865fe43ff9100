package main

import (
	"fmt"
	"log"
	"math/bits"
	"os"

	"github.com/urfave/cli/v2"
	"github.com/wrwagner/ext2fs/pkg/ext2"
)

func main() {
	app := cli.App{
		Name:        "ext2fsck",
		Description: "read-only consistency check for an ext2 image",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "image",
				Usage:    "path to the ext2 image file",
				Required: true,
			},
			&cli.UintFlag{
				Name:  "block-size",
				Usage: "device block size in bytes",
				Value: 1024,
			},
		},
		Action: check,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func check(ctx *cli.Context) error {
	f, err := os.Open(ctx.String("image"))
	if err != nil {
		return fmt.Errorf("opening `%s`: %w", ctx.String("image"), err)
	}
	defer f.Close()

	driver, err := ext2.Init(ext2.Config{})
	if err != nil {
		return fmt.Errorf("initializing driver: %w", err)
	}

	dev := ext2.NewFileBlockDevice(f, uint32(ctx.Uint("block-size")), true)
	if err := driver.Mount("/", dev, true); err != nil {
		return fmt.Errorf("mounting `%s`: %w", ctx.String("image"), err)
	}
	defer driver.Unmount("/")

	fs, err := driver.FileSystem("/")
	if err != nil {
		return err
	}

	problems := 0
	problems += checkBitmapCounts(fs)

	reachable := map[ext2.Ino]bool{ext2.RootIno: true}
	if err := walkReachable(driver, "/", reachable); err != nil {
		return fmt.Errorf("walking directory tree: %w", err)
	}
	problems += checkOrphans(fs, reachable)

	if problems == 0 {
		fmt.Println("clean")
		return nil
	}
	return fmt.Errorf("%d problem(s) found", problems)
}

// checkBitmapCounts cross-checks each group descriptor's free counters
// against the number of clear bits its own bitmaps actually carry.
func checkBitmapCounts(fs *ext2.FileSystem) int {
	problems := 0
	for i, group := range fs.Groups {
		freeBlocks := countZeroBits(group.BlockBitmap)
		if uint16(freeBlocks) != group.Desc.FreeBlocksCount {
			fmt.Printf(
				"group %d: descriptor free_blocks_count=%d, bitmap has %d clear bits\n",
				i, group.Desc.FreeBlocksCount, freeBlocks,
			)
			problems++
		}

		freeInodes := countZeroBits(group.InodeBitmap)
		if uint16(freeInodes) != group.Desc.FreeInodesCount {
			fmt.Printf(
				"group %d: descriptor free_inodes_count=%d, bitmap has %d clear bits\n",
				i, group.Desc.FreeInodesCount, freeInodes,
			)
			problems++
		}
	}
	return problems
}

func countZeroBits(bitmap ext2.DynamicBitmap) int {
	total := 0
	for _, b := range bitmap {
		total += 8 - bits.OnesCount8(b)
	}
	return total
}

// walkReachable recursively marks every inode reachable from the volume
// root via a directory entry, skipping "." and "..".
func walkReachable(driver *ext2.Driver, path string, reachable map[ext2.Ino]bool) error {
	handle, err := driver.Open("/", path, ext2.ODir)
	if err != nil {
		return fmt.Errorf("opening `%s`: %w", path, err)
	}
	defer driver.Close(handle)

	var children []string
	for {
		entry, err := driver.Readdir(handle)
		if err != nil {
			return fmt.Errorf("reading `%s`: %w", path, err)
		}
		if entry == nil {
			break
		}
		if entry.Name == "." || entry.Name == ".." {
			continue
		}
		reachable[entry.Ino] = true
		if entry.IsDir {
			children = append(children, joinPath(path, entry.Name))
		}
	}

	for _, child := range children {
		if err := walkReachable(driver, child, reachable); err != nil {
			return err
		}
	}
	return nil
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// checkOrphans reports inodes marked used in a group's bitmap but not
// reachable from the volume root by any directory entry.
func checkOrphans(fs *ext2.FileSystem, reachable map[ext2.Ino]bool) int {
	problems := 0
	for i, group := range fs.Groups {
		for byt := 0; byt < len(group.InodeBitmap); byt++ {
			for bit := 0; bit < 8; bit++ {
				if !group.InodeBitmap.IsSet(uint64(byt), uint64(bit)) {
					continue
				}
				ino := ext2.Ino(uint64(i)*uint64(fs.Superblock.InodesPerGroup) + uint64(byt)*8 + uint64(bit) + 1)
				if ino < ext2.Ino(fs.Superblock.FirstIno) {
					continue
				}
				if !reachable[ino] {
					fmt.Printf("inode %#x: allocated but not reachable from the root\n", ino)
					problems++
				}
			}
		}
	}
	return problems
}
