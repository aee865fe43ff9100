package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
	"github.com/wrwagner/ext2fs/pkg/ext2"
)

func main() {
	app := cli.App{
		Name:        "mkext2",
		Description: "format a file as a fresh ext2 volume",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "path",
				Usage:    "path to the image file (created if it doesn't exist)",
				Required: true,
			},
			&cli.Uint64Flag{
				Name:     "blocks",
				Usage:    "total block count for the volume",
				Required: true,
			},
			&cli.UintFlag{
				Name:  "block-size",
				Usage: "block size in bytes: 1024, 2048 or 4096",
				Value: 1024,
			},
			&cli.UintFlag{
				Name:  "blocks-per-group",
				Usage: "blocks per block group; defaults to 8x the block size",
			},
			&cli.UintFlag{
				Name:  "inodes-per-group",
				Usage: "inodes per block group; defaults to a quarter of blocks-per-group",
			},
		},
		Action: func(ctx *cli.Context) error {
			f, err := os.OpenFile(
				ctx.String("path"),
				os.O_RDWR|os.O_CREATE,
				0o644,
			)
			if err != nil {
				return fmt.Errorf("opening `%s`: %w", ctx.String("path"), err)
			}
			defer f.Close()

			opts := ext2.FormatOptions{
				BlockSize:      uint32(ctx.Uint("block-size")),
				BlocksCount:    uint32(ctx.Uint64("blocks")),
				BlocksPerGroup: uint32(ctx.Uint("blocks-per-group")),
				InodesPerGroup: uint32(ctx.Uint("inodes-per-group")),
			}

			size := int64(opts.BlocksCount) * int64(opts.BlockSize)
			if err := f.Truncate(size); err != nil {
				return fmt.Errorf("sizing `%s`: %w", ctx.String("path"), err)
			}

			dev := ext2.NewFileBlockDevice(f, uint32(ctx.Uint("block-size")), false)
			if _, err := ext2.Format(dev, opts); err != nil {
				return fmt.Errorf("formatting `%s`: %w", ctx.String("path"), err)
			}

			fmt.Printf("formatted `%s`: %d blocks\n", ctx.String("path"), opts.BlocksCount)
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
