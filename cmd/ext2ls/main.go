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
		Name:        "ext2ls",
		Description: "list a directory inside an ext2 image",
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
			&cli.StringFlag{
				Name:  "path",
				Usage: "directory inside the volume to list",
				Value: "/",
			},
		},
		Action: func(ctx *cli.Context) error {
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

			handle, err := driver.Open("/", ctx.String("path"), ext2.ODir)
			if err != nil {
				return fmt.Errorf("opening `%s`: %w", ctx.String("path"), err)
			}
			defer driver.Close(handle)

			for {
				entry, err := driver.Readdir(handle)
				if err != nil {
					return fmt.Errorf("reading `%s`: %w", ctx.String("path"), err)
				}
				if entry == nil {
					break
				}
				kind := "f"
				if entry.IsDir {
					kind = "d"
				}
				fmt.Printf("%s\t%10d\t%s\n", kind, entry.Size, entry.Name)
			}
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
