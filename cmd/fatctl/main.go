// fatctl manages FAT32 disk image files: formatting, inspecting, and
// moving data in and out of them through the same driver stack the tests
// exercise, with the image file standing in for the block device's media.
package main

import (
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/gokernel/fat32fs"
	"github.com/gokernel/fat32fs/bcache"
	"github.com/gokernel/fat32fs/disks"
	"github.com/gokernel/fat32fs/driver"
	"github.com/gokernel/fat32fs/fat32"
	"github.com/gokernel/fat32fs/fsck"
	"github.com/gokernel/fat32fs/utilities/compression"
	"github.com/gokernel/fat32fs/virtio"
)

// nbuf is the buffer-cache pool size used for command-line operation. Deep
// directory trees hold more simultaneous buffers than the kernel-style
// default of a couple dozen, and memory is not at a premium here.
const nbuf = 64

func main() {
	app := cli.App{
		Name:  "fatctl",
		Usage: "Manage FAT32 disk image files",
		Commands: []*cli.Command{
			{
				Name:      "format",
				Usage:     "Create (or wipe) an image as a blank FAT32 volume",
				ArgsUsage: "IMAGE",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "profile",
						Value: "sd-64m",
						Usage: "disk profile `SLUG` (see 'fatctl profiles')",
					},
				},
				Action: formatImage,
			},
			{
				Name:   "profiles",
				Usage:  "List the predefined disk profiles",
				Action: listProfiles,
			},
			{
				Name:      "ls",
				Usage:     "List a directory inside an image",
				ArgsUsage: "IMAGE [PATH]",
				Action:    listDirectory,
			},
			{
				Name:      "cat",
				Usage:     "Print a file from an image to stdout",
				ArgsUsage: "IMAGE PATH",
				Action:    catFile,
			},
			{
				Name:      "put",
				Usage:     "Copy a local file into an image",
				ArgsUsage: "IMAGE LOCAL_FILE DEST_PATH",
				Action:    putFile,
			},
			{
				Name:      "mkdir",
				Usage:     "Create a directory inside an image",
				ArgsUsage: "IMAGE PATH",
				Action:    makeDirectory,
			},
			{
				Name:      "rm",
				Usage:     "Remove a file or empty directory from an image",
				ArgsUsage: "IMAGE PATH",
				Action:    removePath,
			},
			{
				Name:      "df",
				Usage:     "Show an image's free space",
				ArgsUsage: "IMAGE",
				Action:    showFreeSpace,
			},
			{
				Name:      "fsck",
				Usage:     "Check an image for consistency problems",
				ArgsUsage: "IMAGE",
				Action:    checkImage,
			},
			{
				Name:      "pack",
				Usage:     "Compress an image for storage",
				ArgsUsage: "IMAGE OUTPUT",
				Action:    packImage,
			},
			{
				Name:      "unpack",
				Usage:     "Decompress an image produced by 'pack'",
				ArgsUsage: "INPUT IMAGE",
				Action:    unpackImage,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

// mountImage opens an image file and brings up the full driver stack on it.
// The caller must Close the returned file once done; all writes are
// write-through, so there is nothing else to flush.
func mountImage(path string, flags fat32fs.MountFlags) (*driver.Driver, *os.File, error) {
	fileFlags := os.O_RDONLY
	if flags.CanWrite() || flags.CanDelete() {
		fileFlags = os.O_RDWR
	}

	image, err := os.OpenFile(path, fileFlags, 0)
	if err != nil {
		return nil, nil, err
	}

	regs := virtio.NewSimRegisters(image)
	disk, err := virtio.New(regs, nil)
	if err != nil {
		image.Close()
		return nil, nil, err
	}
	regs.Attach(disk)

	fs, err := fat32.Mount(bcache.New(disk, nbuf), 0)
	if err != nil {
		image.Close()
		return nil, nil, err
	}
	return driver.New(fs, flags), image, nil
}

func formatImage(context *cli.Context) error {
	if context.NArg() != 1 {
		return fmt.Errorf("expected exactly one IMAGE argument")
	}

	profile, err := disks.GetPredefinedProfile(context.String("profile"))
	if err != nil {
		return err
	}

	image, err := os.Create(context.Args().Get(0))
	if err != nil {
		return err
	}
	defer image.Close()

	if err := image.Truncate(profile.TotalSizeBytes()); err != nil {
		return err
	}
	return fat32.Format(image, profile.FormatSpec())
}

func listProfiles(context *cli.Context) error {
	writer := tabwriter.NewWriter(context.App.Writer, 0, 8, 2, ' ', 0)
	fmt.Fprintln(writer, "SLUG\tNAME\tSIZE\tCLUSTER")
	for _, profile := range disks.ListProfiles() {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%d MiB\t%d KiB\n",
			profile.Slug,
			profile.Name,
			profile.TotalSizeBytes()>>20,
			profile.SectorsPerCluster*fat32.SectorSize/1024,
		)
	}
	return writer.Flush()
}

func listDirectory(context *cli.Context) error {
	if context.NArg() < 1 || context.NArg() > 2 {
		return fmt.Errorf("expected IMAGE and an optional PATH")
	}
	dirPath := "/"
	if context.NArg() == 2 {
		dirPath = context.Args().Get(1)
	}

	drv, image, err := mountImage(context.Args().Get(0), fat32fs.MountFlagsAllowRead)
	if err != nil {
		return err
	}
	defer image.Close()

	entries, err := drv.ReadDir(dirPath)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(context.App.Writer, 0, 8, 2, ' ', 0)
	for _, entry := range entries {
		info, _ := entry.Info()
		fmt.Fprintf(writer, "%s\t%d\t%s\n", info.Mode(), info.Size(), entry.Name())
	}
	return writer.Flush()
}

func catFile(context *cli.Context) error {
	if context.NArg() != 2 {
		return fmt.Errorf("expected IMAGE and PATH")
	}

	drv, image, err := mountImage(context.Args().Get(0), fat32fs.MountFlagsAllowRead)
	if err != nil {
		return err
	}
	defer image.Close()

	data, err := drv.ReadFile(context.Args().Get(1))
	if err != nil {
		return err
	}
	_, err = context.App.Writer.Write(data)
	return err
}

func putFile(context *cli.Context) error {
	if context.NArg() != 3 {
		return fmt.Errorf("expected IMAGE, LOCAL_FILE, and DEST_PATH")
	}

	data, err := os.ReadFile(context.Args().Get(1))
	if err != nil {
		return err
	}

	drv, image, err := mountImage(context.Args().Get(0), fat32fs.MountFlagsAllowAll)
	if err != nil {
		return err
	}
	defer image.Close()

	return drv.WriteFile(context.Args().Get(2), data, 0o644)
}

func makeDirectory(context *cli.Context) error {
	if context.NArg() != 2 {
		return fmt.Errorf("expected IMAGE and PATH")
	}

	drv, image, err := mountImage(context.Args().Get(0), fat32fs.MountFlagsAllowAll)
	if err != nil {
		return err
	}
	defer image.Close()

	return drv.MkdirAll(context.Args().Get(1), 0o755)
}

func removePath(context *cli.Context) error {
	if context.NArg() != 2 {
		return fmt.Errorf("expected IMAGE and PATH")
	}

	drv, image, err := mountImage(context.Args().Get(0), fat32fs.MountFlagsAllowAll)
	if err != nil {
		return err
	}
	defer image.Close()

	return drv.Remove(context.Args().Get(1))
}

func showFreeSpace(context *cli.Context) error {
	if context.NArg() != 1 {
		return fmt.Errorf("expected exactly one IMAGE argument")
	}

	drv, image, err := mountImage(context.Args().Get(0), fat32fs.MountFlagsAllowRead)
	if err != nil {
		return err
	}
	defer image.Close()

	stat, err := drv.FSStat()
	if err != nil {
		return err
	}

	used := stat.TotalBlocks - stat.BlocksFree
	fmt.Fprintf(
		context.App.Writer,
		"cluster size %d B, %d clusters total, %d used, %d free (%d MiB free)\n",
		stat.BlockSize,
		stat.TotalBlocks,
		used,
		stat.BlocksFree,
		uint64(stat.BlockSize)*stat.BlocksFree>>20,
	)
	return nil
}

func checkImage(context *cli.Context) error {
	if context.NArg() != 1 {
		return fmt.Errorf("expected exactly one IMAGE argument")
	}

	drv, image, err := mountImage(context.Args().Get(0), fat32fs.MountFlagsAllowRead)
	if err != nil {
		return err
	}
	defer image.Close()

	report, err := fsck.Check(drv.Filesystem())
	if err != nil {
		return err
	}

	fmt.Fprintf(
		context.App.Writer,
		"%d files, %d directories, %d clusters in use\n",
		report.FilesChecked,
		report.DirectoriesChecked,
		report.ClustersInUse,
	)
	if !report.Ok() {
		return report.Problems
	}
	return nil
}

func packImage(context *cli.Context) error {
	if context.NArg() != 2 {
		return fmt.Errorf("expected IMAGE and OUTPUT")
	}

	input, err := os.Open(context.Args().Get(0))
	if err != nil {
		return err
	}
	defer input.Close()

	output, err := os.Create(context.Args().Get(1))
	if err != nil {
		return err
	}
	defer output.Close()

	_, err = compression.CompressImage(input, output)
	return err
}

func unpackImage(context *cli.Context) error {
	if context.NArg() != 2 {
		return fmt.Errorf("expected INPUT and IMAGE")
	}

	input, err := os.Open(context.Args().Get(0))
	if err != nil {
		return err
	}
	defer input.Close()

	output, err := os.Create(context.Args().Get(1))
	if err != nil {
		return err
	}
	defer output.Close()

	_, err = compression.DecompressImage(input, output)
	return err
}
