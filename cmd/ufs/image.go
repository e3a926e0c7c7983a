package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	units "github.com/docker/go-units"
	"github.com/google/subcommands"

	"github.com/mit-pdos/go-ufs/ufs"
	"github.com/mit-pdos/go-ufs/util"
)

// failed reports err the way a protocol adapter would see it.
func failed(what string, err error) subcommands.ExitStatus {
	log.Printf("%s: %v (%v)", what, err, ufs.Errno(err))
	return subcommands.ExitFailure
}

// withFs mounts the image named by the first of nargs+1 arguments, runs f on
// it with the rest and unmounts it.
func withFs(f *flag.FlagSet, nargs int, run func(fs *ufs.Fs, args []string) error) subcommands.ExitStatus {
	if f.NArg() != nargs+1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	return withImage(f.Name(), f.Arg(0), f.Args()[1:], run)
}

func withImage(what string, image string, args []string, run func(fs *ufs.Fs, args []string) error) subcommands.ExitStatus {
	fs, err := ufs.MountFile(image)
	if err != nil {
		return failed("mount "+image, err)
	}
	err = run(fs, args)
	if cerr := fs.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return failed(what, err)
	}
	return subcommands.ExitSuccess
}

type formatCmd struct {
	conf  util.Config
	size  string
	bsize uint64
	ratio uint64
}

func (*formatCmd) Name() string     { return "format" }
func (*formatCmd) Synopsis() string { return "create and format an image" }
func (*formatCmd) Usage() string {
	return "format [-size 64MiB] [-block-size 4096] [-ratio 16384] <image>\n"
}

func (c *formatCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.size, "size", "64MiB", "file system size, not counting the superblock")
	f.Uint64Var(&c.bsize, "block-size", c.conf.BlockSize, "block size: 1024, 2048 or 4096 (UFS_BLOCK_SIZE)")
	f.Uint64Var(&c.ratio, "ratio", c.conf.InodeRatio, "bytes of group space per inode (UFS_INODE_RATIO)")
}

func (c *formatCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	size, err := units.RAMInBytes(c.size)
	if err != nil || size <= 0 {
		log.Printf("bad -size %q", c.size)
		return subcommands.ExitUsageError
	}
	sb, err := ufs.FormatFile(f.Arg(0), uint64(size), c.bsize, c.ratio)
	if err != nil {
		return failed("format", err)
	}
	fmt.Printf("%s: %s in %d blocks of %d bytes, %d groups, %d inodes\n",
		f.Arg(0), units.BytesSize(float64(sb.NBlocks*sb.BlockSize)),
		sb.NBlocks, sb.BlockSize, sb.NGroups, sb.NInodes)
	return subcommands.ExitSuccess
}

func printStatFS(st ufs.StatFS) {
	used := st.Blocks - st.FreeBlocks
	fmt.Printf("blocks:  %d total, %d used, %d free (%s free)\n",
		st.Blocks, used, st.FreeBlocks, units.BytesSize(float64(st.FreeBlocks*st.BlockSize)))
	fmt.Printf("inodes:  %d total, %d free\n", st.Inodes, st.FreeInodes)
	fmt.Printf("groups:  %d of %d-byte blocks\n", st.Groups, st.BlockSize)
	fmt.Printf("created: %s\n", st.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("mounted: %s (mount %d)\n", st.MountedAt.Format("2006-01-02 15:04:05"), st.MountCount)
}

// mountCmd validates an image the way mounting does and reports its usage.
// Serving it at a mount point is left to a protocol adapter.
type mountCmd struct{}

func (*mountCmd) Name() string             { return "mount" }
func (*mountCmd) Synopsis() string         { return "mount an image and print its usage" }
func (*mountCmd) Usage() string            { return "mount <image> [mountpoint]\n" }
func (*mountCmd) SetFlags(f *flag.FlagSet) {}

func (*mountCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() < 1 || f.NArg() > 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if f.NArg() == 2 {
		log.Printf("no protocol adapter built in; not serving at %s", f.Arg(1))
	}
	return withImage("mount", f.Arg(0), nil, func(fs *ufs.Fs, _ []string) error {
		printStatFS(fs.StatFS())
		return nil
	})
}

type checkCmd struct{}

func (*checkCmd) Name() string             { return "check" }
func (*checkCmd) Synopsis() string         { return "check an image for consistency" }
func (*checkCmd) Usage() string            { return "check <image>\n" }
func (*checkCmd) SetFlags(f *flag.FlagSet) {}

func (*checkCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return withFs(f, 0, func(fs *ufs.Fs, _ []string) error {
		st, err := fs.Check()
		if err != nil {
			return err
		}
		fmt.Printf("clean: %d directories, %d files, %d symlinks, %d blocks in use\n",
			st.Dirs, st.Files, st.Symlinks, st.Blocks)
		return nil
	})
}
