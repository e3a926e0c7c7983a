package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path"

	units "github.com/docker/go-units"
	"github.com/google/subcommands"

	"github.com/mit-pdos/go-ufs/common"
	"github.com/mit-pdos/go-ufs/ufs"
)

// parent resolves the directory holding p and returns it with p's last
// component.
func parent(fs *ufs.Fs, p string) (common.Inum, string, error) {
	p = path.Clean("/" + p)
	dinum, err := fs.ResolvePath(path.Dir(p))
	if err != nil {
		return common.NULLINUM, "", err
	}
	return dinum, path.Base(p), nil
}

const chunk = 1 << 20

type lsCmd struct {
	long bool
}

func (*lsCmd) Name() string     { return "ls" }
func (*lsCmd) Synopsis() string { return "list a directory" }
func (*lsCmd) Usage() string    { return "ls [-l] <image> <path>\n" }

func (c *lsCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.long, "l", false, "print inode, type, links and size")
}

func (c *lsCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return withFs(f, 1, func(fs *ufs.Fs, args []string) error {
		dinum, err := fs.ResolvePath(args[0])
		if err != nil {
			return err
		}
		ents, err := fs.Readdir(dinum, 0, 0)
		if err != nil {
			return err
		}
		for _, e := range ents {
			if !c.long {
				fmt.Println(e.Name)
				continue
			}
			attr, err := fs.GetAttr(e.Inum)
			if err != nil {
				return err
			}
			fmt.Printf("%6d %-7s %04o %3d %10s %s\n", attr.Inum, attr.Kind, attr.Mode,
				attr.Nlink, units.BytesSize(float64(attr.Size)), e.Name)
		}
		return nil
	})
}

type statCmd struct{}

func (*statCmd) Name() string             { return "stat" }
func (*statCmd) Synopsis() string         { return "print the attributes of a file" }
func (*statCmd) Usage() string            { return "stat <image> <path>\n" }
func (*statCmd) SetFlags(f *flag.FlagSet) {}

func (*statCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return withFs(f, 1, func(fs *ufs.Fs, args []string) error {
		inum, err := fs.ResolvePath(args[0])
		if err != nil {
			return err
		}
		a, err := fs.GetAttr(inum)
		if err != nil {
			return err
		}
		fmt.Printf("inode:  %d (%s)\n", a.Inum, a.Kind)
		fmt.Printf("mode:   %04o uid %d gid %d\n", a.Mode, a.Uid, a.Gid)
		fmt.Printf("links:  %d\n", a.Nlink)
		fmt.Printf("size:   %d (%d blocks)\n", a.Size, a.Blocks)
		fmt.Printf("access: %s\n", a.Atime)
		fmt.Printf("modify: %s\n", a.Mtime)
		fmt.Printf("change: %s\n", a.Ctime)
		fmt.Printf("birth:  %s\n", a.Crtime)
		if a.Kind == common.TypeSymlink {
			target, err := fs.Readlink(inum)
			if err != nil {
				return err
			}
			fmt.Printf("target: %s\n", target)
		}
		return nil
	})
}

type getCmd struct{}

func (*getCmd) Name() string             { return "get" }
func (*getCmd) Synopsis() string         { return "copy a file out of the image to stdout" }
func (*getCmd) Usage() string            { return "get <image> <path>\n" }
func (*getCmd) SetFlags(f *flag.FlagSet) {}

func (*getCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return withFs(f, 1, func(fs *ufs.Fs, args []string) error {
		inum, err := fs.ResolvePath(args[0])
		if err != nil {
			return err
		}
		for off := uint64(0); ; {
			data, err := fs.Read(inum, off, chunk)
			if err != nil {
				return err
			}
			if len(data) == 0 {
				return nil
			}
			if _, err := os.Stdout.Write(data); err != nil {
				return err
			}
			off += uint64(len(data))
		}
	})
}

type putCmd struct {
	mode uint
}

func (*putCmd) Name() string     { return "put" }
func (*putCmd) Synopsis() string { return "copy a local file into the image" }
func (*putCmd) Usage() string    { return "put [-mode 0644] <image> <local file> <path>\n" }

func (c *putCmd) SetFlags(f *flag.FlagSet) {
	f.UintVar(&c.mode, "mode", 0644, "permission bits of a new file")
}

func (c *putCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return withFs(f, 2, func(fs *ufs.Fs, args []string) error {
		src, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer src.Close()
		dinum, name, err := parent(fs, args[1])
		if err != nil {
			return err
		}
		attr, err := fs.Create(dinum, name, uint32(c.mode))
		if errors.Is(err, common.ErrExists) {
			if attr, err = fs.Lookup(dinum, name); err != nil {
				return err
			}
			err = fs.Truncate(attr.Inum, 0)
		}
		if err != nil {
			return err
		}
		inum := attr.Inum
		buf := make([]byte, chunk)
		for off := uint64(0); ; {
			n, rerr := src.Read(buf)
			if n > 0 {
				if _, err := fs.Write(inum, off, buf[:n]); err != nil {
					return err
				}
				off += uint64(n)
			}
			if rerr == io.EOF {
				return nil
			}
			if rerr != nil {
				return rerr
			}
		}
	})
}

type mkdirCmd struct {
	mode uint
}

func (*mkdirCmd) Name() string     { return "mkdir" }
func (*mkdirCmd) Synopsis() string { return "make a directory" }
func (*mkdirCmd) Usage() string    { return "mkdir [-mode 0755] <image> <path>\n" }

func (c *mkdirCmd) SetFlags(f *flag.FlagSet) {
	f.UintVar(&c.mode, "mode", 0755, "permission bits")
}

func (c *mkdirCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return withFs(f, 1, func(fs *ufs.Fs, args []string) error {
		dinum, name, err := parent(fs, args[0])
		if err != nil {
			return err
		}
		_, err = fs.Mkdir(dinum, name, uint32(c.mode))
		return err
	})
}

type rmCmd struct{}

func (*rmCmd) Name() string             { return "rm" }
func (*rmCmd) Synopsis() string         { return "remove a file or an empty directory" }
func (*rmCmd) Usage() string            { return "rm <image> <path>\n" }
func (*rmCmd) SetFlags(f *flag.FlagSet) {}

func (*rmCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return withFs(f, 1, func(fs *ufs.Fs, args []string) error {
		dinum, name, err := parent(fs, args[0])
		if err != nil {
			return err
		}
		attr, err := fs.Lookup(dinum, name)
		if err != nil {
			return err
		}
		if attr.Kind == common.TypeDir {
			return fs.Rmdir(dinum, name)
		}
		return fs.Unlink(dinum, name)
	})
}

type mvCmd struct{}

func (*mvCmd) Name() string             { return "mv" }
func (*mvCmd) Synopsis() string         { return "rename a file or directory" }
func (*mvCmd) Usage() string            { return "mv <image> <from> <to>\n" }
func (*mvCmd) SetFlags(f *flag.FlagSet) {}

func (*mvCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return withFs(f, 2, func(fs *ufs.Fs, args []string) error {
		sdinum, sname, err := parent(fs, args[0])
		if err != nil {
			return err
		}
		ddinum, dname, err := parent(fs, args[1])
		if err != nil {
			return err
		}
		return fs.Rename(sdinum, sname, ddinum, dname)
	})
}
