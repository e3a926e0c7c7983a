package ufs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mit-pdos/go-ufs/bmap"
	"github.com/mit-pdos/go-ufs/buf"
	"github.com/mit-pdos/go-ufs/common"
	"github.com/mit-pdos/go-ufs/dir"
	"github.com/mit-pdos/go-ufs/util"
)

// readOp runs f on inode inum under its shared lock.
func (fs *Fs) readOp(inum common.Inum, f func(op *bmap.Op) error) error {
	if !fs.sb.ValidInum(inum) {
		return fmt.Errorf("inode %d: %w", inum, common.ErrInvalid)
	}
	fs.quiesce.RLock()
	defer fs.quiesce.RUnlock()
	fs.locks.RAcquire(inum)
	defer fs.locks.RRelease(inum)
	ip, err := fs.readLive(inum)
	if err != nil {
		return err
	}
	op := fs.begin(ip)
	defer op.Abort()
	return f(op)
}

func (fs *Fs) checkInum(inums ...common.Inum) error {
	for _, inum := range inums {
		if !fs.sb.ValidInum(inum) {
			return fmt.Errorf("inode %d: %w", inum, common.ErrInvalid)
		}
	}
	return nil
}

func (fs *Fs) GetAttr(inum common.Inum) (Attr, error) {
	var attr Attr
	err := fs.readOp(inum, func(op *bmap.Op) error {
		attr = mkAttr(op.Inode())
		return nil
	})
	return attr, err
}

// Lookup finds name in directory dinum.
func (fs *Fs) Lookup(dinum common.Inum, name string) (Attr, error) {
	util.DPrintf(1, "Lookup %d %s\n", dinum, name)
	var e dir.Entry
	err := fs.readOp(dinum, func(op *bmap.Op) error {
		if !op.Inode().IsDir() {
			return fmt.Errorf("inode %d: %w", dinum, common.ErrNotDir)
		}
		var err error
		e, err = dir.Open(fs.dev, op).Lookup(name)
		return err
	})
	if err != nil {
		return Attr{}, err
	}
	attr, err := fs.GetAttr(e.Inum)
	if err != nil {
		// removed after the directory was unlocked
		return Attr{}, fmt.Errorf("%s: %w", name, common.ErrNotFound)
	}
	return attr, nil
}

// ResolvePath walks a slash-separated path from the root directory. Symbolic
// links are not followed.
func (fs *Fs) ResolvePath(path string) (common.Inum, error) {
	inum := common.ROOTINUM
	for _, name := range strings.Split(path, "/") {
		if name == "" {
			continue
		}
		attr, err := fs.Lookup(inum, name)
		if err != nil {
			return common.NULLINUM, fmt.Errorf("%s: %w", path, err)
		}
		inum = attr.Inum
	}
	return inum, nil
}

func (fs *Fs) mknode(dinum common.Inum, name string, kind common.FileType, mode uint32,
	initf func(d *dir.Dir, op *bmap.Op) error) (Attr, error) {
	util.DPrintf(1, "mknode %d %s %s\n", dinum, name, kind)
	if err := fs.checkInum(dinum); err != nil {
		return Attr{}, err
	}
	if err := dir.ValidName(name); err != nil {
		return Attr{}, err
	}
	o := fs.beginOp()
	o.acquire(dinum)
	attr, err := func() (Attr, error) {
		d, err := o.dir(dinum)
		if err != nil {
			return Attr{}, err
		}
		op, err := o.alloc(fs.tbl.Group(dinum), kind, mode)
		if err != nil {
			return Attr{}, err
		}
		ip := op.Inode()
		ip.Nlink = 1
		// ErrExists here aborts the allocation
		if err := d.Insert(name, ip.Inum, kind); err != nil {
			return Attr{}, err
		}
		if err := initf(d, op); err != nil {
			return Attr{}, err
		}
		return mkAttr(ip), nil
	}()
	if err := o.end(err); err != nil {
		return Attr{}, err
	}
	return attr, nil
}

// Create makes an empty regular file called name in directory dinum.
func (fs *Fs) Create(dinum common.Inum, name string, mode uint32) (Attr, error) {
	return fs.mknode(dinum, name, common.TypeRegular, mode,
		func(d *dir.Dir, op *bmap.Op) error { return nil })
}

// Mkdir makes an empty directory called name in directory dinum.
func (fs *Fs) Mkdir(dinum common.Inum, name string, mode uint32) (Attr, error) {
	return fs.mknode(dinum, name, common.TypeDir, mode,
		func(parent *dir.Dir, op *bmap.Op) error {
			if err := dir.Open(fs.dev, op).Init(dinum); err != nil {
				return err
			}
			op.Inode().Nlink = 2
			// the new directory's ".."
			parent.Inode().Nlink++
			return nil
		})
}

// Symlink makes a symbolic link called name in directory dinum whose content
// is target.
func (fs *Fs) Symlink(dinum common.Inum, name string, target string) (Attr, error) {
	if target == "" || uint64(len(target)) > fs.sb.BlockSize {
		err := common.ErrInvalid
		if target != "" {
			err = common.ErrNameTooLong
		}
		return Attr{}, fmt.Errorf("symlink target of %d bytes: %w", len(target), err)
	}
	return fs.mknode(dinum, name, common.TypeSymlink, 0777,
		func(d *dir.Dir, op *bmap.Op) error {
			return fs.writeData(op, 0, []byte(target))
		})
}

// Readlink returns the target of symbolic link inum.
func (fs *Fs) Readlink(inum common.Inum) (string, error) {
	var target []byte
	err := fs.readOp(inum, func(op *bmap.Op) error {
		ip := op.Inode()
		if ip.Kind != common.TypeSymlink {
			return fmt.Errorf("inode %d is a %s: %w", inum, ip.Kind, common.ErrInvalid)
		}
		var err error
		target, err = fs.readData(op, 0, ip.Size)
		return err
	})
	return string(target), err
}

// Link adds name in directory dinum as another name for file inum.
func (fs *Fs) Link(inum common.Inum, dinum common.Inum, name string) (Attr, error) {
	util.DPrintf(1, "Link %d %d %s\n", inum, dinum, name)
	if err := fs.checkInum(inum, dinum); err != nil {
		return Attr{}, err
	}
	if err := dir.ValidName(name); err != nil {
		return Attr{}, err
	}
	o := fs.beginOp()
	o.acquire(inum, dinum)
	attr, err := func() (Attr, error) {
		op, err := o.inode(inum)
		if err != nil {
			return Attr{}, err
		}
		ip := op.Inode()
		if ip.IsDir() {
			return Attr{}, fmt.Errorf("inode %d: %w", inum, common.ErrIsDir)
		}
		d, err := o.dir(dinum)
		if err != nil {
			return Attr{}, err
		}
		if err := d.Insert(name, inum, ip.Kind); err != nil {
			return Attr{}, err
		}
		ip.Nlink++
		ip.Touch(false)
		return mkAttr(ip), nil
	}()
	if err := o.end(err); err != nil {
		return Attr{}, err
	}
	return attr, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, common.ErrNotFound)
}

// lockEntry locks directory dinum and the inode name refers to, retrying the
// lookup until both locks are held in order.
func (o *fsop) lockEntry(dinum common.Inum, name string) (*dir.Dir, dir.Entry, error) {
	o.acquire(dinum)
	for {
		d, err := o.dir(dinum)
		if err != nil {
			return nil, dir.Entry{}, err
		}
		e, err := d.Lookup(name)
		if err != nil {
			return nil, dir.Entry{}, err
		}
		if !o.acquire(e.Inum) {
			return d, e, nil
		}
	}
}

func (fs *Fs) remove(dinum common.Inum, name string, isDir bool) error {
	util.DPrintf(1, "remove %d %s dir=%v\n", dinum, name, isDir)
	if err := fs.checkInum(dinum); err != nil {
		return err
	}
	if name == "." || name == ".." {
		return fmt.Errorf("cannot remove %q: %w", name, common.ErrInvalid)
	}
	o := fs.beginOp()
	err := func() error {
		d, e, err := o.lockEntry(dinum, name)
		if err != nil {
			return err
		}
		op, err := o.inode(e.Inum)
		if err != nil {
			return err
		}
		ip := op.Inode()
		if isDir {
			if !ip.IsDir() {
				return fmt.Errorf("%s: %w", name, common.ErrNotDir)
			}
			empty, err := dir.Open(fs.dev, op).IsEmpty()
			if err != nil {
				return err
			}
			if !empty {
				return fmt.Errorf("%s: %w", name, common.ErrNotEmpty)
			}
		} else if ip.IsDir() {
			return fmt.Errorf("%s: %w", name, common.ErrIsDir)
		}
		if _, err := d.Remove(name); err != nil {
			return err
		}
		if isDir {
			d.Inode().Nlink--
		}
		return o.dropLink(op)
	}()
	return o.end(err)
}

// Unlink removes the name of a non-directory; the file is freed with its last
// name.
func (fs *Fs) Unlink(dinum common.Inum, name string) error {
	return fs.remove(dinum, name, false)
}

// Rmdir removes an empty directory.
func (fs *Fs) Rmdir(dinum common.Inum, name string) error {
	return fs.remove(dinum, name, true)
}

// Read returns up to n bytes of file inum starting at off, fewer at end of
// file. Holes read as zeros.
func (fs *Fs) Read(inum common.Inum, off uint64, n uint64) ([]byte, error) {
	var data []byte
	err := fs.readOp(inum, func(op *bmap.Op) error {
		ip := op.Inode()
		if ip.IsDir() {
			return fmt.Errorf("inode %d: %w", inum, common.ErrIsDir)
		}
		if off >= ip.Size {
			data = []byte{}
			return nil
		}
		var err error
		data, err = fs.readData(op, off, util.Min(n, ip.Size-off))
		return err
	})
	return data, err
}

func (fs *Fs) readData(op *bmap.Op, off uint64, n uint64) ([]byte, error) {
	bsz := fs.sb.BlockSize
	data := make([]byte, n)
	for pos := uint64(0); pos < n; {
		lbn := (off + pos) / bsz
		boff := (off + pos) % bsz
		chunk := util.Min(bsz-boff, n-pos)
		bn, _, err := op.Map(lbn, false)
		if err != nil {
			return nil, err
		}
		if bn != common.NULLBNUM {
			if err := fs.dev.ReadAt(bn, boff, data[pos:pos+chunk]); err != nil {
				return nil, err
			}
		}
		pos += chunk
	}
	return data, nil
}

// writeData maps every block of [off, off+len(data)) before changing any of
// them. The new contents stay in op until it commits, so a failed write
// leaves the file as it was.
func (fs *Fs) writeData(op *bmap.Op, off uint64, data []byte) error {
	ip := op.Inode()
	bsz := fs.sb.BlockSize
	n := uint64(len(data))
	if n == 0 {
		return nil
	}
	if util.SumOverflows(off, n) || off+n > fs.sb.MaxFileSize() {
		return fmt.Errorf("inode %d: write of %d at %d: %w", ip.Inum, n, off, common.ErrFileTooLarge)
	}
	first := off / bsz
	last := (off + n - 1) / bsz
	bns := make([]common.Bnum, 0, last-first+1)
	fresh := make([]bool, 0, last-first+1)
	for lbn := first; lbn <= last; lbn++ {
		bn, isNew, err := op.Map(lbn, true)
		if err != nil {
			return err
		}
		bns = append(bns, bn)
		fresh = append(fresh, isNew)
	}
	for pos := uint64(0); pos < n; {
		i := (off+pos)/bsz - first
		boff := (off + pos) % bsz
		chunk := util.Min(bsz-boff, n-pos)
		var b *buf.Buf
		if chunk == bsz || fresh[i] {
			b = op.ZeroBlock(bns[i])
		} else {
			var err error
			if b, err = op.Block(bns[i]); err != nil {
				return err
			}
		}
		copy(b.Data[boff:], data[pos:pos+chunk])
		b.SetDirty()
		pos += chunk
	}
	if off+n > ip.Size {
		ip.Size = off + n
	}
	ip.Touch(true)
	return nil
}

// Write stores data in file inum at off, extending the file as needed. It
// either writes all of data or fails without changing the file.
func (fs *Fs) Write(inum common.Inum, off uint64, data []byte) (uint64, error) {
	util.DPrintf(1, "Write %d off %d len %d\n", inum, off, len(data))
	if err := fs.checkInum(inum); err != nil {
		return 0, err
	}
	o := fs.beginOp()
	o.acquire(inum)
	err := func() error {
		op, err := o.inode(inum)
		if err != nil {
			return err
		}
		if op.Inode().IsDir() {
			return fmt.Errorf("inode %d: %w", inum, common.ErrIsDir)
		}
		return fs.writeData(op, off, data)
	}()
	if err := o.end(err); err != nil {
		return 0, err
	}
	return uint64(len(data)), nil
}

// truncate frees the blocks past size and zeroes the rest of the new last
// block, so that a later extension reads zeros there.
func (fs *Fs) truncate(op *bmap.Op, size uint64) error {
	ip := op.Inode()
	bsz := fs.sb.BlockSize
	if size > fs.sb.MaxFileSize() {
		return fmt.Errorf("inode %d: size %d: %w", ip.Inum, size, common.ErrFileTooLarge)
	}
	if size < ip.Size {
		keep := util.RoundUp(size, bsz)
		if err := op.Shrink(keep); err != nil {
			return err
		}
		if size%bsz != 0 {
			bn, _, err := op.Map(keep-1, false)
			if err != nil {
				return err
			}
			if bn != common.NULLBNUM {
				b, err := op.Block(bn)
				if err != nil {
					return err
				}
				clear(b.Data[size%bsz:])
				b.SetDirty()
			}
		}
	}
	ip.Size = size
	ip.Touch(true)
	return nil
}

// Truncate sets the size of file inum. Growing leaves a hole.
func (fs *Fs) Truncate(inum common.Inum, size uint64) error {
	_, err := fs.Setattr(inum, SetAttr{Size: &size})
	return err
}

func (fs *Fs) Setattr(inum common.Inum, sa SetAttr) (Attr, error) {
	util.DPrintf(1, "Setattr %d %+v\n", inum, sa)
	if err := fs.checkInum(inum); err != nil {
		return Attr{}, err
	}
	o := fs.beginOp()
	o.acquire(inum)
	attr, err := func() (Attr, error) {
		op, err := o.inode(inum)
		if err != nil {
			return Attr{}, err
		}
		ip := op.Inode()
		if sa.Size != nil {
			if ip.IsDir() {
				return Attr{}, fmt.Errorf("inode %d: %w", inum, common.ErrIsDir)
			}
			if err := fs.truncate(op, *sa.Size); err != nil {
				return Attr{}, err
			}
		}
		if sa.Mode != nil {
			ip.Mode = *sa.Mode & 07777
		}
		if sa.Uid != nil {
			ip.Uid = *sa.Uid
		}
		if sa.Gid != nil {
			ip.Gid = *sa.Gid
		}
		ip.Touch(false)
		if sa.Atime != nil {
			ip.Atime = sa.Atime.UnixNano()
		}
		if sa.Mtime != nil {
			ip.Mtime = sa.Mtime.UnixNano()
		}
		return mkAttr(ip), nil
	}()
	if err := o.end(err); err != nil {
		return Attr{}, err
	}
	return attr, nil
}

// DirEnt is a directory entry with the cookie that resumes a listing after
// it.
type DirEnt struct {
	dir.Entry
	Cookie uint64
}

// Readdir lists up to count entries of directory dinum starting at cookie
// (0 for the beginning); count 0 means no limit. A short result ends the
// listing.
func (fs *Fs) Readdir(dinum common.Inum, cookie uint64, count int) ([]DirEnt, error) {
	var ents []DirEnt
	err := fs.readOp(dinum, func(op *bmap.Op) error {
		if !op.Inode().IsDir() {
			return fmt.Errorf("inode %d: %w", dinum, common.ErrNotDir)
		}
		it := dir.Open(fs.dev, op).Iter(cookie)
		for count <= 0 || len(ents) < count {
			e, ok, err := it.Next()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			ents = append(ents, DirEnt{Entry: e, Cookie: it.Cookie()})
		}
		return nil
	})
	return ents, err
}
