package ufs

import (
	"fmt"

	"github.com/mit-pdos/go-ufs/bmap"
	"github.com/mit-pdos/go-ufs/common"
	"github.com/mit-pdos/go-ufs/dir"
	"github.com/mit-pdos/go-ufs/util"
)

// parentOf reads the ".." entry of directory inum. Inodes the operation has
// not locked are read without their lock; callers hold renameMu, which keeps
// every directory's ".." fixed.
func (o *fsop) parentOf(inum common.Inum) (common.Inum, error) {
	var op *bmap.Op
	if held, ok := o.ops[inum]; ok {
		op = held
	} else {
		ip, err := o.fs.readLive(inum)
		if err != nil {
			return common.NULLINUM, err
		}
		op = o.fs.begin(ip)
		defer op.Abort()
	}
	if !op.Inode().IsDir() {
		return common.NULLINUM, fmt.Errorf("inode %d on a directory path: %w", inum, common.ErrCorrupt)
	}
	e, err := dir.Open(o.fs.dev, op).Lookup("..")
	if err != nil {
		return common.NULLINUM, err
	}
	return e.Inum, nil
}

// isAncestor reports whether directory a is d or one of d's ancestors.
func (o *fsop) isAncestor(a common.Inum, d common.Inum) (bool, error) {
	for n := uint64(0); n <= o.fs.sb.NInodes; n++ {
		if d == a {
			return true, nil
		}
		if d == common.ROOTINUM {
			return false, nil
		}
		p, err := o.parentOf(d)
		if err != nil {
			return false, err
		}
		d = p
	}
	return false, fmt.Errorf("directory cycle above inode %d: %w", d, common.ErrCorrupt)
}

// Rename moves the entry sname of directory sdinum to dname in directory
// ddinum, replacing what dname referred to. A directory can only replace an
// empty directory and cannot move below itself.
func (fs *Fs) Rename(sdinum common.Inum, sname string, ddinum common.Inum, dname string) error {
	util.DPrintf(1, "Rename %d %s -> %d %s\n", sdinum, sname, ddinum, dname)
	if err := fs.checkInum(sdinum, ddinum); err != nil {
		return err
	}
	if err := dir.ValidName(sname); err != nil {
		return err
	}
	if err := dir.ValidName(dname); err != nil {
		return err
	}
	if sdinum != ddinum {
		fs.renameMu.Lock()
		defer fs.renameMu.Unlock()
	}
	o := fs.beginOp()
	err := func() error {
		var sd, dd *dir.Dir
		var se, de dir.Entry
		var found bool
		o.acquire(sdinum, ddinum)
		for {
			var err error
			if sd, err = o.dir(sdinum); err != nil {
				return err
			}
			if dd, err = o.dir(ddinum); err != nil {
				return err
			}
			if se, err = sd.Lookup(sname); err != nil {
				return err
			}
			de, err = dd.Lookup(dname)
			found = err == nil
			if err != nil && !isNotFound(err) {
				return err
			}
			want := []common.Inum{se.Inum}
			if found {
				want = append(want, de.Inum)
			}
			if !o.acquire(want...) {
				break
			}
		}
		if found && de.Inum == se.Inum {
			return nil
		}

		sop, err := o.inode(se.Inum)
		if err != nil {
			return err
		}
		sip := sop.Inode()
		var dop *bmap.Op
		if found {
			if dop, err = o.inode(de.Inum); err != nil {
				return err
			}
		}
		if sip.IsDir() {
			if found {
				if !dop.Inode().IsDir() {
					return fmt.Errorf("%s: %w", dname, common.ErrNotDir)
				}
				empty, err := dir.Open(fs.dev, dop).IsEmpty()
				if err != nil {
					return err
				}
				if !empty {
					return fmt.Errorf("%s: %w", dname, common.ErrNotEmpty)
				}
			}
			if sdinum != ddinum {
				below, err := o.isAncestor(se.Inum, ddinum)
				if err != nil {
					return err
				}
				if below {
					return fmt.Errorf("cannot move %s below itself: %w", sname, common.ErrInvalid)
				}
			}
		} else if found && dop.Inode().IsDir() {
			return fmt.Errorf("%s: %w", dname, common.ErrIsDir)
		}

		if found {
			if _, err := dd.Replace(dname, se.Inum, se.Kind); err != nil {
				return err
			}
			if dop.Inode().IsDir() {
				dd.Inode().Nlink--
			}
			if err := o.dropLink(dop); err != nil {
				return err
			}
		} else if err := dd.Insert(dname, se.Inum, se.Kind); err != nil {
			return err
		}
		if _, err := sd.Remove(sname); err != nil {
			return err
		}
		if sip.IsDir() && sdinum != ddinum {
			if err := dir.Open(fs.dev, sop).SetParent(ddinum); err != nil {
				return err
			}
			sd.Inode().Nlink--
			dd.Inode().Nlink++
		}
		sip.Touch(false)
		return nil
	}()
	return o.end(err)
}
