package ufs

import (
	"fmt"
	"sort"

	"github.com/mit-pdos/go-ufs/bmap"
	"github.com/mit-pdos/go-ufs/common"
	"github.com/mit-pdos/go-ufs/dir"
	"github.com/mit-pdos/go-ufs/inode"
	"github.com/mit-pdos/go-ufs/twophase"
	"github.com/mit-pdos/go-ufs/util"
)

// fsop is one mutating file system operation. It holds the locks of every
// inode it touches and a bmap.Op per inode; commit writes them all back,
// abort undoes every allocation.
type fsop struct {
	fs       *Fs
	tp       *twophase.TwoPhase
	ops      map[common.Inum]*bmap.Op
	created  []common.Inum // allocated by this operation
	released []common.Inum // to be freed at commit
}

func (fs *Fs) beginOp() *fsop {
	fs.quiesce.RLock()
	return &fsop{
		fs:  fs,
		tp:  twophase.Begin(fs.locks),
		ops: make(map[common.Inum]*bmap.Op),
	}
}

// acquire locks inums. If earlier locks had to be dropped to keep the lock
// order, the inodes read so far may be stale and are forgotten; the caller
// redoes its lookups.
func (o *fsop) acquire(inums ...common.Inum) bool {
	if !o.tp.Acquire(inums...) {
		return false
	}
	if len(o.created) != 0 {
		panic("fsop: locks dropped after allocation")
	}
	for inum, op := range o.ops {
		op.Abort()
		delete(o.ops, inum)
	}
	return true
}

// inode returns the op on a locked, allocated inode.
func (o *fsop) inode(inum common.Inum) (*bmap.Op, error) {
	if op, ok := o.ops[inum]; ok {
		return op, nil
	}
	if !o.tp.Holds(inum) {
		panic(fmt.Sprintf("fsop: inode %d is not locked", inum))
	}
	ip, err := o.fs.readLive(inum)
	if err != nil {
		return nil, err
	}
	op := o.fs.begin(ip)
	o.ops[inum] = op
	return op, nil
}

func (o *fsop) dir(inum common.Inum) (*dir.Dir, error) {
	op, err := o.inode(inum)
	if err != nil {
		return nil, err
	}
	if !op.Inode().IsDir() {
		return nil, fmt.Errorf("inode %d: %w", inum, common.ErrNotDir)
	}
	return dir.Open(o.fs.dev, op), nil
}

// alloc creates a new inode near group hint. Nothing else can reach it until
// the operation links it into a locked directory.
func (o *fsop) alloc(hint uint64, kind common.FileType, mode uint32) (*bmap.Op, error) {
	ip, err := o.fs.tbl.Alloc(hint, kind, mode)
	if err != nil {
		return nil, err
	}
	o.created = append(o.created, ip.Inum)
	op := o.fs.begin(ip)
	o.ops[ip.Inum] = op
	return op, nil
}

// dropLink decrements the link count of op's inode, releasing its blocks and
// the inode itself once nothing refers to it.
func (o *fsop) dropLink(op *bmap.Op) error {
	ip := op.Inode()
	ip.Nlink--
	if ip.IsDir() && ip.Nlink == 1 {
		// only "." was left
		ip.Nlink = 0
	}
	ip.Touch(false)
	if ip.Nlink > 0 {
		return nil
	}
	if err := op.Shrink(0); err != nil {
		return err
	}
	*ip = inode.Inode{Inum: ip.Inum}
	o.released = append(o.released, ip.Inum)
	return nil
}

func (o *fsop) finish() {
	o.tp.ReleaseAll()
	o.fs.quiesce.RUnlock()
}

func (o *fsop) commit() error {
	defer o.finish()
	inums := make([]common.Inum, 0, len(o.ops))
	for inum := range o.ops {
		inums = append(inums, inum)
	}
	sort.Slice(inums, func(i, j int) bool { return inums[i] < inums[j] })
	for _, inum := range inums {
		if err := o.ops[inum].Commit(); err != nil {
			return err
		}
	}
	for _, inum := range o.released {
		o.fs.tbl.Free(inum)
	}
	return o.fs.alloc.Flush()
}

func (o *fsop) abort() {
	defer o.finish()
	for _, op := range o.ops {
		op.Abort()
	}
	for _, inum := range o.created {
		o.fs.tbl.Free(inum)
	}
	if err := o.fs.alloc.Flush(); err != nil {
		util.DPrintf(0, "abort: %v\n", err)
	}
}

// end commits the operation if err is nil and aborts it otherwise.
func (o *fsop) end(err error) error {
	if err != nil {
		o.abort()
		return err
	}
	return o.commit()
}

func (fs *Fs) begin(ip *inode.Inode) *bmap.Op {
	return bmap.Begin(fs.dev, fs.sb, fs.alloc, fs.tbl, ip)
}

// readLive reads an inode that is in use; a free inode is ErrNotFound.
func (fs *Fs) readLive(inum common.Inum) (*inode.Inode, error) {
	ip, err := fs.tbl.Read(inum)
	if err != nil {
		return nil, err
	}
	if ip.Kind == common.TypeFree || !fs.alloc.InodeUsed(inum) {
		return nil, fmt.Errorf("inode %d: %w", inum, common.ErrNotFound)
	}
	return ip, nil
}
