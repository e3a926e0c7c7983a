// Package ufs is the file system driver. It formats and mounts an image and
// implements the file operations over the allocator, inode table, block map
// and directory layers.
//
// Operations name files by inode number, the way a protocol adapter would
// hand them over; ResolvePath turns a slash-separated path into one.
package ufs

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mit-pdos/go-ufs/alloc"
	"github.com/mit-pdos/go-ufs/bmap"
	"github.com/mit-pdos/go-ufs/common"
	"github.com/mit-pdos/go-ufs/dir"
	"github.com/mit-pdos/go-ufs/disk"
	"github.com/mit-pdos/go-ufs/inode"
	"github.com/mit-pdos/go-ufs/lockmap"
	"github.com/mit-pdos/go-ufs/super"
	"github.com/mit-pdos/go-ufs/util"
)

// number of groups initialized concurrently by Format
const formatParallelism = 8

type Fs struct {
	disk  disk.Disk
	dev   *disk.Dev
	sb    *super.Superblock
	alloc *alloc.Alloc
	tbl   *inode.Table
	locks *lockmap.LockMap

	// Held shared by every operation and exclusively by Check and Close.
	quiesce *sync.RWMutex
	// Serializes renames between different directories, so that the
	// ancestry check of a directory move sees a stable tree.
	renameMu *sync.Mutex
}

func mkFs(d disk.Disk, sb *super.Superblock) (*Fs, error) {
	dev := disk.MkDev(d, sb.BlockSize, sb.NBlocks)
	a, err := alloc.MkAlloc(dev, sb)
	if err != nil {
		return nil, err
	}
	return &Fs{
		disk:     d,
		dev:      dev,
		sb:       sb,
		alloc:    a,
		tbl:      inode.MkTable(dev, sb, a),
		locks:    lockmap.MkLockMap(),
		quiesce:  new(sync.RWMutex),
		renameMu: new(sync.Mutex),
	}, nil
}

// Format initializes d, which must hold at least sb.ImageSize() bytes, as an
// empty file system laid out by sb: every group gets empty bitmaps and a
// zeroed inode table, and the root directory is created with "." and ".."
// pointing to itself.
func Format(d disk.Disk, sb *super.Superblock) error {
	sz, err := d.Size()
	if err != nil {
		return err
	}
	if sz < sb.ImageSize() {
		return fmt.Errorf("image of %d bytes, need %d: %w", sz, sb.ImageSize(), common.ErrInvalid)
	}
	util.DPrintf(0, "Format: %d blocks of %d bytes in %d groups, %d inodes\n",
		sb.NBlocks, sb.BlockSize, sb.NGroups, sb.NInodes)
	dev := disk.MkDev(d, sb.BlockSize, sb.NBlocks)
	var g errgroup.Group
	g.SetLimit(formatParallelism)
	for i := uint64(0); i < sb.NGroups; i++ {
		i := i
		g.Go(func() error {
			if err := alloc.FormatGroup(dev, sb, i); err != nil {
				return err
			}
			return inode.Format(dev, sb, i)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := sb.Persist(d); err != nil {
		return err
	}

	fs, err := mkFs(d, sb)
	if err != nil {
		return err
	}
	root, err := fs.tbl.Alloc(0, common.TypeDir, 0755)
	if err != nil {
		return err
	}
	if root.Inum != common.ROOTINUM {
		panic(fmt.Sprintf("Format: root is inode %d", root.Inum))
	}
	op := bmap.Begin(fs.dev, sb, fs.alloc, fs.tbl, root)
	if err := dir.Open(fs.dev, op).Init(common.ROOTINUM); err != nil {
		op.Abort()
		return err
	}
	root.Nlink = 2
	if err := op.Commit(); err != nil {
		return err
	}
	if err := fs.alloc.Flush(); err != nil {
		return err
	}
	return d.Barrier()
}

// FormatFile creates the image at path for a file system with size bytes of
// blocks, and formats it.
func FormatFile(path string, size uint64, bsz uint64, ratio uint64) (*super.Superblock, error) {
	sb, err := super.MkSuperblock(size, bsz, ratio)
	if err != nil {
		return nil, err
	}
	d, err := disk.CreateFile(path, sb.ImageSize())
	if err != nil {
		return nil, err
	}
	err = Format(d, sb)
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	return sb, nil
}

// Mount validates the superblock on d, rebuilds the allocator state from the
// bitmaps and records the mount in the superblock.
func Mount(d disk.Disk) (*Fs, error) {
	sb, err := super.Load(d)
	if err != nil {
		return nil, err
	}
	fs, err := mkFs(d, sb)
	if err != nil {
		return nil, err
	}
	root, err := fs.tbl.Read(common.ROOTINUM)
	if err != nil {
		return nil, err
	}
	if !root.IsDir() {
		return nil, fmt.Errorf("root inode is %s: %w", root.Kind, common.ErrCorrupt)
	}
	err = fs.alloc.UpdateSuper(func(sb *super.Superblock) {
		sb.MountedAt = time.Now().UnixNano()
		sb.MountCount++
	})
	if err != nil {
		return nil, err
	}
	if err := fs.alloc.Flush(); err != nil {
		return nil, err
	}
	util.DPrintf(0, "Mount: %d/%d blocks free, %d/%d inodes free, mount %d\n",
		sb.FreeBlocks, sb.NBlocks, sb.FreeInodes, sb.NInodes, sb.MountCount)
	return fs, nil
}

// MountFile opens and locks the image at path and mounts it.
func MountFile(path string) (*Fs, error) {
	d, err := disk.OpenFile(path)
	if err != nil {
		return nil, err
	}
	fs, err := Mount(d)
	if err != nil {
		d.Close()
		return nil, err
	}
	return fs, nil
}

// Close waits for running operations, flushes allocator state and releases
// the image.
func (fs *Fs) Close() error {
	fs.quiesce.Lock()
	defer fs.quiesce.Unlock()
	if err := fs.alloc.Flush(); err != nil {
		return err
	}
	if err := fs.disk.Barrier(); err != nil {
		return err
	}
	return fs.disk.Close()
}

// Sync makes every completed operation durable.
func (fs *Fs) Sync() error {
	fs.quiesce.RLock()
	defer fs.quiesce.RUnlock()
	if err := fs.alloc.Flush(); err != nil {
		return err
	}
	return fs.disk.Barrier()
}

func (fs *Fs) BlockSize() uint64 {
	return fs.sb.BlockSize
}

type StatFS struct {
	BlockSize  uint64
	Blocks     uint64
	FreeBlocks uint64
	Inodes     uint64
	FreeInodes uint64
	NameMax    uint64
	Groups     uint64
	MountCount uint64
	CreatedAt  time.Time
	MountedAt  time.Time
}

func (fs *Fs) StatFS() StatFS {
	sb, _ := fs.alloc.Stats()
	return StatFS{
		BlockSize:  sb.BlockSize,
		Blocks:     sb.NBlocks,
		FreeBlocks: sb.FreeBlocks,
		Inodes:     sb.NInodes,
		FreeInodes: sb.FreeInodes,
		NameMax:    common.MAXNAMELEN,
		Groups:     sb.NGroups,
		MountCount: sb.MountCount,
		CreatedAt:  time.Unix(0, sb.CreatedAt),
		MountedAt:  time.Unix(0, sb.MountedAt),
	}
}
