package ufs

import (
	"fmt"
	"strings"

	"github.com/mit-pdos/go-ufs/common"
	"github.com/mit-pdos/go-ufs/dir"
	"github.com/mit-pdos/go-ufs/inode"
)

// CheckStats counts what Check found reachable from the root.
type CheckStats struct {
	Dirs     uint64
	Files    uint64
	Symlinks uint64
	Blocks   uint64
}

type checker struct {
	fs       *Fs
	problems []string
	owner    map[common.Bnum]common.Inum
	inodes   map[common.Inum]*inode.Inode
	refs     map[common.Inum]uint32 // entries naming the inode, dots excluded
	subdirs  map[common.Inum]uint32
	stats    CheckStats
}

func (c *checker) problem(format string, a ...interface{}) {
	c.problems = append(c.problems, fmt.Sprintf(format, a...))
}

// Check verifies the file system while no operation runs: the superblock
// counters agree with the bitmaps, every block is referenced by at most one
// inode, every allocated block and inode is reachable from the root, and link
// counts match the directory tree.
func (fs *Fs) Check() (CheckStats, error) {
	fs.quiesce.Lock()
	defer fs.quiesce.Unlock()
	c := &checker{
		fs:      fs,
		owner:   make(map[common.Bnum]common.Inum),
		inodes:  make(map[common.Inum]*inode.Inode),
		refs:    make(map[common.Inum]uint32),
		subdirs: make(map[common.Inum]uint32),
	}
	c.checkCounters()
	if err := c.walk(); err != nil {
		return c.stats, err
	}
	c.checkLinks()
	c.checkLeaks()
	if len(c.problems) > 0 {
		shown := c.problems
		if len(shown) > 10 {
			shown = shown[:10]
		}
		return c.stats, fmt.Errorf("%d problems: %s: %w", len(c.problems),
			strings.Join(shown, "; "), common.ErrCorrupt)
	}
	return c.stats, nil
}

func (c *checker) checkCounters() {
	sb, groups := c.fs.alloc.Stats()
	var freeBlocks, usedBlocks, freeInodes, usedInodes uint64
	for _, g := range groups {
		freeBlocks += g.FreeBlocks
		usedBlocks += g.UsedBlocks
		freeInodes += g.FreeInodes
		usedInodes += g.UsedInodes
	}
	if sb.FreeBlocks != freeBlocks {
		c.problem("superblock has %d free blocks, groups %d", sb.FreeBlocks, freeBlocks)
	}
	if sb.FreeBlocks != sb.NBlocks-usedBlocks {
		c.problem("superblock has %d free blocks, bitmaps %d", sb.FreeBlocks, sb.NBlocks-usedBlocks)
	}
	if sb.FreeInodes != freeInodes {
		c.problem("superblock has %d free inodes, groups %d", sb.FreeInodes, freeInodes)
	}
	if sb.FreeInodes != sb.NInodes-usedInodes {
		c.problem("superblock has %d free inodes, bitmaps %d", sb.FreeInodes, sb.NInodes-usedInodes)
	}
}

// visit checks one reachable inode and its blocks.
func (c *checker) visit(inum common.Inum) (*inode.Inode, error) {
	if ip, ok := c.inodes[inum]; ok {
		return ip, nil
	}
	ip, err := c.fs.tbl.Read(inum)
	if err != nil {
		return nil, err
	}
	c.inodes[inum] = ip
	if !c.fs.alloc.InodeUsed(inum) {
		c.problem("inode %d is reachable but free in the bitmap", inum)
	}
	switch ip.Kind {
	case common.TypeDir:
		c.stats.Dirs++
	case common.TypeRegular:
		c.stats.Files++
	case common.TypeSymlink:
		c.stats.Symlinks++
	default:
		c.problem("inode %d is reachable but has type %s", inum, ip.Kind)
		return ip, nil
	}
	op := c.fs.begin(ip)
	defer op.Abort()
	bns, err := op.Blocks()
	if err != nil {
		return nil, err
	}
	if uint64(len(bns)) != uint64(ip.NBlocks) {
		c.problem("inode %d holds %d blocks, records %d", inum, len(bns), ip.NBlocks)
	}
	for _, bn := range bns {
		if other, ok := c.owner[bn]; ok {
			c.problem("block %d is used by inodes %d and %d", bn, other, inum)
			continue
		}
		c.owner[bn] = inum
		if !c.fs.alloc.BlockUsed(bn) {
			a := c.fs.alloc.BlockAddr(bn)
			c.problem("block %d of inode %d is free in bitmap block %d (bit %d)",
				bn, inum, a.Blkno, a.Off)
		}
	}
	c.stats.Blocks += uint64(len(bns))
	if ip.IsDir() && ip.Size%c.fs.sb.BlockSize != 0 {
		c.problem("directory %d has size %d", inum, ip.Size)
	}
	return ip, nil
}

func (c *checker) walk() error {
	queue := []common.Inum{common.ROOTINUM}
	parent := map[common.Inum]common.Inum{common.ROOTINUM: common.ROOTINUM}
	for len(queue) > 0 {
		dinum := queue[0]
		queue = queue[1:]
		ip, err := c.visit(dinum)
		if err != nil {
			return err
		}
		if !ip.IsDir() {
			c.problem("inode %d is linked as a directory but is a %s", dinum, ip.Kind)
			continue
		}
		op := c.fs.begin(ip)
		ents, err := dir.Open(c.fs.dev, op).ReadAll()
		op.Abort()
		if err != nil {
			return err
		}
		if len(ents) < 2 || ents[0].Name != "." || ents[1].Name != ".." {
			c.problem("directory %d does not start with . and ..", dinum)
		}
		for _, e := range ents {
			switch e.Name {
			case ".":
				if e.Inum != dinum {
					c.problem("directory %d: . is %d", dinum, e.Inum)
				}
				continue
			case "..":
				if e.Inum != parent[dinum] {
					c.problem("directory %d: .. is %d, expected %d", dinum, e.Inum, parent[dinum])
				}
				continue
			}
			if !c.fs.sb.ValidInum(e.Inum) {
				c.problem("directory %d: %s names inode %d", dinum, e.Name, e.Inum)
				continue
			}
			c.refs[e.Inum]++
			child, err := c.visit(e.Inum)
			if err != nil {
				return err
			}
			if child.Kind != e.Kind {
				c.problem("directory %d: %s has type %s, inode %d is a %s",
					dinum, e.Name, e.Kind, e.Inum, child.Kind)
			}
			if child.IsDir() {
				c.subdirs[dinum]++
				if _, seen := parent[e.Inum]; seen {
					c.problem("directory %d is linked more than once", e.Inum)
					continue
				}
				parent[e.Inum] = dinum
				queue = append(queue, e.Inum)
			}
		}
	}
	return nil
}

func (c *checker) checkLinks() {
	for inum, ip := range c.inodes {
		want := c.refs[inum]
		if ip.IsDir() {
			want = 2 + c.subdirs[inum]
		}
		if ip.Nlink != want {
			c.problem("inode %d has link count %d, expected %d", inum, ip.Nlink, want)
		}
	}
}

func (c *checker) checkLeaks() {
	sb := c.fs.sb
	for g := uint64(0); g < sb.NGroups; g++ {
		desc := sb.Group(g)
		for bn := desc.DataStart; bn < desc.DataStart+desc.DataLen; bn++ {
			if _, ok := c.owner[bn]; !ok && c.fs.alloc.BlockUsed(bn) {
				c.problem("block %d is allocated but unreferenced", bn)
			}
		}
	}
	for inum := common.Inum(1); uint64(inum) <= sb.NInodes; inum++ {
		if _, ok := c.inodes[inum]; !ok && c.fs.alloc.InodeUsed(inum) {
			c.problem("inode %d is allocated but unreachable", inum)
		}
	}
}
