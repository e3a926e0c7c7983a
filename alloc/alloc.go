// Package alloc tracks free blocks and inodes with one bitmap block per group
// for each. Bit i of a group's data bitmap is set iff block
// GroupStart(g)+i is allocated; bit i of its inode bitmap is set iff inode
// g*InodesPerGroup+i+1 is allocated.
//
// All mutations go through a single allocation lock, which also protects the
// superblock counters, so a bitmap change and its counter update are always
// observed together.
package alloc

import (
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/mit-pdos/go-ufs/addr"
	"github.com/mit-pdos/go-ufs/common"
	"github.com/mit-pdos/go-ufs/disk"
	"github.com/mit-pdos/go-ufs/super"
	"github.com/mit-pdos/go-ufs/util"
)

// Bitmap is one group's bit vector.
type Bitmap []byte

func (bm Bitmap) isSet(n uint64) bool {
	return bm[n/8]&(1<<(n%8)) != 0
}

func (bm Bitmap) set(n uint64) {
	bm[n/8] = bm[n/8] | (1 << (n % 8))
}

func (bm Bitmap) clear(n uint64) {
	bm[n/8] = bm[n/8] & ^(1 << (n % 8))
}

// findClear returns the lowest clear bit in [start, end).
func (bm Bitmap) findClear(start uint64, end uint64) (uint64, bool) {
	n := start
	for n < end {
		if n%8 == 0 && bm[n/8] == 0xff {
			n += 8
			continue
		}
		if !bm.isSet(n) {
			return n, true
		}
		n++
	}
	return 0, false
}

func popCnt(b byte) uint64 {
	return uint64(bits.OnesCount8(b))
}

func (bm Bitmap) count(end uint64) uint64 {
	var n uint64
	for i := uint64(0); i < end/8; i++ {
		n += popCnt(bm[i])
	}
	for i := end / 8 * 8; i < end; i++ {
		if bm.isSet(i) {
			n++
		}
	}
	return n
}

// A bitmap plus its free count and a cached lower bound on the first clear
// bit.
type bitset struct {
	bm    Bitmap
	blkno common.Bnum
	len   uint64 // number of usable bits
	free  uint64
	next  uint64 // first number to try
	dirty bool
}

func (s *bitset) alloc() (uint64, bool) {
	if s.free == 0 {
		return 0, false
	}
	n, ok := s.bm.findClear(s.next, s.len)
	if !ok {
		panic(fmt.Sprintf("bitmap %d: free count %d but no clear bit", s.blkno, s.free))
	}
	s.bm.set(n)
	s.free--
	s.next = n + 1
	s.dirty = true
	return n, true
}

func (s *bitset) release(n uint64) {
	if n >= s.len || !s.bm.isSet(n) {
		panic(fmt.Sprintf("bitmap %d: freeing unallocated bit %d", s.blkno, n))
	}
	s.bm.clear(n)
	s.free++
	if n < s.next {
		s.next = n
	}
	s.dirty = true
}

type group struct {
	desc   super.GroupDesc
	blocks *bitset
	inodes *bitset
}

// Alloc is the bitmap allocator for a mounted file system.
type Alloc struct {
	lock    *sync.Mutex // protects everything below and the superblock
	dev     *disk.Dev
	sb      *super.Superblock
	groups  []*group
	sbDirty bool
}

// MkAlloc loads every group's bitmaps and recomputes the free counts from
// them. If the superblock counters disagree with the bitmaps they are
// corrected.
func MkAlloc(dev *disk.Dev, sb *super.Superblock) (*Alloc, error) {
	a := &Alloc{
		lock: new(sync.Mutex),
		dev:  dev,
		sb:   sb,
	}
	var freeBlocks, freeInodes uint64
	for g := uint64(0); g < sb.NGroups; g++ {
		desc := sb.Group(g)
		bbm, err := dev.Read(desc.DataBitmap)
		if err != nil {
			return nil, fmt.Errorf("loading group %d: %w", g, err)
		}
		ibm, err := dev.Read(desc.InodeBitmap)
		if err != nil {
			return nil, fmt.Errorf("loading group %d: %w", g, err)
		}
		grp := &group{
			desc:   desc,
			blocks: mkBitset(bbm, desc.DataBitmap, sb.GroupBlocks(g)),
			inodes: mkBitset(ibm, desc.InodeBitmap, sb.InodesPerGroup),
		}
		if grp.blocks.bm.count(sb.MetaBlocks()) != sb.MetaBlocks() {
			return nil, fmt.Errorf("group %d: metadata blocks not marked: %w",
				g, common.ErrCorrupt)
		}
		freeBlocks += grp.blocks.free
		freeInodes += grp.inodes.free
		a.groups = append(a.groups, grp)
	}
	if freeBlocks != sb.FreeBlocks || freeInodes != sb.FreeInodes {
		util.DPrintf(0, "alloc: superblock counts %d/%d, bitmaps say %d/%d; using bitmaps\n",
			sb.FreeBlocks, sb.FreeInodes, freeBlocks, freeInodes)
		sb.FreeBlocks = freeBlocks
		sb.FreeInodes = freeInodes
		a.sbDirty = true
	}
	return a, nil
}

func mkBitset(bm Bitmap, blkno common.Bnum, n uint64) *bitset {
	s := &bitset{
		bm:    bm,
		blkno: blkno,
		len:   n,
	}
	s.free = n - bm.count(n)
	s.next, _ = bm.findClear(0, n)
	return s
}

// Format writes the initial bitmaps of every group: only the group's own
// metadata blocks are allocated.
func Format(dev *disk.Dev, sb *super.Superblock) error {
	for g := uint64(0); g < sb.NGroups; g++ {
		if err := FormatGroup(dev, sb, g); err != nil {
			return err
		}
	}
	return nil
}

// FormatGroup writes the initial bitmaps of group g.
func FormatGroup(dev *disk.Dev, sb *super.Superblock, g uint64) error {
	desc := sb.Group(g)
	bbm := Bitmap(make(disk.Block, dev.BlockSize()))
	for i := uint64(0); i < sb.MetaBlocks(); i++ {
		bbm.set(i)
	}
	if err := dev.Write(desc.DataBitmap, disk.Block(bbm)); err != nil {
		return fmt.Errorf("formatting group %d: %w", g, err)
	}
	if err := dev.Write(desc.InodeBitmap, make(disk.Block, dev.BlockSize())); err != nil {
		return fmt.Errorf("formatting group %d: %w", g, err)
	}
	return nil
}

func (a *Alloc) nextGroup(hint uint64, i uint64) *group {
	return a.groups[(hint+i)%uint64(len(a.groups))]
}

// AllocBlock allocates the lowest free block of the first group, starting at
// group hint and wrapping around, that has one.
func (a *Alloc) AllocBlock(hint uint64) (common.Bnum, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	for i := 0; i < len(a.groups); i++ {
		grp := a.nextGroup(hint, uint64(i))
		n, ok := grp.blocks.alloc()
		if ok {
			a.sb.AdjustFreeBlocks(-1)
			a.sbDirty = true
			bn := grp.desc.DataBitmap + common.Bnum(n)
			util.DPrintf(10, "AllocBlock: group %d bit %d -> %d\n", grp.desc.Index, n, bn)
			return bn, nil
		}
	}
	return common.NULLBNUM, fmt.Errorf("allocating block: %w", common.ErrNoSpace)
}

// FreeBlock releases bn, which must be an allocated data block.
func (a *Alloc) FreeBlock(bn common.Bnum) {
	if !a.sb.IsDataBlock(bn) {
		panic(fmt.Sprintf("FreeBlock: %d is not a data block", bn))
	}
	g, i := a.sb.BlockGroup(bn)
	a.lock.Lock()
	defer a.lock.Unlock()
	a.groups[g].blocks.release(i)
	a.sb.AdjustFreeBlocks(1)
	a.sbDirty = true
	util.DPrintf(10, "FreeBlock: %d\n", bn)
}

// AllocInode is AllocBlock over the inode bitmaps.
func (a *Alloc) AllocInode(hint uint64) (common.Inum, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	for i := 0; i < len(a.groups); i++ {
		grp := a.nextGroup(hint, uint64(i))
		n, ok := grp.inodes.alloc()
		if ok {
			a.sb.AdjustFreeInodes(-1)
			a.sbDirty = true
			inum := common.Inum(grp.desc.Index*a.sb.InodesPerGroup + n + 1)
			util.DPrintf(10, "AllocInode: group %d bit %d -> %d\n", grp.desc.Index, n, inum)
			return inum, nil
		}
	}
	return common.NULLINUM, fmt.Errorf("allocating inode: %w", common.ErrNoSpace)
}

func (a *Alloc) FreeInode(inum common.Inum) {
	g, i := a.sb.InodeGroup(inum)
	a.lock.Lock()
	defer a.lock.Unlock()
	a.groups[g].inodes.release(i)
	a.sb.AdjustFreeInodes(1)
	a.sbDirty = true
	util.DPrintf(10, "FreeInode: %d\n", inum)
}

// BlockAddr is the address of bn's bit in its group's data bitmap.
func (a *Alloc) BlockAddr(bn common.Bnum) addr.Addr {
	g, i := a.sb.BlockGroup(bn)
	return addr.MkBitAddr(a.groups[g].desc.DataBitmap, i, a.sb.BlockSize)
}

func (a *Alloc) BlockUsed(bn common.Bnum) bool {
	g, i := a.sb.BlockGroup(bn)
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.groups[g].blocks.bm.isSet(i)
}

func (a *Alloc) InodeUsed(inum common.Inum) bool {
	g, i := a.sb.InodeGroup(inum)
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.groups[g].inodes.bm.isSet(i)
}

// GroupStats is a snapshot of one group's counters.
type GroupStats struct {
	Desc       super.GroupDesc
	FreeBlocks uint64
	FreeInodes uint64
	UsedBlocks uint64 // set bits in the data bitmap
	UsedInodes uint64
}

func (a *Alloc) Stats() (super.Superblock, []GroupStats) {
	a.lock.Lock()
	defer a.lock.Unlock()
	var stats []GroupStats
	for _, grp := range a.groups {
		stats = append(stats, GroupStats{
			Desc:       grp.desc,
			FreeBlocks: grp.blocks.free,
			FreeInodes: grp.inodes.free,
			UsedBlocks: grp.blocks.bm.count(grp.blocks.len),
			UsedInodes: grp.inodes.bm.count(grp.inodes.len),
		})
	}
	return *a.sb, stats
}

// Flush writes dirty bitmap blocks and, if any counter changed, the
// superblock.
func (a *Alloc) Flush() error {
	a.lock.Lock()
	defer a.lock.Unlock()
	for _, grp := range a.groups {
		for _, s := range []*bitset{grp.blocks, grp.inodes} {
			if !s.dirty {
				continue
			}
			if err := a.dev.Write(s.blkno, disk.Block(s.bm)); err != nil {
				return fmt.Errorf("flushing bitmap %d: %w", s.blkno, err)
			}
			s.dirty = false
		}
	}
	return a.persistSuper()
}

func (a *Alloc) persistSuper() error {
	if !a.sbDirty {
		return nil
	}
	a.sb.ModifiedAt = time.Now().UnixNano()
	if err := a.sb.Persist(a.dev.Disk()); err != nil {
		return err
	}
	a.sbDirty = false
	return nil
}

// UpdateSuper applies f to the superblock under the allocation lock and
// persists the result.
func (a *Alloc) UpdateSuper(f func(sb *super.Superblock)) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	f(a.sb)
	a.sbDirty = true
	return a.persistSuper()
}
