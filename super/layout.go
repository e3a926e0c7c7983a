package super

import (
	"github.com/mit-pdos/go-ufs/common"
)

// GroupDesc locates the regions of one block group. It is fully determined by
// the superblock and the group index.
type GroupDesc struct {
	Index         uint64
	DataBitmap    common.Bnum
	InodeBitmap   common.Bnum
	InodeTable    common.Bnum
	InodeTableLen uint64
	DataStart     common.Bnum
	DataLen       uint64
}

// MetaBlocks is the number of blocks at the start of every group used by its
// bitmaps and inode table.
func (sb *Superblock) MetaBlocks() uint64 {
	return 2 + sb.InodeTableLen
}

func (sb *Superblock) GroupStart(g uint64) common.Bnum {
	return common.Bnum(g * sb.BlocksPerGroup)
}

// GroupBlocks is the number of blocks in group g; only the last group may be
// short.
func (sb *Superblock) GroupBlocks(g uint64) uint64 {
	if g == sb.NGroups-1 {
		return sb.NBlocks - g*sb.BlocksPerGroup
	}
	return sb.BlocksPerGroup
}

func (sb *Superblock) Group(g uint64) GroupDesc {
	if g >= sb.NGroups {
		panic("Group")
	}
	start := sb.GroupStart(g)
	return GroupDesc{
		Index:         g,
		DataBitmap:    start,
		InodeBitmap:   start + 1,
		InodeTable:    start + 2,
		InodeTableLen: sb.InodeTableLen,
		DataStart:     start + common.Bnum(sb.MetaBlocks()),
		DataLen:       sb.GroupBlocks(g) - sb.MetaBlocks(),
	}
}

// BlockGroup maps a block number to its group and bit index in that group's
// data bitmap.
func (sb *Superblock) BlockGroup(bn common.Bnum) (uint64, uint64) {
	return uint64(bn) / sb.BlocksPerGroup, uint64(bn) % sb.BlocksPerGroup
}

// InodeGroup maps an inode number to its group and index within the group.
func (sb *Superblock) InodeGroup(inum common.Inum) (uint64, uint64) {
	if inum == common.NULLINUM || uint64(inum) > sb.NInodes {
		panic("InodeGroup")
	}
	n := uint64(inum) - 1
	return n / sb.InodesPerGroup, n % sb.InodesPerGroup
}

func (sb *Superblock) ValidInum(inum common.Inum) bool {
	return inum != common.NULLINUM && uint64(inum) <= sb.NInodes
}

// IsDataBlock reports whether bn lies in some group's data region.
func (sb *Superblock) IsDataBlock(bn common.Bnum) bool {
	if uint64(bn) >= sb.NBlocks {
		return false
	}
	_, i := sb.BlockGroup(bn)
	return i >= sb.MetaBlocks()
}

// NPtr is the number of block numbers in one pointer block.
func (sb *Superblock) NPtr() uint64 {
	return common.NPtrBlock(sb.BlockSize)
}

// MaxFileBlocks is the number of logical blocks addressable through the 12
// direct, the indirect and the double-indirect pointers.
func (sb *Superblock) MaxFileBlocks() uint64 {
	p := sb.NPtr()
	return common.NDIRECT + p + p*p
}

func (sb *Superblock) MaxFileSize() uint64 {
	return sb.MaxFileBlocks() * sb.BlockSize
}
