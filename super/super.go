// Package super owns the file system's global metadata: the superblock
// record stored in the image header, and the block-group layout derived from
// it.
package super

import (
	"fmt"
	"hash/crc32"
	"time"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-ufs/common"
	"github.com/mit-pdos/go-ufs/disk"
	"github.com/mit-pdos/go-ufs/util"
)

const (
	MAGIC   uint64 = 0x55465331 // "UFS1"
	VERSION uint64 = 1

	// number of 64-bit words in the encoded record, checksum included
	nfields uint64 = 17
)

type Superblock struct {
	Magic          uint64
	Version        uint64
	BlockSize      uint64
	NBlocks        uint64
	NInodes        uint64
	FreeBlocks     uint64
	FreeInodes     uint64
	BlocksPerGroup uint64
	InodesPerGroup uint64
	NGroups        uint64
	InodeSize      uint64
	InodeTableLen  uint64 // blocks of inode table per group
	CreatedAt      int64  // unix nanoseconds
	ModifiedAt     int64
	MountedAt      int64
	MountCount     uint64
	Checksum       uint32
}

// MkSuperblock computes the layout of a file system of size bytes with block
// size bsz and one inode per ratio bytes of group space. Blocks of a trailing
// group too small to hold its own metadata plus one data block are left
// unused.
func MkSuperblock(size uint64, bsz uint64, ratio uint64) (*Superblock, error) {
	if !common.ValidBlockSize(bsz) {
		return nil, fmt.Errorf("block size %d: %w", bsz, common.ErrInvalid)
	}
	if size%bsz != 0 {
		return nil, fmt.Errorf("size %d is not a multiple of block size %d: %w",
			size, bsz, common.ErrInvalid)
	}
	if ratio == 0 {
		ratio = common.DEFAULTINODERATIO
	}
	bpg := common.NBitBlock(bsz)
	perblk := bsz / common.INODESZ
	ipg := (bpg * bsz / ratio) / perblk * perblk
	if ipg < perblk {
		ipg = perblk
	}
	if ipg > common.NBitBlock(bsz) {
		ipg = common.NBitBlock(bsz)
	}
	itb := ipg * common.INODESZ / bsz

	nblocks := size / bsz
	ngroups := util.RoundUp(nblocks, bpg)
	if ngroups > 0 {
		last := nblocks - (ngroups-1)*bpg
		if last < 2+itb+1 {
			nblocks -= last
			ngroups--
		}
	}
	if ngroups == 0 {
		return nil, fmt.Errorf("size %d too small for block size %d: %w",
			size, bsz, common.ErrInvalid)
	}

	now := time.Now().UnixNano()
	sb := &Superblock{
		Magic:          MAGIC,
		Version:        VERSION,
		BlockSize:      bsz,
		NBlocks:        nblocks,
		NInodes:        ngroups * ipg,
		FreeBlocks:     nblocks - ngroups*(2+itb),
		FreeInodes:     ngroups * ipg,
		BlocksPerGroup: bpg,
		InodesPerGroup: ipg,
		NGroups:        ngroups,
		InodeSize:      common.INODESZ,
		InodeTableLen:  itb,
		CreatedAt:      now,
		ModifiedAt:     now,
	}
	return sb, nil
}

// ImageSize is the number of bytes the image must have.
func (sb *Superblock) ImageSize() uint64 {
	return common.SUPERBLOCKSZ + sb.NBlocks*sb.BlockSize
}

func (sb *Superblock) encode() []byte {
	enc := marshal.NewEnc(common.SUPERBLOCKSZ)
	enc.PutInt(sb.Magic)
	enc.PutInt(sb.Version)
	enc.PutInt(sb.BlockSize)
	enc.PutInt(sb.NBlocks)
	enc.PutInt(sb.NInodes)
	enc.PutInt(sb.FreeBlocks)
	enc.PutInt(sb.FreeInodes)
	enc.PutInt(sb.BlocksPerGroup)
	enc.PutInt(sb.InodesPerGroup)
	enc.PutInt(sb.NGroups)
	enc.PutInt(sb.InodeSize)
	enc.PutInt(sb.InodeTableLen)
	enc.PutInt(uint64(sb.CreatedAt))
	enc.PutInt(uint64(sb.ModifiedAt))
	enc.PutInt(uint64(sb.MountedAt))
	enc.PutInt(sb.MountCount)
	enc.PutInt(0) // checksum
	return enc.Finish()
}

func checksum(b []byte) uint32 {
	return crc32.ChecksumIEEE(b[:nfields*8])
}

// Encode serializes the record, stamping its checksum.
func (sb *Superblock) Encode() []byte {
	b := sb.encode()
	sb.Checksum = checksum(b)
	enc := marshal.NewEnc(8)
	enc.PutInt(uint64(sb.Checksum))
	copy(b[(nfields-1)*8:], enc.Finish())
	return b
}

func errCorrupt(format string, a ...interface{}) error {
	return fmt.Errorf("superblock: %s: %w", fmt.Sprintf(format, a...), common.ErrCorrupt)
}

// Decode parses and validates a superblock record.
func Decode(b []byte) (*Superblock, error) {
	if uint64(len(b)) < common.SUPERBLOCKSZ {
		return nil, errCorrupt("short record")
	}
	dec := marshal.NewDec(b[:nfields*8])
	sb := &Superblock{}
	sb.Magic = dec.GetInt()
	if sb.Magic != MAGIC {
		return nil, errCorrupt("bad magic %#x", sb.Magic)
	}
	sb.Version = dec.GetInt()
	sb.BlockSize = dec.GetInt()
	sb.NBlocks = dec.GetInt()
	sb.NInodes = dec.GetInt()
	sb.FreeBlocks = dec.GetInt()
	sb.FreeInodes = dec.GetInt()
	sb.BlocksPerGroup = dec.GetInt()
	sb.InodesPerGroup = dec.GetInt()
	sb.NGroups = dec.GetInt()
	sb.InodeSize = dec.GetInt()
	sb.InodeTableLen = dec.GetInt()
	sb.CreatedAt = int64(dec.GetInt())
	sb.ModifiedAt = int64(dec.GetInt())
	sb.MountedAt = int64(dec.GetInt())
	sb.MountCount = dec.GetInt()
	sb.Checksum = uint32(dec.GetInt())

	zeroed := make([]byte, nfields*8)
	copy(zeroed, b[:(nfields-1)*8])
	if sum := checksum(zeroed); sum != sb.Checksum {
		return nil, errCorrupt("checksum %#x, expected %#x", sb.Checksum, sum)
	}
	if sb.Version != VERSION {
		return nil, errCorrupt("unsupported version %d", sb.Version)
	}
	if err := sb.validate(); err != nil {
		return nil, err
	}
	return sb, nil
}

func (sb *Superblock) validate() error {
	bsz := sb.BlockSize
	if !common.ValidBlockSize(bsz) {
		return errCorrupt("block size %d", bsz)
	}
	if sb.InodeSize != common.INODESZ {
		return errCorrupt("inode size %d", sb.InodeSize)
	}
	if sb.BlocksPerGroup != common.NBitBlock(bsz) {
		return errCorrupt("%d blocks per group", sb.BlocksPerGroup)
	}
	if sb.InodesPerGroup == 0 || sb.InodesPerGroup > common.NBitBlock(bsz) ||
		sb.InodesPerGroup%(bsz/common.INODESZ) != 0 {
		return errCorrupt("%d inodes per group", sb.InodesPerGroup)
	}
	if sb.InodeTableLen != sb.InodesPerGroup*common.INODESZ/bsz {
		return errCorrupt("inode table of %d blocks", sb.InodeTableLen)
	}
	if sb.NGroups == 0 || sb.NGroups != util.RoundUp(sb.NBlocks, sb.BlocksPerGroup) {
		return errCorrupt("%d groups for %d blocks", sb.NGroups, sb.NBlocks)
	}
	if sb.GroupBlocks(sb.NGroups-1) < sb.MetaBlocks()+1 {
		return errCorrupt("last group of %d blocks", sb.GroupBlocks(sb.NGroups-1))
	}
	if sb.NInodes != sb.NGroups*sb.InodesPerGroup {
		return errCorrupt("%d inodes in %d groups", sb.NInodes, sb.NGroups)
	}
	if sb.FreeBlocks > sb.NBlocks || sb.FreeInodes > sb.NInodes {
		return errCorrupt("free counts %d/%d exceed totals", sb.FreeBlocks, sb.FreeInodes)
	}
	return nil
}

// Load reads the superblock from the image header and checks that the image
// is large enough to hold every block it describes.
func Load(d disk.Disk) (*Superblock, error) {
	b := make([]byte, common.SUPERBLOCKSZ)
	if err := d.ReadAt(b, 0); err != nil {
		return nil, fmt.Errorf("loading superblock: %w", err)
	}
	sb, err := Decode(b)
	if err != nil {
		return nil, err
	}
	sz, err := d.Size()
	if err != nil {
		return nil, err
	}
	if sz < sb.ImageSize() {
		return nil, errCorrupt("image of %d bytes, need %d", sz, sb.ImageSize())
	}
	util.DPrintf(1, "super: loaded %d blocks of %d bytes, %d groups\n",
		sb.NBlocks, sb.BlockSize, sb.NGroups)
	return sb, nil
}

// Persist writes the record to the image header.
func (sb *Superblock) Persist(d disk.Disk) error {
	if err := d.WriteAt(sb.Encode(), 0); err != nil {
		return fmt.Errorf("persisting superblock: %w", err)
	}
	return nil
}

// AdjustFreeBlocks applies delta to the free block counter. The caller holds
// the allocation lock and applies the matching bitmap change.
func (sb *Superblock) AdjustFreeBlocks(delta int64) {
	n := int64(sb.FreeBlocks) + delta
	if n < 0 || uint64(n) > sb.NBlocks {
		panic(fmt.Sprintf("AdjustFreeBlocks: %d%+d", sb.FreeBlocks, delta))
	}
	sb.FreeBlocks = uint64(n)
}

// AdjustFreeInodes is AdjustFreeBlocks for the inode counter.
func (sb *Superblock) AdjustFreeInodes(delta int64) {
	n := int64(sb.FreeInodes) + delta
	if n < 0 || uint64(n) > sb.NInodes {
		panic(fmt.Sprintf("AdjustFreeInodes: %d%+d", sb.FreeInodes, delta))
	}
	sb.FreeInodes = uint64(n)
}
