// Package inode holds the on-disk inode record and the inode table that maps
// inode numbers to their slots in each group.
package inode

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-ufs/common"
)

// Record layout, all little-endian:
//
//	[0, 24)    kind, mode, uid, gid, nlink, nblocks (u32 each)
//	[24, 64)   size, atime, mtime, ctime, crtime (u64 each)
//	[64, 120)  12 direct, indirect, double-indirect pointers (u32 each)
//	[120, 124) crc32 of [0, 120)
const (
	smallOff = 0
	wideOff  = 24
	ptrOff   = 64
	sumOff   = 120
)

const (
	// IndIndirect and IndDIndirect index the pointer slots after the direct
	// ones.
	IndIndirect  = common.NDIRECT
	IndDIndirect = common.NDIRECT + 1
	NPTR         = common.NDIRECT + 2
)

type Inode struct {
	Inum    common.Inum
	Kind    common.FileType
	Mode    uint32 // permission bits
	Uid     uint32
	Gid     uint32
	Nlink   uint32
	NBlocks uint32 // allocated blocks, pointer blocks included
	Size    uint64
	Atime   int64 // unix nanoseconds
	Mtime   int64
	Ctime   int64
	Crtime  int64
	Ptrs    [NPTR]common.Bnum
}

// MkInode is a fresh record of the given type, all timestamps set to now.
func MkInode(inum common.Inum, kind common.FileType, mode uint32) *Inode {
	now := time.Now().UnixNano()
	return &Inode{
		Inum:   inum,
		Kind:   kind,
		Mode:   mode,
		Atime:  now,
		Mtime:  now,
		Ctime:  now,
		Crtime: now,
	}
}

func (ip *Inode) String() string {
	return fmt.Sprintf("# %d: %s size %d nlink %d blocks %d ptrs %v", ip.Inum,
		ip.Kind, ip.Size, ip.Nlink, ip.NBlocks, ip.Ptrs)
}

func (ip *Inode) IsDir() bool {
	return ip.Kind == common.TypeDir
}

// Touch sets the change time, and the modification time if modified.
func (ip *Inode) Touch(modified bool) {
	now := time.Now().UnixNano()
	ip.Ctime = now
	if modified {
		ip.Mtime = now
	}
}

// NBlk is the number of logical blocks covered by the file size.
func (ip *Inode) NBlk(bsz uint64) uint64 {
	return (ip.Size + bsz - 1) / bsz
}

func (ip *Inode) Encode() []byte {
	b := make([]byte, common.INODESZ)
	le := binary.LittleEndian
	le.PutUint32(b[0:], uint32(ip.Kind))
	le.PutUint32(b[4:], ip.Mode)
	le.PutUint32(b[8:], ip.Uid)
	le.PutUint32(b[12:], ip.Gid)
	le.PutUint32(b[16:], ip.Nlink)
	le.PutUint32(b[20:], ip.NBlocks)

	enc := marshal.NewEnc(ptrOff - wideOff)
	enc.PutInt(ip.Size)
	enc.PutInt(uint64(ip.Atime))
	enc.PutInt(uint64(ip.Mtime))
	enc.PutInt(uint64(ip.Ctime))
	enc.PutInt(uint64(ip.Crtime))
	copy(b[wideOff:ptrOff], enc.Finish())

	for i, p := range ip.Ptrs {
		if p > common.Bnum(^uint32(0)) {
			panic(fmt.Sprintf("inode %d: pointer %d out of range", ip.Inum, p))
		}
		le.PutUint32(b[ptrOff+uint64(i)*common.PTRSZ:], uint32(p))
	}
	le.PutUint32(b[sumOff:], crc32.ChecksumIEEE(b[:sumOff]))
	return b
}

func isZero(b []byte) bool {
	for _, x := range b {
		if x != 0 {
			return false
		}
	}
	return true
}

// Decode parses the record of inode inum. An all-zero record is a free inode.
func Decode(inum common.Inum, b []byte) (*Inode, error) {
	if uint64(len(b)) != common.INODESZ {
		panic("Decode: not an inode record")
	}
	ip := &Inode{Inum: inum}
	if isZero(b) {
		return ip, nil
	}
	le := binary.LittleEndian
	if sum := crc32.ChecksumIEEE(b[:sumOff]); sum != le.Uint32(b[sumOff:]) {
		return nil, fmt.Errorf("inode %d: checksum %#x, expected %#x: %w",
			inum, le.Uint32(b[sumOff:]), sum, common.ErrCorrupt)
	}
	kind := le.Uint32(b[0:])
	if kind > uint32(common.TypeSymlink) {
		return nil, fmt.Errorf("inode %d: bad type %d: %w", inum, kind, common.ErrCorrupt)
	}
	ip.Kind = common.FileType(kind)
	ip.Mode = le.Uint32(b[4:])
	ip.Uid = le.Uint32(b[8:])
	ip.Gid = le.Uint32(b[12:])
	ip.Nlink = le.Uint32(b[16:])
	ip.NBlocks = le.Uint32(b[20:])

	dec := marshal.NewDec(b[wideOff:ptrOff])
	ip.Size = dec.GetInt()
	ip.Atime = int64(dec.GetInt())
	ip.Mtime = int64(dec.GetInt())
	ip.Ctime = int64(dec.GetInt())
	ip.Crtime = int64(dec.GetInt())

	for i := range ip.Ptrs {
		ip.Ptrs[i] = common.Bnum(le.Uint32(b[ptrOff+uint64(i)*common.PTRSZ:]))
	}
	return ip, nil
}
