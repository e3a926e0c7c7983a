package addr

import (
	"github.com/mit-pdos/go-ufs/common"
)

// Addr identifies the start of a disk object.
//
// Blkno is the block number containing the object, and Off is the location of
// the object within the block (expressed as a bit offset). The size of the
// object is determined by the context in which Addr is used.
type Addr struct {
	Blkno common.Bnum
	Off   uint64 // offset in bits
}

// Flatid numbers every bit of a device with block size bsz.
func (a Addr) Flatid(bsz uint64) uint64 {
	return uint64(a.Blkno)*common.NBitBlock(bsz) + a.Off
}

// ByteOff is the byte offset of the object within its block.
func (a Addr) ByteOff() uint64 {
	return a.Off / 8
}

func MkAddr(blkno common.Bnum, off uint64) Addr {
	return Addr{Blkno: blkno, Off: off}
}

// MkBitAddr is the address of bit n of a bitmap that starts at block start.
func MkBitAddr(start common.Bnum, n uint64, bsz uint64) Addr {
	bit := n % common.NBitBlock(bsz)
	i := n / common.NBitBlock(bsz)
	addr := MkAddr(start+common.Bnum(i), bit)
	return addr
}

// MkObjAddr is the address of object n in a table of sz-byte objects starting
// at block start.
func MkObjAddr(start common.Bnum, n uint64, sz uint64, bsz uint64) Addr {
	per := bsz / sz
	return MkAddr(start+common.Bnum(n/per), (n%per)*sz*8)
}
