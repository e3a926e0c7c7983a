// buf holds disk objects (whole blocks, or inode records within a block) that
// an operation has loaded and may modify before writing them back.
package buf

import (
	"encoding/binary"
	"fmt"

	"github.com/mit-pdos/go-ufs/addr"
	"github.com/mit-pdos/go-ufs/common"
	"github.com/mit-pdos/go-ufs/disk"
	"github.com/mit-pdos/go-ufs/util"
)

// A Buf is an in-memory copy of a disk object
type Buf struct {
	Addr  addr.Addr
	Sz    uint64 // number of bits
	Data  []byte
	dirty bool // has this object been written to?
}

func MkBuf(addr addr.Addr, sz uint64, data []byte) *Buf {
	if addr.Off%8 != 0 || sz%8 != 0 || uint64(len(data)) != sz/8 {
		panic(fmt.Sprintf("MkBuf: %v of %d bits with %d bytes", addr, sz, len(data)))
	}
	b := &Buf{
		Addr:  addr,
		Sz:    sz,
		Data:  data,
		dirty: false,
	}
	return b
}

// MkBufLoad reads the object at addr.
func MkBufLoad(dev *disk.Dev, addr addr.Addr, sz uint64) (*Buf, error) {
	data := make([]byte, sz/8)
	if err := dev.ReadAt(addr.Blkno, addr.ByteOff(), data); err != nil {
		return nil, err
	}
	return MkBuf(addr, sz, data), nil
}

// MkBlockLoad reads the whole block blkno.
func MkBlockLoad(dev *disk.Dev, blkno common.Bnum) (*Buf, error) {
	blk, err := dev.Read(blkno)
	if err != nil {
		return nil, err
	}
	return MkBuf(addr.MkAddr(blkno, 0), dev.BlockSize()*8, blk), nil
}

// MkBlockZero is a fresh, dirty, zero-filled block.
func MkBlockZero(dev *disk.Dev, blkno common.Bnum) *Buf {
	b := MkBuf(addr.MkAddr(blkno, 0), dev.BlockSize()*8, make(disk.Block, dev.BlockSize()))
	b.SetDirty()
	return b
}

func (buf *Buf) IsDirty() bool {
	return buf.dirty
}

func (buf *Buf) SetDirty() {
	buf.dirty = true
}

// WriteDirect writes buf back to its location, whether or not it is dirty.
func (buf *Buf) WriteDirect(dev *disk.Dev) error {
	util.DPrintf(5, "%v: write %d bits\n", buf.Addr, buf.Sz)
	var err error
	if buf.Sz == dev.BlockSize()*8 {
		err = dev.Write(buf.Addr.Blkno, buf.Data)
	} else {
		err = dev.WriteAt(buf.Addr.Blkno, buf.Addr.ByteOff(), buf.Data)
	}
	if err != nil {
		return err
	}
	buf.dirty = false
	return nil
}

// BnumGet reads the i'th block pointer of a pointer block.
func (buf *Buf) BnumGet(i uint64) common.Bnum {
	off := i * common.PTRSZ
	return common.Bnum(binary.LittleEndian.Uint32(buf.Data[off : off+common.PTRSZ]))
}

func (buf *Buf) BnumPut(i uint64, v common.Bnum) {
	if v > common.Bnum(^uint32(0)) {
		panic(fmt.Sprintf("BnumPut: %d does not fit a pointer slot", v))
	}
	off := i * common.PTRSZ
	binary.LittleEndian.PutUint32(buf.Data[off:off+common.PTRSZ], uint32(v))
	buf.SetDirty()
}

// NPtr is the number of pointer slots in buf.
func (buf *Buf) NPtr() uint64 {
	return uint64(len(buf.Data)) / common.PTRSZ
}

// IsZero reports whether every pointer slot is null.
func (buf *Buf) IsZero() bool {
	for _, b := range buf.Data {
		if b != 0 {
			return false
		}
	}
	return true
}
