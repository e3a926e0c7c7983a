package disk

import (
	"fmt"

	"github.com/mit-pdos/go-ufs/common"
)

// Dev is a block-addressed view of a Disk. The first SUPERBLOCKSZ bytes of
// the image are the header; block a starts right after it, at byte
// SUPERBLOCKSZ + a*BlockSize.
type Dev struct {
	d       Disk
	bsz     uint64
	nblocks uint64
}

func MkDev(d Disk, bsz uint64, nblocks uint64) *Dev {
	return &Dev{d: d, bsz: bsz, nblocks: nblocks}
}

func (dev *Dev) Disk() Disk {
	return dev.d
}

func (dev *Dev) BlockSize() uint64 {
	return dev.bsz
}

// Size reports how big the device is, in blocks
func (dev *Dev) Size() uint64 {
	return dev.nblocks
}

func (dev *Dev) off(a common.Bnum, off uint64, n uint64) uint64 {
	if a >= dev.nblocks || off+n > dev.bsz {
		panic(fmt.Errorf("out-of-bounds access to block %v at %v+%v", a, off, n))
	}
	return common.SUPERBLOCKSZ + a*dev.bsz + off
}

// Read reads a disk block by address
func (dev *Dev) Read(a common.Bnum) (Block, error) {
	buf := make(Block, dev.bsz)
	err := dev.ReadTo(a, buf)
	return buf, err
}

// ReadTo reads the disk block at a and stores the result in b
func (dev *Dev) ReadTo(a common.Bnum, b Block) error {
	if uint64(len(b)) != dev.bsz {
		panic("buffer is not block-sized")
	}
	return dev.d.ReadAt(b, dev.off(a, 0, dev.bsz))
}

// Write updates a disk block by address
func (dev *Dev) Write(a common.Bnum, v Block) error {
	if uint64(len(v)) != dev.bsz {
		panic(fmt.Errorf("v is not block sized (%d bytes)", len(v)))
	}
	return dev.d.WriteAt(v, dev.off(a, 0, dev.bsz))
}

// ReadAt reads len(p) bytes starting at byte off within block a.
func (dev *Dev) ReadAt(a common.Bnum, off uint64, p []byte) error {
	return dev.d.ReadAt(p, dev.off(a, off, uint64(len(p))))
}

// WriteAt writes p starting at byte off within block a.
func (dev *Dev) WriteAt(a common.Bnum, off uint64, p []byte) error {
	return dev.d.WriteAt(p, dev.off(a, off, uint64(len(p))))
}

// Zero overwrites blocks [start, start+n) with zeroes.
func (dev *Dev) Zero(start common.Bnum, n uint64) error {
	z := make(Block, dev.bsz)
	for a := start; a < start+n; a++ {
		if err := dev.Write(a, z); err != nil {
			return err
		}
	}
	return nil
}

func (dev *Dev) Barrier() error {
	return dev.d.Barrier()
}
