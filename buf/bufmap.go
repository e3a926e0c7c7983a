package buf

import (
	"sort"

	"github.com/mit-pdos/go-ufs/addr"
)

//
// A map from Addr's to bufs.
//

type BufMap struct {
	bsz  uint64
	bufs map[uint64]*Buf
}

func MkBufMap(bsz uint64) *BufMap {
	a := &BufMap{
		bsz:  bsz,
		bufs: make(map[uint64]*Buf),
	}
	return a
}

func (bmap *BufMap) Insert(buf *Buf) {
	bmap.bufs[buf.Addr.Flatid(bmap.bsz)] = buf
}

func (bmap *BufMap) Lookup(addr addr.Addr) *Buf {
	return bmap.bufs[addr.Flatid(bmap.bsz)]
}

func (bmap *BufMap) Del(addr addr.Addr) {
	delete(bmap.bufs, addr.Flatid(bmap.bsz))
}

func (bmap *BufMap) Len() int {
	return len(bmap.bufs)
}

func (bmap *BufMap) Ndirty() uint64 {
	n := uint64(0)
	for _, buf := range bmap.bufs {
		if buf.dirty {
			n += 1
		}
	}
	return n
}

// DirtyBufs returns the dirty bufs in address order.
func (bmap *BufMap) DirtyBufs() []*Buf {
	bufs := make([]*Buf, 0)
	for _, b := range bmap.bufs {
		if b.dirty {
			bufs = append(bufs, b)
		}
	}
	sort.Slice(bufs, func(i, j int) bool {
		return bufs[i].Addr.Flatid(bmap.bsz) < bufs[j].Addr.Flatid(bmap.bsz)
	})
	return bufs
}
