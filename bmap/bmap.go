// Package bmap maps a file's logical block numbers to disk blocks through the
// inode's pointer tree: NDIRECT direct pointers, one indirect pointer block
// and one double-indirect pointer block.
//
// All changes go through an Op. Pointer blocks, and the data blocks callers
// load with Block or ZeroBlock, are modified in memory and only written by
// Commit; blocks the Op releases are returned to the allocator at Commit too,
// so Abort can undo every change the Op made.
package bmap

import (
	"fmt"

	"github.com/mit-pdos/go-ufs/addr"
	"github.com/mit-pdos/go-ufs/alloc"
	"github.com/mit-pdos/go-ufs/buf"
	"github.com/mit-pdos/go-ufs/common"
	"github.com/mit-pdos/go-ufs/disk"
	"github.com/mit-pdos/go-ufs/inode"
	"github.com/mit-pdos/go-ufs/super"
	"github.com/mit-pdos/go-ufs/util"
)

type Op struct {
	dev       *disk.Dev
	sb        *super.Superblock
	alloc     *alloc.Alloc
	tbl       *inode.Table
	ip        *inode.Inode
	saved     inode.Inode
	hint      uint64
	bufs      *buf.BufMap
	allocated []common.Bnum
	freed     []common.Bnum
	done      bool
}

// Begin starts an Op on ip. The caller holds ip's lock until Commit or Abort.
func Begin(dev *disk.Dev, sb *super.Superblock, a *alloc.Alloc, tbl *inode.Table,
	ip *inode.Inode) *Op {
	op := &Op{
		dev:   dev,
		sb:    sb,
		alloc: a,
		tbl:   tbl,
		ip:    ip,
		saved: *ip,
		hint:  tbl.Group(ip.Inum),
		bufs:  buf.MkBufMap(sb.BlockSize),
	}
	util.DPrintf(5, "bmap Begin: %v\n", ip)
	return op
}

func (op *Op) Inode() *inode.Inode {
	return op.ip
}

func (op *Op) checkPtr(bn common.Bnum) error {
	if !op.sb.IsDataBlock(bn) {
		return fmt.Errorf("inode %d: pointer to non-data block %d: %w",
			op.ip.Inum, bn, common.ErrCorrupt)
	}
	return nil
}

func (op *Op) load(bn common.Bnum) (*buf.Buf, error) {
	if b := op.bufs.Lookup(addr.MkAddr(bn, 0)); b != nil {
		return b, nil
	}
	if err := op.checkPtr(bn); err != nil {
		return nil, err
	}
	b, err := buf.MkBlockLoad(op.dev, bn)
	if err != nil {
		return nil, err
	}
	op.bufs.Insert(b)
	return b, nil
}

func (op *Op) allocBlock() (common.Bnum, error) {
	bn, err := op.alloc.AllocBlock(op.hint)
	if err != nil {
		return common.NULLBNUM, err
	}
	op.allocated = append(op.allocated, bn)
	op.ip.NBlocks++
	return bn, nil
}

func (op *Op) allocPtrBlock() (*buf.Buf, error) {
	bn, err := op.allocBlock()
	if err != nil {
		return nil, err
	}
	b := buf.MkBlockZero(op.dev, bn)
	op.bufs.Insert(b)
	return b, nil
}

// Block returns the Op's copy of data block bn, reading it on first use.
// Callers mark changes with SetDirty; Commit writes them.
func (op *Op) Block(bn common.Bnum) (*buf.Buf, error) {
	return op.load(bn)
}

// ZeroBlock replaces the Op's copy of bn with a dirty, zero-filled block,
// without reading it. Used for blocks Map just allocated.
func (op *Op) ZeroBlock(bn common.Bnum) *buf.Buf {
	b := buf.MkBlockZero(op.dev, bn)
	op.bufs.Insert(b)
	return b
}

// release schedules bn to be freed at Commit.
func (op *Op) release(bn common.Bnum) {
	op.freed = append(op.freed, bn)
	op.bufs.Del(addr.MkAddr(bn, 0))
	op.ip.NBlocks--
}

// A slot is a pointer location: either one of the inode's pointers or an
// entry of a pointer block.
type slot struct {
	ip *inode.Inode
	b  *buf.Buf
	i  uint64
}

func (s slot) get() common.Bnum {
	if s.b == nil {
		return s.ip.Ptrs[s.i]
	}
	return s.b.BnumGet(s.i)
}

func (s slot) put(bn common.Bnum) {
	if s.b == nil {
		s.ip.Ptrs[s.i] = bn
	} else {
		s.b.BnumPut(s.i, bn)
	}
}

// path returns the slots leading from the inode to logical block lbn, outermost
// first, and the index into the last pointer array.
func (op *Op) path(lbn uint64) ([]uint64, error) {
	p := op.sb.NPtr()
	if lbn >= op.sb.MaxFileBlocks() {
		return nil, fmt.Errorf("inode %d: block %d: %w", op.ip.Inum, lbn, common.ErrFileTooLarge)
	}
	if lbn < common.NDIRECT {
		return []uint64{lbn}, nil
	}
	lbn -= common.NDIRECT
	if lbn < p {
		return []uint64{inode.IndIndirect, lbn}, nil
	}
	lbn -= p
	return []uint64{inode.IndDIndirect, lbn / p, lbn % p}, nil
}

// Map returns the disk block holding logical block lbn. If lbn is not
// allocated and create is false, it returns NULLBNUM; callers treat that as a
// zero-filled hole. If create is true it allocates the block, and any missing
// pointer blocks on the way, and reports fresh. A fresh block's contents are
// whatever its previous owner left; the caller initializes it.
func (op *Op) Map(lbn uint64, create bool) (bn common.Bnum, fresh bool, err error) {
	idx, err := op.path(lbn)
	if err != nil {
		return common.NULLBNUM, false, err
	}
	s := slot{ip: op.ip, i: idx[0]}
	for level := 1; level < len(idx); level++ {
		next := s.get()
		var b *buf.Buf
		if next == common.NULLBNUM {
			if !create {
				return common.NULLBNUM, false, nil
			}
			b, err = op.allocPtrBlock()
			if err != nil {
				return common.NULLBNUM, false, err
			}
			s.put(b.Addr.Blkno)
		} else {
			b, err = op.load(next)
			if err != nil {
				return common.NULLBNUM, false, err
			}
		}
		s = slot{b: b, i: idx[level]}
	}
	bn = s.get()
	if bn != common.NULLBNUM {
		if err := op.checkPtr(bn); err != nil {
			return common.NULLBNUM, false, err
		}
		return bn, false, nil
	}
	if !create {
		return common.NULLBNUM, false, nil
	}
	bn, err = op.allocBlock()
	if err != nil {
		return common.NULLBNUM, false, err
	}
	s.put(bn)
	util.DPrintf(10, "bmap: inode %d lbn %d -> new %d\n", op.ip.Inum, lbn, bn)
	return bn, true, nil
}

// A frame of the iterative tree walk: the pointer block b, whose slot i
// covers logical blocks [base+i*span, base+(i+1)*span).
type frame struct {
	b      *buf.Buf
	base   uint64
	span   uint64
	i      uint64
	parent slot
}

// roots lists the inode's pointer-tree roots with the first logical block and
// the per-slot span of each.
func (op *Op) roots() []frame {
	p := op.sb.NPtr()
	return []frame{
		{base: common.NDIRECT, span: 1, parent: slot{ip: op.ip, i: inode.IndIndirect}},
		{base: common.NDIRECT + p, span: p, parent: slot{ip: op.ip, i: inode.IndDIndirect}},
	}
}

// Shrink releases every block that maps a logical block at or beyond keep,
// and every pointer block left without children, nulling the slots that
// pointed to them.
func (op *Op) Shrink(keep uint64) error {
	util.DPrintf(5, "bmap Shrink: inode %d to %d blocks\n", op.ip.Inum, keep)
	for i := keep; i < common.NDIRECT; i++ {
		if bn := op.ip.Ptrs[i]; bn != common.NULLBNUM {
			op.release(bn)
			op.ip.Ptrs[i] = common.NULLBNUM
		}
	}
	p := op.sb.NPtr()
	for _, root := range op.roots() {
		bn := root.parent.get()
		if bn == common.NULLBNUM || keep >= root.base+root.span*p {
			continue
		}
		b, err := op.load(bn)
		if err != nil {
			return err
		}
		root.b = b
		if keep > root.base {
			root.i = (keep - root.base) / root.span
		}
		stack := []frame{root}
		for len(stack) > 0 {
			f := &stack[len(stack)-1]
			if f.i == p {
				if f.base >= keep || f.b.IsZero() {
					op.release(f.b.Addr.Blkno)
					f.parent.put(common.NULLBNUM)
				}
				stack = stack[:len(stack)-1]
				continue
			}
			s := slot{b: f.b, i: f.i}
			cbase := f.base + f.i*f.span
			f.i++
			child := s.get()
			if child == common.NULLBNUM || cbase+f.span <= keep {
				continue
			}
			if f.span == 1 {
				op.release(child)
				s.put(common.NULLBNUM)
				continue
			}
			cb, err := op.load(child)
			if err != nil {
				return err
			}
			c := frame{b: cb, base: cbase, span: f.span / p, parent: s}
			if keep > cbase {
				c.i = (keep - cbase) / c.span
			}
			stack = append(stack, c)
		}
	}
	return nil
}

// Blocks lists every block reachable from the inode, data and pointer
// blocks alike.
func (op *Op) Blocks() ([]common.Bnum, error) {
	var bns []common.Bnum
	for _, bn := range op.ip.Ptrs[:common.NDIRECT] {
		if bn != common.NULLBNUM {
			bns = append(bns, bn)
		}
	}
	p := op.sb.NPtr()
	for _, root := range op.roots() {
		bn := root.parent.get()
		if bn == common.NULLBNUM {
			continue
		}
		b, err := op.load(bn)
		if err != nil {
			return nil, err
		}
		bns = append(bns, bn)
		root.b = b
		stack := []frame{root}
		for len(stack) > 0 {
			f := &stack[len(stack)-1]
			if f.i == p {
				stack = stack[:len(stack)-1]
				continue
			}
			child := f.b.BnumGet(f.i)
			cbase := f.base + f.i*f.span
			f.i++
			if child == common.NULLBNUM {
				continue
			}
			if err := op.checkPtr(child); err != nil {
				return nil, err
			}
			bns = append(bns, child)
			if f.span > 1 {
				cb, err := op.load(child)
				if err != nil {
					return nil, err
				}
				stack = append(stack, frame{b: cb, base: cbase, span: f.span / p})
			}
		}
	}
	return bns, nil
}

// Commit writes the modified pointer blocks and the inode, then returns
// released blocks to the allocator.
func (op *Op) Commit() error {
	if op.done {
		panic("Commit: op already finished")
	}
	op.done = true
	util.DPrintf(5, "bmap Commit: inode %d, %d of %d bufs dirty\n", op.ip.Inum,
		op.bufs.Ndirty(), op.bufs.Len())
	for _, b := range op.bufs.DirtyBufs() {
		if err := b.WriteDirect(op.dev); err != nil {
			return err
		}
	}
	if err := op.tbl.Write(op.ip); err != nil {
		return err
	}
	for _, bn := range op.freed {
		op.alloc.FreeBlock(bn)
	}
	util.DPrintf(5, "bmap Commit: %v, %d allocated %d freed\n", op.ip,
		len(op.allocated), len(op.freed))
	return nil
}

// Abort undoes the Op: blocks it allocated go back to the allocator and the
// inode returns to its state at Begin. Nothing the Op did reached the disk.
func (op *Op) Abort() {
	if op.done {
		panic("Abort: op already finished")
	}
	op.done = true
	for _, bn := range op.allocated {
		op.alloc.FreeBlock(bn)
	}
	*op.ip = op.saved
	util.DPrintf(5, "bmap Abort: %v\n", op.ip)
}
