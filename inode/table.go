package inode

import (
	"fmt"

	"github.com/mit-pdos/go-ufs/addr"
	"github.com/mit-pdos/go-ufs/alloc"
	"github.com/mit-pdos/go-ufs/buf"
	"github.com/mit-pdos/go-ufs/common"
	"github.com/mit-pdos/go-ufs/disk"
	"github.com/mit-pdos/go-ufs/super"
	"github.com/mit-pdos/go-ufs/util"
)

// Table reads and writes inode records in the groups' inode tables.
type Table struct {
	dev   *disk.Dev
	sb    *super.Superblock
	alloc *alloc.Alloc
}

func MkTable(dev *disk.Dev, sb *super.Superblock, a *alloc.Alloc) *Table {
	return &Table{dev: dev, sb: sb, alloc: a}
}

// Inum2Addr is the location of inode inum's record.
func (t *Table) Inum2Addr(inum common.Inum) addr.Addr {
	g, i := t.sb.InodeGroup(inum)
	desc := t.sb.Group(g)
	return addr.MkObjAddr(desc.InodeTable, i, common.INODESZ, t.sb.BlockSize)
}

func (t *Table) checkInum(inum common.Inum) error {
	if !t.sb.ValidInum(inum) {
		return fmt.Errorf("inode %d: %w", inum, common.ErrInvalid)
	}
	return nil
}

// Read loads inode inum. Reading a free slot is not an error; the result
// has Kind TypeFree.
func (t *Table) Read(inum common.Inum) (*Inode, error) {
	if err := t.checkInum(inum); err != nil {
		return nil, err
	}
	b, err := buf.MkBufLoad(t.dev, t.Inum2Addr(inum), common.INODESZ*8)
	if err != nil {
		return nil, fmt.Errorf("reading inode %d: %w", inum, err)
	}
	return Decode(inum, b.Data)
}

// Write stores ip in its slot.
func (t *Table) Write(ip *Inode) error {
	if err := t.checkInum(ip.Inum); err != nil {
		return err
	}
	util.DPrintf(5, "inode write %v\n", ip)
	b := buf.MkBuf(t.Inum2Addr(ip.Inum), common.INODESZ*8, ip.Encode())
	if err := b.WriteDirect(t.dev); err != nil {
		return fmt.Errorf("writing inode %d: %w", ip.Inum, err)
	}
	return nil
}

// Alloc obtains a free inode number near group hint and writes a fresh record
// of type kind in its slot, overwriting whatever a previous owner left.
func (t *Table) Alloc(hint uint64, kind common.FileType, mode uint32) (*Inode, error) {
	inum, err := t.alloc.AllocInode(hint)
	if err != nil {
		return nil, err
	}
	ip := MkInode(inum, kind, mode)
	if err := t.Write(ip); err != nil {
		t.alloc.FreeInode(inum)
		return nil, err
	}
	return ip, nil
}

// Free releases inode inum. Its record is left in place and reinitialized by
// the next Alloc of the slot.
func (t *Table) Free(inum common.Inum) {
	t.alloc.FreeInode(inum)
}

// Group is the group holding inode inum, used as an allocation hint.
func (t *Table) Group(inum common.Inum) uint64 {
	g, _ := t.sb.InodeGroup(inum)
	return g
}

// Format zeroes the inode table of group g.
func Format(dev *disk.Dev, sb *super.Superblock, g uint64) error {
	desc := sb.Group(g)
	if err := dev.Zero(desc.InodeTable, desc.InodeTableLen); err != nil {
		return fmt.Errorf("formatting inode table %d: %w", g, err)
	}
	return nil
}
