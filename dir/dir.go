// Package dir stores a directory's name to inode mappings as variable-length
// records in the directory's data blocks.
//
// Each record is
//
//	inum u32 | rec_len u16 | name_len u8 | type u8 | name
//
// padded to a multiple of 4 bytes. Records never cross a block boundary, and
// the rec_len of the last record in a block reaches the end of the block. A
// removed entry keeps its place with inum 0.
package dir

import (
	"encoding/binary"
	"fmt"

	"github.com/mit-pdos/go-ufs/bmap"
	"github.com/mit-pdos/go-ufs/buf"
	"github.com/mit-pdos/go-ufs/common"
	"github.com/mit-pdos/go-ufs/disk"
	"github.com/mit-pdos/go-ufs/inode"
	"github.com/mit-pdos/go-ufs/util"
)

const (
	HDRSZ    uint64 = 8
	MINRECSZ uint64 = 12 // a record with a name of up to 4 bytes
)

type Entry struct {
	Inum common.Inum
	Kind common.FileType
	Name string
}

func RecLen(namelen uint64) uint64 {
	return (HDRSZ + namelen + 3) &^ 3
}

// ValidName checks a name for insertion.
func ValidName(name string) error {
	if uint64(len(name)) > common.MAXNAMELEN {
		return fmt.Errorf("%.32s...: %w", name, common.ErrNameTooLong)
	}
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("name %q: %w", name, common.ErrInvalid)
	}
	for i := 0; i < len(name); i++ {
		if name[i] == '/' || name[i] == 0 {
			return fmt.Errorf("name %q: %w", name, common.ErrInvalid)
		}
	}
	return nil
}

// rec is a parsed record at byte off of its block.
type rec struct {
	off     uint64
	inum    common.Inum
	recLen  uint64
	nameLen uint64
	kind    common.FileType
}

func (r rec) live() bool {
	return r.inum != common.NULLINUM
}

// slack is the space after the record's name that another record can use.
func (r rec) slack() uint64 {
	if !r.live() {
		return r.recLen
	}
	return r.recLen - RecLen(r.nameLen)
}

func getRec(b []byte, off uint64) (rec, error) {
	le := binary.LittleEndian
	bsz := uint64(len(b))
	if off+HDRSZ > bsz {
		return rec{}, fmt.Errorf("record at %d: %w", off, common.ErrCorrupt)
	}
	r := rec{
		off:     off,
		inum:    common.Inum(le.Uint32(b[off:])),
		recLen:  uint64(le.Uint16(b[off+4:])),
		nameLen: uint64(b[off+6]),
		kind:    common.FileType(b[off+7]),
	}
	if r.recLen < MINRECSZ || r.recLen%4 != 0 || off+r.recLen > bsz ||
		HDRSZ+r.nameLen > r.recLen {
		return rec{}, fmt.Errorf("record at %d: rec_len %d name_len %d: %w",
			off, r.recLen, r.nameLen, common.ErrCorrupt)
	}
	if r.live() && !r.kind.Valid() {
		return rec{}, fmt.Errorf("record at %d: type %d: %w", off, r.kind, common.ErrCorrupt)
	}
	return r, nil
}

func (r rec) name(b []byte) string {
	return string(b[r.off+HDRSZ : r.off+HDRSZ+r.nameLen])
}

func putRec(b []byte, off uint64, inum common.Inum, recLen uint64, kind common.FileType, name string) {
	le := binary.LittleEndian
	le.PutUint32(b[off:], uint32(inum))
	le.PutUint16(b[off+4:], uint16(recLen))
	b[off+6] = byte(len(name))
	b[off+7] = byte(kind)
	copy(b[off+HDRSZ:], name)
}

// Dir is a directory opened within a bmap.Op on its inode.
// Dir edits a directory through its inode's bmap.Op; nothing reaches the
// disk until the Op commits.
type Dir struct {
	op  *bmap.Op
	bsz uint64
}

func Open(dev *disk.Dev, op *bmap.Op) *Dir {
	if !op.Inode().IsDir() {
		panic(fmt.Sprintf("dir.Open: %v", op.Inode()))
	}
	return &Dir{op: op, bsz: dev.BlockSize()}
}

func (d *Dir) Inode() *inode.Inode {
	return d.op.Inode()
}

func (d *Dir) nblk() uint64 {
	return d.op.Inode().Size / d.bsz
}

func (d *Dir) readBlock(lbn uint64) (*buf.Buf, error) {
	bn, _, err := d.op.Map(lbn, false)
	if err != nil {
		return nil, err
	}
	if bn == common.NULLBNUM {
		return nil, fmt.Errorf("directory %d: hole at block %d: %w",
			d.op.Inode().Inum, lbn, common.ErrCorrupt)
	}
	return d.op.Block(bn)
}

// scan calls f on every record of every block, in storage order, until f
// returns false.
func (d *Dir) scan(f func(lbn uint64, b *buf.Buf, r rec) bool) error {
	for lbn := uint64(0); lbn < d.nblk(); lbn++ {
		b, err := d.readBlock(lbn)
		if err != nil {
			return err
		}
		for off := uint64(0); off < d.bsz; {
			r, err := getRec(b.Data, off)
			if err != nil {
				return fmt.Errorf("directory %d block %d: %w", d.op.Inode().Inum, lbn, err)
			}
			if !f(lbn, b, r) {
				return nil
			}
			off += r.recLen
		}
	}
	return nil
}

// Init writes the "." and ".." entries of a new, empty directory.
func (d *Dir) Init(parent common.Inum) error {
	ip := d.op.Inode()
	if ip.Size != 0 {
		panic("dir.Init: directory is not empty")
	}
	bn, _, err := d.op.Map(0, true)
	if err != nil {
		return err
	}
	b := d.op.ZeroBlock(bn)
	putRec(b.Data, 0, ip.Inum, MINRECSZ, common.TypeDir, ".")
	putRec(b.Data, MINRECSZ, parent, d.bsz-MINRECSZ, common.TypeDir, "..")
	ip.Size = d.bsz
	return nil
}

// Lookup finds the live entry called name.
func (d *Dir) Lookup(name string) (Entry, error) {
	var e Entry
	found := false
	err := d.scan(func(lbn uint64, b *buf.Buf, r rec) bool {
		if r.live() && r.name(b.Data) == name {
			e = Entry{Inum: r.inum, Kind: r.kind, Name: name}
			found = true
			return false
		}
		return true
	})
	if err != nil {
		return Entry{}, err
	}
	if !found {
		return Entry{}, fmt.Errorf("%s: %w", name, common.ErrNotFound)
	}
	return e, nil
}

// Insert adds name -> inum. It reuses the first large enough removed record,
// else the free tail of the last block, else appends a new block.
func (d *Dir) Insert(name string, inum common.Inum, kind common.FileType) error {
	if err := ValidName(name); err != nil {
		return err
	}
	need := RecLen(uint64(len(name)))
	var exists bool
	var hole, tail *rec
	var holeBuf, tailBuf *buf.Buf
	last := d.nblk() - 1
	err := d.scan(func(lbn uint64, b *buf.Buf, r rec) bool {
		if r.live() && r.name(b.Data) == name {
			exists = true
			return false
		}
		if hole == nil && !r.live() && r.recLen >= need {
			r := r
			hole, holeBuf = &r, b
		}
		if lbn == last && r.live() && r.slack() >= need {
			r := r
			tail, tailBuf = &r, b
		}
		return true
	})
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%s: %w", name, common.ErrExists)
	}

	ip := d.op.Inode()
	var b *buf.Buf
	switch {
	case hole != nil:
		b = holeBuf
		if hole.recLen-need >= MINRECSZ {
			putRec(b.Data, hole.off, inum, need, kind, name)
			putRec(b.Data, hole.off+need, common.NULLINUM, hole.recLen-need, common.TypeFree, "")
		} else {
			putRec(b.Data, hole.off, inum, hole.recLen, kind, name)
		}
	case tail != nil:
		b = tailBuf
		used := RecLen(tail.nameLen)
		binary.LittleEndian.PutUint16(b.Data[tail.off+4:], uint16(used))
		putRec(b.Data, tail.off+used, inum, tail.recLen-used, kind, name)
	default:
		bn, fresh, err := d.op.Map(d.nblk(), true)
		if err != nil {
			return err
		}
		if !fresh {
			panic("dir.Insert: block past end of directory is allocated")
		}
		b = d.op.ZeroBlock(bn)
		putRec(b.Data, 0, inum, d.bsz, kind, name)
		ip.Size += d.bsz
	}
	b.SetDirty()
	ip.Touch(true)
	util.DPrintf(5, "dir %d: insert %s -> %d\n", ip.Inum, name, inum)
	return nil
}

// Remove marks the entry called name as removed and returns it.
func (d *Dir) Remove(name string) (Entry, error) {
	if name == "." || name == ".." {
		return Entry{}, fmt.Errorf("cannot remove %q: %w", name, common.ErrInvalid)
	}
	var e Entry
	var found *rec
	var fb *buf.Buf
	err := d.scan(func(lbn uint64, b *buf.Buf, r rec) bool {
		if r.live() && r.name(b.Data) == name {
			r := r
			found, fb = &r, b
			return false
		}
		return true
	})
	if err != nil {
		return Entry{}, err
	}
	if found == nil {
		return Entry{}, fmt.Errorf("%s: %w", name, common.ErrNotFound)
	}
	e = Entry{Inum: found.inum, Kind: found.kind, Name: name}
	binary.LittleEndian.PutUint32(fb.Data[found.off:], uint32(common.NULLINUM))
	fb.SetDirty()
	ip := d.op.Inode()
	ip.Touch(true)
	util.DPrintf(5, "dir %d: remove %s (%d)\n", ip.Inum, name, e.Inum)
	return e, nil
}

// Replace points the existing entry called name at inum, in place.
func (d *Dir) Replace(name string, inum common.Inum, kind common.FileType) (Entry, error) {
	var old Entry
	var found *rec
	var fb *buf.Buf
	err := d.scan(func(lbn uint64, b *buf.Buf, r rec) bool {
		if r.live() && r.name(b.Data) == name {
			r := r
			found, fb = &r, b
			return false
		}
		return true
	})
	if err != nil {
		return Entry{}, err
	}
	if found == nil {
		return Entry{}, fmt.Errorf("%s: %w", name, common.ErrNotFound)
	}
	old = Entry{Inum: found.inum, Kind: found.kind, Name: name}
	binary.LittleEndian.PutUint32(fb.Data[found.off:], uint32(inum))
	fb.Data[found.off+7] = byte(kind)
	fb.SetDirty()
	d.op.Inode().Touch(true)
	return old, nil
}

// SetParent points ".." at parent.
func (d *Dir) SetParent(parent common.Inum) error {
	b, err := d.readBlock(0)
	if err != nil {
		return err
	}
	dot, err := getRec(b.Data, 0)
	if err != nil {
		return err
	}
	dotdot, err := getRec(b.Data, dot.recLen)
	if err != nil {
		return err
	}
	if dotdot.name(b.Data) != ".." {
		return fmt.Errorf("directory %d: no \"..\": %w", d.op.Inode().Inum, common.ErrCorrupt)
	}
	binary.LittleEndian.PutUint32(b.Data[dotdot.off:], uint32(parent))
	b.SetDirty()
	d.op.Inode().Touch(false)
	return nil
}

// IsEmpty reports whether only "." and ".." are live.
func (d *Dir) IsEmpty() (bool, error) {
	empty := true
	err := d.scan(func(lbn uint64, b *buf.Buf, r rec) bool {
		if !r.live() {
			return true
		}
		if n := r.name(b.Data); n != "." && n != ".." {
			empty = false
			return false
		}
		return true
	})
	return empty, err
}

// Iter walks the live entries from a cookie, a byte position in the
// directory.
type Iter struct {
	d   *Dir
	off uint64
	lbn uint64
	blk *buf.Buf
}

func (d *Dir) Iter(cookie uint64) *Iter {
	return &Iter{d: d, off: cookie, lbn: ^uint64(0)}
}

// Next returns the next live entry, or false at the end of the directory.
func (it *Iter) Next() (Entry, bool, error) {
	d := it.d
	for it.off < d.op.Inode().Size {
		lbn := it.off / d.bsz
		if lbn != it.lbn {
			b, err := d.readBlock(lbn)
			if err != nil {
				return Entry{}, false, err
			}
			it.blk = b
			it.lbn = lbn
		}
		r, err := getRec(it.blk.Data, it.off%d.bsz)
		if err != nil {
			return Entry{}, false, fmt.Errorf("directory %d block %d: %w", d.op.Inode().Inum, lbn, err)
		}
		it.off += r.recLen
		if r.live() {
			return Entry{Inum: r.inum, Kind: r.kind, Name: r.name(it.blk.Data)}, true, nil
		}
	}
	return Entry{}, false, nil
}

// Cookie is the position after the last entry Next returned; a new Iter
// started there continues the walk.
func (it *Iter) Cookie() uint64 {
	return it.off
}

// ReadAll lists every live entry.
func (d *Dir) ReadAll() ([]Entry, error) {
	var ents []Entry
	it := d.Iter(0)
	for {
		e, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return ents, nil
		}
		ents = append(ents, e)
	}
}
