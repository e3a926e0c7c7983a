package ufs

import (
	"time"

	"github.com/mit-pdos/go-ufs/common"
	"github.com/mit-pdos/go-ufs/inode"
)

// Attr is the stat view of an inode.
type Attr struct {
	Inum   common.Inum
	Kind   common.FileType
	Mode   uint32
	Uid    uint32
	Gid    uint32
	Nlink  uint32
	Size   uint64
	Blocks uint64 // allocated blocks, pointer blocks included
	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
	Crtime time.Time
}

func mkAttr(ip *inode.Inode) Attr {
	return Attr{
		Inum:   ip.Inum,
		Kind:   ip.Kind,
		Mode:   ip.Mode,
		Uid:    ip.Uid,
		Gid:    ip.Gid,
		Nlink:  ip.Nlink,
		Size:   ip.Size,
		Blocks: uint64(ip.NBlocks),
		Atime:  time.Unix(0, ip.Atime),
		Mtime:  time.Unix(0, ip.Mtime),
		Ctime:  time.Unix(0, ip.Ctime),
		Crtime: time.Unix(0, ip.Crtime),
	}
}

// SetAttr selects the attributes Setattr changes; nil fields are left alone.
type SetAttr struct {
	Mode  *uint32
	Uid   *uint32
	Gid   *uint32
	Size  *uint64
	Atime *time.Time
	Mtime *time.Time
}
