package inode

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-pdos/go-ufs/alloc"
	"github.com/mit-pdos/go-ufs/common"
	"github.com/mit-pdos/go-ufs/disk"
	"github.com/mit-pdos/go-ufs/super"
)

func TestEncodeDecode(t *testing.T) {
	ip := MkInode(17, common.TypeRegular, 0644)
	ip.Uid = 1000
	ip.Gid = 100
	ip.Nlink = 1
	ip.NBlocks = 3
	ip.Size = 1 << 40
	ip.Ptrs[0] = 99
	ip.Ptrs[IndIndirect] = 100
	ip.Ptrs[IndDIndirect] = 0xffffffff

	b := ip.Encode()
	assert.Equal(t, int(common.INODESZ), len(b))
	ip2, err := Decode(17, b)
	require.NoError(t, err)
	if diff := cmp.Diff(ip, ip2); diff != "" {
		t.Errorf("decoded inode differs (-want +got):\n%s", diff)
	}
}

func TestDecodeFree(t *testing.T) {
	ip, err := Decode(3, make([]byte, common.INODESZ))
	require.NoError(t, err)
	assert.Equal(t, common.TypeFree, ip.Kind)
	assert.Equal(t, common.Inum(3), ip.Inum)
}

func TestDecodeCorrupt(t *testing.T) {
	b := MkInode(5, common.TypeDir, 0755).Encode()
	b[30] ^= 0x10
	_, err := Decode(5, b)
	assert.ErrorIs(t, err, common.ErrCorrupt)
}

func mkTable(t *testing.T) (*Table, *super.Superblock) {
	sb, err := super.MkSuperblock(20*1024*1024, 1024, 0)
	require.NoError(t, err)
	d := disk.NewMemDisk(sb.ImageSize())
	dev := disk.MkDev(d, sb.BlockSize, sb.NBlocks)
	require.NoError(t, alloc.Format(dev, sb))
	for g := uint64(0); g < sb.NGroups; g++ {
		require.NoError(t, Format(dev, sb, g))
	}
	a, err := alloc.MkAlloc(dev, sb)
	require.NoError(t, err)
	return MkTable(dev, sb, a), sb
}

func TestInum2Addr(t *testing.T) {
	tbl, sb := mkTable(t)
	a := tbl.Inum2Addr(1)
	assert.Equal(t, sb.Group(0).InodeTable, a.Blkno)
	assert.Equal(t, uint64(0), a.Off)

	// 8 records per 1024-byte block
	a = tbl.Inum2Addr(10)
	assert.Equal(t, sb.Group(0).InodeTable+1, a.Blkno)
	assert.Equal(t, uint64(1*common.INODESZ*8), a.Off)

	a = tbl.Inum2Addr(common.Inum(sb.InodesPerGroup + 1))
	assert.Equal(t, sb.Group(1).InodeTable, a.Blkno)
}

func TestTableAllocReadWrite(t *testing.T) {
	assert := assert.New(t)
	tbl, sb := mkTable(t)

	ip, err := tbl.Alloc(1, common.TypeRegular, 0600)
	assert.NoError(err)
	assert.Equal(common.Inum(sb.InodesPerGroup+1), ip.Inum)
	assert.Equal(uint64(1), tbl.Group(ip.Inum))

	ip.Size = 4242
	ip.Ptrs[2] = 77
	assert.NoError(tbl.Write(ip))
	ip2, err := tbl.Read(ip.Inum)
	assert.NoError(err)
	assert.Equal(ip, ip2)

	other, err := tbl.Read(ip.Inum + 1)
	assert.NoError(err)
	assert.Equal(common.TypeFree, other.Kind, "neighbor slot untouched")

	_, err = tbl.Read(0)
	assert.ErrorIs(err, common.ErrInvalid)
	_, err = tbl.Read(common.Inum(sb.NInodes + 1))
	assert.ErrorIs(err, common.ErrInvalid)
}

func TestTableReuseReinitializes(t *testing.T) {
	tbl, sb := mkTable(t)
	ip, err := tbl.Alloc(0, common.TypeRegular, 0644)
	require.NoError(t, err)
	ip.Size = 100
	ip.Ptrs[0] = 1234
	ip.Nlink = 1
	require.NoError(t, tbl.Write(ip))

	tbl.Free(ip.Inum)
	assert.Equal(t, sb.NInodes, sb.FreeInodes)

	ip2, err := tbl.Alloc(0, common.TypeDir, 0755)
	require.NoError(t, err)
	assert.Equal(t, ip.Inum, ip2.Inum, "slot is reused")
	ip3, err := tbl.Read(ip2.Inum)
	require.NoError(t, err)
	assert.Equal(t, common.TypeDir, ip3.Kind)
	assert.Equal(t, uint64(0), ip3.Size)
	assert.Equal(t, common.Bnum(0), ip3.Ptrs[0])
}
