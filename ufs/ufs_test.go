package ufs

import (
	"bytes"
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-ufs/common"
	"github.com/mit-pdos/go-ufs/disk"
	"github.com/mit-pdos/go-ufs/super"
)

func newTestFs(t *testing.T, size uint64, bsz uint64) *Fs {
	sb, err := super.MkSuperblock(size, bsz, 0)
	require.NoError(t, err)
	d := disk.NewMemDisk(sb.ImageSize())
	require.NoError(t, Format(d, sb))
	fs, err := Mount(d)
	require.NoError(t, err)
	return fs
}

func mkdata(n uint64, seed int64) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

type UfsSuite struct {
	suite.Suite
	fs *Fs
}

func (s *UfsSuite) SetupTest() {
	s.fs = newTestFs(s.T(), 20*1024*1024, 1024)
}

// each test must leave a consistent file system behind
func (s *UfsSuite) TearDownTest() {
	_, err := s.fs.Check()
	s.NoError(err)
}

func TestUfs(t *testing.T) {
	suite.Run(t, new(UfsSuite))
}

func (s *UfsSuite) create(dinum common.Inum, name string) common.Inum {
	attr, err := s.fs.Create(dinum, name, 0644)
	s.Require().NoError(err)
	return attr.Inum
}

func (s *UfsSuite) mkdir(dinum common.Inum, name string) common.Inum {
	attr, err := s.fs.Mkdir(dinum, name, 0755)
	s.Require().NoError(err)
	return attr.Inum
}

func (s *UfsSuite) names(dinum common.Inum) []string {
	ents, err := s.fs.Readdir(dinum, 0, 0)
	s.Require().NoError(err)
	var ns []string
	for _, e := range ents {
		ns = append(ns, e.Name)
	}
	return ns
}

func (s *UfsSuite) blocksOf(inum common.Inum) []common.Bnum {
	ip, err := s.fs.tbl.Read(inum)
	s.Require().NoError(err)
	op := s.fs.begin(ip)
	defer op.Abort()
	bns, err := op.Blocks()
	s.Require().NoError(err)
	return bns
}

func (s *UfsSuite) TestFormatMount() {
	attr, err := s.fs.GetAttr(common.ROOTINUM)
	s.NoError(err)
	s.Equal(common.TypeDir, attr.Kind)
	s.Equal(uint32(2), attr.Nlink)
	s.Equal(uint64(1024), attr.Size)
	s.Equal([]string{".", ".."}, s.names(common.ROOTINUM))

	st := s.fs.StatFS()
	s.Equal(uint64(1024), st.BlockSize)
	s.Equal(st.Inodes-1, st.FreeInodes)
	s.Equal(uint64(1), st.MountCount)
	s.Equal(common.MAXNAMELEN, st.NameMax)
	s.Equal(s.fs.sb.NBlocks-s.fs.sb.NGroups*s.fs.sb.MetaBlocks()-1, st.FreeBlocks)
}

func (s *UfsSuite) TestReadWrite() {
	inum := s.create(common.ROOTINUM, "f")
	data := mkdata(5000, 1)
	n, err := s.fs.Write(inum, 3000, data)
	s.NoError(err)
	s.Equal(uint64(5000), n)

	got, err := s.fs.Read(inum, 0, 10000)
	s.NoError(err)
	s.Equal(8000, len(got), "read stops at end of file")
	s.Equal(make([]byte, 3000), got[:3000], "never-written range reads as zeros")
	s.Equal(data, got[3000:])

	patch := []byte("hello, world")
	_, err = s.fs.Write(inum, 4090, patch)
	s.NoError(err)
	got, err = s.fs.Read(inum, 4090, uint64(len(patch)))
	s.NoError(err)
	s.Equal(patch, got)
	got, err = s.fs.Read(inum, 3000, 1090)
	s.NoError(err)
	s.Equal(data[:1090], got)

	got, err = s.fs.Read(inum, 9000, 10)
	s.NoError(err)
	s.Empty(got)
	_, err = s.fs.Read(common.ROOTINUM, 0, 10)
	s.ErrorIs(err, common.ErrIsDir)
	_, err = s.fs.Write(common.ROOTINUM, 0, patch)
	s.ErrorIs(err, common.ErrIsDir)
}

func (s *UfsSuite) TestSparseBlocksStayZero() {
	inum := s.create(common.ROOTINUM, "sparse")
	_, err := s.fs.Write(inum, 100*1024+7, []byte{1})
	s.NoError(err)
	attr, err := s.fs.GetAttr(inum)
	s.NoError(err)
	s.Equal(uint64(2), attr.Blocks, "one data block and the indirect block")
	got, err := s.fs.Read(inum, 0, attr.Size)
	s.NoError(err)
	want := make([]byte, attr.Size)
	want[100*1024+7] = 1
	s.True(bytes.Equal(want, got))
}

func (s *UfsSuite) TestFileTooLarge() {
	inum := s.create(common.ROOTINUM, "big")
	data := mkdata(3000, 2)
	_, err := s.fs.Write(inum, 0, data)
	s.NoError(err)
	before, err := s.fs.GetAttr(inum)
	s.NoError(err)
	free := s.fs.StatFS().FreeBlocks

	max := s.fs.sb.MaxFileSize()
	_, err = s.fs.Write(inum, max, []byte{1})
	s.ErrorIs(err, common.ErrFileTooLarge)
	_, err = s.fs.Write(inum, max-10, make([]byte, 20))
	s.ErrorIs(err, common.ErrFileTooLarge)
	s.ErrorIs(s.fs.Truncate(inum, max+1), common.ErrFileTooLarge)

	after, err := s.fs.GetAttr(inum)
	s.NoError(err)
	s.Equal(before, after)
	s.Equal(free, s.fs.StatFS().FreeBlocks)
	got, err := s.fs.Read(inum, 0, 3000)
	s.NoError(err)
	s.Equal(data, got)

	// the very last byte is addressable
	_, err = s.fs.Write(inum, max-1, []byte{9})
	s.NoError(err)
	s.NoError(s.fs.Truncate(inum, 3000))
}

func (s *UfsSuite) TestNoSpace() {
	inum := s.create(common.ROOTINUM, "f")
	_, err := s.fs.Write(inum, 0, []byte("keep"))
	s.NoError(err)
	before, err := s.fs.GetAttr(inum)
	s.NoError(err)
	free := s.fs.StatFS().FreeBlocks

	_, err = s.fs.Write(inum, 0, make([]byte, (free+10)*1024))
	s.ErrorIs(err, common.ErrNoSpace)
	s.Equal(unix.ENOSPC, Errno(err))
	after, err := s.fs.GetAttr(inum)
	s.NoError(err)
	s.Equal(before, after)
	s.Equal(free, s.fs.StatFS().FreeBlocks)
	got, err := s.fs.Read(inum, 0, 100)
	s.NoError(err)
	s.Equal([]byte("keep"), got)
}

func (s *UfsSuite) TestTruncate() {
	inum := s.create(common.ROOTINUM, "t")
	free := s.fs.StatFS().FreeBlocks
	data := mkdata(300*1024, 3)
	_, err := s.fs.Write(inum, 0, data)
	s.NoError(err)
	s.Less(s.fs.StatFS().FreeBlocks, free)

	s.NoError(s.fs.Truncate(inum, 0))
	attr, err := s.fs.GetAttr(inum)
	s.NoError(err)
	s.Equal(uint64(0), attr.Size)
	s.Equal(uint64(0), attr.Blocks)
	s.Equal(free, s.fs.StatFS().FreeBlocks)
	ip, err := s.fs.tbl.Read(inum)
	s.NoError(err)
	for _, bn := range ip.Ptrs {
		s.Equal(common.NULLBNUM, bn)
	}

	_, err = s.fs.Write(inum, 0, data[:2000])
	s.NoError(err)
	attr, err = s.fs.GetAttr(inum)
	s.NoError(err)
	s.Equal(uint64(2), attr.Blocks)

	// shrink into a block, then grow: the cut-off bytes come back as zeros
	s.NoError(s.fs.Truncate(inum, 1500))
	s.NoError(s.fs.Truncate(inum, 5000))
	got, err := s.fs.Read(inum, 0, 5000)
	s.NoError(err)
	s.Equal(data[:1500], got[:1500])
	s.Equal(make([]byte, 3500), got[1500:])
	attr, err = s.fs.GetAttr(inum)
	s.NoError(err)
	s.Equal(uint64(2), attr.Blocks, "growing leaves a hole")
}

func (s *UfsSuite) TestUnlinkFreesBlocks() {
	free := s.fs.StatFS()
	inum := s.create(common.ROOTINUM, "victim")
	_, err := s.fs.Write(inum, 0, mkdata(40*1024, 4))
	s.NoError(err)
	bns := s.blocksOf(inum)
	s.Len(bns, 41)

	s.NoError(s.fs.Unlink(common.ROOTINUM, "victim"))
	st := s.fs.StatFS()
	s.Equal(free.FreeBlocks, st.FreeBlocks)
	s.Equal(free.FreeInodes, st.FreeInodes)
	_, err = s.fs.GetAttr(inum)
	s.ErrorIs(err, common.ErrNotFound)
	_, err = s.fs.Lookup(common.ROOTINUM, "victim")
	s.ErrorIs(err, common.ErrNotFound)

	inum2 := s.create(common.ROOTINUM, "again")
	s.Equal(inum, inum2, "inode slot is reused")
	_, err = s.fs.Write(inum2, 0, mkdata(40*1024, 5))
	s.NoError(err)
	s.ElementsMatch(bns, s.blocksOf(inum2), "freed blocks are reused")
}

func (s *UfsSuite) TestCreateErrors() {
	f := s.create(common.ROOTINUM, "f")
	st := s.fs.StatFS()
	_, err := s.fs.Create(common.ROOTINUM, "f", 0644)
	s.ErrorIs(err, common.ErrExists)
	_, err = s.fs.Mkdir(common.ROOTINUM, "f", 0755)
	s.ErrorIs(err, common.ErrExists)
	root, err := s.fs.GetAttr(common.ROOTINUM)
	s.NoError(err)
	s.Equal(uint32(2), root.Nlink, "failed mkdir leaves the parent's links")
	after := s.fs.StatFS()
	s.Equal(st.FreeInodes, after.FreeInodes)
	s.Equal(st.FreeBlocks, after.FreeBlocks)
	_, err = s.fs.Create(common.ROOTINUM, strings.Repeat("n", 256), 0644)
	s.ErrorIs(err, common.ErrNameTooLong)
	_, err = s.fs.Create(f, "x", 0644)
	s.ErrorIs(err, common.ErrNotDir)
	_, err = s.fs.Create(common.ROOTINUM, "a/b", 0644)
	s.ErrorIs(err, common.ErrInvalid)
	_, err = s.fs.Lookup(common.ROOTINUM, "missing")
	s.ErrorIs(err, common.ErrNotFound)
	_, err = s.fs.Lookup(f, "x")
	s.ErrorIs(err, common.ErrNotDir)
	_, err = s.fs.GetAttr(common.Inum(s.fs.sb.NInodes + 1))
	s.ErrorIs(err, common.ErrInvalid)
	_, err = s.fs.GetAttr(77)
	s.ErrorIs(err, common.ErrNotFound)

	attr, err := s.fs.Lookup(common.ROOTINUM, "f")
	s.NoError(err)
	s.Equal(f, attr.Inum)
	s.Equal(uint32(0644), attr.Mode)
	s.Equal(uint32(1), attr.Nlink)
}

func (s *UfsSuite) TestMkdirRmdir() {
	d := s.mkdir(common.ROOTINUM, "d")
	root, err := s.fs.GetAttr(common.ROOTINUM)
	s.NoError(err)
	s.Equal(uint32(3), root.Nlink)
	attr, err := s.fs.GetAttr(d)
	s.NoError(err)
	s.Equal(uint32(2), attr.Nlink)
	s.Equal([]string{".", ".."}, s.names(d))
	dotdot, err := s.fs.Lookup(d, "..")
	s.NoError(err)
	s.Equal(common.ROOTINUM, dotdot.Inum)

	s.create(d, "f")
	s.ErrorIs(s.fs.Rmdir(common.ROOTINUM, "d"), common.ErrNotEmpty)
	s.ErrorIs(s.fs.Unlink(common.ROOTINUM, "d"), common.ErrIsDir)
	s.ErrorIs(s.fs.Rmdir(d, "f"), common.ErrNotDir)
	s.ErrorIs(s.fs.Unlink(d, "."), common.ErrInvalid)
	s.ErrorIs(s.fs.Rmdir(d, ".."), common.ErrInvalid)
	s.NoError(s.fs.Unlink(d, "f"))
	s.NoError(s.fs.Rmdir(common.ROOTINUM, "d"))

	root, err = s.fs.GetAttr(common.ROOTINUM)
	s.NoError(err)
	s.Equal(uint32(2), root.Nlink)
	s.Equal([]string{".", ".."}, s.names(common.ROOTINUM))
	_, err = s.fs.Create(d, "x", 0644)
	s.ErrorIs(err, common.ErrNotFound, "removed directory is gone")
}

func (s *UfsSuite) TestRenameFile() {
	a := s.create(common.ROOTINUM, "a")
	_, err := s.fs.Write(a, 0, []byte("aaa"))
	s.NoError(err)
	s.NoError(s.fs.Rename(common.ROOTINUM, "a", common.ROOTINUM, "b"))
	s.Equal([]string{".", "..", "b"}, s.names(common.ROOTINUM))
	attr, err := s.fs.Lookup(common.ROOTINUM, "b")
	s.NoError(err)
	s.Equal(a, attr.Inum)

	// replacing a file frees it
	c := s.create(common.ROOTINUM, "c")
	_, err = s.fs.Write(c, 0, mkdata(5000, 6))
	s.NoError(err)
	free := s.fs.StatFS()
	s.NoError(s.fs.Rename(common.ROOTINUM, "b", common.ROOTINUM, "c"))
	s.Equal([]string{".", "..", "c"}, s.names(common.ROOTINUM))
	_, err = s.fs.GetAttr(c)
	s.ErrorIs(err, common.ErrNotFound)
	st := s.fs.StatFS()
	s.Equal(free.FreeBlocks+5, st.FreeBlocks)
	s.Equal(free.FreeInodes+1, st.FreeInodes)
	got, err := s.fs.Read(a, 0, 10)
	s.NoError(err)
	s.Equal([]byte("aaa"), got)

	s.NoError(s.fs.Rename(common.ROOTINUM, "c", common.ROOTINUM, "c"), "renaming onto itself")
	s.ErrorIs(s.fs.Rename(common.ROOTINUM, "nope", common.ROOTINUM, "x"), common.ErrNotFound)
	s.ErrorIs(s.fs.Rename(common.ROOTINUM, "c", common.ROOTINUM, "."), common.ErrInvalid)
}

func (s *UfsSuite) TestFailedRenameKeepsEntries() {
	a := s.create(common.ROOTINUM, "a")
	b := s.create(common.ROOTINUM, "b")
	_, err := s.fs.Write(b, 0, mkdata(13*1024, 9))
	s.NoError(err)
	// point b's indirect pointer at a bitmap block, so freeing b fails
	ip, err := s.fs.tbl.Read(b)
	s.Require().NoError(err)
	ip.Ptrs[12] = 1
	s.Require().NoError(s.fs.tbl.Write(ip))

	s.ErrorIs(s.fs.Rename(common.ROOTINUM, "a", common.ROOTINUM, "b"), common.ErrCorrupt)
	attr, err := s.fs.Lookup(common.ROOTINUM, "a")
	s.NoError(err)
	s.Equal(a, attr.Inum)
	attr, err = s.fs.Lookup(common.ROOTINUM, "b")
	s.NoError(err)
	s.Equal(b, attr.Inum, "replaced entry is restored")
	s.Equal(uint32(1), attr.Nlink)
	s.fs = newTestFs(s.T(), 20*1024*1024, 1024)
}

func (s *UfsSuite) TestFailedWriteKeepsData() {
	f := s.create(common.ROOTINUM, "f")
	data := mkdata(3000, 10)
	_, err := s.fs.Write(f, 0, data)
	s.NoError(err)
	free := s.fs.StatFS().FreeBlocks
	// overwrite the start and run out of space further on
	big := make([]byte, (free+20)*1024)
	_, err = s.fs.Write(f, 0, big)
	s.ErrorIs(err, common.ErrNoSpace)
	got, err := s.fs.Read(f, 0, 3000)
	s.NoError(err)
	s.Equal(data, got)
}

func (s *UfsSuite) TestRenameDir() {
	src := s.mkdir(common.ROOTINUM, "src")
	dst := s.mkdir(common.ROOTINUM, "dst")
	sub := s.mkdir(src, "sub")
	s.create(sub, "f")

	s.NoError(s.fs.Rename(src, "sub", dst, "moved"))
	dotdot, err := s.fs.Lookup(sub, "..")
	s.NoError(err)
	s.Equal(dst, dotdot.Inum)
	attr, err := s.fs.GetAttr(src)
	s.NoError(err)
	s.Equal(uint32(2), attr.Nlink)
	attr, err = s.fs.GetAttr(dst)
	s.NoError(err)
	s.Equal(uint32(3), attr.Nlink)
	inum, err := s.fs.ResolvePath("/dst/moved/f")
	s.NoError(err)
	s.NotEqual(common.NULLINUM, inum)

	s.ErrorIs(s.fs.Rename(common.ROOTINUM, "dst", sub, "loop"), common.ErrInvalid)
	s.ErrorIs(s.fs.Rename(common.ROOTINUM, "dst", dst, "self"), common.ErrInvalid)

	// a directory may replace an empty directory only
	s.mkdir(src, "empty")
	s.ErrorIs(s.fs.Rename(dst, "moved", common.ROOTINUM, "src"), common.ErrNotEmpty)
	s.NoError(s.fs.Rename(dst, "moved", src, "empty"))
	s.Equal([]string{".", "..", "empty"}, s.names(src))
	s.Equal([]string{".", ".."}, s.names(dst))

	s.create(common.ROOTINUM, "file")
	s.ErrorIs(s.fs.Rename(common.ROOTINUM, "file", common.ROOTINUM, "dst"), common.ErrIsDir)
	s.ErrorIs(s.fs.Rename(common.ROOTINUM, "dst", common.ROOTINUM, "file"), common.ErrNotDir)
}

func (s *UfsSuite) TestReaddirCookies() {
	d := s.mkdir(common.ROOTINUM, "d")
	want := []string{".", ".."}
	for i := 0; i < 100; i++ {
		n := fmt.Sprintf("file%03d", i)
		s.create(d, n)
		want = append(want, n)
	}
	var got []string
	cookie := uint64(0)
	for {
		ents, err := s.fs.Readdir(d, cookie, 7)
		s.Require().NoError(err)
		for _, e := range ents {
			got = append(got, e.Name)
			cookie = e.Cookie
		}
		if len(ents) < 7 {
			break
		}
	}
	s.Equal(want, got)
	_, err := s.fs.Readdir(s.create(d, "plain"), 0, 0)
	s.ErrorIs(err, common.ErrNotDir)
}

func (s *UfsSuite) TestLinkSymlink() {
	f := s.create(common.ROOTINUM, "f")
	_, err := s.fs.Write(f, 0, []byte("shared"))
	s.NoError(err)
	d := s.mkdir(common.ROOTINUM, "d")
	attr, err := s.fs.Link(f, d, "g")
	s.NoError(err)
	s.Equal(uint32(2), attr.Nlink)
	_, err = s.fs.Link(d, common.ROOTINUM, "d2")
	s.ErrorIs(err, common.ErrIsDir)
	_, err = s.fs.Link(f, d, "g")
	s.ErrorIs(err, common.ErrExists)

	s.NoError(s.fs.Unlink(common.ROOTINUM, "f"))
	g, err := s.fs.Lookup(d, "g")
	s.NoError(err)
	s.Equal(f, g.Inum)
	s.Equal(uint32(1), g.Nlink)
	got, err := s.fs.Read(f, 0, 100)
	s.NoError(err)
	s.Equal([]byte("shared"), got)

	l, err := s.fs.Symlink(common.ROOTINUM, "l", "d/g")
	s.NoError(err)
	s.Equal(common.TypeSymlink, l.Kind)
	s.Equal(uint64(3), l.Size)
	target, err := s.fs.Readlink(l.Inum)
	s.NoError(err)
	s.Equal("d/g", target)
	_, err = s.fs.Readlink(f)
	s.ErrorIs(err, common.ErrInvalid)
	_, err = s.fs.Symlink(common.ROOTINUM, "empty", "")
	s.ErrorIs(err, common.ErrInvalid)
	_, err = s.fs.Symlink(common.ROOTINUM, "long", strings.Repeat("x", 1025))
	s.ErrorIs(err, common.ErrNameTooLong)
	s.Equal(unix.ENAMETOOLONG, Errno(err))
}

func (s *UfsSuite) TestSetattr() {
	f := s.create(common.ROOTINUM, "f")
	mode := uint32(0600)
	uid := uint32(1000)
	mtime := time.Unix(1600000000, 0)
	attr, err := s.fs.Setattr(f, SetAttr{Mode: &mode, Uid: &uid, Mtime: &mtime})
	s.NoError(err)
	s.Equal(mode, attr.Mode)
	s.Equal(uid, attr.Uid)
	s.Equal(uint32(0), attr.Gid)
	s.True(mtime.Equal(attr.Mtime))

	attr2, err := s.fs.GetAttr(f)
	s.NoError(err)
	s.Equal(attr, attr2)

	size := uint64(10)
	_, err = s.fs.Setattr(common.ROOTINUM, SetAttr{Size: &size})
	s.ErrorIs(err, common.ErrIsDir)
}

func (s *UfsSuite) TestCheckFindsLeak() {
	_, err := s.fs.alloc.AllocBlock(0)
	s.NoError(err)
	_, err = s.fs.Check()
	s.ErrorIs(err, common.ErrCorrupt)
	s.Contains(err.Error(), "unreferenced")
	s.fs = newTestFs(s.T(), 20*1024*1024, 1024)
}

func (s *UfsSuite) TestConcurrent() {
	shared := s.mkdir(common.ROOTINUM, "shared")
	var g errgroup.Group
	for w := 0; w < 8; w++ {
		w := w
		g.Go(func() error {
			d, err := s.fs.Mkdir(common.ROOTINUM, fmt.Sprintf("w%d", w), 0755)
			if err != nil {
				return err
			}
			for i := 0; i < 10; i++ {
				f, err := s.fs.Create(d.Inum, fmt.Sprintf("f%d", i), 0644)
				if err != nil {
					return err
				}
				data := mkdata(uint64(500*(i+1)), int64(w*100+i))
				if _, err := s.fs.Write(f.Inum, 0, data); err != nil {
					return err
				}
				got, err := s.fs.Read(f.Inum, 0, uint64(len(data)))
				if err != nil {
					return err
				}
				if !bytes.Equal(data, got) {
					return fmt.Errorf("worker %d file %d: data mismatch", w, i)
				}
				if i%2 == 0 {
					err = s.fs.Rename(d.Inum, fmt.Sprintf("f%d", i), shared, fmt.Sprintf("w%d-f%d", w, i))
				} else {
					err = s.fs.Unlink(d.Inum, fmt.Sprintf("f%d", i))
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	s.Require().NoError(g.Wait())
	s.Len(s.names(shared), 2+8*5)
	st, err := s.fs.Check()
	s.NoError(err)
	s.Equal(uint64(1+1+8), st.Dirs)
	s.Equal(uint64(8*5), st.Files)
}

func TestScenario128MiB(t *testing.T) {
	fs := newTestFs(t, 128*1024*1024, 4096)
	attr, err := fs.Create(common.ROOTINUM, "a", 0644)
	require.NoError(t, err)
	data := mkdata(10000, 7)
	n, err := fs.Write(attr.Inum, 0, data)
	require.NoError(t, err)
	assert.Equal(t, uint64(10000), n)
	got, err := fs.Read(attr.Inum, 0, 10000)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	attr, err = fs.GetAttr(attr.Inum)
	require.NoError(t, err)
	assert.Equal(t, uint64(10000), attr.Size)
	assert.Equal(t, uint64(3), attr.Blocks)
	_, err = fs.Check()
	assert.NoError(t, err)
}

func TestPointerLevels(t *testing.T) {
	fs := newTestFs(t, 16*1024*1024, 4096)
	attr, err := fs.Create(common.ROOTINUM, "levels", 0644)
	require.NoError(t, err)
	inum := attr.Inum
	for _, tc := range []struct {
		lbn    uint64
		blocks uint64
	}{
		{11, 1},   // direct
		{12, 3},   // indirect block + data
		{1035, 4}, // last indirect slot
		{1036, 7}, // double-indirect block + first-level block + data
	} {
		_, err := fs.Write(inum, tc.lbn*4096, []byte{byte(tc.lbn)})
		require.NoError(t, err)
		attr, err := fs.GetAttr(inum)
		require.NoError(t, err)
		assert.Equal(t, tc.blocks, attr.Blocks, "after writing block %d", tc.lbn)
	}
	ip, err := fs.tbl.Read(inum)
	require.NoError(t, err)
	assert.NotEqual(t, common.NULLBNUM, ip.Ptrs[11])
	assert.NotEqual(t, common.NULLBNUM, ip.Ptrs[12])
	assert.NotEqual(t, common.NULLBNUM, ip.Ptrs[13])
	for _, lbn := range []uint64{11, 12, 1035, 1036} {
		got, err := fs.Read(inum, lbn*4096, 1)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(lbn)}, got)
	}
	_, err = fs.Check()
	assert.NoError(t, err)
}

func TestCountersMatchBitmaps(t *testing.T) {
	fs := newTestFs(t, 20*1024*1024, 2048)
	for i := 0; i < 20; i++ {
		attr, err := fs.Create(common.ROOTINUM, fmt.Sprintf("f%d", i), 0644)
		require.NoError(t, err)
		_, err = fs.Write(attr.Inum, uint64(i)*3000, mkdata(uint64(i)*1000+1, int64(i)))
		require.NoError(t, err)
		if i%3 == 0 {
			require.NoError(t, fs.Unlink(common.ROOTINUM, fmt.Sprintf("f%d", i)))
		}
	}
	sb, groups := fs.alloc.Stats()
	var free, used uint64
	for _, g := range groups {
		free += g.FreeBlocks
		used += g.UsedBlocks
	}
	assert.Equal(t, sb.FreeBlocks, free)
	assert.Equal(t, sb.NBlocks-used, sb.FreeBlocks)
}

func TestFileImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fs.img")
	sb, err := FormatFile(path, 8*1024*1024, 1024, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(8*1024), sb.NBlocks)

	fs, err := MountFile(path)
	require.NoError(t, err)
	_, err = MountFile(path)
	assert.ErrorIs(t, err, common.ErrInvalid, "image is locked while mounted")

	d, err := fs.Mkdir(common.ROOTINUM, "dir", 0755)
	require.NoError(t, err)
	f, err := fs.Create(d.Inum, "file", 0644)
	require.NoError(t, err)
	data := mkdata(12345, 8)
	_, err = fs.Write(f.Inum, 0, data)
	require.NoError(t, err)
	require.NoError(t, fs.Close())

	fs, err = MountFile(path)
	require.NoError(t, err)
	defer fs.Close()
	assert.Equal(t, uint64(2), fs.StatFS().MountCount)
	inum, err := fs.ResolvePath("dir/file")
	require.NoError(t, err)
	got, err := fs.Read(inum, 0, 20000)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	_, err = fs.Check()
	assert.NoError(t, err)
}

func TestMountCorrupt(t *testing.T) {
	sb, err := super.MkSuperblock(8*1024*1024, 1024, 0)
	require.NoError(t, err)
	d := disk.NewMemDisk(sb.ImageSize())
	require.NoError(t, Format(d, sb))
	require.NoError(t, d.WriteAt(make([]byte, 8), 0))
	_, err = Mount(d)
	assert.ErrorIs(t, err, common.ErrCorrupt)

	small := disk.NewMemDisk(sb.ImageSize() - 1024)
	assert.ErrorIs(t, Format(small, sb), common.ErrInvalid)
}

func TestMountFixesCounters(t *testing.T) {
	sb, err := super.MkSuperblock(8*1024*1024, 1024, 0)
	require.NoError(t, err)
	d := disk.NewMemDisk(sb.ImageSize())
	require.NoError(t, Format(d, sb))
	want := sb.FreeBlocks
	sb.FreeBlocks -= 100
	require.NoError(t, sb.Persist(d))
	fs, err := Mount(d)
	require.NoError(t, err)
	assert.Equal(t, want, fs.StatFS().FreeBlocks)
}

func TestErrno(t *testing.T) {
	for _, tc := range []struct {
		err   error
		errno unix.Errno
	}{
		{nil, 0},
		{fmt.Errorf("x: %w", common.ErrNotFound), unix.ENOENT},
		{common.ErrExists, unix.EEXIST},
		{common.ErrNotEmpty, unix.ENOTEMPTY},
		{common.ErrFileTooLarge, unix.EFBIG},
		{common.ErrNameTooLong, unix.ENAMETOOLONG},
		{fmt.Errorf("%w: pwrite: %w", common.ErrIO, unix.ENOSPC), unix.EIO},
		{fmt.Errorf("wrapped: %w", unix.EROFS), unix.EROFS},
		{fmt.Errorf("plain"), unix.EIO},
	} {
		assert.Equal(t, tc.errno, Errno(tc.err), "%v", tc.err)
	}
}

func TestResolvePath(t *testing.T) {
	fs := newTestFs(t, 8*1024*1024, 1024)
	a, err := fs.Mkdir(common.ROOTINUM, "a", 0755)
	require.NoError(t, err)
	b, err := fs.Mkdir(a.Inum, "b", 0755)
	require.NoError(t, err)
	for path, want := range map[string]common.Inum{
		"/":         common.ROOTINUM,
		"":          common.ROOTINUM,
		"/a/b":      b.Inum,
		"a//b/":     b.Inum,
		"/a/b/..":   a.Inum,
		"/a/./b/..": a.Inum,
	} {
		inum, err := fs.ResolvePath(path)
		require.NoError(t, err, path)
		assert.Equal(t, want, inum, path)
	}
	_, err = fs.ResolvePath("/a/missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
	names := func() []string {
		ents, err := fs.Readdir(common.ROOTINUM, 0, 0)
		require.NoError(t, err)
		var ns []string
		for _, e := range ents {
			ns = append(ns, e.Name)
		}
		sort.Strings(ns)
		return ns
	}
	assert.Equal(t, []string{".", "..", "a"}, names())
}
