package disk

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-pdos/go-ufs/common"
)

func mkBlock(bsz uint64, b byte) Block {
	block := make(Block, bsz)
	for i := range block {
		block[i] = b
	}
	return block
}

func TestDevReadWrite(t *testing.T) {
	assert := assert.New(t)
	d := NewMemDisk(common.SUPERBLOCKSZ + 4*1024)
	dev := MkDev(d, 1024, 4)

	assert.NoError(dev.Write(2, mkBlock(1024, 7)))
	b, err := dev.Read(2)
	assert.NoError(err)
	assert.Equal(mkBlock(1024, 7), b)

	b, err = dev.Read(1)
	assert.NoError(err)
	assert.Equal(mkBlock(1024, 0), b, "neighbouring block untouched")

	raw := make([]byte, 1)
	assert.NoError(d.ReadAt(raw, common.SUPERBLOCKSZ+2*1024))
	assert.Equal(byte(7), raw[0], "blocks start after the header")
}

func TestDevSubBlock(t *testing.T) {
	assert := assert.New(t)
	dev := MkDev(NewMemDisk(common.SUPERBLOCKSZ+2*2048), 2048, 2)

	assert.NoError(dev.WriteAt(1, 100, []byte{1, 2, 3}))
	p := make([]byte, 3)
	assert.NoError(dev.ReadAt(1, 100, p))
	assert.Equal([]byte{1, 2, 3}, p)

	assert.Panics(func() { dev.ReadAt(1, 2047, p) }, "crosses block end")
	assert.Panics(func() { dev.Read(2) }, "past device end")
}

func TestDevHeader(t *testing.T) {
	d := NewMemDisk(common.SUPERBLOCKSZ + 4096)
	dev := MkDev(d, 4096, 1)
	h := make([]byte, common.SUPERBLOCKSZ)
	h[0] = 0xab
	require.NoError(t, d.WriteAt(h, 0))

	b, err := dev.Read(0)
	require.NoError(t, err)
	assert.Equal(t, byte(0), b[0], "header does not alias block 0")
}

func TestFileDisk(t *testing.T) {
	assert := assert.New(t)
	path := filepath.Join(t.TempDir(), "img")

	d, err := CreateFile(path, 8192)
	require.NoError(t, err)
	sz, _ := d.Size()
	assert.Equal(uint64(8192), sz)

	_, err = OpenFile(path)
	assert.True(errors.Is(err, common.ErrInvalid), "second opener is refused")

	assert.NoError(d.WriteAt([]byte("hello"), 5000))
	assert.NoError(d.Barrier())
	assert.NoError(d.Close())

	d, err = OpenFile(path)
	require.NoError(t, err)
	defer d.Close()
	p := make([]byte, 5)
	assert.NoError(d.ReadAt(p, 5000))
	assert.Equal("hello", string(p))
}
