package disk

import (
	"fmt"
	"io"
	"sync"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-ufs/common"
)

var _ Disk = (*fileDisk)(nil)

type fileDisk struct {
	fd   int
	size uint64
	lk   *flock.Flock
}

func ioErr(op string, off uint64, err error) error {
	return fmt.Errorf("%w: %s at %d: %w", common.ErrIO, op, off, err)
}

// CreateFile creates (or truncates) the image at path to exactly size bytes.
func CreateFile(path string, size uint64) (Disk, error) {
	return openFile(path, unix.O_RDWR|unix.O_CREAT|unix.O_TRUNC, size)
}

// OpenFile opens an existing image for exclusive use.
func OpenFile(path string) (Disk, error) {
	return openFile(path, unix.O_RDWR, 0)
}

func openFile(path string, flags int, size uint64) (*fileDisk, error) {
	lk := flock.New(path + ".lock")
	ok, err := lk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("image %s is in use: %w", path, common.ErrInvalid)
	}
	fd, err := unix.Open(path, flags, 0666)
	if err != nil {
		lk.Unlock()
		return nil, ioErr("open "+path, 0, err)
	}
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		lk.Unlock()
		return nil, ioErr("stat "+path, 0, err)
	}
	if flags&unix.O_CREAT != 0 {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			unix.Close(fd)
			lk.Unlock()
			return nil, ioErr("truncate "+path, size, err)
		}
	} else {
		size = uint64(stat.Size)
	}
	return &fileDisk{fd: fd, size: size, lk: lk}, nil
}

func (d *fileDisk) ReadAt(p []byte, off uint64) error {
	if off+uint64(len(p)) > d.size {
		panic(fmt.Errorf("out-of-bounds read at %v", off))
	}
	for len(p) > 0 {
		n, err := unix.Pread(d.fd, p, int64(off))
		if err != nil {
			return ioErr("read", off, err)
		}
		if n == 0 {
			return ioErr("read", off, io.ErrUnexpectedEOF)
		}
		p = p[n:]
		off += uint64(n)
	}
	return nil
}

func (d *fileDisk) WriteAt(p []byte, off uint64) error {
	if off+uint64(len(p)) > d.size {
		panic(fmt.Errorf("out-of-bounds write at %v", off))
	}
	for len(p) > 0 {
		n, err := unix.Pwrite(d.fd, p, int64(off))
		if err != nil {
			return ioErr("write", off, err)
		}
		p = p[n:]
		off += uint64(n)
	}
	return nil
}

func (d *fileDisk) Size() (uint64, error) {
	return d.size, nil
}

func (d *fileDisk) Barrier() error {
	// NOTE: on macOS, this flushes to the drive but doesn't actually issue a
	// disk barrier. The correct replacement is to issue a fcntl syscall with
	// cmd F_FULLFSYNC.
	if err := unix.Fsync(d.fd); err != nil {
		return ioErr("sync", 0, err)
	}
	return nil
}

func (d *fileDisk) Close() error {
	err := unix.Close(d.fd)
	d.lk.Unlock()
	if err != nil {
		return ioErr("close", 0, err)
	}
	return nil
}

/////////////////////////

var _ Disk = (*memDisk)(nil)

type memDisk struct {
	l    *sync.RWMutex
	data []byte
}

func NewMemDisk(size uint64) Disk {
	return &memDisk{l: new(sync.RWMutex), data: make([]byte, size)}
}

func (d *memDisk) ReadAt(p []byte, off uint64) error {
	d.l.RLock()
	defer d.l.RUnlock()
	if off+uint64(len(p)) > uint64(len(d.data)) {
		panic(fmt.Errorf("out-of-bounds read at %v", off))
	}
	copy(p, d.data[off:])
	return nil
}

func (d *memDisk) WriteAt(p []byte, off uint64) error {
	d.l.Lock()
	defer d.l.Unlock()
	if off+uint64(len(p)) > uint64(len(d.data)) {
		panic(fmt.Errorf("out-of-bounds write at %v", off))
	}
	copy(d.data[off:], p)
	return nil
}

func (d *memDisk) Size() (uint64, error) {
	// this never changes so we assume it's safe to run lock-free
	return uint64(len(d.data)), nil
}

func (d *memDisk) Barrier() error { return nil }

func (d *memDisk) Close() error { return nil }
