package ufs

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-ufs/common"
)

var errnos = []struct {
	err   error
	errno unix.Errno
}{
	{common.ErrNoSpace, unix.ENOSPC},
	{common.ErrNotFound, unix.ENOENT},
	{common.ErrExists, unix.EEXIST},
	{common.ErrNotDir, unix.ENOTDIR},
	{common.ErrIsDir, unix.EISDIR},
	{common.ErrNotEmpty, unix.ENOTEMPTY},
	{common.ErrNameTooLong, unix.ENAMETOOLONG},
	{common.ErrFileTooLarge, unix.EFBIG},
	{common.ErrInvalid, unix.EINVAL},
	{common.ErrCorrupt, unix.EIO},
	{common.ErrIO, unix.EIO},
}

// Errno translates an error returned by Fs into the errno a protocol adapter
// reports; nil is 0.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	for _, e := range errnos {
		if errors.Is(err, e.err) {
			return e.errno
		}
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}
