package common

import "fmt"

// FileType is the type tag stored in an inode and copied into directory
// entries.
type FileType uint8

const (
	TypeFree FileType = iota
	TypeRegular
	TypeDir
	TypeSymlink
)

func (t FileType) Valid() bool {
	return t == TypeRegular || t == TypeDir || t == TypeSymlink
}

func (t FileType) String() string {
	switch t {
	case TypeFree:
		return "free"
	case TypeRegular:
		return "file"
	case TypeDir:
		return "dir"
	case TypeSymlink:
		return "symlink"
	default:
		return fmt.Sprintf("FileType(%d)", uint8(t))
	}
}
