package common

import "errors"

// Error kinds surfaced by the engine. Callers compare with errors.Is; lower
// layers wrap these with context.
var (
	ErrNoSpace      = errors.New("no space left on device")
	ErrNotFound     = errors.New("no such file or directory")
	ErrExists       = errors.New("file exists")
	ErrNotDir       = errors.New("not a directory")
	ErrIsDir        = errors.New("is a directory")
	ErrNotEmpty     = errors.New("directory not empty")
	ErrNameTooLong  = errors.New("file name too long")
	ErrFileTooLarge = errors.New("file too large")
	ErrInvalid      = errors.New("invalid argument")
	ErrCorrupt      = errors.New("corrupt file system")
	ErrIO           = errors.New("input/output error")
)
