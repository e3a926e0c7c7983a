package disk

// Block is a block-sized buffer; its length is the block size of the Dev it
// came from.
type Block = []byte

// Disk provides access to a flat byte container holding a file system image.
type Disk interface {
	// ReadAt fills p from the image starting at byte off.
	//
	// Expects off+len(p) <= Size().
	ReadAt(p []byte, off uint64) error

	// WriteAt stores p into the image starting at byte off.
	//
	// Expects off+len(p) <= Size().
	WriteAt(p []byte, off uint64) error

	// Size reports how big the image is, in bytes
	Size() (uint64, error)

	// Barrier ensures data is persisted.
	//
	// When it returns, all outstanding writes are guaranteed to be durably on
	// disk
	Barrier() error

	// Close releases any resources used by the disk and makes it unusable.
	Close() error
}
