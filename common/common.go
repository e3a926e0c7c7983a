package common

const (
	// SUPERBLOCKSZ is the size of the header region holding the superblock.
	SUPERBLOCKSZ uint64 = 1024

	INODESZ uint64 = 128 // on-disk size

	NDIRECT uint64 = 12
	PTRSZ   uint64 = 4 // size of an on-disk block number

	MAXNAMELEN uint64 = 255

	// Bytes of group space per inode when none is configured.
	DEFAULTINODERATIO uint64 = 16384
)

type Inum uint64
type Bnum = uint64

const (
	NULLINUM Inum = 0
	ROOTINUM Inum = 1
	NULLBNUM Bnum = 0
)

// ValidBlockSize reports whether bsz is one of the supported block sizes.
func ValidBlockSize(bsz uint64) bool {
	return bsz == 1024 || bsz == 2048 || bsz == 4096
}

// NBitBlock is the number of bits held by one block of size bsz.
func NBitBlock(bsz uint64) uint64 {
	return bsz * 8
}

// NPtrBlock is the number of block numbers held by one pointer block.
func NPtrBlock(bsz uint64) uint64 {
	return bsz / PTRSZ
}
