package block

import (
	"io"
)

const (
	// Size is the block granularity of the cache in bytes.
	Size int64 = 4096 // 4KB
)

type ErrBytesNotAvailable struct{}

func (ErrBytesNotAvailable) Error() string {
	return "the requested bytes are not available in the device"
}

// Idx returns the index of the block containing the byte offset.
func Idx(off int64) int64 {
	return off / Size
}

// Offset returns the byte offset of the block with the given index.
func Offset(idx int64) int64 {
	return idx * Size
}

// Device is a byte store addressed in blocks of Size bytes. Reads of bytes
// that were never written fail with ErrBytesNotAvailable.
type Device interface {
	io.ReaderAt
	io.WriterAt
}
