package cache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/dvinci-hrs/blockcache/pkg/sparse"
)

const (
	seekData = 3
	seekHole = 4
)

// scanDataRanges walks the materialized extents of a sparse file and returns
// them in ascending order, ready to seed a tracker. Bytes inside a hole are
// bytes that were never fetched.
func scanDataRanges(f *os.File, size int64) ([]sparse.Range, error) {
	var out []sparse.Range

	pos := int64(0)
	for pos < size {
		dataStart, err := seekWhence(f, pos, seekData)
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, err
		}

		if dataStart >= size {
			break
		}

		holeStart, err := seekWhence(f, dataStart, seekHole)
		if errors.Is(err, io.EOF) {
			holeStart = size
		} else if err != nil {
			return nil, err
		}

		if holeStart > size {
			holeStart = size
		}

		out = append(out, sparse.NewRange(dataStart, holeStart))
		pos = holeStart
	}

	return out, nil
}

func seekWhence(f *os.File, offset int64, whence int) (int64, error) {
	start, err := f.Seek(offset, whence)

	var syserr syscall.Errno
	if errors.As(err, &syserr) {
		if syserr == syscall.ENXIO {
			// No more data (or holes) past the offset.
			return 0, io.EOF
		}

		return 0, fmt.Errorf("error seeking at %d: %w", offset, err)
	}

	if err != nil {
		return 0, fmt.Errorf("error seeking at %d: %w", offset, err)
	}

	return start, nil
}
