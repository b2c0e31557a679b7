package cache

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
	"go.uber.org/zap"

	"github.com/dvinci-hrs/blockcache/pkg/block"
	"github.com/dvinci-hrs/blockcache/pkg/sparse"
)

// Cache is a disk-backed byte store for a fixed-length remote artifact. The
// backing file is sparse and mmaped; which ranges of it hold meaningful bytes
// is coordinated through a sparse.Tracker. Reads only serve ranges the
// tracker reports complete, everything else fails with ErrBytesNotAvailable
// so the caller can schedule a fetch.
type Cache struct {
	filePath string
	file     *os.File
	mmap     mmap.MMap
	size     int64

	tracker *sparse.Tracker
	marker  *block.Marker

	mu sync.RWMutex
}

// NewCache maps the file at filePath to back a remote artifact of the given
// size. With reuseFile set, the data ranges already materialized in the file
// (it is sparse, holes are unfetched bytes) seed the tracker, so a cache
// surviving a restart does not refetch what it already has.
func NewCache(name string, size int64, filePath string, reuseFile bool) (*Cache, error) {
	f, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("error opening file: %w", err)
	}

	// Creates a sparse file, absent ranges are holes.
	err = f.Truncate(size)
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("error allocating file: %w", err)
	}

	var seed []sparse.Range
	if reuseFile {
		seed, err = scanDataRanges(f, size)
		if err != nil {
			f.Close()

			return nil, fmt.Errorf("error scanning existing cache file: %w", err)
		}
	}

	tracker, err := sparse.NewSeededTracker(name, size, seed)
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("error seeding tracker: %w", err)
	}

	mm, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("error mapping file: %w", err)
	}

	if len(seed) > 0 {
		zap.L().Debug("seeded cache from existing file",
			zap.String("name", name),
			zap.String("path", filePath),
			zap.Int("ranges", len(seed)),
		)
	}

	return &Cache{
		filePath: filePath,
		file:     f,
		mmap:     mm,
		size:     size,
		tracker:  tracker,
		marker:   block.NewMarker(uint((size + block.Size - 1) / block.Size)),
	}, nil
}

// Tracker exposes the availability state so fillers and waiters can
// coordinate fetches for absent ranges.
func (c *Cache) Tracker() *sparse.Tracker {
	return c.tracker
}

func (c *Cache) Size() int64 {
	return c.size
}

// ReadAt serves b from the cache if every requested byte is complete,
// otherwise it fails with ErrBytesNotAvailable without reading anything.
func (c *Cache) ReadAt(b []byte, off int64) (int, error) {
	length := int64(len(b))
	if off+length > c.size {
		length = c.size - off
	}

	if length <= 0 {
		return 0, nil
	}

	if !c.isComplete(off, off+length) {
		return 0, block.ErrBytesNotAvailable{}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return copy(b, c.mmap[off:off+length]), nil
}

// isComplete consults the block marker first and falls back to the tracker,
// memoizing fully complete blocks in the marker.
func (c *Cache) isComplete(start, end int64) bool {
	if c.marker.IsRangeMarked(start, end) {
		return true
	}

	if _, absent := c.tracker.AbsentRangeWithin(start, end); absent {
		return false
	}

	c.marker.MarkRange(start, end)

	return true
}

// WriteAt stores bytes produced by a filler. The bytes only become readable
// once the gap that owns them reports progress past their offsets, which
// must happen after this call returns.
func (c *Cache) WriteAt(b []byte, off int64) (int, error) {
	length := int64(len(b))
	if off+length > c.size {
		length = c.size - off
	}

	if length <= 0 {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return copy(c.mmap[off:off+length], b), nil
}

func (c *Cache) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.mmap.Flush()
}

func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	flushErr := c.mmap.Flush()
	mmapErr := c.mmap.Unmap()
	closeErr := c.file.Close()

	return errors.Join(flushErr, mmapErr, closeErr)
}
