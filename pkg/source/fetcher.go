package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/dvinci-hrs/blockcache/pkg/block"
	"github.com/dvinci-hrs/blockcache/pkg/cache"
	"github.com/dvinci-hrs/blockcache/pkg/sparse"
)

const (
	// ChunkSize is the largest unit fetched from the base in a single read
	// and the granularity of progress reporting.
	ChunkSize = block.Size * 1024 // 4 MB

	concurrentFetches    = 8
	concurrentPrefetches = 2
)

// The slices' content does not need cleanup, they are fully overwritten with
// fetched data before use.
type chunkPool struct {
	pool sync.Pool
}

func (c *chunkPool) get() []byte {
	return c.pool.Get().([]byte)
}

func (c *chunkPool) put(b []byte) {
	c.pool.Put(b)
}

func newChunkPool() *chunkPool {
	return &chunkPool{
		pool: sync.Pool{
			New: func() any {
				return make([]byte, ChunkSize)
			},
		},
	}
}

var chunkSlicePool = newChunkPool()

// Fetcher fills the cache from a remote base as reads demand bytes. The
// cache's tracker hands every absent byte to exactly one gap, so concurrent
// reads of overlapping ranges never fetch the same byte twice; late callers
// just wait for the filler that got there first.
type Fetcher struct {
	ctx    context.Context
	cancel context.CancelFunc

	base  io.ReaderAt
	cache *cache.Cache

	// Semaphores limiting the number of concurrent fetches and prefetches.
	fetchSemaphore    *semaphore.Weighted
	prefetchSemaphore *semaphore.Weighted
}

func NewFetcher(ctx context.Context, base io.ReaderAt, c *cache.Cache) *Fetcher {
	ctx, cancel := context.WithCancel(ctx)

	return &Fetcher{
		ctx:               ctx,
		cancel:            cancel,
		base:              base,
		cache:             c,
		fetchSemaphore:    semaphore.NewWeighted(int64(concurrentFetches)),
		prefetchSemaphore: semaphore.NewWeighted(int64(concurrentPrefetches)),
	}
}

// EnsureRange blocks until every byte of inner is available in the cache,
// fetching the parts of outer no other filler had claimed yet. Gaps assigned
// to this call keep filling even if ctx is canceled, so the bytes still
// arrive for whoever asks next.
func (f *Fetcher) EnsureRange(ctx context.Context, outer, inner sparse.Range, prefetch bool) error {
	done := make(chan error, 1)

	gaps, err := f.cache.Tracker().WaitForRange(outer, inner, func(listenerErr error) {
		done <- listenerErr
	})
	if err != nil {
		return fmt.Errorf("failed to wait for range %s: %w", inner, err)
	}

	for _, gap := range gaps {
		go f.fillGap(gap, prefetch)
	}

	select {
	case listenerErr := <-done:
		if listenerErr != nil {
			return fmt.Errorf("failed to fetch range %s: %w", inner, listenerErr)
		}

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fetcher) fillGap(gap *sparse.Gap, prefetch bool) {
	sem := f.fetchSemaphore
	if prefetch {
		sem = f.prefetchSemaphore
	}

	if err := sem.Acquire(f.ctx, 1); err != nil {
		f.failGap(gap, fmt.Errorf("failed to acquire fetch slot: %w", err))

		return
	}
	defer sem.Release(1)

	buf := chunkSlicePool.get()
	defer chunkSlicePool.put(buf)

	for off := gap.Start(); off < gap.End(); {
		select {
		case <-f.ctx.Done():
			f.failGap(gap, fmt.Errorf("fetcher closed while filling %d-%d: %w", gap.Start(), gap.End(), f.ctx.Err()))

			return
		default:
		}

		length := min(ChunkSize, gap.End()-off)

		readN, err := f.base.ReadAt(buf[:length], off)
		if err != nil && !errors.Is(err, io.EOF) {
			f.failGap(gap, fmt.Errorf("failed to read %d-%d from base: %w", off, off+length, err))

			return
		}

		if int64(readN) != length {
			f.failGap(gap, fmt.Errorf("short read of %d-%d from base: %d bytes", off, off+length, readN))

			return
		}

		cacheN, err := f.cache.WriteAt(buf[:length], off)
		if err != nil {
			f.failGap(gap, fmt.Errorf("failed to write %d-%d to cache: %w", off, off+length, err))

			return
		}

		if int64(cacheN) != length {
			f.failGap(gap, fmt.Errorf("short write of %d-%d to cache: %d bytes", off, off+length, cacheN))

			return
		}

		off += length

		if err := gap.OnProgress(off); err != nil {
			zap.L().Error("failed to report fetch progress",
				zap.Int64("offset", off),
				zap.Error(err),
			)

			return
		}
	}

	if err := gap.OnCompletion(); err != nil {
		zap.L().Error("failed to complete gap",
			zap.Int64("start", gap.Start()),
			zap.Int64("end", gap.End()),
			zap.Error(err),
		)
	}
}

func (f *Fetcher) failGap(gap *sparse.Gap, err error) {
	zap.L().Warn("fetch failed",
		zap.Int64("start", gap.Start()),
		zap.Int64("end", gap.End()),
		zap.Error(err),
	)

	if failErr := gap.OnFailure(err); failErr != nil {
		zap.L().Error("failed to release gap after fetch error", zap.Error(failErr))
	}
}

// ReadAt serves b from the cache, fetching the containing chunks first when
// some requested byte is absent. Reads with zero length warm the containing
// chunk without copying anything.
func (f *Fetcher) ReadAt(b []byte, off int64) (int, error) {
	if off >= f.cache.Size() {
		return 0, io.EOF
	}

	if len(b) == 0 {
		outer := f.chunkAligned(off, off+1)

		err := f.EnsureRange(f.ctx, outer, outer, true)
		if err != nil {
			return 0, fmt.Errorf("failed to prefetch at %d: %w", off, err)
		}

		return 0, nil
	}

	n, err := f.cache.ReadAt(b, off)
	if err == nil {
		return n, nil
	}

	if !errors.As(err, &block.ErrBytesNotAvailable{}) {
		return n, fmt.Errorf("failed to read from cache at %d: %w", off, err)
	}

	end := min(off+int64(len(b)), f.cache.Size())
	inner := sparse.NewRange(off, end)

	ensureErr := f.EnsureRange(f.ctx, f.chunkAligned(off, end), inner, false)
	if ensureErr != nil {
		return 0, fmt.Errorf("failed to ensure range %s: %w", inner, ensureErr)
	}

	n, err = f.cache.ReadAt(b, off)
	if err != nil {
		return n, fmt.Errorf("failed to read from cache after ensuring range %s: %w", inner, err)
	}

	return n, nil
}

// chunkAligned widens [start, end) to chunk boundaries, clamped to the cache
// size.
func (f *Fetcher) chunkAligned(start, end int64) sparse.Range {
	alignedStart := (start / ChunkSize) * ChunkSize
	alignedEnd := min(((end+ChunkSize-1)/ChunkSize)*ChunkSize, f.cache.Size())

	return sparse.NewRange(alignedStart, alignedEnd)
}

func (f *Fetcher) Close() {
	f.cancel()
}
