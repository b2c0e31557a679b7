package source

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvinci-hrs/blockcache/pkg/block"
	"github.com/dvinci-hrs/blockcache/pkg/cache"
	"github.com/dvinci-hrs/blockcache/pkg/sparse"
)

// makeTestData creates deterministic test data.
func makeTestData(size int64) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 256)
	}

	return data
}

func newTestCache(t *testing.T, size int64) *cache.Cache {
	t.Helper()

	c, err := cache.NewCache("test", size, filepath.Join(t.TempDir(), "cache.dat"), false)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return c
}

// countingReader counts the bytes read from the wrapped base.
type countingReader struct {
	base      io.ReaderAt
	bytesRead atomic.Int64
}

func (c *countingReader) ReadAt(p []byte, off int64) (int, error) {
	n, err := c.base.ReadAt(p, off)
	c.bytesRead.Add(int64(n))

	return n, err
}

type failingReader struct {
	err error
}

func (f *failingReader) ReadAt(p []byte, off int64) (int, error) {
	return 0, f.err
}

func TestFetcherReadAt(t *testing.T) {
	size := 2*ChunkSize + ChunkSize/2
	baseData := makeTestData(size)
	base := block.NewMemoryDevice(baseData, true)

	fetcher := NewFetcher(context.Background(), base, newTestCache(t, size))
	defer fetcher.Close()

	// Read the whole file through the fetcher.
	buf := make([]byte, size)
	n, err := fetcher.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, int(size), n)
	assert.Equal(t, baseData, buf)

	// Re-read a chunk, now served from the cache.
	chunkBuf := make([]byte, ChunkSize)
	n, err = fetcher.ReadAt(chunkBuf, ChunkSize)
	require.NoError(t, err)
	assert.Equal(t, int(ChunkSize), n)
	assert.Equal(t, baseData[ChunkSize:2*ChunkSize], chunkBuf)

	// Read beyond the end of the file.
	_, err = fetcher.ReadAt(buf, size)
	assert.Equal(t, io.EOF, err)
}

func TestFetcherZeroLengthReadPrefetches(t *testing.T) {
	size := 2 * ChunkSize
	baseData := makeTestData(size)
	base := block.NewMemoryDevice(baseData, true)
	c := newTestCache(t, size)

	fetcher := NewFetcher(context.Background(), base, c)
	defer fetcher.Close()

	_, err := fetcher.ReadAt(nil, ChunkSize)
	require.NoError(t, err)

	// The containing chunk is complete without a regular read.
	assert.Equal(t,
		[]sparse.Range{sparse.NewRange(ChunkSize, 2*ChunkSize)},
		c.Tracker().CompletedRanges(),
	)
}

func TestFetcherDeduplicatesFetches(t *testing.T) {
	size := 2 * ChunkSize
	baseData := makeTestData(size)
	counting := &countingReader{base: block.NewMemoryDevice(baseData, true)}

	fetcher := NewFetcher(context.Background(), counting, newTestCache(t, size))
	defer fetcher.Close()

	const readers = 8

	var wg sync.WaitGroup
	wg.Add(readers)
	for i := 0; i < readers; i++ {
		go func() {
			defer wg.Done()

			buf := make([]byte, size)
			n, err := fetcher.ReadAt(buf, 0)
			assert.NoError(t, err)
			assert.Equal(t, int(size), n)
			assert.Equal(t, baseData, buf)
		}()
	}
	wg.Wait()

	// Every absent byte was assigned to exactly one fetch, no matter how
	// many readers raced for it.
	assert.Equal(t, size, counting.bytesRead.Load())
}

func TestFetcherFailurePropagatesAndAllowsRetry(t *testing.T) {
	size := ChunkSize
	c := newTestCache(t, size)

	baseErr := errors.New("transport broke")
	failing := NewFetcher(context.Background(), &failingReader{err: baseErr}, c)
	defer failing.Close()

	buf := make([]byte, 64)
	_, err := failing.ReadAt(buf, 0)
	require.ErrorIs(t, err, baseErr)

	// The failed bytes are absent again, so a healthy fetcher over the same
	// cache can re-attempt them.
	absent, ok := c.Tracker().AbsentRangeWithin(0, size)
	require.True(t, ok)
	assert.Equal(t, sparse.NewRange(0, size), absent)

	baseData := makeTestData(size)
	healthy := NewFetcher(context.Background(), block.NewMemoryDevice(baseData, true), c)
	defer healthy.Close()

	n, err := healthy.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, baseData[:n], buf[:n])
}

func TestPrefetcherWarmsWholeFile(t *testing.T) {
	size := 2*ChunkSize + ChunkSize/4
	baseData := makeTestData(size)
	c := newTestCache(t, size)

	fetcher := NewFetcher(context.Background(), block.NewMemoryDevice(baseData, true), c)
	defer fetcher.Close()

	prefetcher := NewPrefetcher(context.Background(), fetcher, size)
	require.NoError(t, prefetcher.Start())
	prefetcher.Wait()

	assert.Equal(t, []sparse.Range{sparse.NewRange(0, size)}, c.Tracker().CompletedRanges())

	// Reads are now served locally.
	buf := make([]byte, size)
	n, err := fetcher.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, baseData, buf[:n])
}
