package bucket

import (
	"context"
	"fmt"
	"os"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/dvinci-hrs/blockcache/pkg/cache"
	"github.com/dvinci-hrs/blockcache/pkg/source"
)

// Source serves reads of an immutable object in a GCS bucket through a local
// disk cache. Bytes are fetched on first access, every byte at most once; a
// cache file surviving a restart is picked up where it left off.
type Source struct {
	gcs        *source.GCSObject
	cache      *cache.Cache
	fetcher    *source.Fetcher
	prefetcher *source.Prefetcher

	size int64
}

func NewSource(
	ctx context.Context,
	client *storage.Client,
	bucketName,
	objectPath,
	cachePath string,
	prefetch bool,
) (*Source, error) {
	gcs := source.NewGCSObject(ctx, client, bucketName, objectPath)

	size, err := gcs.Size()
	if err != nil {
		return nil, fmt.Errorf("failed to get object size: %w", err)
	}

	cacheExists := false
	if _, statErr := os.Stat(cachePath); statErr == nil {
		cacheExists = true
	}

	c, err := cache.NewCache(objectPath, size, cachePath, cacheExists)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	retrier := source.NewRetrier(ctx, gcs, source.FetchRetries, source.FetchRetryDelay)
	fetcher := source.NewFetcher(ctx, retrier, c)

	s := &Source{
		gcs:     gcs,
		cache:   c,
		fetcher: fetcher,
		size:    size,
	}

	if prefetch {
		s.prefetcher = source.NewPrefetcher(ctx, fetcher, size)

		go func() {
			if prefetchErr := s.prefetcher.Start(); prefetchErr != nil {
				zap.L().Warn("prefetch walk stopped",
					zap.String("object", objectPath),
					zap.Error(prefetchErr),
				)
			}
		}()
	}

	return s, nil
}

func (s *Source) ReadAt(p []byte, off int64) (int, error) {
	return s.fetcher.ReadAt(p, off)
}

func (s *Source) Size() int64 {
	return s.size
}

func (s *Source) Close() error {
	if s.prefetcher != nil {
		s.prefetcher.Close()
	}

	s.fetcher.Close()

	return s.cache.Close()
}
