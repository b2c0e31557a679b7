package source

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Prefetcher warms the cache in the background. It repeatedly asks the
// tracker for the next range that still needs fetching and pulls it through
// the fetcher at prefetch priority, so foreground reads keep most of the
// fetch slots.
type Prefetcher struct {
	fetcher *Fetcher
	size    int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPrefetcher(ctx context.Context, fetcher *Fetcher, size int64) *Prefetcher {
	ctx, cancel := context.WithCancel(ctx)

	return &Prefetcher{
		ctx:     ctx,
		cancel:  cancel,
		fetcher: fetcher,
		size:    size,
		done:    make(chan struct{}),
	}
}

// Start walks the file until every byte is complete or the prefetcher is
// closed. Ranges that fail to fetch are skipped and left for foreground
// reads to retry.
func (p *Prefetcher) Start() error {
	defer close(p.done)

	pos := int64(0)
	for pos < p.size {
		select {
		case <-p.ctx.Done():
			ctxErr := p.ctx.Err()
			if ctxErr != nil {
				return fmt.Errorf("prefetcher closed: %w", ctxErr)
			}

			return nil
		default:
		}

		absent, ok := p.fetcher.cache.Tracker().AbsentRangeWithin(pos, p.size)
		if !ok {
			return nil
		}

		region := absent
		region.End = min(region.Start+ChunkSize, region.End)

		err := p.fetcher.EnsureRange(p.ctx, region, region, true)
		if err != nil {
			zap.L().Warn("error prefetching range",
				zap.Int64("start", region.Start),
				zap.Int64("end", region.End),
				zap.Error(err),
			)
		}

		pos = region.End
	}

	return nil
}

// Wait blocks until the prefetch walk finished.
func (p *Prefetcher) Wait() {
	<-p.done
}

func (p *Prefetcher) Close() {
	p.cancel()
}
