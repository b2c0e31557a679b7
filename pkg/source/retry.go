package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

const (
	FetchRetries    = 3
	FetchRetryDelay = 1 * time.Millisecond
)

// Retrier retries failed reads of the underlying reader. EOF is not retried.
type Retrier struct {
	ctx        context.Context
	base       io.ReaderAt
	retryDelay time.Duration
	maxRetries int
}

func NewRetrier(ctx context.Context, base io.ReaderAt, maxRetries int, retryDelay time.Duration) *Retrier {
	return &Retrier{
		ctx:        ctx,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		base:       base,
	}
}

func (r *Retrier) ReadAt(p []byte, off int64) (n int, err error) {
	for i := 0; i < r.maxRetries; i++ {
		select {
		case <-r.ctx.Done():
			return 0, r.ctx.Err()
		default:
			n, err = r.base.ReadAt(p, off)
			if err != nil && !errors.Is(err, io.EOF) {
				zap.L().Warn("retrying read after error",
					zap.Int64("offset", off),
					zap.Error(err),
				)
				time.Sleep(r.retryDelay)

				continue
			}

			return n, err
		}
	}

	return 0, fmt.Errorf("failed to read at %d after %d retries: %w", off, r.maxRetries, err)
}
