package retention

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"go.uber.org/zap"
)

// Sweeper deletes stored uploads after a fixed retention period.
type Sweeper struct {
	index    Index
	ttl      time.Duration
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewSweeper returns a sweeper that keeps files for ttl and checks every interval.
func NewSweeper(index Index, ttl, interval time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		index:    index,
		ttl:      ttl,
		interval: interval,
		logger:   logger.Named("retention"),
		now:      time.Now,
	}
}

// Track registers a newly stored file.
func (s *Sweeper) Track(ctx context.Context, path string) error {
	return s.index.Track(ctx, path, s.now().Add(s.ttl))
}

// Sweep removes every expired file and returns how many were deleted.
// Files already gone are forgotten without counting as removed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	paths, err := s.index.Expired(ctx, s.now())
	if err != nil {
		return 0, err
	}

	removed := 0
	forget := make([]string, 0, len(paths))
	for _, path := range paths {
		err := os.Remove(path)
		switch {
		case err == nil:
			removed++
			forget = append(forget, path)
		case errors.Is(err, fs.ErrNotExist):
			forget = append(forget, path)
		default:
			s.logger.Warn("failed to remove expired upload", zap.String("path", path), zap.Error(err))
		}
	}

	if err := s.index.Forget(ctx, forget...); err != nil {
		return removed, err
	}
	return removed, nil
}

// Run sweeps immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("retention sweeper started", zap.Duration("ttl", s.ttl), zap.Duration("interval", s.interval))
	for {
		if n, err := s.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("retention sweep failed", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("expired uploads removed", zap.Int("count", n))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
