package inference

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/radiology-api/internal/preprocess"
)

// PooledClassifier runs forward passes on sessions borrowed from a SessionPool.
type PooledClassifier struct {
	pool       *SessionPool
	classCount int
	logger     *zap.Logger
}

// NewPooledClassifier wraps pool. classCount is the expected logits length.
func NewPooledClassifier(pool *SessionPool, classCount int, logger *zap.Logger) *PooledClassifier {
	return &PooledClassifier{
		pool:       pool,
		classCount: classCount,
		logger:     logger.Named("classifier"),
	}
}

// Classify runs one forward pass and returns a copy of the output logits.
func (c *PooledClassifier) Classify(ctx context.Context, input *preprocess.Tensor) ([]float32, error) {
	if input == nil || len(input.Data) != input.Len() {
		return nil, fmt.Errorf("%w: malformed input tensor", ErrInference)
	}

	session, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer c.pool.Release(session)

	logits, err := session.Run(input.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	if len(logits) != c.classCount {
		return nil, fmt.Errorf("%w: model returned %d logits, expected %d", ErrInference, len(logits), c.classCount)
	}
	return logits, nil
}

// ClassCount returns the number of classes the model produces.
func (c *PooledClassifier) ClassCount() int {
	return c.classCount
}

// Metrics exposes the underlying pool counters.
func (c *PooledClassifier) Metrics() PoolMetrics {
	return c.pool.Metrics()
}

// Close releases every session held by the pool.
func (c *PooledClassifier) Close() {
	c.pool.Close()
}
