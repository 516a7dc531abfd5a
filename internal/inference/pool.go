package inference

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultPoolSize       = 2
	DefaultAcquireTimeout = 5 * time.Second
)

// SessionPool hands out a fixed number of sessions. It caps concurrent
// forward passes at its size.
type SessionPool struct {
	sessions       chan Session
	size           int
	acquireTimeout time.Duration
	logger         *zap.Logger

	mu     sync.RWMutex
	closed bool

	metricsMu sync.Mutex
	metrics   PoolMetrics
}

// PoolMetrics is a snapshot of pool usage counters.
type PoolMetrics struct {
	Size            int           `json:"pool_size"`
	InUse           int           `json:"sessions_in_use"`
	TotalAcquired   int64         `json:"total_acquired"`
	TotalReleased   int64         `json:"total_released"`
	AcquireFailures int64         `json:"acquire_failures"`
	WaitTime        time.Duration `json:"wait_time_ns"`
}

// NewSessionPool creates size sessions up front. If any session fails to
// load, the ones already created are destroyed and the error is returned.
func NewSessionPool(factory SessionFactory, size int, acquireTimeout time.Duration, logger *zap.Logger) (*SessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}

	pool := &SessionPool{
		sessions:       make(chan Session, size),
		size:           size,
		acquireTimeout: acquireTimeout,
		logger:         logger.Named("session_pool"),
	}
	pool.metrics.Size = size

	for i := 0; i < size; i++ {
		session, err := factory()
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		pool.sessions <- session
	}

	pool.logger.Info("session pool ready", zap.Int("size", size), zap.Duration("acquire_timeout", acquireTimeout))
	return pool, nil
}

// Acquire waits for a free session. It fails with ErrBusy after the acquire
// timeout and with the context error if ctx ends first.
func (p *SessionPool) Acquire(ctx context.Context) (Session, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.metricsMu.Lock()
		p.metrics.WaitTime += time.Since(start)
		p.metricsMu.Unlock()
	}()

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.metricsMu.Lock()
		p.metrics.InUse++
		p.metrics.TotalAcquired++
		p.metricsMu.Unlock()
		return session, nil
	case <-timer.C:
		p.metricsMu.Lock()
		p.metrics.AcquireFailures++
		p.metricsMu.Unlock()
		return nil, fmt.Errorf("%w: no session free after %s", ErrBusy, p.acquireTimeout)
	case <-ctx.Done():
		p.metricsMu.Lock()
		p.metrics.AcquireFailures++
		p.metricsMu.Unlock()
		return nil, ctx.Err()
	}
}

// Release returns a session to the pool, or destroys it if the pool is closed.
func (p *SessionPool) Release(session Session) {
	p.metricsMu.Lock()
	p.metrics.InUse--
	p.metrics.TotalReleased++
	p.metricsMu.Unlock()

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		session.Destroy()
		return
	}
	p.sessions <- session
}

// Close destroys all idle sessions. Sessions still checked out are destroyed
// when released.
func (p *SessionPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	close(p.sessions)

	for session := range p.sessions {
		session.Destroy()
	}
}

// Metrics returns a snapshot of the pool counters.
func (p *SessionPool) Metrics() PoolMetrics {
	p.metricsMu.Lock()
	defer p.metricsMu.Unlock()
	return p.metrics
}
