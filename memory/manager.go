package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Config holds the memory limit of a training run.
type Config struct {
	// LimitBytes is the hard limit for tensors reserved per iteration.
	// If 0, usage is only tracked.
	LimitBytes int64
}

// MemoryManager reserves and releases the working memory of forward and
// backward passes against a fixed budget, and keeps usage statistics.
type MemoryManager struct {
	cfg Config

	sem     *semaphore.Weighted // nil if unlimited
	used    atomic.Int64
	peak    atomic.Int64
	refused atomic.Int64

	mu       sync.Mutex
	acquires int64
}

// NewMemoryManager creates a new memory manager
func NewMemoryManager(cfg Config) (*MemoryManager, error) {
	if cfg.LimitBytes < 0 {
		return nil, fmt.Errorf("memory limit must not be negative, got %d", cfg.LimitBytes)
	}
	mm := &MemoryManager{cfg: cfg}
	if cfg.LimitBytes > 0 {
		mm.sem = semaphore.NewWeighted(cfg.LimitBytes)
	}
	return mm, nil
}

// AcquireMemory reserves bytes, blocking until they are available or ctx
// is canceled. A request larger than the whole budget fails immediately.
func (mm *MemoryManager) AcquireMemory(ctx context.Context, bytes int64) error {
	if mm == nil || bytes <= 0 {
		return nil
	}
	if mm.sem != nil {
		if bytes > mm.cfg.LimitBytes {
			mm.refused.Add(1)
			return fmt.Errorf("request of %d bytes exceeds the %d byte budget", bytes, mm.cfg.LimitBytes)
		}
		if err := mm.sem.Acquire(ctx, bytes); err != nil {
			return err
		}
	}
	mm.account(bytes)
	return nil
}

// TryAcquireMemory reserves bytes without blocking. It returns false if
// the limit would be exceeded, and also while any AcquireMemory caller is
// waiting, so a manager polled this way should not have blocking users.
func (mm *MemoryManager) TryAcquireMemory(bytes int64) bool {
	if mm == nil || bytes <= 0 {
		return true
	}
	if mm.sem != nil && !mm.sem.TryAcquire(bytes) {
		mm.refused.Add(1)
		return false
	}
	mm.account(bytes)
	return true
}

// ReleaseMemory returns bytes reserved by AcquireMemory or TryAcquireMemory.
func (mm *MemoryManager) ReleaseMemory(bytes int64) {
	if mm == nil || bytes <= 0 {
		return
	}
	if mm.sem != nil {
		mm.sem.Release(bytes)
	}
	mm.used.Add(-bytes)
}

func (mm *MemoryManager) account(bytes int64) {
	used := mm.used.Add(bytes)
	for {
		peak := mm.peak.Load()
		if used <= peak || mm.peak.CompareAndSwap(peak, used) {
			break
		}
	}
	mm.mu.Lock()
	mm.acquires++
	mm.mu.Unlock()
}

// Stats is a snapshot of the manager's counters.
type Stats struct {
	LimitBytes int64
	InUse      int64
	Peak       int64
	Acquires   int64
	Refused    int64
}

// Stats returns memory manager statistics
func (mm *MemoryManager) Stats() Stats {
	mm.mu.Lock()
	acquires := mm.acquires
	mm.mu.Unlock()
	return Stats{
		LimitBytes: mm.cfg.LimitBytes,
		InUse:      mm.used.Load(),
		Peak:       mm.peak.Load(),
		Acquires:   acquires,
		Refused:    mm.refused.Load(),
	}
}

func (s Stats) String() string {
	limit := "unlimited"
	if s.LimitBytes > 0 {
		limit = fmt.Sprintf("%d", s.LimitBytes)
	}
	return fmt.Sprintf("memory: in_use=%d peak=%d limit=%s acquires=%d refused=%d",
		s.InUse, s.Peak, limit, s.Acquires, s.Refused)
}
