package async

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-reid/memory"
	"github.com/tsawler/go-reid/training"
)

// ErrStopped is returned by Next once the loader has been stopped.
var ErrStopped = errors.New("data loader has been stopped")

// queuedBatch is a materialized batch waiting in the prefetch queue
// together with the memory it holds.
type queuedBatch struct {
	batch *training.Batch
	bytes int64
	id    uint64
}

// AsyncDataLoader prefetches batches in the background. Workers draw plans
// from a shared BatchSequence, materialize them and push them into a
// bounded queue; Next hands them to the orchestrator.
type AsyncDataLoader struct {
	seq           *training.BatchSequence
	materializer  training.Materializer
	prefetchDepth int
	workers       int
	logger        *training.Logger

	// Queued batches hold their bytes until Next hands them out.
	memoryManager *memory.MemoryManager

	batchChannel chan queuedBatch
	done         chan struct{}

	cancel context.CancelFunc
	group  *errgroup.Group

	mutex        sync.RWMutex
	isRunning    bool
	batchCounter uint64
	consumed     uint64
	wraps        uint64
	err          error
}

// AsyncDataLoaderConfig holds configuration for the data loader
type AsyncDataLoaderConfig struct {
	PrefetchDepth int // Number of batches to prefetch (default: 3)
	Workers       int // Number of background workers (default: 2)
	MemoryManager *memory.MemoryManager
	Logger        *training.Logger
}

// NewAsyncDataLoader creates a new asynchronous data loader
func NewAsyncDataLoader(seq *training.BatchSequence, materializer training.Materializer, config AsyncDataLoaderConfig) (*AsyncDataLoader, error) {
	if seq == nil {
		return nil, fmt.Errorf("batch sequence cannot be nil")
	}
	if materializer == nil {
		return nil, fmt.Errorf("materializer cannot be nil")
	}

	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = 3
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}
	logger := config.Logger
	if logger == nil {
		logger = training.NoopLogger()
	}

	return &AsyncDataLoader{
		seq:           seq,
		materializer:  materializer,
		prefetchDepth: config.PrefetchDepth,
		workers:       config.Workers,
		logger:        logger.WithComponent("prefetch"),
		memoryManager: config.MemoryManager,
		batchChannel:  make(chan queuedBatch, config.PrefetchDepth),
		done:          make(chan struct{}),
	}, nil
}

// Start begins the async data loading pipeline. The workers stop when ctx
// is canceled, on the first materialization error, or on Stop.
func (adl *AsyncDataLoader) Start(ctx context.Context) error {
	adl.mutex.Lock()
	defer adl.mutex.Unlock()

	if adl.isRunning {
		return fmt.Errorf("data loader is already running")
	}
	if adl.group != nil {
		return fmt.Errorf("data loader cannot be restarted")
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < adl.workers; i++ {
		workerID := i
		g.Go(func() error {
			return adl.worker(gctx, workerID)
		})
	}

	adl.cancel = cancel
	adl.group = g
	adl.isRunning = true
	adl.logger.Debug("prefetch started", "workers", adl.workers, "depth", adl.prefetchDepth)

	go func() {
		err := g.Wait()
		adl.mutex.Lock()
		if err != nil && !errors.Is(err, context.Canceled) {
			adl.err = err
		}
		adl.mutex.Unlock()
		close(adl.done)
	}()
	return nil
}

// Stop stops the async data loading pipeline and releases queued batches.
func (adl *AsyncDataLoader) Stop() error {
	adl.mutex.Lock()
	if !adl.isRunning {
		adl.mutex.Unlock()
		return nil
	}
	adl.isRunning = false
	cancel := adl.cancel
	adl.mutex.Unlock()

	cancel()
	<-adl.done

	for {
		select {
		case q := <-adl.batchChannel:
			adl.memoryManager.ReleaseMemory(q.bytes)
		default:
			adl.logger.Debug("prefetch stopped", "produced", adl.Stats().BatchesProduced)
			return nil
		}
	}
}

// Next returns the next ready batch, blocking until one is available.
// Queued batches are drained before a worker error is reported.
func (adl *AsyncDataLoader) Next(ctx context.Context) (*training.Batch, error) {
	adl.mutex.RLock()
	running := adl.isRunning
	adl.mutex.RUnlock()
	if !running {
		return nil, ErrStopped
	}

	select {
	case q := <-adl.batchChannel:
		return adl.handOut(q), nil
	default:
	}

	select {
	case q := <-adl.batchChannel:
		return adl.handOut(q), nil
	case <-adl.done:
		select {
		case q := <-adl.batchChannel:
			return adl.handOut(q), nil
		default:
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		adl.mutex.RLock()
		err := adl.err
		adl.mutex.RUnlock()
		if err != nil {
			return nil, fmt.Errorf("data loader error: %w", err)
		}
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (adl *AsyncDataLoader) handOut(q queuedBatch) *training.Batch {
	adl.memoryManager.ReleaseMemory(q.bytes)
	adl.mutex.Lock()
	adl.consumed++
	adl.mutex.Unlock()
	adl.logger.Debug("batch handed out", "batch", q.id, "wrapped", q.batch.Wrapped)
	return q.batch
}

// worker runs in background to load and prepare batches
func (adl *AsyncDataLoader) worker(ctx context.Context, workerID int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		plan, wrapped, err := adl.seq.Next()
		if err != nil {
			return fmt.Errorf("worker %d: %w", workerID, err)
		}
		batch, err := adl.materializer.Materialize(ctx, plan)
		if err != nil {
			return fmt.Errorf("worker %d: %w", workerID, err)
		}
		batch.Wrapped = wrapped

		bytes := batch.Images.SizeBytes() + batch.Dense.SizeBytes()
		if err := adl.memoryManager.AcquireMemory(ctx, bytes); err != nil {
			return fmt.Errorf("worker %d: reserving %d bytes: %w", workerID, bytes, err)
		}

		adl.mutex.Lock()
		id := adl.batchCounter
		adl.batchCounter++
		if wrapped {
			adl.wraps++
		}
		adl.mutex.Unlock()

		select {
		case adl.batchChannel <- queuedBatch{batch: batch, bytes: bytes, id: id}:
		case <-ctx.Done():
			adl.memoryManager.ReleaseMemory(bytes)
			return ctx.Err()
		}
	}
}

// Stats returns statistics about the data loader
func (adl *AsyncDataLoader) Stats() AsyncDataLoaderStats {
	adl.mutex.RLock()
	defer adl.mutex.RUnlock()

	return AsyncDataLoaderStats{
		IsRunning:       adl.isRunning,
		BatchesProduced: adl.batchCounter,
		BatchesConsumed: adl.consumed,
		QueuedBatches:   len(adl.batchChannel),
		QueueCapacity:   cap(adl.batchChannel),
		Workers:         adl.workers,
		Passes:          adl.wraps,
	}
}

// AsyncDataLoaderStats provides statistics about the data loader
type AsyncDataLoaderStats struct {
	IsRunning       bool
	BatchesProduced uint64
	BatchesConsumed uint64
	QueuedBatches   int
	QueueCapacity   int
	Workers         int
	Passes          uint64
}
