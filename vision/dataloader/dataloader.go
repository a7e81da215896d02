package dataloader

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tsawler/go-reid/tensor"
	"github.com/tsawler/go-reid/training"
	"github.com/tsawler/go-reid/vision/preprocessing"
)

// Source lists paired image and dense-map files by index.
type Source interface {
	Len() int
	GetItem(index int) (imagePath, densePath string, identity int, err error)
}

// Config holds configuration for CachedDataset
type Config struct {
	Height, Width int
	MaxCacheSize  int // Maximum number of tensors to cache (default 1000)

	// FlipProbability mirrors an image and its dense map together.
	FlipProbability float64
	Seed            int64

	// IOBytesPerSecond throttles file reads. 0 means unlimited.
	IOBytesPerSecond int64

	CacheManager *CacheManager // Optional shared cache manager
}

// CachedDataset loads samples from disk through an LRU cache. It implements
// training.Dataset.
type CachedDataset struct {
	source    Source
	processor *preprocessing.ImageProcessor
	height    int
	width     int

	cacheManager *CacheManager
	ioLimiter    *rate.Limiter

	flipP float64
	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewCachedDataset creates a new cached dataset
func NewCachedDataset(source Source, config Config) (*CachedDataset, error) {
	if source == nil {
		return nil, fmt.Errorf("source cannot be nil")
	}
	processor, err := preprocessing.NewImageProcessor(config.Height, config.Width)
	if err != nil {
		return nil, err
	}
	if config.FlipProbability < 0 || config.FlipProbability > 1 {
		return nil, fmt.Errorf("flip probability must be in [0,1], got %g", config.FlipProbability)
	}
	if config.MaxCacheSize == 0 {
		config.MaxCacheSize = 1000
	}

	cacheManager := config.CacheManager
	if cacheManager == nil {
		cacheManager = NewCacheManager(config.MaxCacheSize)
	}

	d := &CachedDataset{
		source:       source,
		processor:    processor,
		height:       config.Height,
		width:        config.Width,
		cacheManager: cacheManager,
		flipP:        config.FlipProbability,
		rng:          rand.New(rand.NewSource(config.Seed)),
	}
	if config.IOBytesPerSecond > 0 {
		d.ioLimiter = rate.NewLimiter(rate.Limit(config.IOBytesPerSecond), int(config.IOBytesPerSecond))
	}
	return d, nil
}

// Len returns the number of samples.
func (d *CachedDataset) Len() int {
	return d.source.Len()
}

// Get implements training.Dataset.
func (d *CachedDataset) Get(idx int) (image, dense *tensor.Tensor, identity int, err error) {
	return d.GetContext(context.Background(), idx)
}

// GetContext loads sample idx, waiting on the I/O limit under ctx. The
// returned tensors are private copies.
func (d *CachedDataset) GetContext(ctx context.Context, idx int) (image, dense *tensor.Tensor, identity int, err error) {
	imagePath, densePath, identity, err := d.source.GetItem(idx)
	if err != nil {
		return nil, nil, 0, err
	}
	image, err = d.load(ctx, imagePath)
	if err != nil {
		return nil, nil, 0, err
	}
	dense, err = d.load(ctx, densePath)
	if err != nil {
		return nil, nil, 0, err
	}

	if d.flip() {
		if err := preprocessing.FlipHorizontal(image); err != nil {
			return nil, nil, 0, err
		}
		if err := preprocessing.FlipHorizontal(dense); err != nil {
			return nil, nil, 0, err
		}
	}
	return image, dense, identity, nil
}

func (d *CachedDataset) flip() bool {
	if d.flipP == 0 {
		return false
	}
	d.rngMu.Lock()
	defer d.rngMu.Unlock()
	return d.rng.Float64() < d.flipP
}

// load loads an image with caching support
func (d *CachedDataset) load(ctx context.Context, path string) (*tensor.Tensor, error) {
	if cached, exists := d.cacheManager.Get(path); exists {
		return cached.Clone(), nil
	}

	if err := d.waitIO(ctx, path); err != nil {
		return nil, err
	}
	img, err := d.processor.LoadFile(path)
	if err != nil {
		return nil, err
	}

	d.cacheManager.Put(path, img)
	return img.Clone(), nil
}

// waitIO charges the file size against the I/O limit in burst-sized steps.
func (d *CachedDataset) waitIO(ctx context.Context, path string) error {
	if d.ioLimiter == nil {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	remaining := int(info.Size())
	for remaining > 0 {
		n := min(remaining, d.ioLimiter.Burst())
		if err := d.ioLimiter.WaitN(ctx, n); err != nil {
			return fmt.Errorf("waiting for I/O budget: %w", err)
		}
		remaining -= n
	}
	return nil
}

// Warm preprocesses up to the cache capacity of samples ahead of training.
func (d *CachedDataset) Warm(ctx context.Context, workers int) error {
	limit := min(d.source.Len(), d.cacheManager.Stats().MaxSize/2)
	var paths []string
	for i := 0; i < limit; i++ {
		imagePath, densePath, _, err := d.source.GetItem(i)
		if err != nil {
			return err
		}
		paths = append(paths, imagePath, densePath)
	}

	tensors, err := preprocessing.PreprocessBatch(ctx, paths, d.height, d.width, workers)
	if err != nil {
		return fmt.Errorf("warming cache: %w", err)
	}
	for i, t := range tensors {
		d.cacheManager.Put(paths[i], t)
	}
	return nil
}

// Stats returns cache statistics
func (d *CachedDataset) Stats() CacheStats {
	return d.cacheManager.Stats()
}

// GetCacheManager returns the cache manager for sharing between datasets
func (d *CachedDataset) GetCacheManager() *CacheManager {
	return d.cacheManager
}

// ParallelMaterializer loads the samples of a plan concurrently and stacks
// them into a batch.
type ParallelMaterializer struct {
	dataset *CachedDataset
	workers int
}

// NewParallelMaterializer creates a materializer with at most workers
// concurrent sample loads.
func NewParallelMaterializer(dataset *CachedDataset, workers int) *ParallelMaterializer {
	if workers <= 0 {
		workers = 1
	}
	return &ParallelMaterializer{dataset: dataset, workers: workers}
}

// Materialize implements training.Materializer.
func (m *ParallelMaterializer) Materialize(ctx context.Context, plan training.BatchPlan) (*training.Batch, error) {
	if len(plan.Indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}
	if len(plan.Identities) != len(plan.Indices) {
		return nil, fmt.Errorf("plan has %d indices but %d identities", len(plan.Indices), len(plan.Identities))
	}

	images := make([]*tensor.Tensor, len(plan.Indices))
	dense := make([]*tensor.Tensor, len(plan.Indices))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)
	for i, idx := range plan.Indices {
		i, idx := i, idx
		g.Go(func() error {
			img, dm, identity, err := m.dataset.GetContext(gctx, idx)
			if err != nil {
				return fmt.Errorf("failed to load sample %d: %w", idx, err)
			}
			if identity != plan.Identities[i] {
				return &training.DataIntegrityError{
					Identity: identity,
					Reason:   fmt.Sprintf("sample %d was planned for identity %d", idx, plan.Identities[i]),
				}
			}
			images[i] = img
			dense[i] = dm
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	batchImages, err := tensor.Stack(images)
	if err != nil {
		return nil, fmt.Errorf("failed to stack images: %w", err)
	}
	batchDense, err := tensor.Stack(dense)
	if err != nil {
		return nil, fmt.Errorf("failed to stack dense maps: %w", err)
	}

	return &training.Batch{
		Images:     batchImages,
		Dense:      batchDense,
		Identities: append([]int(nil), plan.Identities...),
		Indices:    append([]int(nil), plan.Indices...),
		P:          plan.P,
		K:          plan.K,
	}, nil
}
