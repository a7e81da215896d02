package training

import (
	"context"
	"fmt"

	"github.com/tsawler/go-reid/tensor"
)

// Dataset interface defines methods that all re-id datasets must implement
type Dataset interface {
	Len() int // Total number of samples
	// Get returns the image tensor [C,H,W], the dense-map tensor [C,H,W]
	// and the dense identity of sample idx.
	Get(idx int) (image, dense *tensor.Tensor, identity int, err error)
}

// Batch is a materialized BatchPlan: N = P*K samples in identity blocks.
type Batch struct {
	Images     *tensor.Tensor // [N,C,H,W]
	Dense      *tensor.Tensor // [N,C,H,W]
	Identities []int
	Indices    []int
	P          int
	K          int
	// Wrapped is set on the first batch of a new pass over the identities.
	Wrapped bool
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.Identities)
}

// Validate checks the tensors and the identity layout against (P,K).
func (b *Batch) Validate() error {
	if err := ValidateLayout(b.Identities, b.P, b.K); err != nil {
		return err
	}
	n := b.P * b.K
	for name, t := range map[string]*tensor.Tensor{"images": b.Images, "dense": b.Dense} {
		if t == nil || len(t.Shape) != 4 || t.Shape[0] != n {
			var shape []int
			if t != nil {
				shape = t.Shape
			}
			return newDataIntegrityError(-1, nil, "%s tensor has shape %v, expected [%d,C,H,W]", name, shape, n)
		}
	}
	return nil
}

// Materializer turns a plan into tensors.
type Materializer interface {
	Materialize(ctx context.Context, plan BatchPlan) (*Batch, error)
}

// BatchSource yields batches to the orchestrator. Next blocks until a batch
// is available or ctx is done.
type BatchSource interface {
	Next(ctx context.Context) (*Batch, error)
}

// DatasetMaterializer loads every sample of a plan from a Dataset and stacks
// them into batch tensors.
type DatasetMaterializer struct {
	dataset Dataset
}

func NewDatasetMaterializer(dataset Dataset) *DatasetMaterializer {
	return &DatasetMaterializer{dataset: dataset}
}

func (m *DatasetMaterializer) Materialize(ctx context.Context, plan BatchPlan) (*Batch, error) {
	if len(plan.Indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}

	images := make([]*tensor.Tensor, len(plan.Indices))
	dense := make([]*tensor.Tensor, len(plan.Indices))
	for i, idx := range plan.Indices {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, dm, identity, err := m.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %w", idx, err)
		}
		if identity != plan.Identities[i] {
			return nil, newDataIntegrityError(identity, nil,
				"sample %d belongs to identity %d but was planned for %d", idx, identity, plan.Identities[i])
		}
		images[i] = img
		dense[i] = dm
	}

	batchImages, err := tensor.Stack(images)
	if err != nil {
		return nil, fmt.Errorf("failed to stack images: %w", err)
	}
	batchDense, err := tensor.Stack(dense)
	if err != nil {
		return nil, fmt.Errorf("failed to stack dense maps: %w", err)
	}

	return &Batch{
		Images:     batchImages,
		Dense:      batchDense,
		Identities: append([]int(nil), plan.Identities...),
		Indices:    append([]int(nil), plan.Indices...),
		P:          plan.P,
		K:          plan.K,
	}, nil
}

// DataLoader is a synchronous BatchSource: each Next draws a plan from the
// sequence and materializes it on the caller's goroutine.
type DataLoader struct {
	seq          *BatchSequence
	materializer Materializer
}

// NewDataLoader creates a new DataLoader
func NewDataLoader(seq *BatchSequence, materializer Materializer) *DataLoader {
	return &DataLoader{seq: seq, materializer: materializer}
}

func (dl *DataLoader) Next(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	plan, wrapped, err := dl.seq.Next()
	if err != nil {
		return nil, err
	}
	batch, err := dl.materializer.Materialize(ctx, plan)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	batch.Wrapped = wrapped
	return batch, nil
}
