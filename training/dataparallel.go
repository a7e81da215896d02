package training

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-reid/tensor"
)

// DataParallel fans a forward pass out over disjoint row shards of a batch
// and gathers the outputs in shard order. Parameters are shared read-only
// during the fan-out; the gather is differentiable, so one backward pass
// over the gathered outputs sums every shard's gradient contribution into
// the shared parameters.
type DataParallel struct {
	replicas int
}

func NewDataParallel(replicas int) (*DataParallel, error) {
	if replicas < 1 {
		return nil, fmt.Errorf("%w: replicas must be at least 1, got %d", ErrInvalidConfig, replicas)
	}
	return &DataParallel{replicas: replicas}, nil
}

func (dp *DataParallel) Replicas() int {
	return dp.replicas
}

// CheckBatchSize reports whether n rows split evenly over the replicas.
func (dp *DataParallel) CheckBatchSize(n int) error {
	if n%dp.replicas != 0 {
		return fmt.Errorf("%w: batch size %d is not divisible by %d replicas", ErrInvalidConfig, n, dp.replicas)
	}
	return nil
}

// ShardFunc runs the forward pass of one shard. inputs holds the shard of
// every tensor given to Forward, in the same order.
type ShardFunc func(ctx context.Context, shard int, inputs []*tensor.Tensor) ([]*tensor.Tensor, error)

// Forward splits every input along its leading dimension, runs fn on each
// shard concurrently and concatenates each output position across shards.
func (dp *DataParallel) Forward(ctx context.Context, inputs []*tensor.Tensor, fn ShardFunc) ([]*tensor.Tensor, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("data parallel: no inputs")
	}
	n := inputs[0].Rows()
	for i, in := range inputs {
		if in.Rows() != n {
			return nil, fmt.Errorf("data parallel: input %d has %d rows, expected %d", i, in.Rows(), n)
		}
	}
	if err := dp.CheckBatchSize(n); err != nil {
		return nil, err
	}

	if dp.replicas == 1 {
		return fn(ctx, 0, inputs)
	}

	size := n / dp.replicas
	outputs := make([][]*tensor.Tensor, dp.replicas)
	g, gctx := errgroup.WithContext(ctx)
	for r := 0; r < dp.replicas; r++ {
		shards := make([]*tensor.Tensor, len(inputs))
		for i, in := range inputs {
			s, err := in.RowSlice(r*size, (r+1)*size)
			if err != nil {
				return nil, err
			}
			shards[i] = s
		}
		r := r
		g.Go(func() error {
			out, err := fn(gctx, r, shards)
			if err != nil {
				return fmt.Errorf("replica %d: %w", r, err)
			}
			outputs[r] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return gather(outputs)
}

func gather(outputs [][]*tensor.Tensor) ([]*tensor.Tensor, error) {
	width := len(outputs[0])
	gathered := make([]*tensor.Tensor, width)
	for k := 0; k < width; k++ {
		parts := make([]*tensor.Tensor, len(outputs))
		for r, out := range outputs {
			if len(out) != width {
				return nil, fmt.Errorf("data parallel: replica %d returned %d outputs, expected %d", r, len(out), width)
			}
			parts[r] = out[k]
		}
		cat, err := tensor.ConcatRowsAutograd(parts...)
		if err != nil {
			return nil, fmt.Errorf("data parallel: gather output %d: %w", k, err)
		}
		gathered[k] = cat
	}
	return gathered, nil
}
