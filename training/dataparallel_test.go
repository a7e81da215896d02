package training

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-reid/layers"
	"github.com/tsawler/go-reid/tensor"
)

func linearShard(fc *layers.Linear) ShardFunc {
	return func(_ context.Context, _ int, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
		out, err := fc.Forward(inputs[0])
		if err != nil {
			return nil, err
		}
		return []*tensor.Tensor{out}, nil
	}
}

func TestDataParallelMatchesSingleReplica(t *testing.T) {
	layers.SetRandomSeed(3)
	fc, err := layers.NewLinear("fc", 3, 2, true)
	require.NoError(t, err)

	input, err := tensor.NewTensor([]int{4, 3}, []float64{
		1, 2, 3,
		-1, 0, 1,
		0.5, 0.5, 0.5,
		2, -2, 0,
	})
	require.NoError(t, err)

	run := func(replicas int) ([]float64, [][]float64) {
		dp, err := NewDataParallel(replicas)
		require.NoError(t, err)
		tensor.ZeroGrad(fc.Parameters())

		outs, err := dp.Forward(context.Background(), []*tensor.Tensor{input}, linearShard(fc))
		require.NoError(t, err)
		require.Len(t, outs, 1)

		loss := tensor.SumAutograd(outs[0])
		require.NoError(t, loss.Backward())

		var grads [][]float64
		for _, p := range fc.Parameters() {
			grads = append(grads, append([]float64(nil), p.Grad().Data...))
		}
		return append([]float64(nil), outs[0].Data...), grads
	}

	single, singleGrads := run(1)
	split, splitGrads := run(2)
	assert.InDeltaSlice(t, single, split, 1e-12)
	for i := range singleGrads {
		assert.InDeltaSlice(t, singleGrads[i], splitGrads[i], 1e-12)
	}
}

func TestDataParallelRejectsUnevenBatch(t *testing.T) {
	dp, err := NewDataParallel(3)
	require.NoError(t, err)
	assert.Equal(t, 3, dp.Replicas())
	assert.ErrorIs(t, dp.CheckBatchSize(4), ErrInvalidConfig)

	input, err := tensor.Zeros(4, 2)
	require.NoError(t, err)
	_, err = dp.Forward(context.Background(), []*tensor.Tensor{input}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewDataParallel(0)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDataParallelPropagatesShardError(t *testing.T) {
	dp, err := NewDataParallel(2)
	require.NoError(t, err)
	input, err := tensor.Zeros(4, 2)
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = dp.Forward(context.Background(), []*tensor.Tensor{input},
		func(_ context.Context, shard int, _ []*tensor.Tensor) ([]*tensor.Tensor, error) {
			if shard == 1 {
				return nil, boom
			}
			return nil, nil
		})
	assert.ErrorIs(t, err, boom)
}
