package training

import (
	"context"
	"fmt"
	"sync"

	"github.com/tsawler/go-reid/layers"
	"github.com/tsawler/go-reid/tensor"
)

// mapIndex is an in-memory IdentityIndex.
type mapIndex [][]int

func (m mapIndex) NumIdentities() int { return len(m) }

func (m mapIndex) SamplesOf(identity int) []int { return m[identity] }

// contiguousIndex gives identity i the samples [i*n, (i+1)*n).
func contiguousIndex(identities, perIdentity int) mapIndex {
	idx := make(mapIndex, identities)
	for id := range idx {
		for j := 0; j < perIdentity; j++ {
			idx[id] = append(idx[id], id*perIdentity+j)
		}
	}
	return idx
}

// pointDataset serves every sample as a [1,1,2] image holding a 2-D point
// and a zero dense map.
type pointDataset struct {
	points     [][2]float64
	identities []int
}

func (d *pointDataset) Len() int { return len(d.points) }

func (d *pointDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, int, error) {
	if idx < 0 || idx >= len(d.points) {
		return nil, nil, 0, fmt.Errorf("index %d out of range", idx)
	}
	img, err := tensor.NewTensor([]int{1, 1, 2}, []float64{d.points[idx][0], d.points[idx][1]})
	if err != nil {
		return nil, nil, 0, err
	}
	dense, err := tensor.Zeros(1, 1, 2)
	if err != nil {
		return nil, nil, 0, err
	}
	return img, dense, d.identities[idx], nil
}

// flattenEncoder turns [N,C,H,W] into [N,C*H*W] and has no parameters.
type flattenEncoder struct{ training bool }

func (e *flattenEncoder) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReshapeAutograd(x, []int{x.Shape[0], -1})
}
func (e *flattenEncoder) Parameters() []*tensor.Tensor             { return nil }
func (e *flattenEncoder) NamedParameters() []layers.NamedParameter { return nil }
func (e *flattenEncoder) Train()                                   { e.training = true }
func (e *flattenEncoder) Eval()                                    { e.training = false }
func (e *flattenEncoder) IsTraining() bool                         { return e.training }

// identityHead returns its input as both the global and local embedding.
type identityHead struct{ training bool }

func (h *identityHead) Forward(f *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	return f, f, nil
}
func (h *identityHead) Parameters() []*tensor.Tensor             { return nil }
func (h *identityHead) NamedParameters() []layers.NamedParameter { return nil }
func (h *identityHead) Train()                                   { h.training = true }
func (h *identityHead) Eval()                                    { h.training = false }
func (h *identityHead) IsTraining() bool                         { return h.training }

// pointModel is a parameter-free embedding network over 2-D points with a
// zero-initialized classifier, so every identity loss starts at ln(classes).
func pointModel(classes int) (*Model, error) {
	cls, err := layers.NewClassifier(2, classes)
	if err != nil {
		return nil, err
	}
	for _, p := range cls.Parameters() {
		for i := range p.Data {
			p.Data[i] = 0
		}
	}
	return &Model{
		MainEncoder: &flattenEncoder{},
		AuxEncoder:  &flattenEncoder{},
		MainHead:    &identityHead{},
		AuxHead:     &identityHead{},
		Classifier:  cls,
	}, nil
}

// pointBatch builds a batch from 2-D points laid out as P blocks of K.
func pointBatch(points [][2]float64, identities []int, p, k int) (*Batch, error) {
	data := make([]float64, 0, 2*len(points))
	for _, pt := range points {
		data = append(data, pt[0], pt[1])
	}
	images, err := tensor.NewTensor([]int{len(points), 1, 1, 2}, data)
	if err != nil {
		return nil, err
	}
	dense, err := tensor.Zeros(len(points), 1, 1, 2)
	if err != nil {
		return nil, err
	}
	return &Batch{Images: images, Dense: dense, Identities: identities, P: p, K: k}, nil
}

// fixedSource replays one batch forever.
type fixedSource struct {
	batch *Batch
	err   error
	calls int
}

func (s *fixedSource) Next(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.batch, nil
}

type savedCheckpoint struct {
	sub    SubModel
	params []layers.NamedParameter
	info   CheckpointInfo
}

// memoryCheckpointer records every Save call.
type memoryCheckpointer struct {
	mu    sync.Mutex
	saved []savedCheckpoint
	err   error
}

func (c *memoryCheckpointer) Save(ctx context.Context, sub SubModel, params []layers.NamedParameter, info CheckpointInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.saved = append(c.saved, savedCheckpoint{sub: sub, params: params, info: info})
	return nil
}

func floatPtr(v float64) *float64 { return &v }
