package tensor

import (
	"fmt"
	"math/rand"
)

// NewTensor wraps data in a tensor of the given shape. The slice is not
// copied; a nil slice allocates zeros.
func NewTensor(shape []int, data []float64) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float64, numElems)
	}
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	s := make([]int, len(shape))
	copy(s, shape)

	return &Tensor{
		Shape:    s,
		Strides:  calculateStrides(s),
		Data:     data,
		NumElems: numElems,
	}, nil
}

// Zeros creates a zero-filled tensor.
func Zeros(shape ...int) (*Tensor, error) {
	return NewTensor(shape, nil)
}

// Full creates a tensor with every element set to value.
func Full(value float64, shape ...int) (*Tensor, error) {
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// Ones creates a tensor filled with ones.
func Ones(shape ...int) (*Tensor, error) {
	return Full(1, shape...)
}

// FromScalar creates a one-element tensor.
func FromScalar(value float64) *Tensor {
	return &Tensor{
		Shape:    []int{1},
		Strides:  []int{1},
		Data:     []float64{value},
		NumElems: 1,
	}
}

// Uniform fills a new tensor with samples from U(-bound, bound).
func Uniform(rng *rand.Rand, bound float64, shape ...int) (*Tensor, error) {
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = (rng.Float64()*2.0 - 1.0) * bound
	}
	return t, nil
}

// Stack copies equally shaped tensors into one tensor with a new leading
// dimension.
func Stack(items []*Tensor) (*Tensor, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("cannot stack zero tensors")
	}
	inner := items[0].Shape
	shape := append([]int{len(items)}, inner...)
	out, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	n := items[0].NumElems
	for i, item := range items {
		if !shapesEqual(item.Shape, inner) {
			return nil, fmt.Errorf("stack: item %d has shape %v, expected %v", i, item.Shape, inner)
		}
		copy(out.Data[i*n:(i+1)*n], item.Data)
	}
	return out, nil
}
