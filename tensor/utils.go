package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Reshape returns a tensor sharing t's data with a new shape. One dimension
// may be -1 and is inferred. The result is detached from the graph; use
// ReshapeAutograd inside a forward pass.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	shape, err := resolveShape(t.NumElems, newShape)
	if err != nil {
		return nil, err
	}
	return &Tensor{
		Shape:        shape,
		Strides:      calculateStrides(shape),
		Data:         t.Data,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}, nil
}

func resolveShape(numElems int, newShape []int) ([]int, error) {
	shape := make([]int, len(newShape))
	copy(shape, newShape)

	known := 1
	inferIdx := -1
	for i, dim := range shape {
		switch {
		case dim == -1:
			if inferIdx >= 0 {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			inferIdx = i
		case dim <= 0:
			return nil, fmt.Errorf("dimension %d has invalid size %d", i, dim)
		default:
			known *= dim
		}
	}

	if inferIdx >= 0 {
		if numElems%known != 0 {
			return nil, fmt.Errorf("cannot reshape tensor of size %d: size must be divisible by %d", numElems, known)
		}
		shape[inferIdx] = numElems / known
		known *= shape[inferIdx]
	}

	if known != numElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v", numElems, newShape)
	}
	return shape, nil
}

// Clone deep-copies data and shape. The clone is a leaf.
func (t *Tensor) Clone() *Tensor {
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	return &Tensor{
		Shape:        shape,
		Strides:      calculateStrides(shape),
		Data:         data,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}
}

// Detach returns a leaf tensor sharing t's data that does not track gradients.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape:    t.Shape,
		Strides:  t.Strides,
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

// Item returns the value of a one-element tensor.
func (t *Tensor) Item() (float64, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("Item() requires a single-element tensor, got shape %v", t.Shape)
	}
	return t.Data[0], nil
}

// At returns the element at the given indices.
func (t *Tensor) At(indices ...int) (float64, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	idx := 0
	for i, v := range indices {
		if v < 0 || v >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of range for dimension %d of size %d", v, i, t.Shape[i])
		}
		idx += v * t.Strides[i]
	}
	return t.Data[idx], nil
}

// CopyFrom overwrites t's data in place, keeping graph identity. Used by
// optimizers and checkpoint restore.
func (t *Tensor) CopyFrom(data []float64) error {
	if len(data) != len(t.Data) {
		return fmt.Errorf("data length %d does not match tensor size %d", len(data), len(t.Data))
	}
	copy(t.Data, data)
	return nil
}

// HasNaN reports whether any element is NaN or infinite.
func (t *Tensor) HasNaN() bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

// ZeroGrad clears the gradients of the given tensors.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		t.grad = nil
	}
}

// PrintData renders at most maxElements values for debugging.
func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString(t.String())
	sb.WriteString(" [")
	for i, v := range t.Data {
		if i >= maxElements {
			sb.WriteString(" ...")
			break
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%.6g", v)
	}
	sb.WriteString("]")
	return sb.String()
}

// SizeBytes is the size of the tensor's backing storage.
func (t *Tensor) SizeBytes() int64 {
	return int64(t.NumElems) * 8
}

// RowSlice returns rows [start, end) as a tensor sharing t's data. The
// result is a leaf and is meant for inputs that carry no gradient.
func (t *Tensor) RowSlice(start, end int) (*Tensor, error) {
	if start < 0 || end > t.Rows() || start >= end {
		return nil, fmt.Errorf("row slice [%d,%d) out of range for %d rows", start, end, t.Rows())
	}
	c := t.Cols()
	shape := append([]int{end - start}, t.Shape[1:]...)
	return NewTensor(shape, t.Data[start*c:end*c])
}
