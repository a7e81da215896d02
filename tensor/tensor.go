package tensor

import (
	"fmt"
)

// Operation is a node of the autograd graph. Every tensor produced by a
// differentiable function remembers the operation that created it.
type Operation interface {
	// Inputs returns the tensors the operation consumed, in the order
	// Backward returns their gradients.
	Inputs() []*Tensor
	// Backward maps the gradient of the output to one gradient per input.
	// A nil entry means the input receives no gradient.
	Backward(gradOut *Tensor) ([]*Tensor, error)
}

// Tensor is a dense, row-major float64 tensor that lives in host memory.
type Tensor struct {
	Shape        []int
	Strides      []int
	Data         []float64
	NumElems     int
	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d, requires_grad=%t)",
		t.Shape, t.NumElems, t.requiresGrad)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// SetGrad replaces the accumulated gradient.
func (t *Tensor) SetGrad(grad *Tensor) {
	t.grad = grad
}

// Creator returns the operation that produced t, or nil for leaves.
func (t *Tensor) Creator() Operation {
	return t.creator
}

// IsLeaf reports whether t was created by the user rather than by an operation.
func (t *Tensor) IsLeaf() bool {
	return t.creator == nil
}

// Rows returns the leading dimension of a 2-D tensor.
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// Cols returns the product of all trailing dimensions.
func (t *Tensor) Cols() int {
	if len(t.Shape) == 0 || t.Shape[0] == 0 {
		return 0
	}
	return t.NumElems / t.Shape[0]
}

// Row returns a view of row i of a tensor viewed as [Rows, Cols].
func (t *Tensor) Row(i int) []float64 {
	c := t.Cols()
	return t.Data[i*c : (i+1)*c]
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: at least one dimension is required")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ShapesEqual reports whether two shapes are identical.
func ShapesEqual(a, b []int) bool {
	return shapesEqual(a, b)
}
