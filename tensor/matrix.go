package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// dense views a tensor as a gonum matrix of shape [Rows, Cols] without
// copying.
func dense(t *Tensor) *mat.Dense {
	return mat.NewDense(t.Rows(), t.Cols(), t.Data)
}

func fromDense(m *mat.Dense) *Tensor {
	r, c := m.Dims()
	raw := m.RawMatrix()
	data := raw.Data
	if raw.Stride != c {
		data = make([]float64, r*c)
		for i := 0; i < r; i++ {
			copy(data[i*c:(i+1)*c], raw.Data[i*raw.Stride:i*raw.Stride+c])
		}
	}
	return &Tensor{
		Shape:    []int{r, c},
		Strides:  []int{c, 1},
		Data:     data,
		NumElems: r * c,
	}
}

func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if len(t1.Shape) != 2 || len(t2.Shape) != 2 {
		return nil, fmt.Errorf("matmul requires 2-D tensors, got %v and %v", t1.Shape, t2.Shape)
	}
	if t1.Shape[1] != t2.Shape[0] {
		return nil, fmt.Errorf("incompatible dimensions for matmul: (%d, %d) x (%d, %d)",
			t1.Shape[0], t1.Shape[1], t2.Shape[0], t2.Shape[1])
	}

	var out mat.Dense
	out.Mul(dense(t1), dense(t2))
	return fromDense(&out), nil
}

// matMulTransB computes a @ bᵀ.
func matMulTransB(a, b *Tensor) *Tensor {
	var out mat.Dense
	out.Mul(dense(a), dense(b).T())
	return fromDense(&out)
}

// matMulTransA computes aᵀ @ b.
func matMulTransA(a, b *Tensor) *Tensor {
	var out mat.Dense
	out.Mul(dense(a).T(), dense(b))
	return fromDense(&out)
}

// Transpose swaps the two axes of a 2-D tensor.
func Transpose(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("transpose requires a 2-D tensor, got %v", t.Shape)
	}
	return fromDense(mat.DenseCopyOf(dense(t).T())), nil
}

// Gram returns t @ tᵀ for a 2-D tensor.
func Gram(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("gram requires a 2-D tensor, got %v", t.Shape)
	}
	return matMulTransB(t, t), nil
}
