package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

func checkShapesCompatible(shape1, shape2 []int) ([]int, error) {
	if len(shape1) == 0 || len(shape2) == 0 {
		return nil, fmt.Errorf("cannot operate on empty tensors")
	}
	if !shapesEqual(shape1, shape2) {
		return nil, fmt.Errorf("tensor shapes must match: %v vs %v", shape1, shape2)
	}
	return shape1, nil
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	outputShape, err := checkShapesCompatible(t1.Shape, t2.Shape)
	if err != nil {
		return nil, err
	}
	result, err := Zeros(outputShape...)
	if err != nil {
		return nil, err
	}
	floats.AddTo(result.Data, t1.Data, t2.Data)
	return result, nil
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	outputShape, err := checkShapesCompatible(t1.Shape, t2.Shape)
	if err != nil {
		return nil, err
	}
	result, err := Zeros(outputShape...)
	if err != nil {
		return nil, err
	}
	floats.SubTo(result.Data, t1.Data, t2.Data)
	return result, nil
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	outputShape, err := checkShapesCompatible(t1.Shape, t2.Shape)
	if err != nil {
		return nil, err
	}
	result, err := Zeros(outputShape...)
	if err != nil {
		return nil, err
	}
	floats.MulTo(result.Data, t1.Data, t2.Data)
	return result, nil
}

// Scale returns s*t as a new tensor.
func Scale(t *Tensor, s float64) *Tensor {
	result := t.Detach().Clone()
	floats.Scale(s, result.Data)
	return result
}

// AddInPlace accumulates src into dst.
func AddInPlace(dst, src *Tensor) error {
	if _, err := checkShapesCompatible(dst.Shape, src.Shape); err != nil {
		return err
	}
	floats.Add(dst.Data, src.Data)
	return nil
}

func ReLU(t *Tensor) *Tensor {
	result := t.Detach().Clone()
	for i, v := range result.Data {
		if v < 0 {
			result.Data[i] = 0
		}
	}
	return result
}

// Softplus computes log(1+exp(x)) without overflowing for large |x|.
func Softplus(x float64) float64 {
	return math.Max(x, 0) + math.Log1p(math.Exp(-math.Abs(x)))
}

func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// Sum returns the sum of all elements.
func Sum(t *Tensor) float64 {
	return floats.Sum(t.Data)
}

// Mean returns the arithmetic mean of all elements.
func Mean(t *Tensor) float64 {
	if t.NumElems == 0 {
		return 0
	}
	return floats.Sum(t.Data) / float64(t.NumElems)
}
