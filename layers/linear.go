package layers

import (
	"fmt"
	"math"

	"github.com/tsawler/go-reid/tensor"
)

// Linear implements a fully connected (dense) layer: y = xW + b
type Linear struct {
	name     string
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	training bool
}

// NewLinear creates a new Linear layer
func NewLinear(name string, inputSize, outputSize int, bias bool) (*Linear, error) {
	// Xavier/Glorot uniform: W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))
	weight, err := tensor.Uniform(globalRng, bound, inputSize, outputSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %w", err)
	}
	weight.SetRequiresGrad(true)

	linear := &Linear{
		name:     name,
		weight:   weight,
		training: true,
	}

	if bias {
		biasT, err := tensor.Zeros(outputSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %w", err)
		}
		biasT.SetRequiresGrad(true)
		linear.bias = biasT
	}

	return linear, nil
}

// Forward performs the forward pass: y = xW + b
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("Linear layer expects 2D input [batch_size, input_size], got shape %v", input.Shape)
	}
	if input.Shape[1] != l.weight.Shape[0] {
		return nil, fmt.Errorf("%s: input size mismatch: expected %d, got %d", l.name, l.weight.Shape[0], input.Shape[1])
	}

	output, err := tensor.MatMulAutograd(input, l.weight)
	if err != nil {
		return nil, fmt.Errorf("%s: matmul failed: %w", l.name, err)
	}

	if l.bias != nil {
		output, err = tensor.AddAutograd(output, l.bias)
		if err != nil {
			return nil, fmt.Errorf("%s: bias addition failed: %w", l.name, err)
		}
	}

	return output, nil
}

func (l *Linear) Parameters() []*tensor.Tensor {
	return paramsOf(l.NamedParameters())
}

func (l *Linear) NamedParameters() []NamedParameter {
	params := []NamedParameter{{Name: l.name + ".weight", Layer: l.name, Kind: "weight", Tensor: l.weight}}
	if l.bias != nil {
		params = append(params, NamedParameter{Name: l.name + ".bias", Layer: l.name, Kind: "bias", Tensor: l.bias})
	}
	return params
}

func (l *Linear) Train() {
	l.training = true
}

func (l *Linear) Eval() {
	l.training = false
}

func (l *Linear) IsTraining() bool {
	return l.training
}

func (l *Linear) InputSize() int  { return l.weight.Shape[0] }
func (l *Linear) OutputSize() int { return l.weight.Shape[1] }

func (l *Linear) Specs() []LayerSpec {
	shapes := [][]int{l.weight.Shape}
	if l.bias != nil {
		shapes = append(shapes, l.bias.Shape)
	}
	return []LayerSpec{{
		Type: Dense,
		Name: l.name,
		Parameters: map[string]interface{}{
			"input_size":  l.InputSize(),
			"output_size": l.OutputSize(),
			"use_bias":    l.bias != nil,
		},
		InputShape:      []int{-1, l.InputSize()},
		OutputShape:     []int{-1, l.OutputSize()},
		ParameterShapes: shapes,
		ParameterCount:  ParameterCount(l.Parameters()),
	}}
}

// ReLU implements ReLU activation function module
type ReLU struct {
	name     string
	training bool
}

func NewReLU(name string) *ReLU {
	return &ReLU{name: name, training: true}
}

func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLUAutograd(input), nil
}

func (r *ReLU) Parameters() []*tensor.Tensor      { return nil }
func (r *ReLU) NamedParameters() []NamedParameter { return nil }
func (r *ReLU) Train()                            { r.training = true }
func (r *ReLU) Eval()                             { r.training = false }
func (r *ReLU) IsTraining() bool                  { return r.training }

func (r *ReLU) Specs() []LayerSpec {
	return []LayerSpec{{Type: ReLUActivation, Name: r.name}}
}

// Sequential runs modules in order.
type Sequential struct {
	modules  []Module
	training bool
}

func NewSequential(modules ...Module) *Sequential {
	return &Sequential{modules: modules, training: true}
}

func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out := input
	for i, m := range s.modules {
		var err error
		out, err = m.Forward(out)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
	}
	return out, nil
}

func (s *Sequential) Parameters() []*tensor.Tensor {
	return paramsOf(s.NamedParameters())
}

func (s *Sequential) NamedParameters() []NamedParameter {
	var params []NamedParameter
	for _, m := range s.modules {
		if n, ok := m.(interface{ NamedParameters() []NamedParameter }); ok {
			params = append(params, n.NamedParameters()...)
		}
	}
	return params
}

func (s *Sequential) Train() {
	s.training = true
	for _, m := range s.modules {
		m.Train()
	}
}

func (s *Sequential) Eval() {
	s.training = false
	for _, m := range s.modules {
		m.Eval()
	}
}

func (s *Sequential) IsTraining() bool {
	return s.training
}

func (s *Sequential) Specs() []LayerSpec {
	var specs []LayerSpec
	for _, m := range s.modules {
		if d, ok := m.(Described); ok {
			specs = append(specs, d.Specs()...)
		}
	}
	return specs
}
