package layers

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/tsawler/go-reid/tensor"
)

// Global random source for deterministic initialization
var globalRng = rand.New(rand.NewSource(1))

// SetRandomSeed sets the global random seed for deterministic weight initialization
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	ReLUActivation
	StripePool
	PartMean
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case ReLUActivation:
		return "ReLU"
	case StripePool:
		return "StripePool"
	case PartMean:
		return "PartMean"
	default:
		return "Unknown"
	}
}

// LayerSpec describes one layer of a network for summaries and checkpoint
// metadata. It carries no execution logic.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`

	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// NamedParameter is a trainable tensor with a stable name used as its
// checkpoint key.
type NamedParameter struct {
	Name   string
	Layer  string
	Kind   string
	Tensor *tensor.Tensor
}

// Module interface defines methods that all neural network layers must implement
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // Returns trainable parameters (tensors with requiresGrad=true)
	Train()                       // Sets module to training mode
	Eval()                        // Sets module to evaluation mode
	IsTraining() bool             // Returns true if in training mode
}

// Described is implemented by modules that can list their layers.
type Described interface {
	Specs() []LayerSpec
}

// Summary returns a human-readable model summary
func Summary(name string, specs []LayerSpec) string {
	var total int64
	for _, s := range specs {
		total += s.ParameterCount
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Model Summary: %s\n", name)
	fmt.Fprintf(&sb, "Total Parameters: %d\n", total)
	fmt.Fprintf(&sb, "Layers: %d\n", len(specs))
	for i, layer := range specs {
		fmt.Fprintf(&sb, "Layer %d: %s (%s) params=%d", i+1, layer.Name, layer.Type, layer.ParameterCount)
		if len(layer.Parameters) > 0 {
			fmt.Fprintf(&sb, " config=%v", layer.Parameters)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// ParameterCount sums the element counts of params.
func ParameterCount(params []*tensor.Tensor) int64 {
	var n int64
	for _, p := range params {
		n += int64(p.NumElems)
	}
	return n
}

func paramsOf(named []NamedParameter) []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(named))
	for i, p := range named {
		out[i] = p.Tensor
	}
	return out
}
