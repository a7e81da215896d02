package training

import (
	"fmt"

	"github.com/tsawler/go-reid/layers"
	"github.com/tsawler/go-reid/tensor"
)

// Module is the trainable surface shared by every sub-model.
type Module interface {
	Parameters() []*tensor.Tensor
	NamedParameters() []layers.NamedParameter
	Train()
	Eval()
	IsTraining() bool
}

// Encoder maps an input batch [N,C,H,W] to branch embeddings [N,F].
type Encoder interface {
	Module
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
}

// Head splits branch embeddings into global and local embeddings [N,E].
type Head interface {
	Module
	Forward(features *tensor.Tensor) (global, local *tensor.Tensor, err error)
}

// Classifier maps embeddings [N,E] to identity logits.
type Classifier interface {
	Module
	Forward(emb *tensor.Tensor) (*tensor.Tensor, error)
	Classes() int
}

// Model groups the five sub-models of the dual-branch network.
type Model struct {
	MainEncoder Encoder // image branch
	AuxEncoder  Encoder // dense-map branch
	MainHead    Head
	AuxHead     Head
	Classifier  Classifier
}

// ModelConfig sizes the stripe networks built by NewModel.
type ModelConfig struct {
	Main         layers.EncoderConfig `yaml:"main_encoder"`
	Aux          layers.EncoderConfig `yaml:"aux_encoder"`
	EmbeddingDim int                  `yaml:"embedding_dim"`
}

// DefaultModelConfig returns a deeper image encoder and a shallower dense
// encoder over six horizontal stripes.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Main:         layers.EncoderConfig{Name: "main_encoder", Channels: 3, Parts: 6, Cols: 4, Hidden: []int{64, 64}},
		Aux:          layers.EncoderConfig{Name: "aux_encoder", Channels: 3, Parts: 6, Cols: 4, Hidden: []int{32}},
		EmbeddingDim: 64,
	}
}

func (c ModelConfig) Validate() error {
	if err := c.Main.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Aux.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("%w: embedding_dim must be positive", ErrInvalidConfig)
	}
	return nil
}

// NewModel builds the stripe networks with a classifier of the given width.
func NewModel(cfg ModelConfig, classes int) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mainEnc, err := layers.NewStripeEncoder(cfg.Main)
	if err != nil {
		return nil, err
	}
	auxEnc, err := layers.NewStripeEncoder(cfg.Aux)
	if err != nil {
		return nil, err
	}
	mainHead, err := layers.NewPartHead("main_head", mainEnc.Parts(), mainEnc.FeatureDim(), cfg.EmbeddingDim)
	if err != nil {
		return nil, err
	}
	auxHead, err := layers.NewPartHead("aux_head", auxEnc.Parts(), auxEnc.FeatureDim(), cfg.EmbeddingDim)
	if err != nil {
		return nil, err
	}
	cls, err := layers.NewClassifier(cfg.EmbeddingDim, classes)
	if err != nil {
		return nil, err
	}
	return &Model{MainEncoder: mainEnc, AuxEncoder: auxEnc, MainHead: mainHead, AuxHead: auxHead, Classifier: cls}, nil
}

// SubModule returns the module identified by s.
func (m *Model) SubModule(s SubModel) Module {
	switch s {
	case MainEncoder:
		return m.MainEncoder
	case AuxEncoder:
		return m.AuxEncoder
	case MainHead:
		return m.MainHead
	case AuxHead:
		return m.AuxHead
	case ClassifierModel:
		return m.Classifier
	default:
		return nil
	}
}

// Train puts every sub-model in training mode.
func (m *Model) Train() {
	for _, s := range AllSubModels {
		m.SubModule(s).Train()
	}
}

// Eval puts every sub-model in evaluation mode.
func (m *Model) Eval() {
	for _, s := range AllSubModels {
		m.SubModule(s).Eval()
	}
}

// Parameters returns the parameters of every sub-model.
func (m *Model) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, s := range AllSubModels {
		params = append(params, m.SubModule(s).Parameters()...)
	}
	return params
}

// Summary renders per-sub-model layer summaries for the modules that can
// describe themselves.
func (m *Model) Summary() string {
	out := ""
	for _, s := range AllSubModels {
		if d, ok := m.SubModule(s).(layers.Described); ok {
			out += layers.Summary(s.String(), d.Specs())
		}
	}
	return out
}
