package layers

import (
	"fmt"

	"github.com/tsawler/go-reid/tensor"
)

// EncoderConfig describes a stripe encoder: the image is cut into Parts
// horizontal stripes of Cols cells, each cell is average pooled, and a
// shared MLP maps every stripe to a feature vector.
type EncoderConfig struct {
	Name     string `yaml:"name" json:"name"`
	Channels int    `yaml:"channels" json:"channels"`
	Parts    int    `yaml:"parts" json:"parts"`
	Cols     int    `yaml:"cols" json:"cols"`
	Hidden   []int  `yaml:"hidden" json:"hidden"`
}

func (c EncoderConfig) Validate() error {
	if c.Channels <= 0 || c.Parts <= 0 || c.Cols <= 0 {
		return fmt.Errorf("encoder %q: channels, parts and cols must be positive", c.Name)
	}
	if len(c.Hidden) == 0 {
		return fmt.Errorf("encoder %q: at least one hidden layer is required", c.Name)
	}
	for i, h := range c.Hidden {
		if h <= 0 {
			return fmt.Errorf("encoder %q: hidden layer %d has width %d", c.Name, i, h)
		}
	}
	return nil
}

// StripeEncoder maps [N,C,H,W] images to [N, Parts*D] branch embeddings,
// where D is the last hidden width.
type StripeEncoder struct {
	cfg      EncoderConfig
	mlp      *Sequential
	training bool
}

func NewStripeEncoder(cfg EncoderConfig) (*StripeEncoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var modules []Module
	in := cfg.Channels * cfg.Cols
	for i, h := range cfg.Hidden {
		fc, err := NewLinear(fmt.Sprintf("%s.fc%d", cfg.Name, i+1), in, h, true)
		if err != nil {
			return nil, err
		}
		modules = append(modules, fc, NewReLU(fmt.Sprintf("%s.relu%d", cfg.Name, i+1)))
		in = h
	}

	return &StripeEncoder{cfg: cfg, mlp: NewSequential(modules...), training: true}, nil
}

func (e *StripeEncoder) Forward(images *tensor.Tensor) (*tensor.Tensor, error) {
	if len(images.Shape) != 4 || images.Shape[1] != e.cfg.Channels {
		return nil, fmt.Errorf("%s: expected [N,%d,H,W] input, got %v", e.cfg.Name, e.cfg.Channels, images.Shape)
	}
	n := images.Shape[0]

	stripes, err := tensor.StripePoolAutograd(images, e.cfg.Parts, e.cfg.Cols)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.cfg.Name, err)
	}
	features, err := e.mlp.Forward(stripes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.cfg.Name, err)
	}
	return tensor.ReshapeAutograd(features, []int{n, e.cfg.Parts * e.FeatureDim()})
}

// Parts is the number of stripes per image.
func (e *StripeEncoder) Parts() int { return e.cfg.Parts }

// FeatureDim is the per-stripe feature width.
func (e *StripeEncoder) FeatureDim() int { return e.cfg.Hidden[len(e.cfg.Hidden)-1] }

func (e *StripeEncoder) Parameters() []*tensor.Tensor      { return e.mlp.Parameters() }
func (e *StripeEncoder) NamedParameters() []NamedParameter { return e.mlp.NamedParameters() }

func (e *StripeEncoder) Train() {
	e.training = true
	e.mlp.Train()
}

func (e *StripeEncoder) Eval() {
	e.training = false
	e.mlp.Eval()
}

func (e *StripeEncoder) IsTraining() bool { return e.training }

func (e *StripeEncoder) Specs() []LayerSpec {
	pool := LayerSpec{
		Type: StripePool,
		Name: e.cfg.Name + ".pool",
		Parameters: map[string]interface{}{
			"parts": e.cfg.Parts,
			"cols":  e.cfg.Cols,
		},
		InputShape:  []int{-1, e.cfg.Channels, -1, -1},
		OutputShape: []int{-1, e.cfg.Channels * e.cfg.Cols},
	}
	return append([]LayerSpec{pool}, e.mlp.Specs()...)
}

// PartHead splits a branch embedding [N, Parts*D] into a global embedding
// (projection of the part average) and a local embedding (average of the
// per-part projections), both [N, E].
type PartHead struct {
	name     string
	parts    int
	inDim    int
	global   *Linear
	local    *Linear
	training bool
}

func NewPartHead(name string, parts, inDim, embDim int) (*PartHead, error) {
	if parts <= 0 || inDim <= 0 || embDim <= 0 {
		return nil, fmt.Errorf("head %q: parts, input and embedding sizes must be positive", name)
	}
	g, err := NewLinear(name+".global", inDim, embDim, true)
	if err != nil {
		return nil, err
	}
	l, err := NewLinear(name+".local", inDim, embDim, true)
	if err != nil {
		return nil, err
	}
	return &PartHead{name: name, parts: parts, inDim: inDim, global: g, local: l, training: true}, nil
}

func (h *PartHead) Forward(features *tensor.Tensor) (global, local *tensor.Tensor, err error) {
	if len(features.Shape) != 2 || features.Shape[1] != h.parts*h.inDim {
		return nil, nil, fmt.Errorf("%s: expected [N,%d] input, got %v", h.name, h.parts*h.inDim, features.Shape)
	}
	n := features.Shape[0]

	pooled, err := tensor.GroupMeanAutograd(features, h.parts)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", h.name, err)
	}
	global, err = h.global.Forward(pooled)
	if err != nil {
		return nil, nil, err
	}

	perPart, err := tensor.ReshapeAutograd(features, []int{n * h.parts, h.inDim})
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", h.name, err)
	}
	projected, err := h.local.Forward(perPart)
	if err != nil {
		return nil, nil, err
	}
	projected, err = tensor.ReshapeAutograd(tensor.ReLUAutograd(projected), []int{n, h.parts * h.EmbeddingDim()})
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", h.name, err)
	}
	local, err = tensor.GroupMeanAutograd(projected, h.parts)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", h.name, err)
	}
	return global, local, nil
}

func (h *PartHead) EmbeddingDim() int { return h.global.OutputSize() }

func (h *PartHead) Parameters() []*tensor.Tensor { return paramsOf(h.NamedParameters()) }

func (h *PartHead) NamedParameters() []NamedParameter {
	return append(h.global.NamedParameters(), h.local.NamedParameters()...)
}

func (h *PartHead) Train() {
	h.training = true
	h.global.Train()
	h.local.Train()
}

func (h *PartHead) Eval() {
	h.training = false
	h.global.Eval()
	h.local.Eval()
}

func (h *PartHead) IsTraining() bool { return h.training }

func (h *PartHead) Specs() []LayerSpec {
	mean := LayerSpec{Type: PartMean, Name: h.name + ".mean", Parameters: map[string]interface{}{"parts": h.parts}}
	return append(append([]LayerSpec{mean}, h.global.Specs()...), h.local.Specs()...)
}

// Classifier maps embeddings to identity logits.
type Classifier struct {
	fc *Linear
}

func NewClassifier(embDim, classes int) (*Classifier, error) {
	if classes < 2 {
		return nil, fmt.Errorf("classifier needs at least 2 classes, got %d", classes)
	}
	fc, err := NewLinear("classifier.fc", embDim, classes, true)
	if err != nil {
		return nil, err
	}
	return &Classifier{fc: fc}, nil
}

func (c *Classifier) Forward(emb *tensor.Tensor) (*tensor.Tensor, error) {
	return c.fc.Forward(emb)
}

func (c *Classifier) Classes() int                      { return c.fc.OutputSize() }
func (c *Classifier) Parameters() []*tensor.Tensor      { return c.fc.Parameters() }
func (c *Classifier) NamedParameters() []NamedParameter { return c.fc.NamedParameters() }
func (c *Classifier) Train()                            { c.fc.Train() }
func (c *Classifier) Eval()                             { c.fc.Eval() }
func (c *Classifier) IsTraining() bool                  { return c.fc.IsTraining() }
func (c *Classifier) Specs() []LayerSpec                { return c.fc.Specs() }
