package layers

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-reid/tensor"
)

func TestLinearForwardAndParameters(t *testing.T) {
	SetRandomSeed(3)
	fc, err := NewLinear("fc", 3, 2, true)
	require.NoError(t, err)
	require.NoError(t, fc.weight.CopyFrom([]float64{1, 0, 0, 1, 1, 1}))
	require.NoError(t, fc.bias.CopyFrom([]float64{0.5, -0.5}))

	x, err := tensor.NewTensor([]int{1, 3}, []float64{1, 2, 3})
	require.NoError(t, err)
	y, err := fc.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []float64{4.5, 4.5}, y.Data)

	named := fc.NamedParameters()
	require.Len(t, named, 2)
	assert.Equal(t, "fc.weight", named[0].Name)
	assert.Equal(t, "fc.bias", named[1].Name)
	assert.True(t, fc.Parameters()[0].RequiresGrad())

	_, err = fc.Forward(x.Detach().Clone())
	require.NoError(t, err)
	bad, _ := tensor.NewTensor([]int{1, 4}, nil)
	_, err = fc.Forward(bad)
	assert.Error(t, err)
}

func TestSeedIsDeterministic(t *testing.T) {
	SetRandomSeed(11)
	a, err := NewLinear("a", 4, 4, false)
	require.NoError(t, err)
	SetRandomSeed(11)
	b, err := NewLinear("b", 4, 4, false)
	require.NoError(t, err)
	assert.Equal(t, a.weight.Data, b.weight.Data)
}

func TestReIDNetworkShapes(t *testing.T) {
	SetRandomSeed(1)
	enc, err := NewStripeEncoder(EncoderConfig{Name: "main", Channels: 3, Parts: 4, Cols: 2, Hidden: []int{8, 6}})
	require.NoError(t, err)
	head, err := NewPartHead("main_head", enc.Parts(), enc.FeatureDim(), 5)
	require.NoError(t, err)
	cls, err := NewClassifier(head.EmbeddingDim(), 3)
	require.NoError(t, err)

	images, err := tensor.Uniform(globalRng, 1, 2, 3, 8, 4)
	require.NoError(t, err)

	feat, err := enc.Forward(images)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 24}, feat.Shape)

	g, l, err := head.Forward(feat)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5}, g.Shape)
	assert.Equal(t, []int{2, 5}, l.Shape)

	logits, err := cls.Forward(g)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, logits.Shape)

	// Gradients reach every encoder parameter.
	loss, err := tensor.CrossEntropyAutograd(logits, []int{0, 2})
	require.NoError(t, err)
	require.NoError(t, loss.Backward())
	for _, p := range append(enc.Parameters(), cls.Parameters()...) {
		assert.NotNil(t, p.Grad())
	}
	for _, p := range head.global.Parameters() {
		assert.NotNil(t, p.Grad())
	}
}

func TestTrainEvalPropagates(t *testing.T) {
	enc, err := NewStripeEncoder(EncoderConfig{Name: "aux", Channels: 3, Parts: 2, Cols: 1, Hidden: []int{4}})
	require.NoError(t, err)
	enc.Eval()
	assert.False(t, enc.IsTraining())
	assert.False(t, enc.mlp.IsTraining())
	enc.Train()
	assert.True(t, enc.mlp.IsTraining())
}

func TestSummary(t *testing.T) {
	enc, err := NewStripeEncoder(EncoderConfig{Name: "aux", Channels: 3, Parts: 2, Cols: 2, Hidden: []int{4}})
	require.NoError(t, err)
	s := Summary("aux", enc.Specs())
	assert.True(t, strings.Contains(s, "aux.fc1 (Dense)"))
	assert.True(t, strings.Contains(s, "Total Parameters: 28"))
}

func TestEncoderConfigValidate(t *testing.T) {
	assert.Error(t, EncoderConfig{Name: "x", Channels: 3, Parts: 2, Cols: 1}.Validate())
	assert.Error(t, EncoderConfig{Name: "x", Channels: 3, Parts: 0, Cols: 1, Hidden: []int{2}}.Validate())
	assert.NoError(t, EncoderConfig{Name: "x", Channels: 3, Parts: 2, Cols: 1, Hidden: []int{2}}.Validate())
}
