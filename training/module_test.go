package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-reid/layers"
	"github.com/tsawler/go-reid/tensor"
)

func tinyModelConfig() ModelConfig {
	return ModelConfig{
		Main:         layers.EncoderConfig{Name: "main_encoder", Channels: 3, Parts: 2, Cols: 2, Hidden: []int{6, 4}},
		Aux:          layers.EncoderConfig{Name: "aux_encoder", Channels: 3, Parts: 2, Cols: 2, Hidden: []int{4}},
		EmbeddingDim: 5,
	}
}

func TestNewModelShapes(t *testing.T) {
	layers.SetRandomSeed(42)
	model, err := NewModel(tinyModelConfig(), 3)
	require.NoError(t, err)

	images, err := tensor.Full(0.5, 4, 3, 4, 4)
	require.NoError(t, err)

	feat, err := model.MainEncoder.Forward(images)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 8}, feat.Shape)

	global, local, err := model.MainHead.Forward(feat)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5}, global.Shape)
	assert.Equal(t, []int{4, 5}, local.Shape)

	logits, err := model.Classifier.Forward(global)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 3}, logits.Shape)
	assert.Equal(t, 3, model.Classifier.Classes())
}

func TestModelTrainEvalAndSummary(t *testing.T) {
	model, err := NewModel(tinyModelConfig(), 3)
	require.NoError(t, err)

	model.Eval()
	for _, sub := range AllSubModels {
		assert.False(t, model.SubModule(sub).IsTraining(), sub.String())
	}
	model.Train()
	for _, sub := range AllSubModels {
		assert.True(t, model.SubModule(sub).IsTraining(), sub.String())
	}

	summary := model.Summary()
	for _, sub := range AllSubModels {
		assert.Contains(t, summary, sub.String())
	}
	assert.Nil(t, model.SubModule(SubModel(99)))
}

func TestModelConfigValidate(t *testing.T) {
	require.NoError(t, DefaultModelConfig().Validate())

	cfg := tinyModelConfig()
	cfg.EmbeddingDim = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = tinyModelConfig()
	cfg.Aux.Hidden = nil
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	_, err := NewModel(tinyModelConfig(), 1)
	assert.Error(t, err)
}

func TestSubModelNames(t *testing.T) {
	names := make([]string, len(AllSubModels))
	for i, sub := range AllSubModels {
		names[i] = sub.String()
		parsed, err := ParseSubModel(names[i])
		require.NoError(t, err)
		assert.Equal(t, sub, parsed)
	}
	assert.Equal(t, []string{"mainEncoder", "auxEncoder", "mainHead", "auxHead", "classifier"}, names)

	_, err := ParseSubModel("decoder")
	assert.Error(t, err)

	var sub SubModel
	require.NoError(t, sub.UnmarshalText([]byte("auxHead")))
	assert.Equal(t, AuxHead, sub)
}
