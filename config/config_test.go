package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-reid/training"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 18, cfg.Sampler.P)
	assert.Equal(t, 4, cfg.Sampler.K)
	assert.Nil(t, cfg.Margin, "soft margin by default")
	assert.Equal(t, training.DefaultLossWeights(), cfg.Weights)
	assert.Len(t, cfg.Optimizers, len(training.AllSubModels))
}

func TestDecodeOverridesDefaults(t *testing.T) {
	src := `
sampler:
  p: 8
  k: 3
iterations: 100
margin: 0.3
weights:
  triplet: 2
  branch_id: 0.25
  fused_id: 1
optimizers:
  classifier:
    kind: sgd
    momentum: 0.9
    schedule:
      kind: constant
      base_lr: 0.01
data:
  image_dir: /data/images
  dense_dir: /data/dense
checkpoint:
  dest: minio
  bucket: runs
  endpoint: localhost:9000
  compression: zstd
`
	cfg, err := Decode(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, SamplerConfig{P: 8, K: 3}, cfg.Sampler)
	assert.Equal(t, 100, cfg.Iterations)
	require.NotNil(t, cfg.Margin)
	assert.Equal(t, 0.3, *cfg.Margin)
	assert.Equal(t, 2.0, cfg.Weights.Triplet)
	assert.Equal(t, 20, cfg.LogInterval, "untouched options keep their default")
	assert.Equal(t, 48, cfg.Data.Height)
	assert.Equal(t, "/data/images", cfg.Data.ImageDir)

	optims, err := cfg.OptimizerConfigs()
	require.NoError(t, err)
	assert.Len(t, optims, 5)
	assert.Equal(t, training.OptimizerSGD, optims[training.ClassifierModel].Kind)
	assert.Equal(t, training.OptimizerAdam, optims[training.MainEncoder].Kind)

	tc := cfg.Training()
	assert.Equal(t, 100, tc.Iterations)
	assert.Same(t, cfg.Margin, tc.Margin)
}

func TestDecodeExplicitNullMarginIsSoft(t *testing.T) {
	cfg, err := Decode(strings.NewReader("margin: null\n"))
	require.NoError(t, err)
	assert.Nil(t, cfg.Margin)

	cfg, err = Decode(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default().Iterations, cfg.Iterations)
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unknown key", "iterationz: 5\n"},
		{"p too small", "sampler: {p: 1, k: 4}\n"},
		{"k too small", "sampler: {p: 4, k: 1}\n"},
		{"negative margin", "margin: -1\n"},
		{"zero iterations", "iterations: 0\n"},
		{"replicas do not divide batch", "replicas: 5\n"},
		{"unknown sub-model", "optimizers: {backbone: {kind: adam}}\n"},
		{"bad schedule", "optimizers: {mainHead: {kind: adam, schedule: {base_lr: 0.1, peak_lr: 0.2, floor_lr: 0.01, t0: 10, t1: 5}}}\n"},
		{"bad id targets", "id_targets: both\n"},
		{"image too small", "data: {height: 2}\n"},
		{"flip probability", "data: {flip_probability: 1.5}\n"},
		{"bad format", "checkpoint: {format: onnx}\n"},
		{"bad compression", "checkpoint: {compression: gzip}\n"},
		{"s3 without bucket", "checkpoint: {dest: s3}\n"},
		{"unknown dest", "checkpoint: {dest: ftp}\n"},
		{"negative memory", "memory_limit_bytes: -1\n"},
		{"negative prefetch memory", "data: {prefetch_memory_bytes: -1}\n"},
		{"log format", "log: {format: xml}\n"},
		{"not yaml", "sampler: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.src))
			require.Error(t, err)
			assert.True(t, errors.Is(err, training.ErrInvalidConfig), "got %v", err)
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	margin := 0.2
	cfg := Default()
	cfg.Margin = &margin
	cfg.Data.ImageDir = "images"

	var buf bytes.Buffer
	require.NoError(t, cfg.Encode(&buf))

	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
