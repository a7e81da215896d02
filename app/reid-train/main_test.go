package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-reid/blobstore"
	"github.com/tsawler/go-reid/checkpoints"
	"github.com/tsawler/go-reid/config"
	"github.com/tsawler/go-reid/training"
)

func writeCrop(t *testing.T, path string, shade uint8) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{shade, uint8(y * 16), uint8(x * 32), 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

// marketTrees writes ids identities of per crops, plus one junk crop.
func marketTrees(t *testing.T, ids, per int) (imageDir, denseDir string) {
	t.Helper()
	root := t.TempDir()
	imageDir = filepath.Join(root, "bounding_box_train")
	denseDir = filepath.Join(root, "uv_maps_train")
	require.NoError(t, os.MkdirAll(imageDir, 0755))
	require.NoError(t, os.MkdirAll(denseDir, 0755))
	for pid := 1; pid <= ids; pid++ {
		for i := 0; i < per; i++ {
			name := fmt.Sprintf("%04d_c%ds1_%06d_00.png", pid*7, i%6+1, i)
			writeCrop(t, filepath.Join(imageDir, name), uint8(pid*40))
			writeCrop(t, filepath.Join(denseDir, name), uint8(255-pid*40))
		}
	}
	writeCrop(t, filepath.Join(imageDir, "-1_c1s1_000001_00.png"), 0)
	return imageDir, denseDir
}

func smokeConfig(t *testing.T) config.Config {
	t.Helper()
	imageDir, denseDir := marketTrees(t, 3, 3)
	cfg := config.Default()
	cfg.Sampler = config.SamplerConfig{P: 2, K: 2}
	cfg.Iterations = 3
	cfg.LogInterval = 1
	cfg.AverageWindow = 2
	cfg.Data.ImageDir = imageDir
	cfg.Data.DenseDir = denseDir
	cfg.Data.Height = 12
	cfg.Data.Width = 8
	cfg.Checkpoint.Dir = filepath.Join(t.TempDir(), "res")
	cfg.Checkpoint.Compression = "lz4"
	cfg.Log.Level = "error"
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestRunWritesEveryCheckpoint(t *testing.T) {
	cfg := smokeConfig(t)
	var stdout, stderr bytes.Buffer
	require.NoError(t, run(context.Background(), cfg, options{summary: true, progress: true}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "trained 3 iterations")

	store, err := blobstore.NewLocalStore(cfg.Checkpoint.Dir)
	require.NoError(t, err)
	names, err := store.List(context.Background(), "")
	require.NoError(t, err)
	for _, sub := range training.AllSubModels {
		assert.Contains(t, names, checkpoints.BlobName(sub))
		c, err := checkpoints.Load(context.Background(), store, sub)
		require.NoError(t, err)
		assert.Equal(t, 3, c.TrainingState.Iteration)
		assert.False(t, c.TrainingState.Cancelled)
		assert.NotEmpty(t, c.Weights)
	}
	assert.Contains(t, names, historyBlob)
}

func TestRunWithSaturatedPrefetchBudget(t *testing.T) {
	cfg := smokeConfig(t)
	cfg.Iterations = 6
	cfg.MemoryLimitBytes = 256 << 20
	// Room for exactly one queued batch of 4 samples, two 3x12x8 tensors
	// each, so the second prefetch worker is always waiting.
	cfg.Data.PrefetchMemoryBytes = 4 * 2 * 3 * 12 * 8 * 8
	cfg.Data.PrefetchWorkers = 2
	require.NoError(t, cfg.Validate())

	var stdout, stderr bytes.Buffer
	require.NoError(t, run(context.Background(), cfg, options{}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "trained 6 iterations")
	assert.Contains(t, stdout.String(), "cancelled=false")
}

func TestRunCancelledStillCheckpoints(t *testing.T) {
	cfg := smokeConfig(t)
	cfg.Iterations = 1000
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var stdout, stderr bytes.Buffer
	require.NoError(t, run(ctx, cfg, options{}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "cancelled=true")

	store, err := blobstore.NewLocalStore(cfg.Checkpoint.Dir)
	require.NoError(t, err)
	c, err := checkpoints.Load(context.Background(), store, training.ClassifierModel)
	require.NoError(t, err)
	assert.True(t, c.TrainingState.Cancelled)
}

func TestLoadConfigFlagsOverride(t *testing.T) {
	imageDir, denseDir := marketTrees(t, 2, 2)
	cfg, err := loadConfig(options{
		images:     imageDir,
		dense:      denseDir,
		out:        t.TempDir(),
		iterations: 7,
		p:          4,
		k:          3,
		margin:     "0.3",
		logFormat:  "json",
		memLimit:   1 << 30,
	})
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Iterations)
	assert.Equal(t, config.SamplerConfig{P: 4, K: 3}, cfg.Sampler)
	require.NotNil(t, cfg.Margin)
	assert.Equal(t, 0.3, *cfg.Margin)
	assert.Equal(t, int64(1<<30), cfg.MemoryLimitBytes)

	cfg, err = loadConfig(options{images: imageDir, dense: denseDir, margin: "soft", memLimit: -1})
	require.NoError(t, err)
	assert.Nil(t, cfg.Margin)

	_, err = loadConfig(options{images: imageDir, dense: denseDir, margin: "wide", memLimit: -1})
	assert.Error(t, err)
	_, err = loadConfig(options{memLimit: -1})
	assert.Error(t, err, "data directories are required")
	_, err = loadConfig(options{images: imageDir, dense: denseDir, k: 1, memLimit: -1})
	assert.Error(t, err)
}
