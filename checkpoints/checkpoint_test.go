package checkpoints

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-reid/blobstore"
	"github.com/tsawler/go-reid/layers"
	"github.com/tsawler/go-reid/tensor"
	"github.com/tsawler/go-reid/training"
)

func testParams(t *testing.T, seed float64) []layers.NamedParameter {
	t.Helper()
	w, err := tensor.NewTensor([]int{2, 3}, []float64{seed, -1.5, 0, 2.25, 1e-9, -7})
	require.NoError(t, err)
	// A long repetitive bias so compression actually shrinks the block.
	b, err := tensor.Full(seed, 256)
	require.NoError(t, err)
	return []layers.NamedParameter{
		{Name: "fc1.weight", Layer: "fc1", Kind: "weight", Tensor: w},
		{Name: "fc1.bias", Layer: "fc1", Kind: "bias", Tensor: b},
	}
}

func testInfo() training.CheckpointInfo {
	return training.CheckpointInfo{
		Iteration:      1200,
		LossAverage:    0.8125,
		LearningRate:   3.5e-4,
		OptimizerSteps: 1200,
		Cancelled:      true,
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	params := testParams(t, 0.5)
	want := NewCheckpoint(training.MainHead, params, testInfo())

	for _, format := range []CheckpointFormat{FormatProto, FormatJSON} {
		for _, compression := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD} {
			t.Run(fmt.Sprintf("%s/%s", format, compression), func(t *testing.T) {
				blob, err := Marshal(want, format, compression)
				require.NoError(t, err)
				assert.Equal(t, []byte("RIDC"), blob[:4])

				got, err := Unmarshal(blob)
				require.NoError(t, err)
				assert.Equal(t, "mainHead", got.SubModel)
				assert.Equal(t, want.TrainingState, got.TrainingState)
				assert.Equal(t, want.Weights, got.Weights)
				assert.Equal(t, want.Metadata.Version, got.Metadata.Version)
				assert.Equal(t, "go-reid", got.Metadata.Framework)
				assert.True(t, want.Metadata.CreatedAt.Equal(got.Metadata.CreatedAt))
			})
		}
	}
}

func TestCompressionShrinksRepetitivePayload(t *testing.T) {
	c := NewCheckpoint(training.MainHead, testParams(t, 0.5), testInfo())
	raw, err := Marshal(c, FormatProto, CompressionNone)
	require.NoError(t, err)
	for _, compression := range []Compression{CompressionLZ4, CompressionZSTD} {
		packed, err := Marshal(c, FormatProto, compression)
		require.NoError(t, err)
		assert.Less(t, len(packed), len(raw), compression.String())
	}
}

func TestCompressBlockStoresIncompressibleRaw(t *testing.T) {
	data := []byte{0x17, 0xa2, 0x5c}
	block, err := compressBlock(data, CompressionZSTD)
	require.NoError(t, err)
	assert.Equal(t, blockHeaderSize+len(data), len(block))

	out, err := decompressBlock(block, CompressionZSTD)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestUnmarshalRejectsCorruptBlobs(t *testing.T) {
	blob, err := Marshal(NewCheckpoint(training.AuxHead, testParams(t, 1), testInfo()), FormatProto, CompressionLZ4)
	require.NoError(t, err)

	_, err = Unmarshal([]byte("RID"))
	assert.Error(t, err)

	badMagic := bytes.Clone(blob)
	badMagic[0] = 'X'
	_, err = Unmarshal(badMagic)
	assert.Error(t, err)

	badVersion := bytes.Clone(blob)
	badVersion[4] = 9
	_, err = Unmarshal(badVersion)
	assert.Error(t, err)

	_, err = Unmarshal(blob[:len(blob)-5])
	assert.Error(t, err)

	raw, err := Marshal(NewCheckpoint(training.AuxHead, testParams(t, 1), testInfo()), FormatProto, CompressionNone)
	require.NoError(t, err)
	truncated := bytes.Clone(raw[:len(raw)-3])
	// Keep the block header consistent so the wire decoder sees the damage.
	truncated[blobHeaderSize] -= 3
	_, err = Unmarshal(truncated)
	assert.Error(t, err)
}

func TestParseFormatAndCompression(t *testing.T) {
	f, err := ParseFormat("json")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)
	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatProto, f)
	_, err = ParseFormat("onnx")
	assert.Error(t, err)

	c, err := ParseCompression("zstd")
	require.NoError(t, err)
	assert.Equal(t, CompressionZSTD, c)
	_, err = ParseCompression("gzip")
	assert.Error(t, err)
}

func TestRestore(t *testing.T) {
	saved := NewCheckpoint(training.ClassifierModel, testParams(t, 0.25), testInfo())

	target := testParams(t, 9)
	require.NoError(t, saved.Restore(target))
	assert.Equal(t, 0.25, target[0].Tensor.Data[0])
	assert.Equal(t, 0.25, target[1].Tensor.Data[255])

	// The checkpoint owns its data.
	target[0].Tensor.Data[1] = 100
	assert.Equal(t, -1.5, saved.Weights[0].Data[1])

	wrongShape := testParams(t, 9)
	wrongShape[0].Tensor.Shape = []int{3, 2}
	assert.Error(t, saved.Restore(wrongShape))

	renamed := testParams(t, 9)
	renamed[1].Name = "fc2.bias"
	assert.Error(t, saved.Restore(renamed))

	assert.Error(t, saved.Restore(testParams(t, 9)[:1]))
}

func TestSaverWritesEachSubModel(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	saver, err := NewSaver(store, WithCompression(CompressionZSTD), WithFormat(FormatProto))
	require.NoError(t, err)

	for _, sub := range training.AllSubModels {
		require.NoError(t, saver.Save(ctx, sub, testParams(t, float64(sub)), testInfo()))
	}
	// Later saves overwrite.
	info := testInfo()
	info.Iteration = 2400
	require.NoError(t, saver.Save(ctx, training.MainEncoder, testParams(t, 3), info))

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, names, len(training.AllSubModels))
	assert.Contains(t, names, "mainEncoder.ckpt")

	params := testParams(t, 0)
	state, err := LoadInto(ctx, store, training.MainEncoder, params)
	require.NoError(t, err)
	assert.Equal(t, 2400, state.Iteration)
	assert.True(t, state.Cancelled)
	assert.Equal(t, 3.0, params[0].Tensor.Data[0])

	_, err = Load(ctx, blobstore.NewMemoryStore(), training.AuxHead)
	assert.True(t, errors.Is(err, blobstore.ErrNotFound))
}

func TestLoadRejectsMislabelledBlob(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	blob, err := Marshal(NewCheckpoint(training.AuxHead, testParams(t, 1), testInfo()), FormatJSON, CompressionNone)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, BlobName(training.MainHead), blob))

	_, err = Load(ctx, store, training.MainHead)
	assert.Error(t, err)
}

func TestSaverHonoursCancelledContext(t *testing.T) {
	saver, err := NewSaver(blobstore.NewMemoryStore())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, saver.Save(ctx, training.MainHead, testParams(t, 1), testInfo()), context.Canceled)

	_, err = NewSaver(nil)
	assert.Error(t, err)
}
