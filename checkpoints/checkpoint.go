package checkpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tsawler/go-reid/layers"
	"github.com/tsawler/go-reid/training"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat uint8

const (
	// FormatProto is the protobuf wire encoding, compact and exact.
	FormatProto CheckpointFormat = iota
	// FormatJSON is human readable.
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatProto:
		return "proto"
	case FormatJSON:
		return "json"
	default:
		return "Unknown"
	}
}

// ParseFormat maps "proto" and "json" to a CheckpointFormat.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch s {
	case "", "proto":
		return FormatProto, nil
	case "json":
		return FormatJSON, nil
	default:
		return 0, fmt.Errorf("unknown checkpoint format %q", s)
	}
}

// Checkpoint is the persisted state of one sub-model.
type Checkpoint struct {
	SubModel      string             `json:"submodel"`
	Weights       []WeightTensor     `json:"weights"`
	TrainingState TrainingState      `json:"training_state"`
	Metadata      CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias"
}

// TrainingState captures the training progress at save time.
type TrainingState struct {
	Iteration      int     `json:"iteration"`
	LossAverage    float64 `json:"loss_average"`
	LearningRate   float64 `json:"learning_rate"`
	OptimizerSteps int     `json:"optimizer_steps"`
	Cancelled      bool    `json:"cancelled"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version   string    `json:"version"`
	Framework string    `json:"framework"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	formatVersion = "1.0.0"
	framework     = "go-reid"
)

// NewCheckpoint snapshots params. The weight data is copied.
func NewCheckpoint(sub training.SubModel, params []layers.NamedParameter, info training.CheckpointInfo) *Checkpoint {
	weights := make([]WeightTensor, len(params))
	for i, p := range params {
		weights[i] = WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Tensor.Shape...),
			Data:  append([]float64(nil), p.Tensor.Data...),
			Layer: p.Layer,
			Type:  p.Kind,
		}
	}
	return &Checkpoint{
		SubModel: sub.String(),
		Weights:  weights,
		TrainingState: TrainingState{
			Iteration:      info.Iteration,
			LossAverage:    info.LossAverage,
			LearningRate:   info.LearningRate,
			OptimizerSteps: info.OptimizerSteps,
			Cancelled:      info.Cancelled,
		},
		Metadata: CheckpointMetadata{
			Version:   formatVersion,
			Framework: framework,
			CreatedAt: time.Now().UTC(),
		},
	}
}

// Restore copies the checkpoint's weights into params, matching by name.
// Every parameter must be present with the same shape.
func (c *Checkpoint) Restore(params []layers.NamedParameter) error {
	weightMap := make(map[string]WeightTensor, len(c.Weights))
	for _, w := range c.Weights {
		weightMap[w.Name] = w
	}
	if len(weightMap) != len(params) {
		return fmt.Errorf("weight count mismatch: %d weights, %d parameters", len(weightMap), len(params))
	}

	for _, p := range params {
		w, ok := weightMap[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint for %s has no weight %s", c.SubModel, p.Name)
		}
		if len(w.Shape) != len(p.Tensor.Shape) {
			return fmt.Errorf("shape mismatch for weight %s: tensor %v vs weight %v", p.Name, p.Tensor.Shape, w.Shape)
		}
		for j, dim := range p.Tensor.Shape {
			if dim != w.Shape[j] {
				return fmt.Errorf("dimension mismatch for weight %s at index %d: tensor %d vs weight %d",
					p.Name, j, dim, w.Shape[j])
			}
		}
	}
	for _, p := range params {
		if err := p.Tensor.CopyFrom(weightMap[p.Name].Data); err != nil {
			return fmt.Errorf("failed to copy weight data for %s: %w", p.Name, err)
		}
	}
	return nil
}

// Blob header: magic, format version, payload format, compression.
var magic = [4]byte{'R', 'I', 'D', 'C'}

const (
	blobVersion    = 1
	blobHeaderSize = 7
)

// Marshal encodes c into a self-describing blob.
func Marshal(c *Checkpoint, format CheckpointFormat, compression Compression) ([]byte, error) {
	var payload []byte
	switch format {
	case FormatProto:
		payload = appendCheckpoint(nil, c)
	case FormatJSON:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		if err := enc.Encode(c); err != nil {
			return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
		}
		payload = buf.Bytes()
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", format)
	}

	block, err := compressBlock(payload, compression)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, blobHeaderSize+len(block))
	out = append(out, magic[:]...)
	out = append(out, blobVersion, byte(format), byte(compression))
	return append(out, block...), nil
}

// Unmarshal decodes a blob written by Marshal.
func Unmarshal(blob []byte) (*Checkpoint, error) {
	if len(blob) < blobHeaderSize || !bytes.Equal(blob[:4], magic[:]) {
		return nil, fmt.Errorf("not a checkpoint blob")
	}
	if blob[4] != blobVersion {
		return nil, fmt.Errorf("unsupported checkpoint version %d", blob[4])
	}
	format := CheckpointFormat(blob[5])
	compression := Compression(blob[6])

	payload, err := decompressBlock(blob[blobHeaderSize:], compression)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress checkpoint: %w", err)
	}

	switch format {
	case FormatProto:
		return consumeCheckpoint(payload)
	case FormatJSON:
		var c Checkpoint
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
		return &c, nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", format)
	}
}
