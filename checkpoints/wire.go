package checkpoints

import (
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the checkpoint message.
//
//	Checkpoint { 1 submodel string, 2 state State, 3 weights repeated Weight, 4 metadata Metadata }
//	State      { 1 iteration varint, 2 loss fixed64, 3 lr fixed64, 4 steps varint, 5 cancelled varint }
//	Weight     { 1 name, 2 layer, 3 type, 4 shape packed varint, 5 data packed fixed64 }
//	Metadata   { 1 version, 2 framework, 3 created_at unix nanos varint }
const (
	fieldSubModel = 1
	fieldState    = 2
	fieldWeight   = 3
	fieldMetadata = 4

	fieldStateIteration = 1
	fieldStateLoss      = 2
	fieldStateLR        = 3
	fieldStateSteps     = 4
	fieldStateCancelled = 5

	fieldWeightName  = 1
	fieldWeightLayer = 2
	fieldWeightType  = 3
	fieldWeightShape = 4
	fieldWeightData  = 5

	fieldMetaVersion   = 1
	fieldMetaFramework = 2
	fieldMetaCreated   = 3
)

var errTruncated = errors.New("truncated checkpoint message")

func appendCheckpoint(b []byte, c *Checkpoint) []byte {
	b = protowire.AppendTag(b, fieldSubModel, protowire.BytesType)
	b = protowire.AppendString(b, c.SubModel)

	b = protowire.AppendTag(b, fieldState, protowire.BytesType)
	b = protowire.AppendBytes(b, appendState(nil, c.TrainingState))

	for i := range c.Weights {
		b = protowire.AppendTag(b, fieldWeight, protowire.BytesType)
		b = protowire.AppendBytes(b, appendWeight(nil, &c.Weights[i]))
	}

	b = protowire.AppendTag(b, fieldMetadata, protowire.BytesType)
	return protowire.AppendBytes(b, appendMetadata(nil, c.Metadata))
}

func appendState(b []byte, s TrainingState) []byte {
	b = protowire.AppendTag(b, fieldStateIteration, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Iteration))
	b = protowire.AppendTag(b, fieldStateLoss, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(s.LossAverage))
	b = protowire.AppendTag(b, fieldStateLR, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(s.LearningRate))
	b = protowire.AppendTag(b, fieldStateSteps, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.OptimizerSteps))
	b = protowire.AppendTag(b, fieldStateCancelled, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(s.Cancelled))
}

func appendWeight(b []byte, w *WeightTensor) []byte {
	b = protowire.AppendTag(b, fieldWeightName, protowire.BytesType)
	b = protowire.AppendString(b, w.Name)
	b = protowire.AppendTag(b, fieldWeightLayer, protowire.BytesType)
	b = protowire.AppendString(b, w.Layer)
	b = protowire.AppendTag(b, fieldWeightType, protowire.BytesType)
	b = protowire.AppendString(b, w.Type)

	var shape []byte
	for _, d := range w.Shape {
		shape = protowire.AppendVarint(shape, uint64(d))
	}
	b = protowire.AppendTag(b, fieldWeightShape, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)

	data := make([]byte, 0, 8*len(w.Data))
	for _, v := range w.Data {
		data = protowire.AppendFixed64(data, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, fieldWeightData, protowire.BytesType)
	return protowire.AppendBytes(b, data)
}

func appendMetadata(b []byte, m CheckpointMetadata) []byte {
	b = protowire.AppendTag(b, fieldMetaVersion, protowire.BytesType)
	b = protowire.AppendString(b, m.Version)
	b = protowire.AppendTag(b, fieldMetaFramework, protowire.BytesType)
	b = protowire.AppendString(b, m.Framework)
	b = protowire.AppendTag(b, fieldMetaCreated, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(m.CreatedAt.UnixNano()))
}

// forEachField walks the fields of one message. Unknown fields are skipped.
func forEachField(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func consumeBytesField(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, errTruncated
	}
	return v, n, nil
}

func consumeVarintField(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, errTruncated
	}
	return v, n, nil
}

func consumeFloatField(typ protowire.Type, b []byte) (float64, int, error) {
	if typ != protowire.Fixed64Type {
		return 0, 0, fmt.Errorf("unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, 0, errTruncated
	}
	return math.Float64frombits(v), n, nil
}

func consumeCheckpoint(b []byte) (*Checkpoint, error) {
	var c Checkpoint
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldSubModel:
			v, n, err := consumeBytesField(typ, b)
			c.SubModel = string(v)
			return n, err
		case fieldState:
			v, n, err := consumeBytesField(typ, b)
			if err != nil {
				return 0, err
			}
			c.TrainingState, err = consumeState(v)
			return n, err
		case fieldWeight:
			v, n, err := consumeBytesField(typ, b)
			if err != nil {
				return 0, err
			}
			w, err := consumeWeight(v)
			if err != nil {
				return 0, err
			}
			c.Weights = append(c.Weights, w)
			return n, nil
		case fieldMetadata:
			v, n, err := consumeBytesField(typ, b)
			if err != nil {
				return 0, err
			}
			c.Metadata, err = consumeMetadata(v)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &c, nil
}

func consumeState(b []byte) (TrainingState, error) {
	var s TrainingState
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldStateIteration:
			v, n, err := consumeVarintField(typ, b)
			s.Iteration = int(v)
			return n, err
		case fieldStateLoss:
			v, n, err := consumeFloatField(typ, b)
			s.LossAverage = v
			return n, err
		case fieldStateLR:
			v, n, err := consumeFloatField(typ, b)
			s.LearningRate = v
			return n, err
		case fieldStateSteps:
			v, n, err := consumeVarintField(typ, b)
			s.OptimizerSteps = int(v)
			return n, err
		case fieldStateCancelled:
			v, n, err := consumeVarintField(typ, b)
			s.Cancelled = protowire.DecodeBool(v)
			return n, err
		}
		return 0, nil
	})
	return s, err
}

func consumeWeight(b []byte) (WeightTensor, error) {
	var w WeightTensor
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldWeightName, fieldWeightLayer, fieldWeightType:
			v, n, err := consumeBytesField(typ, b)
			switch num {
			case fieldWeightName:
				w.Name = string(v)
			case fieldWeightLayer:
				w.Layer = string(v)
			default:
				w.Type = string(v)
			}
			return n, err
		case fieldWeightShape:
			v, n, err := consumeBytesField(typ, b)
			if err != nil {
				return 0, err
			}
			for len(v) > 0 {
				d, m := protowire.ConsumeVarint(v)
				if m < 0 {
					return 0, errTruncated
				}
				w.Shape = append(w.Shape, int(d))
				v = v[m:]
			}
			return n, nil
		case fieldWeightData:
			v, n, err := consumeBytesField(typ, b)
			if err != nil {
				return 0, err
			}
			if len(v)%8 != 0 {
				return 0, fmt.Errorf("weight data length %d is not a multiple of 8", len(v))
			}
			w.Data = make([]float64, 0, len(v)/8)
			for len(v) > 0 {
				bits, m := protowire.ConsumeFixed64(v)
				if m < 0 {
					return 0, errTruncated
				}
				w.Data = append(w.Data, math.Float64frombits(bits))
				v = v[m:]
			}
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return w, err
	}

	size := 1
	for _, d := range w.Shape {
		size *= d
	}
	if size != len(w.Data) {
		return w, fmt.Errorf("weight %s has shape %v but %d values", w.Name, w.Shape, len(w.Data))
	}
	return w, nil
}

func consumeMetadata(b []byte) (CheckpointMetadata, error) {
	var m CheckpointMetadata
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldMetaVersion:
			v, n, err := consumeBytesField(typ, b)
			m.Version = string(v)
			return n, err
		case fieldMetaFramework:
			v, n, err := consumeBytesField(typ, b)
			m.Framework = string(v)
			return n, err
		case fieldMetaCreated:
			v, n, err := consumeVarintField(typ, b)
			m.CreatedAt = time.Unix(0, int64(v)).UTC()
			return n, err
		}
		return 0, nil
	})
	return m, err
}
