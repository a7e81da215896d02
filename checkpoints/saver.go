package checkpoints

import (
	"context"
	"fmt"

	"github.com/tsawler/go-reid/blobstore"
	"github.com/tsawler/go-reid/layers"
	"github.com/tsawler/go-reid/training"
)

// Extension is appended to the sub-model name to form the blob name.
const Extension = ".ckpt"

// BlobName returns the name a sub-model's checkpoint is stored under.
func BlobName(sub training.SubModel) string {
	return sub.String() + Extension
}

// Saver writes one checkpoint blob per sub-model to a blob store. It
// implements training.Checkpointer.
type Saver struct {
	store       blobstore.Store
	format      CheckpointFormat
	compression Compression
	logger      *training.Logger
}

// SaverOption configures a Saver.
type SaverOption func(*Saver)

// WithFormat sets the payload encoding. The default is FormatProto.
func WithFormat(f CheckpointFormat) SaverOption {
	return func(s *Saver) { s.format = f }
}

// WithCompression sets the block compression. The default is none.
func WithCompression(c Compression) SaverOption {
	return func(s *Saver) { s.compression = c }
}

// WithLogger sets the logger.
func WithLogger(l *training.Logger) SaverOption {
	return func(s *Saver) { s.logger = l }
}

// NewSaver creates a Saver writing to store.
func NewSaver(store blobstore.Store, opts ...SaverOption) (*Saver, error) {
	if store == nil {
		return nil, fmt.Errorf("checkpoint store cannot be nil")
	}
	s := &Saver{store: store, format: FormatProto, compression: CompressionNone}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = training.NoopLogger()
	}
	s.logger = s.logger.WithComponent("checkpoints")
	return s, nil
}

// Save encodes params and overwrites the sub-model's previous checkpoint.
func (s *Saver) Save(ctx context.Context, sub training.SubModel, params []layers.NamedParameter, info training.CheckpointInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	blob, err := Marshal(NewCheckpoint(sub, params, info), s.format, s.compression)
	if err != nil {
		return err
	}
	name := BlobName(sub)
	if err := s.store.Put(ctx, name, blob); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	s.logger.Debug("checkpoint stored",
		"blob", name,
		"bytes", len(blob),
		"format", s.format.String(),
		"compression", s.compression.String(),
		"iteration", info.Iteration)
	return nil
}

// Load reads the checkpoint of sub from store.
func Load(ctx context.Context, store blobstore.Store, sub training.SubModel) (*Checkpoint, error) {
	name := BlobName(sub)
	blob, err := store.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	c, err := Unmarshal(blob)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if c.SubModel != sub.String() {
		return nil, fmt.Errorf("%s holds sub-model %q", name, c.SubModel)
	}
	return c, nil
}

// LoadInto reads the checkpoint of sub and copies it into params.
func LoadInto(ctx context.Context, store blobstore.Store, sub training.SubModel, params []layers.NamedParameter) (TrainingState, error) {
	c, err := Load(ctx, store, sub)
	if err != nil {
		return TrainingState{}, err
	}
	if err := c.Restore(params); err != nil {
		return TrainingState{}, err
	}
	return c.TrainingState, nil
}
